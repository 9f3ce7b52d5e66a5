// Package supervisor runs one external process through a declared lifecycle.
//
// A Supervisor moves between these states:
//
//	not_started -> starting -> running -> stopping -> exited_*
//	                        \-> start_failed
//
// Every terminal state (start_failed, exited_successfully, exited_with_error,
// exited_killed) leads back to starting, so a supervisor can be started
// again after its process ends.
//
// Launch failures and abnormal exits are reported as states, not errors:
//
//	sup, err := supervisor.New(supervisor.Config{
//		Name:       "worker",
//		RunType:    supervisor.NonTerminating,
//		Executable: "my-daemon",
//	})
//	if err != nil {
//		return err
//	}
//	defer sup.Close()
//
//	_ = sup.Start(ctx)
//	if sup.CurrentState() == supervisor.StateStartFailed {
//		return sup.StartError()
//	}
//	...
//	_ = sup.Stop(ctx, 5*time.Second)
//
// Output lines and state changes are published on an events.Bus and can be
// observed with OnOutput and OnStateChange.
package supervisor
