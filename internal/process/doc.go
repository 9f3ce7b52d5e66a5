// Package process wraps os/exec for a single supervised subprocess.
//
// Start launches an executable with a working directory, arguments and
// environment overrides, in its own process group on Unix. The returned
// Handle offers:
//   - Line-oriented stdout/stderr capture via an OutputHandler
//   - A one-shot Exited channel and the ExitStatus once it closes. The
//     process is reaped on its own path; output still held open by a
//     background job is read for at most the drain timeout.
//   - RequestShutdown, a pluggable cooperative shutdown (SIGINT by default)
//   - Kill, a forced SIGKILL of the whole process group
//
// Launch failures are returned as *StartError; a process that ran and then
// exited non-zero reports an *ExitError in its ExitStatus.
//
// Example:
//
//	h, err := process.Start(process.Spec{
//	    Path: "sh",
//	    Args: []string{"-c", "echo hello"},
//	}, process.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	<-h.Exited()
//	fmt.Println(h.ExitStatus().Code)
package process
