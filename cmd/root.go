package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/smazurov/forker/internal/version"
)

// ExitError carries a process exit code out of a command.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// NewRootCmd creates the forker command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "forker",
		Short: "Run and supervise a single external process",
		Long: `forker launches an external process from a definition file and drives it through ` +
			`an explicit lifecycle: starting, running, stopping and a terminal exit state. ` +
			`Output is forwarded to structured logs and state is reported to systemd and Prometheus.`,
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		CreateRunCmd(),
		CreateGraphCmd(),
		CreateValidateCmd(),
		CreateVersionCmd(),
	)
	return root
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	return execute(NewRootCmd(), os.Args[1:])
}

func execute(root *cobra.Command, args []string) int {
	root.SetArgs(args)
	err := root.Execute()
	if err == nil {
		return 0
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	fmt.Fprintln(root.ErrOrStderr(), "Error:", err)
	return 1
}
