package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/smazurov/forker/internal/config"
)

// CreateValidateCmd creates the validate command.
func CreateValidateCmd() *cobra.Command {
	var definition string
	var quiet bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a process definition file",
		Long:  `Loads a TOML or YAML process definition and reports every problem found, one per line.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()

			def, err := config.LoadDefinition(definition)
			if err != nil {
				fmt.Fprintln(out, err)
				return &ExitError{Code: 1}
			}

			if err := def.Validate(); err != nil {
				var joined interface{ Unwrap() []error }
				if errors.As(err, &joined) {
					for _, e := range joined.Unwrap() {
						fmt.Fprintf(out, "%s: %v\n", definition, e)
					}
				} else {
					fmt.Fprintf(out, "%s: %v\n", definition, err)
				}
				return &ExitError{Code: 1}
			}

			if !quiet {
				fmt.Fprintf(out, "%s: ok (%s, %s, stop timeout %s)\n",
					definition, def.Process.Name, def.Process.RunType, def.StopTimeoutDuration())
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&definition, "definition", "d", "process.toml", "Process definition file")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Print nothing when the definition is valid")
	return cmd
}
