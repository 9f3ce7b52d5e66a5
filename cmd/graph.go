package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/smazurov/forker/internal/config"
	"github.com/smazurov/forker/internal/supervisor"
)

// CreateGraphCmd creates the graph command.
func CreateGraphCmd() *cobra.Command {
	var definition string
	var name string

	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Print the supervisor lifecycle as Graphviz DOT",
		Long: `Prints every supervisor state and every allowed transition in DOT format. ` +
			`Pipe the output to "dot -Tsvg" to render it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if definition != "" && name == "" {
				def, err := config.LoadDefinition(definition)
				if err != nil {
					return err
				}
				name = def.Process.Name
			}
			if name == "" {
				name = "supervisor"
			}
			_, err := fmt.Fprint(cmd.OutOrStdout(), supervisor.LifecycleGraph(name))
			return err
		},
	}

	cmd.Flags().StringVarP(&definition, "definition", "d", "", "Take the graph name from this definition file")
	cmd.Flags().StringVar(&name, "name", "", "Graph name")
	return cmd
}
