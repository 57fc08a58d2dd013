package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/modkernel/pkg/config"
	"github.com/openfroyo/modkernel/pkg/kernel"
)

func newGraphCommand() *cobra.Command {
	var (
		format string
		module string
	)

	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Show the module dependency graph",
		Long: `Render the dependency graph of the registry.

Formats:
  - dot: Graphviz source, one cluster per dependency level
  - levels: modules grouped by level; a level only depends on earlier ones
  - order: start and stop order, for the whole set or for --module`,
		Example: `  # Render the graph with Graphviz
  modkernel graph | dot -Tsvg > modules.svg

  # Show what starting and stopping plc involves
  modkernel graph --format order --module plc`,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := config.LoadFile(registryPath)
			if err != nil {
				return err
			}
			graph, err := kernel.BuildGraph(reg.Descriptors())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if jsonOutput {
				return writeJSON(out, graph.Snapshot(nil))
			}

			switch format {
			case "dot":
				fmt.Fprint(out, graph.ToDOT(nil))
			case "levels":
				for i, level := range graph.Levels() {
					fmt.Fprintf(out, "%d: %s\n", i, strings.Join(level, " "))
				}
			case "order":
				start, stop := graph.GlobalStartOrder(), graph.GlobalStopOrder()
				if module != "" {
					if start, err = graph.StartOrder(module); err != nil {
						return err
					}
					if stop, err = graph.StopOrder(module); err != nil {
						return err
					}
				}
				fmt.Fprintf(out, "start: %s\n", strings.Join(start, " "))
				fmt.Fprintf(out, "stop: %s\n", strings.Join(stop, " "))
			default:
				return fmt.Errorf("unknown format %q", format)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "dot", "output format (dot, levels, order)")
	cmd.Flags().StringVarP(&module, "module", "m", "", "module for --format order")

	return cmd
}
