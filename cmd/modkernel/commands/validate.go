package commands

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/modkernel/pkg/config"
	"github.com/openfroyo/modkernel/pkg/kernel"
	"github.com/openfroyo/modkernel/pkg/policy"
)

func newValidateCommand() *cobra.Command {
	var compile bool

	cmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a module registry",
		Long: `Validate a module registry without starting anything.

This command checks:
  - Syntax and, for CUE registries, schema conformance
  - Field values (behaviors, timeouts, restart budgets)
  - Unknown dependencies and dependency cycles
  - That Starlark module scripts compile (--compile)
  - Built-in and --policy Rego policies; error violations fail validation`,
		Example: `  # Validate the default registry
  modkernel validate

  # Validate a specific file and print its start order as JSON
  modkernel validate plant.cue --json

  # Apply site policies on top of the built-in ones
  modkernel validate --policy ./policies`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := registryPath
			if len(args) > 0 {
				path = args[0]
			}
			out := cmd.OutOrStdout()

			reg, err := config.LoadFile(path)
			if err != nil {
				var invalid *config.InvalidRegistryError
				if errors.As(err, &invalid) {
					for _, e := range invalid.Errors {
						fmt.Fprintln(out, e.String())
					}
				}
				return err
			}

			if compile {
				factory := newModuleFactory(zerolog.Nop())
				if _, err := reg.Registrations(factory); err != nil {
					return err
				}
			}

			graph, err := kernel.BuildGraph(reg.Descriptors())
			if err != nil {
				return err
			}

			eng, err := newPolicyEngine(cmd.Context(), zerolog.Nop())
			if err != nil {
				return err
			}
			result, policyErr := enforcePolicies(cmd.Context(), eng, reg)
			if result == nil {
				return policyErr
			}

			if jsonOutput {
				if err := writeJSON(out, struct {
					Graph  kernel.GraphSnapshot `json:"graph"`
					Policy *policy.Result       `json:"policy"`
				}{graph.Snapshot(nil), result}); err != nil {
					return err
				}
				return policyErr
			}

			printViolations(out, result)
			if policyErr != nil {
				return policyErr
			}
			fmt.Fprintf(out, "%s: %d modules, %d levels\n", path, len(reg.Modules), len(graph.Levels()))
			fmt.Fprintf(out, "start order: %v\n", graph.GlobalStartOrder())
			return nil
		},
	}

	cmd.Flags().BoolVar(&compile, "compile", true, "compile module scripts")

	return cmd
}
