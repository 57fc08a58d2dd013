package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	registryPath string
	logLevel     string
	jsonOutput   bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "modkernel",
		Short: "modkernel - dependency-aware module supervisor",
		Long: `modkernel starts, supervises and stops a set of interdependent modules.

Modules are declared in a registry file (YAML, JSON or CUE) with their
dependencies and failure behavior. The kernel:
  - Starts modules in dependency order, in parallel where possible
  - Holds back dependents of failed modules and resumes them on recovery
  - Restarts failing modules within a bounded restart budget
  - Stops dependents before their dependencies
  - Checks registries against built-in and custom Rego policies
  - Journals every state change to SQLite and exports Prometheus metrics`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&registryPath, "registry", "r", "modules.yaml", "module registry file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringSliceVar(&policyPaths, "policy", nil, "Rego policy files or directories")

	rootCmd.AddCommand(newRunCommand(version))
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newGraphCommand())
	rootCmd.AddCommand(newHistoryCommand())

	return rootCmd
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
