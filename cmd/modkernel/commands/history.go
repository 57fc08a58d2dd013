package commands

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/modkernel/pkg/config"
	"github.com/openfroyo/modkernel/pkg/stores"
)

var journalPath string

func newHistoryCommand() *cobra.Command {
	var (
		module string
		since  time.Duration
		limit  int
		runs   bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show journaled state changes",
		Long: `Show the state transitions and orchestration runs recorded in the journal.

The journal path is taken from --journal or from the registry's kernel.journal
setting. Entries are listed newest first.`,
		Example: `  # Transitions of the last hour
  modkernel history --since 1h

  # Transitions of one module
  modkernel history --module plc --limit 20

  # Orchestration runs with per-module outcomes
  modkernel history --runs`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			journal, err := openJournal(ctx)
			if err != nil {
				return err
			}
			defer journal.Close()

			out := cmd.OutOrStdout()
			if runs {
				list, err := journal.Runs(ctx, limit)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(out, list)
				}
				return printRuns(out, list)
			}

			filter := stores.TransitionFilter{Module: module, Limit: limit}
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}
			list, err := journal.Transitions(ctx, filter)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(out, list)
			}
			return printTransitions(out, list)
		},
	}

	cmd.PersistentFlags().StringVar(&journalPath, "journal", "", "journal database path")
	cmd.Flags().StringVarP(&module, "module", "m", "", "only show this module")
	cmd.Flags().DurationVar(&since, "since", 0, "only show entries newer than this")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of entries (0 for all)")
	cmd.Flags().BoolVar(&runs, "runs", false, "show orchestration runs instead of transitions")

	cmd.AddCommand(newHistoryPruneCommand())

	return cmd
}

func newHistoryPruneCommand() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old journal entries",
		Example: `  # Keep thirty days of history
  modkernel history prune --older-than 720h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}

			ctx := cmd.Context()
			journal, err := openJournal(ctx)
			if err != nil {
				return err
			}
			defer journal.Close()

			n, err := journal.Prune(ctx, time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d entries\n", n)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "delete entries older than this")

	return cmd
}

func openJournal(ctx context.Context) (*stores.Journal, error) {
	path := journalPath
	if path == "" {
		reg, err := config.LoadFile(registryPath)
		if err != nil {
			return nil, fmt.Errorf("no --journal given and registry unreadable: %w", err)
		}
		path = reg.Kernel.Journal
	}
	if path == "" {
		return nil, fmt.Errorf("no journal configured")
	}
	return stores.OpenJournal(ctx, path, zerolog.Nop())
}

func printTransitions(w io.Writer, transitions []stores.Transition) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tMODULE\tFROM\tTO\tRESTARTS\tERROR")
	for _, t := range transitions {
		msg := t.Error
		if t.Exhausted {
			msg = "restart budget exhausted: " + msg
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			t.OccurredAt.Local().Format(time.RFC3339), t.Module, t.OldState, t.NewState, t.RestartCount, msg)
	}
	return tw.Flush()
}

func printRuns(w io.Writer, runs []stores.Run) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tOPERATION\tTARGET\tDURATION\tMODULE\tOUTCOME\tDETAIL")
	for _, r := range runs {
		head := fmt.Sprintf("%s\t%s\t%s\t%s", r.StartedAt.Local().Format(time.RFC3339), r.Operation, r.Target, r.Duration)
		if len(r.Modules) == 0 {
			fmt.Fprintf(tw, "%s\t\t\t\n", head)
			continue
		}
		for _, m := range r.Modules {
			detail := m.Error
			if len(m.WaitingOn) > 0 {
				detail = "waiting on " + strings.Join(m.WaitingOn, ",")
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", head, m.Module, m.Outcome, detail)
			head = "\t\t\t"
		}
	}
	return tw.Flush()
}
