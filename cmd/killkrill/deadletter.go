package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/penguintechinc/killkrill-sub000/config"
	"github.com/penguintechinc/killkrill-sub000/deadletter"
)

// Output formats
const (
	outputTable = "table"
	outputJSON  = "json"
	outputYAML  = "yaml"
)

func newDeadLetterCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deadletter",
		Aliases: []string{"dlq"},
		Short:   "Inspect, requeue and delete dead-lettered entries",
	}
	cmd.AddCommand(
		newDeadLetterListCommand(c),
		newDeadLetterRequeueCommand(c),
		newDeadLetterDeleteCommand(c),
	)
	return cmd
}

// openDeadLetters builds an app holding only the dead-letter store. The
// memory store is private to the process that filled it, so only sqlite is
// accepted here.
func (c *cli) openDeadLetters(cmd *cobra.Command) (*app, deadletter.Store, error) {
	cfg, logger, err := c.setup(cmd)
	if err != nil {
		return nil, nil, err
	}
	if cfg.DeadLetter.Backend != config.BackendSQLite {
		return nil, nil, fmt.Errorf("deadletter commands require deadletter.backend %q", config.BackendSQLite)
	}
	a := newApp(cfg, logger, c.buildSinks)
	store, err := a.deadLetters(cmd.Context())
	if err != nil {
		_ = a.close()
		return nil, nil, err
	}
	return a, store, nil
}

func newDeadLetterListCommand(c *cli) *cobra.Command {
	var (
		filter deadletter.Filter
		output string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered entries, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := checkOutput(output); err != nil {
				return err
			}
			a, store, err := c.openDeadLetters(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = a.close() }()

			entries, err := store.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return writeEntries(cmd.OutOrStdout(), output, entries)
		},
	}
	cmd.Flags().StringVar(&filter.Stream, "stream", "", "Only entries from this partition stream")
	cmd.Flags().StringVar(&filter.Group, "group", "", "Only entries from this consumer group")
	cmd.Flags().IntVar(&filter.Limit, "limit", 100, "Maximum entries to list, 0 for all")
	cmd.Flags().StringVarP(&output, "output", "o", outputTable, "Output format: table, json or yaml")
	return cmd
}

func newDeadLetterRequeueCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue KEY...",
		Short: "Append dead-lettered events to their stream again and remove them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, keys []string) error {
			a, store, err := c.openDeadLetters(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = a.close() }()
			if a.cfg.Stream.Backend == config.BackendMemory && a.cfg.Stream.Journal == nil {
				return fmt.Errorf("requeue needs a shared stream: configure redis, jetstream or a memory journal")
			}

			ctx := cmd.Context()
			for _, key := range keys {
				e, err := store.Get(ctx, key)
				if err != nil {
					return fmt.Errorf("requeue %s: %w", key, err)
				}
				r, err := a.routerFor(ctx, e.Stream)
				if err != nil {
					return fmt.Errorf("requeue %s: %w", key, err)
				}
				pos, err := deadletter.Requeue(ctx, store, r, key)
				if err != nil {
					return fmt.Errorf("requeue %s: %w", key, err)
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "requeued %s as %s/%s\n", key, r.Name(), pos)
			}
			return nil
		},
	}
}

func newDeadLetterDeleteCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "delete KEY...",
		Short: "Remove dead-lettered entries",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, keys []string) error {
			a, store, err := c.openDeadLetters(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = a.close() }()

			for _, key := range keys {
				if err := deleteEntry(cmd.Context(), store, key); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", key)
			}
			return nil
		},
	}
}

// deleteEntry removes key, failing when it is not stored so a mistyped key
// is reported.
func deleteEntry(ctx context.Context, store deadletter.Store, key string) error {
	if _, err := store.Get(ctx, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	if err := store.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func checkOutput(format string) error {
	switch format {
	case outputTable, outputJSON, outputYAML:
		return nil
	default:
		return fmt.Errorf("output %q must be %s, %s or %s", format, outputTable, outputJSON, outputYAML)
	}
}

func writeEntries(w io.Writer, format string, entries []deadletter.Entry) error {
	if entries == nil {
		entries = []deadletter.Entry{}
	}
	switch format {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	case outputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(entries); err != nil {
			return err
		}
		return enc.Close()
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "KEY\tREASON\tATTEMPTS\tDEAD-LETTERED\tLAST ERROR")
	for _, e := range entries {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			e.Key(), e.FailureReason, e.AttemptCount,
			e.DeadLetteredAt.UTC().Format(time.RFC3339), truncate(e.LastError, 60))
	}
	return tw.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
