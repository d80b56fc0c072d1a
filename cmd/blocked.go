package cmd

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/webfarm/internal/app"
	"github.com/JakeFAU/webfarm/internal/export"
	"github.com/JakeFAU/webfarm/internal/harvest"
	"github.com/JakeFAU/webfarm/internal/orchestrator"
)

var blockedColumns = []string{"id", "profile", "run_id", "batch", "reason", "status_code", "status", "url", "created_at", "resolved_at", "note"}

func blockedRow(ev harvest.BlockedEvent) []string {
	full, err := ev.Request.FullURL()
	if err != nil {
		full = ev.Request.URL
	}
	resolved := ""
	if ev.ResolvedAt != nil {
		resolved = ev.ResolvedAt.UTC().Format(time.RFC3339)
	}
	code := ""
	if ev.StatusCode != 0 {
		code = strconv.Itoa(ev.StatusCode)
	}
	return []string{
		ev.ID,
		ev.Profile,
		ev.RunID,
		strconv.Itoa(ev.Batch),
		ev.Reason,
		code,
		string(ev.Status),
		full,
		ev.CreatedAt.UTC().Format(time.RFC3339),
		resolved,
		ev.Note,
	}
}

// writeBlocked renders events as an aligned table, or through an export
// sink for csv and jsonl.
func writeBlocked(w io.Writer, format string, events []harvest.BlockedEvent) error {
	if format == "" || format == "table" {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tPROFILE\tBATCH\tREASON\tSTATUS\tCREATED")
		for _, ev := range events {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
				ev.ID, ev.Profile, ev.Batch, ev.Reason, ev.Status, ev.CreatedAt.UTC().Format(time.RFC3339))
		}
		if err := tw.Flush(); err != nil {
			return fmt.Errorf("write table: %w", err)
		}
		return nil
	}
	sink, err := export.NewSink(format, w)
	if err != nil {
		return err
	}
	if err := sink.WriteHeader(blockedColumns); err != nil {
		return err
	}
	for _, ev := range events {
		if err := sink.WriteRow(blockedRow(ev)); err != nil {
			return err
		}
	}
	return sink.Flush()
}

func newBlockedListCmd(_ *rootOptions) *cobra.Command {
	var (
		filter harvest.BlockedFilter
		format string
		out    string
	)
	cmd := &cobra.Command{
		Use:   "blocked-list",
		Short: "List blocked events, oldest first.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := appFrom(cmd)
			if err != nil {
				return err
			}
			store, err := a.Store(cmd.Context())
			if err != nil {
				return err
			}
			events, err := store.ListBlocked(cmd.Context(), filter)
			if err != nil {
				return err
			}
			w, closeOut, err := openOutput(cmd, out)
			if err != nil {
				return err
			}
			err = writeBlocked(w, format, events)
			if cerr := closeOut(); err == nil {
				err = cerr
			}
			return err
		},
	}
	cmd.Flags().StringVar(&filter.Profile, "profile-name", "", "only events of this profile")
	cmd.Flags().BoolVar(&filter.IncludeResolved, "all", false, "include resolved events")
	cmd.Flags().IntVar(&filter.Limit, "limit", 0, "maximum events (0 for all)")
	cmd.Flags().IntVar(&filter.Offset, "offset", 0, "events to skip")
	cmd.Flags().StringVar(&format, "format", "table", "table, csv or jsonl")
	cmd.Flags().StringVarP(&out, "out", "o", "-", "output path, - for stdout")
	return cmd
}

func newBlockedResolveCmd(_ *rootOptions) *cobra.Command {
	var id, note string
	cmd := &cobra.Command{
		Use:   "blocked-resolve",
		Short: "Mark a blocked event resolved.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := appFrom(cmd)
			if err != nil {
				return err
			}
			store, err := a.Store(cmd.Context())
			if err != nil {
				return err
			}
			if err := store.ResolveBlocked(cmd.Context(), id, note); err != nil {
				return err
			}
			ev, err := store.GetBlocked(cmd.Context(), id)
			if err != nil {
				return err
			}
			a.Logger().Info("blocked event resolved", zap.String("event_id", ev.ID), zap.String("profile", ev.Profile))
			return printJSON(cmd.OutOrStdout(), ev)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "blocked event id")
	cmd.Flags().StringVar(&note, "note", "", "operator note")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newBlockedResumeCmd(o *rootOptions) *cobra.Command {
	var (
		profileRef string
		id         string
		opts       orchestrator.ResumeOptions
	)
	cmd := &cobra.Command{
		Use:   "blocked-resume",
		Short: "Retry the request stored on a blocked event.",
		Long: `blocked-resume re-sends the exact request that was blocked and, if the
source answers, appends the batch to the event's run. Without --id the most
recent open event of the profile is used. Exits 3 if the source blocks again.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := appFrom(cmd)
			if err != nil {
				return err
			}
			p, err := o.loadProfile(profileRef)
			if err != nil {
				return err
			}
			store, err := a.Store(cmd.Context())
			if err != nil {
				return err
			}
			if id == "" {
				events, err := store.ListBlocked(cmd.Context(), harvest.BlockedFilter{Profile: p.Name})
				if err != nil {
					return err
				}
				if len(events) == 0 {
					return fmt.Errorf("profile %s has no open blocked events", p.Name)
				}
				id = events[len(events)-1].ID
			} else {
				ev, err := store.GetBlocked(cmd.Context(), id)
				if err != nil {
					return err
				}
				if ev.Profile != p.Name {
					return fmt.Errorf("blocked event %s belongs to profile %s, not %s", id, ev.Profile, p.Name)
				}
			}
			runner, err := a.NewRunner(cmd.Context(), app.RunnerOptions{})
			if err != nil {
				return err
			}
			res, runErr := runner.ResumeBlocked(cmd.Context(), p, id, opts)
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			return outcome(res.Status, runErr)
		},
	}
	cmd.Flags().StringVarP(&profileRef, "profile", "p", "", "profile file or name")
	cmd.Flags().StringVar(&id, "id", "", "blocked event id (default: the most recent open event)")
	cmd.Flags().BoolVar(&opts.AutoResolve, "auto-resolve", false, "resolve the event when its request succeeds")
	cmd.Flags().StringVar(&opts.Note, "note", "", "note stored when auto-resolving")
	cmd.Flags().BoolVar(&opts.Continue, "continue", false, "keep paginating after the retried batch")
	cmd.Flags().IntVar(&opts.MaxItems, "max-items", 0, "bound a continued run to this many items")
	cmd.Flags().IntVar(&opts.MaxBatches, "max-batches", 0, "bound a continued run to this many batches")
	return cmd
}
