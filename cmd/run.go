package cmd

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/webfarm/internal/app"
	"github.com/JakeFAU/webfarm/internal/harvest"
	"github.com/JakeFAU/webfarm/internal/orchestrator"
	"github.com/JakeFAU/webfarm/internal/storage/memory"
)

// runFlags are shared by the commands that drive a Runner.
type runFlags struct {
	maxItems    int
	maxBatches  int
	offline     bool
	fixturesDir string
	progress    bool
}

func (f *runFlags) bind(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.maxItems, "max-items", 0, "stop after this many raw items (0 uses run.max_items)")
	cmd.Flags().IntVar(&f.maxBatches, "max-batches", 0, "stop after this many batches (0 uses run.max_batches)")
	cmd.Flags().BoolVar(&f.offline, "offline", false, "replay stored fixtures instead of fetching")
	cmd.Flags().StringVar(&f.fixturesDir, "fixtures-dir", "", "fixture directory (defaults to the profile's)")
	cmd.Flags().BoolVar(&f.progress, "progress", false, "render a progress bar on stderr")
}

func (f *runFlags) runOptions(a *app.App, resume bool) orchestrator.RunOptions {
	maxItems, maxBatches := a.RunLimits(f.maxItems, f.maxBatches)
	return orchestrator.RunOptions{Resume: resume, MaxItems: maxItems, MaxBatches: maxBatches}
}

func newRunCmd(o *rootOptions) *cobra.Command {
	var (
		profileRef string
		out        string
		flags      runFlags
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a profile and write its raw items as JSONL.",
		Long: `run harvests one profile into a throwaway in-memory store and writes every
raw item as one JSON line. Nothing is persisted, so the run cannot be resumed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := appFrom(cmd)
			if err != nil {
				return err
			}
			p, err := o.loadProfile(profileRef)
			if err != nil {
				return err
			}
			store := memory.NewStore(a.Clock(), nil)
			runner, err := a.NewRunner(cmd.Context(), app.RunnerOptions{
				Store:       store,
				Offline:     flags.offline,
				FixturesDir: flags.fixturesDir,
				Progress:    progressWriter(cmd, flags.progress),
				Runs:        1,
			})
			if err != nil {
				return err
			}
			res, runErr := runner.Run(cmd.Context(), p, flags.runOptions(a, false))

			w, closeOut, err := openOutput(cmd, out)
			if err != nil {
				return err
			}
			n, werr := writeRawItems(w, store.RawItems(p.Name))
			if cerr := closeOut(); werr == nil {
				werr = cerr
			}
			if werr != nil {
				return werr
			}
			a.Logger().Info("run finished",
				zap.String("profile", p.Name),
				zap.String("status", string(res.Status)),
				zap.Int("items", n),
				zap.String("out", out),
			)
			return outcome(res.Status, runErr)
		},
	}
	cmd.Flags().StringVarP(&profileRef, "profile", "p", "", "profile file or name")
	cmd.Flags().StringVarP(&out, "out", "o", "-", "JSONL output path, - for stdout")
	flags.bind(cmd)
	return cmd
}

// writeRawItems writes each item's data on its own line, compacted.
func writeRawItems(w io.Writer, items []harvest.RawItem) (int, error) {
	bw := bufio.NewWriter(w)
	var buf bytes.Buffer
	for _, it := range items {
		buf.Reset()
		if err := json.Compact(&buf, it.Data); err != nil {
			return 0, fmt.Errorf("compact item %d/%d: %w", it.Batch, it.Seq, err)
		}
		buf.WriteByte('\n')
		if _, err := bw.Write(buf.Bytes()); err != nil {
			return 0, fmt.Errorf("write item: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return 0, fmt.Errorf("flush items: %w", err)
	}
	return len(items), nil
}

func newRunToStoreCmd(o *rootOptions) *cobra.Command {
	var (
		profileRef string
		resume     bool
		flags      runFlags
	)
	cmd := &cobra.Command{
		Use:   "run-to-store",
		Short: "Run a profile into the configured store.",
		Long: `run-to-store harvests one profile into the configured store, committing
each batch with its cursor. With --resume it continues the latest unfinished
run from its last committed cursor. Exits 3 when the source blocks.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := appFrom(cmd)
			if err != nil {
				return err
			}
			p, err := o.loadProfile(profileRef)
			if err != nil {
				return err
			}
			runner, err := a.NewRunner(cmd.Context(), app.RunnerOptions{
				Offline:     flags.offline,
				FixturesDir: flags.fixturesDir,
				Progress:    progressWriter(cmd, flags.progress),
				Runs:        1,
			})
			if err != nil {
				return err
			}
			res, runErr := runner.Run(cmd.Context(), p, flags.runOptions(a, resume))
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			return outcome(res.Status, runErr)
		},
	}
	cmd.Flags().StringVarP(&profileRef, "profile", "p", "", "profile file or name")
	cmd.Flags().BoolVar(&resume, "resume", false, "continue the latest unfinished run")
	flags.bind(cmd)
	return cmd
}
