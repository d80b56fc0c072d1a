package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/webfarm/internal/app"
	"github.com/JakeFAU/webfarm/internal/orchestrator"
)

// farmOutcome folds a farm report into the process result.
func farmOutcome(rep orchestrator.FarmReport, err error) error {
	if err != nil {
		return &ExitError{Code: ExitFailed, Err: err}
	}
	return outcome(rep.Status(), nil)
}

func newFarmCmd(o *rootOptions) *cobra.Command {
	var (
		names   []string
		workers int
		resume  bool
		flags   runFlags
	)
	cmd := &cobra.Command{
		Use:   "farm",
		Short: "Run many profiles in parallel into the configured store.",
		Long: `farm queues every selected profile and runs them on a fixed pool of
workers that share the rate limiter and the store. The exit code is the worst
outcome: 1 if any run failed or never finished, else 3 if any was blocked.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := appFrom(cmd)
			if err != nil {
				return err
			}
			profiles, err := o.loadProfiles(names)
			if err != nil {
				return err
			}
			runner, err := a.NewRunner(cmd.Context(), app.RunnerOptions{
				Offline:     flags.offline,
				FixturesDir: flags.fixturesDir,
				Progress:    progressWriter(cmd, flags.progress),
				Runs:        len(profiles),
			})
			if err != nil {
				return err
			}
			if workers <= 0 {
				workers = a.Config().Farm.Workers
			}
			farm := orchestrator.NewFarm(runner, a.Logger().Named("farm"))
			rep, err := farm.Run(cmd.Context(), profiles, orchestrator.FarmOptions{
				Workers:    workers,
				QueueDepth: a.Config().Farm.QueueDepth,
				Run:        flags.runOptions(a, resume),
			})
			if perr := printJSON(cmd.OutOrStdout(), rep); perr != nil && err == nil {
				err = perr
			}
			return farmOutcome(rep, err)
		},
	}
	cmd.Flags().StringSliceVar(&names, "profiles", nil, "profile names to run (default all in --profiles-dir)")
	cmd.Flags().IntVar(&workers, "workers", 0, "parallel profiles (0 uses farm.workers)")
	cmd.Flags().BoolVar(&resume, "resume", false, "continue each profile's latest unfinished run")
	flags.bind(cmd)
	return cmd
}

func newFarmResumeOpenCmd(o *rootOptions) *cobra.Command {
	var (
		names  []string
		dryRun bool
		opts   orchestrator.ResumeOpenOptions
	)
	cmd := &cobra.Command{
		Use:   "farm-resume-open",
		Short: "Resume the oldest open blocked event of every blocked profile.",
		Long: `farm-resume-open finds the profiles with open blocked events and retries
the oldest event of each, optionally continuing the run afterwards. With
--dry-run it only lists the profiles it would touch.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := appFrom(cmd)
			if err != nil {
				return err
			}
			store, err := a.Store(cmd.Context())
			if err != nil {
				return err
			}
			if dryRun {
				open, err := store.OpenBlockedProfiles(cmd.Context())
				if err != nil {
					return err
				}
				if opts.MaxProfiles > 0 && len(open) > opts.MaxProfiles {
					open = open[:opts.MaxProfiles]
				}
				if open == nil {
					open = []string{}
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"profiles": open})
			}
			profiles, err := o.loadProfiles(names)
			if err != nil {
				return err
			}
			runner, err := a.NewRunner(cmd.Context(), app.RunnerOptions{})
			if err != nil {
				return err
			}
			if opts.Workers <= 0 {
				opts.Workers = a.Config().Farm.Workers
			}
			farm := orchestrator.NewFarm(runner, a.Logger().Named("farm"))
			rep, err := farm.ResumeOpen(cmd.Context(), profiles, opts)
			if perr := printJSON(cmd.OutOrStdout(), rep); perr != nil && err == nil {
				err = perr
			}
			return farmOutcome(rep, err)
		},
	}
	cmd.Flags().StringSliceVar(&names, "profiles", nil, "limit to these profile names")
	cmd.Flags().IntVar(&opts.MaxProfiles, "max-profiles", 0, "resume at most this many profiles (0 for all)")
	cmd.Flags().IntVar(&opts.MaxItems, "max-items", 0, "bound continued runs to this many items")
	cmd.Flags().IntVar(&opts.Workers, "workers", 0, "parallel profiles (0 uses farm.workers)")
	cmd.Flags().BoolVar(&opts.AutoResolve, "auto-resolve", false, "resolve events whose request now succeeds")
	cmd.Flags().StringVar(&opts.Note, "note", "", "note stored on auto-resolved events")
	cmd.Flags().BoolVar(&opts.Continue, "continue", false, "keep paginating after the retried batch")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list the profiles that would be resumed")
	return cmd
}
