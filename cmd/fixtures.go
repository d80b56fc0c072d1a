package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/webfarm/internal/app"
	"github.com/JakeFAU/webfarm/internal/fixture"
	"github.com/JakeFAU/webfarm/internal/harvest"
)

func newSnapshotCmd(o *rootOptions) *cobra.Command {
	var (
		profileRef string
		opts       app.SnapshotOptions
	)
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Capture live responses as replayable fixtures.",
		Long: `snapshot fetches the first batches of a profile and stores each response as
<name>-0001.fixture.json and so on. With --write-case it also derives one
regression case per committed batch from what the extractor saw.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := appFrom(cmd)
			if err != nil {
				return err
			}
			p, err := o.loadProfile(profileRef)
			if err != nil {
				return err
			}
			res, err := a.Snapshot(cmd.Context(), p, opts)
			if perr := printJSON(cmd.OutOrStdout(), res); perr != nil && err == nil {
				err = perr
			}
			if errors.Is(err, harvest.ErrBlocked) {
				// The blocked response is on disk too; that is often the
				// fixture worth keeping.
				return &ExitError{Code: ExitBlocked, Err: err}
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&profileRef, "profile", "p", "", "profile file or name")
	cmd.Flags().StringVar(&opts.Name, "name", "", "fixture name prefix")
	cmd.Flags().StringVar(&opts.FixturesDir, "fixtures-dir", "", "fixture directory (defaults to the profile's)")
	cmd.Flags().IntVar(&opts.Batches, "batches", 1, "number of pages to capture")
	cmd.Flags().BoolVar(&opts.WriteCase, "write-case", false, "derive regression cases into cases.json")
	cmd.Flags().StringVar(&opts.Schema, "schema", "", "export schema the derived cases check")
	cmd.Flags().IntVar(&opts.MaxItems, "max-items", 0, "items sampled into each derived case (0 for the default)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newOfflineTestCmd(o *rootOptions) *cobra.Command {
	var (
		profileRef  string
		fixturesDir string
		asJSON      bool
		opts        fixture.TestOptions
	)
	cmd := &cobra.Command{
		Use:   "offline-test",
		Short: "Check a profile against its stored fixtures.",
		Long: `offline-test replays every case in the profile's fixture directory through
extraction, keying and export without touching the network, and fails when any
assertion does not hold.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := appFrom(cmd)
			if err != nil {
				return err
			}
			p, err := o.loadProfile(profileRef)
			if err != nil {
				return err
			}
			cache, err := a.FixtureCache(cmd.Context(), p, fixturesDir)
			if err != nil {
				return err
			}
			rep, err := fixture.RunOfflineTests(cmd.Context(), cache, p.Suite(), opts)
			if err != nil {
				return err
			}
			if asJSON {
				err = printJSON(cmd.OutOrStdout(), rep)
			} else {
				_, err = fmt.Fprint(cmd.OutOrStdout(), fixture.FormatText(rep))
			}
			if err != nil {
				return err
			}
			if !rep.OK {
				return &ExitError{Code: ExitFailed, Err: fmt.Errorf("offline tests failed for %s", p.Name)}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&profileRef, "profile", "p", "", "profile file or name")
	cmd.Flags().StringVar(&fixturesDir, "fixtures-dir", "", "fixture directory (defaults to the profile's)")
	cmd.Flags().StringVar(&opts.OnlyCase, "case", "", "run only this case")
	cmd.Flags().StringVar(&opts.Schema, "schema", "", "export schema to check columns against")
	cmd.Flags().IntVar(&opts.MaxItems, "max-items", 0, "items checked per case (0 for all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}
