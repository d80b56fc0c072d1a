package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/webfarm/internal/extract"
	"github.com/JakeFAU/webfarm/internal/fixture"
	"github.com/JakeFAU/webfarm/internal/profile"
)

func newProfileLintCmd(o *rootOptions) *cobra.Command {
	var (
		profileRef string
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "profile-lint",
		Short: "Check a profile for mistakes before running it.",
		Long: `profile-lint validates a profile and then warns about settings that load
fine but usually hurt a run: guessed cursors, unkeyed records, literal
credentials, export columns without a source. Exits 1 on any error.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var issues []profile.LintIssue
			p, err := o.loadProfile(profileRef)
			if err != nil {
				issues = []profile.LintIssue{{Level: fixture.LevelError, Message: err.Error()}}
			} else {
				issues = profile.Lint(p)
			}
			if asJSON {
				err = printJSON(cmd.OutOrStdout(), map[string]any{
					"ok":     !profile.LintFailed(issues),
					"issues": append([]profile.LintIssue{}, issues...),
				})
			} else {
				_, err = fmt.Fprint(cmd.OutOrStdout(), profile.FormatLint(issues))
			}
			if err != nil {
				return err
			}
			if profile.LintFailed(issues) {
				return &ExitError{Code: ExitFailed, Err: fmt.Errorf("profile %s failed lint", profileRef)}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&profileRef, "profile", "p", "", "profile file or name")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print issues as JSON")
	return cmd
}

func newSuggestKeyCmd(o *rootOptions) *cobra.Command {
	var (
		profileRef  string
		fixturesDir string
		name        string
		depth       int
	)
	cmd := &cobra.Command{
		Use:   "suggest-key",
		Short: "Propose a dedup key from the items of a stored fixture.",
		Long: `suggest-key extracts the items of one fixture with the profile's rules and
ranks the item fields that are nearly always present and nearly always
distinct. The profile is not modified; copy the suggested key block into it.`,
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
			if name == "" {
				names, err := cache.Names(cmd.Context())
				if err != nil {
					return err
				}
				if len(names) == 0 {
					return fmt.Errorf("no fixtures under %s; run snapshot first", cache.Dir())
				}
				name = names[0]
			}
			fx, err := cache.Load(cmd.Context(), name)
			if err != nil {
				return err
			}
			records, _, err := extract.Extract(fx.Response(), p.Extract)
			if err != nil {
				return fmt.Errorf("extract fixture %s: %w", name, err)
			}
			if len(records) == 0 {
				return fmt.Errorf("fixture %s yields no items", name)
			}
			s := extract.SuggestKey(records, depth)
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"profile":    p.Name,
				"fixture":    name,
				"suggestion": s,
				"key":        s.Expr(),
			})
		},
	}
	cmd.Flags().StringVarP(&profileRef, "profile", "p", "", "profile file or name")
	cmd.Flags().StringVar(&fixturesDir, "fixtures-dir", "", "fixture directory (defaults to the profile's)")
	cmd.Flags().StringVar(&name, "fixture", "", "fixture name (default: the first one)")
	cmd.Flags().IntVar(&depth, "depth", 0, "object nesting to inspect (0 for the default)")
	return cmd
}
