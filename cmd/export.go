package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/webfarm/internal/export"
)

func newExportCmd(o *rootOptions) *cobra.Command {
	var (
		profileRef string
		schemaName string
		format     string
		out        string
		limit      int
		ctxPairs   []string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a profile's unique items through a schema.",
		Long: `export streams the deduplicated items of a profile, in first-seen order,
through one of its export schemas into CSV or JSONL. The format follows the
output extension unless --format is given.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := appFrom(cmd)
			if err != nil {
				return err
			}
			p, err := o.loadProfile(profileRef)
			if err != nil {
				return err
			}
			name, schema, ok := p.Export.Schema(schemaName)
			if !ok {
				return fmt.Errorf("profile %s has no export schema %q", p.Name, name)
			}
			overrides, err := parseCtx(ctxPairs)
			if err != nil {
				return err
			}
			if format == "" {
				format = "csv"
				if out != "-" {
					format = export.FormatFromPath(out)
				}
			}
			store, err := a.Store(cmd.Context())
			if err != nil {
				return err
			}

			w, closeOut, err := openOutput(cmd, out)
			if err != nil {
				return err
			}
			sink, err := export.NewSink(format, w)
			if err != nil {
				_ = closeOut()
				return err
			}
			rep, err := export.Export(cmd.Context(), store, p.Name, schema, sink, export.Options{
				Env:   p.ExportEnv(overrides),
				Limit: limit,
			})
			if cerr := closeOut(); err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}
			rep.Schema = name
			a.Logger().Info("export finished",
				zap.String("profile", rep.Profile),
				zap.String("schema", rep.Schema),
				zap.Int("rows", rep.Rows),
				zap.Int("skipped", rep.Skipped),
				zap.String("out", out),
			)
			return nil
		},
	}
	cmd.Flags().StringVarP(&profileRef, "profile", "p", "", "profile file or name")
	cmd.Flags().StringVar(&schemaName, "schema", "", "export schema (defaults to the profile's default_schema)")
	cmd.Flags().StringVar(&format, "format", "", "csv or jsonl")
	cmd.Flags().StringVarP(&out, "out", "o", "-", "output path, - for stdout")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows (0 for all)")
	cmd.Flags().StringArrayVar(&ctxPairs, "ctx", nil, "override an export ctx value, key=value (repeatable)")
	return cmd
}
