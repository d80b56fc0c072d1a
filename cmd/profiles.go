package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/webfarm/internal/profile"
)

func (o *rootOptions) loadOptions() profile.LoadOptions {
	return profile.LoadOptions{DefaultsPath: o.defaultsPath}
}

// loadProfile accepts a profile file path or a name looked up in the
// profiles directory.
func (o *rootOptions) loadProfile(ref string) (*profile.Profile, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, errors.New("--profile is required")
	}
	if profile.IsProfileFile(filepath.Base(ref)) {
		if _, err := os.Stat(ref); err == nil {
			return profile.Load(ref, o.loadOptions())
		}
	}
	selected, err := o.loadProfiles([]string{ref})
	if err != nil {
		return nil, err
	}
	return selected[0], nil
}

// loadProfiles loads the profiles directory, filtered to names when given.
func (o *rootOptions) loadProfiles(names []string) ([]*profile.Profile, error) {
	all, err := profile.LoadDir(o.profilesDir, o.loadOptions())
	if err != nil {
		return nil, err
	}
	selected, err := profile.Select(all, names)
	if err != nil {
		return nil, err
	}
	if len(selected) == 0 {
		return nil, fmt.Errorf("no profiles found in %s", o.profilesDir)
	}
	return selected, nil
}

// lookupProfile resolves names for the ops API. The directory is re-read per
// call so edited profiles apply to the next resume.
func (o *rootOptions) lookupProfile(name string) (*profile.Profile, error) {
	return o.loadProfile(name)
}

// openOutput returns stdout for "-" and a created file otherwise.
func openOutput(cmd *cobra.Command, path string) (io.Writer, func() error, error) {
	if path == "" || path == "-" {
		return cmd.OutOrStdout(), func() error { return nil }, nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create output dir: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create output: %w", err)
	}
	return f, f.Close, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

// progressWriter is where progress bars render, when asked for.
func progressWriter(cmd *cobra.Command, enabled bool) io.Writer {
	if !enabled {
		return nil
	}
	return cmd.ErrOrStderr()
}

// parseCtx turns repeated k=v flags into export ctx overrides.
func parseCtx(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --ctx %q: want key=value", pair)
		}
		out[k] = v
	}
	return out, nil
}
