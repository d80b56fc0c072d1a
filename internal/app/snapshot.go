package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/webfarm/internal/extract"
	"github.com/JakeFAU/webfarm/internal/fixture"
	"github.com/JakeFAU/webfarm/internal/harvest"
	"github.com/JakeFAU/webfarm/internal/orchestrator"
	"github.com/JakeFAU/webfarm/internal/profile"
	"github.com/JakeFAU/webfarm/internal/storage/memory"
)

// SnapshotOptions controls a fixture capture.
type SnapshotOptions struct {
	// Name prefixes the fixture files: <name>-0001.fixture.json and so on.
	Name        string
	FixturesDir string
	// Batches is how many pages to capture; zero means one.
	Batches int
	// WriteCase derives one regression case per captured batch and merges
	// them into cases.json.
	WriteCase bool
	Schema    string
	MaxItems  int
	// Fetcher replaces the live fetcher chain.
	Fetcher harvest.Fetcher
}

// SnapshotResult lists what a capture wrote.
type SnapshotResult struct {
	Run      orchestrator.RunResult `json:"run"`
	Dir      string                 `json:"dir"`
	Fixtures []string               `json:"fixtures"`
	Cases    []fixture.Case         `json:"cases,omitempty"`
}

// Snapshot runs p against a scratch store while recording every response as
// a fixture. Blocked responses are recorded too, but only committed batches
// get a derived case.
func (a *App) Snapshot(ctx context.Context, p *profile.Profile, opts SnapshotOptions) (SnapshotResult, error) {
	if opts.Name == "" {
		return SnapshotResult{}, errors.New("snapshot name is required")
	}
	if opts.Batches <= 0 {
		opts.Batches = 1
	}
	cache, err := a.FixtureCache(ctx, p, opts.FixturesDir)
	if err != nil {
		return SnapshotResult{}, err
	}
	live := opts.Fetcher
	if live == nil {
		if live, err = a.Fetcher(p); err != nil {
			return SnapshotResult{}, err
		}
	}
	recorder := fixture.NewRecorder(live, cache, opts.Name)
	scratch := memory.NewStore(a.clock, a.ids)
	runner, err := a.NewRunner(ctx, RunnerOptions{Store: scratch, Fetchers: orchestrator.Static(recorder)})
	if err != nil {
		return SnapshotResult{}, err
	}

	res, runErr := runner.Run(ctx, p, orchestrator.RunOptions{MaxBatches: opts.Batches})
	out := SnapshotResult{Run: res, Dir: cache.Dir(), Fixtures: recorder.Names()}
	if runErr != nil && !errors.Is(runErr, harvest.ErrBlocked) {
		return out, runErr
	}
	a.logger.Info("snapshot captured",
		zap.String("profile", p.Name),
		zap.String("dir", cache.Dir()),
		zap.Int("fixtures", len(out.Fixtures)),
		zap.String("status", string(res.Status)),
	)
	if !opts.WriteCase {
		return out, runErr
	}

	byBatch, err := recordsByBatch(scratch.RawItems(p.Name))
	if err != nil {
		return out, err
	}
	_, schema, _ := p.Export.Schema(opts.Schema)
	columns := schema.Resolved()
	env := p.ExportEnv(nil)
	for i, name := range out.Fixtures {
		if i >= res.Batches {
			break
		}
		c := fixture.DeriveCase(name, byBatch[i+1], columns, env, opts.MaxItems)
		c.Assert.Schema = opts.Schema
		out.Cases = append(out.Cases, c)
	}
	if len(out.Cases) > 0 {
		if err := cache.SaveCases(ctx, out.Cases...); err != nil {
			return out, err
		}
	}
	return out, runErr
}

func recordsByBatch(items []harvest.RawItem) (map[int][]extract.Record, error) {
	out := make(map[int][]extract.Record)
	for _, it := range items {
		var rec extract.Record
		if err := json.Unmarshal(it.Data, &rec); err != nil {
			return nil, fmt.Errorf("decode item %d/%d: %w", it.Batch, it.Seq, err)
		}
		out[it.Batch] = append(out[it.Batch], rec)
	}
	return out, nil
}
