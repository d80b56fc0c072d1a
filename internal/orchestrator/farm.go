package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/webfarm/internal/dispatcher"
	"github.com/JakeFAU/webfarm/internal/harvest"
	"github.com/JakeFAU/webfarm/internal/logging"
	"github.com/JakeFAU/webfarm/internal/profile"
	"github.com/JakeFAU/webfarm/internal/queue/memory"
)

// Farm defaults.
const (
	DefaultFarmWorkers    = 4
	DefaultFarmQueueDepth = 64
)

// FarmOptions tunes Farm.Run.
type FarmOptions struct {
	Workers    int
	QueueDepth int
	Run        RunOptions
}

// ResumeOpenOptions tunes Farm.ResumeOpen.
type ResumeOpenOptions struct {
	Workers     int
	MaxProfiles int
	Continue    bool
	MaxItems    int
	AutoResolve bool
	Note        string
}

// FarmReport collects one result per profile, in input order.
type FarmReport struct {
	Results   []RunResult `json:"results"`
	Completed int         `json:"completed"`
	Blocked   int         `json:"blocked"`
	Failed    int         `json:"failed"`
	// Incomplete counts interrupted runs and profiles that never started.
	Incomplete int `json:"incomplete"`
}

// Status folds the report into one outcome: any failure or incomplete run
// wins over blocked, which wins over completed.
func (r FarmReport) Status() harvest.RunStatus {
	switch {
	case r.Failed > 0 || r.Incomplete > 0:
		return harvest.RunStatusFailed
	case r.Blocked > 0:
		return harvest.RunStatusBlocked
	default:
		return harvest.RunStatusCompleted
	}
}

func (r *FarmReport) tally() {
	r.Completed, r.Blocked, r.Failed, r.Incomplete = 0, 0, 0, 0
	for _, res := range r.Results {
		switch res.Status {
		case harvest.RunStatusCompleted:
			r.Completed++
		case harvest.RunStatusBlocked:
			r.Blocked++
		case harvest.RunStatusFailed:
			r.Failed++
		default:
			r.Incomplete++
		}
	}
}

// Farm runs many profiles through one Runner with a bounded worker pool.
// Workers share the runner's store and fetcher factory, and with it the
// rate limiter.
type Farm struct {
	runner *Runner
	logger *zap.Logger
}

// NewFarm wraps runner.
func NewFarm(runner *Runner, logger *zap.Logger) *Farm {
	return &Farm{runner: runner, logger: logging.OrNop(logger)}
}

type farmJob struct {
	index   int
	profile *profile.Profile
}

type jobFunc func(ctx context.Context, p *profile.Profile) (RunResult, error)

// Run executes every profile once. The error is non-nil only when the farm
// itself could not run; per-profile outcomes are in the report.
func (f *Farm) Run(ctx context.Context, profiles []*profile.Profile, opts FarmOptions) (FarmReport, error) {
	return f.dispatch(ctx, profiles, opts.Workers, opts.QueueDepth, func(ctx context.Context, p *profile.Profile) (RunResult, error) {
		return f.runner.Run(ctx, p, opts.Run)
	})
}

// ResumeOpen resumes the oldest open blocked event of every profile that has
// one. Profiles with open events that are not in profiles are skipped.
func (f *Farm) ResumeOpen(ctx context.Context, profiles []*profile.Profile, opts ResumeOpenOptions) (FarmReport, error) {
	open, err := f.runner.store.OpenBlockedProfiles(ctx)
	if err != nil {
		return FarmReport{}, fmt.Errorf("list profiles with open blocked events: %w", err)
	}
	known := make(map[string]*profile.Profile, len(profiles))
	for _, p := range profiles {
		known[p.Name] = p
	}
	var selected []*profile.Profile
	for _, name := range open {
		p, ok := known[name]
		if !ok {
			f.logger.Warn("open blocked events for unknown profile", zap.String("profile", name))
			continue
		}
		if opts.MaxProfiles > 0 && len(selected) >= opts.MaxProfiles {
			break
		}
		selected = append(selected, p)
	}
	f.logger.Info("resuming open blocked events", zap.Int("profiles", len(selected)), zap.Int("open", len(open)))

	resume := ResumeOptions{
		AutoResolve: opts.AutoResolve,
		Note:        opts.Note,
		Continue:    opts.Continue,
		MaxItems:    opts.MaxItems,
	}
	return f.dispatch(ctx, selected, opts.Workers, 0, func(ctx context.Context, p *profile.Profile) (RunResult, error) {
		events, err := f.runner.store.ListBlocked(ctx, harvest.BlockedFilter{Profile: p.Name, Limit: 1})
		if err != nil {
			return RunResult{Profile: p.Name, Status: harvest.RunStatusFailed, Error: err.Error()}, err
		}
		if len(events) == 0 {
			// Resolved by someone else since the listing.
			return RunResult{Profile: p.Name, Status: harvest.RunStatusCompleted, StopReason: "no_open_events"}, nil
		}
		res, err := f.runner.ResumeBlocked(ctx, p, events[0].ID, resume)
		if err == nil && res.Status == harvest.RunStatusRunning {
			// The resumed batch landed; the run itself stays open.
			res.Status = harvest.RunStatusCompleted
			res.StopReason = "resumed"
		}
		if err != nil && res.Status == "" {
			res.Status = harvest.RunStatusFailed
			res.Error = err.Error()
		}
		return res, err
	})
}

func (f *Farm) dispatch(ctx context.Context, profiles []*profile.Profile, workers, depth int, fn jobFunc) (FarmReport, error) {
	for _, p := range profiles {
		if p == nil {
			return FarmReport{}, errors.New("orchestrator: nil profile in farm")
		}
	}
	if workers <= 0 {
		workers = DefaultFarmWorkers
	}
	if workers > len(profiles) && len(profiles) > 0 {
		workers = len(profiles)
	}
	if depth <= 0 {
		depth = DefaultFarmQueueDepth
	}
	report := FarmReport{Results: make([]RunResult, len(profiles))}

	handle := func(ctx context.Context, job farmJob) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("profile %s panicked: %v", job.profile.Name, r)
				report.Results[job.index] = RunResult{Profile: job.profile.Name, Status: harvest.RunStatusFailed, Error: err.Error()}
			}
		}()
		res, err := fn(ctx, job.profile)
		if res.Profile == "" {
			res.Profile = job.profile.Name
		}
		// Each job owns its slot.
		report.Results[job.index] = res
		if err != nil && !errors.Is(err, harvest.ErrBlocked) {
			return err
		}
		return nil
	}
	label := func(job farmJob) string { return job.profile.Name }
	d := dispatcher.New[farmJob](memory.NewQueue[farmJob](depth), workers, handle, label, f.logger)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer d.Close()
		for i, p := range profiles {
			if err := d.Enqueue(ctx, farmJob{index: i, profile: p}); err != nil {
				f.logger.Warn("farm stopped queueing profiles", zap.Int("queued", i), zap.Error(err))
				return
			}
		}
	}()
	f.logger.Info("farm started", zap.Int("profiles", len(profiles)), zap.Int("workers", d.Size()))
	d.Run(ctx)
	wg.Wait()

	for i, res := range report.Results {
		if res.Profile == "" {
			note := "not started"
			if err := ctx.Err(); err != nil {
				note = fmt.Sprintf("not started: %v", err)
			}
			report.Results[i] = RunResult{Profile: profiles[i].Name, Error: note}
		}
	}
	report.tally()
	f.logger.Info("farm finished",
		zap.Int("completed", report.Completed),
		zap.Int("blocked", report.Blocked),
		zap.Int("failed", report.Failed),
		zap.Int("incomplete", report.Incomplete),
	)
	return report, nil
}
