// Package orchestrator drives profile runs: the sequential fetch, classify,
// extract and commit loop, blocked-event resumption and multi-profile farms.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/webfarm/internal/blockdetect"
	"github.com/JakeFAU/webfarm/internal/clock/system"
	"github.com/JakeFAU/webfarm/internal/extract"
	"github.com/JakeFAU/webfarm/internal/harvest"
	"github.com/JakeFAU/webfarm/internal/logging"
	"github.com/JakeFAU/webfarm/internal/metrics"
	"github.com/JakeFAU/webfarm/internal/paginate"
	"github.com/JakeFAU/webfarm/internal/profile"
	"github.com/JakeFAU/webfarm/internal/progress"
	"github.com/JakeFAU/webfarm/internal/telemetry"
)

// FetcherFactory builds the fetcher chain for one profile. Offline runs
// return a fixture replayer here.
type FetcherFactory interface {
	For(p *profile.Profile) (harvest.Fetcher, error)
}

// FetcherFactoryFunc adapts a function to FetcherFactory.
type FetcherFactoryFunc func(p *profile.Profile) (harvest.Fetcher, error)

// For calls f.
func (f FetcherFactoryFunc) For(p *profile.Profile) (harvest.Fetcher, error) {
	return f(p)
}

// Static returns a factory that hands every profile the same fetcher.
func Static(f harvest.Fetcher) FetcherFactory {
	return FetcherFactoryFunc(func(*profile.Profile) (harvest.Fetcher, error) { return f, nil })
}

// Config wires a Runner.
type Config struct {
	Store    harvest.Store
	Fetchers FetcherFactory
	Clock    harvest.Clock
	Progress progress.Emitter
	// Publisher, when set, receives a harvest.RunNotice on Topic after each
	// run. Publish failures are logged, never returned.
	Publisher harvest.Publisher
	Topic     string
	Logger    *zap.Logger
}

// Runner executes profiles against one store.
type Runner struct {
	store     harvest.Store
	fetchers  FetcherFactory
	clock     harvest.Clock
	emitter   progress.Emitter
	publisher harvest.Publisher
	topic     string
	logger    *zap.Logger
}

// NewRunner validates cfg and fills defaults.
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Store == nil {
		return nil, errors.New("orchestrator: store is required")
	}
	if cfg.Fetchers == nil {
		return nil, errors.New("orchestrator: fetcher factory is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	if cfg.Progress == nil {
		cfg.Progress = progress.Discard
	}
	return &Runner{
		store:     cfg.Store,
		fetchers:  cfg.Fetchers,
		clock:     cfg.Clock,
		emitter:   cfg.Progress,
		publisher: cfg.Publisher,
		topic:     cfg.Topic,
		logger:    logging.OrNop(cfg.Logger),
	}, nil
}

// RunOptions tunes one run. Zero limits fall back to the profile caps.
type RunOptions struct {
	Resume     bool
	MaxItems   int
	MaxBatches int
}

// RunResult describes what a run invocation did. Counts cover this
// invocation only; LastBatch and Cursor are the run's committed position.
type RunResult struct {
	Profile        string            `json:"profile"`
	RunID          string            `json:"run_id"`
	Status         harvest.RunStatus `json:"status"`
	Resumed        bool              `json:"resumed,omitempty"`
	Batches        int               `json:"batches"`
	ItemsRaw       int               `json:"items_raw"`
	ItemsUnique    int               `json:"items_unique"`
	Duplicates     int               `json:"duplicates"`
	Unkeyed        int               `json:"unkeyed"`
	LastBatch      int               `json:"last_batch"`
	Cursor         json.RawMessage   `json:"cursor,omitempty"`
	StopReason     string            `json:"stop_reason,omitempty"`
	BlockedEventID string            `json:"blocked_event_id,omitempty"`
	BlockedReason  string            `json:"blocked_reason,omitempty"`
	Error          string            `json:"error,omitempty"`
	Duration       time.Duration     `json:"duration"`
}

// Run executes p until pagination stops, a cap is reached, the source
// blocks or an error aborts it. Blocked runs return an error matching
// harvest.ErrBlocked; cancellation is honored between batches and leaves the
// run resumable.
func (r *Runner) Run(ctx context.Context, p *profile.Profile, opts RunOptions) (RunResult, error) {
	if p == nil {
		return RunResult{}, errors.New("orchestrator: nil profile")
	}
	loop, err := r.prepare(p)
	if err != nil {
		return RunResult{Profile: p.Name, Status: harvest.RunStatusFailed, Error: err.Error()}, err
	}
	state, err := r.store.BeginRun(ctx, p.Name, opts.Resume)
	if err != nil {
		err = fmt.Errorf("begin run %s: %w", p.Name, err)
		return RunResult{Profile: p.Name, Status: harvest.RunStatusFailed, Error: err.Error()}, err
	}
	loop.attach(state)
	if state.Resumed {
		if err := loop.adoptOpenEvents(ctx); err != nil {
			return loop.fail(ctx, err)
		}
	}
	if state.Resumed && len(state.Cursor) > 0 {
		st, err := paginate.Unmarshal(state.Cursor)
		if err != nil {
			return loop.fail(ctx, err)
		}
		if st.Kind != loop.pager.Kind() {
			return loop.fail(ctx, fmt.Errorf("stored cursor is %s pagination, profile uses %s", st.Kind, loop.pager.Kind()))
		}
		loop.st = st
	}
	loop.logger.Info("run started", zap.Bool("resumed", state.Resumed), zap.Int("committed_batches", state.Batches))
	r.emit(progress.Event{Profile: p.Name, RunID: state.RunID, Stage: progress.StageRunStart})
	return loop.loop(ctx, p.Pagination.LimitsFor(opts.MaxItems, opts.MaxBatches))
}

func (r *Runner) prepare(p *profile.Profile) (*runLoop, error) {
	pager, err := p.Paginator()
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", p.Name, err)
	}
	detector, err := blockdetect.New(p.BlockPolicy())
	if err != nil {
		return nil, fmt.Errorf("profile %s: block policy: %w", p.Name, err)
	}
	fetch, err := r.fetchers.For(p)
	if err != nil {
		return nil, fmt.Errorf("profile %s: fetcher: %w", p.Name, err)
	}
	return &runLoop{
		r:        r,
		p:        p,
		pager:    pager,
		detector: detector,
		fetch:    fetch,
		base:     p.BaseRequest(),
		st:       pager.Initial(),
		started:  r.clock.Now(),
	}, nil
}

func (r *Runner) emit(evt progress.Event) {
	if evt.TS.IsZero() {
		evt.TS = r.clock.Now()
	}
	r.emitter.Emit(evt)
}

func (r *Runner) notify(ctx context.Context, res RunResult) {
	if r.publisher == nil {
		return
	}
	notice := harvest.RunNotice{
		Profile:        res.Profile,
		RunID:          res.RunID,
		Status:         res.Status,
		Batches:        res.LastBatch,
		ItemsRaw:       res.ItemsRaw,
		ItemsUnique:    res.ItemsUnique,
		Cursor:         res.Cursor,
		BlockedEventID: res.BlockedEventID,
		Error:          res.Error,
		FinishedAt:     r.clock.Now(),
	}
	if _, err := r.publisher.Publish(context.WithoutCancel(ctx), r.topic, notice); err != nil {
		r.logger.Warn("run notice publish failed",
			zap.String("profile", res.Profile), zap.String("run_id", res.RunID), zap.Error(err))
	}
}

// runLoop is the state of one run invocation.
type runLoop struct {
	r        *Runner
	p        *profile.Profile
	pager    paginate.Paginator
	detector *blockdetect.Detector
	fetch    harvest.Fetcher
	base     harvest.RequestSpec
	logger   *zap.Logger
	started  time.Time

	run    harvest.RunState
	st     paginate.State
	result RunResult
	// eventID, when set, is the open blocked event being retried; a second
	// block reuses it instead of recording a new one.
	eventID string
	// open holds this run's blocked events not yet settled by a commit.
	open []harvest.BlockedEvent
}

// adoptOpenEvents picks up the open blocked events of a resumed run. The one
// for the next batch is reused if the source blocks again.
func (l *runLoop) adoptOpenEvents(ctx context.Context) error {
	events, err := l.r.store.ListBlocked(ctx, harvest.BlockedFilter{Profile: l.p.Name})
	if err != nil {
		return fmt.Errorf("list open blocked events: %w", err)
	}
	for _, ev := range events {
		if ev.RunID != l.run.RunID {
			continue
		}
		l.open = append(l.open, ev)
		if ev.Batch == l.run.Batches+1 {
			l.eventID = ev.ID
		}
	}
	l.settleOpenEvents(ctx)
	return nil
}

// settleOpenEvents resolves adopted events whose batch is now committed.
func (l *runLoop) settleOpenEvents(ctx context.Context) {
	if len(l.open) == 0 {
		return
	}
	kept := l.open[:0]
	for _, ev := range l.open {
		if ev.Batch > l.run.Batches {
			kept = append(kept, ev)
			continue
		}
		if err := l.r.store.ResolveBlocked(context.WithoutCancel(ctx), ev.ID, SupersededNote); err != nil {
			l.logger.Warn("resolve superseded blocked event", zap.String("event_id", ev.ID), zap.Error(err))
			kept = append(kept, ev)
			continue
		}
		if ev.ID == l.eventID {
			l.eventID = ""
		}
		l.logger.Info("blocked event superseded", zap.String("event_id", ev.ID), zap.Int("batch", ev.Batch))
	}
	l.open = kept
}

func (l *runLoop) attach(state harvest.RunState) {
	l.run = state
	l.logger = l.r.logger.With(zap.String("profile", l.p.Name), zap.String("run_id", state.RunID))
	l.result = RunResult{
		Profile:   l.p.Name,
		RunID:     state.RunID,
		Status:    harvest.RunStatusRunning,
		Resumed:   state.Resumed,
		LastBatch: state.Batches,
		Cursor:    state.Cursor,
	}
}

// loop runs from l.st until a terminal outcome.
func (l *runLoop) loop(ctx context.Context, limits paginate.Limits) (RunResult, error) {
	for {
		if err := ctx.Err(); err != nil {
			return l.interrupt(ctx, err)
		}
		if stopped, done := limits.Check(l.st); done {
			l.st = stopped
			return l.complete(ctx)
		}
		req, err := l.pager.Request(l.base, l.st)
		if err != nil {
			return l.fail(ctx, err)
		}
		res, err := l.step(ctx, req, l.st)
		switch {
		case errors.Is(err, errStepBlocked):
			return l.result, l.runError(harvest.ErrBlocked)
		case err != nil && ctx.Err() != nil:
			return l.interrupt(ctx, ctx.Err())
		case err != nil:
			return l.fail(ctx, err)
		}
		l.st = res
		if l.st.Done {
			return l.complete(ctx)
		}
	}
}

var errStepBlocked = errors.New("step blocked")

// step sends req, and on a clear response commits its items together with
// the state that follows st. A blocked response records an event and returns
// errStepBlocked with the run marked blocked.
func (l *runLoop) step(ctx context.Context, req harvest.RequestSpec, st paginate.State) (paginate.State, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "webfarm.batch", trace.WithAttributes(
		attribute.String("webfarm.profile", l.p.Name),
		attribute.String("webfarm.run_id", l.run.RunID),
		attribute.Int("webfarm.batch", l.run.Batches+1),
	))
	defer span.End()
	next, err := l.fetchBatch(ctx, req, st)
	switch {
	case errors.Is(err, errStepBlocked):
		span.SetStatus(codes.Error, "blocked")
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return next, err
}

func (l *runLoop) fetchBatch(ctx context.Context, req harvest.RequestSpec, st paginate.State) (paginate.State, error) {
	resp, err := l.fetch.Fetch(ctx, req)
	if err != nil {
		if last, ok := harvest.FetchResponse(err); ok {
			if v := l.detector.Classify(last); v.Blocked {
				return st, l.block(ctx, req, st, last, v)
			}
		}
		return st, err
	}
	if v := l.detector.Classify(resp); v.Blocked {
		return st, l.block(ctx, req, st, resp, v)
	}

	records, doc, err := extract.Extract(resp, l.p.Extract)
	if err != nil {
		return st, fmt.Errorf("extract batch %d: %w", st.Batches+1, err)
	}
	index := l.run.Batches + 1
	items, unkeyed, err := l.items(records, resp, index)
	if err != nil {
		return st, err
	}
	next := l.pager.Next(st, paginate.Page{Request: req, Response: resp, Doc: doc, Items: len(records)})
	cursor, err := next.Marshal()
	if err != nil {
		return st, err
	}
	batch := harvest.Batch{Profile: l.p.Name, RunID: l.run.RunID, Index: index, Raw: items, Cursor: cursor}
	if next.Done {
		batch.Status = harvest.RunStatusCompleted
	}
	// A started commit is never abandoned half way.
	res, err := l.r.store.CommitBatch(context.WithoutCancel(ctx), batch)
	if err != nil {
		return st, &harvest.StorageCommitError{Profile: l.p.Name, RunID: l.run.RunID, Batch: index, Err: err}
	}

	l.run.Batches = index
	l.run.Cursor = cursor
	l.settleOpenEvents(ctx)
	l.result.Batches++
	l.result.LastBatch = index
	l.result.Cursor = cursor
	l.result.ItemsRaw += len(items)
	l.result.ItemsUnique += res.Inserted
	l.result.Duplicates += res.Duplicates
	l.result.Unkeyed += unkeyed
	metrics.ObserveBatch(l.p.Name, len(items), res.Inserted, res.Duplicates)
	if unkeyed > 0 {
		metrics.ObserveUnkeyed(l.p.Name, unkeyed)
	}
	l.logger.Debug("batch committed",
		zap.Int("batch", index),
		zap.Int("raw", len(items)),
		zap.Int("unique", res.Inserted),
		zap.Int("duplicates", res.Duplicates),
		zap.Bool("done", next.Done),
	)
	l.r.emit(progress.Event{
		Profile:     l.p.Name,
		RunID:       l.run.RunID,
		Stage:       progress.StageBatch,
		Batch:       index,
		Raw:         len(items),
		Unique:      res.Inserted,
		Duplicates:  res.Duplicates,
		URL:         resp.URL,
		StatusClass: progress.ClassifyStatus(resp.StatusCode),
		Dur:         resp.Duration,
	})
	return next, nil
}

// items turns records into raw rows. Records without a usable key are kept
// as raw rows but skipped for unique storage.
func (l *runLoop) items(records []extract.Record, resp harvest.Response, index int) ([]harvest.RawItem, int, error) {
	fetchedAt := resp.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = l.r.clock.Now()
	}
	out := make([]harvest.RawItem, 0, len(records))
	unkeyed := 0
	for i, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return nil, 0, fmt.Errorf("encode record %d of batch %d: %w", i, index, err)
		}
		key, err := extract.ComputeKey(rec, l.p.Key)
		switch {
		case errors.Is(err, harvest.ErrMissingKeyField):
			unkeyed++
			l.logger.Debug("record skipped for unique storage",
				zap.Int("batch", index), zap.Int("seq", i), zap.Error(err))
			key = ""
		case err != nil:
			return nil, 0, fmt.Errorf("key record %d of batch %d: %w", i, index, err)
		}
		out = append(out, harvest.RawItem{
			RunID:     l.run.RunID,
			Batch:     index,
			Seq:       i,
			Key:       key,
			SourceURL: resp.URL,
			FetchedAt: fetchedAt,
			Data:      data,
		})
	}
	return out, unkeyed, nil
}

func (l *runLoop) block(ctx context.Context, req harvest.RequestSpec, st paginate.State, resp harvest.Response, v blockdetect.Verdict) error {
	ctx = context.WithoutCancel(ctx)
	stateJSON, err := st.Marshal()
	if err != nil {
		return err
	}
	snippet, headers := blockdetect.Evidence(resp)
	id := l.eventID
	if id == "" {
		id, err = l.r.store.RecordBlocked(ctx, harvest.BlockedEvent{
			Profile:    l.p.Name,
			RunID:      l.run.RunID,
			Batch:      l.run.Batches + 1,
			Request:    req,
			State:      stateJSON,
			Reason:     v.Reason,
			StatusCode: resp.StatusCode,
			Snippet:    snippet,
			Headers:    headers,
		})
		if err != nil {
			return fmt.Errorf("record blocked event: %w", err)
		}
		metrics.ObserveBlocked(l.p.Name, v.Reason)
	}
	if err := l.r.store.FinishRun(ctx, l.p.Name, l.run.RunID, harvest.RunStatusBlocked, v.Reason); err != nil {
		return fmt.Errorf("mark run blocked: %w", err)
	}
	l.result.Status = harvest.RunStatusBlocked
	l.result.BlockedEventID = id
	l.result.BlockedReason = v.Reason
	l.result.Duration = l.r.clock.Now().Sub(l.started)
	metrics.ObserveRun(l.p.Name, string(harvest.RunStatusBlocked))
	l.logger.Warn("source blocked the run",
		zap.Int("batch", l.run.Batches+1),
		zap.String("reason", v.Reason),
		zap.String("rule", v.Rule),
		zap.Int("status", resp.StatusCode),
		zap.String("event_id", id),
	)
	l.r.emit(progress.Event{
		Profile: l.p.Name, RunID: l.run.RunID, Stage: progress.StageBlocked,
		Batch: l.run.Batches + 1, Reason: v.Reason, URL: resp.URL,
	})
	l.r.emit(progress.Event{
		Profile: l.p.Name, RunID: l.run.RunID, Stage: progress.StageRunDone,
		Status: harvest.RunStatusBlocked, Raw: l.result.ItemsRaw, Unique: l.result.ItemsUnique, Dur: l.result.Duration,
	})
	l.r.notify(ctx, l.result)
	return errStepBlocked
}

func (l *runLoop) complete(ctx context.Context) (RunResult, error) {
	if err := l.r.store.FinishRun(context.WithoutCancel(ctx), l.p.Name, l.run.RunID, harvest.RunStatusCompleted, ""); err != nil {
		return l.fail(ctx, fmt.Errorf("mark run completed: %w", err))
	}
	l.result.Status = harvest.RunStatusCompleted
	l.result.StopReason = string(l.st.Reason)
	l.result.Duration = l.r.clock.Now().Sub(l.started)
	metrics.ObserveRun(l.p.Name, string(harvest.RunStatusCompleted))
	l.logger.Info("run completed",
		zap.String("stop_reason", l.result.StopReason),
		zap.Int("batches", l.result.Batches),
		zap.Int("raw", l.result.ItemsRaw),
		zap.Int("unique", l.result.ItemsUnique),
	)
	l.r.emit(progress.Event{
		Profile: l.p.Name, RunID: l.run.RunID, Stage: progress.StageRunDone,
		Status: harvest.RunStatusCompleted, Raw: l.result.ItemsRaw, Unique: l.result.ItemsUnique, Dur: l.result.Duration,
	})
	l.r.notify(ctx, l.result)
	return l.result, nil
}

// fail marks the run failed. Prior batches stay committed and resumable.
func (l *runLoop) fail(ctx context.Context, cause error) (RunResult, error) {
	if l.run.RunID != "" {
		if err := l.r.store.FinishRun(context.WithoutCancel(ctx), l.p.Name, l.run.RunID, harvest.RunStatusFailed, cause.Error()); err != nil {
			l.logger.Error("mark run failed", zap.Error(err))
		}
	}
	l.result.Status = harvest.RunStatusFailed
	l.result.Error = cause.Error()
	l.result.Duration = l.r.clock.Now().Sub(l.started)
	metrics.ObserveRun(l.p.Name, string(harvest.RunStatusFailed))
	l.logger.Error("run failed", zap.Int("last_batch", l.result.LastBatch), zap.Error(cause))
	l.r.emit(progress.Event{
		Profile: l.p.Name, RunID: l.run.RunID, Stage: progress.StageRunError,
		Status: harvest.RunStatusFailed, Note: cause.Error(), Dur: l.result.Duration,
	})
	l.r.notify(ctx, l.result)
	return l.result, l.runError(cause)
}

// interrupt leaves run_state as running so a later resume continues from
// the last committed cursor.
func (l *runLoop) interrupt(ctx context.Context, cause error) (RunResult, error) {
	l.result.Status = harvest.RunStatusRunning
	l.result.Error = cause.Error()
	l.result.Duration = l.r.clock.Now().Sub(l.started)
	l.logger.Warn("run interrupted", zap.Int("last_batch", l.result.LastBatch), zap.Error(cause))
	l.r.emit(progress.Event{
		Profile: l.p.Name, RunID: l.run.RunID, Stage: progress.StageRunError,
		Status: harvest.RunStatusRunning, Note: cause.Error(), Dur: l.result.Duration,
	})
	l.r.notify(ctx, l.result)
	return l.result, l.runError(cause)
}

func (l *runLoop) runError(cause error) error {
	return &harvest.RunError{
		Profile:       l.p.Name,
		RunID:         l.run.RunID,
		Status:        l.result.Status,
		LastBatch:     l.result.LastBatch,
		LastCursor:    l.result.Cursor,
		Err:           cause,
		BlockedReason: l.result.BlockedReason,
	}
}
