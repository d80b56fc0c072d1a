package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/webfarm/internal/harvest"
	"github.com/JakeFAU/webfarm/internal/paginate"
	"github.com/JakeFAU/webfarm/internal/profile"
	"github.com/JakeFAU/webfarm/internal/progress"
)

// DefaultResolveNote is recorded when a resume auto-resolves its event.
const DefaultResolveNote = "auto-resolved after resume"

// SupersededNote is recorded on events whose batch a later run committed.
const SupersededNote = "superseded: batch committed by a later resume"

// StopSuperseded is the stop reason of a resume whose event was stale.
const StopSuperseded = "superseded"

// ResumeOptions tunes ResumeBlocked.
type ResumeOptions struct {
	// AutoResolve marks the event resolved once its request succeeds.
	AutoResolve bool
	Note        string
	// Continue keeps paginating after the retried batch instead of
	// stopping there.
	Continue   bool
	MaxItems   int
	MaxBatches int
}

// ResumeBlocked retries the exact request stored on a blocked event and, if
// the source answers, appends the batch to the event's original run. A run
// that is neither finished nor continued is left running so a later Run with
// resume picks it up. Blocking again keeps the same event open.
func (r *Runner) ResumeBlocked(ctx context.Context, p *profile.Profile, eventID string, opts ResumeOptions) (RunResult, error) {
	if p == nil {
		return RunResult{}, errors.New("orchestrator: nil profile")
	}
	ev, err := r.store.GetBlocked(ctx, eventID)
	if err != nil {
		return RunResult{Profile: p.Name}, fmt.Errorf("load blocked event %s: %w", eventID, err)
	}
	if ev.Profile != p.Name {
		return RunResult{Profile: p.Name}, fmt.Errorf("blocked event %s belongs to profile %s, not %s", eventID, ev.Profile, p.Name)
	}
	loop, err := r.prepare(p)
	if err != nil {
		return RunResult{Profile: p.Name, RunID: ev.RunID, Status: harvest.RunStatusFailed, Error: err.Error()}, err
	}
	run, err := r.store.GetRun(ctx, p.Name, ev.RunID)
	if err != nil {
		return RunResult{Profile: p.Name, RunID: ev.RunID}, fmt.Errorf("load run %s: %w", ev.RunID, err)
	}
	run.Resumed = true
	loop.attach(run)
	loop.eventID = ev.ID
	if run.Status == harvest.RunStatusCompleted || run.Batches >= ev.Batch {
		return r.supersede(ctx, loop, ev)
	}

	st := loop.st
	if len(ev.State) > 0 {
		if st, err = paginate.Unmarshal(ev.State); err != nil {
			return loop.fail(ctx, fmt.Errorf("blocked event %s state: %w", ev.ID, err))
		}
		if st.Kind != loop.pager.Kind() {
			return loop.fail(ctx, fmt.Errorf("blocked event %s is %s pagination, profile uses %s", ev.ID, st.Kind, loop.pager.Kind()))
		}
	}
	if err := r.store.FinishRun(context.WithoutCancel(ctx), p.Name, run.RunID, harvest.RunStatusRunning, ""); err != nil {
		return loop.fail(ctx, fmt.Errorf("reopen run: %w", err))
	}
	loop.logger.Info("resuming blocked run",
		zap.String("event_id", ev.ID), zap.Int("batch", ev.Batch), zap.String("reason", ev.Reason))
	r.emit(progress.Event{Profile: p.Name, RunID: run.RunID, Stage: progress.StageRunStart, Note: "resume " + ev.ID})

	next, err := loop.step(ctx, ev.Request, st)
	switch {
	case errors.Is(err, errStepBlocked):
		return loop.result, loop.runError(harvest.ErrBlocked)
	case err != nil && ctx.Err() != nil:
		return loop.interrupt(ctx, ctx.Err())
	case err != nil:
		return loop.fail(ctx, err)
	}
	loop.st = next

	if opts.AutoResolve && ev.Status != harvest.BlockedResolved {
		note := opts.Note
		if note == "" {
			note = DefaultResolveNote
		}
		if err := r.store.ResolveBlocked(context.WithoutCancel(ctx), ev.ID, note); err != nil {
			return loop.fail(ctx, fmt.Errorf("resolve blocked event %s: %w", ev.ID, err))
		}
		loop.logger.Info("blocked event resolved", zap.String("event_id", ev.ID))
	}

	switch {
	case next.Done:
		return loop.complete(ctx)
	case opts.Continue:
		return loop.loop(ctx, p.Pagination.LimitsFor(opts.MaxItems, opts.MaxBatches))
	}
	loop.result.Status = harvest.RunStatusRunning
	loop.result.Duration = r.clock.Now().Sub(loop.started)
	loop.logger.Info("resumed batch committed; run left open",
		zap.Int("last_batch", loop.result.LastBatch))
	r.emit(progress.Event{
		Profile: p.Name, RunID: run.RunID, Stage: progress.StageRunDone,
		Status: harvest.RunStatusRunning, Raw: loop.result.ItemsRaw, Unique: loop.result.ItemsUnique,
		Dur: loop.result.Duration, Note: "paused after resumed batch",
	})
	r.notify(ctx, loop.result)
	return loop.result, nil
}

// supersede settles an event whose batch the run already moved past. The
// stored request is not re-sent and the run is left as it is.
func (r *Runner) supersede(ctx context.Context, loop *runLoop, ev harvest.BlockedEvent) (RunResult, error) {
	if ev.Status == harvest.BlockedOpen {
		if err := r.store.ResolveBlocked(context.WithoutCancel(ctx), ev.ID, SupersededNote); err != nil {
			return loop.result, fmt.Errorf("resolve blocked event %s: %w", ev.ID, err)
		}
	}
	loop.logger.Info("blocked event superseded; nothing to resume",
		zap.String("event_id", ev.ID),
		zap.Int("event_batch", ev.Batch),
		zap.Int("committed_batches", loop.run.Batches),
		zap.String("run_status", string(loop.run.Status)),
	)
	loop.result.Status = loop.run.Status
	loop.result.StopReason = StopSuperseded
	loop.result.Duration = r.clock.Now().Sub(loop.started)
	return loop.result, nil
}
