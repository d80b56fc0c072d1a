// Package progress defines the events emitted while profiles run.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/webfarm/internal/harvest"
)

// Stage denotes the run milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart Stage = "run_start"
	StageBatch    Stage = "batch_committed"
	StageBlocked  Stage = "blocked"
	StageRunDone  Stage = "run_done"
	StageRunError Stage = "run_error"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures one milestone of a profile run.
type Event struct {
	Profile string
	RunID   string
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// Batch is the committed batch index for batch and blocked events.
	Batch int
	// Raw, Unique and Duplicates count the items of one batch, or of the
	// whole run on run_done.
	Raw        int
	Unique     int
	Duplicates int
	// URL is the request URL without credentials.
	URL         string
	StatusClass StatusClass
	// Status is the terminal run status on run_done and run_error.
	Status harvest.RunStatus
	Reason string
	// Dur is the fetch latency for batches and the run wall time at the end.
	Dur  time.Duration
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.Profile == "" {
		return errors.New("profile is required")
	}
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart:
	case StageBatch:
		if e.Batch <= 0 {
			return errors.New("batch event requires a batch index")
		}
	case StageBlocked:
		if e.Reason == "" {
			return errors.New("blocked event requires a reason")
		}
	case StageRunDone, StageRunError:
		if e.Status == "" {
			return fmt.Errorf("%s requires a run status", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Terminal reports whether the event ends a run.
func (e Event) Terminal() bool {
	return e.Stage == StageRunDone || e.Stage == StageRunError
}

// ClassifyStatus groups HTTP status codes.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
