package sinks

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/schollz/progressbar/v3"

	"github.com/JakeFAU/webfarm/internal/progress"
)

// BarSink renders a terminal progress bar that advances once per finished
// run. A non-positive run count renders a spinner instead.
type BarSink struct {
	mu       sync.Mutex
	bar      *progressbar.ProgressBar
	finished int
	items    int
}

// NewBarSink draws on w.
func NewBarSink(w io.Writer, runs int) *BarSink {
	if runs <= 0 {
		runs = -1
	}
	bar := progressbar.NewOptions(runs,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("harvesting"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
	return &BarSink{bar: bar}
}

// Consume advances the bar.
func (s *BarSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageBatch:
			s.items += evt.Raw
			s.bar.Describe(fmt.Sprintf("%s batch %d (%d items)", evt.Profile, evt.Batch, s.items))
		case progress.StageBlocked:
			s.bar.Describe(fmt.Sprintf("%s blocked: %s", evt.Profile, evt.Reason))
		case progress.StageRunDone, progress.StageRunError:
			s.finished++
			if err := s.bar.Add(1); err != nil {
				return fmt.Errorf("advance progress bar: %w", err)
			}
		}
	}
	return nil
}

// Finished returns the number of runs seen ending.
func (s *BarSink) Finished() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// Close completes the bar.
func (s *BarSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.bar.Finish(); err != nil {
		return fmt.Errorf("finish progress bar: %w", err)
	}
	return nil
}
