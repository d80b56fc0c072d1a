package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/webfarm/internal/harvest"
)

type exampleCountingSink struct {
	total int
}

func (s *exampleCountingSink) Consume(_ context.Context, batch []Event) error {
	s.total += len(batch)
	return nil
}

func (s *exampleCountingSink) Close(context.Context) error {
	return nil
}

// ExampleHub_Emit demonstrates emitting an event and flushing via Close.
func ExampleHub_Emit() {
	sink := &exampleCountingSink{}
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 1,
		MaxBatchWait:   time.Second,
	}, sink)

	hub.Emit(Event{Profile: "shop", RunID: "r1", TS: time.Unix(0, 0), Stage: StageRunStart})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("events forwarded: %d\n", sink.total)
	// Output:
	// events forwarded: 1
}

// ExampleSink implements a custom Sink that totals unique items.
func ExampleSink() {
	var unique int
	capture := sinkFunc(func(_ context.Context, batch []Event) error {
		for _, evt := range batch {
			if evt.Stage == StageBatch {
				unique += evt.Unique
			}
		}
		return nil
	})
	hub := NewHub(Config{MaxBatchEvents: 1, MaxBatchWait: time.Second}, capture)

	hub.Emit(Event{Profile: "shop", RunID: "r1", TS: time.Unix(0, 0), Stage: StageBatch, Batch: 1, Raw: 10, Unique: 7})
	hub.Emit(Event{Profile: "shop", RunID: "r1", TS: time.Unix(1, 0), Stage: StageBatch, Batch: 2, Raw: 10, Unique: 5})
	hub.Emit(Event{Profile: "shop", RunID: "r1", TS: time.Unix(2, 0), Stage: StageRunDone, Status: harvest.RunStatusCompleted})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("unique items: %d\n", unique)
	// Output:
	// unique items: 12
}

type sinkFunc func(context.Context, []Event) error

func (f sinkFunc) Consume(ctx context.Context, batch []Event) error {
	return f(ctx, batch)
}

func (sinkFunc) Close(context.Context) error {
	return nil
}
