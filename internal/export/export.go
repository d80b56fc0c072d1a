package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/JakeFAU/webfarm/internal/harvest"
)

// Source streams the unique items of a profile.
type Source interface {
	IterUnique(ctx context.Context, profile string, fn func(harvest.UniqueItem) error) error
}

// Options tunes an export.
type Options struct {
	Env Env
	// Limit caps the number of rows; zero means all.
	Limit int
}

// Report summarises an export.
type Report struct {
	Profile string   `json:"profile"`
	Schema  string   `json:"schema,omitempty"`
	Columns []string `json:"columns"`
	Rows    int      `json:"rows"`
	Skipped int      `json:"skipped"`
}

var errLimitReached = errors.New("export limit reached")

// Export streams the unique items of profile through schema into sink in
// first-seen order. Items whose stored JSON cannot be decoded are skipped
// and counted.
func Export(ctx context.Context, src Source, profile string, schema Schema, sink Sink, opts Options) (Report, error) {
	if err := schema.Validate(); err != nil {
		return Report{}, err
	}
	columns := schema.Resolved()
	if len(columns) == 0 {
		return Report{}, fmt.Errorf("export schema has no columns")
	}
	rep := Report{Profile: profile, Columns: schema.Names()}
	if err := sink.WriteHeader(rep.Columns); err != nil {
		return rep, err
	}

	err := src.IterUnique(ctx, profile, func(item harvest.UniqueItem) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if opts.Limit > 0 && rep.Rows >= opts.Limit {
			return errLimitReached
		}
		doc, err := decode(item.Data)
		if err != nil {
			rep.Skipped++
			return nil
		}
		if err := sink.WriteRow(Row(doc, columns, opts.Env)); err != nil {
			return err
		}
		rep.Rows++
		return nil
	})
	if err != nil && !errors.Is(err, errLimitReached) {
		return rep, fmt.Errorf("export %s: %w", profile, err)
	}
	if err := sink.Flush(); err != nil {
		return rep, err
	}
	return rep, nil
}

func decode(data json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode item: %w", err)
	}
	return v, nil
}

// MergeCtx layers overrides on top of profile defaults.
func MergeCtx(defaults, overrides map[string]any) map[string]any {
	out := make(map[string]any, len(defaults)+len(overrides))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}
