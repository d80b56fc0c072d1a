package fixture

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/JakeFAU/webfarm/internal/export"
	"github.com/JakeFAU/webfarm/internal/extract"
	"github.com/JakeFAU/webfarm/internal/harvest"
)

// CasesFile is the object holding derived cases next to the fixtures.
const CasesFile = "cases.json"

// Case kinds. A fixture case replays a captured response; json and html cases
// read a raw body file.
const (
	KindFixture = "fixture"
	KindJSON    = "json"
	KindHTML    = "html"
)

// DefaultMinNonemptyRatio applies when a case sets columns_nonempty without a
// ratio.
const DefaultMinNonemptyRatio = 0.5

// derivedNonemptyShare is how often a column must be filled in the capture
// for DeriveCase to require it.
const derivedNonemptyShare = 0.9

// Case is one offline check.
type Case struct {
	Name    string `json:"name" yaml:"name"`
	Kind    string `json:"kind,omitempty" yaml:"kind,omitempty"`
	Fixture string `json:"fixture,omitempty" yaml:"fixture,omitempty"`
	File    string `json:"file,omitempty" yaml:"file,omitempty"`
	Assert  Assert `json:"assert" yaml:"assert"`
}

// Assert lists the expectations of a case. Nil pointers mean unset.
type Assert struct {
	ItemsMin         *int     `json:"items_min,omitempty" yaml:"items_min,omitempty"`
	UniqueIDsMin     *int     `json:"unique_ids_min,omitempty" yaml:"unique_ids_min,omitempty"`
	Schema           string   `json:"schema,omitempty" yaml:"schema,omitempty"`
	ColumnsNonempty  []string `json:"columns_nonempty,omitempty" yaml:"columns_nonempty,omitempty"`
	MinNonemptyRatio *float64 `json:"min_nonempty_ratio,omitempty" yaml:"min_nonempty_ratio,omitempty"`
}

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }

// DeriveCase turns an observed capture into a regression case: the observed
// counts become minimums and every column filled in at least 90% of the
// sampled items must stay non-empty.
func DeriveCase(name string, items []extract.Record, columns []export.Column, env export.Env, maxItems int) Case {
	c := Case{
		Name:    name,
		Kind:    KindFixture,
		Fixture: name,
		Assert: Assert{
			ItemsMin:     intPtr(len(items)),
			UniqueIDsMin: intPtr(uniqueIDs(items, env.Key)),
		},
	}
	sample := sampleOf(items, maxItems)
	if len(sample) == 0 || len(columns) == 0 {
		return c
	}
	for _, col := range columns {
		filled := 0
		for _, it := range sample {
			if export.Value(it, col, env) != "" {
				filled++
			}
		}
		if float64(filled)/float64(len(sample)) >= derivedNonemptyShare {
			c.Assert.ColumnsNonempty = append(c.Assert.ColumnsNonempty, col.Name)
		}
	}
	if len(c.Assert.ColumnsNonempty) > 0 {
		c.Assert.MinNonemptyRatio = floatPtr(DefaultMinNonemptyRatio)
	}
	return c
}

func uniqueIDs(items []extract.Record, key extract.KeyExpr) int {
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		k, err := extract.ComputeKey(it, key)
		if err != nil {
			continue
		}
		seen[k] = struct{}{}
	}
	return len(seen)
}

func sampleOf(items []extract.Record, maxItems int) []extract.Record {
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	if len(items) > maxItems {
		return items[:maxItems]
	}
	return items
}

// LoadCases reads cases.json. A missing file yields no cases.
func (c *Cache) LoadCases(ctx context.Context) ([]Case, error) {
	data, err := c.blobs.GetObject(ctx, c.object(CasesFile))
	if errors.Is(err, harvest.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", CasesFile, err)
	}
	var doc struct {
		Cases []Case `json:"cases"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", CasesFile, err)
	}
	return doc.Cases, nil
}

// SaveCases merges cases into cases.json, replacing existing entries with
// the same name. Cases are kept sorted by name.
func (c *Cache) SaveCases(ctx context.Context, cases ...Case) error {
	existing, err := c.LoadCases(ctx)
	if err != nil {
		return err
	}
	byName := make(map[string]Case, len(existing)+len(cases))
	for _, cs := range existing {
		byName[cs.Name] = cs
	}
	for _, cs := range cases {
		byName[cs.Name] = cs
	}
	merged := make([]Case, 0, len(byName))
	for _, name := range harvest.SortedKeys(byName) {
		merged = append(merged, byName[name])
	}
	data, err := json.MarshalIndent(struct {
		Cases []Case `json:"cases"`
	}{merged}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", CasesFile, err)
	}
	if _, err := c.blobs.PutObject(ctx, c.object(CasesFile), "application/json", bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write %s: %w", CasesFile, err)
	}
	return nil
}

// discoverCases builds one unasserted case per stored fixture.
func (c *Cache) discoverCases(ctx context.Context) ([]Case, error) {
	names, err := c.Names(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Case, 0, len(names))
	for _, n := range names {
		out = append(out, Case{Name: n, Kind: KindFixture, Fixture: n})
	}
	return out, nil
}
