// Package paginate drives the sequence of requests a profile issues. Each
// pagination kind is a small state machine whose transitions are a pure
// function of the current state and the page just fetched.
package paginate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/JakeFAU/webfarm/internal/extract"
	"github.com/JakeFAU/webfarm/internal/harvest"
)

// Kind names a pagination strategy.
type Kind string

// Supported pagination kinds.
const (
	KindPage        Kind = "page"
	KindOffset      Kind = "offset"
	KindCursorToken Kind = "cursor_token"
	KindCursorNext  Kind = "cursor_next"
	KindNextURL     Kind = "next_url"
)

// DefaultMaxBatches caps runs that do not configure max_batches.
const DefaultMaxBatches = 200

// StopReason explains why a state is done.
type StopReason string

// Stop reasons.
const (
	StopNoItems    StopReason = "no_items"
	StopHasMore    StopReason = "has_more_false"
	StopShortPage  StopReason = "short_page"
	StopNoNext     StopReason = "no_next"
	StopRepeated   StopReason = "repeated"
	StopMaxItems   StopReason = "max_items"
	StopMaxBatches StopReason = "max_batches"
)

// Config is the pagination block of a profile.
type Config struct {
	Kind         Kind   `json:"kind" yaml:"kind"`
	PageParam    string `json:"page_param,omitempty" yaml:"page_param,omitempty"`
	Start        *int   `json:"start,omitempty" yaml:"start,omitempty"`
	LimitParam   string `json:"limit_param,omitempty" yaml:"limit_param,omitempty"`
	Limit        int    `json:"limit,omitempty" yaml:"limit,omitempty"`
	OffsetParam  string `json:"offset_param,omitempty" yaml:"offset_param,omitempty"`
	Step         int    `json:"step,omitempty" yaml:"step,omitempty"`
	CursorParam  string `json:"cursor_param,omitempty" yaml:"cursor_param,omitempty"`
	CursorPath   string `json:"cursor_path,omitempty" yaml:"cursor_path,omitempty"`
	CursorHeader string `json:"cursor_header,omitempty" yaml:"cursor_header,omitempty"`
	BodyPath     string `json:"body_path,omitempty" yaml:"body_path,omitempty"`
	NextPath     string `json:"next_path,omitempty" yaml:"next_path,omitempty"`
	HasMorePath  string `json:"has_more_path,omitempty" yaml:"has_more_path,omitempty"`
	MaxItems     int    `json:"max_items,omitempty" yaml:"max_items,omitempty"`
	MaxBatches   int    `json:"max_batches,omitempty" yaml:"max_batches,omitempty"`
}

// State is the resumable position of a paginated run. It is persisted as the
// run cursor after every committed batch.
type State struct {
	Kind    Kind       `json:"kind"`
	Page    int        `json:"page,omitempty"`
	Offset  int        `json:"offset,omitempty"`
	Cursor  string     `json:"cursor,omitempty"`
	NextURL string     `json:"next_url,omitempty"`
	Batches int        `json:"batches"`
	Items   int        `json:"items"`
	Done    bool       `json:"done,omitempty"`
	Reason  StopReason `json:"reason,omitempty"`
}

// Stop returns a copy of st marked done for reason.
func (st State) Stop(reason StopReason) State {
	st.Done = true
	st.Reason = reason
	return st
}

// Marshal encodes the state for persistence.
func (st State) Marshal() (json.RawMessage, error) {
	data, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("encode pagination state: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a persisted state.
func Unmarshal(data json.RawMessage) (State, error) {
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("decode pagination state: %w", err)
	}
	return st, nil
}

// Page is what the paginator sees of one fetched batch.
type Page struct {
	Request  harvest.RequestSpec
	Response harvest.Response
	// Doc is the decoded JSON document, nil for HTML bodies.
	Doc   any
	Items int
}

// Paginator is implemented once per kind.
type Paginator interface {
	Kind() Kind
	Initial() State
	Request(base harvest.RequestSpec, st State) (harvest.RequestSpec, error)
	Next(st State, page Page) State
}

// Limits are the per-run caps checked before each request.
type Limits struct {
	MaxItems   int
	MaxBatches int
}

// LimitsFor merges run overrides over the profile caps. Zero means unset.
func (c Config) LimitsFor(maxItems, maxBatches int) Limits {
	l := Limits{MaxItems: c.MaxItems, MaxBatches: c.MaxBatches}
	if maxItems > 0 {
		l.MaxItems = maxItems
	}
	if maxBatches > 0 {
		l.MaxBatches = maxBatches
	}
	if l.MaxBatches <= 0 {
		l.MaxBatches = DefaultMaxBatches
	}
	return l
}

// Check reports whether st has reached a cap and returns the stopped state.
func (l Limits) Check(st State) (State, bool) {
	if st.Done {
		return st, true
	}
	if l.MaxItems > 0 && st.Items >= l.MaxItems {
		return st.Stop(StopMaxItems), true
	}
	if l.MaxBatches > 0 && st.Batches >= l.MaxBatches {
		return st.Stop(StopMaxBatches), true
	}
	return st, false
}

// New builds the paginator for cfg.
func New(cfg Config) (Paginator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	switch cfg.Kind {
	case KindPage:
		return &pagePaginator{cfg: cfg}, nil
	case KindOffset:
		return &offsetPaginator{cfg: cfg}, nil
	case KindCursorToken:
		return &cursorTokenPaginator{cfg: cfg}, nil
	case KindCursorNext:
		return &cursorNextPaginator{cfg: cfg}, nil
	case KindNextURL:
		return &nextURLPaginator{cfg: cfg}, nil
	default:
		return nil, fmt.Errorf("pagination.kind %q is not supported", cfg.Kind)
	}
}

// Validate checks the kind and kind-specific parameters.
func (c Config) Validate() error {
	switch c.Kind {
	case KindPage, KindOffset, KindCursorToken, KindCursorNext, KindNextURL:
	case "":
		return fmt.Errorf("pagination.kind is required")
	default:
		return fmt.Errorf("pagination.kind %q is not supported", c.Kind)
	}
	if c.Limit < 0 || c.Step < 0 || c.MaxItems < 0 || c.MaxBatches < 0 {
		return fmt.Errorf("pagination limit, step, max_items and max_batches must be >= 0")
	}
	if c.Limit > 0 && c.LimitParam == "" && c.Kind == KindPage {
		return fmt.Errorf("pagination.limit_param is required when limit is set")
	}
	for name, expr := range map[string]string{
		"cursor_path":   c.CursorPath,
		"next_path":     c.NextPath,
		"has_more_path": c.HasMorePath,
	} {
		if expr == "" {
			continue
		}
		if _, err := extract.ParsePath(expr); err != nil {
			return fmt.Errorf("pagination.%s: %w", name, err)
		}
	}
	if c.Kind == KindCursorNext {
		p, err := extract.ParsePath(c.withDefaults().BodyPath)
		if err != nil {
			return fmt.Errorf("pagination.body_path: %w", err)
		}
		for _, seg := range p.Segments() {
			if seg.Kind != extract.SegField {
				return fmt.Errorf("pagination.body_path %q must only contain field names", c.BodyPath)
			}
		}
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.PageParam == "" {
		c.PageParam = "page"
	}
	if c.Start == nil {
		one := 1
		c.Start = &one
	}
	if c.OffsetParam == "" {
		c.OffsetParam = "offset"
	}
	if c.Kind == KindOffset && c.LimitParam == "" && c.Limit > 0 {
		c.LimitParam = "limit"
	}
	if c.CursorParam == "" {
		c.CursorParam = "cursor"
	}
	if c.BodyPath == "" {
		c.BodyPath = "cursor"
	}
	c.CursorHeader = strings.TrimSpace(c.CursorHeader)
	return c
}
