package extract

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// SegmentKind tags one step of a Path.
type SegmentKind int

// Segment kinds.
const (
	SegField SegmentKind = iota + 1
	SegIndex
	SegWildcard
)

// Segment is one step of a parsed path.
type Segment struct {
	Kind  SegmentKind
	Name  string
	Index int
}

// Path is a parsed dot-path such as `items[].price.value`, `data.items[0].id`
// or `rows.*`. Numeric dot segments are treated as list indices.
type Path struct {
	raw      string
	segments []Segment
	wildcard bool
}

// ParsePath parses expr. An empty expression yields the identity path.
func ParsePath(expr string) (Path, error) {
	p := Path{raw: strings.TrimSpace(expr)}
	s := p.raw
	var name strings.Builder

	flush := func() {
		if name.Len() == 0 {
			return
		}
		p.segments = append(p.segments, dotSegment(name.String()))
		name.Reset()
	}

	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '.':
			flush()
		case '[':
			flush()
			end := strings.IndexByte(s[i:], ']')
			if end < 0 {
				return Path{}, fmt.Errorf("parse path %q: unclosed bracket", expr)
			}
			seg, err := bracketSegment(s[i+1 : i+end])
			if err != nil {
				return Path{}, fmt.Errorf("parse path %q: %w", expr, err)
			}
			p.segments = append(p.segments, seg)
			i += end
		case ']':
			return Path{}, fmt.Errorf("parse path %q: unexpected ']'", expr)
		default:
			name.WriteByte(c)
		}
	}
	flush()

	for _, seg := range p.segments {
		if seg.Kind == SegWildcard {
			p.wildcard = true
		}
	}
	return p, nil
}

// MustParsePath is ParsePath for expressions known at compile time.
func MustParsePath(expr string) Path {
	p, err := ParsePath(expr)
	if err != nil {
		panic(err)
	}
	return p
}

func dotSegment(tok string) Segment {
	if tok == "*" {
		return Segment{Kind: SegWildcard}
	}
	if n, err := strconv.Atoi(tok); err == nil && n >= 0 {
		return Segment{Kind: SegIndex, Index: n}
	}
	return Segment{Kind: SegField, Name: tok}
}

func bracketSegment(body string) (Segment, error) {
	body = strings.TrimSpace(body)
	if body == "" || body == "*" {
		return Segment{Kind: SegWildcard}, nil
	}
	if len(body) >= 2 && (body[0] == '"' || body[0] == '\'') && body[len(body)-1] == body[0] {
		return Segment{Kind: SegField, Name: body[1 : len(body)-1]}, nil
	}
	n, err := strconv.Atoi(body)
	if err != nil {
		return Segment{}, fmt.Errorf("invalid index %q", body)
	}
	return Segment{Kind: SegIndex, Index: n}, nil
}

// String returns the expression the path was parsed from.
func (p Path) String() string { return p.raw }

// IsZero reports whether the path has no segments.
func (p Path) IsZero() bool { return len(p.segments) == 0 }

// Segments returns a copy of the parsed segments.
func (p Path) Segments() []Segment {
	return append([]Segment(nil), p.segments...)
}

// HasWildcard reports whether the path can match more than one value.
func (p Path) HasWildcard() bool { return p.wildcard }

// Get evaluates the path against a decoded JSON document. Paths without a
// wildcard return the single matched value. Paths with a wildcard return a
// []any of every match and report false when nothing matched.
func (p Path) Get(doc any) (any, bool) {
	if !p.wildcard {
		cur := doc
		for _, seg := range p.segments {
			next, ok := step(cur, seg)
			if !ok {
				return nil, false
			}
			cur = next
		}
		return cur, true
	}
	out := collect(doc, p.segments, nil)
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}

func step(cur any, seg Segment) (any, bool) {
	switch seg.Kind {
	case SegField:
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[seg.Name]
		return v, ok
	case SegIndex:
		list, ok := cur.([]any)
		if !ok {
			return nil, false
		}
		i := seg.Index
		if i < 0 {
			i += len(list)
		}
		if i < 0 || i >= len(list) {
			return nil, false
		}
		return list[i], true
	default:
		return nil, false
	}
}

func collect(cur any, segs []Segment, out []any) []any {
	if len(segs) == 0 {
		return append(out, cur)
	}
	seg := segs[0]
	if seg.Kind != SegWildcard {
		next, ok := step(cur, seg)
		if !ok {
			return out
		}
		return collect(next, segs[1:], out)
	}
	switch v := cur.(type) {
	case []any:
		for _, child := range v {
			out = collect(child, segs[1:], out)
		}
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out = collect(v[k], segs[1:], out)
		}
	}
	return out
}

// Lookup parses expr and evaluates it against doc.
func Lookup(doc any, expr string) (any, bool) {
	p, err := ParsePath(expr)
	if err != nil {
		return nil, false
	}
	return p.Get(doc)
}
