package paginate

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/JakeFAU/webfarm/internal/extract"
	"github.com/JakeFAU/webfarm/internal/harvest"
)

// advance records the fetched batch and applies the stops shared by every
// kind. It reports whether the caller should compute a successor.
func advance(st State, page Page, hasMorePath string) (State, bool) {
	st.Batches++
	st.Items += page.Items
	if page.Items == 0 {
		return st.Stop(StopNoItems), false
	}
	if !hasMore(page.Doc, hasMorePath) {
		return st.Stop(StopHasMore), false
	}
	return st, true
}

func shortPage(cfg Config, items int) bool {
	return cfg.LimitParam != "" && cfg.Limit > 0 && items < cfg.Limit
}

type pagePaginator struct{ cfg Config }

func (p *pagePaginator) Kind() Kind { return KindPage }

func (p *pagePaginator) Initial() State {
	return State{Kind: KindPage, Page: *p.cfg.Start}
}

func (p *pagePaginator) Request(base harvest.RequestSpec, st State) (harvest.RequestSpec, error) {
	req := base.WithParam(p.cfg.PageParam, strconv.Itoa(st.Page))
	if p.cfg.LimitParam != "" && p.cfg.Limit > 0 {
		req = req.WithParam(p.cfg.LimitParam, strconv.Itoa(p.cfg.Limit))
	}
	return req, nil
}

func (p *pagePaginator) Next(st State, page Page) State {
	st, ok := advance(st, page, p.cfg.HasMorePath)
	if !ok {
		return st
	}
	if shortPage(p.cfg, page.Items) {
		return st.Stop(StopShortPage)
	}
	st.Page++
	return st
}

type offsetPaginator struct{ cfg Config }

func (p *offsetPaginator) Kind() Kind { return KindOffset }

func (p *offsetPaginator) Initial() State {
	return State{Kind: KindOffset}
}

func (p *offsetPaginator) Request(base harvest.RequestSpec, st State) (harvest.RequestSpec, error) {
	req := base.WithParam(p.cfg.OffsetParam, strconv.Itoa(st.Offset))
	if p.cfg.LimitParam != "" && p.cfg.Limit > 0 {
		req = req.WithParam(p.cfg.LimitParam, strconv.Itoa(p.cfg.Limit))
	}
	return req, nil
}

func (p *offsetPaginator) Next(st State, page Page) State {
	st, ok := advance(st, page, p.cfg.HasMorePath)
	if !ok {
		return st
	}
	if shortPage(p.cfg, page.Items) {
		return st.Stop(StopShortPage)
	}
	switch {
	case p.cfg.Step > 0:
		st.Offset += p.cfg.Step
	case p.cfg.LimitParam != "" && p.cfg.Limit > 0:
		st.Offset += p.cfg.Limit
	default:
		st.Offset += page.Items
	}
	return st
}

type cursorTokenPaginator struct{ cfg Config }

func (p *cursorTokenPaginator) Kind() Kind { return KindCursorToken }

func (p *cursorTokenPaginator) Initial() State {
	return State{Kind: KindCursorToken}
}

func (p *cursorTokenPaginator) Request(base harvest.RequestSpec, st State) (harvest.RequestSpec, error) {
	req := base.Clone()
	if st.Cursor != "" {
		req = req.WithParam(p.cfg.CursorParam, st.Cursor)
	}
	if p.cfg.LimitParam != "" && p.cfg.Limit > 0 {
		req = req.WithParam(p.cfg.LimitParam, strconv.Itoa(p.cfg.Limit))
	}
	return req, nil
}

func (p *cursorTokenPaginator) Next(st State, page Page) State {
	st, ok := advance(st, page, p.cfg.HasMorePath)
	if !ok {
		return st
	}
	if shortPage(p.cfg, page.Items) {
		return st.Stop(StopShortPage)
	}
	return nextCursor(st, cursorFromDoc(page.Doc, p.cfg.CursorPath))
}

func nextCursor(st State, cursor string) State {
	switch {
	case cursor == "":
		return st.Stop(StopNoNext)
	case cursor == st.Cursor:
		return st.Stop(StopRepeated)
	}
	st.Cursor = cursor
	return st
}

type cursorNextPaginator struct{ cfg Config }

func (p *cursorNextPaginator) Kind() Kind { return KindCursorNext }

func (p *cursorNextPaginator) Initial() State {
	return State{Kind: KindCursorNext}
}

func (p *cursorNextPaginator) Request(base harvest.RequestSpec, st State) (harvest.RequestSpec, error) {
	if st.Cursor == "" {
		return base.Clone(), nil
	}
	body, err := setBodyPath(base.Body, p.cfg.BodyPath, st.Cursor)
	if err != nil {
		return harvest.RequestSpec{}, err
	}
	return base.WithBody(body), nil
}

func (p *cursorNextPaginator) Next(st State, page Page) State {
	st, ok := advance(st, page, p.cfg.HasMorePath)
	if !ok {
		return st
	}
	cursor := ""
	if p.cfg.CursorHeader != "" {
		cursor = page.Response.Header(p.cfg.CursorHeader)
	}
	if cursor == "" {
		cursor = cursorFromDoc(page.Doc, p.cfg.CursorPath)
	}
	return nextCursor(st, cursor)
}

// setBodyPath writes value at the dotted field path of a JSON object body,
// creating intermediate objects.
func setBodyPath(body json.RawMessage, path, value string) (json.RawMessage, error) {
	root := map[string]any{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &root); err != nil {
			return nil, fmt.Errorf("decode request body for cursor: %w", err)
		}
		if root == nil {
			root = map[string]any{}
		}
	}
	p, err := extract.ParsePath(path)
	if err != nil {
		return nil, fmt.Errorf("parse body_path: %w", err)
	}
	segs := p.Segments()
	if len(segs) == 0 {
		return nil, fmt.Errorf("body_path must not be empty")
	}
	node := root
	for _, seg := range segs[:len(segs)-1] {
		child, ok := node[seg.Name].(map[string]any)
		if !ok {
			child = map[string]any{}
			node[seg.Name] = child
		}
		node = child
	}
	node[segs[len(segs)-1].Name] = value

	data, err := json.Marshal(root)
	if err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}
	return data, nil
}

type nextURLPaginator struct{ cfg Config }

func (p *nextURLPaginator) Kind() Kind { return KindNextURL }

func (p *nextURLPaginator) Initial() State {
	return State{Kind: KindNextURL}
}

func (p *nextURLPaginator) Request(base harvest.RequestSpec, st State) (harvest.RequestSpec, error) {
	if st.NextURL == "" {
		return base.Clone(), nil
	}
	return base.WithURL(st.NextURL), nil
}

func (p *nextURLPaginator) Next(st State, page Page) State {
	st, ok := advance(st, page, p.cfg.HasMorePath)
	if !ok {
		return st
	}
	ref := NextLink(page.Response.Headers.Values("Link"))
	if ref == "" {
		ref = nextURLFromDoc(page.Doc, p.cfg.NextPath)
	}
	if ref == "" {
		return st.Stop(StopNoNext)
	}
	current, err := page.Request.FullURL()
	if err != nil {
		current = page.Request.URL
	}
	next, err := resolveURL(current, ref)
	if err != nil {
		return st.Stop(StopNoNext)
	}
	if next == current {
		return st.Stop(StopRepeated)
	}
	st.NextURL = next
	return st
}
