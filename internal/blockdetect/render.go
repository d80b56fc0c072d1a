package blockdetect

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/JakeFAU/webfarm/internal/harvest"
)

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
}

// RenderHeuristic flags HTML responses that are an empty JavaScript shell
// and only become useful after a browser renders them.
type RenderHeuristic struct {
	BodyLengthThreshold int
}

// NewRenderHeuristic creates a heuristic. Zero threshold means 2048 bytes.
func NewRenderHeuristic(threshold int) *RenderHeuristic {
	if threshold == 0 {
		threshold = 2048
	}
	return &RenderHeuristic{BodyLengthThreshold: threshold}
}

// NeedsRender reports whether resp looks like an unrendered single page app.
// Only 200 HTML responses are considered.
func (h *RenderHeuristic) NeedsRender(resp harvest.Response) bool {
	if resp.StatusCode != http.StatusOK || !looksHTML(resp) {
		return false
	}
	body := resp.Body
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(body) {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	coverage := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			coverage += total - start
			break
		}
		contentStart := start + tagClose + 1
		end := strings.Index(lower[contentStart:], closeTag)
		next := total
		if end != -1 {
			next = contentStart + end + len(closeTag)
		}
		coverage += next - start
		pos = next
	}
	return coverage*100/total >= 25
}
