package blockdetect

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNeedsRender(t *testing.T) {
	t.Parallel()

	h := NewRenderHeuristic(1000)
	tests := []struct {
		name string
		code int
		body string
		want bool
	}{
		{"empty body", 200, "   ", true},
		{"spa marker", 200, `<div id="__next"></div>`, true},
		{"script heavy", 200, `<html><script>var a=1;</script><p>t</p></html>`, true},
		{"plain page", 200, `<html><body><p>Plenty of server rendered text here.</p></body></html>`, false},
		{"non 200", 404, `<div id="__next"></div>`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			resp := htmlResponse(tt.code, tt.body)
			require.Equal(t, tt.want, h.NeedsRender(resp))
		})
	}
}
