package headless

import (
	"context"
	"errors"

	"github.com/JakeFAU/webfarm/internal/harvest"
)

// ErrUnavailable is returned by Noop.
var ErrUnavailable = errors.New("headless fetcher not configured")

// Noop stands in for the browser when headless mode is disabled.
type Noop struct{}

// NewNoop creates a new Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch always fails with ErrUnavailable.
func (Noop) Fetch(_ context.Context, _ harvest.RequestSpec) (harvest.Response, error) {
	return harvest.Response{}, ErrUnavailable
}
