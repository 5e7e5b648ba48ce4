// Package gather defines the provider-side contracts: a Provider returns raw
// daily bars for a ticker over a date window, and a Gatherer is a runnable
// data-gathering process.
package gather

import (
	"context"
	"time"

	"barsync/internal/domain"
)

// Gatherer is the interface for all data gathering processes.
type Gatherer interface {
	// Name returns the gatherer identifier.
	Name() string
	// Run executes the gathering process until done or ctx is cancelled.
	Run(ctx context.Context) error
}

// Provider fetches raw daily bars for one ticker in [start, end].
// Implementations return domain.ErrEmptyResponse (wrapped) for responses that
// are empty or garbled in a way worth retrying; a nil slice with a nil error
// means the provider genuinely has no bars for the window.
type Provider interface {
	Name() string
	History(ctx context.Context, ticker string, start, end time.Time) ([]domain.RawRow, error)
}

// MultiProvider is implemented by providers that can serve several tickers in
// one round-trip. Tickers absent from the result had no bars.
type MultiProvider interface {
	Provider
	MultiHistory(ctx context.Context, tickers []string, start, end time.Time) (map[string][]domain.RawRow, error)
}

// Ptr returns a pointer to v. Providers use it to fill RawRow fields.
func Ptr[T any](v T) *T { return &v }
