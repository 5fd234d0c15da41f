package render

import (
	"context"
	"time"
)

// DefaultRefreshInterval is the display refresh period used when no
// Refresher is supplied.
const DefaultRefreshInterval = time.Second / 60

// Refresher paces presentation to the display's refresh cadence.
type Refresher interface {
	// Wait blocks until the next refresh opportunity.
	Wait(ctx context.Context) error
	Stop()
}

// TickerRefresher is a Refresher driven by a time.Ticker.
type TickerRefresher struct {
	t *time.Ticker
}

// NewTickerRefresher ticks every interval.
func NewTickerRefresher(interval time.Duration) *TickerRefresher {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &TickerRefresher{t: time.NewTicker(interval)}
}

func (r *TickerRefresher) Wait(ctx context.Context) error {
	select {
	case <-r.t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *TickerRefresher) Stop() { r.t.Stop() }
