package pipeline

import (
	"time"
)

// Ticker delivers processing ticks to Run
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type frameTicker struct {
	ticker *time.Ticker
}

// NewFrameTicker returns a wall-clock ticker firing once per analysis frame
func NewFrameTicker(interval time.Duration) Ticker {
	return &frameTicker{ticker: time.NewTicker(interval)}
}

func (t *frameTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t *frameTicker) Stop() {
	t.ticker.Stop()
}
