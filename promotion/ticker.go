package promotion

import (
	"sync"
	"time"
)

// Ticker is the tick source that drives promotion cycles.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type wallTicker struct {
	t *time.Ticker
}

// NewTicker returns a Ticker backed by time.Ticker.
func NewTicker(d time.Duration) Ticker {
	return &wallTicker{t: time.NewTicker(d)}
}

func (w *wallTicker) C() <-chan time.Time { return w.t.C }
func (w *wallTicker) Stop()               { w.t.Stop() }

// ManualTicker is advanced explicitly, for deterministic tests.
type ManualTicker struct {
	ch   chan time.Time
	once sync.Once
	done chan struct{}
}

// NewManualTicker returns a ticker that only fires on Tick.
func NewManualTicker() *ManualTicker {
	return &ManualTicker{ch: make(chan time.Time), done: make(chan struct{})}
}

// C returns the tick channel.
func (m *ManualTicker) C() <-chan time.Time { return m.ch }

// Tick delivers at to the consumer, blocking until it is received. It
// returns false once the ticker is stopped.
func (m *ManualTicker) Tick(at time.Time) bool {
	select {
	case m.ch <- at:
		return true
	case <-m.done:
		return false
	}
}

// Stop stops the ticker. Pending and future Tick calls return false.
func (m *ManualTicker) Stop() {
	m.once.Do(func() { close(m.done) })
}
