package script

import (
	"context"
	"sync"
	"time"
)

// gateThresholdSec: re-run periods at or below this disable gating entirely.
const gateThresholdSec = 5

// Gate is the re-run counter: a shared countdown that enforces the minimum
// wall-clock spacing between two script invocations.
type Gate struct {
	mu      sync.Mutex
	counter int
	period  int
}

// NewGate creates a gate for the given re-run period in seconds.
func NewGate(periodSec int) *Gate {
	return &Gate{counter: periodSec, period: periodSec}
}

// StartCountdown runs the 1 Hz decrement loop until ctx is cancelled.
func (g *Gate) StartCountdown(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.mu.Lock()
				if g.counter > 0 {
					g.counter--
				}
				g.mu.Unlock()
			}
		}
	}()
}

// TryPass reports whether an invocation may run now. Periods of five seconds
// or less never gate. When the gate opens the counter resets to the period.
func (g *Gate) TryPass() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.period > gateThresholdSec && g.counter > 0 {
		return false
	}
	g.counter = g.period
	return true
}

// Remaining returns the current counter value.
func (g *Gate) Remaining() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.counter
}
