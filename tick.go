package arrow

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// TickInterval is how often the periodic tick fires.
const TickInterval = 1 * time.Second

// Ticker drives an Engine's time_event handling once per second for as long
// as it runs. It is a thin wrapper so the driver doesn't need to know
// clockwork's Ticker API directly.
type Ticker struct {
	clock clockwork.Clock
	stop  chan struct{}
	done  chan struct{}
}

// StartTicker launches a goroutine calling engine.Tick(now) every
// TickInterval, using clock (so tests can drive it with a FakeClock).
// Call Stop to end it.
func StartTicker(clock clockwork.Clock, engine *Engine) *Ticker {
	t := &Ticker{
		clock: clock,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}

	go func() {
		defer close(t.done)
		c := clock.NewTicker(TickInterval)
		defer c.Stop()
		for {
			select {
			case now := <-c.Chan():
				engine.Tick(now)
			case <-t.stop:
				return
			}
		}
	}()

	return t
}

// Stop ends the ticker goroutine and waits for it to exit.
func (t *Ticker) Stop() {
	select {
	case <-t.stop:
	default:
		close(t.stop)
	}
	<-t.done
}
