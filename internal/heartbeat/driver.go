// Package heartbeat runs a function on a fixed interval until stopped.
package heartbeat

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Driver invokes Fn once per Interval from a single goroutine. It can be
// started and stopped repeatedly; at most one ticking goroutine exists at
// any time.
type Driver struct {
	clock    clockwork.Clock
	interval time.Duration
	fn       func()

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// New returns a stopped driver. A nil clock means the real clock.
func New(clock clockwork.Clock, interval time.Duration, fn func()) *Driver {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Driver{clock: clock, interval: interval, fn: fn}
}

// Start begins ticking. Calling Start on a running driver does nothing.
func (d *Driver) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		return
	}
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	go d.loop(d.clock.NewTicker(d.interval), d.stop, d.done)
}

// Stop halts ticking and waits for an in-flight Fn call to return. It is
// safe to call on a stopped driver.
func (d *Driver) Stop() {
	d.mu.Lock()
	stop, done := d.stop, d.done
	d.stop, d.done = nil, nil
	d.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Running reports whether the driver is currently ticking.
func (d *Driver) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stop != nil
}

func (d *Driver) loop(t clockwork.Ticker, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.Chan():
			select {
			case <-stop:
				return
			default:
			}
			d.fn()
		}
	}
}
