package omnisharp

import (
	"sync"
	"time"
)

// Debouncer runs fn immediately on its first trigger and coalesces every
// later burst into one call once the window has been quiet.
type Debouncer struct {
	window time.Duration
	fn     func()

	mu      sync.Mutex
	fired   bool
	timer   *time.Timer
	stopped bool
}

// NewDebouncer returns a debouncer for fn with the given quiet window.
func NewDebouncer(window time.Duration, fn func()) *Debouncer {
	return &Debouncer{window: window, fn: fn}
}

// Trigger records one notification.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	if !d.fired {
		d.fired = true
		d.mu.Unlock()
		go d.fn()
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, d.fire)
	d.mu.Unlock()
}

// Stop cancels any pending call. Later triggers are ignored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()
}

// Dispose is Stop, so a Debouncer can join a CompositeDisposable.
func (d *Debouncer) Dispose() {
	d.Stop()
}

func (d *Debouncer) fire() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	d.mu.Unlock()
	d.fn()
}
