package daemon

import (
	"sync"
	"time"

	"github.com/lydakis/omnibridge/internal/config"
)

// Keepalive evicts a workspace's server once it has gone unused for the idle
// timeout. Requests in flight hold the workspace open.
type Keepalive struct {
	mu      sync.Mutex
	idle    time.Duration
	evict   func(workspace string)
	drained func()
	leases  map[string]*lease
	gen     uint64
}

// lease is a workspace's open request count and its armed eviction timer.
type lease struct {
	active int
	timer  *time.Timer
	gen    uint64
}

// NewKeepalive returns a Keepalive that calls evict for each workspace left
// idle longer than idle. A non-positive idle uses config.DefaultIdleTimeout.
func NewKeepalive(evict func(workspace string), idle time.Duration) *Keepalive {
	if idle <= 0 {
		idle = config.DefaultIdleTimeout
	}
	return &Keepalive{
		idle:   idle,
		evict:  evict,
		leases: make(map[string]*lease),
	}
}

// SetOnAllIdle sets fn to run after an eviction leaves no workspace open.
func (k *Keepalive) SetOnAllIdle(fn func()) {
	k.mu.Lock()
	k.drained = fn
	k.mu.Unlock()
}

// Begin holds workspace open until the matching End.
func (k *Keepalive) Begin(workspace string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	l := k.leaseLocked(workspace)
	l.disarm()
	l.active++
}

// End releases one Begin. The idle clock starts when the last one is released.
func (k *Keepalive) End(workspace string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	l, ok := k.leases[workspace]
	if !ok {
		return
	}
	if l.active > 0 {
		l.active--
	}
	if l.active == 0 {
		k.armLocked(workspace, l)
	}
}

// Stop disarms every timer and forgets every workspace.
func (k *Keepalive) Stop() {
	k.mu.Lock()
	defer k.mu.Unlock()

	for _, l := range k.leases {
		l.disarm()
	}
	k.leases = make(map[string]*lease)
}

func (k *Keepalive) leaseLocked(workspace string) *lease {
	l, ok := k.leases[workspace]
	if !ok {
		l = &lease{}
		k.leases[workspace] = l
	}
	return l
}

func (k *Keepalive) armLocked(workspace string, l *lease) {
	l.disarm()
	k.gen++
	gen := k.gen
	l.gen = gen
	l.timer = time.AfterFunc(k.idle, func() { k.expire(workspace, gen) })
}

// expire evicts workspace if gen is still its armed timer. It holds the lock
// across evict so a racing Begin waits for the server to be gone.
func (k *Keepalive) expire(workspace string, gen uint64) {
	k.mu.Lock()
	defer k.mu.Unlock()

	l, ok := k.leases[workspace]
	if !ok || l.gen != gen || l.active > 0 {
		return
	}
	delete(k.leases, workspace)
	if k.evict != nil {
		k.evict(workspace)
	}
	if len(k.leases) == 0 && k.drained != nil {
		go k.drained()
	}
}

func (l *lease) disarm() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.gen = 0
}
