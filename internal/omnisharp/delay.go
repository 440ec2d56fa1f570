package omnisharp

import (
	"sort"
	"sync"
	"time"
)

// Upper bounds of the latency buckets; anything slower is a big delay.
const (
	ImmediateDelayMax     = 25 * time.Millisecond
	NearImmediateDelayMax = 50 * time.Millisecond
	ShortDelayMax         = 250 * time.Millisecond
	MediumDelayMax        = 500 * time.Millisecond
	IdleDelayMax          = 1500 * time.Millisecond
	NonFocusDelayMax      = 3000 * time.Millisecond
)

// DelayBuckets names the buckets in ascending order.
var DelayBuckets = []string{
	"immediateDelays",
	"nearImmediateDelays",
	"shortDelays",
	"mediumDelays",
	"idleDelays",
	"nonFocusDelays",
	"bigDelays",
}

var delayBounds = []time.Duration{
	ImmediateDelayMax,
	NearImmediateDelayMax,
	ShortDelayMax,
	MediumDelayMax,
	IdleDelayMax,
	NonFocusDelayMax,
}

// DelayTracker counts completed requests of one command per latency bucket.
type DelayTracker struct {
	name string

	mu     sync.Mutex
	counts [7]int
}

// NewDelayTracker returns an empty tracker for command name.
func NewDelayTracker(name string) *DelayTracker {
	return &DelayTracker{name: name}
}

// Name is the command the tracker counts.
func (t *DelayTracker) Name() string {
	return t.name
}

// ReportDelay adds one observation.
func (t *DelayTracker) ReportDelay(elapsed time.Duration) {
	idx := len(delayBounds)
	for i, bound := range delayBounds {
		if elapsed <= bound {
			idx = i
			break
		}
	}
	t.mu.Lock()
	t.counts[idx]++
	t.mu.Unlock()
}

// ClearMeasures resets every bucket to zero.
func (t *DelayTracker) ClearMeasures() {
	t.mu.Lock()
	t.counts = [7]int{}
	t.mu.Unlock()
}

// HasMeasures reports whether any observation was recorded since the last clear.
func (t *DelayTracker) HasMeasures() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, n := range t.counts {
		if n > 0 {
			return true
		}
	}
	return false
}

// Measures returns the counts keyed by bucket name.
func (t *DelayTracker) Measures() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(DelayBuckets))
	for i, name := range DelayBuckets {
		out[name] = t.counts[i]
	}
	return out
}

// DelayMeasures is the report for one command.
type DelayMeasures struct {
	Command  string         `json:"command"`
	Measures map[string]int `json:"measures"`
}

// DelayTrackers holds one tracker per command, created on first report.
type DelayTrackers struct {
	mu       sync.Mutex
	trackers map[string]*DelayTracker
}

// NewDelayTrackers returns an empty registry.
func NewDelayTrackers() *DelayTrackers {
	return &DelayTrackers{trackers: make(map[string]*DelayTracker)}
}

// Report records elapsed for command.
func (d *DelayTrackers) Report(command string, elapsed time.Duration) {
	d.mu.Lock()
	t, ok := d.trackers[command]
	if !ok {
		t = NewDelayTracker(command)
		d.trackers[command] = t
	}
	d.mu.Unlock()
	t.ReportDelay(elapsed)
}

// Reset drops every tracker.
func (d *DelayTrackers) Reset() {
	d.mu.Lock()
	d.trackers = make(map[string]*DelayTracker)
	d.mu.Unlock()
}

// Snapshot returns the trackers that have measures, sorted by command.
func (d *DelayTrackers) Snapshot() []DelayMeasures {
	d.mu.Lock()
	trackers := make([]*DelayTracker, 0, len(d.trackers))
	for _, t := range d.trackers {
		trackers = append(trackers, t)
	}
	d.mu.Unlock()

	out := make([]DelayMeasures, 0, len(trackers))
	for _, t := range trackers {
		if !t.HasMeasures() {
			continue
		}
		out = append(out, DelayMeasures{Command: t.Name(), Measures: t.Measures()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Command < out[j].Command })
	return out
}
