package omnisharp

import (
	"encoding/json"
	"sync"
	"time"
)

// QueueClass orders buckets within a drain pass.
type QueueClass int

const (
	ClassPriority QueueClass = iota
	ClassNormal
	ClassDeferred
)

func (c QueueClass) String() string {
	switch c {
	case ClassPriority:
		return "Priority"
	case ClassDeferred:
		return "Deferred"
	default:
		return "Normal"
	}
}

// DefaultMaxConcurrency is the number of requests allowed on the wire at once.
const DefaultMaxConcurrency = 8

var defaultCommandClasses = map[string]QueueClass{
	CommandUpdateBuffer:         ClassPriority,
	CommandChangeBuffer:         ClassPriority,
	CommandFilesChanged:         ClassPriority,
	CommandFormatAfterKeystroke: ClassPriority,
	CommandFormatRange:          ClassPriority,
	CommandCodeCheck:            ClassDeferred,
	CommandTypeLookup:           ClassDeferred,
	CommandGetCodeActions:       ClassDeferred,
	CommandCodeStructure:        ClassDeferred,
}

// ClassifyCommand returns the queue class the collection uses for command.
func ClassifyCommand(command string) QueueClass {
	if c, ok := defaultCommandClasses[command]; ok {
		return c
	}
	return ClassNormal
}

type requestState int

const (
	requestQueued requestState = iota
	requestActive
	requestDone
)

// Request is one pending call. It is owned by the queue until dispatched and
// by the active set until its response arrives.
type Request struct {
	Command string
	Data    any

	onSuccess func(json.RawMessage)
	onError   func(error)

	id       int64
	state    requestState
	enqueued time.Time
	once     sync.Once
}

// NewRequest builds a request whose callbacks fire at most once, in total.
func NewRequest(command string, data any, onSuccess func(json.RawMessage), onError func(error)) *Request {
	return &Request{
		Command:   command,
		Data:      data,
		onSuccess: onSuccess,
		onError:   onError,
	}
}

// ID is the sequence id assigned at dispatch; zero while queued.
func (r *Request) ID() int64 {
	return r.id
}

func (r *Request) resolve(body json.RawMessage) {
	r.once.Do(func() {
		if r.onSuccess != nil {
			r.onSuccess(body)
		}
	})
}

func (r *Request) reject(err error) {
	r.once.Do(func() {
		if r.onError != nil {
			r.onError(err)
		}
	})
}

// SendFunc writes r to the wire and returns the sequence id it was sent with.
type SendFunc func(r *Request) (int64, error)

type activeKey struct {
	command string
	seq     int64
}

type bucket struct {
	command string
	class   QueueClass
	pending []*Request
}

// QueueStats is a point-in-time count of queued and active requests.
type QueueStats struct {
	Queued int `json:"queued"`
	Active int `json:"active"`
}

// RequestQueueCollection buckets pending requests by command and dispatches
// them with a global cap on active requests.
type RequestQueueCollection struct {
	mu             sync.Mutex
	maxConcurrency int
	send           SendFunc
	classify       func(string) QueueClass
	events         *EventStream

	buckets   []*bucket
	byCommand map[string]*bucket
	active    map[activeKey]*Request
	perClass  map[QueueClass]int
	suspended bool
	closed    error
}

// QueueOption configures a RequestQueueCollection.
type QueueOption func(*RequestQueueCollection)

// WithClassifier overrides the command to class mapping.
func WithClassifier(fn func(string) QueueClass) QueueOption {
	return func(q *RequestQueueCollection) {
		q.classify = fn
	}
}

// WithQueueEvents posts enqueue and dequeue events to stream.
func WithQueueEvents(stream *EventStream) QueueOption {
	return func(q *RequestQueueCollection) {
		q.events = stream
	}
}

// WithSuspended creates the collection with dispatch suspended.
func WithSuspended() QueueOption {
	return func(q *RequestQueueCollection) {
		q.suspended = true
	}
}

// NewRequestQueueCollection creates a collection that hands dispatched
// requests to send. A maxConcurrency below 1 is treated as 1.
func NewRequestQueueCollection(maxConcurrency int, send SendFunc, opts ...QueueOption) *RequestQueueCollection {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	q := &RequestQueueCollection{
		maxConcurrency: maxConcurrency,
		send:           send,
		classify:       ClassifyCommand,
		byCommand:      make(map[string]*bucket),
		active:         make(map[activeKey]*Request),
		perClass:       make(map[QueueClass]int),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends r to its command's bucket and drains. After Clear, r is
// rejected with the Clear error until Resume.
func (q *RequestQueueCollection) Enqueue(r *Request) {
	q.mu.Lock()
	if err := q.closed; err != nil {
		r.state = requestDone
		q.mu.Unlock()
		r.reject(err)
		return
	}
	b, ok := q.byCommand[r.Command]
	if !ok {
		b = &bucket{command: r.Command, class: q.classify(r.Command)}
		q.byCommand[r.Command] = b
		q.buckets = append(q.buckets, b)
	}
	r.state = requestQueued
	r.enqueued = time.Now()
	b.pending = append(b.pending, r)
	class := b.class
	q.mu.Unlock()

	q.post(EnqueueRequest{Queue: class.String(), Command: r.Command})
	q.Drain()
}

// Dequeue removes and returns the active request sent as (command, seq), or
// nil when none matches. Freed capacity is refilled before returning.
func (q *RequestQueueCollection) Dequeue(command string, seq int64) *Request {
	q.mu.Lock()
	key := activeKey{command: command, seq: seq}
	r, ok := q.active[key]
	if !ok {
		q.mu.Unlock()
		return nil
	}
	delete(q.active, key)
	class := q.classify(command)
	q.perClass[class]--
	r.state = requestDone
	q.mu.Unlock()

	q.post(DequeueRequest{Queue: class.String(), Command: command, ID: seq})
	q.post(ProcessRequestComplete{})
	q.Drain()
	return r
}

// CancelRequest rejects r with ErrRequestCancelled. A queued request is
// removed from its bucket. An active request keeps its slot until Dequeue
// sees its response; the late result is dropped.
func (q *RequestQueueCollection) CancelRequest(r *Request) {
	if r == nil {
		return
	}

	q.mu.Lock()
	removed := false
	if r.state == requestQueued {
		if b, ok := q.byCommand[r.Command]; ok {
			for i, pending := range b.pending {
				if pending == r {
					b.pending = append(b.pending[:i], b.pending[i+1:]...)
					removed = true
					break
				}
			}
			if len(b.pending) == 0 {
				q.removeBucketLocked(b)
			}
		}
		r.state = requestDone
	}
	q.mu.Unlock()

	r.reject(ErrRequestCancelled)
	if removed {
		q.Drain()
	}
}

// Drain promotes bucket heads into the active set until the cap is reached or
// nothing is queued. Priority buckets go first, deferred buckets last and with
// a reduced share of the cap. Within a class every non-empty bucket gets one
// promotion per pass, in creation order.
func (q *RequestQueueCollection) Drain() {
	type failure struct {
		r   *Request
		err error
	}
	var (
		failed []failure
		notes  []Event
	)

	q.mu.Lock()
	if !q.suspended {
		for _, class := range []QueueClass{ClassPriority, ClassNormal, ClassDeferred} {
			for q.hasCapacityLocked(class) {
				promoted := false
				for _, b := range q.bucketsOfClassLocked(class) {
					if !q.hasCapacityLocked(class) {
						break
					}
					r := b.pending[0]
					b.pending = b.pending[1:]
					if len(b.pending) == 0 {
						q.removeBucketLocked(b)
					}
					promoted = true

					seq, err := q.send(r)
					if err != nil {
						r.state = requestDone
						failed = append(failed, failure{r: r, err: err})
						continue
					}
					r.id = seq
					r.state = requestActive
					q.active[activeKey{command: r.Command, seq: seq}] = r
					q.perClass[class]++
					notes = append(notes, ProcessRequestStart{Queue: class.String()})
				}
				if !promoted {
					break
				}
			}
		}
	}
	q.mu.Unlock()

	for _, ev := range notes {
		q.post(ev)
	}
	for _, f := range failed {
		f.r.reject(f.err)
	}
}

// Suspend stops promotion until Resume.
func (q *RequestQueueCollection) Suspend() {
	q.mu.Lock()
	q.suspended = true
	q.mu.Unlock()
}

// Resume re-enables promotion and accepts new requests, then drains.
func (q *RequestQueueCollection) Resume() {
	q.mu.Lock()
	q.suspended = false
	q.closed = nil
	q.mu.Unlock()
	q.Drain()
}

// SetMaxConcurrency changes the cap and drains.
func (q *RequestQueueCollection) SetMaxConcurrency(n int) {
	if n < 1 {
		n = 1
	}
	q.mu.Lock()
	q.maxConcurrency = n
	q.mu.Unlock()
	q.Drain()
}

// Clear rejects every queued and active request with err. Requests enqueued
// after Clear are rejected with err until Resume.
func (q *RequestQueueCollection) Clear(err error) {
	q.mu.Lock()
	q.closed = err
	var dropped []*Request
	for _, b := range q.buckets {
		dropped = append(dropped, b.pending...)
	}
	for _, r := range q.active {
		dropped = append(dropped, r)
	}
	q.buckets = nil
	q.byCommand = make(map[string]*bucket)
	q.active = make(map[activeKey]*Request)
	q.perClass = make(map[QueueClass]int)
	for _, r := range dropped {
		r.state = requestDone
	}
	q.mu.Unlock()

	for _, r := range dropped {
		r.reject(err)
	}
}

// IsEmpty reports whether nothing is queued or active.
func (q *RequestQueueCollection) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buckets) == 0 && len(q.active) == 0
}

// Stats returns the number of queued and active requests.
func (q *RequestQueueCollection) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	queued := 0
	for _, b := range q.buckets {
		queued += len(b.pending)
	}
	return QueueStats{Queued: queued, Active: len(q.active)}
}

func (q *RequestQueueCollection) hasCapacityLocked(class QueueClass) bool {
	if len(q.active) >= q.maxConcurrency {
		return false
	}
	if class == ClassDeferred {
		return q.perClass[ClassDeferred] < q.deferredCapLocked()
	}
	return true
}

func (q *RequestQueueCollection) deferredCapLocked() int {
	n := q.maxConcurrency / 4
	if n < 1 {
		n = 1
	}
	return n
}

// bucketsOfClassLocked returns a snapshot so promotion can remove emptied buckets.
func (q *RequestQueueCollection) bucketsOfClassLocked(class QueueClass) []*bucket {
	var out []*bucket
	for _, b := range q.buckets {
		if b.class == class && len(b.pending) > 0 {
			out = append(out, b)
		}
	}
	return out
}

func (q *RequestQueueCollection) removeBucketLocked(b *bucket) {
	delete(q.byCommand, b.command)
	for i, cur := range q.buckets {
		if cur == b {
			q.buckets = append(q.buckets[:i], q.buckets[i+1:]...)
			return
		}
	}
}

func (q *RequestQueueCollection) post(ev Event) {
	if q.events != nil {
		q.events.Post(ev)
	}
}
