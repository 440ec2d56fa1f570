package omnisharp

import (
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"testing"
)

type fakeWire struct {
	mu   sync.Mutex
	seq  int64
	sent []*Request
	fail error
}

func (w *fakeWire) send(r *Request) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail != nil {
		return 0, w.fail
	}
	w.seq++
	w.sent = append(w.sent, r)
	return w.seq, nil
}

func (w *fakeWire) sentCommands() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.sent))
	for i, r := range w.sent {
		out[i] = r.Command
	}
	return out
}

func (w *fakeWire) sentRequests() []*Request {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*Request(nil), w.sent...)
}

type outcome struct {
	body json.RawMessage
	err  error
	hits int
}

func trackedRequest(command string, data any) (*Request, *outcome) {
	out := &outcome{}
	r := NewRequest(command, data,
		func(body json.RawMessage) { out.body = body; out.hits++ },
		func(err error) { out.err = err; out.hits++ },
	)
	return r, out
}

func TestQueueTenRequestsWithCapEight(t *testing.T) {
	wire := &fakeWire{}
	q := NewRequestQueueCollection(8, wire.send)

	reqs := make([]*Request, 10)
	for i := range reqs {
		reqs[i], _ = trackedRequest("A", i)
		q.Enqueue(reqs[i])
	}

	sent := wire.sentRequests()
	if len(sent) != 8 {
		t.Fatalf("dispatched = %d, want 8", len(sent))
	}
	for i, r := range sent {
		if r != reqs[i] {
			t.Fatalf("dispatch %d = request %v, want request %d", i, r.Data, i)
		}
		if r.ID() != int64(i+1) {
			t.Fatalf("dispatch %d ID() = %d, want %d", i, r.ID(), i+1)
		}
	}
	if got := q.Stats(); got.Queued != 2 || got.Active != 8 {
		t.Fatalf("Stats() = %+v, want {Queued:2 Active:8}", got)
	}

	if q.Dequeue("A", 1) != reqs[0] {
		t.Fatal("Dequeue(A, 1) did not return the first request")
	}
	if got := len(wire.sentRequests()); got != 9 {
		t.Fatalf("dispatched after one dequeue = %d, want 9", got)
	}
	if q.Dequeue("A", 2) != reqs[1] {
		t.Fatal("Dequeue(A, 2) did not return the second request")
	}

	sent = wire.sentRequests()
	if len(sent) != 10 {
		t.Fatalf("dispatched after two dequeues = %d, want 10", len(sent))
	}
	if sent[8] != reqs[8] || sent[8].ID() != 9 {
		t.Fatalf("ninth dispatch = (%v, %d), want (8, 9)", sent[8].Data, sent[8].ID())
	}
	if sent[9] != reqs[9] || sent[9].ID() != 10 {
		t.Fatalf("tenth dispatch = (%v, %d), want (9, 10)", sent[9].Data, sent[9].ID())
	}
}

func TestQueueDispatchesSameCommandInArrivalOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	commands := []string{"A", "B", "C", CommandCodeCheck, CommandUpdateBuffer}

	for round := 0; round < 20; round++ {
		wire := &fakeWire{}
		q := NewRequestQueueCollection(1+rng.Intn(4), wire.send)

		arrivals := map[string][]int{}
		total := 40
		for i := 0; i < total; i++ {
			cmd := commands[rng.Intn(len(commands))]
			arrivals[cmd] = append(arrivals[cmd], i)
			r, _ := trackedRequest(cmd, i)
			q.Enqueue(r)

			if rng.Intn(3) == 0 {
				completeRandomActive(q, wire, rng)
			}
		}
		for !q.IsEmpty() {
			completeRandomActive(q, wire, rng)
		}

		dispatched := map[string][]int{}
		for _, r := range wire.sentRequests() {
			dispatched[r.Command] = append(dispatched[r.Command], r.Data.(int))
		}
		for cmd, want := range arrivals {
			got := dispatched[cmd]
			if len(got) != len(want) {
				t.Fatalf("round %d: %s dispatched %d, want %d", round, cmd, len(got), len(want))
			}
			for i := range want {
				if got[i] != want[i] {
					t.Fatalf("round %d: %s dispatch order = %v, want %v", round, cmd, got, want)
				}
			}
		}
	}
}

func TestQueueNeverExceedsCap(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	commands := []string{"A", "B", CommandTypeLookup, CommandChangeBuffer}

	for _, limit := range []int{1, 2, 3, 8} {
		wire := &fakeWire{}
		q := NewRequestQueueCollection(limit, wire.send)
		var queued []*Request

		for step := 0; step < 300; step++ {
			switch rng.Intn(4) {
			case 0, 1:
				r, _ := trackedRequest(commands[rng.Intn(len(commands))], step)
				queued = append(queued, r)
				q.Enqueue(r)
			case 2:
				completeRandomActive(q, wire, rng)
			case 3:
				if len(queued) > 0 {
					q.CancelRequest(queued[rng.Intn(len(queued))])
				}
			}
			if got := q.Stats().Active; got > limit {
				t.Fatalf("cap %d step %d: active = %d", limit, step, got)
			}
		}
	}
}

func TestQueueDequeueMatchesCommandAndSequence(t *testing.T) {
	wire := &fakeWire{}
	q := NewRequestQueueCollection(8, wire.send)

	a, _ := trackedRequest("A", nil)
	b, _ := trackedRequest("B", nil)
	q.Enqueue(a)
	q.Enqueue(b)

	if got := q.Dequeue("A", b.ID()); got != nil {
		t.Fatalf("Dequeue(A, %d) = %v, want nil", b.ID(), got.Command)
	}
	if got := q.Dequeue("B", 99); got != nil {
		t.Fatalf("Dequeue(B, 99) = %v, want nil", got.Command)
	}
	if got := q.Dequeue("B", b.ID()); got != b {
		t.Fatal("Dequeue(B, seq) did not return b")
	}
	if got := q.Dequeue("B", b.ID()); got != nil {
		t.Fatal("second Dequeue(B, seq) returned a request, want nil")
	}
	if got := q.Dequeue("A", a.ID()); got != a {
		t.Fatal("Dequeue(A, seq) did not return a")
	}
	if !q.IsEmpty() {
		t.Fatal("IsEmpty() = false after every request dequeued")
	}
}

func TestQueueCancelBeforeDispatchRemovesRequest(t *testing.T) {
	wire := &fakeWire{}
	q := NewRequestQueueCollection(1, wire.send)

	first, _ := trackedRequest("A", 1)
	second, secondOut := trackedRequest("A", 2)
	third, _ := trackedRequest("A", 3)
	q.Enqueue(first)
	q.Enqueue(second)
	q.Enqueue(third)

	q.CancelRequest(second)
	if !errors.Is(secondOut.err, ErrRequestCancelled) {
		t.Fatalf("cancelled request error = %v, want %v", secondOut.err, ErrRequestCancelled)
	}

	q.Dequeue("A", first.ID())
	q.Dequeue("A", third.ID())

	for _, r := range wire.sentRequests() {
		if r == second {
			t.Fatal("cancelled request was dispatched")
		}
	}
	if got := len(wire.sentRequests()); got != 2 {
		t.Fatalf("dispatched = %d, want 2", got)
	}
	if secondOut.hits != 1 {
		t.Fatalf("callbacks fired %d times, want 1", secondOut.hits)
	}
}

func TestQueueCancelActiveReleasesCallerButHoldsSlot(t *testing.T) {
	wire := &fakeWire{}
	q := NewRequestQueueCollection(1, wire.send)

	first, firstOut := trackedRequest("A", 1)
	second, secondOut := trackedRequest("B", 2)
	q.Enqueue(first)
	q.Enqueue(second)

	q.CancelRequest(first)
	if !errors.Is(firstOut.err, ErrRequestCancelled) {
		t.Fatalf("error = %v, want %v", firstOut.err, ErrRequestCancelled)
	}
	if second.ID() != 0 {
		t.Fatal("second request dispatched while the cancelled one is still on the wire")
	}
	if stats := q.Stats(); stats.Active != 1 || stats.Queued != 1 {
		t.Fatalf("stats = %+v, want 1 active and 1 queued", stats)
	}

	// The late response frees the slot without reaching the caller.
	if got := q.Dequeue("A", first.ID()); got != first {
		t.Fatal("Dequeue did not return the cancelled request")
	}
	first.resolve(json.RawMessage(`{}`))
	if firstOut.hits != 1 || firstOut.body != nil {
		t.Fatalf("cancelled request callbacks: hits=%d body=%s, want a single rejection", firstOut.hits, firstOut.body)
	}
	if second.ID() == 0 {
		t.Fatal("second request not dispatched after the cancelled response arrived")
	}
	if secondOut.hits != 0 {
		t.Fatalf("second request callbacks fired %d times, want 0", secondOut.hits)
	}
}

func TestQueueCancelledActiveRequestsStayWithinCap(t *testing.T) {
	wire := &fakeWire{}
	q := NewRequestQueueCollection(2, wire.send)

	var active []*Request
	for i := 0; i < 2; i++ {
		r, _ := trackedRequest("/a", i)
		q.Enqueue(r)
		active = append(active, r)
	}
	for _, r := range active {
		q.CancelRequest(r)
	}
	for i := 2; i < 4; i++ {
		r, _ := trackedRequest("/a", i)
		q.Enqueue(r)
	}

	if got := len(wire.sentRequests()); got != 2 {
		t.Fatalf("on the wire = %d, want 2", got)
	}
	if stats := q.Stats(); stats.Active != 2 || stats.Queued != 2 {
		t.Fatalf("stats = %+v, want 2 active and 2 queued", stats)
	}
}

func TestQueueRejectsEnqueueAfterClearUntilResume(t *testing.T) {
	wire := &fakeWire{}
	q := NewRequestQueueCollection(4, wire.send)
	q.Suspend()
	q.Clear(ErrServerStopped)

	late, lateOut := trackedRequest("A", 1)
	q.Enqueue(late)
	if !errors.Is(lateOut.err, ErrServerStopped) {
		t.Fatalf("late enqueue error = %v, want %v", lateOut.err, ErrServerStopped)
	}
	if !q.IsEmpty() {
		t.Fatal("late request was kept after Clear")
	}

	q.Resume()
	if got := len(wire.sentRequests()); got != 0 {
		t.Fatalf("dispatched after Resume = %d, want 0", got)
	}
	next, nextOut := trackedRequest("A", 2)
	q.Enqueue(next)
	if next.ID() == 0 || nextOut.hits != 0 {
		t.Fatalf("request after Resume: id=%d hits=%d, want dispatched and pending", next.ID(), nextOut.hits)
	}
	if lateOut.hits != 1 {
		t.Fatalf("late request callbacks fired %d times, want 1", lateOut.hits)
	}
}

func TestQueueDrainsPriorityBeforeNormalBeforeDeferred(t *testing.T) {
	wire := &fakeWire{}
	q := NewRequestQueueCollection(8, wire.send, WithSuspended())

	for _, cmd := range []string{CommandCodeCheck, "/findsymbols", CommandUpdateBuffer, CommandTypeLookup, CommandChangeBuffer} {
		r, _ := trackedRequest(cmd, nil)
		q.Enqueue(r)
	}
	if got := len(wire.sentRequests()); got != 0 {
		t.Fatalf("dispatched while suspended = %d, want 0", got)
	}

	q.Resume()
	got := wire.sentCommands()
	want := []string{CommandUpdateBuffer, CommandChangeBuffer, "/findsymbols", CommandCodeCheck, CommandTypeLookup}
	if len(got) != len(want) {
		t.Fatalf("dispatched = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dispatched = %v, want %v", got, want)
		}
	}
}

func TestQueueLimitsDeferredShare(t *testing.T) {
	wire := &fakeWire{}
	q := NewRequestQueueCollection(8, wire.send)

	for i := 0; i < 5; i++ {
		r, _ := trackedRequest(CommandCodeCheck, i)
		q.Enqueue(r)
	}
	if got := len(wire.sentRequests()); got != 2 {
		t.Fatalf("deferred dispatched = %d, want 2", got)
	}

	r, _ := trackedRequest("/findusages", nil)
	q.Enqueue(r)
	if r.ID() == 0 {
		t.Fatal("normal request not dispatched while deferred share is full")
	}

	q.SetMaxConcurrency(2)
	q.Dequeue(CommandCodeCheck, 1)
	if got := q.Stats().Active; got != 2 {
		t.Fatalf("active after shrinking cap = %d, want 2", got)
	}
}

func TestQueueClearRejectsEverything(t *testing.T) {
	wire := &fakeWire{}
	q := NewRequestQueueCollection(1, wire.send)

	active, activeOut := trackedRequest("A", nil)
	queued, queuedOut := trackedRequest("A", nil)
	q.Enqueue(active)
	q.Enqueue(queued)

	q.Clear(ErrServerStopped)

	if !errors.Is(activeOut.err, ErrServerStopped) {
		t.Fatalf("active error = %v, want %v", activeOut.err, ErrServerStopped)
	}
	if !errors.Is(queuedOut.err, ErrServerStopped) {
		t.Fatalf("queued error = %v, want %v", queuedOut.err, ErrServerStopped)
	}
	if !q.IsEmpty() {
		t.Fatal("IsEmpty() = false after Clear")
	}
	if got := q.Dequeue("A", active.ID()); got != nil {
		t.Fatal("Dequeue after Clear returned a request")
	}
}

func TestQueueSendFailureRejectsRequest(t *testing.T) {
	wire := &fakeWire{fail: ErrSessionClosed}
	q := NewRequestQueueCollection(2, wire.send)

	r, out := trackedRequest("A", nil)
	q.Enqueue(r)

	if !errors.Is(out.err, ErrSessionClosed) {
		t.Fatalf("error = %v, want %v", out.err, ErrSessionClosed)
	}
	if !q.IsEmpty() {
		t.Fatalf("Stats() = %+v, want empty", q.Stats())
	}
}

func TestQueuePostsEnqueueAndDequeueEvents(t *testing.T) {
	stream := NewEventStream()
	var got []EventType
	stream.Subscribe(func(ev Event) { got = append(got, ev.Type()) })

	wire := &fakeWire{}
	q := NewRequestQueueCollection(8, wire.send, WithQueueEvents(stream))
	r, _ := trackedRequest("A", nil)
	q.Enqueue(r)
	q.Dequeue("A", r.ID())

	want := []EventType{EventEnqueueRequest, EventProcessRequestStart, EventDequeueRequest, EventProcessRequestComplete}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

func TestClassifyCommand(t *testing.T) {
	tests := []struct {
		command string
		want    QueueClass
	}{
		{CommandUpdateBuffer, ClassPriority},
		{CommandFormatRange, ClassPriority},
		{CommandCodeStructure, ClassDeferred},
		{CommandGetCodeActions, ClassDeferred},
		{"/autocomplete", ClassNormal},
	}
	for _, tt := range tests {
		if got := ClassifyCommand(tt.command); got != tt.want {
			t.Fatalf("ClassifyCommand(%q) = %s, want %s", tt.command, got, tt.want)
		}
	}
}

// completeRandomActive answers one dispatched request that is still active.
func completeRandomActive(q *RequestQueueCollection, wire *fakeWire, rng *rand.Rand) {
	var active []*Request
	for _, r := range wire.sentRequests() {
		if r.state == requestActive {
			active = append(active, r)
		}
	}
	if len(active) == 0 {
		return
	}
	r := active[rng.Intn(len(active))]
	if got := q.Dequeue(r.Command, r.ID()); got != nil {
		got.resolve(nil)
	}
}
