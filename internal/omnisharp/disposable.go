package omnisharp

import "sync"

// Disposable releases a subscription or resource. Dispose is idempotent.
type Disposable interface {
	Dispose()
}

type disposeFunc struct {
	once sync.Once
	fn   func()
}

// NewDisposable wraps fn so that it runs at most once.
func NewDisposable(fn func()) Disposable {
	return &disposeFunc{fn: fn}
}

func (d *disposeFunc) Dispose() {
	d.once.Do(func() {
		if d.fn != nil {
			d.fn()
		}
	})
}

// CompositeDisposable disposes a group of disposables together.
// Anything added after Dispose is disposed immediately.
type CompositeDisposable struct {
	mu       sync.Mutex
	items    []Disposable
	disposed bool
}

// NewCompositeDisposable returns a group holding items.
func NewCompositeDisposable(items ...Disposable) *CompositeDisposable {
	c := &CompositeDisposable{}
	for _, d := range items {
		c.Add(d)
	}
	return c
}

// Add registers d with the group.
func (c *CompositeDisposable) Add(d Disposable) {
	if d == nil {
		return
	}
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		d.Dispose()
		return
	}
	c.items = append(c.items, d)
	c.mu.Unlock()
}

// Dispose disposes every member in the order they were added.
func (c *CompositeDisposable) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	items := c.items
	c.items = nil
	c.mu.Unlock()

	for _, d := range items {
		d.Dispose()
	}
}
