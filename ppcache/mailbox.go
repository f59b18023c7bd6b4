package ppcache

import (
	"context"
	"sync"
	"sync/atomic"
)

// Mailbox holds at most one value. Put replaces whatever is still waiting,
// so a reader only ever sees the latest value.
type Mailbox[T any] struct {
	mu    sync.Mutex
	value T
	full  bool
	ready chan struct{}
}

func NewMailbox[T any]() *Mailbox[T] {
	return &Mailbox[T]{ready: make(chan struct{}, 1)}
}

// Put stores v and reports whether an unread value was discarded.
func (m *Mailbox[T]) Put(v T) (replaced bool) {
	m.mu.Lock()
	replaced = m.full
	m.value, m.full = v, true
	m.mu.Unlock()
	select {
	case m.ready <- struct{}{}:
	default:
	}
	return replaced
}

func (m *Mailbox[T]) TryTake() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.value, m.full
	var zero T
	m.value, m.full = zero, false
	return v, ok
}

// Take waits for a value.
func (m *Mailbox[T]) Take(ctx context.Context) (T, error) {
	for {
		if v, ok := m.TryTake(); ok {
			return v, nil
		}
		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-m.ready:
		}
	}
}

// LivePromise runs the most recently submitted computation on a background
// goroutine. Submissions that arrive while one is running replace each
// other; only the last one runs next. Used for the live HUD pp.
type LivePromise struct {
	box    *Mailbox[func(context.Context) Result]
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	latest Result

	Computed  atomic.Int64
	Discarded atomic.Int64
}

func NewLivePromise() *LivePromise {
	ctx, cancel := context.WithCancel(context.Background())
	p := &LivePromise{
		box:    NewMailbox[func(context.Context) Result](),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		latest: Placeholder,
	}
	run(p.loop)
	return p
}

func (p *LivePromise) Submit(fn func(context.Context) Result) {
	if p.box.Put(fn) {
		p.Discarded.Add(1)
	}
}

// Latest is the last finished result, Placeholder before the first one.
func (p *LivePromise) Latest() Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest
}

func (p *LivePromise) Close() {
	p.cancel()
	<-p.done
}

func (p *LivePromise) loop() {
	defer close(p.done)
	for {
		fn, err := p.box.Take(p.ctx)
		if err != nil {
			return
		}
		r := fn(p.ctx)
		if p.ctx.Err() != nil {
			return
		}
		p.Computed.Add(1)
		if r.Pending() {
			continue
		}
		p.mu.Lock()
		p.latest = r
		p.mu.Unlock()
	}
}
