package ppcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"ppcache/difficulty"
	"ppcache/dotosu"
)

var ErrNoActiveMap = errors.New("no active map")

type WorkerConfig struct {
	// Name shows up in logs to tell call sites apart.
	Name        string
	Loader      dotosu.Loader
	Calculator  difficulty.Calculator
	Coordinator *Coordinator
}

// Worker answers pp queries for the active map without ever blocking the
// caller. Misses are queued for a background goroutine and answered with
// Placeholder until the result lands in the cache.
//
// Every SetActiveMap starts a new generation with its own caches, queue
// and goroutine. The previous generation is cancelled and forgotten.
type Worker struct {
	name   string
	loader dotosu.Loader
	calc   difficulty.Calculator
	coord  *Coordinator

	mu  sync.Mutex // serializes generation swaps
	gen atomic.Pointer[generation]
	wg  sync.WaitGroup
}

type generation struct {
	ref    MapRef
	caches *Caches
	queue  *workQueue
	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	log    *logrus.Entry
}

func NewWorker(cfg WorkerConfig) *Worker {
	if cfg.Loader == nil {
		cfg.Loader = dotosu.DiskLoader{}
	}
	if cfg.Calculator == nil {
		cfg.Calculator = difficulty.Standard{}
	}
	if cfg.Coordinator == nil {
		cfg.Coordinator = &Coordinator{}
	}
	return &Worker{
		name:   cfg.Name,
		loader: cfg.Loader,
		calc:   cfg.Calculator,
		coord:  cfg.Coordinator,
	}
}

// SetActiveMap switches to ref, or to no map when ref is nil. Switching
// cancels the running generation and drops all three cache layers; setting
// the map that is already active is a no-op.
func (w *Worker) SetActiveMap(ref *MapRef) {
	w.mu.Lock()
	defer w.mu.Unlock()
	old := w.gen.Load()
	if ref != nil && old != nil && old.ref == *ref {
		return
	}
	if old != nil {
		old.cancel()
	}
	if ref == nil {
		w.gen.Store(nil)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &generation{
		ref:    *ref,
		caches: NewCaches(*ref, w.loader, w.calc),
		queue:  newWorkQueue(),
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		log:    logrus.WithFields(logrus.Fields{"worker": w.name, "map": ref.String()}),
	}
	w.gen.Store(g)
	g.log.Info("active map changed")

	w.wg.Add(1)
	run(func() {
		defer w.wg.Done()
		g.loop(w.coord)
	})
}

// ActiveMap returns the map being served, if any.
func (w *Worker) ActiveMap() (MapRef, bool) {
	if g := w.gen.Load(); g != nil {
		return g.ref, true
	}
	return MapRef{}, false
}

// Query returns the cached result for req or Placeholder. A miss queues req
// once; ignorePause lets it run while background work is paused. A request
// holding a NaN never equals itself and is not queued.
func (w *Worker) Query(req difficulty.ScoreRequest, ignorePause bool) Result {
	g := w.gen.Load()
	if g == nil || req.HasNaN() {
		return Placeholder
	}
	if r, ok := g.caches.Results.Lookup(req); ok {
		return r
	}
	if g.queue.push(req, ignorePause) {
		select {
		case g.wake <- struct{}{}:
		default:
		}
	}
	return Placeholder
}

// Pending is the number of queued requests for the active map.
func (w *Worker) Pending() int {
	if g := w.gen.Load(); g != nil {
		return g.queue.len()
	}
	return 0
}

// Caches exposes the active cache set, for callers that compute
// synchronously against the same map (see Resolver).
func (w *Worker) Caches() (*Caches, error) {
	if g := w.gen.Load(); g != nil {
		return g.caches, nil
	}
	return nil, ErrNoActiveMap
}

// Resolver returns a function computing req against the current generation,
// stopping early if that generation gets cancelled. Meant for LivePromise.
func (w *Worker) Resolver(req difficulty.ScoreRequest) func(context.Context) Result {
	g := w.gen.Load()
	return func(ctx context.Context) Result {
		if g == nil {
			return Placeholder
		}
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(g.ctx, cancel)
		defer stop()

		r, ok, err := g.caches.Resolve(ctx, req)
		if err != nil || !ok {
			return Placeholder
		}
		return r
	}
}

// Abort cancels in flight work and drops the active map together with its
// caches. Queries return Placeholder until the next SetActiveMap.
func (w *Worker) Abort() {
	w.SetActiveMap(nil)
}

// Close aborts and waits for every generation goroutine to exit.
func (w *Worker) Close() {
	w.Abort()
	w.wg.Wait()
}

func (g *generation) loop(coord *Coordinator) {
	defer g.log.Debug("worker stopped")
	for {
		item, state := g.queue.next(coord.ShouldPause)
		switch state {
		case queueEmpty:
			select {
			case <-g.ctx.Done():
				return
			case <-g.wake:
			}
			continue
		case queueBlocked:
			if err := coord.Sleep(g.ctx, g.wake); err != nil {
				return
			}
			continue
		}

		if _, ok := g.caches.Results.Lookup(item.req); ok {
			continue
		}
		_, ok, err := g.caches.Resolve(g.ctx, item.req)
		if g.ctx.Err() != nil {
			return
		}
		switch {
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			// a computation shared with a caller whose ctx ended
			g.queue.push(item.req, item.ignorePause)
		case err != nil || !ok:
			g.log.WithField("key", item.req).WithError(err).Debug("dropping request")
			g.queue.drop(item.req)
		}
	}
}
