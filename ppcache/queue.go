package ppcache

import (
	"slices"
	"sync"

	"ppcache/difficulty"
)

type workItem struct {
	req         difficulty.ScoreRequest
	ignorePause bool
}

type queueState int

const (
	queueEmpty queueState = iota
	queueBlocked
	queueReady
)

// workQueue is two FIFOs: items that ignore the pause go first. A request
// is queued at most once; queuing it again with ignorePause promotes it.
// Requests whose map could not be resolved are remembered and refused.
type workQueue struct {
	mu      sync.Mutex
	high    []difficulty.ScoreRequest
	low     []difficulty.ScoreRequest
	queued  map[difficulty.ScoreRequest]bool
	dropped map[difficulty.ScoreRequest]struct{}
}

func newWorkQueue() *workQueue {
	return &workQueue{
		queued:  make(map[difficulty.ScoreRequest]bool),
		dropped: make(map[difficulty.ScoreRequest]struct{}),
	}
}

// push reports whether the queue changed.
func (q *workQueue) push(req difficulty.ScoreRequest, ignorePause bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.dropped[req]; ok {
		return false
	}
	high, ok := q.queued[req]
	switch {
	case !ok && ignorePause:
		q.high = append(q.high, req)
	case !ok:
		q.low = append(q.low, req)
	case ignorePause && !high:
		i := slices.Index(q.low, req)
		q.low = slices.Delete(q.low, i, i+1)
		q.high = append(q.high, req)
	default:
		return false
	}
	q.queued[req] = ignorePause
	return true
}

// next pops the head item. A low priority head stays queued while paused.
func (q *workQueue) next(paused func() bool) (workItem, queueState) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var item workItem
	switch {
	case len(q.high) > 0:
		item = workItem{req: q.high[0], ignorePause: true}
		q.high = q.high[1:]
	case len(q.low) > 0:
		if paused() {
			return item, queueBlocked
		}
		item = workItem{req: q.low[0]}
		q.low = q.low[1:]
	default:
		return item, queueEmpty
	}
	delete(q.queued, item.req)
	return item, queueReady
}

func (q *workQueue) drop(req difficulty.ScoreRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dropped[req] = struct{}{}
}

func (q *workQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.high) + len(q.low)
}
