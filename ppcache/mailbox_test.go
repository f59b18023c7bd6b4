package ppcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ppcache/difficulty"
	"ppcache/internal/fixture"
)

func TestMailboxKeepsLatest(t *testing.T) {
	box := NewMailbox[int]()
	_, ok := box.TryTake()
	assert.False(t, ok)

	assert.False(t, box.Put(1))
	assert.True(t, box.Put(2))
	assert.True(t, box.Put(3))

	v, ok := box.TryTake()
	require.True(t, ok)
	assert.Equal(t, 3, v)
	_, ok = box.TryTake()
	assert.False(t, ok)
}

func TestMailboxTakeWaits(t *testing.T) {
	box := NewMailbox[string]()
	go func() {
		time.Sleep(10 * time.Millisecond)
		box.Put("late")
	}()
	v, err := box.Take(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "late", v)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = box.Take(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLivePromiseRunsOnlyLatest(t *testing.T) {
	p := NewLivePromise()
	defer p.Close()
	assert.True(t, p.Latest().Pending())

	release := make(chan struct{})
	started := make(chan struct{})
	p.Submit(func(context.Context) Result {
		close(started)
		<-release
		return Result{Stars: 1, PP: 1}
	})
	<-started

	// queued behind the running one; only the last survives
	for i := 2; i <= 5; i++ {
		p.Submit(func(context.Context) Result { return Result{Stars: float64(i), PP: float64(i)} })
	}
	close(release)

	require.Eventually(t, func() bool { return p.Latest().PP == 5 }, timeout, tick)
	assert.EqualValues(t, 2, p.Computed.Load())
	assert.EqualValues(t, 3, p.Discarded.Load())
}

func TestLivePromiseWithWorkerResolver(t *testing.T) {
	h := newWorkerHarness(t)
	h.worker.SetActiveMap(&h.refA)
	p := NewLivePromise()
	defer p.Close()

	req := fixture.Request(h.a, difficulty.Hidden)
	p.Submit(h.worker.Resolver(req))
	require.Eventually(t, func() bool { return !p.Latest().Pending() }, timeout, tick)

	// the live computation fills the shared caches
	assert.Equal(t, p.Latest(), h.worker.Query(req, false))
}
