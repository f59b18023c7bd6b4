package ppcache

import (
	"context"
	"sync/atomic"
	"time"
)

const DefaultBackoff = 50 * time.Millisecond

// PauseFlag is a level-triggered pause switch for foreground code to flip.
type PauseFlag struct{ paused atomic.Bool }

func (f *PauseFlag) Set(paused bool) { f.paused.Store(paused) }
func (f *PauseFlag) Paused() bool    { return f.paused.Load() }

// Coordinator tells background work when to back off. Cancellation is not
// its job: that travels in the context handed to every blocking call.
type Coordinator struct {
	// Paused reports whether foreground work wants the CPU right now. Nil
	// means never paused.
	Paused  func() bool
	Backoff time.Duration
}

func (c *Coordinator) ShouldPause() bool {
	return c != nil && c.Paused != nil && c.Paused()
}

func (c *Coordinator) backoff() time.Duration {
	if c == nil || c.Backoff <= 0 {
		return DefaultBackoff
	}
	return c.Backoff
}

// Yield waits out a pause, polling every Backoff, then checks ctx. With
// ignorePause it only checks ctx.
func (c *Coordinator) Yield(ctx context.Context, ignorePause bool) error {
	for !ignorePause && c.ShouldPause() {
		if err := c.Sleep(ctx, nil); err != nil {
			return err
		}
	}
	return Checkpoint(ctx)
}

// Sleep waits one backoff interval. It returns early, without error, when
// wake fires, and with ctx.Err() when ctx is done.
func (c *Coordinator) Sleep(ctx context.Context, wake <-chan struct{}) error {
	t := time.NewTimer(c.backoff())
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-wake:
		return nil
	case <-t.C:
		return nil
	}
}

// Checkpoint is the single cancellation check used at every stage boundary:
// after loading primitives, after a timeline, after attributes.
func Checkpoint(ctx context.Context) error {
	return ctx.Err()
}
