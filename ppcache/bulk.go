package ppcache

import (
	"context"
	"runtime"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"ppcache/difficulty"
	"ppcache/dotosu"
)

type BulkOptions struct {
	Workers     int
	ChunkSize   int
	Loader      dotosu.Loader
	Calculator  difficulty.Calculator
	Coordinator *Coordinator
	// Progress, when set, is updated as maps finish.
	Progress *BulkProgress
}

type BulkProgress struct {
	Done   atomic.Int64
	Failed atomic.Int64
	Total  atomic.Int64
}

// StarResult is the nomod star rating of one map plus the timeline facts a
// song browser shows next to it.
type StarResult struct {
	Map        MapRef
	Attributes difficulty.AttributeEntry
	Timeline   *difficulty.TimelineEntry
}

// BulkStars computes nomod star ratings for maps in chunks, with at most
// Workers chunks in flight. A map that fails to load or derive is skipped;
// only cancellation ends the run early. onResult may be called concurrently.
func BulkStars(ctx context.Context, maps []MapRef, opts BulkOptions, onResult func(StarResult)) error {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 64
	}
	if opts.Loader == nil {
		opts.Loader = dotosu.DiskLoader{}
	}
	if opts.Calculator == nil {
		opts.Calculator = difficulty.Standard{}
	}
	progress := opts.Progress
	if progress == nil {
		progress = &BulkProgress{}
	}
	progress.Total.Add(int64(len(maps)))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for start := 0; start < len(maps); start += opts.ChunkSize {
		chunk := maps[start:min(start+opts.ChunkSize, len(maps))]
		g.Go(func() error {
			for _, ref := range chunk {
				if err := opts.Coordinator.Yield(ctx, false); err != nil {
					return err
				}
				res, ok, err := nomodStars(ctx, ref, opts.Loader, opts.Calculator)
				if err != nil {
					return err
				}
				progress.Done.Add(1)
				if !ok {
					progress.Failed.Add(1)
					continue
				}
				onResult(res)
			}
			return nil
		})
	}
	err := g.Wait()
	logrus.WithFields(logrus.Fields{
		"done":   progress.Done.Load(),
		"failed": progress.Failed.Load(),
		"total":  progress.Total.Load(),
	}).Info("bulk stars finished")
	return err
}

func nomodStars(ctx context.Context, ref MapRef, loader dotosu.Loader, calc difficulty.Calculator) (StarResult, bool, error) {
	caches := NewCaches(ref, loader, calc)
	bm, err := caches.Timelines.Primitives(ctx)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return StarResult{}, false, ctxErr
	}
	if err != nil {
		return StarResult{}, false, nil
	}
	d := bm.Difficulty
	key := difficulty.NomodKey(d.ApproachRate, d.CircleSize, d.OverallDifficulty)
	attrs, ok, err := caches.ResolveAttributes(ctx, key)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return StarResult{}, false, ctxErr
	}
	if err != nil || !ok {
		if err != nil {
			logrus.WithField("map", ref.String()).WithError(err).Warn("star rating failed")
		}
		return StarResult{}, false, nil
	}
	tl, _ := caches.Timelines.Lookup(key.TimelineKey)
	return StarResult{Map: ref, Attributes: attrs, Timeline: tl}, true, nil
}
