package ppcache

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"ppcache/difficulty"
	"ppcache/dotosu"
)

// MapRef identifies the beatmap a cache set serves.
type MapRef struct {
	Checksum string
	Path     string
}

func (r MapRef) String() string {
	if r.Checksum == "" {
		return r.Path
	}
	return r.Checksum
}

// Result is what a query hands back. Placeholder means not computed yet.
type Result struct {
	Stars float64
	PP    float64
}

var Placeholder = Result{Stars: -1, PP: -1}

func (r Result) Pending() bool { return r == Placeholder }

type loadResult struct {
	beatmap *dotosu.Beatmap
	err     error
}

// TimelineCache derives and keeps object timelines for one map. Primitives
// are loaded at most once; a load or derivation failure is cached as a
// failed entry and never retried.
type TimelineCache struct {
	ref    MapRef
	loader dotosu.Loader
	calc   difficulty.Calculator

	primitives *layer[struct{}, loadResult]
	entries    *layer[difficulty.TimelineKey, *difficulty.TimelineEntry]
}

func newTimelineCache(ref MapRef, loader dotosu.Loader, calc difficulty.Calculator) *TimelineCache {
	return &TimelineCache{
		ref:        ref,
		loader:     loader,
		calc:       calc,
		primitives: newLayer[struct{}, loadResult]("primitives"),
		entries:    newLayer[difficulty.TimelineKey, *difficulty.TimelineEntry]("timeline"),
	}
}

// Primitives returns the parsed beatmap. A cancelled load is not remembered.
func (c *TimelineCache) Primitives(ctx context.Context) (*dotosu.Beatmap, error) {
	res, err := c.primitives.getOrCreate(ctx, struct{}{}, func(ctx context.Context) (loadResult, error) {
		bm, err := c.loader.Load(ctx, c.ref.Path)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return loadResult{}, ctxErr
			}
			logrus.WithField("map", c.ref).WithError(err).Warn("cannot load beatmap")
			return loadResult{err: fmt.Errorf("load %s: %w", c.ref, err)}, nil
		}
		return loadResult{beatmap: bm}, nil
	})
	if err != nil {
		return nil, err
	}
	return res.beatmap, res.err
}

func (c *TimelineCache) Lookup(key difficulty.TimelineKey) (*difficulty.TimelineEntry, bool) {
	return c.entries.lookup(key)
}

// GetOrCreate returns the timeline for key, deriving it on first use. The
// returned error is only ever a cancellation; failures come back as an
// entry with Err set.
func (c *TimelineCache) GetOrCreate(ctx context.Context, key difficulty.TimelineKey) (*difficulty.TimelineEntry, error) {
	return c.entries.getOrCreate(ctx, key, func(ctx context.Context) (*difficulty.TimelineEntry, error) {
		bm, err := c.Primitives(ctx)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if err != nil {
			return &difficulty.TimelineEntry{Key: key, Err: err}, nil
		}
		if err := Checkpoint(ctx); err != nil {
			return nil, err
		}
		tl, err := c.calc.Timeline(ctx, bm, key)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			logrus.WithFields(logrus.Fields{"map": c.ref, "key": key}).WithError(err).Warn("timeline failed")
			return &difficulty.TimelineEntry{Key: key, Err: err}, nil
		}
		return tl, nil
	})
}

func (c *TimelineCache) Len() int { return c.entries.len() }

// Computed counts timeline derivations started, cancelled ones included.
func (c *TimelineCache) Computed() int64 { return c.entries.computed.Load() }

// AttributeCache keeps difficulty attributes per AttributeKey. The strain
// scratch buffer lives in a one slot channel: a computation takes it out
// and puts it back, so it is never shared.
type AttributeCache struct {
	calc    difficulty.Calculator
	scratch chan *difficulty.Scratch
	entries *layer[difficulty.AttributeKey, difficulty.AttributeEntry]
}

func newAttributeCache(calc difficulty.Calculator) *AttributeCache {
	c := &AttributeCache{
		calc:    calc,
		scratch: make(chan *difficulty.Scratch, 1),
		entries: newLayer[difficulty.AttributeKey, difficulty.AttributeEntry]("attributes"),
	}
	c.scratch <- difficulty.NewScratch()
	return c
}

func (c *AttributeCache) Lookup(key difficulty.AttributeKey) (difficulty.AttributeEntry, bool) {
	return c.entries.lookup(key)
}

// GetOrCreate computes attributes from tl, which must be the healthy
// timeline for key.TimelineKey.
func (c *AttributeCache) GetOrCreate(ctx context.Context, key difficulty.AttributeKey, tl *difficulty.TimelineEntry) (difficulty.AttributeEntry, error) {
	if tl == nil || tl.Key != key.TimelineKey {
		PanicF("attributes %v built on timeline %v", key, tl)
	}
	if tl.Failed() {
		PanicF("attributes %v built on failed timeline: %v", key, tl.Err)
	}
	return c.entries.getOrCreate(ctx, key, func(ctx context.Context) (difficulty.AttributeEntry, error) {
		var scratch *difficulty.Scratch
		select {
		case scratch = <-c.scratch:
		case <-ctx.Done():
			return difficulty.AttributeEntry{}, ctx.Err()
		}
		attrs, scratch, err := c.calc.Attributes(ctx, tl, key, scratch)
		if scratch == nil {
			scratch = difficulty.NewScratch()
		}
		c.scratch <- scratch
		return attrs, err
	})
}

func (c *AttributeCache) Len() int        { return c.entries.len() }
func (c *AttributeCache) Computed() int64 { return c.entries.computed.Load() }

// ResultCache holds one Result per ScoreRequest. Entries are never replaced.
type ResultCache struct {
	calc    difficulty.Calculator
	entries *layer[difficulty.ScoreRequest, Result]
}

func newResultCache(calc difficulty.Calculator) *ResultCache {
	return &ResultCache{
		calc:    calc,
		entries: newLayer[difficulty.ScoreRequest, Result]("results"),
	}
}

func (c *ResultCache) Lookup(req difficulty.ScoreRequest) (Result, bool) {
	return c.entries.lookup(req)
}

func (c *ResultCache) GetOrCreate(ctx context.Context, req difficulty.ScoreRequest, attrs difficulty.AttributeEntry) (Result, error) {
	if attrs.Key != req.AttributeKey {
		PanicF("result %v built on attributes %v", req, attrs.Key)
	}
	return c.entries.getOrCreate(ctx, req, func(context.Context) (Result, error) {
		return Result{
			Stars: attrs.TotalStars,
			PP:    c.calc.Performance(attrs, req),
		}, nil
	})
}

func (c *ResultCache) Len() int        { return c.entries.len() }
func (c *ResultCache) Computed() int64 { return c.entries.computed.Load() }

// Caches is the full cache set for one map: timelines, attributes and
// results, always resolved in that order.
type Caches struct {
	Map        MapRef
	Timelines  *TimelineCache
	Attributes *AttributeCache
	Results    *ResultCache
}

func NewCaches(ref MapRef, loader dotosu.Loader, calc difficulty.Calculator) *Caches {
	if calc == nil {
		calc = difficulty.Standard{}
	}
	return &Caches{
		Map:        ref,
		Timelines:  newTimelineCache(ref, loader, calc),
		Attributes: newAttributeCache(calc),
		Results:    newResultCache(calc),
	}
}

// NewPreloadedCaches builds a cache set around an already parsed beatmap.
func NewPreloadedCaches(ref MapRef, beatmap *dotosu.Beatmap, calc difficulty.Calculator) *Caches {
	loader := dotosu.LoaderFunc(func(context.Context, string) (*dotosu.Beatmap, error) {
		return beatmap, nil
	})
	return NewCaches(ref, loader, calc)
}

// ResolveAttributes walks timeline then attributes for key. ok is false when
// the timeline failed or key holds a NaN and can never be cached. err is a
// cancellation or an error from the calculator's attribute pass.
func (c *Caches) ResolveAttributes(ctx context.Context, key difficulty.AttributeKey) (attrs difficulty.AttributeEntry, ok bool, err error) {
	if key.HasNaN() {
		return attrs, false, nil
	}
	if attrs, ok := c.Attributes.Lookup(key); ok {
		return attrs, true, nil
	}
	tl, err := c.Timelines.GetOrCreate(ctx, key.TimelineKey)
	if err != nil {
		return attrs, false, err
	}
	if tl.Failed() {
		return attrs, false, nil
	}
	if err := Checkpoint(ctx); err != nil {
		return attrs, false, err
	}
	attrs, err = c.Attributes.GetOrCreate(ctx, key, tl)
	if err != nil {
		return attrs, false, err
	}
	if err := Checkpoint(ctx); err != nil {
		return attrs, false, err
	}
	return attrs, true, nil
}

// Resolve answers req through all three layers, computing what is missing.
func (c *Caches) Resolve(ctx context.Context, req difficulty.ScoreRequest) (Result, bool, error) {
	if req.HasNaN() {
		return Placeholder, false, nil
	}
	if r, ok := c.Results.Lookup(req); ok {
		return r, true, nil
	}
	attrs, ok, err := c.ResolveAttributes(ctx, req.AttributeKey)
	if err != nil || !ok {
		return Placeholder, false, err
	}
	r, err := c.Results.GetOrCreate(ctx, req, attrs)
	if err != nil {
		return Placeholder, false, err
	}
	return r, true, nil
}

type CacheStats struct {
	Timelines  int64
	Attributes int64
	Results    int64
}

// Stats reports how many computations each layer has started.
func (c *Caches) Stats() CacheStats {
	return CacheStats{
		Timelines:  c.Timelines.Computed(),
		Attributes: c.Attributes.Computed(),
		Results:    c.Results.Computed(),
	}
}
