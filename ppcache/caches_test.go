package ppcache

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ppcache/difficulty"
	"ppcache/dotosu"
	"ppcache/internal/fixture"
)

var testMap = fixture.Map{Title: "stream", BeatmapID: 11, Objects: 60, AR: 9, CS: 4, OD: 8, HP: 5}

func newTestCaches(t *testing.T) (*Caches, *fixture.Counting, *fixture.MemLoader, *dotosu.Beatmap) {
	t.Helper()
	bm := testMap.Beatmap(t)
	loader := fixture.NewMemLoader()
	loader.Add("stream.osu", bm)
	calc := fixture.NewCounting()
	return NewCaches(MapRef{Checksum: bm.Checksum, Path: "stream.osu"}, loader, calc), calc, loader, bm
}

func TestTimelineCacheComputesOnce(t *testing.T) {
	caches, calc, loader, bm := newTestCaches(t)
	key := fixture.Request(bm, 0).TimelineKey

	var wg sync.WaitGroup
	entries := make([]*difficulty.TimelineEntry, 16)
	for i := range entries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tl, err := caches.Timelines.GetOrCreate(context.Background(), key)
			assert.NoError(t, err)
			entries[i] = tl
		}()
	}
	wg.Wait()

	for _, tl := range entries {
		assert.Same(t, entries[0], tl)
	}
	assert.False(t, entries[0].Failed())
	assert.Equal(t, key, entries[0].Key)
	assert.EqualValues(t, 1, calc.TimelineCalls.Load())
	assert.EqualValues(t, 1, loader.Loads.Load())
	assert.Equal(t, 1, caches.Timelines.Len())
}

func TestPrimitivesLoadedOncePerMap(t *testing.T) {
	caches, calc, loader, bm := newTestCaches(t)
	ctx := context.Background()
	for _, mods := range []difficulty.ModFlags{0, difficulty.DoubleTime, difficulty.HardRock} {
		_, err := caches.Timelines.GetOrCreate(ctx, fixture.Request(bm, mods).TimelineKey)
		require.NoError(t, err)
	}
	assert.EqualValues(t, 3, calc.TimelineCalls.Load())
	assert.EqualValues(t, 1, loader.Loads.Load())
}

func TestFailedLoadIsCachedAsFailure(t *testing.T) {
	loader := fixture.NewMemLoader()
	calc := fixture.NewCounting()
	caches := NewCaches(MapRef{Path: "missing.osu"}, loader, calc)
	key := difficulty.NomodKey(9, 4, 8)

	for range 3 {
		tl, err := caches.Timelines.GetOrCreate(context.Background(), key.TimelineKey)
		require.NoError(t, err)
		require.True(t, tl.Failed())
		assert.ErrorIs(t, tl.Err, dotosu.ErrNotFound)
	}
	assert.EqualValues(t, 1, loader.Loads.Load())
	assert.Zero(t, calc.TimelineCalls.Load())

	_, ok, err := caches.ResolveAttributes(context.Background(), key)
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, calc.AttributeCalls.Load())
	assert.Equal(t, 0, caches.Attributes.Len())
}

func TestMalformedTimelineIsCachedAsFailure(t *testing.T) {
	loader := fixture.NewMemLoader()
	loader.Add("empty.osu", &dotosu.Beatmap{Difficulty: dotosu.Difficulty{ApproachRate: 5, CircleSize: 5}})
	calc := fixture.NewCounting()
	caches := NewCaches(MapRef{Path: "empty.osu"}, loader, calc)
	req := difficulty.ScoreRequest{AttributeKey: difficulty.NomodKey(5, 5, 5)}

	r, ok, err := caches.Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, r.Pending())

	_, _, err = caches.Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.EqualValues(t, 1, calc.TimelineCalls.Load())
	tl, found := caches.Timelines.Lookup(req.TimelineKey)
	require.True(t, found)
	assert.ErrorIs(t, tl.Err, difficulty.ErrEmptyBeatmap)
}

func TestCancelledComputationIsNotCached(t *testing.T) {
	caches, calc, _, bm := newTestCaches(t)
	calc.Gate = make(chan struct{})
	key := fixture.Request(bm, 0).TimelineKey

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := caches.Timelines.GetOrCreate(ctx, key)
		done <- err
	}()
	require.Eventually(t, func() bool { return calc.TimelineCalls.Load() == 1 }, timeout, tick)
	cancel()
	err := <-done
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, caches.Timelines.Len())

	close(calc.Gate)
	tl, err := caches.Timelines.GetOrCreate(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, tl.Failed())
	assert.EqualValues(t, 2, calc.TimelineCalls.Load())
}

func TestResolveLayering(t *testing.T) {
	caches, calc, _, bm := newTestCaches(t)
	ctx := context.Background()
	req := fixture.Request(bm, difficulty.Hidden)

	r, ok, err := caches.Resolve(ctx, req)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Greater(t, r.Stars, 0.0)
	assert.Greater(t, r.PP, 0.0)

	_, ok = caches.Timelines.Lookup(req.TimelineKey)
	assert.True(t, ok)
	attrs, ok := caches.Attributes.Lookup(req.AttributeKey)
	require.True(t, ok)
	assert.Equal(t, r.Stars, attrs.TotalStars)

	// same attributes, different play
	worse := req
	worse.Misses = 3
	worse.MaxCombo /= 2
	worse.Judgements.N300 -= 3
	r2, ok, err := caches.Resolve(ctx, worse)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, r.Stars, r2.Stars)
	assert.Less(t, r2.PP, r.PP)

	again, ok, err := caches.Resolve(ctx, req)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, r, again)

	assert.EqualValues(t, 1, calc.TimelineCalls.Load())
	assert.EqualValues(t, 1, calc.AttributeCalls.Load())
	assert.EqualValues(t, 2, calc.PerformanceCalls.Load())
	assert.Equal(t, CacheStats{Timelines: 1, Attributes: 1, Results: 2}, caches.Stats())
}

func TestAttributeCacheRejectsForeignTimeline(t *testing.T) {
	caches, _, _, bm := newTestCaches(t)
	ctx := context.Background()
	nomod := fixture.Request(bm, 0).AttributeKey
	dt := fixture.Request(bm, difficulty.DoubleTime).AttributeKey

	tl, err := caches.Timelines.GetOrCreate(ctx, nomod.TimelineKey)
	require.NoError(t, err)
	assert.Panics(t, func() { _, _ = caches.Attributes.GetOrCreate(ctx, dt, tl) })
	assert.Panics(t, func() {
		_, _ = caches.Attributes.GetOrCreate(ctx, nomod, &difficulty.TimelineEntry{Key: nomod.TimelineKey, Err: errors.New("bad")})
	})
}

func TestLayerPanicsOnDuplicateInsert(t *testing.T) {
	l := newLayer[int, string]("test")
	l.insert(1, "a")
	assert.Panics(t, func() { l.insert(1, "b") })
	v, ok := l.lookup(1)
	assert.True(t, ok)
	assert.Equal(t, "a", v)
}

func TestPlaceholder(t *testing.T) {
	assert.True(t, Placeholder.Pending())
	assert.False(t, Result{Stars: 0, PP: 0}.Pending())
}

func TestNonFiniteSelectorsFailLocally(t *testing.T) {
	caches, calc, _, bm := newTestCaches(t)
	ctx := context.Background()

	nan := fixture.Request(bm, 0)
	nan.OD = math.NaN()
	r, ok, err := caches.Resolve(ctx, nan)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, r.Pending())
	assert.Zero(t, caches.Results.Len())

	// an infinite selector equals itself, so its failure is cached once
	inf := difficulty.NomodKey(math.Inf(1), 4, 8)
	for range 2 {
		_, ok, err = caches.ResolveAttributes(ctx, inf)
		require.NoError(t, err)
		assert.False(t, ok)
	}
	tl, found := caches.Timelines.Lookup(inf.TimelineKey)
	require.True(t, found)
	assert.ErrorIs(t, tl.Err, difficulty.ErrInvalidKey)
	assert.EqualValues(t, 1, calc.TimelineCalls.Load())
	assert.Zero(t, calc.AttributeCalls.Load())
}
