package recalc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ppcache/difficulty"
	"ppcache/dotosu"
	"ppcache/internal/fixture"
	"ppcache/ppcache"
	"ppcache/store"
)

func TestMain(m *testing.M) {
	if os.Getenv("DEBUG_TESTS") == "" {
		logrus.SetLevel(logrus.WarnLevel)
	}
	os.Exit(m.Run())
}

type harness struct {
	store  *store.Store
	loader *fixture.MemLoader
	calc   *fixture.Counting
	maps   []store.MapRecord
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "scores.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return &harness{store: st, loader: fixture.NewMemLoader(), calc: fixture.NewCounting()}
}

func (h *harness) addMap(t *testing.T, m fixture.Map, stale bool) store.MapRecord {
	t.Helper()
	bm := m.Beatmap(t)
	path := m.Title + ".osu"
	h.loader.Add(path, bm)
	rec := recordOf(bm, path)
	require.NoError(t, h.store.UpsertMaps(context.Background(), rec))
	if !stale {
		require.NoError(t, h.store.UpdateMapDifficulty(context.Background(), rec.Checksum,
			store.MapDifficulty{Stars: 5, StarsVersion: difficulty.Version}))
	}
	h.maps = append(h.maps, rec)
	return rec
}

func recordOf(bm *dotosu.Beatmap, path string) store.MapRecord {
	return store.MapRecord{
		Checksum:  bm.Checksum,
		Path:      path,
		BeatmapID: bm.Metadata.BeatmapID,
		Title:     bm.Metadata.Title,
		AR:        bm.Difficulty.ApproachRate,
		CS:        bm.Difficulty.CircleSize,
		OD:        bm.Difficulty.OverallDifficulty,
		HP:        bm.Difficulty.HPDrainRate,
	}
}

func play(ts int64, checksum string, mods difficulty.ModFlags) store.ScoreRecord {
	return store.ScoreRecord{
		Timestamp:  ts,
		Checksum:   checksum,
		Player:     "tester",
		Mods:       mods,
		AROverride: -1,
		CSOverride: -1,
		ODOverride: -1,
		HPOverride: -1,
		MaxCombo:   40 + int(ts%20),
		Misses:     int(ts % 3),
		Judgements: difficulty.Judgements{N300: 40, N100: int(ts % 5), N50: int(ts % 2)},
	}
}

func (h *harness) engine() *Engine {
	return New(Options{Store: h.store, Loader: h.loader, Calculator: h.calc})
}

func TestGroupingBoundsComputations(t *testing.T) {
	h := newHarness(t)
	for i := range 3 {
		h.addMap(t, fixture.Map{Title: fmt.Sprint("map", i), BeatmapID: i + 1, Objects: 50, AR: 9, CS: 4, OD: 8, HP: 5}, false)
	}
	signatures := []difficulty.ModFlags{0, difficulty.DoubleTime, difficulty.HardRock, difficulty.HalfTime, difficulty.Easy}
	var scores []store.ScoreRecord
	for i := range 100 {
		scores = append(scores, play(int64(i+1), h.maps[i%3].Checksum, signatures[i%5]))
	}
	n, err := h.store.InsertScores(context.Background(), scores...)
	require.NoError(t, err)
	require.Equal(t, 100, n)

	summary, err := h.engine().Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 100, summary.ScoresUpdated)
	assert.Zero(t, summary.ScoresFailed)
	assert.Zero(t, summary.MapsUpdated)
	assert.Equal(t, 3, summary.Groups)
	assert.Equal(t, 15, summary.Signatures)
	assert.LessOrEqual(t, h.calc.TimelineCalls.Load(), int64(15))
	assert.LessOrEqual(t, h.calc.AttributeCalls.Load(), int64(15))
	assert.EqualValues(t, 15, summary.Timelines)
	assert.EqualValues(t, 3, h.loader.Loads.Load())

	h.store.ForEachScore(func(sc store.ScoreRecord) bool {
		assert.False(t, sc.PPStale(), "score %d", sc.Timestamp)
		assert.Positive(t, sc.Stars)
		return true
	})
}

func TestRateChangedScoresScenario(t *testing.T) {
	h := newHarness(t)
	rec := h.addMap(t, fixture.Map{Title: "m", BeatmapID: 1, Objects: 60, AR: 8, CS: 4, OD: 8, HP: 5}, true)

	normal := play(1, rec.Checksum, 0)
	normal.Speed, normal.AROverride = 1.0, 9
	fast := play(2, rec.Checksum, 0)
	fast.Speed, fast.AROverride = 1.5, 9
	_, err := h.store.InsertScores(context.Background(), normal, fast)
	require.NoError(t, err)

	engine := h.engine()
	summary, err := engine.Run(context.Background())
	require.NoError(t, err)

	assert.EqualValues(t, 3, h.calc.TimelineCalls.Load())
	assert.EqualValues(t, 3, h.calc.AttributeCalls.Load())
	assert.ElementsMatch(t, []difficulty.TimelineKey{
		{Speed: 1, AR: 8, CS: 4},
		{Speed: 1, AR: 9, CS: 4},
		{Speed: 1.5, AR: 9, CS: 4},
	}, h.calc.TimelineKeys)
	assert.EqualValues(t, 1, h.loader.Loads.Load())
	assert.Equal(t, 1, summary.MapsUpdated)
	assert.Equal(t, 2, summary.ScoresUpdated)

	m, err := h.store.Map(rec.Checksum)
	require.NoError(t, err)
	assert.False(t, m.StarsStale())
	assert.Positive(t, m.MaxCombo)
	// 48 circles, 12 sliders and the closing spinner
	assert.Equal(t, 61, m.Objects)
	assert.Equal(t, 12, m.Sliders)
	assert.Equal(t, 1, m.Spinners)

	slow, err := h.store.Score(1)
	require.NoError(t, err)
	quick, err := h.store.Score(2)
	require.NoError(t, err)
	assert.Greater(t, quick.Stars, slow.Stars)

	p := engine.Progress()
	assert.Equal(t, Progress{MapsDone: 1, MapsTotal: 1, ScoresDone: 2, ScoresTotal: 2}, p)
}

func TestNomodTimelineSharedWithMatchingSignature(t *testing.T) {
	h := newHarness(t)
	rec := h.addMap(t, fixture.Map{Title: "m", BeatmapID: 1, Objects: 60, AR: 9, CS: 4, OD: 8, HP: 5}, true)

	normal := play(1, rec.Checksum, 0)
	normal.Speed, normal.AROverride = 1.0, 9
	fast := play(2, rec.Checksum, 0)
	fast.Speed, fast.AROverride = 1.5, 9
	_, err := h.store.InsertScores(context.Background(), normal, fast)
	require.NoError(t, err)

	summary, err := h.engine().Run(context.Background())
	require.NoError(t, err)

	// the map's own rating and the speed 1.0 play select the same timeline
	assert.EqualValues(t, 2, h.calc.TimelineCalls.Load())
	assert.ElementsMatch(t, []difficulty.TimelineKey{
		{Speed: 1, AR: 9, CS: 4},
		{Speed: 1.5, AR: 9, CS: 4},
	}, h.calc.TimelineKeys)
	assert.EqualValues(t, 2, summary.Timelines)
	assert.Equal(t, 1, summary.MapsUpdated)
	assert.Equal(t, 2, summary.ScoresUpdated)
}

func TestFailuresStayLocal(t *testing.T) {
	h := newHarness(t)
	good := h.addMap(t, fixture.Map{Title: "good", BeatmapID: 1, Objects: 30, AR: 9, CS: 4, OD: 8, HP: 5}, true)
	broken := store.MapRecord{Checksum: "00broken", Path: "missing.osu", AR: 9, CS: 4, OD: 8, HP: 5}
	require.NoError(t, h.store.UpsertMaps(context.Background(), broken))

	_, err := h.store.InsertScores(context.Background(),
		play(1, good.Checksum, difficulty.Hidden),
		play(2, broken.Checksum, 0),
		play(3, "deleted-map", 0),
	)
	require.NoError(t, err)

	summary, err := h.engine().Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Orphaned)
	assert.Equal(t, 1, summary.MapsFailed)
	assert.Equal(t, 1, summary.ScoresFailed)
	assert.Equal(t, 1, summary.MapsUpdated)
	assert.Equal(t, 1, summary.ScoresUpdated)

	orphan, err := h.store.Score(3)
	require.NoError(t, err)
	assert.True(t, orphan.PPStale())

	// a second run only finds what could not be fixed
	again, err := h.engine().Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, again.Groups)
	assert.Zero(t, again.MapsUpdated)
	assert.Zero(t, again.ScoresUpdated)
}

func TestCancelWhilePaused(t *testing.T) {
	h := newHarness(t)
	h.addMap(t, fixture.Map{Title: "m", BeatmapID: 1, Objects: 30, AR: 9, CS: 4, OD: 8, HP: 5}, true)
	pause := &ppcache.PauseFlag{}
	pause.Set(true)
	engine := New(Options{
		Store:       h.store,
		Loader:      h.loader,
		Calculator:  h.calc,
		Coordinator: &ppcache.Coordinator{Paused: pause.Paused},
	})

	require.NoError(t, engine.Start(context.Background()))
	assert.ErrorIs(t, engine.Start(context.Background()), ErrAlreadyStarted)
	engine.Cancel()

	summary, err := engine.Wait()
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, summary.Cancelled)
	assert.Zero(t, summary.MapsUpdated)
	assert.Zero(t, h.calc.TimelineCalls.Load())

	m, err := h.store.Map(h.maps[0].Checksum)
	require.NoError(t, err)
	assert.True(t, m.StarsStale())
}

func TestPauseBetweenSignatures(t *testing.T) {
	h := newHarness(t)
	rec := h.addMap(t, fixture.Map{Title: "m", BeatmapID: 1, Objects: 30, AR: 9, CS: 4, OD: 8, HP: 5}, false)
	_, err := h.store.InsertScores(context.Background(),
		play(1, rec.Checksum, 0),
		play(2, rec.Checksum, 0),
		play(3, rec.Checksum, difficulty.DoubleTime),
		play(4, rec.Checksum, difficulty.DoubleTime),
		play(5, rec.Checksum, difficulty.HalfTime),
	)
	require.NoError(t, err)

	pause := &ppcache.PauseFlag{}
	// pausing during the first signature lets it finish and holds the next
	h.calc.OnTimeline = func(difficulty.TimelineKey) { pause.Set(true) }
	engine := New(Options{
		Store:       h.store,
		Loader:      h.loader,
		Calculator:  h.calc,
		Coordinator: &ppcache.Coordinator{Paused: pause.Paused, Backoff: time.Millisecond},
	})
	require.NoError(t, engine.Start(context.Background()))
	require.Eventually(t, func() bool { return engine.Progress().ScoresDone == 2 }, 5*time.Second, 5*time.Millisecond)
	engine.Cancel()

	summary, err := engine.Wait()
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, summary.Cancelled)
	assert.Equal(t, 2, summary.ScoresUpdated)
	assert.EqualValues(t, 1, h.calc.TimelineCalls.Load())

	for ts := int64(1); ts <= 5; ts++ {
		sc, err := h.store.Score(ts)
		require.NoError(t, err)
		assert.Equal(t, ts > 2, sc.PPStale(), "score %d", ts)
	}
}
