// Package recalc brings stored star ratings and pp values up to the current
// difficulty.Version.
package recalc

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"ppcache/difficulty"
	"ppcache/dotosu"
	"ppcache/ppcache"
	"ppcache/store"
)

var ErrAlreadyStarted = errors.New("recalculation already started")

type Options struct {
	Store       *store.Store
	Loader      dotosu.Loader
	Calculator  difficulty.Calculator
	Coordinator *ppcache.Coordinator
}

// Progress is advisory, for progress bars.
type Progress struct {
	MapsDone    int64
	MapsTotal   int64
	ScoresDone  int64
	ScoresTotal int64
}

type Summary struct {
	RunID    string        `yaml:"run_id"`
	Version  int           `yaml:"version"`
	Started  time.Time     `yaml:"started"`
	Duration time.Duration `yaml:"duration"`

	MapsUpdated   int `yaml:"maps_updated"`
	MapsFailed    int `yaml:"maps_failed"`
	ScoresUpdated int `yaml:"scores_updated"`
	ScoresFailed  int `yaml:"scores_failed"`
	// scores whose map is not in the store
	Orphaned int `yaml:"orphaned"`

	Groups     int   `yaml:"groups"`
	Signatures int   `yaml:"signatures"`
	Timelines  int64 `yaml:"timelines_computed"`
	Attributes int64 `yaml:"attributes_computed"`

	Cancelled bool `yaml:"cancelled"`
}

// Engine runs one recalculation on its own goroutine. Work is grouped by
// map, then by modifier signature, so each distinct timeline and attribute
// set is computed once no matter how many scores share it.
type Engine struct {
	opts Options
	log  *logrus.Entry

	mapsDone    atomic.Int64
	mapsTotal   atomic.Int64
	scoresDone  atomic.Int64
	scoresTotal atomic.Int64

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	summary Summary
	err     error
}

func New(opts Options) *Engine {
	if opts.Loader == nil {
		opts.Loader = dotosu.DiskLoader{}
	}
	if opts.Calculator == nil {
		opts.Calculator = difficulty.Standard{}
	}
	if opts.Coordinator == nil {
		opts.Coordinator = &ppcache.Coordinator{}
	}
	runID := uuid.NewString()
	return &Engine{
		opts:    opts,
		log:     logrus.WithField("run", runID),
		done:    make(chan struct{}),
		summary: Summary{RunID: runID, Version: difficulty.Version},
	}
}

// Start launches the run and returns immediately. The store scan happens on
// the engine goroutine too.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return ErrAlreadyStarted
	}
	e.started = true
	ctx, e.cancel = context.WithCancel(ctx)
	go func() {
		defer close(e.done)
		defer e.cancel()
		summary, err := e.run(ctx)
		e.mu.Lock()
		e.summary, e.err = summary, err
		e.mu.Unlock()
	}()
	return nil
}

// Wait blocks until the run ends. A cancelled run returns its partial
// summary along with the context error.
func (e *Engine) Wait() (Summary, error) {
	<-e.done
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.summary, e.err
}

func (e *Engine) Run(ctx context.Context) (Summary, error) {
	if err := e.Start(ctx); err != nil {
		return Summary{}, err
	}
	return e.Wait()
}

func (e *Engine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) Progress() Progress {
	return Progress{
		MapsDone:    e.mapsDone.Load(),
		MapsTotal:   e.mapsTotal.Load(),
		ScoresDone:  e.scoresDone.Load(),
		ScoresTotal: e.scoresTotal.Load(),
	}
}

// group is everything stale about one map.
type group struct {
	record   store.MapRecord
	mapStale bool
	scores   []store.ScoreRecord
}

func (e *Engine) run(ctx context.Context) (summary Summary, err error) {
	summary = e.summary
	summary.Started = time.Now()
	defer func() { summary.Duration = time.Since(summary.Started) }()

	groups, orphaned := e.scan()
	summary.Groups = len(groups)
	summary.Orphaned = orphaned
	e.log.WithFields(logrus.Fields{
		"groups":   len(groups),
		"maps":     e.mapsTotal.Load(),
		"scores":   e.scoresTotal.Load(),
		"orphaned": orphaned,
	}).Info("recalculation started")

	for _, g := range groups {
		if err := e.opts.Coordinator.Yield(ctx, false); err != nil {
			summary.Cancelled = true
			e.log.Info("recalculation cancelled")
			return summary, err
		}
		if err := e.processGroup(ctx, g, &summary); err != nil {
			summary.Cancelled = true
			e.log.Info("recalculation cancelled")
			return summary, err
		}
	}

	e.log.WithFields(logrus.Fields{
		"maps_updated":   summary.MapsUpdated,
		"scores_updated": summary.ScoresUpdated,
		"failed":         summary.MapsFailed + summary.ScoresFailed,
		"timelines":      summary.Timelines,
	}).Info("recalculation finished")
	return summary, nil
}

// scan builds one group per map that has anything stale, ordered by
// checksum. Scores on maps the store does not know are counted and skipped.
func (e *Engine) scan() ([]*group, int) {
	maps := make(map[string]store.MapRecord)
	byChecksum := make(map[string]*group)
	e.opts.Store.ForEachMap(func(m store.MapRecord) bool {
		maps[m.Checksum] = m
		if m.StarsStale() {
			byChecksum[m.Checksum] = &group{record: m, mapStale: true}
			e.mapsTotal.Add(1)
		}
		return true
	})

	orphaned := 0
	e.opts.Store.ForEachScore(func(sc store.ScoreRecord) bool {
		if !sc.PPStale() {
			return true
		}
		m, ok := maps[sc.Checksum]
		if !ok {
			orphaned++
			return true
		}
		g, ok := byChecksum[sc.Checksum]
		if !ok {
			g = &group{record: m}
			byChecksum[sc.Checksum] = g
		}
		g.scores = append(g.scores, sc)
		e.scoresTotal.Add(1)
		return true
	})

	groups := make([]*group, 0, len(byChecksum))
	for _, g := range byChecksum {
		groups = append(groups, g)
	}
	slices.SortFunc(groups, func(a, b *group) int {
		return cmp.Compare(a.record.Checksum, b.record.Checksum)
	})
	return groups, orphaned
}

// processGroup returns an error only when ctx ends. Anything wrong with the
// map itself is logged and counted.
func (e *Engine) processGroup(ctx context.Context, g *group, summary *Summary) error {
	rec := g.record
	log := e.log.WithField("map", rec.Checksum)
	caches := ppcache.NewCaches(ppcache.MapRef{Checksum: rec.Checksum, Path: rec.Path}, e.opts.Loader, e.opts.Calculator)
	defer func() {
		stats := caches.Stats()
		summary.Timelines += stats.Timelines
		summary.Attributes += stats.Attributes
	}()

	fail := func(reason error) {
		log.WithError(reason).Warn("skipping map")
		if g.mapStale {
			summary.MapsFailed++
			e.mapsDone.Add(1)
		}
		summary.ScoresFailed += len(g.scores)
		e.scoresDone.Add(int64(len(g.scores)))
	}

	if _, err := caches.Timelines.Primitives(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		fail(err)
		return nil
	}

	if g.mapStale {
		if err := e.updateMap(ctx, caches, rec, summary); err != nil {
			return err
		}
	}

	var order []difficulty.ModifierSignature
	bySignature := make(map[difficulty.ModifierSignature][]store.ScoreRecord)
	for _, sc := range g.scores {
		sig := sc.Signature(rec)
		if _, ok := bySignature[sig]; !ok {
			order = append(order, sig)
		}
		bySignature[sig] = append(bySignature[sig], sc)
	}
	summary.Signatures += len(order)

	for _, sig := range order {
		if err := e.opts.Coordinator.Yield(ctx, false); err != nil {
			return err
		}
		if err := e.updateScores(ctx, caches, rec, sig, bySignature[sig], summary); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) updateMap(ctx context.Context, caches *ppcache.Caches, rec store.MapRecord, summary *Summary) error {
	defer e.mapsDone.Add(1)
	key := rec.NomodKey()
	attrs, ok, err := caches.ResolveAttributes(ctx, key)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	tl, _ := caches.Timelines.Lookup(key.TimelineKey)
	if err != nil || !ok {
		if err == nil {
			err = tl.Err
		}
		e.log.WithField("map", rec.Checksum).WithError(err).Warn("cannot rate map")
		summary.MapsFailed++
		return nil
	}
	d := store.MapDifficulty{
		Stars:        attrs.TotalStars,
		StarsVersion: difficulty.Version,
		LengthMS:     int64(tl.PlayableLength),
		Objects:      attrs.ObjectCount,
		Circles:      tl.Circles,
		Sliders:      tl.Sliders,
		Spinners:     tl.Spinners,
		MaxCombo:     tl.MaxCombo,
		MinBPM:       tl.MinBPM,
		MaxBPM:       tl.MaxBPM,
	}
	if err := e.opts.Store.UpdateMapDifficulty(ctx, rec.Checksum, d); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		e.log.WithField("map", rec.Checksum).WithError(err).Warn("cannot store map difficulty")
		summary.MapsFailed++
		return nil
	}
	summary.MapsUpdated++
	return nil
}

func (e *Engine) updateScores(
	ctx context.Context,
	caches *ppcache.Caches,
	rec store.MapRecord,
	sig difficulty.ModifierSignature,
	scores []store.ScoreRecord,
	summary *Summary,
) error {
	attrs, ok, err := caches.ResolveAttributes(ctx, sig.AttributeKey())
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err != nil || !ok {
		summary.ScoresFailed += len(scores)
		e.scoresDone.Add(int64(len(scores)))
		return nil
	}
	for _, sc := range scores {
		r, err := caches.Results.GetOrCreate(ctx, sc.Request(rec), attrs)
		if err != nil {
			return err
		}
		if err := e.opts.Store.UpdateScorePP(ctx, sc.Timestamp, r.PP, r.Stars); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			e.log.WithField("score", sc.Timestamp).WithError(err).Warn("cannot store pp")
			summary.ScoresFailed++
		} else {
			summary.ScoresUpdated++
		}
		e.scoresDone.Add(1)
	}
	return nil
}
