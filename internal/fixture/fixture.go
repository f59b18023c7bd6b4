// Package fixture builds synthetic beatmaps and instrumented calculators
// for tests.
package fixture

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"ppcache/difficulty"
	"ppcache/dotosu"
)

type Map struct {
	Title     string
	BeatmapID int
	Objects   int
	AR        float64
	CS        float64
	OD        float64
	HP        float64
}

// OsuFile renders m as a .osu file: a 180 bpm stream of circles jumping
// around the playfield, with a slider every fifth object and a final spinner.
func (m Map) OsuFile() string {
	var sb strings.Builder
	sb.WriteString("osu file format v14\n\n[General]\nMode: 0\nStackLeniency: 0.7\n\n")
	fmt.Fprintf(&sb, "[Metadata]\nTitle:%s\nArtist:fixture\nCreator:fixture\nVersion:test\nBeatmapID:%d\nBeatmapSetID:1\n\n",
		m.Title, m.BeatmapID)
	fmt.Fprintf(&sb, "[Difficulty]\nHPDrainRate:%g\nCircleSize:%g\nOverallDifficulty:%g\nApproachRate:%g\nSliderMultiplier:1.4\nSliderTickRate:1\n\n",
		m.HP, m.CS, m.OD, m.AR)
	sb.WriteString("[TimingPoints]\n0,333.33,4,2,0,60,1,0\n\n[HitObjects]\n")
	t := 1000
	for i := range m.Objects {
		x := 64 + (i*97)%384
		y := 48 + (i*61)%288
		if i%5 == 4 {
			fmt.Fprintf(&sb, "%d,%d,%d,2,0,L|%d:%d,1,70\n", x, y, t, x+70, y)
			t += 333
			continue
		}
		fmt.Fprintf(&sb, "%d,%d,%d,1,0\n", x, y, t)
		t += 166
	}
	fmt.Fprintf(&sb, "256,192,%d,8,0,%d\n", t+500, t+2500)
	return sb.String()
}

func (m Map) Beatmap(t testing.TB) *dotosu.Beatmap {
	t.Helper()
	bm, err := dotosu.Decode(strings.NewReader(m.OsuFile()))
	require.NoError(t, err)
	return bm
}

// MemLoader serves beatmaps by path from memory and counts loads.
type MemLoader struct {
	mu    sync.Mutex
	maps  map[string]*dotosu.Beatmap
	Loads atomic.Int64
}

func NewMemLoader() *MemLoader {
	return &MemLoader{maps: make(map[string]*dotosu.Beatmap)}
}

func (l *MemLoader) Add(path string, bm *dotosu.Beatmap) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maps[path] = bm
}

func (l *MemLoader) Load(ctx context.Context, path string) (*dotosu.Beatmap, error) {
	l.Loads.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	bm, ok := l.maps[path]
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, dotosu.ErrNotFound)
	}
	return bm, nil
}

// Counting wraps a calculator and counts calls per stage. When Gate is set,
// every timeline derivation waits for it to be closed (or ctx to end).
// OnTimeline runs before each derivation; FailAttributes, when it returns
// an error, replaces the attribute pass for that key.
type Counting struct {
	Inner          difficulty.Calculator
	Gate           chan struct{}
	OnTimeline     func(difficulty.TimelineKey)
	FailAttributes func(difficulty.AttributeKey) error

	TimelineCalls    atomic.Int64
	AttributeCalls   atomic.Int64
	PerformanceCalls atomic.Int64

	mu           sync.Mutex
	TimelineKeys []difficulty.TimelineKey
}

func NewCounting() *Counting {
	return &Counting{Inner: difficulty.Standard{}}
}

func (c *Counting) Timeline(ctx context.Context, bm *dotosu.Beatmap, key difficulty.TimelineKey) (*difficulty.TimelineEntry, error) {
	c.TimelineCalls.Add(1)
	c.mu.Lock()
	c.TimelineKeys = append(c.TimelineKeys, key)
	c.mu.Unlock()
	if c.OnTimeline != nil {
		c.OnTimeline(key)
	}
	if c.Gate != nil {
		select {
		case <-c.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return c.Inner.Timeline(ctx, bm, key)
}

func (c *Counting) Attributes(ctx context.Context, tl *difficulty.TimelineEntry, key difficulty.AttributeKey, scratch *difficulty.Scratch) (difficulty.AttributeEntry, *difficulty.Scratch, error) {
	c.AttributeCalls.Add(1)
	if c.FailAttributes != nil {
		if err := c.FailAttributes(key); err != nil {
			return difficulty.AttributeEntry{}, scratch, err
		}
	}
	return c.Inner.Attributes(ctx, tl, key, scratch)
}

func (c *Counting) Performance(attrs difficulty.AttributeEntry, req difficulty.ScoreRequest) float64 {
	c.PerformanceCalls.Add(1)
	return c.Inner.Performance(attrs, req)
}

// Request builds a clean play of bm with mods: every object a 300, full combo.
func Request(bm *dotosu.Beatmap, mods difficulty.ModFlags) difficulty.ScoreRequest {
	sig := difficulty.Effective(bm.Difficulty, mods, 0, difficulty.NoOverrides)
	n := len(bm.HitObjects)
	return difficulty.ScoreRequest{
		AttributeKey: sig.AttributeKey(),
		Mods:         mods,
		MaxCombo:     n,
		Judgements:   difficulty.Judgements{N300: n},
	}
}
