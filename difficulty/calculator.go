package difficulty

import (
	"context"

	"ppcache/dotosu"
)

// Calculator is the expensive, deterministic part of the pipeline. The cache
// layers rely on every method returning equal output for equal input.
type Calculator interface {
	Timeline(ctx context.Context, beatmap *dotosu.Beatmap, key TimelineKey) (*TimelineEntry, error)
	Attributes(ctx context.Context, tl *TimelineEntry, key AttributeKey, scratch *Scratch) (AttributeEntry, *Scratch, error)
	Performance(attrs AttributeEntry, req ScoreRequest) float64
}

// Standard is the osu!standard implementation.
type Standard struct{}

var _ Calculator = Standard{}

func (Standard) Timeline(ctx context.Context, beatmap *dotosu.Beatmap, key TimelineKey) (*TimelineEntry, error) {
	return Timeline(ctx, beatmap, key)
}

func (Standard) Attributes(ctx context.Context, tl *TimelineEntry, key AttributeKey, scratch *Scratch) (AttributeEntry, *Scratch, error) {
	return Attributes(ctx, tl, key, scratch)
}

func (Standard) Performance(attrs AttributeEntry, req ScoreRequest) float64 {
	return Performance(attrs, req)
}
