package difficulty

import (
	"context"
	"errors"
	"fmt"
	"math"

	"ppcache/dotosu"
)

type ObjectKind uint8

const (
	ObjCircle ObjectKind = iota
	ObjSliderHead
	ObjSliderTick
	ObjSliderRepeat
	ObjSliderEnd
	ObjSpinner
)

const (
	minStrainTime  = 25
	normalisedSize = 52.0
	stackDistance  = 3
	// how many objects are derived between two context checks
	checkEvery = 4096
	// upper bound on judged points per map, slider ticks included
	maxTimelineObjects = 1 << 20
)

// DifficultyObject is one judged point of the map, already stacked and
// rate adjusted.
type DifficultyObject struct {
	Kind        ObjectKind
	Time        float64
	Pos         Vec
	Radius      float64
	StackHeight int
	Parent      int // index of the hit object this belongs to

	// relative to the previous object in the timeline
	StrainTime   float64
	JumpDistance float64 // normalised to a 52px radius
	// slider heads only: normalised cursor travel through the slider body
	TravelDistance float64
	TravelTime     float64
}

func (o *DifficultyObject) Clickable() bool {
	return o.Kind == ObjCircle || o.Kind == ObjSliderHead
}

// TimelineEntry is the derived timeline for one TimelineKey. It is read-only
// once returned. A malformed map yields an entry with Err set.
type TimelineEntry struct {
	Key     TimelineKey
	Objects []DifficultyObject

	MaxCombo       int
	PlayableLength float64 // ms, rate adjusted
	BreakDuration  float64 // ms, rate adjusted

	Circles  int
	Sliders  int
	Spinners int
	MinBPM   float64
	MaxBPM   float64

	Err error
}

func (t *TimelineEntry) Failed() bool { return t.Err != nil }

var (
	ErrEmptyBeatmap   = errors.New("beatmap has no hit objects")
	ErrNoTimingPoint  = errors.New("slider before any uninherited timing point")
	ErrTooManyObjects = errors.New("too many nested slider objects")
	ErrInvalidKey     = errors.New("timeline selector is not finite")
)

// Timeline derives the difficulty timeline. Malformed input is reported as
// an error and never panics.
func Timeline(ctx context.Context, beatmap *dotosu.Beatmap, key TimelineKey) (*TimelineEntry, error) {
	if len(beatmap.HitObjects) == 0 {
		return nil, ErrEmptyBeatmap
	}
	if !finite(key.Speed, key.AR, key.CS) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, key)
	}
	if key.Speed <= 0 {
		return nil, fmt.Errorf("invalid speed %g", key.Speed)
	}
	radius := CircleRadius(key.CS)
	entry := &TimelineEntry{Key: key}

	objects := make([]DifficultyObject, 0, len(beatmap.HitObjects)*2)
	timingPoints := beatmap.TimingPoints
	timingPointIndex := 0
	var lastRedLine, lastGreenLine *dotosu.TimingPoint
	lastStart := math.Inf(-1)

	for parent, object := range beatmap.HitObjects {
		if parent%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		start := float64(object.StartTime())
		if start < lastStart {
			return nil, fmt.Errorf("hit object %d at %gms starts before its predecessor", parent, start)
		}
		lastStart = start

		for timingPointIndex < len(timingPoints) && (lastRedLine == nil || float64(timingPoints[timingPointIndex].Time) <= start) {
			tp := &timingPoints[timingPointIndex]
			timingPointIndex++
			if tp.TimingChange {
				lastRedLine = tp
				lastGreenLine = nil
			} else {
				lastGreenLine = tp
			}
		}

		switch object := object.(type) {
		case dotosu.Circle:
			entry.Circles++
			objects = append(objects, DifficultyObject{
				Kind:   ObjCircle,
				Time:   start,
				Pos:    vecOf(object.PosXY),
				Radius: radius,
				Parent: parent,
			})
		case dotosu.Slider:
			if lastRedLine == nil || math.IsNaN(lastRedLine.BeatLength) || lastRedLine.BeatLength <= 0 {
				return nil, fmt.Errorf("slider at %gms: %w", start, ErrNoTimingPoint)
			}
			entry.Sliders++
			sv := 1.0
			if lastGreenLine != nil {
				sv = max(0.1, lastGreenLine.SliderVelocityMultiplier)
			}
			var err error
			objects, err = appendSlider(ctx, objects, beatmap.Difficulty, object, parent, lastRedLine.BeatLength, sv, radius)
			if err != nil {
				return nil, fmt.Errorf("slider at %gms: %w", start, err)
			}
		case dotosu.Spinner:
			entry.Spinners++
			objects = append(objects, DifficultyObject{
				Kind:   ObjSpinner,
				Time:   float64(object.Time+object.EndTime) / 2,
				Pos:    CenterPos,
				Radius: radius,
				Parent: parent,
			})
		default:
			return nil, fmt.Errorf("hit object %d: unexpected kind %d", parent, object.Kind())
		}
	}

	applyStacking(objects, ApproachRateToPreempt(key.AR)*beatmap.StackLeniency, radius)

	for i := range objects {
		objects[i].Time /= key.Speed
		objects[i].TravelTime /= key.Speed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	deriveRelations(objects, radius)

	entry.Objects = objects
	entry.MaxCombo = len(objects)
	entry.PlayableLength = objects[len(objects)-1].Time - objects[0].Time
	for _, b := range beatmap.Breaks {
		entry.BreakDuration += b.Duration() / key.Speed
	}
	entry.MinBPM, entry.MaxBPM = bpmRange(timingPoints, key.Speed)
	return entry, nil
}

// appendSlider emits the head, ticks, repeats and tail of one slider. The
// tail is judged 36ms early (or halfway for very short sliders).
func appendSlider(
	ctx context.Context,
	objects []DifficultyObject,
	diff dotosu.Difficulty,
	slider dotosu.Slider,
	parent int,
	beatLength float64,
	sv float64,
	radius float64,
) ([]DifficultyObject, error) {
	head := vecOf(slider.PosXY)
	path := ApproximatePath(slider.Path)
	start := float64(slider.Time)

	visualLength := slider.Length
	spanDuration := visualLength / (diff.SliderMultiplier * 100 * sv) * beatLength
	tailLeniency := min(36, spanDuration/2)
	tickInterval := beatLength / diff.SliderTickRate
	spanTicks := 0.0
	if tickInterval > 0 && spanDuration > 0 {
		spanTicks = max(0, math.Floor((spanDuration-tailLeniency)/tickInterval))
	}
	tickLength := 0.0
	if spanDuration > 0 {
		tickLength = visualLength * tickInterval / spanDuration
	}
	nested := float64(slider.Slides) * (spanTicks + 1)
	if math.IsNaN(nested) || float64(len(objects))+nested >= maxTimelineObjects {
		return objects, ErrTooManyObjects
	}
	ticks := int(spanTicks)
	if err := ctx.Err(); err != nil {
		return objects, err
	}

	headIndex := len(objects)
	objects = append(objects, DifficultyObject{
		Kind:   ObjSliderHead,
		Time:   start,
		Pos:    head,
		Radius: radius,
		Parent: parent,
	})

	followRadius := radius * 2.4
	for span := range slider.Slides {
		forward := span%2 == 0
		spanStart := start + float64(span)*spanDuration
		for j := range ticks {
			progress := float64(j+1) * tickLength
			if !forward {
				progress = visualLength - progress
			}
			objects = append(objects, DifficultyObject{
				Kind:   ObjSliderTick,
				Time:   spanStart + float64(j+1)*tickInterval,
				Pos:    PathPosition(path, progress),
				Radius: followRadius,
				Parent: parent,
			})
		}
		spanEnd := spanStart + spanDuration
		if span == slider.Slides-1 {
			progress := (spanDuration - tailLeniency) / spanDuration * visualLength
			if spanDuration == 0 {
				progress = visualLength
			}
			if !forward {
				progress = visualLength - progress
			}
			objects = append(objects, DifficultyObject{
				Kind:   ObjSliderEnd,
				Time:   spanEnd - tailLeniency,
				Pos:    PathPosition(path, progress),
				Radius: followRadius,
				Parent: parent,
			})
			continue
		}
		pos := head
		if forward {
			pos = PathPosition(path, visualLength)
		}
		objects = append(objects, DifficultyObject{
			Kind:   ObjSliderRepeat,
			Time:   spanEnd,
			Pos:    pos,
			Radius: followRadius,
			Parent: parent,
		})
	}

	// cursor travel: follow the nested objects, allowing the follow circle slack
	travel := 0.0
	for i := headIndex + 1; i < len(objects); i++ {
		travel += max(0, Distance(objects[i-1].Pos, objects[i].Pos)-followRadius/2)
	}
	objects[headIndex].TravelDistance = travel * normalisedSize / radius
	objects[headIndex].TravelTime = objects[len(objects)-1].Time - start
	return objects, nil
}

func finite(xs ...float64) bool {
	for _, x := range xs {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

// applyStacking offsets clickable objects that sit on top of a recent one.
func applyStacking(objects []DifficultyObject, threshold float64, radius float64) {
	var clickable []int
	for i := range objects {
		if objects[i].Clickable() {
			clickable = append(clickable, i)
		}
	}
	for ci := 1; ci < len(clickable); ci++ {
		cur := &objects[clickable[ci]]
		for cj := ci - 1; cj >= 0; cj-- {
			prev := &objects[clickable[cj]]
			if cur.Time-prev.Time > threshold {
				break
			}
			if Distance(cur.Pos, prev.Pos) < stackDistance {
				cur.StackHeight = prev.StackHeight + 1
				break
			}
		}
	}

	offset := -radius / 10
	for _, i := range clickable {
		height := objects[i].StackHeight
		if height == 0 {
			continue
		}
		shift := Vec{X: offset, Y: offset}.Scale(float64(height))
		for j := i; j < len(objects) && objects[j].Parent == objects[i].Parent; j++ {
			objects[j].Pos = objects[j].Pos.Add(shift)
		}
	}
}

func deriveRelations(objects []DifficultyObject, radius float64) {
	scale := normalisedSize / radius
	lastClickable := -1
	for i := range objects {
		obj := &objects[i]
		if i == 0 {
			obj.StrainTime = minStrainTime
		} else {
			prevTime := objects[i-1].Time
			if obj.Clickable() && lastClickable >= 0 {
				prevTime = objects[lastClickable].Time
			}
			obj.StrainTime = max(minStrainTime, obj.Time-prevTime)
			obj.JumpDistance = Distance(objects[i-1].Pos, obj.Pos) * scale
		}
		if obj.Clickable() {
			lastClickable = i
		}
	}
}

func bpmRange(timingPoints []dotosu.TimingPoint, speed float64) (lo, hi float64) {
	for _, tp := range timingPoints {
		if !tp.TimingChange || math.IsNaN(tp.BeatLength) || tp.BeatLength <= 0 {
			continue
		}
		bpm := 60000 / tp.BeatLength * speed
		if lo == 0 || bpm < lo {
			lo = bpm
		}
		hi = max(hi, bpm)
	}
	return lo, hi
}
