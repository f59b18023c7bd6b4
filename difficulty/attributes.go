package difficulty

import (
	"cmp"
	"context"
	"math"
	"slices"
)

const (
	sectionLength = 400.0

	aimMultiplier   = 25.18
	aimDecayBase    = 0.15
	speedMultiplier = 1.43
	speedDecayBase  = 0.3

	peakWeight       = 0.9
	reducedSections  = 10
	reducedBaseline  = 0.75
	starMultiplier   = 0.0675
	perfBaseExponent = 1.1
)

// AttributeEntry is the star rating breakdown for one AttributeKey.
type AttributeEntry struct {
	Key AttributeKey

	AimStars     float64
	SpeedStars   float64
	SliderFactor float64
	TotalStars   float64

	DifficultAimSliderCount   float64
	DifficultAimStrainCount   float64
	DifficultSpeedStrainCount float64

	// rate adjusted settings and object counts used by Performance
	ApproachRate      float64
	OverallDifficulty float64
	HitWindow300      float64
	ObjectCount       int
	Circles           int
	Sliders           int
	Spinners          int
	MaxCombo          int
}

// Scratch is the strain history working set. It is owned by exactly one
// computation at a time: Attributes takes it and hands it back.
type Scratch struct {
	aim         []float64
	aimNoSlider []float64
	speed       []float64
	sliderAim   []float64
	peaks       []float64
}

func NewScratch() *Scratch { return &Scratch{} }

func (s *Scratch) reset(n int) {
	grow := func(buf []float64) []float64 {
		if cap(buf) < n {
			return make([]float64, 0, n)
		}
		return buf[:0]
	}
	s.aim = grow(s.aim)
	s.aimNoSlider = grow(s.aimNoSlider)
	s.speed = grow(s.speed)
	s.sliderAim = grow(s.sliderAim)
}

// Attributes integrates aim and speed strain over a timeline. The scratch
// buffer is returned even on error so the caller can keep reusing it.
func Attributes(ctx context.Context, tl *TimelineEntry, key AttributeKey, scratch *Scratch) (AttributeEntry, *Scratch, error) {
	if scratch == nil {
		scratch = NewScratch()
	}
	w300, _, _ := HitWindows(key.OD, key.Speed)
	entry := AttributeEntry{
		Key:               key,
		ApproachRate:      PreemptToAR(ApproachRateToPreempt(key.AR) / key.Speed),
		OverallDifficulty: (80 - w300) / 6,
		HitWindow300:      w300,
		ObjectCount:       tl.Circles + tl.Sliders + tl.Spinners,
		Circles:           tl.Circles,
		Sliders:           tl.Sliders,
		Spinners:          tl.Spinners,
		MaxCombo:          tl.MaxCombo,
	}

	scratch.reset(len(tl.Objects))
	var aimStrain, aimNoSliderStrain, speedStrain float64
	lastTime := 0.0
	lastSliderHead := -1
	for i := range tl.Objects {
		if i%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return AttributeEntry{}, scratch, err
			}
		}
		obj := &tl.Objects[i]
		if !obj.Clickable() {
			continue
		}
		dt := obj.Time - lastTime
		if len(scratch.aim) == 0 {
			dt = 0
		}
		lastTime = obj.Time

		jump := obj.JumpDistance / obj.StrainTime
		slider := 0.0
		if lastSliderHead >= 0 {
			head := &tl.Objects[lastSliderHead]
			slider = head.TravelDistance / max(head.TravelTime, minStrainTime)
		}
		aimStrain = aimStrain*math.Pow(aimDecayBase, dt/1000) + (jump+1.5*slider)*aimMultiplier
		aimNoSliderStrain = aimNoSliderStrain*math.Pow(aimDecayBase, dt/1000) + jump*aimMultiplier

		strainTime := obj.StrainTime
		strainTime /= clamp(strainTime/(2*w300)/0.93, 0.92, 1)
		speedBonus := 0.0
		if strainTime < 75 {
			speedBonus = 0.75 * math.Pow((75-strainTime)/40, 2)
		}
		speedStrain = speedStrain*math.Pow(speedDecayBase, dt/1000) + (1+speedBonus)*1000/strainTime*speedMultiplier

		scratch.aim = append(scratch.aim, aimStrain)
		scratch.aimNoSlider = append(scratch.aimNoSlider, aimNoSliderStrain)
		scratch.speed = append(scratch.speed, speedStrain)
		if obj.Kind == ObjSliderHead {
			scratch.sliderAim = append(scratch.sliderAim, aimStrain)
			lastSliderHead = i
		} else {
			lastSliderHead = -1
		}
	}

	times := clickTimes(tl)
	aim := difficultyValue(scratch, times, scratch.aim)
	aimNoSlider := difficultyValue(scratch, times, scratch.aimNoSlider)
	speed := difficultyValue(scratch, times, scratch.speed)

	entry.AimStars = math.Sqrt(aim) * starMultiplier
	entry.SpeedStars = math.Sqrt(speed) * starMultiplier
	entry.SliderFactor = 1
	if aim > 0 {
		entry.SliderFactor = math.Sqrt(aimNoSlider) / math.Sqrt(aim)
	}
	entry.DifficultAimStrainCount = difficultCount(scratch.aim, maxOf(scratch.aim))
	entry.DifficultAimSliderCount = difficultCount(scratch.sliderAim, maxOf(scratch.aim))
	entry.DifficultSpeedStrainCount = difficultCount(scratch.speed, maxOf(scratch.speed))

	if key.TouchDevice {
		entry.AimStars = math.Pow(entry.AimStars, 0.8)
	}
	if key.Relax {
		entry.AimStars *= 0.9
		entry.SpeedStars = 0
	}
	entry.TotalStars = totalStars(entry.AimStars, entry.SpeedStars)
	return entry, scratch, nil
}

func clickTimes(tl *TimelineEntry) []float64 {
	times := make([]float64, 0, tl.Circles+tl.Sliders)
	for i := range tl.Objects {
		if tl.Objects[i].Clickable() {
			times = append(times, tl.Objects[i].Time)
		}
	}
	return times
}

// difficultyValue takes the peak strain of every section, damps the few
// highest and sums them with geometric weights.
func difficultyValue(scratch *Scratch, times []float64, strains []float64) float64 {
	if len(strains) == 0 {
		return 0
	}
	peaks := scratch.peaks[:0]
	sectionEnd := math.Ceil(times[0]/sectionLength) * sectionLength
	if sectionEnd <= times[0] {
		sectionEnd += sectionLength
	}
	peak := 0.0
	for i, s := range strains {
		for times[i] >= sectionEnd {
			peaks = append(peaks, peak)
			peak = 0
			sectionEnd += sectionLength
		}
		peak = max(peak, s)
	}
	peaks = append(peaks, peak)
	scratch.peaks = peaks

	slices.SortFunc(peaks, descending)
	for i := range min(reducedSections, len(peaks)) {
		scale := math.Log10(lerp(1, 10, clamp(float64(i)/reducedSections, 0, 1)))
		peaks[i] *= lerp(reducedBaseline, 1, scale)
	}
	slices.SortFunc(peaks, descending)

	sum, weight := 0.0, 1.0
	for _, p := range peaks {
		if p <= 0 {
			break
		}
		sum += p * weight
		weight *= peakWeight
	}
	return sum
}

func difficultCount(strains []float64, top float64) float64 {
	if top <= 0 {
		return 0
	}
	count := 0.0
	for _, s := range strains {
		count += 1 / (1 + math.Exp(-(s/top*12 - 6)))
	}
	return count
}

func basePerformance(stars float64) float64 {
	return math.Pow(5*max(1, stars/starMultiplier)-4, 3) / 100000
}

func totalStars(aim, speed float64) float64 {
	perf := math.Pow(
		math.Pow(basePerformance(aim), perfBaseExponent)+math.Pow(basePerformance(speed), perfBaseExponent),
		1/perfBaseExponent,
	)
	if perf <= 1e-5 {
		return 0
	}
	return math.Cbrt(1.14) * 0.027 * (math.Cbrt(100000/math.Pow(2, 1/perfBaseExponent)*perf) + 4)
}

func descending(a, b float64) int { return cmp.Compare(b, a) }

func maxOf(xs []float64) float64 {
	m := 0.0
	for _, x := range xs {
		m = max(m, x)
	}
	return m
}

func lerp(a, b, t float64) float64 { return a + (b-a)*t }

func clamp(x, lo, hi float64) float64 { return min(hi, max(lo, x)) }
