package difficulty

import "math"

const (
	ppMultiplier = 1.14
	ppExponent   = 1.1
)

// Performance turns attributes plus a play's judgements into pp. It is a
// pure function of its arguments.
func Performance(attrs AttributeEntry, req ScoreRequest) float64 {
	j := req.Judgements
	totalHits := j.N300 + j.N100 + j.N50 + req.Misses
	if totalHits <= 0 {
		return 0
	}
	od := attrs.OverallDifficulty
	accuracy := float64(300*j.N300+100*j.N100+50*j.N50) / float64(300*totalHits)
	effectiveMisses := effectiveMissCount(attrs, req)

	multiplier := ppMultiplier
	if req.Mods.Has(NoFail) {
		multiplier *= max(0.9, 1-0.02*effectiveMisses)
	}
	if req.Mods.Has(SpunOut) && totalHits > 0 {
		multiplier *= 1 - math.Pow(float64(attrs.Spinners)/float64(totalHits), 0.85)
	}
	if req.Relax {
		okMultiplier, mehMultiplier := 1.0, 1.0
		if od > 0 {
			okMultiplier = max(0, 1-math.Pow(od/13.33, 1.8))
			mehMultiplier = max(0, 1-math.Pow(od/13.33, 5))
		}
		effectiveMisses = min(
			effectiveMisses+float64(j.N100)*okMultiplier+float64(j.N50)*mehMultiplier,
			float64(totalHits),
		)
	}

	p := perfContext{
		attrs:           attrs,
		req:             req,
		totalHits:       float64(totalHits),
		accuracy:        accuracy,
		effectiveMisses: effectiveMisses,
	}
	aim := p.aimValue()
	speed := p.speedValue()
	acc := p.accuracyValue()

	return math.Pow(
		math.Pow(aim, ppExponent)+math.Pow(speed, ppExponent)+math.Pow(acc, ppExponent),
		1/ppExponent,
	) * multiplier
}

// effectiveMissCount estimates slider breaks for stable plays, which only
// report misses on heads and not on broken slider ends.
func effectiveMissCount(attrs AttributeEntry, req ScoreRequest) float64 {
	misses := float64(req.Misses)
	if req.LegacyTotalScore <= 0 || attrs.Sliders == 0 {
		return misses
	}
	fullComboThreshold := float64(attrs.MaxCombo) - 0.1*float64(attrs.Sliders)
	if float64(req.MaxCombo) >= fullComboThreshold {
		return misses
	}
	comboBased := fullComboThreshold / float64(max(1, req.MaxCombo))
	comboBased = min(comboBased, float64(req.Judgements.N100+req.Judgements.N50+req.Misses))
	return max(misses, comboBased)
}

type perfContext struct {
	attrs           AttributeEntry
	req             ScoreRequest
	totalHits       float64
	accuracy        float64
	effectiveMisses float64
}

func (p perfContext) lengthBonus() float64 {
	bonus := 0.95 + 0.4*min(1, p.totalHits/2000)
	if p.totalHits > 2000 {
		bonus += math.Log10(p.totalHits/2000) * 0.5
	}
	return bonus
}

func (p perfContext) missPenalty(difficultStrainCount float64) float64 {
	if p.effectiveMisses <= 0 {
		return 1
	}
	return 0.96 / (p.effectiveMisses/(4*math.Pow(math.Log(max(difficultStrainCount, 2)), 0.94)) + 1)
}

func (p perfContext) aimValue() float64 {
	if p.req.Mods.Has(Autopilot) {
		return 0
	}
	attrs := p.attrs
	value := basePerformance(attrs.AimStars)
	lengthBonus := p.lengthBonus()
	value *= lengthBonus
	value *= p.missPenalty(attrs.DifficultAimStrainCount)

	arFactor := 0.0
	if attrs.ApproachRate > 10.33 {
		arFactor = 0.3 * (attrs.ApproachRate - 10.33)
	} else if attrs.ApproachRate < 8 {
		arFactor = 0.05 * (8 - attrs.ApproachRate)
	}
	if p.req.Relax {
		arFactor = 0
	}
	value *= 1 + arFactor*lengthBonus

	if p.req.Mods.Has(Hidden) {
		value *= 1 + 0.04*(12-attrs.ApproachRate)
	}

	if attrs.Sliders > 0 && attrs.DifficultAimSliderCount > 0 {
		j := p.req.Judgements
		dropped := min(float64(j.N100+j.N50+p.req.Misses), float64(attrs.MaxCombo-p.req.MaxCombo))
		dropped = clamp(dropped, 0, attrs.DifficultAimSliderCount)
		nerf := (1-attrs.SliderFactor)*math.Pow(1-dropped/attrs.DifficultAimSliderCount, 3) + attrs.SliderFactor
		value *= nerf
	}

	value *= p.accuracy
	value *= 0.98 + attrs.OverallDifficulty*attrs.OverallDifficulty/2500
	return value
}

func (p perfContext) speedValue() float64 {
	if p.req.Relax {
		return 0
	}
	attrs := p.attrs
	value := basePerformance(attrs.SpeedStars)
	value *= p.lengthBonus()
	value *= p.missPenalty(attrs.DifficultSpeedStrainCount)

	if attrs.ApproachRate > 10.33 && !p.req.Mods.Has(Autopilot) {
		value *= 1 + 0.3*(attrs.ApproachRate-10.33)*p.lengthBonus()
	}
	if p.req.Mods.Has(Hidden) {
		value *= 1 + 0.04*(12-attrs.ApproachRate)
	}

	od := attrs.OverallDifficulty
	value *= (0.95 + od*od/750) * math.Pow(p.accuracy, (14.5-max(od, 8))/2)

	n50 := float64(p.req.Judgements.N50)
	if n50 > p.totalHits/500 {
		value *= math.Pow(0.99, n50-p.totalHits/500)
	}
	return value
}

func (p perfContext) accuracyValue() float64 {
	if p.req.Relax {
		return 0
	}
	attrs := p.attrs
	j := p.req.Judgements
	withAccuracy := float64(attrs.Circles)
	if withAccuracy <= 0 {
		return 0
	}
	better := (float64(j.N300)-(p.totalHits-withAccuracy))*6 + float64(j.N100)*2 + float64(j.N50)
	better = max(0, better/(withAccuracy*6))

	value := math.Pow(1.52163, attrs.OverallDifficulty) * math.Pow(better, 24) * 2.83
	value *= min(1.15, math.Pow(withAccuracy/1000, 0.3))
	if p.req.Mods.Has(Hidden) {
		value *= 1.08
	}
	if p.req.Mods.Has(Flashlight) {
		value *= 1.02
	}
	return value
}
