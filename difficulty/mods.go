package difficulty

import (
	"math"
	"strings"

	"ppcache/dotosu"
)

// ModFlags is the legacy osu! mod bitmask.
type ModFlags uint32

const (
	NoFail ModFlags = 1 << iota
	Easy
	TouchDevice
	Hidden
	HardRock
	SuddenDeath
	DoubleTime
	Relax
	HalfTime
	Nightcore
	Flashlight
	_ // autoplay
	SpunOut
	Autopilot
)

var modAcronyms = []struct {
	flag    ModFlags
	acronym string
}{
	{NoFail, "NF"},
	{Easy, "EZ"},
	{TouchDevice, "TD"},
	{Hidden, "HD"},
	{HardRock, "HR"},
	{SuddenDeath, "SD"},
	{DoubleTime, "DT"},
	{Relax, "RX"},
	{HalfTime, "HT"},
	{Nightcore, "NC"},
	{Flashlight, "FL"},
	{SpunOut, "SO"},
	{Autopilot, "AP"},
}

func (m ModFlags) Has(flag ModFlags) bool { return m&flag != 0 }

func (m ModFlags) String() string {
	var sb strings.Builder
	for _, a := range modAcronyms {
		if m.Has(a.flag) {
			sb.WriteString(a.acronym)
		}
	}
	if sb.Len() == 0 {
		return "NM"
	}
	return sb.String()
}

// ParseMods accepts acronyms either as separate items ("HD", "DT") or glued
// together ("HDDT"). Unknown acronyms are ignored.
func ParseMods(items []string) ModFlags {
	var mods ModFlags
	for _, item := range items {
		item = strings.ToUpper(strings.TrimSpace(item))
		for i := 0; i+2 <= len(item); i += 2 {
			for _, a := range modAcronyms {
				if item[i:i+2] == a.acronym {
					mods |= a.flag
				}
			}
		}
	}
	if mods.Has(Nightcore) {
		mods |= DoubleTime
	}
	return mods
}

// Rate is the clock rate implied by the rate-changing mods.
func (m ModFlags) Rate() float64 {
	switch {
	case m.Has(DoubleTime):
		return 1.5
	case m.Has(HalfTime):
		return 0.75
	default:
		return 1
	}
}

// Overrides are explicit difficulty settings (difficulty-adjust style). A
// negative value means "not overridden".
type Overrides struct {
	AR, CS, OD, HP float64
}

var NoOverrides = Overrides{AR: -1, CS: -1, OD: -1, HP: -1}

// ModifierSignature is everything about a play that changes difficulty
// computation. Plays sharing a signature share timeline and attributes.
type ModifierSignature struct {
	AR, CS, OD, HP float64
	Speed          float64

	Hidden      bool
	Relax       bool
	Autopilot   bool
	TouchDevice bool
}

func (s ModifierSignature) AttributeKey() AttributeKey {
	return AttributeKey{
		TimelineKey: TimelineKey{Speed: s.Speed, AR: s.AR, CS: s.CS},
		OD:          s.OD,
		Relax:       s.Relax,
		TouchDevice: s.TouchDevice,
	}
}

// Effective applies mods, a speed override (0 = derive from mods) and
// explicit overrides to a map's base difficulty. A speed that is not a
// positive finite number falls back to the mods' rate.
func Effective(base dotosu.Difficulty, mods ModFlags, speed float64, ov Overrides) ModifierSignature {
	ar, cs, od, hp := base.ApproachRate, base.CircleSize, base.OverallDifficulty, base.HPDrainRate
	if mods.Has(HardRock) {
		cs = min(cs*1.3, 10)
		ar = min(ar*1.4, 10)
		od = min(od*1.4, 10)
		hp = min(hp*1.4, 10)
	}
	if mods.Has(Easy) {
		cs /= 2
		ar /= 2
		od /= 2
		hp /= 2
	}
	if ov.AR >= 0 {
		ar = ov.AR
	}
	if ov.CS >= 0 {
		cs = ov.CS
	}
	if ov.OD >= 0 {
		od = ov.OD
	}
	if ov.HP >= 0 {
		hp = ov.HP
	}
	if !(speed > 0) || math.IsInf(speed, 0) {
		speed = mods.Rate()
	}
	return ModifierSignature{
		AR: ar, CS: cs, OD: od, HP: hp,
		Speed:       speed,
		Hidden:      mods.Has(Hidden),
		Relax:       mods.Has(Relax),
		Autopilot:   mods.Has(Autopilot),
		TouchDevice: mods.Has(TouchDevice),
	}
}

func ApproachRateToPreempt(ar float64) float64 {
	if ar < 5 {
		return 1200 + 120*(5-ar)
	}
	return 1200 - 150*(ar-5)
}

func PreemptToAR(preempt float64) float64 {
	if preempt > 1200 {
		return 5 - (preempt-1200)/120
	}
	return 5 + (1200-preempt)/150
}

// HitWindows returns the +- windows in ms for 300/100/50 at the given rate.
func HitWindows(od, speed float64) (w300, w100, w50 float64) {
	return (80 - 6*od) / speed, (140 - 8*od) / speed, (200 - 10*od) / speed
}

// CircleRadius in osu!pixels for a circle size.
func CircleRadius(cs float64) float64 {
	return 54.4 - 4.48*cs
}
