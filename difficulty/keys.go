package difficulty

import (
	"fmt"
	"math"
)

// Version tags every star rating and pp value written to the store. Bump it
// whenever Timeline, Attributes or Performance change their output.
const Version = 20251019

// TimelineKey selects one derived object timeline.
type TimelineKey struct {
	Speed float64
	AR    float64
	CS    float64
}

func (k TimelineKey) String() string {
	return fmt.Sprintf("speed=%g ar=%g cs=%g", k.Speed, k.AR, k.CS)
}

// AttributeKey selects one set of difficulty attributes built on a timeline.
type AttributeKey struct {
	TimelineKey
	OD          float64
	Relax       bool
	TouchDevice bool
}

// HasNaN reports whether a selector field is NaN. Such a key never equals
// itself, so no cache can hold it.
func (k AttributeKey) HasNaN() bool {
	return math.IsNaN(k.Speed) || math.IsNaN(k.AR) || math.IsNaN(k.CS) || math.IsNaN(k.OD)
}

func (k AttributeKey) String() string {
	return fmt.Sprintf("%s od=%g rx=%t td=%t", k.TimelineKey, k.OD, k.Relax, k.TouchDevice)
}

type Judgements struct {
	N300 int
	N100 int
	N50  int
	Geki int
	Katu int
}

// ScoreRequest fully specifies a pp query. Every field takes part in equality.
type ScoreRequest struct {
	AttributeKey
	Mods             ModFlags
	MaxCombo         int
	Misses           int
	Judgements       Judgements
	LegacyTotalScore int64
}

func (r ScoreRequest) String() string {
	return fmt.Sprintf("%s mods=%s combo=%d miss=%d 300=%d 100=%d 50=%d",
		r.AttributeKey, r.Mods, r.MaxCombo, r.Misses,
		r.Judgements.N300, r.Judgements.N100, r.Judgements.N50)
}

// NomodKey is the attribute selector used for a map's own star rating.
func NomodKey(ar, cs, od float64) AttributeKey {
	return AttributeKey{
		TimelineKey: TimelineKey{Speed: 1, AR: ar, CS: cs},
		OD:          od,
	}
}
