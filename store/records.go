package store

import (
	"ppcache/difficulty"
	"ppcache/dotosu"
)

// MapDifficulty is the part of a map record the engine recomputes.
type MapDifficulty struct {
	Stars        float64
	StarsVersion int
	LengthMS     int64
	Objects      int
	Circles      int
	Sliders      int
	Spinners     int
	MaxCombo     int
	MinBPM       float64
	MaxBPM       float64
}

// MapRecord is one beatmap known to the store, keyed by the md5 of its file.
type MapRecord struct {
	Checksum  string
	Path      string
	BeatmapID int
	Title     string

	AR float64
	CS float64
	OD float64
	HP float64

	MapDifficulty
}

// StarsStale reports whether the star rating is missing or was computed by
// an older algorithm.
func (m MapRecord) StarsStale() bool {
	return m.StarsVersion < difficulty.Version || m.Stars <= 0
}

// ScoreRecord is one play. Timestamp (unix ms) is its identity.
type ScoreRecord struct {
	Timestamp int64
	Checksum  string
	Player    string

	Mods  difficulty.ModFlags
	Speed float64 // 0 means derived from Mods
	// negative overrides are unset
	AROverride float64
	CSOverride float64
	ODOverride float64
	HPOverride float64

	MaxCombo    int
	Misses      int
	Judgements  difficulty.Judgements
	LegacyScore int64

	PP        float64
	Stars     float64
	PPVersion int
}

func (s ScoreRecord) PPStale() bool {
	return s.PPVersion < difficulty.Version || s.PP < 0
}

func (s ScoreRecord) Overrides() difficulty.Overrides {
	return difficulty.Overrides{AR: s.AROverride, CS: s.CSOverride, OD: s.ODOverride, HP: s.HPOverride}
}

// Signature is the modifier signature this play has on m.
func (s ScoreRecord) Signature(m MapRecord) difficulty.ModifierSignature {
	base := difficultyOf(m)
	return difficulty.Effective(base, s.Mods, s.Speed, s.Overrides())
}

// Request is the full pp query for this play on m.
func (s ScoreRecord) Request(m MapRecord) difficulty.ScoreRequest {
	return difficulty.ScoreRequest{
		AttributeKey:     s.Signature(m).AttributeKey(),
		Mods:             s.Mods,
		MaxCombo:         s.MaxCombo,
		Misses:           s.Misses,
		Judgements:       s.Judgements,
		LegacyTotalScore: s.LegacyScore,
	}
}

func difficultyOf(m MapRecord) dotosu.Difficulty {
	return dotosu.Difficulty{
		ApproachRate:      m.AR,
		CircleSize:        m.CS,
		OverallDifficulty: m.OD,
		HPDrainRate:       m.HP,
	}
}

// NomodKey selects the map's own star rating.
func (m MapRecord) NomodKey() difficulty.AttributeKey {
	return difficulty.NomodKey(m.AR, m.CS, m.OD)
}
