package osuapi

import (
	"strconv"
	"time"

	"ppcache/difficulty"
	"ppcache/store"
)

// Token models the osu! OAuth token response.
type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope"`

	expires time.Time
}

func (t *Token) header() string { return t.TokenType + " " + t.AccessToken }

// Beatmap is the subset of the API beatmap object the store needs.
type Beatmap struct {
	ID           int        `json:"id"`
	BeatmapsetID int        `json:"beatmapset_id"`
	Checksum     string     `json:"checksum"`
	Version      string     `json:"version"`
	Mode         string     `json:"mode"`
	Status       string     `json:"status"`
	AR           float64    `json:"ar"`
	CS           float64    `json:"cs"`
	Accuracy     float64    `json:"accuracy"`
	Drain        float64    `json:"drain"`
	BPM          float64    `json:"bpm"`
	MaxCombo     int        `json:"max_combo"`
	TotalLength  int        `json:"total_length"`
	Beatmapset   Beatmapset `json:"beatmapset"`
}

type Beatmapset struct {
	ID      int    `json:"id"`
	Artist  string `json:"artist"`
	Title   string `json:"title"`
	Creator string `json:"creator"`
}

// Record turns b into a store record for a .osu file at path.
func (b Beatmap) Record(path string) store.MapRecord {
	title := b.Beatmapset.Title
	if b.Version != "" {
		title += " [" + b.Version + "]"
	}
	return store.MapRecord{
		Checksum:  b.Checksum,
		Path:      path,
		BeatmapID: b.ID,
		Title:     title,
		AR:        b.AR,
		CS:        b.CS,
		OD:        b.Accuracy,
		HP:        b.Drain,
	}
}

type Statistics struct {
	Count300  int `json:"count_300"`
	Count100  int `json:"count_100"`
	Count50   int `json:"count_50"`
	CountGeki int `json:"count_geki"`
	CountKatu int `json:"count_katu"`
	CountMiss int `json:"count_miss"`
}

type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type Score struct {
	ID         int64      `json:"id"`
	CreatedAt  time.Time  `json:"created_at"`
	MaxCombo   int        `json:"max_combo"`
	Mods       []string   `json:"mods"`
	PP         float64    `json:"pp"`
	Score      int64      `json:"score"`
	Statistics Statistics `json:"statistics"`
	Beatmap    Beatmap    `json:"beatmap"`
	BeatmapSet Beatmapset `json:"beatmapset"`
	User       User       `json:"user"`
}

// Record turns s into a store record. The play time in unix ms is the key.
func (s Score) Record() store.ScoreRecord {
	st := s.Statistics
	player := s.User.Username
	if player == "" {
		player = strconv.FormatInt(s.User.ID, 10)
	}
	return store.ScoreRecord{
		Timestamp:  s.CreatedAt.UnixMilli(),
		Checksum:   s.Beatmap.Checksum,
		Player:     player,
		Mods:       difficulty.ParseMods(s.Mods),
		AROverride: -1,
		CSOverride: -1,
		ODOverride: -1,
		HPOverride: -1,
		MaxCombo:   s.MaxCombo,
		Misses:     st.CountMiss,
		Judgements: difficulty.Judgements{
			N300: st.Count300,
			N100: st.Count100,
			N50:  st.Count50,
			Geki: st.CountGeki,
			Katu: st.CountKatu,
		},
		LegacyScore: s.Score,
	}
}
