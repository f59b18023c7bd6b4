package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"ppcache/difficulty"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrExists   = errors.New("record already exists")
)

// Store keeps every map and score in memory and writes changes through to
// sqlite. Readers share an RWMutex; updates take the write lock only to swap
// fields on the in-memory record.
type Store struct {
	db   *sql.DB
	path string

	mu         sync.RWMutex
	maps       map[string]*MapRecord
	scores     map[int64]*ScoreRecord
	scoreOrder []int64
}

// Open opens or creates the database at path and loads it into memory.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// a single connection serializes writers; sqlite allows only one anyway
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-16000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	s := &Store{
		db:     db,
		path:   path,
		maps:   make(map[string]*MapRecord),
		scores: make(map[int64]*ScoreRecord),
	}
	if err := s.initializeSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("load store: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"path":   path,
		"maps":   len(s.maps),
		"scores": len(s.scores),
	}).Info("store opened")
	return s, nil
}

func (s *Store) initializeSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS maps (
			checksum TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			beatmap_id INTEGER NOT NULL DEFAULT 0,
			title TEXT NOT NULL DEFAULT '',
			ar REAL NOT NULL,
			cs REAL NOT NULL,
			od REAL NOT NULL,
			hp REAL NOT NULL,
			stars REAL NOT NULL DEFAULT 0,
			stars_version INTEGER NOT NULL DEFAULT 0,
			length_ms INTEGER NOT NULL DEFAULT 0,
			objects INTEGER NOT NULL DEFAULT 0,
			circles INTEGER NOT NULL DEFAULT 0,
			sliders INTEGER NOT NULL DEFAULT 0,
			spinners INTEGER NOT NULL DEFAULT 0,
			max_combo INTEGER NOT NULL DEFAULT 0,
			min_bpm REAL NOT NULL DEFAULT 0,
			max_bpm REAL NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_maps_beatmap_id ON maps(beatmap_id);

		CREATE TABLE IF NOT EXISTS scores (
			timestamp INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			player TEXT NOT NULL DEFAULT '',
			mods INTEGER NOT NULL DEFAULT 0,
			speed REAL NOT NULL DEFAULT 0,
			ar_override REAL NOT NULL DEFAULT -1,
			cs_override REAL NOT NULL DEFAULT -1,
			od_override REAL NOT NULL DEFAULT -1,
			hp_override REAL NOT NULL DEFAULT -1,
			max_combo INTEGER NOT NULL,
			misses INTEGER NOT NULL,
			n300 INTEGER NOT NULL,
			n100 INTEGER NOT NULL,
			n50 INTEGER NOT NULL,
			geki INTEGER NOT NULL DEFAULT 0,
			katu INTEGER NOT NULL DEFAULT 0,
			legacy_score INTEGER NOT NULL DEFAULT 0,
			pp REAL NOT NULL DEFAULT -1,
			stars REAL NOT NULL DEFAULT -1,
			pp_version INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_scores_checksum ON scores(checksum);

		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY
		);
		INSERT OR REPLACE INTO schema_version (version) VALUES (1);
	`
	_, err := s.db.Exec(schema)
	return err
}

// load reads both tables. Each query runs in its own function so its rows
// release the single connection before the next one starts.
func (s *Store) load() error {
	if err := s.loadMaps(); err != nil {
		return err
	}
	return s.loadScores()
}

func (s *Store) loadMaps() error {
	rows, err := s.db.Query(`
		SELECT checksum, path, beatmap_id, title, ar, cs, od, hp, stars, stars_version,
			length_ms, objects, circles, sliders, spinners, max_combo, min_bpm, max_bpm
		FROM maps`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var m MapRecord
		if err := rows.Scan(&m.Checksum, &m.Path, &m.BeatmapID, &m.Title, &m.AR, &m.CS, &m.OD, &m.HP,
			&m.Stars, &m.StarsVersion, &m.LengthMS, &m.Objects, &m.Circles, &m.Sliders, &m.Spinners,
			&m.MaxCombo, &m.MinBPM, &m.MaxBPM); err != nil {
			return fmt.Errorf("scan map: %w", err)
		}
		s.maps[m.Checksum] = &m
	}
	return rows.Err()
}

func (s *Store) loadScores() error {
	scoreRows, err := s.db.Query(`
		SELECT timestamp, checksum, player, mods, speed, ar_override, cs_override, od_override, hp_override,
			max_combo, misses, n300, n100, n50, geki, katu, legacy_score, pp, stars, pp_version
		FROM scores ORDER BY timestamp`)
	if err != nil {
		return err
	}
	defer scoreRows.Close()
	for scoreRows.Next() {
		var sc ScoreRecord
		j := &sc.Judgements
		if err := scoreRows.Scan(&sc.Timestamp, &sc.Checksum, &sc.Player, &sc.Mods, &sc.Speed,
			&sc.AROverride, &sc.CSOverride, &sc.ODOverride, &sc.HPOverride,
			&sc.MaxCombo, &sc.Misses, &j.N300, &j.N100, &j.N50, &j.Geki, &j.Katu,
			&sc.LegacyScore, &sc.PP, &sc.Stars, &sc.PPVersion); err != nil {
			return fmt.Errorf("scan score: %w", err)
		}
		s.scores[sc.Timestamp] = &sc
		s.scoreOrder = append(s.scoreOrder, sc.Timestamp)
	}
	return scoreRows.Err()
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Counts returns the number of maps and scores.
func (s *Store) Counts() (maps, scores int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.maps), len(s.scores)
}

// ForEachMap calls fn with a copy of every map until fn returns false. The
// read lock is held throughout, so fn must not write to the store.
func (s *Store) ForEachMap(fn func(MapRecord) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.maps {
		if !fn(*m) {
			return
		}
	}
}

// ForEachScore visits scores in timestamp order, under the same rules as
// ForEachMap.
func (s *Store) ForEachScore(fn func(ScoreRecord) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ts := range s.scoreOrder {
		if !fn(*s.scores[ts]) {
			return
		}
	}
}

func (s *Store) Map(checksum string) (MapRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.maps[checksum]
	if !ok {
		return MapRecord{}, fmt.Errorf("map %s: %w", checksum, ErrNotFound)
	}
	return *m, nil
}

func (s *Store) Score(timestamp int64) (ScoreRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scores[timestamp]
	if !ok {
		return ScoreRecord{}, fmt.Errorf("score %d: %w", timestamp, ErrNotFound)
	}
	return *sc, nil
}

// UpsertMaps inserts new maps and refreshes path, id and title of known
// ones. Computed difficulty of a known map is left alone.
func (s *Store) UpsertMaps(ctx context.Context, records ...MapRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO maps (checksum, path, beatmap_id, title, ar, cs, od, hp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(checksum) DO UPDATE SET
			path = excluded.path, beatmap_id = excluded.beatmap_id, title = excluded.title`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, m := range records {
		if _, err := stmt.ExecContext(ctx, m.Checksum, m.Path, m.BeatmapID, m.Title, m.AR, m.CS, m.OD, m.HP); err != nil {
			return fmt.Errorf("upsert map %s: %w", m.Checksum, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range records {
		if old, ok := s.maps[m.Checksum]; ok {
			old.Path, old.BeatmapID, old.Title = m.Path, m.BeatmapID, m.Title
			continue
		}
		m.MapDifficulty = MapDifficulty{}
		s.maps[m.Checksum] = &m
	}
	return nil
}

// InsertScores adds new plays with their pp unset. Plays whose timestamp is
// already stored are skipped; the number actually inserted is returned.
func (s *Store) InsertScores(ctx context.Context, records ...ScoreRecord) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO scores (timestamp, checksum, player, mods, speed,
			ar_override, cs_override, od_override, hp_override,
			max_combo, misses, n300, n100, n50, geki, katu, legacy_score)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	var inserted []ScoreRecord
	for _, sc := range records {
		j := sc.Judgements
		res, err := stmt.ExecContext(ctx, sc.Timestamp, sc.Checksum, sc.Player, uint32(sc.Mods), sc.Speed,
			sc.AROverride, sc.CSOverride, sc.ODOverride, sc.HPOverride,
			sc.MaxCombo, sc.Misses, j.N300, j.N100, j.N50, j.Geki, j.Katu, sc.LegacyScore)
		if err != nil {
			return 0, fmt.Errorf("insert score %d: %w", sc.Timestamp, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		sc.PP, sc.Stars, sc.PPVersion = -1, -1, 0
		inserted = append(inserted, sc)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sc := range inserted {
		s.scores[sc.Timestamp] = &sc
		s.scoreOrder = append(s.scoreOrder, sc.Timestamp)
	}
	if len(inserted) > 0 && !slices.IsSorted(s.scoreOrder) {
		slices.Sort(s.scoreOrder)
	}
	return len(inserted), nil
}

// InsertScore adds a single play, failing with ErrExists on a duplicate.
func (s *Store) InsertScore(ctx context.Context, sc ScoreRecord) error {
	n, err := s.InsertScores(ctx, sc)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("score %d: %w", sc.Timestamp, ErrExists)
	}
	return nil
}

// UpdateMapDifficulty stores freshly computed difficulty for a map.
func (s *Store) UpdateMapDifficulty(ctx context.Context, checksum string, d MapDifficulty) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE maps SET stars = ?, stars_version = ?, length_ms = ?, objects = ?, circles = ?,
			sliders = ?, spinners = ?, max_combo = ?, min_bpm = ?, max_bpm = ?
		WHERE checksum = ?`,
		d.Stars, d.StarsVersion, d.LengthMS, d.Objects, d.Circles,
		d.Sliders, d.Spinners, d.MaxCombo, d.MinBPM, d.MaxBPM, checksum)
	if err != nil {
		return fmt.Errorf("update map %s: %w", checksum, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("map %s: %w", checksum, ErrNotFound)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.maps[checksum]; ok {
		m.MapDifficulty = d
	}
	return nil
}

// UpdateScorePP stores a freshly computed pp value for a play.
func (s *Store) UpdateScorePP(ctx context.Context, timestamp int64, pp, stars float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scores SET pp = ?, stars = ?, pp_version = ? WHERE timestamp = ?`,
		pp, stars, difficulty.Version, timestamp)
	if err != nil {
		return fmt.Errorf("update score %d: %w", timestamp, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("score %d: %w", timestamp, ErrNotFound)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sc, ok := s.scores[timestamp]; ok {
		sc.PP, sc.Stars, sc.PPVersion = pp, stars, difficulty.Version
	}
	return nil
}
