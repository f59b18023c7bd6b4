package cmd

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"ppcache/difficulty"
	"ppcache/osuapi"
	"ppcache/ppcache"
	"ppcache/store"
)

var queryFlags struct {
	mods    string
	speed   float64
	combo   int
	misses  int
	n100    int
	n50     int
	timeout time.Duration
}

var queryCmd = &cobra.Command{
	Use:   "query <checksum>",
	Short: "Compute the pp of one play through the on-demand worker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		ctx, cancel := signalContext()
		defer cancel()
		ctx, cancelTimeout := context.WithTimeout(ctx, queryFlags.timeout)
		defer cancelTimeout()

		rec, err := mapForQuery(ctx, st, args[0])
		if err != nil {
			return err
		}
		res, err := queryPP(ctx, st, rec)
		if err != nil {
			return err
		}
		out, err := yaml.Marshal(res)
		if err != nil {
			return err
		}
		_, _ = cmd.OutOrStdout().Write(out)
		return nil
	},
}

func init() {
	f := queryCmd.Flags()
	f.StringVar(&queryFlags.mods, "mods", "", "mod acronyms, e.g. HDDT")
	f.Float64Var(&queryFlags.speed, "speed", 0, "clock rate (0 = from mods)")
	f.IntVar(&queryFlags.combo, "combo", 0, "max combo (0 = full combo)")
	f.IntVar(&queryFlags.misses, "misses", 0, "miss count")
	f.IntVar(&queryFlags.n100, "n100", 0, "100 count")
	f.IntVar(&queryFlags.n50, "n50", 0, "50 count")
	f.DurationVar(&queryFlags.timeout, "timeout", 30*time.Second, "give up after this long")
	rootCmd.AddCommand(queryCmd)
}

// mapForQuery finds the map in the store, falling back to the API lookup
// when credentials are configured.
func mapForQuery(ctx context.Context, st *store.Store, checksum string) (store.MapRecord, error) {
	rec, err := st.Map(checksum)
	if err == nil || !errors.Is(err, store.ErrNotFound) {
		return rec, err
	}
	b, apiErr := apiClient().LookupBeatmap(ctx, checksum)
	if apiErr != nil {
		if errors.Is(apiErr, osuapi.ErrNoCredentials) {
			return rec, err
		}
		return rec, fmt.Errorf("%w; api lookup: %w", err, apiErr)
	}
	rec = b.Record(filepath.Join(cfg.SongsDir, fmt.Sprintf("%d.osu", b.ID)))
	if err := st.UpsertMaps(ctx, rec); err != nil {
		return rec, err
	}
	return rec, nil
}

type queryResult struct {
	Checksum string  `yaml:"checksum"`
	Title    string  `yaml:"title"`
	Mods     string  `yaml:"mods"`
	Speed    float64 `yaml:"speed"`
	Combo    int     `yaml:"combo"`
	Stars    float64 `yaml:"stars"`
	PP       float64 `yaml:"pp"`
}

func queryPP(ctx context.Context, st *store.Store, rec store.MapRecord) (queryResult, error) {
	worker := ppcache.NewWorker(ppcache.WorkerConfig{
		Name:        "query",
		Loader:      beatmapLoader(st),
		Calculator:  difficulty.Standard{},
		Coordinator: coordinator(),
	})
	defer worker.Close()
	worker.SetActiveMap(&ppcache.MapRef{Checksum: rec.Checksum, Path: rec.Path})

	score := store.ScoreRecord{
		Checksum:   rec.Checksum,
		Mods:       difficulty.ParseMods([]string{queryFlags.mods}),
		Speed:      queryFlags.speed,
		AROverride: -1,
		CSOverride: -1,
		ODOverride: -1,
		HPOverride: -1,
		MaxCombo:   queryFlags.combo,
		Misses:     queryFlags.misses,
		Judgements: difficulty.Judgements{N100: queryFlags.n100, N50: queryFlags.n50},
	}
	sig := score.Signature(rec)

	// The object count and max combo fill in the judgements the flags
	// leave out. Resolving them also surfaces map errors the worker would
	// only log.
	caches, err := worker.Caches()
	if err != nil {
		return queryResult{}, err
	}
	attrs, ok, err := caches.ResolveAttributes(ctx, sig.AttributeKey())
	if err != nil {
		return queryResult{}, err
	}
	if !ok {
		cause := errors.New("timeline failed")
		if tl, found := caches.Timelines.Lookup(sig.AttributeKey().TimelineKey); found && tl.Failed() {
			cause = tl.Err
		}
		return queryResult{}, fmt.Errorf("map %s cannot be rated: %w", rec.Checksum, cause)
	}
	if score.MaxCombo <= 0 {
		score.MaxCombo = attrs.MaxCombo
	}
	score.Judgements.N300 = max(0, attrs.ObjectCount-score.Judgements.N100-score.Judgements.N50-score.Misses)

	req := score.Request(rec)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if r := worker.Query(req, true); !r.Pending() {
			return queryResult{
				Checksum: rec.Checksum,
				Title:    rec.Title,
				Mods:     score.Mods.String(),
				Speed:    sig.Speed,
				Combo:    score.MaxCombo,
				Stars:    r.Stars,
				PP:       r.PP,
			}, nil
		}
		logrus.WithField("pending", worker.Pending()).Debug("waiting for worker")
		select {
		case <-ctx.Done():
			return queryResult{}, ctx.Err()
		case <-ticker.C:
		}
	}
}
