package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"ppcache/dotosu"
	"ppcache/osuapi"
	"ppcache/store"
)

var importCmd = &cobra.Command{
	Use:   "import [songs-dir]",
	Short: "Index .osu files into the store",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := cfg.SongsDir
		if len(args) == 1 {
			dir = args[0]
		}
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		ctx, cancel := signalContext()
		defer cancel()
		n, err := importSongs(ctx, st, dir)
		if err != nil {
			return err
		}
		maps, _ := st.Counts()
		fmt.Fprintf(cmd.OutOrStdout(), "indexed %d beatmaps, %d in store\n", n, maps)
		return nil
	},
}

var importUser int

var importScoresCmd = &cobra.Command{
	Use:   "import-scores",
	Short: "Pull a user's best scores from the osu! API into the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		if importUser <= 0 {
			return fmt.Errorf("--user is required")
		}
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		ctx, cancel := signalContext()
		defer cancel()
		added, err := importScores(ctx, st, apiClient(), importUser)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "imported %d new scores for user %d\n", added, importUser)
		return nil
	},
}

func init() {
	importScoresCmd.Flags().IntVar(&importUser, "user", 0, "osu! user id")
	rootCmd.AddCommand(importCmd, importScoresCmd)
}

func importSongs(ctx context.Context, st *store.Store, dir string) (int, error) {
	entries, err := dotosu.IndexDir(dir)
	if err != nil {
		return 0, fmt.Errorf("index %s: %w", dir, err)
	}
	records := make([]store.MapRecord, 0, len(entries))
	for _, e := range entries {
		bm := e.Beatmap
		title := bm.Metadata.Title
		if bm.Metadata.Version != "" {
			title += " [" + bm.Metadata.Version + "]"
		}
		records = append(records, store.MapRecord{
			Checksum:  bm.Checksum,
			Path:      e.Path,
			BeatmapID: bm.Metadata.BeatmapID,
			Title:     title,
			AR:        bm.Difficulty.ApproachRate,
			CS:        bm.Difficulty.CircleSize,
			OD:        bm.Difficulty.OverallDifficulty,
			HP:        bm.Difficulty.HPDrainRate,
		})
	}
	if err := st.UpsertMaps(ctx, records...); err != nil {
		return 0, err
	}
	return len(records), nil
}

// importScores stores a user's top plays. Maps the store does not know yet
// are registered from the API's beatmap data so recalc can download them.
func importScores(ctx context.Context, st *store.Store, client *osuapi.Client, user int) (int, error) {
	scores, err := client.AllUserBest(ctx, user)
	if err != nil {
		return 0, err
	}
	var maps []store.MapRecord
	records := make([]store.ScoreRecord, 0, len(scores))
	for _, s := range scores {
		if _, err := st.Map(s.Beatmap.Checksum); err != nil {
			b := s.Beatmap
			b.Beatmapset = s.BeatmapSet
			path := filepath.Join(cfg.SongsDir, fmt.Sprintf("%d.osu", b.ID))
			maps = append(maps, b.Record(path))
		}
		records = append(records, s.Record())
	}
	if err := st.UpsertMaps(ctx, maps...); err != nil {
		return 0, err
	}
	logrus.WithFields(logrus.Fields{"user": user, "scores": len(scores), "new_maps": len(maps)}).Info("fetched best scores")
	return st.InsertScores(ctx, records...)
}
