package cmd

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"ppcache/difficulty"
	"ppcache/ppcache"
	"ppcache/store"
)

var starsCmd = &cobra.Command{
	Use:   "stars",
	Short: "Nomod star ratings of every stored map, as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		ctx, cancel := signalContext()
		defer cancel()
		rows, err := starRows(ctx, st)
		if err != nil {
			return err
		}
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		defer enc.Close()
		return enc.Encode(rows)
	},
}

func init() {
	rootCmd.AddCommand(starsCmd)
}

type starRow struct {
	Checksum string  `yaml:"checksum"`
	Title    string  `yaml:"title"`
	Stars    float64 `yaml:"stars"`
	Aim      float64 `yaml:"aim"`
	Speed    float64 `yaml:"speed"`
	MaxCombo int     `yaml:"max_combo"`
	LengthS  float64 `yaml:"length_s"`
}

// starRows rates every stored map in bulk, hardest first. Maps that cannot
// be loaded are left out.
func starRows(ctx context.Context, st *store.Store) ([]starRow, error) {
	titles := make(map[string]string)
	var refs []ppcache.MapRef
	st.ForEachMap(func(m store.MapRecord) bool {
		refs = append(refs, ppcache.MapRef{Checksum: m.Checksum, Path: m.Path})
		titles[m.Checksum] = m.Title
		return true
	})

	var (
		mu   sync.Mutex
		rows []starRow
	)
	progress := &ppcache.BulkProgress{}
	err := ppcache.BulkStars(ctx, refs, ppcache.BulkOptions{
		Workers:     cfg.Workers,
		Loader:      beatmapLoader(st),
		Calculator:  difficulty.Standard{},
		Coordinator: coordinator(),
		Progress:    progress,
	}, func(r ppcache.StarResult) {
		row := starRow{
			Checksum: r.Map.Checksum,
			Title:    titles[r.Map.Checksum],
			Stars:    r.Attributes.TotalStars,
			Aim:      r.Attributes.AimStars,
			Speed:    r.Attributes.SpeedStars,
			MaxCombo: r.Timeline.MaxCombo,
			LengthS:  r.Timeline.PlayableLength / 1000,
		}
		mu.Lock()
		rows = append(rows, row)
		mu.Unlock()
	})
	if err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"rated":  len(rows),
		"failed": progress.Failed.Load(),
	}).Info("bulk star rating finished")

	slices.SortFunc(rows, func(a, b starRow) int {
		if c := cmp.Compare(b.Stars, a.Stars); c != 0 {
			return c
		}
		return cmp.Compare(a.Checksum, b.Checksum)
	})
	return rows, nil
}
