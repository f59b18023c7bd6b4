// Package cmd is the ppcache command line.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"ppcache/config"
	"ppcache/dotosu"
	"ppcache/osuapi"
	"ppcache/ppcache"
	"ppcache/store"
)

var (
	configPath string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "ppcache",
	Short: "osu! star rating and pp cache",
	Long: `ppcache keeps star ratings and pp values of a local score store up to date
and answers on-demand pp queries from layered timeline, attribute and result caches.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		level, err := logrus.ParseLevel(loaded.LogLevel)
		if err != nil {
			return err
		}
		logrus.SetLevel(level)
		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ./ppcache.yaml)")
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logrus.WithError(err).Error("command failed")
		os.Exit(1)
	}
}

// signalContext is cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func openStore() (*store.Store, error) {
	st, err := store.Open(cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", cfg.StorePath, err)
	}
	return st, nil
}

func apiClient() *osuapi.Client {
	return osuapi.New(osuapi.Config{
		BaseURL:           cfg.API.BaseURL,
		ClientID:          cfg.API.ClientID,
		ClientSecret:      cfg.API.ClientSecret,
		RequestsPerMinute: cfg.API.RequestsPerMinute,
	})
}

// beatmapLoader reads from disk and, when enabled, downloads files the
// store knows a beatmap id for.
func beatmapLoader(st *store.Store) dotosu.Loader {
	if !cfg.API.DownloadMissing {
		return dotosu.DiskLoader{}
	}
	ids := make(map[string]int)
	st.ForEachMap(func(m store.MapRecord) bool {
		if m.BeatmapID > 0 {
			ids[m.Path] = m.BeatmapID
		}
		return true
	})
	return osuapi.FetchingLoader{
		Client: apiClient(),
		BeatmapID: func(path string) (int, bool) {
			id, ok := ids[path]
			return id, ok
		},
	}
}

func coordinator() *ppcache.Coordinator {
	return &ppcache.Coordinator{Backoff: cfg.PauseBackoff}
}
