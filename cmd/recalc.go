package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"ppcache/difficulty"
	"ppcache/recalc"
)

var (
	recalcReport   string
	recalcInterval time.Duration
)

var recalcCmd = &cobra.Command{
	Use:   "recalc",
	Short: "Recompute stale star ratings and pp in the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		ctx, cancel := signalContext()
		defer cancel()

		engine := recalc.New(recalc.Options{
			Store:       st,
			Loader:      beatmapLoader(st),
			Calculator:  difficulty.Standard{},
			Coordinator: coordinator(),
		})
		if err := engine.Start(ctx); err != nil {
			return err
		}

		done := make(chan struct{})
		go func() {
			ticker := time.NewTicker(recalcInterval)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					p := engine.Progress()
					logrus.WithFields(logrus.Fields{
						"maps":   fmt.Sprintf("%d/%d", p.MapsDone, p.MapsTotal),
						"scores": fmt.Sprintf("%d/%d", p.ScoresDone, p.ScoresTotal),
					}).Info("recalculating")
				}
			}
		}()
		summary, runErr := engine.Wait()
		close(done)

		out, err := yaml.Marshal(summary)
		if err != nil {
			return err
		}
		if recalcReport != "" {
			if err := os.WriteFile(recalcReport, out, 0o644); err != nil {
				return fmt.Errorf("write report: %w", err)
			}
		} else {
			_, _ = cmd.OutOrStdout().Write(out)
		}
		return runErr
	},
}

func init() {
	recalcCmd.Flags().StringVar(&recalcReport, "report", "", "write the run summary as YAML to this file")
	recalcCmd.Flags().DurationVar(&recalcInterval, "progress", 2*time.Second, "progress log interval")
	rootCmd.AddCommand(recalcCmd)
}
