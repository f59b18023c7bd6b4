package osuapi

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"ppcache/dotosu"
)

// FetchingLoader wraps a loader and downloads .osu files that are missing
// on disk. BeatmapID maps a path to the difficulty to download; paths it
// does not know stay ErrNotFound.
type FetchingLoader struct {
	Inner     dotosu.Loader
	Client    *Client
	BeatmapID func(path string) (int, bool)
}

func (l FetchingLoader) Load(ctx context.Context, path string) (*dotosu.Beatmap, error) {
	inner := l.Inner
	if inner == nil {
		inner = dotosu.DiskLoader{}
	}
	bm, err := inner.Load(ctx, path)
	if err == nil || !errors.Is(err, dotosu.ErrNotFound) || l.Client == nil || l.BeatmapID == nil {
		return bm, err
	}
	id, ok := l.BeatmapID(path)
	if !ok || id <= 0 {
		return nil, err
	}

	raw, dlErr := l.Client.DownloadOsu(ctx, id)
	if dlErr != nil {
		return nil, fmt.Errorf("%w (download failed: %w)", err, dlErr)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create beatmap dir: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	logrus.WithFields(logrus.Fields{"path": path, "beatmap_id": id}).Info("downloaded missing beatmap")
	return inner.Load(ctx, path)
}
