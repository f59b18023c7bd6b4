package dotosu

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

var ErrNotFound = errors.New("beatmap file not found")

// Loader turns a beatmap path into primitives. Any error means the map is
// unusable for this key; callers never retry on their own.
type Loader interface {
	Load(ctx context.Context, path string) (*Beatmap, error)
}

type LoaderFunc func(ctx context.Context, path string) (*Beatmap, error)

func (f LoaderFunc) Load(ctx context.Context, path string) (*Beatmap, error) { return f(ctx, path) }

// DiskLoader reads .osu files from the local filesystem.
type DiskLoader struct{}

func (DiskLoader) Load(ctx context.Context, path string) (*Beatmap, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return DecodeFile(path)
}

func DecodeFile(path string) (*Beatmap, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return nil, err
	}
	defer f.Close()
	bm, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return bm, nil
}

// IndexEntry is one decodable .osu file found under a songs directory.
type IndexEntry struct {
	Path    string
	Beatmap *Beatmap
}

// IndexDir walks root and decodes every .osu file. Files that fail to decode
// are logged and skipped; the walk only fails if root itself is unreadable.
func IndexDir(root string) ([]IndexEntry, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("path is not a directory: %s", root)
	}

	var paths []string
	if err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			logrus.WithField("path", path).Warnf("walk: %v", err)
			return nil
		}
		if !d.IsDir() && strings.EqualFold(filepath.Ext(d.Name()), ".osu") {
			paths = append(paths, path)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	sort.Strings(paths)

	entries := make([]IndexEntry, 0, len(paths))
	failCount := 0
	for _, p := range paths {
		bm, err := DecodeFile(p)
		if err != nil {
			failCount++
			logrus.WithField("path", p).Debugf("skipping: %v", err)
			continue
		}
		entries = append(entries, IndexEntry{Path: p, Beatmap: bm})
	}
	if failCount > 0 {
		logrus.Warnf("indexed %d/%d .osu files under %s", len(entries), len(paths), root)
	}
	return entries, nil
}
