package dotosu

import (
	"crypto/md5"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	if os.Getenv("DEBUG_TESTS") == "" {
		logrus.SetLevel(logrus.WarnLevel)
	}
	os.Exit(m.Run())
}

const sample = "\ufeffosu file format v14\r\n" + `
[General]
StackLeniency: 0.5
Mode: 0

[Metadata]
Title:Sample
Version:Hard
BeatmapID:123
BeatmapSetID:45

[Difficulty]
HPDrainRate:6
CircleSize:4.2
OverallDifficulty:8
ApproachRate:11
SliderMultiplier:1.8
SliderTickRate:2

[Events]
//Break Periods
2,5000,8000

[TimingPoints]
0,300,4,2,0,60,1,0
4000,-50,4,2,0,60,0,0

[HitObjects]
100,100,1000,5,0,0:0:0:0:
// comment lines are ignored
200,200,1500,2,0,B|250:250|250:250|300:200,2,140
300,300,2000,2,0,P|320:320|340:300,1,80
300,300,2500,2,0,P|320:320,1,80
256,192,9000,12,0,11000,0:0:0:0:
`

func TestDecode(t *testing.T) {
	bm, err := Decode(strings.NewReader(sample))
	require.NoError(t, err)

	sum := md5.Sum([]byte(sample))
	assert.Equal(t, hex.EncodeToString(sum[:]), bm.Checksum)
	assert.Equal(t, 14, bm.FormatVersion)
	assert.InDelta(t, 0.5, bm.StackLeniency, 1e-9)
	assert.Equal(t, Metadata{Title: "Sample", Version: "Hard", BeatmapID: 123, BeatmapSetID: 45}, bm.Metadata)

	// AR is clamped to 10
	assert.Equal(t, Difficulty{
		HPDrainRate: 6, CircleSize: 4.2, OverallDifficulty: 8, ApproachRate: 10,
		SliderMultiplier: 1.8, SliderTickRate: 2,
	}, bm.Difficulty)

	require.Len(t, bm.Breaks, 1)
	assert.InDelta(t, 3000, bm.Breaks[0].Duration(), 1e-9)

	require.Len(t, bm.TimingPoints, 2)
	assert.True(t, bm.TimingPoints[0].TimingChange)
	assert.False(t, bm.TimingPoints[1].TimingChange)
	assert.InDelta(t, 2, bm.TimingPoints[1].SliderVelocityMultiplier, 1e-9)

	require.Len(t, bm.HitObjects, 5)
	assert.Equal(t, KindCircle, bm.HitObjects[0].Kind())
	assert.Equal(t, Vec2{X: 100, Y: 100}, bm.HitObjects[0].Pos())

	bezier := bm.HitObjects[1].(Slider)
	assert.Equal(t, 2, bezier.Slides)
	assert.InDelta(t, 140, bezier.Length, 1e-9)
	assert.Equal(t, PathBezier, bezier.Path.Type)
	// the repeated anchor splits the path in two
	require.Len(t, bezier.Path.Segments, 2)
	assert.Equal(t, []Vec2{{200, 200}, {250, 250}}, bezier.Path.Segments[0].Points)
	assert.Equal(t, []Vec2{{250, 250}, {300, 200}}, bezier.Path.Segments[1].Points)

	assert.Equal(t, PathPerfect, bm.HitObjects[2].(Slider).Path.Type)
	// a perfect curve needs exactly three points
	assert.Equal(t, PathBezier, bm.HitObjects[3].(Slider).Path.Type)

	spinner := bm.HitObjects[4].(Spinner)
	assert.Equal(t, 9000, spinner.StartTime())
	assert.Equal(t, 11000, spinner.EndTime)
}

func TestDecodeOldFormatOffset(t *testing.T) {
	bm, err := Decode(strings.NewReader("osu file format v4\n[HitObjects]\n100,100,1000,1,0\n"))
	require.NoError(t, err)
	assert.Equal(t, 1000+EARLY_VERSION_TIMING_OFFSET, bm.HitObjects[0].StartTime())
}

func TestDecodeARFallsBackToOD(t *testing.T) {
	bm, err := Decode(strings.NewReader("osu file format v7\n[Difficulty]\nOverallDifficulty:7\n"))
	require.NoError(t, err)
	assert.InDelta(t, 7, bm.Difficulty.ApproachRate, 1e-9)
}

func TestDecodeClampsSliderLength(t *testing.T) {
	bm, err := Decode(strings.NewReader("osu file format v14\n[HitObjects]\n64,192,1000,2,0,L|100:100,2,1e12\n64,192,2000,2,0,L|100:100,1,NaN\n"))
	require.NoError(t, err)
	require.Len(t, bm.HitObjects, 2)
	assert.InDelta(t, maxSliderLength, bm.HitObjects[0].(Slider).Length, 1e-9)
	assert.Zero(t, bm.HitObjects[1].(Slider).Length)
}

func TestDecodeRejects(t *testing.T) {
	for name, input := range map[string]string{
		"no header":      "[General]\nMode: 0\n",
		"bad version":    "osu file format vX\n",
		"taiko":          "osu file format v14\n[General]\nMode: 1\n",
		"hold note":      "osu file format v14\n[HitObjects]\n64,192,1000,128,0,1500:0:0:0:0:\n",
		"short slider":   "osu file format v14\n[HitObjects]\n64,192,1000,2,0,L|100:100\n",
		"runaway slider": "osu file format v14\n[HitObjects]\n64,192,1000,2,0,L|100:100,1000000000,100\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(input))
			assert.Error(t, err)
		})
	}
}

func TestDiskLoaderAndIndex(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "123 Artist - Sample")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "sample.osu"), []byte(sample), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "taiko.OSU"), []byte("osu file format v14\n[General]\nMode: 1\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "audio.mp3"), []byte("x"), 0o644))

	entries, err := IndexDir(root)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Sample", entries[0].Beatmap.Metadata.Title)

	bm, err := DiskLoader{}.Load(t.Context(), entries[0].Path)
	require.NoError(t, err)
	assert.Equal(t, entries[0].Beatmap.Checksum, bm.Checksum)

	_, err = DiskLoader{}.Load(t.Context(), filepath.Join(root, "gone.osu"))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = IndexDir(filepath.Join(sub, "sample.osu"))
	assert.Error(t, err)
}
