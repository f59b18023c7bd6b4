package dotosu

import (
	"bufio"
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

const (
	EARLY_VERSION_TIMING_OFFSET = 24
	LATEST_VERSION              = 14

	ModeOsu = 0

	// beyond these a slider is malformed rather than merely long
	maxSliderSlides = 9000
	maxSliderLength = 100000
)

type section int

const (
	secNone section = iota
	secGeneral
	secMetadata
	secDifficulty
	secEvents
	secTimingPoints
	secHitObjects
)

// Beatmap holds the primitives difficulty computation needs from a .osu file.
// Everything cosmetic (hitsounds, storyboard, editor state) is skipped.
type Beatmap struct {
	FormatVersion int
	Checksum      string // md5 of the raw file, the identity used by the score store

	Mode          int
	StackLeniency float64

	Metadata   Metadata
	Difficulty Difficulty

	Breaks       []BreakPeriod
	TimingPoints []TimingPoint
	HitObjects   []HitObject
}

type Metadata struct {
	Title, Artist, Creator, Version string
	BeatmapID, BeatmapSetID         int
}

type Difficulty struct {
	HPDrainRate, CircleSize, OverallDifficulty, ApproachRate float64
	SliderMultiplier, SliderTickRate                         float64
}

type BreakPeriod struct{ Start, End float64 }

func (b BreakPeriod) Duration() float64 { return b.End - b.Start }

type TimingPoint struct {
	Time                     int
	BeatLength               float64
	TimingChange             bool
	SliderVelocityMultiplier float64
}

type ObjectKind uint8

const (
	KindCircle ObjectKind = iota
	KindSlider
	KindSpinner
)

type HitObjectTypeFlags int

const (
	TypeCircle   HitObjectTypeFlags = 1 << 0
	TypeSlider   HitObjectTypeFlags = 1 << 1
	TypeNewCombo HitObjectTypeFlags = 1 << 2
	TypeSpinner  HitObjectTypeFlags = 1 << 3
	TypeHold     HitObjectTypeFlags = 1 << 7
)

type Vec2 struct{ X, Y int }

type SliderPathType uint8

const (
	PathBezier SliderPathType = iota
	PathLinear
	PathCatmull
	PathPerfect
)

type SliderSegment struct {
	// Points including the segment's start; the first segment starts at the slider head.
	Points []Vec2
}

type SliderPath struct {
	Type     SliderPathType
	Segments []SliderSegment // bezier paths split on repeated (red) anchors
}

type HitObject interface {
	Kind() ObjectKind
	StartTime() int
	Pos() Vec2
}

type BaseHO struct {
	PosXY Vec2
	Time  int
	Type  HitObjectTypeFlags
}

func (b BaseHO) StartTime() int { return b.Time }
func (b BaseHO) Pos() Vec2      { return b.PosXY }

type Circle struct{ BaseHO }

func (Circle) Kind() ObjectKind { return KindCircle }

type Slider struct {
	BaseHO
	Path   SliderPath
	Slides int
	Length float64
}

func (Slider) Kind() ObjectKind { return KindSlider }

type Spinner struct {
	BaseHO
	EndTime int
}

func (Spinner) Kind() ObjectKind { return KindSpinner }

// Decode reads a whole .osu file. The checksum is computed over the raw bytes,
// so r is consumed completely.
func Decode(r io.Reader) (*Beatmap, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read beatmap: %w", err)
	}
	sum := md5.Sum(raw)

	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	var header string
	for sc.Scan() {
		line := strings.TrimSpace(strings.TrimPrefix(sc.Text(), "\ufeff"))
		if line == "" {
			continue
		}
		header = line
		break
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if !strings.HasPrefix(strings.ToLower(header), "osu file format v") {
		return nil, fmt.Errorf("invalid .osu header: %q", header)
	}
	formatVersion, err := strconv.Atoi(strings.TrimSpace(header[len("osu file format v"):]))
	if err != nil {
		return nil, fmt.Errorf("invalid .osu version in header: %q: %w", header, err)
	}

	b := &Beatmap{
		FormatVersion: formatVersion,
		Checksum:      hex.EncodeToString(sum[:]),
		StackLeniency: 0.7,
		Difficulty: Difficulty{
			HPDrainRate: 5, CircleSize: 5, OverallDifficulty: 5, ApproachRate: 5,
			SliderMultiplier: 1.4, SliderTickRate: 1,
		},
	}

	offset := 0
	if formatVersion < 5 {
		offset = EARLY_VERSION_TIMING_OFFSET
	}

	sec := secNone
	seenAR := false

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "//") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			switch strings.ToLower(line) {
			case "[general]":
				sec = secGeneral
			case "[metadata]":
				sec = secMetadata
			case "[difficulty]":
				sec = secDifficulty
			case "[events]":
				sec = secEvents
			case "[timingpoints]":
				sec = secTimingPoints
			case "[hitobjects]":
				sec = secHitObjects
			default:
				sec = secNone
			}
			continue
		}

		switch sec {
		case secGeneral:
			k, v := splitKeyVal(line)
			switch strings.ToLower(k) {
			case "stackleniency":
				b.StackLeniency = parseFloat(v, 0.7)
			case "mode":
				b.Mode = parseInt(v, 0)
			}

		case secMetadata:
			k, v := splitKeyVal(line)
			switch strings.ToLower(k) {
			case "title":
				b.Metadata.Title = v
			case "artist":
				b.Metadata.Artist = v
			case "creator":
				b.Metadata.Creator = v
			case "version":
				b.Metadata.Version = v
			case "beatmapid":
				b.Metadata.BeatmapID = parseInt(v, 0)
			case "beatmapsetid":
				b.Metadata.BeatmapSetID = parseInt(v, 0)
			}

		case secDifficulty:
			k, v := splitKeyVal(line)
			switch strings.ToLower(k) {
			case "hpdrainrate":
				b.Difficulty.HPDrainRate = parseFloat(v, 5)
			case "circlesize":
				b.Difficulty.CircleSize = parseFloat(v, 5)
			case "overalldifficulty":
				b.Difficulty.OverallDifficulty = parseFloat(v, 5)
				if !seenAR {
					b.Difficulty.ApproachRate = b.Difficulty.OverallDifficulty
				}
			case "approachrate":
				b.Difficulty.ApproachRate = parseFloat(v, 5)
				seenAR = true
			case "slidermultiplier":
				b.Difficulty.SliderMultiplier = parseFloat(v, 1.4)
			case "slidertickrate":
				b.Difficulty.SliderTickRate = parseFloat(v, 1)
			}

		case secEvents:
			parts := strings.Split(line, ",")
			if len(parts) < 3 {
				continue
			}
			switch strings.ToLower(strings.TrimSpace(parts[0])) {
			case "2", "break":
				start := parseFloat(parts[1], 0) + float64(offset)
				end := parseFloat(parts[2], start) + float64(offset)
				b.Breaks = append(b.Breaks, BreakPeriod{Start: start, End: max(start, end)})
			}

		case secTimingPoints:
			parts := strings.Split(line, ",")
			if len(parts) < 2 {
				continue
			}
			beatLen := parseFloatAllowNaN(parts[1])
			timingChange := true
			if len(parts) >= 7 {
				timingChange = strings.TrimSpace(parts[6]) == "1"
			}
			sv := 1.0
			if !math.IsNaN(beatLen) && beatLen < 0 {
				sv = 100.0 / -beatLen
			}
			b.TimingPoints = append(b.TimingPoints, TimingPoint{
				Time:                     int(parseFloat(parts[0], 0)) + offset,
				BeatLength:               beatLen,
				TimingChange:             timingChange,
				SliderVelocityMultiplier: sv,
			})

		case secHitObjects:
			obj, err := parseHitObject(line, offset)
			if err != nil {
				return nil, err
			}
			if obj != nil {
				b.HitObjects = append(b.HitObjects, obj)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if b.Mode != ModeOsu {
		return nil, fmt.Errorf("unsupported game mode %d", b.Mode)
	}

	applyDifficultyRestrictions(&b.Difficulty)
	return b, nil
}

func parseHitObject(line string, offset int) (HitObject, error) {
	parts := strings.Split(line, ",")
	if len(parts) < 5 {
		return nil, nil
	}
	base := BaseHO{
		PosXY: Vec2{X: parseInt(parts[0], 0), Y: parseInt(parts[1], 0)},
		Time:  int(parseFloat(parts[2], 0)) + offset,
		Type:  HitObjectTypeFlags(parseInt(parts[3], 0)),
	}

	switch {
	case base.Type&TypeHold != 0:
		return nil, fmt.Errorf("mania hold note at %d in an osu! beatmap", base.Time)

	case base.Type&TypeSpinner != 0:
		end := base.Time
		if len(parts) >= 6 {
			end = int(parseFloat(parts[5], float64(base.Time-offset))) + offset
		}
		return Spinner{BaseHO: base, EndTime: max(end, base.Time)}, nil

	case base.Type&TypeSlider != 0:
		if len(parts) < 8 {
			return nil, fmt.Errorf("slider at %d: expected at least 8 fields, got %d", base.Time, len(parts))
		}
		slides := max(1, parseInt(parts[6], 1))
		if slides > maxSliderSlides {
			return nil, fmt.Errorf("slider at %d: %d repeats is too many", base.Time, slides)
		}
		length := parseFloat(parts[7], 0)
		if math.IsNaN(length) || length < 0 {
			length = 0
		}
		return Slider{
			BaseHO: base,
			Path:   parseSliderPath(base.PosXY, parts[5]),
			Slides: slides,
			Length: min(length, maxSliderLength),
		}, nil

	default:
		return Circle{BaseHO: base}, nil
	}
}

func splitKeyVal(line string) (key, val string) {
	i := strings.Index(line, ":")
	if i < 0 {
		return strings.TrimSpace(line), ""
	}
	return strings.TrimSpace(line[:i]), strings.TrimSpace(line[i+1:])
}

func parseInt(s string, def int) int {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return def
	}
	return v
}

func parseFloat(s string, def float64) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return def
	}
	return v
}

func parseFloatAllowNaN(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	return min(hi, max(lo, v))
}

func applyDifficultyRestrictions(d *Difficulty) {
	d.HPDrainRate = clampFloat(d.HPDrainRate, 0, 10)
	d.OverallDifficulty = clampFloat(d.OverallDifficulty, 0, 10)
	d.ApproachRate = clampFloat(d.ApproachRate, 0, 10)
	d.CircleSize = clampFloat(d.CircleSize, 0, 10)
	d.SliderMultiplier = clampFloat(d.SliderMultiplier, 0.4, 3.6)
	d.SliderTickRate = clampFloat(d.SliderTickRate, 0.5, 8.0)
}

// parseSliderPath converts "B|x:y|x:y|..." into a typed path with the head as first point.
func parseSliderPath(head Vec2, spec string) SliderPath {
	tokens := strings.Split(strings.TrimSpace(spec), "|")

	var cps []Vec2
	for _, t := range tokens[1:] {
		xy := strings.Split(strings.TrimSpace(t), ":")
		if len(xy) != 2 {
			continue
		}
		cps = append(cps, Vec2{X: parseInt(xy[0], head.X), Y: parseInt(xy[1], head.Y)})
	}
	points := append([]Vec2{head}, cps...)

	switch strings.ToUpper(strings.TrimSpace(tokens[0])) {
	case "L":
		return SliderPath{Type: PathLinear, Segments: []SliderSegment{{Points: points}}}
	case "C":
		return SliderPath{Type: PathCatmull, Segments: []SliderSegment{{Points: points}}}
	case "P":
		// anything but head + 2 points is drawn as bezier by the game
		if len(cps) == 2 {
			return SliderPath{Type: PathPerfect, Segments: []SliderSegment{{Points: points}}}
		}
	}
	return bezierSegments(points)
}

func bezierSegments(pts []Vec2) SliderPath {
	var segs []SliderSegment
	cur := []Vec2{pts[0]}
	for _, p := range pts[1:] {
		if p == cur[len(cur)-1] {
			if len(cur) >= 2 {
				segs = append(segs, SliderSegment{Points: cur})
			}
			cur = []Vec2{p}
			continue
		}
		cur = append(cur, p)
	}
	if len(cur) >= 2 {
		segs = append(segs, SliderSegment{Points: cur})
	}
	if len(segs) == 0 {
		segs = []SliderSegment{{Points: []Vec2{pts[0], pts[0]}}}
	}
	return SliderPath{Type: PathBezier, Segments: segs}
}
