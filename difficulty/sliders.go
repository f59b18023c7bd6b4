package difficulty

import (
	"math"

	"ppcache/dotosu"
)

// tolerances match the game's path approximator
const (
	bezierToleranceSq = 0.25 * 0.25
	arcTolerance      = 0.10
	catmullDetail     = 50
)

// ApproximatePath flattens a slider path into a polyline starting at the head.
func ApproximatePath(path dotosu.SliderPath) []Vec {
	var poly []Vec
	push := func(pts ...Vec) {
		for _, p := range pts {
			if n := len(poly); n == 0 || !poly[n-1].Near(p) {
				poly = append(poly, p)
			}
		}
	}

	switch path.Type {
	case dotosu.PathLinear:
		push(toVecs(path.Segments[0].Points)...)
	case dotosu.PathCatmull:
		push(catmull(toVecs(path.Segments[0].Points))...)
	case dotosu.PathPerfect:
		v := toVecs(path.Segments[0].Points)
		if arc, ok := circularArc(v[0], v[1], v[2]); ok {
			push(arc...)
		} else {
			push(bezier(v)...)
		}
	default:
		for _, seg := range path.Segments {
			if len(seg.Points) >= 2 {
				push(bezier(toVecs(seg.Points))...)
			}
		}
	}
	return poly
}

func toVecs(points []dotosu.Vec2) []Vec {
	out := make([]Vec, len(points))
	for i, p := range points {
		out[i] = vecOf(p)
	}
	return out
}

// bezier uses adaptive de Casteljau subdivision until every piece is flat.
func bezier(cp []Vec) []Vec {
	var out []Vec
	stack := [][]Vec{cp}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if flatEnough(cur) {
			out = append(out, cur[0])
			continue
		}
		left, right := subdivide(cur)
		stack = append(stack, right, left)
	}
	return append(out, cp[len(cp)-1])
}

func flatEnough(cp []Vec) bool {
	for i := 1; i < len(cp)-1; i++ {
		d := cp[i-1].Sub(cp[i].Scale(2)).Add(cp[i+1])
		if d.Dot(d) > bezierToleranceSq {
			return false
		}
	}
	return true
}

func subdivide(cp []Vec) (left, right []Vec) {
	n := len(cp)
	left = make([]Vec, n)
	right = make([]Vec, n)
	row := append([]Vec(nil), cp...)
	for r := 0; r < n; r++ {
		left[r] = row[0]
		right[n-1-r] = row[len(row)-1]
		next := make([]Vec, len(row)-1)
		for i := range next {
			next[i] = row[i].Lerp(row[i+1], 0.5)
		}
		row = next
	}
	return left, right
}

func catmull(pts []Vec) []Vec {
	n := len(pts)
	if n < 2 {
		return pts
	}
	out := make([]Vec, 0, (n-1)*catmullDetail+1)
	out = append(out, pts[0])
	for i := 0; i < n-1; i++ {
		p0, p1, p2, p3 := pts[max(i-1, 0)], pts[i], pts[i+1], pts[min(i+2, n-1)]
		for s := 1; s <= catmullDetail; s++ {
			t := float64(s) / catmullDetail
			out = append(out, catmullPoint(p0, p1, p2, p3, t))
		}
	}
	return out
}

func catmullPoint(p0, p1, p2, p3 Vec, t float64) Vec {
	t2, t3 := t*t, t*t*t
	coord := func(a, b, c, d float64) float64 {
		return 0.5 * (2*b + (-a+c)*t + (2*a-5*b+4*c-d)*t2 + (-a+3*b-3*c+d)*t3)
	}
	return Vec{X: coord(p0.X, p1.X, p2.X, p3.X), Y: coord(p0.Y, p1.Y, p2.Y, p3.Y)}
}

// circularArc fails for (near) collinear control points; the caller falls back to bezier.
func circularArc(p1, p2, p3 Vec) ([]Vec, bool) {
	d := 2 * (p1.X*(p2.Y-p3.Y) + p2.X*(p3.Y-p1.Y) + p3.X*(p1.Y-p2.Y))
	if math.Abs(d) < 1e-6 {
		return nil, false
	}
	a2, b2, c2 := p1.Dot(p1), p2.Dot(p2), p3.Dot(p3)
	center := Vec{
		X: (a2*(p2.Y-p3.Y) + b2*(p3.Y-p1.Y) + c2*(p1.Y-p2.Y)) / d,
		Y: (a2*(p3.X-p2.X) + b2*(p1.X-p3.X) + c2*(p2.X-p1.X)) / d,
	}
	r := Distance(center, p1)

	start := math.Atan2(p1.Y-center.Y, p1.X-center.X)
	end := math.Atan2(p3.Y-center.Y, p3.X-center.X)
	dir := 1.0
	if p2.Sub(p1).Cross(p3.Sub(p2)) < 0 {
		dir = -1
	}
	sweep := end - start
	for sweep*dir <= 0 {
		sweep += dir * 2 * math.Pi
	}
	for math.Abs(sweep) > 2*math.Pi {
		sweep -= dir * 2 * math.Pi
	}

	step := math.Pi
	if arcTolerance < r {
		step = 2 * math.Acos(1-arcTolerance/r)
	}
	steps := max(2, int(math.Ceil(math.Abs(sweep)/step)))

	out := make([]Vec, 0, steps+1)
	for i := 0; i <= steps; i++ {
		a := start + sweep*float64(i)/float64(steps)
		out = append(out, Vec{X: center.X + math.Cos(a)*r, Y: center.Y + math.Sin(a)*r})
	}
	out[len(out)-1] = p3
	return out, true
}

// PathPosition walks progress osu!pixels along poly, extending the last
// segment when the path is shorter than the slider's declared length.
func PathPosition(poly []Vec, progress float64) Vec {
	if len(poly) == 0 {
		return Vec{}
	}
	if len(poly) == 1 {
		return poly[0]
	}
	for i := 1; i < len(poly); i++ {
		l := Distance(poly[i-1], poly[i])
		if progress <= l {
			if l == 0 {
				return poly[i]
			}
			return poly[i-1].Lerp(poly[i], progress/l)
		}
		progress -= l
	}
	last, prev := poly[len(poly)-1], poly[len(poly)-2]
	return last.Add(last.Sub(prev).Norm().Scale(progress))
}
