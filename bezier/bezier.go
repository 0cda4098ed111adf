package bezier

import (
	"fmt"
	"math"

	"github.com/calvinmclean/servomotion/keyframe"
)

// DefaultSamples is the number of points computed per segment when no count is provided
const DefaultSamples = 100

// bisection stops after this many halvings or once the time error is below timeTolerance
const (
	maxIterations = 60
	timeTolerance = 1e-6
)

// Point is one sampled (time, value) position on a curve
type Point struct {
	Time  float64
	Value float64
}

// OvershootPolicy decides what happens to curve values outside the channel's bounds when the
// curve is built for display
type OvershootPolicy int

const (
	// OvershootAllow draws the curve as is. Values are still clamped before reaching hardware
	OvershootAllow OvershootPolicy = iota
	// OvershootClamp clamps displayed values to the channel's bounds
	OvershootClamp
)

func (p OvershootPolicy) String() string {
	switch p {
	case OvershootClamp:
		return "clamp"
	default:
		return "allow"
	}
}

// ParseOvershootPolicy reads a policy name as used in configuration files
func ParseOvershootPolicy(s string) (OvershootPolicy, error) {
	switch s {
	case "", "allow":
		return OvershootAllow, nil
	case "clamp":
		return OvershootClamp, nil
	default:
		return OvershootAllow, fmt.Errorf("unknown overshoot policy %q", s)
	}
}

// controlPoints returns P0..P3 for the segment between k0 and k1. A missing handle is treated as
// a zero offset
func controlPoints(k0, k1 keyframe.Keyframe) (p0, p1, p2, p3 Point) {
	p0 = Point{float64(k0.Time), float64(k0.Value)}
	p3 = Point{float64(k1.Time), float64(k1.Value)}
	p1, p2 = p0, p3
	if k0.Out != nil {
		p1 = Point{p0.Time + k0.Out.DT, p0.Value + k0.Out.DV}
	}
	if k1.In != nil {
		p2 = Point{p3.Time + k1.In.DT, p3.Value + k1.In.DV}
	}
	return p0, p1, p2, p3
}

func blend(t, a, b, c, d float64) float64 {
	u := 1 - t
	return u*u*u*a + 3*u*u*t*b + 3*u*t*t*c + t*t*t*d
}

func at(t float64, p0, p1, p2, p3 Point) Point {
	switch t {
	case 0:
		return p0
	case 1:
		return p3
	}
	return Point{
		Time:  blend(t, p0.Time, p1.Time, p2.Time, p3.Time),
		Value: blend(t, p0.Value, p1.Value, p2.Value, p3.Value),
	}
}

// EvaluateSegment samples the cubic Bezier between two keyframes at evenly spaced t in [0, 1],
// both ends included, so the first and last points are exactly k0 and k1. It returns nil when
// k0 has no outgoing handle or k1 has no incoming handle
func EvaluateSegment(k0, k1 keyframe.Keyframe, samples int) []Point {
	if k0.Out == nil || k1.In == nil {
		return nil
	}
	if samples <= 0 {
		samples = DefaultSamples
	}
	samples = max(samples, 2)

	p0, p1, p2, p3 := controlPoints(k0, k1)

	points := make([]Point, samples)
	for i := range samples {
		t := float64(i) / float64(samples-1)
		points[i] = at(t, p0, p1, p2, p3)
	}
	return points
}

// Curve builds the display curve for a channel by joining every segment. Shared endpoints
// between segments appear once
func Curve(kfs []keyframe.Keyframe, samples int, c keyframe.Channel, policy OvershootPolicy) []Point {
	var result []Point
	for i := 1; i < len(kfs); i++ {
		seg := EvaluateSegment(kfs[i-1], kfs[i], samples)
		if len(seg) == 0 {
			continue
		}
		if len(result) > 0 && result[len(result)-1] == seg[0] {
			seg = seg[1:]
		}
		result = append(result, seg...)
	}

	if policy == OvershootClamp {
		lo, hi := float64(c.Min), float64(c.Max)
		for i := range result {
			result[i].Value = min(max(result[i].Value, lo), hi)
		}
	}
	return result
}

// ValueAt returns the curve value at ms. Times before the first keyframe hold the first value and
// times after the last hold the last value. The bool is false when kfs is empty
func ValueAt(kfs []keyframe.Keyframe, ms float64) (float64, bool) {
	if len(kfs) == 0 {
		return 0, false
	}
	if ms <= float64(kfs[0].Time) {
		return float64(kfs[0].Value), true
	}
	last := kfs[len(kfs)-1]
	if ms >= float64(last.Time) {
		return float64(last.Value), true
	}

	i := 1
	for i < len(kfs)-1 && float64(kfs[i].Time) < ms {
		i++
	}
	k0, k1 := kfs[i-1], kfs[i]
	if k1.Time == k0.Time {
		return float64(k1.Value), true
	}

	p0, p1, p2, p3 := controlPoints(k0, k1)

	// find t where the time polynomial reaches ms
	lo, hi := 0.0, 1.0
	t := 0.5
	for range maxIterations {
		t = (lo + hi) / 2
		x := blend(t, p0.Time, p1.Time, p2.Time, p3.Time)
		if math.Abs(x-ms) < timeTolerance {
			break
		}
		if x < ms {
			lo = t
		} else {
			hi = t
		}
	}
	return blend(t, p0.Value, p1.Value, p2.Value, p3.Value), true
}

// Clamp rounds a curve value and limits it to [lo, hi] for hardware use
func Clamp(v float64, lo, hi int) int {
	return min(max(int(math.Round(v)), lo), hi)
}
