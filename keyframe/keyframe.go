package keyframe

import (
	"errors"
	"fmt"
	"math"
	"slices"
)

// DefaultHandleFactor is the share of the gap to the neighbouring keyframe used for a new handle
const DefaultHandleFactor = 0.33

// MinHandleDT is the smallest time offset a handle can have. Handles must point away from their
// keyframe in time so the curve stays single-valued
const MinHandleDT = 0.01

// MinKeyframes is the number of keyframes a channel needs to define a curve
const MinKeyframes = 2

var (
	ErrInvalidChannel   = errors.New("invalid channel")
	ErrIndexOutOfRange  = errors.New("keyframe index out of range")
	ErrMinimumKeyframes = errors.New("channel needs at least 2 keyframes")
	ErrInvalidTime      = errors.New("keyframe time must not be negative")
	ErrNoHandle         = errors.New("keyframe has no handle on that side")
	ErrUnordered        = errors.New("keyframes are not ordered by time")
	ErrHandleDirection  = errors.New("handle points towards its keyframe")
)

// Handle is a Bezier control handle relative to its keyframe
type Handle struct {
	DT float64 `json:"dt"`
	DV float64 `json:"dv"`
}

// Side picks the incoming or outgoing handle of a keyframe
type Side int

const (
	SideIn Side = iota
	SideOut
)

func (s Side) String() string {
	if s == SideOut {
		return "out"
	}
	return "in"
}

// Keyframe anchors a channel's curve at Time milliseconds with Value
type Keyframe struct {
	Time  int
	Value int
	In    *Handle
	Out   *Handle
}

// Clone deep copies the keyframe including its handles
func (k Keyframe) Clone() Keyframe {
	if k.In != nil {
		in := *k.In
		k.In = &in
	}
	if k.Out != nil {
		out := *k.Out
		k.Out = &out
	}
	return k
}

// Handle returns the handle on the requested side
func (k Keyframe) Handle(side Side) *Handle {
	if side == SideOut {
		return k.Out
	}
	return k.In
}

// Channel is one servo line. Index is the stable hardware line
type Channel struct {
	Index int
	Name  string
	Min   int
	Max   int

	// Position mirrors the last known position and seeds recorded keyframes
	Position int
	// Default is the rest position restored by a reset
	Default int
}

// Clamp limits v to the channel's bounds
func (c Channel) Clamp(v int) int {
	return min(max(v, c.Min), c.Max)
}

// Mid returns the middle of the channel's range
func (c Channel) Mid() int {
	return (c.Min + c.Max) / 2
}

// CloneAll deep copies a keyframe list
func CloneAll(kfs []Keyframe) []Keyframe {
	if kfs == nil {
		return nil
	}
	out := make([]Keyframe, len(kfs))
	for i, k := range kfs {
		out[i] = k.Clone()
	}
	return out
}

// EnsureHandles fills in missing handles with the default tangent and removes the handles that
// terminal keyframes cannot have. The list is modified in place and returned
func EnsureHandles(kfs []Keyframe) []Keyframe {
	for i := range kfs {
		if i == 0 {
			kfs[i].In = nil
		} else if kfs[i].In == nil {
			gap := float64(kfs[i].Time - kfs[i-1].Time)
			kfs[i].In = &Handle{DT: -DefaultHandleFactor * math.Max(1, gap)}
		}

		if i == len(kfs)-1 {
			kfs[i].Out = nil
		} else if kfs[i].Out == nil {
			gap := float64(kfs[i+1].Time - kfs[i].Time)
			kfs[i].Out = &Handle{DT: DefaultHandleFactor * math.Max(1, gap)}
		}
	}
	return kfs
}

// Validate checks ordering and handle direction for a channel's keyframes
func Validate(kfs []Keyframe) error {
	for i, k := range kfs {
		if k.Time < 0 {
			return ErrInvalidTime
		}
		if i > 0 && k.Time < kfs[i-1].Time {
			return ErrUnordered
		}
		if k.In != nil && k.In.DT >= 0 {
			return fmt.Errorf("%w: keyframe %d in dt %g", ErrHandleDirection, i, k.In.DT)
		}
		if k.Out != nil && k.Out.DT <= 0 {
			return fmt.Errorf("%w: keyframe %d out dt %g", ErrHandleDirection, i, k.Out.DT)
		}
	}
	return nil
}

// Duration is the time of the last keyframe
func Duration(kfs []Keyframe) int {
	if len(kfs) == 0 {
		return 0
	}
	return kfs[len(kfs)-1].Time
}

// insert places k after any keyframes with the same or earlier time and returns its index
func insert(kfs []Keyframe, k Keyframe) ([]Keyframe, int) {
	idx, _ := slices.BinarySearchFunc(kfs, k.Time+1, func(e Keyframe, t int) int {
		return e.Time - t
	})
	return slices.Insert(kfs, idx, k), idx
}
