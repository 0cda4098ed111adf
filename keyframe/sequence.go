package keyframe

import (
	"fmt"
	"slices"
)

// Track is one channel and its keyframes inside a Sequence
type Track struct {
	Channel   Channel
	Keyframes []Keyframe
}

// Sequence is a detached copy of keyframes for any number of channels, ordered by channel index
type Sequence struct {
	Tracks []Track
}

// Clone deep copies the sequence
func (s Sequence) Clone() Sequence {
	out := Sequence{Tracks: make([]Track, len(s.Tracks))}
	for i, t := range s.Tracks {
		out.Tracks[i] = Track{Channel: t.Channel, Keyframes: CloneAll(t.Keyframes)}
	}
	return out
}

// Prepared returns a copy of the track ready to send to a device: values are clamped to the
// channel's bounds and missing handles get their defaults
func (t Track) Prepared() Track {
	kfs := CloneAll(t.Keyframes)
	for i := range kfs {
		kfs[i].Value = t.Channel.Clamp(kfs[i].Value)
	}
	t.Keyframes = EnsureHandles(kfs)
	return t
}

// Track returns the track for a channel index
func (s Sequence) Track(index int) (Track, bool) {
	for _, t := range s.Tracks {
		if t.Channel.Index == index {
			return t, true
		}
	}
	return Track{}, false
}

// Duration is the maximum over channels of the last keyframe time
func (s Sequence) Duration() int {
	var d int
	for _, t := range s.Tracks {
		d = max(d, Duration(t.Keyframes))
	}
	return d
}

// KeyframeCount counts keyframes over every channel
func (s Sequence) KeyframeCount() int {
	var n int
	for _, t := range s.Tracks {
		n += len(t.Keyframes)
	}
	return n
}

// ComponentCount counts channels that hold at least one keyframe
func (s Sequence) ComponentCount() int {
	var n int
	for _, t := range s.Tracks {
		if len(t.Keyframes) > 0 {
			n++
		}
	}
	return n
}

// Playable returns the indexes of channels with enough keyframes to play. A non-empty only
// restricts the result to those channels
func (s Sequence) Playable(only ...int) []int {
	var result []int
	for _, t := range s.Tracks {
		if len(t.Keyframes) < MinKeyframes {
			continue
		}
		if len(only) > 0 && !slices.Contains(only, t.Channel.Index) {
			continue
		}
		result = append(result, t.Channel.Index)
	}
	return result
}

// Validate checks every track's ordering and rejects duplicate channels
func (s Sequence) Validate() error {
	seen := map[int]bool{}
	for _, t := range s.Tracks {
		if seen[t.Channel.Index] {
			return fmt.Errorf("duplicate channel %d", t.Channel.Index)
		}
		seen[t.Channel.Index] = true

		if err := Validate(t.Keyframes); err != nil {
			return fmt.Errorf("channel %d: %w", t.Channel.Index, err)
		}
	}
	return nil
}

func (s *Sequence) sort() {
	slices.SortFunc(s.Tracks, func(a, b Track) int { return a.Channel.Index - b.Channel.Index })
}

// Sorted returns the sequence with tracks ordered by channel index
func (s Sequence) Sorted() Sequence {
	s = s.Clone()
	s.sort()
	return s
}
