package playback

import (
	"slices"
	"time"

	"github.com/calvinmclean/servomotion/keyframe"
)

// StepIndex returns the index of the last time that has passed at elapsed, or -1 before the
// first. times must be sorted
func StepIndex(times []int, elapsed time.Duration) int {
	ms := int(elapsed / time.Millisecond)
	idx, _ := slices.BinarySearch(times, ms+1)
	return idx - 1
}

// Timeline merges the keyframe times of the selected channels into one sorted list without
// duplicates. Every channel is used when channels is empty
func Timeline(seq keyframe.Sequence, channels []int) []int {
	var times []int
	for _, tr := range seq.Tracks {
		if len(channels) > 0 && !slices.Contains(channels, tr.Channel.Index) {
			continue
		}
		for _, k := range tr.Keyframes {
			times = append(times, k.Time)
		}
	}
	slices.Sort(times)
	return slices.Compact(times)
}

func keyframeTimes(kfs []keyframe.Keyframe) []int {
	times := make([]int, len(kfs))
	for i, k := range kfs {
		times[i] = k.Time
	}
	return times
}
