package sequence

import (
	"math"
	"slices"

	"github.com/calvinmclean/servomotion"
	"github.com/calvinmclean/servomotion/keyframe"
)

// FinalStepDelay is the delay written for the last step of a step list
const FinalStepDelay = 500

// StepHandle is a handle in the step list format, where the value offset is called da
type StepHandle struct {
	DT float64 `json:"dt"`
	DA float64 `json:"da"`
}

// StepServo is one servo position inside a Step. Older files use angle instead of position
type StepServo struct {
	ID       int         `json:"id"`
	Name     string      `json:"name,omitempty"`
	Position *float64    `json:"position,omitempty"`
	Angle    *float64    `json:"angle,omitempty"`
	CPIn     *StepHandle `json:"cp_in"`
	CPOut    *StepHandle `json:"cp_out"`
}

// Step is an entry of the deprecated step list format: every listed servo is at its position at
// Time, and the next step follows after Delay
type Step struct {
	Time   int         `json:"time"`
	Delay  int         `json:"delay"`
	Servos []StepServo `json:"servos"`
}

func (h *StepHandle) handle() *keyframe.Handle {
	if h == nil {
		return nil
	}
	return &keyframe.Handle{DT: h.DT, DV: h.DA}
}

func stepHandle(h *keyframe.Handle) *StepHandle {
	if h == nil {
		return nil
	}
	return &StepHandle{DT: h.DT, DA: h.DV}
}

// FromSteps converts a step list into per channel keyframes
func FromSteps(steps []Step) (keyframe.Sequence, error) {
	tracks := map[int]*keyframe.Track{}
	var order []int

	for i, step := range steps {
		for _, servo := range step.Servos {
			value := servo.Position
			if value == nil {
				value = servo.Angle
			}
			if value == nil {
				return keyframe.Sequence{}, invalid("step %d: servo %d has no position", i, servo.ID)
			}

			tr, ok := tracks[servo.ID]
			if !ok {
				tr = &keyframe.Track{Channel: keyframe.Channel{
					Index: servo.ID,
					Name:  servo.Name,
					Max:   servomotion.MaxPulseWidth,
				}}
				tracks[servo.ID] = tr
				order = append(order, servo.ID)
			}

			tr.Keyframes = append(tr.Keyframes, keyframe.Keyframe{
				Time:  step.Time,
				Value: int(math.Round(*value)),
				In:    servo.CPIn.handle(),
				Out:   servo.CPOut.handle(),
			})
		}
	}

	seq := keyframe.Sequence{}
	for _, idx := range order {
		tr := tracks[idx]
		slices.SortStableFunc(tr.Keyframes, func(a, b keyframe.Keyframe) int { return a.Time - b.Time })
		seq.Tracks = append(seq.Tracks, *tr)
	}
	seq = seq.Sorted()

	err := seq.Validate()
	if err != nil {
		return keyframe.Sequence{}, invalid("%v", err)
	}
	return seq, nil
}

// ToSteps converts a sequence into a step list with one step per distinct keyframe time. A
// channel with several keyframes at the same time contributes its first one
func ToSteps(seq keyframe.Sequence) []Step {
	seq = seq.Sorted()

	var times []int
	for _, tr := range seq.Tracks {
		for _, k := range tr.Keyframes {
			times = append(times, k.Time)
		}
	}
	slices.Sort(times)
	times = slices.Compact(times)

	steps := make([]Step, 0, len(times))
	for i, t := range times {
		step := Step{Time: t, Delay: FinalStepDelay, Servos: []StepServo{}}
		if i < len(times)-1 {
			step.Delay = times[i+1] - t
		}

		for _, tr := range seq.Tracks {
			idx := slices.IndexFunc(tr.Keyframes, func(k keyframe.Keyframe) bool { return k.Time == t })
			if idx < 0 {
				continue
			}
			k := tr.Keyframes[idx]
			value := float64(k.Value)
			step.Servos = append(step.Servos, StepServo{
				ID:       tr.Channel.Index,
				Name:     tr.Channel.Name,
				Position: &value,
				Angle:    &value,
				CPIn:     stepHandle(k.In),
				CPOut:    stepHandle(k.Out),
			})
		}
		steps = append(steps, step)
	}
	return steps
}
