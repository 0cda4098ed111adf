package sequence

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/calvinmclean/servomotion"
	"github.com/calvinmclean/servomotion/keyframe"
)

var ErrInvalidSequenceFormat = errors.New("invalid sequence format")

// Metadata describes a saved sequence. Counts are recomputed on every Marshal
type Metadata struct {
	TotalKeyframes int       `json:"total_keyframes"`
	ComponentCount int       `json:"component_count"`
	DurationMS     int       `json:"duration_ms"`
	CreatedAt      time.Time `json:"created_at"`
	Name           string    `json:"name,omitempty"`
}

type fileChannel struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
	Min   int    `json:"min"`
	Max   int    `json:"max"`
}

type fileKeyframe struct {
	Channel    *int             `json:"channel"`
	Time       *float64         `json:"time"`
	Value      *float64         `json:"value"`
	ControlIn  *keyframe.Handle `json:"control_in"`
	ControlOut *keyframe.Handle `json:"control_out"`
}

type file struct {
	Metadata  Metadata       `json:"metadata"`
	Channels  []fileChannel  `json:"channels"`
	Keyframes []fileKeyframe `json:"keyframes"`
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidSequenceFormat, fmt.Sprintf(format, args...))
}

// Marshal encodes a sequence in the persistence format. Handles keep their float precision
func Marshal(seq keyframe.Sequence, meta Metadata) ([]byte, error) {
	seq = seq.Sorted()

	meta.TotalKeyframes = seq.KeyframeCount()
	meta.ComponentCount = seq.ComponentCount()
	meta.DurationMS = seq.Duration()

	f := file{
		Metadata:  meta,
		Channels:  make([]fileChannel, 0, len(seq.Tracks)),
		Keyframes: make([]fileKeyframe, 0, meta.TotalKeyframes),
	}
	for _, tr := range seq.Tracks {
		c := tr.Channel
		f.Channels = append(f.Channels, fileChannel{Index: c.Index, Name: c.Name, Min: c.Min, Max: c.Max})

		for _, k := range tr.Keyframes {
			index := c.Index
			t, v := float64(k.Time), float64(k.Value)
			f.Keyframes = append(f.Keyframes, fileKeyframe{
				Channel:    &index,
				Time:       &t,
				Value:      &v,
				ControlIn:  k.In,
				ControlOut: k.Out,
			})
		}
	}

	return json.MarshalIndent(f, "", "  ")
}

// Unmarshal decodes and validates the persistence format. Any problem is reported as
// ErrInvalidSequenceFormat with the reason
func Unmarshal(data []byte) (keyframe.Sequence, Metadata, error) {
	var keys map[string]json.RawMessage
	err := json.Unmarshal(data, &keys)
	if err != nil {
		return keyframe.Sequence{}, Metadata{}, invalid("not a JSON object: %v", err)
	}
	if _, ok := keys["keyframes"]; !ok {
		return keyframe.Sequence{}, Metadata{}, invalid("missing \"keyframes\"")
	}

	var f file
	err = json.Unmarshal(data, &f)
	if err != nil {
		return keyframe.Sequence{}, Metadata{}, invalid("%v", err)
	}

	tracks := map[int]*keyframe.Track{}
	var order []int
	for _, c := range f.Channels {
		if _, ok := tracks[c.Index]; ok {
			return keyframe.Sequence{}, Metadata{}, invalid("channel %d listed twice", c.Index)
		}
		tracks[c.Index] = &keyframe.Track{Channel: keyframe.Channel{Index: c.Index, Name: c.Name, Min: c.Min, Max: c.Max}}
		order = append(order, c.Index)
	}

	for i, fk := range f.Keyframes {
		switch {
		case fk.Channel == nil:
			return keyframe.Sequence{}, Metadata{}, invalid("keyframe %d: missing \"channel\"", i)
		case fk.Time == nil:
			return keyframe.Sequence{}, Metadata{}, invalid("keyframe %d: missing \"time\"", i)
		case fk.Value == nil:
			return keyframe.Sequence{}, Metadata{}, invalid("keyframe %d: missing \"value\"", i)
		}

		tr, ok := tracks[*fk.Channel]
		if !ok {
			tr = &keyframe.Track{Channel: keyframe.Channel{
				Index: *fk.Channel,
				Min:   0,
				Max:   servomotion.MaxPulseWidth,
			}}
			tracks[*fk.Channel] = tr
			order = append(order, *fk.Channel)
		}

		tr.Keyframes = append(tr.Keyframes, keyframe.Keyframe{
			Time:  int(math.Round(*fk.Time)),
			Value: int(math.Round(*fk.Value)),
			In:    fk.ControlIn,
			Out:   fk.ControlOut,
		})
	}

	seq := keyframe.Sequence{}
	for _, idx := range order {
		tr := tracks[idx]
		slices.SortStableFunc(tr.Keyframes, func(a, b keyframe.Keyframe) int { return a.Time - b.Time })
		seq.Tracks = append(seq.Tracks, *tr)
	}
	seq = seq.Sorted()

	err = seq.Validate()
	if err != nil {
		return keyframe.Sequence{}, Metadata{}, invalid("%v", err)
	}

	return seq, f.Metadata, nil
}

// Save writes the sequence to path. The file is written next to its destination first and renamed
// into place, so readers never see a partial file
func Save(path string, seq keyframe.Sequence, meta Metadata) error {
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}

	data, err := Marshal(seq, meta)
	if err != nil {
		return fmt.Errorf("error encoding sequence: %w", err)
	}

	return writeFileAtomic(path, data)
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("error creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	_, err = tmp.Write(data)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("error writing temp file: %w", err)
	}

	err = tmp.Sync()
	if err != nil {
		tmp.Close()
		return fmt.Errorf("error syncing temp file: %w", err)
	}

	err = tmp.Close()
	if err != nil {
		return fmt.Errorf("error closing temp file: %w", err)
	}

	err = os.Rename(tmp.Name(), path)
	if err != nil {
		return fmt.Errorf("error replacing %q: %w", path, err)
	}
	return nil
}

// Load reads a sequence saved with Save
func Load(path string) (keyframe.Sequence, Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return keyframe.Sequence{}, Metadata{}, fmt.Errorf("error reading sequence: %w", err)
	}
	return Unmarshal(data)
}

// LoadAny reads a sequence file in either the current or the legacy step list format
func LoadAny(path string) (keyframe.Sequence, Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return keyframe.Sequence{}, Metadata{}, fmt.Errorf("error reading sequence: %w", err)
	}
	return DecodeAny(data)
}

// DecodeAny detects the shape of data. A top level array is the legacy step list
func DecodeAny(data []byte) (keyframe.Sequence, Metadata, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var steps []Step
		err := json.Unmarshal(trimmed, &steps)
		if err != nil {
			return keyframe.Sequence{}, Metadata{}, invalid("step list: %v", err)
		}

		seq, err := FromSteps(steps)
		if err != nil {
			return keyframe.Sequence{}, Metadata{}, err
		}
		return seq, Metadata{
			TotalKeyframes: seq.KeyframeCount(),
			ComponentCount: seq.ComponentCount(),
			DurationMS:     seq.Duration(),
		}, nil
	}
	return Unmarshal(data)
}

// Migrate converts a sequence file in any supported format into the current format
func Migrate(in, out string) (Metadata, error) {
	seq, meta, err := LoadAny(in)
	if err != nil {
		return Metadata{}, err
	}

	if meta.Name == "" {
		meta.Name = filepath.Base(in)
	}
	err = Save(out, seq, meta)
	if err != nil {
		return Metadata{}, err
	}

	meta.TotalKeyframes = seq.KeyframeCount()
	meta.ComponentCount = seq.ComponentCount()
	meta.DurationMS = seq.Duration()
	return meta, nil
}
