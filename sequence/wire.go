package sequence

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/calvinmclean/servomotion/keyframe"
)

const (
	keyframeSeparator = ";"
	fieldSeparator    = ","
	wireFields        = 6
)

var ErrInvalidWireFormat = errors.New("invalid wire format")

// WireHandle is a control handle rounded to integers for the device
type WireHandle struct {
	DT int
	DV int
}

// WireKeyframe is a keyframe as the device receives it
type WireKeyframe struct {
	Time  int
	Value int
	In    *WireHandle
	Out   *WireHandle
}

func (w WireKeyframe) String() string {
	fields := make([]string, 0, wireFields)
	fields = append(fields, strconv.Itoa(w.Time), strconv.Itoa(w.Value))
	fields = append(fields, formatHandle(w.In)...)
	fields = append(fields, formatHandle(w.Out)...)
	return strings.Join(fields, fieldSeparator)
}

func formatHandle(h *WireHandle) []string {
	if h == nil {
		return []string{"", ""}
	}
	return []string{strconv.Itoa(h.DT), strconv.Itoa(h.DV)}
}

func roundHandle(h *keyframe.Handle) *WireHandle {
	if h == nil {
		return nil
	}
	return &WireHandle{
		DT: int(math.Round(h.DT)),
		DV: int(math.Round(h.DV)),
	}
}

// ToWire rounds every field of the keyframes. Handles are used as they are, so callers that need
// defaults should run keyframe.EnsureHandles first
func ToWire(kfs []keyframe.Keyframe) []WireKeyframe {
	result := make([]WireKeyframe, len(kfs))
	for i, k := range kfs {
		result[i] = WireKeyframe{
			Time:  k.Time,
			Value: k.Value,
			In:    roundHandle(k.In),
			Out:   roundHandle(k.Out),
		}
	}
	return result
}

// FormatWire joins wire keyframes into the LOAD_SEQ payload
func FormatWire(kfs []WireKeyframe) string {
	parts := make([]string, len(kfs))
	for i, k := range kfs {
		parts[i] = k.String()
	}
	return strings.Join(parts, keyframeSeparator)
}

// EncodeWire encodes a channel's keyframes as time,value,in_dt,in_dv,out_dt,out_dv records
// separated by semicolons
func EncodeWire(kfs []keyframe.Keyframe) string {
	return FormatWire(ToWire(kfs))
}

// DecodeWire parses a LOAD_SEQ payload. An empty payload decodes to no keyframes
func DecodeWire(s string) ([]WireKeyframe, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	records := strings.Split(s, keyframeSeparator)
	result := make([]WireKeyframe, 0, len(records))
	for i, record := range records {
		k, err := decodeRecord(record)
		if err != nil {
			return nil, fmt.Errorf("%w: keyframe %d: %w", ErrInvalidWireFormat, i, err)
		}
		result = append(result, k)
	}
	return result, nil
}

func decodeRecord(record string) (WireKeyframe, error) {
	fields := strings.Split(record, fieldSeparator)
	if len(fields) != wireFields {
		return WireKeyframe{}, fmt.Errorf("expected %d fields, got %d", wireFields, len(fields))
	}

	var (
		k   WireKeyframe
		err error
	)
	k.Time, err = strconv.Atoi(fields[0])
	if err != nil {
		return WireKeyframe{}, fmt.Errorf("time: %w", err)
	}
	k.Value, err = strconv.Atoi(fields[1])
	if err != nil {
		return WireKeyframe{}, fmt.Errorf("value: %w", err)
	}

	k.In, err = parseHandle(fields[2], fields[3])
	if err != nil {
		return WireKeyframe{}, fmt.Errorf("in handle: %w", err)
	}
	k.Out, err = parseHandle(fields[4], fields[5])
	if err != nil {
		return WireKeyframe{}, fmt.Errorf("out handle: %w", err)
	}
	return k, nil
}

func parseHandle(dt, dv string) (*WireHandle, error) {
	if dt == "" && dv == "" {
		return nil, nil
	}
	if dt == "" || dv == "" {
		return nil, errors.New("handle needs both dt and dv")
	}

	var (
		h   WireHandle
		err error
	)
	h.DT, err = strconv.Atoi(dt)
	if err != nil {
		return nil, err
	}
	h.DV, err = strconv.Atoi(dv)
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// Keyframe converts a wire keyframe back to an editor keyframe. Handles that rounded to a zero
// time offset are moved to keyframe.MinHandleDT
func (w WireKeyframe) Keyframe() keyframe.Keyframe {
	k := keyframe.Keyframe{Time: w.Time, Value: w.Value}
	if w.In != nil {
		k.In = &keyframe.Handle{DT: min(-keyframe.MinHandleDT, float64(w.In.DT)), DV: float64(w.In.DV)}
	}
	if w.Out != nil {
		k.Out = &keyframe.Handle{DT: max(keyframe.MinHandleDT, float64(w.Out.DT)), DV: float64(w.Out.DV)}
	}
	return k
}

// FromWire converts a decoded LOAD_SEQ payload into keyframes for evaluation
func FromWire(kfs []WireKeyframe) []keyframe.Keyframe {
	result := make([]keyframe.Keyframe, len(kfs))
	for i, w := range kfs {
		result[i] = w.Keyframe()
	}
	return result
}
