package keyframe

import (
	"fmt"
	"slices"
	"sync"
)

// Ref identifies a keyframe inside the store
type Ref struct {
	Channel int
	Index   int
}

// Store owns every channel's keyframes. All methods are safe for concurrent use and all reads
// return copies, so callers never alias the stored data
type Store struct {
	mu       sync.RWMutex
	channels map[int]*track
}

type track struct {
	channel   Channel
	keyframes []Keyframe
}

// NewStore creates a store with the provided channels
func NewStore(channels ...Channel) *Store {
	s := &Store{channels: map[int]*track{}}
	for _, c := range channels {
		s.AddChannel(c)
	}
	return s
}

// AddChannel registers a channel or updates its bounds and name. Existing keyframes are clamped
// into the new bounds
func (s *Store) AddChannel(c Channel) {
	if c.Max < c.Min {
		c.Min, c.Max = c.Max, c.Min
	}
	c.Position = c.Clamp(c.Position)
	c.Default = c.Clamp(c.Default)

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.channels[c.Index]
	if !ok {
		s.channels[c.Index] = &track{channel: c}
		return
	}
	t.channel = c
	for i := range t.keyframes {
		t.keyframes[i].Value = c.Clamp(t.keyframes[i].Value)
	}
}

// RenameChannel changes only the display name of a channel
func (s *Store) RenameChannel(index int, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.channels[index]
	if !ok {
		return fmt.Errorf("%w: %d", ErrInvalidChannel, index)
	}
	t.channel.Name = name
	return nil
}

// SwapChannels exchanges the hardware lines of two channels. Each channel keeps its name, bounds
// and keyframes and only its index changes
func (s *Store) SwapChannels(a, b int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ta, ok := s.channels[a]
	if !ok {
		return fmt.Errorf("%w: %d", ErrInvalidChannel, a)
	}
	tb, ok := s.channels[b]
	if !ok {
		return fmt.Errorf("%w: %d", ErrInvalidChannel, b)
	}

	ta.channel.Index, tb.channel.Index = b, a
	s.channels[a], s.channels[b] = tb, ta
	return nil
}

// Channels returns the registered channels ordered by index
func (s *Store) Channels() []Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Channel, 0, len(s.channels))
	for _, t := range s.channels {
		result = append(result, t.channel)
	}
	slices.SortFunc(result, func(a, b Channel) int { return a.Index - b.Index })
	return result
}

// Channel returns a single channel's configuration
func (s *Store) Channel(index int) (Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.channels[index]
	if !ok {
		return Channel{}, fmt.Errorf("%w: %d", ErrInvalidChannel, index)
	}
	return t.channel, nil
}

// SetPosition updates the current position mirror of a channel and returns the clamped value
func (s *Store) SetPosition(index, value int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.channels[index]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrInvalidChannel, index)
	}
	t.channel.Position = t.channel.Clamp(value)
	return t.channel.Position, nil
}

// AddKeyframe inserts a keyframe ordered by time. Missing handles on the new keyframe and its
// neighbours get the default tangent
func (s *Store) AddKeyframe(channel, time, value int) (Ref, error) {
	if time < 0 {
		return Ref{}, ErrInvalidTime
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.channels[channel]
	if !ok {
		return Ref{}, fmt.Errorf("%w: %d", ErrInvalidChannel, channel)
	}

	var idx int
	t.keyframes, idx = insert(t.keyframes, Keyframe{Time: time, Value: t.channel.Clamp(value)})
	EnsureHandles(t.keyframes)

	return Ref{Channel: channel, Index: idx}, nil
}

// RemoveKeyframe deletes a keyframe unless that would leave the channel with fewer than
// MinKeyframes
func (s *Store) RemoveKeyframe(channel, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.get(channel, index)
	if err != nil {
		return err
	}
	if len(t.keyframes) <= MinKeyframes {
		return ErrMinimumKeyframes
	}

	t.keyframes = slices.Delete(t.keyframes, index, index+1)
	EnsureHandles(t.keyframes)
	return nil
}

// UpdateValue sets a keyframe's value, clamped to the channel bounds, and returns the stored value
func (s *Store) UpdateValue(channel, index, value int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.get(channel, index)
	if err != nil {
		return 0, err
	}
	t.keyframes[index].Value = t.channel.Clamp(value)
	return t.keyframes[index].Value, nil
}

// UpdateTime moves a keyframe in time. The new time is clamped between the neighbouring
// keyframes so ordering never changes
func (s *Store) UpdateTime(channel, index, time int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.get(channel, index)
	if err != nil {
		return 0, err
	}

	time = max(time, 0)
	if index > 0 {
		time = max(time, t.keyframes[index-1].Time)
	}
	if index < len(t.keyframes)-1 {
		time = min(time, t.keyframes[index+1].Time)
	}
	t.keyframes[index].Time = time
	return time, nil
}

// UpdateControl sets a handle. Handles that would point towards their keyframe are clamped to
// MinHandleDT instead of being rejected
func (s *Store) UpdateControl(channel, index int, side Side, dt, dv float64) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.get(channel, index)
	if err != nil {
		return Handle{}, err
	}

	if side == SideIn && index == 0 || side == SideOut && index == len(t.keyframes)-1 {
		return Handle{}, fmt.Errorf("%w: %s of keyframe %d", ErrNoHandle, side, index)
	}

	h := Handle{DT: dt, DV: dv}
	if side == SideOut {
		h.DT = max(MinHandleDT, dt)
		t.keyframes[index].Out = &h
	} else {
		h.DT = min(-MinHandleDT, dt)
		t.keyframes[index].In = &h
	}
	return h, nil
}

// Keyframes returns a copy of a channel's keyframes
func (s *Store) Keyframes(channel int) ([]Keyframe, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.channels[channel]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrInvalidChannel, channel)
	}
	return CloneAll(t.keyframes), nil
}

// Keyframe returns a copy of a single keyframe
func (s *Store) Keyframe(channel, index int) (Keyframe, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, err := s.get(channel, index)
	if err != nil {
		return Keyframe{}, err
	}
	return t.keyframes[index].Clone(), nil
}

// TotalDuration is the latest keyframe time across all channels
func (s *Store) TotalDuration() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var d int
	for _, t := range s.channels {
		d = max(d, Duration(t.keyframes))
	}
	return d
}

// KeyframeCount counts keyframes over every channel
func (s *Store) KeyframeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	for _, t := range s.channels {
		n += len(t.keyframes)
	}
	return n
}

// NextRecordTime is the time a recorded keyframe gets: the last keyframe time plus delay, or 0
// for an empty store
func (s *Store) NextRecordTime(delay int) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		last  int
		empty = true
	)
	for _, t := range s.channels {
		if len(t.keyframes) == 0 {
			continue
		}
		empty = false
		last = max(last, Duration(t.keyframes))
	}
	if empty {
		return 0
	}
	return last + delay
}

// Snapshot deep copies the store into a Sequence
func (s *Store) Snapshot() Sequence {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seq := Sequence{}
	for _, t := range s.channels {
		seq.Tracks = append(seq.Tracks, Track{Channel: t.channel, Keyframes: CloneAll(t.keyframes)})
	}
	seq.sort()
	return seq
}

// Replace swaps the whole store content for seq. Nothing changes if seq is invalid. Channels the
// store already knows keep their bounds and only take the name from seq
func (s *Store) Replace(seq Sequence) error {
	if err := seq.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	channels := map[int]*track{}
	for _, tr := range seq.Tracks {
		c := tr.Channel
		if existing, ok := s.channels[c.Index]; ok {
			name := c.Name
			c = existing.channel
			if name != "" {
				c.Name = name
			}
		} else {
			if c.Max < c.Min {
				c.Min, c.Max = c.Max, c.Min
			}
			c.Default = c.Mid()
		}

		kfs := CloneAll(tr.Keyframes)
		for i := range kfs {
			kfs[i].Value = c.Clamp(kfs[i].Value)
		}
		channels[c.Index] = &track{channel: c, keyframes: EnsureHandles(kfs)}
	}

	// channels configured on the store but absent from seq stay available with no keyframes
	for idx, t := range s.channels {
		if _, ok := channels[idx]; !ok {
			channels[idx] = &track{channel: t.channel}
		}
	}
	s.channels = channels
	return nil
}

// Clear removes every keyframe but keeps the channels
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.channels {
		t.keyframes = nil
	}
}

func (s *Store) get(channel, index int) (*track, error) {
	t, ok := s.channels[channel]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrInvalidChannel, channel)
	}
	if index < 0 || index >= len(t.keyframes) {
		return nil, fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}
	return t, nil
}
