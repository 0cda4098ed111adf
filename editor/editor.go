package editor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/calvinmclean/servomotion"
	"github.com/calvinmclean/servomotion/bezier"
	"github.com/calvinmclean/servomotion/connection"
	"github.com/calvinmclean/servomotion/events"
	"github.com/calvinmclean/servomotion/keyframe"
	"github.com/calvinmclean/servomotion/playback"
	"github.com/calvinmclean/servomotion/protocol"
	"github.com/calvinmclean/servomotion/sequence"
	"github.com/sirupsen/logrus"
)

var (
	// ErrBusy is returned for direct device writes while a sequence is playing
	ErrBusy = errors.New("playback in progress")
	// ErrCancelled is returned when a destructive action was not confirmed
	ErrCancelled    = errors.New("cancelled")
	ErrInvalidValue = errors.New("invalid value")
	ErrTooLong      = errors.New("sequence would exceed the maximum duration")
)

// Options control editing behavior
type Options struct {
	// RecordDelay is the time in milliseconds between recorded keyframes
	RecordDelay int `yaml:"record_delay_ms"`
	// AddSpacing is the gap in milliseconds before a keyframe added in the curve editor
	AddSpacing int `yaml:"add_spacing_ms"`
	// MaxDuration is the latest keyframe time in milliseconds. Zero means no limit
	MaxDuration int                    `yaml:"max_duration_ms"`
	Samples     int                    `yaml:"curve_samples"`
	Overshoot   bezier.OvershootPolicy `yaml:"-"`
	Units       servomotion.Units      `yaml:"-"`
}

func DefaultOptions() Options {
	return Options{
		RecordDelay: 500,
		AddSpacing:  500,
		MaxDuration: 120000,
		Samples:     bezier.DefaultSamples,
		Overshoot:   bezier.OvershootAllow,
		Units:       servomotion.UnitsAngle,
	}
}

// Position is published on events.TopicPosition when a channel's live position changes
type Position struct {
	Channel int
	Value   int
}

// Editor applies user actions to the keyframe store and the device. It is the only writer of the
// store and shares the connection with the playback driver
type Editor struct {
	store  *keyframe.Store
	driver *playback.Driver
	bus    *events.Bus
	opts   Options
	logger logrus.FieldLogger

	// mu serializes direct device writes with starting playback. It is never held while the
	// driver publishes, so bus handlers may call back into the editor
	mu       sync.Mutex
	conn     connection.Conn
	starting bool

	dirty atomic.Bool

	nameMu sync.RWMutex
	name   string
	path   string

	reports reports
}

// New creates an Editor. bus may be nil
func New(store *keyframe.Store, driver *playback.Driver, conn connection.Conn, bus *events.Bus, opts Options, logger logrus.FieldLogger) *Editor {
	if opts.Samples <= 0 {
		opts.Samples = bezier.DefaultSamples
	}
	if conn == nil {
		conn = connection.Offline{}
	}

	return &Editor{
		store:  store,
		driver: driver,
		bus:    bus,
		opts:   opts,
		logger: logger.WithField("component", "editor"),
		conn:   conn,
	}
}

// Store returns the underlying keyframe store for read access
func (e *Editor) Store() *keyframe.Store {
	return e.store
}

// Driver returns the playback driver
func (e *Editor) Driver() *playback.Driver {
	return e.driver
}

// SetConn swaps the device connection, for example after the user picks another port
func (e *Editor) SetConn(conn connection.Conn) {
	if conn == nil {
		conn = connection.Offline{}
	}

	e.mu.Lock()
	e.conn = conn
	e.driver.SetConn(conn)
	e.mu.Unlock()

	e.logger.WithField("connected", conn.IsConnected()).Info("connection changed")
	e.publish(events.TopicConnection, conn.IsConnected())
}

// Connected reports whether the device connection is up
func (e *Editor) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn.IsConnected()
}

func (e *Editor) publish(topic events.Topic, data any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.Event{Topic: topic, Data: data})
}

func (e *Editor) changed(topic events.Topic, ref keyframe.Ref) {
	e.dirty.Store(true)
	e.publish(topic, ref)
}

func (e *Editor) checkTime(ms int) error {
	if e.opts.MaxDuration > 0 && ms > e.opts.MaxDuration {
		return fmt.Errorf("%w: %d ms is past %d ms", ErrTooLong, ms, e.opts.MaxDuration)
	}
	return nil
}

// Record appends a keyframe to every channel at its current position. The first recording is at
// time 0 and each later one is RecordDelay after the end of the sequence
func (e *Editor) Record() ([]keyframe.Ref, error) {
	at := e.store.NextRecordTime(e.opts.RecordDelay)
	if err := e.checkTime(at); err != nil {
		return nil, err
	}

	var refs []keyframe.Ref
	for _, c := range e.store.Channels() {
		ref, err := e.store.AddKeyframe(c.Index, at, c.Position)
		if err != nil {
			return refs, fmt.Errorf("error recording channel %d: %w", c.Index, err)
		}
		refs = append(refs, ref)
		e.changed(events.TopicKeyframeAdded, ref)
	}

	e.logger.WithFields(logrus.Fields{
		"time":     at,
		"channels": len(refs),
	}).Debug("recorded keyframe")
	return refs, nil
}

// AddKeyframe appends a mid-range keyframe to one channel, spaced after its last keyframe
func (e *Editor) AddKeyframe(channel int) (keyframe.Ref, error) {
	c, err := e.store.Channel(channel)
	if err != nil {
		return keyframe.Ref{}, err
	}
	kfs, err := e.store.Keyframes(channel)
	if err != nil {
		return keyframe.Ref{}, err
	}

	at := 0
	if len(kfs) > 0 {
		at = keyframe.Duration(kfs) + e.opts.AddSpacing
	}
	if err := e.checkTime(at); err != nil {
		return keyframe.Ref{}, err
	}

	ref, err := e.store.AddKeyframe(channel, at, c.Mid())
	if err != nil {
		return keyframe.Ref{}, err
	}
	e.changed(events.TopicKeyframeAdded, ref)
	return ref, nil
}

// RemoveKeyframe deletes a keyframe. A channel never drops below two keyframes
func (e *Editor) RemoveKeyframe(channel, index int) error {
	err := e.store.RemoveKeyframe(channel, index)
	if err != nil {
		e.logger.WithError(err).WithField("channel", channel).Warn("unable to remove keyframe")
		return err
	}
	e.changed(events.TopicKeyframeRemoved, keyframe.Ref{Channel: channel, Index: index})
	return nil
}

// DragKeyframe sets a keyframe's value while it is dragged in the curve editor. The channel's
// position follows so the device previews the new value. It returns the clamped value
func (e *Editor) DragKeyframe(channel, index, value int) (int, error) {
	v, err := e.store.UpdateValue(channel, index, value)
	if err != nil {
		return 0, err
	}
	e.changed(events.TopicKeyframeUpdated, keyframe.Ref{Channel: channel, Index: index})

	_, err = e.SetPosition(channel, v)
	if err != nil && !errors.Is(err, ErrBusy) {
		return v, err
	}
	return v, nil
}

// MoveKeyframe changes a keyframe's time. It stays between its neighbours and the applied time is
// returned
func (e *Editor) MoveKeyframe(channel, index, ms int) (int, error) {
	if err := e.checkTime(ms); err != nil {
		return 0, err
	}
	at, err := e.store.UpdateTime(channel, index, ms)
	if err != nil {
		return 0, err
	}
	e.changed(events.TopicKeyframeUpdated, keyframe.Ref{Channel: channel, Index: index})
	return at, nil
}

// DragHandle sets one control handle of a keyframe and returns it after clamping
func (e *Editor) DragHandle(channel, index int, side keyframe.Side, dt, dv float64) (keyframe.Handle, error) {
	h, err := e.store.UpdateControl(channel, index, side, dt, dv)
	if err != nil {
		return keyframe.Handle{}, err
	}
	e.changed(events.TopicKeyframeUpdated, keyframe.Ref{Channel: channel, Index: index})
	return h, nil
}

// SetValueText applies a value typed by the user. Text that is not a number or is outside the
// channel's bounds is rejected and the keyframe's current value is returned for display
func (e *Editor) SetValueText(channel, index int, text string) (int, error) {
	current, err := e.store.Keyframe(channel, index)
	if err != nil {
		return 0, err
	}
	c, err := e.store.Channel(channel)
	if err != nil {
		return 0, err
	}

	v, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil {
		e.logger.WithField("input", text).Debug("rejected non-numeric value")
		return current.Value, fmt.Errorf("%w: %q is not a number", ErrInvalidValue, text)
	}
	if v < c.Min || v > c.Max {
		e.logger.WithField("input", text).Debug("rejected out of range value")
		return current.Value, fmt.Errorf("%w: %d is outside %d-%d", ErrInvalidValue, v, c.Min, c.Max)
	}

	return e.DragKeyframe(channel, index, v)
}

// SetPosition moves a channel's live position and sends it to the device. The position is kept
// even when the device cannot be written, so editing works offline. ErrBusy is returned while
// playing
func (e *Editor) SetPosition(channel, value int) (int, error) {
	v, err := e.store.SetPosition(channel, value)
	if err != nil {
		return 0, err
	}
	e.publish(events.TopicPosition, Position{Channel: channel, Value: v})

	err = e.write(protocol.SetPosition(e.opts.Units, channel, v))
	switch {
	case errors.Is(err, ErrBusy):
		return v, err
	case err != nil:
		e.logger.WithError(err).WithField("channel", channel).Debug("position not sent")
	}
	return v, nil
}

// MasterAngle moves every channel to one angle
func (e *Editor) MasterAngle(angle int) error {
	angle = min(max(angle, servomotion.DefaultAngleMin), servomotion.DefaultAngleMax)

	err := e.write(protocol.MasterAngle{Angle: angle})
	if errors.Is(err, ErrBusy) {
		return err
	}
	if err != nil {
		e.logger.WithError(err).Debug("master angle not sent")
	}

	if e.opts.Units != servomotion.UnitsAngle {
		return nil
	}
	for _, c := range e.store.Channels() {
		v, err := e.store.SetPosition(c.Index, angle)
		if err != nil {
			return err
		}
		e.publish(events.TopicPosition, Position{Channel: c.Index, Value: v})
	}
	return nil
}

// ResetToDefaults moves every channel to its default position
func (e *Editor) ResetToDefaults() error {
	for _, c := range e.store.Channels() {
		_, err := e.SetPosition(c.Index, c.Default)
		if err != nil {
			return err
		}
	}
	e.logger.Info("reset channels to defaults")
	return nil
}

// SwapChannels exchanges the hardware lines of two channels. Keyframes stay with their channel
func (e *Editor) SwapChannels(a, b int) error {
	err := e.store.SwapChannels(a, b)
	if err != nil {
		return err
	}
	e.dirty.Store(true)

	e.logger.WithFields(logrus.Fields{
		"channel": a,
		"with":    b,
	}).Info("swapped channels")
	e.publish(events.TopicChannelsSwapped, [2]int{a, b})
	return nil
}

// Preview sends a keyframe's value to the device. Unlike SetPosition, a failed write is returned
func (e *Editor) Preview(channel, index int) error {
	k, err := e.store.Keyframe(channel, index)
	if err != nil {
		return err
	}
	v, err := e.store.SetPosition(channel, k.Value)
	if err != nil {
		return err
	}
	e.publish(events.TopicPosition, Position{Channel: channel, Value: v})

	return e.write(protocol.SetPosition(e.opts.Units, channel, v))
}

// write sends a single command unless a sequence is playing
func (e *Editor) write(cmd protocol.Command) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.starting || e.driver.Busy() {
		return ErrBusy
	}
	if !e.conn.IsConnected() {
		return playback.ErrNotConnected
	}
	if !e.conn.Send(cmd) {
		return fmt.Errorf("%w: %s", playback.ErrSendFailed, cmd)
	}
	return nil
}

// Clear removes every keyframe once confirm returns true
func (e *Editor) Clear(confirm func() bool) error {
	if confirm == nil || !confirm() {
		return ErrCancelled
	}

	had := e.store.KeyframeCount() > 0
	e.store.Clear()
	if had {
		e.dirty.Store(true)
	}

	e.logger.Info("cleared sequence")
	e.publish(events.TopicSequenceCleared, nil)
	return nil
}

// Name is the sequence name written to the file metadata
func (e *Editor) Name() string {
	e.nameMu.RLock()
	defer e.nameMu.RUnlock()
	return e.name
}

func (e *Editor) SetName(name string) {
	e.nameMu.Lock()
	e.name = name
	e.nameMu.Unlock()
	e.dirty.Store(true)
}

// Path is the file the sequence was last loaded from or saved to
func (e *Editor) Path() string {
	e.nameMu.RLock()
	defer e.nameMu.RUnlock()
	return e.path
}

// Dirty is true when there are changes since the last save or load
func (e *Editor) Dirty() bool {
	return e.dirty.Load()
}

// Save writes the sequence to path
func (e *Editor) Save(path string) error {
	name := e.Name()
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	seq := e.store.Snapshot()
	err := sequence.Save(path, seq, sequence.Metadata{Name: name})
	if err != nil {
		e.logger.WithError(err).WithField("path", path).Error("error saving sequence")
		return err
	}

	e.nameMu.Lock()
	e.name, e.path = name, path
	e.nameMu.Unlock()
	e.dirty.Store(false)

	e.logger.WithFields(logrus.Fields{
		"path":      path,
		"keyframes": seq.KeyframeCount(),
	}).Info("saved sequence")
	e.publish(events.TopicSequenceSaved, path)
	return nil
}

// Load replaces the sequence with the file at path. The current sequence is untouched when the
// file is invalid
func (e *Editor) Load(path string) error {
	seq, meta, err := sequence.Load(path)
	if err != nil {
		e.logger.WithError(err).WithField("path", path).Error("error loading sequence")
		return err
	}
	err = e.replace(path, seq, meta)
	if err != nil {
		return err
	}
	e.dirty.Store(false)
	return nil
}

// Import loads a sequence file in either the keyframe format or the legacy step list. The result
// is unsaved
func (e *Editor) Import(path string) error {
	seq, meta, err := sequence.LoadAny(path)
	if err != nil {
		e.logger.WithError(err).WithField("path", path).Error("error importing sequence")
		return err
	}
	err = e.replace("", seq, meta)
	if err != nil {
		return err
	}
	e.dirty.Store(true)
	return nil
}

// Check lists problems that loading seq would paper over: channels that are not configured,
// values that will be clamped and a duration past the maximum
func (e *Editor) Check(seq keyframe.Sequence) []string {
	var issues []string
	for _, tr := range seq.Tracks {
		c, err := e.store.Channel(tr.Channel.Index)
		if err != nil {
			issues = append(issues, fmt.Sprintf("channel %d is not configured", tr.Channel.Index))
			continue
		}
		for i, k := range tr.Keyframes {
			if k.Value < c.Min || k.Value > c.Max {
				issues = append(issues, fmt.Sprintf("channel %d keyframe %d: value %d outside %d-%d", c.Index, i, k.Value, c.Min, c.Max))
			}
		}
	}
	if d := seq.Duration(); e.opts.MaxDuration > 0 && d > e.opts.MaxDuration {
		issues = append(issues, fmt.Sprintf("duration %d ms is past the maximum of %d ms", d, e.opts.MaxDuration))
	}
	return issues
}

func (e *Editor) replace(path string, seq keyframe.Sequence, meta sequence.Metadata) error {
	issues := e.Check(seq)

	err := e.store.Replace(seq)
	if err != nil {
		e.logger.WithError(err).Error("invalid sequence")
		return err
	}

	for _, issue := range issues {
		e.logger.Warnf("sequence does not match the configuration: %s", issue)
	}

	e.nameMu.Lock()
	e.name, e.path = meta.Name, path
	e.nameMu.Unlock()

	e.logger.WithFields(logrus.Fields{
		"name":      meta.Name,
		"keyframes": seq.KeyframeCount(),
	}).Info("loaded sequence")
	e.publish(events.TopicSequenceLoaded, meta)
	return nil
}

// Play starts playback of the selected channels, or every playable channel when none are given
func (e *Editor) Play(ctx context.Context, channels ...int) error {
	seq := e.store.Snapshot()

	e.mu.Lock()
	if e.starting {
		e.mu.Unlock()
		return playback.ErrAlreadyPlaying
	}
	e.starting = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.starting = false
		e.mu.Unlock()
	}()

	e.reports.prepare(e.Name(), e.driver.Mode(), seq, channels)
	err := e.driver.Start(ctx, seq, channels)
	if err != nil {
		e.logger.WithError(err).Warn("unable to start playback")
		return err
	}
	return nil
}

// PlaySingle plays one channel on its own
func (e *Editor) PlaySingle(ctx context.Context, channel int) error {
	return e.Play(ctx, channel)
}

// Stop halts playback. It returns false when nothing was playing
func (e *Editor) Stop() bool {
	return e.driver.Stop()
}

// Cursor describes playback progress for drawing the timeline indicator
type Cursor struct {
	State    servomotion.PlaybackState
	Elapsed  time.Duration
	Duration time.Duration
	Step     int
	Channels map[int]int
}

// Active is true while the cursor should be drawn
func (c Cursor) Active() bool {
	return c.State == servomotion.StatePlaying
}

// Fraction is the position of the cursor between 0 and 1
func (c Cursor) Fraction() float64 {
	if c.Duration <= 0 {
		return 0
	}
	return min(1, max(0, float64(c.Elapsed)/float64(c.Duration)))
}

// Cursor returns the current playback position
func (e *Editor) Cursor() Cursor {
	s := e.driver.Status()
	return Cursor{
		State:    s.State,
		Elapsed:  s.Elapsed,
		Duration: s.Duration,
		Step:     s.Step,
		Channels: s.Channels,
	}
}

// Curve samples a channel's motion curve for display
func (e *Editor) Curve(channel int) ([]bezier.Point, error) {
	c, err := e.store.Channel(channel)
	if err != nil {
		return nil, err
	}
	kfs, err := e.store.Keyframes(channel)
	if err != nil {
		return nil, err
	}
	return bezier.Curve(kfs, e.opts.Samples, c, e.opts.Overshoot), nil
}

// Close stops playback and run reporting
func (e *Editor) Close() {
	e.driver.Stop()
	e.driver.Wait()
	e.reports.close()
}
