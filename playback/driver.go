package playback

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/calvinmclean/servomotion"
	"github.com/calvinmclean/servomotion/connection"
	"github.com/calvinmclean/servomotion/events"
	"github.com/calvinmclean/servomotion/keyframe"
	"github.com/calvinmclean/servomotion/protocol"
	"github.com/calvinmclean/servomotion/sequence"
	"github.com/sirupsen/logrus"
)

var (
	ErrAlreadyPlaying = errors.New("playback already in progress")
	ErrNotConnected   = errors.New("not connected")
	ErrEmptySequence  = errors.New("no channel has enough keyframes to play")
	ErrSendFailed     = errors.New("error sending command")

	errStopped = errors.New("stopped")
)

// Status is a snapshot of the driver's progress. It is safe to keep and read from any goroutine
type Status struct {
	State servomotion.PlaybackState
	// Outcome is the terminal state of the most recent run
	Outcome servomotion.PlaybackState

	Elapsed  time.Duration
	Duration time.Duration

	// Step is the index into the merged timeline of the furthest keyframe passed, -1 before the
	// first keyframe
	Step  int
	Steps int
	// Channels maps each playing channel to its current keyframe index
	Channels map[int]int

	Err error
}

// Driver plays sequences on the device. One run happens at a time on a worker goroutine while
// callers observe it through Status and the event bus
type Driver struct {
	conn   connection.Conn
	bus    *events.Bus
	opts   Options
	clock  Clock
	logger logrus.FieldLogger

	// mu orders state transitions with Stop so a stop during loading can never race the trigger
	mu      sync.Mutex
	stopped atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	status atomic.Pointer[Status]
}

// New creates an idle Driver. bus may be nil
func New(conn connection.Conn, bus *events.Bus, opts Options, logger logrus.FieldLogger) *Driver {
	clock := opts.Clock
	if clock == nil {
		clock = realClock{}
	}

	d := &Driver{
		conn:   conn,
		bus:    bus,
		opts:   opts,
		clock:  clock,
		logger: logger.WithField("component", "playback"),
	}
	d.status.Store(&Status{State: servomotion.StateIdle, Step: -1})
	return d
}

// Status returns the latest published status
func (d *Driver) Status() Status {
	s := *d.status.Load()
	s.Channels = maps.Clone(s.Channels)
	return s
}

// Mode is the configured playback mode
func (d *Driver) Mode() Mode {
	return d.opts.Mode
}

// Busy is true while loading or playing
func (d *Driver) Busy() bool {
	return d.status.Load().State.Active()
}

// SetConn swaps the connection used by later runs
func (d *Driver) SetConn(conn connection.Conn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conn = conn
}

// Wait blocks until the current run, if any, has returned to Idle
func (d *Driver) Wait() {
	d.mu.Lock()
	done := d.done
	d.mu.Unlock()

	if done != nil {
		<-done
	}
}

// Start plays the selected channels of seq, or every channel with at least two keyframes when
// channels is empty. seq is copied, so later edits do not affect the run. Start returns once the
// worker is running
func (d *Driver) Start(ctx context.Context, seq keyframe.Sequence, channels []int) error {
	d.mu.Lock()
	if d.Busy() {
		d.mu.Unlock()
		return ErrAlreadyPlaying
	}
	prev := d.done
	d.mu.Unlock()

	// a stopped run may still be winding down
	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	d.mu.Lock()
	if d.Busy() {
		d.mu.Unlock()
		return ErrAlreadyPlaying
	}
	if !d.conn.IsConnected() {
		d.mu.Unlock()
		return ErrNotConnected
	}

	selected := seq.Playable(channels...)
	if len(selected) == 0 {
		d.mu.Unlock()
		return ErrEmptySequence
	}

	r := newRun(seq, selected)

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	d.stopped.Store(false)

	status := &Status{
		State:    servomotion.StateLoading,
		Outcome:  d.status.Load().Outcome,
		Duration: r.duration,
		Step:     -1,
		Steps:    len(r.timeline),
		Channels: r.channelSteps(),
	}
	d.status.Store(status)
	conn, done := d.conn, d.done
	d.mu.Unlock()

	d.logger.WithFields(logrus.Fields{
		"channels": selected,
		"duration": r.duration,
		"mode":     d.opts.Mode.String(),
	}).Info("starting playback")

	// Loading is published before the worker exists so it always precedes Playing
	d.publish(events.TopicPlaybackState, *status)
	go d.work(ctx, r, conn, done)

	return nil
}

// Stop halts a run that is loading or playing. It sends STOP to the device without waiting for the
// worker and returns false when nothing was running
func (d *Driver) Stop() bool {
	d.mu.Lock()
	current := d.status.Load()
	if !current.State.Active() {
		d.mu.Unlock()
		return false
	}

	d.stopped.Store(true)
	d.cancel()

	status := *current
	status.State = servomotion.StateStopped
	status.Outcome = servomotion.StateStopped
	d.status.Store(&status)
	conn := d.conn
	d.mu.Unlock()

	d.logger.WithField("state", current.State.String()).Info("stopping playback")
	d.publish(events.TopicPlaybackState, status)

	if !conn.Send(protocol.Stop{}) {
		d.logger.Warn("error sending STOP to device")
	}
	return true
}

func (d *Driver) publish(topic events.Topic, data any) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(events.Event{Topic: topic, Data: data})
}

func (d *Driver) work(ctx context.Context, r *run, conn connection.Conn, done chan struct{}) {
	defer close(done)

	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("playback panic: %v", p)
			}
		}()
		return d.play(ctx, r, conn)
	}()

	d.finish(err, conn)
}

// finish records the outcome of a run and returns the driver to Idle
func (d *Driver) finish(err error, conn connection.Conn) {
	d.mu.Lock()
	current := *d.status.Load()
	alreadyStopped := current.State == servomotion.StateStopped

	var outcome servomotion.PlaybackState
	switch {
	case d.stopped.Load() || errors.Is(err, errStopped):
		outcome = servomotion.StateStopped
	case err != nil:
		outcome = servomotion.StateError
	default:
		outcome = servomotion.StateCompleted
	}
	d.stopped.Store(true)
	d.cancel()

	terminal := current
	terminal.State = outcome
	terminal.Outcome = outcome
	if outcome == servomotion.StateError {
		terminal.Err = err
	}

	idle := terminal
	idle.State = servomotion.StateIdle
	d.status.Store(&idle)
	d.mu.Unlock()

	logger := d.logger.WithField("state", outcome.String())
	switch outcome {
	case servomotion.StateError:
		logger.WithError(err).Error("playback failed")
		d.publish(events.TopicPlaybackError, err)
	case servomotion.StateStopped:
		logger.Info("playback stopped")
	default:
		logger.WithField("elapsed", current.Elapsed).Info("playback completed")
	}

	if !alreadyStopped {
		// cancelled from outside without Stop, so the device is still playing
		if outcome == servomotion.StateStopped && !conn.Send(protocol.Stop{}) {
			d.logger.Warn("error sending STOP to device")
		}
		d.publish(events.TopicPlaybackState, terminal)
	}
	d.publish(events.TopicPlaybackState, idle)
}

func (d *Driver) sleep(ctx context.Context, duration time.Duration) error {
	if duration > 0 {
		select {
		case <-ctx.Done():
			return errStopped
		case <-d.clock.After(duration):
		}
	}
	if d.stopped.Load() || ctx.Err() != nil {
		return errStopped
	}
	return nil
}

func (d *Driver) send(conn connection.Conn, cmd protocol.Command) error {
	if d.stopped.Load() {
		return errStopped
	}
	if !conn.Send(cmd) {
		return fmt.Errorf("%w: %s", ErrSendFailed, cmd)
	}
	return nil
}

func (d *Driver) play(ctx context.Context, r *run, conn connection.Conn) error {
	err := d.load(ctx, r, conn)
	if err != nil {
		return err
	}

	start, err := d.trigger(r, conn)
	if err != nil {
		return err
	}

	for {
		if d.stopped.Load() {
			return errStopped
		}

		elapsed := d.clock.Now().Sub(start)
		done := elapsed >= r.duration

		advanced := d.update(r, elapsed)
		if d.opts.Mode == ModeStepped {
			err = d.sendSteps(ctx, conn, advanced)
			if err != nil {
				return err
			}
		}

		if done {
			if d.opts.Mode == ModeStepped {
				return d.send(conn, protocol.PlayEnd{})
			}
			return nil
		}

		err = d.sleep(ctx, d.opts.TickInterval)
		if err != nil {
			return err
		}
	}
}

// load runs the handshake and uploads each channel in ascending index order
func (d *Driver) load(ctx context.Context, r *run, conn connection.Conn) error {
	err := d.send(conn, protocol.Stop{})
	if err != nil {
		return err
	}
	err = d.sleep(ctx, d.opts.HandshakeDelay)
	if err != nil {
		return err
	}

	if d.opts.Mode == ModeStepped {
		return nil
	}

	err = d.send(conn, protocol.ClearAll{})
	if err != nil {
		return err
	}
	err = d.sleep(ctx, d.opts.HandshakeDelay)
	if err != nil {
		return err
	}

	for i, cmd := range r.loadCommands() {
		if i > 0 {
			err = d.sleep(ctx, d.opts.LoadDelay)
			if err != nil {
				return err
			}
		}

		err = d.send(conn, cmd)
		if err != nil {
			return err
		}
		d.logger.WithFields(logrus.Fields{
			"channel":   cmd.Index,
			"keyframes": len(cmd.Keyframes),
		}).Debug("loaded channel")
	}

	return d.sleep(ctx, d.opts.TriggerDelay)
}

// trigger moves to Playing and sends the play command in one step under mu, so Stop either sees
// Loading and prevents the trigger or sees Playing and sends STOP after it
func (d *Driver) trigger(r *run, conn connection.Conn) (time.Time, error) {
	cmd := r.triggerCommand(d.opts)

	d.mu.Lock()
	if d.stopped.Load() {
		d.mu.Unlock()
		return time.Time{}, errStopped
	}

	if !conn.Send(cmd) {
		d.mu.Unlock()
		return time.Time{}, fmt.Errorf("%w: %s", ErrSendFailed, cmd)
	}

	start := d.clock.Now()
	status := *d.status.Load()
	status.State = servomotion.StatePlaying
	d.status.Store(&status)
	d.mu.Unlock()

	d.logger.WithField("command", cmd.String()).Info("playing")
	d.publish(events.TopicPlaybackState, status)
	return start, nil
}

// update reconciles progress with elapsed and publishes a step event when the step changes. It
// returns the keyframes passed since the last update in time order
func (d *Driver) update(r *run, elapsed time.Duration) []step {
	advanced := r.advance(elapsed)

	d.mu.Lock()
	if d.stopped.Load() {
		d.mu.Unlock()
		return nil
	}
	prev := *d.status.Load()
	status := prev
	status.Elapsed = elapsed
	status.Step = StepIndex(r.timeline, elapsed)
	status.Channels = r.channelSteps()
	d.status.Store(&status)
	d.mu.Unlock()

	if status.Step != prev.Step {
		d.publish(events.TopicPlaybackStep, status)
	}
	return advanced
}

// sendSteps sends a position command per passed keyframe. A failed write is logged and playback
// continues with the next one
func (d *Driver) sendSteps(ctx context.Context, conn connection.Conn, steps []step) error {
	for i, s := range steps {
		if i > 0 {
			err := d.sleep(ctx, d.opts.CommandInterval)
			if err != nil {
				return err
			}
		}

		err := d.send(conn, protocol.SetPosition(d.opts.Units, s.channel, s.value))
		switch {
		case errors.Is(err, errStopped):
			return err
		case err != nil:
			d.logger.WithError(err).WithField("channel", s.channel).Warn("error sending step")
		}
	}
	return nil
}

type step struct {
	time    int
	channel int
	value   int
}

// run is the private copy of a sequence being played
type run struct {
	tracks   []keyframe.Track
	times    [][]int
	indexes  []int
	timeline []int
	duration time.Duration
}

func newRun(seq keyframe.Sequence, selected []int) *run {
	seq = seq.Sorted()

	r := &run{}
	for _, tr := range seq.Tracks {
		if !slices.Contains(selected, tr.Channel.Index) {
			continue
		}
		tr = tr.Prepared()
		r.tracks = append(r.tracks, tr)
		r.times = append(r.times, keyframeTimes(tr.Keyframes))
		r.indexes = append(r.indexes, -1)
	}

	sub := keyframe.Sequence{Tracks: r.tracks}
	r.timeline = Timeline(sub, nil)
	r.duration = time.Duration(sub.Duration()) * time.Millisecond
	return r
}

func (r *run) loadCommands() []protocol.LoadSequence {
	result := make([]protocol.LoadSequence, len(r.tracks))
	for i, tr := range r.tracks {
		result[i] = protocol.LoadSequence{
			Index:     tr.Channel.Index,
			Keyframes: sequence.ToWire(tr.Keyframes),
		}
	}
	return result
}

func (r *run) triggerCommand(opts Options) protocol.Command {
	switch {
	case opts.Mode == ModeStepped:
		return protocol.PlayStart{}
	case opts.SingleChannelTrigger && len(r.tracks) == 1:
		return protocol.PlayServo{Index: r.tracks[0].Channel.Index}
	}
	return protocol.PlayLoaded{}
}

// Commands lists what Start sends before the first tick, without the delays. Channels are
// selected like Start selects them. Stepped mode sends its positions later, so only the
// handshake and the start marker are listed
func Commands(seq keyframe.Sequence, channels []int, opts Options) ([]protocol.Command, error) {
	selected := seq.Playable(channels...)
	if len(selected) == 0 {
		return nil, ErrEmptySequence
	}
	r := newRun(seq, selected)

	cmds := []protocol.Command{protocol.Stop{}}
	if opts.Mode != ModeStepped {
		cmds = append(cmds, protocol.ClearAll{})
		for _, cmd := range r.loadCommands() {
			cmds = append(cmds, cmd)
		}
	}
	return append(cmds, r.triggerCommand(opts)), nil
}

func (r *run) channelSteps() map[int]int {
	result := make(map[int]int, len(r.tracks))
	for i, tr := range r.tracks {
		result[tr.Channel.Index] = r.indexes[i]
	}
	return result
}

// advance moves each channel's index to elapsed and returns every keyframe passed on the way
func (r *run) advance(elapsed time.Duration) []step {
	var result []step
	for i, tr := range r.tracks {
		next := StepIndex(r.times[i], elapsed)
		for j := r.indexes[i] + 1; j <= next; j++ {
			k := tr.Keyframes[j]
			result = append(result, step{
				time:    k.Time,
				channel: tr.Channel.Index,
				value:   k.Value,
			})
		}
		r.indexes[i] = max(r.indexes[i], next)
	}

	slices.SortStableFunc(result, func(a, b step) int { return a.time - b.time })
	return result
}
