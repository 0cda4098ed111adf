package editor

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/calvinmclean/servomotion"
	"github.com/calvinmclean/servomotion/events"
	"github.com/calvinmclean/servomotion/keyframe"
	"github.com/calvinmclean/servomotion/playback"
	"github.com/calvinmclean/servomotion/report"
	"github.com/sirupsen/logrus"
)

const (
	reportTimeout   = 5 * time.Second
	reportQueueSize = 16
)

type reportJob struct {
	started *report.Run
	result  report.Result
}

// reports forwards playback runs to a report.Reporter from a single goroutine, so bus handlers
// never wait on the network
type reports struct {
	mu          sync.Mutex
	pending     report.Run
	jobs        chan reportJob
	unsubscribe func()
	done        chan struct{}
}

// SetReporter starts reporting every playback run to r. A nil reporter or report.Noop disables
// reporting
func (e *Editor) SetReporter(r report.Reporter) {
	e.reports.close()

	if r == nil || r == (report.Noop{}) || e.bus == nil {
		return
	}

	jobs := make(chan reportJob, reportQueueSize)
	done := make(chan struct{})
	logger := e.logger.WithField("component", "report")

	e.reports.mu.Lock()
	e.reports.jobs = jobs
	e.reports.done = done
	e.reports.unsubscribe = e.bus.Subscribe(events.TopicPlaybackState, e.reports.handle(logger))
	e.reports.mu.Unlock()

	go sendReports(r, jobs, done, logger)
}

func (rs *reports) prepare(name string, mode playback.Mode, seq keyframe.Sequence, channels []int) {
	selected := seq.Playable(channels...)

	keyframes := 0
	for _, i := range selected {
		tr, _ := seq.Track(i)
		keyframes += len(tr.Keyframes)
	}

	rs.mu.Lock()
	rs.pending = report.Run{
		Sequence:  name,
		Channels:  selected,
		Keyframes: keyframes,
		Mode:      mode.String(),
	}
	rs.mu.Unlock()
}

func (rs *reports) handle(logger logrus.FieldLogger) events.Handler {
	return func(e events.Event) {
		status, ok := e.Data.(playback.Status)
		if !ok {
			return
		}

		var job reportJob
		switch {
		case status.State == servomotion.StateLoading:
			rs.mu.Lock()
			run := rs.pending
			rs.mu.Unlock()

			run.DurationMS = int(status.Duration / time.Millisecond)
			run.StartedAt = time.Now()
			job.started = &run
		case status.State.Terminal():
			job.result = report.Result{
				Outcome:    strings.ToLower(status.State.String()),
				Elapsed:    status.Elapsed,
				Err:        status.Err,
				FinishedAt: time.Now(),
			}
		default:
			return
		}

		rs.mu.Lock()
		defer rs.mu.Unlock()
		if rs.jobs == nil {
			return
		}
		select {
		case rs.jobs <- job:
		default:
			logger.Warn("report queue full, dropping run report")
		}
	}
}

func sendReports(r report.Reporter, jobs <-chan reportJob, done chan<- struct{}, logger logrus.FieldLogger) {
	defer close(done)

	var id string
	for job := range jobs {
		ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)

		if job.started != nil {
			var err error
			id, err = r.Started(ctx, *job.started)
			if err != nil {
				logger.WithError(err).Warn("error reporting playback start")
			}
		} else if id != "" {
			err := r.Finished(ctx, id, job.result)
			if err != nil {
				logger.WithError(err).WithField("id", id).Warn("error reporting playback result")
			}
			id = ""
		}

		cancel()
	}
}

// close stops reporting after queued reports are sent
func (rs *reports) close() {
	rs.mu.Lock()
	unsubscribe, jobs, done := rs.unsubscribe, rs.jobs, rs.done
	rs.unsubscribe, rs.jobs, rs.done = nil, nil, nil
	rs.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if jobs != nil {
		close(jobs)
		<-done
	}
}
