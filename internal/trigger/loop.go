// Package trigger decides when the pipeline runs: on a fixed interval,
// on demand, and once after a suspension.
package trigger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nhle/inbox-triage/internal/logging"
)

// RunFunc performs one bounded pipeline invocation.
type RunFunc func(ctx context.Context) error

// State is the current state of the loop.
type State int

const (
	Idle State = iota
	Running
	Errored
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Errored:
		return "error"
	default:
		return "idle"
	}
}

// Status holds the loop's last known outcome.
type Status struct {
	State   State
	Runs    int
	LastRun time.Time
	Error   error
	NextDue time.Time
}

// Loop invokes a RunFunc periodically and whenever ScheduleOnce fires.
// Invocations never overlap.
type Loop struct {
	run      RunFunc
	interval time.Duration
	timeout  time.Duration
	log      *slog.Logger

	triggerCh chan struct{}
	stopCh    chan struct{}

	mu      sync.Mutex
	running bool
	status  Status
	timers  []*time.Timer
}

// NewLoop creates a loop that calls run every interval. Each invocation
// gets a context bounded by timeout.
func NewLoop(run RunFunc, interval, timeout time.Duration) *Loop {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	if timeout <= 0 {
		timeout = 6 * time.Minute
	}
	return &Loop{
		run:       run,
		interval:  interval,
		timeout:   timeout,
		log:       logging.New("trigger"),
		triggerCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
}

// ScheduleOnce requests an extra invocation after the delay.
func (l *Loop) ScheduleOnce(after time.Duration) (time.Time, error) {
	due := time.Now().Add(after)
	t := time.AfterFunc(after, l.Trigger)

	l.mu.Lock()
	l.timers = append(l.timers, t)
	l.status.NextDue = due
	l.mu.Unlock()

	l.log.Info("follow-up scheduled", "after", after, "due", due)
	return due, nil
}

// Trigger requests an immediate invocation. Requests made while one is
// already pending are merged.
func (l *Loop) Trigger() {
	select {
	case l.triggerCh <- struct{}{}:
	default:
	}
}

// Status returns a snapshot of the loop state.
func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// Run blocks, invoking the RunFunc immediately, then on every tick or
// trigger, until ctx is done or Stop is called.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = true
	l.mu.Unlock()

	defer l.stopTimers()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.invoke(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stopCh:
			return nil
		case <-ticker.C:
			l.invoke(ctx)
		case <-l.triggerCh:
			l.invoke(ctx)
		}
	}
}

// Stop halts a running loop.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.running {
		return
	}
	close(l.stopCh)
	l.running = false
}

func (l *Loop) invoke(ctx context.Context) {
	l.setState(Running, nil)

	runCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	err := l.run(runCtx)
	if err != nil {
		l.log.Error("invocation failed", "error", err)
		l.setState(Errored, err)
		return
	}
	l.setState(Idle, nil)
}

func (l *Loop) setState(state State, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.status.State = state
	l.status.Error = err
	if state != Running {
		l.status.Runs++
		l.status.LastRun = time.Now()
	}
}

func (l *Loop) stopTimers() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.timers {
		t.Stop()
	}
	l.timers = nil
}

// Deferred is a scheduler for one-shot processes. It only reports the due
// time; the follow-up invocation comes from an external trigger such as
// the serve command or cron.
type Deferred struct {
	Now func() time.Time
}

func (d Deferred) ScheduleOnce(after time.Duration) (time.Time, error) {
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	return now().Add(after), nil
}
