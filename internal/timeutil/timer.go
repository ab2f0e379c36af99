package timeutil

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// TimerState represents the current state of a timer.
type TimerState string

const (
	// TimerStateRunning indicates the timer is armed and waiting.
	TimerStateRunning TimerState = "running"
	// TimerStateStopped indicates the timer was cancelled before expiration.
	TimerStateStopped TimerState = "stopped"
	// TimerStateExpired indicates the timer has fired.
	TimerStateExpired TimerState = "expired"
)

// Scheduler arms and cancels timers.
// The zero value is not usable, use [NewScheduler].
type Scheduler struct {
	epoch atomic.Uint64
	armed atomic.Int64
	fired atomic.Uint64
}

// NewScheduler creates a new [Scheduler].
func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// Arm starts a timer that calls fn with the timer epoch after d.
// The callback runs on its own goroutine and must not block for long.
func (s *Scheduler) Arm(name string, d time.Duration, fn func(epoch uint64)) *Timer {
	tmr := &Timer{
		sched: s,
		name:  name,
		epoch: s.epoch.Add(1),
		start: time.Now(),
		dur:   d,
		state: TimerStateRunning,
	}
	s.armed.Add(1)
	tmr.mu.Lock()
	tmr.t = time.AfterFunc(d, func() {
		if !tmr.expire() {
			return
		}
		s.fired.Add(1)
		fn(tmr.epoch)
	})
	tmr.mu.Unlock()
	return tmr
}

// Cancel stops the timer.
// It returns true if the call stopped the timer, false if the timer already expired
// or was cancelled before. Cancel of a nil timer is a no-op.
func (s *Scheduler) Cancel(tmr *Timer) bool {
	if tmr == nil {
		return false
	}
	return tmr.Stop()
}

// Armed returns the number of timers that are currently running.
func (s *Scheduler) Armed() int {
	if s == nil {
		return 0
	}
	return int(s.armed.Load())
}

// Fired returns the total number of timers that have expired.
func (s *Scheduler) Fired() uint64 {
	if s == nil {
		return 0
	}
	return s.fired.Load()
}

// Timer is a handle of an armed timer.
type Timer struct {
	sched *Scheduler
	name  string
	epoch uint64
	start time.Time
	dur   time.Duration

	mu    sync.Mutex
	state TimerState
	stop  time.Time
	t     *time.Timer
}

// Name returns the timer name.
func (t *Timer) Name() string {
	if t == nil {
		return ""
	}
	return t.name
}

// Epoch returns the unique epoch assigned to the timer on arm.
func (t *Timer) Epoch() uint64 {
	if t == nil {
		return 0
	}
	return t.epoch
}

// Duration returns the timer's duration.
func (t *Timer) Duration() time.Duration {
	if t == nil {
		return 0
	}
	return t.dur
}

// State returns the current timer state.
func (t *Timer) State() TimerState {
	if t == nil {
		return ""
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Left returns the time left until expiration, zero if the timer is not running.
func (t *Timer) Left() time.Duration {
	if t == nil {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != TimerStateRunning {
		return 0
	}
	return max(0, t.dur-time.Since(t.start))
}

// ExpiresAt returns the time when the timer expires.
func (t *Timer) ExpiresAt() time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.start.Add(t.dur)
}

// Stop cancels the timer. See [Scheduler.Cancel].
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != TimerStateRunning {
		return false
	}
	if t.t != nil {
		t.t.Stop()
	}
	t.state = TimerStateStopped
	t.stop = time.Now()
	t.sched.armed.Add(-1)
	return true
}

func (t *Timer) expire() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != TimerStateRunning {
		return false
	}
	t.state = TimerStateExpired
	t.stop = time.Now()
	t.sched.armed.Add(-1)
	return true
}

// TimerSnapshot represents a serializable view of a timer.
type TimerSnapshot struct {
	Name      string        `json:"name"`
	Epoch     uint64        `json:"epoch"`
	StartTime time.Time     `json:"start_time"`
	Duration  time.Duration `json:"duration"`
	State     TimerState    `json:"state"`
	StopTime  time.Time     `json:"stop_time,omitzero"`
}

// ExpiresAt returns the time when the timer expires.
func (s *TimerSnapshot) ExpiresAt() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.StartTime.Add(s.Duration)
}

// Snapshot returns an immutable representation of the timer state.
func (t *Timer) Snapshot() *TimerSnapshot {
	if t == nil {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return &TimerSnapshot{
		Name:      t.name,
		Epoch:     t.epoch,
		StartTime: t.start,
		Duration:  t.dur,
		State:     t.state,
		StopTime:  t.stop,
	}
}

// LogValue implements [slog.LogValuer].
func (t *Timer) LogValue() slog.Value {
	if t == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("name", t.name),
		slog.Uint64("epoch", t.epoch),
		slog.Duration("duration", t.dur),
		slog.Time("expires_at", t.ExpiresAt()),
	)
}
