package timeutil_test

import (
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ghettovoice/sipstack/internal/timeutil"
)

func TestScheduler_Arm(t *testing.T) {
	t.Parallel()

	sched := timeutil.NewScheduler()

	fired := make(chan uint64, 1)
	tmr := sched.Arm("A", 10*time.Millisecond, func(epoch uint64) { fired <- epoch })

	if got, want := tmr.State(), timeutil.TimerStateRunning; got != want {
		t.Fatalf("tmr.State() = %q, want %q", got, want)
	}
	if got, want := sched.Armed(), 1; got != want {
		t.Fatalf("sched.Armed() = %d, want %d", got, want)
	}

	select {
	case epoch := <-fired:
		if epoch != tmr.Epoch() {
			t.Fatalf("fired epoch = %d, want %d", epoch, tmr.Epoch())
		}
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}

	if got, want := tmr.State(), timeutil.TimerStateExpired; got != want {
		t.Errorf("tmr.State() = %q, want %q", got, want)
	}
	if got, want := sched.Armed(), 0; got != want {
		t.Errorf("sched.Armed() = %d, want %d", got, want)
	}
	if got, want := sched.Fired(), uint64(1); got != want {
		t.Errorf("sched.Fired() = %d, want %d", got, want)
	}
	if tmr.Stop() {
		t.Error("tmr.Stop() = true after expiration, want false")
	}
}

func TestScheduler_Cancel(t *testing.T) {
	t.Parallel()

	sched := timeutil.NewScheduler()

	var calls atomic.Int32
	tmr := sched.Arm("B", 20*time.Millisecond, func(uint64) { calls.Add(1) })

	if !sched.Cancel(tmr) {
		t.Fatal("sched.Cancel(tmr) = false, want true")
	}
	if sched.Cancel(tmr) {
		t.Fatal("second sched.Cancel(tmr) = true, want false")
	}
	if sched.Cancel(nil) {
		t.Fatal("sched.Cancel(nil) = true, want false")
	}

	time.Sleep(50 * time.Millisecond)

	if got := calls.Load(); got != 0 {
		t.Errorf("callback calls = %d, want 0", got)
	}
	if got, want := tmr.State(), timeutil.TimerStateStopped; got != want {
		t.Errorf("tmr.State() = %q, want %q", got, want)
	}
	if got := tmr.Left(); got != 0 {
		t.Errorf("tmr.Left() = %v, want 0", got)
	}
	if got, want := sched.Armed(), 0; got != want {
		t.Errorf("sched.Armed() = %d, want %d", got, want)
	}
}

func TestScheduler_EpochsAreUnique(t *testing.T) {
	t.Parallel()

	sched := timeutil.NewScheduler()

	seen := make(map[uint64]bool)
	for range 100 {
		tmr := sched.Arm("E", time.Hour, func(uint64) {})
		if seen[tmr.Epoch()] {
			t.Fatalf("epoch %d reused", tmr.Epoch())
		}
		seen[tmr.Epoch()] = true
		tmr.Stop()
	}
}

func TestTimer_Snapshot(t *testing.T) {
	t.Parallel()

	sched := timeutil.NewScheduler()
	tmr := sched.Arm("H", time.Minute, func(uint64) {})
	defer tmr.Stop()

	snap := tmr.Snapshot()
	if got, want := snap.ExpiresAt(), tmr.ExpiresAt(); !got.Equal(want) {
		t.Errorf("snap.ExpiresAt() = %v, want %v", got, want)
	}

	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("json.Marshal(snap) error = %v, want nil", err)
	}
	var got timeutil.TimerSnapshot
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("json.Unmarshal(data) error = %v, want nil", err)
	}
	if diff := cmp.Diff(snap, &got); diff != "" {
		t.Errorf("snapshot JSON round trip mismatch (-want +got):\n%s", diff)
	}

	var nilTmr *timeutil.Timer
	if nilTmr.Snapshot() != nil {
		t.Error("nil timer snapshot is not nil")
	}
}
