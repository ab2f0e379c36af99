// Package timeutil provides the Scheduler used to drive SIP transaction timers.
//
// Every call to [Scheduler.Arm] produces a [Timer] tagged with a fresh epoch. The callback receives
// that epoch when the timer fires, so an owner that keeps the latest handle per timer name can detect
// a stale fire (a timer that was cancelled or re-armed after the underlying time.Timer had already
// fired) by comparing epochs and drop it silently.
//
// Basic usage:
//
//	sched := timeutil.NewScheduler()
//	tmr := sched.Arm("A", 500*time.Millisecond, func(epoch uint64) {
//	    mailbox <- timerFired{name: "A", epoch: epoch}
//	})
//	...
//	sched.Cancel(tmr)
//
// A Timer can be inspected with [Timer.Snapshot]. Snapshots are plain values that can be logged
// or marshaled to JSON.
//
// All operations are safe for concurrent use.
package timeutil
