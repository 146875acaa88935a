// Package timeutil provides Timer, a one-shot replacement for time.AfterFunc
// whose state can be inspected and snapshotted while it runs.
//
// A Timer is owned by a single component that starts it with [AfterFunc] and
// cancels it with [Timer.Stop]. Stop is idempotent and guarantees that the
// callback has not run and will not run when it returns true.
//
//	tmr := timeutil.AfterFunc(500*time.Millisecond, func() {
//	    mbox.post(timerCmd{name: "A"})
//	})
//	defer tmr.Stop()
//
// All timer operations are safe for concurrent use.
package timeutil
