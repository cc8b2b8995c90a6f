package transfer

import (
	"context"
	"time"
)

// watchdog cancels its context when Kick is not called within timeout.
type watchdog struct {
	cancel  context.CancelCauseFunc
	timer   *time.Timer
	timeout time.Duration
}

func newWatchdog(parent context.Context, timeout time.Duration) (context.Context, *watchdog) {
	ctx, cancel := context.WithCancelCause(parent)
	wd := &watchdog{cancel: cancel, timeout: timeout}
	if timeout > 0 {
		wd.timer = time.AfterFunc(timeout, func() {
			cancel(ErrStalled)
		})
	}
	return ctx, wd
}

func (wd *watchdog) Kick() {
	if wd.timer != nil {
		wd.timer.Reset(wd.timeout)
	}
}

func (wd *watchdog) Stop() {
	if wd.timer != nil {
		wd.timer.Stop()
	}
	wd.cancel(nil)
}
