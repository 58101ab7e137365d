package cancel

import (
	"context"
	"time"
)

// Linked returns a child token that fires when parent fires, or after timeout
// elapses with the given reason (no timer when timeout <= 0). The release
// function must be called when the guarded operation finishes to stop the
// timer and free the derived context.
func Linked(parent *Token, taskID string, timeout time.Duration, timeoutReason string) (*Token, func()) {
	base := context.Background()
	if parent != nil {
		base = parent.Context()
	}
	ctx, cancelFn := context.WithCancelCause(base)
	tok := &Token{taskID: taskID, ctx: ctx, cancel: cancelFn}

	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(timeout, func() {
			cancelFn(&AbortError{TaskID: taskID, Reason: timeoutReason})
		})
	}
	release := func() {
		if timer != nil {
			timer.Stop()
		}
		cancelFn(context.Canceled)
	}
	return tok, release
}
