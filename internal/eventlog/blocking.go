package eventlog

import (
	"context"
	"time"
)

// Changed returns a channel closed by the next Append. Grab it before reading
// so an append between the read and the wait is not missed.
func (l *Log) Changed() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.notifyCh
}

// WaitForAppend blocks until an append, timeout or ctx cancellation. It
// reports whether an append woke it. timeout <= 0 waits on ctx alone.
func (l *Log) WaitForAppend(ctx context.Context, timeout time.Duration) bool {
	return WaitOn(ctx, l.Changed(), timeout)
}

// WaitOn waits on a channel obtained from Changed.
func WaitOn(ctx context.Context, ch <-chan struct{}, timeout time.Duration) bool {
	if timeout <= 0 {
		select {
		case <-ch:
			return true
		case <-ctx.Done():
			return false
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
