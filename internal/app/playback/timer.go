package playback

import (
	"context"
	"time"
)

// afterFunc calls fn once d has elapsed unless the returned cancel function is called first.
// fn may still run concurrently with a late cancel, so callers re-check their state.
func afterFunc(d time.Duration, fn func()) func() {
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		timer := time.NewTimer(d)
		defer timer.Stop()

		select {
		case <-ctx.Done():
		case <-timer.C:
			fn()
		}
	}()

	return cancel
}
