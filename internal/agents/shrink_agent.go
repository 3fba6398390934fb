package agents

import (
	"context"
	"time"

	"wbkv/internal/logger"
)

// ShrinkRequester is a pipeline whose worker buffers can be asked to shrink.
type ShrinkRequester interface {
	RequestShrink()
}

// StartShrinkAgentInBackground sends a shrink request to every target each
// interval until ctx is cancelled. The returned channel closes on exit.
func StartShrinkAgentInBackground(ctx context.Context, interval time.Duration, targets ...ShrinkRequester) <-chan struct{} {
	if interval <= 0 {
		interval = time.Minute
	}
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.LogDebugEvent("Shrink agent stopped")
				return
			case <-ticker.C:
				for _, target := range targets {
					target.RequestShrink()
				}
			}
		}
	}()
	return stopped
}
