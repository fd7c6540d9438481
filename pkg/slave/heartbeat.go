package slave

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const reportTimeout = 5 * time.Second

// RunHeartbeats sends periodic heartbeats carrying the active job set until
// ctx is cancelled. An unknown-worker response means the master restarted
// and lost the registration, so the agent re-registers and retries.
func (a *Agent) RunHeartbeats(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hbCtx, cancel := context.WithTimeout(ctx, interval)
			err := a.master.Heartbeat(hbCtx, a.id, a.ActiveJobs())
			if err != nil {
				a.log.Warn("heartbeat failed", zap.Error(err))
				if regErr := a.Register(hbCtx); regErr != nil {
					a.log.Warn("re-registration failed", zap.Error(regErr))
				}
			}
			cancel()
		}
	}
}
