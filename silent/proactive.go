package silent

import (
	"context"

	"github.com/goliatone/go-auth-cache/core"
	"github.com/goliatone/go-auth-cache/telemetry"
)

const (
	// ProactiveRefreshJobID names the job enqueued for tokens served past
	// their refresh watermark.
	ProactiveRefreshJobID = "authcache.silent.proactive_refresh"
	proactiveDedupPolicy  = "drop"
)

// enqueueProactiveRefresh schedules a background refresh for a cached token
// past its refresh watermark. Failures are logged and never fail the
// request that served the token.
func (c *Coordinator) enqueueProactiveRefresh(ctx context.Context, p *prepared) {
	if c.enqueuer == nil || p.cacheOutcome != telemetry.CacheOutcomeProactivelyRefreshed {
		return
	}
	msg := &core.JobExecutionMessage{
		JobID:          ProactiveRefreshJobID,
		ScriptPath:     ProactiveRefreshJobID,
		IdempotencyKey: p.thumbprint.Hash(),
		DedupPolicy:    proactiveDedupPolicy,
		Parameters:     RefreshJobParameters(p.Request, p.account),
	}
	if err := c.enqueuer.Enqueue(ctx, msg); err != nil {
		c.observer.Warn(ctx, "proactive refresh could not be enqueued", map[string]any{
			"correlation_id": p.CorrelationID,
			"error":          err.Error(),
		})
		return
	}
	c.observer.Count(ctx, "proactive_refresh_enqueued", nil)
}
