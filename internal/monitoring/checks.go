package monitoring

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/charlesng35/carecache/internal/cache"
)

const defaultProbeTimeout = 2 * time.Second

// Database pings the cache database.
func Database(db *gorm.DB) Check {
	return Check{Name: "database", Run: func(ctx context.Context) ProbeResult {
		if db == nil {
			return ProbeResult{Status: StatusDown, Details: "database not configured"}
		}
		sqlDB, err := db.DB()
		if err != nil {
			return ResultFromError(err)
		}
		probeCtx, cancel := context.WithTimeout(ctx, defaultProbeTimeout)
		defer cancel()
		return ResultFromError(sqlDB.PingContext(probeCtx))
	}}
}

// Connectivity reports the state of the remote data service.
type Connectivity interface {
	Online() bool
}

// Remote reports degraded while the data service is unreachable; the cache
// keeps serving reads and queueing writes in the meantime.
func Remote(status Connectivity) Check {
	return Check{Name: "remote", Run: func(context.Context) ProbeResult {
		if status == nil {
			return ProbeResult{Status: StatusDegraded, Details: "remote not configured"}
		}
		if !status.Online() {
			return ProbeResult{Status: StatusDegraded, Details: "remote unreachable; writes are queued"}
		}
		return ProbeResult{Status: StatusUp}
	}}
}

// Queue reports degraded once more than limit actions wait for replay.
func Queue(store cache.Store, limit int64) Check {
	return Check{Name: "offline_queue", Run: func(ctx context.Context) ProbeResult {
		stats, err := store.GetStats(ctx).Unwrap()
		if err != nil {
			return ResultFromError(err)
		}
		if limit > 0 && stats.Pending > limit {
			return ProbeResult{Status: StatusDegraded, Details: fmt.Sprintf("%d actions pending", stats.Pending)}
		}
		return ProbeResult{Status: StatusUp, Details: fmt.Sprintf("%d actions pending", stats.Pending)}
	}}
}

// Pinger is a dependency answering a liveness ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Redis pings the lease backend. A lost lease backend degrades replay
// coordination but not the cache itself.
func Redis(client Pinger) Check {
	return Check{Name: "redis", Run: func(ctx context.Context) ProbeResult {
		probeCtx, cancel := context.WithTimeout(ctx, defaultProbeTimeout)
		defer cancel()
		if err := client.Ping(probeCtx); err != nil {
			return ProbeResult{Status: StatusDegraded, Details: err.Error()}
		}
		return ProbeResult{Status: StatusUp}
	}}
}
