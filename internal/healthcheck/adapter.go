package healthcheck

import (
	"context"
	"time"
)

const defaultPingTimeout = 2 * time.Second

// PingFunc is the Ping method of a pool, client or connection.
type PingFunc func(ctx context.Context) error

// PingChecker bridges a PingFunc to Checker.
type PingChecker struct {
	id      string
	ping    PingFunc
	timeout time.Duration
}

// NewPingChecker creates a checker named id. A nil ping reports unknown.
func NewPingChecker(id string, ping PingFunc) *PingChecker {
	return &PingChecker{id: id, ping: ping, timeout: defaultPingTimeout}
}

// ListChecks pings once with a short timeout.
func (a *PingChecker) ListChecks(ctx context.Context) []CheckResult {
	if a == nil {
		return []CheckResult{}
	}
	item := CheckResult{ID: "dependency." + a.id, Type: "dependency", Status: StatusOK, Summary: a.id + " is reachable."}
	if a.ping == nil {
		item.Status = StatusUnknown
		item.Summary = a.id + " has no ping."
		return []CheckResult{item}
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	started := time.Now()
	err := a.ping(ctx)
	item.Metadata = map[string]any{"latency_ms": time.Since(started).Milliseconds()}
	if err != nil {
		item.Status = StatusError
		item.Summary = a.id + " is unreachable."
		item.Detail = err.Error()
	}
	return []CheckResult{item}
}
