// Package retention runs the periodic sweep that removes agents the
// registry no longer needs to keep resident: Complete agents past
// CompletedTTL, and (if enabled) any agent whose LastActivity is older than
// IdleTTL regardless of status.
package retention

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentwatch/agentwatch/internal/agent"
	"github.com/agentwatch/agentwatch/internal/registry"
	"github.com/agentwatch/agentwatch/internal/router"
	"github.com/agentwatch/agentwatch/internal/telemetry"
)

var tracer = otel.Tracer("github.com/agentwatch/agentwatch/internal/retention")

// deleter is the subset of *router.Router the worker needs, kept narrow so
// tests can supply a fake.
type deleter interface {
	List(ctx context.Context, q registry.Query) []*agent.Agent
	Delete(ctx context.Context, id string) (bool, error)
}

var _ deleter = (*router.Router)(nil)

// Worker sweeps agents out of the registry on a fixed interval.
type Worker struct {
	rt           deleter
	interval     time.Duration
	completedTTL time.Duration
	idleTTL      time.Duration
	now          func() time.Time
}

// New constructs a Worker. An idleTTL of zero disables idle-agent eviction:
// only Complete agents past completedTTL are ever removed.
func New(rt deleter, interval, completedTTL, idleTTL time.Duration) *Worker {
	return &Worker{
		rt:           rt,
		interval:     interval,
		completedTTL: completedTTL,
		idleTTL:      idleTTL,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps every interval until ctx is canceled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep runs one retention pass immediately, returning the number of
// agents removed. It is exported so callers (and tests) can trigger a pass
// without waiting on the ticker.
func (w *Worker) Sweep(ctx context.Context) int {
	ctx, span := tracer.Start(ctx, "retention.sweep")
	defer span.End()

	now := w.now()
	all := w.rt.List(ctx, registry.Query{})
	deleted := 0
	for _, a := range all {
		reason, evict := w.shouldEvict(a, now)
		if !evict {
			continue
		}
		if existed, err := w.rt.Delete(ctx, a.ID); err == nil && existed {
			deleted++
			telemetry.RetentionDeletedTotal.WithLabelValues(reason).Inc()
		}
	}
	telemetry.RetentionAgentsTotal.Set(float64(len(all) - deleted))
	return deleted
}

func (w *Worker) shouldEvict(a *agent.Agent, now time.Time) (reason string, evict bool) {
	if a.Status == agent.StatusComplete && w.completedTTL > 0 && now.Sub(a.LastActivity) >= w.completedTTL {
		return "completed_ttl", true
	}
	if w.idleTTL > 0 && now.Sub(a.LastActivity) >= w.idleTTL {
		return "idle_ttl", true
	}
	return "", false
}
