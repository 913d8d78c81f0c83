package registry

import (
	"context"
	"time"

	"github.com/burrownet/burrow/internal/domain"
)

// Run drives the periodic expiry sweep until ctx is canceled. Degraded
// bindings whose grace period has elapsed are closed; closed bindings past
// the retention window are forgotten. On shutdown every subscriber channel
// is closed so consumers drain and exit.
func (r *Registry) Run(ctx context.Context) {
	timer := r.clk.NewTimer(r.cfg.SweepInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			if n := r.events.droppedEvents(); n > 0 {
				r.log.Warn("slow subscribers dropped events", "count", n)
			}
			r.events.close()
			return
		case <-timer.Chan():
			r.sweepOnce()
			timer.Reset(r.cfg.SweepInterval)
		}
	}
}

// sweepOnce scans for heartbeat-stale and expired bindings. Candidates are
// collected from a consistent snapshot and each one is re-validated under
// its entry lock immediately before the transition, so a heartbeat arriving
// during the scan keeps its binding alive.
func (r *Registry) sweepOnce() {
	now := r.clk.Now()

	if r.cfg.HeartbeatTimeout > 0 {
		r.degradeStale(now)
	}

	r.mu.RLock()
	candidates := make([]*entry, 0)
	for _, e := range r.bindings {
		e.mu.Lock()
		expired := e.b.Status == domain.BindingStatusDegraded &&
			!e.degradedAt.IsZero() && now.Sub(e.degradedAt) >= r.cfg.GracePeriod
		e.mu.Unlock()
		if expired {
			candidates = append(candidates, e)
		}
	}
	r.mu.RUnlock()

	for _, e := range candidates {
		r.expire(e)
	}

	if r.cfg.ClosedRetention > 0 {
		r.pruneClosed(now)
	}
}

// expire revalidates under both locks and closes the binding if its grace
// period has truly elapsed, so a heartbeat arriving between snapshot and
// transition cannot be lost.
func (r *Registry) expire(e *entry) {
	r.mu.Lock()
	snapshot, reaped := r.reapExpiredLocked(e)
	r.mu.Unlock()
	if reaped {
		r.publishExpired(&Event{Kind: EventClosed, Binding: snapshot})
	}
}

// degradeStale degrades bindings whose session went silent: active bindings
// whose last heartbeat is older than the timeout, and pending bindings never
// heartbeated within the timeout of their creation. The session mapping is
// kept so a late heartbeat on the same session still restores the binding.
func (r *Registry) degradeStale(now time.Time) {
	stale := func(e *entry) bool {
		switch e.b.Status {
		case domain.BindingStatusActive:
			return now.Sub(e.b.LastHeartbeatAt) >= r.cfg.HeartbeatTimeout
		case domain.BindingStatusPending:
			return now.Sub(e.b.CreatedAt) >= r.cfg.HeartbeatTimeout
		}
		return false
	}

	r.mu.RLock()
	candidates := make([]*entry, 0)
	for _, e := range r.bindings {
		e.mu.Lock()
		hit := stale(e)
		e.mu.Unlock()
		if hit {
			candidates = append(candidates, e)
		}
	}
	r.mu.RUnlock()

	for _, e := range candidates {
		e.mu.Lock()
		var snapshot domain.Binding
		hit := stale(e)
		if hit {
			e.b.Status = domain.BindingStatusDegraded
			e.degradedAt = now
			snapshot = e.b
		}
		e.mu.Unlock()

		if hit {
			r.log.Warn("binding heartbeat timeout", "binding_id", snapshot.ID, "subdomain", snapshot.Subdomain, "grace", r.cfg.GracePeriod.String())
			r.events.publish(Event{Kind: EventDegraded, Binding: snapshot})
		}
	}
}

// pruneClosed drops closed bindings older than the retention window from
// the id table. Closing such an id afterwards reports not found.
func (r *Registry) pruneClosed(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.bindings {
		e.mu.Lock()
		stale := e.b.Closed() && !e.closedAt.IsZero() && now.Sub(e.closedAt) >= r.cfg.ClosedRetention
		e.mu.Unlock()
		if stale {
			delete(r.bindings, id)
		}
	}
}
