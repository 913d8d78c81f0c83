// Package domain defines the core data types shared across the burrow
// broker, registry, transport client, and routing synchronizer.
package domain

import (
	"net"
	"strconv"
	"time"
)

// Binding status constants track the lifecycle of a tunnel binding.
// Transitions are monotone along Pending → Active → Degraded → Closed,
// except that a Degraded binding returns to Active when its client
// re-registers and heartbeats within the grace period. Closed is terminal.
const (
	BindingStatusPending  = "pending"
	BindingStatusActive   = "active"
	BindingStatusDegraded = "degraded"
	BindingStatusClosed   = "closed"
)

// Binding maps a public subdomain to a client's local target for the
// lifetime of the broker process. The registry exclusively owns a binding's
// lifecycle; clients hold mirrors of their own binding and reconcile against
// registry responses.
type Binding struct {
	ID              string
	Name            string // optional client-supplied label
	Subdomain       string
	LocalTarget     Target
	RemoteEndpoint  string // broker-allocated public host:port
	Status          string
	CreatedAt       time.Time
	LastHeartbeatAt time.Time
}

// Closed reports whether the binding has reached its terminal state.
func (b Binding) Closed() bool {
	return b.Status == BindingStatusClosed
}

// Target is the client-local upstream a binding forwards to.
type Target struct {
	Host string
	Port int
}

func (t Target) String() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// Session is one live transport connection of a client to the broker,
// associated with exactly one binding at a time.
type Session struct {
	ID        string
	BindingID string
}

// RoutingEntry is the derived rule the external reverse proxy uses to
// forward subdomain traffic to the correct upstream. It is never stored
// independently; it is computed from a binding and mirrored into the
// proxy's dynamic configuration.
type RoutingEntry struct {
	Subdomain string
	Upstream  string
}

// RoutingEntryFor derives the proxy routing entry for a binding.
func RoutingEntryFor(b Binding) RoutingEntry {
	return RoutingEntry{Subdomain: b.Subdomain, Upstream: b.RemoteEndpoint}
}
