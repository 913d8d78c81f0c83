// Package registry implements the broker's authoritative table of tunnel
// bindings: allocation, heartbeat bookkeeping, grace-period expiry, and
// state-change events.
package registry

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/burrownet/burrow/internal/domain"
	ilog "github.com/burrownet/burrow/internal/log"
	"github.com/burrownet/burrow/internal/netutil"
)

// DefaultSubdomainAlphabet is used for generated labels when the
// configuration does not override the character set.
const DefaultSubdomainAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// Config carries the registry's tunables. Grace period and sweep interval
// have no baked-in defaults and must be supplied.
type Config struct {
	// EndpointHost is the public host advertised in allocated remote
	// endpoints (host:port).
	EndpointHost string

	// GracePeriod is how long a degraded binding stays reclaimable by a
	// reconnecting client before the sweep closes it.
	GracePeriod time.Duration

	// SweepInterval is how often degraded bindings are scanned for expiry.
	SweepInterval time.Duration

	// HeartbeatTimeout degrades bindings whose last heartbeat is older than
	// this, catching sessions that went silent without the transport
	// noticing. Zero disables the staleness check; disconnects alone then
	// drive degradation.
	HeartbeatTimeout time.Duration

	// ClosedRetention bounds how long closed bindings stay queryable.
	// Zero keeps them for the broker's lifetime.
	ClosedRetention time.Duration

	SubdomainAlphabet   string
	SubdomainLength     int
	MaxGenerateAttempts int

	// PortMin/PortMax bound the public endpoint port pool.
	PortMin, PortMax int

	// EventBuffer sizes subscriber channels.
	EventBuffer int

	Clock  clock.Clock
	Logger *slog.Logger
}

// Validate rejects incomplete configuration before the registry starts.
func (c Config) Validate() error {
	if c.EndpointHost == "" {
		return errors.New("endpoint host not set")
	}
	if c.GracePeriod <= 0 {
		return errors.New("grace period must be > 0")
	}
	if c.SweepInterval <= 0 {
		return errors.New("sweep interval must be > 0")
	}
	if c.SubdomainLength <= 0 || c.SubdomainLength > 63 {
		return errors.New("subdomain length must be in 1-63")
	}
	if c.MaxGenerateAttempts <= 0 {
		return errors.New("max generate attempts must be > 0")
	}
	if c.PortMin <= 0 || c.PortMax > 65535 || c.PortMax < c.PortMin {
		return errors.New("endpoint port range is invalid")
	}
	alphabet := c.SubdomainAlphabet
	if alphabet == "" {
		alphabet = DefaultSubdomainAlphabet
	}
	for i := 0; i < len(alphabet); i++ {
		ch := alphabet[i]
		if ch >= 'a' && ch <= 'z' || ch >= '0' && ch <= '9' {
			continue
		}
		return fmt.Errorf("subdomain alphabet contains invalid character %q", ch)
	}
	return nil
}

// entry is one binding plus its registry-side bookkeeping. The entry mutex
// serializes all mutation of a single binding; the registry lock guards the
// lookup maps and the port pool. Lock order is always registry before
// entry, never the reverse.
type entry struct {
	mu         sync.Mutex
	b          domain.Binding
	sessionID  string
	port       int
	degradedAt time.Time
	closedAt   time.Time
}

// Registry is the broker-wide binding table. All mutating operations on a
// given binding are serialized; operations on distinct bindings proceed
// concurrently.
type Registry struct {
	cfg      Config
	alphabet string
	clk      clock.Clock
	log      *slog.Logger

	mu          sync.RWMutex
	bindings    map[string]*entry // by binding id, including closed
	bySubdomain map[string]*entry // non-closed only
	bySession   map[string]*entry // live sessions only
	ports       *portAllocator

	events *broadcaster
}

// New creates a registry from a validated config.
func New(cfg Config) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("registry config: %w", err)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	logger := cfg.Logger
	if logger == nil {
		logger = ilog.Discard()
	}
	alphabet := cfg.SubdomainAlphabet
	if alphabet == "" {
		alphabet = DefaultSubdomainAlphabet
	}
	return &Registry{
		cfg:         cfg,
		alphabet:    alphabet,
		clk:         clk,
		log:         logger,
		bindings:    make(map[string]*entry),
		bySubdomain: make(map[string]*entry),
		bySession:   make(map[string]*entry),
		ports:       newPortAllocator(cfg.PortMin, cfg.PortMax),
		events:      newBroadcaster(),
	}, nil
}

// Subscribe returns a channel of binding state-change events. The returned
// cancel func must be called when the subscriber is done.
func (r *Registry) Subscribe() (<-chan Event, func()) {
	return r.events.subscribe(r.cfg.EventBuffer)
}

// DroppedEvents reports how many events were discarded because a subscriber
// buffer was full.
func (r *Registry) DroppedEvents() int64 {
	return r.events.droppedEvents()
}

// RegisterSpec is a bind request from a transport session or the control API.
type RegisterSpec struct {
	Name      string
	Subdomain string // optional; generated when empty
	LocalHost string
	LocalPort int
	BindingID string // reconnect hint; lets a client reclaim its degraded binding
}

// RegisterResult reports the allocated (or resumed) binding and the session
// the client must heartbeat with.
type RegisterResult struct {
	Binding domain.Binding
	Session domain.Session
	Resumed bool
}

// Register allocates a new pending binding, or resumes a degraded one when
// the requested subdomain belongs to a degraded binding with the same local
// target. A resumed binding keeps its id and stays degraded until the first
// heartbeat restores it to active.
func (r *Registry) Register(spec RegisterSpec) (RegisterResult, error) {
	target, err := netutil.ValidateTarget(spec.LocalHost, spec.LocalPort)
	if err != nil {
		return RegisterResult{}, err
	}
	sub := netutil.NormalizeLabel(spec.Subdomain)
	if sub != "" && !netutil.ValidLabel(sub) {
		return RegisterResult{}, fmt.Errorf("%w: subdomain %q is not a valid DNS label", domain.ErrInvalidTarget, spec.Subdomain)
	}

	r.mu.Lock()

	// A degraded binding past its grace period is dead even if the sweep
	// has not run yet; reap it here so the subdomain is free again.
	var expired *Event
	if sub != "" {
		if existing, taken := r.bySubdomain[sub]; taken {
			if snapshot, reaped := r.reapExpiredLocked(existing); reaped {
				evt := Event{Kind: EventClosed, Binding: snapshot}
				expired = &evt
			} else {
				res, evt, err := r.tryResumeLocked(existing, spec, target)
				r.mu.Unlock()
				if evt != nil {
					r.events.publish(*evt)
				}
				return res, err
			}
		}
	} else {
		sub, err = r.generateSubdomainLocked()
		if err != nil {
			r.mu.Unlock()
			return RegisterResult{}, err
		}
	}

	bindingID := uuid.NewString()
	port, err := r.ports.allocate(bindingID)
	if err != nil {
		r.mu.Unlock()
		r.publishExpired(expired)
		return RegisterResult{}, err
	}

	now := r.clk.Now()
	e := &entry{
		b: domain.Binding{
			ID:             bindingID,
			Name:           spec.Name,
			Subdomain:      sub,
			LocalTarget:    target,
			RemoteEndpoint: net.JoinHostPort(r.cfg.EndpointHost, strconv.Itoa(port)),
			Status:         domain.BindingStatusPending,
			CreatedAt:      now,
		},
		sessionID: uuid.NewString(),
		port:      port,
	}
	r.bindings[bindingID] = e
	r.bySubdomain[sub] = e
	r.bySession[e.sessionID] = e
	snapshot := e.b
	sess := domain.Session{ID: e.sessionID, BindingID: bindingID}
	r.mu.Unlock()

	r.publishExpired(expired)
	r.log.Info("binding registered", "binding_id", bindingID, "subdomain", sub, "target", target.String())
	r.events.publish(Event{Kind: EventRegistered, Binding: snapshot})
	return RegisterResult{Binding: snapshot, Session: sess}, nil
}

func (r *Registry) publishExpired(evt *Event) {
	if evt == nil {
		return
	}
	r.log.Info("binding expired", "binding_id", evt.Binding.ID, "subdomain", evt.Binding.Subdomain)
	r.events.publish(*evt)
}

// reapExpiredLocked closes a degraded binding whose grace period has
// elapsed. Callers hold the registry write lock.
func (r *Registry) reapExpiredLocked(e *entry) (domain.Binding, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.b.Status != domain.BindingStatusDegraded || e.degradedAt.IsZero() ||
		r.clk.Now().Sub(e.degradedAt) < r.cfg.GracePeriod {
		return domain.Binding{}, false
	}
	return r.closeLocked(e), true
}

// tryResumeLocked attaches a new session to a degraded binding when the
// reconnecting client matches it. Callers hold the registry write lock.
func (r *Registry) tryResumeLocked(e *entry, spec RegisterSpec, target domain.Target) (RegisterResult, *Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	resumable := e.b.Status == domain.BindingStatusDegraded &&
		e.b.LocalTarget == target &&
		(spec.BindingID == "" || spec.BindingID == e.b.ID)
	if !resumable {
		return RegisterResult{}, nil, fmt.Errorf("%w: %q", domain.ErrDuplicateSubdomain, e.b.Subdomain)
	}

	delete(r.bySession, e.sessionID)
	e.sessionID = uuid.NewString()
	r.bySession[e.sessionID] = e
	// The reclaimed binding gets a fresh grace window to deliver the
	// heartbeat that restores it.
	e.degradedAt = r.clk.Now()

	snapshot := e.b
	r.log.Info("binding resumed", "binding_id", e.b.ID, "subdomain", e.b.Subdomain)
	evt := Event{Kind: EventResumed, Binding: snapshot}
	sess := domain.Session{ID: e.sessionID, BindingID: e.b.ID}
	return RegisterResult{Binding: snapshot, Session: sess, Resumed: true}, &evt, nil
}

// Heartbeat refreshes the session's liveness. The first heartbeat promotes
// a pending binding to active; a heartbeat on a degraded binding restores
// it to active within the grace period.
func (r *Registry) Heartbeat(sessionID string) error {
	r.mu.RLock()
	e := r.bySession[sessionID]
	r.mu.RUnlock()
	if e == nil {
		return fmt.Errorf("session %s: %w", sessionID, domain.ErrNotFound)
	}

	now := r.clk.Now()
	e.mu.Lock()
	if e.sessionID != sessionID || e.b.Closed() {
		bindingID := e.b.ID
		e.mu.Unlock()
		return &domain.BindingError{BindingID: bindingID, Op: "heartbeat", Err: domain.ErrNotFound}
	}
	// A heartbeat landing after the grace period ran out cannot revive the
	// binding; it is closed as if the sweep had caught it first.
	if e.b.Status == domain.BindingStatusDegraded && now.Sub(e.degradedAt) >= r.cfg.GracePeriod {
		bindingID := e.b.ID
		e.mu.Unlock()
		r.expire(e)
		return &domain.BindingError{BindingID: bindingID, Op: "heartbeat", Err: domain.ErrNotFound}
	}
	e.b.LastHeartbeatAt = now
	var evt *Event
	switch e.b.Status {
	case domain.BindingStatusPending, domain.BindingStatusDegraded:
		e.b.Status = domain.BindingStatusActive
		e.degradedAt = time.Time{}
		snapshot := e.b
		evt = &Event{Kind: EventActivated, Binding: snapshot}
	}
	e.mu.Unlock()

	if evt != nil {
		r.log.Info("binding active", "binding_id", evt.Binding.ID, "subdomain", evt.Binding.Subdomain)
		r.events.publish(*evt)
	}
	return nil
}

// MarkDisconnected transitions the session's binding to degraded and starts
// its grace timer. A stale session id (already replaced by a resume) is
// ignored so a late disconnect cannot degrade the successor session.
func (r *Registry) MarkDisconnected(sessionID string) {
	r.mu.RLock()
	e := r.bySession[sessionID]
	r.mu.RUnlock()
	if e == nil {
		return
	}

	e.mu.Lock()
	if e.sessionID != sessionID {
		e.mu.Unlock()
		return
	}
	var evt *Event
	switch e.b.Status {
	case domain.BindingStatusPending, domain.BindingStatusActive:
		e.b.Status = domain.BindingStatusDegraded
		e.degradedAt = r.clk.Now()
		snapshot := e.b
		evt = &Event{Kind: EventDegraded, Binding: snapshot}
	}
	e.mu.Unlock()

	if evt != nil {
		r.log.Warn("binding degraded", "binding_id", evt.Binding.ID, "subdomain", evt.Binding.Subdomain, "grace", r.cfg.GracePeriod.String())
		r.events.publish(*evt)
	}
}

// Close transitions a binding to its terminal state, releasing its
// subdomain and endpoint for reuse. Idempotent on an already-closed id.
func (r *Registry) Close(bindingID string) error {
	r.mu.Lock()
	e := r.bindings[bindingID]
	if e == nil {
		r.mu.Unlock()
		return &domain.BindingError{BindingID: bindingID, Op: "close", Err: domain.ErrNotFound}
	}
	e.mu.Lock()
	if e.b.Closed() {
		e.mu.Unlock()
		r.mu.Unlock()
		return nil
	}
	snapshot := r.closeLocked(e)
	e.mu.Unlock()
	r.mu.Unlock()

	r.log.Info("binding closed", "binding_id", snapshot.ID, "subdomain", snapshot.Subdomain)
	r.events.publish(Event{Kind: EventClosed, Binding: snapshot})
	return nil
}

// closeLocked performs the terminal transition. Callers hold both the
// registry write lock and the entry lock.
func (r *Registry) closeLocked(e *entry) domain.Binding {
	e.b.Status = domain.BindingStatusClosed
	e.closedAt = r.clk.Now()
	delete(r.bySubdomain, e.b.Subdomain)
	delete(r.bySession, e.sessionID)
	e.sessionID = ""
	r.ports.release(e.port)
	return e.b
}

// Get returns a snapshot of a binding, including closed ones still within
// the retention window.
func (r *Registry) Get(bindingID string) (domain.Binding, error) {
	r.mu.RLock()
	e := r.bindings[bindingID]
	r.mu.RUnlock()
	if e == nil {
		return domain.Binding{}, &domain.BindingError{BindingID: bindingID, Op: "get", Err: domain.ErrNotFound}
	}
	e.mu.Lock()
	b := e.b
	e.mu.Unlock()
	return b, nil
}

// List returns a point-in-time snapshot of all known bindings.
func (r *Registry) List() []domain.Binding {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.bindings))
	for _, e := range r.bindings {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]domain.Binding, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.b)
		e.mu.Unlock()
	}
	return out
}

// generateSubdomainLocked draws random labels until one is free, bounded by
// the configured attempt count. Callers hold the registry write lock.
func (r *Registry) generateSubdomainLocked() (string, error) {
	for attempt := 0; attempt < r.cfg.MaxGenerateAttempts; attempt++ {
		label, err := randomLabel(r.alphabet, r.cfg.SubdomainLength)
		if err != nil {
			return "", err
		}
		if _, taken := r.bySubdomain[label]; !taken {
			return label, nil
		}
	}
	return "", fmt.Errorf("%w: could not generate a free subdomain in %d attempts", domain.ErrResourceExhausted, r.cfg.MaxGenerateAttempts)
}

func randomLabel(alphabet string, length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, length)
	for i, v := range buf {
		out[i] = alphabet[int(v)%len(alphabet)]
	}
	return string(out), nil
}
