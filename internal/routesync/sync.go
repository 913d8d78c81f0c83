// Package routesync keeps the external reverse proxy's dynamic routing
// configuration consistent with live tunnel bindings. Synchronization is
// advisory: push failures degrade a binding's routing status but never its
// lifecycle.
package routesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"

	"github.com/burrownet/burrow/internal/domain"
	ilog "github.com/burrownet/burrow/internal/log"
	"github.com/burrownet/burrow/internal/registry"
)

// ProxyAdmin is the external proxy's dynamic-configuration surface. Both
// operations are declarative and idempotent: upserting an existing route
// replaces it, deleting an absent route succeeds.
type ProxyAdmin interface {
	Upsert(ctx context.Context, entry domain.RoutingEntry) error
	Delete(ctx context.Context, subdomain string) error
}

// Config carries the synchronizer's tunables.
type Config struct {
	Proxy ProxyAdmin

	// Attempts, Delay, and MaxDelay bound each push's retry schedule;
	// the eventual-consistency window is bounded by Attempts·MaxDelay.
	Attempts int
	Delay    time.Duration
	MaxDelay time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Validate rejects incomplete configuration before the synchronizer starts.
func (c Config) Validate() error {
	if c.Proxy == nil {
		return errors.New("proxy admin not set")
	}
	if c.Attempts <= 0 {
		return errors.New("sync attempts must be > 0")
	}
	if c.Delay <= 0 {
		return errors.New("sync delay must be > 0")
	}
	if c.MaxDelay < c.Delay {
		return errors.New("sync max delay must be >= delay")
	}
	return nil
}

// Synchronizer reconciles registry state transitions into proxy routes.
// Pushes run asynchronously relative to registry mutation; per-binding
// pushes are serialized by cancel-and-replace.
type Synchronizer struct {
	cfg Config
	clk clock.Clock
	log *slog.Logger

	mu     sync.Mutex
	inSync map[string]bool // binding id → last push landed
	pushes map[string]*push
	wg     sync.WaitGroup
}

// push tracks one in-flight reconciliation so a newer event for the same
// binding can cancel it.
type push struct {
	cancel context.CancelFunc
}

// New creates a synchronizer from a validated config.
func New(cfg Config) (*Synchronizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("routesync config: %w", err)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	logger := cfg.Logger
	if logger == nil {
		logger = ilog.Discard()
	}
	return &Synchronizer{
		cfg:    cfg,
		clk:    clk,
		log:    logger,
		inSync: make(map[string]bool),
		pushes: make(map[string]*push),
	}, nil
}

// InSync reports whether the binding's public route reflects its latest
// activation. False for unknown bindings and while a push is in flight.
func (s *Synchronizer) InSync(bindingID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inSync[bindingID]
}

// Run consumes registry events until ctx is canceled or the event channel
// closes. Cancellation aborts in-flight pushes; a channel close lets them
// finish their bounded retry schedules before returning.
func (s *Synchronizer) Run(ctx context.Context, events <-chan registry.Event) {
	for {
		select {
		case <-ctx.Done():
			s.cancelAll()
			s.wg.Wait()
			return
		case evt, ok := <-events:
			if !ok {
				s.wg.Wait()
				return
			}
			s.dispatch(ctx, evt)
		}
	}
}

func (s *Synchronizer) dispatch(ctx context.Context, evt registry.Event) {
	switch evt.Kind {
	case registry.EventActivated:
		entry := domain.RoutingEntryFor(evt.Binding)
		s.startPush(ctx, evt.Binding.ID, func(pushCtx context.Context) error {
			return s.cfg.Proxy.Upsert(pushCtx, entry)
		}, false)
	case registry.EventClosed:
		subdomain := evt.Binding.Subdomain
		s.startPush(ctx, evt.Binding.ID, func(pushCtx context.Context) error {
			return s.cfg.Proxy.Delete(pushCtx, subdomain)
		}, true)
	}
}

// startPush replaces any in-flight push for the binding, canceling its
// retry timers so a closed tunnel releases them promptly.
func (s *Synchronizer) startPush(ctx context.Context, bindingID string, op func(context.Context) error, removal bool) {
	pushCtx, cancel := context.WithCancel(ctx)
	p := &push{cancel: cancel}

	s.mu.Lock()
	if prev, ok := s.pushes[bindingID]; ok {
		prev.cancel()
	}
	s.pushes[bindingID] = p
	s.inSync[bindingID] = false
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		err := s.pushWithRetry(pushCtx, bindingID, op)

		s.mu.Lock()
		if s.pushes[bindingID] == p {
			delete(s.pushes, bindingID)
		}
		switch {
		case removal:
			delete(s.inSync, bindingID)
		case err == nil:
			s.inSync[bindingID] = true
		default:
			s.inSync[bindingID] = false
		}
		s.mu.Unlock()

		if err != nil && pushCtx.Err() == nil {
			s.log.Error("routing out of sync", "binding_id", bindingID, "err", err)
		}
	}()
}

func (s *Synchronizer) pushWithRetry(ctx context.Context, bindingID string, op func(context.Context) error) error {
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			return op(ctx)
		},
		// A deliberate proxy rejection (4xx) will not succeed on
		// retry; only transient failures earn another attempt.
		IsFatalError: func(err error) bool {
			return ctx.Err() != nil || !domain.Transient(err)
		},
		NotifyFunc: func(lastErr error, attempt int) {
			s.log.Warn("proxy push failed", "binding_id", bindingID, "attempt", attempt, "err", lastErr)
		},
		Attempts:    s.cfg.Attempts,
		Delay:       s.cfg.Delay,
		MaxDelay:    s.cfg.MaxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       s.clk,
		Stop:        ctx.Done(),
	})
	if err == nil {
		return nil
	}
	if lastErr := retry.LastError(err); lastErr != nil {
		return fmt.Errorf("%w: %v", domain.ErrSyncFailed, lastErr)
	}
	return fmt.Errorf("%w: %v", domain.ErrSyncFailed, err)
}

func (s *Synchronizer) cancelAll() {
	s.mu.Lock()
	for id, p := range s.pushes {
		p.cancel()
		delete(s.pushes, id)
	}
	s.mu.Unlock()
}
