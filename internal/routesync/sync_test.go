package routesync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/burrownet/burrow/internal/domain"
	"github.com/burrownet/burrow/internal/registry"
)

// fakeProxy records admin calls and fails the first failUpserts upserts
// with failWith, defaulting to a transient error.
type fakeProxy struct {
	mu          sync.Mutex
	upserts     []domain.RoutingEntry
	deletes     []string
	failUpserts int
	failWith    error
	blockUpsert chan struct{} // when set, upserts wait for ctx cancellation
}

func (p *fakeProxy) Upsert(ctx context.Context, entry domain.RoutingEntry) error {
	p.mu.Lock()
	block := p.blockUpsert
	p.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.upserts = append(p.upserts, entry)
	if p.failUpserts > 0 {
		p.failUpserts--
		if p.failWith != nil {
			return p.failWith
		}
		return fmt.Errorf("%w: proxy unavailable", domain.ErrTransport)
	}
	return nil
}

func (p *fakeProxy) Delete(ctx context.Context, subdomain string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deletes = append(p.deletes, subdomain)
	return nil
}

func (p *fakeProxy) upsertCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.upserts)
}

func (p *fakeProxy) deleteCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.deletes)
}

func testSynchronizer(t *testing.T, proxy ProxyAdmin, attempts int) *Synchronizer {
	t.Helper()
	s, err := New(Config{
		Proxy:    proxy,
		Attempts: attempts,
		Delay:    time.Millisecond,
		MaxDelay: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func testBinding(id, subdomain string) domain.Binding {
	return domain.Binding{
		ID:             id,
		Subdomain:      subdomain,
		LocalTarget:    domain.Target{Host: "127.0.0.1", Port: 3000},
		RemoteEndpoint: "tunnel.example.com:20000",
		Status:         domain.BindingStatusActive,
	}
}

// run drives the synchronizer over a test-owned event channel and returns a
// sender plus a stop func that waits for all pushes to drain.
func run(s *Synchronizer) (chan<- registry.Event, func()) {
	events := make(chan registry.Event)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(context.Background(), events)
	}()
	return events, func() {
		close(events)
		<-done
	}
}

func TestActivationPushesRoute(t *testing.T) {
	t.Parallel()
	proxy := &fakeProxy{}
	s := testSynchronizer(t, proxy, 3)
	events, stop := run(s)

	b := testBinding("b1", "app")
	events <- registry.Event{Kind: registry.EventActivated, Binding: b}
	stop()

	if got := proxy.upsertCount(); got != 1 {
		t.Fatalf("upserts = %d, want 1", got)
	}
	proxy.mu.Lock()
	entry := proxy.upserts[0]
	proxy.mu.Unlock()
	if entry.Subdomain != "app" || entry.Upstream != "tunnel.example.com:20000" {
		t.Fatalf("pushed entry = %+v", entry)
	}
	if !s.InSync("b1") {
		t.Fatal("binding should be in sync after a successful push")
	}
}

func TestPushRetriesUntilSuccess(t *testing.T) {
	t.Parallel()
	proxy := &fakeProxy{failUpserts: 2}
	s := testSynchronizer(t, proxy, 5)
	events, stop := run(s)

	events <- registry.Event{Kind: registry.EventActivated, Binding: testBinding("b1", "app")}
	stop()

	if got := proxy.upsertCount(); got != 3 {
		t.Fatalf("upserts = %d, want 2 failures + 1 success", got)
	}
	if !s.InSync("b1") {
		t.Fatal("binding should be in sync after retries land")
	}
}

func TestPersistentFailureLeavesOutOfSync(t *testing.T) {
	t.Parallel()
	proxy := &fakeProxy{failUpserts: 100}
	s := testSynchronizer(t, proxy, 3)
	events, stop := run(s)

	events <- registry.Event{Kind: registry.EventActivated, Binding: testBinding("b1", "app")}
	stop()

	if got := proxy.upsertCount(); got != 3 {
		t.Fatalf("upserts = %d, want the configured attempt cap", got)
	}
	if s.InSync("b1") {
		t.Fatal("binding must be out of sync after exhausted retries")
	}
}

func TestNonTransientFailureIsNotRetried(t *testing.T) {
	t.Parallel()
	proxy := &fakeProxy{failUpserts: 100, failWith: errors.New("unacceptable route")}
	s := testSynchronizer(t, proxy, 5)
	events, stop := run(s)

	events <- registry.Event{Kind: registry.EventActivated, Binding: testBinding("b1", "app")}
	stop()

	if got := proxy.upsertCount(); got != 1 {
		t.Fatalf("upserts = %d, want a single attempt for a deliberate rejection", got)
	}
	if s.InSync("b1") {
		t.Fatal("binding must be out of sync after a rejected push")
	}
}

func TestCancellationAbortsInFlightPushes(t *testing.T) {
	t.Parallel()
	proxy := &fakeProxy{blockUpsert: make(chan struct{})}
	s := testSynchronizer(t, proxy, 100)

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan registry.Event)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx, events)
	}()

	events <- registry.Event{Kind: registry.EventActivated, Binding: testBinding("b1", "app")}
	cancel()
	<-done

	if got := proxy.upsertCount(); got != 0 {
		t.Fatalf("upserts = %d, want the blocked push abandoned on cancellation", got)
	}
	if s.InSync("b1") {
		t.Fatal("binding must not report in sync after an aborted push")
	}
}

func TestCloseDeletesRoute(t *testing.T) {
	t.Parallel()
	proxy := &fakeProxy{}
	s := testSynchronizer(t, proxy, 3)
	events, stop := run(s)

	b := testBinding("b1", "app")
	events <- registry.Event{Kind: registry.EventActivated, Binding: b}
	events <- registry.Event{Kind: registry.EventClosed, Binding: b}
	stop()

	if got := proxy.deleteCount(); got != 1 {
		t.Fatalf("deletes = %d, want 1", got)
	}
	proxy.mu.Lock()
	sub := proxy.deletes[0]
	proxy.mu.Unlock()
	if sub != "app" {
		t.Fatalf("deleted subdomain = %q, want app", sub)
	}
	if s.InSync("b1") {
		t.Fatal("closed binding must not report in sync")
	}
}

func TestCloseCancelsInFlightUpsert(t *testing.T) {
	t.Parallel()
	proxy := &fakeProxy{blockUpsert: make(chan struct{})}
	s := testSynchronizer(t, proxy, 100)
	events, stop := run(s)

	b := testBinding("b1", "app")
	events <- registry.Event{Kind: registry.EventActivated, Binding: b}
	// The upsert is stuck against an unresponsive proxy; closing must
	// cancel it and push the delete instead.
	events <- registry.Event{Kind: registry.EventClosed, Binding: b}
	stop()

	if got := proxy.deleteCount(); got != 1 {
		t.Fatalf("deletes = %d, want 1", got)
	}
	if s.InSync("b1") {
		t.Fatal("closed binding must not report in sync")
	}
}

func TestIgnoresLifecycleOnlyEvents(t *testing.T) {
	t.Parallel()
	proxy := &fakeProxy{}
	s := testSynchronizer(t, proxy, 3)
	events, stop := run(s)

	b := testBinding("b1", "app")
	events <- registry.Event{Kind: registry.EventRegistered, Binding: b}
	events <- registry.Event{Kind: registry.EventDegraded, Binding: b}
	events <- registry.Event{Kind: registry.EventResumed, Binding: b}
	stop()

	if proxy.upsertCount() != 0 || proxy.deleteCount() != 0 {
		t.Fatalf("proxy touched for non-routing events: %d upserts, %d deletes",
			proxy.upsertCount(), proxy.deleteCount())
	}
}
