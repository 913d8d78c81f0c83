package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/burrownet/burrow/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordAndReadEvents(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	kinds := []string{"registered", "activated", "degraded", "closed"}
	for i, kind := range kinds {
		if err := s.RecordEvent(ctx, "b1", "app", kind, base.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("RecordEvent(%s): %v", kind, err)
		}
	}

	events, err := s.RecentEvents(ctx, "b1", 10)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("events = %d, want 4", len(events))
	}
	// Newest first.
	if events[0].Kind != "closed" || events[3].Kind != "registered" {
		t.Fatalf("order wrong: first %q last %q", events[0].Kind, events[3].Kind)
	}
	if events[0].Subdomain != "app" || !events[0].At.Equal(base.Add(3*time.Second)) {
		t.Fatalf("event = %+v", events[0])
	}

	other, err := s.RecentEvents(ctx, "b2", 10)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("unrelated binding has %d events", len(other))
	}
}

func TestArchiveAndListClosed(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	b := domain.Binding{
		ID:             "b1",
		Name:           "demo",
		Subdomain:      "app",
		LocalTarget:    domain.Target{Host: "127.0.0.1", Port: 3000},
		RemoteEndpoint: "tunnel.example.com:20000",
		CreatedAt:      base,
	}
	if err := s.ArchiveClosed(ctx, b, base.Add(time.Hour)); err != nil {
		t.Fatalf("ArchiveClosed: %v", err)
	}
	// Re-archiving the same id must not duplicate the row.
	if err := s.ArchiveClosed(ctx, b, base.Add(2*time.Hour)); err != nil {
		t.Fatalf("ArchiveClosed again: %v", err)
	}

	b2 := b
	b2.ID = "b2"
	b2.Subdomain = "beta"
	if err := s.ArchiveClosed(ctx, b2, base.Add(3*time.Hour)); err != nil {
		t.Fatalf("ArchiveClosed b2: %v", err)
	}

	closed, err := s.ListClosed(ctx, 10)
	if err != nil {
		t.Fatalf("ListClosed: %v", err)
	}
	if len(closed) != 2 {
		t.Fatalf("closed = %d, want 2", len(closed))
	}
	if closed[0].ID != "b2" {
		t.Fatalf("order = %q first, want newest closed first", closed[0].ID)
	}
	got := closed[1]
	if got.ID != "b1" || got.Subdomain != "app" || got.LocalTarget != "127.0.0.1:3000" {
		t.Fatalf("descriptor = %+v", got)
	}
	if got.Status != domain.BindingStatusClosed {
		t.Fatalf("status = %q, want closed", got.Status)
	}

	one, err := s.ListClosed(ctx, 1)
	if err != nil {
		t.Fatalf("ListClosed limit: %v", err)
	}
	if len(one) != 1 || one[0].ID != "b2" {
		t.Fatalf("limited list = %+v", one)
	}
}

func TestPruneEvents(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		if err := s.RecordEvent(ctx, "b1", "app", "activated", base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("RecordEvent: %v", err)
		}
	}

	n, err := s.PruneEvents(ctx, base.Add(5*time.Minute), 100)
	if err != nil {
		t.Fatalf("PruneEvents: %v", err)
	}
	if n != 5 {
		t.Fatalf("pruned = %d, want 5", n)
	}

	left, err := s.RecentEvents(ctx, "b1", 100)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(left) != 5 {
		t.Fatalf("remaining = %d, want 5", len(left))
	}
	for _, e := range left {
		if e.At.Before(base.Add(5 * time.Minute)) {
			t.Fatalf("event %v survived the prune cutoff", e.At)
		}
	}
}

func TestPruneBatchBound(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		if err := s.RecordEvent(ctx, "b1", "app", "activated", base); err != nil {
			t.Fatalf("RecordEvent: %v", err)
		}
	}

	n, err := s.PruneEvents(ctx, base.Add(time.Hour), 3)
	if err != nil {
		t.Fatalf("PruneEvents: %v", err)
	}
	if n != 3 {
		t.Fatalf("pruned = %d, want batch bound 3", n)
	}
}
