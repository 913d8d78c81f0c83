package broker

import (
	"context"
	"time"

	"github.com/burrownet/burrow/internal/registry"
)

const journalWriteTimeout = 5 * time.Second
const journalPruneBatch = 1000

// runJournal consumes registry events and appends them to the history
// journal. It exits when the subscription is cancelled.
func (b *Broker) runJournal(events <-chan registry.Event) {
	for evt := range events {
		ctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
		now := b.clk.Now()
		if err := b.store.RecordEvent(ctx, evt.Binding.ID, evt.Binding.Subdomain, evt.Kind, now); err != nil {
			b.log.Error("journal write failed", "binding_id", evt.Binding.ID, "kind", evt.Kind, "err", err)
		}
		if evt.Kind == registry.EventClosed {
			if err := b.store.ArchiveClosed(ctx, evt.Binding, now); err != nil {
				b.log.Error("archive failed", "binding_id", evt.Binding.ID, "err", err)
			}
		}
		cancel()
	}
}

// runJanitor periodically prunes journal entries past the retention window.
func (b *Broker) runJanitor(ctx context.Context) {
	timer := b.clk.NewTimer(b.cfg.JanitorInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.Chan():
		}
		cutoff := b.clk.Now().Add(-b.cfg.JournalRetention)
		pruneCtx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
		n, err := b.store.PruneEvents(pruneCtx, cutoff, journalPruneBatch)
		cancel()
		if err != nil {
			b.log.Error("journal prune failed", "err", err)
		} else if n > 0 {
			b.log.Info("pruned journal entries", "count", n)
		}
		timer.Reset(b.cfg.JanitorInterval)
	}
}
