// Package controlapi is the synchronous façade the dashboard and CLI use to
// manage bindings. It is a thin layer over the registry plus the routing
// synchronizer's advisory state; callers arriving here are assumed to be
// authorized already.
package controlapi

import (
	"context"
	"log/slog"
	"sort"

	"github.com/burrownet/burrow/internal/domain"
	ilog "github.com/burrownet/burrow/internal/log"
	"github.com/burrownet/burrow/internal/registry"
	"github.com/burrownet/burrow/internal/routesync"
)

// History is the read side of the binding journal, served by the sqlite
// store when the broker has one configured.
type History interface {
	ListClosed(ctx context.Context, limit int) ([]domain.BindingDescriptor, error)
	RecentEvents(ctx context.Context, bindingID string, limit int) ([]domain.BindingEvent, error)
}

// Adapter exposes create/delete/list/status over the registry.
type Adapter struct {
	reg     *registry.Registry
	routes  *routesync.Synchronizer
	history History // optional
	log     *slog.Logger
}

// New creates the adapter. history may be nil; the history listing then
// reports an empty result.
func New(reg *registry.Registry, routes *routesync.Synchronizer, history History, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = ilog.Discard()
	}
	return &Adapter{reg: reg, routes: routes, history: history, log: logger}
}

// Create registers a new binding. Registry rejections (duplicate subdomain,
// invalid target, exhausted resources) are surfaced directly, never retried.
func (a *Adapter) Create(req domain.CreateRequest) (domain.BindingDescriptor, error) {
	res, err := a.reg.Register(registry.RegisterSpec{
		Name:      req.Name,
		Subdomain: req.Subdomain,
		LocalHost: req.LocalHost,
		LocalPort: req.LocalPort,
	})
	if err != nil {
		return domain.BindingDescriptor{}, err
	}
	return domain.DescribeBinding(res.Binding), nil
}

// Delete closes a binding. Idempotent on already-closed ids; unknown ids
// report not found.
func (a *Adapter) Delete(id string) error {
	return a.reg.Close(id)
}

// List returns a read-only snapshot of the registry at call time, ordered
// by subdomain for stable output.
func (a *Adapter) List() []domain.BindingDescriptor {
	bindings := a.reg.List()
	out := make([]domain.BindingDescriptor, 0, len(bindings))
	for _, b := range bindings {
		out = append(out, domain.DescribeBinding(b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Subdomain < out[j].Subdomain })
	return out
}

// Status composes the binding's lifecycle status with the synchronizer's
// advisory routing status.
func (a *Adapter) Status(id string) (domain.BindingState, error) {
	b, err := a.reg.Get(id)
	if err != nil {
		return domain.BindingState{}, err
	}
	return domain.BindingState{
		ID:            b.ID,
		Status:        b.Status,
		RoutingInSync: a.routes != nil && a.routes.InSync(b.ID),
	}, nil
}

// ListClosed returns recently closed bindings from the journal.
func (a *Adapter) ListClosed(ctx context.Context, limit int) ([]domain.BindingDescriptor, error) {
	if a.history == nil {
		return nil, nil
	}
	return a.history.ListClosed(ctx, limit)
}

// RecentEvents returns a binding's journaled lifecycle transitions, newest
// first. The id is not required to be live; closed bindings keep their
// journal until it is pruned.
func (a *Adapter) RecentEvents(ctx context.Context, bindingID string, limit int) ([]domain.BindingEvent, error) {
	if a.history == nil {
		return nil, nil
	}
	return a.history.RecentEvents(ctx, bindingID, limit)
}
