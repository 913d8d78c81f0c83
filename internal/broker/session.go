package broker

import (
	"context"
	"errors"
	"time"

	"github.com/burrownet/burrow/internal/domain"
	"github.com/burrownet/burrow/internal/registry"
	"github.com/burrownet/burrow/internal/transport"
	"github.com/burrownet/burrow/internal/tunnelproto"
)

const registerDeadline = 10 * time.Second

// serveSession drives one tunnel session: a single register exchange
// followed by the heartbeat loop. It returns when the peer disconnects,
// sends close, or ctx is cancelled.
func (b *Broker) serveSession(ctx context.Context, sess *transport.Session) {
	defer func() { _ = sess.Close() }()

	// Unblock the pending Receive when the broker shuts down.
	stop := context.AfterFunc(ctx, func() { _ = sess.Close() })
	defer stop()

	res, ok := b.register(sess)
	if !ok {
		return
	}
	bindingID := res.Binding.ID
	sessionID := res.Session.ID
	b.log.Info("tunnel session registered",
		"binding_id", bindingID,
		"session_id", sessionID,
		"subdomain", res.Binding.Subdomain,
		"resumed", res.Resumed,
		"transport", string(sess.Kind()))

	// A session that ends for any reason other than an explicit close
	// leaves the binding degraded until the grace period expires. The
	// stale-session guard makes this a no-op if the binding already
	// closed or was resumed elsewhere.
	defer b.reg.MarkDisconnected(sessionID)

	for {
		msg, err := sess.Receive(time.Time{})
		if err != nil {
			if ctx.Err() == nil {
				b.log.Info("tunnel session lost", "binding_id", bindingID, "err", err)
			}
			return
		}

		switch msg.Kind {
		case tunnelproto.KindHeartbeat:
			if err := b.reg.Heartbeat(sessionID); err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					_ = sess.Send(tunnelproto.Message{
						Kind:  tunnelproto.KindClose,
						Close: &tunnelproto.Close{Reason: "binding closed"},
					})
					return
				}
				b.log.Error("heartbeat failed", "binding_id", bindingID, "err", err)
				continue
			}
			if err := sess.Send(tunnelproto.Message{Kind: tunnelproto.KindHeartbeatAck}); err != nil {
				return
			}
		case tunnelproto.KindClose:
			if err := b.reg.Close(bindingID); err != nil && !errors.Is(err, domain.ErrNotFound) {
				b.log.Error("close failed", "binding_id", bindingID, "err", err)
			}
			b.log.Info("tunnel closed by client", "binding_id", bindingID)
			return
		default:
			b.log.Warn("unexpected message on tunnel session", "kind", msg.Kind, "binding_id", bindingID)
		}
	}
}

// register performs the opening exchange. A failure is reported to the
// peer before the session is torn down.
func (b *Broker) register(sess *transport.Session) (registry.RegisterResult, bool) {
	msg, err := sess.Receive(time.Now().Add(registerDeadline))
	if err != nil {
		return registry.RegisterResult{}, false
	}
	if msg.Kind != tunnelproto.KindRegister || msg.Register == nil {
		_ = sess.Send(tunnelproto.Message{
			Kind:         tunnelproto.KindRegisterFail,
			RegisterFail: &tunnelproto.RegisterFail{Code: tunnelproto.CodeInternal, Reason: "expected register"},
		})
		return registry.RegisterResult{}, false
	}

	req := msg.Register
	res, err := b.reg.Register(registry.RegisterSpec{
		Name:      req.Name,
		Subdomain: req.Subdomain,
		LocalHost: req.LocalHost,
		LocalPort: req.LocalPort,
		BindingID: req.BindingID,
	})
	if err != nil {
		b.log.Info("registration rejected", "subdomain", req.Subdomain, "err", err)
		_ = sess.Send(tunnelproto.Message{
			Kind:         tunnelproto.KindRegisterFail,
			RegisterFail: tunnelproto.FailFor(err),
		})
		return registry.RegisterResult{}, false
	}

	ok := tunnelproto.Message{
		Kind: tunnelproto.KindRegisterOK,
		RegisterOK: &tunnelproto.RegisterOK{
			BindingID:      res.Binding.ID,
			SessionID:      res.Session.ID,
			Subdomain:      res.Binding.Subdomain,
			RemoteEndpoint: res.Binding.RemoteEndpoint,
			Resumed:        res.Resumed,
		},
	}
	if err := sess.Send(ok); err != nil {
		b.reg.MarkDisconnected(res.Session.ID)
		return registry.RegisterResult{}, false
	}
	return res, true
}
