package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/burrownet/burrow/internal/domain"
	"github.com/burrownet/burrow/internal/tunnelproto"
)

var (
	errBrokerClosed = fmt.Errorf("%w: broker closed the session", domain.ErrTransport)
	errAckTimeout   = fmt.Errorf("%w: heartbeat acknowledgment", domain.ErrTimeout)
	errMissedAcks   = fmt.Errorf("%w: consecutive heartbeats unacknowledged", domain.ErrTimeout)
)

// Run drives the reconnect machine until ctx is canceled or registration is
// rejected more times than the configured cap. Transport failures and
// timeouts are never terminal; they feed the backoff loop.
func (c *Client) Run(ctx context.Context) error {
	c.setState(StateConnecting)

	var link *link
	defer func() {
		if link != nil {
			link.shutdown()
		}
		c.setState(StateDisconnected)
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		switch c.State() {
		case StateConnecting:
			l, err := c.connect(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				c.bumpAttempt()
				c.log.Warn("broker connect failed", "err", err, "attempt", c.attemptCount())
				c.setState(StateBackoff)
				continue
			}
			link = l
			c.setState(StateRegistering)

		case StateRegistering:
			err := c.register(ctx, link)
			switch {
			case err == nil:
				c.setState(StateActive)
			case ctx.Err() != nil:
				return nil
			case isRegisterRejection(err):
				link.shutdown()
				link = nil
				if c.bumpReject() >= c.cfg.RegisterRejectLimit {
					c.log.Error("registration rejected; giving up", "err", err)
					return err
				}
				c.bumpAttempt()
				c.log.Warn("registration rejected", "err", err, "attempt", c.attemptCount())
				c.setState(StateBackoff)
			default:
				link.shutdown()
				link = nil
				c.bumpAttempt()
				c.log.Warn("registration failed", "err", err, "attempt", c.attemptCount())
				c.setState(StateBackoff)
			}

		case StateActive:
			activeSince := c.clk.Now()
			err := c.runActive(ctx, link)
			link.shutdown()
			link = nil
			if ctx.Err() != nil {
				return nil
			}
			c.mirrorStatus(domain.BindingStatusDegraded)
			if c.cfg.StabilityWindow > 0 && c.clk.Now().Sub(activeSince) >= c.cfg.StabilityWindow {
				c.resetAttempt()
			}
			c.bumpAttempt()
			c.log.Warn("session lost; reconnecting", "err", err, "attempt", c.attemptCount())
			c.setState(StateBackoff)

		case StateBackoff:
			delay := c.backoffDelay(c.attemptCount())
			timer := c.clk.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.Chan():
				c.setState(StateConnecting)
			}

		case StateDisconnected:
			return nil
		}
	}
}

// connect performs one bounded connection attempt. Cancellation interrupts
// the attempt immediately via the dial context.
func (c *Client) connect(ctx context.Context) (*link, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	conn, err := c.cfg.Dial(dialCtx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTransport, err)
	}
	return newLink(conn), nil
}

// register sends the bind request and reconciles the reply into the local
// binding mirror.
func (c *Client) register(ctx context.Context, l *link) error {
	subdomain, bindingID := c.preferredSubdomain()
	msg := tunnelproto.Message{
		Kind: tunnelproto.KindRegister,
		Register: &tunnelproto.Register{
			Name:      c.cfg.Name,
			Subdomain: subdomain,
			LocalHost: c.localHost(),
			LocalPort: c.cfg.LocalPort,
			BindingID: bindingID,
		},
	}
	if err := l.conn.Send(msg); err != nil {
		return fmt.Errorf("%w: send register: %v", domain.ErrTransport, err)
	}

	reply, err := c.await(ctx, l, c.cfg.AckTimeout)
	if err != nil {
		return err
	}
	switch reply.Kind {
	case tunnelproto.KindRegisterOK:
		if reply.RegisterOK == nil {
			return fmt.Errorf("%w: malformed register_ok", domain.ErrTransport)
		}
		c.recordBinding(reply.RegisterOK)
		c.log.Info("tunnel registered",
			"binding_id", reply.RegisterOK.BindingID,
			"subdomain", reply.RegisterOK.Subdomain,
			"remote_endpoint", reply.RegisterOK.RemoteEndpoint,
			"resumed", reply.RegisterOK.Resumed)
		return nil
	case tunnelproto.KindRegisterFail:
		if reply.RegisterFail == nil {
			return fmt.Errorf("%w: malformed register_fail", domain.ErrTransport)
		}
		return reply.RegisterFail.Err()
	}
	return fmt.Errorf("%w: unexpected reply kind %q", domain.ErrTransport, reply.Kind)
}

// isRegisterRejection distinguishes the broker saying "no" from the network
// failing; rejections get the narrower, capped retry path.
func isRegisterRejection(err error) bool {
	return errors.Is(err, domain.ErrDuplicateSubdomain) ||
		errors.Is(err, domain.ErrInvalidTarget) ||
		errors.Is(err, domain.ErrResourceExhausted)
}

func (c *Client) bumpAttempt() {
	c.mu.Lock()
	c.attempt++
	c.mu.Unlock()
}

func (c *Client) resetAttempt() {
	c.mu.Lock()
	c.attempt = 0
	c.mu.Unlock()
}

func (c *Client) attemptCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

func (c *Client) bumpReject() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejects++
	return c.rejects
}

// backoffDelay computes min(base·2ⁿ⁻¹, cap) for the n-th consecutive
// failure, plus uniform jitter in [0, jitter·delay]. The deterministic part
// is non-decreasing in n and the jitter bound keeps the full sequence
// non-decreasing below the cap.
func (c *Client) backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := c.cfg.BackoffCap
	if shift := attempt - 1; shift < 63 {
		d := c.cfg.BackoffBase << uint(shift)
		if d > 0 && d < c.cfg.BackoffCap {
			delay = d
		}
	}
	if c.cfg.BackoffJitter > 0 {
		delay += time.Duration(rand.Float64() * c.cfg.BackoffJitter * float64(delay))
	}
	return delay
}
