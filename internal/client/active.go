package client

import (
	"context"
	"fmt"
	"time"

	"github.com/burrownet/burrow/internal/domain"
	"github.com/burrownet/burrow/internal/tunnelproto"
)

// link owns one control session and its reader goroutine. Received messages
// are delivered on msgCh; the first read error ends the reader and lands on
// errCh. shutdown closes the connection, which unblocks the reader.
type link struct {
	conn  Conn
	msgCh chan tunnelproto.Message
	errCh chan error
	done  chan struct{}
}

func newLink(conn Conn) *link {
	l := &link{
		conn:  conn,
		msgCh: make(chan tunnelproto.Message, 8),
		errCh: make(chan error, 1),
		done:  make(chan struct{}),
	}
	go l.readLoop()
	return l
}

func (l *link) readLoop() {
	for {
		msg, err := l.conn.Receive(time.Time{})
		if err != nil {
			select {
			case l.errCh <- err:
			default:
			}
			return
		}
		select {
		case l.msgCh <- msg:
		case <-l.done:
			return
		}
	}
}

func (l *link) shutdown() {
	select {
	case <-l.done:
	default:
		close(l.done)
	}
	_ = l.conn.Close()
}

// await waits for the next inbound message, bounded by the configured
// timeout on the client's clock so tests can drive it deterministically.
func (c *Client) await(ctx context.Context, l *link, timeout time.Duration) (tunnelproto.Message, error) {
	timer := c.clk.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-l.msgCh:
		return msg, nil
	case err := <-l.errCh:
		return tunnelproto.Message{}, fmt.Errorf("%w: %v", domain.ErrTransport, err)
	case <-timer.Chan():
		return tunnelproto.Message{}, errAckTimeout
	case <-ctx.Done():
		return tunnelproto.Message{}, ctx.Err()
	}
}

// runActive completes the liveness handshake with an immediate heartbeat,
// then heartbeats at the configured interval, tolerating up to the miss
// limit of consecutive unacknowledged beats. Returns the failure that ended
// the session; a nil return only happens on ctx cancellation.
func (c *Client) runActive(ctx context.Context, l *link) error {
	misses := 0

	// First heartbeat proves liveness; the broker promotes the binding to
	// active only after it lands.
	if err := c.heartbeat(ctx, l, &misses); err != nil {
		return err
	}

	hb := c.clk.NewTimer(c.cfg.HeartbeatInterval)
	defer hb.Stop()
	for {
		select {
		case <-ctx.Done():
			c.sendClose(l)
			return nil
		case err := <-l.errCh:
			return fmt.Errorf("%w: %v", domain.ErrTransport, err)
		case msg := <-l.msgCh:
			if msg.Kind == tunnelproto.KindClose {
				return errBrokerClosed
			}
			// Stray acks from a previously timed-out beat are ignored.
		case <-hb.Chan():
			if err := c.heartbeat(ctx, l, &misses); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			hb.Reset(c.cfg.HeartbeatInterval)
		}
	}
}

// heartbeat sends one beat and waits for its acknowledgment. A timed-out
// ack counts against the miss limit; any other failure ends the session.
func (c *Client) heartbeat(ctx context.Context, l *link, misses *int) error {
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()

	msg := tunnelproto.Message{
		Kind:      tunnelproto.KindHeartbeat,
		Heartbeat: &tunnelproto.Heartbeat{SessionID: sessionID},
	}
	if err := l.conn.Send(msg); err != nil {
		return fmt.Errorf("%w: send heartbeat: %v", domain.ErrTransport, err)
	}

	ackTimer := c.clk.NewTimer(c.cfg.AckTimeout)
	defer ackTimer.Stop()
	for {
		select {
		case <-ctx.Done():
			c.sendClose(l)
			return ctx.Err()
		case err := <-l.errCh:
			return fmt.Errorf("%w: %v", domain.ErrTransport, err)
		case m := <-l.msgCh:
			switch m.Kind {
			case tunnelproto.KindHeartbeatAck:
				*misses = 0
				c.mirrorStatus(domain.BindingStatusActive)
				return nil
			case tunnelproto.KindClose:
				return errBrokerClosed
			}
		case <-ackTimer.Chan():
			*misses++
			c.log.Warn("heartbeat unacknowledged", "misses", *misses, "limit", c.cfg.HeartbeatMissLimit)
			if *misses >= c.cfg.HeartbeatMissLimit {
				return errMissedAcks
			}
			return nil
		}
	}
}

// sendClose notifies the broker of a graceful teardown; best effort.
func (c *Client) sendClose(l *link) {
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()
	if sessionID == "" {
		return
	}
	_ = l.conn.Send(tunnelproto.Message{
		Kind:  tunnelproto.KindClose,
		Close: &tunnelproto.Close{SessionID: sessionID},
	})
}
