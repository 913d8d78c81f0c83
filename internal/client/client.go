// Package client implements the per-tunnel transport client: a reconnect
// state machine that registers a binding with the broker, heartbeats it,
// and re-establishes it with capped exponential backoff after failures.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/burrownet/burrow/internal/domain"
	ilog "github.com/burrownet/burrow/internal/log"
	"github.com/burrownet/burrow/internal/tunnelproto"
)

// State enumerates the reconnect machine's states.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateRegistering
	StateActive
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateRegistering:
		return "registering"
	case StateActive:
		return "active"
	case StateBackoff:
		return "backoff"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Conn is the control-channel surface the client drives. Satisfied by
// [transport.Session]; tests substitute a scripted fake.
type Conn interface {
	Send(msg tunnelproto.Message) error
	Receive(deadline time.Time) (tunnelproto.Message, error)
	Close() error
}

// DialFunc establishes one control session with the broker.
type DialFunc func(ctx context.Context) (Conn, error)

// Config carries the client's tunables. Heartbeat and backoff parameters
// have no baked-in defaults and must be supplied.
type Config struct {
	Dial DialFunc

	Name      string
	Subdomain string // desired subdomain; empty lets the broker generate one
	LocalHost string
	LocalPort int

	HeartbeatInterval  time.Duration
	HeartbeatMissLimit int

	ConnectTimeout time.Duration
	AckTimeout     time.Duration

	// Backoff delay is min(base·2ⁿ, cap) plus uniform jitter in
	// [0, jitter·delay], with jitter in [0, 1].
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	BackoffJitter float64

	// StabilityWindow is the active duration after which the reconnect
	// attempt counter resets.
	StabilityWindow time.Duration

	// RegisterRejectLimit caps retries of registrations the broker rejects
	// outright (duplicate subdomain and friends); unlike transport
	// failures these may never succeed.
	RegisterRejectLimit int

	Clock  clock.Clock
	Logger *slog.Logger

	// OnStateChange, when set, observes every state transition.
	OnStateChange func(State)
}

// Validate rejects incomplete configuration before the client starts.
func (c Config) Validate() error {
	if c.Dial == nil {
		return errors.New("dial func not set")
	}
	if c.LocalPort <= 0 || c.LocalPort > 65535 {
		return errors.New("local port must be between 1 and 65535")
	}
	if c.HeartbeatInterval <= 0 {
		return errors.New("heartbeat interval must be > 0")
	}
	if c.HeartbeatMissLimit <= 0 {
		return errors.New("heartbeat miss limit must be > 0")
	}
	if c.ConnectTimeout <= 0 {
		return errors.New("connect timeout must be > 0")
	}
	if c.AckTimeout <= 0 {
		return errors.New("ack timeout must be > 0")
	}
	if c.BackoffBase <= 0 {
		return errors.New("backoff base must be > 0")
	}
	if c.BackoffCap < c.BackoffBase {
		return errors.New("backoff cap must be >= base")
	}
	if c.BackoffJitter < 0 || c.BackoffJitter > 1 {
		return errors.New("backoff jitter must be in [0, 1]")
	}
	if c.RegisterRejectLimit <= 0 {
		return errors.New("register reject limit must be > 0")
	}
	return nil
}

// Client is one tunnel's reconnect state machine. A Client runs a single
// tunnel; independent tunnels run independent clients, so one tunnel's
// backoff never stalls another's heartbeats.
type Client struct {
	cfg Config
	clk clock.Clock
	log *slog.Logger

	mu          sync.Mutex
	state       State
	binding     domain.Binding
	haveBinding bool
	sessionID   string
	attempt     int
	rejects     int
}

// New creates a client from a validated config.
func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("client config: %w", err)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	logger := cfg.Logger
	if logger == nil {
		logger = ilog.Discard()
	}
	return &Client{cfg: cfg, clk: clk, log: logger, state: StateDisconnected}, nil
}

// State reports the machine's current state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Binding returns the client-side mirror of the broker's binding. The
// mirror is reconciled from registry responses and is never authoritative.
func (c *Client) Binding() (domain.Binding, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.binding, c.haveBinding
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	notify := c.cfg.OnStateChange
	c.mu.Unlock()
	if changed && notify != nil {
		notify(s)
	}
}

// preferredSubdomain re-requests a previously assigned subdomain so a
// reconnect can reclaim the same binding.
func (c *Client) preferredSubdomain() (subdomain, bindingID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.haveBinding {
		return c.binding.Subdomain, c.binding.ID
	}
	return c.cfg.Subdomain, ""
}

func (c *Client) recordBinding(ok *tunnelproto.RegisterOK) {
	c.mu.Lock()
	if c.haveBinding && c.binding.ID != ok.BindingID {
		c.log.Info("binding replaced", "old_binding_id", c.binding.ID, "binding_id", ok.BindingID)
	}
	c.binding = domain.Binding{
		ID:             ok.BindingID,
		Name:           c.cfg.Name,
		Subdomain:      ok.Subdomain,
		LocalTarget:    domain.Target{Host: c.localHost(), Port: c.cfg.LocalPort},
		RemoteEndpoint: ok.RemoteEndpoint,
		Status:         domain.BindingStatusPending,
	}
	if ok.Resumed {
		c.binding.Status = domain.BindingStatusDegraded
	}
	c.haveBinding = true
	c.sessionID = ok.SessionID
	c.rejects = 0
	c.mu.Unlock()
}

func (c *Client) localHost() string {
	if c.cfg.LocalHost != "" {
		return c.cfg.LocalHost
	}
	return "127.0.0.1"
}

func (c *Client) mirrorStatus(status string) {
	c.mu.Lock()
	if c.haveBinding {
		c.binding.Status = status
	}
	c.mu.Unlock()
}
