package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	"github.com/burrownet/burrow/internal/domain"
	"github.com/burrownet/burrow/internal/tunnelproto"
)

// fakeConn is an in-memory broker endpoint. A responder inspects each sent
// message and may queue replies; Receive blocks until a reply is queued or
// the conn is closed.
type fakeConn struct {
	mu        sync.Mutex
	sent      []tunnelproto.Message
	inbox     chan tunnelproto.Message
	closed    chan struct{}
	closeOnce sync.Once
	respond   func(c *fakeConn, msg tunnelproto.Message)
}

func newFakeConn(respond func(c *fakeConn, msg tunnelproto.Message)) *fakeConn {
	return &fakeConn{
		inbox:   make(chan tunnelproto.Message, 16),
		closed:  make(chan struct{}),
		respond: respond,
	}
}

func (c *fakeConn) Send(msg tunnelproto.Message) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	c.mu.Lock()
	c.sent = append(c.sent, msg)
	c.mu.Unlock()
	if c.respond != nil {
		c.respond(c, msg)
	}
	return nil
}

func (c *fakeConn) Receive(_ time.Time) (tunnelproto.Message, error) {
	select {
	case msg := <-c.inbox:
		return msg, nil
	case <-c.closed:
		return tunnelproto.Message{}, errors.New("connection closed")
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) reply(msg tunnelproto.Message) {
	select {
	case c.inbox <- msg:
	case <-c.closed:
	}
}

func (c *fakeConn) sentKinds() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	kinds := make([]string, len(c.sent))
	for i, m := range c.sent {
		kinds[i] = m.Kind
	}
	return kinds
}

func (c *fakeConn) lastRegister() *tunnelproto.Register {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.sent) - 1; i >= 0; i-- {
		if c.sent[i].Kind == tunnelproto.KindRegister {
			return c.sent[i].Register
		}
	}
	return nil
}

// acceptAll registers the tunnel and acks every heartbeat.
func acceptAll(bindingID, subdomain string) func(*fakeConn, tunnelproto.Message) {
	session := 0
	return func(c *fakeConn, msg tunnelproto.Message) {
		switch msg.Kind {
		case tunnelproto.KindRegister:
			session++
			c.reply(tunnelproto.Message{
				Kind: tunnelproto.KindRegisterOK,
				RegisterOK: &tunnelproto.RegisterOK{
					BindingID:      bindingID,
					SessionID:      fmt.Sprintf("sess-%d", session),
					Subdomain:      subdomain,
					RemoteEndpoint: "tunnel.example.com:20000",
					Resumed:        session > 1,
				},
			})
		case tunnelproto.KindHeartbeat:
			c.reply(tunnelproto.Message{Kind: tunnelproto.KindHeartbeatAck})
		}
	}
}

func testClientConfig(clk *testclock.Clock, dial DialFunc, states chan State) Config {
	return Config{
		Dial:                dial,
		LocalHost:           "127.0.0.1",
		LocalPort:           3000,
		HeartbeatInterval:   15 * time.Second,
		HeartbeatMissLimit:  3,
		ConnectTimeout:      10 * time.Second,
		AckTimeout:          5 * time.Second,
		BackoffBase:         time.Second,
		BackoffCap:          30 * time.Second,
		BackoffJitter:       0,
		StabilityWindow:     time.Hour,
		RegisterRejectLimit: 3,
		Clock:               clk,
		OnStateChange: func(s State) {
			select {
			case states <- s:
			default:
			}
		},
	}
}

func waitState(t *testing.T, states chan State, want State) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-states:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %v", want)
		}
	}
}

func runClient(t *testing.T, c *Client) (context.CancelFunc, chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func waitDone(t *testing.T, done chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("client did not stop")
		return nil
	}
}

func TestRunReachesActiveAndHeartbeats(t *testing.T) {
	t.Parallel()
	clk := testclock.NewClock(time.Now())
	states := make(chan State, 64)
	conn := newFakeConn(acceptAll("b1", "gen1"))
	dial := func(ctx context.Context) (Conn, error) { return conn, nil }

	c, err := New(testClientConfig(clk, dial, states))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cancel, done := runClient(t, c)

	waitState(t, states, StateActive)

	b, ok := c.Binding()
	if !ok {
		t.Fatal("expected a binding mirror after registration")
	}
	if b.ID != "b1" || b.Subdomain != "gen1" {
		t.Fatalf("binding mirror = %+v, want id b1 subdomain gen1", b)
	}

	// Fire one heartbeat interval and check a second beat goes out.
	if err := clk.WaitAdvance(15*time.Second, 5*time.Second, 1); err != nil {
		t.Fatalf("advance heartbeat interval: %v", err)
	}
	waitFor(t, func() bool { return countKind(conn.sentKinds(), tunnelproto.KindHeartbeat) >= 2 })

	cancel()
	if err := waitDone(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := c.State(); got != StateDisconnected {
		t.Fatalf("final state = %v, want disconnected", got)
	}
}

func TestRegisterRejectionGivesUpAfterCap(t *testing.T) {
	t.Parallel()
	clk := testclock.NewClock(time.Now())
	states := make(chan State, 64)
	reject := func(c *fakeConn, msg tunnelproto.Message) {
		if msg.Kind == tunnelproto.KindRegister {
			c.reply(tunnelproto.Message{
				Kind: tunnelproto.KindRegisterFail,
				RegisterFail: &tunnelproto.RegisterFail{
					Reason: "subdomain already in use",
					Code:   tunnelproto.CodeDuplicateSubdomain,
				},
			})
		}
	}
	dial := func(ctx context.Context) (Conn, error) { return newFakeConn(reject), nil }

	cfg := testClientConfig(clk, dial, states)
	cfg.Subdomain = "taken"
	cfg.RegisterRejectLimit = 2
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, done := runClient(t, c)

	// First rejection backs off; the delay is the base with jitter off.
	waitState(t, states, StateBackoff)
	if err := clk.WaitAdvance(time.Second, 5*time.Second, 1); err != nil {
		t.Fatalf("advance backoff: %v", err)
	}

	err = waitDone(t, done)
	if !errors.Is(err, domain.ErrDuplicateSubdomain) {
		t.Fatalf("Run err = %v, want ErrDuplicateSubdomain after reject cap", err)
	}
}

func TestTransportFailureRetriesForever(t *testing.T) {
	t.Parallel()
	clk := testclock.NewClock(time.Now())
	states := make(chan State, 64)
	dial := func(ctx context.Context) (Conn, error) { return nil, errors.New("connection refused") }

	c, err := New(testClientConfig(clk, dial, states))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cancel, done := runClient(t, c)

	// Two failed attempts: delays double from the base.
	waitState(t, states, StateBackoff)
	if err := clk.WaitAdvance(time.Second, 5*time.Second, 1); err != nil {
		t.Fatalf("advance first backoff: %v", err)
	}
	waitState(t, states, StateConnecting)
	waitState(t, states, StateBackoff)
	if err := clk.WaitAdvance(2*time.Second, 5*time.Second, 1); err != nil {
		t.Fatalf("advance second backoff: %v", err)
	}
	waitState(t, states, StateConnecting)

	cancel()
	if err := waitDone(t, done); err != nil {
		t.Fatalf("Run err = %v, want nil on cancellation", err)
	}
}

func TestMissedAcksTriggerReconnect(t *testing.T) {
	t.Parallel()
	clk := testclock.NewClock(time.Now())
	states := make(chan State, 64)
	silent := func(c *fakeConn, msg tunnelproto.Message) {
		if msg.Kind == tunnelproto.KindRegister {
			c.reply(tunnelproto.Message{
				Kind: tunnelproto.KindRegisterOK,
				RegisterOK: &tunnelproto.RegisterOK{
					BindingID: "b1", SessionID: "s1", Subdomain: "gen1",
					RemoteEndpoint: "tunnel.example.com:20000",
				},
			})
		}
		// Heartbeats go unacknowledged.
	}
	dial := func(ctx context.Context) (Conn, error) { return newFakeConn(silent), nil }

	cfg := testClientConfig(clk, dial, states)
	cfg.HeartbeatMissLimit = 1
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cancel, done := runClient(t, c)

	waitState(t, states, StateActive)
	// The liveness heartbeat's ack never arrives; at the miss limit the
	// session is torn down and the machine backs off.
	if err := clk.WaitAdvance(5*time.Second, 5*time.Second, 1); err != nil {
		t.Fatalf("advance ack timeout: %v", err)
	}
	waitState(t, states, StateBackoff)

	if b, ok := c.Binding(); !ok || b.Status != domain.BindingStatusDegraded {
		t.Fatalf("binding mirror = %+v, want degraded after session loss", b)
	}

	cancel()
	if err := waitDone(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestReconnectRequestsSameBinding(t *testing.T) {
	t.Parallel()
	clk := testclock.NewClock(time.Now())
	states := make(chan State, 64)

	var mu sync.Mutex
	var conns []*fakeConn
	dial := func(ctx context.Context) (Conn, error) {
		conn := newFakeConn(acceptAll("b1", "gen1"))
		mu.Lock()
		conns = append(conns, conn)
		mu.Unlock()
		return conn, nil
	}

	c, err := New(testClientConfig(clk, dial, states))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cancel, done := runClient(t, c)

	waitState(t, states, StateActive)
	if reg := connAt(&mu, &conns, 0).lastRegister(); reg.BindingID != "" || reg.Subdomain != "" {
		t.Fatalf("first register = %+v, want no binding hint", reg)
	}

	// Kill the session; the client should back off and re-register with
	// its assigned identity.
	connAt(&mu, &conns, 0).Close()
	waitState(t, states, StateBackoff)
	if err := clk.WaitAdvance(time.Second, 5*time.Second, 1); err != nil {
		t.Fatalf("advance backoff: %v", err)
	}
	waitState(t, states, StateActive)

	reg := connAt(&mu, &conns, 1).lastRegister()
	if reg == nil {
		t.Fatal("no register on reconnect")
	}
	if reg.Subdomain != "gen1" || reg.BindingID != "b1" {
		t.Fatalf("reconnect register = %+v, want subdomain gen1 binding b1", reg)
	}

	cancel()
	if err := waitDone(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestBackoffDelaySchedule(t *testing.T) {
	t.Parallel()
	clk := testclock.NewClock(time.Now())
	cfg := testClientConfig(clk, func(ctx context.Context) (Conn, error) { return nil, errors.New("x") }, make(chan State, 1))
	cfg.BackoffBase = 500 * time.Millisecond
	cfg.BackoffCap = 4 * time.Second
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	want := []time.Duration{
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		4 * time.Second,
		4 * time.Second, // capped
	}
	for i, w := range want {
		if got := c.backoffDelay(i + 1); got != w {
			t.Errorf("backoffDelay(%d) = %v, want %v", i+1, got, w)
		}
	}
	// Huge attempt counts must not overflow past the cap.
	if got := c.backoffDelay(80); got != 4*time.Second {
		t.Errorf("backoffDelay(80) = %v, want cap", got)
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	t.Parallel()
	clk := testclock.NewClock(time.Now())
	cfg := testClientConfig(clk, func(ctx context.Context) (Conn, error) { return nil, errors.New("x") }, make(chan State, 1))
	cfg.BackoffJitter = 0.5
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	base := cfg.BackoffBase
	for i := 0; i < 200; i++ {
		d := c.backoffDelay(1)
		if d < base || d > base+time.Duration(0.5*float64(base)) {
			t.Fatalf("jittered delay %v outside [%v, %v]", d, base, base+base/2)
		}
	}
}

func connAt(mu *sync.Mutex, conns *[]*fakeConn, i int) *fakeConn {
	mu.Lock()
	defer mu.Unlock()
	return (*conns)[i]
}

func countKind(kinds []string, kind string) int {
	n := 0
	for _, k := range kinds {
		if k == kind {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}
