// Package broker wires the binding registry, routing synchronizer, history
// journal, and control API into one process and serves tunnel sessions over
// websocket and QUIC.
package broker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/clock"

	"github.com/burrownet/burrow/internal/config"
	"github.com/burrownet/burrow/internal/controlapi"
	"github.com/burrownet/burrow/internal/registry"
	"github.com/burrownet/burrow/internal/routesync"
	"github.com/burrownet/burrow/internal/store/sqlite"
	"github.com/burrownet/burrow/internal/transport"
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const eventBuffer = 64

// Broker owns the long-lived broker-side components.
type Broker struct {
	cfg    config.BrokerConfig
	reg    *registry.Registry
	routes *routesync.Synchronizer
	store  *sqlite.Store
	api    *controlapi.Adapter
	clk    clock.Clock
	log    *slog.Logger
}

// New assembles a broker from its configuration. The store is owned by the
// caller and must outlive the broker.
func New(cfg config.BrokerConfig, store *sqlite.Store, logger *slog.Logger) (*Broker, error) {
	clk := clock.WallClock

	reg, err := registry.New(registry.Config{
		EndpointHost:        cfg.EndpointHost,
		GracePeriod:         cfg.GracePeriod,
		SweepInterval:       cfg.SweepInterval,
		HeartbeatTimeout:    cfg.HeartbeatTimeout,
		ClosedRetention:     cfg.ClosedRetention,
		SubdomainAlphabet:   cfg.SubdomainAlphabet,
		SubdomainLength:     cfg.SubdomainLength,
		MaxGenerateAttempts: cfg.SubdomainAttempts,
		PortMin:             cfg.PortMin,
		PortMax:             cfg.PortMax,
		EventBuffer:         eventBuffer,
		Clock:               clk,
		Logger:              logger,
	})
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}

	proxy, err := routesync.NewHTTPAdmin(cfg.ProxyAdminURL)
	if err != nil {
		return nil, fmt.Errorf("proxy admin: %w", err)
	}
	routes, err := routesync.New(routesync.Config{
		Proxy:    proxy,
		Attempts: cfg.SyncAttempts,
		Delay:    cfg.SyncDelay,
		MaxDelay: cfg.SyncMaxDelay,
		Clock:    clk,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("route synchronizer: %w", err)
	}

	return &Broker{
		cfg:    cfg,
		reg:    reg,
		routes: routes,
		store:  store,
		api:    controlapi.New(reg, routes, store, logger),
		clk:    clk,
		log:    logger,
	}, nil
}

// Run serves until ctx is cancelled or a listener fails, then shuts the
// listeners down and drains in-flight routing pushes.
func (b *Broker) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		b.reg.Run(ctx)
	}()

	routeEvents, cancelRoutes := b.reg.Subscribe()
	defer cancelRoutes()
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.routes.Run(ctx, routeEvents)
	}()

	journalEvents, cancelJournal := b.reg.Subscribe()
	defer cancelJournal()
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.runJournal(journalEvents)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		b.runJanitor(ctx)
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/tunnel", func(w http.ResponseWriter, r *http.Request) {
		b.handleTunnel(ctx, w, r)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/", b.api.Handler())

	server := &http.Server{
		Addr:              b.cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)

	var quicLn *transport.QUICListener
	if b.cfg.QUICAddr != "" {
		tlsConf, err := b.serverTLSConfig()
		if err != nil {
			return err
		}
		quicLn, err = transport.ListenQUIC(b.cfg.QUICAddr, tlsConf)
		if err != nil {
			return fmt.Errorf("quic listen: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.log.Info("starting QUIC tunnel listener", "addr", quicLn.Addr())
			if err := b.acceptQUIC(ctx, quicLn); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("quic accept: %w", err)
			}
		}()
	}

	go func() {
		b.log.Info("starting broker server", "addr", b.cfg.ListenAddr)
		var err error
		if b.cfg.TLSCertFile != "" && b.cfg.TLSKeyFile != "" {
			err = server.ListenAndServeTLS(b.cfg.TLSCertFile, b.cfg.TLSKeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("broker server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	if quicLn != nil {
		_ = quicLn.Close()
	}
	if err := shutdownServer(server, b.cfg.ShutdownTimeout); err != nil && runErr == nil {
		runErr = err
	}
	cancelRoutes()
	cancelJournal()
	wg.Wait()
	return runErr
}

func (b *Broker) serverTLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(b.cfg.TLSCertFile, b.cfg.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("load TLS keypair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func (b *Broker) handleTunnel(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Error("websocket upgrade failed", "err", err)
		return
	}
	go b.serveSession(ctx, transport.NewWebSocketSession(conn))
}

func (b *Broker) acceptQUIC(ctx context.Context, ln *transport.QUICListener) error {
	for {
		sess, err := ln.Accept(ctx)
		if err != nil {
			return err
		}
		go b.serveSession(ctx, sess)
	}
}

func shutdownServer(server *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
