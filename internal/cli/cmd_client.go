package cli

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"

	"github.com/juju/clock"

	"github.com/burrownet/burrow/internal/client"
	"github.com/burrownet/burrow/internal/config"
	ilog "github.com/burrownet/burrow/internal/log"
	"github.com/burrownet/burrow/internal/transport"
)

func runClient(ctx context.Context, args []string) int {
	cfg, err := config.ParseClientFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "client config error:", err)
		return 2
	}
	logger := ilog.New(cfg.LogLevel)

	kind, err := transport.ParseKind(cfg.Transport)
	if err != nil {
		fmt.Fprintln(os.Stderr, "client config error:", err)
		return 2
	}
	var tlsConf *tls.Config
	if cfg.InsecureSkipVerify {
		tlsConf = &tls.Config{InsecureSkipVerify: true}
	}
	dial := func(ctx context.Context) (client.Conn, error) {
		return transport.Dial(ctx, transport.DialConfig{
			Kind:             kind,
			URL:              cfg.BrokerURL,
			TLS:              tlsConf,
			HandshakeTimeout: cfg.ConnectTimeout,
		})
	}

	c, err := client.New(client.Config{
		Dial:                dial,
		Name:                cfg.Name,
		Subdomain:           cfg.Subdomain,
		LocalHost:           cfg.LocalHost,
		LocalPort:           cfg.LocalPort,
		HeartbeatInterval:   cfg.HeartbeatInterval,
		HeartbeatMissLimit:  cfg.HeartbeatMissLimit,
		ConnectTimeout:      cfg.ConnectTimeout,
		AckTimeout:          cfg.AckTimeout,
		BackoffBase:         cfg.BackoffBase,
		BackoffCap:          cfg.BackoffCap,
		BackoffJitter:       cfg.BackoffJitter,
		StabilityWindow:     cfg.StabilityWindow,
		RegisterRejectLimit: cfg.RegisterRejectLimit,
		Clock:               clock.WallClock,
		Logger:              logger,
		OnStateChange: func(s client.State) {
			logger.Info("tunnel state", "state", s.String())
		},
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "client config error:", err)
		return 2
	}

	printBanner(cfg)

	if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "client error:", err)
		return 1
	}
	return 0
}

func printBanner(cfg config.ClientConfig) {
	fmt.Printf("burrow client %s\n", Version)
	fmt.Printf("  broker:    %s (%s)\n", cfg.BrokerURL, cfg.Transport)
	fmt.Printf("  exposing:  %s:%d\n", cfg.LocalHost, cfg.LocalPort)
	if cfg.Subdomain != "" {
		fmt.Printf("  subdomain: %s (requested)\n", cfg.Subdomain)
	}
	fmt.Println("Press Ctrl+C to stop.")
}
