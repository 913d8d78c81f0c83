package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/burrownet/burrow/internal/broker"
	"github.com/burrownet/burrow/internal/config"
	ilog "github.com/burrownet/burrow/internal/log"
	"github.com/burrownet/burrow/internal/store/sqlite"
)

func runBroker(ctx context.Context, args []string) int {
	cfg, err := config.ParseBrokerFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "broker config error:", err)
		return 2
	}
	logger := ilog.New(cfg.LogLevel)

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db error:", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	b, err := broker.New(cfg, store, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "broker config error:", err)
		return 2
	}
	if err := b.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "broker error:", err)
		return 1
	}
	logger.Info("broker stopped")
	return 0
}
