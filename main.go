package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sparklost/endcord-rpc/config"
	"github.com/sparklost/endcord-rpc/orchestrator"
)

func main() {
	dir, err := config.Dir()
	if err != nil {
		log.Fatalf("resolve config directory: %v", err)
	}

	logFile, err := os.Create(filepath.Join(dir, "endcord-rpc.log"))
	if err != nil {
		log.Fatalf("open log file: %v", err)
	}
	defer logFile.Close()
	logger := slog.New(slog.NewTextHandler(logFile, nil))

	store, err := config.NewStore(dir)
	if err != nil {
		logger.Error("load config", "err", err)
		log.Fatalf("load config: %v", err)
	}
	logger.Info("config loaded", "path", store.Path())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Settings-proto decoding depends on the platform's own reverse-engineered
	// protobuf schema, which is out of scope here; presence still works, it
	// just starts from the defaults instead of the account's saved status
	// until a decoder is wired in.
	var decoder = noopSettingsDecoder

	app, err := orchestrator.New(ctx, store, dir, decoder, logger)
	if err != nil {
		logger.Error("build app", "err", err)
		log.Fatalf("build app: %v", err)
	}

	if err := app.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("app stopped", "err", err)
		log.Fatalf("app error: %v", err)
	}
}

func noopSettingsDecoder(raw []byte, num int) (map[string]any, error) {
	return map[string]any{}, nil
}
