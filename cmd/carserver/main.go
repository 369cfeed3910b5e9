// Package main is the entry point for the car-server engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fleetproto/carserver/internal/audit"
	"github.com/fleetproto/carserver/internal/buildinfo"
	"github.com/fleetproto/carserver/internal/bus"
	"github.com/fleetproto/carserver/internal/config"
	"github.com/fleetproto/carserver/internal/diag"
	"github.com/fleetproto/carserver/internal/module"
	"github.com/fleetproto/carserver/internal/obsevents"
	"github.com/fleetproto/carserver/internal/supervisor"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	tlsEnabled := flag.Bool("tls", false, "enable mutual TLS to the MQTT broker")
	caFile := flag.String("ca", "", "path to CA certificate (required with -tls)")
	certFile := flag.String("cert", "", "path to client certificate (required with -tls)")
	keyFile := flag.String("key", "", "path to client key (required with -tls)")
	diagAddr := flag.String("diag-addr", ":8090", "diagnostics HTTP+WebSocket listen address")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: carserver [flags] <config.json>")
		flag.PrintDefaults()
		os.Exit(2)
	}

	cfg, err := config.Load(flag.Arg(0))
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(1)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	logger.Info("starting carserver", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "cars", len(cfg.Cars))

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		logger.Error("failed to create data directory", "path", cfg.DataDir, "error", err)
		os.Exit(1)
	}

	tlsCfg := bus.TLSConfig{Enabled: *tlsEnabled, CAFile: *caFile, CertFile: *certFile, KeyFile: *keyFile}
	if tlsCfg.Enabled && (tlsCfg.CAFile == "" || tlsCfg.CertFile == "" || tlsCfg.KeyFile == "") {
		logger.Error("-tls requires -ca, -cert, and -key")
		os.Exit(2)
	}

	auditStore, err := audit.OpenFile(filepath.Join(cfg.DataDir, "audit.db"))
	if err != nil {
		logger.Error("failed to open audit store", "error", err)
		os.Exit(1)
	}
	defer auditStore.Close()

	events := obsevents.New()

	supervisor.SetConnectRefusedSleep(time.Duration(cfg.SleepDurationAfterConnRefused * float64(time.Second)))

	sup, err := supervisor.New(cfg, tlsCfg, module.LoadPlugin, auditStore, events, logger)
	if err != nil {
		logger.Error("failed to initialize supervisor", "error", err)
		os.Exit(1)
	}

	diagServer := diag.NewServer(*diagAddr, sup, events, auditStore, logger)
	go func() {
		if err := diagServer.Start(); err != nil {
			logger.Error("diagnostics server failed", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
		_ = diagServer.Shutdown(context.Background())
	}()

	if err := sup.Run(ctx); err != nil {
		logger.Error("unrecoverable session error", "error", err)
		os.Exit(1)
	}

	logger.Info("carserver stopped")
}
