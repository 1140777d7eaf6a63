// Command tcpflux runs an intercepting per-service TCP proxy: for every
// service in its config file it accepts client connections, relays them
// to a fixed upstream, records bounded history, and optionally runs a
// scripting hook and a PCAP dumper.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/tcpflux/tcpflux/internal/config"
	"github.com/tcpflux/tcpflux/internal/rlimit"
	"github.com/tcpflux/tcpflux/internal/serviceproc"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML service config (required)")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	watcher := flag.Bool("watcher", true, "hot-reload scripting hooks on change")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "tcpflux: --config is required")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	if !*watcher {
		for i := range cfg.Services {
			cfg.Services[i].ScriptPath = ""
		}
		logger.Info("scripting hot reload disabled via --watcher=false")
	}

	rlimit.RaiseNOFILE(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal, stopping accept loops", "signal", sig)
		cancel()
	}()

	var wg sync.WaitGroup
	errCh := make(chan error, len(cfg.Services))
	for i := range cfg.Services {
		svc := &cfg.Services[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := serviceproc.Run(ctx, svc, logger); err != nil {
				errCh <- fmt.Errorf("%s: %w", svc.ServiceName, err)
			}
		}()
	}

	wg.Wait()
	close(errCh)

	failed := false
	for err := range errCh {
		logger.Error("service stopped with error", "error", err)
		failed = true
	}
	if failed {
		os.Exit(1)
	}
}
