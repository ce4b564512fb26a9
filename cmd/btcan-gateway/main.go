package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"

	"github.com/kstaniek/go-btcan/internal/capture"
	"github.com/kstaniek/go-btcan/internal/hub"
	"github.com/kstaniek/go-btcan/internal/metrics"
	"github.com/kstaniek/go-btcan/internal/server"
)

const shutdownGrace = 3 * time.Second

func main() {
	cfg, showVersion, err := parseConfig(os.Args[1:], os.LookupEnv, os.Stderr)
	if showVersion {
		fmt.Printf("btcan-gateway %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, l); err != nil {
		l.Error("exit", "error", err)
		os.Exit(1)
	}
}

func hubPolicy(s string) hub.BackpressurePolicy {
	if s == "kick" {
		return hub.PolicyKick
	}
	return hub.PolicyDrop
}

func run(ctx context.Context, cfg *appConfig, l *slog.Logger) error {
	g, ctx := errgroup.WithContext(ctx)

	var mon *monitor
	if cfg.monitor {
		mon = newMonitor(color.Output, cfg.hubBuffer)
	}
	sink := &eventSink{
		ctx:    ctx,
		logger: l,
		mon:    mon,
		after:  cfg.reconnectAfter,
		name:   cfg.deviceName,
	}
	defer sink.stop()

	dev, err := initDevice(cfg, sink.handle, l)
	if err != nil {
		return fmt.Errorf("device init: %w", err)
	}
	sink.attach(dev)
	defer dev.Stop()

	if mon != nil {
		sub := dev.AddListener(mon)
		defer dev.RemoveListener(sub)
		g.Go(func() error { mon.run(ctx); return nil })
	}

	if cfg.capturePath != "" {
		f, err := os.OpenFile(cfg.capturePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("capture: %w", err)
		}
		cw := capture.NewWriter(f, cfg.hubBuffer)
		sub := dev.AddListener(cw)
		l.Info("capture_started", "path", cfg.capturePath)
		defer func() {
			dev.RemoveListener(sub)
			if err := cw.Close(); err != nil {
				l.Warn("capture_close", "error", err)
			}
			l.Info("capture_stopped", "records", cw.Written())
		}()
	}

	if cfg.canIf != "" {
		runMirror, cleanup, err := initMirror(ctx, cfg, dev, l)
		if err != nil {
			return fmt.Errorf("socketcan mirror: %w", err)
		}
		g.Go(runMirror)
		g.Go(func() error { <-ctx.Done(); cleanup(); return nil })
	}

	srv := server.NewServer(
		server.WithListenAddr(cfg.listenAddr),
		server.WithSource(dev),
		server.WithSend(deviceSend(dev)),
		server.WithLogger(l),
		server.WithMaxClients(cfg.maxClients),
		server.WithHandshakeTimeout(cfg.handshakeTO),
		server.WithReadDeadline(cfg.clientReadTO),
		server.WithClientBuffer(cfg.hubBuffer, hubPolicy(cfg.hubPolicy)),
	)
	l.Info("bridge_config", "listen", cfg.listenAddr, "policy", cfg.hubPolicy, "buffer", cfg.hubBuffer)
	g.Go(func() error {
		if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("tcp server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = srv.Shutdown(sctx)
		return nil
	})

	if cfg.mdnsEnable {
		g.Go(func() error {
			select {
			case <-srv.Ready():
			case <-ctx.Done():
				return nil
			}
			port := portOf(srv.Addr())
			cleanupMDNS, err := startMDNS(ctx, cfg, port)
			if err != nil {
				l.Warn("mdns_start_failed", "error", err)
				return nil
			}
			l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", port)
			<-ctx.Done()
			cleanupMDNS()
			return nil
		})
	}

	if cfg.logMetricsEvery > 0 {
		g.Go(func() error { runMetricsLogger(ctx, cfg.logMetricsEvery, l); return nil })
	}

	// Ready means the adapter link is up and we are not shutting down.
	metrics.SetReadinessFunc(func() bool { return ctx.Err() == nil && dev.IsConnected() })
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		httpSrv := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = httpSrv.Shutdown(context.Background()) }()
	}

	dev.Connect(ctx, cfg.deviceName)
	l.Info("connecting", "adapter", dev.Name(), "device", cfg.deviceName)

	<-ctx.Done()
	l.Info("shutdown")
	return g.Wait()
}
