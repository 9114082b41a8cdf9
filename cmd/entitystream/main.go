// Package main runs entitystream: one shared bus connection feeding a live entity cache,
// with remote dashboards attached over a websocket gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/entitystream/busclient"
	"github.com/c360/entitystream/codec"
	"github.com/c360/entitystream/config"
	httpgw "github.com/c360/entitystream/gateway/http"
	wsgw "github.com/c360/entitystream/gateway/websocket"
	"github.com/c360/entitystream/health"
	"github.com/c360/entitystream/livestate"
	"github.com/c360/entitystream/metric"
	"github.com/c360/entitystream/pkg/retry"
	"github.com/c360/entitystream/pkg/tlsutil"
	"github.com/c360/entitystream/statusclient"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "entitystream"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cli, err := parseFlags(flag.NewFlagSet(appName, flag.ContinueOnError), args)
	if err != nil {
		if err == flag.ErrHelp {
			return nil
		}
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cli.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}

	loader := config.NewLoader()
	for _, p := range cli.ConfigPaths {
		loader.AddLayer(p)
	}
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cli.LogLevel != "" {
		cfg.Log.Level = cli.LogLevel
	}
	if cli.LogFormat != "" {
		cfg.Log.Format = cli.LogFormat
	}

	level := new(slog.LevelVar)
	level.Set(parseLevel(cfg.Log.Level))
	logger := setupLogger(os.Stdout, level, cfg.Log.Format)
	slog.SetDefault(logger)

	if cli.Validate {
		logger.Info("Configuration is valid", "config", cfg.String())
		return nil
	}

	logger.Info("Starting entitystream",
		"version", Version,
		"transport", cfg.Bus.Transport,
		"config_paths", cli.ConfigPaths)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := build(cfg, loader, level, logger)
	if err != nil {
		return err
	}
	return app.run(ctx, cli.ShutdownTimeout)
}

// app holds the wired process
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	level   *slog.LevelVar
	bus     *busclient.Client
	hub     *livestate.Hub
	ws      *wsgw.Gateway
	server  *httpgw.Server
	metrics *metric.Server
	monitor *health.Monitor
	manager *config.Manager
}

func build(cfg *config.Config, loader *config.Loader, level *slog.LevelVar, logger *slog.Logger) (*app, error) {
	registry := metric.NewMetricsRegistry()
	monitor := health.NewMonitor()

	transport, err := newTransport(cfg.Bus)
	if err != nil {
		return nil, err
	}
	busTLS, err := tlsutil.LoadClientTLSConfig(cfg.Bus.TLS)
	if err != nil {
		return nil, fmt.Errorf("load bus tls: %w", err)
	}
	if busTLS != nil {
		secure, ok := transport.(busclient.TLSTransport)
		if !ok {
			return nil, fmt.Errorf("bus transport %q does not support tls", cfg.Bus.Transport)
		}
		secure.SetTLS(busTLS)
	}
	bus := busclient.NewClient(transport,
		busclient.WithLogger(logger),
		busclient.WithMetrics(registry.CoreMetrics()),
		busclient.WithConnectTimeout(cfg.Bus.ConnectTimeout.Std()),
		busclient.WithBackoff(retry.BackoffConfig{
			Initial: cfg.Bus.BackoffInitial.Std(),
			Max:     cfg.Bus.BackoffMax.Std(),
		}),
	)

	creds := busclient.Credentials{
		Token:    cfg.Bus.Token,
		Username: cfg.Bus.Username,
		ClientID: cfg.Bus.ClientID,
	}
	opts := []livestate.Option{
		livestate.WithCodec(codec.New(
			codec.WithPrefix(cfg.Codec.Prefix),
			codec.WithFormat(codec.Format(cfg.Codec.Format)),
		)),
		livestate.WithWindow(cfg.Dispatch.Window.Std()),
		livestate.WithRecheckPool(cfg.Dispatch.RecheckWorkers, cfg.Dispatch.RecheckQueue),
		livestate.WithCredentials(creds),
		livestate.WithLogger(logger),
		livestate.WithMetricsRegistry(registry),
	}

	if cfg.Status.URL != "" {
		statusTLS, err := tlsutil.LoadClientTLSConfig(cfg.Status.TLS)
		if err != nil {
			return nil, fmt.Errorf("load status tls: %w", err)
		}
		statusOpts := []statusclient.Option{
			statusclient.WithTimeout(cfg.Status.Timeout.Std()),
			statusclient.WithToken(firstNonEmpty(cfg.Status.Token, cfg.Bus.Token)),
			statusclient.WithRetry(retry.Config{
				MaxAttempts:  cfg.Status.MaxAttempts,
				InitialDelay: cfg.Status.InitialDelay.Std(),
				MaxDelay:     cfg.Status.MaxDelay.Std(),
				Multiplier:   2,
				AddJitter:    true,
			}),
			statusclient.WithLogger(logger),
			statusclient.WithMetrics(registry.CoreMetrics()),
		}
		if statusTLS != nil {
			statusOpts = append(statusOpts, statusclient.WithHTTPClient(&http.Client{
				Timeout:   cfg.Status.Timeout.Std(),
				Transport: &http.Transport{TLSClientConfig: statusTLS, Proxy: http.ProxyFromEnvironment},
			}))
		}
		status, err := statusclient.New(cfg.Status.URL, statusOpts...)
		if err != nil {
			return nil, fmt.Errorf("create status client: %w", err)
		}
		opts = append(opts, livestate.WithStatusSource(status))
		if cfg.Status.Token == "" {
			// the status API shares the bus credential
			opts = append(opts, livestate.WithTokenListener(status.SetToken))
		}
	} else {
		logger.Warn("No status URL configured; dashboards will not be seeded")
	}

	hub, err := livestate.New(bus, opts...)
	if err != nil {
		return nil, fmt.Errorf("create hub: %w", err)
	}
	monitor.Register("bus", hub.Health)

	a := &app{
		cfg:     cfg,
		logger:  logger,
		level:   level,
		bus:     bus,
		hub:     hub,
		monitor: monitor,
	}

	if cfg.Gateway.Enabled {
		ws, err := wsgw.New(hub, cfg.Gateway.Options,
			wsgw.WithLogger(logger),
			wsgw.WithMetricsRegistry(registry))
		if err != nil {
			return nil, fmt.Errorf("create websocket gateway: %w", err)
		}
		server, err := httpgw.NewServer(cfg.Gateway.Addr, cfg.Gateway.Options, logger)
		if err != nil {
			return nil, fmt.Errorf("create http server: %w", err)
		}
		serverTLS, err := tlsutil.LoadServerTLSConfig(cfg.Gateway.TLS)
		if err != nil {
			return nil, fmt.Errorf("load gateway tls: %w", err)
		}
		server.SetTLS(serverTLS)
		server.Mount(cfg.Gateway.Prefix, ws)
		server.HandleHealth(monitor, appName)
		monitor.Register("gateway", ws.Health)
		monitor.Register("http_server", server.Health)
		a.ws, a.server = ws, server
	}

	if cfg.Metrics.Enabled {
		a.metrics = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry,
			metric.WithHealthHandler(health.Handler(monitor, appName)))
	}

	manager, err := config.NewManager(cfg, loader, logger)
	if err != nil {
		return nil, err
	}
	a.manager = manager
	return a, nil
}

func newTransport(cfg config.BusConfig) (busclient.Transport, error) {
	switch cfg.Transport {
	case config.TransportMQTT:
		return busclient.NewMQTTTransport(
			busclient.WithQoS(byte(cfg.QoS)),
			busclient.WithKeepAlive(cfg.KeepAlive.Std()),
		), nil
	case config.TransportNATS:
		return busclient.NewNATSTransport(), nil
	case config.TransportRedis:
		return busclient.NewRedisTransport(cfg.PingInterval.Std()), nil
	case config.TransportMemory:
		return busclient.NewMemoryTransport(busclient.NewMemoryBroker()), nil
	default:
		return nil, fmt.Errorf("unknown bus transport %q", cfg.Transport)
	}
}

func (a *app) run(ctx context.Context, shutdownTimeout time.Duration) error {
	if err := a.hub.Start(ctx); err != nil {
		return fmt.Errorf("start hub: %w", err)
	}
	// Connect returns once the first attempt is scheduled; failures are retried in the background
	if err := a.bus.Connect(ctx, a.cfg.Bus.URL, busclient.Credentials{
		Token:    a.cfg.Bus.Token,
		Username: a.cfg.Bus.Username,
		ClientID: a.cfg.Bus.ClientID,
	}); err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if a.server != nil {
		g.Go(a.server.Start)
	}
	if a.metrics != nil {
		g.Go(a.metrics.Start)
	}

	reload := make(chan struct{}, 1)
	g.Go(func() error {
		a.forwardHangups(gctx, reload)
		return nil
	})
	g.Go(func() error {
		a.manager.Watch(gctx, reload)
		return nil
	})
	g.Go(func() error {
		a.applyReloads(gctx)
		return nil
	})

	a.logger.Info("entitystream started")

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.shutdown(shutdownCtx)
	})

	return g.Wait()
}

// forwardHangups turns SIGHUP into config reload triggers
func (a *app) forwardHangups(ctx context.Context, reload chan<- struct{}) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			select {
			case reload <- struct{}{}:
			default:
			}
		}
	}
}

// applyReloads applies the settings that can change without a restart
func (a *app) applyReloads(ctx context.Context) {
	logCh := a.manager.OnChange("log")
	busCh := a.manager.OnChange("bus")
	token := a.cfg.Bus.Token

	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-logCh:
			if !ok {
				return
			}
			next := parseLevel(u.Config.Get().Log.Level)
			if next != a.level.Level() {
				a.level.Set(next)
				a.logger.Info("Log level changed", "level", next.String())
			}
		case u, ok := <-busCh:
			if !ok {
				return
			}
			next := u.Config.Get().Bus.Token
			if next == token {
				continue
			}
			token = next
			refreshCtx, cancel := context.WithTimeout(ctx, a.cfg.Bus.ConnectTimeout.Std())
			if err := a.hub.RefreshToken(refreshCtx, next); err != nil {
				a.logger.Error("Token refresh failed", "error", err)
			}
			cancel()
		}
	}
}

// shutdown stops outer surfaces first so no client sees a half-closed hub
func (a *app) shutdown(ctx context.Context) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if a.ws != nil {
		keep(a.ws.Close(ctx))
	}
	if a.server != nil {
		keep(a.server.Shutdown(ctx))
	}
	if a.metrics != nil {
		keep(a.metrics.Shutdown(ctx))
	}
	keep(a.hub.Stop(ctx))
	keep(a.bus.Close(ctx))
	keep(a.manager.Stop(time.Second))

	if firstErr != nil {
		a.logger.Error("Shutdown completed with errors", "error", firstErr)
	} else {
		a.logger.Info("entitystream shutdown complete")
	}
	return firstErr
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
