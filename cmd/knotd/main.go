package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/vcunat/knot-dns/internal/dns/common/clock"
	"github.com/vcunat/knot-dns/internal/dns/common/log"
	"github.com/vcunat/knot-dns/internal/dns/config"
	"github.com/vcunat/knot-dns/internal/dns/gateways/transport"
	"github.com/vcunat/knot-dns/internal/dns/gateways/wire"
	"github.com/vcunat/knot-dns/internal/dns/repos/msgcache"
	"github.com/vcunat/knot-dns/internal/dns/repos/xfrstore"
	"github.com/vcunat/knot-dns/internal/dns/repos/zonedb"
	"github.com/vcunat/knot-dns/internal/dns/sched"
	"github.com/vcunat/knot-dns/internal/dns/services/query"
	"github.com/vcunat/knot-dns/internal/dns/services/reload"
	"github.com/vcunat/knot-dns/internal/dns/services/xfrin"
)

const (
	appName = "knotd"

	defaultShutdownTimeout = 10 * time.Second
)

// Application holds the wired server components.
type Application struct {
	config     *config.AppConfig
	transports []*transport.UDPTransport
	handler    *query.Handler
	scheduler  *sched.Scheduler
	reloader   *reload.Reloader
	watcher    *reload.Watcher
	store      *xfrstore.Store
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	if err := log.Configure(cfg.Env, cfg.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "Logging configuration error: %v\n", err)
		os.Exit(1)
	}

	log.Info(map[string]any{
		"version":    cfg.Version,
		"env":        cfg.Env,
		"log_level":  cfg.LogLevel,
		"listen":     cfg.Listen,
		"zones_file": cfg.ZonesFile,
		"data_dir":   cfg.DataDir,
	}, "Starting authoritative DNS server")

	app, err := buildApplication(cfg)
	if err != nil {
		log.Fatal(map[string]any{"error": err}, "Failed to build application")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		for sig := range sigChan {
			if sig == syscall.SIGHUP {
				log.Info(nil, "Reload signal received")
				app.reload()
				continue
			}
			log.Info(map[string]any{"signal": sig.String()}, "Shutdown signal received")
			cancel()
			return
		}
	}()

	if err := app.Run(ctx); err != nil {
		log.Fatal(map[string]any{"error": err}, "Server failed")
	}

	log.Info(nil, "Server stopped gracefully")
}

// buildApplication constructs all components and wires them together.
func buildApplication(cfg *config.AppConfig) (*Application, error) {
	logger := log.GetLogger()
	clk := &clock.RealClock{}

	codec := wire.NewCodec(logger)
	handle := zonedb.NewHandle()
	scheduler := sched.New(clk)

	var cache *msgcache.Cache
	if cfg.AnswerCacheSize > 0 {
		var err error
		cache, err = msgcache.New(cfg.AnswerCacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create answer cache: %w", err)
		}
	}

	store, err := xfrstore.Open(filepath.Join(cfg.DataDir, "xfr.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open transfer state store: %w", err)
	}

	transports := make([]*transport.UDPTransport, 0, len(cfg.Listen))
	for _, addr := range cfg.Listen {
		transports = append(transports, transport.NewUDPTransport(addr, logger))
	}
	sender := transport.NewGroup(transports...)

	xfrManager := xfrin.New(xfrin.Options{
		Scheduler: scheduler,
		Sender:    sender,
		Codec:     codec,
		Handle:    handle,
		Store:     store,
		Logger:    logger,
	})

	reloader := reload.New(reload.Options{
		Handle:    handle,
		Cache:     cache,
		Timers:    xfrManager,
		Scheduler: scheduler,
		Store:     store,
		Logger:    logger,
	})

	processor := query.NewProcessor(query.ProcessorOptions{
		Codec:    codec,
		Handle:   handle,
		Cache:    cache,
		Notifier: xfrManager,
		Logger:   logger,
		Identity: cfg.Identity,
		Version:  cfg.Version,
	})
	handler := query.NewHandler(processor, codec, xfrManager, logger)

	app := &Application{
		config:     cfg,
		transports: transports,
		handler:    handler,
		scheduler:  scheduler,
		reloader:   reloader,
		store:      store,
	}
	watcher, err := reload.NewWatcher([]string{cfg.ZonesFile}, app.reload, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	app.watcher = watcher
	return app, nil
}

func (app *Application) reload() {
	if err := app.reloader.ReloadFromFile(app.config.ZonesFile); err != nil {
		log.Error(map[string]any{"error": err}, "Reload failed")
		return
	}
	app.refreshWatchPaths()
}

// refreshWatchPaths re-derives the watched zone file set after a reload, so a
// zone file added to the configuration starts triggering reloads too.
func (app *Application) refreshWatchPaths() {
	set, err := config.LoadZoneSet(app.config.ZonesFile)
	if err != nil {
		return
	}
	paths := make([]string, 0, len(set.Zones))
	for _, z := range set.Zones {
		paths = append(paths, z.File)
	}
	if err := app.watcher.AddPaths(paths...); err != nil {
		log.Warn(map[string]any{"error": err}, "Failed to extend watch paths")
	}
}

// Run starts the server and blocks until the context is cancelled.
func (app *Application) Run(ctx context.Context) error {
	if err := app.reloader.ReloadFromFile(app.config.ZonesFile); err != nil {
		return fmt.Errorf("initial zone load failed: %w", err)
	}
	app.refreshWatchPaths()

	go app.scheduler.Run(ctx)
	go app.watcher.Run(ctx)

	for _, t := range app.transports {
		if err := t.Start(ctx, app.handler); err != nil {
			return fmt.Errorf("failed to start transport: %w", err)
		}
	}

	log.Info(map[string]any{
		"listeners": len(app.transports),
		"transport": "UDP",
	}, "DNS server started")

	<-ctx.Done()

	log.Info(nil, "Shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for _, t := range app.transports {
			if err := t.Stop(); err != nil {
				log.Warn(map[string]any{"error": err}, "Error during transport shutdown")
			}
		}
		if err := app.store.Close(); err != nil {
			log.Warn(map[string]any{"error": err}, "Error closing transfer state store")
		}
		close(done)
	}()

	select {
	case <-done:
		log.Info(nil, "Graceful shutdown completed")
		return nil
	case <-shutdownCtx.Done():
		log.Warn(map[string]any{"timeout": defaultShutdownTimeout}, "Shutdown timeout exceeded")
		return fmt.Errorf("shutdown timeout")
	}
}
