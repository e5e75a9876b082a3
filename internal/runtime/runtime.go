package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-voices/internal/bus"
	"github.com/loqalabs/loqa-voices/internal/catalog"
	"github.com/loqalabs/loqa-voices/internal/config"
	"github.com/loqalabs/loqa-voices/internal/eventstore"
	"github.com/loqalabs/loqa-voices/internal/fetch"
	"github.com/loqalabs/loqa-voices/internal/natsserver"
	"github.com/loqalabs/loqa-voices/internal/snapshot"
)

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	natsServer    *natsserver.EmbeddedServer
	bus           *bus.Client
	events        *eventstore.Store
	cache         *catalog.Cache
	service       *catalog.Service
	watcher       *catalog.Watcher
	ready         atomic.Bool
	wg            sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	defer r.closeComponents()

	if err := r.startBus(ctx); err != nil {
		return err
	}

	events, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "event-store")))
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	r.events = events

	snapshotPath := r.cfg.Snapshot.Path
	if snapshotPath == "" {
		snapshotPath, err = snapshot.ResolvePath(r.cfg.Snapshot.AppName)
		if err != nil {
			return fmt.Errorf("failed to resolve snapshot path: %w", err)
		}
	}

	fetcher, err := fetch.New(r.cfg.Source, r.bus)
	if err != nil {
		return fmt.Errorf("failed to build fetcher: %w", err)
	}

	r.cache = catalog.New(ctx, fetcher, snapshot.NewStore(snapshotPath), r.events, r.logger)
	r.service = catalog.NewService(ctx, r.cfg.Catalog, r.cfg.Source, r.bus, r.cache, r.logger)
	if err := r.service.Start(); err != nil {
		return fmt.Errorf("failed to start catalog service: %w", err)
	}
	if r.cfg.Catalog.WatchSnapshot {
		watcher, err := catalog.NewWatcher(ctx, r.cache, snapshotPath, r.logger)
		if err != nil {
			return fmt.Errorf("failed to watch snapshot: %w", err)
		}
		r.watcher = watcher
		r.watcher.Start()
	}

	mux := r.routes()
	if metricsHandler != nil {
		if r.cfg.Telemetry.PrometheusBind != "" {
			r.metricsServer = r.serve(r.cfg.Telemetry.PrometheusBind, metricsOnly(metricsHandler))
		} else {
			mux.Handle("GET /metrics", metricsHandler)
		}
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = r.serve(addr, mux)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.bootstrap(ctx)
		r.ready.Store(true)
	}()

	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("snapshot", snapshotPath),
		slog.String("source", r.cfg.Source.Mode))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	if !r.cfg.Bus.Enabled {
		return nil
	}
	if r.cfg.Bus.Embedded {
		srv, err := natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded nats: %w", err)
		}
		r.natsServer = srv
		r.cfg.Bus.Servers = []string{srv.ClientURL()}
	}
	client, err := bus.Connect(ctx, r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.bus = client
	return nil
}

// bootstrap loads the snapshot and, when nothing could be loaded, asks the
// provider for a first catalog.
func (r *Runtime) bootstrap(ctx context.Context) {
	if r.cfg.Catalog.LoadOnStart {
		<-r.cache.Load(ctx)
	}
	if r.cfg.Catalog.UpdateOnStartIfEmpty && r.cache.Catalog() == nil {
		if ok := <-r.cache.Update(ctx, r.cfg.Source); !ok {
			r.logger.Warn("initial voice update failed", slog.String("source", r.cfg.Source.Mode))
		}
	}
	r.logger.Info("voice catalog ready", slog.Int("voices", r.cache.Catalog().Len()))
}

func (r *Runtime) serve(addr string, handler http.Handler) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("addr", addr), slog.String("error", err.Error()))
		}
	}()
	return srv
}

func (r *Runtime) closeComponents() {
	if r.watcher != nil {
		r.watcher.Close()
	}
	if r.service != nil {
		r.service.Close()
	}
	if r.cache != nil {
		r.cache.Close()
	}
	if r.events != nil {
		if err := r.events.Close(); err != nil {
			r.logger.Warn("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.natsServer != nil {
		r.natsServer.Shutdown()
	}
}

func metricsOnly(h http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", h)
	return mux
}
