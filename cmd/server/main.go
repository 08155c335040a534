package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Avicted/courier/internal/auth"
	"github.com/Avicted/courier/internal/config"
	"github.com/Avicted/courier/internal/httpapi"
	"github.com/Avicted/courier/internal/message"
	"github.com/Avicted/courier/internal/metrics"
	"github.com/Avicted/courier/internal/registry"
	"github.com/Avicted/courier/internal/router"
	"github.com/Avicted/courier/internal/securelog"
	"github.com/Avicted/courier/internal/storage"
	"github.com/Avicted/courier/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config invalid: %w", err)
	}

	storeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	store, err := storage.Open(storeCtx, cfg.Store, cfg.DBURL)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg, store)
}

// serve migrates store, wires the relay and blocks until ctx is done or the
// listener fails. store is closed before serve returns.
func serve(ctx context.Context, cfg config.Config, store storage.Store) error {
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = store.Close(closeCtx)
	}()

	logger, err := securelog.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	migrateCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := store.Migrate(migrateCtx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)

	reg := registry.New()
	r := router.New(reg, store.Messages(), logger, m)
	messages := message.NewService(store.Messages())
	messages.SetNotifier(r)
	messages.SetObserver(m)
	authService := auth.NewService(cfg.TokenSecret, cfg.TokenTTL)

	hub := ws.NewHub(reg, r, authService, m, logger, ws.Options{
		SendBuffer:    cfg.SendBuffer,
		WriteTimeout:  cfg.WriteTimeout,
		MaxFrameBytes: cfg.MaxFrameBytes,
		InboundRPS:    cfg.InboundRPS,
		InboundBurst:  cfg.InboundBurst,
	})
	api := httpapi.NewHandler(authService, messages, r, reg, cfg.AdminToken, logger)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           newMux(hub, api, promReg),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		var err error
		if cfg.TLSCertPath != "" && cfg.TLSKeyPath != "" {
			logger.Info("listening with TLS", zap.String("addr", cfg.ListenAddr))
			err = srv.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
		} else {
			logger.Info("listening", zap.String("addr", cfg.ListenAddr))
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	})

	err = g.Wait()
	logger.Info("server stopped", zap.Int("live_connections", hub.ClientCount()))
	return err
}

func newMux(hub *ws.Hub, api *httpapi.Handler, gatherer prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.HandleWS)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	api.Register(mux)
	return mux
}
