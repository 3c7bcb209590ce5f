// Command pettrackd runs the pet tracking daemon: the tracking coordinator,
// its stores and the HTTP/WebSocket API the phone bridge and viewers use.
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

	"go.uber.org/zap"

	"pettrack/internal/api"
	"pettrack/internal/ble"
	"pettrack/internal/buildinfo"
	"pettrack/internal/config"
	"pettrack/internal/geocode"
	"pettrack/internal/logging"
	"pettrack/internal/metrics"
	"pettrack/internal/notify"
	"pettrack/internal/store"
	"pettrack/internal/tracking"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format, "pettrackd")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("pettrackd exited", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	metrics.RegisterDefault()
	log.Info("starting", zap.Any("build", buildinfo.Info()), zap.String("device_id", cfg.DeviceID))

	kv, paths, closeStores, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStores()
	settings := store.NewSettings(kv, log.Named("settings"))

	var broker api.EventBroker = api.NewBroker()
	if cfg.RedisURL != "" {
		rb, err := api.NewRedisBroker(cfg.RedisURL, log.Named("broker"))
		if err != nil {
			return fmt.Errorf("redis broker: %w", err)
		}
		broker = rb
	}

	sinks := notify.Multi{notify.NewLog(log.Named("alerts"))}
	if cfg.Webhook.URL != "" {
		sinks = append(sinks, notify.NewWebhook(cfg.Webhook.URL, cfg.Webhook.Secret, cfg.DeviceID))
	}
	gate := notify.NewGate(sinks, log.Named("notify"))

	// the server is built after the coordinator, so Online reads it late
	var srv *api.Server
	bridge := &api.Bridge{Broker: broker, Online: func() bool { return srv != nil && srv.BridgeOnline() }}
	coord := tracking.New(tracking.Options{
		Radio:     bridge,
		Connector: bridge,
		Settings:  settings,
		Notifier:  gate,
		Sink:      api.BrokerSink{Broker: broker},
		Scan:      ble.ScannerConfig{ScanWindow: cfg.Scan.Window, IdleWindow: cfg.Scan.Idle},
		Logger:    log.Named("tracking"),
	})
	geo := geocode.NewNominatim(cfg.Geocoder.URL, cfg.Geocoder.UserAgent, log.Named("geocode"))
	srv = api.NewServer(cfg, coord, settings, paths, geo, nil, broker, log.Named("api"))
	srv.Alerts = gate

	coordDone := make(chan error, 1)
	go func() { coordDone <- coord.Run(ctx) }()

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("API listening", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			stop()
			<-coordDone
			return fmt.Errorf("server error: %w", err)
		}
	}
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	if err := <-coordDone; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// openStores picks Redis for settings when REDIS_URL is set and Postgres for
// paths when DATABASE_URL is set; anything unset lives in memory.
func openStores(ctx context.Context, cfg config.Config, log *zap.Logger) (store.KV, store.PathStore, func(), error) {
	mem := store.NewMemory()
	var kv store.KV = mem
	var paths store.PathStore = mem
	closers := []func(){}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.RedisURL != "" {
		rkv, err := store.NewRedisKV(cfg.RedisURL, "pettrack:"+cfg.DeviceID+":")
		if err != nil {
			return nil, nil, nil, fmt.Errorf("redis: %w", err)
		}
		kv = rkv
		closers = append(closers, func() { _ = rkv.Close() })
		log.Info("settings backed by redis")
	}
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			closeAll()
			return nil, nil, nil, fmt.Errorf("postgres: %w", err)
		}
		closers = append(closers, func() { _ = pg.Close() })
		sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := pg.EnsureSchema(sctx); err != nil {
			closeAll()
			return nil, nil, nil, fmt.Errorf("postgres schema: %w", err)
		}
		paths = pg
		log.Info("paths backed by postgres")
	}
	return kv, paths, closeAll, nil
}
