package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/diagram-collab/internal/access"
	"github.com/DoyleJ11/diagram-collab/internal/auth"
	"github.com/DoyleJ11/diagram-collab/internal/config"
	"github.com/DoyleJ11/diagram-collab/internal/httpapi"
	"github.com/DoyleJ11/diagram-collab/internal/hub"
	"github.com/DoyleJ11/diagram-collab/internal/relay"
	"github.com/DoyleJ11/diagram-collab/internal/store"
	"github.com/DoyleJ11/diagram-collab/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("config", zap.Error(err))
	}
	log, err := newLogger(cfg.LogDev)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(cfg config.Config, log *zap.Logger) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var st store.Store
	if cfg.DatabaseURL != "" {
		g, err := store.OpenGorm(cfg.DatabaseURL, log.Named("store"))
		if err != nil {
			return err
		}
		st = g
	} else {
		log.Warn("DATABASE_URL not set, projects live in memory")
		st = store.NewMemory()
	}
	defer func() { err = multierr.Append(err, st.Close()) }()

	instance := cfg.InstanceID
	if instance == "" {
		instance = uuid.NewString()
	}
	var rl relay.Relay = relay.Local{}
	if cfg.RedisURL != "" {
		r, err := relay.NewRedis(cfg.RedisURL, instance, log.Named("relay"))
		if err != nil {
			return err
		}
		if err := r.Ping(ctx); err != nil {
			return multierr.Append(err, r.Close())
		}
		rl = r
	}
	defer func() { err = multierr.Append(err, rl.Close()) }()

	res := access.NewResolver(st, auth.New(cfg.JWTSecret, cfg.JWTIssuer), cfg.ShareCacheTTL, log.Named("access"))
	defer res.Close()

	h := hub.NewHub(ctx, st, rl, log.Named("hub"))

	opts := ws.DefaultOptions()
	opts.JoinTimeout = cfg.JoinTimeout
	opts.FramesPerSecond = cfg.MaxFramesPerSec
	opts.Burst = int(2 * cfg.MaxFramesPerSec)
	opts.OriginPatterns = cfg.AllowedOrigins

	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: httpapi.SetupRoutes(httpapi.Deps{
			Hub: h, Store: st, Resolver: res, WS: opts, Log: log.Named("http"),
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.Addr), zap.String("instance", instance))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info("shutting down")
		err := srv.Shutdown(shutdownCtx)
		stop()
		<-h.Done()
		return err
	})
	return g.Wait()
}
