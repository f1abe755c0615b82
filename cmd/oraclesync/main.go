package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"oraclesync/internal/infrastructure/config"
	"oraclesync/internal/infrastructure/logger"
	"oraclesync/internal/infrastructure/svc"
	"oraclesync/internal/interfaces/httpapi"
)

func main() {
	configPath := flag.String("config", "configs/config.toml", "path to config.toml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Setup("info")
		log.Fatal().Err(err).Str("config", *configPath).Msg("load config failed")
	}
	logger.Setup(cfg.App.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sc, err := svc.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("service initialization failed")
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           httpapi.NewRouter(apiDeps(sc)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	if err := sc.Start(ctx); err != nil {
		log.Error().Err(err).Msg("start failed")
		stop()
	}

	log.Info().
		Str("config", *configPath).
		Str("app", cfg.App.Name).
		Int("instances", len(cfg.Instances)).
		Int("webhooks", len(cfg.Webhooks)).
		Msg("oraclesync started")

	<-ctx.Done()
	log.Info().Dur("timeout", cfg.ShutdownTimeout()).Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()

	// 先停止接入新请求，再按依赖倒序关闭组件
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown")
	}
	if err := sc.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown incomplete")
		os.Exit(1)
	}
	log.Info().Msg("bye")
}

func apiDeps(sc *svc.ServiceContext) httpapi.Deps {
	overviews := make([]httpapi.SyncOverview, 0, len(sc.Orchestrators()))
	for _, o := range sc.Orchestrators() {
		overviews = append(overviews, o)
	}
	return httpapi.Deps{
		Lookup: func(ctx context.Context, id string) (httpapi.SyncController, error) {
			o, err := sc.Orchestrator(ctx, id)
			if err != nil {
				return nil, err
			}
			return o, nil
		},
		Overviews:  overviews,
		Prices:     sc.Prices,
		History:    sc.PriceRepo(),
		Webhooks:   sc.Webhooks,
		PoolHealth: sc.Gateway().Health,
		Broadcast:  sc.Hub,
	}
}
