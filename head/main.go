package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"chunkfs/internal/config"
	"chunkfs/internal/head"
	"chunkfs/internal/logging"
	"chunkfs/internal/transport"
)

func main() {
	cfgPath := flag.String("config", "", "config file (yaml, toml or json)")
	pretty := flag.Bool("pretty", false, "human-readable logs")
	flag.Parse()

	cfg := config.LoadHead(*cfgPath)
	logging.Setup("head", cfg.LogLevel, *pretty)
	gin.SetMode(gin.ReleaseMode)

	client := transport.NewClient(cfg.ProbeTimeout, 30*time.Second)
	h, err := head.New(cfg, client)
	if err != nil {
		log.Fatal().Err(err).Msg("head: startup failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.Start(ctx)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: h.Router(),
	}
	go func() {
		log.Info().Str("addr", srv.Addr).Str("name", cfg.ServerName).Bool("primary", cfg.IsPrimary).
			Int("replication", cfg.ReplicationFactor).Msg("head: server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("head: error starting server")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info().Msg("head: received shutdown signal, shutting down")

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("head: graceful shutdown failed")
	}
	cancel()
	h.Stop()
	log.Info().Msg("head: shutdown complete")
}
