package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"chunkfs/internal/chunkserver"
	"chunkfs/internal/config"
	"chunkfs/internal/logging"
)

func main() {
	cfgPath := flag.String("config", "", "config file (yaml, toml or json)")
	pretty := flag.Bool("pretty", false, "human-readable logs")
	flag.Parse()

	cfg := config.LoadChunkServer(*cfgPath)
	logging.Setup("chunkserver", cfg.LogLevel, *pretty)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := chunkserver.OpenStore(ctx, cfg.DataDir, cfg.CapacityBytes)
	if err != nil {
		log.Fatal().Err(err).Msg("chunkserver: open store")
	}
	srv := chunkserver.NewServer(store, cfg.ServerName, cfg.IOTimeout)
	if err := srv.Listen(fmt.Sprintf(":%d", cfg.Port)); err != nil {
		log.Fatal().Err(err).Msg("chunkserver: listen")
	}

	if cfg.HeadURL != "" {
		go register(ctx, cfg, store, advertiseAddr(cfg))
	}
	if cfg.StatsInterval > 0 {
		go logStats(ctx, store, cfg.NetInterface, cfg.StatsInterval)
	}

	if err := srv.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("chunkserver: serve")
	}
	log.Info().Msg("chunkserver: shutdown complete")
}

func advertiseAddr(cfg config.ChunkServerConfig) string {
	if cfg.AdvertiseAddr != "" {
		return cfg.AdvertiseAddr
	}
	return net.JoinHostPort("localhost", fmt.Sprint(cfg.Port))
}

func register(ctx context.Context, cfg config.ChunkServerConfig, store *chunkserver.Store, addr string) {
	r := &chunkserver.Reporter{
		HeadURL: cfg.HeadURL,
		Addr:    addr,
		Name:    cfg.ServerName,
		Store:   store,
	}
	if err := r.Register(ctx); err != nil {
		return
	}
	if cfg.ReportInterval > 0 {
		r.Run(ctx, cfg.ReportInterval)
	}
}
