package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ScorpiusDraconis83/realtime/auth"
	"github.com/ScorpiusDraconis83/realtime/cfg"
	"github.com/ScorpiusDraconis83/realtime/channel"
	"github.com/ScorpiusDraconis83/realtime/cluster"
	"github.com/ScorpiusDraconis83/realtime/hlc"
	"github.com/ScorpiusDraconis83/realtime/httpapi"
	"github.com/ScorpiusDraconis83/realtime/id"
	"github.com/ScorpiusDraconis83/realtime/supervisor"
	"github.com/ScorpiusDraconis83/realtime/telemetry"
	"github.com/ScorpiusDraconis83/realtime/tenant"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	flag.Parse()

	if err := cfg.Load(*cfg.ConfigPathFlag); err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()
	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("realtime starting")
	telemetry.InitializeTelemetry()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	controlPool, err := pgxpool.New(ctx, cfg.Config.ControlDB.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to control database")
		return
	}
	defer controlPool.Close()

	tenantRegistry := tenant.NewRegistryFromPool(controlPool)
	tenantRegistry.StartRefresh(time.Duration(cfg.Config.Cluster.PollIntervalMS) * time.Millisecond)
	defer tenantRegistry.Stop()

	clock := hlc.NewClock(cfg.Config.NodeID)
	gen := id.NewHLCGenerator(clock)

	clst, err := cluster.New(cfg.Config.NodeID, gen, cfg.Config.Cluster)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize cluster membership")
		return
	}

	jwtVerifier := auth.NewJWTVerifier(cfg.Config.JWTClaimValidators)
	authz := auth.NewAuthorizationStore()
	limiter := channel.NewRateLimiter()

	tenants := supervisor.NewManager(tenantRegistry, clst.Router, clst.Handover, gen, cfg.Config.DataDir)

	if err := clst.Start(ctx, cfg.Config.Cluster, 5*time.Second); err != nil {
		log.Fatal().Err(err).Msg("failed to start cluster router")
		return
	}
	defer clst.Stop()

	rebalanceGrace := time.Duration(cfg.Config.Cluster.RebalanceGraceMS) * time.Millisecond
	go func() {
		ticker := time.NewTicker(rebalanceGrace)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				tenants.Rebalance(rebalanceGrace)
			case <-ctx.Done():
				return
			}
		}
	}()

	server := httpapi.NewServer(tenants, jwtVerifier, authz, limiter, clst.Registry, cfg.Config.NodeID)

	addr := fmt.Sprintf("%s:%d", cfg.Config.HTTP.BindAddress, cfg.Config.HTTP.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: server,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("realtime listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown did not complete cleanly")
	}

	tenants.StopAll()
	log.Info().Msg("realtime stopped")
}
