package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/swharr/storm-surge/internal/broadcast"
	"github.com/swharr/storm-surge/internal/config"
	"github.com/swharr/storm-surge/internal/dedup"
	"github.com/swharr/storm-surge/internal/engine"
	"github.com/swharr/storm-surge/internal/policy"
	"github.com/swharr/storm-surge/internal/spot"
	"github.com/swharr/storm-surge/internal/webhooks/routers"
)

func main() {
	policiesPath := flag.String("policies", "policies.yaml", "Path to the cluster policy file")
	port := flag.Int("port", 8080, "The port to listen on")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	// Configure Zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("Received shutdown signal")
		cancel()
	}()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	if cfg.ScalingAPIToken == "" {
		log.Warn().Msg("SCALING_API_TOKEN not set, scaling API calls will be rejected upstream")
	}

	log.Info().Str("path", *policiesPath).Msg("Loading cluster policies...")
	policies := policy.NewStore(*policiesPath)
	if err := policies.Load(); err != nil {
		log.Fatal().Err(err).Msg("Failed to load cluster policies")
	}
	log.Info().Int("clusters", policies.Len()).Msg("Loaded cluster policies")
	for _, p := range policies.All() {
		log.Info().
			Str("cluster", p.ClusterID).
			Str("timezone", p.Timezone).
			Int("start", p.BusinessHoursStart).
			Int("end", p.BusinessHoursEnd).
			Bool("critical", p.BusinessCritical).
			Msg("Policy loaded")
	}
	if err := policies.Watch(ctx); err != nil {
		log.Warn().Err(err).Msg("Policy hot reload unavailable")
	}

	dedupStore := dedup.NewMemoryStore(cfg.DedupTTL)
	go dedupStore.Run(ctx, time.Minute)

	hub := broadcast.NewHub()

	spotClient := spot.NewClient(cfg.ScalingAPIBaseURL, cfg.ScalingAPIToken, spot.Options{
		MaxAttempts:      cfg.MaxRetryAttempts,
		AttemptTimeout:   cfg.ScalingAPITimeout,
		BreakerThreshold: uint32(cfg.CircuitBreakerThreshold),
		BreakerCooldown:  cfg.CircuitBreakerCooldown,
	})

	serializer := engine.NewSerializer(policies, spotClient, hub, cfg.OverrideWindow)
	go serializer.Run(ctx)

	ticker := engine.NewTicker(cfg.ScheduleTickInterval, policies, serializer)
	go ticker.Run(ctx)

	gateway := routers.NewGateway(map[string]string{
		"launchdarkly": cfg.LaunchDarklySecret,
		"statsig":      cfg.StatsigSecret,
	}, dedupStore, policies, serializer)

	server := NewServer(*port, cfg, gateway, policies, serializer, spotClient, hub)

	log.Info().Int("port", *port).Msg("Starting Storm Surge control plane...")
	if err := server.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}
