package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	plexus "github.com/plexal/plexus"
	"github.com/plexal/plexus/internal/config"
	"github.com/plexal/plexus/observer"
	"github.com/plexal/plexus/store/postgres"
	"github.com/plexal/plexus/store/sqlite"
)

func main() {
	// 1. Load config
	cfg := config.Load(os.Getenv("PLEXUS_CONFIG"))

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Worker backend. The echo worker answers locally; swap in a real
	// backend here for production use.
	var worker plexus.WorkerPrimitive = newEchoWorker()

	// 3. Observability
	bus := &plexus.EventBus{}
	var tracer plexus.Tracer
	if cfg.Observer.Enabled {
		inst, shutdown, err := observer.Init(ctx)
		if err != nil {
			log.Fatalf("observer init: %v", err)
		}
		defer shutdown(context.Background())
		tracer = observer.NewTracer()
		bus.Subscribe(observer.Hook(inst))
		worker = observer.WrapWorker(worker, inst)
	}

	// 4. Store
	var store plexus.Store
	switch cfg.Database.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Database.PostgresURL)
		if err != nil {
			log.Fatalf("postgres pool: %v", err)
		}
		defer pool.Close()
		store = postgres.New(pool)
	default:
		store = sqlite.New(cfg.Database.Path, sqlite.WithLogger(logger))
	}
	defer store.Close()

	// 5. Orchestrator
	algorithm, ok := plexus.ParseRoutingAlgorithm(cfg.LoadBalance.Algorithm)
	if !ok {
		log.Fatalf("unknown routing algorithm %q", cfg.LoadBalance.Algorithm)
	}

	services := make([]plexus.ServiceEndpoint, 0, len(cfg.Services))
	for _, s := range cfg.Services {
		toolType, ok := plexus.ParseToolType(s.Type)
		if !ok {
			toolType = plexus.ToolExternal
		}
		services = append(services, plexus.ServiceEndpoint{
			Name:       s.Name,
			BaseURL:    s.BaseURL,
			ListPath:   s.ListPath,
			HealthPath: s.HealthPath,
			Type:       toolType,
		})
	}

	rules := plexus.DefaultScalingRules
	rules.ScaleUpLoad = cfg.Scaling.ScaleUpLoad
	rules.ScaleDownLoad = cfg.Scaling.ScaleDownLoad
	rules.ScaleUpResponseTime = time.Duration(cfg.Scaling.ScaleUpLatencyMS) * time.Millisecond
	rules.ScaleUpErrorRate = cfg.Scaling.ScaleUpErrorRate

	balancing := []plexus.BalancerOption{
		plexus.WithSessionAffinity(cfg.LoadBalance.SessionAffinity),
		plexus.WithAffinityTTL(time.Duration(cfg.LoadBalance.StickySessionSeconds) * time.Second),
		plexus.WithFailoverRetries(cfg.LoadBalance.FailoverRetries),
		plexus.WithRoundRobinCounterCap(cfg.LoadBalance.MaxRoundRobinCounter),
		plexus.WithCircuitBreakers(cfg.LoadBalance.CircuitBreakerOn),
		plexus.WithBreakerConfig(plexus.BreakerConfig{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			SuccessThreshold: cfg.Breaker.SuccessThreshold,
			OpenTimeout:      time.Duration(cfg.Breaker.OpenTimeoutSeconds) * time.Second,
		}),
		plexus.WithAdaptiveWeights(cfg.LoadBalance.AdaptiveWeights),
		plexus.WithResourceWeights(
			cfg.LoadBalance.HealthCheckWeight,
			cfg.LoadBalance.LoadWeight,
			cfg.LoadBalance.ResponseTimeWeight),
	}
	if source, ok := plexus.ParseAffinitySource(cfg.LoadBalance.AffinitySource); ok {
		balancing = append(balancing, plexus.WithAffinitySource(source))
	}
	if cfg.LoadBalance.AffinityHeader != "" {
		balancing = append(balancing, plexus.WithAffinityHeader(cfg.LoadBalance.AffinityHeader))
	}

	orch := plexus.New(worker,
		plexus.WithStore(store),
		plexus.WithLogger(logger),
		plexus.WithTracer(tracer),
		plexus.WithEventBus(bus),
		plexus.WithRouting(algorithm),
		plexus.WithToolServices(services...),
		plexus.WithScaling(rules),
		plexus.WithToolRegistry(
			plexus.WithDiscoveryInterval(time.Duration(cfg.Registry.DiscoveryIntervalSeconds)*time.Second),
			plexus.WithProbeInterval(time.Duration(cfg.Registry.HealthProbeIntervalSeconds)*time.Second)),
		plexus.WithPooling(
			plexus.WithInstanceBounds(cfg.Pool.MinInstancesPerAgent, cfg.Pool.MaxInstancesPerAgent),
			plexus.WithIdleTimeout(time.Duration(cfg.Pool.InstanceTimeoutSeconds)*time.Second)),
		plexus.WithBalancing(balancing...),
		plexus.WithAutoscaling(
			plexus.WithScaleInterval(time.Duration(cfg.Scaling.OptimizationIntervalSeconds)*time.Second)),
		plexus.WithOptimizationWeights(plexus.ScoreWeights{
			Success: cfg.Generator.SuccessWeight,
			Speed:   cfg.Generator.SpeedWeight,
			Cost:    cfg.Generator.CostWeight,
		}),
		plexus.WithDeadline(cfg.Deadline()),
	)

	// 6. Background loops
	go func() {
		if err := orch.Start(ctx); err != nil && ctx.Err() == nil {
			log.Fatalf("orchestrator: %v", err)
		}
	}()

	// 7. Serve
	gw := plexus.NewGateway(orch, logger)
	if err := gw.Serve(ctx, cfg.Server.Addr); err != nil {
		log.Fatal(err)
	}
}
