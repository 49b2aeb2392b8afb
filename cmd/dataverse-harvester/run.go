package main

import (
	"context"
	"net/http"
	"time"

	"github.com/Sternrassler/dataverse-harvester/internal/config"
	"github.com/Sternrassler/dataverse-harvester/pkg/access"
	"github.com/Sternrassler/dataverse-harvester/pkg/cache"
	"github.com/Sternrassler/dataverse-harvester/pkg/catalog"
	"github.com/Sternrassler/dataverse-harvester/pkg/client"
	"github.com/Sternrassler/dataverse-harvester/pkg/harvest"
	"github.com/Sternrassler/dataverse-harvester/pkg/identity"
	"github.com/Sternrassler/dataverse-harvester/pkg/metrics"
	"github.com/Sternrassler/dataverse-harvester/pkg/pagination"
	"github.com/Sternrassler/dataverse-harvester/pkg/ratelimit"
	"github.com/Sternrassler/dataverse-harvester/pkg/sink"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// pushTimeout bounds the end-of-run Pushgateway push.
const pushTimeout = 10 * time.Second

// run executes one harvest. Only setup failures (client, identity, catalog,
// output directory) are returned; per-collection failures live in the summary.
func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	clientCfg, err := cfg.ClientConfig()
	if err != nil {
		return err
	}
	c, err := client.New(clientCfg)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create client")
		return err
	}

	base := cfg.BaseURL()
	logger.Info().
		Str("base_url", base).
		Int("concurrency", cfg.Concurrency).
		Int("page_size", cfg.PageSize).
		Str("output_dir", cfg.OutputDir).
		Msg("Starting harvest")

	who, err := identity.Bootstrap(ctx, c, base, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Identity bootstrap failed")
		return err
	}

	catalogExec, closeCache := catalogExecutor(ctx, c, cfg, clientCfg.Headers, logger)
	defer closeCache()

	cat, err := catalog.Fetch(ctx, catalogExec, catalog.URL(base), logger)
	if err != nil {
		logger.Error().Err(err).Msg("Catalog fetch failed")
		return err
	}
	defs := cat.List(cfg.Include, cfg.Exclude)
	logger.Info().Int("catalog", cat.Len()).Int("selected", len(defs)).Msg("Selected collections")

	fileSink, err := sink.NewFileSink(sink.Config{Dir: cfg.OutputDir})
	if err != nil {
		return err
	}

	h, err := harvest.New(harvest.Deps{
		Walker: pagination.NewWalker(c, pagination.Config{BaseURL: base, MaxPages: cfg.MaxPages}, logger),
		Prober: access.NewProber(c, access.Config{BaseURL: base}, logger),
		Sink:   fileSink,
	}, harvest.Config{
		Concurrency: cfg.Concurrency,
		PageSize:    cfg.PageSize,
		Probe:       cfg.Probe,
	}, logger)
	if err != nil {
		return err
	}

	summary := h.Run(ctx, defs, who.UserID)
	logSummary(logger, summary, c.Budget())

	pushMetrics(ctx, cfg, logger)
	return nil
}

// catalogExecutor puts the redis cache in front of c when redis is
// configured and reachable, scoped by the credentials in headers.
// Otherwise it returns c unchanged.
func catalogExecutor(ctx context.Context, c client.Executor, cfg config.Config, headers http.Header, logger zerolog.Logger) (client.Executor, func()) {
	if cfg.Redis.Addr == "" {
		return c, func() {}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	manager := cache.NewManager(rdb)
	if err := manager.Ping(ctx); err != nil {
		logger.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis unavailable, catalog cache disabled")
		_ = rdb.Close()
		return c, func() {}
	}

	logger.Debug().Str("addr", cfg.Redis.Addr).Dur("ttl", cfg.Catalog.CacheTTL).Msg("Catalog cache enabled")
	exec := cache.NewExecutor(c, manager, cfg.Catalog.CacheTTL, logger).
		WithScope(cache.ScopeFromHeaders(headers))
	return exec, func() { _ = rdb.Close() }
}

func logSummary(logger zerolog.Logger, summary *harvest.Summary, budget ratelimit.BudgetState) {
	event := logger.Info()
	if summary.Failed() > 0 {
		event = logger.Warn()
	}
	failures := zerolog.Dict()
	for kind, n := range summary.FailuresByKind() {
		failures.Int(string(kind), n)
	}
	event.
		Str("run_id", summary.RunID).
		Int("collections", len(summary.Outcomes)).
		Int("completed", summary.Completed()).
		Int("failed", summary.Failed()).
		Int("record_count", summary.Records()).
		Dict("failures", failures).
		Dur("duration", summary.Duration()).
		Int("burst_remaining", budget.BurstRemaining).
		Msg("Harvest finished")
}

func pushMetrics(ctx context.Context, cfg config.Config, logger zerolog.Logger) {
	pc := metrics.PushConfig{
		URL:      cfg.Metrics.Pushgateway,
		Job:      cfg.Metrics.Job,
		Instance: cfg.Host(),
	}
	if !pc.Enabled() {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pushTimeout)
	defer cancel()
	if err := metrics.Push(ctx, pc, metrics.Gatherer); err != nil {
		logger.Warn().Err(err).Str("pushgateway", pc.URL).Msg("Metrics push failed")
		return
	}
	logger.Debug().Str("pushgateway", pc.URL).Msg("Metrics pushed")
}
