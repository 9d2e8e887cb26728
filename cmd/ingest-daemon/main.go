// Command ingest-daemon runs the ladder ingestion engine: periodic update
// cycles across all regions, health snapshots, automatic redirect review,
// and a Prometheus metrics endpoint.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.uber.org/fx"

	"github.com/ladderstats/ingest/pkg/alternative"
	"github.com/ladderstats/ingest/pkg/api"
	"github.com/ladderstats/ingest/pkg/health"
	"github.com/ladderstats/ingest/pkg/logging"
	"github.com/ladderstats/ingest/pkg/ratelimit"
	"github.com/ladderstats/ingest/pkg/region"
	"github.com/ladderstats/ingest/pkg/stale"
	"github.com/ladderstats/ingest/pkg/storage"
	"github.com/ladderstats/ingest/pkg/update"
)

func main() {
	app := fx.New(
		fx.Provide(
			newLogger,
			LoadConfig,
			newRedis,
			newSQLite,
			newLadderStore,
			newVarStore,
			newEventSink,
			newHealthRegistry,
			newRegionalClient,
			newLimiters,
			newFetcher,
			newDiscovery,
			newDetector,
			newOrchestrator,
		),
		fx.Invoke(runDaemon),
	)
	app.Run()
}

func newLogger() zerolog.Logger {
	cfg := logging.DefaultConfig()
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		cfg.Level = logging.LogLevel(lvl)
	}
	if os.Getenv("LOG_PRETTY") == "true" {
		cfg.Pretty = true
	}
	return logging.Setup(cfg)
}

// newRedis connects to Redis. A failed ping downgrades the daemon to local
// state rather than refusing to start: nil is a valid result.
func newRedis(cfg *Config, logger zerolog.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Str("addr", cfg.RedisAddr).
			Msg("redis unreachable, falling back to in-memory state and dropped events")
		return nil
	}
	logger.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")
	return client
}

func newSQLite(cfg *Config, logger zerolog.Logger, lc fx.Lifecycle) (*sql.DB, error) {
	db, err := storage.OpenSQLite(cfg.SQLitePath, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return db.Close() },
	})
	return db, nil
}

func newLadderStore(db *sql.DB, logger zerolog.Logger) storage.LadderStore {
	return storage.NewSQLiteStore(db, logger)
}

func newVarStore(redisClient *redis.Client) storage.VarStore {
	if redisClient == nil {
		return storage.NewMemoryVarStore()
	}
	return storage.NewRedisVarStore(redisClient)
}

func newEventSink(redisClient *redis.Client, logger zerolog.Logger) storage.EventSink {
	if redisClient == nil {
		return storage.NopEventSink{}
	}
	return storage.NewRedisEventSink(redisClient, logger)
}

func newHealthRegistry(vars storage.VarStore, logger zerolog.Logger) *health.Registry {
	return health.NewRegistry(context.Background(), vars, logger)
}

func newRegionalClient(cfg *Config, vars storage.VarStore, reg *health.Registry, logger zerolog.Logger) *api.RegionalClient {
	clientCfg := api.DefaultConfig()
	clientCfg.BaseURLs = cfg.BaseURLs
	return api.NewRegionalClient(context.Background(), vars, reg, clientCfg, logger)
}

// newLimiters builds the per-region request budgets. Shared mode hands every
// region the same limiter so the whole daemon competes for one budget.
func newLimiters(cfg *Config, logger zerolog.Logger) map[region.Region]*ratelimit.HeaderLimiter {
	webCap := cfg.LimiterCap / 10
	if webCap < 1 {
		webCap = 1
	}

	limiters := make(map[region.Region]*ratelimit.HeaderLimiter)
	if cfg.SharedLimiter {
		shared := ratelimit.NewHeaderLimiter("shared", cfg.LimiterCap, logger)
		shared.AddPriorityLimiter(api.PriorityWeb, webCap)
		for _, r := range region.All() {
			limiters[r] = shared
		}
		return limiters
	}
	for _, r := range region.All() {
		l := ratelimit.NewHeaderLimiter(r.String(), cfg.LimiterCap, logger)
		l.AddPriorityLimiter(api.PriorityWeb, webCap)
		limiters[r] = l
	}
	return limiters
}

func newFetcher(client *api.RegionalClient, limiters map[region.Region]*ratelimit.HeaderLimiter, reg *health.Registry, logger zerolog.Logger) *api.Fetcher {
	return api.NewFetcher(client, limiters, reg, logger)
}

func newDiscovery(fetcher *api.Fetcher, logger zerolog.Logger) *alternative.Discovery {
	return alternative.NewDiscovery(fetcher, alternative.Config{}, logger)
}

func newDetector(vars storage.VarStore, discovery *alternative.Discovery, logger zerolog.Logger) *stale.Detector {
	return stale.NewDetector(vars, discovery, stale.Config{}, logger)
}

func newOrchestrator(
	fetcher *api.Fetcher,
	discovery *alternative.Discovery,
	detector *stale.Detector,
	store storage.LadderStore,
	vars storage.VarStore,
	events storage.EventSink,
	cfg *Config,
	logger zerolog.Logger,
) *update.Orchestrator {
	return update.NewOrchestrator(fetcher, discovery, detector, store, vars, events,
		update.Config{SeedSeasonID: cfg.SeedSeasonID}, logger)
}

// runDaemon starts the periodic work and the metrics endpoint, tied to the
// fx lifecycle for graceful shutdown.
func runDaemon(
	lc fx.Lifecycle,
	cfg *Config,
	orch *update.Orchestrator,
	client *api.RegionalClient,
	healthReg *health.Registry,
	logger zerolog.Logger,
) {
	updateTicker := ratelimit.NewTicker("update", cfg.UpdateInterval, orch.RunCycle, logger)
	healthTicker := ratelimit.NewTicker("health", cfg.HealthInterval, healthReg.UpdateAll, logger)
	redirectTicker := ratelimit.NewTicker("redirect", cfg.RedirectInterval, client.AutoForceRegion, logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", healthHandler(healthReg))
	server := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			// Tickers outlive the start hook; they stop via OnStop, not
			// via the hook's context.
			updateTicker.Start(context.Background())
			healthTicker.Start(context.Background())
			redirectTicker.Start(context.Background())

			go func() {
				logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics endpoint listening")
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error().Err(err).Msg("metrics endpoint failed")
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			updateTicker.Stop()
			healthTicker.Stop()
			redirectTicker.Stop()
			return server.Shutdown(ctx)
		},
	})
}

// healthHandler reports per-region health for both endpoint classes.
func healthHandler(registry *health.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		type regionHealth struct {
			Region string  `json:"region"`
			API    float64 `json:"api"`
			Web    float64 `json:"web"`
		}
		out := make([]regionHealth, 0, len(region.All()))
		for _, r := range region.All() {
			out = append(out, regionHealth{
				Region: r.String(),
				API:    registry.Monitor(r, health.ClassAPI).Health(),
				Web:    registry.Monitor(r, health.ClassWeb).Health(),
			})
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(out); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}
