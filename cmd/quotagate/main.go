// Command quotagate runs the API mediation gateway: admission-checked
// provider routes, the queue drainer, the prefetch orchestrator, the
// alert evaluator and the operator surface, all on one process.
//
// Exit codes: 0 normal, 2 invalid configuration, 3 store unreachable at
// start.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/quotagate/admission"
	"github.com/IvanBrykalov/quotagate/alerts"
	"github.com/IvanBrykalov/quotagate/config"
	"github.com/IvanBrykalov/quotagate/metrics"
	"github.com/IvanBrykalov/quotagate/metrics/prom"
	"github.com/IvanBrykalov/quotagate/middleware"
	"github.com/IvanBrykalov/quotagate/prefetch"
	"github.com/IvanBrykalov/quotagate/provider"
	"github.com/IvanBrykalov/quotagate/queue"
	"github.com/IvanBrykalov/quotagate/quota"
	"github.com/IvanBrykalov/quotagate/respcache"
	"github.com/IvanBrykalov/quotagate/store"
	"github.com/IvanBrykalov/quotagate/store/memory"
	"github.com/IvanBrykalov/quotagate/store/redis"
	"github.com/IvanBrykalov/quotagate/upstream"
	"github.com/IvanBrykalov/quotagate/upstream/httpapi"
	"github.com/IvanBrykalov/quotagate/window"
)

const (
	exitConfigInvalid    = 2
	exitStoreUnavailable = 3
)

// startupPingBudget bounds how long start waits for the store before
// giving up with exit code 3.
const startupPingBudget = 30 * time.Second

// recommendationOperation is the operation the prefetch planner warms for
// every provider that configures a cache TTL for it.
const recommendationOperation = "recommendations"

func main() {
	var (
		configPath = flag.String("config", envOr("QUOTAGATE_CONFIG", "config.yaml"), "configuration document path")
		envName    = flag.String("env", os.Getenv("QUOTAGATE_ENV"), "environments.{name} overlay to apply")
		listen     = flag.String("listen", envOr("QUOTAGATE_LISTEN", ":8080"), "HTTP listen address")
		debug      = flag.Bool("debug", false, "log at debug level")
	)
	upstreams := upstreamFlags{}
	flag.Var(&upstreams, "upstream", "provider=baseURL upstream endpoint (repeatable)")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	cfg, err := config.Load(*configPath, *envName)
	if err != nil {
		log.Error().Err(err).Str("path", *configPath).Msg("configuration invalid")
		os.Exit(exitConfigInvalid)
	}

	st, err := openStore(cfg)
	if err != nil {
		log.Error().Err(err).Msg("store setup failed")
		os.Exit(exitStoreUnavailable)
	}
	defer st.Close()

	if err := awaitStore(st, &log); err != nil {
		log.Error().Err(err).Str("connection", cfg.Store.Connection).Msg("store unreachable")
		os.Exit(exitStoreUnavailable)
	}

	if err := run(cfg, st, upstreams, *listen, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("gateway stopped")
		os.Exit(1)
	}
}

func run(cfg *config.Config, st store.Store, upstreams upstreamFlags, listen string, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Metrics fan out to Prometheus for scraping and to the store for the
	// alert evaluator.
	sink := metrics.NewStoreSink(st, metrics.StoreSinkOptions{Logger: &log})
	met := metrics.Multi(prom.New(nil, nil), sink)

	cache := respcache.New(st, cfg, respcache.Options{Logger: &log, Metrics: met})
	rate := window.New(st, cfg, window.Options{})
	ledger := quota.New(st, cfg, quota.Options{Logger: &log, Metrics: met})
	q := queue.New(st, cfg, queue.Options{Metrics: met, Rate: rate})
	coord := admission.New(st, cfg, cache, rate, ledger, admission.Options{
		Enqueuer: q,
		Logger:   &log,
		Metrics:  met,
	})

	reg := upstream.NewRegistry()
	for p, base := range upstreams {
		reg.Register(p, httpapi.New(httpapi.Options{
			BaseURL: base,
			Paths:   operationPaths(cfg, p),
			Logger:  &log,
		}))
		log.Info().Str("provider", p.String()).Str("base", base).Msg("upstream registered")
	}

	drainer := queue.NewDrainer(q, coord, reg, cfg, queue.DrainerOptions{Logger: &log, Metrics: met})
	warmer := prefetch.New(st, cfg, coord, reg, recommendationPlanner(cfg), prefetch.Options{Logger: &log})
	evaluator := alerts.New(st, cfg, alerts.Options{Logger: &log})

	mw := middleware.New(coord, reg, st, middleware.Options{Logger: &log})
	srv := &http.Server{Addr: listen, Handler: router(st, cache, evaluator, mw, log)}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sink.Run(ctx) })
	g.Go(func() error { return drainer.Run(ctx) })
	g.Go(func() error { return warmer.Run(ctx) })
	g.Go(func() error { return evaluator.Run(ctx) })
	g.Go(func() error { return healthProbe(ctx, st, cfg, log) })
	g.Go(func() error {
		log.Info().Str("addr", listen).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func router(st store.Store, cache *respcache.Cache, evaluator *alerts.Evaluator, mw *middleware.Middleware, log zerolog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		status := http.StatusOK
		body := gin.H{"store": "ok"}
		if err := st.Ping(c.Request.Context()); err != nil {
			status = http.StatusServiceUnavailable
			body["store"] = err.Error()
		}
		if alert, ok, err := evaluator.LastAlert(c.Request.Context()); err == nil && ok {
			body["last_alert"] = alert
		}
		c.JSON(status, body)
	})

	r.POST("/ops/invalidate", func(c *gin.Context) {
		var req struct {
			Prefix string `json:"prefix" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if !strings.HasPrefix(req.Prefix, store.CachePrefix) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "prefix must start with " + store.CachePrefix})
			return
		}
		n, err := cache.Invalidate(c.Request.Context(), req.Prefix)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		log.Info().Str("prefix", req.Prefix).Int("removed", n).Msg("cache invalidated by operator")
		c.JSON(http.StatusOK, gin.H{"removed": n})
	})

	api := r.Group("/api")
	api.Use(mw.Handle())
	api.GET("/:provider/:operation", mw.Proxy())

	return r
}

// healthProbe keeps a liveness view of the store in the logs. Admission
// reacts to outages on its own; the probe only makes them visible.
func healthProbe(ctx context.Context, st store.Store, cfg *config.Config, log zerolog.Logger) error {
	ticker := time.NewTicker(cfg.Store.HealthCheckInterval())
	defer ticker.Stop()

	healthy := true
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := st.Ping(ctx)
			switch {
			case err != nil && healthy:
				healthy = false
				log.Warn().Err(err).Msg("store unhealthy")
			case err == nil && !healthy:
				healthy = true
				log.Info().Msg("store recovered")
			}
		}
	}
}

func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.Store.Connection == "memory" {
		return memory.New(memory.Options{}), nil
	}
	return redis.New(redis.Options{URL: cfg.Store.Connection})
}

// awaitStore pings with exponential backoff so a gateway racing its store
// at boot does not flap.
func awaitStore(st store.Store, log *zerolog.Logger) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = startupPingBudget
	return backoff.RetryNotify(
		func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return st.Ping(ctx)
		},
		bo,
		func(err error, next time.Duration) {
			log.Warn().Err(err).Dur("retry_in", next).Msg("store ping failed")
		},
	)
}

// operationPaths maps every configured operation to a default URL path.
func operationPaths(cfg *config.Config, p provider.Provider) map[string]string {
	paths := make(map[string]string)
	for op := range cfg.OperationCosts[p] {
		paths[op] = "/" + op
	}
	return paths
}

// recommendationPlanner warms the recommendations operation for every
// provider that caches it.
func recommendationPlanner(cfg *config.Config) prefetch.Planner {
	return func(_ context.Context, user string) []prefetch.Target {
		var targets []prefetch.Target
		for _, p := range provider.All() {
			if _, ok := cfg.TTLFor(p, recommendationOperation); !ok {
				continue
			}
			targets = append(targets, prefetch.Target{
				Provider:  p,
				Operation: recommendationOperation,
				User:      user,
				Tier:      provider.Free,
				Params:    map[string]string{"user": user},
			})
		}
		return targets
	}
}

// upstreamFlags collects repeated -upstream provider=baseURL values.
type upstreamFlags map[provider.Provider]string

func (u *upstreamFlags) String() string {
	parts := make([]string, 0, len(*u))
	for p, base := range *u {
		parts = append(parts, p.String()+"="+base)
	}
	return strings.Join(parts, ",")
}

func (u *upstreamFlags) Set(v string) error {
	name, base, ok := strings.Cut(v, "=")
	if !ok {
		return fmt.Errorf("want provider=baseURL, got %q", v)
	}
	p, err := provider.Parse(name)
	if err != nil {
		return err
	}
	if *u == nil {
		*u = make(map[provider.Provider]string)
	}
	(*u)[p] = strings.TrimRight(base, "/")
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
