package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/recsys-proxy-cache/recsys-proxy-cache/api"
	"github.com/recsys-proxy-cache/recsys-proxy-cache/proxy"
	"github.com/recsys-proxy-cache/recsys-proxy-cache/proxy/backend"
	"github.com/recsys-proxy-cache/recsys-proxy-cache/proxy/lfu"
)

var envFile string // Optional .env file loaded before reading configuration

// serveCmd runs the caching proxy
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve cached scores over gRPC (and optionally HTTP)",
	Run: func(cmd *cobra.Command, args []string) {
		loadEnvFile(envFile)
		cfg, err := loadServeConfig(cmd.Flags(), configFile)
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		handler, err := buildHandler(cfg)
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		if err := serve(cmd.Context(), cfg, handler); err != nil {
			logrus.Fatalf("%v", err)
		}
	},
}

// buildHandler wires cache, backend, resolver and handler from cfg. The cache
// is created once here and shared by every request.
func buildHandler(cfg *ServeConfig) (*proxy.Handler, error) {
	var rules *proxy.CardinalityRules
	if cfg.HighCardinalityKeys != "" {
		var err error
		rules, err = proxy.LoadCardinalityRules(cfg.HighCardinalityKeys)
		if err != nil {
			return nil, err
		}
		logrus.Infof("Loaded %d high-cardinality context keys: %v", rules.Len(), rules.Keys())
	}

	cache, err := lfu.New(cfg.CacheCapacity,
		lfu.WithShards(cfg.CacheShards),
		lfu.WithEvictionHook(func(k lfu.Key, score float64) {
			logrus.Tracef("evicted %s (score %v)", k, score)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("creating score cache: %w", err)
	}

	scorer, err := backend.New(backend.Config{
		Name:    cfg.Backend,
		Target:  cfg.Target,
		Token:   cfg.Token,
		Timeout: cfg.BackendTimeout,
		Batch:   cfg.BackendBatch,
	})
	if err != nil {
		return nil, err
	}

	policy, err := proxy.ParseFailurePolicy(cfg.FailurePolicy)
	if err != nil {
		return nil, err
	}

	resolver := proxy.NewResolver(cache, scorer, proxy.ResolverOptions{
		Fingerprinter:  proxy.NewFingerprinter(rules),
		MaxConcurrency: cfg.MaxConcurrency,
		ScoreTimeout:   cfg.ScoreTimeout,
	})
	logrus.Infof("Score cache: capacity=%d shards=%d backend=%s policy=%s",
		cache.Capacity(), cache.Shards(), cfg.Backend, policy)
	return proxy.NewHandler(resolver, policy, cfg.DefaultScore), nil
}

// serve runs the gRPC server, and the HTTP gateway if configured, until ctx
// ends or the process receives SIGINT/SIGTERM.
func serve(ctx context.Context, cfg *ServeConfig, handler *proxy.Handler) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := api.NewServer(handler, &api.ServerConfig{
		Address:        cfg.Listen,
		MaxRecvMsgSize: api.DefaultServerConfig().MaxRecvMsgSize,
		MaxSendMsgSize: api.DefaultServerConfig().MaxSendMsgSize,
	})
	if err != nil {
		return err
	}
	if err := srv.StartAsync(cfg.Listen); err != nil {
		return err
	}

	var gateway *api.Gateway
	if cfg.HTTPListen != "" {
		gateway = api.NewGateway(handler)
		go func() {
			if err := gateway.Listen(cfg.HTTPListen); err != nil {
				logrus.Errorf("HTTP gateway stopped: %v", err)
				stop()
			}
		}()
	}

	<-ctx.Done()
	logrus.Info("Shutting down")
	if gateway != nil {
		if err := gateway.Shutdown(); err != nil {
			logrus.Warnf("HTTP gateway shutdown: %v", err)
		}
	}
	srv.Stop()

	logFinalStats(handler, srv.Uptime())
	return nil
}

func logFinalStats(handler *proxy.Handler, uptime time.Duration) {
	resolver := handler.Resolver()
	cs := resolver.Cache().Stats()
	bs := resolver.Stats()
	logrus.WithFields(logrus.Fields{
		"uptime":         uptime.Round(time.Second),
		"size":           cs.Size,
		"capacity":       cs.Capacity,
		"hits":           cs.Hits,
		"misses":         cs.Misses,
		"hit_rate":       fmt.Sprintf("%.3f", cs.HitRate()),
		"evictions":      cs.Evictions,
		"backend_calls":  bs.BackendCalls,
		"backend_errors": bs.BackendErrors,
		"coalesced":      bs.Coalesced,
	}).Info("Final cache stats")
}

// defaultCacheShards spreads cache locking across several shards per CPU.
func defaultCacheShards() int { return runtime.GOMAXPROCS(0) * 4 }

// addServeFlags declares the flags that loadServeConfig binds into viper.
func addServeFlags(fs *pflag.FlagSet) {
	// Listeners
	fs.String("listen", ":50051", "gRPC listen address")
	fs.String("http-listen", "", "HTTP gateway listen address (disabled if empty)")

	// Scoring backend
	fs.String("backend", backend.NameReference, "Scoring backend (http, reference)")
	fs.String("target", "", "Backend base URL (http backend; also RECSYS_TARGET)")
	fs.String("token", "", "Bearer token sent to the backend")
	fs.Duration("backend-timeout", backend.DefaultHTTPTimeout, "HTTP client timeout for backend calls")
	fs.Bool("backend-batch", false, "Score all misses of a request in one POST to /v1/score/batch (http backend)")

	// Cache and resolution
	fs.Int("cache-capacity", 100000, "Maximum number of cached scores (must be positive)")
	fs.Int("cache-shards", defaultCacheShards(), "Independently locked cache shards, clamped to the capacity (1 = exact global LFU)")
	fs.Int("max-concurrency", proxy.DefaultMaxConcurrency, "Maximum concurrent backend calls")
	fs.Duration("score-timeout", 500*time.Millisecond, "Deadline for one backend call (0 = none)")
	fs.String("failure-policy", string(proxy.FailurePolicyReport), "How failed items are returned (report, substitute)")
	fs.Float64("default-score", 0, "Score returned for items whose scoring failed")
	fs.String("high-cardinality-keys", "", "YAML file listing context keys to hash and bucket")
}

func init() {
	serveCmd.Flags().StringVar(&envFile, "env-file", ".env", "Optional .env file with RECSYS_PROXY_* settings")
	addServeFlags(serveCmd.Flags())
	rootCmd.AddCommand(serveCmd)
}
