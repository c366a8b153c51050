// Command agentwatchd runs the agentwatch fleet-monitoring service: it
// ingests hook events over HTTP, maintains the AgentRegistry, and fans
// state changes out to dashboards over the REST and websocket surfaces.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"go.opentelemetry.io/otel"

	"github.com/agentwatch/agentwatch/internal/broadcast"
	"github.com/agentwatch/agentwatch/internal/config"
	"github.com/agentwatch/agentwatch/internal/registry"
	"github.com/agentwatch/agentwatch/internal/retention"
	"github.com/agentwatch/agentwatch/internal/router"
	"github.com/agentwatch/agentwatch/internal/sanitize"
	"github.com/agentwatch/agentwatch/internal/store"
	"github.com/agentwatch/agentwatch/internal/store/memory"
	"github.com/agentwatch/agentwatch/internal/store/redisstore"
	"github.com/agentwatch/agentwatch/internal/telemetry"
	transporthttp "github.com/agentwatch/agentwatch/internal/transport/http"
	transportws "github.com/agentwatch/agentwatch/internal/transport/ws"
)

// Version information, set via ldflags during build.
var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "agentwatchd",
		Short: "agentwatch fleet-monitoring daemon",
	}
	root.PersistentFlags().String("env-prefix", "AGENTWATCH", "prefix applied to environment variable lookups")
	root.PersistentFlags().Bool("debug", false, "enable debug-level logging")
	root.AddCommand(serveCmd())
	root.AddCommand(versionCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("agentwatchd %s (%s)\n", Version, Commit)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the ingestion, query, and subscriber surfaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix, _ := cmd.Flags().GetString("env-prefix")
			debug, _ := cmd.Flags().GetBool("debug")
			return serve(prefix, debug)
		},
	}
}

func serve(envPrefix string, debug bool) error {
	cfg, err := config.Load(envPrefix)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx := telemetry.NewContext(context.Background(), debug)
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	promReg := prometheus.NewRegistry()
	telemetry.Register(promReg)

	st, sink, err := newStore(cfg)
	if err != nil {
		return fmt.Errorf("constructing store: %w", err)
	}

	reg := registry.New(st, cfg.MaxLogsPerAgent, sanitize.Options{
		MaxStringLen: cfg.MaxStringLen,
		MaxDepth:     cfg.MaxSanitizeDepth,
	})
	if err := reg.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconciling registry from store: %w", err)
	}

	bc := broadcast.New(cfg.MaxSubscriberQueue)
	bc.Sink = sink
	rt := router.New(reg, bc)

	worker := retention.New(rt, cfg.RetentionInterval, cfg.CompletedTTL, cfg.IdleTTL)
	go worker.Run(ctx)

	httpSrv := transporthttp.New(rt, cfg.IngestionDeadline, bc.Count)
	wsEndpoint := transportws.New(bc, cfg.PingInterval, cfg.PongDeadline)

	mux := http.NewServeMux()
	mux.Handle("/", httpSrv.Handler())
	mux.Handle("/subscribe", wsEndpoint)

	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		telemetry.Info(ctx, "agentwatchd listening", telemetry.KV{K: "address", V: cfg.ListenAddress})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		telemetry.Info(ctx, "shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// newStore constructs the configured Store backend. When external-kv is
// selected it also returns a broadcast sink mirroring every published
// message to Redis Pub/Sub; for memory it returns a nil sink.
func newStore(cfg *config.Config) (store.Store, func(ctx context.Context, msg broadcast.Message), error) {
	switch cfg.StoreBackend {
	case config.BackendExternalKV:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return redisstore.NewFromClient(client), redisstore.NewSink(client), nil
	default:
		return memory.New(), nil, nil
	}
}
