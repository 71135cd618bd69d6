package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/pinnokio/brain/internal/agent"
	"github.com/pinnokio/brain/internal/agent/providers"
	"github.com/pinnokio/brain/internal/approvals"
	"github.com/pinnokio/brain/internal/cache"
	"github.com/pinnokio/brain/internal/config"
	"github.com/pinnokio/brain/internal/gateway"
	"github.com/pinnokio/brain/internal/listener"
	"github.com/pinnokio/brain/internal/manager"
	"github.com/pinnokio/brain/internal/metrics"
	"github.com/pinnokio/brain/internal/rtdb"
	"github.com/pinnokio/brain/internal/scheduler"
	"github.com/pinnokio/brain/internal/sessions"
)

const maxCallbackBytes = 1 << 20

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the brain service",
		Long: `Start the brain service with the configured provider and stores.

The server exposes:
  /ws                  client WebSocket endpoint (events out, RPC in)
  /callbacks/workflow  worker long-process result callbacks (POST)
  /healthz             liveness probe
  /metrics             Prometheus collectors, on the metrics port

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  braind serve

  # Start with custom config and debug logging
  braind serve --config /etc/pinnokio/braind.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "braind.yaml",
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	configureLogging(cfg.Logging, debug)

	slog.Info("starting braind",
		"version", version,
		"commit", commit,
		"config", configPath,
		"provider", cfg.LLM.DefaultProvider,
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}

	errCh := make(chan error, 2)
	if err := a.start(ctx, errCh); err != nil {
		a.stop(context.Background())
		return err
	}

	slog.Info("braind started",
		"addr", a.httpAddr,
		"metrics_addr", a.metricsAddr,
		"scheduler", cfg.Scheduler.Enabled,
	)

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, initiating graceful shutdown")
	case err := <-errCh:
		slog.Error("server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	a.stop(shutdownCtx)

	slog.Info("braind stopped")
	return nil
}

// configureLogging rebuilds the default logger from the loaded config.
// The --debug flag wins over the configured level.
func configureLogging(cfg config.LoggingConfig, debug bool) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// app is the assembled service: every component wired, servers not yet
// listening.
type app struct {
	cfg      *config.Config
	hub      *gateway.Hub
	manager  *manager.Manager
	registry *sessions.Registry
	sched    *scheduler.Scheduler

	httpAddr    string
	metricsAddr string

	httpServer    *http.Server
	metricsServer *http.Server

	closers []func()
}

// buildApp wires the component graph from the configuration. The realtime
// database uses the in-memory driver; production deployments replace it by
// embedding the packages with their own rtdb.Client.
func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	store := rtdb.NewMemoryClient()

	var closers []func()
	var cacheStore cache.Store
	if cfg.Redis.Addr != "" {
		redis, err := cache.NewRedisStore(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		closers = append(closers, func() { _ = redis.Close() })
		cacheStore = redis
	} else {
		cacheStore = cache.NewMemoryStore()
	}

	providerCfg, ok := cfg.LLM.Providers[cfg.LLM.DefaultProvider]
	if !ok {
		return nil, fmt.Errorf("llm.providers has no entry for default provider %q", cfg.LLM.DefaultProvider)
	}
	provider, err := providers.New(providers.Options{
		Type:    providerCfg.Type,
		APIKey:  providerCfg.APIKey,
		BaseURL: providerCfg.BaseURL,
		Model:   providerCfg.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("build llm provider: %w", err)
	}

	mtr := metrics.New()
	summarizer := agent.NewSummarizer(provider, cfg.Workflow.SummaryMaxTokens)
	workflow := agent.NewWorkflow(provider, summarizer, agent.WorkflowConfig{
		MaxTurns:    cfg.Workflow.MaxTurns,
		TokenBudget: cfg.Workflow.TokenBudget,
		MaxTokens:   providerCfg.MaxTokens,
	}, slog.Default())

	registry, err := sessions.NewRegistry(sessions.RegistryConfig{
		Contexts:   sessions.NewRTDBContextStore(store),
		Cache:      cacheStore,
		ContextTTL: cfg.Redis.ContextTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("build session registry: %w", err)
	}

	// The hub needs a dispatcher at construction and the manager needs
	// the hub; the proxy breaks the ordering.
	proxy := &dispatchProxy{}
	hub := gateway.NewHub(gateway.HubConfig{
		Buffer:     cacheStore,
		BufferTTL:  cfg.Gateway.BufferTTL,
		JWTSecret:  cfg.Gateway.JWTSecret,
		SendBuffer: cfg.Gateway.SendBuffer,
		Dispatcher: proxy,
	})

	broker, err := approvals.NewBroker(approvals.BrokerConfig{
		RTDB:      store,
		Publisher: hub,
		Timeout:   cfg.Approvals.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("build approval broker: %w", err)
	}

	engine, err := listener.NewEngine(listener.Config{
		RTDB:        store,
		Publisher:   hub,
		Synthesizer: workflow,
	})
	if err != nil {
		return nil, fmt.Errorf("build listener engine: %w", err)
	}

	var worker manager.WorkerClient
	if cfg.Workers.OnboardingBaseURL != "" {
		worker = manager.NewHTTPWorkerClient(cfg.Workers.OnboardingBaseURL, cfg.Workers.StopTimeout, slog.Default())
	}

	tasks := scheduler.NewRTDBTaskStore(store)
	mgr, err := manager.New(manager.Config{
		Registry:        registry,
		Store:           store,
		Hub:             hub,
		Approvals:       broker,
		Listener:        engine,
		Workflow:        workflow,
		Worker:          worker,
		Contexts:        manager.NewRTDBContextStore(store),
		Tasks:           tasks,
		Metrics:         mtr,
		Model:           providerCfg.Model,
		AssistantSender: cfg.Workflow.AssistantSender,
	})
	if err != nil {
		return nil, fmt.Errorf("build manager: %w", err)
	}
	proxy.bind(mgr)

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched = scheduler.New(tasks, mgr, scheduler.Config{})
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	mux.HandleFunc("/callbacks/workflow", workflowCallbackHandler(mgr))
	mux.HandleFunc("/healthz", handleHealthz)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort)

	return &app{
		cfg:         cfg,
		hub:         hub,
		manager:     mgr,
		registry:    registry,
		sched:       sched,
		httpAddr:    httpAddr,
		metricsAddr: metricsAddr,
		httpServer: &http.Server{
			Addr:              httpAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		metricsServer: &http.Server{
			Addr:              metricsAddr,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		closers: closers,
	}, nil
}

// start opens the listeners and launches the scheduler. Serve errors
// arrive on errCh.
func (a *app) start(ctx context.Context, errCh chan<- error) error {
	if a.sched != nil {
		if err := a.sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
	}

	for _, srv := range []*http.Server{a.httpServer, a.metricsServer} {
		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", srv.Addr, err)
		}
		srv := srv
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("serve %s: %w", srv.Addr, err)
			}
		}()
	}
	return nil
}

// stop unwinds the service: no new requests, then the scheduler, then
// in-flight streams, then session callback loops, then live sockets.
func (a *app) stop(ctx context.Context) {
	for _, srv := range []*http.Server{a.httpServer, a.metricsServer} {
		if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			slog.Warn("http shutdown", "addr", srv.Addr, "error", err)
		}
	}
	if a.sched != nil {
		if err := a.sched.Stop(ctx); err != nil {
			slog.Warn("scheduler stop", "error", err)
		}
	}
	a.manager.Close()
	a.registry.Close()
	a.hub.Close()
	for _, fn := range a.closers {
		fn()
	}
}

// dispatchProxy lets the hub be constructed before the manager that will
// serve its control-plane requests.
type dispatchProxy struct {
	mgr atomic.Pointer[manager.Manager]
}

func (p *dispatchProxy) bind(m *manager.Manager) { p.mgr.Store(m) }

func (p *dispatchProxy) Dispatch(ctx context.Context, method string, params json.RawMessage) (any, error) {
	m := p.mgr.Load()
	if m == nil {
		return nil, errors.New("service is starting")
	}
	return m.Dispatch(ctx, method, params)
}

// workflowCallbackHandler adapts worker HTTP callbacks onto the manager.
// A busy thread answers 409; workers retry with backoff.
func workflowCallbackHandler(mgr *manager.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var cb manager.WorkflowCallback
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCallbackBytes)).Decode(&cb); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid payload"})
			return
		}

		res, err := mgr.HandleWorkflowCallback(r.Context(), cb)
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, agent.ErrStreamActive) {
				status = http.StatusConflict
			}
			writeJSON(w, status, map[string]any{"success": false, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "version": version})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Warn("write response", "error", err)
	}
}
