package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pinnokio/brain/internal/config"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"serve", "version"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestVersionCmdPrintsBuildInfo(t *testing.T) {
	cmd := buildVersionCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out.String(), "braind") {
		t.Fatalf("version output missing binary name: %q", out.String())
	}
}

func TestDispatchProxyBeforeBind(t *testing.T) {
	proxy := &dispatchProxy{}
	_, err := proxy.Dispatch(context.Background(), "GET_SESSION_CONTEXT", nil)
	if err == nil {
		t.Fatal("expected error before bind")
	}
	if !strings.Contains(err.Error(), "starting") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestHandleHealthz(t *testing.T) {
	rec := httptest.NewRecorder()
	handleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("status field = %v, want ok", body["status"])
	}
}

func TestBuildAppWiresComponents(t *testing.T) {
	cfg := testConfig()

	a, err := buildApp(context.Background(), cfg)
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	defer a.stop(context.Background())

	if a.manager == nil {
		t.Fatal("manager not wired")
	}
	if a.hub == nil {
		t.Fatal("hub not wired")
	}
	if a.sched == nil {
		t.Fatal("scheduler enabled in config but not built")
	}

	// The proxy must route to the bound manager once assembly finishes.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/callbacks/workflow",
		strings.NewReader(`{"user_id":"","tenant_id":""}`))
	a.httpServer.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("callback with empty ids: status = %d, want 400", rec.Code)
	}
}

func TestBuildAppRejectsUnknownProvider(t *testing.T) {
	cfg := testConfig()
	cfg.LLM.DefaultProvider = "missing"

	if _, err := buildApp(context.Background(), cfg); err == nil {
		t.Fatal("expected error for unconfigured default provider")
	}
}

func TestWorkflowCallbackHandlerRejectsNonPost(t *testing.T) {
	cfg := testConfig()
	a, err := buildApp(context.Background(), cfg)
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	defer a.stop(context.Background())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/callbacks/workflow", nil)
	a.httpServer.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestWorkflowCallbackHandlerRejectsBadJSON(t *testing.T) {
	cfg := testConfig()
	a, err := buildApp(context.Background(), cfg)
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	defer a.stop(context.Background())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/callbacks/workflow", strings.NewReader("{not json"))
	a.httpServer.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["success"] != false {
		t.Fatalf("success = %v, want false", body["success"])
	}
}

func TestConfigureLoggingHonorsDebugFlag(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	configureLogging(config.LoggingConfig{Level: "error"}, true)
	if !slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("--debug should force debug level")
	}

	configureLogging(config.LoggingConfig{Level: "warn"}, false)
	if slog.Default().Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("warn level should suppress info")
	}
}

func TestAppStopIsIdempotentPerComponent(t *testing.T) {
	cfg := testConfig()
	a, err := buildApp(context.Background(), cfg)
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.stop(ctx)
	if a.sched != nil && a.sched.IsRunning() {
		t.Fatal("scheduler still running after stop")
	}
}

func TestBuildAppStartServesHealthz(t *testing.T) {
	cfg := testConfig()
	// Port 0 binds an ephemeral port so parallel test runs do not collide.
	cfg.Server.Port = 0
	cfg.Server.MetricsPort = 0

	a, err := buildApp(context.Background(), cfg)
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}

	errCh := make(chan error, 2)
	if err := a.start(context.Background(), errCh); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.stop(ctx)
	}()

	select {
	case err := <-errCh:
		t.Fatalf("serve error: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 0, MetricsPort: 0},
		Gateway: config.GatewayConfig{
			JWTSecret: "test-secret",
			BufferTTL: time.Hour,
		},
		RTDB: config.RTDBConfig{Mode: "memory"},
		LLM: config.LLMConfig{
			DefaultProvider: "anthropic",
			Providers: map[string]config.ProviderConfig{
				"anthropic": {
					Type:   "anthropic",
					APIKey: "test-key",
					Model:  "claude-sonnet-4-5",
				},
			},
		},
		Approvals: config.ApprovalsConfig{Timeout: time.Minute},
		Workflow: config.WorkflowConfig{
			MaxTurns:         20,
			TokenBudget:      80000,
			SummaryMaxTokens: 500,
		},
		Scheduler: config.SchedulerConfig{Enabled: true},
		Logging:   config.LoggingConfig{Level: "error"},
	}
}
