package manager

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// DefaultStopTimeout bounds the stop-onboarding HTTP round trip.
const DefaultStopTimeout = 30 * time.Second

// LaunchRequest asks the worker service to start an onboarding job for a
// thread.
type LaunchRequest struct {
	UserID      string `json:"user_id"`
	TenantID    string `json:"tenant_id"`
	ThreadKey   string `json:"thread_key"`
	MandatePath string `json:"mandate_path"`
}

// LaunchResult is the worker's launch receipt.
type LaunchResult struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// StopRequest asks the worker service to stop one or more onboarding jobs.
// JobID addresses the endpoint; JobIDs travels in the body so the worker
// can fan the stop out to siblings.
type StopRequest struct {
	JobID        string
	JobIDs       []string
	MandatesPath string
}

// WorkerClient is the port to the long-running worker service. The HTTP
// implementation talks to the real service; tests use a recording fake.
type WorkerClient interface {
	LaunchOnboardingJob(ctx context.Context, req LaunchRequest) (LaunchResult, error)
	// StopOnboarding returns the worker's HTTP status even on error so
	// callers can report it.
	StopOnboarding(ctx context.Context, req StopRequest) (int, error)
}

// HTTPWorkerClient implements WorkerClient against the worker service's
// REST surface.
type HTTPWorkerClient struct {
	base   string
	client *http.Client
	logger *slog.Logger
}

// NewHTTPWorkerClient builds a client for the worker base URL. Timeout
// defaults to DefaultStopTimeout.
func NewHTTPWorkerClient(baseURL string, timeout time.Duration, logger *slog.Logger) *HTTPWorkerClient {
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPWorkerClient{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// LaunchOnboardingJob starts a job and returns its receipt.
func (c *HTTPWorkerClient) LaunchOnboardingJob(ctx context.Context, req LaunchRequest) (LaunchResult, error) {
	status, body, err := c.post(ctx, c.base+"/start-onboarding", req)
	if err != nil {
		return LaunchResult{}, err
	}
	if status != http.StatusOK && status != http.StatusAccepted {
		return LaunchResult{}, fmt.Errorf("worker launch returned %d", status)
	}
	var res LaunchResult
	if err := json.Unmarshal(body, &res); err != nil {
		return LaunchResult{}, fmt.Errorf("decode launch response: %w", err)
	}
	if res.JobID == "" {
		return LaunchResult{}, errors.New("worker launch response carries no job_id")
	}
	if res.Status == "" {
		res.Status = "queued"
	}
	return res, nil
}

// StopOnboarding posts the stop request. 200 and 202 are both success;
// anything else returns the status alongside the error.
func (c *HTTPWorkerClient) StopOnboarding(ctx context.Context, req StopRequest) (int, error) {
	if req.JobID == "" {
		return 0, errors.New("stop onboarding: job_id is required")
	}
	payload := map[string]any{
		"job_ids":       req.JobIDs,
		"mandates_path": req.MandatesPath,
	}
	status, _, err := c.post(ctx, fmt.Sprintf("%s/stop-onboarding/%s", c.base, req.JobID), payload)
	if err != nil {
		return status, err
	}
	if status != http.StatusOK && status != http.StatusAccepted {
		return status, fmt.Errorf("worker stop returned %d", status)
	}
	return status, nil
}

func (c *HTTPWorkerClient) post(ctx context.Context, url string, payload any) (int, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("encode worker request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("worker request %s: %w", url, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read worker response: %w", err)
	}
	return resp.StatusCode, data, nil
}
