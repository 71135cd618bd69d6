package manager

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPWorkerClientLaunch(t *testing.T) {
	var got LaunchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/start-onboarding" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %s", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"job_id": "job-42", "status": "running"}) //nolint:errcheck
	}))
	defer srv.Close()

	c := NewHTTPWorkerClient(srv.URL, 0, nil)
	res, err := c.LaunchOnboardingJob(context.Background(), LaunchRequest{
		UserID:      "u1",
		TenantID:    "acme",
		ThreadKey:   "onb",
		MandatePath: "mandates/acme",
	})
	if err != nil {
		t.Fatalf("LaunchOnboardingJob: %v", err)
	}
	if res.JobID != "job-42" || res.Status != "running" {
		t.Fatalf("launch result = %+v", res)
	}
	if got.MandatePath != "mandates/acme" || got.ThreadKey != "onb" {
		t.Fatalf("request body = %+v", got)
	}
}

func TestHTTPWorkerClientLaunchRejectsMissingJobID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "running"}) //nolint:errcheck
	}))
	defer srv.Close()

	c := NewHTTPWorkerClient(srv.URL, 0, nil)
	if _, err := c.LaunchOnboardingJob(context.Background(), LaunchRequest{UserID: "u1"}); err == nil {
		t.Fatal("expected error for a receipt without job_id")
	}
}

func TestHTTPWorkerClientLaunchSurfacesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewHTTPWorkerClient(srv.URL, 0, nil)
	if _, err := c.LaunchOnboardingJob(context.Background(), LaunchRequest{UserID: "u1"}); err == nil {
		t.Fatal("expected error for a 502 launch")
	}
}

func TestHTTPWorkerClientStop(t *testing.T) {
	var body struct {
		JobIDs       []string `json:"job_ids"`
		MandatesPath string   `json:"mandates_path"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stop-onboarding/job-7" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewHTTPWorkerClient(srv.URL, 0, nil)
	status, err := c.StopOnboarding(context.Background(), StopRequest{
		JobID:        "job-7",
		JobIDs:       []string{"job-7", "job-8"},
		MandatesPath: "mandates/acme",
	})
	if err != nil {
		t.Fatalf("StopOnboarding: %v", err)
	}
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if len(body.JobIDs) != 2 || body.MandatesPath != "mandates/acme" {
		t.Fatalf("stop body = %+v", body)
	}
}

func TestHTTPWorkerClientStopReportsWorkerStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewHTTPWorkerClient(srv.URL, 0, nil)
	status, err := c.StopOnboarding(context.Background(), StopRequest{JobID: "gone"})
	if err == nil {
		t.Fatal("expected error for a 404 stop")
	}
	if status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 passed through", status)
	}

	if _, err := c.StopOnboarding(context.Background(), StopRequest{}); err == nil {
		t.Fatal("expected error for missing job_id")
	}
}
