package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/perplexistential/twitch-creamery/telemetry"
)

type fakeStatus map[string]string

func (f fakeStatus) Snapshot() map[string]string { return f }

func TestHealthz(t *testing.T) {
	telemetry.Init()
	srv := httptest.NewServer(NewMux(fakeStatus{}, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestReadyzWithoutDB(t *testing.T) {
	telemetry.Init()
	srv := httptest.NewServer(NewMux(fakeStatus{}, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	defer resp.Body.Close()
	// File-store deployments have no DB to ping; readiness is unconditional.
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestStatus(t *testing.T) {
	telemetry.Init()
	srv := httptest.NewServer(NewMux(fakeStatus{
		"creamery": "connected",
		"doomed":   "closed: not authorized",
	}, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Bots map[string]string `json:"bots"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Bots["creamery"] != "connected" {
		t.Errorf("bots = %v, want creamery connected", body.Bots)
	}
}

func TestMetricsExposed(t *testing.T) {
	telemetry.Init()
	srv := httptest.NewServer(NewMux(fakeStatus{}, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestCorrelationHeader(t *testing.T) {
	telemetry.Init()
	srv := httptest.NewServer(NewMux(fakeStatus{}, nil))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/healthz", nil)
	req.Header.Set("X-Correlation-Id", "corr-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("X-Correlation-Id"); got != "corr-123" {
		t.Errorf("echoed correlation id = %q, want corr-123", got)
	}

	// Requests without one get a generated id.
	resp2, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.Header.Get("X-Correlation-Id") == "" {
		t.Error("no correlation id generated")
	}
}
