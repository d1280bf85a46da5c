package observability

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestReadyz(t *testing.T) {
	s := NewServer(":0")
	storeUp := true
	s.AddReadyCheck("store", func(ctx context.Context) error {
		if !storeUp {
			return errors.New("connection refused")
		}
		return nil
	})

	ts := httptest.NewServer(s.server.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 while dependencies are up, got %d", resp.StatusCode)
	}

	storeUp = false
	resp, err = http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz request failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503 while the store is down, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "store") {
		t.Errorf("expected failing check name in body, got %q", string(body))
	}
}

func TestHealthzAlwaysOK(t *testing.T) {
	s := NewServer(":0")
	s.AddReadyCheck("store", func(ctx context.Context) error {
		return errors.New("down")
	})

	ts := httptest.NewServer(s.server.Handler)
	defer ts.Close()

	// Liveness stays green even when dependencies fail; only readiness
	// routes traffic away.
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}
