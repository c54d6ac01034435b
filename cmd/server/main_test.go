package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vdavid/vmail-leases/internal/api"
	"github.com/vdavid/vmail-leases/internal/config"
	"github.com/vdavid/vmail-leases/internal/testutil"
)

func getTestConfig() *config.Config {
	return &config.Config{
		Environment:          "test",
		AdminToken:           "test-admin-token",
		Port:                 "0",
		LeakDetectionEnabled: "true",
		LeaseTimeoutMillis:   "60000",
		SweepIntervalMillis:  "10000",
	}
}

func newTestApp(t *testing.T, cfg *config.Config) *app {
	t.Helper()
	a, err := newApp(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("newApp failed: %v", err)
	}
	return a
}

func TestHandleRoot(t *testing.T) {
	a := newTestApp(t, getTestConfig())
	defer a.shutdown(context.Background())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()

	a.handler.ServeHTTP(w, req)

	res := w.Result()
	defer func(Body io.ReadCloser) {
		err := Body.Close()
		if err != nil {
			t.Fatalf("failed to close response body: %v", err)
		}
	}(res.Body)

	if res.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", res.StatusCode)
	}

	contentType := res.Header.Get("Content-Type")
	if contentType != "text/plain; charset=utf-8" {
		t.Errorf("expected Content-Type 'text/plain; charset=utf-8', got '%s'", contentType)
	}
}

func TestNewApp(t *testing.T) {
	t.Run("without database", func(t *testing.T) {
		a := newTestApp(t, getTestConfig())
		defer a.shutdown(context.Background())

		if a.pgHolder != nil || a.store != nil {
			t.Error("expected leak persistence to be disabled without a database password")
		}
		if !a.detector.Enabled() {
			t.Error("expected leak detection to be enabled")
		}

		req := httptest.NewRequest(http.MethodGet, "/api/v1/leaks", nil)
		req.Header.Set("Authorization", "Bearer test-admin-token")
		w := httptest.NewRecorder()
		a.handler.ServeHTTP(w, req)
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("expected status 503, got %d", w.Code)
		}
	})

	t.Run("with database", func(t *testing.T) {
		if testing.Short() {
			t.Skip("skipping database test in short mode")
		}
		pg := testutil.NewTestPostgres(t)

		cfg := getTestConfig()
		cfg.DBHost = pg.Host
		cfg.DBPort = pg.Port
		cfg.DBUsername = pg.Username
		cfg.DBPassword = pg.Password
		cfg.DBName = pg.Database
		cfg.DBSSLMode = "disable"

		a := newTestApp(t, cfg)
		defer a.shutdown(context.Background())

		if a.pgHolder == nil || !a.pgHolder.Published() {
			t.Fatal("expected the database pool to be published")
		}

		req := httptest.NewRequest(http.MethodGet, "/api/v1/holders", nil)
		req.Header.Set("Authorization", "Bearer test-admin-token")
		w := httptest.NewRecorder()
		a.handler.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", w.Code)
		}

		var resp api.HoldersResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if len(resp.Holders) != 1 || resp.Holders[0].Name != "postgres" {
			t.Errorf("expected only the postgres holder, got %+v", resp.Holders)
		}

		req = httptest.NewRequest(http.MethodGet, "/api/v1/leaks", nil)
		req.Header.Set("Authorization", "Bearer test-admin-token")
		w = httptest.NewRecorder()
		a.handler.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", w.Code)
		}
	})
}

func TestServe(t *testing.T) {
	a := newTestApp(t, getTestConfig())

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- a.serve(ctx, listener)
	}()

	res, err := http.Get("http://" + listener.Addr().String() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	_ = res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", res.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}

	if _, _, err := a.imapPool.GetClient(context.Background(), "alice", "localhost:1", "alice", "pw"); err == nil {
		t.Error("expected the IMAP pool to be closed after shutdown")
	}
}
