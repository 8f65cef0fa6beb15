package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/intake-bridge/internal/config"
	"github.com/ehr/intake-bridge/internal/domain/augment"
	"github.com/ehr/intake-bridge/internal/domain/extraction"
	"github.com/ehr/intake-bridge/internal/domain/queue"
	"github.com/ehr/intake-bridge/internal/platform/db"
	"github.com/ehr/intake-bridge/internal/platform/mapping"
	"github.com/ehr/intake-bridge/internal/platform/signing"
	"github.com/ehr/intake-bridge/internal/platform/telemetry"
)

func TestWriteSignature_Verifies(t *testing.T) {
	now := func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	body := []byte(`{"queue_id":"abc"}`)

	var buf bytes.Buffer
	writeSignature(&buf, http.MethodPost, "/augment", body, "s3cret", now)

	headers := map[string]string{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		k, v, ok := strings.Cut(line, ": ")
		if !ok {
			t.Fatalf("unexpected line %q", line)
		}
		headers[k] = v
	}
	if !signing.Verify(http.MethodPost, "/augment", headers[signing.HeaderTimestamp],
		headers[signing.HeaderSignature], body, "s3cret", now, time.Minute) {
		t.Errorf("printed headers do not verify: %v", headers)
	}
}

func TestValidateRoles(t *testing.T) {
	if err := validateRoles([]string{"worker", "operator"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := validateRoles(nil); err == nil {
		t.Error("expected error for no roles")
	}
	if err := validateRoles([]string{"physician"}); err == nil {
		t.Error("expected error for unknown role")
	}
}

func TestPrintMigrationStatus(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var buf bytes.Buffer
	printMigrationStatus(&buf, "public", []db.MigrationStatus{
		{Version: 1, Name: "work_items", Applied: true, AppliedAt: &at},
		{Version: 2, Name: "claim_index"},
	})
	out := buf.String()
	if !strings.Contains(out, "2026-01-02 03:04:05") || !strings.Contains(out, "pending") {
		t.Errorf("unexpected status output:\n%s", out)
	}
}

func TestOpenStore_SQLite(t *testing.T) {
	cfg := &config.Config{DBDriver: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "queue.db")}
	st, err := openStore(context.Background(), cfg)
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	defer st.close()

	if err := st.pinger.Ping(context.Background()); err != nil {
		t.Errorf("ping: %v", err)
	}
	if st.stats() == nil {
		t.Error("expected pool stats")
	}
}

func TestOpenStore_UnknownDriver(t *testing.T) {
	if _, err := openStore(context.Background(), &config.Config{DBDriver: "mysql"}); err == nil {
		t.Error("expected error for unknown driver")
	}
}

func testApp(t *testing.T) *app {
	t.Helper()
	cfg := &config.Config{
		Env:             "development",
		DBDriver:        "sqlite",
		DatabaseURL:     filepath.Join(t.TempDir(), "queue.db"),
		SigningSecret:   "s3cret",
		SignatureWindow: 5 * time.Minute,
		AugmentPath:     augment.DefaultPath,
		MappingURL:      "http://127.0.0.1:1/map",
		RateLimitRPS:    100,
		RateLimitBurst:  100,
		BodyLimit:       "1M",
		RequestTimeout:  time.Minute,
	}
	st, err := openStore(context.Background(), cfg)
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	t.Cleanup(st.close)

	logger := zerolog.Nop()
	svc := queue.NewService(st.repo, logger)
	mapper, err := mapping.NewClient(mapping.Config{URL: cfg.MappingURL})
	if err != nil {
		t.Fatalf("mapping client: %v", err)
	}
	metrics := telemetry.NewMetrics()
	orch, err := augment.NewOrchestrator(svc, mapper, augment.Config{Metrics: metrics}, logger)
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	return &app{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		queue:   svc,
		dicts:   extraction.NewStore(extraction.DefaultDictionary()),
		orch:    orch,
		metrics: metrics,
	}
}

func TestNewEcho_Routes(t *testing.T) {
	e := newEcho(testApp(t))

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"health", http.MethodGet, "/health", "", http.StatusOK},
		{"db health", http.MethodGet, "/health/db", "", http.StatusOK},
		{"metrics", http.MethodGet, "/metrics", "", http.StatusOK},
		{"queue list (dev auth)", http.MethodGet, "/queue", "", http.StatusOK},
		{"enqueue", http.MethodPost, "/queue/items", `{"correlation_id":"enc-1","encounter":{"chief_complaint":"cough"}}`, http.StatusCreated},
		{"unsigned augment", http.MethodPost, "/augment", `{"queue_id":"x"}`, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			if tt.body != "" {
				req.Header.Set("Content-Type", "application/json")
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
			if rec.Header().Get("X-Request-ID") == "" {
				t.Error("expected request id header")
			}
		})
	}
}
