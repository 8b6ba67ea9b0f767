package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/camposec/vigil/internal/adapters/db/sqlite"
	"github.com/camposec/vigil/internal/application"
	"github.com/camposec/vigil/internal/config"
	"github.com/camposec/vigil/internal/plate"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "vigil.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	if err := sqlite.RunMigrations(context.Background(), db); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	repo := sqlite.NewRepository(db)

	engine := config.Default().Engine
	normalizer, err := plate.New(plate.Config{
		ConfidenceThreshold: engine.ConfidenceThreshold,
		Pattern:             engine.PlatePattern,
		Substitutions:       engine.OCRSubstitutions,
	})
	if err != nil {
		t.Fatalf("build normalizer: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	service := application.NewService(repo, normalizer, engine, logger)
	if err := service.BootstrapAdmin(context.Background(), "admin", "Administrator", "admin"); err != nil {
		t.Fatalf("bootstrap admin: %v", err)
	}

	ts := httptest.NewServer(NewServer(service, logger).Router())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url, token string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, payload
}

func login(t *testing.T, ts *httptest.Server) string {
	t.Helper()

	resp, payload := doJSON(t, http.MethodPost, ts.URL+"/api/auth/login", "",
		map[string]string{"badge": "admin", "password": "admin"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login failed with status %d: %v", resp.StatusCode, payload)
	}
	token, _ := payload["token"].(string)
	if token == "" {
		t.Fatal("login returned no token")
	}
	return token
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/auth/login", "",
		map[string]string{"badge": "admin", "password": "wrong"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestSubmitRequiresToken(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/infractions", "",
		map[string]any{"plate": "ABC123"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}
}

func TestSubmitStatusAndHistoryFlow(t *testing.T) {
	ts := newTestServer(t)
	token := login(t, ts)

	base := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		resp, payload := doJSON(t, http.MethodPost, ts.URL+"/api/infractions", token, map[string]any{
			"plate":       "AB-C123",
			"confidence":  0.95,
			"latitude":    19.5036,
			"longitude":   -99.1468,
			"observed_at": base.Add(time.Duration(i) * time.Hour).Format(time.RFC3339),
		})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("submit %d: expected 201, got %d: %v", i, resp.StatusCode, payload)
		}
	}

	resp, payload := doJSON(t, http.MethodGet, ts.URL+"/api/vehicles/ABC123", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: expected 200, got %d: %v", resp.StatusCode, payload)
	}
	if payload["state"] != "WARNED" {
		t.Fatalf("expected WARNED after two offenses, got %v", payload["state"])
	}
	if payload["qualifying_count"] != float64(2) {
		t.Fatalf("expected qualifying_count 2, got %v", payload["qualifying_count"])
	}

	resp, payload = doJSON(t, http.MethodGet, ts.URL+"/api/vehicles/ABC123/history", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history: expected 200, got %d", resp.StatusCode)
	}
	records, _ := payload["records"].([]any)
	if len(records) != 2 {
		t.Fatalf("expected 2 history records, got %d", len(records))
	}
}

func TestDuplicateSubmitReturnsOK(t *testing.T) {
	ts := newTestServer(t)
	token := login(t, ts)

	observed := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	body := map[string]any{
		"plate":       "ABC123",
		"confidence":  0.95,
		"latitude":    19.5,
		"longitude":   -99.1,
		"observed_at": observed.Format(time.RFC3339),
	}
	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/infractions", token, body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("first submit: expected 201, got %d", resp.StatusCode)
	}

	body["observed_at"] = observed.Add(5 * time.Second).Format(time.RFC3339)
	resp, payload := doJSON(t, http.MethodPost, ts.URL+"/api/infractions", token, body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("duplicate submit: expected 200, got %d", resp.StatusCode)
	}
	if payload["duplicate"] != true {
		t.Fatalf("expected duplicate flag, got %v", payload)
	}
}

func TestUnknownVehicleReturns404(t *testing.T) {
	ts := newTestServer(t)
	token := login(t, ts)

	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/api/vehicles/ZZZ999", token, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unseen vehicle, got %d", resp.StatusCode)
	}
}

func TestAdminResetFlow(t *testing.T) {
	ts := newTestServer(t)
	token := login(t, ts)

	base := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		doJSON(t, http.MethodPost, ts.URL+"/api/infractions", token, map[string]any{
			"plate":       "ABC123",
			"confidence":  0.95,
			"latitude":    19.5,
			"longitude":   -99.1,
			"observed_at": base.Add(time.Duration(i) * time.Hour).Format(time.RFC3339),
		})
	}

	resp, payload := doJSON(t, http.MethodPost, ts.URL+"/api/admin/reset", token,
		map[string]string{"plate": "ABC123", "reason": "appeal upheld"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reset: expected 200, got %d: %v", resp.StatusCode, payload)
	}
	if payload["state"] != "CLEAN" {
		t.Fatalf("expected CLEAN after reset, got %v", payload["state"])
	}

	resp, payload = doJSON(t, http.MethodGet, ts.URL+"/api/audit/logs", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("audit logs: expected 200, got %d", resp.StatusCode)
	}
	logs, _ := payload["logs"].([]any)
	found := false
	for _, entry := range logs {
		m, _ := entry.(map[string]any)
		if m["action"] == "sanction.reset" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a sanction.reset audit entry, got %v", logs)
	}
}

func TestGuardCannotReset(t *testing.T) {
	ts := newTestServer(t)
	adminToken := login(t, ts)

	resp, payload := doJSON(t, http.MethodPost, ts.URL+"/api/access/employees", adminToken,
		map[string]string{"badge": "G-1021", "name": "Guard One", "password": "guardpass1", "role": "guard"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create guard: expected 201, got %d: %v", resp.StatusCode, payload)
	}

	resp, payload = doJSON(t, http.MethodPost, ts.URL+"/api/auth/login", "",
		map[string]string{"badge": "G-1021", "password": "guardpass1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("guard login: expected 200, got %d", resp.StatusCode)
	}
	guardToken := fmt.Sprint(payload["token"])

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/admin/reset", guardToken,
		map[string]string{"plate": "ABC123", "reason": "nope"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for guard reset, got %d", resp.StatusCode)
	}
}
