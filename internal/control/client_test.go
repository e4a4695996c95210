package control

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ashita-ai/renshu/internal/model"
)

// testSigningKey is the base64 HMAC key shared by the test client and
// the mock server's token checks.
var testSigningKey = base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))

// mockServer creates an httptest server that mimics the Training
// Control API.
func mockServer(t *testing.T, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	for pattern, handler := range handlers {
		mux.HandleFunc(pattern, handler)
	}
	return httptest.NewServer(mux)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	c, err := NewClient(Config{
		BaseURL:    serverURL,
		StudioID:   "studio-test",
		SigningKey: testSigningKey,
		Timeout:    5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return c
}

func TestListRunsBuildsQueryAndDecodes(t *testing.T) {
	started := time.Date(2026, 8, 20, 9, 30, 0, 0, time.UTC)

	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/runs": func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("scope"); got != "corpus" {
				t.Errorf("expected scope=corpus, got %q", got)
			}
			if got := r.URL.Query().Get("corpus_id"); got != "corp-9" {
				t.Errorf("expected corpus_id=corp-9, got %q", got)
			}
			if got := r.URL.Query().Get("limit"); got != "25" {
				t.Errorf("expected limit=25, got %q", got)
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"data": map[string]any{
					"runs": []model.RunMeta{
						{RunID: "run-b", CorpusID: "corp-9", Status: model.RunStatusRunning, StartedAt: started},
						{RunID: "run-a", CorpusID: "corp-9", Status: model.RunStatusCompleted, StartedAt: started.Add(-time.Hour)},
					},
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	runs, err := client.ListRuns(context.Background(), "corp-9", model.ScopeCorpus, 25)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].RunID != "run-b" {
		t.Errorf("expected first run 'run-b', got %q", runs[0].RunID)
	}
	if runs[1].Status != model.RunStatusCompleted {
		t.Errorf("expected status 'completed', got %q", runs[1].Status)
	}
}

func TestListRunsDefaultLimit(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/runs": func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("limit"); got != "50" {
				t.Errorf("expected default limit=50, got %q", got)
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"data": map[string]any{"runs": []model.RunMeta{}},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	if _, err := client.ListRuns(context.Background(), "", model.ScopeAll, 0); err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
}

func TestGetRunSendsSignedToken(t *testing.T) {
	var authHeader, ua, session string
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/runs/run-7": func(w http.ResponseWriter, r *http.Request) {
			authHeader = r.Header.Get("Authorization")
			ua = r.Header.Get("User-Agent")
			session = r.Header.Get("X-Renshu-Session")
			writeJSON(w, http.StatusOK, map[string]any{
				"data": model.Run{
					RunID:         "run-7",
					CorpusID:      "corp-1",
					Status:        model.RunStatusRunning,
					StartedAt:     time.Now().UTC(),
					PrimaryMetric: "ndcg@10",
					PrimaryGoal:   model.GoalMaximize,
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	run, err := client.GetRun(context.Background(), "run-7")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.RunID != "run-7" {
		t.Errorf("expected run_id 'run-7', got %q", run.RunID)
	}
	if run.PrimaryGoal != model.GoalMaximize {
		t.Errorf("expected primary_goal 'maximize', got %q", run.PrimaryGoal)
	}

	// The bearer token must verify against the shared HMAC key and carry
	// the studio identity.
	tokenStr, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		t.Fatalf("expected bearer Authorization header, got %q", authHeader)
	}
	key, _ := base64.StdEncoding.DecodeString(testSigningKey)
	var claims Claims
	parsed, err := jwt.ParseWithClaims(tokenStr, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			t.Fatalf("unexpected signing method %v", token.Header["alg"])
		}
		return key, nil
	}, jwt.WithAudience("training-control"), jwt.WithIssuer("renshu"))
	if err != nil {
		t.Fatalf("token did not verify: %v", err)
	}
	if !parsed.Valid {
		t.Fatal("expected valid token")
	}
	if claims.StudioID != "studio-test" {
		t.Errorf("expected studio_id 'studio-test', got %q", claims.StudioID)
	}
	if claims.Subject != "studio-test" {
		t.Errorf("expected subject 'studio-test', got %q", claims.Subject)
	}

	if ua != "renshu-go/0.1.0" {
		t.Errorf("expected User-Agent 'renshu-go/0.1.0', got %q", ua)
	}
	if _, err := uuid.Parse(session); err != nil {
		t.Errorf("X-Renshu-Session %q is not a valid UUID: %v", session, err)
	}
}

func TestSessionIDConsistentAcrossRequests(t *testing.T) {
	var sessions []string
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/runs/run-1": func(w http.ResponseWriter, r *http.Request) {
			sessions = append(sessions, r.Header.Get("X-Renshu-Session"))
			writeJSON(w, http.StatusOK, map[string]any{
				"data": model.Run{RunID: "run-1", Status: model.RunStatusRunning},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	for range 3 {
		_, _ = client.GetRun(context.Background(), "run-1")
	}

	if len(sessions) != 3 {
		t.Fatalf("expected 3 calls, got %d", len(sessions))
	}
	if sessions[0] != sessions[1] || sessions[1] != sessions[2] {
		t.Errorf("expected consistent session IDs, got %v", sessions)
	}
}

func TestSessionIDOverride(t *testing.T) {
	fixed := uuid.MustParse("11111111-1111-1111-1111-111111111111")

	var received string
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/runs/run-1": func(w http.ResponseWriter, r *http.Request) {
			received = r.Header.Get("X-Renshu-Session")
			writeJSON(w, http.StatusOK, map[string]any{
				"data": model.Run{RunID: "run-1", Status: model.RunStatusRunning},
			})
		},
	})
	defer srv.Close()

	client, err := NewClient(Config{
		BaseURL:    srv.URL,
		StudioID:   "studio-test",
		SigningKey: testSigningKey,
		SessionID:  &fixed,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if _, err := client.GetRun(context.Background(), "run-1"); err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if received != fixed.String() {
		t.Errorf("expected session %s, got %q", fixed, received)
	}
}

func TestGetMetricsDecodesOptionals(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/runs/run-3/metrics": func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("limit"); got != "1000" {
				t.Errorf("expected default limit=1000, got %q", got)
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"data": map[string]any{
					"events": []map[string]any{
						{"type": "progress", "ts": "2026-08-20T10:00:00Z", "step": 100, "percent": 12.5},
						{"type": "telemetry", "ts": "2026-08-20T10:00:01Z", "step": 101, "proj_x": 0.2, "proj_y": -1.5, "loss": 0.42},
						{"type": "log", "message": "checkpoint saved"},
					},
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	events, err := client.GetMetrics(context.Background(), "run-3", 0)
	if err != nil {
		t.Fatalf("GetMetrics failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Step == nil || *events[0].Step != 100 {
		t.Errorf("expected step 100, got %v", events[0].Step)
	}
	if events[0].Loss != nil {
		t.Errorf("expected absent loss to stay nil, got %v", *events[0].Loss)
	}
	if events[1].ProjY == nil || *events[1].ProjY != -1.5 {
		t.Errorf("expected proj_y -1.5, got %v", events[1].ProjY)
	}
	if events[2].Message != "checkpoint saved" {
		t.Errorf("expected log message, got %q", events[2].Message)
	}
}

func TestCancelRun(t *testing.T) {
	var method string
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/runs/run-5/cancel": func(w http.ResponseWriter, r *http.Request) {
			method = r.Method
			writeJSON(w, http.StatusAccepted, map[string]any{
				"data": map[string]any{"ok": true},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	if err := client.CancelRun(context.Background(), "run-5"); err != nil {
		t.Fatalf("CancelRun failed: %v", err)
	}
	if method != http.MethodPost {
		t.Errorf("expected POST, got %s", method)
	}
}

func TestCancelRunOkFalse(t *testing.T) {
	// A 200 reply with ok=false is a rejection, not a success: the
	// control plane understood the request but would not act on it.
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/runs/run-5/cancel": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"data": map[string]any{"ok": false},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	err := client.CancelRun(context.Background(), "run-5")
	if err == nil {
		t.Fatal("expected an error for ok=false, got nil")
	}
	if !errors.Is(err, ErrRejected) {
		t.Errorf("expected ErrRejected, got %v", err)
	}
}

func TestPromoteRunOkFalse(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/runs/run-5/promote": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"data": map[string]any{"ok": false},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	err := client.PromoteRun(context.Background(), "run-5")
	if err == nil {
		t.Fatal("expected an error for ok=false, got nil")
	}
	if !errors.Is(err, ErrRejected) {
		t.Errorf("expected ErrRejected, got %v", err)
	}
}

func TestPromoteRunOkTrue(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/runs/run-5/promote": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"data": map[string]any{"ok": true},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	if err := client.PromoteRun(context.Background(), "run-5"); err != nil {
		t.Fatalf("PromoteRun failed: %v", err)
	}
}

func TestPromoteRunConflict(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/runs/run-5/promote": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusConflict, map[string]any{
				"error": map[string]any{"code": "RUN_NOT_COMPLETED", "message": "run is still running"},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	err := client.PromoteRun(context.Background(), "run-5")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !IsConflict(err) {
		t.Errorf("IsConflict should return true, got %v", err)
	}
}

func TestErrorTypesMapCorrectly(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		code       string
		message    string
		checkFn    func(error) bool
		checkLabel string
	}{
		{
			name: "404", status: http.StatusNotFound,
			code: "NOT_FOUND", message: "run not found",
			checkFn: IsNotFound, checkLabel: "IsNotFound",
		},
		{
			name: "401", status: http.StatusUnauthorized,
			code: "UNAUTHORIZED", message: "bad token",
			checkFn: IsUnauthorized, checkLabel: "IsUnauthorized",
		},
		{
			name: "403", status: http.StatusForbidden,
			code: "FORBIDDEN", message: "no access",
			checkFn: IsForbidden, checkLabel: "IsForbidden",
		},
		{
			name: "429", status: http.StatusTooManyRequests,
			code: "RATE_LIMITED", message: "too many requests",
			checkFn: IsRateLimited, checkLabel: "IsRateLimited",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := mockServer(t, map[string]http.HandlerFunc{
				"GET /v1/runs/run-1": func(w http.ResponseWriter, r *http.Request) {
					writeJSON(w, tc.status, map[string]any{
						"error": map[string]any{"code": tc.code, "message": tc.message},
					})
				},
			})
			defer srv.Close()

			client := newTestClient(t, srv.URL)
			_, err := client.GetRun(context.Background(), "run-1")
			if err == nil {
				t.Fatal("expected error, got nil")
			}

			apiErr, ok := err.(*Error)
			if !ok {
				t.Fatalf("expected *Error, got %T", err)
			}
			if apiErr.StatusCode != tc.status {
				t.Errorf("expected status %d, got %d", tc.status, apiErr.StatusCode)
			}
			if apiErr.Code != tc.code {
				t.Errorf("expected code %q, got %q", tc.code, apiErr.Code)
			}
			if apiErr.Message != tc.message {
				t.Errorf("expected message %q, got %q", tc.message, apiErr.Message)
			}
			if !tc.checkFn(err) {
				t.Errorf("%s should return true", tc.checkLabel)
			}
		})
	}
}

func TestUnenvelopedErrorBody(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/runs/run-1": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream exploded"))
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.GetRun(context.Background(), "run-1")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	apiErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
	if apiErr.Code != http.StatusText(http.StatusBadGateway) {
		t.Errorf("expected fallback code %q, got %q", http.StatusText(http.StatusBadGateway), apiErr.Code)
	}
	if apiErr.Message != "upstream exploded" {
		t.Errorf("expected raw body as message, got %q", apiErr.Message)
	}
}

func TestHealthNoAuth(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /health": func(w http.ResponseWriter, r *http.Request) {
			if auth := r.Header.Get("Authorization"); auth != "" {
				t.Errorf("expected no Authorization header, got %q", auth)
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"data": HealthResponse{Status: "healthy", Version: "v0.3.0", UptimeSeconds: 3600},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	health, err := client.Health(context.Background())
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if health.Status != "healthy" {
		t.Errorf("expected status 'healthy', got %q", health.Status)
	}
	if health.UptimeSeconds != 3600 {
		t.Errorf("expected uptime_seconds 3600, got %d", health.UptimeSeconds)
	}
}

func TestNewClientValidation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{
			name:    "empty BaseURL",
			cfg:     Config{StudioID: "s", SigningKey: testSigningKey},
			wantErr: "BaseURL is required",
		},
		{
			name:    "empty StudioID",
			cfg:     Config{BaseURL: "http://localhost:8080", SigningKey: testSigningKey},
			wantErr: "StudioID is required",
		},
		{
			name:    "empty SigningKey",
			cfg:     Config{BaseURL: "http://localhost:8080", StudioID: "s"},
			wantErr: "SigningKey is required",
		},
		{
			name:    "invalid SigningKey encoding",
			cfg:     Config{BaseURL: "http://localhost:8080", StudioID: "s", SigningKey: "not-base64!!!"},
			wantErr: "decode SigningKey",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c, err := NewClient(tc.cfg)
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tc.wantErr)
			}
			if c != nil {
				t.Error("expected nil client on error")
			}
			if got := err.Error(); !strings.Contains(got, tc.wantErr) {
				t.Errorf("error %q does not contain %q", got, tc.wantErr)
			}
		})
	}

	// Happy path strips the trailing slash.
	c, err := NewClient(Config{
		BaseURL:    "http://localhost:8080/",
		StudioID:   "s",
		SigningKey: testSigningKey,
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if c.baseURL != "http://localhost:8080" {
		t.Errorf("expected trimmed base URL, got %q", c.baseURL)
	}
}
