package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"gwi.com/chat-insights/internal/auth"
	"gwi.com/chat-insights/internal/config"
	"gwi.com/chat-insights/internal/core"
	"gwi.com/chat-insights/internal/logger"
	"gwi.com/chat-insights/internal/stats"
	"gwi.com/chat-insights/internal/store"
)

const adminToken = "admin-secret"

func TestMain(m *testing.M) {
	config.AppConfig.JWTSecret = "test-secret"
	os.Exit(m.Run())
}

type fakePipeline struct {
	mu       sync.Mutex
	startErr error
	runErr   error
	runs     []string
	cleanups []string
}

func (f *fakePipeline) StartAnalysis(ctx context.Context, userID, chatID, fileAnalysisID string) (*core.StartResult, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	return &core.StartResult{ChatID: "chat-1", AnalysisID: "analysis-1", TriggerID: "trigger-1"}, nil
}

func (f *fakePipeline) EnqueueRun(ctx context.Context, triggerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runErr != nil {
		return f.runErr
	}
	f.runs = append(f.runs, triggerID)
	return nil
}

func (f *fakePipeline) EnqueueCleanup(ctx context.Context, userID, fileAnalysisID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups = append(f.cleanups, userID+"/"+fileAnalysisID)
	return nil
}

type fakeKeys struct{}

func (fakeKeys) GenerateKeys(ctx context.Context, userID string) (string, error) {
	return "-----BEGIN PUBLIC KEY-----", nil
}

func newTestServer(t *testing.T, p *fakePipeline) *httptest.Server {
	t.Helper()
	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	chats := core.NewChatService(db, time.UTC, logger.Nop())
	h := NewAPIHandler(p, fakeKeys{}, chats, adminToken, time.UTC, logger.Nop())
	srv := httptest.NewServer(NewRouter(h))
	t.Cleanup(srv.Close)
	return srv
}

func userToken(t *testing.T, id string) string {
	t.Helper()
	token, err := auth.GenerateJWT(id)
	if err != nil {
		t.Fatalf("GenerateJWT: %v", err)
	}
	return "Bearer " + token
}

func do(t *testing.T, srv *httptest.Server, method, path, authz, reqBody string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(reqBody))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, body
}

func TestHealth(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, &fakePipeline{})
	resp, body := do(t, srv, http.MethodGet, "/api/health", "", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"ok"`) {
		t.Fatalf("health = %d %s", resp.StatusCode, body)
	}
}

func TestUserRoutesRequireToken(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, &fakePipeline{})

	for _, authz := range []string{"", "Bearer nonsense"} {
		resp, _ := do(t, srv, http.MethodGet, "/api/chats", authz, "")
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("auth %q: status %d, want 401", authz, resp.StatusCode)
		}
	}
	resp, body := do(t, srv, http.MethodGet, "/api/chats", userToken(t, "u1"), "")
	if resp.StatusCode != http.StatusOK || strings.TrimSpace(string(body)) != "[]" {
		t.Fatalf("chats = %d %s", resp.StatusCode, body)
	}
}

func TestStartAnalysisErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		startErr error
		body     string
		status   int
		contains string
	}{
		{"accepted", nil, `{"fileAnalysisId":"f1"}`, http.StatusAccepted, `"analysisId":"analysis-1"`},
		{"missing file", nil, `{}`, http.StatusBadRequest, "fileAnalysisId"},
		{"bad json", nil, `{`, http.StatusBadRequest, "invalid input"},
		{"user error", &stats.UserError{Message: "The chat does not contain enough messages for analysis."}, `{"fileAnalysisId":"f1"}`, http.StatusUnprocessableEntity, "enough messages"},
		{"rate limited", core.ErrRateLimited, `{"fileAnalysisId":"f1"}`, http.StatusTooManyRequests, "Too many"},
		{"unknown chat", fmt.Errorf("chat c: %w", store.ErrNotFound), `{"chatId":"c","fileAnalysisId":"f1"}`, http.StatusNotFound, "not found"},
		{"internal", errors.New("disk on fire"), `{"fileAnalysisId":"f1"}`, http.StatusInternalServerError, "internal error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := newTestServer(t, &fakePipeline{startErr: tt.startErr})
			resp, body := do(t, srv, http.MethodPost, "/api/analyses", userToken(t, "u1"), tt.body)
			if resp.StatusCode != tt.status || !strings.Contains(string(body), tt.contains) {
				t.Fatalf("got %d %s, want %d containing %q", resp.StatusCode, body, tt.status, tt.contains)
			}
			if strings.Contains(string(body), "trigger-1") {
				t.Fatalf("trigger id leaked: %s", body)
			}
		})
	}
}

func TestChatNotFound(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, &fakePipeline{})
	token := userToken(t, "u1")

	for _, path := range []string{"/api/chats/nope", "/api/chats/nope/analyses/a1", "/api/shares/nope"} {
		resp, _ := do(t, srv, http.MethodGet, path, token, "")
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("GET %s = %d, want 404", path, resp.StatusCode)
		}
	}
	resp, _ := do(t, srv, http.MethodDelete, "/api/chats/nope", token, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("DELETE chat = %d, want 404", resp.StatusCode)
	}
}

func TestSetCutoff(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, &fakePipeline{})
	token := userToken(t, "u1")

	resp, _ := do(t, srv, http.MethodPut, "/api/cutoff", token, `{"cutoffDate":"5th of May"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad date = %d, want 400", resp.StatusCode)
	}
	resp, _ = do(t, srv, http.MethodPut, "/api/cutoff", token, `{"cutoffDate":"2024-05-05"}`)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("pending cutoff = %d, want 204", resp.StatusCode)
	}
	resp, _ = do(t, srv, http.MethodPut, "/api/cutoff", token, `{"chatId":"nope","cutoffDate":"2024-05-05T10:00:00Z"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown chat cutoff = %d, want 404", resp.StatusCode)
	}
}

func TestMeAndKeys(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, &fakePipeline{})
	token := userToken(t, "u1")

	resp, _ := do(t, srv, http.MethodGet, "/api/me", token, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown user = %d, want 404", resp.StatusCode)
	}
	resp, body := do(t, srv, http.MethodPost, "/api/keys", token, "")
	var out map[string]string
	if resp.StatusCode != http.StatusCreated || json.Unmarshal(body, &out) != nil || out["publicKey"] == "" {
		t.Fatalf("keys = %d %s", resp.StatusCode, body)
	}
}

func TestInternalRoutes(t *testing.T) {
	t.Parallel()
	p := &fakePipeline{}
	srv := newTestServer(t, p)

	for _, authz := range []string{"", "Bearer wrong", adminToken, userToken(t, "u1")} {
		resp, _ := do(t, srv, http.MethodPost, "/internal/analyses/run", authz, `{"analysisId":"t1"}`)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("auth %q: status %d, want 401", authz, resp.StatusCode)
		}
	}

	admin := "Bearer " + adminToken
	resp, _ := do(t, srv, http.MethodPost, "/internal/analyses/run", admin, `{"analysisId":"t1"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("run = %d, want 202", resp.StatusCode)
	}
	resp, _ = do(t, srv, http.MethodPost, "/internal/analyses/run", admin, `{}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("run without id = %d, want 400", resp.StatusCode)
	}
	resp, _ = do(t, srv, http.MethodPost, "/internal/files/delete", admin, `{"userId":"u1","fileAnalysisId":"f1"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("delete files = %d, want 202", resp.StatusCode)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.runs) != 1 || p.runs[0] != "t1" || len(p.cleanups) != 1 || p.cleanups[0] != "u1/f1" {
		t.Fatalf("runs = %v, cleanups = %v", p.runs, p.cleanups)
	}
}

func TestInternalRunUnknownTrigger(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, &fakePipeline{runErr: fmt.Errorf("trigger t9: %w", store.ErrNotFound)})
	resp, _ := do(t, srv, http.MethodPost, "/internal/analyses/run", "Bearer "+adminToken, `{"analysisId":"t9"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}
