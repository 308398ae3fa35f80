package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"airwave-live/internal/broadcast"
	"airwave-live/internal/listener"
	"airwave-live/internal/models"
	"airwave-live/internal/notify"
	"airwave-live/internal/observability/metrics"
	"airwave-live/internal/ratelimit"
	"airwave-live/internal/storage"
)

func newTestHandler(t *testing.T) (*Handler, *storage.Storage) {
	t.Helper()
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("NewStorage error: %v", err)
	}
	t.Cleanup(func() { _ = store.Close(context.Background()) })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	queue := notify.NewMemoryQueue(32)
	recorder := metrics.New()

	handler := NewHandler(store, nil)
	handler.Logger = logger
	handler.Recorder = recorder
	handler.Queue = queue
	handler.Limiter = ratelimit.New(ratelimit.DefaultConfig())
	handler.Coordinator = broadcast.NewCoordinator(broadcast.Config{
		Repository: store,
		Queue:      queue,
		Logger:     logger,
		Recorder:   recorder,
	})
	handler.Aggregator = listener.NewAggregator(listener.Config{
		Repository: store,
		Queue:      queue,
		Logger:     logger,
		Recorder:   recorder,
	})
	return handler, store
}

func createUser(t *testing.T, store *storage.Storage, name string, roles ...string) models.User {
	t.Helper()
	user, err := store.CreateUser(storage.CreateUserParams{
		DisplayName: name,
		Email:       name + "@example.com",
		Password:    "correct-horse-battery",
		Roles:       roles,
	})
	if err != nil {
		t.Fatalf("CreateUser %s: %v", name, err)
	}
	return user
}

func createLiveBroadcast(t *testing.T, handler *Handler, dj models.User) models.Broadcast {
	t.Helper()
	created, err := handler.Coordinator.Create(storage.CreateBroadcastParams{
		Title:          "Evening Mix",
		ScheduledStart: time.Now(),
		ScheduledEnd:   time.Now().Add(2 * time.Hour),
	})
	if err != nil {
		t.Fatalf("Create broadcast: %v", err)
	}
	live, err := handler.Coordinator.Start(context.Background(), created.ID, dj.ID)
	if err != nil {
		t.Fatalf("Start broadcast: %v", err)
	}
	return live
}

func jsonRequest(method, path string, payload interface{}) *http.Request {
	var body *bytes.Reader
	if payload != nil {
		data, _ := json.Marshal(payload)
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func asUser(req *http.Request, user models.User) *http.Request {
	return req.WithContext(ContextWithUser(req.Context(), user))
}

func TestLoginIssuesSession(t *testing.T) {
	handler, store := newTestHandler(t)
	createUser(t, store, "ana", models.RoleDJ)

	rec := httptest.NewRecorder()
	handler.Login(rec, jsonRequest(http.MethodPost, "/api/auth/login", map[string]string{
		"email":    "ana@example.com",
		"password": "correct-horse-battery",
	}))
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp authResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.User.Email != "ana@example.com" {
		t.Fatalf("unexpected user %+v", resp.User)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) == 0 || cookies[0].Name != SessionCookieName {
		t.Fatal("no session cookie set")
	}
}

func TestLoginFailureConsumesAttemptBuckets(t *testing.T) {
	handler, store := newTestHandler(t)
	createUser(t, store, "ana", models.RoleDJ)
	handler.Limiter = ratelimit.New(ratelimit.Config{
		Enabled:                  true,
		AuthPerIPPerMinute:       50,
		AuthPerUsernamePerMinute: 2,
		APIPerIPPerMinute:        300,
		HandshakePerIPPerMinute:  20,
	})

	badLogin := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		handler.Login(rec, jsonRequest(http.MethodPost, "/api/auth/login", map[string]string{
			"email":    "ana@example.com",
			"password": "wrong",
		}))
		return rec
	}

	if rec := badLogin(); rec.Code != http.StatusUnauthorized {
		t.Fatalf("first bad login = %d, want 401", rec.Code)
	}
	if rec := badLogin(); rec.Code != http.StatusUnauthorized {
		t.Fatalf("second bad login = %d, want 401", rec.Code)
	}

	// Username bucket is spent; the next attempt is rejected up front even
	// with correct credentials.
	rec := httptest.NewRecorder()
	handler.Login(rec, jsonRequest(http.MethodPost, "/api/auth/login", map[string]string{
		"email":    "ana@example.com",
		"password": "correct-horse-battery",
	}))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("limited login = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After header")
	}
}

func TestHandoverEndpointStatusMapping(t *testing.T) {
	handler, store := newTestHandler(t)
	dj := createUser(t, store, "ana", models.RoleDJ)
	second := createUser(t, store, "ben", models.RoleDJ)
	outsider := createUser(t, store, "zoe")
	live := createLiveBroadcast(t, handler, dj)

	cases := []struct {
		name     string
		path     string
		body     map[string]string
		user     models.User
		expected int
	}{
		{"unknown broadcast", "/api/broadcasts/nope/handover", map[string]string{"newDjId": second.ID}, dj, http.StatusNotFound},
		{"unknown dj", "/api/broadcasts/" + live.ID + "/handover", map[string]string{"newDjId": "nope"}, dj, http.StatusNotFound},
		{"target lacks role", "/api/broadcasts/" + live.ID + "/handover", map[string]string{"newDjId": outsider.ID}, dj, http.StatusUnprocessableEntity},
		{"initiator not permitted", "/api/broadcasts/" + live.ID + "/handover", map[string]string{"newDjId": second.ID}, outsider, http.StatusForbidden},
		{"same dj", "/api/broadcasts/" + live.ID + "/handover", map[string]string{"newDjId": dj.ID}, dj, http.StatusUnprocessableEntity},
		{"accepted", "/api/broadcasts/" + live.ID + "/handover", map[string]string{"newDjId": second.ID, "reason": "shift change"}, dj, http.StatusCreated},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		handler.BroadcastByID(rec, asUser(jsonRequest(http.MethodPost, tc.path, tc.body), tc.user))
		if rec.Code != tc.expected {
			t.Fatalf("%s: status = %d, want %d (body %s)", tc.name, rec.Code, tc.expected, rec.Body.String())
		}
	}

	rec := httptest.NewRecorder()
	handler.BroadcastByID(rec, httptest.NewRequest(http.MethodGet, "/api/broadcasts/"+live.ID+"/handovers", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("handover history status = %d", rec.Code)
	}
	var history []models.HandoverRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(history) != 1 || history[0].NewDJID != second.ID {
		t.Fatalf("unexpected history %+v", history)
	}
}

func TestCurrentDJFallsBackToStarter(t *testing.T) {
	handler, store := newTestHandler(t)
	dj := createUser(t, store, "ana", models.RoleDJ)
	live := createLiveBroadcast(t, handler, dj)

	rec := httptest.NewRecorder()
	handler.BroadcastByID(rec, httptest.NewRequest(http.MethodGet, "/api/broadcasts/"+live.ID+"/current-dj", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("current-dj status = %d", rec.Code)
	}
	var resp currentDJResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.DJID != dj.ID {
		t.Fatalf("current DJ = %q, want %q", resp.DJID, dj.ID)
	}
}

func TestBroadcastStopRequiresOwnershipOrStaff(t *testing.T) {
	handler, store := newTestHandler(t)
	dj := createUser(t, store, "ana", models.RoleDJ)
	outsider := createUser(t, store, "zoe", models.RoleDJ)
	live := createLiveBroadcast(t, handler, dj)

	rec := httptest.NewRecorder()
	handler.BroadcastByID(rec, asUser(jsonRequest(http.MethodPost, "/api/broadcasts/"+live.ID+"/stop", nil), outsider))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("outsider stop = %d, want 403", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.BroadcastByID(rec, asUser(jsonRequest(http.MethodPost, "/api/broadcasts/"+live.ID+"/stop", nil), dj))
	if rec.Code != http.StatusOK {
		t.Fatalf("dj stop = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}

	// Stopping an already-ended broadcast conflicts.
	rec = httptest.NewRecorder()
	handler.BroadcastByID(rec, asUser(jsonRequest(http.MethodPost, "/api/broadcasts/"+live.ID+"/stop", nil), dj))
	if rec.Code != http.StatusConflict {
		t.Fatalf("double stop = %d, want 409", rec.Code)
	}
}

func TestUsersEndpointRequiresAdmin(t *testing.T) {
	handler, store := newTestHandler(t)
	admin := createUser(t, store, "root", models.RoleAdmin)
	dj := createUser(t, store, "ana", models.RoleDJ)

	rec := httptest.NewRecorder()
	handler.Users(rec, asUser(jsonRequest(http.MethodPost, "/api/users", map[string]interface{}{
		"displayName": "New DJ",
		"email":       "new@example.com",
		"roles":       []string{"dj"},
	}), dj))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("dj create user = %d, want 403", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.Users(rec, asUser(jsonRequest(http.MethodPost, "/api/users", map[string]interface{}{
		"displayName": "New DJ",
		"email":       "new@example.com",
		"roles":       []string{"dj"},
	}), admin))
	if rec.Code != http.StatusCreated {
		t.Fatalf("admin create user = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestListenerSocketRateLimited(t *testing.T) {
	handler, _ := newTestHandler(t)
	handler.ListenerGateway = listener.NewGateway(listener.GatewayConfig{
		Aggregator: handler.Aggregator,
		Queue:      handler.Queue,
		Logger:     handler.Logger,
	})
	handler.Limiter = ratelimit.New(ratelimit.Config{
		Enabled:                 true,
		HandshakePerIPPerMinute: 1,
	})

	// First handshake consumes the only token; it fails the upgrade because
	// httptest recorders cannot hijack, which is fine for admission testing.
	rec := httptest.NewRecorder()
	handler.ListenerSocket(rec, httptest.NewRequest(http.MethodGet, "/api/live/listen", nil))
	if rec.Code == http.StatusTooManyRequests {
		t.Fatalf("first handshake rejected by limiter")
	}

	rec = httptest.NewRecorder()
	handler.ListenerSocket(rec, httptest.NewRequest(http.MethodGet, "/api/live/listen", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second handshake = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After header")
	}
}

func TestHealthReportsComponents(t *testing.T) {
	handler, _ := newTestHandler(t)
	rec := httptest.NewRecorder()
	handler.Health(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
	var resp struct {
		Status     string            `json:"status"`
		Components []componentStatus `json:"components"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if resp.Status != "ok" || len(resp.Components) < 3 {
		t.Fatalf("unexpected health payload %+v", resp)
	}
}
