package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/MarcoPoloResearchLab/treesync/internal/auth"
	"github.com/MarcoPoloResearchLab/treesync/internal/snapshots"
)

const (
	testSigningSecret = "test-signing-secret"
	testCookieName    = "app_session"
	testAllowedOrigin = "https://app.example.com"
)

type stubSessionValidator struct {
	claims auth.SessionClaims
	err    error
}

func (s stubSessionValidator) ValidateRequest(*http.Request) (auth.SessionClaims, error) {
	return s.claims, s.err
}

type stubMaintenance struct {
	report    snapshots.CompactionReport
	before    time.Time
	desired   int
	compacted bool
	decimated bool
}

func (s *stubMaintenance) CompactAllBefore(_ context.Context, before time.Time) (snapshots.CompactionReport, error) {
	s.compacted = true
	s.before = before
	return s.report, nil
}

func (s *stubMaintenance) DecimateAll(_ context.Context, desired int) (int, error) {
	s.decimated = true
	s.desired = desired
	return 3, nil
}

func newSessionValidator(t *testing.T) *auth.SessionValidator {
	t.Helper()
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("failed to construct session validator: %v", err)
	}
	return validator
}

func signSession(t *testing.T, userID string) string {
	t.Helper()
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.SessionClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "tauth",
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(testSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign session: %v", err)
	}
	return signed
}

func newTestRouter(t *testing.T, env *testEnvironment, maintenance Maintenance, clock func() time.Time) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	handler, err := NewHTTPHandler(Dependencies{
		SessionValidator: newSessionValidator(t),
		Users:            env.users,
		Hub:              env.hub,
		Maintenance:      maintenance,
		Clock:            clock,
		AllowedOrigins:   []string{testAllowedOrigin},
	})
	if err != nil {
		t.Fatalf("failed to construct router: %v", err)
	}
	return handler
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); !errors.Is(err, errMissingSessionValidator) {
		t.Fatalf("expected errMissingSessionValidator, got %v", err)
	}
}

func TestHealthzReportsOK(t *testing.T) {
	env := newTestEnvironment(t)
	router := newTestRouter(t, env, &stubMaintenance{}, nil)

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
}

func TestMetricsEndpointExposesCollectors(t *testing.T) {
	env := newTestEnvironment(t)
	router := newTestRouter(t, env, &stubMaintenance{}, nil)

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
}

func TestWebsocketRejectsMissingSession(t *testing.T) {
	env := newTestEnvironment(t)
	router := newTestRouter(t, env, &stubMaintenance{}, nil)

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/ws", http.NoBody))

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestAuthorizeRequestLogsExpiredSessionAtInfoLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/ws", http.NoBody)

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		sessions: stubSessionValidator{err: auth.ErrExpiredSessionToken},
		logger:   zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.InfoLevel {
		t.Fatalf("expected info level for expired session, got %s", entries[0].Level)
	}
}

func TestAuthorizeRequestLogsInvalidSessionAtWarnLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/ws", http.NoBody)

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		sessions: stubSessionValidator{err: auth.ErrInvalidSessionToken},
		logger:   zap.New(core),
	}

	handler.authorizeRequest(ctx)

	entries := logs.All()
	if len(entries) != 1 || entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected a single warn entry, got %v", entries)
	}
}

func TestUtilsEndpointsRequireLoopback(t *testing.T) {
	env := newTestEnvironment(t)
	maintenance := &stubMaintenance{}
	router := newTestRouter(t, env, maintenance, nil)

	for _, path := range []string{"/utils/compact?daysAgo=7", "/utils/decimate?num=5"} {
		request := httptest.NewRequest(http.MethodGet, path, http.NoBody)
		request.RemoteAddr = "203.0.113.9:41000"
		request.Header.Set("X-Forwarded-For", "127.0.0.1")
		recorder := httptest.NewRecorder()
		router.ServeHTTP(recorder, request)
		if recorder.Code != http.StatusForbidden {
			t.Fatalf("expected 403 for %s, got %d", path, recorder.Code)
		}
	}
	if maintenance.compacted || maintenance.decimated {
		t.Fatalf("expected maintenance not to run for remote callers")
	}
}

func TestUtilsCompactUsesDaysAgoCutoff(t *testing.T) {
	env := newTestEnvironment(t)
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	maintenance := &stubMaintenance{report: snapshots.CompactionReport{Trees: 2, Snapshots: 5}}
	router := newTestRouter(t, env, maintenance, func() time.Time { return now })

	request := httptest.NewRequest(http.MethodGet, "/utils/compact?daysAgo=7", http.NoBody)
	request.RemoteAddr = "127.0.0.1:41000"
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if !maintenance.before.Equal(now.Add(-7 * 24 * time.Hour)) {
		t.Fatalf("unexpected cutoff: %s", maintenance.before)
	}
	var body map[string]int
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body["trees"] != 2 || body["snapshots"] != 5 {
		t.Fatalf("unexpected report: %v", body)
	}
}

func TestUtilsDecimateValidatesCount(t *testing.T) {
	env := newTestEnvironment(t)
	maintenance := &stubMaintenance{}
	router := newTestRouter(t, env, maintenance, nil)

	request := httptest.NewRequest(http.MethodGet, "/utils/decimate?num=0", http.NoBody)
	request.RemoteAddr = "[::1]:41000"
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}

	request = httptest.NewRequest(http.MethodGet, "/utils/decimate?num=4", http.NoBody)
	request.RemoteAddr = "[::1]:41000"
	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK || maintenance.desired != 4 {
		t.Fatalf("expected decimation to 4, got status %d desired %d", recorder.Code, maintenance.desired)
	}
}
