package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/apathy-ca/sark/internal/audit"
	"github.com/apathy-ca/sark/internal/authn"
	"github.com/apathy-ca/sark/internal/cache"
	"github.com/apathy-ca/sark/internal/config"
	"github.com/apathy-ca/sark/internal/identity"
	"github.com/apathy-ca/sark/internal/policy"
	"github.com/apathy-ca/sark/internal/ratelimit"
	"github.com/apathy-ca/sark/internal/session"
	"github.com/apathy-ca/sark/internal/telemetry"
)

type noopSink struct{}

func (noopSink) Enqueue(ctx context.Context, ev audit.Event) error { return nil }

func newTestServer(t *testing.T) (*Server, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	logger := telemetry.NewLogger("text", "error")
	emitter := audit.NewEmitter(noopSink{}, logger)

	hash, err := bcrypt.GenerateFromPassword([]byte("correct horse"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	directory := identity.NewDirectoryProvider(identity.DirectoryClient{
		Search: func(ctx context.Context, username string) (string, string, []string, bool, error) {
			if username != "alice" {
				return "", "", nil, false, nil
			}
			return "cn=alice", string(hash), []string{"engineers"}, true, nil
		},
	}, time.Second)

	sessions := session.New(rdb)
	tokens, err := session.NewTokenIssuer("01234567890123456789012345678901", time.Hour)
	if err != nil {
		t.Fatalf("token issuer: %v", err)
	}

	limiter := ratelimit.New(rdb, map[ratelimit.Scope]ratelimit.BucketConfig{
		ratelimit.ScopeIP:   {Capacity: 1000, RefillRatePerSecond: 1000},
		ratelimit.ScopeUser: {Capacity: 1000, RefillRatePerSecond: 1000},
	})

	authnCore := authn.New(directory, nil, nil, nil, sessions, tokens, limiter, emitter, authn.Config{
		RefreshTTL:         time.Hour,
		MaxSessionsPerUser: 5,
	})

	ruleEngineSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result":{"decision":"allow","reason":"ok"}}`))
	}))
	t.Cleanup(ruleEngineSrv.Close)

	polCache := cache.New(rdb)
	ruleEngine := policy.NewHTTPRuleEngineClient(ruleEngineSrv.URL, time.Second)
	polEngine := policy.New(polCache, ruleEngine, emitter, "sark/authz", policy.DefaultTTLConfig(), time.Second, "v1")

	cfg := &config.Config{CORSAllowedOrigins: []string{"*"}}

	srv := NewServer(cfg, logger, nil, rdb, nil, Deps{
		Authn:        authnCore,
		Policy:       polEngine,
		RateLimiter:  limiter,
		HasDirectory: true,
	})
	return srv, mr
}

func TestLoginRefreshMeFlow(t *testing.T) {
	srv, _ := newTestServer(t)

	body, _ := json.Marshal(loginRequest{Username: "alice", Password: "correct horse"})
	req := httptest.NewRequest(http.MethodPost, "/auth/login/directory", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d, body = %s", w.Code, w.Body.String())
	}
	var loginResp loginResponse
	if err := json.Unmarshal(w.Body.Bytes(), &loginResp); err != nil {
		t.Fatalf("decoding login response: %v", err)
	}
	if loginResp.AccessToken == "" || loginResp.RefreshToken == "" {
		t.Fatalf("expected tokens in response, got %+v", loginResp)
	}

	meReq := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	meReq.Header.Set("Authorization", "Bearer "+loginResp.AccessToken)
	meW := httptest.NewRecorder()
	srv.ServeHTTP(meW, meReq)
	if meW.Code != http.StatusOK {
		t.Fatalf("me status = %d, body = %s", meW.Code, meW.Body.String())
	}

	refreshBody, _ := json.Marshal(refreshRequest{RefreshToken: loginResp.RefreshToken})
	refreshReq := httptest.NewRequest(http.MethodPost, "/auth/refresh", bytes.NewReader(refreshBody))
	refreshW := httptest.NewRecorder()
	srv.ServeHTTP(refreshW, refreshReq)
	if refreshW.Code != http.StatusOK {
		t.Fatalf("refresh status = %d, body = %s", refreshW.Code, refreshW.Body.String())
	}

	replayW := httptest.NewRecorder()
	srv.ServeHTTP(replayW, httptest.NewRequest(http.MethodPost, "/auth/refresh", bytes.NewReader(refreshBody)))
	if replayW.Code == http.StatusOK {
		t.Fatal("expected replayed refresh token to be rejected")
	}
}

func TestLoginRejectsBadPassword(t *testing.T) {
	srv, _ := newTestServer(t)

	body, _ := json.Marshal(loginRequest{Username: "alice", Password: "wrong"})
	req := httptest.NewRequest(http.MethodPost, "/auth/login/directory", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", w.Code, w.Body.String())
	}
}

func TestPolicyEvaluateReturnsCacheStatusHeader(t *testing.T) {
	srv, _ := newTestServer(t)

	loginBody, _ := json.Marshal(loginRequest{Username: "alice", Password: "correct horse"})
	loginW := httptest.NewRecorder()
	srv.ServeHTTP(loginW, httptest.NewRequest(http.MethodPost, "/auth/login/directory", bytes.NewReader(loginBody)))
	var loginResp loginResponse
	if err := json.Unmarshal(loginW.Body.Bytes(), &loginResp); err != nil {
		t.Fatalf("decoding login response: %v", err)
	}

	evalBody, _ := json.Marshal(evaluateRequest{Action: "read", Resource: "server:1"})
	evalReq := httptest.NewRequest(http.MethodPost, "/policy/evaluate", bytes.NewReader(evalBody))
	evalReq.Header.Set("Authorization", "Bearer "+loginResp.AccessToken)
	evalW := httptest.NewRecorder()
	srv.ServeHTTP(evalW, evalReq)

	if evalW.Code != http.StatusOK {
		t.Fatalf("evaluate status = %d, body = %s", evalW.Code, evalW.Body.String())
	}
	if evalW.Header().Get("X-Cache-Status") != "MISS" {
		t.Fatalf("expected first evaluate to report MISS, got %q", evalW.Header().Get("X-Cache-Status"))
	}

	var out policy.Outcome
	if err := json.Unmarshal(evalW.Body.Bytes(), &out); err != nil {
		t.Fatalf("decoding evaluate response: %v", err)
	}
	if out.Decision != policy.Allow {
		t.Fatalf("expected allow, got %v", out.Decision)
	}

	evalReq2 := httptest.NewRequest(http.MethodPost, "/policy/evaluate", bytes.NewReader(evalBody))
	evalReq2.Header.Set("Authorization", "Bearer "+loginResp.AccessToken)
	evalW2 := httptest.NewRecorder()
	srv.ServeHTTP(evalW2, evalReq2)
	if evalW2.Header().Get("X-Cache-Status") != "HIT" {
		t.Fatalf("expected second evaluate to report HIT, got %q", evalW2.Header().Get("X-Cache-Status"))
	}
}

func TestDualCredentialRejected(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.Header.Set("Authorization", "Bearer whatever")
	req.Header.Set("X-API-Key", "sark_live_whatever")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for dual credential, got %d", w.Code)
	}
}
