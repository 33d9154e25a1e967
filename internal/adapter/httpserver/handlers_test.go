package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"github.com/aiseohq/aiseo/internal/domain"
	"github.com/aiseohq/aiseo/internal/orchestrator"
	"github.com/aiseohq/aiseo/internal/quota"
)

type fakeQueue struct {
	lastRoot *domain.FlowNode
}

func (f *fakeQueue) Enqueue(_ domain.Context, _, _ string, _ map[string]any, _ domain.JobOptions) (string, error) {
	return "", errors.New("unexpected single enqueue")
}

func (f *fakeQueue) EnqueueFlow(_ domain.Context, root *domain.FlowNode) (string, error) {
	f.lastRoot = root
	return "flow-root-1", nil
}

func newTestServer(t *testing.T) (*Server, *fakeQueue) {
	t.Helper()
	q := &fakeQueue{}
	return &Server{
		Flows:    orchestrator.New(q, nil, orchestrator.DefaultQueues()),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}, q
}

func authedRequest(method, target, body string, claims *AuthClaims) *http.Request {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, target, nil)
	} else {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	if claims != nil {
		r = r.WithContext(contextWithClaims(r.Context(), claims))
	}
	return r
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.NewDecoder(w.Body).Decode(&env); err != nil {
		t.Fatalf("decode error envelope: %v (body %q)", err, w.Body.String())
	}
	return env
}

func signToken(t *testing.T, secret string, claims *AuthClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func TestAuthMiddleware(t *testing.T) {
	const secret = "test-secret"
	var seen *AuthClaims
	handler := AuthMiddleware(secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("missing token", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/flows", nil))
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", w.Code)
		}
		if env := decodeError(t, w); env.Error.Code != "UNAUTHENTICATED" {
			t.Fatalf("expected UNAUTHENTICATED, got %s", env.Error.Code)
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		tok := signToken(t, "other-secret", &AuthClaims{TenantID: "t1"})
		r := httptest.NewRequest(http.MethodGet, "/v1/flows", nil)
		r.Header.Set("Authorization", "Bearer "+tok)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", w.Code)
		}
	})

	t.Run("token without tenant binding", func(t *testing.T) {
		tok := signToken(t, secret, &AuthClaims{})
		r := httptest.NewRequest(http.MethodGet, "/v1/flows", nil)
		r.Header.Set("Authorization", "Bearer "+tok)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("tenant-less token must be refused, got %d", w.Code)
		}
	})

	t.Run("valid token", func(t *testing.T) {
		tok := signToken(t, secret, &AuthClaims{
			TenantID: "t1", Role: "admin",
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "u1",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		})
		r := httptest.NewRequest(http.MethodGet, "/v1/flows", nil)
		r.Header.Set("Authorization", "Bearer "+tok)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
		}
		if seen == nil || seen.TenantID != "t1" || seen.Subject != "u1" {
			t.Fatalf("claims not propagated: %+v", seen)
		}
	})

	t.Run("expired token", func(t *testing.T) {
		tok := signToken(t, secret, &AuthClaims{
			TenantID: "t1",
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			},
		})
		r := httptest.NewRequest(http.MethodGet, "/v1/flows", nil)
		r.Header.Set("Authorization", "Bearer "+tok)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("expired token must be refused, got %d", w.Code)
		}
	})
}

func TestWriteError_Mapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("x: %w", domain.ErrInvalidArgument), http.StatusBadRequest, "INVALID_ARGUMENT"},
		{fmt.Errorf("x: %w", domain.ErrNotFound), http.StatusNotFound, "NOT_FOUND"},
		{fmt.Errorf("x: %w", domain.ErrConflict), http.StatusConflict, "CONFLICT"},
		{fmt.Errorf("x: %w", domain.ErrQuotaExceeded), http.StatusTooManyRequests, "QUOTA_EXCEEDED"},
		{fmt.Errorf("x: %w", domain.ErrTenantMismatch), http.StatusForbidden, "TENANT_MISMATCH"},
		{fmt.Errorf("x: %w", domain.ErrUnsafeURL), http.StatusBadRequest, "UNSAFE_URL"},
		{errors.New("boom"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		writeError(w, nil, tc.err, nil)
		if w.Code != tc.status {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.status, w.Code)
		}
		if env := decodeError(t, w); env.Error.Code != tc.code {
			t.Fatalf("%v: expected code %s, got %s", tc.err, tc.code, env.Error.Code)
		}
	}
}

func TestWriteError_QuotaDetails(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, nil, &domain.QuotaError{
		Kind: domain.QuotaSerpJobs, Period: "2026-08", Limit: 5000, Current: 5000, Requested: 3,
	}, nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.NewDecoder(w.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Error.Code != "QUOTA_EXCEEDED" {
		t.Fatalf("expected QUOTA_EXCEEDED, got %s", env.Error.Code)
	}
	if env.Error.Details["kind"] != "serp_jobs" || env.Error.Details["limit"] != float64(5000) {
		t.Fatalf("structured details missing: %+v", env.Error.Details)
	}
}

func TestSubmitFlowHandler_TenantComesFromToken(t *testing.T) {
	srv, q := newTestServer(t)
	claims := &AuthClaims{TenantID: "t1", Role: "analyst"}

	body := `{"flowName":"local-seo-optimization","input":{"tenantId":"someone-else","projectId":"p1"}}`
	w := httptest.NewRecorder()
	srv.SubmitFlowHandler()(w, authedRequest(http.MethodPost, "/v1/flows", body, claims))

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var sub orchestrator.Submission
	if err := json.NewDecoder(w.Body).Decode(&sub); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sub.FlowJobID != "flow-root-1" {
		t.Fatalf("expected submission, got %+v", sub)
	}
	if got := q.lastRoot.Payload["tenantId"]; got != "t1" {
		t.Fatalf("body tenant must be overwritten by the token, got %v", got)
	}
}

func TestSubmitFlowHandler_Rejections(t *testing.T) {
	srv, _ := newTestServer(t)
	claims := &AuthClaims{TenantID: "t1"}

	t.Run("malformed body", func(t *testing.T) {
		w := httptest.NewRecorder()
		srv.SubmitFlowHandler()(w, authedRequest(http.MethodPost, "/v1/flows", "{oops", claims))
		if w.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", w.Code)
		}
	})

	t.Run("missing flow name", func(t *testing.T) {
		w := httptest.NewRecorder()
		srv.SubmitFlowHandler()(w, authedRequest(http.MethodPost, "/v1/flows", `{"input":{}}`, claims))
		if w.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", w.Code)
		}
	})

	t.Run("unknown flow", func(t *testing.T) {
		w := httptest.NewRecorder()
		srv.SubmitFlowHandler()(w, authedRequest(http.MethodPost, "/v1/flows", `{"flowName":"nope"}`, claims))
		if w.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", w.Code)
		}
		if env := decodeError(t, w); env.Error.Code != "INVALID_ARGUMENT" {
			t.Fatalf("expected INVALID_ARGUMENT, got %s", env.Error.Code)
		}
	})
}

func TestListFlowsHandler(t *testing.T) {
	srv, _ := newTestServer(t)
	w := httptest.NewRecorder()
	srv.ListFlowsHandler()(w, authedRequest(http.MethodGet, "/v1/flows", "", &AuthClaims{TenantID: "t1"}))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Flows []string `json:"flows"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Flows) != 4 {
		t.Fatalf("expected 4 templates, got %v", resp.Flows)
	}
}

func TestRequireAdmin(t *testing.T) {
	next := func(role string) (*httptest.ResponseRecorder, *AuthClaims) {
		w := httptest.NewRecorder()
		r := authedRequest(http.MethodDelete, "/v1/webhooks/x", "", &AuthClaims{TenantID: "t1", Role: role})
		return w, requireAdmin(w, r)
	}

	if w, claims := next("analyst"); claims != nil || w.Code != http.StatusForbidden {
		t.Fatalf("analyst must be forbidden, got claims=%v code=%d", claims, w.Code)
	}
	if _, claims := next("admin"); claims == nil {
		t.Fatalf("admin must pass")
	}
	if _, claims := next("manager"); claims == nil {
		t.Fatalf("manager must pass")
	}

	// Unauthenticated request (no claims in context).
	w := httptest.NewRecorder()
	if claims := requireAdmin(w, httptest.NewRequest(http.MethodDelete, "/x", nil)); claims != nil {
		t.Fatalf("missing claims must not pass")
	}
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestQuotaGuard_MetersAndRejects(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	srv, _ := newTestServer(t)
	srv.Quotas = quota.NewEngine(rdb, nil, nil,
		func(_ context.Context, _ string, _ domain.QuotaKind) (int64, error) { return 2, nil })

	handler := srv.QuotaGuard()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	claims := &AuthClaims{TenantID: "t1"}

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, authedRequest(http.MethodGet, "/v1/flows", "", claims))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d should pass, got %d", i+1, w.Code)
		}
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, authedRequest(http.MethodGet, "/v1/flows", "", claims))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("third request must be rejected, got %d", w.Code)
	}
	if env := decodeError(t, w); env.Error.Code != "QUOTA_EXCEEDED" {
		t.Fatalf("expected QUOTA_EXCEEDED, got %s", env.Error.Code)
	}
}

func TestSecurityHeaders(t *testing.T) {
	h := SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("missing nosniff header")
	}
	if w.Header().Get("X-Frame-Options") != "DENY" {
		t.Fatalf("missing frame options header")
	}
}

func TestRequestID_GeneratedAndEchoed(t *testing.T) {
	var inner string
	h := RequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inner = r.Header.Get("X-Request-Id")
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if inner == "" {
		t.Fatalf("request id must be generated")
	}
	if got := w.Header().Get("X-Request-Id"); got != inner {
		t.Fatalf("response id %q must match request id %q", got, inner)
	}

	// A caller-supplied id is preserved.
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Request-Id", "client-chosen")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if got := w.Header().Get("X-Request-Id"); got != "client-chosen" {
		t.Fatalf("caller id must be preserved, got %q", got)
	}
}
