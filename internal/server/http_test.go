package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alitto/pond/v2"

	"github.com/whiteclaws/clawpoints/internal/config"
	"github.com/whiteclaws/clawpoints/internal/engine"
	"github.com/whiteclaws/clawpoints/internal/lease"
	"github.com/whiteclaws/clawpoints/internal/model"
	"github.com/whiteclaws/clawpoints/internal/store/memory"
)

type testServer struct {
	handler http.Handler
	server  *Server
	hub     *Hub
	engine  *engine.Engine
	store   *memory.Store
	now     time.Time
}

// newTestServer wires a real engine over the in-memory store. The engine
// clock sits one hour into the first season.
func newTestServer(t *testing.T, mutate func(*Options)) *testServer {
	t.Helper()
	policy := config.DefaultPolicy()
	pool := pond.NewPool(4)
	t.Cleanup(pool.StopAndWait)

	now := policy.SeasonStart.Add(time.Hour)
	ts := &testServer{store: memory.New(), hub: NewHub(), now: now}
	ts.engine = engine.New(engine.Options{
		Store:     ts.store,
		Policy:    policy,
		Pool:      pool,
		Publisher: ts.hub,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:       func() time.Time { return now },
	})
	opts := Options{
		Engine: ts.engine,
		Hub:    ts.hub,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&opts)
	}
	ts.server = New(opts)
	ts.handler = ts.server.NewHTTPHandler()
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	req.RemoteAddr = "203.0.113.7:40000"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	return v
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status = %d, want %d; body: %s", rec.Code, want, rec.Body.String())
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, func(o *Options) { o.AuthToken = "secret" })
	rec := ts.do(t, "GET", "/v1/health", nil, "")
	expectStatus(t, rec, http.StatusOK)
	if got := decode[map[string]string](t, rec); got["status"] != "ok" {
		t.Fatalf("body = %v", got)
	}
}

func TestEmit_AcceptedThenScored(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, "POST", "/v1/events", EmitRequest{ActorID: "alice", Kind: "finding_accepted"}, "")
	expectStatus(t, rec, http.StatusOK)
	res := decode[engine.EmitResult](t, rec)
	if !res.Accepted || res.Points != 500 {
		t.Fatalf("result = %+v, want accepted with 500 points", res)
	}

	rec = ts.do(t, "GET", "/v1/actors/alice/score", nil, "")
	expectStatus(t, rec, http.StatusOK)
	if sc := decode[model.ContributionScore](t, rec); sc.TotalScore != 300 {
		t.Fatalf("total = %v, want 300", sc.TotalScore)
	}
}

func TestEmit_RejectionIsOK(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.do(t, "POST", "/v1/events", EmitRequest{ActorID: "alice", Kind: "weekly_active"}, "")

	rec := ts.do(t, "POST", "/v1/events", EmitRequest{ActorID: "alice", Kind: "weekly_active"}, "")
	expectStatus(t, rec, http.StatusOK)
	res := decode[engine.EmitResult](t, rec)
	if res.Accepted || res.Reason != model.ReasonCooldown {
		t.Fatalf("result = %+v, want cooldown rejection", res)
	}
}

func TestEmit_InvalidInput(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, "POST", "/v1/events", EmitRequest{ActorID: "alice", Kind: "referral_bonus"}, "")
	expectStatus(t, rec, http.StatusBadRequest)
	body := decode[ErrorResponse](t, rec)
	if body.Category != model.CategoryValidation.String() || len(body.Fields) == 0 {
		t.Fatalf("body = %+v, want field errors", body)
	}

	req := httptest.NewRequest("POST", "/v1/events", strings.NewReader("{not json"))
	raw := httptest.NewRecorder()
	ts.handler.ServeHTTP(raw, req)
	expectStatus(t, raw, http.StatusBadRequest)
}

func TestSubmit(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, "POST", "/v1/submissions", engine.SubmitRequest{
		ActorID:     "alice",
		Target:      "vault",
		Title:       "Reentrancy in Vault.withdraw",
		Description: "withdraw() transfers ETH before zeroing the balance, so a malicious receiver can re-enter and drain the vault.",
		Severity:    model.SeverityHigh,
	}, "")
	expectStatus(t, rec, http.StatusOK)
	res := decode[engine.SubmitResult](t, rec)
	if !res.Accepted || res.SubmissionID == "" {
		t.Fatalf("result = %+v, want accepted", res)
	}
}

func TestReferralFlow(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, "POST", "/v1/actors/alice/referral-code", nil, "")
	expectStatus(t, rec, http.StatusOK)
	link := decode[model.ReferralLink](t, rec)
	if !strings.HasPrefix(link.Code, "WC-") {
		t.Fatalf("code = %q", link.Code)
	}

	rec = ts.do(t, "POST", "/v1/referrals/attach", AttachRequest{ActorID: "bob", Code: link.Code}, "")
	expectStatus(t, rec, http.StatusCreated)
	if got := decode[map[string]any](t, rec); got["referrer_id"] != "alice" {
		t.Fatalf("attach = %v", got)
	}
	if strings.Contains(rec.Body.String(), "monitored") {
		t.Error("attach reply leaks the monitoring state")
	}

	rec = ts.do(t, "POST", "/v1/referrals/attach", AttachRequest{ActorID: "bob", Code: link.Code}, "")
	expectStatus(t, rec, http.StatusUnprocessableEntity)
	if body := decode[ErrorResponse](t, rec); body.Code != model.ReasonAlreadyReferred {
		t.Fatalf("code = %q, want %q", body.Code, model.ReasonAlreadyReferred)
	}

	rec = ts.do(t, "POST", "/v1/referrals/attach", AttachRequest{ActorID: "carol", Code: "wc-zzzzzzzz"}, "")
	expectStatus(t, rec, http.StatusNotFound)

	rec = ts.do(t, "POST", "/v1/referrals/qualify", QualifyRequest{ActorID: "bob", Action: "finding_accepted"}, "")
	expectStatus(t, rec, http.StatusOK)
	if got := decode[QualifyResponse](t, rec); len(got.Edges) != 1 {
		t.Fatalf("qualified edges = %d, want 1", len(got.Edges))
	}

	rec = ts.do(t, "POST", "/v1/referrals/qualify", QualifyRequest{ActorID: "bob"}, "")
	expectStatus(t, rec, http.StatusBadRequest)

	rec = ts.do(t, "GET", "/v1/actors/alice/downline", nil, "")
	expectStatus(t, rec, http.StatusOK)
	if stats := decode[model.DownlineStats](t, rec); stats.Direct != 1 || stats.Qualified != 1 {
		t.Fatalf("downline = %+v", stats)
	}
}

func TestRegisterParticipant_UsesPathActor(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, "PUT", "/v1/participants/alice", model.Participant{ActorID: "mallory", IPAddress: "198.51.100.4"}, "")
	expectStatus(t, rec, http.StatusOK)
	p := decode[model.Participant](t, rec)
	if p.ActorID != "alice" || p.IPAddress != "198.51.100.4" {
		t.Fatalf("participant = %+v", p)
	}
}

func TestQueries(t *testing.T) {
	ts := newTestServer(t, nil)
	for _, ev := range []EmitRequest{
		{ActorID: "alice", Kind: "finding_accepted"},
		{ActorID: "bob", Kind: "finding_paid"},
	} {
		expectStatus(t, ts.do(t, "POST", "/v1/events", ev, ""), http.StatusOK)
	}

	rec := ts.do(t, "GET", "/v1/leaderboard?limit=10", nil, "")
	expectStatus(t, rec, http.StatusOK)
	lb := decode[engine.Leaderboard](t, rec)
	if lb.Total != 2 || len(lb.Scores) != 2 || lb.Scores[0].ActorID != "bob" {
		t.Fatalf("leaderboard = %+v", lb)
	}

	for _, tc := range []struct {
		path string
		want int
	}{
		{"/v1/leaderboard?offset=-1", http.StatusBadRequest},
		{"/v1/leaderboard?limit=ten", http.StatusBadRequest},
		{"/v1/actors/alice/score?season=abc", http.StatusBadRequest},
		{"/v1/actors/nobody/score", http.StatusNotFound},
		{"/v1/actors/alice/trust", http.StatusOK},
		{"/v1/seasons/current", http.StatusOK},
		{"/v1/admin/risk-flags?min_risk=2", http.StatusBadRequest},
		{"/v1/admin/risk-flags?unreviewed=true", http.StatusOK},
	} {
		t.Run(tc.path, func(t *testing.T) {
			expectStatus(t, ts.do(t, "GET", tc.path, nil, ""), tc.want)
		})
	}
}

func TestAdminJobs(t *testing.T) {
	ts := newTestServer(t, nil)
	expectStatus(t, ts.do(t, "POST", "/v1/events", EmitRequest{ActorID: "alice", Kind: "finding_accepted"}, ""), http.StatusOK)

	for _, path := range []string{
		"/v1/admin/seasons/1/recalculate",
		"/v1/admin/seasons/1/decay",
		"/v1/admin/seasons/current/ranks",
		"/v1/admin/scans/pyramid",
		"/v1/admin/scans/cluster",
	} {
		t.Run(path, func(t *testing.T) {
			rec := ts.do(t, "POST", path, nil, "")
			expectStatus(t, rec, http.StatusOK)
			if report := decode[engine.JobReport](t, rec); report.Job == "" {
				t.Fatalf("report = %+v", report)
			}
		})
	}

	rec := ts.do(t, "POST", "/v1/admin/seasons/1/snapshot", nil, "")
	expectStatus(t, rec, http.StatusUnprocessableEntity)
	if body := decode[ErrorResponse](t, rec); body.Code != "snapshot_disabled" {
		t.Fatalf("code = %q", body.Code)
	}
	expectStatus(t, ts.do(t, "POST", "/v1/admin/seasons/abc/decay", nil, ""), http.StatusBadRequest)
}

func TestAdminJob_LeaseHeld(t *testing.T) {
	ts := newTestServer(t, nil)
	other := lease.NewStoreLocker(ts.store, "other-host")
	release, err := other.Acquire(context.Background(), lease.Name(engine.JobRecalculate, 1), time.Hour)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer release(context.Background()) //nolint:errcheck

	rec := ts.do(t, "POST", "/v1/admin/seasons/1/recalculate", nil, "")
	expectStatus(t, rec, http.StatusConflict)
	if body := decode[ErrorResponse](t, rec); body.Code != model.ReasonJobRunning {
		t.Fatalf("code = %q, want job_running", body.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("conflict without Retry-After")
	}
}

func TestSeasonAndReview(t *testing.T) {
	ts := newTestServer(t, nil)
	expectStatus(t, ts.do(t, "POST", "/v1/events", EmitRequest{ActorID: "mallory", Kind: "finding_accepted"}, ""), http.StatusOK)

	rec := ts.do(t, "POST", "/v1/admin/risk-flags/mallory/review", ReviewRequest{Decision: "ban"}, "")
	expectStatus(t, rec, http.StatusOK)
	if flag := decode[model.RiskFlag](t, rec); flag.Action != model.ActionBan || !flag.Reviewed {
		t.Fatalf("flag = %+v", flag)
	}
	expectStatus(t, ts.do(t, "POST", "/v1/admin/risk-flags/mallory/review", ReviewRequest{Decision: "maybe"}, ""), http.StatusBadRequest)

	rec = ts.do(t, "GET", "/v1/admin/risk-flags", nil, "")
	expectStatus(t, rec, http.StatusOK)
	if got := decode[RiskFlagsResponse](t, rec); len(got.Flags) != 1 {
		t.Fatalf("flags = %d, want 1", len(got.Flags))
	}

	rec = ts.do(t, "PUT", "/v1/admin/seasons/1", SeasonRequest{Status: model.SeasonFrozen}, "")
	expectStatus(t, rec, http.StatusOK)
	rec = ts.do(t, "POST", "/v1/events", EmitRequest{ActorID: "alice", Kind: "finding_accepted"}, "")
	expectStatus(t, rec, http.StatusOK)
	if res := decode[engine.EmitResult](t, rec); res.Accepted || res.Reason != model.ReasonSeasonClosed {
		t.Fatalf("result = %+v, want season_closed", res)
	}
	expectStatus(t, ts.do(t, "PUT", "/v1/admin/seasons/1", SeasonRequest{Status: "paused"}, ""), http.StatusBadRequest)
}

func TestAuth_StaticToken(t *testing.T) {
	ts := newTestServer(t, func(o *Options) { o.AuthToken = "secret" })
	for _, tc := range []struct {
		name  string
		token string
		want  int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "nope", http.StatusUnauthorized},
		{"correct", "secret", http.StatusOK},
	} {
		t.Run(tc.name, func(t *testing.T) {
			expectStatus(t, ts.do(t, "GET", "/v1/leaderboard", nil, tc.token), tc.want)
		})
	}

	req := httptest.NewRequest("GET", "/v1/leaderboard", nil)
	req.Header.Set("Authorization", "Basic secret")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	expectStatus(t, rec, http.StatusUnauthorized)
}

func TestAuth_JWTRoles(t *testing.T) {
	const secret = "jwt-secret"
	ts := newTestServer(t, func(o *Options) { o.JWTSecret = secret })
	token := func(role string, ttl time.Duration) string {
		tok, err := IssueToken(secret, "tester", role, ttl, time.Now())
		if err != nil {
			t.Fatalf("IssueToken(%s): %v", role, err)
		}
		return tok
	}
	reader := token(RoleReader, time.Hour)
	ingest := token(RoleIngest, time.Hour)
	admin := token(RoleAdmin, time.Hour)
	expired := token(RoleAdmin, -time.Minute)
	forged, err := IssueToken("other-secret", "tester", RoleAdmin, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	emit := EmitRequest{ActorID: "alice", Kind: "weekly_active"}

	for _, tc := range []struct {
		name, method, path string
		body               any
		token              string
		want               int
	}{
		{"reader reads", "GET", "/v1/leaderboard", nil, reader, http.StatusOK},
		{"reader cannot emit", "POST", "/v1/events", emit, reader, http.StatusForbidden},
		{"ingest emits", "POST", "/v1/events", emit, ingest, http.StatusOK},
		{"ingest cannot run jobs", "POST", "/v1/admin/scans/pyramid", nil, ingest, http.StatusForbidden},
		{"admin runs jobs", "POST", "/v1/admin/scans/pyramid", nil, admin, http.StatusOK},
		{"expired", "GET", "/v1/leaderboard", nil, expired, http.StatusUnauthorized},
		{"forged", "GET", "/v1/leaderboard", nil, forged, http.StatusUnauthorized},
		{"metrics public", "GET", "/metrics", nil, "", http.StatusOK},
	} {
		t.Run(tc.name, func(t *testing.T) {
			expectStatus(t, ts.do(t, tc.method, tc.path, tc.body, tc.token), tc.want)
		})
	}
}

func TestIssueToken_Errors(t *testing.T) {
	if _, err := IssueToken("", "x", RoleAdmin, time.Hour, time.Now()); err == nil {
		t.Error("empty secret accepted")
	}
	if _, err := IssueToken("s", "x", "root", time.Hour, time.Now()); err == nil {
		t.Error("unknown role accepted")
	}
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, func(o *Options) { o.Rate = 0.001; o.Burst = 2 })

	expectStatus(t, ts.do(t, "GET", "/v1/leaderboard", nil, ""), http.StatusOK)
	expectStatus(t, ts.do(t, "GET", "/v1/leaderboard", nil, ""), http.StatusOK)
	rec := ts.do(t, "GET", "/v1/leaderboard", nil, "")
	expectStatus(t, rec, http.StatusTooManyRequests)
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 without Retry-After")
	}
	expectStatus(t, ts.do(t, "GET", "/v1/health", nil, ""), http.StatusOK)

	if n := ts.server.SweepLimiters(-time.Hour); n != 1 {
		t.Errorf("swept %d clients, want 1", n)
	}
	expectStatus(t, ts.do(t, "GET", "/v1/leaderboard", nil, ""), http.StatusOK)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.do(t, "GET", "/v1/leaderboard", nil, "")
	rec := ts.do(t, "GET", "/metrics", nil, "")
	expectStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), `wcp_http_requests_total{code="200",route="GET /v1/leaderboard"}`) {
		t.Fatalf("request metric missing from:\n%s", rec.Body.String())
	}
}

func TestHTTPStatus(t *testing.T) {
	for _, tc := range []struct {
		cat  model.Category
		want int
	}{
		{model.CategoryValidation, http.StatusBadRequest},
		{model.CategoryPolicy, http.StatusUnprocessableEntity},
		{model.CategoryConflict, http.StatusConflict},
		{model.CategoryNotFound, http.StatusNotFound},
		{model.CategoryStore, http.StatusServiceUnavailable},
		{model.CategoryIntegrity, http.StatusInternalServerError},
	} {
		if got := HTTPStatus(tc.cat); got != tc.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tc.cat, got, tc.want)
		}
	}
}

func TestWriteEngineError_HidesStoreDetail(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/leaderboard", nil)
	ts.server.writeEngineError(rec, req, model.StoreFailure("list scores", errors.New("pq: connection refused")))

	expectStatus(t, rec, http.StatusServiceUnavailable)
	body := decode[ErrorResponse](t, rec)
	if body.Error != "internal error" || strings.Contains(rec.Body.String(), "pq:") {
		t.Fatalf("body = %s", rec.Body.String())
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("store failure without Retry-After")
	}
}
