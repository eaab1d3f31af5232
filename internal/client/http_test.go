package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/whiteclaws/clawpoints/internal/engine"
	"github.com/whiteclaws/clawpoints/internal/model"
)

// testHandler captures the incoming request details and returns a canned response.
type testHandler struct {
	method string
	path   string
	query  string
	body   string
	auth   string

	statusCode   int
	responseBody string
}

func (h *testHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.method = r.Method
	h.path = r.URL.Path
	h.query = r.URL.RawQuery
	h.auth = r.Header.Get("Authorization")
	if r.Body != nil {
		data, _ := io.ReadAll(r.Body)
		h.body = string(data)
	}

	w.Header().Set("Content-Type", "application/json")
	if h.statusCode != 0 {
		w.WriteHeader(h.statusCode)
	}
	if h.responseBody != "" {
		_, _ = w.Write([]byte(h.responseBody))
	}
}

func newTestClient(t *testing.T, h http.Handler) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewHTTPClient(srv.URL+"/", "tok")
}

func TestHTTPClient_Emit(t *testing.T) {
	h := &testHandler{responseBody: `{"accepted":true,"points":500}`}
	c := newTestClient(t, h)

	res, err := c.Emit(context.Background(), "alice", "finding_accepted", map[string]string{"finding": "f-1"})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if !res.Accepted || res.Points != 500 {
		t.Errorf("result = %+v", res)
	}
	if h.method != http.MethodPost || h.path != "/v1/events" {
		t.Errorf("request = %s %s", h.method, h.path)
	}
	if !strings.Contains(h.body, `"event_kind":"finding_accepted"`) || !strings.Contains(h.body, `"finding":"f-1"`) {
		t.Errorf("body = %s", h.body)
	}
	if h.auth != "Bearer tok" {
		t.Errorf("auth = %q", h.auth)
	}
}

func TestHTTPClient_Paths(t *testing.T) {
	ctx := context.Background()
	for _, tc := range []struct {
		name       string
		call       func(c *HTTPClient) error
		method     string
		path       string
		query      string
		wantInBody string
	}{
		{"score current", func(c *HTTPClient) error { _, err := c.Score(ctx, "alice", 0); return err }, "GET", "/v1/actors/alice/score", "", ""},
		{"score season", func(c *HTTPClient) error { _, err := c.Score(ctx, "alice", 2); return err }, "GET", "/v1/actors/alice/score", "season=2", ""},
		{"leaderboard", func(c *HTTPClient) error { _, err := c.Leaderboard(ctx, 1, 10, 20); return err }, "GET", "/v1/leaderboard", "limit=10&offset=20&season=1", ""},
		{"downline", func(c *HTTPClient) error { _, err := c.Downline(ctx, "a/b"); return err }, "GET", "/v1/actors/a/b/downline", "", ""},
		{"referral code", func(c *HTTPClient) error { _, err := c.ReferralCode(ctx, "alice"); return err }, "POST", "/v1/actors/alice/referral-code", "", ""},
		{"attach", func(c *HTTPClient) error { _, err := c.Attach(ctx, "bob", "WC-ABCDEFGH"); return err }, "POST", "/v1/referrals/attach", "", `"code":"WC-ABCDEFGH"`},
		{"participant", func(c *HTTPClient) error {
			_, err := c.RegisterParticipant(ctx, &model.Participant{ActorID: "bob", IPAddress: "198.51.100.1"})
			return err
		}, "PUT", "/v1/participants/bob", "", `"ip_address":"198.51.100.1"`},
		{"decay", func(c *HTTPClient) error { _, err := c.RunSeasonJob(ctx, engine.JobDecay, 3); return err }, "POST", "/v1/admin/seasons/3/decay", "", ""},
		{"ranks current", func(c *HTTPClient) error { _, err := c.RunSeasonJob(ctx, engine.JobRanks, 0); return err }, "POST", "/v1/admin/seasons/current/ranks", "", ""},
		{"pyramid", func(c *HTTPClient) error { _, err := c.RunScan(ctx, engine.JobPyramidScan); return err }, "POST", "/v1/admin/scans/pyramid", "", ""},
		{"snapshot", func(c *HTTPClient) error { _, err := c.Snapshot(ctx, 1); return err }, "POST", "/v1/admin/seasons/1/snapshot", "", ""},
		{"risk flags", func(c *HTTPClient) error {
			_, err := c.RiskFlags(ctx, RiskFlagsRequest{ActorIDs: []string{"a", "b"}, Unreviewed: true, MinRisk: 0.5})
			return err
		}, "GET", "/v1/admin/risk-flags", "actor=a%2Cb&min_risk=0.5&unreviewed=true", ""},
		{"review", func(c *HTTPClient) error { _, err := c.ReviewRiskFlag(ctx, "mallory", "ban"); return err }, "POST", "/v1/admin/risk-flags/mallory/review", "", `"decision":"ban"`},
		{"season status", func(c *HTTPClient) error { _, err := c.SetSeasonStatus(ctx, 1, model.SeasonFrozen); return err }, "PUT", "/v1/admin/seasons/1", "", `"status":"frozen"`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := &testHandler{responseBody: `{}`}
			c := newTestClient(t, h)
			if err := tc.call(c); err != nil {
				t.Fatalf("call: %v", err)
			}
			if h.method != tc.method || h.path != tc.path {
				t.Errorf("request = %s %s, want %s %s", h.method, h.path, tc.method, tc.path)
			}
			if h.query != tc.query {
				t.Errorf("query = %q, want %q", h.query, tc.query)
			}
			if !strings.Contains(h.body, tc.wantInBody) {
				t.Errorf("body = %s, want it to contain %s", h.body, tc.wantInBody)
			}
		})
	}
}

func TestHTTPClient_APIError(t *testing.T) {
	h := &testHandler{
		statusCode:   http.StatusConflict,
		responseBody: `{"error":"recalculate:1 is already running","category":"conflict","code":"job_running"}`,
	}
	c := newTestClient(t, h)

	_, err := c.RunSeasonJob(context.Background(), engine.JobRecalculate, 1)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != model.ReasonJobRunning || apiErr.Category != "conflict" {
		t.Errorf("APIError = %+v", apiErr)
	}
	if !strings.Contains(err.Error(), "job_running") {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestHTTPClient_NonJSONError(t *testing.T) {
	h := &testHandler{statusCode: http.StatusBadGateway, responseBody: "upstream down\n"}
	c := newTestClient(t, h)

	_, err := c.Health(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "upstream down" {
		t.Fatalf("err = %v", err)
	}
}
