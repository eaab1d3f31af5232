package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/whiteclaws/clawpoints/internal/engine"
	"github.com/whiteclaws/clawpoints/internal/model"
	"github.com/whiteclaws/clawpoints/internal/referral"
	"github.com/whiteclaws/clawpoints/internal/snapshot"
)

// HTTPClient implements Client over the wcp REST API.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPClient creates a client for baseURL (e.g. "http://localhost:8080").
// A non-empty token is sent as a bearer credential on every request.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

// Close is a no-op for the HTTP client.
func (c *HTTPClient) Close() error { return nil }

// --- Ingestion ---

func (c *HTTPClient) Emit(ctx context.Context, actorID, kind string, metadata map[string]string) (*engine.EmitResult, error) {
	body := struct {
		ActorID  string            `json:"actor_id"`
		Kind     string            `json:"event_kind"`
		Metadata map[string]string `json:"metadata,omitempty"`
	}{actorID, kind, metadata}
	var res engine.EmitResult
	if err := c.doJSON(ctx, http.MethodPost, "/v1/events", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *HTTPClient) Submit(ctx context.Context, req engine.SubmitRequest) (*engine.SubmitResult, error) {
	var res engine.SubmitResult
	if err := c.doJSON(ctx, http.MethodPost, "/v1/submissions", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// --- Referrals ---

func (c *HTTPClient) ReferralCode(ctx context.Context, actorID string) (*model.ReferralLink, error) {
	var link model.ReferralLink
	if err := c.doJSON(ctx, http.MethodPost, "/v1/actors/"+url.PathEscape(actorID)+"/referral-code", nil, &link); err != nil {
		return nil, err
	}
	return &link, nil
}

func (c *HTTPClient) Attach(ctx context.Context, actorID, code string) (*referral.AttachResult, error) {
	body := map[string]string{"actor_id": actorID, "code": code}
	var res referral.AttachResult
	if err := c.doJSON(ctx, http.MethodPost, "/v1/referrals/attach", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *HTTPClient) Qualify(ctx context.Context, actorID, action string) ([]*model.ReferralEdge, error) {
	body := map[string]string{"actor_id": actorID, "action": action}
	var resp struct {
		Edges []*model.ReferralEdge `json:"edges"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/referrals/qualify", body, &resp); err != nil {
		return nil, err
	}
	return resp.Edges, nil
}

func (c *HTTPClient) RegisterParticipant(ctx context.Context, p *model.Participant) (*model.Participant, error) {
	var out model.Participant
	if err := c.doJSON(ctx, http.MethodPut, "/v1/participants/"+url.PathEscape(p.ActorID), p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// --- Queries ---

func (c *HTTPClient) Score(ctx context.Context, actorID string, season int) (*model.ContributionScore, error) {
	path := "/v1/actors/" + url.PathEscape(actorID) + "/score"
	if season > 0 {
		path += "?season=" + strconv.Itoa(season)
	}
	var sc model.ContributionScore
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &sc); err != nil {
		return nil, err
	}
	return &sc, nil
}

func (c *HTTPClient) Leaderboard(ctx context.Context, season, limit, offset int) (*engine.Leaderboard, error) {
	q := url.Values{}
	if season > 0 {
		q.Set("season", strconv.Itoa(season))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	path := "/v1/leaderboard"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var lb engine.Leaderboard
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &lb); err != nil {
		return nil, err
	}
	return &lb, nil
}

func (c *HTTPClient) Downline(ctx context.Context, actorID string) (*model.DownlineStats, error) {
	var stats model.DownlineStats
	if err := c.doJSON(ctx, http.MethodGet, "/v1/actors/"+url.PathEscape(actorID)+"/downline", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

func (c *HTTPClient) Trust(ctx context.Context, actorID string) (*model.TrustProfile, error) {
	var tp model.TrustProfile
	if err := c.doJSON(ctx, http.MethodGet, "/v1/actors/"+url.PathEscape(actorID)+"/trust", nil, &tp); err != nil {
		return nil, err
	}
	return &tp, nil
}

func (c *HTTPClient) Season(ctx context.Context, season int) (*model.Season, error) {
	var s model.Season
	if err := c.doJSON(ctx, http.MethodGet, "/v1/seasons/"+seasonSegment(season), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// --- Admin ---

// RunSeasonJob runs job ("recalculate", "decay" or "ranks") for season.
func (c *HTTPClient) RunSeasonJob(ctx context.Context, job string, season int) (*engine.JobReport, error) {
	var report engine.JobReport
	path := "/v1/admin/seasons/" + seasonSegment(season) + "/" + url.PathEscape(job)
	if err := c.doJSON(ctx, http.MethodPost, path, nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// RunScan runs a global scan job ("pyramid-scan" or "cluster-scan").
func (c *HTTPClient) RunScan(ctx context.Context, job string) (*engine.JobReport, error) {
	var report engine.JobReport
	path := "/v1/admin/scans/" + url.PathEscape(strings.TrimSuffix(job, "-scan"))
	if err := c.doJSON(ctx, http.MethodPost, path, nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func (c *HTTPClient) Snapshot(ctx context.Context, season int) (*snapshot.Result, error) {
	var res snapshot.Result
	if err := c.doJSON(ctx, http.MethodPost, "/v1/admin/seasons/"+seasonSegment(season)+"/snapshot", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *HTTPClient) RiskFlags(ctx context.Context, req RiskFlagsRequest) ([]*model.RiskFlag, error) {
	q := url.Values{}
	if len(req.ActorIDs) > 0 {
		q.Set("actor", strings.Join(req.ActorIDs, ","))
	}
	if req.Unreviewed {
		q.Set("unreviewed", "true")
	}
	if req.MinRisk > 0 {
		q.Set("min_risk", strconv.FormatFloat(req.MinRisk, 'f', -1, 64))
	}
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	path := "/v1/admin/risk-flags"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp struct {
		Flags []*model.RiskFlag `json:"flags"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Flags, nil
}

func (c *HTTPClient) ReviewRiskFlag(ctx context.Context, actorID, decision string) (*model.RiskFlag, error) {
	var flag model.RiskFlag
	path := "/v1/admin/risk-flags/" + url.PathEscape(actorID) + "/review"
	if err := c.doJSON(ctx, http.MethodPost, path, map[string]string{"decision": decision}, &flag); err != nil {
		return nil, err
	}
	return &flag, nil
}

func (c *HTTPClient) SetSeasonStatus(ctx context.Context, season int, status model.SeasonStatus) (*model.Season, error) {
	var s model.Season
	body := map[string]model.SeasonStatus{"status": status}
	if err := c.doJSON(ctx, http.MethodPut, "/v1/admin/seasons/"+seasonSegment(season), body, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Health returns the server's health status string.
func (c *HTTPClient) Health(ctx context.Context) (string, error) {
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/health", nil, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

// --- internal helpers ---

func seasonSegment(season int) string {
	if season <= 0 {
		return "current"
	}
	return strconv.Itoa(season)
}

// APIError is an error response from the server.
type APIError struct {
	StatusCode int
	Category   string
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("HTTP %d: %s (%s)", e.StatusCode, e.Message, e.Code)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// doJSON performs a request with an optional JSON body and decodes the JSON
// response into result when it is non-nil.
func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body any, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("performing request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error    string `json:"error"`
			Category string `json:"category"`
			Code     string `json:"code"`
		}
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			return &APIError{StatusCode: resp.StatusCode, Category: errResp.Category, Code: errResp.Code, Message: errResp.Error}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
