package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/whiteclaws/clawpoints/internal/metrics"
	"github.com/whiteclaws/clawpoints/internal/model"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// NewHTTPHandler returns an http.Handler with all routes registered.
func (s *Server) NewHTTPHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/events", s.handleEmit)
	mux.HandleFunc("POST /v1/submissions", s.handleSubmit)
	mux.HandleFunc("POST /v1/referrals/attach", s.handleAttach)
	mux.HandleFunc("POST /v1/referrals/qualify", s.handleQualify)
	mux.HandleFunc("POST /v1/actors/{id}/referral-code", s.handleReferralCode)
	mux.HandleFunc("PUT /v1/participants/{id}", s.handleRegisterParticipant)
	mux.HandleFunc("GET /v1/actors/{id}/score", s.handleGetScore)
	mux.HandleFunc("GET /v1/actors/{id}/downline", s.handleGetDownline)
	mux.HandleFunc("GET /v1/actors/{id}/trust", s.handleGetTrust)
	mux.HandleFunc("GET /v1/leaderboard", s.handleLeaderboard)
	mux.HandleFunc("GET /v1/seasons/{season}", s.handleGetSeason)
	mux.HandleFunc("GET /v1/admin/risk-flags", s.handleListRiskFlags)
	mux.HandleFunc("POST /v1/admin/risk-flags/{actor}/review", s.handleReviewRiskFlag)
	mux.HandleFunc("POST /v1/admin/seasons/{season}/recalculate", s.handleRecalculate)
	mux.HandleFunc("POST /v1/admin/seasons/{season}/decay", s.handleDecay)
	mux.HandleFunc("POST /v1/admin/seasons/{season}/ranks", s.handleRanks)
	mux.HandleFunc("POST /v1/admin/seasons/{season}/snapshot", s.handleSnapshot)
	mux.HandleFunc("PUT /v1/admin/seasons/{season}", s.handleSetSeason)
	mux.HandleFunc("POST /v1/admin/scans/pyramid", s.handlePyramidScan)
	mux.HandleFunc("POST /v1/admin/scans/cluster", s.handleClusterScan)
	mux.HandleFunc("GET /v1/admin/stream", s.handleEventStream)
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	return s.observe(s.rateLimit(s.authMiddleware(mux)))
}

// handleHealth handles GET /v1/health.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// ErrorResponse is the body of every failed call.
type ErrorResponse struct {
	Error    string       `json:"error"`
	Category string       `json:"category,omitempty"`
	Code     string       `json:"code,omitempty"`
	Fields   []FieldError `json:"fields,omitempty"`
}

// FieldError names one invalid input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// HTTPStatus maps an error category to its response status.
func HTTPStatus(c model.Category) int {
	switch c {
	case model.CategoryValidation:
		return http.StatusBadRequest
	case model.CategoryPolicy:
		return http.StatusUnprocessableEntity
	case model.CategoryConflict:
		return http.StatusConflict
	case model.CategoryNotFound:
		return http.StatusNotFound
	case model.CategoryIntegrity:
		return http.StatusInternalServerError
	}
	return http.StatusServiceUnavailable
}

// writeEngineError maps err onto a status and body. Store and integrity
// failures are logged and answered without their detail.
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	cat := model.CategoryOf(err)
	body := ErrorResponse{Error: err.Error(), Category: cat.String(), Code: model.CodeOf(err)}

	var ve *model.ValidationError
	var me *model.Error
	switch {
	case errors.As(err, &ve):
		for _, fe := range ve.Errors {
			body.Fields = append(body.Fields, FieldError{Field: fe.Field, Message: fe.Message})
		}
	case cat == model.CategoryStore || cat == model.CategoryIntegrity:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		body.Error = "internal error"
	case errors.As(err, &me) && me.Message != "":
		body.Error = me.Message
	}
	if cat == model.CategoryStore || cat == model.CategoryConflict {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, HTTPStatus(cat), body)
}

// decodeBody reads a JSON body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return model.Invalid("body", "invalid JSON: "+err.Error())
	}
	return nil
}

// intParam parses an optional integer query or path value. Empty yields def.
func intParam(field, raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, model.Invalid(field, "not an integer: "+raw)
	}
	return n, nil
}

// seasonParam reads {season}; "current" and 0 both name the current season.
func seasonParam(r *http.Request) (int, error) {
	raw := r.PathValue("season")
	if raw == "current" {
		return 0, nil
	}
	return intParam("season", raw, 0)
}

// statusRecorder captures the response status for metrics and logs.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *statusRecorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rec *statusRecorder) Unwrap() http.ResponseWriter { return rec.ResponseWriter }

// observe counts and logs every request by matched route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		if route == "GET /metrics" || route == "GET /v1/health" {
			return
		}
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}
