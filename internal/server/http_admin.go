package server

import (
	"context"
	"net/http"

	"github.com/whiteclaws/clawpoints/internal/engine"
	"github.com/whiteclaws/clawpoints/internal/model"
)

// ReviewRequest is the body of POST /v1/admin/risk-flags/{actor}/review.
type ReviewRequest struct {
	Decision string `json:"decision"`
}

// SeasonRequest is the body of PUT /v1/admin/seasons/{season}.
type SeasonRequest struct {
	Status model.SeasonStatus `json:"status"`
}

func (s *Server) runSeasonJob(w http.ResponseWriter, r *http.Request, fn func(context.Context, int) (*engine.JobReport, error)) {
	season, err := seasonParam(r)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	report, err := fn(r.Context(), season)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) runScan(w http.ResponseWriter, r *http.Request, fn func(context.Context) (*engine.JobReport, error)) {
	report, err := fn(r.Context())
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleRecalculate handles POST /v1/admin/seasons/{season}/recalculate.
func (s *Server) handleRecalculate(w http.ResponseWriter, r *http.Request) {
	s.runSeasonJob(w, r, s.engine.RecalculateSeason)
}

// handleDecay handles POST /v1/admin/seasons/{season}/decay.
func (s *Server) handleDecay(w http.ResponseWriter, r *http.Request) {
	s.runSeasonJob(w, r, s.engine.ApplyDecay)
}

// handleRanks handles POST /v1/admin/seasons/{season}/ranks.
func (s *Server) handleRanks(w http.ResponseWriter, r *http.Request) {
	s.runSeasonJob(w, r, s.engine.UpdateRanks)
}

func (s *Server) handlePyramidScan(w http.ResponseWriter, r *http.Request) {
	s.runScan(w, r, s.engine.RunPyramidScan)
}

func (s *Server) handleClusterScan(w http.ResponseWriter, r *http.Request) {
	s.runScan(w, r, s.engine.RunClusterScan)
}

// handleSnapshot handles POST /v1/admin/seasons/{season}/snapshot.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	season, err := seasonParam(r)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	res, err := s.engine.Snapshot(r.Context(), season)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleReviewRiskFlag handles POST /v1/admin/risk-flags/{actor}/review.
func (s *Server) handleReviewRiskFlag(w http.ResponseWriter, r *http.Request) {
	var req ReviewRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	flag, err := s.engine.ReviewRiskFlag(r.Context(), r.PathValue("actor"), req.Decision)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, flag)
}

// handleSetSeason handles PUT /v1/admin/seasons/{season}.
func (s *Server) handleSetSeason(w http.ResponseWriter, r *http.Request) {
	season, err := seasonParam(r)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	var req SeasonRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	got, err := s.engine.SetSeasonStatus(r.Context(), season, req.Status)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, got)
}
