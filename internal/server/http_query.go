package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/whiteclaws/clawpoints/internal/model"
)

// RiskFlagsResponse is the body of GET /v1/admin/risk-flags.
type RiskFlagsResponse struct {
	Flags []*model.RiskFlag `json:"flags"`
}

// handleGetScore handles GET /v1/actors/{id}/score?season=N.
func (s *Server) handleGetScore(w http.ResponseWriter, r *http.Request) {
	season, err := intParam("season", r.URL.Query().Get("season"), 0)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	sc, err := s.engine.Score(r.Context(), r.PathValue("id"), season)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

// handleLeaderboard handles GET /v1/leaderboard?season=&limit=&offset=.
func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	season, err := intParam("season", q.Get("season"), 0)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	limit, err := intParam("limit", q.Get("limit"), 0)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	offset, err := intParam("offset", q.Get("offset"), 0)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	lb, err := s.engine.Leaderboard(r.Context(), season, limit, offset)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lb)
}

// handleGetDownline handles GET /v1/actors/{id}/downline.
func (s *Server) handleGetDownline(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Downline(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleGetTrust handles GET /v1/actors/{id}/trust.
func (s *Server) handleGetTrust(w http.ResponseWriter, r *http.Request) {
	tp, err := s.engine.Trust(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tp)
}

// handleGetSeason handles GET /v1/seasons/{season}.
func (s *Server) handleGetSeason(w http.ResponseWriter, r *http.Request) {
	season, err := seasonParam(r)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	got, err := s.engine.Season(r.Context(), season)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, got)
}

// handleListRiskFlags handles GET /v1/admin/risk-flags with optional
// actor (comma-separated), unreviewed, min_risk and limit filters.
func (s *Server) handleListRiskFlags(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter model.RiskFlagFilter
	if v := q.Get("actor"); v != "" {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				filter.ActorIDs = append(filter.ActorIDs, id)
			}
		}
	}
	if v := q.Get("unreviewed"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			s.writeEngineError(w, r, model.Invalid("unreviewed", "not a boolean: "+v))
			return
		}
		filter.Unreviewed = b
	}
	if v := q.Get("min_risk"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f > 1 {
			s.writeEngineError(w, r, model.Invalid("min_risk", "must be a number in [0, 1]"))
			return
		}
		filter.MinRisk = f
	}
	limit, err := intParam("limit", q.Get("limit"), 0)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	filter.Limit = limit

	flags, err := s.engine.RiskFlags(r.Context(), filter)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RiskFlagsResponse{Flags: flags})
}
