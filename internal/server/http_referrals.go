package server

import (
	"net/http"

	"github.com/whiteclaws/clawpoints/internal/model"
)

// AttachRequest is the body of POST /v1/referrals/attach.
type AttachRequest struct {
	ActorID string `json:"actor_id"`
	Code    string `json:"code"`
}

// QualifyRequest is the body of POST /v1/referrals/qualify.
type QualifyRequest struct {
	ActorID string `json:"actor_id"`
	Action  string `json:"action"`
}

// QualifyResponse lists the edges that became qualified.
type QualifyResponse struct {
	Edges []*model.ReferralEdge `json:"edges"`
}

// handleAttach handles POST /v1/referrals/attach.
func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	var req AttachRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	res, err := s.engine.Attach(r.Context(), req.ActorID, req.Code)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// handleQualify handles POST /v1/referrals/qualify.
func (s *Server) handleQualify(w http.ResponseWriter, r *http.Request) {
	var req QualifyRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	edges, err := s.engine.Qualify(r.Context(), req.ActorID, req.Action)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if edges == nil {
		edges = []*model.ReferralEdge{}
	}
	writeJSON(w, http.StatusOK, QualifyResponse{Edges: edges})
}

// handleReferralCode handles POST /v1/actors/{id}/referral-code. The call
// is idempotent and returns the existing code when there is one.
func (s *Server) handleReferralCode(w http.ResponseWriter, r *http.Request) {
	link, err := s.engine.ReferralCode(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, link)
}

// handleRegisterParticipant handles PUT /v1/participants/{id}.
func (s *Server) handleRegisterParticipant(w http.ResponseWriter, r *http.Request) {
	var p model.Participant
	if err := decodeBody(w, r, &p); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	p.ActorID = r.PathValue("id")
	stored, err := s.engine.RegisterParticipant(r.Context(), &p)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}
