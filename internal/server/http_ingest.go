package server

import (
	"net/http"

	"github.com/whiteclaws/clawpoints/internal/engine"
)

// EmitRequest is the body of POST /v1/events.
type EmitRequest struct {
	ActorID  string            `json:"actor_id"`
	Kind     string            `json:"event_kind"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// handleEmit handles POST /v1/events. Policy rejections are answered with
// 200 and accepted=false.
func (s *Server) handleEmit(w http.ResponseWriter, r *http.Request) {
	var req EmitRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	res, err := s.engine.Emit(r.Context(), req.ActorID, req.Kind, req.Metadata)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleSubmit handles POST /v1/submissions.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req engine.SubmitRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	res, err := s.engine.Submit(r.Context(), req)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
