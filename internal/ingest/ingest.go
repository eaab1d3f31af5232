// Package ingest consumes emit and submit requests from the event bus.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/whiteclaws/clawpoints/internal/engine"
	"github.com/whiteclaws/clawpoints/internal/events"
	"github.com/whiteclaws/clawpoints/internal/model"
)

// Engine is the subset of the engine the bus can drive.
type Engine interface {
	Emit(ctx context.Context, actorID, kind string, metadata map[string]string) (*engine.EmitResult, error)
	Submit(ctx context.Context, req engine.SubmitRequest) (*engine.SubmitResult, error)
}

// EventRequest is the payload on wcp.ingest.event.
type EventRequest struct {
	ActorID  string            `json:"actor_id"`
	Kind     string            `json:"event_kind"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ErrorBody is the error half of a reply.
type ErrorBody struct {
	Category string `json:"category"`
	Code     string `json:"code,omitempty"`
	Message  string `json:"message"`
}

// Reply answers a request-reply publish.
type Reply struct {
	Result any        `json:"result,omitempty"`
	Error  *ErrorBody `json:"error,omitempty"`
}

// Handler dispatches bus messages to the engine.
type Handler struct {
	engine Engine
	logger *slog.Logger
}

// NewHandler creates a handler over e.
func NewHandler(e Engine, logger *slog.Logger) *Handler {
	return &Handler{engine: e, logger: logger}
}

// Handle processes one message and returns the reply.
func (h *Handler) Handle(ctx context.Context, msg events.Message) Reply {
	var (
		result any
		err    error
	)
	switch msg.Subject {
	case events.IngestEvent:
		var req EventRequest
		if err = json.Unmarshal(msg.Data, &req); err != nil {
			return badPayload(err)
		}
		result, err = h.engine.Emit(ctx, req.ActorID, req.Kind, req.Metadata)
	case events.IngestSubmission:
		var req engine.SubmitRequest
		if err = json.Unmarshal(msg.Data, &req); err != nil {
			return badPayload(err)
		}
		result, err = h.engine.Submit(ctx, req)
	default:
		return Reply{Error: &ErrorBody{Category: model.CategoryValidation.String(), Message: "unknown subject " + msg.Subject}}
	}
	if err != nil {
		return Reply{Error: h.errorBody(msg.Subject, err)}
	}
	return Reply{Result: result}
}

func badPayload(err error) Reply {
	return Reply{Error: &ErrorBody{Category: model.CategoryValidation.String(), Code: "invalid_input", Message: "bad payload: " + err.Error()}}
}

func (h *Handler) errorBody(subject string, err error) *ErrorBody {
	cat := model.CategoryOf(err)
	body := &ErrorBody{Category: cat.String(), Code: model.CodeOf(err), Message: err.Error()}
	switch cat {
	case model.CategoryStore, model.CategoryIntegrity:
		// Internal detail stays in the log.
		h.logger.Error("ingest: request failed", "subject", subject, "err", err)
		body.Message = "internal error"
	default:
		h.logger.Info("ingest: request refused", "subject", subject, "err", err)
	}
	return body
}

// Run consumes wcp.ingest.> until ctx is cancelled, replying to requests
// that carry a reply subject.
func (h *Handler) Run(ctx context.Context, sub events.Subscriber) error {
	ch, cancel, err := sub.Subscribe(events.IngestWildcard)
	if err != nil {
		return fmt.Errorf("ingest: subscribe: %w", err)
	}
	defer cancel()

	h.logger.Info("ingest: subscriber started", "subject", events.IngestWildcard)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("ingest: subscriber stopping")
			return nil
		case msg, ok := <-ch:
			if !ok {
				h.logger.Info("ingest: subscription channel closed")
				return nil
			}
			reply := h.Handle(ctx, msg)
			if msg.Reply == "" {
				continue
			}
			data, err := json.Marshal(reply)
			if err != nil {
				h.logger.Warn("ingest: encode reply", "err", err)
				continue
			}
			if err := sub.Respond(msg.Reply, data); err != nil {
				h.logger.Warn("ingest: reply failed", "subject", msg.Subject, "err", err)
			}
		}
	}
}
