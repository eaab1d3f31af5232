package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/whiteclaws/clawpoints/internal/engine"
	"github.com/whiteclaws/clawpoints/internal/events"
	"github.com/whiteclaws/clawpoints/internal/model"
)

// mockEngine records calls and returns canned results.
type mockEngine struct {
	emits   []EventRequest
	submits []engine.SubmitRequest
	err     error
}

func (m *mockEngine) Emit(_ context.Context, actorID, kind string, metadata map[string]string) (*engine.EmitResult, error) {
	m.emits = append(m.emits, EventRequest{ActorID: actorID, Kind: kind, Metadata: metadata})
	if m.err != nil {
		return nil, m.err
	}
	return &engine.EmitResult{Accepted: true, Points: 5}, nil
}

func (m *mockEngine) Submit(_ context.Context, req engine.SubmitRequest) (*engine.SubmitResult, error) {
	m.submits = append(m.submits, req)
	if m.err != nil {
		return nil, m.err
	}
	return &engine.SubmitResult{EmitResult: engine.EmitResult{Accepted: false, Reason: model.ReasonDuplicate}}, nil
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestHandle_Event(t *testing.T) {
	m := &mockEngine{}
	h := NewHandler(m, discard())

	reply := h.Handle(context.Background(), events.Message{
		Subject: events.IngestEvent,
		Data:    []byte(`{"actor_id":"alice","event_kind":"agent_registered","metadata":{"source":"bot"}}`),
	})
	if reply.Error != nil {
		t.Fatalf("unexpected error: %+v", reply.Error)
	}
	if len(m.emits) != 1 || m.emits[0].ActorID != "alice" || m.emits[0].Kind != "agent_registered" || m.emits[0].Metadata["source"] != "bot" {
		t.Errorf("emits = %+v", m.emits)
	}
	res, ok := reply.Result.(*engine.EmitResult)
	if !ok || !res.Accepted {
		t.Errorf("result = %#v", reply.Result)
	}
}

func TestHandle_Submission(t *testing.T) {
	m := &mockEngine{}
	h := NewHandler(m, discard())

	reply := h.Handle(context.Background(), events.Message{
		Subject: events.IngestSubmission,
		Data:    []byte(`{"actor_id":"alice","target":"vault","title":"Reentrancy in withdraw","has_poc":true}`),
	})
	if reply.Error != nil {
		t.Fatalf("unexpected error: %+v", reply.Error)
	}
	if len(m.submits) != 1 || m.submits[0].Target != "vault" || !m.submits[0].HasPoC {
		t.Errorf("submits = %+v", m.submits)
	}
}

func TestHandle_Errors(t *testing.T) {
	tests := []struct {
		name     string
		msg      events.Message
		err      error
		category string
		message  string
	}{
		{
			name:     "bad json",
			msg:      events.Message{Subject: events.IngestEvent, Data: []byte(`{`)},
			category: "validation",
		},
		{
			name:     "unknown subject",
			msg:      events.Message{Subject: "wcp.ingest.other", Data: []byte(`{}`)},
			category: "validation",
		},
		{
			name:     "validation passes through",
			msg:      events.Message{Subject: events.IngestEvent, Data: []byte(`{}`)},
			err:      model.Invalid("actor_id", "is required"),
			category: "validation",
			message:  "validation failed: actor_id: is required",
		},
		{
			name:     "store detail hidden",
			msg:      events.Message{Subject: events.IngestEvent, Data: []byte(`{}`)},
			err:      model.StoreFailure("append event", errors.New("connection refused")),
			category: "store",
			message:  "internal error",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := NewHandler(&mockEngine{err: tc.err}, discard())
			reply := h.Handle(context.Background(), tc.msg)
			if reply.Error == nil {
				t.Fatal("expected an error reply")
			}
			if reply.Error.Category != tc.category {
				t.Errorf("category = %q, want %q", reply.Error.Category, tc.category)
			}
			if tc.message != "" && reply.Error.Message != tc.message {
				t.Errorf("message = %q, want %q", reply.Error.Message, tc.message)
			}
		})
	}
}

func startTestNATS(t *testing.T) string {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: -1})
	if err != nil {
		t.Fatalf("starting embedded NATS: %v", err)
	}
	srv.Start()
	t.Cleanup(srv.Shutdown)
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded NATS not ready")
	}
	return srv.ClientURL()
}

func TestRun_RequestReply(t *testing.T) {
	url := startTestNATS(t)

	sub, err := events.NewNATSSubscriber(url)
	if err != nil {
		t.Fatalf("creating subscriber: %v", err)
	}
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	h := NewHandler(&mockEngine{}, discard())
	go func() { done <- h.Run(ctx, sub) }()

	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connecting requester: %v", err)
	}
	defer nc.Close()

	// The subscription may not be registered yet; retry until it answers.
	var msg *nats.Msg
	deadline := time.Now().Add(5 * time.Second)
	for {
		msg, err = nc.Request(events.IngestEvent, []byte(`{"actor_id":"alice","event_kind":"agent_registered"}`), 500*time.Millisecond)
		if err == nil || time.Now().After(deadline) {
			break
		}
	}
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	var reply struct {
		Result struct {
			Accepted bool `json:"accepted"`
			Points   int  `json:"points"`
		} `json:"result"`
		Error *ErrorBody `json:"error"`
	}
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if reply.Error != nil || !reply.Result.Accepted || reply.Result.Points != 5 {
		t.Errorf("reply = %s", msg.Data)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
