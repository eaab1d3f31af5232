package server

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/whiteclaws/clawpoints/internal/events"
)

func TestHub_BroadcastAndReceive(t *testing.T) {
	hub := NewHub()
	client := hub.subscribe(nil)
	defer hub.unsubscribe(client)

	if err := hub.Publish(context.Background(), events.TopicScoreUpdated, map[string]int{"total": 300}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case evt := <-client.ch:
		if evt.Topic != events.TopicScoreUpdated {
			t.Fatalf("topic = %q", evt.Topic)
		}
		if string(evt.Data) != `{"total":300}` {
			t.Fatalf("data = %q", evt.Data)
		}
		if evt.ID != 1 {
			t.Fatalf("id = %d, want 1", evt.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestHub_TopicFiltering(t *testing.T) {
	hub := NewHub()
	client := hub.subscribe([]string{"wcp.referral.*"})
	defer hub.unsubscribe(client)

	hub.broadcast(events.TopicBonusAwarded, []byte(`{}`))
	hub.broadcast(events.TopicReferralAttached, []byte(`{}`))

	select {
	case evt := <-client.ch:
		if evt.Topic != events.TopicReferralAttached {
			t.Fatalf("topic = %q, want %q", evt.Topic, events.TopicReferralAttached)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	select {
	case evt := <-client.ch:
		t.Fatalf("unexpected event %q", evt.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_Unsubscribe(t *testing.T) {
	hub := NewHub()
	client := hub.subscribe(nil)
	hub.unsubscribe(client)

	hub.broadcast(events.TopicScoreUpdated, []byte(`{}`))
	select {
	case <-client.ch:
		t.Fatal("should not receive events after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_Since(t *testing.T) {
	hub := NewHub()
	if got := hub.since(0); len(got) != 0 {
		t.Fatalf("empty hub returned %d events", len(got))
	}
	for range 5 {
		hub.broadcast(events.TopicEventAppended, []byte(`{}`))
	}
	evts := hub.since(2)
	if len(evts) != 3 || evts[0].ID != 3 || evts[2].ID != 5 {
		t.Fatalf("since(2) = %d events", len(evts))
	}
}

func TestHub_RingBufferWrap(t *testing.T) {
	hub := NewHub()
	for range streamBufferSize + 100 {
		hub.broadcast(events.TopicEventAppended, []byte(`{}`))
	}
	evts := hub.since(0)
	if len(evts) != streamBufferSize {
		t.Fatalf("expected %d events, got %d", streamBufferSize, len(evts))
	}
	if evts[0].ID != 101 {
		t.Fatalf("oldest id = %d, want 101", evts[0].ID)
	}
}

func TestMatchTopicPattern(t *testing.T) {
	for _, tc := range []struct {
		pattern, topic string
		want           bool
	}{
		{"wcp.bonus.awarded", "wcp.bonus.awarded", true},
		{"wcp.bonus.awarded", "wcp.streak.awarded", false},
		{"wcp.*.awarded", "wcp.streak.awarded", true},
		{"wcp.referral.*", "wcp.referral.qualified", true},
		{"wcp.referral.*", "wcp.risk.flagged", false},
		{"wcp.>", "wcp.job.completed", true},
		{"wcp.>", "other.topic", false},
		{"*.*.*", "wcp.score", false},
	} {
		t.Run(tc.pattern+"_"+tc.topic, func(t *testing.T) {
			if got := matchTopicPattern(tc.pattern, tc.topic); got != tc.want {
				t.Fatalf("matchTopicPattern(%q, %q) = %v, want %v", tc.pattern, tc.topic, got, tc.want)
			}
		})
	}
}

func TestHandleEventStream(t *testing.T) {
	ts := newTestServer(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest("GET", "/v1/admin/stream?topics=wcp.score.*", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		ts.handler.ServeHTTP(rec, req)
	}()

	// Give the handler time to register the subscription.
	time.Sleep(50 * time.Millisecond)
	ts.hub.broadcast(events.TopicBonusAwarded, []byte(`{"skip":true}`))
	ts.hub.broadcast(events.TopicScoreUpdated, []byte(`{"actor_id":"alice"}`))
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "event:wcp.score.updated") || !strings.Contains(body, `data:{"actor_id":"alice"}`) {
		t.Fatalf("missing score event in body:\n%s", body)
	}
	if strings.Contains(body, "skip") {
		t.Fatalf("filtered event leaked:\n%s", body)
	}
}

func TestHandleEventStream_Replay(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.hub.broadcast(events.TopicScoreUpdated, []byte(`{"n":1}`))
	ts.hub.broadcast(events.TopicScoreUpdated, []byte(`{"n":2}`))

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("GET", "/v1/admin/stream", nil).WithContext(ctx)
	req.Header.Set("Last-Event-ID", "1")
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		ts.handler.ServeHTTP(rec, req)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	body := rec.Body.String()
	if strings.Contains(body, `{"n":1}`) || !strings.Contains(body, `{"n":2}`) {
		t.Fatalf("replay after id 1 wrong:\n%s", body)
	}
}
