package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// streamBufferSize is how many recent notifications are kept for
	// Last-Event-ID replay.
	streamBufferSize = 1000

	streamKeepalive = 15 * time.Second
)

type streamEvent struct {
	ID    uint64
	Topic string
	Data  []byte
}

// Hub fans engine notifications out to connected stream clients. It
// implements events.Publisher so it can sit beside the NATS publisher.
type Hub struct {
	mu      sync.RWMutex
	clients map[*streamClient]struct{}
	nextID  atomic.Uint64

	ringMu  sync.RWMutex
	ring    [streamBufferSize]streamEvent
	ringPos int
	ringLen int
}

type streamClient struct {
	topics []string // NATS-style patterns; empty matches everything
	ch     chan *streamEvent
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*streamClient]struct{})}
}

// Publish encodes event and broadcasts it under topic.
func (h *Hub) Publish(_ context.Context, topic string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", topic, err)
	}
	h.broadcast(topic, data)
	return nil
}

// Close is a no-op; clients leave when their requests end.
func (h *Hub) Close() error { return nil }

func (h *Hub) broadcast(topic string, data []byte) {
	evt := &streamEvent{ID: h.nextID.Add(1), Topic: topic, Data: data}

	h.ringMu.Lock()
	h.ring[h.ringPos] = *evt
	h.ringPos = (h.ringPos + 1) % streamBufferSize
	if h.ringLen < streamBufferSize {
		h.ringLen++
	}
	h.ringMu.Unlock()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.matches(topic) {
			select {
			case c.ch <- evt:
			default:
				// Slow client; drop rather than block the engine.
			}
		}
	}
}

func (h *Hub) subscribe(topics []string) *streamClient {
	c := &streamClient{topics: topics, ch: make(chan *streamEvent, 64)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *Hub) unsubscribe(c *streamClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// since returns buffered events with ID > lastID, oldest first.
func (h *Hub) since(lastID uint64) []*streamEvent {
	h.ringMu.RLock()
	defer h.ringMu.RUnlock()

	var out []*streamEvent
	start := (h.ringPos - h.ringLen + streamBufferSize) % streamBufferSize
	for i := range h.ringLen {
		evt := &h.ring[(start+i)%streamBufferSize]
		if evt.ID > lastID {
			out = append(out, evt)
		}
	}
	return out
}

func (c *streamClient) matches(topic string) bool {
	if len(c.topics) == 0 {
		return true
	}
	for _, p := range c.topics {
		if matchTopicPattern(p, topic) {
			return true
		}
	}
	return false
}

// matchTopicPattern matches a dot-separated topic against a pattern where
// "*" matches one segment and a trailing ">" matches the rest.
func matchTopicPattern(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	pat := strings.Split(pattern, ".")
	top := strings.Split(topic, ".")
	for i, p := range pat {
		if p == ">" {
			return i < len(top)
		}
		if i >= len(top) || (p != "*" && p != top[i]) {
			return false
		}
	}
	return len(pat) == len(top)
}

// handleEventStream handles GET /v1/admin/stream?topics=a,b as server-sent
// events.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	var topics []string
	for _, t := range strings.Split(r.URL.Query().Get("topics"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			topics = append(topics, t)
		}
	}
	client := s.hub.subscribe(topics)
	defer s.hub.unsubscribe(client)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		if lastID, err := strconv.ParseUint(raw, 10, 64); err == nil {
			for _, evt := range s.hub.since(lastID) {
				if client.matches(evt.Topic) {
					writeStreamEvent(w, evt)
				}
			}
			flusher.Flush()
		}
	}

	keepalive := time.NewTicker(streamKeepalive)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case evt := <-client.ch:
			writeStreamEvent(w, evt)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ":keepalive\n\n")
			flusher.Flush()
		}
	}
}

func writeStreamEvent(w http.ResponseWriter, evt *streamEvent) {
	fmt.Fprintf(w, "id:%d\nevent:%s\ndata:%s\n\n", evt.ID, evt.Topic, evt.Data)
}
