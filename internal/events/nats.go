package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/whiteclaws/clawpoints/internal/metrics"
)

// subscriberBuffer is how many undelivered messages a subscription holds
// before new ones are dropped.
const subscriberBuffer = 64

// HeaderTopic carries the notification topic, so consumers on a wildcard
// subject can route without decoding the body.
const HeaderTopic = "Wcp-Topic"

func connect(url, name string, opts ...nats.Option) (*nats.Conn, error) {
	defaults := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	nc, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// NATSPublisher publishes JSON notifications on their topic subject.
type NATSPublisher struct {
	conn *nats.Conn
}

func NewNATSPublisher(url string, opts ...nats.Option) (*NATSPublisher, error) {
	nc, err := connect(url, "wcp-notify", opts...)
	if err != nil {
		return nil, err
	}
	return &NATSPublisher{conn: nc}, nil
}

func (p *NATSPublisher) Publish(_ context.Context, topic string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		metrics.NotifyFailures.WithLabelValues(topic).Inc()
		return fmt.Errorf("marshaling %s: %w", topic, err)
	}
	msg := nats.NewMsg(topic)
	msg.Header.Set("Content-Type", "application/json")
	msg.Header.Set(HeaderTopic, topic)
	msg.Data = data
	if err := p.conn.PublishMsg(msg); err != nil {
		metrics.NotifyFailures.WithLabelValues(topic).Inc()
		return fmt.Errorf("publishing %s: %w", topic, err)
	}
	return nil
}

// Close flushes buffered notifications before closing the connection.
func (p *NATSPublisher) Close() error {
	err := p.conn.FlushTimeout(2 * time.Second)
	p.conn.Close()
	if err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("flushing notifications: %w", err)
	}
	return nil
}

// NATSSubscriber receives ingest requests from NATS subjects and answers
// request-reply publishes.
type NATSSubscriber struct {
	conn *nats.Conn
}

// NewNATSSubscriber connects with unlimited reconnects. Extra options, such
// as disconnect or reconnect handlers, are applied after the defaults.
func NewNATSSubscriber(url string, opts ...nats.Option) (*NATSSubscriber, error) {
	nc, err := connect(url, "wcp-ingest", opts...)
	if err != nil {
		return nil, err
	}
	return &NATSSubscriber{conn: nc}, nil
}

// subscription bridges NATS callbacks onto a buffered channel. Once
// cancelled it accepts nothing and its channel is closed exactly once.
type subscription struct {
	ch     chan Message
	sub    *nats.Subscription
	mu     sync.Mutex
	closed bool
	once   sync.Once
}

func (s *subscription) deliver(msg *nats.Msg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- Message{Subject: msg.Subject, Reply: msg.Reply, Data: msg.Data}:
	default:
		// The NATS client must never block on a slow consumer.
		metrics.IngestDropped.WithLabelValues(msg.Subject).Inc()
	}
}

func (s *subscription) cancel() {
	s.once.Do(func() {
		if s.sub != nil {
			_ = s.sub.Unsubscribe()
		}
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		for {
			select {
			case <-s.ch:
			default:
				close(s.ch)
				return
			}
		}
	})
}

// Subscribe returns a channel of messages on topic, which may be a NATS
// wildcard such as IngestWildcard. The cancel func unsubscribes and closes
// the channel; it is safe to call more than once.
func (s *NATSSubscriber) Subscribe(topic string) (<-chan Message, func(), error) {
	sc := &subscription{ch: make(chan Message, subscriberBuffer)}
	sub, err := s.conn.Subscribe(topic, sc.deliver)
	if err != nil {
		sc.cancel()
		return nil, nil, fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	sc.sub = sub
	// The subscription must be registered server-side before publishers on
	// other connections can reach it.
	if err := s.conn.Flush(); err != nil {
		sc.cancel()
		return nil, nil, fmt.Errorf("flushing subscription: %w", err)
	}
	return sc.ch, sc.cancel, nil
}

// Respond publishes data to a request's reply subject. An empty reply is a
// fire-and-forget publish and gets no answer.
func (s *NATSSubscriber) Respond(reply string, data []byte) error {
	if reply == "" {
		return nil
	}
	return s.conn.Publish(reply, data)
}

func (s *NATSSubscriber) Close() error {
	s.conn.Close()
	return nil
}
