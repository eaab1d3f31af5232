package events

// Message is one payload received from the bus.
type Message struct {
	Subject string
	Reply   string // empty unless the sender asked for a reply
	Data    []byte
}

// Subscriber receives events from the event bus.
type Subscriber interface {
	// Subscribe delivers messages on the returned channel.
	// Call the returned cancel function to unsubscribe and close the channel.
	Subscribe(topic string) (<-chan Message, func(), error)
	// Respond answers a request received with a non-empty Reply.
	Respond(reply string, data []byte) error
	Close() error
}
