// Package gateway defines the contract between the relay and whatever
// chat front-end feeds it. The relay never talks to a chat API directly;
// a gateway implementation delivers inbound events and accepts outbound
// text, keeping connection, auth and channel resolution out of this repo.
package gateway

// InboundEvent is a single chat message as seen by the relay.
type InboundEvent struct {
	ConversationID string
	AuthorID       string
	AuthorName     string
	Text           string
	IsBot          bool
}

// Sink delivers text back to a conversation. Implementations are expected
// to be safe for concurrent use; the relay calls Send from poller and
// flush goroutines.
type Sink interface {
	Send(conversationID, text string) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(conversationID, text string) error

func (f SinkFunc) Send(conversationID, text string) error {
	return f(conversationID, text)
}
