// Package kafka wraps segmentio/kafka-go for publishing events and
// consuming upstream records.
package kafka

import (
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

// Header keys.
const (
	HeaderEventType     = "event_type"
	HeaderSchemaVersion = "schema_version"
)

// IncomingMessage is a consumed message with its headers flattened.
type IncomingMessage struct {
	Key       string
	Value     []byte
	Headers   map[string]string
	Topic     string
	Partition int
	Offset    int64
	Timestamp time.Time
}

func newIncomingMessage(msg kafka.Message) *IncomingMessage {
	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	return &IncomingMessage{
		Key:       string(msg.Key),
		Value:     msg.Value,
		Headers:   headers,
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Timestamp: msg.Time,
	}
}

// EventType returns the event_type header, if any.
func (m *IncomingMessage) EventType() string {
	return m.Headers[HeaderEventType]
}

// Decode unmarshals the message body into v.
func (m *IncomingMessage) Decode(v any) error {
	return json.Unmarshal(m.Value, v)
}
