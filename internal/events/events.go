// Package events publishes scan lifecycle notifications.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Topics published by the scanner.
const (
	TopicHostScanned  = "host.scanned"
	TopicTaskFinished = "task.finished"
)

// Publisher delivers events to interested consumers. Publishing is best effort;
// callers log failures and carry on.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload interface{}) error
	Close() error
}

// Event is the envelope written for every published payload.
type Event struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
}

// HostScanned is the payload of TopicHostScanned.
type HostScanned struct {
	TaskID   string `json:"task_id,omitempty"`
	Hostname string `json:"hostname"`
	Status   string `json:"status"`
	Mode     string `json:"mode"`
	Changes  int    `json:"changes"`
	Error    string `json:"error,omitempty"`
}

// TaskFinished is the payload of TopicTaskFinished.
type TaskFinished struct {
	TaskID          string `json:"task_id"`
	Status          string `json:"status"`
	ScannedHosts    int    `json:"scanned_hosts"`
	SuccessfulHosts int    `json:"successful_hosts"`
	Error           string `json:"error,omitempty"`
}

const source = "fleetscan"

func envelope(topic string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	return json.Marshal(Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   data,
		Timestamp: time.Now().UTC(),
		Source:    source,
	})
}

// LogPublisher writes events to a logger. It is used when no broker is configured.
type LogPublisher struct {
	logger zerolog.Logger
}

// NewLogPublisher creates a publisher that logs each event at debug level.
func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// Publish logs the event envelope.
func (p *LogPublisher) Publish(_ context.Context, topic string, payload interface{}) error {
	data, err := envelope(topic, payload)
	if err != nil {
		return err
	}
	p.logger.Debug().Str("topic", topic).RawJSON("event", data).Msg("Event published")
	return nil
}

// Close is a no-op.
func (p *LogPublisher) Close() error {
	return nil
}

// NATSPublisher publishes events on subjects of the form <prefix>.<topic>.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
}

// ConnectNATS dials the broker and returns a publisher bound to it.
func ConnectNATS(url, prefix string) (*NATSPublisher, error) {
	if url == "" {
		return nil, errors.New("nats url is empty")
	}
	nc, err := nats.Connect(url,
		nats.Name("fleetscan"),
		nats.Timeout(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return newNATSPublisher(nc, prefix), nil
}

func newNATSPublisher(nc *nats.Conn, prefix string) *NATSPublisher {
	return &NATSPublisher{conn: nc, prefix: strings.Trim(prefix, ".")}
}

// Subject returns the subject a topic is published on.
func (p *NATSPublisher) Subject(topic string) string {
	if p.prefix == "" {
		return topic
	}
	return p.prefix + "." + topic
}

// Publish sends the event envelope. Publishes are buffered by the client, so
// the context is only checked up front.
func (p *NATSPublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := envelope(topic, payload)
	if err != nil {
		return err
	}
	return p.conn.Publish(p.Subject(topic), data)
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}

// Nop discards every event.
type Nop struct{}

// Publish does nothing.
func (Nop) Publish(context.Context, string, interface{}) error { return nil }

// Close does nothing.
func (Nop) Close() error { return nil }
