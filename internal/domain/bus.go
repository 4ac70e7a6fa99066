package domain

import (
	"context"
)

// EventBus is the event-driven integration surface. Supports Go
// channels (Community) or NATS (Pro). All methods require tenantID for
// strict multi-tenancy isolation.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, tenantID string, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, tenantID string, topic string, handler MessageHandler) (Subscription, error)

	// Request publishes a message carrying a MetaReplyTo topic in its
	// metadata and waits for the first payload published back on it.
	// Responders publish their reply with Publish on that topic.
	Request(ctx context.Context, tenantID string, topic string, payload []byte) ([]byte, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MetaReplyTo is the metadata key carrying the reply topic of a
// Request. Handlers that see it publish their response there.
const MetaReplyTo = "replyTo"

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenantId"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string `env:"MERLIN_BUS_TYPE"`

	// Channel settings (Community tier)
	ChannelBufferSize int `env:"MERLIN_BUS_BUFFER_SIZE"`

	// NATS settings (Pro tier)
	NATSUrl           string `env:"MERLIN_NATS_URL"`
	NATSToken         string `env:"MERLIN_NATS_TOKEN"`
	NATSMaxReconnects int    `env:"MERLIN_NATS_MAX_RECONNECTS"`
	NATSReconnectWait int    `env:"MERLIN_NATS_RECONNECT_WAIT"` // seconds
}

// Standard topic names for the rulepack lifecycle and evaluation pipeline.
const (
	TopicRulepackRegistered  = "merlin.rulepack.registered"
	TopicEvaluationRequested = "merlin.evaluation.requested"
	TopicEvaluationCompleted = "merlin.evaluation.completed"
	TopicEvaluationFailed    = "merlin.evaluation.failed"
)
