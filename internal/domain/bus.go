package domain

import (
	"context"
)

// EventBus carries asynchronous analysis work. Channels back the community
// build and NATS the pro build. Every call is tenant-scoped.
type EventBus interface {
	Publish(ctx context.Context, tenantID string, topic string, payload []byte) error

	// Subscribe registers a handler for a topic. AnyTenant subscribes to the
	// topic for every tenant.
	Subscribe(ctx context.Context, tenantID string, topic string, handler MessageHandler) (Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}

// AnyTenant is the wildcard tenant for subscriptions.
const AnyTenant = "*"

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message is a bus envelope.
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
	Unsubscribe() error
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string

	ChannelBufferSize int

	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds
	// NATSQueue is the queue group workers share, so each job runs once.
	NATSQueue string
}

// Topics used by the async analysis flow.
const (
	TopicAnalysisRequested = "heron.analysis.requested"
	TopicAnalysisCompleted = "heron.analysis.completed"
	TopicAnalysisFailed    = "heron.analysis.failed"
)

// AnalysisJob is the payload of an analysis request on the bus.
type AnalysisJob struct {
	RequestID string `json:"requestId"`
	TenantID  string `json:"tenantId"`
	TraceID   string `json:"traceId,omitempty"`
}

// AnalysisEvent is published when an async analysis finishes.
type AnalysisEvent struct {
	RequestID  string        `json:"requestId"`
	AnalysisID string        `json:"analysisId,omitempty"`
	Status     RequestStatus `json:"status"`
	ErrorCode  string        `json:"errorCode,omitempty"`
	Error      string        `json:"error,omitempty"`
}
