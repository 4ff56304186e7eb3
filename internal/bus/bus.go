// Package bus carries asynchronous analysis jobs between the API and the
// workers: Go channels in process for the community tier, NATS for pro.
package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/propagation"

	"github.com/opensource-finance/heron/internal/domain"
)

var (
	// ErrClosed is returned by operations on a closed bus.
	ErrClosed = errors.New("bus is closed")

	// ErrBusFull is returned when a subscriber cannot take another message.
	ErrBusFull = errors.New("subscriber buffer full")
)

// propagator carries the W3C trace context in message metadata so a worker
// span continues the trace of the request that queued the job.
var propagator = propagation.TraceContext{}

// New creates a new event bus based on configuration.
// For Community tier: returns ChannelBus.
// For Pro tier: returns NATSBus.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

// checkTenant rejects tenant IDs that cannot form a subject token.
func checkTenant(tenantID string, allowAny bool) error {
	switch {
	case tenantID == "":
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	case tenantID == domain.AnyTenant:
		if !allowAny {
			return fmt.Errorf("%w: cannot publish to every tenant", domain.ErrInvalidInput)
		}
		return nil
	case strings.ContainsAny(tenantID, ".*> \t\r\n"):
		return fmt.Errorf("%w: tenantID %q contains subject characters", domain.ErrInvalidInput, tenantID)
	}
	return nil
}

func newMessage(ctx context.Context, tenantID, topic string, payload []byte) *domain.Message {
	msg := &domain.Message{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Topic:     topic,
		Payload:   payload,
		Metadata:  make(map[string]string),
		Timestamp: time.Now().UnixNano(),
	}
	propagator.Inject(ctx, propagation.MapCarrier(msg.Metadata))
	return msg
}

// messageContext restores the publisher's trace context on top of ctx.
func messageContext(ctx context.Context, msg *domain.Message) context.Context {
	if len(msg.Metadata) == 0 {
		return ctx
	}
	return propagator.Extract(ctx, propagation.MapCarrier(msg.Metadata))
}
