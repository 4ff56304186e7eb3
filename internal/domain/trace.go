package domain

import (
	"context"
	"time"
)

// TraceSink receives calculation events from the pipeline. The core never
// logs on its own; everything observable goes through a sink.
type TraceSink interface {
	Record(ctx context.Context, ev TraceEvent)
}

// TraceEvent is one step of a calculation.
type TraceEvent struct {
	RequestID string         `json:"requestId"`
	Stage     Stage          `json:"stage"`
	Name      string         `json:"name"`
	At        time.Time      `json:"at"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// Event names recorded by the pipeline.
const (
	EventStageStarted      = "stage.started"
	EventStageFinished     = "stage.finished"
	EventItemPriced        = "item.priced"
	EventItemSetAside      = "item.set_aside"
	EventPrecedenceDrop    = "exclusion.precedence"
	EventCombinationScored = "combination.scored"
	EventFixedPoint        = "mintax.iteration"
	EventSelected          = "combination.selected"
	EventRefundComputed    = "refund.computed"
)
