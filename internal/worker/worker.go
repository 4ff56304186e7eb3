// Package worker runs queued analyses for the Pro tier.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/heron/internal/domain"
)

// Runner analyzes one stored request.
type Runner interface {
	Run(ctx context.Context, tenantID, requestID string) (*domain.Analysis, error)
}

// Worker consumes analysis jobs from the EventBus and reports each result on
// the completed or failed topic.
type Worker struct {
	bus    domain.EventBus
	runner Runner

	mu            sync.Mutex
	subscriptions []domain.Subscription
	slots         chan struct{}
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc

	completed atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs limits the worker to these tenants. Empty means every tenant.
	TenantIDs []string

	// WorkerCount is the number of analyses run at once.
	WorkerCount int
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, runner Runner) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		runner: runner,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to analysis requests for the configured tenants.
func (w *Worker) Start(cfg Config) error {
	n := cfg.WorkerCount
	if n <= 0 {
		n = 1
	}
	w.slots = make(chan struct{}, n)

	tenants := cfg.TenantIDs
	if len(tenants) == 0 {
		tenants = []string{domain.AnyTenant}
	}

	for _, tenantID := range tenants {
		sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicAnalysisRequested, w.handleMessage)
		if err != nil {
			w.Stop()
			return fmt.Errorf("subscribe for tenant %s: %w", tenantID, err)
		}
		w.mu.Lock()
		w.subscriptions = append(w.subscriptions, sub)
		w.mu.Unlock()
	}

	slog.Info("workers started",
		"tenants", tenants,
		"worker_count", n,
	)
	return nil
}

// handleMessage hands a job to a free slot. It blocks while every slot is
// busy so the bus applies back-pressure.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	var job domain.AnalysisJob
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		slog.Error("failed to parse analysis job",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if job.TenantID != "" && job.TenantID != msg.TenantID {
		slog.Error("analysis job tenant does not match its subject",
			"message_id", msg.ID,
			"tenant_id", msg.TenantID,
			"job_tenant_id", job.TenantID,
		)
		return fmt.Errorf("%w: job tenant %s on %s", domain.ErrInvalidInput, job.TenantID, msg.TenantID)
	}
	if job.RequestID == "" {
		return fmt.Errorf("%w: job without request id", domain.ErrInvalidInput)
	}

	select {
	case w.slots <- struct{}{}:
	case <-w.ctx.Done():
		return w.ctx.Err()
	}

	// Keep the publisher's trace but stop with the worker.
	jobCtx := oteltrace.ContextWithSpanContext(w.ctx, oteltrace.SpanContextFromContext(ctx))

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() { <-w.slots }()
		w.process(jobCtx, msg.TenantID, job)
	}()
	return nil
}

func (w *Worker) process(ctx context.Context, tenantID string, job domain.AnalysisJob) {
	start := time.Now()

	a, err := w.runner.Run(ctx, tenantID, job.RequestID)

	var conflict *domain.StateConflictError
	if errors.As(err, &conflict) {
		// Already taken by another worker, or analyzed before.
		w.skipped.Add(1)
		slog.Debug("analysis job skipped",
			"tenant_id", tenantID,
			"request_id", job.RequestID,
			"status", conflict.Status,
		)
		return
	}

	ev := domain.AnalysisEvent{RequestID: job.RequestID}
	topic := domain.TopicAnalysisCompleted
	if err != nil {
		w.failed.Add(1)
		topic = domain.TopicAnalysisFailed
		ev.Status = domain.StatusFailed
		ev.ErrorCode = domain.ErrorCode(err)
		ev.Error = err.Error()
	} else {
		w.completed.Add(1)
		ev.Status = domain.StatusCompleted
		ev.AnalysisID = a.ID
	}

	payload, _ := json.Marshal(ev)
	if err := w.bus.Publish(context.WithoutCancel(ctx), tenantID, topic, payload); err != nil {
		slog.Error("failed to publish analysis result",
			"tenant_id", tenantID,
			"request_id", job.RequestID,
			"topic", topic,
			"error", err,
		)
	}

	slog.Info("analysis job processed",
		"tenant_id", tenantID,
		"request_id", job.RequestID,
		"trace_id", job.TraceID,
		"status", ev.Status,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// Stop unsubscribes, cancels running analyses and waits for them to end.
func (w *Worker) Stop() error {
	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	w.cancel()
	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	InFlight          int      `json:"inFlight"`
	Completed         int64    `json:"completed"`
	Failed            int64    `json:"failed"`
	Skipped           int64    `json:"skipped"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	w.mu.Unlock()

	return Stats{
		SubscriptionCount: len(topics),
		Topics:            topics,
		InFlight:          len(w.slots),
		Completed:         w.completed.Load(),
		Failed:            w.failed.Load(),
		Skipped:           w.skipped.Load(),
	}
}
