package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/trace"
)

// Service runs stored requests through the processor and keeps the request
// status, analysis and trace events in the repository.
type Service struct {
	proc *Processor
	repo domain.Repository
	sink domain.TraceSink
}

// NewService creates a service. sink receives every event in addition to
// the stored trace and may be nil.
func NewService(proc *Processor, repo domain.Repository, sink domain.TraceSink) *Service {
	return &Service{proc: proc, repo: repo, sink: sink}
}

// Run analyzes a parsed request. The request moves to analyzing before the
// stages start and ends completed or failed. A request that is not parsed
// fails with StateConflictError and is left untouched.
func (s *Service) Run(ctx context.Context, tenantID, requestID string) (*domain.Analysis, error) {
	req, err := s.repo.GetRequest(ctx, tenantID, requestID)
	if err != nil {
		return nil, err
	}

	if err := s.repo.TransitionRequest(ctx, tenantID, requestID, domain.StatusParsed, domain.StatusAnalyzing); err != nil {
		return nil, err
	}

	rec := trace.NewRecorder()
	a, err := s.proc.Analyze(ctx, req, trace.Multi{rec, s.sink})
	if err != nil {
		s.finish(ctx, tenantID, requestID, domain.StatusFailed)
		slog.Warn("analysis failed",
			"tenant_id", tenantID,
			"request_id", requestID,
			"code", domain.ErrorCode(err),
			"error", err,
		)
		return nil, err
	}

	if err := s.repo.SaveAnalysis(ctx, tenantID, a); err != nil {
		s.finish(ctx, tenantID, requestID, domain.StatusFailed)
		return nil, fmt.Errorf("save analysis: %w", err)
	}
	if err := s.repo.SaveTraceEvents(ctx, tenantID, a.ID, rec.Events()); err != nil {
		slog.Warn("failed to save trace events",
			"tenant_id", tenantID,
			"analysis_id", a.ID,
			"error", err,
		)
	}
	if err := s.finish(ctx, tenantID, requestID, domain.StatusCompleted); err != nil {
		return nil, err
	}

	slog.Info("analysis completed",
		"tenant_id", tenantID,
		"request_id", requestID,
		"analysis_id", a.ID,
		"total_expected", a.Refund.TotalExpected,
		"search_mode", a.Metadata.SearchMode,
		"total_ms", a.Metadata.TotalMs,
	)
	return a, nil
}

// finish moves the request out of analyzing. It runs even when ctx has
// expired so a timed-out run does not stay analyzing.
func (s *Service) finish(ctx context.Context, tenantID, requestID string, to domain.RequestStatus) error {
	err := s.repo.TransitionRequest(context.WithoutCancel(ctx), tenantID, requestID, domain.StatusAnalyzing, to)
	if err != nil {
		slog.Error("failed to update request status",
			"tenant_id", tenantID,
			"request_id", requestID,
			"status", to,
			"error", err,
		)
	}
	return err
}
