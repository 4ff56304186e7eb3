// Package pipeline runs a correction request through the optimization
// stages: pre-check (M3), credit item calculation (M4), combination search
// (M5) and refund finalization (M6).
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/heron/internal/credit"
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/refund"
	"github.com/opensource-finance/heron/internal/rules"
	"github.com/opensource-finance/heron/internal/search"
	"github.com/opensource-finance/heron/internal/trace"
)

// EngineVersion is stamped on every analysis.
const EngineVersion = "heron-1.0"

var tracer = otel.Tracer("heron-pipeline")

// Processor runs the stages for one request at a time. It holds no
// per-request state and is safe for concurrent use.
type Processor struct {
	ref       domain.ReferenceData
	rules     *rules.Registry
	cfg       domain.EngineConfig
	finalizer *refund.Finalizer
	now       func() time.Time
}

// NewProcessor creates a processor. registry may be nil, in which case no
// eligibility rules apply and every exclusion condition holds.
func NewProcessor(ref domain.ReferenceData, registry *rules.Registry, cfg domain.EngineConfig) *Processor {
	def := domain.DefaultEngineConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.CorrectionYears <= 0 {
		cfg.CorrectionYears = def.CorrectionYears
	}
	if cfg.HardFailSettlement == nil {
		cfg.HardFailSettlement = def.HardFailSettlement
	}
	return &Processor{
		ref:       ref,
		rules:     registry,
		cfg:       cfg,
		finalizer: refund.NewFinalizer(ref, cfg),
		now:       time.Now,
	}
}

// Analyze runs every stage under the configured timeout. Any stage error
// aborts the run with no partial result.
func (p *Processor) Analyze(ctx context.Context, req *domain.Request, sink domain.TraceSink) (*domain.Analysis, error) {
	start := p.now()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "heron.analyze",
		oteltrace.WithAttributes(
			attribute.String("request.id", req.ID),
			attribute.String("tenant.id", req.TenantID),
			attribute.Int("candidates", len(req.Candidates)),
		),
	)
	defer span.End()

	sink = trace.Multi{sink, trace.Span{}}

	a := &domain.Analysis{
		ID:        uuid.New().String(),
		TenantID:  req.TenantID,
		RequestID: req.ID,
		CreatedAt: start.UTC(),
	}
	warnings := &warningSet{}

	filing := req.Filing
	if filing.ClaimDate.IsZero() {
		filing.ClaimDate = start
	}

	st := stageRunner{p: p, sink: sink, requestID: req.ID}

	var err error
	a.Metadata.PrecheckMs, err = st.run(ctx, domain.StagePrecheck, func(ctx context.Context) error {
		ws, err := precheck(req, p.cfg, filing.ClaimDate)
		warnings.add(ws...)
		return err
	})
	if err != nil {
		return nil, fail(span, err)
	}

	var items []domain.CreditItem
	a.Metadata.CalcMs, err = st.run(ctx, domain.StageCalc, func(ctx context.Context) error {
		eng, err := p.eligibility(ctx, req.TenantID)
		if err != nil {
			return &domain.CalculationError{Stage: domain.StageCalc, Err: err}
		}
		var elig credit.Eligibility
		if eng != nil {
			elig = eng
		}
		calc := credit.NewCalculator(p.ref, elig, p.cfg)
		res, err := calc.Calculate(ctx, credit.Input{
			Taxpayer:   req.Taxpayer,
			Filing:     filing,
			Candidates: req.Candidates,
		})
		if err != nil {
			return err
		}
		a.Outcomes = res.Outcomes
		warnings.add(res.Warnings...)
		items = st.recordOutcomes(ctx, res.Outcomes)
		return nil
	})
	if err != nil {
		return nil, fail(span, err)
	}

	var sr *domain.SearchResult
	a.Metadata.SearchMs, err = st.run(ctx, domain.StageSearch, func(ctx context.Context) error {
		eng, err := p.eligibility(ctx, req.TenantID)
		if err != nil {
			return &domain.CalculationError{Stage: domain.StageSearch, Err: err}
		}
		var conds search.Conditions
		if eng != nil {
			conds = eng
		}
		sr, err = search.NewEngine(p.ref, conds, p.cfg).Search(ctx, search.Input{
			RequestID: req.ID,
			Taxpayer:  req.Taxpayer,
			Filing:    filing,
			Items:     items,
		}, sink)
		return err
	})
	if err != nil {
		return nil, fail(span, err)
	}
	a.Selected = sr.Selected
	a.RunnerUps = sr.RunnerUps
	a.Violations = sr.Violations
	warnings.add(sr.Warnings...)

	a.Metadata.RefundMs, err = st.run(ctx, domain.StageRefund, func(ctx context.Context) error {
		res, err := p.finalizer.Finalize(ctx, refund.Input{
			RequestID:   req.ID,
			Taxpayer:    req.Taxpayer,
			Filing:      filing,
			Combination: sr.Selected,
		}, sink)
		if err != nil {
			return err
		}
		a.Refund = res.Refund
		warnings.add(res.Warnings...)
		return nil
	})
	if err != nil {
		return nil, fail(span, err)
	}

	a.Warnings = warnings.list
	a.Metadata.TraceID = traceID(span, a.ID)
	a.Metadata.TotalMs = time.Since(start).Milliseconds()
	a.Metadata.CandidatesEvaluated = len(req.Candidates)
	a.Metadata.CombinationsEvaluated = sr.Evaluated
	a.Metadata.SearchMode = sr.Mode
	a.Metadata.EngineVersion = EngineVersion

	span.SetAttributes(
		attribute.Int64("refund.total_expected", a.Refund.TotalExpected),
		attribute.String("search.mode", string(sr.Mode)),
	)
	return a, nil
}

// eligibility returns the tenant's rule engine, or nil without a registry.
func (p *Processor) eligibility(ctx context.Context, tenantID string) (*rules.Engine, error) {
	if p.rules == nil {
		return nil, nil
	}
	return p.rules.Engine(ctx, tenantID)
}

// stageRunner wraps each stage in a span, start and finish events and the
// timeout mapping.
type stageRunner struct {
	p         *Processor
	sink      domain.TraceSink
	requestID string
}

func (s stageRunner) run(ctx context.Context, stage domain.Stage, fn func(context.Context) error) (int64, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "heron.stage."+string(stage))
	defer span.End()

	s.record(ctx, stage, domain.EventStageStarted, nil)

	err := fn(ctx)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = &domain.TimeoutError{Stage: stage, Budget: s.p.cfg.Timeout}
	}

	ms := time.Since(start).Milliseconds()
	attrs := map[string]any{"duration_ms": ms}
	if err != nil {
		attrs["error"] = err.Error()
		if code := domain.ErrorCode(err); code != "" {
			attrs["code"] = code
		}
	}
	s.record(ctx, stage, domain.EventStageFinished, attrs)
	return ms, fail(span, err)
}

func (s stageRunner) record(ctx context.Context, stage domain.Stage, name string, attrs map[string]any) {
	s.sink.Record(ctx, domain.TraceEvent{
		RequestID: s.requestID,
		Stage:     stage,
		Name:      name,
		At:        time.Now().UTC(),
		Attrs:     attrs,
	})
}

// recordOutcomes reports each outcome and returns the applicable items.
func (s stageRunner) recordOutcomes(ctx context.Context, outcomes []domain.Outcome) []domain.CreditItem {
	var items []domain.CreditItem
	for _, o := range outcomes {
		if o.Kind == domain.OutcomeApplicable && o.Item != nil {
			items = append(items, *o.Item)
			s.record(ctx, domain.StageCalc, domain.EventItemPriced, map[string]any{
				"item_id":   o.ItemID,
				"provision": string(o.Provision),
				"gross":     o.Item.GrossAmount,
				"net":       o.Item.NetAmount,
			})
			continue
		}
		s.record(ctx, domain.StageCalc, domain.EventItemSetAside, map[string]any{
			"item_id": o.ItemID,
			"kind":    string(o.Kind),
			"reason":  o.Reason,
		})
	}
	return items
}

// fail marks the span as failed and passes err through.
func fail(span oteltrace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func traceID(span oteltrace.Span, fallback string) string {
	if sc := span.SpanContext(); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return fallback
}

// warningSet keeps warnings in arrival order without repeats. The deadline
// warning is raised by both the pre-check and the finalizer.
type warningSet struct {
	list []domain.Warning
	seen map[string]bool
}

func (w *warningSet) add(ws ...domain.Warning) {
	if w.seen == nil {
		w.seen = make(map[string]bool)
	}
	for _, x := range ws {
		key := x.Code + fmt.Sprint(x.Params)
		if w.seen[key] {
			continue
		}
		w.seen[key] = true
		w.list = append(w.list, x)
	}
}
