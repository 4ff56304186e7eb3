package pipeline

import (
	"fmt"
	"slices"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/refund"
)

// precheck validates a request before any amount is computed: its status,
// settlement-only items, duplicate item IDs and the claim deadline.
func precheck(req *domain.Request, cfg domain.EngineConfig, claimDate time.Time) ([]domain.Warning, error) {
	if req.Status != "" && req.Status != domain.StatusParsed {
		return nil, &domain.StateConflictError{RequestID: req.ID, Status: req.Status, Expected: domain.StatusParsed}
	}

	var blocked []string
	for _, s := range req.Settlements {
		if slices.Contains(cfg.HardFailSettlement, s.Kind) {
			blocked = append(blocked, s.ItemID)
		}
	}
	if len(blocked) > 0 {
		return nil, &domain.HardFailError{BlockedItems: blocked}
	}

	seen := make(map[string]bool, len(req.Candidates))
	for _, c := range req.Candidates {
		id := c.Header().ItemID
		if seen[id] {
			return nil, &domain.CalculationError{
				Stage: domain.StagePrecheck,
				Err:   fmt.Errorf("%w: duplicate item id %q", domain.ErrInvalidInput, id),
			}
		}
		seen[id] = true
	}

	filing := refund.FilingDeadline(req.Taxpayer.TaxType, req.Filing.TaxYear, req.Filing.FiscalEnd)
	deadline := refund.ClaimDeadline(filing, cfg.CorrectionYears)
	warn, err := refund.CheckDeadline(claimDate, deadline, cfg.DeadlineWarnDays)
	if err != nil {
		return nil, err
	}
	if warn != nil {
		return []domain.Warning{*warn}, nil
	}
	return nil, nil
}
