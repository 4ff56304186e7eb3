package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestErrorCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"hard fail", &HardFailError{BlockedItems: []string{"dep"}}, CodeHardFail},
		{"expired", &ClaimExpiredError{Deadline: time.Date(2030, 3, 31, 0, 0, 0, 0, time.UTC)}, CodeClaimExpired},
		{"calculation", &CalculationError{Stage: StageCalc, Err: errors.New("boom")}, CodeCalculation},
		{"conflict", &StateConflictError{RequestID: "r", Status: StatusCompleted}, CodeStateConflict},
		{"timeout", &TimeoutError{Stage: StageSearch, Budget: time.Second}, CodeTimeout},
		{"wrapped", fmt.Errorf("run: %w", &TimeoutError{Stage: StageRefund}), CodeTimeout},
		{"plain", errors.New("plain"), ""},
		{"nil", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorCode(tt.err); got != tt.want {
				t.Errorf("ErrorCode() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorChains(t *testing.T) {
	conflict := &StateConflictError{RequestID: "req-1", Status: StatusAnalyzing}
	if !errors.Is(conflict, ErrStateConflict) {
		t.Error("state conflict should match ErrStateConflict")
	}
	if got := conflict.Error(); got != "request req-1 is analyzing, expected parsed" {
		t.Errorf("unexpected message %q", got)
	}

	calc := &CalculationError{Stage: StagePrecheck, Err: fmt.Errorf("%w: duplicate item", ErrInvalidInput)}
	if !errors.Is(calc, ErrInvalidInput) {
		t.Error("calculation error should unwrap to its cause")
	}

	expired := &ClaimExpiredError{Deadline: time.Date(2030, 3, 31, 0, 0, 0, 0, time.UTC)}
	if got := expired.Error(); got != "correction claim deadline 2030-03-31 has passed" {
		t.Errorf("unexpected message %q", got)
	}
}

func TestNewWarning(t *testing.T) {
	w := NewWarning(CodeGreedyFallback, "candidates", 20, "dangling")
	if w.Params["candidates"] != 20 || len(w.Params) != 1 {
		t.Errorf("unexpected params %+v", w.Params)
	}
	if NewWarning(CodeNotConverged).Params != nil {
		t.Error("warning without pairs should have no params")
	}

	ws := []Warning{w, NewWarning(CodeLocalTaxRefund)}
	if !HasWarning(ws, CodeLocalTaxRefund) || HasWarning(ws, CodeDeadlineNear) {
		t.Error("HasWarning mismatch")
	}
}

func TestProvisionCompare(t *testing.T) {
	ordered := []Provision{"§6", "§10", "§29의8", "§30의4", "§122의3", "custom"}
	for i := 0; i+1 < len(ordered); i++ {
		if ordered[i].Compare(ordered[i+1]) >= 0 {
			t.Errorf("expected %s < %s", ordered[i], ordered[i+1])
		}
		if ordered[i+1].Compare(ordered[i]) <= 0 {
			t.Errorf("expected %s > %s", ordered[i+1], ordered[i])
		}
	}
	if ProvisionRD.Compare("§10") != 0 {
		t.Error("equal provisions should compare 0")
	}
	if CategoryEmployment.DefaultProvision() != ProvisionEmployment {
		t.Error("employment category should default to §29의8")
	}
}
