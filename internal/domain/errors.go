package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a stored entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput marks malformed caller input.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNoReference is returned when reference data has no entry for a key.
	ErrNoReference = errors.New("no reference data")

	// ErrStateConflict is returned by compare-and-set status updates.
	ErrStateConflict = errors.New("state conflict")
)

// Stage names the pipeline step an error came from.
type Stage string

const (
	StagePrecheck Stage = "M3"
	StageCalc     Stage = "M4"
	StageSearch   Stage = "M5"
	StageRefund   Stage = "M6"
)

// HardFailError aborts an analysis when items can only be booked at
// year-end settlement.
type HardFailError struct {
	BlockedItems []string
}

func (e *HardFailError) Error() string {
	return fmt.Sprintf("settlement-only items block correction: %s", strings.Join(e.BlockedItems, ", "))
}

func (e *HardFailError) Code() string { return CodeHardFail }

// ClaimExpiredError is returned when the claim date is past the deadline.
type ClaimExpiredError struct {
	Deadline time.Time
}

func (e *ClaimExpiredError) Error() string {
	return fmt.Sprintf("correction claim deadline %s has passed", e.Deadline.Format(time.DateOnly))
}

func (e *ClaimExpiredError) Code() string { return CodeClaimExpired }

// CalculationError wraps an unexpected failure inside a stage.
type CalculationError struct {
	Stage Stage
	Err   error
}

func (e *CalculationError) Error() string {
	return fmt.Sprintf("calculation failed at %s: %v", e.Stage, e.Err)
}

func (e *CalculationError) Unwrap() error { return e.Err }

func (e *CalculationError) Code() string { return CodeCalculation }

// StateConflictError is returned when a request is not in the status an
// operation needs.
type StateConflictError struct {
	RequestID string
	Status    RequestStatus
	Expected  RequestStatus
}

func (e *StateConflictError) Error() string {
	expected := e.Expected
	if expected == "" {
		expected = StatusParsed
	}
	return fmt.Sprintf("request %s is %s, expected %s", e.RequestID, e.Status, expected)
}

func (e *StateConflictError) Unwrap() error { return ErrStateConflict }

func (e *StateConflictError) Code() string { return CodeStateConflict }

// TimeoutError is returned when the run exceeds its wall-clock budget.
type TimeoutError struct {
	Stage  Stage
	Budget time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("analysis exceeded %s budget during %s", e.Budget, e.Stage)
}

func (e *TimeoutError) Code() string { return CodeTimeout }

// ErrorCode returns the message code of the first coded error in the chain,
// or "" when there is none.
func ErrorCode(err error) string {
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return ""
}
