package domain

import (
	"time"
)

// Analysis is the complete result of one optimization run.
type Analysis struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	RequestID string    `json:"requestId"`
	CreatedAt time.Time `json:"createdAt"`

	Selected   *Combination         `json:"selected"`
	RunnerUps  []Combination        `json:"runnerUps,omitempty"`
	Violations []ExclusionViolation `json:"violations,omitempty"`
	Refund     *RefundResult        `json:"refund"`
	Outcomes   []Outcome            `json:"outcomes"`
	Warnings   []Warning            `json:"warnings,omitempty"`

	Metadata AnalysisMetadata `json:"metadata"`
}

// AnalysisMetadata contains processing information.
type AnalysisMetadata struct {
	TraceID               string     `json:"traceId"`
	PrecheckMs            int64      `json:"precheckMs"`
	CalcMs                int64      `json:"calcMs"`
	SearchMs              int64      `json:"searchMs"`
	RefundMs              int64      `json:"refundMs"`
	TotalMs               int64      `json:"totalMs"`
	CandidatesEvaluated   int        `json:"candidatesEvaluated"`
	CombinationsEvaluated int        `json:"combinationsEvaluated"`
	SearchMode            SearchMode `json:"searchMode"`
	EngineVersion         string     `json:"engineVersion"`
}

// AnalysisResponse is the API summary of an analysis.
type AnalysisResponse struct {
	AnalysisID     string           `json:"analysisId"`
	RequestID      string           `json:"requestId"`
	TenantID       string           `json:"tenantId"`
	RefundAmount   int64            `json:"refundAmount"`
	InterestAmount int64            `json:"interestAmount"`
	LocalTaxRefund int64            `json:"localTaxRefund"`
	TotalExpected  int64            `json:"totalExpected"`
	Provisions     []Provision      `json:"provisions"`
	Warnings       []Warning        `json:"warnings,omitempty"`
	Metadata       AnalysisMetadata `json:"metadata"`
}

// Summary builds the API response for the analysis.
func (a *Analysis) Summary() AnalysisResponse {
	resp := AnalysisResponse{
		AnalysisID: a.ID,
		RequestID:  a.RequestID,
		TenantID:   a.TenantID,
		Warnings:   a.Warnings,
		Metadata:   a.Metadata,
		Provisions: []Provision{},
	}
	if a.Selected != nil {
		resp.Provisions = a.Selected.Provisions()
	}
	if a.Refund != nil {
		resp.RefundAmount = a.Refund.RefundAmount
		resp.InterestAmount = a.Refund.InterestAmount
		resp.LocalTaxRefund = a.Refund.LocalTaxRefund
		resp.TotalExpected = a.Refund.TotalExpected
	}
	return resp
}
