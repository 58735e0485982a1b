// Package api keeps request and response structures of the scribe HTTP services
package api

import (
	"time"

	"github.com/airenas/scribe/internal/pkg/persistence"
)

// UserIDHeader is the identity header set by the gateway
const UserIDHeader = "x-user-id"

// Error codes returned in error responses
const (
	ErrNotEntitled         = "NOT_ENTITLED"
	ErrInsufficientCredits = "INSUFFICIENT_CREDITS"
	ErrRateLimited         = "RATE_LIMITED"
	ErrNotCancellable      = "NOT_CANCELLABLE"
)

// SubmitRequest is POST /jobs body
type SubmitRequest struct {
	VideoID         string `json:"videoId"`
	DurationSeconds int32  `json:"durationSeconds"`
	AnalysisID      string `json:"analysisId,omitempty"`
}

// SubmitResult is POST /jobs response
type SubmitResult struct {
	JobID            string `json:"jobId"`
	EstimatedMinutes int32  `json:"estimatedMinutes"`
}

// ErrorResult is an error response with optional balance details
type ErrorResult struct {
	Code    string   `json:"code"`
	Message string   `json:"message,omitempty"`
	Balance *Balance `json:"balance,omitempty"`
}

// Balance shows remaining minutes
type Balance struct {
	Needed                int32 `json:"needed"`
	SubscriptionRemaining int32 `json:"subscriptionRemaining"`
	TopupRemaining        int32 `json:"topupRemaining"`
	TotalRemaining        int32 `json:"totalRemaining"`
}

// Transcript is a completed job result
type Transcript struct {
	Segments []persistence.Segment `json:"segments"`
	Language string                `json:"language,omitempty"`
}

// StatusResult is GET /status/:id response and the websocket snapshot
type StatusResult struct {
	ID              string      `json:"id"`
	Status          string      `json:"status"`
	Progress        int32       `json:"progress"`
	CurrentStage    string      `json:"currentStage,omitempty"`
	TotalChunks     *int32      `json:"totalChunks,omitempty"`
	CompletedChunks *int32      `json:"completedChunks,omitempty"`
	TranscriptData  *Transcript `json:"transcriptData,omitempty"`
	ErrorCode       string      `json:"errorCode,omitempty"`
	ErrorMessage    string      `json:"errorMessage,omitempty"`
}

// CancelResult is POST /jobs/:id/cancel response
type CancelResult struct {
	Status          string `json:"status"`
	RefundedMinutes int32  `json:"refundedMinutes"`
}

// SubscriptionMinutes is the period usage
type SubscriptionMinutes struct {
	Used      int32 `json:"used"`
	Limit     int32 `json:"limit"`
	Remaining int32 `json:"remaining"`
}

// UsageResult is GET /usage response
type UsageResult struct {
	Tier                string              `json:"tier"`
	SubscriptionMinutes SubscriptionMinutes `json:"subscriptionMinutes"`
	TopupMinutes        int32               `json:"topupMinutes"`
	TotalRemaining      int32               `json:"totalRemaining"`
	PeriodStart         time.Time           `json:"periodStart"`
	PeriodEnd           time.Time           `json:"periodEnd"`
}

// TopupRequest is POST /topup/:secret body
type TopupRequest struct {
	UserID          string `json:"userId"`
	PaymentIntentID string `json:"paymentIntentId"`
	Minutes         int32  `json:"minutes"`
	AmountPaid      int64  `json:"amountPaid"`
}

// TopupResult is POST /topup/:secret response
type TopupResult struct {
	Duplicate    bool  `json:"duplicate"`
	TopupMinutes int32 `json:"topupMinutes"`
}
