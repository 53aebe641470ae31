/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the settlement domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY AND HOURS:
  Amounts and hours are fixed two-decimal strings ("440.00"), never JSON
  numbers, so clients cannot reintroduce float rounding.

TIMES:
  Instants are RFC 3339 in UTC. Shift dates are "2006-01-02" and clock
  times in requests are "15:04" or "15:04:05".

VALIDATION:
  Validation is done by the settlement service, not in DTOs. DTOs are pure
  data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - settlement/types.go: Domain model
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/shift-settlement/settlement"
)

// =============================================================================
// TIMECARDS
// =============================================================================

// SubmitTimecardRequest is a worker's shift report. It is also the body of
// the preview endpoint.
type SubmitTimecardRequest struct {
	ContractID   string `json:"contract_id"`
	ShiftDate    string `json:"shift_date"`
	StartTime    string `json:"start_time"`
	EndTime      string `json:"end_time"`
	IsOvernight  bool   `json:"is_overnight"`
	BreakMinutes int    `json:"break_minutes"`
	Notes        string `json:"notes,omitempty"`
}

// FeesDTO is the three-way split of a shift's value.
type FeesDTO struct {
	HourlyRate       string `json:"hourly_rate"`
	TotalHours       string `json:"total_hours"`
	GrossAmount      string `json:"gross_amount"`
	WorkerFee        string `json:"worker_fee"`
	WorkerNetAmount  string `json:"worker_net_amount"`
	PayerTotalAmount string `json:"payer_total_amount"`
	PlatformFeeTotal string `json:"platform_fee_total"`
}

// TimecardDTO represents a timecard in API responses.
type TimecardDTO struct {
	ID               string   `json:"id"`
	ContractID       string   `json:"contract_id"`
	WorkerID         string   `json:"worker_id"`
	PayerID          string   `json:"payer_id"`
	HourlyRate       string   `json:"hourly_rate"`
	ShiftDate        string   `json:"shift_date"`
	StartTime        string   `json:"start_time"`
	EndTime          string   `json:"end_time"`
	IsOvernight      bool     `json:"is_overnight"`
	BreakMinutes     int      `json:"break_minutes"`
	RoundedStart     string   `json:"rounded_start"`
	RoundedEnd       string   `json:"rounded_end"`
	TotalHours       string   `json:"total_hours"`
	Fees             *FeesDTO `json:"fees,omitempty"`
	PaymentReference string   `json:"payment_reference,omitempty"`
	PayoutReference  string   `json:"payout_reference,omitempty"`
	Status           string   `json:"status"`
	SubmittedAt      string   `json:"submitted_at"`
	ApprovalDeadline string   `json:"approval_deadline"`
	DecidedAt        *string  `json:"decided_at,omitempty"`
	DecidedBy        string   `json:"decided_by,omitempty"`
	PaidAt           *string  `json:"paid_at,omitempty"`
	RejectionReason  string   `json:"rejection_reason,omitempty"`
	Notes            string   `json:"notes,omitempty"`

	PaymentAttempts  int     `json:"payment_attempts"`
	LastPaymentError string  `json:"last_payment_error,omitempty"`
	FlaggedAt        *string `json:"flagged_at,omitempty"`
	FlagReason       string  `json:"flag_reason,omitempty"`
	NeedsAttention   bool    `json:"needs_attention"`
	Version          int     `json:"version"`
}

// PreviewDTO is the non-committing result of the preview endpoint.
type PreviewDTO struct {
	ContractID   string  `json:"contract_id"`
	WorkerID     string  `json:"worker_id"`
	PayerID      string  `json:"payer_id"`
	RoundedStart string  `json:"rounded_start"`
	RoundedEnd   string  `json:"rounded_end"`
	TotalHours   string  `json:"total_hours"`
	Fees         FeesDTO `json:"fees"`
}

// ApproveRequest is the payer's approval. PayerID may be omitted when the
// caller is an authenticated payer.
type ApproveRequest struct {
	PayerID string `json:"payer_id"`
}

// RejectRequest is the payer's rejection.
type RejectRequest struct {
	PayerID string `json:"payer_id"`
	Reason  string `json:"reason"`
}

// PaymentErrorDTO describes a failed settlement attempt.
type PaymentErrorDTO struct {
	Stage     string `json:"stage"`
	Retryable bool   `json:"retryable"`
	Message   string `json:"message"`
}

// SettlementResponse is returned by approve and retry-payment. When the
// approval stuck but the money did not move, PaymentError is set and the
// status code is 202.
type SettlementResponse struct {
	Timecard     TimecardDTO      `json:"timecard"`
	PaymentError *PaymentErrorDTO `json:"payment_error,omitempty"`
}

// EventDTO is one entry in a timecard's history.
type EventDTO struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
	Actor  string `json:"actor,omitempty"`
	At     string `json:"at"`
}

// =============================================================================
// CONTRACTS & READINESS
// =============================================================================

// ContractDTO represents a contract in API responses.
type ContractDTO struct {
	ID         string `json:"id"`
	WorkerID   string `json:"worker_id"`
	PayerID    string `json:"payer_id"`
	HourlyRate string `json:"hourly_rate"`
	Active     bool   `json:"active"`
	CreatedAt  string `json:"created_at,omitempty"`
}

// CreateContractRequest creates or replaces a contract. Active defaults to true.
type CreateContractRequest struct {
	ID         string `json:"id"`
	WorkerID   string `json:"worker_id"`
	PayerID    string `json:"payer_id"`
	HourlyRate string `json:"hourly_rate"`
	Active     *bool  `json:"active,omitempty"`
}

// PaymentMethodRequest sets a payer's payment method.
type PaymentMethodRequest struct {
	Reference string `json:"reference"`
	Active    bool   `json:"active"`
}

// PaymentMethodDTO represents a payer's payment method.
type PaymentMethodDTO struct {
	PayerID   string `json:"payer_id"`
	Reference string `json:"reference"`
	Active    bool   `json:"active"`
}

// PayoutAccountRequest sets a worker's payout account.
type PayoutAccountRequest struct {
	Reference      string `json:"reference"`
	ChargesEnabled bool   `json:"charges_enabled"`
	PayoutsEnabled bool   `json:"payouts_enabled"`
	Status         string `json:"status"`
}

// PayoutAccountDTO represents a worker's payout account.
type PayoutAccountDTO struct {
	WorkerID       string `json:"worker_id"`
	Reference      string `json:"reference"`
	ChargesEnabled bool   `json:"charges_enabled"`
	PayoutsEnabled bool   `json:"payouts_enabled"`
	Status         string `json:"status"`
	Ready          bool   `json:"ready"`
}

// =============================================================================
// OPERATIONS
// =============================================================================

// SweepReportDTO is the outcome of a deadline sweep.
type SweepReportDTO struct {
	Due           int `json:"due"`
	AutoApproved  int `json:"auto_approved"`
	Paid          int `json:"paid"`
	Blocked       int `json:"blocked"`
	PaymentFailed int `json:"payment_failed"`
	Recovered     int `json:"recovered"`
	Skipped       int `json:"skipped"`
	Errors        int `json:"errors"`
}

// SweepStatusDTO describes the scheduler state.
type SweepStatusDTO struct {
	Enabled   bool            `json:"enabled"`
	Last      *SweepReportDTO `json:"last,omitempty"`
	LastRunAt *string         `json:"last_run_at,omitempty"`
	NextRunAt *string         `json:"next_run_at,omitempty"`
}

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest selects a scenario to load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ScenarioResultDTO lists what a scenario created.
type ScenarioResultDTO struct {
	Scenario  ScenarioDTO   `json:"scenario"`
	Contracts []string      `json:"contracts"`
	Timecards []TimecardDTO `json:"timecards"`
}

// ErrorResponse is the body of every error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func money(d decimal.Decimal) string { return d.StringFixed(2) }

func formatInstant(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func formatOptional(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatInstant(*t)
	return &s
}

func toFeesDTO(f settlement.FeeBreakdown) FeesDTO {
	return FeesDTO{
		HourlyRate:       money(f.HourlyRate),
		TotalHours:       money(f.TotalHours),
		GrossAmount:      money(f.GrossAmount),
		WorkerFee:        money(f.WorkerFee),
		WorkerNetAmount:  money(f.WorkerNetAmount),
		PayerTotalAmount: money(f.PayerTotalAmount),
		PlatformFeeTotal: money(f.PlatformFeeTotal),
	}
}

func toTimecardDTO(tc *settlement.Timecard) TimecardDTO {
	dto := TimecardDTO{
		ID:               string(tc.ID),
		ContractID:       string(tc.ContractID),
		WorkerID:         string(tc.WorkerID),
		PayerID:          string(tc.PayerID),
		HourlyRate:       money(tc.HourlyRate),
		ShiftDate:        tc.ShiftDate.Format(dateLayout),
		StartTime:        formatInstant(tc.StartTime),
		EndTime:          formatInstant(tc.EndTime),
		IsOvernight:      tc.IsOvernight,
		BreakMinutes:     tc.BreakMinutes,
		RoundedStart:     formatInstant(tc.RoundedStart),
		RoundedEnd:       formatInstant(tc.RoundedEnd),
		TotalHours:       money(tc.TotalHours),
		PaymentReference: tc.PaymentReference,
		PayoutReference:  tc.PayoutReference,
		Status:           string(tc.Status),
		SubmittedAt:      formatInstant(tc.SubmittedAt),
		ApprovalDeadline: formatInstant(tc.ApprovalDeadline),
		DecidedAt:        formatOptional(tc.DecidedAt),
		DecidedBy:        tc.DecidedBy,
		PaidAt:           formatOptional(tc.PaidAt),
		RejectionReason:  tc.RejectionReason,
		Notes:            tc.Notes,
		PaymentAttempts:  tc.PaymentAttempts,
		LastPaymentError: tc.LastPaymentError,
		FlaggedAt:        formatOptional(tc.FlaggedAt),
		FlagReason:       tc.FlagReason,
		NeedsAttention:   tc.NeedsAttention(),
		Version:          tc.Version,
	}
	if tc.Fees != nil {
		fees := toFeesDTO(*tc.Fees)
		dto.Fees = &fees
	}
	return dto
}

func toTimecardDTOs(tcs []*settlement.Timecard) []TimecardDTO {
	dtos := make([]TimecardDTO, len(tcs))
	for i, tc := range tcs {
		dtos[i] = toTimecardDTO(tc)
	}
	return dtos
}

func toPreviewDTO(p *settlement.Preview) PreviewDTO {
	return PreviewDTO{
		ContractID:   string(p.Contract.ID),
		WorkerID:     string(p.Contract.WorkerID),
		PayerID:      string(p.Contract.PayerID),
		RoundedStart: formatInstant(p.Shift.RoundedStart),
		RoundedEnd:   formatInstant(p.Shift.RoundedEnd),
		TotalHours:   money(p.Shift.TotalHours),
		Fees:         toFeesDTO(p.Fees),
	}
}

func toEventDTO(e settlement.Event) EventDTO {
	return EventDTO{
		ID:     e.ID,
		Type:   string(e.Type),
		Reason: e.Reason,
		Actor:  e.Actor,
		At:     formatInstant(e.At),
	}
}

func toContractDTO(c *settlement.Contract) ContractDTO {
	dto := ContractDTO{
		ID:         string(c.ID),
		WorkerID:   string(c.WorkerID),
		PayerID:    string(c.PayerID),
		HourlyRate: money(c.HourlyRate),
		Active:     c.Active,
	}
	if !c.CreatedAt.IsZero() {
		dto.CreatedAt = formatInstant(c.CreatedAt)
	}
	return dto
}

func toPayoutAccountDTO(a *settlement.PayoutAccount) PayoutAccountDTO {
	return PayoutAccountDTO{
		WorkerID:       string(a.WorkerID),
		Reference:      a.Reference,
		ChargesEnabled: a.ChargesEnabled,
		PayoutsEnabled: a.PayoutsEnabled,
		Status:         a.Status,
		Ready:          a.Ready(),
	}
}

func toSweepReportDTO(r settlement.SweepReport) SweepReportDTO {
	return SweepReportDTO{
		Due:           r.Due,
		AutoApproved:  r.AutoApproved,
		Paid:          r.Paid,
		Blocked:       r.Blocked,
		PaymentFailed: r.PaymentFailed,
		Recovered:     r.Recovered,
		Skipped:       r.Skipped,
		Errors:        r.Errors,
	}
}
