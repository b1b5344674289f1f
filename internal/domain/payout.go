/**
 * @description
 * This file defines the core domain models for the payout-service: reward pools,
 * payouts, payout recipients, and the contributor point snapshots that feed the
 * allocation calculation. These structs map to the database tables of the same
 * names and are shared across the store, app, and API layers.
 *
 * @notes
 * - All monetary values are `int64` cents. Percentage math is integer-only; the
 *   allocator never touches floating point.
 * - A Payout snapshots the pool type and the frozen pool amount at creation time
 *   so the record stays reproducible even if the pool configuration changes later.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Pool types. The type drives which branch of pool accounting computes the
// distributable amount for a period.
const (
	PoolTypeFixedBudget = "fixed_budget"
	PoolTypeProfitShare = "profit_share"
)

// Payout lifecycle. Transitions never skip a state:
// draft -> finalized -> paying -> paid | partially_paid | failed.
// partially_paid and failed re-enter paying only through operator retry.
const (
	PayoutStatusDraft         = "draft"
	PayoutStatusFinalized     = "finalized"
	PayoutStatusPaying        = "paying"
	PayoutStatusPaid          = "paid"
	PayoutStatusPartiallyPaid = "partially_paid"
	PayoutStatusFailed        = "failed"
)

// Recipient lifecycle. `processing` is the in-flight claim marker: a transfer
// attempt may only be started by a check-and-set from pending or failed, and a
// recipient is immutable once paid.
const (
	RecipientStatusPending    = "pending"
	RecipientStatusProcessing = "processing"
	RecipientStatusPaid       = "paid"
	RecipientStatusFailed     = "failed"
)

// Payment method types, selected by amount thresholds.
const (
	PaymentMethodManual   = "manual"   // operator-settled, very small amounts
	PaymentMethodStandard = "standard" // provider rail transfer
)

// RewardPool is a project's configured source of payout funds.
type RewardPool struct {
	ID               uuid.UUID  `json:"id"`
	ProjectID        uuid.UUID  `json:"project_id"`
	PoolType         string     `json:"pool_type"`
	PoolPercentage   int        `json:"pool_percentage"` // 0-100
	BudgetCents      *int64     `json:"budget_cents,omitempty"`
	CapacityPoints   *int64     `json:"capacity_points,omitempty"` // display-only utilization hint
	PayoutFrequency  string     `json:"payout_frequency"`          // 'monthly' | 'quarterly'
	CommitmentEndsAt *time.Time `json:"commitment_ends_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Payout is one distribution event for a project covering a period. The period
// of a payout never overlaps another payout of the same project.
type Payout struct {
	ID                  uuid.UUID `json:"id"`
	ProjectID           uuid.UUID `json:"project_id"`
	PeriodLabel         string    `json:"period_label"`
	PeriodStart         time.Time `json:"period_start"`
	PeriodEnd           time.Time `json:"period_end"`
	PoolType            string    `json:"pool_type"` // snapshot of the pool at creation time
	ReportedProfitCents *int64    `json:"reported_profit_cents,omitempty"`
	PoolAmountCents     int64     `json:"pool_amount_cents"` // frozen at creation
	RemainderCents      int64     `json:"remainder_cents"`   // rounding dust, tracked explicitly
	Status              string    `json:"status"`
	CreatedBy           uuid.UUID `json:"created_by"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// PayoutRecipient is a contributor's allocation and transfer record within a payout.
type PayoutRecipient struct {
	ID                uuid.UUID `json:"id"`
	PayoutID          uuid.UUID `json:"payout_id"`
	UserID            uuid.UUID `json:"user_id"`
	EarnedPoints      int64     `json:"earned_points"` // snapshot of points attributed this period
	ShareCents        int64     `json:"share_cents"`
	Status            string    `json:"status"`
	PaymentMethodType *string   `json:"payment_method_type,omitempty"`
	TransferID        *string   `json:"transfer_id,omitempty"` // current provider transfer reference
	FailureReason     *string   `json:"failure_reason,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// ContributorPoints is the read-only aggregation input to the allocator: points
// a contributor earned from approved submissions inside the period window.
type ContributorPoints struct {
	UserID uuid.UUID `json:"user_id"`
	Points int64     `json:"points"`
}

// Share is one allocation line produced by the calculator.
type Share struct {
	UserID     uuid.UUID `json:"user_id"`
	ShareCents int64     `json:"share_cents"`
}

// PaymentMethod describes an eligible rail and its amount thresholds in cents.
// MaxAmountCents of zero means unbounded.
type PaymentMethod struct {
	Type           string `json:"type"`
	MinAmountCents int64  `json:"min_amount_cents"`
	MaxAmountCents int64  `json:"max_amount_cents"`
}

// Eligible reports whether an amount falls inside the method's thresholds.
func (m PaymentMethod) Eligible(amountCents int64) bool {
	if amountCents < m.MinAmountCents {
		return false
	}
	if m.MaxAmountCents > 0 && amountCents > m.MaxAmountCents {
		return false
	}
	return true
}

// CreatePayoutRequest is the DTO for the payout creation endpoint. Exactly one
// of DistributionCents (fixed_budget) or ReportedProfitCents (profit_share) is
// required, matching the pool type.
type CreatePayoutRequest struct {
	ProjectID           uuid.UUID `json:"project_id"`
	PeriodLabel         string    `json:"period_label"`
	PeriodStart         time.Time `json:"period_start"`
	PeriodEnd           time.Time `json:"period_end"`
	DistributionCents   *int64    `json:"distribution_cents,omitempty"`
	ReportedProfitCents *int64    `json:"reported_profit_cents,omitempty"`
}

// PayoutPreview is the dry-run calculation result: the exact allocation a
// createPayout call with the same inputs would persist, with nothing written.
type PayoutPreview struct {
	PoolType            string  `json:"pool_type"`
	PoolAmountCents     int64   `json:"pool_amount_cents"`
	RemainderCents      int64   `json:"remainder_cents"`
	TotalPoints         int64   `json:"total_points"`
	CapacityPoints      *int64  `json:"capacity_points,omitempty"`
	CapacityUtilization *string `json:"capacity_utilization,omitempty"` // display-only, e.g. "42%"
	Shares              []Share `json:"shares"`
}

// PayoutWithRecipients is the founder-facing breakdown of a payout.
type PayoutWithRecipients struct {
	Payout     Payout            `json:"payout"`
	Recipients []PayoutRecipient `json:"recipients"`
}

// TransferBatchResult summarizes one ProcessPayoutTransfers run.
type TransferBatchResult struct {
	PayoutID     uuid.UUID `json:"payout_id"`
	PayoutStatus string    `json:"payout_status"`
	Attempted    int       `json:"attempted"`
	Paid         int       `json:"paid"`
	Failed       int       `json:"failed"`
	Skipped      int       `json:"skipped"`
}
