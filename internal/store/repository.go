/**
 * @description
 * This file defines the `Repository` interface: the contract for all data access
 * the payout-service needs. The interface decouples the payout engine from the
 * PostgreSQL implementation so that tests can run against in-memory fakes, and
 * `WithTx` gives call sites that need atomicity a single unit-of-work wrapper:
 * the function receives a Repository bound to an open transaction, and every
 * call made through it commits or rolls back together.
 *
 * @dependencies
 * - context, time, errors: Standard Go libraries.
 * - github.com/google/uuid: For entity identifiers.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/royaltybase/payout-service/internal/domain"
)

var (
	ErrProjectNotFound          = errors.New("project not found")
	ErrPoolNotFound             = errors.New("reward pool not found")
	ErrPayoutNotFound           = errors.New("payout not found")
	ErrRecipientNotFound        = errors.New("payout recipient not found")
	ErrPayoutConflict           = errors.New("payout period conflicts with an existing payout")
	ErrBudgetExceeded           = errors.New("distribution exceeds remaining pool budget")
	ErrPoolExpired              = errors.New("reward pool commitment has ended")
	ErrInvalidStateTransition   = errors.New("invalid payout state transition")
	ErrRecipientAccountNotFound = errors.New("recipient has no payout account")
)

// RecipientStatusCounts is the per-status tally used to derive a payout's
// aggregate status after transfer activity.
type RecipientStatusCounts struct {
	Pending    int
	Processing int
	Paid       int
	Failed     int
}

// Total returns the number of recipients across all statuses.
func (c RecipientStatusCounts) Total() int {
	return c.Pending + c.Processing + c.Paid + c.Failed
}

// StaleRecipient identifies a recipient whose in-flight claim outlived the
// configured cutoff, together with its owning payout.
type StaleRecipient struct {
	RecipientID uuid.UUID
	PayoutID    uuid.UUID
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// WithTx runs fn against a Repository bound to a single database
	// transaction, committing on nil and rolling back on error.
	WithTx(ctx context.Context, fn func(Repository) error) error

	// Project and pool reads
	FindProjectOwnerID(ctx context.Context, projectID uuid.UUID) (uuid.UUID, error)
	FindRewardPoolByProjectID(ctx context.Context, projectID uuid.UUID) (*domain.RewardPool, error)

	// Point ledger reads (approved submissions only, [start, end) window)
	AggregateApprovedPoints(ctx context.Context, projectID uuid.UUID, periodStart, periodEnd time.Time) ([]domain.ContributorPoints, error)

	// Payout lifecycle
	SumFinalizedPayoutAmounts(ctx context.Context, projectID uuid.UUID) (int64, error)
	PayoutPeriodOverlaps(ctx context.Context, projectID uuid.UUID, periodStart, periodEnd time.Time) (bool, error)
	CreatePayoutWithRecipients(ctx context.Context, payout *domain.Payout, recipients []domain.PayoutRecipient) error
	FindPayoutByID(ctx context.Context, payoutID uuid.UUID) (*domain.Payout, error)
	FindPayoutWithRecipients(ctx context.Context, payoutID uuid.UUID) (*domain.PayoutWithRecipients, error)
	ListPayoutsByProject(ctx context.Context, projectID uuid.UUID) ([]domain.Payout, error)
	TransitionPayoutStatus(ctx context.Context, payoutID uuid.UUID, from []string, to string) (bool, error)

	// Recipient transfer state
	FindRecipientByID(ctx context.Context, recipientID uuid.UUID) (*domain.PayoutRecipient, error)
	FindRecipientByTransferID(ctx context.Context, transferID string) (*domain.PayoutRecipient, error)
	ListRecipientsByStatus(ctx context.Context, payoutID uuid.UUID, status string) ([]domain.PayoutRecipient, error)
	ClaimRecipientForTransfer(ctx context.Context, recipientID uuid.UUID) (bool, error)
	RecordRecipientTransferInitiated(ctx context.Context, recipientID uuid.UUID, transferID, methodType string) error
	MarkRecipientPaid(ctx context.Context, recipientID uuid.UUID, transferID, methodType string) error
	MarkRecipientFailed(ctx context.Context, recipientID uuid.UUID, failureReason, methodType string) error
	CountRecipientStatuses(ctx context.Context, payoutID uuid.UUID) (RecipientStatusCounts, error)

	// Provider account lookup for money movement
	FindRecipientAccountRef(ctx context.Context, userID uuid.UUID) (string, error)

	// Scheduled hygiene
	ResetStaleProcessingRecipients(ctx context.Context, cutoff time.Time) ([]StaleRecipient, error)
	ListRetryableFailedRecipients(ctx context.Context, reasonPrefix string, cutoff time.Time, limit int) ([]domain.PayoutRecipient, error)
}
