/**
 * @description
 * This file contains the core business logic for the payout-service. The `Service`
 * struct orchestrates payout computation and distribution, coordinating between the
 * database repository, the Payrail payments API client, and the message broker.
 *
 * Key features:
 * - Aggregates contributor points from the approved-submission ledger.
 * - Computes payout allocations with the largest-remainder calculator.
 * - Creates payout records atomically (payout + recipients in one transaction).
 * - Drives the payout state machine: draft -> finalized -> paying -> terminal.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/payrailclient, pkg/rabbitmq: For external service communication.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/royaltybase/payout-service/internal/domain"
	"github.com/royaltybase/payout-service/internal/store"
	"github.com/royaltybase/payout-service/pkg/payrailclient"
)

var (
	// ErrNotProjectOwner is returned when a caller acts on a project they do not own.
	ErrNotProjectOwner = errors.New("caller is not the project owner")
	// ErrRecipientNotRetryable is returned when a retry targets a recipient or
	// payout whose state does not allow another transfer attempt.
	ErrRecipientNotRetryable = errors.New("recipient transfer is not retryable")
	// ErrRecipientNotOnboarded is returned when a retry is blocked because the
	// recipient still has no active payout account.
	ErrRecipientNotOnboarded = errors.New("recipient has not completed payout onboarding")
)

// TransferProvider is the slice of the Payrail client the engine needs.
// Accepting an interface keeps transfer orchestration testable without HTTP.
type TransferProvider interface {
	Transfer(ctx context.Context, destinationRef string, amountCents int64, method, reference string) (*payrailclient.TransferResult, error)
	GetAccountStatus(ctx context.Context, accountRef string) (*payrailclient.AccountStatus, error)
}

// TransferSettings bundles the tunables of the transfer orchestrator.
type TransferSettings struct {
	Timeout        time.Duration // per provider attempt
	MaxAttempts    int           // total attempts per recipient per run
	RetryBackoff   time.Duration // base backoff between transient retries
	Concurrency    int           // simultaneous in-flight transfers per batch
	PaymentMethods []domain.PaymentMethod
}

// Service provides the core business logic for payouts.
type Service struct {
	repo     store.Repository
	provider TransferProvider
	notifier Notifier
	transfer TransferSettings
}

// NewService creates a new payout service instance.
func NewService(repo store.Repository, provider TransferProvider, notifier Notifier, transfer TransferSettings) *Service {
	if transfer.MaxAttempts < 1 {
		transfer.MaxAttempts = 1
	}
	if transfer.Concurrency < 1 {
		transfer.Concurrency = 1
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Service{
		repo:     repo,
		provider: provider,
		notifier: notifier,
		transfer: transfer,
	}
}

// GetContributorPoints returns the approved-submission point totals per
// contributor for a period, the same aggregation payout creation snapshots.
func (s *Service) GetContributorPoints(ctx context.Context, callerID, projectID uuid.UUID, periodStart, periodEnd time.Time) ([]domain.ContributorPoints, error) {
	if err := s.checkProjectOwner(ctx, callerID, projectID); err != nil {
		return nil, err
	}
	if !periodStart.Before(periodEnd) {
		return nil, fmt.Errorf("%w: period_start must be before period_end", ErrInvalidPeriod)
	}
	return s.repo.AggregateApprovedPoints(ctx, projectID, periodStart, periodEnd)
}

// PreviewPayout performs the full payout calculation without persisting
// anything: pool accounting, point aggregation, and allocation. The returned
// preview matches exactly what CreatePayout with the same inputs would write.
func (s *Service) PreviewPayout(ctx context.Context, callerID uuid.UUID, req domain.CreatePayoutRequest) (*domain.PayoutPreview, error) {
	if err := validateCreateRequest(req); err != nil {
		return nil, err
	}
	if err := s.checkProjectOwner(ctx, callerID, req.ProjectID); err != nil {
		return nil, err
	}

	pool, err := s.repo.FindRewardPoolByProjectID(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}
	if err := checkPoolCommitment(pool, req); err != nil {
		return nil, err
	}

	committed, err := s.repo.SumFinalizedPayoutAmounts(ctx, req.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to sum committed payouts: %w", err)
	}
	amount, err := computePoolAmount(pool, req, committed)
	if err != nil {
		return nil, err
	}

	points, err := s.repo.AggregateApprovedPoints(ctx, req.ProjectID, req.PeriodStart, req.PeriodEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate contributor points: %w", err)
	}

	shares, remainder, err := Allocate(amount, points)
	if err != nil {
		return nil, err
	}

	var totalPoints int64
	for _, p := range points {
		totalPoints += p.Points
	}

	return &domain.PayoutPreview{
		PoolType:            pool.PoolType,
		PoolAmountCents:     amount,
		RemainderCents:      remainder,
		TotalPoints:         totalPoints,
		CapacityPoints:      pool.CapacityPoints,
		CapacityUtilization: capacityUtilization(totalPoints, pool.CapacityPoints),
		Shares:              shares,
	}, nil
}

// CreatePayout computes and persists a payout for a period. The whole
// computation runs inside one database transaction so the budget check, the
// overlap check, and the inserted rows see a consistent snapshot.
//
// When the period has no contributors with points, a zero-amount payout is
// recorded directly in finalized status: the period is marked covered without
// committing any pool funds.
func (s *Service) CreatePayout(ctx context.Context, callerID uuid.UUID, req domain.CreatePayoutRequest) (*domain.PayoutWithRecipients, error) {
	if err := validateCreateRequest(req); err != nil {
		return nil, err
	}
	if err := s.checkProjectOwner(ctx, callerID, req.ProjectID); err != nil {
		return nil, err
	}

	log.Printf("CreatePayout: project=%s period=%s [%s, %s)", req.ProjectID, req.PeriodLabel,
		req.PeriodStart.Format(time.RFC3339), req.PeriodEnd.Format(time.RFC3339))

	var result *domain.PayoutWithRecipients
	err := s.repo.WithTx(ctx, func(tx store.Repository) error {
		pool, err := tx.FindRewardPoolByProjectID(ctx, req.ProjectID)
		if err != nil {
			return err
		}
		if err := checkPoolCommitment(pool, req); err != nil {
			return err
		}

		overlaps, err := tx.PayoutPeriodOverlaps(ctx, req.ProjectID, req.PeriodStart, req.PeriodEnd)
		if err != nil {
			return fmt.Errorf("failed to check period overlap: %w", err)
		}
		if overlaps {
			return fmt.Errorf("%w: project %s period %s", store.ErrPayoutConflict, req.ProjectID, req.PeriodLabel)
		}

		committed, err := tx.SumFinalizedPayoutAmounts(ctx, req.ProjectID)
		if err != nil {
			return fmt.Errorf("failed to sum committed payouts: %w", err)
		}
		amount, err := computePoolAmount(pool, req, committed)
		if err != nil {
			return err
		}

		points, err := tx.AggregateApprovedPoints(ctx, req.ProjectID, req.PeriodStart, req.PeriodEnd)
		if err != nil {
			return fmt.Errorf("failed to aggregate contributor points: %w", err)
		}

		shares, remainder, err := Allocate(amount, points)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		payout := &domain.Payout{
			ID:              uuid.New(),
			ProjectID:       req.ProjectID,
			PeriodLabel:     req.PeriodLabel,
			PeriodStart:     req.PeriodStart,
			PeriodEnd:       req.PeriodEnd,
			PoolType:        pool.PoolType,
			PoolAmountCents: amount,
			RemainderCents:  remainder,
			Status:          domain.PayoutStatusDraft,
			CreatedBy:       callerID,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if pool.PoolType == domain.PoolTypeProfitShare {
			payout.ReportedProfitCents = req.ReportedProfitCents
		}

		if len(shares) == 0 {
			// No contributors earned points this period. Record the period
			// as covered without committing pool funds.
			log.Printf("CreatePayout: no contributors with points for project %s period %s; recording zero-amount payout", req.ProjectID, req.PeriodLabel)
			payout.PoolAmountCents = 0
			payout.RemainderCents = 0
			payout.Status = domain.PayoutStatusFinalized
		}

		pointsByUser := make(map[uuid.UUID]int64, len(points))
		for _, p := range points {
			pointsByUser[p.UserID] = p.Points
		}

		recipients := make([]domain.PayoutRecipient, len(shares))
		for i, share := range shares {
			recipients[i] = domain.PayoutRecipient{
				ID:           uuid.New(),
				PayoutID:     payout.ID,
				UserID:       share.UserID,
				EarnedPoints: pointsByUser[share.UserID],
				ShareCents:   share.ShareCents,
				Status:       domain.RecipientStatusPending,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
		}

		if err := tx.CreatePayoutWithRecipients(ctx, payout, recipients); err != nil {
			return err
		}

		result = &domain.PayoutWithRecipients{Payout: *payout, Recipients: recipients}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("CreatePayout: created payout %s status=%s amount=%d recipients=%d",
		result.Payout.ID, result.Payout.Status, result.Payout.PoolAmountCents, len(result.Recipients))
	return result, nil
}

// FinalizePayout locks a draft payout's amounts against further edits and
// notifies each recipient of their upcoming share.
func (s *Service) FinalizePayout(ctx context.Context, callerID, payoutID uuid.UUID) (*domain.PayoutWithRecipients, error) {
	payout, err := s.repo.FindPayoutByID(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	if err := s.checkProjectOwner(ctx, callerID, payout.ProjectID); err != nil {
		return nil, err
	}

	ok, err := s.repo.TransitionPayoutStatus(ctx, payoutID, []string{domain.PayoutStatusDraft}, domain.PayoutStatusFinalized)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: payout %s is %s, only draft payouts can be finalized", store.ErrInvalidStateTransition, payoutID, payout.Status)
	}

	full, err := s.repo.FindPayoutWithRecipients(ctx, payoutID)
	if err != nil {
		return nil, err
	}

	for _, r := range full.Recipients {
		if notifyErr := s.notifier.Notify(ctx, r.UserID, EventPayoutFinalized, payoutID); notifyErr != nil {
			log.Printf("WARN: FinalizePayout: failed to notify recipient %s for payout %s: %v", r.UserID, payoutID, notifyErr)
		}
	}

	log.Printf("FinalizePayout: payout %s finalized, %d recipients", payoutID, len(full.Recipients))
	return full, nil
}

// GetPayout returns a payout with its recipient breakdown, restricted to the
// project owner.
func (s *Service) GetPayout(ctx context.Context, callerID, payoutID uuid.UUID) (*domain.PayoutWithRecipients, error) {
	full, err := s.repo.FindPayoutWithRecipients(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	if err := s.checkProjectOwner(ctx, callerID, full.Payout.ProjectID); err != nil {
		return nil, err
	}
	return full, nil
}

// ListProjectPayouts returns a project's payout history, newest first.
func (s *Service) ListProjectPayouts(ctx context.Context, callerID, projectID uuid.UUID) ([]domain.Payout, error) {
	if err := s.checkProjectOwner(ctx, callerID, projectID); err != nil {
		return nil, err
	}
	return s.repo.ListPayoutsByProject(ctx, projectID)
}

func (s *Service) checkProjectOwner(ctx context.Context, callerID, projectID uuid.UUID) error {
	ownerID, err := s.repo.FindProjectOwnerID(ctx, projectID)
	if err != nil {
		return err
	}
	if ownerID != callerID {
		return fmt.Errorf("%w: project %s", ErrNotProjectOwner, projectID)
	}
	return nil
}

func validateCreateRequest(req domain.CreatePayoutRequest) error {
	if req.PeriodLabel == "" {
		return fmt.Errorf("%w: period_label is required", ErrInvalidPeriod)
	}
	if !req.PeriodStart.Before(req.PeriodEnd) {
		return fmt.Errorf("%w: period_start must be before period_end", ErrInvalidPeriod)
	}
	if req.DistributionCents != nil && req.ReportedProfitCents != nil {
		return fmt.Errorf("%w: provide distribution_cents or reported_profit_cents, not both", ErrInvalidPeriod)
	}
	return nil
}
