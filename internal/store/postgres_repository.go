/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the SQL for reward pools, payouts, payout recipients, and the
 * approved-submission point aggregation the calculator consumes.
 *
 * The repository runs against either a connection pool or an open transaction:
 * `WithTx` begins a transaction on the pool and hands the callback a repository
 * bound to it, which is how `CreatePayout` keeps the overlap check, budget check,
 * point aggregation, and inserts atomic.
 *
 * @dependencies
 * - context, time, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/royaltybase/payout-service/internal/domain"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so every query method
// works identically inside and outside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db   querier
	pool *pgxpool.Pool // nil when bound to a transaction
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: pool, pool: pool}
}

// WithTx begins a transaction and runs fn against a repository bound to it.
// Nested calls reuse the already-open transaction.
func (r *PostgresRepository) WithTx(ctx context.Context, fn func(Repository) error) error {
	if r.pool == nil {
		return fn(r)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&PostgresRepository{db: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// FindProjectOwnerID resolves the founder who owns a project.
func (r *PostgresRepository) FindProjectOwnerID(ctx context.Context, projectID uuid.UUID) (uuid.UUID, error) {
	var ownerID uuid.UUID
	err := r.db.QueryRow(ctx, `SELECT owner_id FROM projects WHERE id = $1`, projectID).Scan(&ownerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, ErrProjectNotFound
		}
		return uuid.Nil, err
	}
	return ownerID, nil
}

// FindRewardPoolByProjectID retrieves a project's reward pool configuration.
func (r *PostgresRepository) FindRewardPoolByProjectID(ctx context.Context, projectID uuid.UUID) (*domain.RewardPool, error) {
	var pool domain.RewardPool
	query := `
		SELECT id, project_id, pool_type, pool_percentage, budget_cents, capacity_points,
		       payout_frequency, commitment_ends_at, created_at
		FROM reward_pools
		WHERE project_id = $1
	`
	err := r.db.QueryRow(ctx, query, projectID).Scan(
		&pool.ID,
		&pool.ProjectID,
		&pool.PoolType,
		&pool.PoolPercentage,
		&pool.BudgetCents,
		&pool.CapacityPoints,
		&pool.PayoutFrequency,
		&pool.CommitmentEndsAt,
		&pool.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPoolNotFound
		}
		return nil, err
	}
	return &pool, nil
}

// AggregateApprovedPoints sums the points of approved submissions whose approval
// timestamp falls within [periodStart, periodEnd), grouped per contributor.
// Zero totals are excluded and rows are ordered by user id for determinism.
func (r *PostgresRepository) AggregateApprovedPoints(ctx context.Context, projectID uuid.UUID, periodStart, periodEnd time.Time) ([]domain.ContributorPoints, error) {
	query := `
		SELECT contributor_id, SUM(points)::bigint AS total_points
		FROM submissions
		WHERE project_id = $1
		  AND status = 'approved'
		  AND approved_at >= $2
		  AND approved_at < $3
		GROUP BY contributor_id
		HAVING SUM(points) > 0
		ORDER BY contributor_id
	`
	rows, err := r.db.Query(ctx, query, projectID, periodStart, periodEnd)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.ContributorPoints
	for rows.Next() {
		var cp domain.ContributorPoints
		if err := rows.Scan(&cp.UserID, &cp.Points); err != nil {
			return nil, err
		}
		result = append(result, cp)
	}
	return result, rows.Err()
}

// SumFinalizedPayoutAmounts totals pool_amount_cents over every payout of the
// project that reached FINALIZED or later. Draft payouts do not consume budget.
func (r *PostgresRepository) SumFinalizedPayoutAmounts(ctx context.Context, projectID uuid.UUID) (int64, error) {
	var total int64
	query := `
		SELECT COALESCE(SUM(pool_amount_cents), 0)::bigint
		FROM payouts
		WHERE project_id = $1
		  AND status <> 'draft'
	`
	if err := r.db.QueryRow(ctx, query, projectID).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

// PayoutPeriodOverlaps reports whether any existing payout of the project has a
// period intersecting [periodStart, periodEnd).
func (r *PostgresRepository) PayoutPeriodOverlaps(ctx context.Context, projectID uuid.UUID, periodStart, periodEnd time.Time) (bool, error) {
	var overlaps bool
	query := `
		SELECT EXISTS (
			SELECT 1 FROM payouts
			WHERE project_id = $1
			  AND period_start < $3
			  AND period_end > $2
		)
	`
	if err := r.db.QueryRow(ctx, query, projectID, periodStart, periodEnd).Scan(&overlaps); err != nil {
		return false, err
	}
	return overlaps, nil
}

// CreatePayoutWithRecipients inserts the payout and all its recipient rows.
// Callers run this inside WithTx so the whole creation is atomic; the payouts
// table additionally carries an exclusion constraint on (project_id, period) so
// a concurrent creator loses with a constraint violation mapped to ErrPayoutConflict.
func (r *PostgresRepository) CreatePayoutWithRecipients(ctx context.Context, payout *domain.Payout, recipients []domain.PayoutRecipient) error {
	payoutQuery := `
		INSERT INTO payouts (
			id, project_id, period_label, period_start, period_end, pool_type,
			reported_profit_cents, pool_amount_cents, remainder_cents, status, created_by
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, payoutQuery,
		payout.ID,
		payout.ProjectID,
		payout.PeriodLabel,
		payout.PeriodStart,
		payout.PeriodEnd,
		payout.PoolType,
		payout.ReportedProfitCents,
		payout.PoolAmountCents,
		payout.RemainderCents,
		payout.Status,
		payout.CreatedBy,
	).Scan(&payout.CreatedAt, &payout.UpdatedAt)
	if err != nil {
		if isUniquenessViolation(err) {
			return ErrPayoutConflict
		}
		return err
	}

	recipientQuery := `
		INSERT INTO payout_recipients (id, payout_id, user_id, earned_points, share_cents, status)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	for i := range recipients {
		rec := &recipients[i]
		if _, err := r.db.Exec(ctx, recipientQuery,
			rec.ID, rec.PayoutID, rec.UserID, rec.EarnedPoints, rec.ShareCents, rec.Status,
		); err != nil {
			return fmt.Errorf("failed to insert payout recipient for user %s: %w", rec.UserID, err)
		}
	}
	return nil
}

const payoutColumns = `
	id, project_id, period_label, period_start, period_end, pool_type,
	reported_profit_cents, pool_amount_cents, remainder_cents, status,
	created_by, created_at, updated_at
`

func scanPayout(row pgx.Row) (*domain.Payout, error) {
	var p domain.Payout
	err := row.Scan(
		&p.ID,
		&p.ProjectID,
		&p.PeriodLabel,
		&p.PeriodStart,
		&p.PeriodEnd,
		&p.PoolType,
		&p.ReportedProfitCents,
		&p.PoolAmountCents,
		&p.RemainderCents,
		&p.Status,
		&p.CreatedBy,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPayoutNotFound
		}
		return nil, err
	}
	return &p, nil
}

// FindPayoutByID retrieves a payout by its ID.
func (r *PostgresRepository) FindPayoutByID(ctx context.Context, payoutID uuid.UUID) (*domain.Payout, error) {
	return scanPayout(r.db.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id = $1`, payoutID))
}

// FindPayoutWithRecipients retrieves a payout and its full recipient breakdown.
func (r *PostgresRepository) FindPayoutWithRecipients(ctx context.Context, payoutID uuid.UUID) (*domain.PayoutWithRecipients, error) {
	payout, err := r.FindPayoutByID(ctx, payoutID)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.Query(ctx, `
		SELECT `+recipientColumns+`
		FROM payout_recipients
		WHERE payout_id = $1
		ORDER BY user_id
	`, payoutID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := &domain.PayoutWithRecipients{Payout: *payout}
	for rows.Next() {
		rec, err := scanRecipientRow(rows)
		if err != nil {
			return nil, err
		}
		result.Recipients = append(result.Recipients, *rec)
	}
	return result, rows.Err()
}

// ListPayoutsByProject returns all payouts of a project, most recent period first.
func (r *PostgresRepository) ListPayoutsByProject(ctx context.Context, projectID uuid.UUID) ([]domain.Payout, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+payoutColumns+`
		FROM payouts
		WHERE project_id = $1
		ORDER BY period_start DESC
	`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payouts []domain.Payout
	for rows.Next() {
		var p domain.Payout
		if err := rows.Scan(
			&p.ID, &p.ProjectID, &p.PeriodLabel, &p.PeriodStart, &p.PeriodEnd,
			&p.PoolType, &p.ReportedProfitCents, &p.PoolAmountCents, &p.RemainderCents,
			&p.Status, &p.CreatedBy, &p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, err
		}
		payouts = append(payouts, p)
	}
	return payouts, rows.Err()
}

// TransitionPayoutStatus performs a compare-and-set on the payout status. It
// returns false without error when the payout exists but is not in one of the
// `from` states, so callers can distinguish a lost race from a missing row.
func (r *PostgresRepository) TransitionPayoutStatus(ctx context.Context, payoutID uuid.UUID, from []string, to string) (bool, error) {
	query := `
		UPDATE payouts
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)
	`
	tag, err := r.db.Exec(ctx, query, payoutID, to, from)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM payouts WHERE id = $1)`, payoutID).Scan(&exists); err != nil {
			return false, err
		}
		if !exists {
			return false, ErrPayoutNotFound
		}
		return false, nil
	}
	return true, nil
}

const recipientColumns = `
	id, payout_id, user_id, earned_points, share_cents, status,
	payment_method_type, transfer_id, failure_reason, created_at, updated_at
`

func scanRecipientRow(row pgx.Row) (*domain.PayoutRecipient, error) {
	var rec domain.PayoutRecipient
	err := row.Scan(
		&rec.ID,
		&rec.PayoutID,
		&rec.UserID,
		&rec.EarnedPoints,
		&rec.ShareCents,
		&rec.Status,
		&rec.PaymentMethodType,
		&rec.TransferID,
		&rec.FailureReason,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRecipientNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// FindRecipientByID retrieves a payout recipient by its ID.
func (r *PostgresRepository) FindRecipientByID(ctx context.Context, recipientID uuid.UUID) (*domain.PayoutRecipient, error) {
	return scanRecipientRow(r.db.QueryRow(ctx, `SELECT `+recipientColumns+` FROM payout_recipients WHERE id = $1`, recipientID))
}

// FindRecipientByTransferID retrieves the recipient whose CURRENT transfer
// attempt carries the given provider reference. A transfer id superseded by a
// retry no longer matches any row, which is how stale webhooks are rejected.
func (r *PostgresRepository) FindRecipientByTransferID(ctx context.Context, transferID string) (*domain.PayoutRecipient, error) {
	return scanRecipientRow(r.db.QueryRow(ctx, `SELECT `+recipientColumns+` FROM payout_recipients WHERE transfer_id = $1`, transferID))
}

// ListRecipientsByStatus returns the payout's recipients currently in a status.
func (r *PostgresRepository) ListRecipientsByStatus(ctx context.Context, payoutID uuid.UUID, status string) ([]domain.PayoutRecipient, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+recipientColumns+`
		FROM payout_recipients
		WHERE payout_id = $1 AND status = $2
		ORDER BY user_id
	`, payoutID, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recipients []domain.PayoutRecipient
	for rows.Next() {
		rec, err := scanRecipientRow(rows)
		if err != nil {
			return nil, err
		}
		recipients = append(recipients, *rec)
	}
	return recipients, rows.Err()
}

// ClaimRecipientForTransfer is the per-recipient check-and-set that serializes
// transfer attempts: it only proceeds from pending or failed, never from paid
// or an in-flight processing claim held by another worker.
func (r *PostgresRepository) ClaimRecipientForTransfer(ctx context.Context, recipientID uuid.UUID) (bool, error) {
	query := `
		UPDATE payout_recipients
		SET status = 'processing', updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'failed')
	`
	tag, err := r.db.Exec(ctx, query, recipientID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// RecordRecipientTransferInitiated stores the provider transfer reference on an
// in-flight recipient so asynchronous reconciliation can find it.
func (r *PostgresRepository) RecordRecipientTransferInitiated(ctx context.Context, recipientID uuid.UUID, transferID, methodType string) error {
	query := `
		UPDATE payout_recipients
		SET transfer_id = $2, payment_method_type = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`
	tag, err := r.db.Exec(ctx, query, recipientID, transferID, methodType)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRecipientNotFound
	}
	return nil
}

// MarkRecipientPaid records a settled transfer. Paid rows are immutable: the
// guard never downgrades or re-pays an already-paid recipient.
func (r *PostgresRepository) MarkRecipientPaid(ctx context.Context, recipientID uuid.UUID, transferID, methodType string) error {
	query := `
		UPDATE payout_recipients
		SET status = 'paid', transfer_id = $2, payment_method_type = $3,
		    failure_reason = NULL, updated_at = NOW()
		WHERE id = $1 AND status <> 'paid'
	`
	tag, err := r.db.Exec(ctx, query, recipientID, transferID, methodType)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRecipientNotFound
	}
	return nil
}

// MarkRecipientFailed records a terminal per-recipient failure with its reason.
func (r *PostgresRepository) MarkRecipientFailed(ctx context.Context, recipientID uuid.UUID, failureReason, methodType string) error {
	query := `
		UPDATE payout_recipients
		SET status = 'failed', failure_reason = $2, payment_method_type = NULLIF($3, ''),
		    updated_at = NOW()
		WHERE id = $1 AND status <> 'paid'
	`
	tag, err := r.db.Exec(ctx, query, recipientID, failureReason, methodType)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRecipientNotFound
	}
	return nil
}

// CountRecipientStatuses tallies a payout's recipients per status.
func (r *PostgresRepository) CountRecipientStatuses(ctx context.Context, payoutID uuid.UUID) (RecipientStatusCounts, error) {
	var counts RecipientStatusCounts
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'processing'),
			COUNT(*) FILTER (WHERE status = 'paid'),
			COUNT(*) FILTER (WHERE status = 'failed')
		FROM payout_recipients
		WHERE payout_id = $1
	`
	err := r.db.QueryRow(ctx, query, payoutID).Scan(
		&counts.Pending, &counts.Processing, &counts.Paid, &counts.Failed,
	)
	return counts, err
}

// FindRecipientAccountRef resolves a contributor's provider account reference.
func (r *PostgresRepository) FindRecipientAccountRef(ctx context.Context, userID uuid.UUID) (string, error) {
	var ref string
	err := r.db.QueryRow(ctx, `SELECT provider_account_ref FROM payout_accounts WHERE user_id = $1`, userID).Scan(&ref)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrRecipientAccountNotFound
		}
		return "", err
	}
	return ref, nil
}

// ResetStaleProcessingRecipients returns recipients whose in-flight claim is
// older than the cutoff to pending, reporting which payouts were touched.
// Claims that already carry a transfer id are left alone: a provider call went
// out and reconciliation owns the outcome, so re-initiating would risk a
// double payment.
func (r *PostgresRepository) ResetStaleProcessingRecipients(ctx context.Context, cutoff time.Time) ([]StaleRecipient, error) {
	rows, err := r.db.Query(ctx, `
		UPDATE payout_recipients
		SET status = 'pending', updated_at = NOW()
		WHERE status = 'processing' AND transfer_id IS NULL AND updated_at < $1
		RETURNING id, payout_id
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stale []StaleRecipient
	for rows.Next() {
		var s StaleRecipient
		if err := rows.Scan(&s.RecipientID, &s.PayoutID); err != nil {
			return nil, err
		}
		stale = append(stale, s)
	}
	return stale, rows.Err()
}

// ListRetryableFailedRecipients returns failed recipients whose failure reason
// starts with the given prefix (the transient marker) and whose last update is
// older than the cutoff.
func (r *PostgresRepository) ListRetryableFailedRecipients(ctx context.Context, reasonPrefix string, cutoff time.Time, limit int) ([]domain.PayoutRecipient, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+recipientColumns+`
		FROM payout_recipients
		WHERE status = 'failed'
		  AND failure_reason LIKE $1 || '%'
		  AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3
	`, reasonPrefix, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recipients []domain.PayoutRecipient
	for rows.Next() {
		rec, err := scanRecipientRow(rows)
		if err != nil {
			return nil, err
		}
		recipients = append(recipients, *rec)
	}
	return recipients, rows.Err()
}

// isUniquenessViolation reports whether the error is a unique or exclusion
// constraint violation, which surfaces a concurrent create for the same period.
func isUniquenessViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" || pgErr.Code == "23P01"
	}
	return false
}
