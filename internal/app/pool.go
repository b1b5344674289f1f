/**
 * @description
 * Pool accounting: computing the distributable amount for a payout period from
 * a project's reward pool configuration and the creation request.
 *
 * fixed_budget pools spend down a lifetime budget, so the requested
 * distribution is validated against what previous finalized payouts have
 * already consumed. profit_share pools compute the amount from reported profit
 * and the configured percentage with integer floor division; nothing is
 * validated against a budget because there is none.
 */

package app

import (
	"errors"
	"fmt"

	"github.com/royaltybase/payout-service/internal/domain"
	"github.com/royaltybase/payout-service/internal/store"
)

var (
	// ErrInvalidPeriod covers malformed creation requests: empty label,
	// inverted period bounds, or an amount field that does not match the
	// pool type.
	ErrInvalidPeriod = errors.New("invalid payout period request")
)

// computePoolAmount returns the cents to distribute for one payout period.
// alreadyCommittedCents is the sum of non-draft payout amounts for the
// project, used only by the fixed_budget branch.
func computePoolAmount(pool *domain.RewardPool, req domain.CreatePayoutRequest, alreadyCommittedCents int64) (int64, error) {
	switch pool.PoolType {
	case domain.PoolTypeFixedBudget:
		if req.DistributionCents == nil {
			return 0, fmt.Errorf("%w: distribution_cents is required for fixed_budget pools", ErrInvalidPeriod)
		}
		amount := *req.DistributionCents
		if amount < 0 {
			return 0, fmt.Errorf("%w: distribution_cents must not be negative", ErrInvalidPeriod)
		}
		if pool.BudgetCents == nil {
			return 0, fmt.Errorf("fixed_budget pool %s has no budget configured", pool.ID)
		}
		remaining := *pool.BudgetCents - alreadyCommittedCents
		if amount > remaining {
			return 0, fmt.Errorf("%w: requested %d cents, %d remaining of %d budget",
				store.ErrBudgetExceeded, amount, remaining, *pool.BudgetCents)
		}
		return amount, nil

	case domain.PoolTypeProfitShare:
		if req.ReportedProfitCents == nil {
			return 0, fmt.Errorf("%w: reported_profit_cents is required for profit_share pools", ErrInvalidPeriod)
		}
		profit := *req.ReportedProfitCents
		if profit < 0 {
			return 0, fmt.Errorf("%w: reported_profit_cents must not be negative", ErrInvalidPeriod)
		}
		if pool.PoolPercentage < 0 || pool.PoolPercentage > 100 {
			return 0, fmt.Errorf("profit_share pool %s has out-of-range percentage %d", pool.ID, pool.PoolPercentage)
		}
		// Integer floor: the cent lost to rounding stays with the project.
		return profit * int64(pool.PoolPercentage) / 100, nil

	default:
		return 0, fmt.Errorf("unknown pool type %q for pool %s", pool.PoolType, pool.ID)
	}
}

// checkPoolCommitment rejects payout periods extending past the pool's
// commitment window. Pools without a commitment end never expire.
func checkPoolCommitment(pool *domain.RewardPool, req domain.CreatePayoutRequest) error {
	if pool.CommitmentEndsAt == nil {
		return nil
	}
	if req.PeriodEnd.After(*pool.CommitmentEndsAt) {
		return fmt.Errorf("%w: period ends %s, commitment ended %s",
			store.ErrPoolExpired, req.PeriodEnd.Format("2006-01-02"), pool.CommitmentEndsAt.Format("2006-01-02"))
	}
	return nil
}

// capacityUtilization renders the display-only "points used vs capacity"
// figure for previews, e.g. "37%". It is never used in money math.
func capacityUtilization(totalPoints int64, capacityPoints *int64) *string {
	if capacityPoints == nil || *capacityPoints <= 0 {
		return nil
	}
	pct := totalPoints * 100 / *capacityPoints
	s := fmt.Sprintf("%d%%", pct)
	return &s
}
