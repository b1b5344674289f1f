/**
 * @description
 * This file implements the payout calculator: integer largest-remainder
 * apportionment of a cash amount across contributors in proportion to their
 * earned points. All arithmetic is integer cents; no floating point is used
 * anywhere in currency math.
 *
 * The allocation is deterministic and order-independent: contributors are
 * normalized to ascending user-id order before any division, and remainder
 * cents are handed out by descending fractional remainder with ties broken by
 * ascending user id.
 */

package app

import (
	"bytes"
	"errors"
	"sort"

	"github.com/royaltybase/payout-service/internal/domain"
)

var (
	ErrNegativeAmount = errors.New("allocation amount must not be negative")
	ErrNegativePoints = errors.New("contributor points must not be negative")
)

// Allocate splits amountCents across the contributors proportionally to their
// points. It returns the per-user shares together with the undistributed
// remainder, which is zero whenever at least one contributor holds points: the
// largest-remainder pass guarantees sum(shares) == amountCents exactly.
//
// Contributors with zero points are excluded entirely. An empty (or all-zero)
// contributor set produces no shares and reports the full amount as remainder
// rather than dropping it.
func Allocate(amountCents int64, contributors []domain.ContributorPoints) ([]domain.Share, int64, error) {
	if amountCents < 0 {
		return nil, 0, ErrNegativeAmount
	}

	eligible := make([]domain.ContributorPoints, 0, len(contributors))
	var totalPoints int64
	for _, c := range contributors {
		if c.Points < 0 {
			return nil, 0, ErrNegativePoints
		}
		if c.Points == 0 {
			continue
		}
		eligible = append(eligible, c)
		totalPoints += c.Points
	}

	if totalPoints == 0 {
		return nil, amountCents, nil
	}

	// Normalize input order so identical sets allocate identically.
	sort.Slice(eligible, func(i, j int) bool {
		return lessUserID(eligible[i].UserID, eligible[j].UserID)
	})

	shares := make([]domain.Share, len(eligible))
	fracRemainders := make([]int64, len(eligible))
	var distributed int64
	for i, c := range eligible {
		raw := amountCents * c.Points
		floor := raw / totalPoints
		shares[i] = domain.Share{UserID: c.UserID, ShareCents: floor}
		fracRemainders[i] = raw % totalPoints
		distributed += floor
	}

	// Hand out the rounding dust one cent at a time, largest fractional
	// remainder first, ascending user id on ties.
	leftover := amountCents - distributed
	if leftover > 0 {
		order := make([]int, len(eligible))
		for i := range order {
			order[i] = i
		}
		sort.Slice(order, func(a, b int) bool {
			ia, ib := order[a], order[b]
			if fracRemainders[ia] != fracRemainders[ib] {
				return fracRemainders[ia] > fracRemainders[ib]
			}
			return lessUserID(shares[ia].UserID, shares[ib].UserID)
		})
		for i := int64(0); i < leftover; i++ {
			shares[order[i]].ShareCents++
		}
	}

	return shares, 0, nil
}

func lessUserID(a, b [16]byte) bool {
	return bytes.Compare(a[:], b[:]) < 0
}
