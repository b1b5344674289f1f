/**
 * @description
 * This file implements the transfer orchestrator: moving a finalized payout's
 * money through the Payrail rails, one transfer per recipient, with bounded
 * concurrency, per-attempt timeouts, transient retries, and a failure
 * taxonomy that separates "retry as-is" from "fix something first".
 *
 * One recipient's failure never blocks the others; the payout's aggregate
 * status is re-derived from the recipient tallies after every batch.
 *
 * @dependencies
 * - context, errors, fmt, log, strings, sync, time: Standard Go libraries.
 * - github.com/google/uuid: For entity identifiers.
 * - internal/domain, internal/store: For models and data access.
 * - pkg/payrailclient: For the provider error taxonomy.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/royaltybase/payout-service/internal/domain"
	"github.com/royaltybase/payout-service/internal/store"
	"github.com/royaltybase/payout-service/pkg/payrailclient"
)

// Failure reason prefixes recorded on payout_recipients.failure_reason.
// The transient prefix doubles as the selector for the scheduled auto-retry.
const (
	FailureTransient         = "transient"
	FailureRejected          = "rejected"
	FailureInsufficientFunds = "insufficient_source_funds"
	FailureNotOnboarded      = "recipient_not_onboarded"
	FailureNoEligibleMethod  = "no_eligible_method"
)

type transferOutcome int

const (
	outcomeSkipped transferOutcome = iota
	outcomePaid
	outcomeInitiated
	outcomeFailed
)

// ProcessPayoutTransfers moves a finalized payout into paying and executes a
// provider transfer for every pending recipient. Re-invoking it on a payout
// already in paying is safe: paid recipients are untouched and only the
// remaining pending ones are attempted.
func (s *Service) ProcessPayoutTransfers(ctx context.Context, callerID, payoutID uuid.UUID) (*domain.TransferBatchResult, error) {
	payout, err := s.repo.FindPayoutByID(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	if err := s.checkProjectOwner(ctx, callerID, payout.ProjectID); err != nil {
		return nil, err
	}

	// A zero-recipient payout has nothing to pay and no tallies to settle it
	// back out of paying, so it never leaves finalized.
	counts, err := s.repo.CountRecipientStatuses(ctx, payoutID)
	if err != nil {
		return nil, fmt.Errorf("failed to count recipients: %w", err)
	}
	if counts.Total() == 0 {
		return nil, fmt.Errorf("%w: payout %s has no recipients to pay", store.ErrInvalidStateTransition, payoutID)
	}

	ok, err := s.repo.TransitionPayoutStatus(ctx, payoutID, []string{domain.PayoutStatusFinalized}, domain.PayoutStatusPaying)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Allow re-entry when a previous run was interrupted mid-batch.
		current, findErr := s.repo.FindPayoutByID(ctx, payoutID)
		if findErr != nil {
			return nil, findErr
		}
		if current.Status != domain.PayoutStatusPaying {
			return nil, fmt.Errorf("%w: payout %s is %s, expected finalized", store.ErrInvalidStateTransition, payoutID, current.Status)
		}
	}

	pending, err := s.repo.ListRecipientsByStatus(ctx, payoutID, domain.RecipientStatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending recipients: %w", err)
	}

	log.Printf("ProcessPayoutTransfers: payout=%s pending=%d concurrency=%d", payoutID, len(pending), s.transfer.Concurrency)

	result := &domain.TransferBatchResult{PayoutID: payoutID}
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, s.transfer.Concurrency)

	for _, recipient := range pending {
		recipient := recipient
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			outcome := s.transferToRecipient(ctx, &recipient)
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case outcomePaid:
				result.Attempted++
				result.Paid++
			case outcomeInitiated:
				result.Attempted++
			case outcomeFailed:
				result.Attempted++
				result.Failed++
			case outcomeSkipped:
				result.Skipped++
			}
		}()
	}
	wg.Wait()

	status, err := s.refreshPayoutAggregate(ctx, payout)
	if err != nil {
		return nil, err
	}
	result.PayoutStatus = status

	log.Printf("ProcessPayoutTransfers: payout=%s status=%s attempted=%d paid=%d failed=%d skipped=%d",
		payoutID, result.PayoutStatus, result.Attempted, result.Paid, result.Failed, result.Skipped)
	return result, nil
}

// RetryRecipientTransfer re-attempts a single failed recipient's transfer.
// Retrying an already-paid recipient is a no-op that returns the current
// record; no second transfer is ever initiated for a paid share.
func (s *Service) RetryRecipientTransfer(ctx context.Context, callerID, recipientID uuid.UUID) (*domain.PayoutRecipient, error) {
	recipient, err := s.repo.FindRecipientByID(ctx, recipientID)
	if err != nil {
		return nil, err
	}

	payout, err := s.repo.FindPayoutByID(ctx, recipient.PayoutID)
	if err != nil {
		return nil, err
	}
	if err := s.checkProjectOwner(ctx, callerID, payout.ProjectID); err != nil {
		return nil, err
	}

	if recipient.Status == domain.RecipientStatusPaid {
		log.Printf("RetryRecipientTransfer: recipient %s already paid; nothing to do", recipientID)
		return recipient, nil
	}
	if recipient.Status != domain.RecipientStatusFailed {
		return nil, fmt.Errorf("%w: recipient %s is %s", ErrRecipientNotRetryable, recipientID, recipient.Status)
	}
	switch payout.Status {
	case domain.PayoutStatusPaying, domain.PayoutStatusPartiallyPaid, domain.PayoutStatusFailed:
	default:
		return nil, fmt.Errorf("%w: payout %s is %s", ErrRecipientNotRetryable, payout.ID, payout.Status)
	}

	// When the prior failure was an onboarding gap, verify it has been fixed
	// before burning another attempt.
	if hasFailurePrefix(recipient.FailureReason, FailureNotOnboarded) {
		accountRef, refErr := s.repo.FindRecipientAccountRef(ctx, recipient.UserID)
		if refErr != nil {
			if errors.Is(refErr, store.ErrRecipientAccountNotFound) {
				return nil, fmt.Errorf("%w: user %s", ErrRecipientNotOnboarded, recipient.UserID)
			}
			return nil, refErr
		}
		status, statusErr := s.provider.GetAccountStatus(ctx, accountRef)
		if statusErr != nil {
			return nil, fmt.Errorf("failed to check payout account status: %w", statusErr)
		}
		if !status.Active() {
			return nil, fmt.Errorf("%w: account %s is %s", ErrRecipientNotOnboarded, accountRef, status.Status)
		}
	}

	// Move a settled-but-incomplete payout back into paying for the duration
	// of the retry; the aggregate refresh below settles it again.
	if payout.Status != domain.PayoutStatusPaying {
		if _, err := s.repo.TransitionPayoutStatus(ctx, payout.ID,
			[]string{domain.PayoutStatusPartiallyPaid, domain.PayoutStatusFailed}, domain.PayoutStatusPaying); err != nil {
			return nil, err
		}
	}

	s.transferToRecipient(ctx, recipient)

	if _, err := s.refreshPayoutAggregate(ctx, payout); err != nil {
		return nil, err
	}
	return s.repo.FindRecipientByID(ctx, recipientID)
}

// transferToRecipient runs the full single-recipient flow: claim, method
// selection, account lookup, provider call with retries, and terminal bookkeeping.
func (s *Service) transferToRecipient(ctx context.Context, recipient *domain.PayoutRecipient) transferOutcome {
	claimed, err := s.repo.ClaimRecipientForTransfer(ctx, recipient.ID)
	if err != nil {
		log.Printf("WARN: transferToRecipient: failed to claim recipient %s: %v", recipient.ID, err)
		return outcomeSkipped
	}
	if !claimed {
		// Someone else holds the claim or the recipient is already paid.
		return outcomeSkipped
	}

	method, ok := selectPaymentMethod(s.transfer.PaymentMethods, recipient.ShareCents)
	if !ok {
		s.failRecipient(ctx, recipient, FailureNoEligibleMethod,
			fmt.Sprintf("no payment method accepts %d cents", recipient.ShareCents), "")
		return outcomeFailed
	}

	accountRef, err := s.repo.FindRecipientAccountRef(ctx, recipient.UserID)
	if err != nil {
		if errors.Is(err, store.ErrRecipientAccountNotFound) {
			s.failRecipient(ctx, recipient, FailureNotOnboarded, "no payout account on file", method.Type)
			return outcomeFailed
		}
		log.Printf("WARN: transferToRecipient: account lookup failed for recipient %s: %v", recipient.ID, err)
		s.failRecipient(ctx, recipient, FailureTransient, fmt.Sprintf("account lookup failed: %v", err), method.Type)
		return outcomeFailed
	}

	var lastErr error
	for attempt := 1; attempt <= s.transfer.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, s.transfer.Timeout)
		res, err := s.provider.Transfer(attemptCtx, accountRef, recipient.ShareCents, method.Type, recipient.ID.String())
		cancel()

		if err == nil {
			switch res.Status {
			case "settled", "successful", "completed":
				if markErr := s.repo.MarkRecipientPaid(ctx, recipient.ID, res.TransferID, method.Type); markErr != nil {
					log.Printf("CRITICAL: transferToRecipient: transfer %s settled but recipient %s could not be marked paid: %v",
						res.TransferID, recipient.ID, markErr)
					return outcomeInitiated
				}
				s.notify(ctx, recipient.UserID, EventSharePaid, recipient.ID)
				return outcomePaid
			default:
				// Asynchronous rail: the webhook settles it later.
				if recErr := s.repo.RecordRecipientTransferInitiated(ctx, recipient.ID, res.TransferID, method.Type); recErr != nil {
					log.Printf("CRITICAL: transferToRecipient: transfer %s initiated but recipient %s could not be updated: %v",
						res.TransferID, recipient.ID, recErr)
				}
				return outcomeInitiated
			}
		}

		lastErr = err
		var apiErr *payrailclient.ErrorResponse
		if errors.As(err, &apiErr) {
			switch {
			case apiErr.IsInsufficientSourceFunds():
				s.failRecipient(ctx, recipient, FailureInsufficientFunds, apiErr.Message, method.Type)
				return outcomeFailed
			case apiErr.IsNotOnboarded():
				s.failRecipient(ctx, recipient, FailureNotOnboarded, apiErr.Message, method.Type)
				return outcomeFailed
			case apiErr.IsExplicitRejection():
				s.failRecipient(ctx, recipient, FailureRejected, apiErr.Message, method.Type)
				return outcomeFailed
			}
		}
		if !payrailclient.IsTransientError(err) {
			s.failRecipient(ctx, recipient, FailureRejected, err.Error(), method.Type)
			return outcomeFailed
		}

		if attempt < s.transfer.MaxAttempts {
			backoff := s.transfer.RetryBackoff * time.Duration(attempt)
			log.Printf("WARN: transferToRecipient: transient failure for recipient %s (attempt %d/%d), retrying in %s: %v",
				recipient.ID, attempt, s.transfer.MaxAttempts, backoff, err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				s.failRecipient(ctx, recipient, FailureTransient, ctx.Err().Error(), method.Type)
				return outcomeFailed
			}
		}
	}

	s.failRecipient(ctx, recipient, FailureTransient, fmt.Sprintf("exhausted %d attempts: %v", s.transfer.MaxAttempts, lastErr), method.Type)
	return outcomeFailed
}

func (s *Service) failRecipient(ctx context.Context, recipient *domain.PayoutRecipient, reasonCode, detail, methodType string) {
	reason := reasonCode
	if detail != "" {
		reason = reasonCode + ": " + detail
	}
	if err := s.repo.MarkRecipientFailed(ctx, recipient.ID, reason, methodType); err != nil {
		log.Printf("CRITICAL: failed to mark recipient %s failed (%s): %v", recipient.ID, reason, err)
		return
	}
	log.Printf("transferToRecipient: recipient %s failed: %s", recipient.ID, reason)
	s.notify(ctx, recipient.UserID, EventShareFailed, recipient.ID)
}

func (s *Service) notify(ctx context.Context, userID uuid.UUID, eventType string, referenceID uuid.UUID) {
	if err := s.notifier.Notify(ctx, userID, eventType, referenceID); err != nil {
		log.Printf("WARN: failed to publish %s for user %s: %v", eventType, userID, err)
	}
}

// SweepStaleClaims resets recipients whose in-flight claim outlived the cutoff
// back to pending and re-derives the touched payouts' aggregate statuses. Run
// on a schedule to recover from crashes between claim and terminal update.
func (s *Service) SweepStaleClaims(ctx context.Context, cutoff time.Time) (int, error) {
	stale, err := s.repo.ResetStaleProcessingRecipients(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to reset stale claims: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	touched := make(map[uuid.UUID]struct{}, len(stale))
	for _, rec := range stale {
		log.Printf("WARN: SweepStaleClaims: recipient %s reset to pending (payout %s)", rec.RecipientID, rec.PayoutID)
		touched[rec.PayoutID] = struct{}{}
	}
	for payoutID := range touched {
		payout, findErr := s.repo.FindPayoutByID(ctx, payoutID)
		if findErr != nil {
			log.Printf("WARN: SweepStaleClaims: failed to load payout %s: %v", payoutID, findErr)
			continue
		}
		if _, refreshErr := s.refreshPayoutAggregate(ctx, payout); refreshErr != nil {
			log.Printf("WARN: SweepStaleClaims: failed to refresh payout %s: %v", payoutID, refreshErr)
		}
	}
	return len(stale), nil
}

// RetryTransientFailures re-attempts recipients whose last failure was marked
// transient and has aged past the cutoff. Bypasses the ownership check since
// it runs from the scheduler, not on behalf of a caller.
func (s *Service) RetryTransientFailures(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	candidates, err := s.repo.ListRetryableFailedRecipients(ctx, FailureTransient, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list retryable recipients: %w", err)
	}

	retried := 0
	for i := range candidates {
		recipient := &candidates[i]
		payout, findErr := s.repo.FindPayoutByID(ctx, recipient.PayoutID)
		if findErr != nil {
			log.Printf("WARN: RetryTransientFailures: failed to load payout %s: %v", recipient.PayoutID, findErr)
			continue
		}
		switch payout.Status {
		case domain.PayoutStatusPaying:
		case domain.PayoutStatusPartiallyPaid, domain.PayoutStatusFailed:
			if _, trErr := s.repo.TransitionPayoutStatus(ctx, payout.ID,
				[]string{domain.PayoutStatusPartiallyPaid, domain.PayoutStatusFailed}, domain.PayoutStatusPaying); trErr != nil {
				log.Printf("WARN: RetryTransientFailures: failed to reopen payout %s: %v", payout.ID, trErr)
				continue
			}
		default:
			continue
		}

		s.transferToRecipient(ctx, recipient)
		retried++
		if _, refreshErr := s.refreshPayoutAggregate(ctx, payout); refreshErr != nil {
			log.Printf("WARN: RetryTransientFailures: failed to refresh payout %s: %v", payout.ID, refreshErr)
		}
	}
	return retried, nil
}

// refreshPayoutAggregate recomputes the payout's aggregate status from its
// recipient tallies and applies it with a guarded transition. Returns the
// (possibly unchanged) current status.
func (s *Service) refreshPayoutAggregate(ctx context.Context, payout *domain.Payout) (string, error) {
	counts, err := s.repo.CountRecipientStatuses(ctx, payout.ID)
	if err != nil {
		return "", fmt.Errorf("failed to count recipient statuses: %w", err)
	}

	current, err := s.repo.FindPayoutByID(ctx, payout.ID)
	if err != nil {
		return "", err
	}

	next := derivePayoutStatus(counts, current.Status)
	if next == current.Status {
		return current.Status, nil
	}

	ok, err := s.repo.TransitionPayoutStatus(ctx, payout.ID,
		[]string{domain.PayoutStatusPaying, domain.PayoutStatusPartiallyPaid, domain.PayoutStatusFailed}, next)
	if err != nil {
		return "", err
	}
	if !ok {
		// Lost a race with a concurrent refresh; report what is there now.
		refreshed, findErr := s.repo.FindPayoutByID(ctx, payout.ID)
		if findErr != nil {
			return "", findErr
		}
		return refreshed.Status, nil
	}

	if next == domain.PayoutStatusPaid {
		if ownerID, ownerErr := s.repo.FindProjectOwnerID(ctx, payout.ProjectID); ownerErr == nil {
			s.notify(ctx, ownerID, EventPayoutSettled, payout.ID)
		}
	}
	log.Printf("refreshPayoutAggregate: payout %s %s -> %s (pending=%d processing=%d paid=%d failed=%d)",
		payout.ID, current.Status, next, counts.Pending, counts.Processing, counts.Paid, counts.Failed)
	return next, nil
}

// derivePayoutStatus maps recipient tallies to the payout's aggregate status.
// Any in-flight or unattempted recipient keeps the payout in paying.
func derivePayoutStatus(counts store.RecipientStatusCounts, current string) string {
	if counts.Total() == 0 {
		return current
	}
	if counts.Pending > 0 || counts.Processing > 0 {
		return domain.PayoutStatusPaying
	}
	switch {
	case counts.Failed == 0:
		return domain.PayoutStatusPaid
	case counts.Paid == 0:
		return domain.PayoutStatusFailed
	default:
		return domain.PayoutStatusPartiallyPaid
	}
}

// selectPaymentMethod picks the first configured method whose thresholds
// accept the amount. Configuration order encodes preference.
func selectPaymentMethod(methods []domain.PaymentMethod, amountCents int64) (domain.PaymentMethod, bool) {
	for _, m := range methods {
		if m.Eligible(amountCents) {
			return m, true
		}
	}
	return domain.PaymentMethod{}, false
}

func hasFailurePrefix(reason *string, prefix string) bool {
	return reason != nil && strings.HasPrefix(*reason, prefix)
}
