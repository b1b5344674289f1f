/**
 * @description
 * This file reconciles asynchronous transfer status updates from the payment
 * provider against recipient records. Updates arrive either as AMQP messages
 * on the transfer.status.* routing keys or through the internal reconcile
 * endpoint; both funnel into ReconcileTransferStatus.
 *
 * Reconciliation rules:
 * - Events are matched by the recipient's CURRENT transfer id. An event for a
 *   superseded transfer (the recipient was retried since) matches nothing and
 *   is dropped as stale.
 * - Replays of an already-applied terminal status are no-ops.
 * - A failed event for an already-paid recipient is a conflict: it is logged
 *   and surfaced, never silently applied over the paid state.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/royaltybase/payout-service/internal/domain"
	"github.com/royaltybase/payout-service/internal/store"
)

var (
	// ErrStaleTransferReference marks an event whose transfer id no longer
	// matches any recipient's current transfer. Safe to acknowledge and drop.
	ErrStaleTransferReference = errors.New("transfer id does not match any current recipient transfer")
	// ErrReconcileConflict marks an event contradicting an already-paid
	// recipient. The record is left untouched.
	ErrReconcileConflict = errors.New("transfer event conflicts with settled recipient state")
)

// ReconcileTransferStatus applies one provider status update to the matching
// recipient and re-derives the owning payout's aggregate status.
func (s *Service) ReconcileTransferStatus(ctx context.Context, event domain.TransferStatusEvent) error {
	if event.TransferID == "" {
		return fmt.Errorf("%w: event %s has no transfer id", ErrStaleTransferReference, event.EventID)
	}

	recipient, err := s.repo.FindRecipientByTransferID(ctx, event.TransferID)
	if err != nil {
		if errors.Is(err, store.ErrRecipientNotFound) {
			return fmt.Errorf("%w: transfer %s", ErrStaleTransferReference, event.TransferID)
		}
		return err
	}

	switch event.Outcome() {
	case domain.TransferOutcomeSettled:
		if recipient.Status == domain.RecipientStatusPaid {
			return nil
		}
		// Settlement wins over an earlier failed mark: the provider is
		// authoritative for the transfer it actually executed.
		methodType := ""
		if recipient.PaymentMethodType != nil {
			methodType = *recipient.PaymentMethodType
		}
		if err := s.repo.MarkRecipientPaid(ctx, recipient.ID, event.TransferID, methodType); err != nil {
			return fmt.Errorf("failed to settle recipient %s: %w", recipient.ID, err)
		}
		log.Printf("ReconcileTransferStatus: recipient %s settled by transfer %s", recipient.ID, event.TransferID)
		s.notify(ctx, recipient.UserID, EventSharePaid, recipient.ID)

	case domain.TransferOutcomeFailed:
		if recipient.Status == domain.RecipientStatusPaid {
			log.Printf("CRITICAL: ReconcileTransferStatus: failed event for paid recipient %s (transfer %s, reason %q); leaving record untouched",
				recipient.ID, event.TransferID, event.Reason)
			return fmt.Errorf("%w: recipient %s, transfer %s", ErrReconcileConflict, recipient.ID, event.TransferID)
		}
		if recipient.Status == domain.RecipientStatusFailed {
			return nil
		}
		reason := FailureTransient + ": provider reported failure"
		if event.Reason != "" {
			reason = FailureRejected + ": " + event.Reason
		}
		methodType := ""
		if recipient.PaymentMethodType != nil {
			methodType = *recipient.PaymentMethodType
		}
		if err := s.repo.MarkRecipientFailed(ctx, recipient.ID, reason, methodType); err != nil {
			return fmt.Errorf("failed to fail recipient %s: %w", recipient.ID, err)
		}
		log.Printf("ReconcileTransferStatus: recipient %s failed by transfer %s: %s", recipient.ID, event.TransferID, reason)
		s.notify(ctx, recipient.UserID, EventShareFailed, recipient.ID)

	default:
		// Pending and unrecognized statuses carry no state change.
		return nil
	}

	payout, err := s.repo.FindPayoutByID(ctx, recipient.PayoutID)
	if err != nil {
		return err
	}
	_, err = s.refreshPayoutAggregate(ctx, payout)
	return err
}

// TransferStatusConsumer adapts ReconcileTransferStatus to the AMQP consumer's
// handler contract.
type TransferStatusConsumer struct {
	svc *Service
}

// NewTransferStatusConsumer creates a consumer handler bound to the service.
func NewTransferStatusConsumer(svc *Service) *TransferStatusConsumer {
	return &TransferStatusConsumer{svc: svc}
}

// HandleMessage processes one delivery. The returned bool is the ack decision:
// true acknowledges (including stale and conflicting events, which redelivery
// cannot fix), false requeues for a retriable failure.
func (c *TransferStatusConsumer) HandleMessage(body []byte) bool {
	var event domain.TransferStatusEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("WARN: transfer status consumer: dropping malformed message: %v", err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	err := c.svc.ReconcileTransferStatus(ctx, event)
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrStaleTransferReference):
		log.Printf("transfer status consumer: dropping stale event %s (transfer %s)", event.EventID, event.TransferID)
		return true
	case errors.Is(err, ErrReconcileConflict):
		// Logged at CRITICAL inside reconcile; redelivery cannot resolve it.
		return true
	default:
		log.Printf("WARN: transfer status consumer: requeueing event %s: %v", event.EventID, err)
		return false
	}
}
