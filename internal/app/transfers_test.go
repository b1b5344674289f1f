package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/royaltybase/payout-service/internal/domain"
	"github.com/royaltybase/payout-service/internal/store"
	"github.com/royaltybase/payout-service/pkg/payrailclient"
)

// seedFinalizedPayout creates a finalized payout with pending recipients whose
// shares are the given amounts, wiring up owner and payout accounts.
func seedFinalizedPayout(repo *fakeRepo, shares []int64) (ownerID, payoutID uuid.UUID, recipientIDs []uuid.UUID) {
	ownerID = uuid.New()
	projectID := uuid.New()
	payoutID = uuid.New()

	repo.mu.Lock()
	defer repo.mu.Unlock()
	repo.owners[projectID] = ownerID

	now := time.Now()
	var total int64
	for _, s := range shares {
		total += s
	}
	repo.payouts[payoutID] = &domain.Payout{
		ID:              payoutID,
		ProjectID:       projectID,
		PeriodLabel:     "2026-01",
		PeriodStart:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:       time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		PoolType:        domain.PoolTypeFixedBudget,
		PoolAmountCents: total,
		Status:          domain.PayoutStatusFinalized,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	for _, s := range shares {
		rec := &domain.PayoutRecipient{
			ID:           uuid.New(),
			PayoutID:     payoutID,
			UserID:       uuid.New(),
			EarnedPoints: 1,
			ShareCents:   s,
			Status:       domain.RecipientStatusPending,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		repo.recipients[rec.ID] = rec
		repo.accountRefs[rec.UserID] = "acct_" + rec.UserID.String()
		recipientIDs = append(recipientIDs, rec.ID)
	}
	return ownerID, payoutID, recipientIDs
}

func TestProcessPayoutTransfers_AllSettled(t *testing.T) {
	repo := newFakeRepo()
	ownerID, payoutID, recipientIDs := seedFinalizedPayout(repo, []int64{5000, 3000})
	provider := settledProvider()
	svc := NewService(repo, provider, nil, testSettings())

	result, err := svc.ProcessPayoutTransfers(context.Background(), ownerID, payoutID)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if result.PayoutStatus != domain.PayoutStatusPaid {
		t.Fatalf("expected payout paid, got %s", result.PayoutStatus)
	}
	if result.Attempted != 2 || result.Paid != 2 || result.Failed != 0 {
		t.Fatalf("unexpected batch result: %+v", result)
	}
	for _, id := range recipientIDs {
		rec, _ := repo.FindRecipientByID(context.Background(), id)
		if rec.Status != domain.RecipientStatusPaid {
			t.Fatalf("expected recipient %s paid, got %s", id, rec.Status)
		}
		if rec.TransferID == nil || *rec.TransferID == "" {
			t.Fatalf("expected recipient %s to carry a transfer id", id)
		}
	}
}

func TestProcessPayoutTransfers_OneFailureIsolated(t *testing.T) {
	repo := newFakeRepo()
	ownerID, payoutID, recipientIDs := seedFinalizedPayout(repo, []int64{5000, 3000})
	var rejectedRef string
	provider := &providerStub{
		transferFn: func(call int, destinationRef string, amountCents int64, method, reference string) (*payrailclient.TransferResult, error) {
			if amountCents == 3000 {
				rejectedRef = reference
				return nil, &payrailclient.ErrorResponse{HTTPStatus: 422, Code: payrailclient.CodeTransferRejected, Message: "destination rejected"}
			}
			return &payrailclient.TransferResult{TransferID: "tr_" + reference, Status: "settled"}, nil
		},
	}
	svc := NewService(repo, provider, nil, testSettings())

	result, err := svc.ProcessPayoutTransfers(context.Background(), ownerID, payoutID)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if result.PayoutStatus != domain.PayoutStatusPartiallyPaid {
		t.Fatalf("expected partially_paid, got %s", result.PayoutStatus)
	}
	if result.Paid != 1 || result.Failed != 1 {
		t.Fatalf("unexpected batch result: %+v", result)
	}
	for _, id := range recipientIDs {
		rec, _ := repo.FindRecipientByID(context.Background(), id)
		if rec.ID.String() == rejectedRef {
			if rec.Status != domain.RecipientStatusFailed {
				t.Fatalf("expected rejected recipient failed, got %s", rec.Status)
			}
			if !hasFailurePrefix(rec.FailureReason, FailureRejected) {
				t.Fatalf("expected rejected failure reason, got %v", rec.FailureReason)
			}
		} else if rec.Status != domain.RecipientStatusPaid {
			t.Fatalf("expected other recipient paid, got %s", rec.Status)
		}
	}
}

func TestProcessPayoutTransfers_TransientRetriesThenSucceeds(t *testing.T) {
	repo := newFakeRepo()
	ownerID, payoutID, _ := seedFinalizedPayout(repo, []int64{2000})
	provider := &providerStub{
		transferFn: func(call int, destinationRef string, amountCents int64, method, reference string) (*payrailclient.TransferResult, error) {
			if call < 3 {
				return nil, &payrailclient.ErrorResponse{HTTPStatus: 503, Code: payrailclient.CodeProviderUnavailable, Message: "try later"}
			}
			return &payrailclient.TransferResult{TransferID: "tr_" + reference, Status: "settled"}, nil
		},
	}
	svc := NewService(repo, provider, nil, testSettings())

	result, err := svc.ProcessPayoutTransfers(context.Background(), ownerID, payoutID)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if result.PayoutStatus != domain.PayoutStatusPaid {
		t.Fatalf("expected paid after transient retries, got %s", result.PayoutStatus)
	}
	if provider.callCount() != 3 {
		t.Fatalf("expected 3 provider calls, got %d", provider.callCount())
	}
}

func TestProcessPayoutTransfers_TransientExhaustionMarksTransient(t *testing.T) {
	repo := newFakeRepo()
	ownerID, payoutID, recipientIDs := seedFinalizedPayout(repo, []int64{2000})
	provider := &providerStub{
		transferFn: func(call int, destinationRef string, amountCents int64, method, reference string) (*payrailclient.TransferResult, error) {
			return nil, &payrailclient.ErrorResponse{HTTPStatus: 503, Code: payrailclient.CodeProviderUnavailable, Message: "down"}
		},
	}
	svc := NewService(repo, provider, nil, testSettings())

	result, err := svc.ProcessPayoutTransfers(context.Background(), ownerID, payoutID)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if result.PayoutStatus != domain.PayoutStatusFailed {
		t.Fatalf("expected failed payout, got %s", result.PayoutStatus)
	}
	if provider.callCount() != testSettings().MaxAttempts {
		t.Fatalf("expected %d attempts, got %d", testSettings().MaxAttempts, provider.callCount())
	}
	rec, _ := repo.FindRecipientByID(context.Background(), recipientIDs[0])
	if !hasFailurePrefix(rec.FailureReason, FailureTransient) {
		t.Fatalf("expected transient failure marker for auto-retry, got %v", rec.FailureReason)
	}
}

func TestProcessPayoutTransfers_MissingAccountFailsWithoutProviderCall(t *testing.T) {
	repo := newFakeRepo()
	ownerID, payoutID, recipientIDs := seedFinalizedPayout(repo, []int64{2000})
	repo.mu.Lock()
	rec := repo.recipients[recipientIDs[0]]
	delete(repo.accountRefs, rec.UserID)
	repo.mu.Unlock()

	provider := settledProvider()
	svc := NewService(repo, provider, nil, testSettings())

	result, err := svc.ProcessPayoutTransfers(context.Background(), ownerID, payoutID)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if result.PayoutStatus != domain.PayoutStatusFailed {
		t.Fatalf("expected failed payout, got %s", result.PayoutStatus)
	}
	if provider.callCount() != 0 {
		t.Fatalf("expected no provider calls for unonboarded recipient, got %d", provider.callCount())
	}
	updated, _ := repo.FindRecipientByID(context.Background(), recipientIDs[0])
	if !hasFailurePrefix(updated.FailureReason, FailureNotOnboarded) {
		t.Fatalf("expected onboarding failure reason, got %v", updated.FailureReason)
	}
}

func TestProcessPayoutTransfers_RejectsUnfinalizedPayout(t *testing.T) {
	repo := newFakeRepo()
	ownerID, payoutID, _ := seedFinalizedPayout(repo, []int64{2000})
	repo.mu.Lock()
	repo.payouts[payoutID].Status = domain.PayoutStatusDraft
	repo.mu.Unlock()

	svc := NewService(repo, settledProvider(), nil, testSettings())
	_, err := svc.ProcessPayoutTransfers(context.Background(), ownerID, payoutID)
	if !errors.Is(err, store.ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition for draft payout, got %v", err)
	}
}

func TestProcessPayoutTransfers_ZeroRecipientPayoutStaysFinalized(t *testing.T) {
	repo := newFakeRepo()
	ownerID, payoutID, _ := seedFinalizedPayout(repo, nil)

	svc := NewService(repo, settledProvider(), nil, testSettings())
	for i := 0; i < 2; i++ {
		_, err := svc.ProcessPayoutTransfers(context.Background(), ownerID, payoutID)
		if !errors.Is(err, store.ErrInvalidStateTransition) {
			t.Fatalf("expected ErrInvalidStateTransition for zero-recipient payout, got %v", err)
		}
	}
	payout, _ := repo.FindPayoutByID(context.Background(), payoutID)
	if payout.Status != domain.PayoutStatusFinalized {
		t.Fatalf("expected payout to stay finalized, got %s", payout.Status)
	}
}

func TestProcessPayoutTransfers_ReentryPicksUpRemaining(t *testing.T) {
	repo := newFakeRepo()
	ownerID, payoutID, recipientIDs := seedFinalizedPayout(repo, []int64{1000, 2000})

	// Simulate an interrupted previous run: payout already paying, first
	// recipient already paid.
	repo.mu.Lock()
	repo.payouts[payoutID].Status = domain.PayoutStatusPaying
	first := repo.recipients[recipientIDs[0]]
	transferID := "tr_prior"
	first.Status = domain.RecipientStatusPaid
	first.TransferID = &transferID
	repo.mu.Unlock()

	provider := settledProvider()
	svc := NewService(repo, provider, nil, testSettings())

	result, err := svc.ProcessPayoutTransfers(context.Background(), ownerID, payoutID)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if result.PayoutStatus != domain.PayoutStatusPaid {
		t.Fatalf("expected paid after re-entry, got %s", result.PayoutStatus)
	}
	if provider.callCount() != 1 {
		t.Fatalf("expected exactly one provider call for the remaining recipient, got %d", provider.callCount())
	}
	reloaded, _ := repo.FindRecipientByID(context.Background(), recipientIDs[0])
	if *reloaded.TransferID != "tr_prior" {
		t.Fatalf("paid recipient's transfer id must not change, got %s", *reloaded.TransferID)
	}
}

func TestProcessPayoutTransfers_ManualMethodForSmallAmounts(t *testing.T) {
	repo := newFakeRepo()
	ownerID, payoutID, recipientIDs := seedFinalizedPayout(repo, []int64{50, 5000})
	var methods []string
	provider := &providerStub{
		transferFn: func(call int, destinationRef string, amountCents int64, method, reference string) (*payrailclient.TransferResult, error) {
			methods = append(methods, method)
			return &payrailclient.TransferResult{TransferID: "tr_" + reference, Status: "settled"}, nil
		},
	}
	settings := testSettings()
	settings.Concurrency = 1 // keep method capture deterministic
	svc := NewService(repo, provider, nil, settings)

	if _, err := svc.ProcessPayoutTransfers(context.Background(), ownerID, payoutID); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	small, _ := repo.FindRecipientByID(context.Background(), recipientIDs[0])
	large, _ := repo.FindRecipientByID(context.Background(), recipientIDs[1])
	if small.PaymentMethodType == nil || *small.PaymentMethodType != domain.PaymentMethodManual {
		t.Fatalf("expected manual method for 50 cents, got %v", small.PaymentMethodType)
	}
	if large.PaymentMethodType == nil || *large.PaymentMethodType != domain.PaymentMethodStandard {
		t.Fatalf("expected standard method for 5000 cents, got %v", large.PaymentMethodType)
	}
	if len(methods) != 2 {
		t.Fatalf("expected 2 provider calls, got %d", len(methods))
	}
}

func TestRetryRecipientTransfer_PaidIsNoOp(t *testing.T) {
	repo := newFakeRepo()
	ownerID, payoutID, recipientIDs := seedFinalizedPayout(repo, []int64{1000})
	repo.mu.Lock()
	repo.payouts[payoutID].Status = domain.PayoutStatusPaid
	rec := repo.recipients[recipientIDs[0]]
	transferID := "tr_done"
	rec.Status = domain.RecipientStatusPaid
	rec.TransferID = &transferID
	repo.mu.Unlock()

	provider := settledProvider()
	svc := NewService(repo, provider, nil, testSettings())

	got, err := svc.RetryRecipientTransfer(context.Background(), ownerID, recipientIDs[0])
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if got.Status != domain.RecipientStatusPaid {
		t.Fatalf("expected paid, got %s", got.Status)
	}
	if provider.callCount() != 0 {
		t.Fatalf("retrying a paid recipient must not call the provider, got %d calls", provider.callCount())
	}
}

func TestRetryRecipientTransfer_FailedRecipientRecovers(t *testing.T) {
	repo := newFakeRepo()
	ownerID, payoutID, recipientIDs := seedFinalizedPayout(repo, []int64{1000, 2000})
	reason := FailureTransient + ": exhausted 3 attempts"
	repo.mu.Lock()
	repo.payouts[payoutID].Status = domain.PayoutStatusPartiallyPaid
	okID := "tr_ok"
	repo.recipients[recipientIDs[0]].Status = domain.RecipientStatusPaid
	repo.recipients[recipientIDs[0]].TransferID = &okID
	repo.recipients[recipientIDs[1]].Status = domain.RecipientStatusFailed
	repo.recipients[recipientIDs[1]].FailureReason = &reason
	repo.mu.Unlock()

	svc := NewService(repo, settledProvider(), nil, testSettings())

	got, err := svc.RetryRecipientTransfer(context.Background(), ownerID, recipientIDs[1])
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if got.Status != domain.RecipientStatusPaid {
		t.Fatalf("expected paid after retry, got %s", got.Status)
	}
	payout, _ := repo.FindPayoutByID(context.Background(), payoutID)
	if payout.Status != domain.PayoutStatusPaid {
		t.Fatalf("expected payout settled after last share paid, got %s", payout.Status)
	}
}

func TestRetryRecipientTransfer_PendingIsNotRetryable(t *testing.T) {
	repo := newFakeRepo()
	ownerID, payoutID, recipientIDs := seedFinalizedPayout(repo, []int64{1000})
	repo.mu.Lock()
	repo.payouts[payoutID].Status = domain.PayoutStatusPaying
	repo.mu.Unlock()

	svc := NewService(repo, settledProvider(), nil, testSettings())
	_, err := svc.RetryRecipientTransfer(context.Background(), ownerID, recipientIDs[0])
	if !errors.Is(err, ErrRecipientNotRetryable) {
		t.Fatalf("expected ErrRecipientNotRetryable for pending recipient, got %v", err)
	}
}

func TestDerivePayoutStatus(t *testing.T) {
	cases := []struct {
		name    string
		counts  store.RecipientStatusCounts
		current string
		want    string
	}{
		{"pending keeps paying", store.RecipientStatusCounts{Pending: 1, Paid: 1}, domain.PayoutStatusPaying, domain.PayoutStatusPaying},
		{"processing keeps paying", store.RecipientStatusCounts{Processing: 2}, domain.PayoutStatusPaying, domain.PayoutStatusPaying},
		{"all paid settles", store.RecipientStatusCounts{Paid: 3}, domain.PayoutStatusPaying, domain.PayoutStatusPaid},
		{"all failed fails", store.RecipientStatusCounts{Failed: 2}, domain.PayoutStatusPaying, domain.PayoutStatusFailed},
		{"mixed is partial", store.RecipientStatusCounts{Paid: 2, Failed: 1}, domain.PayoutStatusPaying, domain.PayoutStatusPartiallyPaid},
		{"no recipients keeps current", store.RecipientStatusCounts{}, domain.PayoutStatusFinalized, domain.PayoutStatusFinalized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := derivePayoutStatus(tc.counts, tc.current); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestSelectPaymentMethod(t *testing.T) {
	methods := testSettings().PaymentMethods

	m, ok := selectPaymentMethod(methods, 50)
	if !ok || m.Type != domain.PaymentMethodManual {
		t.Fatalf("expected manual for 50 cents, got %v ok=%t", m.Type, ok)
	}
	m, ok = selectPaymentMethod(methods, 101)
	if !ok || m.Type != domain.PaymentMethodStandard {
		t.Fatalf("expected standard above manual threshold, got %v ok=%t", m.Type, ok)
	}
	if _, ok := selectPaymentMethod(methods, 0); ok {
		t.Fatal("expected no method for zero cents")
	}
}

func TestSweepStaleClaims_ResetsAndRefreshes(t *testing.T) {
	repo := newFakeRepo()
	_, payoutID, recipientIDs := seedFinalizedPayout(repo, []int64{1000})
	repo.mu.Lock()
	repo.payouts[payoutID].Status = domain.PayoutStatusPaying
	rec := repo.recipients[recipientIDs[0]]
	rec.Status = domain.RecipientStatusProcessing
	rec.UpdatedAt = time.Now().Add(-time.Hour)
	repo.mu.Unlock()

	svc := NewService(repo, settledProvider(), nil, testSettings())
	reset, err := svc.SweepStaleClaims(context.Background(), time.Now().Add(-30*time.Minute))
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if reset != 1 {
		t.Fatalf("expected one reset recipient, got %d", reset)
	}
	updated, _ := repo.FindRecipientByID(context.Background(), recipientIDs[0])
	if updated.Status != domain.RecipientStatusPending {
		t.Fatalf("expected recipient back to pending, got %s", updated.Status)
	}
}

func TestSweepStaleClaims_LeavesInitiatedTransfersToReconciliation(t *testing.T) {
	repo := newFakeRepo()
	_, payoutID, recipientIDs := seedFinalizedPayout(repo, []int64{1000})
	transferID := "tr_async_1"
	repo.mu.Lock()
	repo.payouts[payoutID].Status = domain.PayoutStatusPaying
	rec := repo.recipients[recipientIDs[0]]
	rec.Status = domain.RecipientStatusProcessing
	rec.TransferID = &transferID
	rec.UpdatedAt = time.Now().Add(-time.Hour)
	repo.mu.Unlock()

	svc := NewService(repo, settledProvider(), nil, testSettings())
	reset, err := svc.SweepStaleClaims(context.Background(), time.Now().Add(-30*time.Minute))
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if reset != 0 {
		t.Fatalf("expected no resets for an initiated transfer, got %d", reset)
	}
	updated, _ := repo.FindRecipientByID(context.Background(), recipientIDs[0])
	if updated.Status != domain.RecipientStatusProcessing || updated.TransferID == nil {
		t.Fatalf("expected recipient left awaiting settlement, got status=%s", updated.Status)
	}
}

func TestRetryTransientFailures_RetriesAgedTransients(t *testing.T) {
	repo := newFakeRepo()
	_, payoutID, recipientIDs := seedFinalizedPayout(repo, []int64{1000})
	reason := FailureTransient + ": exhausted 3 attempts"
	repo.mu.Lock()
	repo.payouts[payoutID].Status = domain.PayoutStatusFailed
	rec := repo.recipients[recipientIDs[0]]
	rec.Status = domain.RecipientStatusFailed
	rec.FailureReason = &reason
	rec.UpdatedAt = time.Now().Add(-time.Hour)
	repo.mu.Unlock()

	svc := NewService(repo, settledProvider(), nil, testSettings())
	retried, err := svc.RetryTransientFailures(context.Background(), time.Now().Add(-15*time.Minute), 10)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if retried != 1 {
		t.Fatalf("expected one retried recipient, got %d", retried)
	}
	updated, _ := repo.FindRecipientByID(context.Background(), recipientIDs[0])
	if updated.Status != domain.RecipientStatusPaid {
		t.Fatalf("expected recipient paid after auto-retry, got %s", updated.Status)
	}
	payout, _ := repo.FindPayoutByID(context.Background(), payoutID)
	if payout.Status != domain.PayoutStatusPaid {
		t.Fatalf("expected payout settled after auto-retry, got %s", payout.Status)
	}
}

func TestRetryTransientFailures_SkipsRejectedFailures(t *testing.T) {
	repo := newFakeRepo()
	_, payoutID, recipientIDs := seedFinalizedPayout(repo, []int64{1000})
	reason := FailureRejected + ": destination rejected"
	repo.mu.Lock()
	repo.payouts[payoutID].Status = domain.PayoutStatusFailed
	rec := repo.recipients[recipientIDs[0]]
	rec.Status = domain.RecipientStatusFailed
	rec.FailureReason = &reason
	rec.UpdatedAt = time.Now().Add(-time.Hour)
	repo.mu.Unlock()

	provider := settledProvider()
	svc := NewService(repo, provider, nil, testSettings())
	retried, err := svc.RetryTransientFailures(context.Background(), time.Now().Add(-15*time.Minute), 10)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if retried != 0 {
		t.Fatalf("rejected failures must not auto-retry, got %d", retried)
	}
	if provider.callCount() != 0 {
		t.Fatalf("expected no provider calls, got %d", provider.callCount())
	}
}

func TestHasFailurePrefix(t *testing.T) {
	reason := FailureTransient + ": timeout"
	if !hasFailurePrefix(&reason, FailureTransient) {
		t.Fatal("expected transient prefix match")
	}
	if hasFailurePrefix(&reason, FailureRejected) {
		t.Fatal("did not expect rejected prefix match")
	}
	if hasFailurePrefix(nil, FailureTransient) {
		t.Fatal("nil reason must not match")
	}
	if !strings.HasPrefix(reason, FailureTransient) {
		t.Fatal("sanity: prefix constant mismatch")
	}
}
