package payrailclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestErrorResponseClassification(t *testing.T) {
	cases := []struct {
		name       string
		err        ErrorResponse
		transient  bool
		rejection  bool
		noFunds    bool
		notOnboard bool
	}{
		{
			name:      "provider outage is transient",
			err:       ErrorResponse{HTTPStatus: 503, Code: CodeProviderUnavailable},
			transient: true,
		},
		{
			name:      "rate limit is transient",
			err:       ErrorResponse{HTTPStatus: 429, Code: CodeRateLimited},
			transient: true,
		},
		{
			name:      "unrecognized 5xx is transient",
			err:       ErrorResponse{HTTPStatus: 500, Code: "weird"},
			transient: true,
		},
		{
			name:      "explicit rejection is terminal",
			err:       ErrorResponse{HTTPStatus: 422, Code: CodeTransferRejected},
			rejection: true,
		},
		{
			name:    "insufficient source funds is terminal",
			err:     ErrorResponse{HTTPStatus: 422, Code: CodeInsufficientSourceFunds},
			noFunds: true,
		},
		{
			name:       "missing account maps to not onboarded",
			err:        ErrorResponse{HTTPStatus: 404, Code: "not_found"},
			notOnboard: true,
		},
		{
			name:       "onboarding code maps to not onboarded",
			err:        ErrorResponse{HTTPStatus: 422, Code: CodeRecipientNotOnboarded},
			notOnboard: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.err.IsTransient(); got != tc.transient {
				t.Fatalf("IsTransient = %t, want %t", got, tc.transient)
			}
			if got := tc.err.IsExplicitRejection(); got != tc.rejection {
				t.Fatalf("IsExplicitRejection = %t, want %t", got, tc.rejection)
			}
			if got := tc.err.IsInsufficientSourceFunds(); got != tc.noFunds {
				t.Fatalf("IsInsufficientSourceFunds = %t, want %t", got, tc.noFunds)
			}
			if got := tc.err.IsNotOnboarded(); got != tc.notOnboard {
				t.Fatalf("IsNotOnboarded = %t, want %t", got, tc.notOnboard)
			}
		})
	}
}

func TestIsTransientError(t *testing.T) {
	if !IsTransientError(&ErrorResponse{HTTPStatus: 503, Code: CodeProviderUnavailable}) {
		t.Fatal("expected transient api error to be retryable")
	}
	if IsTransientError(&ErrorResponse{HTTPStatus: 422, Code: CodeTransferRejected}) {
		t.Fatal("expected rejection to be terminal")
	}
	if !IsTransientError(context.DeadlineExceeded) {
		t.Fatal("expected deadline to be retryable")
	}
	if IsTransientError(errors.New("marshal failed")) {
		t.Fatal("expected plain error to be terminal")
	}
}

func TestTransfer_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/transfers" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("missing api key header")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"transfer_id":"tr_123","status":"pending"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "test-key")
	result, err := client.Transfer(context.Background(), "acct_1", 5000, "standard", "ref_1")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if result.TransferID != "tr_123" || result.Status != "pending" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestTransfer_MapsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"code":"insufficient_source_funds","message":"source balance too low"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "test-key")
	_, err := client.Transfer(context.Background(), "acct_1", 5000, "standard", "ref_1")

	var apiErr *ErrorResponse
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected ErrorResponse, got %v", err)
	}
	if !apiErr.IsInsufficientSourceFunds() {
		t.Fatalf("expected insufficient funds classification, got %+v", apiErr)
	}
	if apiErr.HTTPStatus != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", apiErr.HTTPStatus)
	}
}

func TestGetAccountStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/accounts/acct_9/status" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"account_ref":"acct_9","status":"active"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "test-key")
	status, err := client.GetAccountStatus(context.Background(), "acct_9")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !status.Active() {
		t.Fatalf("expected active account, got %+v", status)
	}
}
