/**
 * @description
 * This package provides a client for the Payrail payments API, the external
 * provider the payout-service moves money through. It covers the two calls the
 * engine needs: initiating a transfer to a contributor's payout account and
 * checking an account's onboarding status before a retry.
 *
 * Key features:
 * - Typed `ErrorResponse` carrying the provider's error code and HTTP status,
 *   with classification helpers the transfer orchestrator uses to decide
 *   between retrying and failing a recipient.
 * - Idempotent transfer initiation: the caller's reference is forwarded so the
 *   provider deduplicates repeated submissions of the same recipient.
 *
 * @dependencies
 * - net/http, encoding/json: Standard libraries for the REST calls.
 */

package payrailclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// Provider error codes the orchestrator branches on.
const (
	CodeInsufficientSourceFunds = "insufficient_source_funds"
	CodeRecipientNotOnboarded   = "recipient_not_onboarded"
	CodeTransferRejected        = "transfer_rejected"
	CodeRateLimited             = "rate_limited"
	CodeProviderUnavailable     = "provider_unavailable"
)

// Client is the Payrail API client.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new Payrail API client. The HTTP timeout here is a
// backstop; per-attempt deadlines come from the caller's context.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// TransferRequest is the payload for initiating a transfer.
type TransferRequest struct {
	DestinationRef string `json:"destination_ref"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	Method         string `json:"method"`
	Reference      string `json:"reference"`
}

// TransferResult is the provider's response to a transfer initiation.
// Status is "settled" when the rail completed synchronously and "pending"
// when completion arrives later over the webhook.
type TransferResult struct {
	TransferID string `json:"transfer_id"`
	Status     string `json:"status"`
}

// AccountStatus reports a payout account's onboarding state.
type AccountStatus struct {
	AccountRef string `json:"account_ref"`
	Status     string `json:"status"`
}

// Active reports whether the account can receive transfers.
func (a *AccountStatus) Active() bool {
	return a.Status == "active"
}

// ErrorResponse is a typed error returned by the Payrail API.
type ErrorResponse struct {
	HTTPStatus int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("payrail api error (status %d, code %s): %s", e.HTTPStatus, e.Code, e.Message)
}

// IsTransient reports whether the failure is worth retrying as-is: provider
// outages, rate limits, and 5xx responses without a recognized code.
func (e *ErrorResponse) IsTransient() bool {
	switch e.Code {
	case CodeRateLimited, CodeProviderUnavailable:
		return true
	}
	return e.HTTPStatus >= 500 || e.HTTPStatus == http.StatusTooManyRequests
}

// IsExplicitRejection reports whether the provider permanently refused the
// transfer. Retrying an identical request cannot succeed.
func (e *ErrorResponse) IsExplicitRejection() bool {
	return e.Code == CodeTransferRejected
}

// IsInsufficientSourceFunds reports whether the platform's source balance
// could not cover the transfer.
func (e *ErrorResponse) IsInsufficientSourceFunds() bool {
	return e.Code == CodeInsufficientSourceFunds
}

// IsNotOnboarded reports whether the destination account is missing or has
// not finished provider onboarding.
func (e *ErrorResponse) IsNotOnboarded() bool {
	return e.Code == CodeRecipientNotOnboarded || e.HTTPStatus == http.StatusNotFound
}

// IsTransientError reports whether err should be treated as retryable:
// a transient ErrorResponse, a timeout, or a transport-level failure that
// never produced a provider response.
func IsTransientError(err error) bool {
	var apiErr *ErrorResponse
	if errors.As(err, &apiErr) {
		return apiErr.IsTransient()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

// Transfer initiates a transfer of amountCents to the given destination
// account over the named method. reference is the caller's idempotency key;
// resubmitting the same reference returns the original transfer.
func (c *Client) Transfer(ctx context.Context, destinationRef string, amountCents int64, method, reference string) (*TransferResult, error) {
	reqBody := TransferRequest{
		DestinationRef: destinationRef,
		Amount:         amountCents,
		Currency:       "USD",
		Method:         method,
		Reference:      reference,
	}

	var result TransferResult
	if err := c.do(ctx, http.MethodPost, "/v1/transfers", reqBody, &result); err != nil {
		return nil, err
	}
	if result.TransferID == "" {
		return nil, fmt.Errorf("payrail returned a transfer without an id")
	}
	return &result, nil
}

// GetAccountStatus fetches the onboarding status of a payout account.
func (c *Client) GetAccountStatus(ctx context.Context, accountRef string) (*AccountStatus, error) {
	var status AccountStatus
	path := fmt.Sprintf("/v1/accounts/%s/status", accountRef)
	if err := c.do(ctx, http.MethodGet, path, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal payrail request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create payrail request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to payrail: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read payrail response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &ErrorResponse{HTTPStatus: resp.StatusCode}
		if jsonErr := json.Unmarshal(respBody, apiErr); jsonErr != nil || apiErr.Code == "" {
			apiErr.Code = CodeProviderUnavailable
			apiErr.Message = string(respBody)
		}
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to unmarshal payrail response: %w", err)
		}
	}
	return nil
}
