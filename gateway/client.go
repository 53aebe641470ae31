package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/warp/shift-settlement/settlement"
)

// =============================================================================
// HTTP GATEWAY CLIENT
// =============================================================================
//
// ENDPOINTS (form-encoded, bearer secret key):
//   POST /v1/charges                       amount, currency, payment_method, description
//   POST /v1/transfers                     amount, currency, destination, source_transaction
//   GET  /v1/charges/idempotency/{key}     404 when the key never produced a charge
//
// Every POST carries an Idempotency-Key header. The provider replays the
// original response for a repeated key.
//
// ERROR CLASSIFICATION:
//   429, 409 (key in flight), 5xx, network errors -> retryable
//   402 and other 4xx                             -> terminal

// Currency is the single settlement currency.
const Currency = "usd"

// ClientConfig configures Client.
type ClientConfig struct {
	BaseURL   string
	SecretKey string
	Timeout   time.Duration
}

// Client talks to the payment provider over HTTP.
type Client struct {
	baseURL    string
	secretKey  string
	httpClient *http.Client
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("gateway base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid gateway base url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		secretKey:  cfg.SecretKey,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type chargeResponse struct {
	ID     string `json:"id"`
	Amount int64  `json:"amount"`
}

type transferResponse struct {
	ID     string `json:"id"`
	Amount int64  `json:"amount"`
}

type errorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) Charge(ctx context.Context, req settlement.ChargeRequest) (settlement.ChargeResult, error) {
	form := url.Values{
		"amount":         {strconv.FormatInt(req.AmountCents, 10)},
		"currency":       {Currency},
		"payment_method": {req.PaymentMethod},
		"description":    {req.Description},
		"confirm":        {"true"},
	}
	var resp chargeResponse
	if err := c.post(ctx, "/v1/charges", form, req.IdempotencyKey, &resp); err != nil {
		return settlement.ChargeResult{}, err
	}
	return settlement.ChargeResult{
		Reference:      resp.ID,
		AmountCents:    resp.Amount,
		IdempotencyKey: req.IdempotencyKey,
	}, nil
}

func (c *Client) Payout(ctx context.Context, req settlement.PayoutRequest) (settlement.PayoutResult, error) {
	form := url.Values{
		"amount":      {strconv.FormatInt(req.AmountCents, 10)},
		"currency":    {Currency},
		"destination": {req.Destination},
		"description": {req.Description},
	}
	if req.SourceCharge != "" {
		form.Set("source_transaction", req.SourceCharge)
	}
	var resp transferResponse
	if err := c.post(ctx, "/v1/transfers", form, req.IdempotencyKey, &resp); err != nil {
		return settlement.PayoutResult{}, err
	}
	return settlement.PayoutResult{Reference: resp.ID, AmountCents: resp.Amount}, nil
}

func (c *Client) LookupCharge(ctx context.Context, key string) (*settlement.ChargeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/charges/idempotency/"+url.PathEscape(key), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)

	var resp chargeResponse
	if err := c.do(req, &resp); err != nil {
		var ge *settlement.GatewayError
		if errors.As(err, &ge) && ge.Code == "resource_missing" {
			return nil, nil
		}
		return nil, err
	}
	return &settlement.ChargeResult{Reference: resp.ID, AmountCents: resp.Amount, IdempotencyKey: key}, nil
}

func (c *Client) post(ctx context.Context, path string, form url.Values, idempotencyKey string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return ctxErr
		}
		var netErr net.Error
		if errors.As(err, &netErr) {
			return &settlement.GatewayError{Code: "network_error", Message: err.Error(), Retryable: true}
		}
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &settlement.GatewayError{Code: "network_error", Message: err.Error(), Retryable: true}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("failed to decode gateway response: %w", err)
		}
		return nil
	}
	return decodeError(resp.StatusCode, body)
}

func decodeError(status int, body []byte) error {
	ge := &settlement.GatewayError{Retryable: retryableStatus(status)}

	var er errorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Error.Message != "" {
		ge.Code = er.Error.Code
		ge.Message = er.Error.Message
	} else {
		ge.Message = strings.TrimSpace(string(body))
	}
	if ge.Code == "" {
		ge.Code = fmt.Sprintf("http_%d", status)
	}
	if status == http.StatusNotFound && ge.Code == "http_404" {
		ge.Code = "resource_missing"
	}
	return ge
}

func retryableStatus(status int) bool {
	switch {
	case status == http.StatusTooManyRequests, status == http.StatusConflict:
		return true
	case status >= 500:
		return true
	}
	return false
}

var _ settlement.Gateway = (*Client)(nil)
