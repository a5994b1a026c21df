// Package ledgerclient talks to the ledger HTTP API. It implements the
// credits.Ledger and credits.BalanceFetcher contracts for remote callers.
package ledgerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"creditflow/internal/credits"
	"creditflow/pkg/errutil"
	"creditflow/pkg/plan"
)

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithToken sends the bearer token on every request.
func WithToken(token string) Option {
	return func(cl *Client) { cl.token = token }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type Account struct {
	Credits            int64  `json:"credits"`
	SubscriptionStatus string `json:"subscriptionStatus"`
	PriceID            string `json:"priceId"`
	PlanName           string `json:"planName"`
	Display            string `json:"display"`
}

type mutationRequest struct {
	Amount   int64  `json:"amount"`
	Reason   string `json:"reason,omitempty"`
	RefundOf string `json:"refundOf,omitempty"`
}

type mutationResponse struct {
	Success    bool   `json:"success"`
	NewBalance *int64 `json:"newBalance"`
	Balance    int64  `json:"balance"`
	Error      string `json:"error"`
	EntryID    string `json:"entryId"`
}

type errorEnvelope struct {
	Error struct {
		Code    errutil.CoreStatus `json:"code"`
		Message string             `json:"message"`
		Details []errutil.Detail   `json:"details"`
	} `json:"error"`
}

func (c *Client) Account(ctx context.Context, userID string) (*Account, error) {
	var out Account
	if _, err := c.do(ctx, http.MethodGet, userPath(userID, "credits"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Balance(ctx context.Context, userID string) (int64, error) {
	account, err := c.Account(ctx, userID)
	if err != nil {
		return 0, err
	}
	return account.Credits, nil
}

// Decrement maps 409 Conflict to Outcome{Success: false}.
func (c *Client) Decrement(ctx context.Context, userID string, amount int64, reason string) (credits.Outcome, error) {
	return c.mutate(ctx, userPath(userID, "credits/decrement"), mutationRequest{Amount: amount, Reason: reason})
}

// Increment grants credits. With auth enabled the ledger only accepts it from
// service tokens; users go through Refund.
func (c *Client) Increment(ctx context.Context, userID string, amount int64, reason string) (credits.Outcome, error) {
	return c.mutate(ctx, userPath(userID, "credits/increment"), mutationRequest{Amount: amount, Reason: reason})
}

// Refund reverses the debit entryID. A debit already refunded answers 409,
// which maps to Outcome{Success: false}.
func (c *Client) Refund(ctx context.Context, userID, entryID string, amount int64, reason string) (credits.Outcome, error) {
	return c.mutate(ctx, userPath(userID, "credits/increment"), mutationRequest{Amount: amount, Reason: reason, RefundOf: entryID})
}

func (c *Client) Plans(ctx context.Context) ([]plan.Plan, error) {
	var out struct {
		Plans []plan.Plan `json:"plans"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/v1/plans", nil, &out); err != nil {
		return nil, err
	}
	return out.Plans, nil
}

func (c *Client) mutate(ctx context.Context, path string, req mutationRequest) (credits.Outcome, error) {
	var out mutationResponse
	status, err := c.do(ctx, http.MethodPost, path, req, &out)
	if status == http.StatusConflict {
		return credits.Outcome{Success: false}, nil
	}
	if err != nil {
		return credits.Outcome{}, err
	}
	return credits.Outcome{Success: out.Success, NewBalance: out.NewBalance, EntryID: out.EntryID}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return resp.StatusCode, decodeError(resp.StatusCode, data)
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			zap.L().Debug("unexpected ledger response", zap.String("path", path), zap.ByteString("body", data))
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func decodeError(status int, data []byte) error {
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err == nil && env.Error.Message != "" {
		code := env.Error.Code
		if code == "" {
			code = errutil.FromHTTPStatus(status)
		}
		return errutil.New(code, env.Error.Message, errutil.WithDetails(env.Error.Details...))
	}
	return errutil.New(errutil.FromHTTPStatus(status), fmt.Sprintf("ledger returned %d", status))
}

func userPath(userID, suffix string) string {
	return "/v1/users/" + url.PathEscape(userID) + "/" + suffix
}
