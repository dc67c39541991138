package solana

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// Default HTTP client configuration.
const (
	DefaultTimeout        = 30 * time.Second
	DefaultHTTPRetries    = 2
	DefaultHTTPRetryDelay = 500 * time.Millisecond

	maxErrorBody = 512
)

// HTTPClient implements RPCClient over HTTP JSON-RPC 2.0.
//
// Only transient transport failures (connection errors, non-200 statuses,
// undecodable bodies) are retried here. Rate limiting and JSON-RPC errors
// are returned on the first occurrence: endpoint rotation belongs to the
// caller, which owns the endpoint pool.
type HTTPClient struct {
	endpoint   string
	client     *http.Client
	maxRetries int
	retryDelay time.Duration
	maxDelay   time.Duration
	commitment string
	nextID     atomic.Uint64
}

// ClientOption configures HTTPClient.
type ClientOption func(*HTTPClient)

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.client.Timeout = d
	}
}

// WithMaxRetries sets how many times a transient failure is retried.
// Zero disables retries.
func WithMaxRetries(n int) ClientOption {
	return func(c *HTTPClient) {
		c.maxRetries = n
	}
}

// WithRetryDelay sets the base delay of the retry backoff.
func WithRetryDelay(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.retryDelay = d
	}
}

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *HTTPClient) {
		c.client = client
	}
}

// WithCommitment sets the commitment level of reads.
func WithCommitment(commitment string) ClientOption {
	return func(c *HTTPClient) {
		c.commitment = commitment
	}
}

// NewHTTPClient creates a client for the RPC node at endpoint.
func NewHTTPClient(endpoint string, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		endpoint:   endpoint,
		client:     &http.Client{Timeout: DefaultTimeout},
		maxRetries: DefaultHTTPRetries,
		retryDelay: DefaultHTTPRetryDelay,
		maxDelay:   DefaultMaxDelay,
		commitment: CommitmentConfirmed,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Endpoint returns the node address.
func (c *HTTPClient) Endpoint() string {
	return c.endpoint
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// transientError marks a failure worth retrying against the same node.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func transient(format string, args ...interface{}) error {
	return &transientError{err: fmt.Errorf(format, args...)}
}

// call sends method and returns the raw result, retrying transient failures.
func (c *HTTPClient) call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}

	for attempt := 1; ; attempt++ {
		result, err := c.post(ctx, body)
		if err == nil {
			return result, nil
		}

		var te *transientError
		if !errors.As(err, &te) {
			return nil, fmt.Errorf("%s: %w", method, err)
		}
		if attempt > c.maxRetries {
			return nil, fmt.Errorf("%s: giving up after %d attempts: %w", method, attempt, te.err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(BackoffDelay(c.retryDelay, c.maxDelay, attempt)):
		}
	}
}

// post performs one HTTP round trip.
func (c *HTTPClient) post(ctx context.Context, body []byte) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, transient("http request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("http 429: %w", ErrRateLimited)
	case resp.StatusCode != http.StatusOK:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, transient("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, transient("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

// GetTransaction fetches a transaction with jsonParsed encoding.
func (c *HTTPClient) GetTransaction(ctx context.Context, signature string) (*Transaction, error) {
	raw, err := c.call(ctx, "getTransaction", GetTransactionParams(signature, c.commitment))
	if err != nil {
		return nil, err
	}
	return DecodeTransaction(signature, raw)
}

// GetAccountInfo fetches an account with base64 data.
// A missing account yields nil, nil.
func (c *HTTPClient) GetAccountInfo(ctx context.Context, pubkey string) (*AccountInfo, error) {
	raw, err := c.call(ctx, "getAccountInfo", []interface{}{
		pubkey,
		map[string]interface{}{"encoding": "base64", "commitment": c.commitment},
	})
	if err != nil {
		return nil, err
	}
	return decodeAccountInfo(raw)
}

func decodeAccountInfo(raw json.RawMessage) (*AccountInfo, error) {
	var result struct {
		Value *struct {
			Lamports   uint64   `json:"lamports"`
			Owner      string   `json:"owner"`
			Data       []string `json:"data"` // [payload, encoding]
			Executable bool     `json:"executable"`
			RentEpoch  uint64   `json:"rentEpoch"`
		} `json:"value"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode account info: %w", err)
	}
	if result.Value == nil {
		return nil, nil
	}

	v := result.Value
	info := &AccountInfo{
		Lamports:   v.Lamports,
		Owner:      v.Owner,
		Executable: v.Executable,
		RentEpoch:  v.RentEpoch,
	}
	if len(v.Data) > 0 {
		info.Data = v.Data[0]
	}
	return info, nil
}

var _ RPCClient = (*HTTPClient)(nil)
