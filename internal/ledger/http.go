package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aegis-decision-engine/autorule/internal/circuitbreaker"
)

// Config holds gateway client configuration
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPClient calls a REST token gateway:
//
//	POST {base}/tokens/{contract}/transfer  {"from","to","amount"}
//	POST {base}/tokens/{contract}/mint      {"to","amount"}
//	POST {base}/tokens/{contract}/burn      {"from","amount"}
//	GET  {base}/tokens/{contract}/balances/{address}
//
// Mutations are never retried here. A failed call is reported and the next
// tick decides whether to fire again, reusing the same Idempotency-Key.
type HTTPClient struct {
	baseURL        string
	apiKey         string
	tokens         *TokenRegistry
	httpClient     *http.Client
	circuitBreaker *circuitbreaker.CircuitBreaker
	logger         *slog.Logger
}

// NewHTTPClient creates a gateway client
func NewHTTPClient(cfg Config, tokens *TokenRegistry, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}

	cbCfg := circuitbreaker.DefaultConfig()
	// a rejection is the gateway working correctly
	cbCfg.IsFailure = func(err error) bool { return !IsRejected(err) }

	return &HTTPClient{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:         cfg.APIKey,
		tokens:         tokens,
		httpClient:     &http.Client{Timeout: cfg.Timeout},
		circuitBreaker: circuitbreaker.New("ledger", cbCfg),
		logger:         logger,
	}
}

// Transfer implements Client
func (c *HTTPClient) Transfer(ctx context.Context, req TransferRequest) (TxResult, error) {
	return c.mutate(ctx, req.Token, "transfer", req.IdempotencyKey, req)
}

// Mint implements Client
func (c *HTTPClient) Mint(ctx context.Context, req MintRequest) (TxResult, error) {
	return c.mutate(ctx, req.Token, "mint", req.IdempotencyKey, req)
}

// Burn implements Client
func (c *HTTPClient) Burn(ctx context.Context, req BurnRequest) (TxResult, error) {
	return c.mutate(ctx, req.Token, "burn", req.IdempotencyKey, req)
}

// Balance implements Client
func (c *HTTPClient) Balance(ctx context.Context, address, token string) (decimal.Decimal, error) {
	contract, err := c.tokens.Resolve(token)
	if err != nil {
		return decimal.Zero, err
	}

	var out struct {
		Balance decimal.Decimal `json:"balance"`
	}
	path := fmt.Sprintf("/tokens/%s/balances/%s", url.PathEscape(contract), url.PathEscape(address))
	err = c.circuitBreaker.Execute(ctx, func(ctx context.Context) error {
		return c.do(ctx, http.MethodGet, path, "", nil, &out)
	})
	if err != nil {
		return decimal.Zero, err
	}
	return out.Balance, nil
}

func (c *HTTPClient) mutate(ctx context.Context, token, op, key string, body interface{}) (TxResult, error) {
	contract, err := c.tokens.Resolve(token)
	if err != nil {
		return TxResult{}, err
	}

	start := time.Now()
	var res TxResult
	path := fmt.Sprintf("/tokens/%s/%s", url.PathEscape(contract), op)
	err = c.circuitBreaker.Execute(ctx, func(ctx context.Context) error {
		return c.do(ctx, http.MethodPost, path, key, body, &res)
	})
	if err != nil {
		c.logger.Warn("ledger call failed",
			"op", op,
			"token", token,
			"idempotency_key", key,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return TxResult{}, err
	}

	c.logger.Info("ledger call succeeded",
		"op", op,
		"token", token,
		"tx_ref", res.TxRef,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path, key string, body, dest interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal ledger request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create ledger request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ledger request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read ledger response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return &GatewayError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if resp.StatusCode >= 300 {
		return &RejectedError{StatusCode: resp.StatusCode, Reason: rejectionReason(data)}
	}

	if dest != nil {
		if err := json.Unmarshal(data, dest); err != nil {
			return fmt.Errorf("failed to decode ledger response: %w", err)
		}
	}
	return nil
}

func rejectionReason(body []byte) string {
	var doc struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &doc) == nil {
		if doc.Message != "" {
			return doc.Message
		}
		if doc.Error != "" {
			return doc.Error
		}
	}
	return strings.TrimSpace(string(body))
}

// BreakerStats reports the gateway circuit breaker state
func (c *HTTPClient) BreakerStats() circuitbreaker.Stats {
	return c.circuitBreaker.Stats()
}
