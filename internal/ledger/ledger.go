// Package ledger talks to the token ledger gateway that holds owner
// balances and performs transfers, mints and burns.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/aegis-decision-engine/autorule/internal/models"
)

// TransferRequest moves Amount of Token from one address to another
type TransferRequest struct {
	Token          string          `json:"-"`
	From           string          `json:"from"`
	To             string          `json:"to"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"-"`
}

// MintRequest creates Amount of Token at To
type MintRequest struct {
	Token          string          `json:"-"`
	To             string          `json:"to"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"-"`
}

// BurnRequest destroys Amount of Token held at From
type BurnRequest struct {
	Token          string          `json:"-"`
	From           string          `json:"from"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"-"`
}

// TxResult identifies the ledger transaction
type TxResult struct {
	TxRef string `json:"tx_ref"`
}

// Client is the ledger surface used by the executor and evaluator
type Client interface {
	Transfer(ctx context.Context, req TransferRequest) (TxResult, error)
	Mint(ctx context.Context, req MintRequest) (TxResult, error)
	Burn(ctx context.Context, req BurnRequest) (TxResult, error)
	Balance(ctx context.Context, address, token string) (decimal.Decimal, error)
}

// RejectedError is a definite refusal by the ledger. Unlike a timeout the
// mutation is known not to have happened.
type RejectedError struct {
	StatusCode int
	Reason     string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("ledger rejected request (%d): %s", e.StatusCode, e.Reason)
}

// IsRejected reports whether err is a ledger rejection
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

// GatewayError is a 5xx from the gateway. For a mutation it does not tell
// whether the transaction was applied.
type GatewayError struct {
	StatusCode int
	Body       string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("ledger gateway error %d: %s", e.StatusCode, e.Body)
}

// IsTimeout reports whether err is a deadline or network timeout
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IsIndeterminate reports whether a failed mutation may still have been
// applied: a timeout or a gateway 5xx
func IsIndeterminate(err error) bool {
	var ge *GatewayError
	return IsTimeout(err) || errors.As(err, &ge)
}

// TokenRegistry maps token symbols to contract addresses
type TokenRegistry struct {
	contracts map[string]string
}

// ParseTokens parses "eUSD=0xabc,eINR=0xdef"
func ParseTokens(s string) (*TokenRegistry, error) {
	reg := &TokenRegistry{contracts: make(map[string]string)}
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		symbol, addr, ok := strings.Cut(entry, "=")
		symbol, addr = strings.TrimSpace(symbol), strings.TrimSpace(addr)
		if !ok || symbol == "" || addr == "" {
			return nil, fmt.Errorf("invalid token entry %q, want SYMBOL=ADDRESS", entry)
		}
		reg.contracts[symbol] = addr
	}
	return reg, nil
}

// NewTokenRegistry builds a registry from a symbol to address map
func NewTokenRegistry(contracts map[string]string) *TokenRegistry {
	reg := &TokenRegistry{contracts: make(map[string]string, len(contracts))}
	for k, v := range contracts {
		reg.contracts[k] = v
	}
	return reg
}

// Resolve returns the contract address of a token symbol
func (r *TokenRegistry) Resolve(symbol string) (string, error) {
	addr, ok := r.contracts[symbol]
	if !ok {
		return "", fmt.Errorf("%w: %s", models.ErrUnknownToken, symbol)
	}
	return addr, nil
}

// Symbols lists the registered symbols in order
func (r *TokenRegistry) Symbols() []string {
	out := make([]string, 0, len(r.contracts))
	for s := range r.contracts {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// AddressResolver finds an owner's ledger address
type AddressResolver interface {
	LedgerAddress(ctx context.Context, ownerID string) (string, error)
}

// Balances reads owner balances through the ledger
type Balances struct {
	client   Client
	accounts AddressResolver
}

// NewBalances creates a balance reader
func NewBalances(client Client, accounts AddressResolver) *Balances {
	return &Balances{client: client, accounts: accounts}
}

// Balance returns the owner's balance of token
func (b *Balances) Balance(ctx context.Context, ownerID, token string) (decimal.Decimal, error) {
	addr, err := b.accounts.LedgerAddress(ctx, ownerID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to resolve ledger address: %w", err)
	}
	return b.client.Balance(ctx, addr, token)
}
