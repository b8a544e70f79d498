package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/aegis-decision-engine/autorule/internal/models"
)

// AccountStore maps owners to their ledger addresses
type AccountStore struct {
	client *Client
}

// NewAccountStore creates a new account store
func NewAccountStore(client *Client) *AccountStore {
	return &AccountStore{client: client}
}

// LedgerAddress returns the owner's ledger address
func (s *AccountStore) LedgerAddress(ctx context.Context, ownerID string) (string, error) {
	var addr string
	err := s.client.Pool().QueryRow(ctx,
		`SELECT ledger_address FROM accounts WHERE owner_id = $1`, ownerID,
	).Scan(&addr)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", models.ErrAccountNotFound, ownerID)
	}
	return addr, err
}

// Upsert links an owner to a ledger address
func (s *AccountStore) Upsert(ctx context.Context, ownerID, address string) error {
	query := `
		INSERT INTO accounts (owner_id, ledger_address)
		VALUES ($1, $2)
		ON CONFLICT (owner_id) DO UPDATE SET ledger_address = EXCLUDED.ledger_address, updated_at = NOW()`

	_, err := s.client.Pool().Exec(ctx, query, ownerID, address)
	return err
}
