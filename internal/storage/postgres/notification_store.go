package postgres

import (
	"context"

	"github.com/google/uuid"

	"github.com/aegis-decision-engine/autorule/internal/models"
)

// NotificationStore persists owner notifications raised by notify actions
type NotificationStore struct {
	client *Client
}

// NewNotificationStore creates a new notification store
func NewNotificationStore(client *Client) *NotificationStore {
	return &NotificationStore{client: client}
}

// CreateNotification inserts an unread notification
func (s *NotificationStore) CreateNotification(ctx context.Context, n *models.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}

	query := `
		INSERT INTO notifications (id, owner_id, rule_id, message, read)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`

	return s.client.Pool().QueryRow(ctx, query,
		n.ID, n.OwnerID, n.RuleID, n.Message, n.Read,
	).Scan(&n.CreatedAt)
}

// ListByOwner returns an owner's notifications, newest first
func (s *NotificationStore) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*models.Notification, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.client.Pool().Query(ctx, `
		SELECT id, owner_id, rule_id, message, read, created_at
		FROM notifications
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Notification
	for rows.Next() {
		var n models.Notification
		if err := rows.Scan(&n.ID, &n.OwnerID, &n.RuleID, &n.Message, &n.Read, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}
