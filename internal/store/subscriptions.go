package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// WebhookSubscription is one registered downstream HTTP endpoint.
type WebhookSubscription struct {
	ID                int64
	ServiceName       string
	WebhookURL        string
	Secret            string
	Filters           json.RawMessage // recognized keys: to, from, subjectPattern
	Status            string
	MaxRetries        int
	DeliveryTimeoutMs int64
	TotalDeliveries   int64
	TotalFailures     int64
	RetryCount        int
	LastDeliveryAt    sql.NullTime
	LastError         string
	LastErrorAt       sql.NullTime
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

const subscriptionColumns = `id, service_name, webhook_url, secret, filters, status,
	max_retries, delivery_timeout_ms, total_deliveries, total_failures, retry_count,
	last_delivery_at, last_error, last_error_at, created_at, updated_at`

// SaveSubscription inserts a new subscription (ID == 0) or updates an
// existing one.
func (s *Store) SaveSubscription(sub *WebhookSubscription) error {
	if sub.Status == "" {
		sub.Status = SubscriptionActive
	}
	if sub.DeliveryTimeoutMs == 0 {
		sub.DeliveryTimeoutMs = 120_000
	}
	filters := sub.Filters
	if len(filters) == 0 {
		filters = json.RawMessage("{}")
	}

	if sub.ID == 0 {
		result, err := s.db.Exec(`
			INSERT INTO webhook_subscriptions
				(service_name, webhook_url, secret, filters, status,
				 max_retries, delivery_timeout_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sub.ServiceName, sub.WebhookURL, nullString(sub.Secret), string(filters),
			sub.Status, sub.MaxRetries, sub.DeliveryTimeoutMs)
		if err != nil {
			return fmt.Errorf("insert subscription: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("last insert id: %w", err)
		}
		sub.ID = id
		return nil
	}

	res, err := s.db.Exec(`
		UPDATE webhook_subscriptions
		SET service_name = ?, webhook_url = ?, secret = ?, filters = ?,
		    status = ?, max_retries = ?, delivery_timeout_ms = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		sub.ServiceName, sub.WebhookURL, nullString(sub.Secret), string(filters),
		sub.Status, sub.MaxRetries, sub.DeliveryTimeoutMs, sub.ID)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	return requireRow(res)
}

// GetSubscription fetches one subscription by id.
func (s *Store) GetSubscription(id int64) (*WebhookSubscription, error) {
	row := s.db.QueryRow(`SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE id = ?`, id)
	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return sub, nil
}

// ListActiveSubscriptions returns all subscriptions with active status.
func (s *Store) ListActiveSubscriptions() ([]WebhookSubscription, error) {
	return s.ListSubscriptions(SubscriptionActive)
}

// ListSubscriptions returns subscriptions, optionally filtered by status.
func (s *Store) ListSubscriptions(status string) ([]WebhookSubscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM webhook_subscriptions`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []WebhookSubscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

// RecordDeliverySuccess applies the 2xx bookkeeping: increment
// total_deliveries, stamp last_delivery_at, reset retry state.
// Increments happen at the database level so concurrent attempts for
// different messages preserve counter monotonicity.
func (s *Store) RecordDeliverySuccess(subscriptionID int64, now time.Time) error {
	res, err := s.db.Exec(`
		UPDATE webhook_subscriptions
		SET total_deliveries = total_deliveries + 1,
		    last_delivery_at = ?,
		    retry_count = 0,
		    last_error = NULL,
		    last_error_at = NULL,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		now.UTC(), subscriptionID)
	if err != nil {
		return fmt.Errorf("record delivery success: %w", err)
	}
	return requireRow(res)
}

// RecordDeliveryFailure applies the failure bookkeeping: increment
// total_failures and retry_count, stamp the error. When raiseMaxRetries is
// set (SSL-class errors), max_retries is raised to at least 10.
func (s *Store) RecordDeliveryFailure(subscriptionID int64, errMsg string, now time.Time, raiseMaxRetries bool) error {
	query := `
		UPDATE webhook_subscriptions
		SET total_failures = total_failures + 1,
		    retry_count = retry_count + 1,
		    last_error = ?,
		    last_error_at = ?,
		    updated_at = CURRENT_TIMESTAMP`
	if raiseMaxRetries {
		query += `, max_retries = MAX(max_retries, 10)`
	}
	query += ` WHERE id = ?`

	res, err := s.db.Exec(query, errMsg, now.UTC(), subscriptionID)
	if err != nil {
		return fmt.Errorf("record delivery failure: %w", err)
	}
	return requireRow(res)
}

// WidenDeliveryTimeout doubles the subscription's delivery timeout up to
// the cap. The stored value never decreases.
func (s *Store) WidenDeliveryTimeout(subscriptionID int64, capMs int64) (int64, error) {
	err := s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			UPDATE webhook_subscriptions
			SET delivery_timeout_ms = MIN(delivery_timeout_ms * 2, ?),
			    updated_at = CURRENT_TIMESTAMP
			WHERE id = ?`,
			capMs, subscriptionID)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("widen delivery timeout: %w", err)
	}

	var timeoutMs int64
	if err := s.db.QueryRow(`SELECT delivery_timeout_ms FROM webhook_subscriptions WHERE id = ?`,
		subscriptionID).Scan(&timeoutMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return timeoutMs, nil
}

// ResumeSubscription flips a suspended subscription back to active and
// resets its retry state.
func (s *Store) ResumeSubscription(subscriptionID int64) error {
	res, err := s.db.Exec(`
		UPDATE webhook_subscriptions
		SET status = ?, retry_count = 0, last_error = NULL, last_error_at = NULL,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		SubscriptionActive, subscriptionID)
	if err != nil {
		return fmt.Errorf("resume subscription: %w", err)
	}
	return requireRow(res)
}

func scanSubscription(row rowScanner) (*WebhookSubscription, error) {
	var sub WebhookSubscription
	var secret, lastError sql.NullString
	var filters string
	if err := row.Scan(
		&sub.ID, &sub.ServiceName, &sub.WebhookURL, &secret, &filters, &sub.Status,
		&sub.MaxRetries, &sub.DeliveryTimeoutMs, &sub.TotalDeliveries, &sub.TotalFailures,
		&sub.RetryCount, &sub.LastDeliveryAt, &lastError, &sub.LastErrorAt,
		&sub.CreatedAt, &sub.UpdatedAt,
	); err != nil {
		return nil, err
	}
	sub.Secret = secret.String
	sub.LastError = lastError.String
	sub.Filters = json.RawMessage(filters)
	return &sub, nil
}
