package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// WebhookDelivery is one attempted delivery of one inbound email to one
// subscription. A row exists only after the first HTTP POST returned 2xx;
// per-attempt failure state lives on the subscription row instead.
type WebhookDelivery struct {
	ID             int64
	UUID           string
	InboundEmailID int64
	SubscriptionID int64
	Status         string
	HTTPStatus     int
	DeliveredAt    sql.NullTime
	TicketID       string
	CommentID      string
	Error          string
	CreatedAt      time.Time
}

const deliveryColumns = `id, uuid, inbound_email_id, subscription_id, status,
	http_status, delivered_at, ticket_id, comment_id, error, created_at`

// InsertDelivery records a successful first-hop POST.
func (s *Store) InsertDelivery(d *WebhookDelivery) (int64, error) {
	if d.UUID == "" {
		d.UUID = uuid.NewString()
	}
	if d.Status == "" {
		d.Status = DeliverySent
	}

	result, err := s.db.Exec(`
		INSERT INTO webhook_deliveries
			(uuid, inbound_email_id, subscription_id, status, http_status)
		VALUES (?, ?, ?, ?, ?)`,
		d.UUID, d.InboundEmailID, d.SubscriptionID, d.Status, d.HTTPStatus)
	if err != nil {
		return 0, fmt.Errorf("insert delivery: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	d.ID = id
	return id, nil
}

// FindDelivery returns the most recent delivery row for the
// (inbound email, subscription) pair.
func (s *Store) FindDelivery(inboundEmailID, subscriptionID int64) (*WebhookDelivery, error) {
	row := s.db.QueryRow(`
		SELECT `+deliveryColumns+` FROM webhook_deliveries
		WHERE inbound_email_id = ? AND subscription_id = ?
		ORDER BY id DESC LIMIT 1`,
		inboundEmailID, subscriptionID)
	return scanDeliveryRow(row)
}

// FindLatestDeliveryForInbound returns the most recent delivery row for the
// inbound email across all subscriptions.
func (s *Store) FindLatestDeliveryForInbound(inboundEmailID int64) (*WebhookDelivery, error) {
	row := s.db.QueryRow(`
		SELECT `+deliveryColumns+` FROM webhook_deliveries
		WHERE inbound_email_id = ?
		ORDER BY id DESC LIMIT 1`,
		inboundEmailID)
	return scanDeliveryRow(row)
}

// UpdateDeliveryStatus updates a delivery row after a confirmation callback.
func (s *Store) UpdateDeliveryStatus(id int64, status string, deliveredAt *time.Time, ticketID, commentID, errMsg string) error {
	var da any
	if deliveredAt != nil {
		da = deliveredAt.UTC()
	}
	res, err := s.db.Exec(`
		UPDATE webhook_deliveries
		SET status = ?, delivered_at = ?, ticket_id = ?, comment_id = ?, error = ?
		WHERE id = ?`,
		status, da, nullString(ticketID), nullString(commentID), nullString(errMsg), id)
	if err != nil {
		return fmt.Errorf("update delivery status: %w", err)
	}
	return requireRow(res)
}

// ListUndelivered returns delivery rows still waiting for end-to-end
// confirmation, newest first.
func (s *Store) ListUndelivered(limit int) ([]WebhookDelivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT `+deliveryColumns+` FROM webhook_deliveries
		WHERE status = ? ORDER BY id DESC LIMIT ?`,
		DeliverySent, limit)
	if err != nil {
		return nil, fmt.Errorf("list undelivered: %w", err)
	}
	defer rows.Close()

	var deliveries []WebhookDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, *d)
	}
	return deliveries, rows.Err()
}

func scanDeliveryRow(row *sql.Row) (*WebhookDelivery, error) {
	d, err := scanDelivery(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return d, nil
}

func scanDelivery(row rowScanner) (*WebhookDelivery, error) {
	var d WebhookDelivery
	var httpStatus sql.NullInt64
	var ticketID, commentID, errMsg sql.NullString
	if err := row.Scan(
		&d.ID, &d.UUID, &d.InboundEmailID, &d.SubscriptionID, &d.Status,
		&httpStatus, &d.DeliveredAt, &ticketID, &commentID, &errMsg, &d.CreatedAt,
	); err != nil {
		return nil, err
	}
	d.HTTPStatus = int(httpStatus.Int64)
	d.TicketID = ticketID.String
	d.CommentID = commentID.String
	d.Error = errMsg.String
	return &d, nil
}
