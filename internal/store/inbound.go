package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/inletmail/inletmail/internal/mime"
)

// InboundEmail is one logical received message.
type InboundEmail struct {
	ID          int64
	MessageID   string // normalized: angle brackets stripped, trimmed
	ObjectKey   string // object-store key, "" when the message arrived inline
	From        string
	To          string
	Subject     string
	BodyText    string
	BodyHTML    string
	Attachments []mime.Attachment
	Headers     []mime.Header
	RawData     json.RawMessage // upstream notification envelope as received
	Status      string
	Error       string
	ReceivedAt  time.Time
	ProcessedAt sql.NullTime
}

// InsertInboundEmail inserts a new inbound email and returns its id.
// The unique constraints on message_id and object_key serialize concurrent
// ingress paths; collisions surface as ErrDuplicate.
func (s *Store) InsertInboundEmail(e *InboundEmail) (int64, error) {
	attachments, err := json.Marshal(e.Attachments)
	if err != nil {
		return 0, fmt.Errorf("marshal attachments: %w", err)
	}
	headers, err := json.Marshal(e.Headers)
	if err != nil {
		return 0, fmt.Errorf("marshal headers: %w", err)
	}
	rawData := e.RawData
	if len(rawData) == 0 {
		rawData = json.RawMessage("{}")
	}
	if e.Status == "" {
		e.Status = StatusPending
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}

	var objectKey any
	if e.ObjectKey != "" {
		objectKey = e.ObjectKey
	}

	result, err := s.db.Exec(`
		INSERT INTO inbound_emails
			(message_id, object_key, from_addr, to_addr, subject,
			 body_text, body_html, attachments, headers, raw_data,
			 status, error, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.MessageID, objectKey, e.From, e.To, e.Subject,
		e.BodyText, nullString(e.BodyHTML), string(attachments), string(headers), string(rawData),
		e.Status, nullString(e.Error), e.ReceivedAt,
	)
	if err != nil {
		if isSQLiteError(err, "UNIQUE constraint failed") {
			return 0, ErrDuplicate
		}
		return 0, fmt.Errorf("insert inbound email: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	e.ID = id
	return id, nil
}

const inboundColumns = `id, message_id, object_key, from_addr, to_addr, subject,
	body_text, body_html, attachments, headers, raw_data, status, error,
	received_at, processed_at`

// FindInboundByMessageID looks up an inbound email by normalized message id.
func (s *Store) FindInboundByMessageID(messageID string) (*InboundEmail, error) {
	row := s.db.QueryRow(`SELECT `+inboundColumns+` FROM inbound_emails WHERE message_id = ?`, messageID)
	return scanInbound(row)
}

// FindInboundByObjectKey looks up an inbound email by its object-store key.
func (s *Store) FindInboundByObjectKey(key string) (*InboundEmail, error) {
	row := s.db.QueryRow(`SELECT `+inboundColumns+` FROM inbound_emails WHERE object_key = ?`, key)
	return scanInbound(row)
}

// GetInbound fetches one inbound email by id.
func (s *Store) GetInbound(id int64) (*InboundEmail, error) {
	row := s.db.QueryRow(`SELECT `+inboundColumns+` FROM inbound_emails WHERE id = ?`, id)
	return scanInbound(row)
}

// UpdateInboundStatus transitions the inbound email state machine.
// processedAt is required for the processed state; errMsg for failed.
func (s *Store) UpdateInboundStatus(id int64, status string, processedAt *time.Time, errMsg string) error {
	var pa any
	if processedAt != nil {
		pa = processedAt.UTC()
	}
	res, err := s.db.Exec(`
		UPDATE inbound_emails SET status = ?, processed_at = ?, error = ?
		WHERE id = ?`,
		status, pa, nullString(errMsg), id)
	if err != nil {
		return fmt.Errorf("update inbound status: %w", err)
	}
	return requireRow(res)
}

// UpdateInboundParsed refreshes parsed fields in place, used by the
// object-created refresh path and by reparse. Fan-out is never triggered
// from here.
func (s *Store) UpdateInboundParsed(id int64, subject, bodyText, bodyHTML string, attachments []mime.Attachment, headers []mime.Header) error {
	attJSON, err := json.Marshal(attachments)
	if err != nil {
		return fmt.Errorf("marshal attachments: %w", err)
	}
	hdrJSON, err := json.Marshal(headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}
	res, err := s.db.Exec(`
		UPDATE inbound_emails
		SET subject = ?, body_text = ?, body_html = ?, attachments = ?, headers = ?
		WHERE id = ?`,
		subject, bodyText, nullString(bodyHTML), string(attJSON), string(hdrJSON), id)
	if err != nil {
		return fmt.Errorf("update inbound parsed: %w", err)
	}
	return requireRow(res)
}

// ListOptions filters ListInbound.
type ListOptions struct {
	ToFilter  string   // substring match on to_addr
	ExcludeTo []string // exact addresses to exclude
	Status    string
	Limit     int
	Offset    int
	ListOnly  bool // identity/subject columns only, skip bodies and attachments
}

// ListInbound returns inbound emails newest first.
func (s *Store) ListInbound(opts ListOptions) ([]InboundEmail, error) {
	cols := inboundColumns
	if opts.ListOnly {
		cols = `id, message_id, object_key, from_addr, to_addr, subject,
			'' AS body_text, NULL AS body_html, '[]' AS attachments, '[]' AS headers,
			'{}' AS raw_data, status, error, received_at, processed_at`
	}

	var where []string
	var args []any
	if opts.ToFilter != "" {
		where = append(where, "to_addr LIKE ?")
		args = append(args, "%"+opts.ToFilter+"%")
	}
	for _, addr := range opts.ExcludeTo {
		where = append(where, "to_addr != ?")
		args = append(args, addr)
	}
	if opts.Status != "" {
		where = append(where, "status = ?")
		args = append(args, opts.Status)
	}

	query := `SELECT ` + cols + ` FROM inbound_emails`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY received_at DESC, id DESC"

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, opts.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list inbound: %w", err)
	}
	defer rows.Close()

	var emails []InboundEmail
	for rows.Next() {
		e, err := scanInboundRow(rows)
		if err != nil {
			return nil, err
		}
		emails = append(emails, *e)
	}
	return emails, rows.Err()
}

// ListInboundNotConfirmedForSubscription returns ids of inbound emails whose
// delivery row for the subscription is still in the sent state.
func (s *Store) ListInboundNotConfirmedForSubscription(subscriptionID int64, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT DISTINCT inbound_email_id FROM webhook_deliveries
		WHERE subscription_id = ? AND status = ?
		ORDER BY inbound_email_id DESC LIMIT ?`,
		subscriptionID, DeliverySent, limit)
	if err != nil {
		return nil, fmt.Errorf("list unconfirmed: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ProcessedObjectKeys returns the set of object-store keys already
// represented in inbound_emails, for the catch-up diff.
func (s *Store) ProcessedObjectKeys() (map[string]bool, error) {
	rows, err := s.db.Query(`SELECT object_key FROM inbound_emails WHERE object_key IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("processed object keys: %w", err)
	}
	defer rows.Close()

	keys := make(map[string]bool)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys[key] = true
	}
	return keys, rows.Err()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanInbound(row *sql.Row) (*InboundEmail, error) {
	e, err := scanInboundRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return e, nil
}

func scanInboundRow(row rowScanner) (*InboundEmail, error) {
	var e InboundEmail
	var objectKey, bodyHTML, errMsg sql.NullString
	var attachments, headers, rawData string
	if err := row.Scan(
		&e.ID, &e.MessageID, &objectKey, &e.From, &e.To, &e.Subject,
		&e.BodyText, &bodyHTML, &attachments, &headers, &rawData,
		&e.Status, &errMsg, &e.ReceivedAt, &e.ProcessedAt,
	); err != nil {
		return nil, err
	}
	e.ObjectKey = objectKey.String
	e.BodyHTML = bodyHTML.String
	e.Error = errMsg.String
	e.RawData = json.RawMessage(rawData)
	if err := json.Unmarshal([]byte(attachments), &e.Attachments); err != nil {
		return nil, fmt.Errorf("unmarshal attachments: %w", err)
	}
	if err := json.Unmarshal([]byte(headers), &e.Headers); err != nil {
		return nil, fmt.Errorf("unmarshal headers: %w", err)
	}
	return &e, nil
}

// nullString maps "" to NULL for nullable text columns.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// requireRow converts a zero-row update into ErrNotFound.
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
