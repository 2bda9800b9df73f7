package ingest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/inletmail/inletmail/internal/mime"
	"github.com/inletmail/inletmail/internal/objstore"
	"github.com/inletmail/inletmail/internal/store"
)

// Deliverer fans a persisted inbound email out to subscriptions. Satisfied
// by fanout.Engine.
type Deliverer interface {
	DeliverToSubscriptions(ctx context.Context, email *store.InboundEmail)
}

// Result reports what an ingress event did.
type Result struct {
	ID          int64
	Duplicate   bool // already known; nothing re-parsed, nothing fanned out
	Refreshed   bool // existing row's parsed fields updated in place
	ParseFailed bool
	Attachments int
}

// Coordinator drives intake from push notifications and object-created
// events. Dedup is by normalized message id and by object key only.
type Coordinator struct {
	store     *store.Store
	objects   objstore.Client
	deliverer Deliverer
	logger    *slog.Logger

	// Defaults used to reconstruct an object key when the notification
	// omits the receipt action.
	defaultBucket string
	keyPrefix     string
}

// Options configures a Coordinator.
type Options struct {
	DefaultBucket string
	KeyPrefix     string
	Logger        *slog.Logger
}

// NewCoordinator wires a coordinator. deliverer may be nil, in which case
// persisted emails are not fanned out (used by the reparse CLI path).
func NewCoordinator(st *store.Store, objects objstore.Client, deliverer Deliverer, opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:         st,
		objects:       objects,
		deliverer:     deliverer,
		logger:        logger,
		defaultBucket: opts.DefaultBucket,
		keyPrefix:     opts.KeyPrefix,
	}
}

// AcceptPushNotification ingests one push notification. Duplicates by
// normalized message id return early with Duplicate set; they never parse
// and never fan out.
func (c *Coordinator) AcceptPushNotification(ctx context.Context, n *Notification) (*Result, error) {
	messageID := NormalizeMessageID(n.Mail.MessageID)
	if messageID == "" {
		return nil, errors.New("notification has no messageId")
	}

	if existing, err := c.store.FindInboundByMessageID(messageID); err == nil {
		c.logger.Info("duplicate push notification ignored",
			"messageId", messageID, "inboundId", existing.ID)
		return &Result{ID: existing.ID, Duplicate: true}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("dedup lookup: %w", err)
	}

	var raw []byte
	objectKey := ""
	if n.Content != "" {
		raw = decodeContent(n.Content)
	} else {
		bucket := n.Receipt.Action.BucketName
		if bucket == "" {
			bucket = c.defaultBucket
		}
		objectKey = n.Receipt.Action.ObjectKey
		if objectKey == "" {
			objectKey = c.keyPrefix + messageID
		}
		var err error
		raw, err = c.objects.Fetch(ctx, bucket, objectKey)
		if err != nil {
			return nil, fmt.Errorf("fetch %s/%s: %w", bucket, objectKey, err)
		}
	}

	return c.ingest(ctx, messageID, objectKey, raw, n)
}

// AcceptObjectCreatedEvent ingests object-created records. A record whose
// key or message id is already known only refreshes the stored parse in
// place; it never triggers a second fan-out.
func (c *Coordinator) AcceptObjectCreatedEvent(ctx context.Context, records []ObjectRecord) ([]Result, error) {
	results := make([]Result, 0, len(records))
	for _, rec := range records {
		res, err := c.acceptObjectRecord(ctx, rec)
		if err != nil {
			return results, err
		}
		results = append(results, *res)
	}
	return results, nil
}

func (c *Coordinator) acceptObjectRecord(ctx context.Context, rec ObjectRecord) (*Result, error) {
	bucket := rec.Bucket
	if bucket == "" {
		bucket = c.defaultBucket
	}

	raw, err := c.objects.Fetch(ctx, bucket, rec.Key)
	if err != nil {
		return nil, fmt.Errorf("fetch %s/%s: %w", bucket, rec.Key, err)
	}

	// Either dedup key matching an existing row means this object was
	// already ingested through the push path: refresh only.
	existing, err := c.store.FindInboundByObjectKey(rec.Key)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("object key lookup: %w", err)
	}
	messageID := ""
	if existing == nil {
		msg, perr := mime.Parse(raw)
		if perr == nil {
			messageID = NormalizeMessageID(headerValue(msg.Headers, "Message-ID"))
		}
		if messageID != "" {
			existing, err = c.store.FindInboundByMessageID(messageID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("message id lookup: %w", err)
			}
		}
	}

	if existing != nil {
		return c.refresh(existing, raw)
	}

	if messageID == "" {
		// No Message-ID header; the object key is the only identity.
		messageID = "object:" + rec.Key
	}

	n := &Notification{
		NotificationType: "Received",
		Mail:             Mail{MessageID: messageID},
		Receipt:          Receipt{Action: Action{Type: "S3", BucketName: bucket, ObjectKey: rec.Key}},
	}
	return c.ingest(ctx, messageID, rec.Key, raw, n)
}

// ReprocessInbound re-runs the parser against the stored raw content and
// updates the parsed fields in place. Fan-out is never re-invoked here.
func (c *Coordinator) ReprocessInbound(ctx context.Context, id int64) (*Result, error) {
	email, err := c.store.GetInbound(id)
	if err != nil {
		return nil, err
	}

	raw, err := c.rawContent(ctx, email)
	if err != nil {
		return nil, err
	}

	res, err := c.refresh(email, raw)
	if err != nil {
		return nil, err
	}
	c.logger.Info("reparsed inbound email", "inboundId", id, "attachments", res.Attachments)
	return res, nil
}

// rawContent recovers the original MIME bytes for a stored row, preferring
// the inline envelope content and falling back to the object store.
func (c *Coordinator) rawContent(ctx context.Context, email *store.InboundEmail) ([]byte, error) {
	var n Notification
	if len(email.RawData) > 0 {
		if err := json.Unmarshal(email.RawData, &n); err != nil {
			return nil, fmt.Errorf("decode stored envelope: %w", err)
		}
	}
	if n.Content != "" {
		return decodeContent(n.Content), nil
	}
	if email.ObjectKey != "" {
		bucket := n.Receipt.Action.BucketName
		if bucket == "" {
			bucket = c.defaultBucket
		}
		return c.objects.Fetch(ctx, bucket, email.ObjectKey)
	}
	return nil, errors.New("no raw content available for reparse")
}

// ingest parses, persists and fans out a new message. Parse failures still
// persist a failed row so the raw bytes survive for reparse, but they do
// not fan out.
func (c *Coordinator) ingest(ctx context.Context, messageID, objectKey string, raw []byte, n *Notification) (*Result, error) {
	// The stored envelope always retains the full base64 MIME so
	// subscribers and reparse can recover the body independently.
	n.Content = base64.StdEncoding.EncodeToString(raw)
	rawData, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	email := &store.InboundEmail{
		MessageID: messageID,
		ObjectKey: objectKey,
		RawData:   rawData,
	}

	msg, parseErr := mime.Parse(raw)
	if parseErr != nil {
		email.Status = store.StatusFailed
		email.Error = parseErr.Error()
		email.From = firstOr(n.Mail.CommonHeaders.From, n.Mail.Source)
		email.To = firstOr(n.Mail.CommonHeaders.To, firstOr(n.Mail.Destination, ""))
		email.Subject = n.Mail.CommonHeaders.Subject

		id, err := c.store.InsertInboundEmail(email)
		if errors.Is(err, store.ErrDuplicate) {
			return c.resolveRace(messageID, objectKey)
		}
		if err != nil {
			return nil, err
		}
		c.logger.Warn("inbound email failed to parse",
			"messageId", messageID, "inboundId", id, "error", parseErr)
		return &Result{ID: id, ParseFailed: true}, nil
	}

	email.From = mime.ExtractAddress(firstOr(n.Mail.CommonHeaders.From, firstOr([]string{msg.From}, n.Mail.Source)))
	email.To = mime.ExtractAddress(firstOr(n.Mail.CommonHeaders.To, firstOr(n.Mail.Destination, msg.To)))
	email.Subject = subjectPrecedence(n.Mail.CommonHeaders.Subject, msg.Subject)
	email.BodyText = msg.BodyText
	email.BodyHTML = msg.BodyHTML
	email.Attachments = msg.Attachments
	email.Headers = msg.Headers
	email.Status = store.StatusPending

	id, err := c.store.InsertInboundEmail(email)
	if errors.Is(err, store.ErrDuplicate) {
		// A parallel ingress path won the insert race. Not an error.
		return c.resolveRace(messageID, objectKey)
	}
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if err := c.store.UpdateInboundStatus(id, store.StatusProcessed, &now, ""); err != nil {
		return nil, err
	}
	email.Status = store.StatusProcessed

	c.logger.Info("ingested inbound email",
		"messageId", messageID, "inboundId", id,
		"from", email.From, "to", email.To, "attachments", len(email.Attachments))

	if c.deliverer != nil {
		c.deliverer.DeliverToSubscriptions(ctx, email)
	}
	return &Result{ID: id, Attachments: len(email.Attachments)}, nil
}

// refresh re-parses raw and updates the row's parsed fields in place.
func (c *Coordinator) refresh(email *store.InboundEmail, raw []byte) (*Result, error) {
	msg, err := mime.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("reparse: %w", err)
	}

	subject := email.Subject
	if subject == "" {
		subject = msg.Subject
	}
	if err := c.store.UpdateInboundParsed(email.ID, subject, msg.BodyText, msg.BodyHTML, msg.Attachments, msg.Headers); err != nil {
		return nil, err
	}
	return &Result{ID: email.ID, Refreshed: true, Attachments: len(msg.Attachments)}, nil
}

// resolveRace maps a lost insert race to the surviving row.
func (c *Coordinator) resolveRace(messageID, objectKey string) (*Result, error) {
	if existing, err := c.store.FindInboundByMessageID(messageID); err == nil {
		return &Result{ID: existing.ID, Duplicate: true}, nil
	}
	if objectKey != "" {
		if existing, err := c.store.FindInboundByObjectKey(objectKey); err == nil {
			return &Result{ID: existing.ID, Duplicate: true}, nil
		}
	}
	return &Result{Duplicate: true}, nil
}

// subjectPrecedence prefers the upstream's pre-decoded subject over the
// locally parsed one. The upstream saw the message before any object-store
// round trip could mangle its charset.
func subjectPrecedence(upstream, parsed string) string {
	if strings.TrimSpace(upstream) != "" {
		return upstream
	}
	return parsed
}

func headerValue(headers []mime.Header, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

func firstOr(values []string, fallback string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return fallback
}
