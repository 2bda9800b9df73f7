// Package confirm applies downstream delivery confirmations to webhook
// delivery rows.
package confirm

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/inletmail/inletmail/internal/store"
)

// Errors surfaced to the confirmation API.
var (
	ErrInvalidStatus = errors.New("status must be delivered or failed")
	ErrDowngrade     = errors.New("cannot downgrade a delivered confirmation")
)

// Service records delivery confirmations.
type Service struct {
	store  *store.Store
	logger *slog.Logger
}

// NewService wires a confirmation service.
func NewService(st *store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, logger: logger}
}

// ConfirmByIDs updates the most recent delivery row for the
// (inbound email, subscription) pair. Reapplying the same final status is a
// no-op; downgrading delivered back to sent is rejected.
func (s *Service) ConfirmByIDs(inboundEmailID, subscriptionID int64, status, ticketID, commentID, errMsg string) error {
	if status != store.DeliveryDelivered && status != store.DeliveryFailed {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	d, err := s.store.FindDelivery(inboundEmailID, subscriptionID)
	if err != nil {
		return err
	}
	return s.apply(d, status, ticketID, commentID, errMsg)
}

// ConfirmByInboundID confirms the latest delivery row for the inbound email
// regardless of subscription. Used by polling subscribers that matched the
// message independently; only the delivered status is accepted.
func (s *Service) ConfirmByInboundID(inboundEmailID int64, ticketID, commentID string) error {
	d, err := s.store.FindLatestDeliveryForInbound(inboundEmailID)
	if err != nil {
		return err
	}
	return s.apply(d, store.DeliveryDelivered, ticketID, commentID, "")
}

func (s *Service) apply(d *store.WebhookDelivery, status, ticketID, commentID, errMsg string) error {
	if d.Status == status {
		// Idempotent re-confirmation.
		return nil
	}
	if d.Status == store.DeliveryDelivered {
		return ErrDowngrade
	}

	var deliveredAt *time.Time
	if status == store.DeliveryDelivered {
		now := time.Now().UTC()
		deliveredAt = &now
	}
	if err := s.store.UpdateDeliveryStatus(d.ID, status, deliveredAt, ticketID, commentID, errMsg); err != nil {
		return err
	}
	s.logger.Info("delivery confirmed",
		"deliveryUuid", d.UUID, "inboundId", d.InboundEmailID,
		"subscriptionId", d.SubscriptionID, "status", status, "ticketId", ticketID)
	return nil
}
