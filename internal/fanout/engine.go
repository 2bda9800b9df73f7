// Package fanout delivers persisted inbound emails to registered webhook
// subscriptions.
package fanout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/inletmail/inletmail/internal/store"
)

const (
	headerNotificationService = "X-Notification-Service"
	notificationServiceName   = "notifications-microservice"
	headerSubscriptionID      = "X-Subscription-Id"

	probeTimeout      = 5 * time.Second
	resumeTimeout     = 10 * time.Second
	defaultTimeoutMs  = 120_000
	timeoutCapMs      = 30 * 60 * 1000
	backoffCapMs      = 30_000
	maxParallel       = 8
	resumeGracePeriod = time.Hour
)

// AlertSender notifies an operator about delivery anomalies. Satisfied by
// alert.Mailer.
type AlertSender interface {
	SendTimeoutAlert(ctx context.Context, serviceName, webhookURL string, newTimeoutMs int64, cause string) error
}

// Engine fans inbound emails out to active subscriptions.
type Engine struct {
	store  *store.Store
	client *http.Client
	alerts AlertSender
	logger *slog.Logger

	// sleep is replaceable in tests; it must honor ctx cancellation.
	sleep func(ctx context.Context, d time.Duration)
}

// NewEngine wires a delivery engine. alerts may be nil to disable operator
// notifications.
func NewEngine(st *store.Store, alerts AlertSender, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store: st,
		// Per-attempt deadlines come from the subscription row via
		// context; the client itself has no fixed timeout.
		client: &http.Client{},
		alerts: alerts,
		logger: logger,
		sleep:  sleepCtx,
	}
}

// DeliverToSubscriptions runs one delivery attempt per active subscription,
// concurrently. Attempt outcomes land on the subscription rows; this method
// never fails the caller.
func (e *Engine) DeliverToSubscriptions(ctx context.Context, email *store.InboundEmail) {
	subs, err := e.store.ListActiveSubscriptions()
	if err != nil {
		e.logger.Error("list subscriptions for fan-out", "error", err)
		return
	}
	if len(subs) == 0 {
		return
	}

	payload := buildPayload(email)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)
	for _, sub := range subs {
		sub := sub
		g.Go(func() error {
			e.attempt(gctx, &sub, payload)
			return nil
		})
	}
	_ = g.Wait()
}

// attempt runs the full per-subscription delivery sequence: filter, probe,
// backoff, POST, bookkeeping.
func (e *Engine) attempt(ctx context.Context, sub *store.WebhookSubscription, payload Payload) {
	log := e.logger.With("subscription", sub.ServiceName, "subscriptionId", sub.ID, "inboundId", payload.ID)

	filters, err := ParseFilters(sub.Filters)
	if err != nil {
		log.Warn("invalid subscription filters, skipping", "error", err)
		return
	}
	if !filters.Match(payload.From, payload.To, payload.Subject) {
		return
	}

	if !e.probeHealth(ctx, sub.WebhookURL, log) {
		// Endpoint is down; skip without counting a failure.
		return
	}

	if sub.RetryCount > 0 {
		e.sleep(ctx, backoffDelay(sub.RetryCount))
		if ctx.Err() != nil {
			return
		}
	}

	status, err := e.post(ctx, sub, payload)
	now := time.Now().UTC()
	if err == nil && status >= 200 && status < 300 {
		if err := e.store.RecordDeliverySuccess(sub.ID, now); err != nil {
			log.Error("record delivery success", "error", err)
		}
		d := &store.WebhookDelivery{
			InboundEmailID: payload.ID,
			SubscriptionID: sub.ID,
			HTTPStatus:     status,
		}
		if _, err := e.store.InsertDelivery(d); err != nil {
			log.Error("insert delivery row", "error", err)
		}
		log.Info("webhook delivered", "httpStatus", status, "deliveryUuid", d.UUID)
		return
	}

	if err == nil {
		err = fmt.Errorf("http status %d", status)
	}
	e.recordFailure(ctx, sub, err, now, log)
}

// post sends the webhook body with the subscription's adaptive timeout.
func (e *Engine) post(ctx context.Context, sub *store.WebhookSubscription, payload Payload) (int, error) {
	payload.SubscriptionID = sub.ID
	body, err := json.Marshal(Envelope{
		Event:     "email.received",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      payload,
	})
	if err != nil {
		return 0, fmt.Errorf("marshal webhook body: %w", err)
	}

	timeoutMs := sub.DeliveryTimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = defaultTimeoutMs
	}
	pctx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	req, err := http.NewRequestWithContext(pctx, http.MethodPost, sub.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerNotificationService, notificationServiceName)
	req.Header.Set(headerSubscriptionID, strconv.FormatInt(sub.ID, 10))

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

// recordFailure applies failure bookkeeping and the timeout/SSL special
// cases. A failure never suspends the subscription.
func (e *Engine) recordFailure(ctx context.Context, sub *store.WebhookSubscription, cause error, now time.Time, log *slog.Logger) {
	msg := cause.Error()

	if isTimeoutError(cause) {
		newTimeout, err := e.store.WidenDeliveryTimeout(sub.ID, timeoutCapMs)
		if err != nil {
			log.Error("widen delivery timeout", "error", err)
		} else {
			log.Warn("delivery timed out, widened timeout",
				"timeoutMs", newTimeout, "error", msg)
			if e.alerts != nil {
				if err := e.alerts.SendTimeoutAlert(ctx, sub.ServiceName, sub.WebhookURL, newTimeout, msg); err != nil {
					log.Error("send timeout alert", "error", err)
				}
			}
		}
	}

	raise := isSSLError(msg)
	if err := e.store.RecordDeliveryFailure(sub.ID, msg, now, raise); err != nil {
		log.Error("record delivery failure", "error", err)
	}
	log.Warn("webhook delivery failed", "error", msg, "retryCount", sub.RetryCount+1)
}

// probeHealth checks the endpoint's derived health URL. Returns true when
// the attempt should proceed: probe passed, or no health URL can be derived.
func (e *Engine) probeHealth(ctx context.Context, webhookURL string, log *slog.Logger) bool {
	healthURL := HealthURL(webhookURL)
	if healthURL == webhookURL {
		return true
	}

	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(pctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return true
	}
	resp, err := e.client.Do(req)
	if err != nil {
		log.Info("health probe failed, skipping attempt", "healthUrl", healthURL, "error", err)
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Info("health probe non-200, skipping attempt", "healthUrl", healthURL, "status", resp.StatusCode)
		return false
	}
	return true
}

// HealthURL derives the endpoint's health-check URL by replacing the
// /api/email/... tail with /health. When no such tail exists the input is
// returned unchanged and the caller skips probing.
func HealthURL(webhookURL string) string {
	idx := strings.LastIndex(webhookURL, "/api/email/")
	if idx < 0 {
		return webhookURL
	}
	return webhookURL[:idx] + "/health"
}

// backoffDelay is the exponential pre-POST delay for a retrying
// subscription: 1s, 2s, 4s, ... capped at 30s.
func backoffDelay(retryCount int) time.Duration {
	ms := int64(1000)
	for i := 1; i < retryCount && ms < backoffCapMs; i++ {
		ms *= 2
	}
	if ms > backoffCapMs {
		ms = backoffCapMs
	}
	return time.Duration(ms) * time.Millisecond
}

// ResumeSuspended probes suspended subscriptions and reactivates the ones
// that answer a synthetic health-check POST. Runs hourly from the scheduler.
func (e *Engine) ResumeSuspended(ctx context.Context) {
	subs, err := e.store.ListSubscriptions(store.SubscriptionSuspended)
	if err != nil {
		e.logger.Error("list suspended subscriptions", "error", err)
		return
	}

	for _, sub := range subs {
		if sub.LastErrorAt.Valid && time.Since(sub.LastErrorAt.Time) < resumeGracePeriod {
			continue
		}
		if !e.healthCheckPost(ctx, &sub) {
			continue
		}
		if err := e.store.ResumeSubscription(sub.ID); err != nil {
			e.logger.Error("resume subscription", "subscriptionId", sub.ID, "error", err)
			continue
		}
		e.logger.Info("subscription resumed", "subscription", sub.ServiceName, "subscriptionId", sub.ID)
	}
}

// healthCheckPost sends the synthetic health.check event.
func (e *Engine) healthCheckPost(ctx context.Context, sub *store.WebhookSubscription) bool {
	body, _ := json.Marshal(map[string]string{
		"event":     "health.check",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})

	pctx, cancel := context.WithTimeout(ctx, resumeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(pctx, http.MethodPost, sub.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerNotificationService, notificationServiceName)

	resp, err := e.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// isTimeoutError matches context deadline expiry and the timeout phrasings
// transports produce.
func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "timed out") ||
		strings.Contains(msg, "etimedout")
}

func isSSLError(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "ssl") ||
		strings.Contains(msg, "tls") ||
		strings.Contains(msg, "certificate")
}

// sleepCtx sleeps for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
