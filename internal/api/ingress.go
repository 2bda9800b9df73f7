package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/inletmail/inletmail/internal/ingest"
	"github.com/inletmail/inletmail/internal/store"
)

// maxIngressBody bounds inbound request bodies. Inline raw MIME arrives
// base64-encoded, so this allows messages up to roughly 18 MiB on the wire.
const maxIngressBody = 25 << 20

// ingressBody is the union of every body shape the upstream push service
// and operators send to the ingress route. Exactly one shape is populated
// per request.
type ingressBody struct {
	// SNS-style envelope fields.
	Type         string `json:"Type"`
	SubscribeURL string `json:"SubscribeURL"`
	Token        string `json:"Token"`
	Message      string `json:"Message"`

	// S3 object-created event.
	Records []s3EventRecord `json:"Records"`

	// Manual replay.
	Bucket string `json:"bucket"`
	Key    string `json:"key"`

	// Raw notification (header-marked raw delivery, or unwrapped POST).
	NotificationType string          `json:"notificationType"`
	Mail             json.RawMessage `json:"mail"`
}

type s3EventRecord struct {
	S3 struct {
		Bucket struct {
			Name string `json:"name"`
		} `json:"bucket"`
		Object struct {
			Key string `json:"key"`
		} `json:"object"`
	} `json:"s3"`
}

// handleLegacyInbound is the pre-object-store route. It is a deliberate
// no-op: only the s3 route drives the pipeline now, but the upstream still
// needs a 200 to stop retrying.
func (s *Server) handleLegacyInbound(w http.ResponseWriter, r *http.Request) {
	_, _ = io.Copy(io.Discard, io.LimitReader(r.Body, maxIngressBody))
	s.logger.Info("legacy inbound route hit, ignoring")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
}

// handleInboundS3 dispatches on the recognized ingress body shapes.
func (s *Server) handleInboundS3(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxIngressBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read_error", "Failed to read request body")
		return
	}

	// Raw delivery: the body is the inner notification itself.
	if strings.EqualFold(r.Header.Get("X-Amz-Sns-Rawdelivery"), "true") {
		var n ingest.Notification
		if err := json.Unmarshal(body, &n); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "Malformed raw notification")
			return
		}
		s.dispatchNotification(w, r, &n)
		return
	}

	var probe ingressBody
	if err := json.Unmarshal(body, &probe); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "Malformed request body")
		return
	}

	switch {
	case probe.Type == "SubscriptionConfirmation":
		s.confirmSubscription(w, probe.SubscribeURL)

	case probe.Type == "Notification":
		var n ingest.Notification
		if err := json.Unmarshal([]byte(probe.Message), &n); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "Malformed wrapped notification")
			return
		}
		s.dispatchNotification(w, r, &n)

	case len(probe.Records) > 0:
		s.dispatchObjectEvent(w, r, probe.Records)

	case probe.NotificationType != "" || len(probe.Mail) > 0:
		var n ingest.Notification
		if err := json.Unmarshal(body, &n); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "Malformed notification")
			return
		}
		s.dispatchNotification(w, r, &n)

	case probe.Bucket != "" && probe.Key != "":
		s.dispatchObjectEvent(w, r, []s3EventRecord{manualRecord(probe.Bucket, probe.Key)})

	default:
		writeError(w, http.StatusBadRequest, "unrecognized_body", "Request body matches no known notification shape")
	}
}

// confirmSubscription completes the upstream push handshake by visiting
// the SubscribeURL.
func (s *Server) confirmSubscription(w http.ResponseWriter, subscribeURL string) {
	if subscribeURL == "" || !strings.HasPrefix(subscribeURL, "http") {
		writeError(w, http.StatusBadRequest, "invalid_subscribe_url", "SubscriptionConfirmation without a usable SubscribeURL")
		return
	}

	resp, err := s.subscribeClient.Get(subscribeURL)
	if err != nil {
		s.logger.Error("subscription confirmation failed", "error", err)
		writeError(w, http.StatusBadGateway, "confirmation_failed", "Could not reach SubscribeURL")
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	s.logger.Info("push subscription confirmed", "status", resp.StatusCode)
	writeJSON(w, http.StatusOK, ingressResponse{Success: true, Message: "subscription confirmed"})
}

// dispatchNotification hands a push notification to the coordinator.
// Duplicates and parse failures still return 200 so the upstream stops
// retrying.
func (s *Server) dispatchNotification(w http.ResponseWriter, r *http.Request, n *ingest.Notification) {
	res, err := s.ingestor.AcceptPushNotification(r.Context(), n)
	if err != nil {
		s.logger.Error("push notification ingest failed", "error", err)
		writeError(w, http.StatusInternalServerError, "ingest_error", "Failed to process notification")
		return
	}

	resp := ingressResponse{Success: true, ID: res.ID, Attachments: res.Attachments}
	switch {
	case res.Duplicate:
		resp.Message = "duplicate, already processed"
	case res.ParseFailed:
		resp.Message = "stored, parse failed"
	default:
		resp.Message = "processed"
	}
	writeJSON(w, http.StatusOK, resp)
}

// dispatchObjectEvent hands object-created records to the coordinator.
// Event keys arrive URL-encoded.
func (s *Server) dispatchObjectEvent(w http.ResponseWriter, r *http.Request, records []s3EventRecord) {
	objects := make([]ingest.ObjectRecord, 0, len(records))
	for _, rec := range records {
		key := rec.S3.Object.Key
		if decoded, err := url.QueryUnescape(key); err == nil {
			key = decoded
		}
		objects = append(objects, ingest.ObjectRecord{
			Bucket: rec.S3.Bucket.Name,
			Key:    key,
		})
	}

	results, err := s.ingestor.AcceptObjectCreatedEvent(r.Context(), objects)
	if err != nil {
		s.logger.Error("object event ingest failed", "error", err)
		writeError(w, http.StatusInternalServerError, "ingest_error", "Failed to process object event")
		return
	}

	resp := ingressResponse{Success: true, Message: "processed"}
	if len(results) == 1 {
		resp.ID = results[0].ID
		resp.Attachments = results[0].Attachments
		if results[0].Refreshed || results[0].Duplicate {
			resp.Message = "duplicate, refreshed in place"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func manualRecord(bucket, key string) s3EventRecord {
	var rec s3EventRecord
	rec.S3.Bucket.Name = bucket
	rec.S3.Object.Key = key
	return rec
}

// handleDeliveryConfirmation records a downstream confirmation callback.
func (s *Server) handleDeliveryConfirmation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		InboundEmailID int64  `json:"inboundEmailId"`
		SubscriptionID int64  `json:"subscriptionId"`
		Status         string `json:"status"`
		TicketID       string `json:"ticketId"`
		CommentID      string `json:"commentId"`
		Error          string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "Malformed confirmation body")
		return
	}
	if req.InboundEmailID == 0 {
		writeError(w, http.StatusBadRequest, "missing_id", "inboundEmailId is required")
		return
	}

	var err error
	if req.SubscriptionID != 0 {
		err = s.confirmer.ConfirmByIDs(req.InboundEmailID, req.SubscriptionID, req.Status, req.TicketID, req.CommentID, req.Error)
	} else {
		if req.Status != "" && req.Status != store.DeliveryDelivered {
			writeError(w, http.StatusBadRequest, "invalid_status", "Confirmation without subscriptionId accepts only delivered")
			return
		}
		err = s.confirmer.ConfirmByInboundID(req.InboundEmailID, req.TicketID, req.CommentID)
	}
	if err != nil {
		s.confirmError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "confirmation recorded"})
}
