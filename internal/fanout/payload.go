package fanout

import (
	"encoding/json"
	"time"

	"github.com/inletmail/inletmail/internal/mime"
	"github.com/inletmail/inletmail/internal/store"
)

// rawContentCap is the largest rawContentBase64 the outgoing payload
// carries. Beyond it the field is omitted to keep the total POST body
// under the downstream limits; attachments are always included.
const rawContentCap = 3 * 1024 * 1024

// Payload is the data object POSTed to subscribers.
type Payload struct {
	ID               int64             `json:"id"`
	SubscriptionID   int64             `json:"subscriptionId,omitempty"`
	From             string            `json:"from"`
	To               string            `json:"to"`
	Subject          string            `json:"subject"`
	BodyText         string            `json:"bodyText"`
	BodyHTML         *string           `json:"bodyHtml"`
	Attachments      []mime.Attachment `json:"attachments"`
	ReceivedAt       time.Time         `json:"receivedAt"`
	MessageID        string            `json:"messageId"`
	RawHeaders       []mime.Header     `json:"rawHeaders,omitempty"`
	RawContentBase64 string            `json:"rawContentBase64,omitempty"`
}

// Envelope is the outer webhook body.
type Envelope struct {
	Event     string  `json:"event"`
	Timestamp string  `json:"timestamp"`
	Data      Payload `json:"data"`
}

// buildPayload assembles the canonical payload for one inbound email.
// SubscriptionID is filled per attempt.
func buildPayload(email *store.InboundEmail) Payload {
	p := Payload{
		ID:          email.ID,
		From:        email.From,
		To:          email.To,
		Subject:     email.Subject,
		BodyText:    email.BodyText,
		Attachments: email.Attachments,
		ReceivedAt:  email.ReceivedAt,
		MessageID:   email.MessageID,
		RawHeaders:  email.Headers,
	}
	if p.Attachments == nil {
		p.Attachments = []mime.Attachment{}
	}
	if email.BodyHTML != "" {
		html := email.BodyHTML
		p.BodyHTML = &html
	}

	if raw := envelopeContent(email.RawData); raw != "" && len(raw) <= rawContentCap {
		p.RawContentBase64 = raw
	}
	return p
}

// envelopeContent extracts the base64 raw MIME from the stored upstream
// envelope.
func envelopeContent(rawData json.RawMessage) string {
	if len(rawData) == 0 {
		return ""
	}
	var envelope struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(rawData, &envelope); err != nil {
		return ""
	}
	return envelope.Content
}
