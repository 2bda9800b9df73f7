// Package ingest coordinates the intake of inbound email notifications:
// dedup, raw MIME retrieval, parsing, persistence and fan-out hand-off.
package ingest

import (
	"encoding/base64"
	"strings"
)

// Notification is the canonical upstream receive notification, matching the
// SES-style JSON the push service delivers.
type Notification struct {
	NotificationType string  `json:"notificationType,omitempty"`
	Mail             Mail    `json:"mail"`
	Receipt          Receipt `json:"receipt"`
	// Content carries the raw MIME inline, base64-encoded. Empty when the
	// message body lives in object storage instead.
	Content string `json:"content,omitempty"`
}

// Mail identifies the message and its envelope addresses.
type Mail struct {
	MessageID     string        `json:"messageId"`
	Source        string        `json:"source,omitempty"`
	Destination   []string      `json:"destination,omitempty"`
	Timestamp     string        `json:"timestamp,omitempty"`
	CommonHeaders CommonHeaders `json:"commonHeaders,omitempty"`
}

// CommonHeaders are the pre-decoded header values the upstream extracts.
type CommonHeaders struct {
	Subject string   `json:"subject,omitempty"`
	From    []string `json:"from,omitempty"`
	To      []string `json:"to,omitempty"`
}

// Receipt describes what the upstream did with the message.
type Receipt struct {
	Action Action `json:"action,omitempty"`
}

// Action names the storage destination for the raw message.
type Action struct {
	Type       string `json:"type,omitempty"`
	BucketName string `json:"bucketName,omitempty"`
	ObjectKey  string `json:"objectKey,omitempty"`
}

// ObjectRecord is one (bucket, key) pair from an object-created event.
type ObjectRecord struct {
	Bucket string
	Key    string
}

// NormalizeMessageID trims whitespace and strips one pair of angle brackets.
// Dedup compares normalized ids only.
func NormalizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return strings.TrimSpace(id)
}

// decodeContent turns the inline content field back into raw MIME bytes.
// The upstream base64-encodes it; tolerate a raw string for older senders.
func decodeContent(content string) []byte {
	trimmed := strings.TrimSpace(content)
	if data, err := base64.StdEncoding.DecodeString(trimmed); err == nil {
		return data
	}
	return []byte(content)
}
