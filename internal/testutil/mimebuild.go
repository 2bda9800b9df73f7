package testutil

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// MIMEBuilder assembles raw RFC-5322 messages for parser and ingest tests.
// All output uses CRLF line endings, as on the wire.
type MIMEBuilder struct {
	headers []string
	parts   []mimePart
	body    string
}

type mimePart struct {
	headers []string
	body    string
}

// NewMIME starts a builder with the given top-level headers, each
// "Name: value".
func NewMIME(headers ...string) *MIMEBuilder {
	return &MIMEBuilder{headers: headers}
}

// Body sets a plain (non-multipart) body.
func (b *MIMEBuilder) Body(body string) *MIMEBuilder {
	b.body = body
	return b
}

// TextPart appends a text/plain part.
func (b *MIMEBuilder) TextPart(body string) *MIMEBuilder {
	b.parts = append(b.parts, mimePart{
		headers: []string{"Content-Type: text/plain; charset=utf-8"},
		body:    body,
	})
	return b
}

// HTMLPart appends a text/html part.
func (b *MIMEBuilder) HTMLPart(body string) *MIMEBuilder {
	b.parts = append(b.parts, mimePart{
		headers: []string{"Content-Type: text/html; charset=utf-8"},
		body:    body,
	})
	return b
}

// AttachmentPart appends a base64-encoded attachment part.
func (b *MIMEBuilder) AttachmentPart(filename, contentType string, data []byte) *MIMEBuilder {
	b.parts = append(b.parts, mimePart{
		headers: []string{
			fmt.Sprintf("Content-Type: %s; name=%q", contentType, filename),
			"Content-Transfer-Encoding: base64",
			fmt.Sprintf("Content-Disposition: attachment; filename=%q", filename),
		},
		body: base64.StdEncoding.EncodeToString(data),
	})
	return b
}

// RawPart appends a pre-built part verbatim, for nested multiparts.
func (b *MIMEBuilder) RawPart(headers []string, body string) *MIMEBuilder {
	b.parts = append(b.parts, mimePart{headers: headers, body: body})
	return b
}

// Multipart renders the message as multipart with the given subtype and
// boundary.
func (b *MIMEBuilder) Multipart(subtype, boundary string) []byte {
	var sb strings.Builder
	for _, h := range b.headers {
		sb.WriteString(h)
		sb.WriteString("\r\n")
	}
	fmt.Fprintf(&sb, "Content-Type: multipart/%s; boundary=%q\r\n\r\n", subtype, boundary)

	for _, p := range b.parts {
		fmt.Fprintf(&sb, "--%s\r\n", boundary)
		for _, h := range p.headers {
			sb.WriteString(h)
			sb.WriteString("\r\n")
		}
		sb.WriteString("\r\n")
		sb.WriteString(p.body)
		sb.WriteString("\r\n")
	}
	fmt.Fprintf(&sb, "--%s--\r\n", boundary)
	return []byte(sb.String())
}

// MultipartSection renders the parts as a nested multipart body (headers
// plus sections, no top-level message headers), for use with RawPart.
func (b *MIMEBuilder) MultipartSection(subtype, boundary string) (headers []string, body string) {
	headers = []string{fmt.Sprintf("Content-Type: multipart/%s; boundary=%q", subtype, boundary)}
	var sb strings.Builder
	for _, p := range b.parts {
		fmt.Fprintf(&sb, "--%s\r\n", boundary)
		for _, h := range p.headers {
			sb.WriteString(h)
			sb.WriteString("\r\n")
		}
		sb.WriteString("\r\n")
		sb.WriteString(p.body)
		sb.WriteString("\r\n")
	}
	fmt.Fprintf(&sb, "--%s--\r\n", boundary)
	return headers, sb.String()
}

// Plain renders the message as a simple non-multipart message.
func (b *MIMEBuilder) Plain(contentType string) []byte {
	var sb strings.Builder
	for _, h := range b.headers {
		sb.WriteString(h)
		sb.WriteString("\r\n")
	}
	if contentType != "" {
		fmt.Fprintf(&sb, "Content-Type: %s\r\n", contentType)
	}
	sb.WriteString("\r\n")
	sb.WriteString(b.body)
	return []byte(sb.String())
}
