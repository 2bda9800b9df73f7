// Package mime parses raw RFC 5322 messages into structured bodies and
// attachments without losing bytes.
//
// The raw buffer is treated as an 8-bit byte sequence end to end; no decode
// path may replace invalid UTF-8 at ingress. Character-set decoding happens
// only at the last step of each field, using the charset declared by the
// MIME part.
package mime

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	stdmime "mime"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/inletmail/inletmail/internal/textutil"
)

// ErrNoSeparator is returned when a message has no header/body separator.
var ErrNoSeparator = errors.New("no header/body separator found")

// maxDepth bounds multipart recursion to defend against boundary bombs.
const maxDepth = 10

// Header is a single raw message header. In the parsed message the Subject
// header carries the decoded value.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Message is the result of parsing one raw RFC 5322 message.
type Message struct {
	Subject     string
	From        string // address only, display name stripped
	To          string
	Headers     []Header
	BodyText    string
	BodyHTML    string
	Attachments []Attachment
	Suspicious  bool     // body looked corrupted; HTML was not synthesized
	Warnings    []string // non-fatal parsing problems
}

// Attachment is one extracted leaf part.
//
// When RawBase64 is true, Content holds the on-wire base64 text verbatim and
// must be forwarded to subscribers unchanged. Otherwise Content holds the
// raw bytes captured from a 7bit/8bit/quoted-printable part.
type Attachment struct {
	Filename    string
	ContentType string
	Size        int // byte count of the decoded content
	Content     string
	RawBase64   bool
}

// attachmentWire is the JSON form: content is always base64 text so raw
// bytes survive JSON transport.
type attachmentWire struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        int    `json:"size"`
	Content     string `json:"content"`
	RawBase64   bool   `json:"rawBase64"`
}

// MarshalJSON encodes the attachment with base64 content. On-wire base64
// parts are passed through verbatim; byte-preserved parts are encoded here.
func (a Attachment) MarshalJSON() ([]byte, error) {
	w := attachmentWire{
		Filename:    a.Filename,
		ContentType: a.ContentType,
		Size:        a.Size,
		Content:     a.Content,
		RawBase64:   a.RawBase64,
	}
	if !a.RawBase64 {
		w.Content = base64.StdEncoding.EncodeToString([]byte(a.Content))
	}
	return json.Marshal(w)
}

// UnmarshalJSON reverses MarshalJSON.
func (a *Attachment) UnmarshalJSON(data []byte) error {
	var w attachmentWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	a.Filename = w.Filename
	a.ContentType = w.ContentType
	a.Size = w.Size
	a.RawBase64 = w.RawBase64
	a.Content = w.Content
	if !w.RawBase64 {
		decoded, err := base64.StdEncoding.DecodeString(w.Content)
		if err != nil {
			return fmt.Errorf("decode attachment content: %w", err)
		}
		a.Content = string(decoded)
	}
	return nil
}

// Parse parses raw MIME data into a Message.
func Parse(raw []byte) (*Message, error) {
	head, body, ok := splitHeadBody(raw)
	if !ok {
		return nil, ErrNoSeparator
	}

	headers := parseHeaders(head)
	msg := &Message{}

	subjectRaw := headerValue(headers, "Subject")
	msg.Subject = DecodeHeaderValue(subjectRaw)
	msg.From = ExtractAddress(DecodeHeaderValue(headerValue(headers, "From")))
	msg.To = ExtractAddress(DecodeHeaderValue(headerValue(headers, "To")))

	for _, h := range headers {
		v := textutil.EnsureUTF8(string(h.value))
		if strings.EqualFold(h.name, "Subject") {
			v = msg.Subject
		}
		msg.Headers = append(msg.Headers, Header{Name: h.name, Value: v})
	}

	p := &parser{msg: msg}

	mediatype, params := parseContentType(string(headerValue(headers, "Content-Type")))
	if strings.HasPrefix(mediatype, "multipart/") && params["boundary"] != "" {
		p.parseMultipart(body, params["boundary"], 0)
	} else {
		// Single-part message: the top-level headers describe the body.
		p.handleLeaf(leafInfo{
			contentType: mediatype,
			params:      params,
			disposition: string(headerValue(headers, "Content-Disposition")),
			cte:         transferEncoding(headers),
		}, body)
	}

	p.finish()
	return msg, nil
}

// parser accumulates parse state across the multipart tree.
type parser struct {
	msg        *Message
	boundaries []string
}

// leafInfo carries the recognized part headers into leaf handling.
type leafInfo struct {
	contentType string
	params      map[string]string
	disposition string
	cte         string
}

// handleLeaf classifies a leaf part as body content or attachment and
// captures it accordingly.
func (p *parser) handleLeaf(info leafInfo, body []byte) {
	disposition, dparams := parseContentType(info.disposition)
	filename := dparams["filename"]
	if filename == "" {
		filename = info.params["name"]
	}
	if filename != "" {
		filename = DecodeHeaderValue([]byte(filename))
	}

	ct := info.contentType
	if ct == "" {
		ct = "text/plain"
	}

	if isAttachment(ct, disposition, filename) {
		p.msg.Attachments = append(p.msg.Attachments, makeAttachment(filename, ct, info.cte, body))
		return
	}

	switch ct {
	case "text/plain":
		if p.msg.BodyText == "" {
			decoded := decodeTransfer(body, info.cte)
			p.msg.BodyText = strings.TrimRight(textutil.DecodeBytes(decoded, info.params["charset"]), "\r\n")
		}
	case "text/html":
		if p.msg.BodyHTML == "" {
			decoded := decodeTransfer(body, info.cte)
			p.msg.BodyHTML = strings.TrimRight(textutil.DecodeBytes(decoded, info.params["charset"]), "\r\n")
		}
	case "message/rfc822":
		// Embedded message without a filename: neither body nor attachment.
		p.msg.Warnings = append(p.msg.Warnings, "skipped embedded message/rfc822 part")
	}
}

// isAttachment reports whether a part must be extracted as an attachment.
func isAttachment(contentType, disposition, filename string) bool {
	if strings.Contains(strings.ToLower(disposition), "attachment") {
		return true
	}
	if filename != "" {
		return true
	}
	switch contentType {
	case "text/plain", "text/html", "message/rfc822":
		return false
	}
	if strings.HasPrefix(contentType, "multipart/") {
		return false
	}
	return true
}

// makeAttachment captures a leaf part preserving its on-wire encoding.
func makeAttachment(filename, contentType, cte string, body []byte) Attachment {
	if cte == "base64" {
		text := strings.TrimSpace(string(body))
		size := decodedBase64Size(text)
		return Attachment{
			Filename:    filename,
			ContentType: contentType,
			Size:        size,
			Content:     text,
			RawBase64:   true,
		}
	}

	raw := decodeTransfer(body, cte)
	return Attachment{
		Filename:    filename,
		ContentType: contentType,
		Size:        len(raw),
		Content:     string(raw),
		RawBase64:   false,
	}
}

// decodedBase64Size returns the byte count the base64 text decodes to.
func decodedBase64Size(text string) int {
	decoded, err := decodeBase64Bytes([]byte(text))
	if err != nil {
		// Estimate from the text length; the content is still forwarded.
		return len(text) * 3 / 4
	}
	return len(decoded)
}

// finish runs post-parse body fixups: HTML synthesis from plain text and the
// corruption heuristic that gates it.
func (p *parser) finish() {
	msg := p.msg
	if msg.BodyText == "" || msg.BodyHTML != "" {
		return
	}
	if p.suspicious(msg.BodyText) {
		msg.Suspicious = true
		msg.Warnings = append(msg.Warnings, "body text looks corrupted, skipping HTML synthesis")
		return
	}
	msg.BodyHTML = synthesizeHTML(msg.BodyText)
}

// suspicious reports whether decoded body text looks corrupted: too short,
// punctuation/whitespace only, or containing a boundary marker literal.
func (p *parser) suspicious(text string) bool {
	if utf8.RuneCountInString(text) < 10 {
		return true
	}
	onlyPunct := true
	for _, r := range text {
		if !unicode.IsPunct(r) && !unicode.IsSpace(r) && !unicode.IsSymbol(r) {
			onlyPunct = false
			break
		}
	}
	if onlyPunct {
		return true
	}
	for _, b := range p.boundaries {
		if strings.Contains(text, "--"+b) {
			return true
		}
	}
	return false
}

// synthesizeHTML produces a naive HTML rendition of plain text so downstream
// UIs render paragraphs.
func synthesizeHTML(text string) string {
	html := strings.ReplaceAll(text, "\r\n", "<br>")
	return strings.ReplaceAll(html, "\n", "<br>")
}

// splitHeadBody splits a message (or part) at the first blank line.
// CRLFCRLF is preferred; LFLF is the fallback for messages that lost their
// carriage returns in transit.
func splitHeadBody(data []byte) (head, body []byte, ok bool) {
	if idx := bytes.Index(data, []byte("\r\n\r\n")); idx >= 0 {
		return data[:idx], data[idx+4:], true
	}
	if idx := bytes.Index(data, []byte("\n\n")); idx >= 0 {
		return data[:idx], data[idx+2:], true
	}
	return nil, nil, false
}

// rawHeader is one unfolded header with its value kept as bytes.
type rawHeader struct {
	name  string
	value []byte
}

// parseHeaders unfolds and splits a raw header block.
// Continuation lines begin with SP or HTAB.
func parseHeaders(head []byte) []rawHeader {
	var headers []rawHeader
	lines := bytes.Split(head, []byte("\n"))
	for _, line := range lines {
		line = bytes.TrimRight(line, "\r")
		if len(line) == 0 {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			// Continuation of the previous header.
			if len(headers) > 0 {
				prev := &headers[len(headers)-1]
				prev.value = append(prev.value, ' ')
				prev.value = append(prev.value, bytes.TrimLeft(line, " \t")...)
			}
			continue
		}
		idx := bytes.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		headers = append(headers, rawHeader{
			name:  string(bytes.TrimSpace(line[:idx])),
			value: append([]byte(nil), bytes.TrimSpace(line[idx+1:])...),
		})
	}
	return headers
}

// headerValue returns the first header with the given name, case-insensitive.
func headerValue(headers []rawHeader, name string) []byte {
	for _, h := range headers {
		if strings.EqualFold(h.name, name) {
			return h.value
		}
	}
	return nil
}

// transferEncoding returns the normalized Content-Transfer-Encoding value.
func transferEncoding(headers []rawHeader) string {
	return strings.ToLower(strings.TrimSpace(string(headerValue(headers, "Content-Transfer-Encoding"))))
}

// parseContentType splits a Content-Type (or Content-Disposition) header
// into its media type and parameters. Parameter names are lowercased,
// values unquoted. Malformed headers fall back to a tolerant manual split
// instead of being dropped.
func parseContentType(v string) (string, map[string]string) {
	params := make(map[string]string)
	v = strings.TrimSpace(v)
	if v == "" {
		return "", params
	}

	if mediatype, mparams, err := stdmime.ParseMediaType(v); err == nil {
		for k, val := range mparams {
			params[strings.ToLower(k)] = val
		}
		return strings.ToLower(mediatype), params
	}

	parts := strings.Split(v, ";")
	mediatype := strings.ToLower(strings.TrimSpace(parts[0]))
	for _, part := range parts[1:] {
		part = strings.TrimSpace(part)
		eq := strings.IndexByte(part, '=')
		if eq < 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(part[:eq]))
		val := strings.TrimSpace(part[eq+1:])
		val = strings.Trim(val, `"`)
		params[key] = val
	}
	return mediatype, params
}
