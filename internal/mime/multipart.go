package mime

import (
	"bytes"
	"strings"
)

// parseMultipart splits body by the boundary marker and processes each
// section, recursing into nested multiparts and flattening their leaves
// into the parent message.
func (p *parser) parseMultipart(body []byte, boundary string, depth int) {
	if depth > maxDepth {
		p.msg.Warnings = append(p.msg.Warnings, "multipart nesting too deep, truncated")
		return
	}
	p.boundaries = append(p.boundaries, boundary)

	for _, section := range splitSections(body, boundary) {
		p.parsePart(section, depth)
	}
}

// splitSections splits body at line-start occurrences of --boundary.
// The section that is exactly "--" is the terminator and is skipped.
// A section merely ending in "--" is NOT a terminator: nested multiparts
// legitimately end with their own closing marker.
func splitSections(body []byte, boundary string) [][]byte {
	delim := []byte("--" + boundary)

	var sections [][]byte
	var offsets []int
	pos := 0
	for {
		idx := bytes.Index(body[pos:], delim)
		if idx < 0 {
			break
		}
		abs := pos + idx
		// Boundary markers appear at the start of a line and are followed
		// by a line break or the closing "--". Anything else is a longer
		// boundary (nested) or body text that merely contains the marker.
		after := body[abs+len(delim):]
		lineStart := abs == 0 || body[abs-1] == '\n'
		validTail := len(after) == 0 || after[0] == '\r' || after[0] == '\n' || bytes.HasPrefix(after, []byte("--"))
		if !lineStart || !validTail {
			pos = abs + len(delim)
			continue
		}
		offsets = append(offsets, abs)
		pos = abs + len(delim)
	}

	for i, off := range offsets {
		start := off + len(delim)
		rest := body[start:]
		// Final boundary: "--boundary--" ends the multipart.
		if bytes.HasPrefix(rest, []byte("--")) {
			break
		}
		end := len(body)
		if i+1 < len(offsets) {
			end = offsets[i+1]
		}
		section := body[start:end]
		section = bytes.TrimPrefix(section, []byte("\r\n"))
		section = bytes.TrimPrefix(section, []byte("\n"))
		section = bytes.TrimSuffix(section, []byte("\r\n"))
		section = bytes.TrimSuffix(section, []byte("\n"))
		sections = append(sections, section)
	}
	return sections
}

// parsePart handles one multipart section: either a nested multipart to
// recurse into or a leaf to classify.
func (p *parser) parsePart(section []byte, depth int) {
	head, body, ok := splitHeadBody(section)
	if !ok {
		// Header-less section: treat everything as an unlabelled text body.
		head, body = nil, section
	}

	headers := parseHeaders(head)
	mediatype, params := parseContentType(string(headerValue(headers, "Content-Type")))
	cte := transferEncoding(headers)

	if strings.HasPrefix(mediatype, "multipart/") {
		nested := params["boundary"]
		if nested == "" {
			p.msg.Warnings = append(p.msg.Warnings, "nested multipart without boundary parameter")
			return
		}
		// Some upstreams transfer-encode even container parts.
		content := decodeTransfer(body, cte)
		ndelim := []byte("--" + nested)
		if !bytes.Contains(content, ndelim) {
			// The parent split stripped the opening marker; put it back.
			content = append(append([]byte(nil), append(ndelim, '\r', '\n')...), content...)
		}
		// Truncate at the nested closing marker so a trailing parent-level
		// boundary fragment cannot leak into the nested parse.
		if ci := bytes.Index(content, append(append([]byte(nil), ndelim...), '-', '-')); ci >= 0 {
			content = content[:ci+len(ndelim)+2]
		}
		p.parseMultipart(content, nested, depth+1)
		return
	}

	p.handleLeaf(leafInfo{
		contentType: mediatype,
		params:      params,
		disposition: string(headerValue(headers, "Content-Disposition")),
		cte:         cte,
	}, body)
}
