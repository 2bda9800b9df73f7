package mime

import (
	"bytes"
	"encoding/base64"
	"fmt"
)

// decodeTransfer decodes a part body according to its
// Content-Transfer-Encoding. 7bit, 8bit, binary and absent encodings pass
// through unchanged; decode failures also pass the bytes through so nothing
// is lost.
func decodeTransfer(body []byte, cte string) []byte {
	switch cte {
	case "quoted-printable":
		return decodeQuotedPrintableBytes(body)
	case "base64":
		decoded, err := decodeBase64Bytes(body)
		if err != nil {
			return body
		}
		return decoded
	default:
		return body
	}
}

// decodeQuotedPrintableBytes decodes quoted-printable content at the byte
// level: soft line breaks are removed and =HH produces the octet HH. Bytes
// that are not part of an escape pass through untouched, since they came
// from the byte-preserving ingress.
func decodeQuotedPrintableBytes(body []byte) []byte {
	// Remove soft line breaks: '=' at end of line.
	body = bytes.ReplaceAll(body, []byte("=\r\n"), nil)
	body = bytes.ReplaceAll(body, []byte("=\n"), nil)

	out := make([]byte, 0, len(body))
	for i := 0; i < len(body); i++ {
		if body[i] == '=' && i+2 < len(body) {
			hi, ok1 := hexValue(body[i+1])
			lo, ok2 := hexValue(body[i+2])
			if ok1 && ok2 {
				out = append(out, hi<<4|lo)
				i += 2
				continue
			}
		}
		out = append(out, body[i])
	}
	return out
}

// decodeBase64Bytes decodes base64 text after stripping whitespace,
// tolerating missing padding.
func decodeBase64Bytes(body []byte) ([]byte, error) {
	cleaned := make([]byte, 0, len(body))
	for _, b := range body {
		switch b {
		case ' ', '\t', '\r', '\n':
		default:
			cleaned = append(cleaned, b)
		}
	}

	if decoded, err := base64.StdEncoding.DecodeString(string(cleaned)); err == nil {
		return decoded, nil
	}
	decoded, err := base64.RawStdEncoding.DecodeString(string(bytes.TrimRight(cleaned, "=")))
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	return decoded, nil
}
