package mime

import (
	"net/mail"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"github.com/inletmail/inletmail/internal/textutil"
)

// encodedWordRe matches one RFC 2047 encoded-word: =?charset?(B|Q)?text?=
var encodedWordRe = regexp.MustCompile(`=\?([^?]+)\?([bBqQ])\?([^?]*)\?=`)

// wordGapRe matches whitespace between two adjacent encoded-words, which
// RFC 2047 requires to be dropped.
var wordGapRe = regexp.MustCompile(`\?=[ \t\r\n]+=\?`)

// DecodeHeaderValue decodes RFC 2047 encoded-words across a header value.
// Values with no encoded-word but with high-bit bytes get a latin-1
// reinterpretation, adopted only when the result is replacement-free.
func DecodeHeaderValue(v []byte) string {
	if len(v) == 0 {
		return ""
	}
	s := string(v)
	if !strings.Contains(s, "=?") {
		return decodePlainHeader(v)
	}

	s = wordGapRe.ReplaceAllString(s, "?==?")
	s = encodedWordRe.ReplaceAllStringFunc(s, func(word string) string {
		m := encodedWordRe.FindStringSubmatch(word)
		if m == nil {
			return word
		}
		decoded, ok := decodeEncodedWord(m[1], m[2], m[3])
		if !ok {
			return word
		}
		return decoded
	})

	return textutil.EnsureUTF8(s)
}

// decodeEncodedWord decodes the inner text of one encoded-word.
// The byte-forming step treats =HH (Q) and base64 output (B) as octets;
// only the final step interprets them via the declared charset.
func decodeEncodedWord(charset, encoding, text string) (string, bool) {
	switch strings.ToUpper(encoding) {
	case "B":
		decoded, err := decodeBase64Bytes([]byte(text))
		if err != nil {
			return "", false
		}
		return textutil.DecodeBytes(decoded, charset), true
	case "Q":
		return textutil.DecodeBytes(decodeQWord(text), charset), true
	}
	return "", false
}

// decodeQWord decodes Q-encoded text to a byte sequence:
// underscore becomes space, =HH becomes the octet HH.
func decodeQWord(text string) []byte {
	src := []byte(text)
	out := make([]byte, 0, len(src))
	for i := 0; i < len(src); i++ {
		if src[i] == '_' {
			out = append(out, ' ')
			continue
		}
		if src[i] == '=' && i+2 < len(src) {
			hi, ok1 := hexValue(src[i+1])
			lo, ok2 := hexValue(src[i+2])
			if ok1 && ok2 {
				out = append(out, hi<<4|lo)
				i += 2
				continue
			}
		}
		out = append(out, src[i])
	}
	return out
}

// hexValue converts one hex digit to its value.
func hexValue(b byte) (byte, bool) {
	switch {
	case b >= '0' && b <= '9':
		return b - '0', true
	case b >= 'A' && b <= 'F':
		return b - 'A' + 10, true
	case b >= 'a' && b <= 'f':
		return b - 'a' + 10, true
	}
	return 0, false
}

// decodePlainHeader handles headers without encoded-words. High-bit bytes
// that are not valid UTF-8 are reinterpreted as latin-1.
func decodePlainHeader(v []byte) string {
	if utf8.Valid(v) {
		return string(v)
	}
	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(v)
	if err == nil && utf8.Valid(decoded) && !strings.ContainsRune(string(decoded), '�') {
		return string(decoded)
	}
	return textutil.EnsureUTF8(string(v))
}

// ExtractAddress strips any "Display Name <addr>" wrapping from an address
// header value, retaining only the lowercased address.
func ExtractAddress(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if addr, err := mail.ParseAddress(s); err == nil && addr.Address != "" {
		return strings.ToLower(addr.Address)
	}
	if i := strings.LastIndex(s, "<"); i >= 0 {
		if j := strings.Index(s[i:], ">"); j > 0 {
			return strings.ToLower(strings.TrimSpace(s[i+1 : i+j]))
		}
	}
	return strings.ToLower(s)
}
