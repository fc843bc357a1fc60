package helpers

import (
	"strings"
	"unicode/utf8"
)

// DecodeLenient decodes bytes as UTF-8 text with a replace-invalid-bytes
// policy: invalid sequences become U+FFFD and NULL bytes are dropped.
// PostgreSQL text columns reject NULL bytes, and the gateway must never
// fail hard on hostile header or body bytes.
func DecodeLenient(b []byte) string {
	s := string(b)
	if utf8.ValidString(s) && !strings.ContainsRune(s, '\x00') {
		return s
	}
	s = strings.ToValidUTF8(s, "�")
	return strings.ReplaceAll(s, "\x00", "")
}
