package playback

import (
	"encoding/base64"
	"strings"
	"unicode"
)

// NormalizeBase64 strips whitespace and pads to a multiple of four. It returns
// "" for an empty payload.
func NormalizeBase64(s string) string {
	if s == "" {
		return ""
	}
	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	if pad := len(s) % 4; pad != 0 {
		s += strings.Repeat("=", 4-pad)
	}
	return s
}

// DecodePayload normalizes and decodes a base64 audio payload
func DecodePayload(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(NormalizeBase64(s))
}
