package sandbox

import (
	"strings"
	"unicode/utf8"
)

const truncationMarker = "\n... [output truncated]"

// sanitizeOutput makes captured output storable as text: invalid UTF-8
// becomes U+FFFD and NUL bytes are dropped.
func sanitizeOutput(s string) string {
	s = strings.ToValidUTF8(s, "�")
	return strings.ReplaceAll(s, "\x00", "")
}

// truncateOutput cuts s to at most maxBytes, including the marker, without
// splitting a UTF-8 sequence.
func truncateOutput(s string, maxBytes int) (string, bool) {
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s, false
	}

	marker := truncationMarker
	cut := maxBytes - len(marker)
	if cut < 0 {
		marker, cut = "", maxBytes
	}
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + marker, true
}
