package runner

import (
	"fmt"
	"strings"
	"unicode/utf16"
)

// EncodeCodepoints replaces every code point at or above U+0080 with a
// \uXXXX escape. Code points outside the Basic Multilingual Plane become a
// surrogate pair, the only form JavaScript string escapes accept.
func EncodeCodepoints(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r < 0x80:
			b.WriteRune(r)
		case r > 0xffff:
			hi, lo := utf16.EncodeRune(r)
			fmt.Fprintf(&b, "\\u%04x\\u%04x", hi, lo)
		default:
			fmt.Fprintf(&b, "\\u%04x", r)
		}
	}
	return b.String()
}
