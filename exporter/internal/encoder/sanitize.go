package encoder

import (
	"strings"
	"unicode"
)

// Unknown replaces empty label values.
const Unknown = "unknown"

// SanitizeLabelValue repairs invalid UTF-8, replaces non-printable runes
// (control characters, newline, tab) with '_', and maps the empty string to
// Unknown. Quote and backslash are left for the exposition escaper.
func SanitizeLabelValue(v string) string {
	if v == "" {
		return Unknown
	}
	v = strings.ToValidUTF8(v, "�")
	if strings.IndexFunc(v, notPrintable) < 0 {
		return v
	}
	return strings.Map(func(r rune) rune {
		if notPrintable(r) {
			return '_'
		}
		return r
	}, v)
}

func notPrintable(r rune) bool { return !unicode.IsPrint(r) }
