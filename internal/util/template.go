package util

import (
	"strings"
	"unicode"
)

// Interpolate replaces {name} placeholders with values from vars. Unknown placeholders are
// left untouched so authors can spot typos in delivered messages.
func Interpolate(text string, vars map[string]string) string {
	if len(vars) == 0 || !strings.Contains(text, "{") {
		return text
	}
	var b strings.Builder
	b.Grow(len(text))
	for {
		open := strings.IndexByte(text, '{')
		if open < 0 {
			b.WriteString(text)
			break
		}
		end := strings.IndexByte(text[open:], '}')
		if end < 0 {
			b.WriteString(text)
			break
		}
		end += open
		key := strings.TrimSpace(text[open+1 : end])
		b.WriteString(text[:open])
		if v, ok := vars[key]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(text[open : end+1])
		}
		text = text[end+1:]
	}
	return b.String()
}

// NormalizeNumber keeps only the digits of a phone number so "+55 (11) 9999-0000" and
// "5511999990000" compare equal.
func NormalizeNumber(number string) string {
	var b strings.Builder
	for _, r := range number {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
