package syncstore

import "strings"

// NormalizeCode turns the raw path of a request into a family code: the
// leading separator is dropped, the rest is uppercased and every byte that
// is not an ASCII letter or digit is removed. An empty result means no code.
//
// raw is the escaped path, so percent escapes contribute their hex digits.
func NormalizeCode(raw string) string {
	raw = strings.ToUpper(strings.TrimPrefix(raw, "/"))
	var b strings.Builder
	b.Grow(len(raw))
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9') {
			b.WriteByte(c)
		}
	}
	return b.String()
}
