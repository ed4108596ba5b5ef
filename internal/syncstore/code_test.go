package syncstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeCode(t *testing.T) {
	cases := map[string]string{
		"/smith-42!":   "SMITH42",
		"/SMITH42":     "SMITH42",
		"smith42":      "SMITH42",
		"/a/b/c":       "ABC",
		"/!!!":         "",
		"/":            "",
		"":             "",
		"/caf%C3%A9":   "CAFC3A9",
		"/fam%20ily":   "FAM20ILY",
		"/ünïcode-7":   "NCODE7",
		"/lower_case9": "LOWERCASE9",
	}
	for raw, want := range cases {
		assert.Equal(t, want, NormalizeCode(raw), raw)
	}
}
