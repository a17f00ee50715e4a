package helpers

import (
	"encoding/hex"
	"strings"
)

// MustHex ignores whitespace, for readable test fixtures.
func MustHex(s string) []byte {
	b, err := hex.DecodeString(strings.Join(strings.Fields(s), ""))
	if err != nil {
		panic(err)
	}
	return b
}

// ParseHexLoose accepts spaces and odd length.
// mosquitto_sub and some dump tools strip the leading zero.
func ParseHexLoose(s string) ([]byte, error) {
	s = strings.Join(strings.Fields(s), "")
	if len(s)%2 == 1 {
		s = "0" + s
	}
	return hex.DecodeString(s)
}
