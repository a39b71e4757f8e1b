package util

import (
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// CanonicalName folds a CA, profile or requestor name to its canonical form:
// NFKD-normalized, trimmed, uppercased.
func CanonicalName(s string) string {
	return strings.ToUpper(strings.TrimSpace(norm.NFKD.String(s)))
}

func HexEncode(b []byte) string {
	return hex.EncodeToString(b)
}
