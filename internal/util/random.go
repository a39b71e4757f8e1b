package util

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// RandomSerial draws a positive serial number from the 2^bits space.
func RandomSerial(bits int) (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), uint(bits))
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("generating random serial: %w", err)
	}
	// Zero is not a usable serial number.
	return n.Add(n, big.NewInt(1)), nil
}
