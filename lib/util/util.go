// Package util contains helper functions used around the code.
package util

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// In returns true if s is found in ss, false otherwise.
func In(ss []string, s string) bool {
	for _, v := range ss {
		if s == v {
			return true
		}
	}

	return false
}

// FromUnits converts an integer amount in the smallest chain unit to whole
// units with the given number of decimals.
func FromUnits(v *big.Int, decimals uint8) decimal.Decimal {
	return decimal.NewFromBigInt(v, 0).Shift(-int32(decimals))
}

// ToUnits converts a whole-unit amount to the smallest chain unit,
// truncating any precision beyond the given number of decimals.
func ToUnits(d decimal.Decimal, decimals uint8) *big.Int {
	return d.Shift(int32(decimals)).Truncate(0).BigInt()
}
