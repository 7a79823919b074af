package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// nilPriceSentinel represents an absent original price in the signature input.
// NULL must hash differently than 0.00.
const nilPriceSentinel = "N"

// PriceSignature hashes the (price, currency, originalPrice) tuple that decides
// whether a new price row is required. Prices are rendered at 2 decimals so
// 24.9 and 24.90 collapse to one signature.
func PriceSignature(price float64, currency string, originalPrice *float64) string {
	origStr := nilPriceSentinel
	if originalPrice != nil {
		origStr = fmt.Sprintf("%.2f", *originalPrice)
	}
	canonical := fmt.Sprintf("%.2f:%s:%s", price, strings.ToUpper(currency), origStr)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}
