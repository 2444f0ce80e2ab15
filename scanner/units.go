package scanner

import (
	"math/big"
	"strings"
)

// FormatUnits renders an integer token quantity as a decimal string using the
// token's configured precision. Trailing fractional zeros are trimmed so
// stored amounts stay canonical.
func FormatUnits(value *big.Int, decimals int) string {
	if value == nil {
		return "0"
	}
	if decimals <= 0 {
		return value.String()
	}
	digits := value.String()
	negative := strings.HasPrefix(digits, "-")
	if negative {
		digits = digits[1:]
	}
	if len(digits) <= decimals {
		digits = strings.Repeat("0", decimals-len(digits)+1) + digits
	}
	split := len(digits) - decimals
	whole, frac := digits[:split], digits[split:]
	frac = strings.TrimRight(frac, "0")
	out := whole
	if frac != "" {
		out = whole + "." + frac
	}
	if negative && out != "0" {
		out = "-" + out
	}
	return out
}
