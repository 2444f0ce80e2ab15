package scanner

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFormatUnits(t *testing.T) {
	cases := []struct {
		name     string
		value    string
		decimals int
		want     string
	}{
		{"zero", "0", 18, "0"},
		{"whole ether", "1000000000000000000", 18, "1"},
		{"one and a half", "1500000000000000000", 18, "1.5"},
		{"sub unit", "5000000000000000", 18, "0.005"},
		{"one wei", "1", 18, "0.000000000000000001"},
		{"usdt", "25000000", 6, "25"},
		{"usdt fraction", "25500000", 6, "25.5"},
		{"no decimals", "42", 0, "42"},
		{"trailing zeros trimmed", "1200000", 6, "1.2"},
		{"negative", "-1500000000000000000", 18, "-1.5"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			value, ok := new(big.Int).SetString(tc.value, 10)
			require.True(t, ok)
			require.Equal(t, tc.want, FormatUnits(value, tc.decimals))
		})
	}
}
