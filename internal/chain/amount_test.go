package chain

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHumanAmount(t *testing.T) {
	tests := []struct {
		name     string
		raw      *big.Int
		decimals uint8
		want     string
	}{
		{"nil", nil, 18, "0"},
		{"zero", big.NewInt(0), 18, "0"},
		{"whole token", mustBig("1000000000000000000"), 18, "1"},
		{"half token", mustBig("500000000000000000"), 18, "0.5"},
		{"trailing zeros trimmed", mustBig("1500000000000000000"), 18, "1.5"},
		{"dust", big.NewInt(1), 18, "0.000000000000000001"},
		{"six decimals", big.NewInt(1234567), 6, "1.234567"},
		{"large balance", mustBig("123456789000000000000000000"), 18, "123456789"},
		{"gas threshold", mustBig("7200000000000"), 18, "0.0000072"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HumanAmount(tt.raw, tt.decimals))
		})
	}
}

func TestToBaseUnits(t *testing.T) {
	tests := []struct {
		name     string
		amount   string
		decimals uint8
		want     *big.Int
		wantErr  bool
	}{
		{"whole", "1", 18, mustBig("1000000000000000000"), false},
		{"fraction", "0.5", 18, mustBig("500000000000000000"), false},
		{"tiny", "0.00001", 18, mustBig("10000000000000"), false},
		{"six decimals exact", "1.234567", 6, big.NewInt(1234567), false},
		{"too many decimals", "0.0000001", 6, nil, true},
		{"negative", "-1", 18, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			amount, err := decimal.NewFromString(tt.amount)
			require.NoError(t, err)

			got, err := ToBaseUnits(amount, tt.decimals)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Zero(t, tt.want.Cmp(got), "want %s got %s", tt.want, got)
		})
	}
}

func TestFromBaseUnitsRoundTrips(t *testing.T) {
	amount := decimal.RequireFromString("12.345678")
	raw, err := ToBaseUnits(amount, 18)
	require.NoError(t, err)
	assert.True(t, amount.Equal(FromBaseUnits(raw, 18)))

	assert.True(t, decimal.Zero.Equal(FromBaseUnits(nil, 18)))
}

func mustBig(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("bad big int: " + s)
	}
	return v
}
