package decision

import (
	"math/big"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/avelines/usdt-keeper/internal/registry"
)

// Amounts in 18-decimal base units.
func units(human string) *big.Int {
	return decimal.RequireFromString(human).Shift(18).BigInt()
}

func testThresholds() Thresholds {
	return Thresholds{
		WithdrawEnabled:  true,
		GasEnabled:       true,
		TokenThreshold:   units("0.5"),
		NativeThreshold:  units("0.0000072"),
		WithdrawInterval: 30 * time.Second,
		GasInterval:      60 * time.Second,
	}
}

func TestDecide(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name     string
		rec      registry.Record
		cfg      Thresholds
		wantKind registry.ActionKind
		wantOK   bool
	}{
		{
			name: "gas-poor wallet above token threshold gets gas",
			rec: registry.Record{
				TokenBalance:  units("1.00"),
				NativeBalance: units("0.000005"),
				Allowance:     big.NewInt(0),
			},
			cfg:      testThresholds(),
			wantKind: registry.ActionSendGas,
			wantOK:   true,
		},
		{
			name: "gas assistance does not require approval",
			rec: registry.Record{
				TokenBalance:  units("2"),
				NativeBalance: big.NewInt(0),
				Allowance:     big.NewInt(0),
			},
			cfg:      testThresholds(),
			wantKind: registry.ActionSendGas,
			wantOK:   true,
		},
		{
			name: "token balance below threshold gets nothing",
			rec: registry.Record{
				TokenBalance:  units("0.49"),
				NativeBalance: big.NewInt(0),
				Allowance:     big.NewInt(0),
			},
			cfg:    testThresholds(),
			wantOK: false,
		},
		{
			name: "native balance at threshold gets no gas",
			rec: registry.Record{
				TokenBalance:  units("1"),
				NativeBalance: units("0.0000072"),
				Allowance:     big.NewInt(0),
			},
			cfg:    testThresholds(),
			wantOK: false,
		},
		{
			name: "approved wallet with covering allowance gets withdraw",
			rec: registry.Record{
				TokenBalance:  units("50"),
				NativeBalance: units("0.01"),
				Allowance:     units("100"),
			},
			cfg:      testThresholds(),
			wantKind: registry.ActionWithdraw,
			wantOK:   true,
		},
		{
			name: "allowance below balance gets no withdraw",
			rec: registry.Record{
				TokenBalance:  units("100"),
				NativeBalance: units("0.01"),
				Allowance:     units("50"),
			},
			cfg:    testThresholds(),
			wantOK: false,
		},
		{
			name: "zero allowance never withdraws",
			rec: registry.Record{
				TokenBalance:  units("100"),
				NativeBalance: units("0.01"),
				Allowance:     big.NewInt(0),
			},
			cfg:    testThresholds(),
			wantOK: false,
		},
		{
			name: "zero token balance gets nothing",
			rec: registry.Record{
				TokenBalance:  big.NewInt(0),
				NativeBalance: big.NewInt(0),
				Allowance:     units("100"),
			},
			cfg:    testThresholds(),
			wantOK: false,
		},
		{
			name: "gas wins when both actions qualify",
			rec: registry.Record{
				TokenBalance:  units("10"),
				NativeBalance: units("0.000001"),
				Allowance:     units("10"),
			},
			cfg:      testThresholds(),
			wantKind: registry.ActionSendGas,
			wantOK:   true,
		},
		{
			name: "pending action blocks everything",
			rec: registry.Record{
				TokenBalance:  units("10"),
				NativeBalance: big.NewInt(0),
				Allowance:     units("10"),
				Pending:       &registry.PendingAction{Kind: registry.ActionWithdraw},
			},
			cfg:    testThresholds(),
			wantOK: false,
		},
		{
			name: "withdraw interval not yet elapsed",
			rec: registry.Record{
				TokenBalance:  units("50"),
				NativeBalance: units("0.01"),
				Allowance:     units("100"),
				LastWithdraw:  now.Add(-10 * time.Second),
			},
			cfg:    testThresholds(),
			wantOK: false,
		},
		{
			name: "withdraw interval elapsed",
			rec: registry.Record{
				TokenBalance:  units("50"),
				NativeBalance: units("0.01"),
				Allowance:     units("100"),
				LastWithdraw:  now.Add(-31 * time.Second),
			},
			cfg:      testThresholds(),
			wantKind: registry.ActionWithdraw,
			wantOK:   true,
		},
		{
			name: "gas interval not yet elapsed",
			rec: registry.Record{
				TokenBalance:  units("1"),
				NativeBalance: big.NewInt(0),
				Allowance:     big.NewInt(0),
				LastGasSend:   now.Add(-30 * time.Second),
			},
			cfg:    testThresholds(),
			wantOK: false,
		},
		{
			name: "disabled automation gets nothing",
			rec: registry.Record{
				TokenBalance:  units("50"),
				NativeBalance: big.NewInt(0),
				Allowance:     units("100"),
			},
			cfg: Thresholds{
				TokenThreshold:  units("0.5"),
				NativeThreshold: units("0.0000072"),
			},
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, ok := Decide(tt.rec, tt.cfg, now)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.wantKind, kind)
			}
		})
	}
}

func TestWithdrawAmount(t *testing.T) {
	tests := []struct {
		name      string
		balance   *big.Int
		allowance *big.Int
		want      *big.Int
	}{
		{"allowance exceeds balance", units("50"), units("100"), units("50")},
		{"balance exceeds allowance", units("100"), units("50"), units("50")},
		{"equal", units("75"), units("75"), units("75")},
		{"nil balance", nil, units("10"), big.NewInt(0)},
		{"nil allowance", units("10"), nil, big.NewInt(0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := WithdrawAmount(tt.balance, tt.allowance)
			assert.Zero(t, tt.want.Cmp(got), "want %s got %s", tt.want, got)
		})
	}
}

func TestWithdrawAmountDoesNotAliasInputs(t *testing.T) {
	balance := units("10")
	allowance := units("20")
	got := WithdrawAmount(balance, allowance)
	got.SetInt64(0)
	assert.Zero(t, balance.Cmp(units("10")))
}
