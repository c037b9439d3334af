package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("loads valid TOML config", func(t *testing.T) {
		path := writeConfig(t, `
rpc_urls = ["https://rpc.example.com"]
wallets = ["0x1234567890123456789012345678901234567890"]
spender_address = "0x519Ed2DFD2DAadBA796b152f87812Fbd85638e53"
usdt_threshold = "0.5"
auto_withdraw = true
log_level = "debug"
`)

		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, []string{"https://rpc.example.com"}, cfg.RPCUrls)
		assert.Equal(t, []string{"0x1234567890123456789012345678901234567890"}, cfg.Wallets)
		assert.Equal(t, "debug", cfg.LogLevel)
		assert.True(t, cfg.AutoWithdraw)
		assert.False(t, cfg.AutoGas)
	})

	t.Run("defaults fill everything but the essentials", func(t *testing.T) {
		path := writeConfig(t, "")

		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, int64(56), cfg.ChainID)
		assert.Equal(t, "0x55d398326f99059fF775485246999027B3197955", cfg.TokenAddress)
		assert.Equal(t, uint8(18), cfg.TokenDecimals)
		assert.Equal(t, uint64(100000), cfg.GasLimit)
		assert.Equal(t, "30s", cfg.Interval)
		assert.Equal(t, "0.5", cfg.UsdtThreshold)
		assert.Equal(t, "0.0000072", cfg.BnbThreshold)
		assert.Equal(t, "0.00001", cfg.BnbAmount)
		assert.Equal(t, 8080, cfg.HTTPPort)
		assert.True(t, cfg.RunImmediately)
	})

	t.Run("environment variables override config file", func(t *testing.T) {
		path := writeConfig(t, `log_level = "info"`)

		t.Setenv("KEEPER_LOG_LEVEL", "debug")

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "debug", cfg.LogLevel)
	})

	t.Run("comma-separated env lists are split", func(t *testing.T) {
		path := writeConfig(t, "")

		t.Setenv("KEEPER_RPC_URLS", "https://a.example.com, https://b.example.com")
		t.Setenv("KEEPER_WALLETS", "0x1111111111111111111111111111111111111111,0x2222222222222222222222222222222222222222")

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.RPCUrls)
		assert.Len(t, cfg.Wallets, 2)
	})

	t.Run("missing config file falls back to defaults", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
		require.NoError(t, err)
		assert.Equal(t, int64(56), cfg.ChainID)
	})

	t.Run("rejects invalid values", func(t *testing.T) {
		tests := []struct {
			name    string
			content string
		}{
			{"bad wallet", `wallets = ["nope"]`},
			{"bad token address", `token_address = "0x123"`},
			{"bad threshold", `usdt_threshold = "abc"`},
			{"gas limit below minimum", `gas_limit = 20000`},
			{"bad interval", `interval = "sometimes"`},
			{"bad log level", `log_level = "loud"`},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := Load(writeConfig(t, tt.content))
				assert.Error(t, err)
			})
		}
	})
}

func TestLoadWithKey(t *testing.T) {
	path := writeConfig(t, "")

	t.Run("key from environment", func(t *testing.T) {
		t.Setenv("KEEPER_PRIVATE_KEY", "deadbeef")

		cfg, key, err := LoadWithKey(path)
		require.NoError(t, err)
		assert.NotNil(t, cfg)
		assert.Equal(t, "deadbeef", key)
	})

	t.Run("missing key is an error", func(t *testing.T) {
		t.Setenv("KEEPER_PRIVATE_KEY", "")

		_, _, err := LoadWithKey(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "KEEPER_PRIVATE_KEY")
	})
}

func TestSplitCommaList(t *testing.T) {
	tests := []struct {
		name  string
		input []string
		want  []string
	}{
		{"nil", nil, nil},
		{"already split", []string{"a", "b"}, []string{"a", "b"}},
		{"single plain value", []string{"a"}, []string{"a"}},
		{"comma separated", []string{"a,b, c"}, []string{"a", "b", "c"}},
		{"empty segments dropped", []string{"a,,b,"}, []string{"a", "b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, splitCommaList(tt.input))
		})
	}
}
