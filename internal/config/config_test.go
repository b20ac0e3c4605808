package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ismaiel54/fix-order-gateway/internal/session"
	"github.com/ismaiel54/fix-order-gateway/internal/store"
)

func TestLoadConfig_BrokerDefaults(t *testing.T) {
	cfg, err := LoadConfig("broker")
	require.NoError(t, err)

	assert.Equal(t, 50051, cfg.GRPCPort)
	assert.Equal(t, store.BackendSQLite, cfg.StoreBackend)
	assert.Equal(t, time.Second, cfg.FillDelay)
	require.Len(t, cfg.Sessions, 1)

	s := cfg.Sessions[0]
	assert.Equal(t, session.RoleAcceptor, s.Role)
	assert.Equal(t, "BROKER->CLIENT", s.Settings().ID())
	assert.Equal(t, 30*time.Second, s.Settings().HeartBtInt)
	assert.Equal(t, ":5001", s.BindAddr())

	require.Len(t, cfg.Orders, 1)
	assert.Equal(t, "ORDER_1", cfg.Orders[0].ClOrdID)
}

func TestLoadConfig_ClientFromEnv(t *testing.T) {
	t.Setenv("FIX_HOST", "broker.internal")
	t.Setenv("FIX_PORT", "9878")
	t.Setenv("FIX_HEARTBEAT_SECONDS", "5")
	t.Setenv("STORE_BACKEND", "pebble")
	t.Setenv("CHAOS_ENABLED", "true")
	t.Setenv("CHAOS_PROFILE", "drop-pct=10")

	cfg, err := LoadConfig("client")
	require.NoError(t, err)

	s := cfg.Sessions[0]
	assert.Equal(t, session.RoleInitiator, s.Role)
	assert.Equal(t, "CLIENT->BROKER", s.Settings().ID())
	assert.Equal(t, "broker.internal:9878", s.DialAddr())
	assert.Equal(t, 5*time.Second, s.Settings().HeartBtInt)
	assert.Equal(t, store.BackendPebble, cfg.StoreBackend)
	assert.True(t, cfg.Chaos.Enabled)
	assert.Equal(t, "drop-pct=10", cfg.Chaos.Profile)
}

func TestLoadConfig_SessionsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
sessions:
  - role: acceptor
    sender_comp_id: BROKER
    target_comp_id: CLIENT_A
    bind_port: 5001
  - role: acceptor
    sender_comp_id: BROKER
    target_comp_id: CLIENT_B
    bind_port: 5002
    heartbeat_seconds: 10
    reset_on_logon: true
market_prices:
  MSFT: "300.10"
orders:
  - cl_ord_id: A1
    symbol: MSFT
    side: "2"
    ord_type: "2"
    price: "301.25"
    qty: 40
    time_in_force: "1"
`), 0644))
	t.Setenv("SESSIONS_FILE", path)

	cfg, err := LoadConfig("broker")
	require.NoError(t, err)
	require.Len(t, cfg.Sessions, 2)
	assert.Equal(t, 30, cfg.Sessions[0].HeartbeatSeconds, "defaults fill gaps")
	assert.Equal(t, 10, cfg.Sessions[1].HeartbeatSeconds)
	assert.Equal(t, "BROKER->CLIENT_B", cfg.Sessions[1].Settings().ID())
	assert.False(t, cfg.Sessions[0].Settings().ResetOnLogon)
	assert.True(t, cfg.Sessions[1].Settings().ResetOnLogon)
	assert.True(t, decimal.RequireFromString("300.10").Equal(cfg.MarketPrice("MSFT")))

	require.Len(t, cfg.Orders, 1)
	assert.Equal(t, "301.25", cfg.Orders[0].Price.String())
	assert.Equal(t, uint64(40), cfg.Orders[0].Quantity)
}

func TestLoadConfig_MissingSessionsFile(t *testing.T) {
	t.Setenv("SESSIONS_FILE", filepath.Join(t.TempDir(), "nope.yaml"))
	_, err := LoadConfig("broker")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			StoreBackend: store.BackendMemory,
			FillSlices:   1,
			Sessions: []SessionConfig{{
				Role: session.RoleAcceptor, SenderCompID: "B", TargetCompID: "C",
				BindPort: 5001, HeartbeatSeconds: 30,
			}},
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown backend", func(c *Config) { c.StoreBackend = "redis" }},
		{"zero slices", func(c *Config) { c.FillSlices = 0 }},
		{"no sessions", func(c *Config) { c.Sessions = nil }},
		{"bad role", func(c *Config) { c.Sessions[0].Role = "observer" }},
		{"bad bind port", func(c *Config) { c.Sessions[0].BindPort = 70000 }},
		{"initiator without port", func(c *Config) { c.Sessions[0].Role = session.RoleInitiator }},
		{"missing comp id", func(c *Config) { c.Sessions[0].TargetCompID = "" }},
		{"zero heartbeat", func(c *Config) { c.Sessions[0].HeartbeatSeconds = 0 }},
		{"duplicate session", func(c *Config) { c.Sessions = append(c.Sessions, c.Sessions[0]) }},
		{"bad chaos profile", func(c *Config) { c.Chaos.Profile = "drop-pct=x" }},
		{"zero market price", func(c *Config) { c.MarketPrices = map[string]decimal.Decimal{"AAPL": decimal.Zero} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestLoadConfig_MarketPrices(t *testing.T) {
	t.Setenv("MARKET_PRICES", "AAPL=150.25, MSFT=301")

	cfg, err := LoadConfig("broker")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("150.25").Equal(cfg.MarketPrice("AAPL")))
	assert.True(t, decimal.NewFromInt(301).Equal(cfg.MarketPrice("MSFT")))
	assert.True(t, cfg.MarketPrice("TSLA").IsZero(), "unlisted symbols fill at zero")
}

func TestLoadConfig_InvalidMarketPrices(t *testing.T) {
	for _, v := range []string{"AAPL", "=10", "AAPL=abc", "AAPL=-1"} {
		t.Run(v, func(t *testing.T) {
			t.Setenv("MARKET_PRICES", v)
			_, err := LoadConfig("broker")
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig_ResetOnLogonFromEnv(t *testing.T) {
	t.Setenv("FIX_RESET_ON_LOGON", "true")

	cfg, err := LoadConfig("client")
	require.NoError(t, err)
	assert.True(t, cfg.Sessions[0].Settings().ResetOnLogon)
}
