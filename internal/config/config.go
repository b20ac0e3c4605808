package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ismaiel54/fix-order-gateway/internal/chaos"
	"github.com/ismaiel54/fix-order-gateway/internal/client"
	"github.com/ismaiel54/fix-order-gateway/internal/session"
	"github.com/ismaiel54/fix-order-gateway/internal/store"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// SessionConfig is one FIX session as written in env or the sessions file
type SessionConfig struct {
	Role                 session.Role `yaml:"role"`
	SenderCompID         string       `yaml:"sender_comp_id"`
	TargetCompID         string       `yaml:"target_comp_id"`
	Host                 string       `yaml:"host"`
	Port                 int          `yaml:"port"`
	BindPort             int          `yaml:"bind_port"`
	HeartbeatSeconds     int          `yaml:"heartbeat_seconds"`
	LogonTimeoutSeconds  int          `yaml:"logon_timeout_seconds"`
	LogoutTimeoutSeconds int          `yaml:"logout_timeout_seconds"`
	ResetOnLogon         bool         `yaml:"reset_on_logon"`
}

// Settings converts to the session package's settings
func (s SessionConfig) Settings() session.Settings {
	return session.Settings{
		Role:          s.Role,
		SenderCompID:  s.SenderCompID,
		TargetCompID:  s.TargetCompID,
		HeartBtInt:    time.Duration(s.HeartbeatSeconds) * time.Second,
		LogonTimeout:  time.Duration(s.LogonTimeoutSeconds) * time.Second,
		LogoutTimeout: time.Duration(s.LogoutTimeoutSeconds) * time.Second,
		ResetOnLogon:  s.ResetOnLogon,
	}
}

// DialAddr is where an initiator connects
func (s SessionConfig) DialAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// BindAddr is where an acceptor listens
func (s SessionConfig) BindAddr() string {
	return fmt.Sprintf(":%d", s.BindPort)
}

// Config holds configuration for the gateway programs
type Config struct {
	ServiceName string

	GRPCPort int
	HTTPPort int

	// Log level: debug, info, warn, error
	LogLevel string
	// Optional JSON log file in addition to stdout
	LogFile string

	DataDir      string
	StoreBackend string

	KafkaBrokers    string
	DropCopyEnabled bool

	FillDelay  time.Duration
	FillSlices int
	// Fill price of market orders per symbol; unlisted symbols fill at zero
	MarketPrices map[string]decimal.Decimal

	// How long the client stays logged on before logging out
	RunFor time.Duration

	Sessions []SessionConfig
	Orders   []client.OrderSpec
	Chaos    chaos.Config
}

type fileConfig struct {
	Sessions     []SessionConfig            `yaml:"sessions"`
	Orders       []client.OrderSpec         `yaml:"orders"`
	MarketPrices map[string]decimal.Decimal `yaml:"market_prices"`
}

// LoadConfig reads .env (if present), the environment and, when
// SESSIONS_FILE is set, a YAML file of sessions and orders.
func LoadConfig(serviceName string) (*Config, error) {
	_ = godotenv.Load()

	defaultGRPCPort, defaultHTTPPort := 50051, 8080
	if serviceName == "client" {
		defaultGRPCPort, defaultHTTPPort = 50061, 8081
	}

	cfg := &Config{
		ServiceName:     serviceName,
		GRPCPort:        getEnvAsInt("PORT_GRPC", defaultGRPCPort),
		HTTPPort:        getEnvAsInt("PORT_HTTP", defaultHTTPPort),
		LogLevel:        getEnvAsString("LOG_LEVEL", "info"),
		LogFile:         getEnvAsString("LOG_FILE", ""),
		DataDir:         getEnvAsString("DATA_DIR", "./data/"+serviceName),
		StoreBackend:    getEnvAsString("STORE_BACKEND", store.BackendSQLite),
		KafkaBrokers:    getEnvAsString("KAFKA_BROKERS", "127.0.0.1:9092"),
		DropCopyEnabled: getEnvAsBool("DROPCOPY_ENABLED", false),
		FillDelay:       time.Duration(getEnvAsInt("FILL_DELAY_MS", 1000)) * time.Millisecond,
		FillSlices:      getEnvAsInt("FILL_SLICES", 1),
		RunFor:          time.Duration(getEnvAsInt("CLIENT_RUN_SECONDS", 10)) * time.Second,
		Chaos: chaos.Config{
			Enabled:         getEnvAsBool("CHAOS_ENABLED", false),
			Profile:         getEnvAsString("CHAOS_PROFILE", ""),
			TargetSessionID: getEnvAsString("CHAOS_TARGET_SESSION_ID", ""),
			DropPct:         getEnvAsInt("CHAOS_DROP_PCT", 0),
			DelayMsMin:      getEnvAsInt("CHAOS_DELAY_MS_MIN", 0),
			DelayMsMax:      getEnvAsInt("CHAOS_DELAY_MS_MAX", 0),
			Seed:            getEnvAsInt64("CHAOS_SEED", 1),
			WindowMs:        getEnvAsInt("CHAOS_WINDOW_MS", 0),
			DropAdmin:       getEnvAsBool("CHAOS_DROP_ADMIN", false),
		},
	}

	prices, err := parseMarketPrices(getEnvAsString("MARKET_PRICES", ""))
	if err != nil {
		return nil, err
	}
	cfg.MarketPrices = prices

	if path := os.Getenv("SESSIONS_FILE"); path != "" {
		fc, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		cfg.Sessions, cfg.Orders = fc.Sessions, fc.Orders
		for sym, px := range fc.MarketPrices {
			cfg.MarketPrices[sym] = px
		}
	} else {
		cfg.Sessions = []SessionConfig{sessionFromEnv(serviceName)}
	}
	for i := range cfg.Sessions {
		applySessionDefaults(&cfg.Sessions[i])
	}
	if len(cfg.Orders) == 0 {
		cfg.Orders = client.DefaultOrders()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sessions file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse sessions file: %w", err)
	}
	return &fc, nil
}

func sessionFromEnv(serviceName string) SessionConfig {
	role, sender, target := session.RoleAcceptor, "BROKER", "CLIENT"
	if serviceName == "client" {
		role, sender, target = session.RoleInitiator, "CLIENT", "BROKER"
	}
	return SessionConfig{
		Role:                 session.Role(getEnvAsString("FIX_ROLE", string(role))),
		SenderCompID:         getEnvAsString("FIX_SENDER_COMP_ID", sender),
		TargetCompID:         getEnvAsString("FIX_TARGET_COMP_ID", target),
		Host:                 getEnvAsString("FIX_HOST", "127.0.0.1"),
		Port:                 getEnvAsInt("FIX_PORT", 5001),
		BindPort:             getEnvAsInt("FIX_BIND_PORT", 5001),
		HeartbeatSeconds:     getEnvAsInt("FIX_HEARTBEAT_SECONDS", 30),
		LogonTimeoutSeconds:  getEnvAsInt("FIX_LOGON_TIMEOUT_SECONDS", 10),
		LogoutTimeoutSeconds: getEnvAsInt("FIX_LOGOUT_TIMEOUT_SECONDS", 2),
		ResetOnLogon:         getEnvAsBool("FIX_RESET_ON_LOGON", false),
	}
}

// parseMarketPrices reads "AAPL=150.25,MSFT=301"
func parseMarketPrices(v string) (map[string]decimal.Decimal, error) {
	prices := make(map[string]decimal.Decimal)
	for _, entry := range strings.Split(v, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		sym, px, ok := strings.Cut(entry, "=")
		if !ok || sym == "" {
			return nil, fmt.Errorf("invalid MARKET_PRICES entry %q", entry)
		}
		d, err := decimal.NewFromString(px)
		if err != nil {
			return nil, fmt.Errorf("invalid MARKET_PRICES price for %s: %w", sym, err)
		}
		prices[sym] = d
	}
	return prices, nil
}

func applySessionDefaults(s *SessionConfig) {
	if s.Host == "" {
		s.Host = "127.0.0.1"
	}
	if s.HeartbeatSeconds == 0 {
		s.HeartbeatSeconds = 30
	}
	if s.LogonTimeoutSeconds == 0 {
		s.LogonTimeoutSeconds = 10
	}
	if s.LogoutTimeoutSeconds == 0 {
		s.LogoutTimeoutSeconds = 2
	}
}

// Validate rejects settings the programs cannot start with
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case store.BackendMemory, store.BackendSQLite, store.BackendPebble:
	default:
		return fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}
	if c.FillDelay < 0 {
		return errors.New("fill delay must not be negative")
	}
	if c.FillSlices < 1 {
		return errors.New("fill slices must be at least 1")
	}
	if len(c.Sessions) == 0 {
		return errors.New("at least one session is required")
	}

	seen := make(map[string]bool)
	for _, s := range c.Sessions {
		id := s.Settings().ID()
		if s.SenderCompID == "" || s.TargetCompID == "" {
			return fmt.Errorf("session %q: comp ids are required", id)
		}
		if seen[id] {
			return fmt.Errorf("session %q configured twice", id)
		}
		seen[id] = true
		if s.HeartbeatSeconds < 1 {
			return fmt.Errorf("session %s: heartbeat must be at least 1s", id)
		}
		switch s.Role {
		case session.RoleAcceptor:
			if !validPort(s.BindPort) {
				return fmt.Errorf("session %s: invalid bind port %d", id, s.BindPort)
			}
		case session.RoleInitiator:
			if !validPort(s.Port) {
				return fmt.Errorf("session %s: invalid port %d", id, s.Port)
			}
		default:
			return fmt.Errorf("session %s: invalid role %q", id, s.Role)
		}
	}

	for sym, px := range c.MarketPrices {
		if !px.IsPositive() {
			return fmt.Errorf("market price for %s must be positive", sym)
		}
	}

	if c.Chaos.Profile != "" {
		if _, _, _, err := chaos.ParseProfile(c.Chaos.Profile); err != nil {
			return err
		}
	}
	return nil
}

func validPort(p int) bool {
	return p > 0 && p < 65536
}

// MarketPrice is the fill price of a market order in symbol
func (c *Config) MarketPrice(symbol string) decimal.Decimal {
	return c.MarketPrices[symbol]
}

// GRPCAddr returns the gRPC server address
func (c *Config) GRPCAddr() string {
	return fmt.Sprintf(":%d", c.GRPCPort)
}

// HTTPAddr returns the HTTP server address
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

func getEnvAsString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
