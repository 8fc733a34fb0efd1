package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/consult-escrow/consult-escrow/internal/domain/consultation"
)

const (
	LedgerMemory   = "memory"
	LedgerPostgres = "postgres"
)

// Config holds service configuration. Values come from defaults, then the
// YAML file named by ESCROW_CONFIG, then environment variables.
type Config struct {
	ServerAddr     string          `yaml:"server_addr"`
	LogLevel       string          `yaml:"log_level"`
	RequestTimeout time.Duration   `yaml:"request_timeout"`
	Ledger         LedgerConfig    `yaml:"ledger"`
	Fee            FeeConfig       `yaml:"fee"`
	Registry       RegistryConfig  `yaml:"registry"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	Raft           RaftConfig      `yaml:"raft"`
}

type LedgerConfig struct {
	Backend       string `yaml:"backend"`
	DatabaseURL   string `yaml:"database_url"`
	MigrationsDir string `yaml:"migrations_dir"`
}

// FeeConfig seeds the settlement configuration of a fresh ledger.
type FeeConfig struct {
	Percent       int    `yaml:"percent"`
	Platform      string `yaml:"platform"`
	Administrator string `yaml:"administrator"`
}

// Genesis converts the seed into the ledger fee configuration.
func (f FeeConfig) Genesis() consultation.FeeConfig {
	return consultation.FeeConfig{
		FeePercent:    uint8(f.Percent),
		Platform:      consultation.Account(f.Platform).Normalize(),
		Administrator: consultation.Account(f.Administrator).Normalize(),
	}
}

type RegistryConfig struct {
	URL       string        `yaml:"url"`
	Timeout   time.Duration `yaml:"timeout"`
	Allowlist []string      `yaml:"allowlist"`
}

type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

type RaftConfig struct {
	NodeID            string        `yaml:"node_id"`
	Addr              string        `yaml:"addr"`
	DataDir           string        `yaml:"data_dir"`
	Bootstrap         bool          `yaml:"bootstrap"`
	ApplyTimeout      time.Duration `yaml:"apply_timeout"`
	JoinEndpoint      string        `yaml:"join_endpoint"`
	JoinRetries       int           `yaml:"join_retries"`
	JoinRetryDelay    time.Duration `yaml:"join_retry_delay"`
	StartupWaitLeader time.Duration `yaml:"startup_wait_leader"`
	// AdminTokenHash is the bcrypt hash checked by the membership routes.
	AdminTokenHash string `yaml:"admin_token_hash"`
	// AdminToken is presented by this node when it joins a cluster.
	AdminToken string `yaml:"admin_token"`
}

func defaults() *Config {
	return &Config{
		ServerAddr:     "0.0.0.0:8080",
		LogLevel:       "info",
		RequestTimeout: 30 * time.Second,
		Ledger: LedgerConfig{
			Backend:       LedgerMemory,
			MigrationsDir: "internal/migrations",
		},
		Fee:      FeeConfig{Percent: 3},
		Registry: RegistryConfig{Timeout: 5 * time.Second},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 600,
			Burst:             50,
		},
		Raft: RaftConfig{
			Addr:              "127.0.0.1:17000",
			ApplyTimeout:      5 * time.Second,
			JoinRetries:       30,
			JoinRetryDelay:    time.Second,
			StartupWaitLeader: 4 * time.Second,
		},
	}
}

// Load reads configuration from the optional YAML file and environment.
func Load() (*Config, error) {
	cfg := defaults()
	if path := strings.TrimSpace(os.Getenv("ESCROW_CONFIG")); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.ServerAddr = getenv("SERVER_ADDR", cfg.ServerAddr)
	cfg.LogLevel = getenv("LOG_LEVEL", cfg.LogLevel)
	cfg.RequestTimeout = parseDuration(os.Getenv("REQUEST_TIMEOUT"), cfg.RequestTimeout)

	cfg.Ledger.Backend = strings.ToLower(getenv("LEDGER_BACKEND", cfg.Ledger.Backend))
	cfg.Ledger.MigrationsDir = getenv("MIGRATIONS_DIR", cfg.Ledger.MigrationsDir)
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		cfg.Ledger.DatabaseURL = dsn
	}
	if cfg.Ledger.DatabaseURL == "" && cfg.Ledger.Backend == LedgerPostgres {
		user := getenv("POSTGRES_USER", "escrow")
		pass := getenv("POSTGRES_PASSWORD", "escrow_pass")
		db := getenv("POSTGRES_DB", "escrow")
		host := getenv("POSTGRES_HOST", "localhost")
		port := getenv("POSTGRES_PORT", "5432")
		sslmode := getenv("DATABASE_SSLMODE", "disable")
		cfg.Ledger.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, sslmode)
	}

	cfg.Fee.Percent = parseInt(os.Getenv("FEE_PERCENT"), cfg.Fee.Percent)
	cfg.Fee.Platform = getenv("PLATFORM_ACCOUNT", cfg.Fee.Platform)
	cfg.Fee.Administrator = getenv("ADMIN_ACCOUNT", cfg.Fee.Administrator)

	cfg.Registry.URL = getenv("REGISTRY_URL", cfg.Registry.URL)
	cfg.Registry.Timeout = parseDuration(os.Getenv("REGISTRY_TIMEOUT"), cfg.Registry.Timeout)
	if raw := os.Getenv("REGISTRY_ALLOWLIST"); raw != "" {
		cfg.Registry.Allowlist = splitCSV(raw)
	}

	cfg.RateLimit.RequestsPerMinute = parseFloat(os.Getenv("RATE_LIMIT_RPM"), cfg.RateLimit.RequestsPerMinute)
	cfg.RateLimit.Burst = parseInt(os.Getenv("RATE_LIMIT_BURST"), cfg.RateLimit.Burst)

	cfg.Raft.NodeID = getenv("RAFT_NODE_ID", cfg.Raft.NodeID)
	cfg.Raft.Addr = getenv("RAFT_ADDR", cfg.Raft.Addr)
	cfg.Raft.DataDir = getenv("RAFT_DATA_DIR", cfg.Raft.DataDir)
	cfg.Raft.Bootstrap = parseBool(os.Getenv("RAFT_BOOTSTRAP"), cfg.Raft.Bootstrap)
	cfg.Raft.ApplyTimeout = parseDuration(os.Getenv("RAFT_APPLY_TIMEOUT"), cfg.Raft.ApplyTimeout)
	cfg.Raft.JoinEndpoint = getenv("RAFT_JOIN_ENDPOINT", cfg.Raft.JoinEndpoint)
	cfg.Raft.JoinRetries = parseInt(os.Getenv("RAFT_JOIN_RETRIES"), cfg.Raft.JoinRetries)
	cfg.Raft.JoinRetryDelay = parseDuration(os.Getenv("RAFT_JOIN_RETRY_DELAY"), cfg.Raft.JoinRetryDelay)
	cfg.Raft.StartupWaitLeader = parseDuration(os.Getenv("RAFT_STARTUP_WAIT_LEADER"), cfg.Raft.StartupWaitLeader)
	cfg.Raft.AdminTokenHash = getenv("CLUSTER_ADMIN_TOKEN_HASH", cfg.Raft.AdminTokenHash)
	cfg.Raft.AdminToken = getenv("CLUSTER_ADMIN_TOKEN", cfg.Raft.AdminToken)
}

// Validate checks settings every binary depends on.
func (c *Config) Validate() error {
	switch c.Ledger.Backend {
	case LedgerMemory:
	case LedgerPostgres:
		if strings.TrimSpace(c.Ledger.DatabaseURL) == "" {
			return errors.New("database url is required for the postgres ledger")
		}
	default:
		return fmt.Errorf("unknown ledger backend %q", c.Ledger.Backend)
	}
	if c.Fee.Percent < 0 || c.Fee.Percent > 100 {
		return fmt.Errorf("fee percent %d out of range", c.Fee.Percent)
	}
	if strings.TrimSpace(c.Fee.Platform) == "" {
		return errors.New("platform account is required")
	}
	if strings.TrimSpace(c.Fee.Administrator) == "" {
		return errors.New("administrator account is required")
	}
	if c.RateLimit.RequestsPerMinute < 0 || c.RateLimit.Burst < 0 {
		return errors.New("rate limit must not be negative")
	}
	return nil
}

func getenv(key, def string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	return val
}

func parseDuration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(strings.TrimSpace(val))
	if err != nil {
		return def
	}
	return d
}

func parseBool(val string, def bool) bool {
	if val == "" {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(val))
	if err != nil {
		return def
	}
	return b
}

func parseInt(val string, def int) int {
	if val == "" {
		return def
	}
	v, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return def
	}
	return v
}

func parseFloat(val string, def float64) float64 {
	if val == "" {
		return def
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
	if err != nil {
		return def
	}
	return v
}

func splitCSV(s string) []string {
	out := []string{}
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
