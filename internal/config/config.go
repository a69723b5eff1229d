package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	StoreMemory   = "memory"
	StoreBolt     = "bolt"
	StorePostgres = "postgres"
)

// Config holds node configuration.
type Config struct {
	NodeID        string
	ServerAddr    string
	Store         string
	DatabaseURL   string
	MigrationsDir string
	BoltPath      string
	SigningSeed   string
	KeyFile       string
	KeyPassphrase string
	Laos          []string
	BacklogSize   int
	BacklogTTL    time.Duration
	RetryInterval time.Duration
	RetryRate     float64
	RetryBurst    int
	CommitPolicy  string
	LogLevel      string
	LogPretty     bool
}

// fileConfig is the YAML overlay read from LAO_CONFIG_FILE. Environment
// variables win over it.
type fileConfig struct {
	NodeID        string   `yaml:"node_id"`
	ServerAddr    string   `yaml:"server_addr"`
	Store         string   `yaml:"store"`
	DatabaseURL   string   `yaml:"database_url"`
	MigrationsDir string   `yaml:"migrations_dir"`
	BoltPath      string   `yaml:"bolt_path"`
	SigningSeed   string   `yaml:"signing_seed"`
	KeyFile       string   `yaml:"key_file"`
	Laos          []string `yaml:"laos"`
	BacklogSize   int      `yaml:"backlog_size"`
	BacklogTTL    string   `yaml:"backlog_ttl"`
	RetryInterval string   `yaml:"retry_interval"`
	RetryRate     float64  `yaml:"retry_rate"`
	RetryBurst    int      `yaml:"retry_burst"`
	CommitPolicy  string   `yaml:"commit_policy"`
	LogLevel      string   `yaml:"log_level"`
	LogPretty     bool     `yaml:"log_pretty"`
}

// Load reads configuration from the optional YAML file then the environment.
func Load() (*Config, error) {
	var file fileConfig
	if path := os.Getenv("LAO_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	dsn := getenv("DATABASE_URL", file.DatabaseURL)
	if dsn == "" {
		user := getenv("POSTGRES_USER", "lao")
		pass := getenv("POSTGRES_PASSWORD", "lao_pass")
		db := getenv("POSTGRES_DB", "lao")
		host := getenv("POSTGRES_HOST", "localhost")
		port := getenv("POSTGRES_PORT", "5432")
		sslmode := getenv("DATABASE_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, sslmode)
	}

	cfg := &Config{
		NodeID:        getenv("LAO_NODE_ID", or(file.NodeID, "lao-node")),
		ServerAddr:    getenv("SERVER_ADDR", or(file.ServerAddr, "0.0.0.0:8080")),
		Store:         strings.ToLower(getenv("LAO_STORE", or(file.Store, StoreMemory))),
		DatabaseURL:   dsn,
		MigrationsDir: getenv("LAO_MIGRATIONS_DIR", or(file.MigrationsDir, "internal/migrations")),
		BoltPath:      getenv("LAO_BOLT_PATH", or(file.BoltPath, "data/lao.db")),
		SigningSeed:   getenv("LAO_SIGNING_SEED", file.SigningSeed),
		KeyFile:       getenv("LAO_KEY_FILE", file.KeyFile),
		KeyPassphrase: os.Getenv("LAO_KEY_PASSPHRASE"),
		Laos:          parseList(getenv("LAO_SUBSCRIBE", strings.Join(file.Laos, ","))),
		BacklogSize:   parseInt(os.Getenv("LAO_BACKLOG_SIZE"), orInt(file.BacklogSize, 4096)),
		BacklogTTL:    parseDuration(getenv("LAO_BACKLOG_TTL", file.BacklogTTL), 2*time.Minute),
		RetryInterval: parseDuration(getenv("LAO_RETRY_INTERVAL", file.RetryInterval), 2*time.Second),
		RetryRate:     parseFloat(os.Getenv("LAO_RETRY_RATE"), orFloat(file.RetryRate, 200)),
		RetryBurst:    parseInt(os.Getenv("LAO_RETRY_BURST"), orInt(file.RetryBurst, 50)),
		CommitPolicy:  getenv("LAO_COMMIT_POLICY", file.CommitPolicy),
		LogLevel:      getenv("LOG_LEVEL", or(file.LogLevel, "info")),
		LogPretty:     parseBool(os.Getenv("LOG_PRETTY"), file.LogPretty),
	}

	switch cfg.Store {
	case StoreMemory, StoreBolt, StorePostgres:
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store)
	}
	return cfg, nil
}

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val
}

func or(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func orInt(val, def int) int {
	if val == 0 {
		return def
	}
	return val
}

func orFloat(val, def float64) float64 {
	if val == 0 {
		return def
	}
	return val
}

func parseDuration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

func parseBool(val string, def bool) bool {
	if val == "" {
		return def
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return def
	}
	return b
}

func parseInt(val string, def int) int {
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}

func parseFloat(val string, def float64) float64 {
	if val == "" {
		return def
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return def
	}
	return f
}

func parseList(val string) []string {
	var out []string
	for _, p := range strings.Split(val, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
