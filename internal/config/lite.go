package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mme-matchmaker/internal/domain"
)

// LiteConfig configures a standalone node that needs no external services:
// patients live in memory, match history in a local SQLite file. It answers
// peers and runs local matching but queries no peers itself.
type LiteConfig struct {
	DataDir string // holds the match history database

	HTTPPort      int
	InboundTokens []string // accepted X-Auth-Token values

	OBOPath   string // optional hp.obo
	GenesPath string // optional phenotype_to_genes.txt
	SeedFile  string // optional JSON array of submissions loaded at start

	NodeID    string
	NodeLabel string

	RematchInterval time.Duration // zero disables rematching

	LogLevel  string
	LogFormat string
}

// DefaultLiteConfig returns a configuration with sensible defaults.
func DefaultLiteConfig() *LiteConfig {
	homeDir, _ := os.UserHomeDir()

	return &LiteConfig{
		DataDir:   filepath.Join(homeDir, ".mme-matchmaker"),
		HTTPPort:  8080,
		NodeID:    "local",
		NodeLabel: "Local patients",
		LogLevel:  "info",
		LogFormat: "json",
	}
}

// LoadLiteConfig loads configuration from MME_* environment variables,
// falling back to defaults for anything unset or unparsable.
func LoadLiteConfig() *LiteConfig {
	cfg := DefaultLiteConfig()

	if v := os.Getenv("MME_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("MME_HTTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.HTTPPort = n
		}
	}
	if v := os.Getenv("MME_INBOUND_TOKENS"); v != "" {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				cfg.InboundTokens = append(cfg.InboundTokens, t)
			}
		}
	}

	cfg.OBOPath = os.Getenv("MME_HPO_OBO")
	cfg.GenesPath = os.Getenv("MME_HPO_GENES")
	cfg.SeedFile = os.Getenv("MME_SEED_FILE")

	if v := os.Getenv("MME_NODE_ID"); v != "" {
		cfg.NodeID = v
	}
	if v := os.Getenv("MME_NODE_LABEL"); v != "" {
		cfg.NodeLabel = v
	}
	if v := os.Getenv("MME_REMATCH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.RematchInterval = d
		}
	}

	if v := os.Getenv("MME_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("MME_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}

	return cfg
}

// MatchStorePath returns the path to the SQLite match history
func (c *LiteConfig) MatchStorePath() string {
	return filepath.Join(c.DataDir, "matches.db")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *LiteConfig) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0755)
}

// Domain expands the lite settings into a full configuration with the
// same defaults the viper manager applies.
func (c *LiteConfig) Domain() *domain.Config {
	return &domain.Config{
		Environment: "standalone",
		Server: domain.ServerConfig{
			Host:           "0.0.0.0",
			Port:           c.HTTPPort,
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   60 * time.Second,
			IdleTimeout:    120 * time.Second,
			RequestTimeout: 45 * time.Second,
			InboundTokens:  c.InboundTokens,
		},
		MatchStore: domain.MatchStoreConfig{
			Driver:     domain.StoreDriverSQLite,
			SQLitePath: c.MatchStorePath(),
		},
		Federation: domain.FederationConfig{
			LocalNodeID:    c.NodeID,
			LocalNodeLabel: c.NodeLabel,
			DefaultTimeout: 20 * time.Second,
		},
		Matching: domain.MatchingConfig{
			MinScore:            0.1,
			CandidatePageSize:   500,
			PhenotypeWeight:     0.7,
			MaxOntologyDistance: 3,
			DistanceDecay:       0.5,
		},
		HPO: domain.HPOConfig{
			OBOPath:   c.OBOPath,
			GenesPath: c.GenesPath,
			CacheSize: 4096,
		},
		Rematch: domain.RematchConfig{
			Enabled:   c.RematchInterval > 0,
			Interval:  c.RematchInterval,
			BatchSize: 50,
		},
		Logging: domain.LoggingConfig{
			Level:  c.LogLevel,
			Format: c.LogFormat,
			Output: "stdout",
		},
	}
}

// StaticManager serves a fixed configuration through the ConfigManager
// interface. Watch never fires.
type StaticManager struct {
	config *domain.Config
}

// NewStaticManager wraps cfg
func NewStaticManager(cfg *domain.Config) *StaticManager {
	return &StaticManager{config: cfg}
}

func (s *StaticManager) GetConfig() *domain.Config                 { return s.config }
func (s *StaticManager) GetDatabaseConfig() *domain.DatabaseConfig { return &s.config.Database }
func (s *StaticManager) GetServerConfig() *domain.ServerConfig     { return &s.config.Server }
func (s *StaticManager) Reload() error                             { return nil }
func (s *StaticManager) Validate() error                           { return validate(s.config) }
func (s *StaticManager) Watch(func(*domain.Config))                {}
func (s *StaticManager) GetDatabaseConnectionString() string       { return "" }
func (s *StaticManager) GetRedisConnectionString() string          { return "" }
func (s *StaticManager) IsProduction() bool                        { return s.config.Environment == "production" }
func (s *StaticManager) IsDevelopment() bool                       { return s.config.Environment == "development" }
