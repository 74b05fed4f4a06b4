package config

import (
	"fmt"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/mme-matchmaker/internal/domain"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Manager implements the ConfigManager interface using Viper
type Manager struct {
	v      *viper.Viper
	mu     sync.RWMutex
	config *domain.Config
	log    logrus.FieldLogger
}

// NewManager creates a new configuration manager
func NewManager() (*Manager, error) {
	return NewManagerFromFile("")
}

// NewManagerFromFile creates a configuration manager reading an explicit file.
// An empty path searches the default locations.
func NewManagerFromFile(path string) (*Manager, error) {
	m := &Manager{v: viper.New(), log: logrus.StandardLogger()}
	m.setup(path)
	if err := m.loadConfig(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return m, nil
}

func (m *Manager) setup(path string) {
	if path != "" {
		m.v.SetConfigFile(path)
	} else {
		m.v.SetConfigName("config")
		m.v.SetConfigType("yaml")
		m.v.AddConfigPath(".")
		m.v.AddConfigPath("./config")
		m.v.AddConfigPath("/etc/mme-matchmaker/")
	}

	m.v.SetEnvPrefix("MME")
	m.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	m.v.AutomaticEnv()

	m.setDefaults()
}

// loadConfig loads configuration from various sources
func (m *Manager) loadConfig() error {
	// Read configuration file (optional - will use defaults and env vars if not found)
	if err := m.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg, err := m.decode()
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

func (m *Manager) decode() (*domain.Config, error) {
	cfg := &domain.Config{}
	if err := m.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	applyNodeDefaults(cfg)
	return cfg, nil
}

// applyNodeDefaults fills per-node settings that fall back to federation-wide values
func applyNodeDefaults(cfg *domain.Config) {
	for i := range cfg.Federation.Nodes {
		n := &cfg.Federation.Nodes[i]
		if n.Timeout == 0 {
			n.Timeout = cfg.Federation.DefaultTimeout
		}
		if n.ScoreScale == "" {
			n.ScoreScale = domain.ScoreScaleUnit
		}
		if n.ContentType == "" {
			n.ContentType = "application/vnd.ga4gh.matchmaker.v1.0+json"
		}
	}
}

// setDefaults sets default configuration values
func (m *Manager) setDefaults() {
	v := m.v

	v.SetDefault("environment", "development")

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.request_timeout", "45s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "mme_matchmaker")
	v.SetDefault("database.username", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("database.migrations_path", "migrations")

	// Match store defaults
	v.SetDefault("match_store.driver", domain.StoreDriverPostgres)
	v.SetDefault("match_store.sqlite_path", "data/matches.db")
	v.SetDefault("match_store.key_prefix", "mme")

	// Cache defaults
	v.SetDefault("cache.redis_url", "redis://localhost:6379")
	v.SetDefault("cache.max_retries", 3)
	v.SetDefault("cache.pool_size", 10)
	v.SetDefault("cache.pool_timeout", "4s")

	// Federation defaults
	v.SetDefault("federation.local_node_id", "local")
	v.SetDefault("federation.local_node_label", "Local patients")
	v.SetDefault("federation.default_timeout", "20s")

	// Matching defaults
	v.SetDefault("matching.min_score", 0.1)
	v.SetDefault("matching.candidate_page_size", 500)
	v.SetDefault("matching.phenotype_weight", 0.7)
	v.SetDefault("matching.max_ontology_distance", 3)
	v.SetDefault("matching.distance_decay", 0.5)

	// HPO defaults
	v.SetDefault("hpo.obo_path", "")
	v.SetDefault("hpo.genes_path", "")
	v.SetDefault("hpo.cache_size", 4096)

	// Rematch defaults
	v.SetDefault("rematch.enabled", false)
	v.SetDefault("rematch.interval", "24h")
	v.SetDefault("rematch.stale_after", "168h")
	v.SetDefault("rematch.batch_size", 50)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
}

// GetConfig returns the complete configuration
func (m *Manager) GetConfig() *domain.Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// GetDatabaseConfig returns database configuration
func (m *Manager) GetDatabaseConfig() *domain.DatabaseConfig {
	return &m.GetConfig().Database
}

// GetServerConfig returns server configuration
func (m *Manager) GetServerConfig() *domain.ServerConfig {
	return &m.GetConfig().Server
}

// Reload reloads the configuration
func (m *Manager) Reload() error {
	return m.loadConfig()
}

// SetLogger replaces the logger used to report rejected reloads
func (m *Manager) SetLogger(log logrus.FieldLogger) {
	if log != nil {
		m.log = log
	}
}

// Watch re-reads the config file whenever it changes and hands the new,
// validated configuration to onChange. Invalid edits are logged and the
// previous configuration stays in effect.
func (m *Manager) Watch(onChange func(*domain.Config)) {
	m.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		m.applyChange(e.Name, onChange)
	})
	m.v.WatchConfig()
}

func (m *Manager) applyChange(file string, onChange func(*domain.Config)) bool {
	cfg, err := m.decode()
	if err != nil {
		m.log.WithError(err).WithField("file", file).Error("Rejected configuration reload: decode failed")
		return false
	}
	if err := validate(cfg); err != nil {
		m.log.WithError(err).WithField("file", file).Error("Rejected configuration reload: invalid configuration")
		return false
	}
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	m.log.WithField("file", file).Info("Configuration reloaded")
	if onChange != nil {
		onChange(cfg)
	}
	return true
}

// Validate validates the configuration
func (m *Manager) Validate() error {
	return validate(m.GetConfig())
}

func validate(config *domain.Config) error {
	// Validate server configuration
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	// Validate match store configuration
	switch config.MatchStore.Driver {
	case domain.StoreDriverPostgres:
		if config.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if config.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
		if config.Database.Username == "" {
			return fmt.Errorf("database username is required")
		}
	case domain.StoreDriverSQLite:
		if config.MatchStore.SQLitePath == "" {
			return fmt.Errorf("sqlite path is required for the sqlite match store")
		}
	case domain.StoreDriverRedis:
		if config.Cache.RedisURL == "" {
			return fmt.Errorf("Redis URL is required for the redis match store")
		}
	case domain.StoreDriverMemory:
	default:
		return fmt.Errorf("unknown match store driver: %q", config.MatchStore.Driver)
	}

	// Validate federation configuration
	if config.Federation.LocalNodeID == "" {
		return fmt.Errorf("federation local node id is required")
	}
	if config.Federation.DefaultTimeout <= 0 {
		return fmt.Errorf("federation default timeout must be positive")
	}
	seen := map[string]bool{config.Federation.LocalNodeID: true}
	for _, n := range config.Federation.Nodes {
		if n.ID == "" {
			return fmt.Errorf("federation node id is required")
		}
		if seen[n.ID] {
			return fmt.Errorf("duplicate federation node id: %s", n.ID)
		}
		seen[n.ID] = true
		if n.Endpoint == "" {
			return fmt.Errorf("federation node %s: endpoint is required", n.ID)
		}
		if n.Timeout <= 0 {
			return fmt.Errorf("federation node %s: timeout must be positive", n.ID)
		}
		if !n.ScoreScale.IsValid() {
			return fmt.Errorf("federation node %s: invalid score scale %q", n.ID, n.ScoreScale)
		}
		if n.ScoreScale == domain.ScoreScaleMax && n.MaxScore <= 0 {
			return fmt.Errorf("federation node %s: max_score must be positive for the max scale", n.ID)
		}
		if n.RateLimit < 0 {
			return fmt.Errorf("federation node %s: rate limit must not be negative", n.ID)
		}
	}

	// Validate matching configuration
	if config.Matching.MinScore < 0 || config.Matching.MinScore > 1 {
		return fmt.Errorf("matching min score must be in [0,1]: %v", config.Matching.MinScore)
	}
	if config.Matching.PhenotypeWeight < 0 || config.Matching.PhenotypeWeight > 1 {
		return fmt.Errorf("matching phenotype weight must be in [0,1]: %v", config.Matching.PhenotypeWeight)
	}
	if config.Matching.DistanceDecay <= 0 || config.Matching.DistanceDecay >= 1 {
		return fmt.Errorf("matching distance decay must be in (0,1): %v", config.Matching.DistanceDecay)
	}
	if config.Matching.MaxOntologyDistance < 0 {
		return fmt.Errorf("matching max ontology distance must not be negative")
	}

	if config.Rematch.Enabled && config.Rematch.Interval <= 0 {
		return fmt.Errorf("rematch interval must be positive")
	}

	// Validate logging configuration
	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[strings.ToLower(config.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", config.Logging.Level)
	}

	return nil
}

// GetDatabaseConnectionString returns a formatted database connection string
func (m *Manager) GetDatabaseConnectionString() string {
	db := m.GetConfig().Database
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		db.Host, db.Port, db.Username, db.Password, db.Database, db.SSLMode)
}

// GetRedisConnectionString returns the Redis connection string
func (m *Manager) GetRedisConnectionString() string {
	return m.GetConfig().Cache.RedisURL
}

// IsProduction returns true if running in production mode
func (m *Manager) IsProduction() bool {
	return strings.ToLower(m.GetConfig().Environment) == "production"
}

// IsDevelopment returns true if running in development mode
func (m *Manager) IsDevelopment() bool {
	env := strings.ToLower(m.GetConfig().Environment)
	return env == "development" || env == "dev" || env == ""
}
