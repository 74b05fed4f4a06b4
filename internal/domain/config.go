package domain

import (
	"time"
)

// Config represents the main application configuration
type Config struct {
	Environment string            `mapstructure:"environment"`
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	MatchStore  MatchStoreConfig  `mapstructure:"match_store"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Federation  FederationConfig  `mapstructure:"federation"`
	Matching    MatchingConfig    `mapstructure:"matching"`
	HPO         HPOConfig         `mapstructure:"hpo"`
	Rematch     RematchConfig     `mapstructure:"rematch"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	InboundTokens  []string      `mapstructure:"inbound_tokens"` // accepted X-Auth-Token values on /mme/match
}

// DatabaseConfig represents database connection configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// MatchStore drivers
const (
	StoreDriverPostgres = "postgres"
	StoreDriverSQLite   = "sqlite"
	StoreDriverRedis    = "redis"
	StoreDriverMemory   = "memory"
)

// MatchStoreConfig selects where match history is persisted
type MatchStoreConfig struct {
	Driver     string `mapstructure:"driver"`
	SQLitePath string `mapstructure:"sqlite_path"`
	KeyPrefix  string `mapstructure:"key_prefix"` // redis only
}

// CacheConfig represents the redis connection used by the redis match store
type CacheConfig struct {
	RedisURL    string        `mapstructure:"redis_url"`
	MaxRetries  int           `mapstructure:"max_retries"`
	PoolSize    int           `mapstructure:"pool_size"`
	PoolTimeout time.Duration `mapstructure:"pool_timeout"`
}

// FederationConfig lists the remote peers and the identity of the local pseudo-node
type FederationConfig struct {
	LocalNodeID    string        `mapstructure:"local_node_id"`
	LocalNodeLabel string        `mapstructure:"local_node_label"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	Nodes          []Node        `mapstructure:"nodes"`
}

// MatchingConfig tunes the internal matcher and the similarity scorer
type MatchingConfig struct {
	MinScore            float64 `mapstructure:"min_score"`
	CandidatePageSize   int     `mapstructure:"candidate_page_size"`
	PhenotypeWeight     float64 `mapstructure:"phenotype_weight"`
	MaxOntologyDistance int     `mapstructure:"max_ontology_distance"`
	DistanceDecay       float64 `mapstructure:"distance_decay"`
}

// HPOConfig locates the phenotype ontology
type HPOConfig struct {
	OBOPath   string `mapstructure:"obo_path"`
	GenesPath string `mapstructure:"genes_path"` // phenotype_to_genes.txt, optional
	CacheSize int    `mapstructure:"cache_size"`
}

// RematchConfig drives the scheduled resubmission of stale submissions
type RematchConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
	BatchSize  int           `mapstructure:"batch_size"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"`
	Output   string `mapstructure:"output"`
	Filename string `mapstructure:"filename"`
}
