package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mme-matchmaker/internal/domain"
)

var liteEnvVars = []string{
	"MME_DATA_DIR",
	"MME_HTTP_PORT",
	"MME_INBOUND_TOKENS",
	"MME_HPO_OBO",
	"MME_HPO_GENES",
	"MME_SEED_FILE",
	"MME_NODE_ID",
	"MME_NODE_LABEL",
	"MME_REMATCH_INTERVAL",
	"MME_LOG_LEVEL",
	"MME_LOG_FORMAT",
}

func clearLiteEnv(t *testing.T) {
	t.Helper()
	for _, v := range liteEnvVars {
		t.Setenv(v, "")
	}
}

func TestDefaultLiteConfig(t *testing.T) {
	cfg := DefaultLiteConfig()

	assert.NotEmpty(t, cfg.DataDir)
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, "local", cfg.NodeID)
	assert.Zero(t, cfg.RematchInterval)
	assert.Empty(t, cfg.InboundTokens)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoadLiteConfig_Defaults(t *testing.T) {
	clearLiteEnv(t)

	cfg := LoadLiteConfig()

	assert.Equal(t, DefaultLiteConfig(), cfg)
}

func TestLoadLiteConfig_EnvironmentOverrides(t *testing.T) {
	clearLiteEnv(t)
	t.Setenv("MME_DATA_DIR", "/tmp/mme-test")
	t.Setenv("MME_HTTP_PORT", "9090")
	t.Setenv("MME_INBOUND_TOKENS", "alpha, beta,,")
	t.Setenv("MME_HPO_OBO", "/data/hp.obo")
	t.Setenv("MME_HPO_GENES", "/data/phenotype_to_genes.txt")
	t.Setenv("MME_SEED_FILE", "/data/seed.json")
	t.Setenv("MME_NODE_ID", "clinic")
	t.Setenv("MME_NODE_LABEL", "Clinic")
	t.Setenv("MME_REMATCH_INTERVAL", "15m")
	t.Setenv("MME_LOG_LEVEL", "debug")
	t.Setenv("MME_LOG_FORMAT", "text")

	cfg := LoadLiteConfig()

	assert.Equal(t, "/tmp/mme-test", cfg.DataDir)
	assert.Equal(t, 9090, cfg.HTTPPort)
	assert.Equal(t, []string{"alpha", "beta"}, cfg.InboundTokens)
	assert.Equal(t, "/data/hp.obo", cfg.OBOPath)
	assert.Equal(t, "/data/phenotype_to_genes.txt", cfg.GenesPath)
	assert.Equal(t, "/data/seed.json", cfg.SeedFile)
	assert.Equal(t, "clinic", cfg.NodeID)
	assert.Equal(t, "Clinic", cfg.NodeLabel)
	assert.Equal(t, 15*time.Minute, cfg.RematchInterval)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
}

func TestLoadLiteConfig_InvalidValuesFallBack(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
		check func(t *testing.T, cfg *LiteConfig)
	}{
		{"port not a number", "MME_HTTP_PORT", "http", func(t *testing.T, cfg *LiteConfig) {
			assert.Equal(t, 8080, cfg.HTTPPort)
		}},
		{"negative port", "MME_HTTP_PORT", "-1", func(t *testing.T, cfg *LiteConfig) {
			assert.Equal(t, 8080, cfg.HTTPPort)
		}},
		{"bad interval", "MME_REMATCH_INTERVAL", "hourly", func(t *testing.T, cfg *LiteConfig) {
			assert.Zero(t, cfg.RematchInterval)
		}},
		{"negative interval", "MME_REMATCH_INTERVAL", "-5m", func(t *testing.T, cfg *LiteConfig) {
			assert.Zero(t, cfg.RematchInterval)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearLiteEnv(t)
			t.Setenv(tt.key, tt.value)
			tt.check(t, LoadLiteConfig())
		})
	}
}

func TestLiteConfig_Paths(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	cfg := &LiteConfig{DataDir: dir}

	assert.Equal(t, filepath.Join(dir, "matches.db"), cfg.MatchStorePath())
	require.NoError(t, cfg.EnsureDataDir())
	assert.DirExists(t, dir)
	require.NoError(t, cfg.EnsureDataDir(), "existing directory is fine")
}

func TestLiteConfig_Domain(t *testing.T) {
	lite := DefaultLiteConfig()
	lite.DataDir = t.TempDir()
	lite.InboundTokens = []string{"secret"}

	t.Run("valid without rematch", func(t *testing.T) {
		cfg := lite.Domain()
		manager := NewStaticManager(cfg)
		require.NoError(t, manager.Validate())

		assert.Equal(t, domain.StoreDriverSQLite, cfg.MatchStore.Driver)
		assert.Equal(t, lite.MatchStorePath(), cfg.MatchStore.SQLitePath)
		assert.Equal(t, []string{"secret"}, manager.GetServerConfig().InboundTokens)
		assert.Equal(t, "local", cfg.Federation.LocalNodeID)
		assert.Empty(t, cfg.Federation.Nodes)
		assert.False(t, cfg.Rematch.Enabled)
		assert.False(t, manager.IsProduction())
		assert.NoError(t, manager.Reload())
	})

	t.Run("rematch enabled by interval", func(t *testing.T) {
		withInterval := *lite
		withInterval.RematchInterval = time.Hour
		cfg := withInterval.Domain()
		require.NoError(t, NewStaticManager(cfg).Validate())
		assert.True(t, cfg.Rematch.Enabled)
		assert.Equal(t, time.Hour, cfg.Rematch.Interval)
	})

	t.Run("invalid port rejected", func(t *testing.T) {
		bad := *lite
		bad.HTTPPort = 70000
		assert.Error(t, NewStaticManager(bad.Domain()).Validate())
	})
}
