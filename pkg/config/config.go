// Package config provides the indexer's environment-driven configuration
// loader. Grounded on the teacher's pkg/config/config.go (viper +
// mapstructure-tagged struct, AppConfig package global, a Load/LoadFromEnv
// pair) and pkg/utils/env.go (os.LookupEnv accessors with fallbacks), but env-only:
// the distillation this repo implements treats CLI flag parsing and file-
// based config as external-collaborator territory, so there is no YAML
// layer here, only godotenv + explicit viper env bindings.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/ergo-indexer/indexer/pkg/utils"
)

// Config is the unified runtime configuration for the indexer, spec.md §6.
type Config struct {
	ErgoNodes       []string      `mapstructure:"ergo_nodes"`
	NodeAPIKey      string        `mapstructure:"node_api_key"`
	DatabasePath    string        `mapstructure:"database_path"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Network         string        `mapstructure:"network"` // "mainnet" or "testnet"
	SyncBatchSize   int           `mapstructure:"sync_batch_size"`
	SyncInterval    time.Duration `mapstructure:"sync_interval"`
	MempoolInterval time.Duration `mapstructure:"mempool_interval"`
	LogLevel        string        `mapstructure:"log_level"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

const (
	defaultDatabasePath    = "indexer.db"
	defaultHost            = "0.0.0.0"
	defaultPort            = 8080
	defaultNetwork         = "mainnet"
	defaultSyncBatchSize   = 100
	defaultSyncIntervalSec = 10
	defaultMempoolIntervalSec = 10
	defaultLogLevel        = "info"
)

// AddressPrefixes maps a configured network name to the Ergo P2PK address
// prefix recognized by universal search, spec.md §4.5 / §12. Ergo mainnet
// addresses begin with digits in the 9-series; testnet with 3-series,
// mirroring the upstream node's own address encoding.
var AddressPrefixes = map[string]string{
	"mainnet": "9",
	"testnet": "3",
}

// envBindings maps each viper key to the literal environment variable
// name spec.md §6 names (ERGO_NODES, NODE_API_KEY, DATABASE_PATH, PORT,
// HOST, NETWORK, SYNC_BATCH_SIZE, SYNC_INTERVAL) rather than relying on
// viper's automatic SYNN_-style prefixing, which the teacher's own config
// uses but which does not match this domain's variable names.
var envBindings = map[string]string{
	"ergo_nodes":       "ERGO_NODES",
	"node_api_key":     "NODE_API_KEY",
	"database_path":    "DATABASE_PATH",
	"host":             "HOST",
	"port":             "PORT",
	"network":          "NETWORK",
	"sync_batch_size":  "SYNC_BATCH_SIZE",
	"sync_interval":    "SYNC_INTERVAL",
	"mempool_interval": "MEMPOOL_INTERVAL",
	"log_level":        "LOG_LEVEL",
}

// Load reads .env (if present) then environment variables into Config,
// applying defaults for anything unset. env is accepted for symmetry with
// the teacher's Load(env) signature but is currently unused: there is no
// per-environment file layer here, only the flat env vars above.
func Load(env string) (*Config, error) {
	_ = godotenv.Load() // optional .env for local development; ignored if absent

	v := viper.New()
	for key, envVar := range envBindings {
		if err := v.BindEnv(key, envVar); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", envVar, err)
		}
	}
	v.SetDefault("database_path", defaultDatabasePath)
	v.SetDefault("host", defaultHost)
	v.SetDefault("port", defaultPort)
	v.SetDefault("network", defaultNetwork)
	v.SetDefault("sync_batch_size", defaultSyncBatchSize)
	v.SetDefault("sync_interval", defaultSyncIntervalSec)
	v.SetDefault("mempool_interval", defaultMempoolIntervalSec)
	v.SetDefault("log_level", defaultLogLevel)

	cfg := Config{
		ErgoNodes:       splitCSV(v.GetString("ergo_nodes")),
		NodeAPIKey:      v.GetString("node_api_key"),
		DatabasePath:    v.GetString("database_path"),
		Host:            v.GetString("host"),
		Port:            v.GetInt("port"),
		Network:         v.GetString("network"),
		SyncBatchSize:   v.GetInt("sync_batch_size"),
		SyncInterval:    time.Duration(v.GetInt("sync_interval")) * time.Second,
		MempoolInterval: time.Duration(v.GetInt("mempool_interval")) * time.Second,
		LogLevel:        v.GetString("log_level"),
	}

	if len(cfg.ErgoNodes) == 0 {
		return nil, fmt.Errorf("config: ERGO_NODES must name at least one upstream node")
	}
	if _, ok := AddressPrefixes[cfg.Network]; !ok {
		return nil, fmt.Errorf("config: unknown network %q", cfg.Network)
	}

	AppConfig = cfg
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the ERGO_INDEXER_ENV environment
// variable, mirroring the teacher's LoadFromEnv/SYNN_ENV pairing.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("ERGO_INDEXER_ENV", ""))
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
