package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"onchain-agent/internal/optimizer"
)

type ServerConfig struct {
	ListenAddr   string              `json:"listen_addr" yaml:"listen_addr"`
	SnapshotPath string              `json:"snapshot_path" yaml:"snapshot_path"`
	Database     DatabaseConfig      `json:"database" yaml:"database"`
	Security     SecurityConfig      `json:"security" yaml:"security"`
	Keys         KeyConfig           `json:"keys" yaml:"keys"`
	Limits       RateLimitConfig     `json:"limits" yaml:"limits"`
	Optimizer    OptimizerConfig     `json:"optimizer" yaml:"optimizer"`
	Upstreams    []UpstreamConfig    `json:"upstreams" yaml:"upstreams"`
	Payments     PaymentsConfig      `json:"payments" yaml:"payments"`
	Observer     ObservabilityConfig `json:"observability" yaml:"observability"`
}

type DatabaseConfig struct {
	DSN            string `json:"dsn" yaml:"dsn"`
	MaxConns       int32  `json:"max_conns" yaml:"max_conns"`
	MigrationsPath string `json:"migrations_path" yaml:"migrations_path"`
}

type SecurityConfig struct {
	AdminToken     string   `json:"admin_token" yaml:"admin_token"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins"`
}

type KeyConfig struct {
	Prefix             string   `json:"prefix" yaml:"prefix"`
	RequestLogSize     int      `json:"request_log_size" yaml:"request_log_size"`
	DefaultPermissions []string `json:"default_permissions" yaml:"default_permissions"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
}

type OptimizerConfig struct {
	DefaultProvider string                   `json:"default_provider" yaml:"default_provider"`
	FeePercent      float64                  `json:"fee_percent" yaml:"fee_percent"`
	Catalog         []optimizer.ModelPricing `json:"catalog" yaml:"catalog"`
}

// UpstreamConfig holds the credentials for one upstream AI provider.
type UpstreamConfig struct {
	Name    string `json:"name" yaml:"name"`
	BaseURL string `json:"base_url" yaml:"base_url"`
	APIKey  string `json:"api_key" yaml:"api_key"`
}

type PaymentsConfig struct {
	ChainID           int64  `json:"chain_id" yaml:"chain_id"`
	Token             string `json:"token" yaml:"token"`
	SigningKey        string `json:"signing_key" yaml:"signing_key"`
	SettlementAddress string `json:"settlement_address" yaml:"settlement_address"`
	MaxParallel       int    `json:"max_parallel" yaml:"max_parallel"`
}

type ObservabilityConfig struct {
	OTLPEndpoint string  `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	ServiceName  string  `json:"service_name" yaml:"service_name"`
	SampleRatio  float64 `json:"sample_ratio" yaml:"sample_ratio"`
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr: ":8080",
		Database: DatabaseConfig{
			MaxConns:       10,
			MigrationsPath: "./migrations",
		},
		Keys: KeyConfig{
			Prefix:             "oa_",
			RequestLogSize:     100,
			DefaultPermissions: []string{PermOptimize, PermChat, PermWallet, PermAnalytics},
		},
		Limits: RateLimitConfig{
			RequestsPerMinute: 60,
		},
		Optimizer: OptimizerConfig{
			DefaultProvider: "openai",
			FeePercent:      20,
		},
		Payments: PaymentsConfig{
			ChainID:     8453,
			Token:       "USDC",
			MaxParallel: 2,
		},
		Observer: ObservabilityConfig{
			ServiceName: "agent-gateway",
			SampleRatio: 1,
		},
	}
}

func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse yaml config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse json config: %w", err)
		}
	default:
		var yamlErr error
		if yamlErr = yaml.Unmarshal(data, &cfg); yamlErr == nil {
			break
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.New("config format not recognized (expected yaml/json)")
		}
	}
	normalizeConfig(&cfg)
	return cfg, nil
}

func normalizeConfig(cfg *ServerConfig) {
	if cfg == nil {
		return
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.Database.MaxConns <= 0 {
		cfg.Database.MaxConns = 10
	}
	if strings.TrimSpace(cfg.Database.MigrationsPath) == "" {
		cfg.Database.MigrationsPath = "./migrations"
	}
	if strings.TrimSpace(cfg.Keys.Prefix) == "" {
		cfg.Keys.Prefix = "oa_"
	}
	if cfg.Keys.RequestLogSize <= 0 {
		cfg.Keys.RequestLogSize = 100
	}
	if len(cfg.Keys.DefaultPermissions) == 0 {
		cfg.Keys.DefaultPermissions = []string{PermOptimize, PermChat, PermWallet, PermAnalytics}
	}
	if cfg.Limits.RequestsPerMinute <= 0 {
		cfg.Limits.RequestsPerMinute = 60
	}
	if strings.TrimSpace(cfg.Optimizer.DefaultProvider) == "" {
		cfg.Optimizer.DefaultProvider = "openai"
	}
	if cfg.Optimizer.FeePercent <= 0 || cfg.Optimizer.FeePercent >= 100 {
		cfg.Optimizer.FeePercent = 20
	}
	if cfg.Payments.ChainID <= 0 {
		cfg.Payments.ChainID = 8453
	}
	if strings.TrimSpace(cfg.Payments.Token) == "" {
		cfg.Payments.Token = "USDC"
	}
	if cfg.Payments.MaxParallel < 0 {
		cfg.Payments.MaxParallel = 2
	}
	if cfg.Observer.SampleRatio <= 0 || cfg.Observer.SampleRatio > 1 {
		cfg.Observer.SampleRatio = 1
	}
	if strings.TrimSpace(cfg.Observer.ServiceName) == "" {
		cfg.Observer.ServiceName = "agent-gateway"
	}
}
