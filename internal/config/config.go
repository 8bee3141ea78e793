// Package config loads gateway settings from YAML with environment overrides.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used when GATEWAY_CONFIG is not set.
var DefaultPath = filepath.Join("config", "gateway.yaml")

// MessageDataType selects the downstream wire encoding.
type MessageDataType string

const (
	MessageJSON    MessageDataType = "json"
	MessageMsgpack MessageDataType = "msgpack"
)

// Config holds every gateway setting.
type Config struct {
	SystemCode             string            `yaml:"system_code" env:"GATEWAY_SYSTEM_CODE"`
	HostName               string            `yaml:"host_name" env:"GATEWAY_HOST_NAME"`
	RunningEnvironment     string            `yaml:"running_environment" env:"GATEWAY_RUNNING_ENVIRONMENT"`
	AvailableEnvironments  []string          `yaml:"available_environments" env:"GATEWAY_AVAILABLE_ENVIRONMENTS"`
	ProtocolVersions       []string          `yaml:"protocol_versions" env:"GATEWAY_PROTOCOL_VERSIONS"`
	ContractBasePath       string            `yaml:"contract_base_path" env:"GATEWAY_CONTRACT_BASE_PATH"`
	PublicTransactionsFile string            `yaml:"public_transactions_file" env:"GATEWAY_PUBLIC_TRANSACTIONS_FILE"`
	MessageDataType        MessageDataType   `yaml:"message_data_type" env:"GATEWAY_MESSAGE_DATA_TYPE"`
	RouteURLs              map[string]string `yaml:"route_urls"`
	QueryIDHashing         bool              `yaml:"query_id_hashing" env:"GATEWAY_QUERY_ID_HASHING"`
	TransactionLogging     bool              `yaml:"transaction_logging" env:"GATEWAY_TRANSACTION_LOGGING"`
	TransactionLogFile     string            `yaml:"transaction_log_file" env:"GATEWAY_TRANSACTION_LOG_FILE"`
	UseAPIAuthorize        bool              `yaml:"use_api_authorize" env:"GATEWAY_USE_API_AUTHORIZE"`
	ExceptionDetailText    bool              `yaml:"exception_detail_text" env:"GATEWAY_EXCEPTION_DETAIL_TEXT"`
	AuthorizationKey       string            `yaml:"authorization_key" env:"GATEWAY_AUTHORIZATION_KEY"`

	CodeCache  CodeCacheConfig  `yaml:"code_cache"`
	Downstream DownstreamConfig `yaml:"downstream"`
	HTTP       HTTPConfig       `yaml:"http"`
	Log        LogConfig        `yaml:"log"`
}

// CodeCacheConfig controls the response cache for code lookup transactions.
type CodeCacheConfig struct {
	Enabled         bool          `yaml:"enabled" env:"GATEWAY_CODE_CACHE_ENABLED"`
	TransactionCode string        `yaml:"transaction_code" env:"GATEWAY_CODE_CACHE_TRANSACTION"`
	ExcludedScreen  string        `yaml:"excluded_screen" env:"GATEWAY_CODE_CACHE_EXCLUDED_SCREEN"`
	TTL             time.Duration `yaml:"ttl" env:"GATEWAY_CODE_CACHE_TTL"`
	SweepSchedule   string        `yaml:"sweep_schedule" env:"GATEWAY_CODE_CACHE_SWEEP"`
}

// DownstreamConfig controls calls to backend execution services.
type DownstreamConfig struct {
	Timeout time.Duration `yaml:"timeout" env:"GATEWAY_DOWNSTREAM_TIMEOUT"`
}

// HTTPConfig controls the inbound listener.
type HTTPConfig struct {
	Addr           string        `yaml:"addr" env:"GATEWAY_HTTP_ADDR"`
	AllowedOrigins []string      `yaml:"allowed_origins" env:"GATEWAY_ALLOWED_ORIGINS"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	RateLimit      RateLimit     `yaml:"rate_limit"`
}

// RateLimit configures per client request throttling. RPS 0 disables it.
type RateLimit struct {
	RPS   int `yaml:"rps" env:"GATEWAY_RATE_LIMIT_RPS"`
	Burst int `yaml:"burst" env:"GATEWAY_RATE_LIMIT_BURST"`
}

// LogConfig selects logger level and format.
type LogConfig struct {
	Level  string `yaml:"level" env:"GATEWAY_LOG_LEVEL"`
	Format string `yaml:"format" env:"GATEWAY_LOG_FORMAT"`
}

// Default returns a configuration usable for local development.
func Default() *Config {
	return &Config{
		SystemCode:             "QAF",
		HostName:               defaultHostName(),
		RunningEnvironment:     "D",
		AvailableEnvironments:  []string{"P", "D", "S"},
		ProtocolVersions:       []string{"001"},
		ContractBasePath:       "contracts",
		PublicTransactionsFile: "publicTransactions.json",
		MessageDataType:        MessageJSON,
		RouteURLs:              map[string]string{},
		CodeCache: CodeCacheConfig{
			TransactionCode: "SMP110",
			ExcludedScreen:  "index",
			TTL:             20 * time.Minute,
			SweepSchedule:   "@every 1m",
		},
		Downstream: DownstreamConfig{Timeout: 30 * time.Second},
		HTTP: HTTPConfig{
			Addr:         ":7002",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads the file named by GATEWAY_CONFIG, or DefaultPath.
func Load() (*Config, error) {
	path := os.Getenv("GATEWAY_CONFIG")
	if path == "" {
		path = DefaultPath
	}
	return LoadFromPath(path)
}

// LoadFromPath reads YAML from path over the defaults, then applies
// environment overrides. A missing file is not an error.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse gateway config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read gateway config: %w", err)
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays GATEWAY_* environment variables.
func (c *Config) ApplyEnv() error {
	if err := envdecode.Decode(c); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("failed to decode environment: %w", err)
	}
	return nil
}

// Validate checks required fields and normalizes defaults.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.SystemCode) == "" {
		return fmt.Errorf("system_code is required")
	}
	if len(c.AvailableEnvironments) == 0 {
		return fmt.Errorf("available_environments must not be empty")
	}
	if len(c.ProtocolVersions) == 0 {
		return fmt.Errorf("protocol_versions must not be empty")
	}
	switch c.MessageDataType {
	case MessageJSON, MessageMsgpack:
	case "":
		c.MessageDataType = MessageJSON
	default:
		return fmt.Errorf("message_data_type %q must be json or msgpack", c.MessageDataType)
	}
	if c.CodeCache.Enabled && c.CodeCache.TTL <= 0 {
		return fmt.Errorf("code_cache.ttl must be positive")
	}
	if c.Downstream.Timeout <= 0 {
		c.Downstream.Timeout = 30 * time.Second
	}
	if c.RouteURLs == nil {
		c.RouteURLs = map[string]string{}
	}
	if c.AuthorizationKey == "" {
		c.AuthorizationKey = c.SystemCode + c.RunningEnvironment + c.HostName
	}
	return nil
}

// EnvironmentAllowed reports whether env is in the whitelist.
func (c *Config) EnvironmentAllowed(env string) bool {
	return contains(c.AvailableEnvironments, env)
}

// VersionSupported reports whether version is an accepted protocol version.
func (c *Config) VersionSupported(version string) bool {
	return contains(c.ProtocolVersions, version)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if strings.TrimSpace(item) == v {
			return true
		}
	}
	return false
}

func defaultHostName() string {
	buf := make([]byte, 3)
	if _, err := rand.Read(buf); err != nil {
		return "GW-000000"
	}
	return "GW-" + strings.ToUpper(hex.EncodeToString(buf))
}
