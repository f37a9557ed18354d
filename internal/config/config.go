package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	// Server
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Environment string `json:"environment"`
	APIPrefix   string `json:"api_prefix"`
	LogLevel    string `json:"log_level"`

	// CORS
	CORSOrigins []string `json:"cors_origins"`

	// Auth
	APIKeyHeader string   `json:"api_key_header"`
	APIKeys      []string `json:"api_keys"`
	EnableAuth   bool     `json:"enable_auth"`

	// Rate Limiting
	RateLimitPerMinute int `json:"rate_limit_per_minute"`

	// Conversation
	MaxHistories         int `json:"max_histories"`
	StreamReadTimeoutSec int `json:"stream_read_timeout_sec"`
	StreamKeepAliveSec   int `json:"stream_keep_alive_sec"`

	// AI / LLM
	AnthropicAPIKey  string `json:"anthropic_api_key"`
	AnthropicBaseURL string `json:"anthropic_base_url"` // override for custom proxy
	Model            string `json:"model"`

	// Query engine (BigQuery dry-run validation)
	GCPProjectID                 string   `json:"gcp_project_id"`
	GoogleApplicationCredentials string   `json:"google_application_credentials"`
	DryRunTimeoutSec             int      `json:"dry_run_timeout_sec"`
	ExtraSQLFunctions            []string `json:"extra_sql_functions"`

	// History store
	PostgresDSN string `json:"postgres_dsn"`

	// Retrieval (Elasticsearch)
	ElasticsearchEnabled     bool     `json:"elasticsearch_enabled"`
	ElasticsearchAddresses   []string `json:"elasticsearch_addresses"`
	ElasticsearchUser        string   `json:"elasticsearch_user"`
	ElasticsearchPassword    string   `json:"elasticsearch_password"`
	ElasticsearchVerifyCerts bool     `json:"elasticsearch_verify_certs"`
	ElasticsearchMaxRetries  int      `json:"elasticsearch_max_retries"`
	ViewIndex                string   `json:"view_index"`
	SQLPairIndex             string   `json:"sql_pair_index"`
	InstructionIndex         string   `json:"instruction_index"`
	ViewMinScore             float64  `json:"view_min_score"`

	// MDL
	MDLDir    string `json:"mdl_dir"`
	MaxTables int    `json:"max_tables"`
}

func Load() (*Config, error) {
	cfg := &Config{
		Host:                     DefaultHost,
		Port:                     DefaultPort,
		Environment:              DefaultEnvironment,
		APIPrefix:                DefaultAPIPrefix,
		LogLevel:                 DefaultLogLevel,
		CORSOrigins:              DefaultCORSOrigins,
		APIKeyHeader:             "X-API-Key",
		EnableAuth:               true,
		RateLimitPerMinute:       DefaultRateLimitPerMinute,
		MaxHistories:             DefaultMaxHistories,
		StreamReadTimeoutSec:     DefaultStreamReadTimeoutSec,
		StreamKeepAliveSec:       DefaultStreamKeepAliveSec,
		DryRunTimeoutSec:         DefaultDryRunTimeoutSec,
		ElasticsearchVerifyCerts: true,
		ElasticsearchMaxRetries:  DefaultElasticsearchMaxRetries,
		ViewIndex:                DefaultViewIndex,
		SQLPairIndex:             DefaultSQLPairIndex,
		InstructionIndex:         DefaultInstructionIndex,
		ViewMinScore:             DefaultViewMinScore,
		MDLDir:                   DefaultMDLDir,
		MaxTables:                DefaultMaxTables,
	}

	// Load from JSON config file if specified
	if path := getEnv("QUERYPILOT_CONFIG", ""); path != "" {
		if err := loadJSON(path, cfg); err != nil {
			return nil, err
		}
	}

	// Environment overrides
	applyEnvOverrides(cfg)

	return cfg, nil
}

func loadJSON(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, cfg)
}

func applyEnvOverrides(cfg *Config) {
	if v := getEnv("QUERYPILOT_HOST", ""); v != "" {
		cfg.Host = v
	}
	if v := getEnv("QUERYPILOT_PORT", ""); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v := getEnv("QUERYPILOT_ENV", ""); v != "" {
		cfg.Environment = v
	}
	if v := getEnv("QUERYPILOT_LOG_LEVEL", ""); v != "" {
		cfg.LogLevel = v
	}
	if v := getEnv("QUERYPILOT_API_KEYS", ""); v != "" {
		cfg.APIKeys = strings.Split(v, ",")
	}
	if v := getEnv("QUERYPILOT_ENABLE_AUTH", ""); v != "" {
		cfg.EnableAuth = v == "true" || v == "1"
	}
	if v := getEnv("QUERYPILOT_MAX_HISTORIES", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxHistories = n
		}
	}
	if v := getEnv("ANTHROPIC_API_KEY", ""); v != "" {
		cfg.AnthropicAPIKey = v
	}
	if v := getEnv("ANTHROPIC_BASE_URL", ""); v != "" {
		cfg.AnthropicBaseURL = v
	}
	if v := getEnv("QUERYPILOT_MODEL", ""); v != "" {
		cfg.Model = v
	}
	if v := getEnv("GCP_PROJECT_ID", ""); v != "" {
		cfg.GCPProjectID = v
	}
	if v := getEnv("GOOGLE_APPLICATION_CREDENTIALS", ""); v != "" {
		cfg.GoogleApplicationCredentials = v
	}
	if v := getEnv("QUERYPILOT_POSTGRES_DSN", ""); v != "" {
		cfg.PostgresDSN = v
	}
	if v := getEnv("ELASTICSEARCH_ENABLED", ""); v != "" {
		cfg.ElasticsearchEnabled = v == "true" || v == "1"
	}
	if v := getEnv("ELASTICSEARCH_ADDRESSES", ""); v != "" {
		cfg.ElasticsearchAddresses = strings.Split(v, ",")
	}
	if v := getEnv("ELASTICSEARCH_USER", ""); v != "" {
		cfg.ElasticsearchUser = v
	}
	if v := getEnv("ELASTICSEARCH_PASSWORD", ""); v != "" {
		cfg.ElasticsearchPassword = v
	}
	if v := getEnv("QUERYPILOT_MDL_DIR", ""); v != "" {
		cfg.MDLDir = v
	}
	if v := getEnv("RATE_LIMIT_PER_MINUTE", ""); v != "" {
		if r, err := strconv.Atoi(v); err == nil {
			cfg.RateLimitPerMinute = r
		}
	}
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
