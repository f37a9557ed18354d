package config

// Server defaults.
const (
	DefaultHost        = "0.0.0.0"
	DefaultPort        = 8080
	DefaultEnvironment = "development"
	DefaultAPIPrefix   = "/api/v1"
	DefaultLogLevel    = "info"
)

// DefaultCORSOrigins allows all origins; tighten in production via config.
var DefaultCORSOrigins = []string{"*"}

// Rate limiting defaults.
const DefaultRateLimitPerMinute = 60

// Conversation defaults.
const (
	DefaultMaxHistories         = 10
	DefaultStreamReadTimeoutSec = 15
	DefaultStreamKeepAliveSec   = 10
)

// Query engine defaults.
const DefaultDryRunTimeoutSec = 30

// Retrieval defaults.
const (
	DefaultElasticsearchMaxRetries = 3
	DefaultViewIndex               = "querypilot-views"
	DefaultSQLPairIndex            = "querypilot-sql-pairs"
	DefaultInstructionIndex        = "querypilot-instructions"
	DefaultViewMinScore            = 10.0
)

// MDL defaults.
const (
	DefaultMDLDir    = "./mdl"
	DefaultMaxTables = 20
)
