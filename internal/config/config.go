// Package config provides the gateway and backend configuration schema.
//
// Configuration is layered: a base chimera.yaml, an optional scenario
// overlay merged on top of it, then CHIMERA_* environment variables. The
// loaded Config is validated before the process starts; a broken policy
// manifest or an inconsistent backend section refuses startup rather than
// running a partial deployment.
package config

import (
	"time"
)

// Config is the top-level configuration shared by the gateway and backend
// binaries. Each binary reads the sections it needs.
type Config struct {
	// Scenario names an overlay file under scenarios/ merged over this
	// document. Empty disables the overlay.
	Scenario string `yaml:"scenario" mapstructure:"scenario"`

	// Logging configures the process-wide slog handler.
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`

	// Gateway configures the interception gateway.
	Gateway GatewayConfig `yaml:"gateway" mapstructure:"gateway"`

	// Session configures per-session state storage.
	Session SessionConfig `yaml:"session" mapstructure:"session"`

	// Classifier configures the risk classifier.
	Classifier ClassifierConfig `yaml:"classifier" mapstructure:"classifier"`

	// Policy locates the routing policy manifest.
	Policy PolicyConfig `yaml:"policy" mapstructure:"policy"`

	// Warrant configures the credential authority.
	Warrant WarrantConfig `yaml:"warrant" mapstructure:"warrant"`

	// Ledger configures the hash-chained decision log.
	Ledger LedgerConfig `yaml:"ledger" mapstructure:"ledger"`

	// Archive configures the attack-session archive.
	Archive ArchiveConfig `yaml:"archive" mapstructure:"archive"`

	// Sanitize declares extra response scrub patterns applied after the
	// built-in set.
	Sanitize SanitizeConfig `yaml:"sanitize" mapstructure:"sanitize"`

	// Context holds process-level defaults for the call context. Envelope
	// fields supplied by the agent override these per call.
	Context ContextDefaults `yaml:"context" mapstructure:"context"`

	// Backend configures the dual execution environment.
	Backend BackendConfig `yaml:"backend" mapstructure:"backend"`

	// Observability toggles tracing and backend metering.
	Observability ObservabilityConfig `yaml:"observability" mapstructure:"observability"`
}

// LoggingConfig configures the slog handler. Logs always go to stderr;
// stdout is the JSON-RPC wire in stdio mode.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `yaml:"level" mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
}

// GatewayConfig configures the interception gateway's transports and its
// connection to the execution backend.
type GatewayConfig struct {
	// Transport selects the inbound binding: stdio or http.
	Transport string `yaml:"transport" mapstructure:"transport" validate:"omitempty,oneof=stdio http"`

	// HTTPAddr is the listen address in http mode.
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// Target is the backend subprocess command. When set, the gateway
	// spawns the backend and speaks line-delimited JSON-RPC over its
	// stdio. Mutually exclusive with BackendURL.
	Target string `yaml:"target" mapstructure:"target"`

	// TargetArgs are passed to the spawned backend command.
	TargetArgs []string `yaml:"target_args" mapstructure:"target_args"`

	// BackendURL is the HTTP endpoint of an already-running backend.
	BackendURL string `yaml:"backend_url" mapstructure:"backend_url" validate:"omitempty,url"`

	// ForwardTimeout bounds one forwarded backend call.
	ForwardTimeout time.Duration `yaml:"forward_timeout" mapstructure:"forward_timeout"`

	// FileTools maps tool names to the argument carrying a source path,
	// e.g. read_file: filename. These are the reads inspected for taint.
	FileTools map[string]string `yaml:"file_tools" mapstructure:"file_tools"`

	// APIKeys gates the HTTP listener when non-empty. Keys are stored as
	// argon2id or sha256 digests, never raw.
	APIKeys []APIKeyEntry `yaml:"api_keys" mapstructure:"api_keys" validate:"omitempty,dive"`
}

// APIKeyEntry is one accepted HTTP API key.
type APIKeyEntry struct {
	// ID names the key for logs.
	ID string `yaml:"id" mapstructure:"id" validate:"required"`
	// Hash is the stored digest in PHC argon2id or sha256 hex form.
	Hash string `yaml:"hash" mapstructure:"hash" validate:"required"`
}

// SessionConfig configures per-session state storage.
type SessionConfig struct {
	// Store selects the implementation: memory or redis.
	Store string `yaml:"store" mapstructure:"store" validate:"omitempty,oneof=memory redis"`

	// Window is the trailing window for risk accumulation.
	Window time.Duration `yaml:"window" mapstructure:"window"`

	// IdleTTL evicts sessions idle longer than this.
	IdleTTL time.Duration `yaml:"idle_ttl" mapstructure:"idle_ttl"`

	// Redis configures the redis store when selected.
	Redis RedisConfig `yaml:"redis" mapstructure:"redis"`
}

// RedisConfig locates the redis instance backing the session store.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr" validate:"omitempty,hostname_port"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db" validate:"gte=0"`
}

// ClassifierConfig configures the risk classifier.
type ClassifierConfig struct {
	// Mode selects the implementation: http (external judge), mock
	// (scenario rule table), or off (every call assesses as zero risk).
	Mode string `yaml:"mode" mapstructure:"mode" validate:"omitempty,oneof=http mock off"`

	// Endpoint is the chat-completions URL in http mode.
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint" validate:"omitempty,url"`

	// Model is the judge model name in http mode.
	Model string `yaml:"model" mapstructure:"model"`

	// APIKey authenticates to the judge endpoint.
	APIKey string `yaml:"api_key" mapstructure:"api_key"`

	// Budget bounds one classification. Over budget is treated as
	// unavailable and the deterministic phases still run.
	Budget time.Duration `yaml:"budget" mapstructure:"budget"`

	// Mock configures the rule table in mock mode.
	Mock MockClassifierConfig `yaml:"mock" mapstructure:"mock"`
}

// MockClassifierConfig is the offline classifier's ordered rule table.
// Scenario overlays declare it so runs are deterministic without a model.
type MockClassifierConfig struct {
	Rules   []MockRuleConfig      `yaml:"rules" mapstructure:"rules"`
	Default *MockAssessmentConfig `yaml:"default" mapstructure:"default"`
}

// MockRuleConfig is one pattern of the mock classifier. First match wins.
type MockRuleConfig struct {
	Tools      []string    `yaml:"tools" mapstructure:"tools"`
	Field      string      `yaml:"field" mapstructure:"field" validate:"required"`
	Operator   string      `yaml:"operator" mapstructure:"operator"`
	Value      interface{} `yaml:"value" mapstructure:"value"`
	RiskScore  *float64    `yaml:"risk_score" mapstructure:"risk_score" validate:"omitempty"`
	Confidence *float64    `yaml:"confidence" mapstructure:"confidence" validate:"omitempty"`
	Reason     string      `yaml:"reason" mapstructure:"reason"`
	Tags       []string    `yaml:"tags" mapstructure:"tags"`
}

// MockAssessmentConfig is the assessment returned when no mock rule matches.
type MockAssessmentConfig struct {
	RiskScore  float64  `yaml:"risk_score" mapstructure:"risk_score" validate:"gte=0,lte=1"`
	Confidence float64  `yaml:"confidence" mapstructure:"confidence" validate:"gte=0,lte=1"`
	Reason     string   `yaml:"reason" mapstructure:"reason"`
	Tags       []string `yaml:"tags" mapstructure:"tags"`
}

// PolicyConfig locates and tunes the routing policy.
type PolicyConfig struct {
	// Manifest is the path of the policy manifest YAML.
	Manifest string `yaml:"manifest" mapstructure:"manifest"`

	// CacheSize bounds the decision cache. Zero keeps the default.
	CacheSize int `yaml:"cache_size" mapstructure:"cache_size" validate:"gte=0"`
}

// WarrantConfig configures the credential authority.
type WarrantConfig struct {
	// KeyDir holds the two independently generated keypairs.
	KeyDir string `yaml:"key_dir" mapstructure:"key_dir"`

	// TTL is the warrant lifetime.
	TTL time.Duration `yaml:"ttl" mapstructure:"ttl"`
}

// LedgerConfig configures the hash-chained decision log.
type LedgerConfig struct {
	// Path is the append-only JSONL file. Empty disables the ledger.
	Path string `yaml:"path" mapstructure:"path"`

	// Genesis anchors the chain; empty uses the built-in constant.
	Genesis string `yaml:"genesis" mapstructure:"genesis" validate:"omitempty,len=64,hexadecimal"`

	// FlushInterval bounds how long an entry may sit in the OS buffer.
	FlushInterval time.Duration `yaml:"flush_interval" mapstructure:"flush_interval"`

	// RetryLimit is the consecutive write failures tolerated before the
	// store raises a fatal shutdown signal.
	RetryLimit int `yaml:"retry_limit" mapstructure:"retry_limit" validate:"gte=0"`
}

// ArchiveConfig configures the attack-session archive.
type ArchiveConfig struct {
	// Enabled turns archiving on.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Path is the bolt database file.
	Path string `yaml:"path" mapstructure:"path"`
}

// SanitizeConfig lists extra response scrub patterns.
type SanitizeConfig struct {
	Patterns []ScrubPattern `yaml:"patterns" mapstructure:"patterns" validate:"omitempty,dive"`
}

// ScrubPattern is one extra redaction rule.
type ScrubPattern struct {
	// Name labels the rule in logs.
	Name string `yaml:"name" mapstructure:"name" validate:"required"`
	// Expr is the regular expression whose matches are redacted.
	Expr string `yaml:"expr" mapstructure:"expr" validate:"required"`
}

// ContextDefaults are the process-level call context defaults. The agent's
// envelope fields override them per call.
type ContextDefaults struct {
	UserID   string `yaml:"user_id" mapstructure:"user_id"`
	UserRole string `yaml:"user_role" mapstructure:"user_role"`
	Source   string `yaml:"source" mapstructure:"source"`
}

// BackendConfig configures the dual execution environment.
type BackendConfig struct {
	// Transport selects the serving binding: stdio or http.
	Transport string `yaml:"transport" mapstructure:"transport" validate:"omitempty,oneof=stdio http"`

	// HTTPAddr is the listen address in http mode.
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// KeyDir holds the two public key files the plane verifiers use.
	KeyDir string `yaml:"key_dir" mapstructure:"key_dir"`

	// Production is the real data plane.
	Production PlaneConfig `yaml:"production" mapstructure:"production"`

	// Shadow is the synthetic data plane.
	Shadow PlaneConfig `yaml:"shadow" mapstructure:"shadow"`

	// SensitivePaths are regexes; read_file calls matching one are served
	// from the plane database instead of the plane filesystem.
	SensitivePaths []string `yaml:"sensitive_paths" mapstructure:"sensitive_paths"`

	// JitterMin and JitterMax bound the uniform delay added to shadow
	// responses so latency cannot distinguish planes.
	JitterMin time.Duration `yaml:"jitter_min" mapstructure:"jitter_min"`
	JitterMax time.Duration `yaml:"jitter_max" mapstructure:"jitter_max"`

	// Seed holds the scenario's initial plane contents for chimera seed.
	Seed SeedConfig `yaml:"seed" mapstructure:"seed"`
}

// PlaneConfig locates one data plane's stores.
type PlaneConfig struct {
	// DBPath is the plane's sqlite file.
	DBPath string `yaml:"db_path" mapstructure:"db_path"`

	// FSRoot is the plane's filesystem root for non-sensitive reads.
	FSRoot string `yaml:"fs_root" mapstructure:"fs_root"`
}

// SeedConfig is the initial content written by chimera seed.
type SeedConfig struct {
	Production PlaneSeed `yaml:"production" mapstructure:"production"`
	Shadow     PlaneSeed `yaml:"shadow" mapstructure:"shadow"`
}

// PlaneSeed is one plane's seed rows.
type PlaneSeed struct {
	Patients []PatientSeed `yaml:"patients" mapstructure:"patients" validate:"omitempty,dive"`
	Files    []FileSeed    `yaml:"files" mapstructure:"files" validate:"omitempty,dive"`
}

// PatientSeed is one seeded patient record.
type PatientSeed struct {
	ID        int64  `yaml:"id" mapstructure:"id" validate:"required"`
	Name      string `yaml:"name" mapstructure:"name" validate:"required"`
	Diagnosis string `yaml:"diagnosis" mapstructure:"diagnosis"`
	SSN       string `yaml:"ssn" mapstructure:"ssn"`
}

// FileSeed is one seeded confidential file.
type FileSeed struct {
	Path    string `yaml:"path" mapstructure:"path" validate:"required"`
	Content string `yaml:"content" mapstructure:"content"`
}

// ObservabilityConfig toggles the optional otel surfaces.
type ObservabilityConfig struct {
	// Tracing emits spans for the interception pipeline to stderr.
	Tracing bool `yaml:"tracing" mapstructure:"tracing"`

	// Metrics emits periodic backend meter readings to stderr.
	Metrics bool `yaml:"metrics" mapstructure:"metrics"`
}

// Defaults applied by SetDefaults.
const (
	DefaultHTTPAddr         = "127.0.0.1:8811"
	DefaultBackendHTTPAddr  = "127.0.0.1:8812"
	DefaultForwardTimeout   = 30 * time.Second
	DefaultClassifierBudget = 2 * time.Second
	DefaultSessionWindow    = 60 * time.Minute
	DefaultSessionIdleTTL   = 24 * time.Hour
	DefaultWarrantTTL       = time.Hour
	DefaultFlushInterval    = 100 * time.Millisecond
	DefaultRetryLimit       = 10
	DefaultJitterMin        = 20 * time.Millisecond
	DefaultJitterMax        = 50 * time.Millisecond
)

// SetDefaults fills unset optional fields. Called after unmarshalling and
// before validation.
func (c *Config) SetDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	if c.Gateway.Transport == "" {
		c.Gateway.Transport = "stdio"
	}
	if c.Gateway.HTTPAddr == "" {
		c.Gateway.HTTPAddr = DefaultHTTPAddr
	}
	if c.Gateway.ForwardTimeout == 0 {
		c.Gateway.ForwardTimeout = DefaultForwardTimeout
	}
	if c.Gateway.FileTools == nil {
		c.Gateway.FileTools = map[string]string{"read_file": "filename"}
	}

	if c.Session.Store == "" {
		c.Session.Store = "memory"
	}
	if c.Session.Window == 0 {
		c.Session.Window = DefaultSessionWindow
	}
	if c.Session.IdleTTL == 0 {
		c.Session.IdleTTL = DefaultSessionIdleTTL
	}
	if c.Session.Redis.Addr == "" {
		c.Session.Redis.Addr = "127.0.0.1:6379"
	}

	if c.Classifier.Mode == "" {
		c.Classifier.Mode = "mock"
	}
	if c.Classifier.Budget == 0 {
		c.Classifier.Budget = DefaultClassifierBudget
	}

	if c.Warrant.KeyDir == "" {
		c.Warrant.KeyDir = "keys"
	}
	if c.Warrant.TTL == 0 {
		c.Warrant.TTL = DefaultWarrantTTL
	}

	if c.Ledger.FlushInterval == 0 {
		c.Ledger.FlushInterval = DefaultFlushInterval
	}
	if c.Ledger.RetryLimit == 0 {
		c.Ledger.RetryLimit = DefaultRetryLimit
	}

	if c.Backend.Transport == "" {
		c.Backend.Transport = "stdio"
	}
	if c.Backend.HTTPAddr == "" {
		c.Backend.HTTPAddr = DefaultBackendHTTPAddr
	}
	if c.Backend.KeyDir == "" {
		c.Backend.KeyDir = c.Warrant.KeyDir
	}
	if c.Backend.JitterMin == 0 {
		c.Backend.JitterMin = DefaultJitterMin
	}
	if c.Backend.JitterMax == 0 {
		c.Backend.JitterMax = DefaultJitterMax
	}
}
