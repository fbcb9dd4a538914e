// Package config loads the orchestrator's single Config value at startup.
// Primitive scalars and durations come from the environment via
// github.com/joeshaw/envdecode (optionally seeded from a .env file with
// github.com/joho/godotenv); the data-provider, LLM-endpoint and
// fulfiller-registry-fallback lists are too nested for flat env vars and are
// loaded from a YAML file instead. Nothing outside this package reads
// os.Getenv — components take *Config explicitly (§9 "Replacing global
// singletons").
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the orchestrator's single top-level configuration value.
type Config struct {
	Env       string `env:"AIDCHAIN_ENV,default=development"`
	LogLevel  string `env:"AIDCHAIN_LOG_LEVEL,default=info"`
	LogPretty bool   `env:"AIDCHAIN_LOG_PRETTY,default=true"`

	HTTPAddr string `env:"AIDCHAIN_HTTP_ADDR,default=:8080"`

	// Ledger / C1.
	LedgerRPCURL      string        `env:"LEDGER_RPC_URL,required"`
	LedgerNetworkID   uint32        `env:"LEDGER_NETWORK_ID,default=894710606"`
	LedgerOracleWIF   string        `env:"LEDGER_ORACLE_KEY_WIF"`
	GatewayHash       string        `env:"LEDGER_GATEWAY_HASH"`
	RegistryHash      string        `env:"LEDGER_REGISTRY_HASH"`
	EscrowHash        string        `env:"LEDGER_ESCROW_HASH"`
	LedgerRPCTimeout  time.Duration `env:"LEDGER_RPC_TIMEOUT,default=20s"`
	LedgerPollInterval time.Duration `env:"LEDGER_POLL_INTERVAL,default=10s"`
	LedgerRetryAttempts int         `env:"LEDGER_RETRY_ATTEMPTS,default=3"`
	LedgerRetryBaseDelay time.Duration `env:"LEDGER_RETRY_BASE_DELAY,default=500ms"`
	LedgerRetryMaxDelay  time.Duration `env:"LEDGER_RETRY_MAX_DELAY,default=8s"`

	CursorDatabaseURL string `env:"CURSOR_DATABASE_URL"`
	MigrationsPath    string `env:"CURSOR_MIGRATIONS_PATH,default=file://internal/ledger/migrations"`

	// GNSS / C2.
	GnssAuthenticatorURL string        `env:"GNSS_AUTHENTICATOR_URL"`
	GnssTimeout          time.Duration `env:"GNSS_TIMEOUT,default=15s"`
	GnssMinSatellites    int           `env:"GNSS_MIN_SATELLITES,default=4"`
	GnssCNRStdDevDB      float64       `env:"GNSS_CNR_STDDEV_THRESHOLD_DB,default=0.5"`
	GnssElevationDeltaDB float64       `env:"GNSS_ELEVATION_DELTA_THRESHOLD_DB,default=5"`
	GnssPositionToleranceM float64     `env:"GNSS_POSITION_TOLERANCE_M,default=50"`

	// Event attestation / C3.
	EventProviderTimeout time.Duration `env:"EVENT_PROVIDER_TIMEOUT,default=10s"`
	EventSearchRadiusKM  float64       `env:"EVENT_SEARCH_RADIUS_KM,default=100"`
	EventDedupeRadiusKM  float64       `env:"EVENT_DEDUPE_RADIUS_KM,default=50"`
	EventProviderRPS     float64       `env:"EVENT_PROVIDER_RATE_LIMIT_RPS,default=5"`

	// Consensus / C4.
	ConsensusNodeTimeout   time.Duration `env:"CONSENSUS_NODE_TIMEOUT,default=30s"`
	ConsensusQuorumFloor   int           `env:"CONSENSUS_QUORUM_FLOOR,default=3"`
	ConsensusEndpointRPS   float64       `env:"CONSENSUS_ENDPOINT_RATE_LIMIT_RPS,default=2"`

	// Fulfiller / C5.
	FulfillerDispatchTimeout time.Duration `env:"FULFILLER_DISPATCH_TIMEOUT,default=15s"`
	AerialToleranceMeters    float64       `env:"AERIAL_TOLERANCE_METERS,default=30"`

	// Delivery timeout / C6.
	DeliveryTimeoutWindow time.Duration `env:"DELIVERY_TIMEOUT_WINDOW,default=24h"`
	TimeoutSweepInterval  time.Duration `env:"TIMEOUT_SWEEP_INTERVAL,default=5m"`

	// Bus / C7.
	RedisURL       string `env:"BUS_REDIS_URL"`
	SubscriberQueueSize int `env:"BUS_SUBSCRIBER_QUEUE_SIZE,default=64"`

	// Auth / C8.
	JWTSigningKey    string        `env:"AUTH_JWT_SIGNING_KEY,required"`
	TokenLifetime    time.Duration `env:"AUTH_TOKEN_LIFETIME,default=24h"`
	ClockSkewTolerance time.Duration `env:"AUTH_CLOCK_SKEW_TOLERANCE,default=60s"`

	// Webhooks / C8.
	WebhookSharedSecret string `env:"WEBHOOK_SHARED_SECRET"`

	// Data files (YAML).
	ProvidersFile  string `env:"EVENT_PROVIDERS_FILE,default=config/providers.yaml"`
	LLMFile        string `env:"LLM_ENDPOINTS_FILE,default=config/llm_endpoints.yaml"`
	FulfillersFile string `env:"FULFILLERS_FILE,default=config/fulfillers.yaml"`
}

// ProviderEndpoint describes one disaster-data provider (C3).
type ProviderEndpoint struct {
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
	Kind    string `yaml:"kind"` // "gdacs", "reliefweb", "generic"
	APIKey  string `yaml:"api_key,omitempty"`
}

// LLMEndpoint describes one heterogeneous panel member (C4).
type LLMEndpoint struct {
	NodeID   string  `yaml:"node_id"`
	ModelID  string  `yaml:"model_id"`
	BaseURL  string  `yaml:"base_url"`
	APIKey   string  `yaml:"api_key,omitempty"`
	Weight   float64 `yaml:"weight,omitempty"`
}

// FulfillerFallbackEntry seeds the local fulfiller cache when the ledger's
// approved-fulfiller registry (§9 Open Questions) is unreachable at startup.
type FulfillerFallbackEntry struct {
	Class      string `yaml:"class"` // "aerial" | "human"
	Address    string `yaml:"address"`
	Endpoint   string `yaml:"endpoint"`
	SharedSecret string `yaml:"shared_secret,omitempty"`
}

// DataLists is the nested YAML-sourced configuration too shaped for flat
// env vars.
type DataLists struct {
	Providers  []ProviderEndpoint       `yaml:"providers"`
	LLMs       []LLMEndpoint            `yaml:"llm_endpoints"`
	Fulfillers []FulfillerFallbackEntry `yaml:"fulfillers"`
}

// Load reads an optional .env file, decodes the flat env-var scalars into a
// Config, then loads the YAML-sourced lists it references.
func Load() (*Config, *DataLists, error) {
	_ = godotenv.Load() // optional; a missing .env is not an error

	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return nil, nil, fmt.Errorf("config: decode env: %w", err)
	}

	lists := &DataLists{}
	if cfg.ProvidersFile != "" {
		if err := loadYAMLInto(cfg.ProvidersFile, &struct {
			Providers *[]ProviderEndpoint `yaml:"providers"`
		}{&lists.Providers}); err != nil {
			return nil, nil, fmt.Errorf("config: providers file: %w", err)
		}
	}
	if cfg.LLMFile != "" {
		if err := loadYAMLInto(cfg.LLMFile, &struct {
			LLMs *[]LLMEndpoint `yaml:"llm_endpoints"`
		}{&lists.LLMs}); err != nil {
			return nil, nil, fmt.Errorf("config: llm endpoints file: %w", err)
		}
	}
	if cfg.FulfillersFile != "" {
		if err := loadYAMLInto(cfg.FulfillersFile, &struct {
			Fulfillers *[]FulfillerFallbackEntry `yaml:"fulfillers"`
		}{&lists.Fulfillers}); err != nil {
			return nil, nil, fmt.Errorf("config: fulfillers file: %w", err)
		}
	}

	return &cfg, lists, nil
}

func loadYAMLInto(path string, target interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, target)
}
