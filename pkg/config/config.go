// Package config provides layered configuration for the deployment prober:
// built-in defaults, an optional YAML file, environment variables and finally
// command-line flags (applied by the caller).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/narvanalabs/deployprobe/internal/validation"
)

// Control-plane backends.
const (
	ControlPlaneCloudRun = "cloudrun"
	ControlPlaneNarvana  = "narvana"
)

// Log store backends.
const (
	LogBackendCloudLogging  = "cloudlogging"
	LogBackendPostgres      = "postgres"
	LogBackendElasticsearch = "elasticsearch"
	LogBackendNone          = "none"
)

// Endpoint kinds.
const (
	EndpointHTTP = "http"
	EndpointGRPC = "grpc"
)

// Config holds all configuration for a probe run.
type Config struct {
	// Target service
	Service string `yaml:"service"`
	Region  string `yaml:"region"`
	Project string `yaml:"project"`

	// ControlPlane selects the resolver backend.
	ControlPlane string        `yaml:"control_plane"`
	CloudRun     CloudRunConfig `yaml:"cloud_run"`
	Narvana      NarvanaConfig  `yaml:"narvana"`

	// Timeout bounds every external call.
	Timeout time.Duration `yaml:"timeout"`

	// Probing
	Endpoints []Endpoint `yaml:"endpoints"`
	BodyLines int        `yaml:"body_lines"`
	BodyBytes int64      `yaml:"body_bytes"`

	Logs    LogsConfig    `yaml:"logs"`
	Webhook WebhookConfig `yaml:"webhook"`
	Events  EventsConfig  `yaml:"events"`
	Secrets SecretsConfig `yaml:"secrets"`

	// Diagnostics
	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// CloudRunConfig holds Cloud Run Admin API settings.
type CloudRunConfig struct {
	Endpoint string `yaml:"endpoint"`
	// AccessToken is an OAuth2 bearer token. Never read from the YAML file.
	AccessToken string `yaml:"-"`
}

// NarvanaConfig holds Narvana control-plane settings.
type NarvanaConfig struct {
	URL string `yaml:"url"`
	App string `yaml:"app"`
	// Token is a pre-issued bearer token. When empty one is minted from JWTSecret.
	Token       string        `yaml:"-"`
	JWTSecret   string        `yaml:"-"`
	TokenUser   string        `yaml:"token_user"`
	TokenExpiry time.Duration `yaml:"token_expiry"`
}

// Endpoint is a single probe target relative to the resolved service URL.
type Endpoint struct {
	Kind   string `yaml:"kind"`
	Method string `yaml:"method"`
	Path   string `yaml:"path"`
	// Target and GRPCService are used by grpc endpoints only.
	Target      string `yaml:"target"`
	GRPCService string `yaml:"grpc_service"`
}

// LogsConfig holds log store settings and the two predefined queries.
type LogsConfig struct {
	Backend       string        `yaml:"backend"`
	Limit         int           `yaml:"limit"`
	RequestWindow time.Duration `yaml:"request_window"`
	RequestURL    string        `yaml:"request_url"`
	ErrorPatterns []string      `yaml:"error_patterns"`
	ResourceType  string        `yaml:"resource_type"`

	CloudLogging  CloudLoggingConfig  `yaml:"cloud_logging"`
	Postgres      PostgresConfig      `yaml:"postgres"`
	Elasticsearch ElasticsearchConfig `yaml:"elasticsearch"`
}

// CloudLoggingConfig holds Cloud Logging API settings.
type CloudLoggingConfig struct {
	Endpoint string `yaml:"endpoint"`
	PageSize int    `yaml:"page_size"`
}

// PostgresConfig holds the log database settings.
type PostgresConfig struct {
	// DSN carries credentials and is never read from the YAML file.
	DSN string `yaml:"-"`
}

// ElasticsearchConfig holds request-log index settings.
type ElasticsearchConfig struct {
	Addresses []string `yaml:"addresses"`
	Index     string   `yaml:"index"`
	Username  string   `yaml:"username"`
	Password  string   `yaml:"-"`
}

// WebhookConfig holds the Telegram webhook check settings.
type WebhookConfig struct {
	Path     string `yaml:"path"`
	APIURL   string `yaml:"api_url"`
	BotToken string `yaml:"-"`
}

// EventsConfig holds the Kafka event sink settings.
type EventsConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// SecretsConfig points at the age-sealed secrets file.
type SecretsConfig struct {
	File        string `yaml:"file"`
	AgeIdentity string `yaml:"-"`
}

// Defaults returns a Config populated with built-in defaults only.
func Defaults() *Config {
	return &Config{
		ControlPlane: ControlPlaneCloudRun,
		CloudRun: CloudRunConfig{
			Endpoint: "https://run.googleapis.com",
		},
		Narvana: NarvanaConfig{
			TokenUser:   "deployprobe",
			TokenExpiry: 5 * time.Minute,
		},
		Timeout: 10 * time.Second,
		Endpoints: []Endpoint{
			{Kind: EndpointHTTP, Method: "GET", Path: "/healthz/"},
			{Kind: EndpointHTTP, Method: "GET", Path: "/telegram"},
		},
		BodyLines: 20,
		BodyBytes: 64 << 10,
		Logs: LogsConfig{
			Backend:       LogBackendCloudLogging,
			Limit:         30,
			RequestWindow: 10 * time.Minute,
			RequestURL:    "/telegram",
			ErrorPatterns: []string{"Traceback", "Exception", "Error"},
			ResourceType:  "cloud_run_revision",
			CloudLogging: CloudLoggingConfig{
				Endpoint: "https://logging.googleapis.com",
				PageSize: 30,
			},
			Elasticsearch: ElasticsearchConfig{
				Index: "logs",
			},
		},
		Webhook: WebhookConfig{
			Path:   "/telegram",
			APIURL: "https://api.telegram.org",
		},
		LogLevel: "info",
	}
}

// Load builds a Config from defaults, the optional YAML file at path and the
// environment. It does not validate; call Validate once flags are applied.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	cfg.normalize()
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Service = getEnv("PROBE_SERVICE", getEnv("SERVICE_NAME", c.Service))
	c.Region = getEnv("PROBE_REGION", c.Region)
	c.Project = getEnv("GCP_PROJECT", c.Project)
	c.ControlPlane = getEnv("PROBE_CONTROL_PLANE", c.ControlPlane)

	c.CloudRun.Endpoint = getEnv("CLOUD_RUN_ENDPOINT", c.CloudRun.Endpoint)
	c.CloudRun.AccessToken = getEnv("GOOGLE_OAUTH_ACCESS_TOKEN", c.CloudRun.AccessToken)

	c.Narvana.URL = getEnv("NARVANA_API_URL", c.Narvana.URL)
	c.Narvana.App = getEnv("NARVANA_APP", c.Narvana.App)
	c.Narvana.Token = getEnv("NARVANA_TOKEN", c.Narvana.Token)
	c.Narvana.JWTSecret = getEnv("JWT_SECRET", c.Narvana.JWTSecret)
	c.Narvana.TokenExpiry = getDurationEnv("JWT_EXPIRY", c.Narvana.TokenExpiry)

	c.Timeout = getDurationEnv("PROBE_TIMEOUT", c.Timeout)
	c.BodyLines = getIntEnv("PROBE_BODY_LINES", c.BodyLines)
	c.BodyBytes = int64(getIntEnv("PROBE_BODY_BYTES", int(c.BodyBytes)))

	if raw := os.Getenv("PROBE_ENDPOINTS"); raw != "" {
		endpoints, err := ParseEndpoints(raw)
		if err != nil {
			return fmt.Errorf("PROBE_ENDPOINTS: %w", err)
		}
		c.Endpoints = endpoints
	}

	c.Logs.Backend = getEnv("PROBE_LOG_BACKEND", c.Logs.Backend)
	c.Logs.Limit = getIntEnv("PROBE_LOG_LIMIT", c.Logs.Limit)
	c.Logs.RequestWindow = getDurationEnv("PROBE_REQUEST_WINDOW", c.Logs.RequestWindow)
	c.Logs.RequestURL = getEnv("PROBE_REQUEST_URL", c.Logs.RequestURL)
	c.Logs.ErrorPatterns = getListEnv("PROBE_ERROR_PATTERNS", c.Logs.ErrorPatterns)
	c.Logs.CloudLogging.Endpoint = getEnv("CLOUD_LOGGING_ENDPOINT", c.Logs.CloudLogging.Endpoint)
	c.Logs.Postgres.DSN = getEnv("DATABASE_URL", c.Logs.Postgres.DSN)
	c.Logs.Elasticsearch.Addresses = getListEnv("ELASTICSEARCH_NODES", c.Logs.Elasticsearch.Addresses)
	c.Logs.Elasticsearch.Index = getEnv("ELASTICSEARCH_INDEX", c.Logs.Elasticsearch.Index)
	c.Logs.Elasticsearch.Username = getEnv("ELASTICSEARCH_USERNAME", c.Logs.Elasticsearch.Username)
	c.Logs.Elasticsearch.Password = getEnv("ELASTICSEARCH_PASSWORD", c.Logs.Elasticsearch.Password)

	c.Webhook.Path = getEnv("PROBE_WEBHOOK_PATH", c.Webhook.Path)
	c.Webhook.APIURL = getEnv("TELEGRAM_API_URL", c.Webhook.APIURL)
	c.Webhook.BotToken = getEnv("TELEGRAM_BOT_TOKEN", c.Webhook.BotToken)

	c.Events.Brokers = getListEnv("KAFKA_BROKERS", c.Events.Brokers)
	c.Events.Topic = getEnv("KAFKA_TOPIC", c.Events.Topic)

	c.Secrets.File = getEnv("PROBE_SECRETS_FILE", c.Secrets.File)
	c.Secrets.AgeIdentity = getEnv("SOPS_AGE_PRIVATE_KEY", c.Secrets.AgeIdentity)

	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogJSON = getBoolEnv("LOG_JSON", c.LogJSON)
	return nil
}

// ApplySecrets fills secret fields the environment left empty. Keys use the
// same names as the environment variables.
func (c *Config) ApplySecrets(values map[string]string) {
	fill := func(dst *string, key string) {
		if *dst == "" {
			*dst = values[key]
		}
	}
	fill(&c.CloudRun.AccessToken, "GOOGLE_OAUTH_ACCESS_TOKEN")
	fill(&c.Narvana.Token, "NARVANA_TOKEN")
	fill(&c.Narvana.JWTSecret, "JWT_SECRET")
	fill(&c.Logs.Postgres.DSN, "DATABASE_URL")
	fill(&c.Logs.Elasticsearch.Password, "ELASTICSEARCH_PASSWORD")
	fill(&c.Webhook.BotToken, "TELEGRAM_BOT_TOKEN")
}

// normalize fills per-endpoint defaults.
func (c *Config) normalize() {
	for i := range c.Endpoints {
		ep := &c.Endpoints[i]
		if ep.Kind == "" {
			ep.Kind = EndpointHTTP
		}
		if ep.Kind == EndpointHTTP && ep.Method == "" {
			ep.Method = "GET"
		}
		ep.Method = strings.ToUpper(ep.Method)
	}
}

// Validate checks that required configuration values are set for the
// selected backends.
func (c *Config) Validate() error {
	c.normalize()

	if c.Service == "" {
		return fmt.Errorf("service is required (--service or PROBE_SERVICE)")
	}
	if err := validation.ValidateServiceName(c.Service); err != nil {
		return err
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.BodyLines <= 0 {
		return fmt.Errorf("body_lines must be positive")
	}
	if len(c.Endpoints) == 0 {
		return fmt.Errorf("at least one endpoint is required")
	}
	for _, ep := range c.Endpoints {
		switch ep.Kind {
		case EndpointHTTP:
			if !strings.HasPrefix(ep.Path, "/") {
				return fmt.Errorf("endpoint path %q must start with /", ep.Path)
			}
		case EndpointGRPC:
			if ep.Target == "" {
				return fmt.Errorf("grpc endpoint requires a target")
			}
		default:
			return fmt.Errorf("unknown endpoint kind %q", ep.Kind)
		}
	}

	switch c.ControlPlane {
	case ControlPlaneCloudRun:
		if c.Project == "" || c.Region == "" {
			return fmt.Errorf("cloudrun control plane requires project and region")
		}
		if err := validation.ValidateRegion(c.Region); err != nil {
			return err
		}
		if c.CloudRun.AccessToken == "" {
			return fmt.Errorf("GOOGLE_OAUTH_ACCESS_TOKEN is required for the cloudrun control plane")
		}
	case ControlPlaneNarvana:
		if c.Narvana.URL == "" || c.Narvana.App == "" {
			return fmt.Errorf("narvana control plane requires NARVANA_API_URL and NARVANA_APP")
		}
		if c.Narvana.Token == "" {
			if c.Narvana.JWTSecret == "" {
				return fmt.Errorf("narvana control plane requires NARVANA_TOKEN or JWT_SECRET")
			}
			if len(c.Narvana.JWTSecret) < 32 {
				return fmt.Errorf("JWT_SECRET must be at least 32 characters")
			}
		}
	default:
		return fmt.Errorf("unknown control plane %q", c.ControlPlane)
	}

	if c.Logs.Limit <= 0 || c.Logs.Limit > 1000 {
		return fmt.Errorf("logs.limit must be between 1 and 1000")
	}
	switch c.Logs.Backend {
	case LogBackendNone:
	case LogBackendCloudLogging:
		if c.Project == "" {
			return fmt.Errorf("cloudlogging backend requires a project")
		}
		if c.CloudRun.AccessToken == "" {
			return fmt.Errorf("GOOGLE_OAUTH_ACCESS_TOKEN is required for the cloudlogging backend")
		}
	case LogBackendPostgres:
		if c.Logs.Postgres.DSN == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres backend")
		}
	case LogBackendElasticsearch:
		if len(c.Logs.Elasticsearch.Addresses) == 0 {
			return fmt.Errorf("ELASTICSEARCH_NODES is required for the elasticsearch backend")
		}
	default:
		return fmt.Errorf("unknown log backend %q", c.Logs.Backend)
	}

	if len(c.Events.Brokers) > 0 && c.Events.Topic == "" {
		return fmt.Errorf("KAFKA_TOPIC is required when KAFKA_BROKERS is set")
	}

	return nil
}

// ParseEndpoints parses a comma-separated endpoint list. Items look like
// "/healthz/", "HEAD /health" or "grpc://host:port[/service]".
func ParseEndpoints(raw string) ([]Endpoint, error) {
	var endpoints []Endpoint
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}

		if rest, ok := strings.CutPrefix(item, "grpc://"); ok {
			target, service, _ := strings.Cut(rest, "/")
			if target == "" {
				return nil, fmt.Errorf("grpc endpoint %q has no target", item)
			}
			endpoints = append(endpoints, Endpoint{Kind: EndpointGRPC, Target: target, GRPCService: service})
			continue
		}

		method, path := "GET", item
		if fields := strings.Fields(item); len(fields) == 2 {
			method, path = strings.ToUpper(fields[0]), fields[1]
		} else if len(fields) > 2 {
			return nil, fmt.Errorf("malformed endpoint %q", item)
		}
		if !strings.HasPrefix(path, "/") {
			return nil, fmt.Errorf("endpoint path %q must start with /", path)
		}
		endpoints = append(endpoints, Endpoint{Kind: EndpointHTTP, Method: method, Path: path})
	}
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("no endpoints in %q", raw)
	}
	return endpoints, nil
}

// String renders an endpoint for report headers.
func (e Endpoint) String() string {
	if e.Kind == EndpointGRPC {
		if e.GRPCService != "" {
			return "grpc://" + e.Target + "/" + e.GRPCService
		}
		return "grpc://" + e.Target
	}
	return e.Method + " " + e.Path
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
