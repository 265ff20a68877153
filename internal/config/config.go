package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	envPrefix = "STUDIOPROXY_"

	DefaultModelName         = "studio-proxy"
	DefaultRelayURL          = "ws://127.0.0.1:3120/feed"
	DefaultPageControllerURL = "http://127.0.0.1:9222"
	DefaultKeysFile          = "auth_profiles/key.txt"
	DefaultTracingEndpoint   = "localhost:4317"
)

// ServerConfig holds all server configuration.
type ServerConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	Verbose bool   `yaml:"verbose"`
	Debug   bool   `yaml:"debug"`
	LogJSON bool   `yaml:"log_json"`

	ModelName      string   `yaml:"model_name"`
	ExcludedModels []string `yaml:"excluded_models"`
	KeysFile       string   `yaml:"keys_file"`

	RelayURL          string `yaml:"relay_url"`
	HelperEndpoint    string `yaml:"helper_endpoint"`
	HelperSAPISID     string `yaml:"helper_sapisid"`
	HelperToken       string `yaml:"helper_token"`
	PageControllerURL string `yaml:"page_controller_url"`

	SilenceTimeout    time.Duration `yaml:"silence_timeout"`
	CompletionTimeout time.Duration `yaml:"completion_timeout"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	StablePolls       int           `yaml:"stable_polls"`

	QueueMaxDepth  int           `yaml:"queue_max_depth"`
	QueueMaxWait   time.Duration `yaml:"queue_max_wait"`
	StreamPacing   time.Duration `yaml:"stream_pacing"`
	ContinuousChat bool          `yaml:"continuous_chat"`

	EnableThinkingBudget  bool `yaml:"enable_thinking_budget"`
	DefaultThinkingBudget int  `yaml:"default_thinking_budget"`

	DefaultTemperature     float64 `yaml:"default_temperature"`
	DefaultTopP            float64 `yaml:"default_top_p"`
	DefaultMaxOutputTokens int     `yaml:"default_max_output_tokens"`

	HistoryDB      string `yaml:"history_db"`
	HistorySize    int    `yaml:"history_size"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`

	TracingEnabled     bool    `yaml:"tracing_enabled"`
	TracingEndpoint    string  `yaml:"tracing_endpoint"`
	TracingInsecure    bool    `yaml:"tracing_insecure"`
	TracingSampler     string  `yaml:"tracing_sampler"`
	TracingSampleRatio float64 `yaml:"tracing_sample_ratio"`
}

// Defaults returns a ServerConfig populated with built-in defaults only.
func Defaults() *ServerConfig {
	return &ServerConfig{
		Host:                   "127.0.0.1",
		Port:                   2048,
		ModelName:              DefaultModelName,
		KeysFile:               DefaultKeysFile,
		RelayURL:               DefaultRelayURL,
		PageControllerURL:      DefaultPageControllerURL,
		SilenceTimeout:         30 * time.Second,
		CompletionTimeout:      300 * time.Second,
		PollInterval:           500 * time.Millisecond,
		StablePolls:            3,
		QueueMaxDepth:          64,
		QueueMaxWait:           10 * time.Minute,
		StreamPacing:           time.Second,
		DefaultThinkingBudget:  8192,
		DefaultTemperature:     1.0,
		DefaultTopP:            0.95,
		DefaultMaxOutputTokens: 65536,
		HistorySize:            200,
		MetricsEnabled:         true,
		TracingEndpoint:        DefaultTracingEndpoint,
		TracingInsecure:        true,
		TracingSampler:         "always",
		TracingSampleRatio:     1.0,
	}
}

// DefaultFromEnv creates a ServerConfig with defaults from environment variables.
// A .env file in the working directory is loaded first when present.
func DefaultFromEnv() *ServerConfig {
	_ = godotenv.Load()
	cfg := Defaults()
	applyEnv(cfg)
	return cfg
}

// Load reads the YAML file at path (if non-empty) on top of the defaults and
// then applies environment overrides. Environment always wins over the file.
func Load(path string) (*ServerConfig, error) {
	_ = godotenv.Load()
	cfg := Defaults()
	if path == "" {
		path = strings.TrimSpace(os.Getenv(envPrefix + "CONFIG"))
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the server cannot run with.
func (c *ServerConfig) Validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.SilenceTimeout <= 0 {
		errs = append(errs, errors.New("silence_timeout must be positive"))
	}
	if c.CompletionTimeout <= 0 {
		errs = append(errs, errors.New("completion_timeout must be positive"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll_interval must be positive"))
	}
	if c.StablePolls < 1 {
		errs = append(errs, errors.New("stable_polls must be at least 1"))
	}
	if c.QueueMaxDepth < 0 {
		errs = append(errs, errors.New("queue_max_depth must not be negative"))
	}
	if c.DefaultThinkingBudget < 0 {
		errs = append(errs, errors.New("default_thinking_budget must not be negative"))
	}
	switch c.TracingSampler {
	case "always", "never":
	case "ratio":
		if c.TracingSampleRatio < 0 || c.TracingSampleRatio > 1 {
			errs = append(errs, fmt.Errorf("tracing_sample_ratio %v out of range [0,1]", c.TracingSampleRatio))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown tracing_sampler %q", c.TracingSampler))
	}
	if c.TracingEnabled && strings.TrimSpace(c.TracingEndpoint) == "" {
		errs = append(errs, errors.New("tracing_endpoint is required when tracing is enabled"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// RelayEnabled reports whether the stream-relay tier is configured.
func (c *ServerConfig) RelayEnabled() bool {
	return strings.TrimSpace(c.RelayURL) != ""
}

// HelperEnabled reports whether the helper-service tier is configured.
func (c *ServerConfig) HelperEnabled() bool {
	return strings.TrimSpace(c.HelperEndpoint) != ""
}

// Addr returns the listen address.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func applyEnv(c *ServerConfig) {
	c.Host = envString("HOST", c.Host)
	c.Port = envInt("PORT", c.Port)
	c.Verbose = envBoolDefault("VERBOSE", c.Verbose)
	c.Debug = envBoolDefault("DEBUG", c.Debug)
	c.LogJSON = envBoolDefault("LOG_JSON", c.LogJSON)

	c.ModelName = envString("MODEL_NAME", c.ModelName)
	if v, ok := os.LookupEnv(envPrefix + "EXCLUDED_MODELS"); ok {
		c.ExcludedModels = splitList(v)
	}
	c.KeysFile = envString("KEYS_FILE", c.KeysFile)

	// Empty values are meaningful here: they disable the tier.
	c.RelayURL = envRaw("RELAY_URL", c.RelayURL)
	c.HelperEndpoint = envRaw("HELPER_ENDPOINT", c.HelperEndpoint)
	c.HelperSAPISID = envRaw("HELPER_SAPISID", c.HelperSAPISID)
	c.HelperToken = envRaw("HELPER_TOKEN", c.HelperToken)
	c.PageControllerURL = envString("PAGE_CONTROLLER_URL", c.PageControllerURL)

	c.SilenceTimeout = envDuration("SILENCE_TIMEOUT", c.SilenceTimeout)
	c.CompletionTimeout = envDuration("COMPLETION_TIMEOUT", c.CompletionTimeout)
	c.PollInterval = envDuration("POLL_INTERVAL", c.PollInterval)
	c.StablePolls = envInt("STABLE_POLLS", c.StablePolls)

	c.QueueMaxDepth = envInt("QUEUE_MAX_DEPTH", c.QueueMaxDepth)
	c.QueueMaxWait = envDuration("QUEUE_MAX_WAIT", c.QueueMaxWait)
	c.StreamPacing = envDuration("STREAM_PACING", c.StreamPacing)
	c.ContinuousChat = envBoolDefault("CONTINUOUS_CHAT", c.ContinuousChat)

	c.EnableThinkingBudget = envBoolDefault("ENABLE_THINKING_BUDGET", c.EnableThinkingBudget)
	c.DefaultThinkingBudget = envInt("DEFAULT_THINKING_BUDGET", c.DefaultThinkingBudget)

	c.DefaultTemperature = envFloat("DEFAULT_TEMPERATURE", c.DefaultTemperature)
	c.DefaultTopP = envFloat("DEFAULT_TOP_P", c.DefaultTopP)
	c.DefaultMaxOutputTokens = envInt("DEFAULT_MAX_OUTPUT_TOKENS", c.DefaultMaxOutputTokens)

	c.HistoryDB = envString("HISTORY_DB", c.HistoryDB)
	c.HistorySize = envInt("HISTORY_SIZE", c.HistorySize)
	c.MetricsEnabled = envBoolDefault("METRICS_ENABLED", c.MetricsEnabled)

	c.TracingEnabled = envBoolDefault("TRACING_ENABLED", c.TracingEnabled)
	c.TracingEndpoint = envString("TRACING_ENDPOINT", c.TracingEndpoint)
	c.TracingInsecure = envBoolDefault("TRACING_INSECURE", c.TracingInsecure)
	c.TracingSampler = strings.ToLower(envString("TRACING_SAMPLER", c.TracingSampler))
	c.TracingSampleRatio = envFloat("TRACING_SAMPLE_RATIO", c.TracingSampleRatio)
}

func envRaw(key, def string) string {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		return strings.TrimSpace(v)
	}
	return def
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(envPrefix + key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(envPrefix + key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(envPrefix + key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// envDuration accepts Go duration strings ("30s") or bare milliseconds ("30000").
func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(envPrefix + key))
	if v == "" {
		return def
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func envBoolDefault(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(envPrefix + key)))
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
