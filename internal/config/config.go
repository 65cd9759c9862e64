package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Default values applied when fields are absent from every config source.
const (
	DefaultBatchSize      = 10
	DefaultDelay          = 30 * time.Second
	DefaultRequestTimeout = 30 * time.Second
	DefaultStateDir       = "."
	DefaultTransport      = TransportHTTP
)

// Supported delivery transports.
const (
	TransportHTTP  = "http"
	TransportKafka = "kafka"
)

// Environment variable names. Existing deployments export these, so .env
// files written for them keep working.
const (
	EnvEndpoint       = "WEBHOOK_URL"
	EnvInputPath      = "EMAILS_PATH"
	EnvToken          = "TOKEN"
	EnvBatchSize      = "BATCH_SIZE"
	EnvDelayMS        = "DELAY_BETWEEN_BATCHES_MS"
	EnvStart          = "START"
	EnvRetryMode      = "RETRY_MODE"
	EnvStateDir       = "STATE_DIR"
	EnvRequestTimeout = "REQUEST_TIMEOUT_MS"
	EnvCheckpoint     = "CHECKPOINT"
	EnvMetricsFile    = "METRICS_FILE"
	EnvTransport      = "TRANSPORT"
	EnvKafkaBrokers   = "KAFKA_BROKERS"
	EnvKafkaTopic     = "KAFKA_TOPIC"
)

// Config is the complete, validated configuration of one dispatch run.
// It is built once by Load and passed by pointer to every component.
type Config struct {
	// Endpoint is the URL every batch is POSTed to.
	Endpoint string `yaml:"endpoint"`

	// InputPath is the JSON file holding the records to send.
	InputPath string `yaml:"input_path"`

	// Token is sent verbatim as the Authorization header value.
	Token string `yaml:"token"`

	// BatchSize is the maximum number of records per request.
	BatchSize int `yaml:"batch_size"`

	// Delay is the pause after each delivered batch except the last.
	Delay time.Duration `yaml:"delay"`

	// Start is the first batch index to process. A checkpoint file in
	// StateDir takes precedence over it.
	Start int `yaml:"start"`

	// RetryMode restricts delivery to the indices in the failure log.
	RetryMode bool `yaml:"retry_mode"`

	// StateDir holds next.txt and failed.txt.
	StateDir string `yaml:"state_dir"`

	// RequestTimeout bounds each delivery attempt.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// Checkpoint enables writing next.txt after each attempted batch.
	Checkpoint bool `yaml:"checkpoint"`

	// MetricsFile, when set, receives the run summary in Prometheus
	// text exposition format.
	MetricsFile string `yaml:"metrics_file"`

	// Transport is one of: http | kafka.
	Transport string `yaml:"transport"`

	// Kafka is only used when Transport == "kafka".
	Kafka KafkaConfig `yaml:"kafka"`
}

// KafkaConfig holds the settings of the optional Kafka transport.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// Error reports a missing or invalid configuration value. Every failure
// returned by Load is an *Error.
type Error struct {
	Key    string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config: %s %s: %v", e.Key, e.Reason, e.Err)
	}
	return fmt.Sprintf("config: %s %s", e.Key, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Override mutates a Config after all file and environment sources have
// been applied. The CLI uses it for flags.
type Override func(*Config)

// Loader describes where configuration is read from. The zero value reads
// only the process environment.
type Loader struct {
	// Path is an optional YAML file.
	Path string

	// EnvFile is an optional dotenv file. A missing file is not an error,
	// and it never overrides variables already set in the environment.
	EnvFile string

	Overrides []Override
}

// Load reads configuration from the YAML file at path (if non-empty) and
// the environment, then validates it.
func Load(path string) (*Config, error) {
	return Loader{Path: path}.Load()
}

// Load builds a Config from defaults, the YAML file, the dotenv file, the
// environment and the overrides, in that order, and validates the result.
func (l Loader) Load() (*Config, error) {
	cfg, err := l.merge()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// StateDir resolves only the state directory, from the same sources and
// with the same precedence as Load. Fields a run needs but the state
// directory does not (endpoint, token, input) are not required.
func (l Loader) StateDir() (string, error) {
	cfg, err := l.merge()
	if err != nil {
		return "", err
	}
	if cfg.StateDir == "" {
		return "", &Error{Key: EnvStateDir, Reason: "must not be empty"}
	}
	return cfg.StateDir, nil
}

func (l Loader) merge() (*Config, error) {
	cfg := defaults()

	if l.Path != "" {
		data, err := os.ReadFile(l.Path)
		if err != nil {
			return nil, &Error{Key: l.Path, Reason: "read file", Err: err}
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &Error{Key: l.Path, Reason: "parse yaml", Err: err}
		}
	}

	if l.EnvFile != "" {
		if err := godotenv.Load(l.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, &Error{Key: l.EnvFile, Reason: "load env file", Err: err}
		}
	}

	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	for _, o := range l.Overrides {
		o(cfg)
	}
	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		BatchSize:      DefaultBatchSize,
		Delay:          DefaultDelay,
		RequestTimeout: DefaultRequestTimeout,
		StateDir:       DefaultStateDir,
		Transport:      DefaultTransport,
	}
}

// applyEnv copies every non-empty variable known to the dispatcher into cfg.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get(EnvEndpoint); ok {
		cfg.Endpoint = v
	}
	if v, ok := get(EnvInputPath); ok {
		cfg.InputPath = v
	}
	if v, ok := get(EnvToken); ok {
		cfg.Token = v
	}
	if v, ok := get(EnvStateDir); ok {
		cfg.StateDir = v
	}
	if v, ok := get(EnvMetricsFile); ok {
		cfg.MetricsFile = v
	}
	if v, ok := get(EnvTransport); ok {
		cfg.Transport = strings.ToLower(v)
	}
	if v, ok := get(EnvKafkaTopic); ok {
		cfg.Kafka.Topic = v
	}
	if v, ok := get(EnvKafkaBrokers); ok {
		cfg.Kafka.Brokers = splitList(v)
	}

	if v, ok := get(EnvBatchSize); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return &Error{Key: EnvBatchSize, Reason: "must be an integer", Err: err}
		}
		cfg.BatchSize = n
	}
	if v, ok := get(EnvStart); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return &Error{Key: EnvStart, Reason: "must be an integer", Err: err}
		}
		cfg.Start = n
	}
	if v, ok := get(EnvDelayMS); ok {
		d, err := parseMillis(v)
		if err != nil {
			return &Error{Key: EnvDelayMS, Reason: "must be a number of milliseconds", Err: err}
		}
		cfg.Delay = d
	}
	if v, ok := get(EnvRequestTimeout); ok {
		d, err := parseMillis(v)
		if err != nil {
			return &Error{Key: EnvRequestTimeout, Reason: "must be a number of milliseconds", Err: err}
		}
		cfg.RequestTimeout = d
	}
	if v, ok := get(EnvRetryMode); ok {
		cfg.RetryMode = parseFlag(v)
	}
	if v, ok := get(EnvCheckpoint); ok {
		cfg.Checkpoint = parseFlag(v)
	}
	return nil
}

// Validate checks required fields and structural constraints.
func (c *Config) Validate() error {
	if c.InputPath == "" {
		return &Error{Key: EnvInputPath, Reason: "is required"}
	}
	if c.Token == "" {
		return &Error{Key: EnvToken, Reason: "is required"}
	}

	switch c.Transport {
	case TransportHTTP:
		if c.Endpoint == "" {
			return &Error{Key: EnvEndpoint, Reason: "is required"}
		}
		u, err := url.Parse(c.Endpoint)
		if err != nil {
			return &Error{Key: EnvEndpoint, Reason: "is not a valid URL", Err: err}
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return &Error{Key: EnvEndpoint, Reason: fmt.Sprintf("must be an absolute http(s) URL, got %q", c.Endpoint)}
		}
	case TransportKafka:
		if len(c.Kafka.Brokers) == 0 {
			return &Error{Key: EnvKafkaBrokers, Reason: "is required for the kafka transport"}
		}
		if c.Kafka.Topic == "" {
			return &Error{Key: EnvKafkaTopic, Reason: "is required for the kafka transport"}
		}
	default:
		return &Error{Key: EnvTransport, Reason: fmt.Sprintf("unknown transport %q", c.Transport)}
	}

	if c.BatchSize <= 0 {
		return &Error{Key: EnvBatchSize, Reason: "must be positive"}
	}
	if c.Delay < 0 {
		return &Error{Key: EnvDelayMS, Reason: "must not be negative"}
	}
	if c.Start < 0 {
		return &Error{Key: EnvStart, Reason: "must not be negative"}
	}
	if c.RequestTimeout <= 0 {
		return &Error{Key: EnvRequestTimeout, Reason: "must be positive"}
	}
	if c.StateDir == "" {
		return &Error{Key: EnvStateDir, Reason: "must not be empty"}
	}
	return nil
}

// Redacted returns a copy of c that is safe to log.
func (c Config) Redacted() Config {
	if c.Token != "" {
		c.Token = "REDACTED"
	}
	return c
}

func parseMillis(v string) (time.Duration, error) {
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(n * float64(time.Millisecond)), nil
}

// parseFlag reports whether v is "true" or "1", ignoring case.
func parseFlag(v string) bool {
	switch strings.ToLower(v) {
	case "true", "1":
		return true
	}
	return false
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
