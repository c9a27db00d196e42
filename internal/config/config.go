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

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind              string `yaml:"bind"`
	Port              int    `yaml:"port"`
	RequestsPerMinute int    `yaml:"submit_requests_per_minute"`
	SubmitBurst       int    `yaml:"submit_burst"`
	MaxBodyBytes      int64  `yaml:"max_body_bytes"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Podcast     PodcastConfig   `yaml:"podcast"`
	TaskStore   TaskStoreConfig `yaml:"task_store"`
	Jobs        JobsConfig      `yaml:"jobs"`
	Workers     WorkersConfig   `yaml:"workers"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// PodcastConfig configures the upstream podcast synthesis endpoint.
type PodcastConfig struct {
	Endpoint           string `yaml:"endpoint"`
	AppID              string `yaml:"app_id"`
	AccessKey          string `yaml:"access_key"`
	AppKey             string `yaml:"app_key"`
	ResourceID         string `yaml:"resource_id"`
	MaxAttempts        int    `yaml:"max_attempts"`
	RetryIntervalMS    int    `yaml:"retry_interval_ms"`
	HandshakeTimeoutMS int    `yaml:"handshake_timeout_ms"`
	ReadTimeoutMS      int    `yaml:"read_timeout_ms"`
	CloseTimeoutMS     int    `yaml:"close_timeout_ms"`
	MaxJobDurationMS   int    `yaml:"max_job_duration_ms"`
	Action             int    `yaml:"action"`
	Encoding           string `yaml:"encoding"`
	SampleRate         int    `yaml:"sample_rate"`
	SpeechRate         int    `yaml:"speech_rate"`
}

type TaskStoreConfig struct {
	Backend        string `yaml:"backend"` // memory, sqlite, nats
	Path           string `yaml:"path"`
	RetentionHours int    `yaml:"retention_hours"`
	Bucket         string `yaml:"bucket"`
	VacuumOnStart  bool   `yaml:"vacuum_on_start"`
}

// Retention is the lifetime of a task record.
func (c TaskStoreConfig) Retention() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}

type JobsConfig struct {
	Enabled        bool `yaml:"enabled"`
	MaxConcurrency int  `yaml:"max_concurrency"`
}

// WorkersConfig controls how a node advertises itself to other job workers.
type WorkersConfig struct {
	ID                  string `yaml:"id"`
	HeartbeatIntervalMS int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMS  int    `yaml:"heartbeat_timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-podcast",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:              "0.0.0.0",
			Port:              8080,
			RequestsPerMinute: 60,
			SubmitBurst:       5,
			MaxBodyBytes:      1 << 20,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/jetstream",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Podcast: PodcastConfig{
			Endpoint:           "wss://openspeech.bytedance.com/api/v3/sami/podcasttts",
			AppKey:             "aGjiRDfUWi",
			ResourceID:         "volc.service_type.10050",
			MaxAttempts:        3,
			RetryIntervalMS:    1000,
			HandshakeTimeoutMS: 10000,
			ReadTimeoutMS:      60000,
			CloseTimeoutMS:     5000,
			MaxJobDurationMS:   30 * 60 * 1000,
			Action:             3,
			Encoding:           "mp3",
			SampleRate:         24000,
			SpeechRate:         0,
		},
		TaskStore: TaskStoreConfig{
			Backend:        "sqlite",
			Path:           "./data/podcast-tasks.db",
			RetentionHours: 72,
			Bucket:         "podcast_tasks",
		},
		Jobs: JobsConfig{
			Enabled:        true,
			MaxConcurrency: 2,
		},
		Workers: WorkersConfig{
			ID:                  defaultWorkerID(),
			HeartbeatIntervalMS: 2000,
			HeartbeatTimeoutMS:  6000,
		},
	}
}

// Load builds a config from defaults, an optional YAML file, a .env file and
// the process environment, in that order of precedence.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := loadDotEnv(); err != nil {
		return cfg, err
	}
	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// loadDotEnv reads LOQA_ENV_FILE (default .env) into the environment without
// replacing variables that are already set.
func loadDotEnv() error {
	path := ".env"
	if v, ok := os.LookupEnv("LOQA_ENV_FILE"); ok && strings.TrimSpace(v) != "" {
		path = v
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat env file: %w", err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideInt(&cfg.HTTP.RequestsPerMinute, "LOQA_HTTP_SUBMIT_REQUESTS_PER_MINUTE")
	overrideInt(&cfg.HTTP.SubmitBurst, "LOQA_HTTP_SUBMIT_BURST")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Podcast.Endpoint, "LOQA_PODCAST_ENDPOINT")
	overrideString(&cfg.Podcast.AppID, "VOLC_APPID")
	overrideString(&cfg.Podcast.AppID, "LOQA_PODCAST_APP_ID")
	overrideString(&cfg.Podcast.AccessKey, "VOLC_ACCESS_TOKEN")
	overrideString(&cfg.Podcast.AccessKey, "LOQA_PODCAST_ACCESS_KEY")
	overrideString(&cfg.Podcast.AppKey, "LOQA_PODCAST_APP_KEY")
	overrideString(&cfg.Podcast.ResourceID, "LOQA_PODCAST_RESOURCE_ID")
	overrideInt(&cfg.Podcast.MaxAttempts, "LOQA_PODCAST_MAX_ATTEMPTS")
	overrideInt(&cfg.Podcast.RetryIntervalMS, "LOQA_PODCAST_RETRY_INTERVAL_MS")
	overrideInt(&cfg.Podcast.HandshakeTimeoutMS, "LOQA_PODCAST_HANDSHAKE_TIMEOUT_MS")
	overrideInt(&cfg.Podcast.ReadTimeoutMS, "LOQA_PODCAST_READ_TIMEOUT_MS")
	overrideInt(&cfg.Podcast.CloseTimeoutMS, "LOQA_PODCAST_CLOSE_TIMEOUT_MS")
	overrideInt(&cfg.Podcast.MaxJobDurationMS, "LOQA_PODCAST_MAX_JOB_DURATION_MS")
	overrideInt(&cfg.Podcast.Action, "LOQA_PODCAST_ACTION")
	overrideString(&cfg.Podcast.Encoding, "LOQA_PODCAST_ENCODING")
	overrideInt(&cfg.Podcast.SampleRate, "LOQA_PODCAST_SAMPLE_RATE")
	overrideInt(&cfg.Podcast.SpeechRate, "LOQA_PODCAST_SPEECH_RATE")
	overrideString(&cfg.TaskStore.Backend, "LOQA_TASK_STORE_BACKEND")
	overrideString(&cfg.TaskStore.Path, "LOQA_TASK_STORE_PATH")
	overrideInt(&cfg.TaskStore.RetentionHours, "LOQA_TASK_STORE_RETENTION_HOURS")
	overrideString(&cfg.TaskStore.Bucket, "LOQA_TASK_STORE_BUCKET")
	overrideBool(&cfg.TaskStore.VacuumOnStart, "LOQA_TASK_STORE_VACUUM_ON_START")
	overrideBool(&cfg.Jobs.Enabled, "LOQA_JOBS_ENABLED")
	overrideInt(&cfg.Jobs.MaxConcurrency, "LOQA_JOBS_MAX_CONCURRENCY")
	overrideString(&cfg.Workers.ID, "LOQA_WORKER_ID")
	overrideInt(&cfg.Workers.HeartbeatIntervalMS, "LOQA_WORKER_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Workers.HeartbeatTimeoutMS, "LOQA_WORKER_HEARTBEAT_TIMEOUT_MS")
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "podcast-worker"
	}
	return host
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.HTTP.RequestsPerMinute < 0 {
		return errors.New("http.submit_requests_per_minute must be >= 0")
	}
	if cfg.HTTP.RequestsPerMinute > 0 && cfg.HTTP.SubmitBurst <= 0 {
		return errors.New("http.submit_burst must be >= 1 when rate limiting is enabled")
	}
	if cfg.HTTP.MaxBodyBytes <= 0 {
		return errors.New("http.max_body_bytes must be positive")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Podcast.Endpoint == "" {
		return errors.New("podcast.endpoint must not be empty")
	}
	if cfg.Podcast.MaxAttempts <= 0 {
		return errors.New("podcast.max_attempts must be >= 1")
	}
	if cfg.Podcast.RetryIntervalMS < 0 {
		return errors.New("podcast.retry_interval_ms must be >= 0")
	}
	if cfg.Podcast.CloseTimeoutMS <= 0 || cfg.Podcast.MaxJobDurationMS <= 0 {
		return errors.New("podcast.close_timeout_ms and podcast.max_job_duration_ms must be positive")
	}
	switch cfg.Podcast.Encoding {
	case "mp3", "wav", "pcm", "ogg_opus":
	default:
		return errors.New("podcast.encoding must be one of mp3|wav|pcm|ogg_opus")
	}
	if cfg.Podcast.SampleRate <= 0 {
		return errors.New("podcast.sample_rate must be positive")
	}
	switch cfg.TaskStore.Backend {
	case "memory":
	case "sqlite":
		if cfg.TaskStore.Path == "" {
			return errors.New("task_store.path must be set when backend=sqlite")
		}
	case "nats":
		if cfg.TaskStore.Bucket == "" {
			return errors.New("task_store.bucket must be set when backend=nats")
		}
	default:
		return errors.New("task_store.backend must be one of memory|sqlite|nats")
	}
	if cfg.TaskStore.RetentionHours <= 0 {
		return errors.New("task_store.retention_hours must be positive")
	}
	if cfg.Jobs.Enabled && cfg.Jobs.MaxConcurrency <= 0 {
		return errors.New("jobs.max_concurrency must be >= 1")
	}
	if cfg.Workers.ID == "" {
		return errors.New("workers.id must not be empty")
	}
	if cfg.Workers.HeartbeatIntervalMS <= 0 || cfg.Workers.HeartbeatTimeoutMS <= cfg.Workers.HeartbeatIntervalMS {
		return errors.New("workers.heartbeat_timeout_ms must exceed a positive workers.heartbeat_interval_ms")
	}
	return nil
}
