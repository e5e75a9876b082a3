package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvFileVar names an optional dotenv file read before LOQA_* overrides apply.
// Variables already present in the environment win.
const EnvFileVar = "LOQA_ENV_FILE"

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	// PrometheusBind gives /metrics its own listener; empty serves it on the HTTP port.
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Snapshot    SnapshotConfig   `yaml:"snapshot"`
	Source      SourceConfig     `yaml:"source"`
	Catalog     CatalogConfig    `yaml:"catalog"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
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

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxEvents     int    `yaml:"max_events"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// SnapshotConfig locates the persisted catalog. An empty Path resolves to the
// user data directory of AppName.
type SnapshotConfig struct {
	Path    string `yaml:"path"`
	AppName string `yaml:"app_name"`
}

// SourceConfig describes the remote voice provider handed to each update.
type SourceConfig struct {
	Mode         string `yaml:"mode"` // http, nats, exec, mock
	Endpoint     string `yaml:"endpoint"`
	APIKey       string `yaml:"api_key"`
	APIKeyHeader string `yaml:"api_key_header"`
	Subject      string `yaml:"subject"`
	Command      string `yaml:"command"`
	TimeoutMS    int    `yaml:"timeout_ms"`
	MockDocument string `yaml:"mock_document"`
	MockError    string `yaml:"mock_error"`
}

type CatalogConfig struct {
	LoadOnStart          bool `yaml:"load_on_start"`
	UpdateOnStartIfEmpty bool `yaml:"update_on_start_if_empty"`
	ServeNATS            bool `yaml:"serve_nats"`
	WatchSnapshot        bool `yaml:"watch_snapshot"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-voices",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8089,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9092",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       false,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/voices-history.db",
			RetentionMode: "persistent",
			RetentionDays: 30,
			MaxEvents:     5000,
		},
		Snapshot: SnapshotConfig{
			AppName: "loqa-voices",
		},
		Source: SourceConfig{
			Mode:         "http",
			Endpoint:     "http://localhost:8090/voices",
			APIKeyHeader: "Authorization",
			Subject:      "tts.voices.list",
			TimeoutMS:    10000,
		},
		Catalog: CatalogConfig{
			LoadOnStart:          true,
			UpdateOnStartIfEmpty: true,
			ServeNATS:            true,
		},
	}
}

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

	if err := loadEnvFile(); err != nil {
		return cfg, err
	}
	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadEnvFile() error {
	path, explicit := os.LookupEnv(EnvFileVar)
	if !explicit || path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxEvents, "LOQA_EVENT_STORE_MAX_EVENTS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Snapshot.Path, "LOQA_SNAPSHOT_PATH")
	overrideString(&cfg.Snapshot.AppName, "LOQA_SNAPSHOT_APP_NAME")
	overrideString(&cfg.Source.Mode, "LOQA_SOURCE_MODE")
	overrideString(&cfg.Source.Endpoint, "LOQA_SOURCE_ENDPOINT")
	overrideString(&cfg.Source.APIKey, "LOQA_SOURCE_API_KEY")
	overrideString(&cfg.Source.APIKeyHeader, "LOQA_SOURCE_API_KEY_HEADER")
	overrideString(&cfg.Source.Subject, "LOQA_SOURCE_SUBJECT")
	overrideString(&cfg.Source.Command, "LOQA_SOURCE_COMMAND")
	overrideInt(&cfg.Source.TimeoutMS, "LOQA_SOURCE_TIMEOUT_MS")
	overrideBool(&cfg.Catalog.LoadOnStart, "LOQA_CATALOG_LOAD_ON_START")
	overrideBool(&cfg.Catalog.UpdateOnStartIfEmpty, "LOQA_CATALOG_UPDATE_ON_START_IF_EMPTY")
	overrideBool(&cfg.Catalog.ServeNATS, "LOQA_CATALOG_SERVE_NATS")
	overrideBool(&cfg.Catalog.WatchSnapshot, "LOQA_CATALOG_WATCH_SNAPSHOT")
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
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" && cfg.EventStore.RetentionMode != "ephemeral" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Snapshot.Path == "" && cfg.Snapshot.AppName == "" {
		return errors.New("snapshot.app_name must be set when snapshot.path is empty")
	}
	switch cfg.Source.Mode {
	case "http":
		if cfg.Source.Endpoint == "" {
			return errors.New("source.endpoint must be set when mode=http")
		}
	case "nats":
		if !cfg.Bus.Enabled {
			return errors.New("source.mode=nats requires bus.enabled")
		}
		if cfg.Source.Subject == "" {
			return errors.New("source.subject must be set when mode=nats")
		}
	case "exec":
		if cfg.Source.Command == "" {
			return errors.New("source.command must be set when mode=exec")
		}
	case "mock":
	default:
		return errors.New("source.mode must be one of http|nats|exec|mock")
	}
	if cfg.Source.TimeoutMS < 0 {
		return errors.New("source.timeout_ms must be >= 0")
	}
	return nil
}
