package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// ErrConfiguration marks every startup configuration failure.
var ErrConfiguration = errors.New("configuration error")

// Config contains all runtime settings for the relay service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	SessionTTL       time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool
	DefaultLanguage  string
	HistoryLimit     int
	DebugToken       string
	ClientToken      string

	LogLevel  string
	LogFormat string

	WSMessagesPerSecond float64
	WSBurst             int

	CapText      bool
	CapAudio     bool
	CapStreaming bool

	StoreBackend    string
	StoreBadgerPath string
	DatabaseURL     string
	StoreRetryBase  time.Duration
	StoreRetryMax   time.Duration

	GenerationMode     string
	GenerationHTTPURL  string
	GenerationTimeout  time.Duration
	OpenAIAPIKey       string
	OpenAIBaseURL      string
	OpenAIModel        string
	OpenAISystemPrompt string

	SubjectResolverURL string
	SubjectTimeout     time.Duration
}

// Load reads APP_CONFIG_FILE (when set) and the environment, environment first.
func Load() (Config, error) {
	return LoadFile(strings.TrimSpace(os.Getenv("APP_CONFIG_FILE")))
}

// LoadFile is Load with an explicit config file path. An empty path means
// environment only.
func LoadFile(path string) (Config, error) {
	src := source{file: map[string]string{}}
	if path != "" {
		file, err := readFile(path)
		if err != nil {
			return Config{}, err
		}
		src.file = file
	}

	cfg := Config{
		BindAddr:           src.envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:   src.envOrDefault("APP_METRICS_NAMESPACE", "chatrelay"),
		DefaultLanguage:    src.envOrDefault("APP_DEFAULT_LANGUAGE", "en"),
		DebugToken:         src.get("APP_DEBUG_TOKEN"),
		ClientToken:        src.get("APP_CLIENT_TOKEN"),
		LogLevel:           src.envOrDefault("APP_LOG_LEVEL", "info"),
		LogFormat:          strings.ToLower(src.envOrDefault("APP_LOG_FORMAT", "text")),
		StoreBackend:       strings.ToLower(src.envOrDefault("STORE_BACKEND", "memory")),
		StoreBadgerPath:    src.get("STORE_BADGER_PATH"),
		DatabaseURL:        src.get("DATABASE_URL"),
		GenerationMode:     strings.ToLower(src.envOrDefault("GENERATION_MODE", "auto")),
		GenerationHTTPURL:  src.get("GENERATION_HTTP_URL"),
		OpenAIAPIKey:       src.get("OPENAI_API_KEY"),
		OpenAIBaseURL:      src.get("OPENAI_BASE_URL"),
		OpenAIModel:        src.envOrDefault("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAISystemPrompt: src.get("OPENAI_SYSTEM_PROMPT"),
		SubjectResolverURL: src.get("SUBJECT_RESOLVER_URL"),
	}

	var err error
	durations := []struct {
		key      string
		dst      *time.Duration
		fallback time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout, 15 * time.Second},
		{"APP_SESSION_TTL", &cfg.SessionTTL, 30 * time.Minute},
		{"STORE_RETRY_BASE", &cfg.StoreRetryBase, 250 * time.Millisecond},
		{"STORE_RETRY_MAX", &cfg.StoreRetryMax, 30 * time.Second},
		{"GENERATION_TIMEOUT", &cfg.GenerationTimeout, 45 * time.Second},
		{"SUBJECT_TIMEOUT", &cfg.SubjectTimeout, 5 * time.Second},
	}
	for _, d := range durations {
		if *d.dst, err = src.durationFromEnv(d.key, d.fallback); err != nil {
			return Config{}, err
		}
	}

	bools := []struct {
		key      string
		dst      *bool
		fallback bool
	}{
		{"APP_ALLOW_ANY_ORIGIN", &cfg.AllowAnyOrigin, false},
		{"APP_CAP_TEXT", &cfg.CapText, true},
		{"APP_CAP_AUDIO", &cfg.CapAudio, false},
		{"APP_CAP_STREAMING", &cfg.CapStreaming, true},
	}
	for _, b := range bools {
		if *b.dst, err = src.boolFromEnv(b.key, b.fallback); err != nil {
			return Config{}, err
		}
	}

	if cfg.HistoryLimit, err = src.intFromEnv("APP_HISTORY_LIMIT", 30); err != nil {
		return Config{}, err
	}
	if cfg.WSBurst, err = src.intFromEnv("APP_WS_BURST", 40); err != nil {
		return Config{}, err
	}
	if cfg.WSMessagesPerSecond, err = src.floatFromEnv("APP_WS_MESSAGES_PER_SECOND", 20); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.SessionTTL < 5*time.Second {
		return invalid("APP_SESSION_TTL must be at least 5s")
	}
	if c.ShutdownTimeout <= 0 {
		return invalid("APP_SHUTDOWN_TIMEOUT must be positive")
	}
	if c.HistoryLimit <= 0 {
		return invalid("APP_HISTORY_LIMIT must be positive")
	}
	if c.WSMessagesPerSecond <= 0 {
		return invalid("APP_WS_MESSAGES_PER_SECOND must be positive")
	}
	if c.WSBurst <= 0 {
		return invalid("APP_WS_BURST must be positive")
	}
	if c.StoreRetryBase <= 0 || c.StoreRetryMax < c.StoreRetryBase {
		return invalid("STORE_RETRY_BASE must be positive and not above STORE_RETRY_MAX")
	}
	if c.GenerationTimeout <= 0 {
		return invalid("GENERATION_TIMEOUT must be positive")
	}
	if c.SubjectTimeout <= 0 {
		return invalid("SUBJECT_TIMEOUT must be positive")
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		return invalid(fmt.Sprintf("APP_LOG_FORMAT %q is not text or json", c.LogFormat))
	}

	switch c.StoreBackend {
	case "memory":
	case "badger":
		if c.StoreBadgerPath == "" {
			return invalid("STORE_BADGER_PATH is required for the badger backend")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return invalid("DATABASE_URL is required for the postgres backend")
		}
	default:
		return invalid(fmt.Sprintf("unsupported STORE_BACKEND %q", c.StoreBackend))
	}

	switch c.GenerationMode {
	case "auto", "mock":
	case "http":
		if c.GenerationHTTPURL == "" {
			return invalid("GENERATION_HTTP_URL is required in http mode")
		}
	case "openai":
		if c.OpenAIAPIKey == "" {
			return invalid("OPENAI_API_KEY is required in openai mode")
		}
	default:
		return invalid(fmt.Sprintf("unsupported GENERATION_MODE %q", c.GenerationMode))
	}
	return nil
}

func invalid(reason string) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, reason)
}

// readFile flattens a TOML document into env-style keys: key "bind_addr" in
// table [app] becomes APP_BIND_ADDR.
func readFile(path string) (map[string]string, error) {
	var raw map[string]any
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, fmt.Errorf("%w: load config file %s: %v", ErrConfiguration, path, err)
	}
	out := make(map[string]string)
	flatten("", raw, out)
	return out, nil
}

func flatten(prefix string, in map[string]any, out map[string]string) {
	for k, v := range in {
		key := strings.ToUpper(k)
		if prefix != "" {
			key = prefix + "_" + key
		}
		if table, ok := v.(map[string]any); ok {
			flatten(key, table, out)
			continue
		}
		out[key] = strings.TrimSpace(fmt.Sprint(v))
	}
}

// source resolves a key from the environment, then from the config file.
type source struct {
	file map[string]string
}

func (s source) get(key string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return s.file[key]
}

func (s source) envOrDefault(key, fallback string) string {
	v := s.get(key)
	if v == "" {
		return fallback
	}
	return v
}

func (s source) durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := s.get(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s parse error: %v", ErrConfiguration, key, err)
	}
	return d, nil
}

func (s source) intFromEnv(key string, fallback int) (int, error) {
	v := s.get(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s parse error: %v", ErrConfiguration, key, err)
	}
	return n, nil
}

func (s source) floatFromEnv(key string, fallback float64) (float64, error) {
	v := s.get(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s parse error: %v", ErrConfiguration, key, err)
	}
	return f, nil
}

func (s source) boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(s.get(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%w: %s parse error: expected bool", ErrConfiguration, key)
	}
}
