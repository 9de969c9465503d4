package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	TraceStdout    bool   `yaml:"trace_stdout"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind              string   `yaml:"bind"`
	Port              int      `yaml:"port"`
	ServiceName       string   `yaml:"service_name"`
	TrustForwarded    bool     `yaml:"trust_forwarded"`
	AllowedOrigins    []string `yaml:"allowed_origins"`
	ReadHeaderTimeout int      `yaml:"read_header_timeout_ms"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	LLM         LLMConfig       `yaml:"llm"`
	RateLimit   RateLimitConfig `yaml:"rate_limit"`
	Cache       CacheConfig     `yaml:"cache"`
	Stream      StreamConfig    `yaml:"stream"`
	History     HistoryConfig   `yaml:"history"`
	TTS         TTSConfig       `yaml:"tts"`
	LipSync     LipSyncConfig   `yaml:"lipsync"`
}

type BusConfig struct {
	Enabled          bool     `yaml:"enabled"`
	Embedded         bool     `yaml:"embedded"`
	Port             int      `yaml:"port"`
	Servers          []string `yaml:"servers"`
	Username         string   `yaml:"username"`
	Password         string   `yaml:"password"`
	Token            string   `yaml:"token"`
	TLSInsecure      bool     `yaml:"tls_insecure"`
	ConnectTimeout   int      `yaml:"connect_timeout_ms"`
	RequestSubject   string   `yaml:"request_subject"`
	CompletedSubject string   `yaml:"completed_subject"`
}

// LLMConfig selects and tunes the two upstream providers.
type LLMConfig struct {
	DefaultProvider string          `yaml:"default_provider"` // hosted, local
	SystemPrompt    string          `yaml:"system_prompt"`
	TimeoutMS       int             `yaml:"timeout_ms"`
	MaxRetries      int             `yaml:"max_retries"`
	Hosted          HostedLLMConfig `yaml:"hosted"`
	Local           LocalLLMConfig  `yaml:"local"`
}

type HostedLLMConfig struct {
	Mode        string  `yaml:"mode"` // gemini, mock
	Endpoint    string  `yaml:"endpoint"`
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

type LocalLLMConfig struct {
	Mode        string  `yaml:"mode"` // ollama, exec, mock
	Endpoint    string  `yaml:"endpoint"`
	Command     string  `yaml:"command"`
	Model       string  `yaml:"model"`
	NumPredict  int     `yaml:"num_predict"`
	Temperature float64 `yaml:"temperature"`
}

type RateLimitConfig struct {
	CallsPerWindow int `yaml:"calls_per_window"`
	WindowMS       int `yaml:"window_ms"`
}

type CacheConfig struct {
	Enabled           bool             `yaml:"enabled"`
	Driver            string           `yaml:"driver"` // memory, redis
	Capacity          int              `yaml:"capacity"`
	TTLMS             int              `yaml:"ttl_ms"`
	ScopeByCredential bool             `yaml:"scope_by_credential"`
	Redis             RedisCacheConfig `yaml:"redis"`
}

// RedisCacheConfig points the response cache at a shared Redis so replicas
// reuse each other's replies. Eviction is left to the server's maxmemory policy.
type RedisCacheConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type StreamConfig struct {
	QueueDepth     int `yaml:"queue_depth"`
	MaxMessageSize int `yaml:"max_message_bytes"`
}

type HistoryConfig struct {
	Driver      string `yaml:"driver"` // memory, sqlite
	Path        string `yaml:"path"`
	MaxMessages int    `yaml:"max_messages"`
	TTLMS       int    `yaml:"ttl_ms"`
}

type TTSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Mode       string `yaml:"mode"`
	Command    string `yaml:"command"`
	Voice      string `yaml:"voice"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	MaxChars   int    `yaml:"max_chars"`
	TimeoutMS  int    `yaml:"timeout_ms"`
}

type LipSyncConfig struct {
	OutputDir string `yaml:"output_dir"`
}

const DefaultSystemPrompt = `You are a warm, patient and supportive listener in a wellbeing demo.
Respond with empathy in two to four short sentences. Reflect what the person shares,
ask at most one gentle open question, and never diagnose or prescribe.
If someone mentions being in danger, encourage them to contact local emergency services
or a crisis line right away.`

func Default() Config {
	return Config{
		RuntimeName: "loqa-dialogue",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:              "0.0.0.0",
			Port:              8000,
			ServiceName:       "Loqa Dialogue Relay",
			TrustForwarded:    true,
			AllowedOrigins:    []string{"*"},
			ReadHeaderTimeout: 5000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:          false,
			Embedded:         true,
			Port:             4222,
			Servers:          []string{"nats://localhost:4222"},
			ConnectTimeout:   2000,
			RequestSubject:   "dialogue.request",
			CompletedSubject: "dialogue.exchange.completed",
		},
		LLM: LLMConfig{
			DefaultProvider: "hosted",
			SystemPrompt:    DefaultSystemPrompt,
			TimeoutMS:       45000,
			MaxRetries:      0,
			Hosted: HostedLLMConfig{
				Mode:        "gemini",
				Endpoint:    "https://generativelanguage.googleapis.com/v1beta",
				Model:       "gemini-2.0-flash",
				MaxTokens:   256,
				Temperature: 0.7,
			},
			Local: LocalLLMConfig{
				Mode:        "ollama",
				Endpoint:    "http://localhost:11434",
				Model:       "llama3.2:latest",
				NumPredict:  256,
				Temperature: 0.6,
			},
		},
		RateLimit: RateLimitConfig{
			CallsPerWindow: 10,
			WindowMS:       60000,
		},
		Cache: CacheConfig{
			Enabled:           true,
			Driver:            "memory",
			Capacity:          100,
			TTLMS:             300000,
			ScopeByCredential: true,
			Redis: RedisCacheConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "loqa:dialogue:",
				TimeoutMS: 500,
			},
		},
		Stream: StreamConfig{
			QueueDepth:     4,
			MaxMessageSize: 64 * 1024,
		},
		History: HistoryConfig{
			Driver:      "memory",
			Path:        ":memory:",
			MaxMessages: 50,
			TTLMS:       3600000,
		},
		TTS: TTSConfig{
			Enabled:    false,
			Mode:       "mock",
			Voice:      "en-US",
			SampleRate: 22050,
			Channels:   1,
			MaxChars:   5000,
			TimeoutMS:  45000,
		},
		LipSync: LipSyncConfig{
			OutputDir: "",
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

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.HTTP.ServiceName, "LOQA_HTTP_SERVICE_NAME")
	overrideBool(&cfg.HTTP.TrustForwarded, "LOQA_HTTP_TRUST_FORWARDED")
	overrideStringSlice(&cfg.HTTP.AllowedOrigins, "LOQA_HTTP_ALLOWED_ORIGINS")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.TraceStdout, "LOQA_TELEMETRY_TRACE_STDOUT")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.LLM.DefaultProvider, "LOQA_LLM_DEFAULT_PROVIDER")
	overrideString(&cfg.LLM.SystemPrompt, "LOQA_LLM_SYSTEM_PROMPT")
	overrideInt(&cfg.LLM.TimeoutMS, "LOQA_LLM_TIMEOUT_MS")
	overrideInt(&cfg.LLM.MaxRetries, "LOQA_LLM_MAX_RETRIES")
	overrideString(&cfg.LLM.Hosted.Mode, "LOQA_LLM_HOSTED_MODE")
	overrideString(&cfg.LLM.Hosted.Endpoint, "LOQA_LLM_HOSTED_ENDPOINT")
	overrideString(&cfg.LLM.Hosted.Model, "LOQA_LLM_HOSTED_MODEL")
	// GEMINI_API_KEY is the conventional name; the prefixed variable wins when both are set.
	overrideString(&cfg.LLM.Hosted.APIKey, "GEMINI_API_KEY")
	overrideString(&cfg.LLM.Hosted.APIKey, "LOQA_LLM_HOSTED_API_KEY")
	overrideInt(&cfg.LLM.Hosted.MaxTokens, "LOQA_LLM_HOSTED_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Hosted.Temperature, "LOQA_LLM_HOSTED_TEMPERATURE")
	overrideString(&cfg.LLM.Local.Mode, "LOQA_LLM_LOCAL_MODE")
	overrideString(&cfg.LLM.Local.Endpoint, "LOQA_LLM_LOCAL_ENDPOINT")
	overrideString(&cfg.LLM.Local.Command, "LOQA_LLM_LOCAL_COMMAND")
	overrideString(&cfg.LLM.Local.Model, "LOQA_LLM_LOCAL_MODEL")
	overrideInt(&cfg.LLM.Local.NumPredict, "LOQA_LLM_LOCAL_NUM_PREDICT")
	overrideFloat(&cfg.LLM.Local.Temperature, "LOQA_LLM_LOCAL_TEMPERATURE")
	overrideInt(&cfg.RateLimit.CallsPerWindow, "LOQA_RATE_LIMIT_CALLS_PER_WINDOW")
	overrideInt(&cfg.RateLimit.WindowMS, "LOQA_RATE_LIMIT_WINDOW_MS")
	overrideBool(&cfg.Cache.Enabled, "LOQA_CACHE_ENABLED")
	overrideInt(&cfg.Cache.Capacity, "LOQA_CACHE_CAPACITY")
	overrideInt(&cfg.Cache.TTLMS, "LOQA_CACHE_TTL_MS")
	overrideBool(&cfg.Cache.ScopeByCredential, "LOQA_CACHE_SCOPE_BY_CREDENTIAL")
	overrideString(&cfg.Cache.Driver, "LOQA_CACHE_DRIVER")
	overrideString(&cfg.Cache.Redis.Addr, "LOQA_CACHE_REDIS_ADDR")
	overrideString(&cfg.Cache.Redis.Password, "LOQA_CACHE_REDIS_PASSWORD")
	overrideInt(&cfg.Cache.Redis.DB, "LOQA_CACHE_REDIS_DB")
	overrideInt(&cfg.Stream.QueueDepth, "LOQA_STREAM_QUEUE_DEPTH")
	overrideInt(&cfg.Stream.MaxMessageSize, "LOQA_STREAM_MAX_MESSAGE_BYTES")
	overrideString(&cfg.History.Driver, "LOQA_HISTORY_DRIVER")
	overrideString(&cfg.History.Path, "LOQA_HISTORY_PATH")
	overrideInt(&cfg.History.MaxMessages, "LOQA_HISTORY_MAX_MESSAGES")
	overrideInt(&cfg.History.TTLMS, "LOQA_HISTORY_TTL_MS")
	overrideBool(&cfg.TTS.Enabled, "LOQA_TTS_ENABLED")
	overrideString(&cfg.TTS.Mode, "LOQA_TTS_MODE")
	overrideString(&cfg.TTS.Command, "LOQA_TTS_COMMAND")
	overrideString(&cfg.TTS.Voice, "LOQA_TTS_VOICE")
	overrideInt(&cfg.TTS.SampleRate, "LOQA_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "LOQA_TTS_CHANNELS")
	overrideInt(&cfg.TTS.MaxChars, "LOQA_TTS_MAX_CHARS")
	overrideInt(&cfg.TTS.TimeoutMS, "LOQA_TTS_TIMEOUT_MS")
	overrideString(&cfg.LipSync.OutputDir, "LOQA_LIPSYNC_OUTPUT_DIR")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
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
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port < -1 || cfg.Bus.Port == 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 (or -1 for random) when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.RequestSubject == "" || cfg.Bus.CompletedSubject == "" {
			return errors.New("bus.request_subject and bus.completed_subject must not be empty")
		}
	}
	switch strings.ToLower(cfg.LLM.DefaultProvider) {
	case "hosted", "gemini", "cloud", "local", "ollama":
	default:
		return errors.New("llm.default_provider must be one of hosted|local")
	}
	if cfg.LLM.TimeoutMS <= 0 {
		return errors.New("llm.timeout_ms must be positive")
	}
	if cfg.LLM.MaxRetries < 0 {
		return errors.New("llm.max_retries must be >= 0")
	}
	switch cfg.LLM.Hosted.Mode {
	case "gemini":
		if cfg.LLM.Hosted.Endpoint == "" {
			return errors.New("llm.hosted.endpoint must be set when mode=gemini")
		}
		if cfg.LLM.Hosted.Model == "" {
			return errors.New("llm.hosted.model must be set when mode=gemini")
		}
	case "mock":
	default:
		return errors.New("llm.hosted.mode must be one of gemini|mock")
	}
	switch cfg.LLM.Local.Mode {
	case "ollama":
		if cfg.LLM.Local.Endpoint == "" {
			return errors.New("llm.local.endpoint must be set when mode=ollama")
		}
	case "exec":
		if cfg.LLM.Local.Command == "" {
			return errors.New("llm.local.command must be set when mode=exec")
		}
	case "mock":
	default:
		return errors.New("llm.local.mode must be one of ollama|exec|mock")
	}
	if cfg.LLM.Hosted.MaxTokens < 0 || cfg.LLM.Local.NumPredict < 0 {
		return errors.New("llm token limits must be >= 0")
	}
	if cfg.RateLimit.WindowMS <= 0 {
		return errors.New("rate_limit.window_ms must be positive")
	}
	if cfg.RateLimit.CallsPerWindow < 0 {
		return errors.New("rate_limit.calls_per_window must be >= 0")
	}
	if cfg.Cache.Enabled {
		if cfg.Cache.Capacity <= 0 {
			return errors.New("cache.capacity must be positive when the cache is enabled")
		}
		if cfg.Cache.TTLMS <= 0 {
			return errors.New("cache.ttl_ms must be positive when the cache is enabled")
		}
		switch cfg.Cache.Driver {
		case "memory":
		case "redis":
			if cfg.Cache.Redis.Addr == "" {
				return errors.New("cache.redis.addr must be set when driver=redis")
			}
			if cfg.Cache.Redis.TimeoutMS <= 0 {
				return errors.New("cache.redis.timeout_ms must be positive")
			}
		default:
			return errors.New("cache.driver must be one of memory|redis")
		}
	}
	if cfg.Stream.QueueDepth < 0 {
		return errors.New("stream.queue_depth must be >= 0")
	}
	switch cfg.History.Driver {
	case "memory":
	case "sqlite":
		if cfg.History.Path == "" {
			return errors.New("history.path must not be empty when driver=sqlite")
		}
	default:
		return errors.New("history.driver must be one of memory|sqlite")
	}
	if cfg.History.MaxMessages <= 0 {
		return errors.New("history.max_messages must be positive")
	}
	if cfg.History.TTLMS <= 0 {
		return errors.New("history.ttl_ms must be positive")
	}
	if cfg.TTS.Enabled {
		switch cfg.TTS.Mode {
		case "mock", "exec":
		default:
			return errors.New("tts.mode must be one of mock|exec")
		}
		if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
		if cfg.TTS.SampleRate <= 0 {
			return errors.New("tts.sample_rate must be positive")
		}
		if cfg.TTS.Channels <= 0 {
			return errors.New("tts.channels must be positive")
		}
	}
	return nil
}
