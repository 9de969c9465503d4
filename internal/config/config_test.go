package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RateLimit.CallsPerWindow != 10 || cfg.RateLimit.WindowMS != 60000 {
		t.Fatalf("expected 10 calls per 60s by default, got %d per %dms", cfg.RateLimit.CallsPerWindow, cfg.RateLimit.WindowMS)
	}
	if cfg.Cache.Capacity != 100 || cfg.Cache.TTLMS != 300000 {
		t.Fatalf("unexpected cache defaults: %+v", cfg.Cache)
	}
	if cfg.LLM.DefaultProvider != "hosted" {
		t.Fatalf("expected hosted default provider, got %q", cfg.LLM.DefaultProvider)
	}
	if cfg.LLM.Local.Endpoint != "http://localhost:11434" {
		t.Fatalf("unexpected local endpoint %q", cfg.LLM.Local.Endpoint)
	}
	if cfg.History.MaxMessages != 50 {
		t.Fatalf("expected 50 history messages, got %d", cfg.History.MaxMessages)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("GEMINI_API_KEY", "from-conventional-name")
	t.Setenv("LOQA_LLM_HOSTED_MODEL", "gemini-test")
	t.Setenv("LOQA_LLM_DEFAULT_PROVIDER", "local")
	t.Setenv("LOQA_LLM_LOCAL_ENDPOINT", "http://ollama:11434")
	t.Setenv("LOQA_LLM_LOCAL_NUM_PREDICT", "128")
	t.Setenv("LOQA_LLM_LOCAL_TEMPERATURE", "0.2")
	t.Setenv("LOQA_RATE_LIMIT_CALLS_PER_WINDOW", "3")
	t.Setenv("LOQA_HISTORY_DRIVER", "sqlite")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.LLM.Hosted.APIKey != "from-conventional-name" {
		t.Fatalf("expected api key from GEMINI_API_KEY, got %q", cfg.LLM.Hosted.APIKey)
	}
	if cfg.LLM.Hosted.Model != "gemini-test" {
		t.Fatalf("expected hosted model override")
	}
	if cfg.LLM.DefaultProvider != "local" {
		t.Fatalf("expected default provider override")
	}
	if cfg.LLM.Local.Endpoint != "http://ollama:11434" || cfg.LLM.Local.NumPredict != 128 {
		t.Fatalf("expected local llm overrides, got %+v", cfg.LLM.Local)
	}
	if cfg.LLM.Local.Temperature != 0.2 {
		t.Fatalf("expected local temperature override, got %v", cfg.LLM.Local.Temperature)
	}
	if cfg.RateLimit.CallsPerWindow != 3 {
		t.Fatalf("expected rate limit override, got %d", cfg.RateLimit.CallsPerWindow)
	}
	if cfg.History.Driver != "sqlite" {
		t.Fatalf("expected history driver override")
	}
}

func TestPrefixedAPIKeyWins(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "conventional")
	t.Setenv("LOQA_LLM_HOSTED_API_KEY", "prefixed")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LLM.Hosted.APIKey != "prefixed" {
		t.Fatalf("expected prefixed key to win, got %q", cfg.LLM.Hosted.APIKey)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dialogue.yaml")
	data := `
runtime_name: test-relay
http:
  port: 9000
llm:
  default_provider: local
  local:
    mode: mock
rate_limit:
  calls_per_window: 2
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RuntimeName != "test-relay" || cfg.HTTP.Port != 9000 {
		t.Fatalf("expected file values, got %s:%d", cfg.RuntimeName, cfg.HTTP.Port)
	}
	if cfg.LLM.Local.Mode != "mock" || cfg.RateLimit.CallsPerWindow != 2 {
		t.Fatalf("expected nested file values, got %+v %+v", cfg.LLM.Local, cfg.RateLimit)
	}
	if cfg.Cache.Capacity != 100 {
		t.Fatalf("expected defaults to survive partial file, got %d", cfg.Cache.Capacity)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"provider":     func(c *Config) { c.LLM.DefaultProvider = "openai" },
		"hosted mode":  func(c *Config) { c.LLM.Hosted.Mode = "vertex" },
		"exec":         func(c *Config) { c.LLM.Local.Mode = "exec"; c.LLM.Local.Command = "" },
		"timeout":      func(c *Config) { c.LLM.TimeoutMS = 0 },
		"window":       func(c *Config) { c.RateLimit.WindowMS = 0 },
		"cache":        func(c *Config) { c.Cache.Capacity = 0 },
		"cache driver": func(c *Config) { c.Cache.Driver = "memcached" },
		"redis addr":   func(c *Config) { c.Cache.Driver = "redis"; c.Cache.Redis.Addr = "" },
		"history":      func(c *Config) { c.History.Driver = "redis" },
		"tts":          func(c *Config) { c.TTS.Enabled = true; c.TTS.Mode = "exec" },
		"bus subject":  func(c *Config) { c.Bus.Enabled = true; c.Bus.RequestSubject = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
