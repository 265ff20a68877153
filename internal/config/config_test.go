package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// setenv sets an env var for the duration of a test, restoring the original on cleanup.
func setenv(t *testing.T, key, value string) {
	t.Helper()
	original, had := os.LookupEnv(key)
	os.Setenv(key, value) //nolint:errcheck
	t.Cleanup(func() {
		if had {
			os.Setenv(key, original) //nolint:errcheck
		} else {
			os.Unsetenv(key) //nolint:errcheck
		}
	})
}

func unsetenv(t *testing.T, key string) {
	t.Helper()
	original, had := os.LookupEnv(key)
	os.Unsetenv(key) //nolint:errcheck
	t.Cleanup(func() {
		if had {
			os.Setenv(key, original) //nolint:errcheck
		}
	})
}

// TestDefaultFromEnvDefaults checks that DefaultFromEnv returns expected defaults
// when no environment variables are set.
func TestDefaultFromEnvDefaults(t *testing.T) {
	for _, key := range []string{
		"STUDIOPROXY_HOST",
		"STUDIOPROXY_PORT",
		"STUDIOPROXY_RELAY_URL",
		"STUDIOPROXY_HELPER_ENDPOINT",
		"STUDIOPROXY_QUEUE_MAX_DEPTH",
		"STUDIOPROXY_DEFAULT_THINKING_BUDGET",
		"STUDIOPROXY_CONTINUOUS_CHAT",
	} {
		unsetenv(t, key)
	}

	cfg := DefaultFromEnv()

	if cfg.Host != "127.0.0.1" {
		t.Errorf("Host: got %q, want %q", cfg.Host, "127.0.0.1")
	}
	if cfg.Port != 2048 {
		t.Errorf("Port: got %d, want %d", cfg.Port, 2048)
	}
	if cfg.RelayURL != DefaultRelayURL {
		t.Errorf("RelayURL: got %q, want %q", cfg.RelayURL, DefaultRelayURL)
	}
	if cfg.HelperEnabled() {
		t.Error("expected helper tier disabled by default")
	}
	if cfg.QueueMaxDepth != 64 {
		t.Errorf("QueueMaxDepth: got %d, want %d", cfg.QueueMaxDepth, 64)
	}
	if cfg.DefaultThinkingBudget != 8192 {
		t.Errorf("DefaultThinkingBudget: got %d, want %d", cfg.DefaultThinkingBudget, 8192)
	}
	if cfg.ContinuousChat {
		t.Error("expected ContinuousChat=false by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

// TestEnvBoolParsing verifies accepted truthy and falsy values.
func TestEnvBoolParsing(t *testing.T) {
	truthy := []string{"1", "true", "yes", "on", "TRUE", " Yes "}
	for _, val := range truthy {
		t.Run("true_"+val, func(t *testing.T) {
			setenv(t, "STUDIOPROXY_CONTINUOUS_CHAT", val)
			cfg := DefaultFromEnv()
			if !cfg.ContinuousChat {
				t.Errorf("expected ContinuousChat=true for env value %q", val)
			}
		})
	}

	falsy := []string{"0", "false", "no", "off", ""}
	for _, val := range falsy {
		t.Run("false_"+val, func(t *testing.T) {
			setenv(t, "STUDIOPROXY_CONTINUOUS_CHAT", val)
			cfg := DefaultFromEnv()
			if cfg.ContinuousChat {
				t.Errorf("expected ContinuousChat=false for env value %q", val)
			}
		})
	}
}

// TestEnvDuration checks both duration strings and bare millisecond values.
func TestEnvDuration(t *testing.T) {
	tests := []struct {
		val  string
		want time.Duration
	}{
		{"45s", 45 * time.Second},
		{"1500", 1500 * time.Millisecond},
		{"2m", 2 * time.Minute},
		{"garbage", 30 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.val, func(t *testing.T) {
			setenv(t, "STUDIOPROXY_SILENCE_TIMEOUT", tt.val)
			cfg := DefaultFromEnv()
			if cfg.SilenceTimeout != tt.want {
				t.Errorf("SilenceTimeout: got %v, want %v", cfg.SilenceTimeout, tt.want)
			}
		})
	}
}

// TestEmptyRelayURLDisablesTier checks that an explicitly empty value is honored.
func TestEmptyRelayURLDisablesTier(t *testing.T) {
	setenv(t, "STUDIOPROXY_RELAY_URL", "")
	cfg := DefaultFromEnv()
	if cfg.RelayEnabled() {
		t.Errorf("expected relay disabled, got RelayURL=%q", cfg.RelayURL)
	}
}

func TestExcludedModelsList(t *testing.T) {
	setenv(t, "STUDIOPROXY_EXCLUDED_MODELS", "a, b,,c ")
	cfg := DefaultFromEnv()
	got := strings.Join(cfg.ExcludedModels, "|")
	if got != "a|b|c" {
		t.Errorf("ExcludedModels: got %q, want %q", got, "a|b|c")
	}
}

// TestLoadFileThenEnv verifies env overrides win over the YAML file.
func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "studioproxy.yaml")
	content := "port: 3000\nmodel_name: file-model\nstream_pacing: 250ms\nhelper_endpoint: http://helper.local/generate\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	unsetenv(t, "STUDIOPROXY_MODEL_NAME")
	unsetenv(t, "STUDIOPROXY_HELPER_ENDPOINT")
	unsetenv(t, "STUDIOPROXY_STREAM_PACING")
	setenv(t, "STUDIOPROXY_PORT", "4000")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 4000 {
		t.Errorf("Port: got %d, want %d", cfg.Port, 4000)
	}
	if cfg.ModelName != "file-model" {
		t.Errorf("ModelName: got %q, want %q", cfg.ModelName, "file-model")
	}
	if cfg.StreamPacing != 250*time.Millisecond {
		t.Errorf("StreamPacing: got %v, want %v", cfg.StreamPacing, 250*time.Millisecond)
	}
	if !cfg.HelperEnabled() {
		t.Error("expected helper tier enabled from file")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ServerConfig)
		wantErr string
	}{
		{"ok", func(*ServerConfig) {}, ""},
		{"port", func(c *ServerConfig) { c.Port = 0 }, "port 0 out of range"},
		{"stable polls", func(c *ServerConfig) { c.StablePolls = 0 }, "stable_polls"},
		{"negative depth", func(c *ServerConfig) { c.QueueMaxDepth = -1 }, "queue_max_depth"},
		{"silence", func(c *ServerConfig) { c.SilenceTimeout = 0 }, "silence_timeout"},
		{"sampler", func(c *ServerConfig) { c.TracingSampler = "sometimes" }, "tracing_sampler"},
		{"ratio", func(c *ServerConfig) { c.TracingSampler, c.TracingSampleRatio = "ratio", 1.5 }, "tracing_sample_ratio"},
		{"tracing endpoint", func(c *ServerConfig) { c.TracingEnabled, c.TracingEndpoint = true, " " }, "tracing_endpoint"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("got %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}
