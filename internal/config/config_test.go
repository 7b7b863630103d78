package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func setupDummyEnv(t *testing.T) {
	t.Helper()
	t.Chdir(t.TempDir())
	t.Setenv("CHATDESK_MODEL_PROVIDER", "dummy")
}

func TestLoad_Defaults(t *testing.T) {
	setupDummyEnv(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if cfg.Addr != ":8080" || cfg.HistoryWindow != 5 || cfg.MaxRetries != 2 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.CompletionTimeout() != 60*time.Second {
		t.Fatalf("unexpected completion timeout: %s", cfg.CompletionTimeout())
	}
	if cfg.BreakerCooldown() != 30*time.Second {
		t.Fatalf("unexpected breaker cooldown: %s", cfg.BreakerCooldown())
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	setupDummyEnv(t)
	t.Setenv("CHATDESK_HISTORY_WINDOW", "8")
	t.Setenv("CHATDESK_DB_PATH", "/tmp/x.db")
	t.Setenv("CHATDESK_DUMMY_SCRIPT", "msg:hi")
	t.Setenv("CHATDESK_GEMINI_MODEL", "gemini-test")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if cfg.HistoryWindow != 8 {
		t.Fatalf("expected window 8, got %d", cfg.HistoryWindow)
	}
	if cfg.DBPath != "/tmp/x.db" || cfg.DummyScript != "msg:hi" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Gemini.Model != "gemini-test" {
		t.Fatalf("expected nested env override, got %q", cfg.Gemini.Model)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	setupDummyEnv(t)
	path := filepath.Join(t.TempDir(), "chatdesk.yaml")
	body := "addr: \":9090\"\nhistory_window: 3\nopenai:\n  model: gpt-test\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CHATDESK_HISTORY_WINDOW", "4")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if cfg.Addr != ":9090" || cfg.OpenAI.Model != "gpt-test" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.HistoryWindow != 4 {
		t.Fatalf("env should win over file, got %d", cfg.HistoryWindow)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	setupDummyEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoad_ProviderCredentials(t *testing.T) {
	t.Chdir(t.TempDir())
	cases := []struct {
		provider string
		wantKey  string
	}{
		{"openai", "CHATDESK_OPENAI_API_KEY"},
		{"gemini", "CHATDESK_GEMINI_API_KEY"},
		{"bogus", "CHATDESK_MODEL_PROVIDER"},
	}
	for _, c := range cases {
		t.Setenv("CHATDESK_MODEL_PROVIDER", c.provider)
		_, err := Load("")
		if err == nil {
			t.Fatalf("provider %s: expected error", c.provider)
		}
		if !strings.Contains(err.Error(), c.wantKey) {
			t.Fatalf("provider %s: unexpected err: %v", c.provider, err)
		}
	}

	t.Setenv("CHATDESK_MODEL_PROVIDER", "OpenAI")
	t.Setenv("CHATDESK_OPENAI_API_KEY", "k")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if cfg.ModelProvider != ProviderOpenAI {
		t.Fatalf("expected normalized provider, got %q", cfg.ModelProvider)
	}
}

func TestLoad_ValidatesRanges(t *testing.T) {
	cases := map[string]string{
		"CHATDESK_HISTORY_WINDOW":             "0",
		"CHATDESK_COMPLETION_TIMEOUT_SECONDS": "0",
		"CHATDESK_MAX_RETRIES":                "-1",
		"CHATDESK_BREAKER_THRESHOLD":          "0",
		"CHATDESK_BREAKER_COOLDOWN_SECONDS":   "0",
		"CHATDESK_BROADCAST_WORKERS":          "0",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setupDummyEnv(t)
			t.Setenv(key, value)
			_, err := Load("")
			if err == nil {
				t.Fatalf("expected error for %s=%s", key, value)
			}
			if !strings.Contains(err.Error(), key) {
				t.Fatalf("unexpected err: %v", err)
			}
		})
	}
}

func TestEnvName(t *testing.T) {
	if got := EnvName("openai.api_key"); got != "CHATDESK_OPENAI_API_KEY" {
		t.Fatalf("unexpected env name %s", got)
	}
}
