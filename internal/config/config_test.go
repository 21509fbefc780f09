package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/throw-if-null/reconciler/internal/api"
)

// clearEnv unsets every variable Load reads and restores it afterwards.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"RECONCILER_BASE_URL", "RECONCILER_TOKEN", "RECONCILER_JOURNAL", "OTEL_EXPORTER_OTLP_ENDPOINT"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	rd := filepath.Join(dir, ".reconciler")
	if err := os.MkdirAll(rd, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(rd, "config.toml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoad_Missing(t *testing.T) {
	clearEnv(t)
	d := t.TempDir()

	res := Load(d)
	if res.Found {
		t.Fatalf("expected not found")
	}
	if res.ParseError != nil {
		t.Fatalf("unexpected parse error: %v", res.ParseError)
	}
	def := Default()
	if res.Config.Payment.Deadline() != 900*time.Second {
		t.Fatalf("unexpected default payment deadline: %s", res.Config.Payment.Deadline())
	}
	if res.Config.Captcha.Interval() != 5*time.Second || res.Config.Captcha.Backoff() != 10*time.Second {
		t.Fatalf("unexpected captcha defaults: %+v", res.Config.Captcha)
	}
	if res.Config.Payment.DismissAfter() != 2500*time.Millisecond {
		t.Fatalf("unexpected dismiss delay: %s", res.Config.Payment.DismissAfter())
	}
	if res.Config.Remote.BaseURL != def.Remote.BaseURL {
		t.Fatalf("unexpected base url: %s", res.Config.Remote.BaseURL)
	}
	if res.Config.Journal.DSN != ".reconciler/journal.db" {
		t.Fatalf("unexpected journal dsn: %s", res.Config.Journal.DSN)
	}
}

func TestLoad_ValidOverrides(t *testing.T) {
	clearEnv(t)
	d := t.TempDir()
	writeConfig(t, d, `
[remote]
base_url = "https://api.example.com"
timeout_ms = 3000

[payment]
deadline_s = 60

[video]
interval_ms = 2000

[journal]
disabled = true
`)
	res := Load(d)
	if !res.Found {
		t.Fatalf("expected found true")
	}
	if res.ParseError != nil {
		t.Fatalf("unexpected parse error: %v", res.ParseError)
	}
	c := res.Config
	if c.Remote.BaseURL != "https://api.example.com" || c.Remote.TimeoutMS != 3000 {
		t.Fatalf("remote not applied: %+v", c.Remote)
	}
	if c.Payment.DeadlineS != 60 {
		t.Fatalf("payment deadline not applied: %d", c.Payment.DeadlineS)
	}
	if c.Payment.IntervalMS != 5000 {
		t.Fatalf("unset payment interval must keep default, got %d", c.Payment.IntervalMS)
	}
	if c.Video.IntervalMS != 2000 || c.Video.BackoffMS != 10000 {
		t.Fatalf("video policy merge wrong: %+v", c.Video)
	}
	if !c.Journal.Disabled {
		t.Fatalf("journal.disabled not applied")
	}
}

func TestLoad_InvalidToml(t *testing.T) {
	clearEnv(t)
	d := t.TempDir()
	writeConfig(t, d, "x = [1,\n")
	res := Load(d)
	if !res.Found {
		t.Fatalf("expected found true")
	}
	if !errors.Is(res.ParseError, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", res.ParseError)
	}
	if res.Config.Remote.BaseURL != Default().Remote.BaseURL {
		t.Fatalf("expected defaults on parse error")
	}
}

func TestLoad_NegativeValuesRejected(t *testing.T) {
	clearEnv(t)
	d := t.TempDir()
	writeConfig(t, d, "[captcha]\nbackoff_ms = -1\n")
	res := Load(d)
	if !errors.Is(res.ParseError, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", res.ParseError)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	clearEnv(t)
	d := t.TempDir()
	writeConfig(t, d, "[remote]\nbase_url = \"https://file.example\"\n")
	t.Setenv("RECONCILER_BASE_URL", "https://env.example")
	t.Setenv("RECONCILER_JOURNAL", "postgres://u@localhost/journal")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://collector:4318")

	c := Load(d).Config
	if c.Remote.BaseURL != "https://env.example" {
		t.Fatalf("env must win over file, got %s", c.Remote.BaseURL)
	}
	if c.Journal.DSN != "postgres://u@localhost/journal" {
		t.Fatalf("journal dsn not applied: %s", c.Journal.DSN)
	}
	if !c.Telemetry.Enabled || c.Telemetry.Endpoint != "http://collector:4318" {
		t.Fatalf("telemetry env not applied: %+v", c.Telemetry)
	}
}

func TestLoad_DotEnv(t *testing.T) {
	clearEnv(t)
	d := t.TempDir()
	if err := os.WriteFile(filepath.Join(d, ".env"), []byte("RECONCILER_TOKEN=from-dotenv\nRECONCILER_JOURNAL=off\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	res := Load(d)
	if res.ParseError != nil {
		t.Fatalf("unexpected error: %v", res.ParseError)
	}
	if res.EnvFile == "" {
		t.Fatalf("expected .env to be reported")
	}
	if res.Config.Remote.Token != "from-dotenv" {
		t.Fatalf("token from .env not applied: %q", res.Config.Remote.Token)
	}
	if !res.Config.Journal.Disabled {
		t.Fatalf("RECONCILER_JOURNAL=off must disable the journal")
	}
}

func TestApplyEnvIgnoresEmpty(t *testing.T) {
	lookup := func(k string) (string, bool) { return "", true }
	got := applyEnv(Default(), lookup)
	if got.Remote.BaseURL != Default().Remote.BaseURL {
		t.Fatalf("empty env must not clear base url")
	}
}

func TestPolicyByKind(t *testing.T) {
	c := Default()
	for _, k := range api.Kinds() {
		if _, ok := c.Policy(k); !ok {
			t.Fatalf("missing policy for %s", k)
		}
	}
	if _, ok := c.Policy(api.Kind("nope")); ok {
		t.Fatalf("unexpected policy for unknown kind")
	}
}
