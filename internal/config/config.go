package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"github.com/throw-if-null/reconciler/internal/api"
	"github.com/throw-if-null/reconciler/internal/paths"
)

type Config struct {
	Remote    RemoteConfig    `toml:"remote"`
	Captcha   PolicyConfig    `toml:"captcha"`
	Payment   PolicyConfig    `toml:"payment"`
	Video     PolicyConfig    `toml:"video"`
	Journal   JournalConfig   `toml:"journal"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Sandbox   SandboxConfig   `toml:"sandbox"`
}

type RemoteConfig struct {
	BaseURL   string `toml:"base_url"`
	Token     string `toml:"token"`
	TimeoutMS int    `toml:"timeout_ms"`
}

// PolicyConfig mirrors the per-kind polling policy. Zero values keep the
// defaults.
type PolicyConfig struct {
	IntervalMS     int `toml:"interval_ms"`
	BackoffMS      int `toml:"backoff_ms"`
	DeadlineS      int `toml:"deadline_s"`
	DismissAfterMS int `toml:"dismiss_after_ms"`
}

func (p PolicyConfig) Interval() time.Duration { return time.Duration(p.IntervalMS) * time.Millisecond }

func (p PolicyConfig) Backoff() time.Duration { return time.Duration(p.BackoffMS) * time.Millisecond }

func (p PolicyConfig) Deadline() time.Duration { return time.Duration(p.DeadlineS) * time.Second }

func (p PolicyConfig) DismissAfter() time.Duration {
	return time.Duration(p.DismissAfterMS) * time.Millisecond
}

type JournalConfig struct {
	Disabled bool   `toml:"disabled"`
	DSN      string `toml:"dsn"`
}

type TelemetryConfig struct {
	Enabled     bool   `toml:"enabled"`
	Endpoint    string `toml:"endpoint"`
	Insecure    bool   `toml:"insecure"`
	ServiceName string `toml:"service_name"`
}

type SandboxConfig struct {
	Addr         string `toml:"addr"`
	PendingPolls int    `toml:"pending_polls"`
	FailEvery    int    `toml:"fail_every"`
}

func Default() Config {
	addr := fmt.Sprintf("%s:%d", api.DefaultHost, api.DefaultPort)
	return Config{
		Remote:    RemoteConfig{BaseURL: "http://" + addr, TimeoutMS: 15000},
		Captcha:   PolicyConfig{IntervalMS: 5000, BackoffMS: 10000},
		Payment:   PolicyConfig{IntervalMS: 5000, BackoffMS: 10000, DeadlineS: 900, DismissAfterMS: 2500},
		Video:     PolicyConfig{IntervalMS: 5000, BackoffMS: 10000},
		Journal:   JournalConfig{DSN: paths.JournalFile()},
		Telemetry: TelemetryConfig{ServiceName: "reconciler"},
		Sandbox:   SandboxConfig{Addr: addr, PendingPolls: 2},
	}
}

// Policy returns the policy section for kind.
func (c Config) Policy(kind api.Kind) (PolicyConfig, bool) {
	switch kind {
	case api.KindCaptchaJob:
		return c.Captcha, true
	case api.KindPayment:
		return c.Payment, true
	case api.KindVideoGeneration:
		return c.Video, true
	default:
		return PolicyConfig{}, false
	}
}

var (
	ErrInvalid = errors.New("invalid config")
)

type LoadResult struct {
	Config     Config
	Found      bool
	Path       string
	ParseError error
	// EnvFile is the .env file that was loaded, if any.
	EnvFile string
}

// Load reads <repoRoot>/.reconciler/config.toml over the defaults, loads
// <repoRoot>/.env into the process environment without overriding existing
// variables, then applies environment overrides.
func Load(repoRoot string) LoadResult {
	res := LoadResult{Config: Default()}
	path := filepath.Join(repoRoot, filepath.FromSlash(paths.ConfigFile()))
	res.Path = path

	envPath := filepath.Join(repoRoot, ".env")
	if err := godotenv.Load(envPath); err == nil {
		res.EnvFile = envPath
	} else if !errors.Is(err, os.ErrNotExist) {
		res.ParseError = fmt.Errorf("%w: %s: %v", ErrInvalid, envPath, err)
		return res
	}

	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		res.ParseError = err
		return res
	default:
		res.Found = true
		var parsed Config
		if err := toml.Unmarshal(b, &parsed); err != nil {
			res.ParseError = fmt.Errorf("%w: %v", ErrInvalid, err)
			return res
		}
		res.Config = merge(Default(), parsed)
	}

	res.Config = applyEnv(res.Config, os.LookupEnv)
	if err := res.Config.Validate(); err != nil {
		res.ParseError = err
	}
	return res
}

// Validate reports settings the engine cannot run with.
func (c Config) Validate() error {
	if c.Remote.BaseURL == "" {
		return fmt.Errorf("%w: remote.base_url is required", ErrInvalid)
	}
	for _, k := range api.Kinds() {
		p, _ := c.Policy(k)
		if p.IntervalMS < 0 || p.BackoffMS < 0 || p.DeadlineS < 0 || p.DismissAfterMS < 0 {
			return fmt.Errorf("%w: %s policy values must not be negative", ErrInvalid, k)
		}
	}
	if c.Remote.TimeoutMS < 0 {
		return fmt.Errorf("%w: remote.timeout_ms must not be negative", ErrInvalid)
	}
	return nil
}

func applyEnv(cfg Config, lookup func(string) (string, bool)) Config {
	if v, ok := lookup("RECONCILER_BASE_URL"); ok && v != "" {
		cfg.Remote.BaseURL = v
	}
	if v, ok := lookup("RECONCILER_TOKEN"); ok && v != "" {
		cfg.Remote.Token = v
	}
	if v, ok := lookup("RECONCILER_JOURNAL"); ok && v != "" {
		if v == "off" {
			cfg.Journal.Disabled = true
		} else {
			cfg.Journal.DSN = v
		}
	}
	if v, ok := lookup("OTEL_EXPORTER_OTLP_ENDPOINT"); ok && v != "" {
		cfg.Telemetry.Enabled = true
		cfg.Telemetry.Endpoint = v
	}
	return cfg
}

func merge(def Config, cfg Config) Config {
	// Remote
	if cfg.Remote.BaseURL != "" {
		def.Remote.BaseURL = cfg.Remote.BaseURL
	}
	if cfg.Remote.Token != "" {
		def.Remote.Token = cfg.Remote.Token
	}
	if cfg.Remote.TimeoutMS != 0 {
		def.Remote.TimeoutMS = cfg.Remote.TimeoutMS
	}
	// Policies
	def.Captcha = mergePolicy(def.Captcha, cfg.Captcha)
	def.Payment = mergePolicy(def.Payment, cfg.Payment)
	def.Video = mergePolicy(def.Video, cfg.Video)
	// Journal
	def.Journal.Disabled = cfg.Journal.Disabled
	if cfg.Journal.DSN != "" {
		def.Journal.DSN = cfg.Journal.DSN
	}
	// Telemetry
	def.Telemetry.Enabled = cfg.Telemetry.Enabled
	def.Telemetry.Insecure = cfg.Telemetry.Insecure
	if cfg.Telemetry.Endpoint != "" {
		def.Telemetry.Endpoint = cfg.Telemetry.Endpoint
	}
	if cfg.Telemetry.ServiceName != "" {
		def.Telemetry.ServiceName = cfg.Telemetry.ServiceName
	}
	// Sandbox
	if cfg.Sandbox.Addr != "" {
		def.Sandbox.Addr = cfg.Sandbox.Addr
	}
	if cfg.Sandbox.PendingPolls != 0 {
		def.Sandbox.PendingPolls = cfg.Sandbox.PendingPolls
	}
	if cfg.Sandbox.FailEvery != 0 {
		def.Sandbox.FailEvery = cfg.Sandbox.FailEvery
	}
	return def
}

func mergePolicy(def, cfg PolicyConfig) PolicyConfig {
	if cfg.IntervalMS != 0 {
		def.IntervalMS = cfg.IntervalMS
	}
	if cfg.BackoffMS != 0 {
		def.BackoffMS = cfg.BackoffMS
	}
	if cfg.DeadlineS != 0 {
		def.DeadlineS = cfg.DeadlineS
	}
	if cfg.DismissAfterMS != 0 {
		def.DismissAfterMS = cfg.DismissAfterMS
	}
	return def
}
