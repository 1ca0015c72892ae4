package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Proxy    ProxyConfig    `yaml:"proxy"`
	Limits   LimitsConfig   `yaml:"limits"`
	Worker   WorkerConfig   `yaml:"worker"`
	Planner  PlannerConfig  `yaml:"planner"`
	Provider ProviderConfig `yaml:"provider"`
}

type ServerConfig struct {
	Addr string     `yaml:"addr"`
	Cors CorsConfig `yaml:"cors"`
}

type CorsConfig struct {
	AllowOrigins     []string `yaml:"allowOrigins"`
	AllowCredentials bool     `yaml:"allowCredentials"`
}

type StorageConfig struct {
	SQLitePath string `yaml:"sqlitePath"`
}

type ProxyConfig struct {
	Global string `yaml:"global"`
	// Required makes the selector refuse accounts without a proxy when no
	// global proxy is configured.
	Required bool `yaml:"required"`
}

type LimitsConfig struct {
	// SessionQPS is the outbound rate per session key; the limiter never
	// goes below a 250ms spacing.
	SessionQPS  float64 `yaml:"sessionQPS"`
	MaxInFlight int     `yaml:"maxInFlight"`
}

type WorkerConfig struct {
	ID                   string `yaml:"id"`
	PollIntervalMs       int    `yaml:"pollIntervalMs"`
	TaskTimeoutMs        int    `yaml:"taskTimeoutMs"`
	MaxAttempts          int    `yaml:"maxAttempts"`
	StaleAfterMs         int    `yaml:"staleAfterMs"`
	StaleSweepIntervalMs int    `yaml:"staleSweepIntervalMs"`
	PruneAfterHours      int    `yaml:"pruneAfterHours"`
	PruneIntervalMs      int    `yaml:"pruneIntervalMs"`
	PlanIntervalMs       int    `yaml:"planIntervalMs"`
	// Profile forces the starting scroll profile of every task when set.
	Profile    string `yaml:"profile"`
	MaxScrolls int    `yaml:"maxScrolls"`
}

func (c WorkerConfig) PollInterval() time.Duration {
	if c.PollIntervalMs <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

func (c WorkerConfig) TaskTimeout() time.Duration {
	if c.TaskTimeoutMs <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.TaskTimeoutMs) * time.Millisecond
}

func (c WorkerConfig) StaleAfter() time.Duration {
	if c.StaleAfterMs <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(c.StaleAfterMs) * time.Millisecond
}

func (c WorkerConfig) StaleSweepInterval() time.Duration {
	if c.StaleSweepIntervalMs <= 0 {
		return time.Minute
	}
	return time.Duration(c.StaleSweepIntervalMs) * time.Millisecond
}

func (c WorkerConfig) PruneAfter() time.Duration {
	if c.PruneAfterHours <= 0 {
		return 7 * 24 * time.Hour
	}
	return time.Duration(c.PruneAfterHours) * time.Hour
}

func (c WorkerConfig) PruneInterval() time.Duration {
	if c.PruneIntervalMs <= 0 {
		return time.Hour
	}
	return time.Duration(c.PruneIntervalMs) * time.Millisecond
}

// PlanInterval of zero disables the built-in plan loop.
func (c WorkerConfig) PlanInterval() time.Duration {
	if c.PlanIntervalMs <= 0 {
		return 0
	}
	return time.Duration(c.PlanIntervalMs) * time.Millisecond
}

type PlannerConfig struct {
	MaxTargetsPerOwner   int `yaml:"maxTargetsPerOwner"`
	MaxPostsPerOwner     int `yaml:"maxPostsPerOwner"`
	DefaultPostsPerRun   int `yaml:"defaultPostsPerRun"`
	UnstableProbeMinutes int `yaml:"unstableProbeMinutes"`
}

func (c PlannerConfig) UnstableProbeInterval() time.Duration {
	return time.Duration(c.UnstableProbeMinutes) * time.Minute
}

type ProviderConfig struct {
	// Kind is "browser" or "remote".
	Kind    string        `yaml:"kind"`
	Browser BrowserConfig `yaml:"browser"`
	Remote  RemoteConfig  `yaml:"remote"`
}

type BrowserConfig struct {
	Headless        bool   `yaml:"headless"`
	ControlURL      string `yaml:"controlURL"`
	BaseURL         string `yaml:"baseURL"`
	ItemSelector    string `yaml:"itemSelector"`
	CaptchaSelector string `yaml:"captchaSelector"`
	NavTimeoutMs    int    `yaml:"navTimeoutMs"`
}

func (c BrowserConfig) NavTimeout() time.Duration {
	if c.NavTimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.NavTimeoutMs) * time.Millisecond
}

type RemoteConfig struct {
	BaseURL   string         `yaml:"baseURL"`
	TimeoutMs int            `yaml:"timeoutMs"`
	Retry     RemoteRetryCfg `yaml:"retry"`
}

type RemoteRetryCfg struct {
	Count     int `yaml:"count"`
	WaitMs    int `yaml:"waitMs"`
	MaxWaitMs int `yaml:"maxWaitMs"`
}

func (c RemoteConfig) Timeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return 20 * time.Second
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c RemoteRetryCfg) Wait() time.Duration {
	if c.WaitMs <= 0 {
		return 200 * time.Millisecond
	}
	return time.Duration(c.WaitMs) * time.Millisecond
}

func (c RemoteRetryCfg) MaxWait() time.Duration {
	if c.MaxWaitMs <= 0 {
		return 1200 * time.Millisecond
	}
	return time.Duration(c.MaxWaitMs) * time.Millisecond
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

func Parse(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	cfg.ApplyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) ApplyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8090"
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "./data/feedcrawler.db"
	}
	if c.Limits.SessionQPS <= 0 {
		c.Limits.SessionQPS = 0.5
	}
	if c.Limits.MaxInFlight <= 0 {
		c.Limits.MaxInFlight = 4
	}
	if c.Worker.ID == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "worker"
		}
		c.Worker.ID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if c.Worker.MaxAttempts <= 0 {
		c.Worker.MaxAttempts = 3
	}
	if c.Worker.MaxScrolls <= 0 {
		c.Worker.MaxScrolls = 200
	}
	if c.Planner.MaxTargetsPerOwner <= 0 {
		c.Planner.MaxTargetsPerOwner = 10
	}
	if c.Planner.MaxPostsPerOwner <= 0 {
		c.Planner.MaxPostsPerOwner = 400
	}
	if c.Planner.DefaultPostsPerRun <= 0 {
		c.Planner.DefaultPostsPerRun = 50
	}
	if c.Planner.UnstableProbeMinutes <= 0 {
		c.Planner.UnstableProbeMinutes = 30
	}
	if c.Provider.Kind == "" {
		c.Provider.Kind = "browser"
	}
	if c.Provider.Browser.BaseURL == "" {
		c.Provider.Browser.BaseURL = "https://x.com"
	}
	if c.Provider.Browser.ItemSelector == "" {
		c.Provider.Browser.ItemSelector = `article[data-testid="tweet"]`
	}
	if c.Provider.Browser.CaptchaSelector == "" {
		c.Provider.Browser.CaptchaSelector = `iframe[src*="arkoselabs"], iframe[title*="captcha" i]`
	}
	if c.Provider.Remote.BaseURL == "" {
		c.Provider.Remote.BaseURL = "http://127.0.0.1:8081"
	}
	if c.Provider.Remote.Retry.Count < 0 {
		c.Provider.Remote.Retry.Count = 0
	}
}

func (c Config) validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	switch strings.ToUpper(c.Worker.Profile) {
	case "", "SAFE", "NORMAL", "AGGRESSIVE":
	default:
		return fmt.Errorf("worker.profile must be SAFE, NORMAL or AGGRESSIVE, got %q", c.Worker.Profile)
	}
	switch c.Provider.Kind {
	case "browser", "remote":
	default:
		return fmt.Errorf("provider.kind must be browser or remote, got %q", c.Provider.Kind)
	}
	return nil
}
