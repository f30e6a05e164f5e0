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
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Log     LogConfig     `yaml:"log"`
	Proxy   ProxyConfig   `yaml:"proxy"`
	Limits  LimitsConfig  `yaml:"limits"`
	Runner  RunnerConfig  `yaml:"runner"`
	Session SessionConfig `yaml:"session"`
	Browser BrowserConfig `yaml:"browser"`
	Worker  WorkerConfig  `yaml:"worker"`
	Notify  NotifyConfig  `yaml:"notify"`
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
	// Driver is "sqlite" (default) or "mongo".
	Driver        string `yaml:"driver"`
	SQLitePath    string `yaml:"sqlitePath"`
	MongoURI      string `yaml:"mongoURI"`
	MongoDatabase string `yaml:"mongoDatabase"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// ProxyConfig is the process-wide default proxy used when a campaign has no
// proxy list. An empty host means sessions run without a proxy.
type ProxyConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type LimitsConfig struct {
	// ChunkSize bounds how many native sessions of one batch are in flight.
	ChunkSize int `yaml:"chunkSize"`
	// LaunchQPS paces browser launches across all campaigns; 0 disables it.
	LaunchQPS   float64 `yaml:"launchQPS"`
	LaunchBurst int     `yaml:"launchBurst"`
	// SinkQueue is the persistence queue length of the analytics recorder.
	SinkQueue int `yaml:"sinkQueue"`
}

type RunnerConfig struct {
	InterBatchDelayMs int    `yaml:"interBatchDelayMs"`
	DefaultDriver     string `yaml:"defaultDriver"`
}

func (c RunnerConfig) InterBatchDelay() time.Duration {
	if c.InterBatchDelayMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.InterBatchDelayMs) * time.Millisecond
}

type SessionConfig struct {
	NavigationTimeoutMs int     `yaml:"navigationTimeoutMs"`
	BounceMinFraction   float64 `yaml:"bounceMinFraction"`
	BounceMaxFraction   float64 `yaml:"bounceMaxFraction"`
	ClickIntervalMinSec float64 `yaml:"clickIntervalMinSec"`
	ClickIntervalMaxSec float64 `yaml:"clickIntervalMaxSec"`
	ScrollPauseMinMs    int     `yaml:"scrollPauseMinMs"`
	ScrollPauseMaxMs    int     `yaml:"scrollPauseMaxMs"`
	// ClickSettleMs bounds the wait for a navigation started by a click.
	ClickSettleMs       int     `yaml:"clickSettleMs"`
}

func (c SessionConfig) NavigationTimeout() time.Duration {
	if c.NavigationTimeoutMs <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.NavigationTimeoutMs) * time.Millisecond
}

func (c SessionConfig) ClickSettle() time.Duration {
	if c.ClickSettleMs <= 0 {
		return 3 * time.Second
	}
	return time.Duration(c.ClickSettleMs) * time.Millisecond
}

func (c SessionConfig) ScrollPauseMin() time.Duration {
	return time.Duration(c.ScrollPauseMinMs) * time.Millisecond
}

func (c SessionConfig) ScrollPauseMax() time.Duration {
	return time.Duration(c.ScrollPauseMaxMs) * time.Millisecond
}

type BrowserConfig struct {
	Bin              string `yaml:"bin"`
	NoSandbox        bool   `yaml:"noSandbox"`
	DesktopUserAgent string `yaml:"desktopUserAgent"`
	DesktopWidth     int    `yaml:"desktopWidth"`
	DesktopHeight    int    `yaml:"desktopHeight"`
	// MobileDevice names a go-rod device profile, e.g. "iPhone X".
	MobileDevice string `yaml:"mobileDevice"`
}

type WorkerConfig struct {
	Command    string   `yaml:"command"`
	Args       []string `yaml:"args"`
	TimeoutSec int      `yaml:"timeoutSec"`
	TempDir    string   `yaml:"tempDir"`
}

func (c WorkerConfig) Timeout() time.Duration {
	if c.TimeoutSec <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(c.TimeoutSec) * time.Second
}

type NotifyConfig struct {
	WebhookURL       string `yaml:"webhookURL"`
	WebhookTimeoutMs int    `yaml:"webhookTimeoutMs"`
}

func (c NotifyConfig) WebhookTimeout() time.Duration {
	if c.WebhookTimeoutMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.WebhookTimeoutMs) * time.Millisecond
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

// Default returns a config with every default applied, as if loaded from an
// empty file.
func Default() Config {
	var cfg Config
	cfg.ApplyDefaults()
	return cfg
}

func (c *Config) ApplyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8090"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "./data/traffic_engine.db"
	}
	if c.Storage.MongoDatabase == "" {
		c.Storage.MongoDatabase = "traffic_engine"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stdout"
	}
	if c.Limits.ChunkSize <= 0 {
		c.Limits.ChunkSize = 50
	}
	if c.Limits.LaunchBurst <= 0 {
		c.Limits.LaunchBurst = 5
	}
	if c.Limits.SinkQueue <= 0 {
		c.Limits.SinkQueue = 4096
	}
	if c.Runner.DefaultDriver == "" {
		c.Runner.DefaultDriver = "native"
	}
	if c.Session.BounceMinFraction <= 0 {
		c.Session.BounceMinFraction = 0.2
	}
	if c.Session.BounceMaxFraction <= 0 {
		c.Session.BounceMaxFraction = 0.5
	}
	if c.Session.ClickIntervalMinSec <= 0 {
		c.Session.ClickIntervalMinSec = 10
	}
	if c.Session.ClickIntervalMaxSec <= 0 {
		c.Session.ClickIntervalMaxSec = 20
	}
	if c.Session.ScrollPauseMinMs <= 0 {
		c.Session.ScrollPauseMinMs = 500
	}
	if c.Session.ScrollPauseMaxMs <= 0 {
		c.Session.ScrollPauseMaxMs = 2000
	}
	if c.Browser.DesktopUserAgent == "" {
		c.Browser.DesktopUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
	}
	if c.Browser.DesktopWidth <= 0 {
		c.Browser.DesktopWidth = 1920
	}
	if c.Browser.DesktopHeight <= 0 {
		c.Browser.DesktopHeight = 1080
	}
	if c.Browser.MobileDevice == "" {
		c.Browser.MobileDevice = "iPhone X"
	}
	if c.Worker.Command == "" {
		c.Worker.Command = "python3"
	}
}

func (c Config) validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	switch c.Storage.Driver {
	case "sqlite":
	case "mongo":
		if strings.TrimSpace(c.Storage.MongoURI) == "" {
			return errors.New("storage.mongoURI is required for the mongo driver")
		}
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	switch c.Runner.DefaultDriver {
	case "native", "worker":
	default:
		return fmt.Errorf("runner.defaultDriver: unknown driver %q", c.Runner.DefaultDriver)
	}
	if c.Session.BounceMinFraction > c.Session.BounceMaxFraction {
		return errors.New("session.bounceMinFraction must not exceed bounceMaxFraction")
	}
	if c.Session.BounceMaxFraction >= 1 {
		return errors.New("session.bounceMaxFraction must be below 1")
	}
	if c.Session.ClickIntervalMinSec > c.Session.ClickIntervalMaxSec {
		return errors.New("session.clickIntervalMinSec must not exceed clickIntervalMaxSec")
	}
	return nil
}
