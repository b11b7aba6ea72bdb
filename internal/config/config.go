package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/NodePath81/rmbt/internal/util"
)

const (
	DefaultServerPort  = 5231
	defaultGreeting    = "RMBTv0.3"
	defaultDialTimeout = 10 * time.Second

	defaultWorkers           = 3
	defaultDuration          = 7
	defaultPretestDuration   = 2 * time.Second
	defaultFallbackThreshold = 4
	defaultPingCount         = 5
	defaultRingCapacity      = 20
	defaultMinDelta          = 100 * time.Millisecond
	defaultDownloadGrace     = 1 * time.Second

	defaultUploadSettle    = 100 * time.Millisecond
	defaultUploadWait      = 3 * time.Second
	defaultUploadForceWait = 250 * time.Millisecond
	defaultUploadDiscard   = 2 * time.Second

	defaultStatusEnabled  = false
	defaultStatusAddr     = "127.0.0.1"
	defaultStatusPort     = 8080
	defaultMetricsEnabled = true
	defaultStatusInterval = 500 * time.Millisecond

	defaultArchiveEnabled = true
	defaultArchivePath    = "rmbt.db"

	defaultNetInfoEnabled   = true
	defaultPreflightICMP    = false
	defaultPreflightCount   = 3
	defaultPreflightTimeout = 1 * time.Second

	defaultLogLevel = "info"

	defaultServeAddr      = "127.0.0.1"
	defaultServeChunkSize = "4kib"

	maxWorkers = 64
)

type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	switch value.Tag {
	case "!!int", "!!float":
		var secs float64
		if err := value.Decode(&secs); err != nil {
			return err
		}
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	default:
		var raw string
		if err := value.Decode(&raw); err != nil {
			return err
		}
		if raw == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Test      TestConfig      `yaml:"test"`
	Status    StatusConfig    `yaml:"status"`
	Archive   ArchiveConfig   `yaml:"archive"`
	GeoIP     GeoIPConfig     `yaml:"geoip"`
	NetInfo   NetInfoConfig   `yaml:"netinfo"`
	Preflight PreflightConfig `yaml:"preflight"`
	Log       LogConfig       `yaml:"log"`
	Serve     ServeConfig     `yaml:"serve"`
}

type ServerConfig struct {
	Host        string    `yaml:"host"`
	Port        int       `yaml:"port"`
	Token       string    `yaml:"token"`
	Greeting    string    `yaml:"greeting"`
	DialTimeout Duration  `yaml:"dial_timeout"`
	TLS         TLSConfig `yaml:"tls"`
}

type TLSConfig struct {
	Enabled            *bool  `yaml:"enabled"`
	ServerName         string `yaml:"server_name"`
	CAFile             string `yaml:"ca_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

type TestConfig struct {
	Workers           int      `yaml:"workers"`
	Duration          int      `yaml:"duration"`
	PretestDuration   Duration `yaml:"pretest_duration"`
	FallbackThreshold int      `yaml:"fallback_threshold"`
	PingCount         int      `yaml:"ping_count"`
	RingCapacity      int      `yaml:"ring_capacity"`
	MinDelta          Duration `yaml:"min_delta"`
	// DownloadGrace and Upload.Discard default when unset; a negative value
	// turns them off.
	DownloadGrace Duration `yaml:"download_grace"`
	// Upload holds the watcher timing used after the last chunk is sent.
	Upload UploadConfig `yaml:"upload"`
}

type UploadConfig struct {
	Settle    Duration `yaml:"settle"`
	Wait      Duration `yaml:"wait"`
	ForceWait Duration `yaml:"force_wait"`
	Discard   Duration `yaml:"discard"`
}

type StatusConfig struct {
	Enabled          *bool         `yaml:"enabled"`
	BindAddr         string        `yaml:"bind_addr"`
	BindPort         int           `yaml:"bind_port"`
	AuthToken        string        `yaml:"auth_token"`
	ProgressInterval Duration      `yaml:"progress_interval"`
	Metrics          MetricsConfig `yaml:"metrics"`
}

type MetricsConfig struct {
	Enabled *bool `yaml:"enabled"`
}

type ArchiveConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type GeoIPConfig struct {
	CountryDB string `yaml:"country_db"`
	ASNDB     string `yaml:"asn_db"`
}

type NetInfoConfig struct {
	Enabled *bool `yaml:"enabled"`
}

type PreflightConfig struct {
	ICMP    *bool    `yaml:"icmp"`
	Count   int      `yaml:"count"`
	Timeout Duration `yaml:"timeout"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// ServeConfig configures the built-in development server.
type ServeConfig struct {
	BindAddr  string `yaml:"bind_addr"`
	BindPort  int    `yaml:"bind_port"`
	Token     string `yaml:"token"`
	ChunkSize string `yaml:"chunk_size"`
	RateLimit string `yaml:"rate_limit"`
	// UploadLimit caps client uploads, e.g. "20m".
	UploadLimit string `yaml:"upload_limit"`

	ChunkSizeBytes  int    `yaml:"-"`
	RateLimitBits   uint64 `yaml:"-"`
	UploadLimitBits uint64 `yaml:"-"`
}

func (t TLSConfig) IsEnabled() bool {
	return util.BoolValue(t.Enabled, false)
}

func (s StatusConfig) IsEnabled() bool {
	return util.BoolValue(s.Enabled, defaultStatusEnabled)
}

func (m MetricsConfig) IsEnabled() bool {
	return util.BoolValue(m.Enabled, defaultMetricsEnabled)
}

func (a ArchiveConfig) IsEnabled() bool {
	return util.BoolValue(a.Enabled, defaultArchiveEnabled)
}

func (n NetInfoConfig) IsEnabled() bool {
	return util.BoolValue(n.Enabled, defaultNetInfoEnabled)
}

func (p PreflightConfig) ICMPEnabled() bool {
	return util.BoolValue(p.ICMP, defaultPreflightICMP)
}

// Default returns a validated configuration with every default applied.
func Default() Config {
	var cfg Config
	cfg.setDefaults()
	_ = cfg.Validate()
	return cfg
}

func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, err
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultServerPort
	}
	if c.Server.Greeting == "" {
		c.Server.Greeting = defaultGreeting
	}
	if c.Server.DialTimeout == 0 {
		c.Server.DialTimeout = Duration(defaultDialTimeout)
	}

	if c.Test.Workers == 0 {
		c.Test.Workers = defaultWorkers
	}
	if c.Test.Duration == 0 {
		c.Test.Duration = defaultDuration
	}
	if c.Test.PretestDuration == 0 {
		c.Test.PretestDuration = Duration(defaultPretestDuration)
	}
	if c.Test.FallbackThreshold == 0 {
		c.Test.FallbackThreshold = defaultFallbackThreshold
	}
	if c.Test.PingCount == 0 {
		c.Test.PingCount = defaultPingCount
	}
	if c.Test.RingCapacity == 0 {
		c.Test.RingCapacity = defaultRingCapacity
	}
	if c.Test.MinDelta == 0 {
		c.Test.MinDelta = Duration(defaultMinDelta)
	}
	if c.Test.DownloadGrace == 0 {
		c.Test.DownloadGrace = Duration(defaultDownloadGrace)
	}
	if c.Test.Upload.Settle == 0 {
		c.Test.Upload.Settle = Duration(defaultUploadSettle)
	}
	if c.Test.Upload.Wait == 0 {
		c.Test.Upload.Wait = Duration(defaultUploadWait)
	}
	if c.Test.Upload.ForceWait == 0 {
		c.Test.Upload.ForceWait = Duration(defaultUploadForceWait)
	}
	if c.Test.Upload.Discard == 0 {
		c.Test.Upload.Discard = Duration(defaultUploadDiscard)
	}

	if c.Status.BindAddr == "" {
		c.Status.BindAddr = defaultStatusAddr
	}
	if c.Status.BindPort == 0 {
		c.Status.BindPort = defaultStatusPort
	}
	if c.Status.ProgressInterval == 0 {
		c.Status.ProgressInterval = Duration(defaultStatusInterval)
	}

	if c.Archive.Path == "" {
		c.Archive.Path = defaultArchivePath
	}

	if c.Preflight.Count == 0 {
		c.Preflight.Count = defaultPreflightCount
	}
	if c.Preflight.Timeout == 0 {
		c.Preflight.Timeout = Duration(defaultPreflightTimeout)
	}

	if c.Log.Level == "" {
		c.Log.Level = defaultLogLevel
	}

	if c.Serve.BindAddr == "" {
		c.Serve.BindAddr = defaultServeAddr
	}
	if c.Serve.BindPort == 0 {
		c.Serve.BindPort = DefaultServerPort
	}
	if c.Serve.ChunkSize == "" {
		c.Serve.ChunkSize = defaultServeChunkSize
	}
}

// Validate checks ranges and resolves derived fields. It does not require
// server.host so that configs used only for "serve" or "history" pass.
func (c *Config) Validate() error {
	c.Server.Host = strings.TrimSpace(c.Server.Host)
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("server.port must be in 1..65535")
	}
	if c.Server.DialTimeout.Duration() <= 0 {
		return errors.New("server.dial_timeout must be > 0")
	}

	if c.Test.Workers < 1 || c.Test.Workers > maxWorkers {
		return fmt.Errorf("test.workers must be in 1..%d", maxWorkers)
	}
	if c.Test.Duration < 1 {
		return errors.New("test.duration must be >= 1")
	}
	if c.Test.PretestDuration.Duration() <= 0 {
		return errors.New("test.pretest_duration must be > 0")
	}
	if c.Test.FallbackThreshold < 1 {
		return errors.New("test.fallback_threshold must be >= 1")
	}
	if c.Test.PingCount < 1 {
		return errors.New("test.ping_count must be >= 1")
	}
	if c.Test.RingCapacity < 2 {
		return errors.New("test.ring_capacity must be >= 2")
	}
	if c.Test.MinDelta.Duration() < 0 {
		return errors.New("test.min_delta must be >= 0")
	}
	up := c.Test.Upload
	if up.Settle.Duration() <= 0 || up.Wait.Duration() <= 0 || up.ForceWait.Duration() <= 0 {
		return errors.New("test.upload.settle, wait and force_wait must be > 0")
	}

	if c.Status.IsEnabled() {
		if c.Status.BindPort <= 0 || c.Status.BindPort > 65535 {
			return errors.New("status.bind_port must be in 1..65535")
		}
		if c.Status.ProgressInterval.Duration() <= 0 {
			return errors.New("status.progress_interval must be > 0")
		}
	}
	if c.Archive.IsEnabled() && strings.TrimSpace(c.Archive.Path) == "" {
		return errors.New("archive.path is required when archive is enabled")
	}
	if c.Preflight.Count < 1 {
		return errors.New("preflight.count must be >= 1")
	}
	if c.Preflight.Timeout.Duration() <= 0 {
		return errors.New("preflight.timeout must be > 0")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error")
	}

	if c.Serve.BindPort <= 0 || c.Serve.BindPort > 65535 {
		return errors.New("serve.bind_port must be in 1..65535")
	}
	size, err := ParseSize(c.Serve.ChunkSize)
	if err != nil {
		return fmt.Errorf("serve.chunk_size: %w", err)
	}
	if size < 1 || size > 4*1024*1024 {
		return errors.New("serve.chunk_size must be in 1..4mib")
	}
	c.Serve.ChunkSizeBytes = size
	rate, err := ParseBandwidth(c.Serve.RateLimit)
	if err != nil {
		return fmt.Errorf("serve.rate_limit: %w", err)
	}
	c.Serve.RateLimitBits = rate
	upload, err := ParseBandwidth(c.Serve.UploadLimit)
	if err != nil {
		return fmt.Errorf("serve.upload_limit: %w", err)
	}
	c.Serve.UploadLimitBits = upload
	return nil
}

// ChunkRate converts the serve rate limit into chunks per second.
func (s ServeConfig) ChunkRate() float64 {
	if s.RateLimitBits == 0 || s.ChunkSizeBytes == 0 {
		return 0
	}
	return float64(s.RateLimitBits) / 8 / float64(s.ChunkSizeBytes)
}

// Build returns the client TLS configuration, or nil when TLS is disabled.
func (t TLSConfig) Build(host string) (*tls.Config, error) {
	if !t.IsEnabled() {
		return nil, nil
	}
	cfg := &tls.Config{
		ServerName:         t.ServerName,
		InsecureSkipVerify: t.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	if t.CAFile != "" {
		pem, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ca_file %s: no certificates found", t.CAFile)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}
