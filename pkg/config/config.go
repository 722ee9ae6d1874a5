package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/powercycled/powercycled/pkg/logscan"
)

const DefaultConfigPath = "/etc/powercycled/config.yaml"

const (
	ProbeMethodPing = "ping"
	ProbeMethodTCP  = "tcp"
)

// Config represents the on-disk configuration of the power-cycle tester.
type Config struct {
	Host             string            `yaml:"host"`
	Loops            int               `yaml:"loops"`
	IOTimeSec        int               `yaml:"io_time_sec"`
	PowerOffWaitSec  int               `yaml:"power_off_wait_sec"`
	PowerOnWaitSec   int               `yaml:"power_on_wait_sec"`
	ShutdownGraceSec int               `yaml:"shutdown_grace_sec"`
	LogPath          string            `yaml:"log_path"`
	IssueKeywords    string            `yaml:"issue_keywords"`
	CheckLogEnabled  bool              `yaml:"check_log_enabled"`
	SafeMode         bool              `yaml:"safe_mode"`
	Probe            ProbeConfig       `yaml:"probe"`
	Power            PowerConfig       `yaml:"power"`
	RunLock          RunLockConfig     `yaml:"run_lock"`
	EventStream      EventStreamConfig `yaml:"event_stream"`
	Metrics          MetricsConfig     `yaml:"metrics"`
	LogFile          string            `yaml:"log_file"`
}

// ProbeConfig selects and tunes the reachability mechanism.
type ProbeConfig struct {
	Method            string `yaml:"method"`
	Attempts          int    `yaml:"attempts"`
	AttemptTimeoutSec int    `yaml:"attempt_timeout_sec"`
	PingCount         int    `yaml:"ping_count"`
	Port              int    `yaml:"port"`
}

// PowerConfig describes the commands that drive the relay and the remote shutdown.
type PowerConfig struct {
	OnCommand       []string `yaml:"on_command"`
	OffCommand      []string `yaml:"off_command"`
	ShutdownCommand []string `yaml:"shutdown_command"`
	TimeoutSec      int      `yaml:"timeout_sec"`
	RequiredFiles   []string `yaml:"required_files"`
}

// RunLockConfig configures the optional etcd lock guarding a target host.
type RunLockConfig struct {
	Enabled       bool           `yaml:"enabled"`
	EtcdEndpoints []string       `yaml:"etcd_endpoints"`
	EtcdNamespace string         `yaml:"etcd_namespace"`
	EtcdTLS       *EtcdTLSConfig `yaml:"etcd_tls"`
	KeyPrefix     string         `yaml:"key_prefix"`
	TTLSec        int            `yaml:"ttl_sec"`
	Identity      string         `yaml:"identity"`
}

// EtcdTLSConfig configures optional TLS settings for connecting to etcd.
type EtcdTLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	Insecure bool   `yaml:"insecure_skip_verify"`
}

// EventStreamConfig configures fan-out of run events to a Redis stream.
type EventStreamConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
	MaxLen   int64  `yaml:"max_len"`
}

// MetricsConfig defines observability exposure options.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// ValidationError aggregates multiple configuration validation failures.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Is(target error) bool {
	var other *ValidationError
	return errors.As(target, &other)
}

// Load reads, parses, and validates a configuration from disk.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return decode(f)
}

func decode(r io.Reader) (*Config, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	var cfg Config
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks for semantic correctness in the configuration.
func (c *Config) Validate() error {
	problems := make([]string, 0)

	if !ValidHost(c.Host) {
		problems = append(problems, fmt.Sprintf("host %q must be a dotted-quad IPv4 address", c.Host))
	}
	if c.Loops <= 0 {
		problems = append(problems, "loops must be greater than zero")
	}
	if c.IOTimeSec < 0 {
		problems = append(problems, "io_time_sec must be non-negative")
	}
	if c.PowerOffWaitSec < 0 {
		problems = append(problems, "power_off_wait_sec must be non-negative")
	}
	if c.PowerOnWaitSec < 0 {
		problems = append(problems, "power_on_wait_sec must be non-negative")
	}
	if c.ShutdownGraceSec < 0 {
		problems = append(problems, "shutdown_grace_sec must be non-negative")
	}
	if c.CheckLogEnabled && strings.TrimSpace(c.LogPath) == "" {
		problems = append(problems, "log_path is required when check_log_enabled is true")
	}

	switch c.Probe.Method {
	case ProbeMethodPing:
		if c.Probe.PingCount <= 0 {
			problems = append(problems, "probe.ping_count must be greater than zero")
		}
	case ProbeMethodTCP:
		if c.Probe.Port <= 0 || c.Probe.Port > 65535 {
			problems = append(problems, "probe.port must be within 1-65535 for tcp probes")
		}
	default:
		problems = append(problems, fmt.Sprintf("probe.method %q is not supported", c.Probe.Method))
	}
	if c.Probe.Attempts <= 0 {
		problems = append(problems, "probe.attempts must be greater than zero")
	}
	if c.Probe.AttemptTimeoutSec <= 0 {
		problems = append(problems, "probe.attempt_timeout_sec must be greater than zero")
	}

	if len(c.Power.OnCommand) == 0 {
		problems = append(problems, "power.on_command must specify the command to execute")
	}
	if len(c.Power.OffCommand) == 0 {
		problems = append(problems, "power.off_command must specify the command to execute")
	}
	if c.SafeMode && len(c.Power.ShutdownCommand) == 0 {
		problems = append(problems, "power.shutdown_command is required when safe_mode is true")
	}
	if c.Power.TimeoutSec < 0 {
		problems = append(problems, "power.timeout_sec must be non-negative")
	}

	if c.RunLock.Enabled {
		if len(c.RunLock.EtcdEndpoints) == 0 {
			problems = append(problems, "run_lock.etcd_endpoints must contain at least one endpoint")
		}
		if c.RunLock.TTLSec <= 0 {
			problems = append(problems, "run_lock.ttl_sec must be greater than zero")
		}
		if tls := c.RunLock.EtcdTLS; tls != nil && tls.Enabled {
			if strings.TrimSpace(tls.CAFile) == "" {
				problems = append(problems, "run_lock.etcd_tls.ca_file is required when TLS is enabled")
			}
			if strings.TrimSpace(tls.CertFile) == "" {
				problems = append(problems, "run_lock.etcd_tls.cert_file is required when TLS is enabled")
			}
			if strings.TrimSpace(tls.KeyFile) == "" {
				problems = append(problems, "run_lock.etcd_tls.key_file is required when TLS is enabled")
			}
		}
	}
	if c.EventStream.Enabled && strings.TrimSpace(c.EventStream.Addr) == "" {
		problems = append(problems, "event_stream.addr must be set when event_stream.enabled is true")
	}
	if c.Metrics.Enabled && strings.TrimSpace(c.Metrics.Listen) == "" {
		problems = append(problems, "metrics.listen must be set when metrics.enabled is true")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.ShutdownGraceSec == 0 {
		c.ShutdownGraceSec = 30
	}
	if c.Probe.Method == "" {
		c.Probe.Method = ProbeMethodPing
	}
	if c.Probe.Attempts == 0 {
		c.Probe.Attempts = 20
	}
	if c.Probe.AttemptTimeoutSec == 0 {
		c.Probe.AttemptTimeoutSec = 10
	}
	if c.Probe.PingCount == 0 {
		c.Probe.PingCount = 2
	}
	if c.Power.TimeoutSec == 0 {
		c.Power.TimeoutSec = 30
	}
	if c.RunLock.KeyPrefix == "" {
		c.RunLock.KeyPrefix = "/powercycled/targets"
	}
	if c.RunLock.TTLSec == 0 {
		c.RunLock.TTLSec = 60
	}
	if c.EventStream.Prefix == "" {
		c.EventStream.Prefix = "powercycled"
	}
	if c.EventStream.MaxLen == 0 {
		c.EventStream.MaxLen = 10000
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = "127.0.0.1:9464"
	}
	if c.LogFile == "" {
		c.LogFile = "powercycle.log"
	}
}

// ValidHost reports whether host is a dotted-quad IPv4 address with octets in 0-255.
func ValidHost(host string) bool {
	parts := strings.Split(host, ".")
	if len(parts) != 4 {
		return false
	}
	for _, part := range parts {
		if part == "" || len(part) > 3 {
			return false
		}
		for _, r := range part {
			if r < '0' || r > '9' {
				return false
			}
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 || n > 255 {
			return false
		}
	}
	return true
}

// Snapshot freezes the run parameters into an immutable TestConfig.
func (c *Config) Snapshot() TestConfig {
	return TestConfig{
		Host:            c.Host,
		Loops:           c.Loops,
		IOTime:          seconds(c.IOTimeSec),
		PowerOffWait:    seconds(c.PowerOffWaitSec),
		PowerOnWait:     seconds(c.PowerOnWaitSec),
		ShutdownGrace:   seconds(c.ShutdownGraceSec),
		LogPath:         c.LogPath,
		IssueKeywords:   logscan.ParseKeywords(c.IssueKeywords),
		CheckLogEnabled: c.CheckLogEnabled,
		SafeMode:        c.SafeMode,
		ProbeAttempts:   c.Probe.Attempts,
	}
}

// ProbeAttemptTimeout returns the per-attempt reachability timeout.
func (c *Config) ProbeAttemptTimeout() time.Duration {
	return seconds(c.Probe.AttemptTimeoutSec)
}

// PowerTimeout returns how long a single relay or shutdown command may run.
func (c *Config) PowerTimeout() time.Duration {
	return seconds(c.Power.TimeoutSec)
}

// RunLockTTL returns the etcd session TTL guarding a run.
func (c *Config) RunLockTTL() time.Duration {
	return seconds(c.RunLock.TTLSec)
}

// RunLockKey returns the lock key for the configured target host.
func (c *Config) RunLockKey() string {
	return strings.TrimRight(c.RunLock.KeyPrefix, "/") + "/" + c.Host
}

// TLSConfig builds the client TLS configuration for etcd, or nil when TLS is disabled.
func (t *EtcdTLSConfig) TLSConfig() (*tls.Config, error) {
	if t == nil || !t.Enabled {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load etcd client certificate: %w", err)
	}
	caPEM, err := os.ReadFile(t.CAFile)
	if err != nil {
		return nil, fmt.Errorf("read etcd CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("etcd CA file %s contains no certificates", t.CAFile)
	}
	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		RootCAs:            pool,
		InsecureSkipVerify: t.Insecure,
		MinVersion:         tls.VersionTLS12,
	}, nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
