package config

import (
	"fmt"
	"strings"
	"time"
)

// DatabaseConfig holds PostgreSQL connection configuration.
type DatabaseConfig struct {
	Host            string `toml:"host"`
	Port            string `toml:"port"`
	User            string `toml:"user"`
	Password        string `toml:"password"`
	Name            string `toml:"name"`
	TLSMode         bool   `toml:"tls"`
	LogQueries      bool   `toml:"log_queries"`
	MaxConns        int    `toml:"max_conns"`
	MinConns        int    `toml:"min_conns"`
	MaxConnLifetime string `toml:"max_conn_lifetime"`
	MaxConnIdleTime string `toml:"max_conn_idle_time"`
}

// GetMaxConnLifetime parses the max connection lifetime duration.
func (d *DatabaseConfig) GetMaxConnLifetime() (time.Duration, error) {
	if d.MaxConnLifetime == "" {
		return time.Hour, nil
	}
	return time.ParseDuration(d.MaxConnLifetime)
}

// GetMaxConnIdleTime parses the max connection idle time duration.
func (d *DatabaseConfig) GetMaxConnIdleTime() (time.Duration, error) {
	if d.MaxConnIdleTime == "" {
		return 30 * time.Minute, nil
	}
	return time.ParseDuration(d.MaxConnIdleTime)
}

// S3Config holds S3 configuration for raw message artifacts.
type S3Config struct {
	Endpoint      string `toml:"endpoint"`
	DisableTLS    bool   `toml:"disable_tls"`
	AccessKey     string `toml:"access_key"`
	SecretKey     string `toml:"secret_key"`
	Bucket        string `toml:"bucket"`
	Debug         bool   `toml:"debug"`
	Encrypt       bool   `toml:"encrypt"`
	EncryptionKey string `toml:"encryption_key"`
}

// SpoolConfig holds local artifact spool configuration.
type SpoolConfig struct {
	Path          string `toml:"path"`
	BatchSize     int    `toml:"batch_size"`
	MaxAttempts   int    `toml:"max_attempts"`
	RetryInterval string `toml:"retry_interval"`
}

// GetRetryInterval parses the uploader retry interval.
func (s *SpoolConfig) GetRetryInterval() (time.Duration, error) {
	if s.RetryInterval == "" {
		return 30 * time.Second, nil
	}
	return time.ParseDuration(s.RetryInterval)
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Output string `toml:"output"` // "stdout", "stderr", "syslog" or a file path
	Format string `toml:"format"` // "console" or "json"
	Level  string `toml:"level"`  // "debug", "info", "warn", "error"
}

// MetricsConfig holds Prometheus metrics listener configuration.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	Path    string `toml:"path"`
}

// HTTPConfig holds the submission/management API listener configuration.
type HTTPConfig struct {
	Addr         string   `toml:"addr"`
	APIKey       string   `toml:"api_key"`
	AllowedHosts []string `toml:"allowed_hosts"`
	TLS          bool     `toml:"tls"`
	TLSCertFile  string   `toml:"tls_cert_file"`
	TLSKeyFile   string   `toml:"tls_key_file"`
}

// RelayConfig holds the outbound SMTP relay configuration.
type RelayConfig struct {
	Host        string `toml:"host"`
	UseTLS      bool   `toml:"tls"`
	UseStartTLS bool   `toml:"starttls"`
	TLSVerify   bool   `toml:"tls_verify"`
	Username    string `toml:"username"`
	Password    string `toml:"password"`
}

// FromRewriteRule describes one conditional From-header rewrite. All non-empty
// conditions must hold for the rewrite to apply.
type FromRewriteRule struct {
	Mailbox       string `toml:"mailbox"`        // mailbox domain the message belongs to
	Peer          string `toml:"peer"`           // submitting peer slug
	SubjectEquals string `toml:"subject_equals"` // exact decoded Subject header
	FromNotSuffix string `toml:"from_not_suffix"`
	RewriteTo     string `toml:"rewrite_to"`
}

// PolicyConfig holds forward-eligibility policy configuration.
type PolicyConfig struct {
	DisableOutgoing    bool              `toml:"disable_outgoing"`
	PlainTextOnly      bool              `toml:"plain_text_only"`
	RequireFromRewrite bool              `toml:"require_from_rewrite"`
	FromRewrite        []FromRewriteRule `toml:"from_rewrite"`
}

// Config holds all configuration for the application.
type Config struct {
	Database DatabaseConfig `toml:"database"`
	S3       S3Config       `toml:"s3"`
	Spool    SpoolConfig    `toml:"spool"`
	Logging  LoggingConfig  `toml:"logging"`
	Metrics  MetricsConfig  `toml:"metrics"`
	HTTP     HTTPConfig     `toml:"http"`
	Relay    RelayConfig    `toml:"relay"`
	Policy   PolicyConfig   `toml:"policy"`
}

// Validate checks the configuration for missing or contradictory settings.
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.S3.Endpoint == "" || c.S3.Bucket == "" {
		return fmt.Errorf("s3.endpoint and s3.bucket are required")
	}
	if c.S3.Encrypt && c.S3.EncryptionKey == "" {
		return fmt.Errorf("s3.encryption_key is required when s3.encrypt is enabled")
	}
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	if c.HTTP.APIKey == "" {
		return fmt.Errorf("http.api_key is required")
	}
	if c.HTTP.TLS && (c.HTTP.TLSCertFile == "" || c.HTTP.TLSKeyFile == "") {
		return fmt.Errorf("http.tls_cert_file and http.tls_key_file are required when http.tls is enabled")
	}
	if !c.Policy.DisableOutgoing && c.Relay.Host == "" {
		return fmt.Errorf("relay.host is required unless policy.disable_outgoing is set")
	}
	if _, err := c.Spool.GetRetryInterval(); err != nil {
		return fmt.Errorf("invalid spool.retry_interval: %w", err)
	}
	for i, r := range c.Policy.FromRewrite {
		if r.RewriteTo == "" {
			return fmt.Errorf("policy.from_rewrite[%d]: rewrite_to is required", i)
		}
		if !strings.Contains(r.RewriteTo, "@") {
			return fmt.Errorf("policy.from_rewrite[%d]: rewrite_to must be an email address", i)
		}
	}
	return nil
}
