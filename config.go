package main

import (
	"github.com/TK-IT/mailhole/config"
)

// newDefaultConfig returns the application defaults. Values from the TOML
// config file override these, and explicitly set command-line flags override
// both.
func newDefaultConfig() config.Config {
	return config.Config{
		Database: config.DatabaseConfig{
			Host: "localhost",
			Port: "5432",
			User: "postgres",
			Name: "mailhole",
		},
		S3: config.S3Config{},
		Spool: config.SpoolConfig{
			Path:          "/var/spool/mailhole",
			BatchSize:     20,
			MaxAttempts:   10,
			RetryInterval: "30s",
		},
		Logging: config.LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Metrics: config.MetricsConfig{
			Enabled: false,
			Addr:    ":9090",
			Path:    "/metrics",
		},
		HTTP: config.HTTPConfig{
			Addr: ":8080",
		},
		Relay: config.RelayConfig{
			UseTLS:      true,
			UseStartTLS: true,
			TLSVerify:   true,
		},
	}
}
