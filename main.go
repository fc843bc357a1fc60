package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/TK-IT/mailhole/db"
	"github.com/TK-IT/mailhole/logger"
	"github.com/TK-IT/mailhole/policy"
	"github.com/TK-IT/mailhole/server/delivery"
	"github.com/TK-IT/mailhole/server/httpapi"
	"github.com/TK-IT/mailhole/server/intake"
	"github.com/TK-IT/mailhole/server/spool"
	"github.com/TK-IT/mailhole/storage"
)

func main() {
	// Initialize with application defaults
	cfg := newDefaultConfig()

	// Command-line flags override values from the config file if set.
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")

	fLogOutput := flag.String("logoutput", cfg.Logging.Output, "Log output: 'stdout', 'stderr', 'syslog' or a file path (overrides config)")
	fLogLevel := flag.String("loglevel", cfg.Logging.Level, "Log level: debug, info, warn, error (overrides config)")

	fDbHost := flag.String("dbhost", cfg.Database.Host, "Database host (overrides config)")
	fDbPort := flag.String("dbport", cfg.Database.Port, "Database port (overrides config)")
	fDbUser := flag.String("dbuser", cfg.Database.User, "Database user (overrides config)")
	fDbPassword := flag.String("dbpassword", cfg.Database.Password, "Database password (overrides config)")
	fDbName := flag.String("dbname", cfg.Database.Name, "Database name (overrides config)")
	fDbTLS := flag.Bool("dbtls", cfg.Database.TLSMode, "Enable TLS for database connection (overrides config)")
	fDbLogQueries := flag.Bool("dblogqueries", cfg.Database.LogQueries, "Log all database queries (overrides config)")

	fS3Endpoint := flag.String("s3endpoint", cfg.S3.Endpoint, "S3 endpoint (overrides config)")
	fS3AccessKey := flag.String("s3accesskey", cfg.S3.AccessKey, "S3 access key (overrides config)")
	fS3SecretKey := flag.String("s3secretkey", cfg.S3.SecretKey, "S3 secret key (overrides config)")
	fS3Bucket := flag.String("s3bucket", cfg.S3.Bucket, "S3 bucket name (overrides config)")

	fHTTPAddr := flag.String("httpaddr", cfg.HTTP.Addr, "HTTP API listen address (overrides config)")
	fAPIKey := flag.String("apikey", cfg.HTTP.APIKey, "Management API key (overrides config)")

	fSpoolPath := flag.String("spoolpath", cfg.Spool.Path, "Directory for the local artifact spool (overrides config)")
	fRelayHost := flag.String("relayhost", cfg.Relay.Host, "Outbound SMTP relay host:port (overrides config)")

	fMetrics := flag.Bool("metrics", cfg.Metrics.Enabled, "Enable the Prometheus metrics listener (overrides config)")
	fMetricsAddr := flag.String("metricsaddr", cfg.Metrics.Addr, "Prometheus metrics listen address (overrides config)")

	flag.Parse()

	// Values from the TOML file override the application defaults.
	if _, err := toml.DecodeFile(*configPath, &cfg); err != nil {
		if os.IsNotExist(err) {
			if isFlagSet("config") {
				log.Fatalf("Error: Specified configuration file '%s' not found: %v", *configPath, err)
			}
			log.Printf("WARNING: Default configuration file '%s' not found. Using application defaults and command-line flags.", *configPath)
		} else {
			log.Fatalf("Error parsing configuration file '%s': %v", *configPath, err)
		}
	} else {
		log.Printf("Loaded configuration from %s", *configPath)
	}

	// Explicitly set command-line flags override both defaults and TOML.
	if isFlagSet("logoutput") {
		cfg.Logging.Output = *fLogOutput
	}
	if isFlagSet("loglevel") {
		cfg.Logging.Level = *fLogLevel
	}
	if isFlagSet("dbhost") {
		cfg.Database.Host = *fDbHost
	}
	if isFlagSet("dbport") {
		cfg.Database.Port = *fDbPort
	}
	if isFlagSet("dbuser") {
		cfg.Database.User = *fDbUser
	}
	if isFlagSet("dbpassword") {
		cfg.Database.Password = *fDbPassword
	}
	if isFlagSet("dbname") {
		cfg.Database.Name = *fDbName
	}
	if isFlagSet("dbtls") {
		cfg.Database.TLSMode = *fDbTLS
	}
	if isFlagSet("dblogqueries") {
		cfg.Database.LogQueries = *fDbLogQueries
	}
	if isFlagSet("s3endpoint") {
		cfg.S3.Endpoint = *fS3Endpoint
	}
	if isFlagSet("s3accesskey") {
		cfg.S3.AccessKey = *fS3AccessKey
	}
	if isFlagSet("s3secretkey") {
		cfg.S3.SecretKey = *fS3SecretKey
	}
	if isFlagSet("s3bucket") {
		cfg.S3.Bucket = *fS3Bucket
	}
	if isFlagSet("httpaddr") {
		cfg.HTTP.Addr = *fHTTPAddr
	}
	if isFlagSet("apikey") {
		cfg.HTTP.APIKey = *fAPIKey
	}
	if isFlagSet("spoolpath") {
		cfg.Spool.Path = *fSpoolPath
	}
	if isFlagSet("relayhost") {
		cfg.Relay.Host = *fRelayHost
	}
	if isFlagSet("metrics") {
		cfg.Metrics.Enabled = *fMetrics
	}
	if isFlagSet("metricsaddr") {
		cfg.Metrics.Addr = *fMetricsAddr
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	logger.Info("mailhole starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle SIGINT and SIGTERM for graceful shutdown
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	logger.Info("connecting to database",
		"host", cfg.Database.Host, "port", cfg.Database.Port,
		"user", cfg.Database.User, "name", cfg.Database.Name)
	database, err := db.NewDatabase(ctx, &cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to the database", "error", err)
	}
	defer database.Close()
	database.StartPoolMetrics(ctx)

	logger.Info("connecting to S3", "endpoint", cfg.S3.Endpoint, "bucket", cfg.S3.Bucket)
	s3storage, err := storage.New(&cfg.S3)
	if err != nil {
		logger.Fatal("failed to initialize S3 storage", "error", err)
	}

	retryInterval, err := cfg.Spool.GetRetryInterval()
	if err != nil {
		logger.Fatal("invalid spool.retry_interval", "error", err)
	}
	artifactSpool, err := spool.New(cfg.Spool.Path, cfg.Spool.BatchSize, cfg.Spool.MaxAttempts, retryInterval, s3storage)
	if err != nil {
		logger.Fatal("failed to initialize artifact spool", "error", err)
	}
	defer artifactSpool.Close()
	artifactSpool.Start(ctx)
	defer artifactSpool.Stop()

	policyEngine := policy.NewEngine(cfg.Policy)
	relay := delivery.NewSMTPRelayHandler(&cfg.Relay)
	artifacts := &artifactSource{spool: artifactSpool, s3: s3storage}
	forwarder := delivery.NewForwarder(database, artifacts, relay, policyEngine)
	service := intake.NewService(database, artifactSpool, forwarder, policyEngine)

	errChan := make(chan error, 1)

	if cfg.Metrics.Enabled {
		go startMetricsServer(ctx, cfg.Metrics.Addr, cfg.Metrics.Path, errChan)
	}

	go httpapi.Start(ctx, database, service, httpapi.ServerOptions{
		Addr:         cfg.HTTP.Addr,
		APIKey:       cfg.HTTP.APIKey,
		AllowedHosts: cfg.HTTP.AllowedHosts,
		TLS:          cfg.HTTP.TLS,
		TLSCertFile:  cfg.HTTP.TLSCertFile,
		TLSKeyFile:   cfg.HTTP.TLSKeyFile,
	}, errChan)

	select {
	case <-ctx.Done():
		logger.Info("shutting down mailhole")
	case err := <-errChan:
		logger.Fatal("server error", "error", err)
	}
}

// artifactSource reads raw artifacts from the local spool when the uploader
// has not drained them yet, falling back to S3.
type artifactSource struct {
	spool *spool.Spool
	s3    *storage.S3Storage
}

func (a *artifactSource) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := a.spool.Get(key)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return a.s3.Get(ctx, key)
}

func startMetricsServer(ctx context.Context, addr, path string, errChan chan error) {
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = server.Close()
	}()

	logger.Info("metrics listener started", "addr", addr, "path", path)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
		errChan <- err
	}
}

// isFlagSet reports whether a flag was explicitly set on the command line.
func isFlagSet(name string) bool {
	isSet := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			isSet = true
		}
	})
	return isSet
}
