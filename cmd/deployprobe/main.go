// Package main provides the deployprobe command: a single diagnostic pass over
// a deployed service. The report goes to stdout, diagnostics to stderr.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/narvanalabs/deployprobe/internal/controlplane"
	"github.com/narvanalabs/deployprobe/internal/events"
	"github.com/narvanalabs/deployprobe/internal/logquery"
	"github.com/narvanalabs/deployprobe/internal/probe"
	"github.com/narvanalabs/deployprobe/internal/prober"
	"github.com/narvanalabs/deployprobe/internal/report"
	"github.com/narvanalabs/deployprobe/internal/secrets"
	"github.com/narvanalabs/deployprobe/internal/telegram"
	"github.com/narvanalabs/deployprobe/pkg/config"
	"github.com/narvanalabs/deployprobe/pkg/logger"
)

// Exit codes.
const (
	exitOK          = 0
	exitResolve     = 1
	exitConfig      = 2
	exitInterrupted = 130
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cfg, err := loadConfig(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitConfig
	}

	log := logger.NewWithWriter(stderr, logger.ParseLevel(cfg.LogLevel), cfg.LogJSON)

	if cfg.Secrets.File != "" {
		if err := applySecretsFile(ctx, cfg); err != nil {
			log.Error("failed to load secrets file", "path", cfg.Secrets.File, "error", err)
			return exitConfig
		}
	}

	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		return exitConfig
	}

	runID := uuid.NewString()
	ctx = logger.ContextWithRunID(ctx, runID)
	ctx = logger.ContextWithService(ctx, cfg.Service)
	log = log.WithContext(ctx)

	httpClient := &http.Client{Timeout: cfg.Timeout}

	resolver, err := controlplane.New(cfg, httpClient, log.Logger)
	if err != nil {
		log.Error("failed to create control-plane client", "error", err)
		return exitConfig
	}

	source, err := logquery.New(ctx, cfg, httpClient, log.Logger)
	if err != nil {
		log.Warn("log backend unavailable", "backend", cfg.Logs.Backend, "error", err)
		source = logquery.Unavailable(cfg.Logs.Backend, err)
	}
	if source != nil {
		defer source.Close()
	}

	deps := prober.Deps{
		Resolver: resolver,
		HTTP: probe.NewHTTPProber(probe.HTTPConfig{
			Timeout:   cfg.Timeout,
			BodyLines: cfg.BodyLines,
			BodyBytes: cfg.BodyBytes,
		}, httpClient, log.Logger),
		GRPC:     probe.NewGRPCProber(cfg.Timeout, log.Logger),
		Logs:     source,
		Reporter: report.NewWriter(stdout),
		Logger:   log,
	}

	if cfg.Webhook.BotToken != "" {
		deps.Webhook = telegram.NewClient(cfg.Webhook.APIURL, cfg.Webhook.BotToken, httpClient, log.Logger)
	}

	if len(cfg.Events.Brokers) > 0 {
		sink := events.NewKafkaSink(cfg.Events.Brokers, cfg.Events.Topic, log.Logger)
		defer func() {
			if err := sink.Close(); err != nil {
				log.Warn("closing kafka writer", "error", err)
			}
		}()
		deps.Events = sink
	}

	log.Debug("starting probe run",
		"control_plane", cfg.ControlPlane,
		"log_backend", cfg.Logs.Backend,
		"endpoints", len(cfg.Endpoints),
	)

	_, err = prober.New(cfg, deps).Run(ctx)
	if err != nil {
		var cpErr *controlplane.Error
		switch {
		case ctx.Err() != nil || errors.Is(err, context.Canceled):
			log.Warn("probe run interrupted", "error", err)
			return exitInterrupted
		case errors.As(err, &cpErr):
			fmt.Fprintf(stdout, "ERROR=%v\n", cpErr)
			return exitResolve
		default:
			log.Error("probe run failed", "error", err)
			return exitResolve
		}
	}

	if w, ok := deps.Reporter.(*report.Writer); ok && w.Err() != nil {
		log.Error("writing report", "error", w.Err())
	}
	return exitOK
}

// loadConfig reads the config file and environment, then applies the flags
// that were set on the command line.
func loadConfig(args []string, stderr io.Writer) (*config.Config, error) {
	fs := flag.NewFlagSet("deployprobe", flag.ContinueOnError)
	fs.SetOutput(stderr)

	configPath := fs.String("config", os.Getenv("PROBE_CONFIG"), "Path to YAML config file (or set PROBE_CONFIG)")
	service := fs.String("service", "", "Service to probe")
	region := fs.String("region", "", "Control-plane region of the service")
	project := fs.String("project", "", "Cloud project holding the service")
	controlPlane := fs.String("control-plane", "", "Control plane: cloudrun or narvana")
	logBackend := fs.String("log-backend", "", "Log store: cloudlogging, postgres, elasticsearch or none")
	endpoints := fs.String("endpoints", "", "Comma-separated endpoints, e.g. /healthz/,HEAD /,grpc://host:port")
	timeout := fs.Duration("timeout", 0, "Timeout for every external call")
	logLevel := fs.String("log-level", "", "Diagnostics level: debug, info, warn, error")
	logJSON := fs.Bool("log-json", false, "Emit diagnostics as JSON")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, err
	}

	var flagErr error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "service":
			cfg.Service = *service
		case "region":
			cfg.Region = *region
		case "project":
			cfg.Project = *project
		case "control-plane":
			cfg.ControlPlane = *controlPlane
		case "log-backend":
			cfg.Logs.Backend = *logBackend
		case "timeout":
			cfg.Timeout = *timeout
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-json":
			cfg.LogJSON = *logJSON
		case "endpoints":
			parsed, err := config.ParseEndpoints(*endpoints)
			if err != nil {
				flagErr = fmt.Errorf("-endpoints: %w", err)
				return
			}
			cfg.Endpoints = parsed
		}
	})
	if flagErr != nil {
		return nil, flagErr
	}

	return cfg, nil
}

// applySecretsFile opens the age-sealed secrets file and fills secrets the
// environment left empty.
func applySecretsFile(ctx context.Context, cfg *config.Config) error {
	box, err := secrets.NewBox(&secrets.Config{AgePrivateKey: cfg.Secrets.AgeIdentity}, nil)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	values, err := box.LoadFile(ctx, cfg.Secrets.File)
	if err != nil {
		return err
	}
	cfg.ApplySecrets(values)
	return nil
}
