// Copyright © 2024 Mutker Telag <witty.text5011@fastmail.com>
//
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"codeberg.org/mutker/loadguard/internal/access"
	"codeberg.org/mutker/loadguard/internal/admission"
	"codeberg.org/mutker/loadguard/internal/config"
	"codeberg.org/mutker/loadguard/internal/errors"
	"codeberg.org/mutker/loadguard/internal/gateway"
	"codeberg.org/mutker/loadguard/internal/health"
	"codeberg.org/mutker/loadguard/internal/logger"
	"codeberg.org/mutker/loadguard/internal/metrics"
	"codeberg.org/mutker/loadguard/internal/monitor"
	"codeberg.org/mutker/loadguard/internal/overload"
	"codeberg.org/mutker/loadguard/internal/pid"
	"codeberg.org/mutker/loadguard/internal/telemetry"
	"github.com/spf13/pflag"
)

type app struct {
	cfg      *config.Config
	loader   *config.Loader
	access   *access.Control
	monitor  *monitor.Monitor
	server   *gateway.Server
	recorder telemetry.Recorder
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	loader, err := config.NewLoader()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create config loader: %v\n", err)
		return 1
	}

	cfg, err := loader.Load(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	if cfg.PrintConfig {
		if err := loader.Dump(os.Stdout, false); err != nil {
			fmt.Fprintf(os.Stderr, "failed to print config: %v\n", err)
			return 1
		}
		return 0
	}

	logger.Init(logger.Options{
		Level:     cfg.Logging.Level,
		JSON:      cfg.Logging.Format == "json",
		IsService: logger.IsService(),
	})
	logger.Debug().Str("file", cfg.ConfigFile).Msg("Config loaded")
	for _, warning := range cfg.Warnings() {
		logger.Warn().Msg(warning)
	}

	if cfg.Server.PIDFile != "" {
		if err := pid.Write(cfg.Server.PIDFile); err != nil {
			var appErr errors.Error
			if errors.As(err, &appErr) {
				logger.ErrorWithCode(appErr).Msg("Failed to write PID file")
			} else {
				logger.Error().Err(err).Msg("Failed to write PID file")
			}
			return 1
		}
		defer func() {
			if err := pid.Remove(cfg.Server.PIDFile); err != nil {
				logger.Warn().Err(err).Msg("Failed to remove PID file")
			}
		}()
	}

	a, err := newApp(cfg, loader)
	if err != nil {
		logger.Error().Err(err).Str("error_code", string(errors.CodeOf(err))).Msg("Failed to initialize")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	code := 0
	if err := a.serve(ctx); err != nil {
		logger.Error().Err(err).Msg("Gateway stopped with error")
		code = 1
	}
	a.shutdown()

	return code
}

func newApp(cfg *config.Config, loader *config.Loader) (*app, error) {
	errFactory := errors.New()

	recorder, err := telemetry.NewService(telemetry.Config{
		Enabled:      cfg.Telemetry.Enabled,
		DBPath:       cfg.Telemetry.DBPath,
		BatchSize:    cfg.Telemetry.BatchSize,
		BatchTimeout: cfg.Telemetry.BatchTimeout,
	}, logger.Default())
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrInitTelemetry, err)
	}

	counter := &admission.Counter{}

	sampler, err := metrics.NewSampler(metrics.NewHostSource(), counter, metrics.Config{
		Alpha:       cfg.Monitoring.SmoothingFactor,
		HistorySize: cfg.Monitoring.HistorySize,
	})
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrInitApp, err)
	}

	probe, err := health.New(cfg.Backend.HealthURL, cfg.Backend.ProbeTimeout, health.NewHTTPProber(nil))
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrInitApp, err)
	}

	failMode, err := overload.ParseFailMode(cfg.Monitoring.FailMode)
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrInitApp, err)
	}

	machine, err := overload.New(overload.Config{
		Thresholds: overload.Thresholds{
			CPU:            cfg.Monitoring.Thresholds.CPU,
			Memory:         cfg.Monitoring.Thresholds.Memory,
			Load:           cfg.Monitoring.Thresholds.Load,
			MaxConnections: cfg.Monitoring.Thresholds.MaxConnections,
		},
		Cooldown: cfg.Monitoring.CooldownPeriod,
		FailMode: failMode,
	}, overload.WithHistoryDepth(sampler.History().Len))
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrInitApp, err)
	}

	mon, err := monitor.New(monitor.Config{
		CheckInterval: cfg.Monitoring.CheckInterval,
		ProbeInterval: cfg.Backend.ProbeInterval,
		SampleTimeout: cfg.Monitoring.SampleTimeout,
	}, sampler, probe, machine, recorder)
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrInitApp, err)
	}

	ctl := access.New(cfg.Security.Whitelist, cfg.Security.BypassTokens)
	decider := admission.NewDecider(ctl, machine, cfg.Holding.Path)

	server, err := gateway.New(gateway.Options{
		Port:              cfg.Server.Port,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ProxyTarget:       cfg.Proxy.Target,
		ProxyTimeout:      cfg.Proxy.Timeout,
		AdminToken:        cfg.Security.AdminToken,
		AdminRateLimit:    cfg.Security.AdminRateLimit,
		HoldingFile:       cfg.Holding.File,
		HoldingCache:      cfg.Holding.Cache,
	}, mon, machine, decider, counter)
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrInitApp, err)
	}
	machine.Subscribe(server.Hub().Publish)

	logger.Info().
		Strs("whitelist", ctl.IPs()).
		Int("bypass_tokens", ctl.TokenCount()).
		Str("fail_mode", string(failMode)).
		Bool("telemetry", recorder.Enabled()).
		Msg("Components initialized")

	return &app{
		cfg:      cfg,
		loader:   loader,
		access:   ctl,
		monitor:  mon,
		server:   server,
		recorder: recorder,
	}, nil
}

// serve runs until ctx is cancelled or the server fails.
func (a *app) serve(ctx context.Context) error {
	a.loader.Watch(func(next *config.Config) {
		a.access.Reload(next.Security.Whitelist, next.Security.BypassTokens)
		logger.Info().
			Strs("whitelist", a.access.IPs()).
			Int("bypass_tokens", a.access.TokenCount()).
			Msg("Access lists reloaded")
	}, func(err error) {
		logger.Warn().Err(err).Msg("Ignoring invalid configuration change")
	})

	a.monitor.Start(ctx)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- a.server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("Received termination signal.")
		return nil
	case err := <-serveErr:
		return err
	}
}

// shutdown stops the monitor, drains the HTTP server and flushes telemetry.
func (a *app) shutdown() {
	a.monitor.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := a.server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to shut down gateway")
	}

	if err := a.recorder.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close telemetry")
	}

	logger.Info().Msg("Exiting...")
}
