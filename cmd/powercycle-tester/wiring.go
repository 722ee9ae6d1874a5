package main

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/powercycled/powercycled/pkg/config"
	"github.com/powercycled/powercycled/pkg/eventstream"
	"github.com/powercycled/powercycled/pkg/observability"
	"github.com/powercycled/powercycled/pkg/power"
	"github.com/powercycled/powercycled/pkg/probe"
	"github.com/powercycled/powercycled/pkg/runlock"
)

func buildDriver(cfg *config.Config) (*power.CommandDriver, power.Shutdowner, error) {
	runner := power.NewCommandRunner(cfg.PowerTimeout(), map[string]string{
		"POWERCYCLE_HOST": cfg.Host,
	})
	driver, err := power.NewCommandDriver(cfg.Power.OnCommand, cfg.Power.OffCommand, runner)
	if err != nil {
		return nil, nil, fmt.Errorf("construct power driver: %w", err)
	}
	if len(cfg.Power.ShutdownCommand) == 0 {
		return driver, nil, nil
	}
	shutdowner, err := power.NewCommandShutdowner(cfg.Power.ShutdownCommand, runner)
	if err != nil {
		return nil, nil, fmt.Errorf("construct remote shutdown: %w", err)
	}
	return driver, shutdowner, nil
}

func buildChecker(method string, cfg config.ProbeConfig, timeoutSec int) (probe.Checker, error) {
	timeout := secondsDuration(timeoutSec)
	switch method {
	case config.ProbeMethodPing:
		return probe.NewPingChecker(cfg.PingCount, timeout), nil
	case config.ProbeMethodTCP:
		if cfg.Port <= 0 {
			return nil, fmt.Errorf("tcp probe requires a port")
		}
		return probe.NewTCPChecker(cfg.Port, timeout), nil
	default:
		return nil, fmt.Errorf("unsupported probe method %q", method)
	}
}

func buildProber(cfg config.ProbeConfig, metrics observability.MetricsCollector) (*probe.Prober, error) {
	checker, err := buildChecker(cfg.Method, cfg, cfg.AttemptTimeoutSec)
	if err != nil {
		return nil, err
	}
	return probe.NewProber(checker, probe.WithAttemptHook(func(_ int, result probe.AttemptResult, _ error) {
		metrics.Collect(observability.Metric{
			Name:        "probe_attempts_total",
			Type:        observability.MetricCounter,
			Value:       1,
			Labels:      map[string]string{"result": string(result)},
			Description: "Number of reachability attempts grouped by result.",
		})
	}))
}

// buildRunLock returns the manager guarding cfg.Host and a closer for its resources.
func buildRunLock(cfg *config.Config, runID string) (runlock.Manager, func() error, error) {
	if !cfg.RunLock.Enabled {
		return runlock.NewNoopManager(), func() error { return nil }, nil
	}
	tlsCfg, err := cfg.RunLock.EtcdTLS.TLSConfig()
	if err != nil {
		return nil, nil, err
	}
	manager, err := runlock.NewEtcdManager(runlock.EtcdManagerOptions{
		Endpoints: cfg.RunLock.EtcdEndpoints,
		Key:       cfg.RunLockKey(),
		Namespace: cfg.RunLock.EtcdNamespace,
		TTL:       cfg.RunLockTTL(),
		TLS:       tlsCfg,
		Identity:  cfg.RunLock.Identity,
		Host:      cfg.Host,
		RunID:     runID,
	})
	if err != nil {
		return nil, nil, err
	}
	return manager, manager.Close, nil
}

func buildEventStream(cfg *config.Config, onError func(error)) (*eventstream.Publisher, func() error, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.EventStream.Addr,
		Password: cfg.EventStream.Password,
		DB:       cfg.EventStream.DB,
	})
	pub, err := eventstream.NewPublisher(client, eventstream.Options{
		Prefix:  cfg.EventStream.Prefix,
		MaxLen:  cfg.EventStream.MaxLen,
		OnError: onError,
	})
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return pub, client.Close, nil
}
