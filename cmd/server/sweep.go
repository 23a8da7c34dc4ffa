package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/socialauth/internal/admission"
	"github.com/tyemirov/socialauth/internal/authkit"
	"go.uber.org/zap"
)

type sweepTarget struct {
	name  string
	sweep func(ctx context.Context) (int64, error)
}

// sweepOnce runs every target; a failing target is logged and the rest still run.
func sweepOnce(ctx context.Context, logger *zap.Logger, targets []sweepTarget) int {
	failures := 0
	for _, target := range targets {
		removed, err := target.sweep(ctx)
		if err != nil {
			failures++
			logger.Warn("sweep failed",
				zap.String("code", "server.sweep.failed"),
				zap.String("target", target.name),
				zap.Error(err))
			continue
		}
		logger.Info("sweep completed",
			zap.String("target", target.name),
			zap.Int64("removed", removed))
	}
	return failures
}

func runSweeper(ctx context.Context, interval time.Duration, logger *zap.Logger, targets []sweepTarget) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepOnce(ctx, logger, targets)
		}
	}
}

func newSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired refresh tokens and rate-limit counters, then exit",
		RunE:  runSweepCommand,
	}
}

func runSweepCommand(command *cobra.Command, arguments []string) error {
	databaseURL := viper.GetString("database_url")
	rateLimitDatabaseURL := viper.GetString("rate_limit_database_url")
	if databaseURL == "" && rateLimitDatabaseURL == "" {
		return configError(configCodeMissingDatabaseURL, "database_url or rate_limit_database_url must be provided")
	}

	logger, loggerErr := newLogger(viper.GetBool("dev_mode"))
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	ctx := command.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	clock := authkit.NewSystemClock()
	stores, storageErr := openStorage(ctx, databaseURL, rateLimitDatabaseURL, clock, logger)
	if storageErr != nil {
		return storageErr
	}
	defer stores.Close()

	var targets []sweepTarget
	if databaseURL != "" {
		targets = append(targets, sweepTarget{name: "refresh_tokens", sweep: func(ctx context.Context) (int64, error) {
			return stores.refreshTokens.Sweep(ctx, clock.Now())
		}})
	}
	if rateLimitDatabaseURL != "" {
		targets = append(targets, sweepTarget{name: "rate_limit_counters", sweep: sweepCounters(stores.counters, clock)})
	}
	if failures := sweepOnce(ctx, logger, targets); failures > 0 {
		return fmt.Errorf("server.sweep: %d of %d targets failed", failures, len(targets))
	}
	return nil
}

func sweepCounters(counters admission.CounterStore, clock authkit.Clock) func(ctx context.Context) (int64, error) {
	return func(ctx context.Context) (int64, error) {
		return counters.Sweep(ctx, clock.Now())
	}
}
