package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"reelsync/internal/observability/metrics"
)

type notificationPurger interface {
	PurgeExpiredNotifications(ctx context.Context, cutoff time.Time) (int, error)
}

type sessionPurger interface {
	PurgeExpired() error
}

type purgeTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) purgeTicker

// startRetentionWorker periodically deletes notifications older than the
// retention window and sessions past their expiry. The returned function
// stops the worker and waits for it to exit.
func startRetentionWorker(
	ctx context.Context,
	logger *slog.Logger,
	store notificationPurger,
	sessions sessionPurger,
	recorder *metrics.Recorder,
	retention time.Duration,
	interval time.Duration,
) func() {
	return startRetentionWorkerWithTicker(ctx, logger, store, sessions, recorder, retention, interval, func(d time.Duration) purgeTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startRetentionWorkerWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	store notificationPurger,
	sessions sessionPurger,
	recorder *metrics.Recorder,
	retention time.Duration,
	interval time.Duration,
	newTicker tickerFactory,
) func() {
	if interval <= 0 || (store == nil && sessions == nil) {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				purgeOnce(workerCtx, logger, store, sessions, recorder, retention)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

func purgeOnce(
	ctx context.Context,
	logger *slog.Logger,
	store notificationPurger,
	sessions sessionPurger,
	recorder *metrics.Recorder,
	retention time.Duration,
) {
	if store != nil && retention > 0 {
		cutoff := time.Now().Add(-retention)
		purged, err := store.PurgeExpiredNotifications(ctx, cutoff)
		switch {
		case err != nil:
			if logger != nil {
				logger.Error("failed to purge expired notifications", "error", err)
			}
		case purged > 0:
			if recorder != nil {
				recorder.ObservePurgedNotifications(purged)
			}
			if logger != nil {
				logger.Info("purged expired notifications", "count", purged)
			}
		}
	}
	if sessions != nil {
		if err := sessions.PurgeExpired(); err != nil && logger != nil {
			logger.Error("failed to purge expired sessions", "error", err)
		}
	}
}
