/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package scheduler runs the command lifecycle workers: the planner that turns
// slot windows into commands, the dispatcher that publishes them, the ack
// consumer and timeout sweeper that close them, and the measurement listener
// that keeps the latest-reading cache warm.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/smart_schedulers/internal/scheduler/state"
	"github.com/friendsincode/smart_schedulers/internal/telemetry"
)

var (
	// ErrCycleInProgress is returned by RunOnce while another cycle of the same worker runs.
	ErrCycleInProgress = errors.New("cycle already in progress")
	// ErrUnknownWorker is returned for a worker name with no periodic runner.
	ErrUnknownWorker = errors.New("unknown worker")
)

// Worker names.
const (
	WorkerPlanner             = "planner"
	WorkerDispatcher          = "dispatcher"
	WorkerSweeper             = "sweeper"
	WorkerAckConsumer         = "ack_consumer"
	WorkerMeasurementListener = "measurement_listener"
)

// Service is a long-running worker.
type Service interface {
	Name() string
	// Run blocks until ctx is cancelled.
	Run(ctx context.Context) error
}

// Runner is a periodic worker that can also be driven one cycle at a time.
type Runner interface {
	Service
	// RunOnce performs a single cycle, or returns ErrCycleInProgress.
	RunOnce(ctx context.Context) error
}

// cycle makes a worker's cycles single-flight and instruments them.
type cycle struct {
	name    string
	logger  zerolog.Logger
	reports *state.Store

	mu sync.Mutex
}

func newCycle(name string, logger zerolog.Logger) *cycle {
	return &cycle{name: name, logger: logger}
}

func (c *cycle) setReports(s *state.Store) {
	c.reports = s
}

// runOnce executes fn unless a cycle is already running.
func (c *cycle) runOnce(ctx context.Context, fn func(context.Context, state.CycleStats) error) error {
	if !c.mu.TryLock() {
		telemetry.WorkerCyclesTotal.WithLabelValues(c.name, "skipped").Inc()
		return ErrCycleInProgress
	}
	defer c.mu.Unlock()

	ctx, span := telemetry.StartWorkerSpan(ctx, c.name)
	defer span.End()

	started := time.Now()
	stats := state.CycleStats{}
	err := fn(ctx, stats)
	elapsed := time.Since(started)

	telemetry.WorkerCycleDuration.WithLabelValues(c.name).Observe(elapsed.Seconds())
	outcome := "ok"
	if err != nil {
		outcome = "error"
		telemetry.RecordError(span, err)
	}
	telemetry.WorkerCyclesTotal.WithLabelValues(c.name, outcome).Inc()

	if c.reports != nil {
		report := state.CycleReport{Worker: c.name, StartedAt: started.UTC(), Duration: elapsed, Stats: stats}
		if err != nil {
			report.Error = err.Error()
		}
		c.reports.Add(report)
	}
	return err
}

// loop calls run immediately and then every interval until ctx is cancelled.
func (c *cycle) loop(ctx context.Context, interval time.Duration, run func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Info().Dur("interval", interval).Msg("worker loop started")
	for {
		if err := run(ctx); err != nil {
			switch {
			case errors.Is(err, ErrCycleInProgress):
				c.logger.Debug().Msg("previous cycle still running")
			case ctx.Err() != nil:
			default:
				c.logger.Error().Err(err).Msg("worker cycle failed")
			}
		}

		select {
		case <-ctx.Done():
			c.logger.Info().Msg("worker loop stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
