/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/friendsincode/smart_schedulers/internal/cache"
	"github.com/friendsincode/smart_schedulers/internal/config"
	"github.com/friendsincode/smart_schedulers/internal/eligibility"
	"github.com/friendsincode/smart_schedulers/internal/eventbus"
	"github.com/friendsincode/smart_schedulers/internal/leadership"
	"github.com/friendsincode/smart_schedulers/internal/queue"
	"github.com/friendsincode/smart_schedulers/internal/scheduler/state"
)

// Deps are the collaborators shared by all workers.
type Deps struct {
	Store  *queue.Store
	Cache  *cache.Cache
	Source eligibility.Source
	// Bus is required when the dispatcher, ack consumer or measurement
	// listener is enabled.
	Bus eventbus.Bus
}

// Engine owns the workers of one process.
type Engine struct {
	cfg     config.Config
	logger  zerolog.Logger
	reports *state.Store

	runners  map[string]Runner
	services []Service

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine builds the workers. Periodic workers are always constructed so they
// can be driven with RunOnce; only enabled ones are started.
func NewEngine(cfg config.Config, deps Deps, logger zerolog.Logger) (*Engine, error) {
	if deps.Store == nil || deps.Cache == nil {
		return nil, errors.New("engine: store and cache are required")
	}
	cfg.Scheduler.Clamp()
	sc := cfg.Scheduler
	if cfg.AnyTransportWorker() && deps.Bus == nil {
		return nil, errors.New("engine: transport workers enabled without a bus")
	}
	if deps.Source == nil {
		deps.Source = eligibility.NewStoreSource(deps.Store.DB(), deps.Cache, sc.MeasurementMaxAge, logger)
	}

	e := &Engine{
		cfg:     cfg,
		logger:  logger.With().Str("component", "engine").Logger(),
		reports: state.NewStore(256),
		runners: make(map[string]Runner),
	}

	planner := NewPlanner(deps.Store, deps.Cache, deps.Source, sc, logger)
	sweeper := NewSweeper(deps.Store, deps.Cache, sc, logger)
	e.addRunner(planner)
	e.addRunner(sweeper)

	var dispatcher *Dispatcher
	if deps.Bus != nil {
		dispatcher = NewDispatcher(deps.Store, deps.Cache, deps.Bus, cfg.StreamName, sc, logger)
		e.addRunner(dispatcher)
	}

	if sc.EnablePlanner {
		if cfg.LeaderElectionEnabled {
			election := leadership.NewElection(deps.Cache, leadership.ElectionConfig{
				LeaseName:  WorkerPlanner,
				InstanceID: cfg.InstanceID,
			}, logger)
			e.services = append(e.services, NewLeaderAware(planner, election, logger))
		} else {
			e.services = append(e.services, planner)
		}
	}
	if sc.EnableDispatcher {
		e.services = append(e.services, dispatcher)
	}
	if sc.EnableAckConsumer {
		e.services = append(e.services, NewAckConsumer(deps.Store, deps.Cache, deps.Bus, cfg.StreamName, cfg.AckDurable, logger))
	}
	if sc.EnableTimeoutSweeper {
		e.services = append(e.services, sweeper)
	}
	if sc.EnableMeasurementListener {
		subject := cfg.MeasurementSubject
		if subject == "" {
			subject = eventbus.MeasurementFilter(cfg.StreamName)
		}
		e.services = append(e.services, NewMeasurementListener(deps.Cache, deps.Bus, subject, sc.MeasurementMaxAge, logger))
	}
	return e, nil
}

func (e *Engine) addRunner(r interface {
	Runner
	setReports(*state.Store)
}) {
	r.setReports(e.reports)
	e.runners[r.Name()] = r
}

// Start launches every enabled worker.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return errors.New("engine already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	for _, svc := range e.services {
		e.wg.Add(1)
		go func(svc Service) {
			defer e.wg.Done()
			if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Error().Err(err).Str("worker", svc.Name()).Msg("worker stopped with error")
			}
		}(svc)
	}
	e.logger.Info().Strs("workers", e.Enabled()).Msg("engine started")
	return nil
}

// Stop cancels the workers and waits for them to return.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	e.wg.Wait()
	e.logger.Info().Msg("engine stopped")
}

// Worker returns the periodic worker registered under name.
func (e *Engine) Worker(name string) (Runner, bool) {
	r, ok := e.runners[name]
	return r, ok
}

// RunOnce runs one cycle of the named worker.
func (e *Engine) RunOnce(ctx context.Context, name string) error {
	r, ok := e.Worker(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownWorker, name)
	}
	return r.RunOnce(ctx)
}

// Enabled lists the workers started by Start.
func (e *Engine) Enabled() []string {
	names := make([]string, 0, len(e.services))
	for _, svc := range e.services {
		names = append(names, svc.Name())
	}
	sort.Strings(names)
	return names
}

// Reports returns recent cycle reports.
func (e *Engine) Reports() *state.Store {
	return e.reports
}
