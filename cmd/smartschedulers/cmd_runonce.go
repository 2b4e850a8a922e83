/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/friendsincode/smart_schedulers/internal/db"
	"github.com/friendsincode/smart_schedulers/internal/eventbus"
	"github.com/friendsincode/smart_schedulers/internal/queue"
	"github.com/friendsincode/smart_schedulers/internal/scheduler"
)

var runOnceCmd = &cobra.Command{
	Use:   "run-once <planner|dispatcher|sweeper>",
	Short: "Run a single worker cycle and exit",
	Long: `Run one cycle of a worker against the configured database, cache and
transport, then print the cycle report.

Examples:
  # Enqueue whatever is due right now
  smartschedulers run-once planner

  # Time out expired dispatched commands
  smartschedulers run-once sweeper
`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{scheduler.WorkerPlanner, scheduler.WorkerDispatcher, scheduler.WorkerSweeper},
	RunE:      runRunOnce,
}

func init() {
	rootCmd.AddCommand(runOnceCmd)
}

func runRunOnce(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	worker := args[0]

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := initDatabase()
	if err != nil {
		return err
	}
	defer db.Close(database)

	c, err := initCache()
	if err != nil {
		return fmt.Errorf("init cache: %w", err)
	}
	defer c.Close()

	// Only the requested worker runs; the long-lived subscribers stay off.
	engineCfg := *cfg
	engineCfg.LeaderElectionEnabled = false
	engineCfg.Scheduler.EnableAckConsumer = false
	engineCfg.Scheduler.EnableMeasurementListener = false
	engineCfg.Scheduler.EnableDispatcher = worker == scheduler.WorkerDispatcher

	deps := scheduler.Deps{Store: queue.New(database, logger), Cache: c}
	if engineCfg.Scheduler.EnableDispatcher {
		natsCfg := eventbus.DefaultNATSConfig()
		natsCfg.URL = cfg.NATSURL
		natsCfg.StreamName = cfg.StreamName
		bus, err := eventbus.NewNATSBus(ctx, natsCfg, logger)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer bus.Close()
		deps.Bus = bus
	}

	engine, err := scheduler.NewEngine(engineCfg, deps, logger)
	if err != nil {
		return err
	}
	if err := engine.RunOnce(ctx, worker); err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(engine.Reports().Last()[worker])
}
