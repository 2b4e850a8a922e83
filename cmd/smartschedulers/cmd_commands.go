/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/friendsincode/smart_schedulers/internal/db"
	"github.com/friendsincode/smart_schedulers/internal/models"
	"github.com/friendsincode/smart_schedulers/internal/queue"
)

var (
	listState   string
	listMicro   uint
	listLimit   int
	showCommand string
)

var commandsCmd = &cobra.Command{
	Use:   "commands",
	Short: "Inspect the command queue",
}

var commandsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the newest commands",
	Long: `List the newest commands, optionally filtered by state or microcontroller.

Examples:
  smartschedulers commands list --state dispatched
  smartschedulers commands list --microcontroller 12 --limit 20
`,
	RunE: runCommandsList,
}

var commandsShowCmd = &cobra.Command{
	Use:   "show <command-id>",
	Short: "Show one command and its audit events",
	Args:  cobra.ExactArgs(1),
	RunE:  runCommandsShow,
}

var commandsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count commands by state",
	RunE:  runCommandsStats,
}

func init() {
	commandsListCmd.Flags().StringVar(&listState, "state", "", "Filter by state (pending, dispatched, acked, failed, timed_out)")
	commandsListCmd.Flags().UintVar(&listMicro, "microcontroller", 0, "Filter by microcontroller ID")
	commandsListCmd.Flags().IntVar(&listLimit, "limit", 50, "Maximum rows to print")
	commandsCmd.AddCommand(commandsListCmd, commandsShowCmd, commandsStatsCmd)
	rootCmd.AddCommand(commandsCmd)
}

func openStore() (*queue.Store, func(), error) {
	if err := loadConfig(); err != nil {
		return nil, nil, err
	}
	database, err := initDatabase()
	if err != nil {
		return nil, nil, err
	}
	return queue.New(database, logger), func() { _ = db.Close(database) }, nil
}

func runCommandsList(cmd *cobra.Command, args []string) error {
	state := models.CommandState(listState)
	if state != "" && !state.Valid() {
		return fmt.Errorf("unknown state %q", listState)
	}
	store, closeDB, err := openStore()
	if err != nil {
		return err
	}
	defer closeDB()

	cmds, err := store.List(cmd.Context(), queue.ListFilter{State: state, MicrocontrollerID: listMicro, Limit: listLimit})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tACTION\tSLOT\tDEVICE\tMICRO\tRETRIES\tCREATED\tREASON")
	for _, c := range cmds {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			c.ID, c.State, c.Action, c.SlotID, c.DeviceID, c.MicrocontrollerID, c.RetryCount,
			c.CreatedAt.Format(time.RFC3339), c.TriggerReason)
	}
	return w.Flush()
}

func runCommandsShow(cmd *cobra.Command, args []string) error {
	store, closeDB, err := openStore()
	if err != nil {
		return err
	}
	defer closeDB()

	c, err := store.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	events, err := store.Events(cmd.Context(), c.ID)
	if err != nil {
		return err
	}
	printCommand(cmd.OutOrStdout(), c, events)
	return nil
}

func printCommand(out io.Writer, c *models.SchedulerCommand, events []models.DeviceEvent) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "id:\t%s\n", c.ID)
	fmt.Fprintf(w, "state:\t%s\n", c.State)
	fmt.Fprintf(w, "action:\t%s\n", c.Action)
	fmt.Fprintf(w, "slot / device:\t%d / %d\n", c.SlotID, c.DeviceID)
	fmt.Fprintf(w, "microcontroller:\t%d (%s)\n", c.MicrocontrollerID, c.MicrocontrollerUUID)
	fmt.Fprintf(w, "idempotency key:\t%s\n", c.IdempotencyKey)
	fmt.Fprintf(w, "correlation key:\t%s\n", c.CorrelationKey)
	fmt.Fprintf(w, "retries:\t%d\n", c.RetryCount)
	if c.LastError != "" {
		fmt.Fprintf(w, "last error:\t%s\n", c.LastError)
	}
	fmt.Fprintf(w, "created:\t%s\n", c.CreatedAt.Format(time.RFC3339))
	for _, ts := range []struct {
		label string
		at    *time.Time
	}{{"dispatched", c.DispatchedAt}, {"deadline", c.DeadlineAt}, {"acked", c.AckedAt}, {"finished", c.FinishedAt}} {
		if ts.at != nil {
			fmt.Fprintf(w, "%s:\t%s\n", ts.label, ts.at.Format(time.RFC3339))
		}
	}
	_ = w.Flush()

	if len(events) == 0 {
		return
	}
	fmt.Fprintln(out, "\nevents:")
	w = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, e := range events {
		reason := ""
		if e.TriggerReason != nil {
			reason = *e.TriggerReason
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", e.CreatedAt.Format(time.RFC3339), e.EventName, e.Result, reason)
	}
	_ = w.Flush()
}

func runCommandsStats(cmd *cobra.Command, args []string) error {
	store, closeDB, err := openStore()
	if err != nil {
		return err
	}
	defer closeDB()

	counts, err := store.CountByState(cmd.Context())
	if err != nil {
		return err
	}
	states := make([]string, 0, len(counts))
	for s := range counts {
		states = append(states, string(s))
	}
	sort.Strings(states)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STATE\tCOUNT")
	for _, s := range states {
		fmt.Fprintf(w, "%s\t%d\n", s, counts[models.CommandState(s)])
	}
	return w.Flush()
}
