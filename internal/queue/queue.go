/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package queue is the durable scheduler command queue. Every state change is a
// conditional row update, so concurrent workers and processes coordinate through
// the database alone.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/friendsincode/smart_schedulers/internal/models"
)

var (
	// ErrNotFound is returned when no command matches the lookup.
	ErrNotFound = errors.New("command not found")
	// ErrDuplicate is returned by Enqueue when the slot target already has an
	// open command or the occurrence was already enqueued.
	ErrDuplicate = errors.New("duplicate command")
)

// candidateFactor widens the pending scan so devices at their ceiling do not
// starve the rest of the batch.
const candidateFactor = 4

// Store implements the command queue on top of gorm.
type Store struct {
	db     *gorm.DB
	logger zerolog.Logger
	now    func() time.Time
}

// New creates a queue store.
func New(db *gorm.DB, logger zerolog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.With().Str("component", "queue").Logger(),
		now:    time.Now,
	}
}

// DB exposes the underlying handle for read-only collaborators.
func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) clock(t time.Time) time.Time {
	if t.IsZero() {
		t = s.now()
	}
	return t.UTC().Truncate(time.Microsecond)
}

// Payload is the command intent stored with the row and sent to the device.
type Payload struct {
	Action models.CommandAction `json:"action"`
	IsOn   bool                 `json:"is_on"`
}

// IdempotencyKey identifies one action for one occurrence of a slot on a device.
func IdempotencyKey(slotID, deviceID uint, occurrence string, action models.CommandAction) string {
	return models.SlotTargetKey(slotID, deviceID) + ":" + occurrence + ":" + string(action)
}

// Enqueue inserts cmd as pending. ID, correlation key, open-slot key and payload
// are filled in when empty. A uniqueness conflict returns ErrDuplicate.
func (s *Store) Enqueue(ctx context.Context, cmd *models.SchedulerCommand) error {
	if cmd.IdempotencyKey == "" {
		return errors.New("enqueue: idempotency key required")
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if cmd.CorrelationKey == "" {
		cmd.CorrelationKey = uuid.NewString()
	}
	if len(cmd.Payload) == 0 {
		raw, err := json.Marshal(Payload{Action: cmd.Action, IsOn: cmd.Action.IsOn()})
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		cmd.Payload = datatypes.JSON(raw)
	}
	open := models.SlotTargetKey(cmd.SlotID, cmd.DeviceID)
	cmd.OpenSlotKey = &open
	cmd.State = models.CommandPending
	cmd.CreatedAt = s.clock(cmd.CreatedAt)

	if err := s.db.WithContext(ctx).Create(cmd).Error; err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("%w: %s", ErrDuplicate, cmd.IdempotencyKey)
		}
		return fmt.Errorf("insert command: %w", err)
	}
	return nil
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key") || strings.Contains(msg, "duplicate entry")
}

// ClaimOptions bounds one dispatcher claim.
type ClaimOptions struct {
	Limit int
	// GlobalLimit caps dispatched rows across all devices. Zero disables it.
	GlobalLimit int
	// PerDeviceLimit caps dispatched rows per microcontroller. Zero disables it.
	PerDeviceLimit int
	AckTimeout     time.Duration
	Now            time.Time

	// Admit is consulted before the durable claim; returning false defers the
	// command. Reject undoes Admit when the durable claim is lost.
	Admit  func(models.SchedulerCommand) bool
	Reject func(models.SchedulerCommand)
}

// ClaimResult describes one claim pass.
type ClaimResult struct {
	Commands []models.SchedulerCommand
	// Deferred counts pending commands skipped because their device was at its ceiling.
	Deferred int
	// Saturated is set when the global ceiling left no room.
	Saturated bool
	// Failed counts candidates whose claim errored. They stay pending.
	Failed int
}

// ClaimPendingBatch moves up to opts.Limit pending commands to dispatched, oldest
// first, with a deadline of now+AckTimeout. A row is claimed only while it is
// still pending, so concurrent claimers never share a row. A failed row claim
// does not end the batch, and cancelling ctx stops further claims; in both cases
// the rows already claimed are returned with a nil error. An error is returned
// only when nothing could be claimed.
func (s *Store) ClaimPendingBatch(ctx context.Context, opts ClaimOptions) (ClaimResult, error) {
	var res ClaimResult
	limit := opts.Limit
	if limit <= 0 {
		return res, nil
	}
	now := s.clock(opts.Now)
	db := s.db.WithContext(ctx)

	if opts.GlobalLimit > 0 {
		var dispatched int64
		if err := db.Model(&models.SchedulerCommand{}).
			Where("state = ?", models.CommandDispatched).
			Count(&dispatched).Error; err != nil {
			return res, fmt.Errorf("count dispatched: %w", err)
		}
		room := opts.GlobalLimit - int(dispatched)
		if room <= 0 {
			res.Saturated = true
			return res, nil
		}
		limit = min(limit, room)
	}

	inflight, err := s.DispatchedByMicrocontroller(ctx)
	if err != nil {
		return res, err
	}

	var candidates []models.SchedulerCommand
	if err := db.Where("state = ?", models.CommandPending).
		Order("created_at ASC").Order("id ASC").
		Limit(limit * candidateFactor).
		Find(&candidates).Error; err != nil {
		return res, fmt.Errorf("load pending commands: %w", err)
	}

	deadline := now.Add(opts.AckTimeout)
	// A claim that reaches the database is always reported back, even if ctx
	// is cancelled while it runs.
	claimCtx := context.WithoutCancel(ctx)
	var claimErr error
	for _, c := range candidates {
		if len(res.Commands) >= limit || ctx.Err() != nil {
			break
		}
		if opts.PerDeviceLimit > 0 && inflight[c.MicrocontrollerID] >= int64(opts.PerDeviceLimit) {
			res.Deferred++
			continue
		}
		if opts.Admit != nil && !opts.Admit(c) {
			res.Deferred++
			continue
		}

		claimed, err := s.claim(claimCtx, c, opts.PerDeviceLimit, now, deadline)
		if err != nil {
			res.Failed++
			claimErr = err
			s.logger.Warn().Err(err).Str("command_id", c.ID).Uint("microcontroller_id", c.MicrocontrollerID).Msg("claim failed")
			if opts.Reject != nil {
				opts.Reject(c)
			}
			continue
		}
		if !claimed {
			s.logger.Debug().Str("command_id", c.ID).Msg("claim lost")
			if opts.Reject != nil {
				opts.Reject(c)
			}
			continue
		}

		dispatchedAt, deadlineAt := now, deadline
		c.State = models.CommandDispatched
		c.DispatchedAt = &dispatchedAt
		c.DeadlineAt = &deadlineAt
		inflight[c.MicrocontrollerID]++
		res.Commands = append(res.Commands, c)
	}
	if len(res.Commands) == 0 && claimErr != nil {
		return res, claimErr
	}
	return res, nil
}

// claimLockSpace namespaces the per-microcontroller advisory locks.
const claimLockSpace int32 = 0x5343

// claim moves one pending row to dispatched while its microcontroller is below
// perDevice dispatched rows. On postgres the claim holds a transaction-scoped
// advisory lock on the microcontroller, so the ceiling check and the update
// cannot interleave with another process's claim for the same device.
func (s *Store) claim(ctx context.Context, c models.SchedulerCommand, perDevice int, now, deadline time.Time) (bool, error) {
	claimed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if perDevice > 0 && tx.Dialector.Name() == "postgres" {
			if err := tx.Exec("SELECT pg_advisory_xact_lock(?, ?)", claimLockSpace, int32(c.MicrocontrollerID)).Error; err != nil {
				return fmt.Errorf("lock microcontroller %d: %w", c.MicrocontrollerID, err)
			}
		}
		q := tx.Model(&models.SchedulerCommand{}).
			Where("id = ? AND state = ?", c.ID, models.CommandPending)
		if perDevice > 0 {
			// Derived table keeps MySQL from rejecting a self-referencing update.
			q = q.Where("(SELECT COUNT(*) FROM (SELECT id FROM scheduler_commands WHERE microcontroller_id = ? AND state = ?) AS inflight) < ?",
				c.MicrocontrollerID, models.CommandDispatched, perDevice)
		}
		result := q.Updates(map[string]any{
			"state":         models.CommandDispatched,
			"dispatched_at": now,
			"deadline_at":   deadline,
		})
		if result.Error != nil {
			return fmt.Errorf("claim command %s: %w", c.ID, result.Error)
		}
		claimed = result.RowsAffected == 1
		return nil
	})
	return claimed, err
}

// RecordPublished stores the retry count of a successful publish and restarts
// the ack deadline from the publish time.
func (s *Store) RecordPublished(ctx context.Context, id string, retryCount int, at time.Time, ackTimeout time.Duration) error {
	at = s.clock(at)
	deadline := at.Add(ackTimeout)
	err := s.db.WithContext(ctx).Model(&models.SchedulerCommand{}).
		Where("id = ? AND state = ?", id, models.CommandDispatched).
		Updates(map[string]any{
			"retry_count":   retryCount,
			"dispatched_at": at,
			"deadline_at":   deadline,
		}).Error
	if err != nil {
		return fmt.Errorf("record publish of %s: %w", id, err)
	}
	return nil
}

// RecordPublishFailure stores the retry count and last error of a failed attempt
// and moves the ack deadline to deadline, so the sweeper leaves the row alone
// while the next attempt is still to come.
func (s *Store) RecordPublishFailure(ctx context.Context, id string, retryCount int, cause error, deadline time.Time) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	updates := map[string]any{
		"retry_count": retryCount,
		"last_error":  msg,
	}
	if !deadline.IsZero() {
		updates["deadline_at"] = s.clock(deadline)
	}
	err := s.db.WithContext(ctx).Model(&models.SchedulerCommand{}).
		Where("id = ? AND state = ?", id, models.CommandDispatched).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("record publish failure of %s: %w", id, err)
	}
	return nil
}

// Outcome is the terminal transition requested for a command together with the
// audit event it produces.
type Outcome struct {
	State         models.CommandState
	EventName     models.DeviceEventName
	Result        models.EventResult
	TriggerReason string
	Error         string
	// PinState is the device output reported by the agent, if any.
	PinState *bool
	At       time.Time
}

// MarkTerminal moves a dispatched command to a terminal state and writes its
// device event in the same transaction. It returns applied=false, with the
// current row, when the command is not dispatched: already terminal, or never
// claimed. The device's state timestamp is
// refreshed on an acked command that reports its pin state.
func (s *Store) MarkTerminal(ctx context.Context, id string, out Outcome) (*models.SchedulerCommand, bool, error) {
	if !out.State.Terminal() {
		return nil, false, fmt.Errorf("mark terminal: %q is not a terminal state", out.State)
	}
	at := s.clock(out.At)

	var cmd models.SchedulerCommand
	applied := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]any{
			"state":         out.State,
			"finished_at":   at,
			"open_slot_key": nil,
		}
		if out.State == models.CommandAcked {
			updates["acked_at"] = at
		}
		if out.Error != "" {
			updates["last_error"] = out.Error
		}
		result := tx.Model(&models.SchedulerCommand{}).
			Where("id = ? AND state = ?", id, models.CommandDispatched).
			Updates(updates)
		if result.Error != nil {
			return fmt.Errorf("update command: %w", result.Error)
		}

		if err := tx.First(&cmd, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("load command: %w", err)
		}
		if result.RowsAffected != 1 {
			return nil
		}
		applied = true

		source := models.EventSource
		event := models.DeviceEvent{
			DeviceID:      cmd.DeviceID,
			CommandID:     &cmd.ID,
			EventType:     models.EventTypeScheduler,
			EventName:     out.EventName,
			Result:        out.Result,
			PinState:      out.PinState,
			MeasuredValue: cmd.MeasuredValue,
			MeasuredUnit:  cmd.MeasuredUnit,
			Source:        &source,
			CreatedAt:     at,
		}
		if out.PinState != nil {
			state := "OFF"
			if *out.PinState {
				state = "ON"
			}
			event.DeviceState = &state
		}
		if out.TriggerReason != "" {
			reason := out.TriggerReason
			event.TriggerReason = &reason
		}
		if err := tx.Create(&event).Error; err != nil {
			return fmt.Errorf("insert device event: %w", err)
		}

		if out.State == models.CommandAcked && out.PinState != nil {
			if err := tx.Model(&models.Device{}).Where("id = ?", cmd.DeviceID).
				Updates(map[string]any{
					"manual_state":         *out.PinState,
					"last_state_change_at": at,
				}).Error; err != nil {
				return fmt.Errorf("update device state: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &cmd, applied, nil
}

// RecordEvent appends a device event that is not tied to a terminal transition.
func (s *Store) RecordEvent(ctx context.Context, event *models.DeviceEvent) error {
	if event.Source == nil {
		source := models.EventSource
		event.Source = &source
	}
	event.EventType = models.EventTypeScheduler
	event.CreatedAt = s.clock(event.CreatedAt)
	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("insert device event: %w", err)
	}
	return nil
}

// ScanExpired lists dispatched commands whose deadline is at or before olderThan,
// earliest deadline first. It does not modify rows.
func (s *Store) ScanExpired(ctx context.Context, olderThan time.Time, limit int) ([]models.SchedulerCommand, error) {
	var cmds []models.SchedulerCommand
	err := s.db.WithContext(ctx).
		Where("state = ? AND deadline_at <= ?", models.CommandDispatched, olderThan.UTC()).
		Order("deadline_at ASC").Order("created_at ASC").
		Limit(limit).
		Find(&cmds).Error
	if err != nil {
		return nil, fmt.Errorf("scan expired commands: %w", err)
	}
	return cmds, nil
}

// Get loads a command by id.
func (s *Store) Get(ctx context.Context, id string) (*models.SchedulerCommand, error) {
	var cmd models.SchedulerCommand
	err := s.db.WithContext(ctx).First(&cmd, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load command %s: %w", id, err)
	}
	return &cmd, nil
}

// FindByCorrelationKey loads the command an ack refers to.
func (s *Store) FindByCorrelationKey(ctx context.Context, key string) (*models.SchedulerCommand, error) {
	var cmd models.SchedulerCommand
	err := s.db.WithContext(ctx).Where("correlation_key = ?", key).Take(&cmd).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load command by correlation key: %w", err)
	}
	return &cmd, nil
}

// CountByState returns the number of commands in each state.
func (s *Store) CountByState(ctx context.Context) (map[models.CommandState]int64, error) {
	var rows []struct {
		State models.CommandState
		Total int64
	}
	err := s.db.WithContext(ctx).Model(&models.SchedulerCommand{}).
		Select("state, COUNT(*) AS total").
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count commands by state: %w", err)
	}
	counts := make(map[models.CommandState]int64, len(rows))
	for _, r := range rows {
		counts[r.State] = r.Total
	}
	return counts, nil
}

// DispatchedByMicrocontroller returns dispatched command counts per microcontroller.
func (s *Store) DispatchedByMicrocontroller(ctx context.Context) (map[uint]int64, error) {
	var rows []struct {
		MicrocontrollerID uint
		Total             int64
	}
	err := s.db.WithContext(ctx).Model(&models.SchedulerCommand{}).
		Select("microcontroller_id, COUNT(*) AS total").
		Where("state = ?", models.CommandDispatched).
		Group("microcontroller_id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count dispatched commands: %w", err)
	}
	counts := make(map[uint]int64, len(rows))
	for _, r := range rows {
		counts[r.MicrocontrollerID] = r.Total
	}
	return counts, nil
}

// ListFilter narrows List.
type ListFilter struct {
	State             models.CommandState
	MicrocontrollerID uint
	Limit             int
}

// List returns the newest commands matching f.
func (s *Store) List(ctx context.Context, f ListFilter) ([]models.SchedulerCommand, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := s.db.WithContext(ctx).Model(&models.SchedulerCommand{})
	if f.State != "" {
		q = q.Where("state = ?", f.State)
	}
	if f.MicrocontrollerID != 0 {
		q = q.Where("microcontroller_id = ?", f.MicrocontrollerID)
	}
	var cmds []models.SchedulerCommand
	if err := q.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&cmds).Error; err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	return cmds, nil
}

// Events returns the audit events written for a command, oldest first.
func (s *Store) Events(ctx context.Context, commandID string) ([]models.DeviceEvent, error) {
	var events []models.DeviceEvent
	if err := s.db.WithContext(ctx).
		Where("command_id = ?", commandID).
		Order("id ASC").
		Find(&events).Error; err != nil {
		return nil, fmt.Errorf("list device events: %w", err)
	}
	return events, nil
}
