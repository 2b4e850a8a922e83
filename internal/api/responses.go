/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"encoding/json"
	"time"

	"github.com/friendsincode/smart_schedulers/internal/models"
)

type commandResponse struct {
	ID                  string          `json:"id"`
	SlotID              uint            `json:"slot_id"`
	SchedulerID         uint            `json:"scheduler_id"`
	DeviceID            uint            `json:"device_id"`
	MicrocontrollerID   uint            `json:"microcontroller_id"`
	MicrocontrollerUUID string          `json:"microcontroller_uuid"`
	Action              string          `json:"action"`
	State               string          `json:"state"`
	IdempotencyKey      string          `json:"idempotency_key"`
	CorrelationKey      string          `json:"correlation_key"`
	RetryCount          int             `json:"retry_count"`
	LastError           string          `json:"last_error,omitempty"`
	TriggerReason       string          `json:"trigger_reason,omitempty"`
	MeasuredValue       *float64        `json:"measured_value,omitempty"`
	MeasuredUnit        *string         `json:"measured_unit,omitempty"`
	Payload             json.RawMessage `json:"payload,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	DispatchedAt        *time.Time      `json:"dispatched_at,omitempty"`
	AckedAt             *time.Time      `json:"acked_at,omitempty"`
	FinishedAt          *time.Time      `json:"finished_at,omitempty"`
	DeadlineAt          *time.Time      `json:"deadline_at,omitempty"`
	Events              []eventResponse `json:"events,omitempty"`
}

type eventResponse struct {
	ID            uint      `json:"id"`
	EventName     string    `json:"event_name"`
	Result        string    `json:"result"`
	PinState      *bool     `json:"pin_state,omitempty"`
	TriggerReason *string   `json:"trigger_reason,omitempty"`
	MeasuredValue *float64  `json:"measured_value,omitempty"`
	MeasuredUnit  *string   `json:"measured_unit,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func toCommandResponse(c *models.SchedulerCommand) commandResponse {
	resp := commandResponse{
		ID:                  c.ID,
		SlotID:              c.SlotID,
		SchedulerID:         c.SchedulerID,
		DeviceID:            c.DeviceID,
		MicrocontrollerID:   c.MicrocontrollerID,
		MicrocontrollerUUID: c.MicrocontrollerUUID,
		Action:              string(c.Action),
		State:               string(c.State),
		IdempotencyKey:      c.IdempotencyKey,
		CorrelationKey:      c.CorrelationKey,
		RetryCount:          c.RetryCount,
		LastError:           c.LastError,
		TriggerReason:       c.TriggerReason,
		MeasuredValue:       c.MeasuredValue,
		MeasuredUnit:        c.MeasuredUnit,
		CreatedAt:           c.CreatedAt,
		DispatchedAt:        c.DispatchedAt,
		AckedAt:             c.AckedAt,
		FinishedAt:          c.FinishedAt,
		DeadlineAt:          c.DeadlineAt,
	}
	if len(c.Payload) > 0 {
		resp.Payload = json.RawMessage(c.Payload)
	}
	return resp
}

func toEventResponse(e *models.DeviceEvent) eventResponse {
	return eventResponse{
		ID:            e.ID,
		EventName:     string(e.EventName),
		Result:        string(e.Result),
		PinState:      e.PinState,
		TriggerReason: e.TriggerReason,
		MeasuredValue: e.MeasuredValue,
		MeasuredUnit:  e.MeasuredUnit,
		CreatedAt:     e.CreatedAt,
	}
}
