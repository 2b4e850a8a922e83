/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventbus

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/friendsincode/smart_schedulers/internal/models"
)

// Event types and fixed envelope values used on the device stream.
const (
	EventDeviceCommand       = "DEVICE_COMMAND"
	EventProviderMeasurement = "PROVIDER_MEASUREMENT"

	EntityMicrocontroller = "microcontroller"
	DataVersion           = "1"

	CommandModeSchedule = "SCHEDULE"
	CommandSetState     = "SET_STATE"
)

// Envelope wraps every message on the device stream.
type Envelope struct {
	Subject     string          `json:"subject"`
	EventType   string          `json:"event_type"`
	EventID     string          `json:"event_id"`
	Source      string          `json:"source"`
	EntityType  string          `json:"entity_type"`
	EntityID    string          `json:"entity_id"`
	Timestamp   time.Time       `json:"timestamp"`
	DataVersion string          `json:"data_version"`
	Data        json.RawMessage `json:"data"`
}

// CommandData is the DEVICE_COMMAND body.
type CommandData struct {
	DeviceID       uint   `json:"device_id"`
	DeviceUUID     string `json:"device_uuid"`
	DeviceNumber   int    `json:"device_number"`
	Mode           string `json:"mode"`
	Command        string `json:"command"`
	IsOn           bool   `json:"is_on"`
	CommandID      string `json:"command_id"`
	CorrelationKey string `json:"correlation_key"`
}

// CommandSubject is where commands for a microcontroller are published.
func CommandSubject(stream, microcontrollerUUID string) string {
	return stream + "." + microcontrollerUUID + ".command." + EventDeviceCommand
}

// AckSubject is where the agent answers a command published on CommandSubject.
func AckSubject(stream, microcontrollerUUID string) string {
	return CommandSubject(stream, microcontrollerUUID) + ".ack"
}

// AckFilter matches acknowledgments from every microcontroller.
func AckFilter(stream string) string {
	return AckSubject(stream, "*")
}

// MeasurementFilter matches provider measurement events from every entity.
func MeasurementFilter(stream string) string {
	return stream + ".*.event." + EventProviderMeasurement
}

// StreamSubjects is the subject space of the device stream.
func StreamSubjects(stream string) []string {
	return []string{stream + ".>"}
}

// EncodeCommand builds the DEVICE_COMMAND envelope for cmd.
func EncodeCommand(stream string, cmd *models.SchedulerCommand, now time.Time) (subject string, eventID string, body []byte, err error) {
	subject = CommandSubject(stream, cmd.MicrocontrollerUUID)
	data, err := json.Marshal(CommandData{
		DeviceID:       cmd.DeviceID,
		DeviceUUID:     cmd.DeviceUUID,
		DeviceNumber:   cmd.DeviceNumber,
		Mode:           CommandModeSchedule,
		Command:        CommandSetState,
		IsOn:           cmd.Action.IsOn(),
		CommandID:      cmd.ID,
		CorrelationKey: cmd.CorrelationKey,
	})
	if err != nil {
		return "", "", nil, fmt.Errorf("marshal command data: %w", err)
	}
	env := Envelope{
		Subject:     subject,
		EventType:   EventDeviceCommand,
		EventID:     strings.ReplaceAll(uuid.NewString(), "-", ""),
		Source:      models.EventSource,
		EntityType:  EntityMicrocontroller,
		EntityID:    cmd.MicrocontrollerUUID,
		Timestamp:   now.UTC(),
		DataVersion: DataVersion,
		Data:        data,
	}
	body, err = json.Marshal(env)
	if err != nil {
		return "", "", nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return subject, env.EventID, body, nil
}

// DecodeEnvelope parses an envelope and requires a JSON object body.
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	trimmed := strings.TrimSpace(string(env.Data))
	if !strings.HasPrefix(trimmed, "{") {
		return nil, fmt.Errorf("%w: envelope without data object", ErrMalformed)
	}
	return &env, nil
}

// Ack is an agent's answer to a command.
type Ack struct {
	CorrelationKey string
	CommandID      string
	OK             bool
	// State is the output reported by the agent, when it reported one.
	State *bool
	Error string
}

type ackData struct {
	CorrelationKey string `json:"correlation_key"`
	CommandID      string `json:"command_id"`
	OK             *bool  `json:"ok"`
	ActualState    *bool  `json:"actual_state"`
	IsOn           *bool  `json:"is_on"`
	Error          string `json:"error"`
}

// DecodeAck parses an ack envelope. An ack must name its correlation key or command id.
func DecodeAck(raw []byte) (Ack, error) {
	env, err := DecodeEnvelope(raw)
	if err != nil {
		return Ack{}, err
	}
	var d ackData
	if err := json.Unmarshal(env.Data, &d); err != nil {
		return Ack{}, fmt.Errorf("%w: ack data: %v", ErrMalformed, err)
	}
	ack := Ack{
		CorrelationKey: strings.TrimSpace(d.CorrelationKey),
		CommandID:      strings.TrimSpace(d.CommandID),
		OK:             d.OK != nil && *d.OK,
		Error:          d.Error,
	}
	if ack.CorrelationKey == "" && ack.CommandID == "" {
		return Ack{}, fmt.Errorf("%w: ack without correlation_key or command_id", ErrMalformed)
	}
	switch {
	case d.ActualState != nil:
		ack.State = d.ActualState
	case d.IsOn != nil:
		ack.State = d.IsOn
	}
	return ack, nil
}

// EncodeAck builds an ack envelope, as an agent would send it.
func EncodeAck(stream, microcontrollerUUID string, ack Ack, now time.Time) (string, []byte, error) {
	ok := ack.OK
	data, err := json.Marshal(ackData{
		CorrelationKey: ack.CorrelationKey,
		CommandID:      ack.CommandID,
		OK:             &ok,
		ActualState:    ack.State,
		Error:          ack.Error,
	})
	if err != nil {
		return "", nil, err
	}
	subject := AckSubject(stream, microcontrollerUUID)
	body, err := json.Marshal(Envelope{
		Subject:     subject,
		EventType:   EventDeviceCommand,
		EventID:     strings.ReplaceAll(uuid.NewString(), "-", ""),
		Source:      "agent",
		EntityType:  EntityMicrocontroller,
		EntityID:    microcontrollerUUID,
		Timestamp:   now.UTC(),
		DataVersion: DataVersion,
		Data:        data,
	})
	return subject, body, err
}

// Measurement is a provider reading announced on the stream.
type Measurement struct {
	ProviderID    uint      `json:"provider_id"`
	MeasuredAt    time.Time `json:"measured_at"`
	MeasuredValue *float64  `json:"measured_value"`
	MeasuredUnit  *string   `json:"measured_unit"`
}

// DecodeMeasurement parses a PROVIDER_MEASUREMENT envelope. A missing
// measured_at falls back to the envelope timestamp.
func DecodeMeasurement(raw []byte) (Measurement, error) {
	env, err := DecodeEnvelope(raw)
	if err != nil {
		return Measurement{}, err
	}
	var m Measurement
	if err := json.Unmarshal(env.Data, &m); err != nil {
		return Measurement{}, fmt.Errorf("%w: measurement data: %v", ErrMalformed, err)
	}
	if m.ProviderID == 0 {
		return Measurement{}, fmt.Errorf("%w: measurement without provider_id", ErrMalformed)
	}
	if m.MeasuredAt.IsZero() {
		m.MeasuredAt = env.Timestamp
	}
	if m.MeasuredAt.IsZero() {
		return Measurement{}, fmt.Errorf("%w: measurement without timestamp", ErrMalformed)
	}
	m.MeasuredAt = m.MeasuredAt.UTC()
	return m, nil
}
