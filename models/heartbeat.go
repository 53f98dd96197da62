package models

import (
	"fmt"
	"time"

	"simflow/internal/protocol"
)

// ComponentState is one step of the component lifecycle tracked by the
// controller. States only move forward; DONE and FAILED are terminal.
type ComponentState string

const (
	StateRegistered ComponentState = "REGISTERED"
	StateReady      ComponentState = "READY"
	StateRunning    ComponentState = "RUNNING"
	StateDone       ComponentState = "DONE"
	StateFailed     ComponentState = "FAILED"
)

// Heartbeat wire field names.
const (
	FieldComponent = "component"
	FieldState     = "state"
	FieldSeq       = "seq"
	FieldAt        = "at"
)

// Valid reports whether s is one of the lifecycle states.
func (s ComponentState) Valid() bool {
	switch s {
	case StateRegistered, StateReady, StateRunning, StateDone, StateFailed:
		return true
	}
	return false
}

// Terminal reports whether a component in this state has finished for
// good, successfully or not.
func (s ComponentState) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Heartbeat is one liveness report from a component to the controller,
// carried as a sync frame on the controller mailbox.
type Heartbeat struct {
	Component string
	State     ComponentState
	Seq       int64
	At        time.Time
}

// Record builds the heartbeat's wire record.
func (h Heartbeat) Record() (*protocol.Record, error) {
	rec := protocol.NewRecord()
	if err := rec.Set(FieldComponent, protocol.Str(h.Component)); err != nil {
		return nil, err
	}
	if err := rec.Set(FieldState, protocol.Str(string(h.State))); err != nil {
		return nil, err
	}
	if err := rec.Set(FieldSeq, protocol.Int(h.Seq)); err != nil {
		return nil, err
	}
	if err := rec.Set(FieldAt, protocol.Time(h.At)); err != nil {
		return nil, err
	}
	return rec, nil
}

// HeartbeatFromRecord reads a heartbeat back out and rejects unknown
// lifecycle states.
func HeartbeatFromRecord(rec *protocol.Record) (Heartbeat, error) {
	var h Heartbeat
	var err error
	if h.Component, err = recStr(rec, FieldComponent); err != nil {
		return h, err
	}
	state, err := recStr(rec, FieldState)
	if err != nil {
		return h, err
	}
	h.State = ComponentState(state)
	if !h.State.Valid() {
		return h, fmt.Errorf("heartbeat state %q is unknown: %w", state, protocol.ErrMalformedFrame)
	}
	if h.Seq, err = recInt(rec, FieldSeq); err != nil {
		return h, err
	}
	if h.At, err = recTime(rec, FieldAt); err != nil {
		return h, err
	}
	return h, nil
}
