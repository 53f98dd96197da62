// Package models defines the typed events flowing through the pipeline and
// their conversions to and from wire records. Field names here are the wire
// vocabulary every stage shares.
package models

import (
	"fmt"
	"time"

	"simflow/internal/protocol"
)

// OrderSourceID is the reserved source identity of re-injected orders.
const OrderSourceID = "ORDER_SOURCE"

// Wire field names.
const (
	FieldSID        = "sid"
	FieldDT         = "dt"
	FieldPrice      = "price"
	FieldVolume     = "volume"
	FieldSourceID   = "source_id"
	FieldAmount     = "amount"
	FieldCommission = "commission"
	FieldTxn        = "txn"
)

// TradeEvent is one historical trade tick. Immutable once emitted by a
// data source.
type TradeEvent struct {
	SID      int64
	DT       time.Time
	Price    float64
	Volume   int64
	SourceID string
}

// Record builds the canonical wire record for the trade.
func (e TradeEvent) Record() (*protocol.Record, error) {
	rec := protocol.NewRecord()
	if err := rec.Set(FieldSID, protocol.Int(e.SID)); err != nil {
		return nil, err
	}
	if err := rec.Set(FieldDT, protocol.Time(e.DT)); err != nil {
		return nil, err
	}
	if err := rec.Set(FieldPrice, protocol.Float(e.Price)); err != nil {
		return nil, err
	}
	if err := rec.Set(FieldVolume, protocol.Int(e.Volume)); err != nil {
		return nil, err
	}
	if err := rec.Set(FieldSourceID, protocol.Str(e.SourceID)); err != nil {
		return nil, err
	}
	return rec, nil
}

// TradeEventFromRecord reads the trade fields back out. Extra fields are
// tolerated: merged events carry the trade fields plus transform results.
func TradeEventFromRecord(rec *protocol.Record) (TradeEvent, error) {
	var e TradeEvent
	var err error
	if e.SID, err = recInt(rec, FieldSID); err != nil {
		return e, err
	}
	if e.DT, err = recTime(rec, FieldDT); err != nil {
		return e, err
	}
	if e.Price, err = recFloat(rec, FieldPrice); err != nil {
		return e, err
	}
	if e.Volume, err = recInt(rec, FieldVolume); err != nil {
		return e, err
	}
	if e.SourceID, err = recStr(rec, FieldSourceID); err != nil {
		return e, err
	}
	return e, nil
}

// OrderEvent is a client order reshaped by the order source into a
// data-source-typed event.
type OrderEvent struct {
	SID      int64
	DT       time.Time
	Amount   int64
	SourceID string
}

// Record builds the wire record; an empty SourceID defaults to the
// reserved order-source identity.
func (e OrderEvent) Record() (*protocol.Record, error) {
	sourceID := e.SourceID
	if sourceID == "" {
		sourceID = OrderSourceID
	}
	rec := protocol.NewRecord()
	if err := rec.Set(FieldSID, protocol.Int(e.SID)); err != nil {
		return nil, err
	}
	if err := rec.Set(FieldDT, protocol.Time(e.DT)); err != nil {
		return nil, err
	}
	if err := rec.Set(FieldAmount, protocol.Int(e.Amount)); err != nil {
		return nil, err
	}
	if err := rec.Set(FieldSourceID, protocol.Str(sourceID)); err != nil {
		return nil, err
	}
	return rec, nil
}

// OrderEventFromRecord reads the order fields back out.
func OrderEventFromRecord(rec *protocol.Record) (OrderEvent, error) {
	var e OrderEvent
	var err error
	if e.SID, err = recInt(rec, FieldSID); err != nil {
		return e, err
	}
	if e.DT, err = recTime(rec, FieldDT); err != nil {
		return e, err
	}
	if e.Amount, err = recInt(rec, FieldAmount); err != nil {
		return e, err
	}
	if e.SourceID, err = recStr(rec, FieldSourceID); err != nil {
		return e, err
	}
	return e, nil
}

// IsOrderRecord reports whether an event record came through the order
// source.
func IsOrderRecord(rec *protocol.Record) bool {
	v, ok := rec.Get(FieldSourceID)
	if !ok {
		return false
	}
	s, ok := v.Str()
	return ok && s == OrderSourceID
}

// Transaction is a simulated fill produced from an order event.
type Transaction struct {
	SID        int64
	DT         time.Time
	Amount     int64
	Price      float64
	Commission float64
}

// Record builds the fill's wire record, carried nested inside a
// transform result.
func (t Transaction) Record() (*protocol.Record, error) {
	rec := protocol.NewRecord()
	if err := rec.Set(FieldSID, protocol.Int(t.SID)); err != nil {
		return nil, err
	}
	if err := rec.Set(FieldDT, protocol.Time(t.DT)); err != nil {
		return nil, err
	}
	if err := rec.Set(FieldAmount, protocol.Int(t.Amount)); err != nil {
		return nil, err
	}
	if err := rec.Set(FieldPrice, protocol.Float(t.Price)); err != nil {
		return nil, err
	}
	if err := rec.Set(FieldCommission, protocol.Float(t.Commission)); err != nil {
		return nil, err
	}
	return rec, nil
}

// TransactionFromRecord reads a fill back out of a nested record.
func TransactionFromRecord(rec *protocol.Record) (Transaction, error) {
	var t Transaction
	var err error
	if t.SID, err = recInt(rec, FieldSID); err != nil {
		return t, err
	}
	if t.DT, err = recTime(rec, FieldDT); err != nil {
		return t, err
	}
	if t.Amount, err = recInt(rec, FieldAmount); err != nil {
		return t, err
	}
	if t.Price, err = recFloat(rec, FieldPrice); err != nil {
		return t, err
	}
	if t.Commission, err = recFloat(rec, FieldCommission); err != nil {
		return t, err
	}
	return t, nil
}

// RecordTime reads the event timestamp every pipeline stage orders by.
func RecordTime(rec *protocol.Record) (time.Time, error) {
	return recTime(rec, FieldDT)
}

// RecordSourceID reads the originating source identity.
func RecordSourceID(rec *protocol.Record) (string, error) {
	return recStr(rec, FieldSourceID)
}

func recInt(rec *protocol.Record, name string) (int64, error) {
	v, ok := rec.Get(name)
	if !ok {
		return 0, fmt.Errorf("event missing field %q: %w", name, protocol.ErrMalformedFrame)
	}
	i, ok := v.Int()
	if !ok {
		return 0, fmt.Errorf("event field %q is %s, want int: %w", name, v.Type(), protocol.ErrMalformedFrame)
	}
	return i, nil
}

func recFloat(rec *protocol.Record, name string) (float64, error) {
	v, ok := rec.Get(name)
	if !ok {
		return 0, fmt.Errorf("event missing field %q: %w", name, protocol.ErrMalformedFrame)
	}
	f, ok := v.Float()
	if !ok {
		return 0, fmt.Errorf("event field %q is %s, want float: %w", name, v.Type(), protocol.ErrMalformedFrame)
	}
	return f, nil
}

func recStr(rec *protocol.Record, name string) (string, error) {
	v, ok := rec.Get(name)
	if !ok {
		return "", fmt.Errorf("event missing field %q: %w", name, protocol.ErrMalformedFrame)
	}
	s, ok := v.Str()
	if !ok {
		return "", fmt.Errorf("event field %q is %s, want string: %w", name, v.Type(), protocol.ErrMalformedFrame)
	}
	return s, nil
}

func recTime(rec *protocol.Record, name string) (time.Time, error) {
	v, ok := rec.Get(name)
	if !ok {
		return time.Time{}, fmt.Errorf("event missing field %q: %w", name, protocol.ErrMalformedFrame)
	}
	ts, ok := v.Time()
	if !ok {
		return time.Time{}, fmt.Errorf("event field %q is %s, want time: %w", name, v.Type(), protocol.ErrMalformedFrame)
	}
	return ts, nil
}
