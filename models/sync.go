package models

import "simflow/internal/protocol"

// Ack is the client's processed-event acknowledgement, one per merged event,
// relayed through the order source to the feed. Seq counts merged events and
// must arrive strictly in order.
type Ack struct {
	Seq int64
}

// Record builds the ack's wire record.
func (a Ack) Record() (*protocol.Record, error) {
	rec := protocol.NewRecord()
	if err := rec.Set(FieldSeq, protocol.Int(a.Seq)); err != nil {
		return nil, err
	}
	return rec, nil
}

// AckFromRecord reads an ack back out.
func AckFromRecord(rec *protocol.Record) (Ack, error) {
	var a Ack
	var err error
	if a.Seq, err = recInt(rec, FieldSeq); err != nil {
		return a, err
	}
	return a, nil
}
