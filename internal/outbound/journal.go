package outbound

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Journal persists live messages so the queue survives a restart. Rows are
// written on enqueue and deleted when a message leaves the queue for any
// reason. *kvstore.SQLiteStore satisfies it.
type Journal interface {
	SaveMessage(id uint32, data []byte) error
	DeleteMessage(id uint32) error
	LoadMessages(fn func(id uint32, data []byte) error) error
}

// journalRecord is the CBOR row format. Integer keys keep rows small; fields
// are never renumbered, only appended.
type journalRecord struct {
	ID            uint32       `cbor:"1,keyasint"`
	Topic         string       `cbor:"2,keyasint"`
	Payload       []byte       `cbor:"3,keyasint"`
	QoS           byte         `cbor:"4,keyasint"`
	Retain        bool         `cbor:"5,keyasint"`
	Priority      uint8        `cbor:"6,keyasint"`
	State         uint8        `cbor:"7,keyasint"`
	CreatedUnixMs int64        `cbor:"8,keyasint"`
	TTLMs         int64        `cbor:"9,keyasint"`
	Policy        policyRecord `cbor:"10,keyasint"`
}

type policyRecord struct {
	MaxRetries        int     `cbor:"1,keyasint"`
	BaseDelayMs       int64   `cbor:"2,keyasint"`
	BackoffMultiplier float64 `cbor:"3,keyasint"`
	MaxDelayMs        int64   `cbor:"4,keyasint"`
	Exponential       bool    `cbor:"5,keyasint"`
}

// journalEncMode uses Core Deterministic Encoding so the same message always
// produces identical row bytes.
var journalEncMode cbor.EncMode

func init() {
	var err error
	journalEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("outbound: CBOR encoder initialization failed: " + err.Error())
	}
}

func encodeJournalRecord(m *message) ([]byte, error) {
	rec := journalRecord{
		ID:            m.id,
		Topic:         m.topic,
		Payload:       m.payload,
		QoS:           m.qos,
		Retain:        m.retain,
		Priority:      uint8(m.priority),
		State:         uint8(m.state),
		CreatedUnixMs: m.created.UnixMilli(),
		TTLMs:         m.ttl.Milliseconds(),
		Policy: policyRecord{
			MaxRetries:        m.policy.MaxRetries,
			BaseDelayMs:       m.policy.BaseDelay.Milliseconds(),
			BackoffMultiplier: m.policy.BackoffMultiplier,
			MaxDelayMs:        m.policy.MaxDelay.Milliseconds(),
			Exponential:       m.policy.Exponential,
		},
	}
	data, err := journalEncMode.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode journal record %d: %w", m.id, err)
	}
	return data, nil
}

// decodeJournalRecord rebuilds a message from a journal row. Whatever state
// the row carries, the message restarts as Pending with a zero retry count
// and is immediately eligible for delivery; the user cookie is not persisted
// and comes back nil.
func decodeJournalRecord(data []byte) (*message, error) {
	var rec journalRecord
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode journal record: %w", err)
	}
	if rec.ID == 0 {
		return nil, fmt.Errorf("decode journal record: zero id")
	}
	return &message{
		id:       rec.ID,
		topic:    rec.Topic,
		payload:  rec.Payload,
		qos:      rec.QoS,
		retain:   rec.Retain,
		priority: Priority(rec.Priority),
		state:    StatePending,
		created:  time.UnixMilli(rec.CreatedUnixMs),
		ttl:      time.Duration(rec.TTLMs) * time.Millisecond,
		policy: RetryPolicy{
			MaxRetries:        rec.Policy.MaxRetries,
			BaseDelay:         time.Duration(rec.Policy.BaseDelayMs) * time.Millisecond,
			BackoffMultiplier: rec.Policy.BackoffMultiplier,
			MaxDelay:          time.Duration(rec.Policy.MaxDelayMs) * time.Millisecond,
			Exponential:       rec.Policy.Exponential,
		},
	}, nil
}
