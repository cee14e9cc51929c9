package xmsg

import (
	"encoding/json"
	"time"
)

// Codec is the Strategy stores use to encode message payloads.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// JSONCodec is the default JSON implementation.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (JSONCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }
func (JSONCodec) Name() string                    { return "json" }

// Record is the flattened, encoded form of an envelope handed to a store
// backend.
type Record struct {
	EnvelopeID  string     `json:"envelope_id"`
	MessageID   string     `json:"message_id"`
	Category    string     `json:"category"`
	MessageType string     `json:"message_type"`
	Sender      string     `json:"sender"`
	Receivers   []string   `json:"receivers"`
	CreatedAt   time.Time  `json:"created_at"`
	OpenedAt    *time.Time `json:"opened_at,omitempty"`
	Payload     []byte     `json:"payload"`
}

// EncodeEnvelope flattens env and encodes its message with c.
func EncodeEnvelope(c Codec, env AnyEnvelope) (Record, error) {
	if c == nil {
		c = JSONCodec{}
	}
	msg := env.Payload()
	data, err := c.Marshal(msg)
	if err != nil {
		return Record{}, err
	}

	receivers := env.Receivers()
	rs := make([]string, len(receivers))
	for i, r := range receivers {
		rs[i] = string(r)
	}

	rec := Record{
		EnvelopeID:  env.ID().String(),
		MessageID:   msg.MessageID().String(),
		Category:    env.Category().String(),
		MessageType: typeName(msg),
		Sender:      string(env.Sender()),
		Receivers:   rs,
		CreatedAt:   env.CreatedAt(),
		Payload:     data,
	}
	if at, ok := env.OpenedAt(); ok {
		rec.OpenedAt = &at
	}
	return rec, nil
}

// DecodePayload unmarshals a record's payload into T using c.
func DecodePayload[T any](c Codec, rec Record) (T, error) {
	var v T
	if c == nil {
		c = JSONCodec{}
	}
	if err := c.Unmarshal(rec.Payload, &v); err != nil {
		return v, err
	}
	return v, nil
}
