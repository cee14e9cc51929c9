package redisstream

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/trickstertwo/xmsg"
)

// Recent reads up to count of the newest records in stream, oldest first.
// It is a diagnostics read; the store never consumes its own streams.
func (s *Store) Recent(ctx context.Context, stream string, count int64) ([]xmsg.Record, error) {
	if count < 1 {
		return nil, nil
	}
	msgs, err := s.client.XRevRangeN(ctx, stream, "+", "-", count).Result()
	if err != nil {
		return nil, err
	}
	out := make([]xmsg.Record, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, decodeRecord(m.Values))
	}
	slices.Reverse(out)
	return out, nil
}

func decodeRecord(vals map[string]any) xmsg.Record {
	rec := xmsg.Record{
		EnvelopeID:  asString(vals[fieldEnvelopeID]),
		MessageID:   asString(vals[fieldMessageID]),
		Category:    asString(vals[fieldCategory]),
		MessageType: asString(vals[fieldMessageType]),
		Sender:      asString(vals[fieldSender]),
	}
	if rs := asString(vals[fieldReceivers]); rs != "" {
		rec.Receivers = strings.Split(rs, ",")
	}
	if ns, ok := toInt64(vals[fieldCreatedAt]); ok && ns > 0 {
		rec.CreatedAt = time.Unix(0, ns)
	}
	if ns, ok := toInt64(vals[fieldOpenedAt]); ok && ns > 0 {
		at := time.Unix(0, ns)
		rec.OpenedAt = &at
	}
	switch p := vals[fieldPayload].(type) {
	case []byte:
		rec.Payload = p
	case string:
		rec.Payload = []byte(p)
	}
	return rec
}

func asString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprintf("%v", s)
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case string:
		if n == "" {
			return 0, false
		}
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i, true
		}
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return int64(f), true
		}
	case []byte:
		return toInt64(string(n))
	}
	return 0, false
}
