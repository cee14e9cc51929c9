package redisstream

// Field constants (avoid typos/allocs)
const (
	fieldEnvelopeID  = "envelope_id"
	fieldMessageID   = "message_id"
	fieldCategory    = "category"
	fieldMessageType = "message_type"
	fieldSender      = "sender"
	fieldReceivers   = "receivers"  // comma-joined addresses
	fieldCreatedAt   = "created_at" // int64 ns
	fieldOpenedAt    = "opened_at"  // int64 ns, absent until first delivery
	fieldPayload     = "payload"    // raw codec bytes
)
