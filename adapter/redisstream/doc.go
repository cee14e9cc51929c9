// Package redisstream provides a Redis Streams store hook for xmsg.
//
// Store name: "redis-streams"
//
// Every envelope a category bus processes is encoded into an xmsg.Record and
// appended with XADD. Writes are asynchronous and best-effort: a full queue
// or a failed batch loses records (counted in Stats) and never stalls a bus.
//
// Config keys:
//   - addr: "host:port" (default "127.0.0.1:6379")
//   - stream: stream key or prefix (default "xmsg")
//   - per_category: write to <stream>:<category> (default true)
//   - max_len_approx: XADD MAXLEN ~ bound (default 100000)
//   - queue_size: pending record buffer (default 4096)
//   - batch_size: records per pipelined flush (default 128)
//   - flush_interval: max time a record waits for a flush (default 100ms)
//   - write_timeout: per-flush deadline (default 2s)
//   - codec: registered payload codec (default "json")
//
// Example builder usage:
//
//	sys, _ := xmsg.NewSystemBuilder().
//		WithStore(redisstream.StoreName, map[string]any{
//			"addr":           "localhost:6379",
//			"stream":         "trading",
//			"max_len_approx": int64(50_000),
//			"flush_interval": "50ms",
//		}).
//		Build()
package redisstream
