package redisstore

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/agentwatch/agentwatch/internal/broadcast"
	"github.com/agentwatch/agentwatch/internal/telemetry"
)

const channelPrefix = "agentwatch:topic:"

// NewSink returns a broadcast.Broadcaster.Sink backed by Redis Pub/Sub, so a
// second process (or a replica of this service) can mirror the same event
// stream. Publish errors are logged and swallowed: the mirror is
// best-effort and must never apply backpressure to the in-process fanout.
func NewSink(client *redis.Client) func(ctx context.Context, msg broadcast.Message) {
	return func(ctx context.Context, msg broadcast.Message) {
		data, err := json.Marshal(msg)
		if err != nil {
			telemetry.Warn(ctx, "redis sink: marshal failed", telemetry.KV{K: "error", V: err.Error()})
			return
		}
		if err := client.Publish(ctx, channelPrefix+string(msg.Topic), data).Err(); err != nil {
			telemetry.Warn(ctx, "redis sink: publish failed", telemetry.KV{K: "error", V: err.Error()})
		}
	}
}
