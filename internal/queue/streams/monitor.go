package streams

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// LagMetrics is the backlog of a consumer group.
type LagMetrics struct {
	Stream     string        `json:"stream"`
	Group      string        `json:"group"`
	Pending    int64         `json:"pending"`
	Lag        int64         `json:"lag"`
	Consumers  int64         `json:"consumers"`
	OldestIdle time.Duration `json:"oldest_idle_ns"`
}

// GroupLag reads XINFO GROUPS for stream and the idle time of the oldest
// pending entry. Lag is -1 when the group does not exist.
func GroupLag(ctx context.Context, client *redis.Client, stream, group string) (LagMetrics, error) {
	switch {
	case client == nil:
		return LagMetrics{}, fmt.Errorf("redis client is nil")
	case stream == "":
		return LagMetrics{}, fmt.Errorf("stream is required")
	case group == "":
		return LagMetrics{}, fmt.Errorf("group is required")
	}

	groups, err := client.XInfoGroups(ctx, stream).Result()
	if err != nil {
		return LagMetrics{}, fmt.Errorf("xinfo groups: %w", err)
	}
	m := LagMetrics{Stream: stream, Group: group, Lag: -1}
	for _, info := range groups {
		if info.Name == group {
			m.Pending = info.Pending
			m.Lag = info.Lag
			m.Consumers = int64(info.Consumers)
			break
		}
	}
	if m.Pending == 0 {
		return m, nil
	}
	entries, err := client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return LagMetrics{}, fmt.Errorf("xpendingext: %w", err)
	}
	if len(entries) > 0 {
		m.OldestIdle = entries[0].Idle
	}
	return m, nil
}
