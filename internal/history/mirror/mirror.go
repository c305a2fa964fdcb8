// Package mirror publishes a read-only snapshot of the controller's
// state to Redis on every tick, generalizing the nil-safe optional
// client pattern pkg/store/redis uses for worker/task caching. It is
// never read by anything in this process and never used for
// coordination — spec.md's Non-goals exclude distributed coordination,
// so this is strictly a multi-reader introspection convenience for an
// out-of-process dashboard.
package mirror

import (
	"context"
	"encoding/json"

	"github.com/go-redis/redis/v8"

	"llm-threaderd/internal/logging"
)

// Mirror is safe to use with a nil *redis.Client: every method becomes
// a no-op, exactly like the teacher's redisClient being allowed to be
// nil throughout pkg/store/redis and pkg/autoscaler.
type Mirror struct {
	client *redis.Client
	key    string
	log    *logging.Logger
}

// New builds a Mirror. addr == "" disables it (client stays nil).
func New(addr, key string, log *logging.Logger) *Mirror {
	if log == nil {
		log = logging.Nop()
	}
	if key == "" {
		key = "llm-threaderd:state"
	}
	m := &Mirror{key: key, log: log}
	if addr != "" {
		m.client = redis.NewClient(&redis.Options{Addr: addr})
	}
	return m
}

// Publish writes the current snapshot as JSON. Errors are logged, not
// propagated: the mirror is best-effort and must never affect the
// control loop.
func (m *Mirror) Publish(ctx context.Context, snapshot any) {
	if m.client == nil {
		return
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		m.log.WarnCtx(ctx, "mirror: marshal snapshot failed: %v", err)
		return
	}
	if err := m.client.Set(ctx, m.key, data, 0).Err(); err != nil {
		m.log.WarnCtx(ctx, "mirror: publish to redis failed: %v", err)
	}
}

// Close releases the underlying client, if any.
func (m *Mirror) Close() error {
	if m.client == nil {
		return nil
	}
	return m.client.Close()
}
