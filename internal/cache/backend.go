package cache

import (
	"context"
	"time"
)

// Backend is the optional L2 cache collaborator (spec.md section 4.4).
// Reads check L1 first; on a miss, an async L2 lookup populates L1.
// Writes go to L1 synchronously and to L2 asynchronously; L2 failures
// never propagate to the caller.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}
