package cache

import (
	"context"
	"time"
)

// Cache is the shared score/embedding/token-count store. Population is
// last-writer-wins: a miss race producing two writes for the same key is
// tolerable, so implementations need no locking around Get-then-Set.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
}

// Nop is a cache that stores nothing.
type Nop struct{}

func (Nop) Get(context.Context, string) ([]byte, bool)         { return nil, false }
func (Nop) Set(context.Context, string, []byte, time.Duration) {}
