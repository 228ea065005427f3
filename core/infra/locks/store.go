package locks

import (
	"context"
	"time"
)

// Lock captures the current ownership of a resource.
type Lock struct {
	Resource  string    `json:"resource"`
	Owner     string    `json:"owner"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store manages exclusive resource locks. Publishes against the same content
// repository are serialized behind one of these.
type Store interface {
	Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (*Lock, bool, error)
	Release(ctx context.Context, resource, owner string) (bool, error)
	Renew(ctx context.Context, resource, owner string, ttl time.Duration) (*Lock, bool, error)
	Get(ctx context.Context, resource string) (*Lock, error)
}

// AcquireWait polls Acquire until it succeeds or ctx is done.
func AcquireWait(ctx context.Context, store Store, resource, owner string, ttl time.Duration) (*Lock, error) {
	const pollInterval = 250 * time.Millisecond
	for {
		lock, ok, err := store.Acquire(ctx, resource, owner, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return lock, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}
