package locks

import (
	"context"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

func skipEval(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "eval")
}

func TestRedisStoreAcquireRelease(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	lock, ok, err := store.Acquire(ctx, "repo:content", "publish-a", 2*time.Second)
	if err != nil {
		if skipEval(err) {
			t.Skip("miniredis does not support EVAL")
		}
		t.Fatalf("acquire: %v", err)
	}
	if !ok || lock == nil || lock.Owner != "publish-a" {
		t.Fatalf("expected lock acquired by publish-a, got %#v", lock)
	}

	if _, ok, err := store.Acquire(ctx, "repo:content", "publish-b", 2*time.Second); err != nil {
		t.Fatalf("second acquire: %v", err)
	} else if ok {
		t.Fatalf("expected second acquire to be refused")
	}

	// Re-acquire by the same owner extends the lock.
	if _, ok, err := store.Acquire(ctx, "repo:content", "publish-a", 2*time.Second); err != nil || !ok {
		t.Fatalf("reacquire by owner, err=%v ok=%v", err, ok)
	}

	if ok, err := store.Release(ctx, "repo:content", "publish-b"); err != nil {
		t.Fatalf("release wrong owner: %v", err)
	} else if ok {
		t.Fatalf("wrong owner must not release")
	}
	if ok, err := store.Release(ctx, "repo:content", "publish-a"); err != nil || !ok {
		t.Fatalf("release, err=%v ok=%v", err, ok)
	}

	if _, ok, err := store.Acquire(ctx, "repo:content", "publish-b", 2*time.Second); err != nil || !ok {
		t.Fatalf("acquire after release, err=%v ok=%v", err, ok)
	}
}

func TestRedisStoreRenewAndGet(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if _, ok, err := store.Acquire(ctx, "repo:renew", "publish-a", time.Second); err != nil {
		if skipEval(err) {
			t.Skip("miniredis does not support EVAL")
		}
		t.Fatalf("acquire: %v", err)
	} else if !ok {
		t.Fatalf("expected acquire")
	}

	if _, ok, err := store.Renew(ctx, "repo:renew", "publish-a", 5*time.Second); err != nil || !ok {
		t.Fatalf("renew, err=%v ok=%v", err, ok)
	}
	if _, ok, err := store.Renew(ctx, "repo:renew", "someone-else", 5*time.Second); err != nil {
		t.Fatalf("renew wrong owner: %v", err)
	} else if ok {
		t.Fatalf("wrong owner must not renew")
	}

	lock, err := store.Get(ctx, "repo:renew")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if lock == nil || lock.Owner != "publish-a" {
		t.Fatalf("unexpected lock state: %#v", lock)
	}

	if lock, err := store.Get(ctx, "repo:absent"); err != nil || lock != nil {
		t.Fatalf("absent lock should be nil, err=%v lock=%#v", err, lock)
	}
}

func TestAcquireWait(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if _, ok, err := store.Acquire(ctx, "repo:wait", "holder", 10*time.Second); err != nil {
		if skipEval(err) {
			t.Skip("miniredis does not support EVAL")
		}
		t.Fatalf("acquire: %v", err)
	} else if !ok {
		t.Fatalf("expected acquire")
	}

	waitCtx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	if _, err := AcquireWait(waitCtx, store, "repo:wait", "waiter", time.Second); err == nil {
		t.Fatalf("expected ctx deadline while lock is held")
	}
}
