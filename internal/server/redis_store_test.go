package server

import (
	"testing"
	"time"

	"reelsync/internal/testsupport/redisstub"
)

func TestRedisStoreCountsAcrossInstances(t *testing.T) {
	srv, err := redisstub.Start(redisstub.Options{})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() {
		_ = srv.Close()
	})

	first := newRedisStore(srv.Addr(), "", time.Second)
	second := newRedisStore(srv.Addr(), "", time.Second)

	key := "reelsync:login:203.0.113.7"
	for i := 0; i < 2; i++ {
		allowed, _, err := first.Allow(key, 2, time.Minute)
		if err != nil {
			t.Fatalf("allow %d: %v", i+1, err)
		}
		if !allowed {
			t.Fatalf("attempt %d should be allowed", i+1)
		}
	}

	// The replica sees the shared counter and refuses the third attempt.
	allowed, retryAfter, err := second.Allow(key, 2, time.Minute)
	if err != nil {
		t.Fatalf("allow on replica: %v", err)
	}
	if allowed {
		t.Fatal("expected third attempt refused")
	}
	if retryAfter <= 0 {
		t.Fatalf("expected positive retry-after, got %v", retryAfter)
	}
}
