package dedupe

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func exercise(t *testing.T, d Deduper) {
	t.Helper()
	ctx := context.Background()
	key := Key(uuid.NewString(), "PAY-9")

	seen, err := d.Seen(ctx, key)
	if err != nil || seen {
		t.Fatalf("fresh key seen = %v, %v", seen, err)
	}
	if err := d.Mark(ctx, key); err != nil {
		t.Fatal(err)
	}
	if err := d.Mark(ctx, key); err != nil {
		t.Fatal(err)
	}
	seen, err = d.Seen(ctx, key)
	if err != nil || !seen {
		t.Fatalf("marked key seen = %v, %v", seen, err)
	}
}

func TestMemoryDeduper(t *testing.T) {
	exercise(t, NewMemory(time.Minute))
}

func TestMemoryDeduperExpires(t *testing.T) {
	now := time.Now()
	m := NewMemory(time.Minute)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	_ = m.Mark(ctx, "k")
	now = now.Add(2 * time.Minute)
	if seen, _ := m.Seen(ctx, "k"); seen {
		t.Fatal("expired key still seen")
	}
}

func TestRedisDeduper(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	exercise(t, NewRedis(client, time.Minute))
}
