package jobqueue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/Polaris/internal/pkg/cache"
)

// isolatedArchiveTestDB keeps test keys away from the default database.
const isolatedArchiveTestDB = 14

// testRedisClient connects to the configured cache server, or skips the test
// when none is reachable. Archive keys are cleared before and after the test.
func testRedisClient(t *testing.T) *redis.Client {
	t.Helper()

	host, port, password, _ := cache.Options()
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       isolatedArchiveTestDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("Skipping Redis-dependent test: %v", err)
	}

	clearArchiveKeys(t, client)
	t.Cleanup(func() {
		clearArchiveKeys(t, client)
		_ = client.Close()
	})
	return client
}

func clearArchiveKeys(t *testing.T, client *redis.Client) {
	t.Helper()
	ctx := context.Background()

	keys := []string{ArchivePendingKey, ArchiveInFlightKey, ArchiveCountersKey, ArchiveRetryKey}
	iter := client.Scan(ctx, 0, ArchiveJobKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		t.Fatalf("failed to scan redis keys: %v", err)
	}
	if err := client.Del(ctx, keys...).Err(); err != nil {
		t.Fatalf("failed to clear redis keys: %v", err)
	}
}
