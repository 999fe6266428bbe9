package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/Polaris/internal/pkg/env"
)

var client *redis.Client

// Options returns the connection settings shared by the cache client and the
// fiber storage used for sessions and rate limiting.
func Options() (host string, port int, password string, db int) {
	host = env.GetEnv("CACHE_HOST", "localhost")
	port, _ = strconv.Atoi(env.GetEnv("CACHE_PORT", "6379"))
	password = env.GetEnv("CACHE_PASSWORD", "")
	db, _ = strconv.Atoi(env.GetEnv("CACHE_DB", "0"))
	return host, port, password, db
}

// SetupCache initializes the connection to the Redis-compatible cache server
func SetupCache() {
	host, port, password, db := Options()

	client = redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	pong, err := client.Ping(ctx).Result()
	if err != nil {
		log.Warnf("[Cache] Could not connect to cache: %v", err)
	} else {
		log.Infof("[Cache] Successfully connected to cache: %s", pong)
	}
}

// GetClient returns the Redis client instance
func GetClient() *redis.Client {
	if client == nil {
		SetupCache()
	}
	return client
}
