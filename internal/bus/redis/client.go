// Package redis implements the Redis Streams flavour of the trade bus: a
// consumer-group TradeSource, a RecordPublisher that appends to the output
// stream and mirrors the latest record per token, and the circuit breaker
// guarding that sink.
package redis

import (
	"context"
	"fmt"
	"log"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

// Config configures the Redis connection.
type Config struct {
	Addr     string // e.g. "localhost:6379"
	Password string
	DB       int
}

// Dial creates a client and pings the server.
func Dial(ctx context.Context, cfg Config) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}

	log.Printf("[redis] connected to %s (db=%d)", cfg.Addr, cfg.DB)
	return client, nil
}

// LatestKey is the key holding the mirrored latest record of token.
func LatestKey(token string) string { return "rsi:latest:" + token }

// PubSubChannel is the channel each new record of token is published on.
func PubSubChannel(token string) string { return "pub:rsi:" + token }

// streamField is the entry field carrying the JSON payload on both streams.
const streamField = "data"
