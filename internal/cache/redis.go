package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"skne-engine/internal/model"
)

const (
	sessionKeyPrefix = "skne:session:"
	flagKeyPrefix    = "skne:flag:"
	userKeyPrefix    = "skne:user:"

	// FlagWithdrawalsDisabled is the kill switch for outbound trades.
	FlagWithdrawalsDisabled = "withdrawals_disabled"
)

// Cache wraps Redis for short-lived engine state: inventory sessions,
// runtime flags and per-user markers.
type Cache struct {
	client *redis.Client
}

// NewCache connects to Redis and verifies the connection.
func NewCache(addr, password string, db int) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	log.Println("[Cache] Connected to Redis")
	return &Cache{client: client}, nil
}

// Session is a snapshot of a user's tradable inventory, captured when they
// loaded it. Deposits are validated against the snapshot so users can only
// offer what the engine priced for them.
type Session struct {
	SteamID64 string             `json:"steamId64"`
	Items     []model.OfferAsset `json:"items"`
	CreatedAt time.Time          `json:"createdAt"`
}

// PutSession stores an inventory session under the user's id with a TTL.
func (c *Cache) PutSession(ctx context.Context, session *Session, ttl time.Duration) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := c.client.Set(ctx, sessionKeyPrefix+session.SteamID64, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

// GetSession loads a user's inventory session, or nil when it expired.
func (c *Cache) GetSession(ctx context.Context, steamID64 string) (*Session, error) {
	data, err := c.client.Get(ctx, sessionKeyPrefix+steamID64).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &session, nil
}

// DeleteSession removes a user's inventory session.
func (c *Cache) DeleteSession(ctx context.Context, steamID64 string) error {
	return c.client.Del(ctx, sessionKeyPrefix+steamID64).Err()
}

// SetFlag sets or clears a runtime flag.
func (c *Cache) SetFlag(ctx context.Context, name string, on bool) error {
	if !on {
		return c.client.Del(ctx, flagKeyPrefix+name).Err()
	}
	return c.client.Set(ctx, flagKeyPrefix+name, "1", 0).Err()
}

// Flag reports whether a runtime flag is set. Lookup failures read as
// unset so a Redis outage cannot wedge the trade flow.
func (c *Cache) Flag(ctx context.Context, name string) bool {
	val, err := c.client.Exists(ctx, flagKeyPrefix+name).Result()
	if err != nil {
		log.Printf("[Cache] Flag lookup %s failed: %v", name, err)
		return false
	}
	return val > 0
}

// MarkUser sets a per-user marker with a TTL, e.g. a withdrawal cooldown.
func (c *Cache) MarkUser(ctx context.Context, steamID64, marker string, ttl time.Duration) error {
	return c.client.Set(ctx, userKeyPrefix+marker+":"+steamID64, "1", ttl).Err()
}

// UserMarked reports whether a per-user marker is active.
func (c *Cache) UserMarked(ctx context.Context, steamID64, marker string) bool {
	val, err := c.client.Exists(ctx, userKeyPrefix+marker+":"+steamID64).Result()
	if err != nil {
		log.Printf("[Cache] User marker lookup failed: %v", err)
		return false
	}
	return val > 0
}

// Close shuts down the Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}
