package service

import (
	"context"

	"skne-engine/internal/cache"
)

// Publisher is the slice of the message broker the services need.
// *broker.Broker satisfies it.
type Publisher interface {
	Publish(ctx context.Context, exchange, key string, body []byte) error
	SendToQueue(ctx context.Context, queue string, body []byte) error
}

// Notifier fans committed state changes out to partner servers.
// *broker.Notifier satisfies it.
type Notifier interface {
	Publish(ctx context.Context, method string, params any, extra ...string)
}

// SessionReader is the slice of the cache the services need.
// *cache.Cache satisfies it.
type SessionReader interface {
	GetSession(ctx context.Context, steamID64 string) (*cache.Session, error)
	Flag(ctx context.Context, name string) bool
}
