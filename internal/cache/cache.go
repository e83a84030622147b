// Package cache stores restyled images keyed by the hash of their source.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrCacheMiss is returned by Get when the key is absent or expired
var ErrCacheMiss = errors.New("cache miss")

// Store is a byte cache. Implementations must be safe for concurrent use.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}

// Key returns the cache key for an input payload
func Key(namespace string, data []byte) string {
	sum := sha256.Sum256(data)
	return namespace + ":" + hex.EncodeToString(sum[:])
}
