package memory

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("memory: key not found")

// KVStore is the opaque get/set-by-key service conversations live in.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}
