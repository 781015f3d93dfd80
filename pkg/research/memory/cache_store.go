package memory

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

// CacheStore is the in-process store used for non-persisted conversations
// and for single-instance deployments.
type CacheStore struct {
	cache *cache.Cache
}

// NewCacheStore keeps entries for ttl (zero means no expiry) and purges
// expired items every 10 minutes.
func NewCacheStore(ttl time.Duration) *CacheStore {
	expiration := cache.NoExpiration
	if ttl > 0 {
		expiration = ttl
	}
	return &CacheStore{cache: cache.New(expiration, 10*time.Minute)}
}

func (s *CacheStore) Get(_ context.Context, key string) ([]byte, error) {
	if x, found := s.cache.Get(key); found {
		data := x.([]byte)
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	}
	return nil, ErrNotFound
}

func (s *CacheStore) Set(_ context.Context, key string, value []byte) error {
	data := make([]byte, len(value))
	copy(data, value)
	s.cache.Set(key, data, cache.DefaultExpiration)
	return nil
}
