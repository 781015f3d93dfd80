package memory

import (
	"context"
	"os"
	"testing"
	"time"

	"ai-research-be/pkg/database"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseStore runs the ledger contract against a real backend.
func exerciseStore(t *testing.T, store KVStore) {
	t.Helper()
	ctx := context.Background()

	_, err := store.Get(ctx, "missing-"+uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)

	l := NewLedger(store, NewCacheStore(0), nil)
	id := "it-" + uuid.NewString()

	_, err = l.LoadOrCreate(ctx, id, true)
	require.NoError(t, err)
	_, err = l.Append(ctx, id, ChatTurn{Sender: SenderUser, Text: "question"})
	require.NoError(t, err)
	require.NoError(t, l.AddCost(ctx, id, 0.002, 0.004))
	require.NoError(t, l.AddCost(ctx, id, 0.001, 0.001))

	mem, ok, err := l.Load(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, mem.ChatLog, 1)
	assert.Equal(t, "question", mem.ChatLog[0].Text)

	total, err := l.TotalCost(ctx, id)
	require.NoError(t, err)
	assert.InDelta(t, 0.008, total, 1e-12)
}

func TestRedisStoreIntegration(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	exerciseStore(t, NewRedisStore(rdb, time.Minute))
}

func TestGormStoreIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	db, err := database.NewGormDBFromDSN(dsn)
	require.NoError(t, err)
	store, err := NewGormStore(db)
	require.NoError(t, err)

	exerciseStore(t, store)
}
