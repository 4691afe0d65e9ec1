package database

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *DB {
	logger := zerolog.Nop()
	db, err := NewDB(":memory:", &logger)
	require.NoError(t, err)
	return db
}

func TestNewDB_DirectoryCreation(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "state.db")
	logger := zerolog.Nop()

	db, err := NewDB(dbPath, &logger)
	require.NoError(t, err)
	defer db.Close()

	assert.FileExists(t, dbPath)
	assert.Equal(t, dbPath, db.Path())
}

func TestDB_Ping(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	assert.NoError(t, db.PingContext(context.Background()))
}

func TestDB_KeyValue(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	db.now = func() time.Time { return now }

	_, ok, err := db.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, db.Set(ctx, "a", "1", 0))
	require.NoError(t, db.Set(ctx, "a", "2", 0))
	v, ok, err := db.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "2", v)

	require.NoError(t, db.Set(ctx, "ttl", "x", time.Minute))
	now = now.Add(2 * time.Minute)
	_, ok, err = db.Get(ctx, "ttl")
	require.NoError(t, err)
	assert.False(t, ok, "expired key must read as missing")

	require.NoError(t, db.Del(ctx, "a"))
	_, ok, _ = db.Get(ctx, "a")
	assert.False(t, ok)
}

func TestDB_SetNX(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	db.now = func() time.Time { return now }

	ok, err := db.SetNX(ctx, "marker", "1", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = db.SetNX(ctx, "marker", "1", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	now = now.Add(31 * time.Second)
	ok, err = db.SetNX(ctx, "marker", "1", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "expired marker can be set again")

	n, err := db.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestDB_SetNX_Concurrent(t *testing.T) {
	logger := zerolog.Nop()
	db, err := NewDB(filepath.Join(t.TempDir(), "concurrency.db"), &logger)
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	const workers = 10
	var wg sync.WaitGroup
	results := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := db.SetNX(ctx, "once", "v", time.Minute)
			assert.NoError(t, err)
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	won := 0
	for ok := range results {
		if ok {
			won++
		}
	}
	assert.Equal(t, 1, won)
}

func TestDB_Keys(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	for _, k := range []string{"p:project:B", "p:project:A", "p:cursor:bc", "other"} {
		require.NoError(t, db.Set(ctx, k, "1", 0))
	}
	keys, err := db.Keys(ctx, "p:project:")
	require.NoError(t, err)
	assert.Equal(t, []string{"p:project:A", "p:project:B"}, keys)
}

func TestDB_ListFIFO(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, db.LPush(ctx, "queue", fmt.Sprintf("job-%d", i)))
	}
	n, err := db.LLen(ctx, "queue")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	for i := 0; i < 3; i++ {
		v, ok, err := db.RPop(ctx, "queue")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("job-%d", i), v)
	}
	_, ok, err := db.RPop(ctx, "queue")
	require.NoError(t, err)
	assert.False(t, ok)
}
