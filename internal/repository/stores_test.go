package repository

import (
	"context"
	"testing"
	"time"

	"bcsync/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyspace(t *testing.T) {
	k := NewKeyspace("bcsync:")
	assert.Equal(t, "bcsync:sync:cursor:bc:default", k.Cursor("bc:default"))
	assert.Equal(t, "bcsync:sync:project:P-100", k.Project("P-100"))
	assert.Equal(t, "bcsync:sync:subscription:abc", k.Subscription("abc"))
	assert.Equal(t, "bcsync:webhook:dedupe:ff", k.Dedupe("ff"))
	assert.Equal(t, "bcsync:webhook:queue", k.Queue())
}

func TestCursorStore(t *testing.T) {
	logger := zerolog.Nop()
	kv := NewMemoryKV()
	store := NewCursorStore(kv, NewKeyspace("t:"), &logger)
	ctx := context.Background()

	assert.Nil(t, store.Get(ctx, "bc:default"))

	store.Save(ctx, models.SyncCursor{Scope: "bc:default", SequenceNo: 42})
	store.Save(ctx, models.SyncCursor{Scope: "premium:default", DeltaLink: "https://org/api?$deltatoken=1"})

	bc := store.Get(ctx, "bc:default")
	require.NotNil(t, bc)
	assert.Equal(t, int64(42), bc.SequenceNo)
	assert.False(t, bc.UpdatedAt.IsZero())

	premium := store.Get(ctx, "premium:default")
	require.NotNil(t, premium)
	assert.Equal(t, "https://org/api?$deltatoken=1", premium.DeltaLink)

	store.Clear(ctx, "bc:default")
	assert.Nil(t, store.Get(ctx, "bc:default"))
}

func TestCursorStore_CorruptValueReadsAsMissing(t *testing.T) {
	logger := zerolog.Nop()
	kv := NewMemoryKV()
	keys := NewKeyspace("t:")
	store := NewCursorStore(kv, keys, &logger)
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, keys.Cursor("bc:default"), "{not json", 0))
	assert.Nil(t, store.Get(ctx, "bc:default"))
}

func TestProjectSettingsStore(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	logger := zerolog.Nop()
	store := NewProjectSettingsStore(NewRedisKV(client), NewKeyspace("t:"), &logger)
	ctx := context.Background()

	assert.False(t, store.IsDisabled(ctx, "P-1"))
	require.NoError(t, store.Save(ctx, models.ProjectSyncSetting{ProjectNo: "P-2", Disabled: true, Note: "on hold"}))
	require.NoError(t, store.Save(ctx, models.ProjectSyncSetting{ProjectNo: "P-1"}))
	assert.Error(t, store.Save(ctx, models.ProjectSyncSetting{}))

	assert.True(t, store.IsDisabled(ctx, "P-2"))
	assert.False(t, store.IsDisabled(ctx, "P-1"))

	list := store.List(ctx)
	require.Len(t, list, 2)
	assert.Equal(t, "P-1", list[0].ProjectNo)
	assert.Equal(t, "on hold", list[1].Note)
}

func TestSubscriptionStore(t *testing.T) {
	logger := zerolog.Nop()
	store := NewSubscriptionStore(NewMemoryKV(), NewKeyspace("t:"), &logger)
	ctx := context.Background()

	exp := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	store.Save(ctx, models.Subscription{ID: "sub-1", Resource: "projectTasks", ExpirationDateTime: exp})

	got := store.Get(ctx, "sub-1")
	require.NotNil(t, got)
	assert.True(t, exp.Equal(got.ExpirationDateTime))
	assert.Len(t, store.List(ctx), 1)

	store.Delete(ctx, "sub-1")
	assert.Nil(t, store.Get(ctx, "sub-1"))
	assert.Empty(t, store.List(ctx))
}

func TestDedupeStoreAndQueue(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	kv := NewRedisKV(client)
	keys := NewKeyspace("t:")
	dedupe := NewDedupeStore(kv, keys)
	queue := NewJobQueue(kv, keys)
	ctx := context.Background()

	first, err := dedupe.Mark(ctx, "h1", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, first)
	again, err := dedupe.Mark(ctx, "h1", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, again)
	assert.True(t, s.Exists("t:webhook:dedupe:h1"))
	assert.InDelta(t, 30, s.TTL("t:webhook:dedupe:h1").Seconds(), 1)

	job, err := queue.Pop(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)

	require.NoError(t, queue.Push(ctx, models.WebhookJob{ID: "1", Source: models.SourceBC, SystemID: "a"}))
	require.NoError(t, queue.Push(ctx, models.WebhookJob{ID: "2", Source: models.SourceBC, SystemID: "b"}))
	n, err := queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	job, err = queue.Pop(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "1", job.ID)
}

func TestSummaryStore(t *testing.T) {
	logger := zerolog.Nop()
	store := NewSummaryStore(NewMemoryKV(), NewKeyspace("t:"), &logger)
	ctx := context.Background()

	assert.Nil(t, store.Last(ctx))
	store.Save(ctx, RunRecord{Kind: "sync", Decision: "bcToPremium", Summary: models.SyncSummary{Updated: 3}})
	rec := store.Last(ctx)
	require.NotNil(t, rec)
	assert.Equal(t, 3, rec.Summary.Updated)
}
