package redis

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"minusmail/backend/internal/domain"
	"minusmail/backend/internal/storage"
)

func setupStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	client := Wrap(rdb, nil)
	t.Cleanup(func() { _ = client.Close() })

	return NewStore(client, Options{TTL: 900 * time.Second, OpTimeout: time.Second}), mr
}

func sampleEmail(subject string) *domain.Email {
	return &domain.Email{
		From:     "bob@example.com",
		Subject:  subject,
		TextBody: "hello",
		Received: time.Now().UTC().Truncate(time.Second),
	}
}

func TestStore_StoreAndGet(t *testing.T) {
	store, mr := setupStore(t)
	ctx := context.Background()

	id, err := store.Store(ctx, "Alice", sampleEmail("Hi"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "Hi", got.Subject)

	// 键布局
	assert.True(t, mr.Exists(id))
	ok, err := mr.SIsMember("mailbox-index:alice", id)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 900*time.Second, mr.TTL(id))
	assert.Equal(t, 900*time.Second, mr.TTL("mailbox-index:alice"))
}

func TestStore_GetMissing(t *testing.T) {
	store, _ := setupStore(t)

	got, err := store.Get(context.Background(), "does-not-exist")
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_DoesNotMutateInput(t *testing.T) {
	store, _ := setupStore(t)

	in := sampleEmail("Hi")
	id, err := store.Store(context.Background(), "alice", in)
	require.NoError(t, err)
	assert.Empty(t, in.ID)
	assert.NotEqual(t, in.ID, id)
}

func TestStore_NormalizesMailbox(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	_, err := store.Store(ctx, " ALICE ", sampleEmail("one"))
	require.NoError(t, err)
	_, err = store.Store(ctx, "alice", sampleEmail("two"))
	require.NoError(t, err)

	n, err := store.Count(ctx, "Alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestStore_IndexTTLRefreshedOnInsert(t *testing.T) {
	store, mr := setupStore(t)
	ctx := context.Background()

	first, err := store.Store(ctx, "alice", sampleEmail("first"))
	require.NoError(t, err)

	mr.FastForward(600 * time.Second)

	_, err = store.Store(ctx, "alice", sampleEmail("second"))
	require.NoError(t, err)

	assert.Equal(t, 900*time.Second, mr.TTL("mailbox-index:alice"))
	assert.Equal(t, 300*time.Second, mr.TTL(first))
}

func TestStore_DanglingEntriesSkippedAndCleaned(t *testing.T) {
	store, mr := setupStore(t)
	ctx := context.Background()

	first, err := store.Store(ctx, "alice", sampleEmail("first"))
	require.NoError(t, err)

	mr.FastForward(600 * time.Second)
	second, err := store.Store(ctx, "alice", sampleEmail("second"))
	require.NoError(t, err)

	// 第一封过期，索引因刷新仍存活
	mr.FastForward(301 * time.Second)
	assert.False(t, mr.Exists(first))

	n, err := store.Count(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	ids, err := store.ListIDs(ctx, "alice")
	require.NoError(t, err)
	sort.Strings(ids)
	want := []string{first, second}
	sort.Strings(want)
	assert.Equal(t, want, ids)

	records, err := store.ListRecords(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, second, records[0].ID)

	removed, err := store.CleanupExpired(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	n, err = store.Count(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// 再次清理无事可做
	removed, err = store.CleanupExpired(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
}

func TestStore_UndecodableRecordSkipped(t *testing.T) {
	store, mr := setupStore(t)
	ctx := context.Background()

	id, err := store.Store(ctx, "alice", sampleEmail("ok"))
	require.NoError(t, err)

	require.NoError(t, mr.Set("garbage", "{not json"))
	_, err = mr.SAdd("mailbox-index:alice", "garbage")
	require.NoError(t, err)

	records, err := store.ListRecords(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, id, records[0].ID)

	_, err = store.Get(ctx, "garbage")
	assert.Error(t, err)
}

func TestStore_Remove(t *testing.T) {
	store, mr := setupStore(t)
	ctx := context.Background()

	keep, err := store.Store(ctx, "alice", sampleEmail("keep"))
	require.NoError(t, err)
	drop, err := store.Store(ctx, "alice", sampleEmail("drop"))
	require.NoError(t, err)

	require.NoError(t, store.Remove(ctx, "alice", drop))

	got, err := store.Get(ctx, drop)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.False(t, mr.Exists(drop))

	ids, err := store.ListIDs(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{keep}, ids)

	// 删除不存在的 ID 不报错
	assert.NoError(t, store.Remove(ctx, "alice", "missing"))
}

func TestStore_ListMailboxes(t *testing.T) {
	store, mr := setupStore(t)
	ctx := context.Background()

	for _, mb := range []string{"alice", "bob", "Carol"} {
		_, err := store.Store(ctx, mb, sampleEmail("x"))
		require.NoError(t, err)
	}
	require.NoError(t, mr.Set("unrelated", "1"))

	mailboxes, err := store.ListMailboxes(ctx)
	require.NoError(t, err)
	sort.Strings(mailboxes)
	assert.Equal(t, []string{"alice", "bob", "carol"}, mailboxes)
}

func TestStore_EmptyMailbox(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	records, err := store.ListRecords(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, records)

	n, err := store.Count(ctx, "nobody")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStore_BackendUnavailable(t *testing.T) {
	store, mr := setupStore(t)
	ctx := context.Background()

	assert.True(t, store.Ping(ctx))
	mr.Close()

	assert.False(t, store.Ping(ctx))

	_, err := store.Store(ctx, "alice", sampleEmail("x"))
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)

	_, err = store.Get(ctx, "id")
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)

	_, err = store.Count(ctx, "alice")
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)

	_, err = store.ListRecords(ctx, "alice")
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)
}

func TestIndexKey(t *testing.T) {
	assert.Equal(t, "mailbox-index:alice", storage.IndexKey(" Alice "))
}
