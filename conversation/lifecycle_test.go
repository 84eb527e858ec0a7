package conversation

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wisp-io/go-wisp/cache"
	"github.com/wisp-io/go-wisp/clock"
	"github.com/wisp-io/go-wisp/config"
	"github.com/wisp-io/go-wisp/internal/test"
	"github.com/wisp-io/go-wisp/store"
	"github.com/wisp-io/go-wisp/store/memstore"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

type fixture struct {
	lifecycle *Lifecycle
	store     *memstore.Store
	cache     *cache.Cache
	teardown  func()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c := config.NewConfig(config.WithLoggingPrefix("conversation"))
	s := memstore.New()
	d := test.NewTestDatabase(c)
	messageCache, err := cache.NewCache(c, d, clock.NewSystemClock())
	require.Nil(t, err)
	lifecycle, err := NewLifecycle(c, s, messageCache, "alice")
	require.Nil(t, err)
	return &fixture{
		lifecycle: lifecycle,
		store:     s,
		cache:     messageCache,
		teardown: func() {
			_ = d.Shutdown()
		},
	}
}

// seed writes one record in each direction and a cached plaintext row.
func (f *fixture) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.Nil(t, f.store.Put(ctx, store.MessagesPath("alice", "bob"), "m1", []byte("out")))
	require.Nil(t, f.store.Put(ctx, store.MessagesPath("bob", "alice"), "m2", []byte("in")))
	require.Nil(t, f.cache.SaveMessage(&cache.Message{
		ID:          "m1",
		ScopeKey:    store.ConversationKey("alice", "bob"),
		Kind:        cache.KindPrivate,
		Counterpart: "bob",
		From:        "alice",
		Content:     "out",
		TS:          100,
	}))
}

func TestClearMarksNullsAndPurges(t *testing.T) {
	f := newFixture(t)
	defer f.teardown()
	f.seed(t)
	ctx := context.Background()
	key := store.ConversationKey("alice", "bob")

	require.False(t, f.lifecycle.IsCleared(key))
	require.Nil(t, f.lifecycle.Clear(ctx, "bob"))
	require.True(t, f.lifecycle.IsCleared(key))

	out, err := f.store.Map(ctx, store.MessagesPath("alice", "bob"))
	require.Nil(t, err)
	require.Empty(t, out)
	in, err := f.store.Map(ctx, store.MessagesPath("bob", "alice"))
	require.Nil(t, err)
	require.Empty(t, in)

	history, err := f.cache.MessagesForScope(key)
	require.Nil(t, err)
	require.Empty(t, history)
}

func TestClearSurvivesRestart(t *testing.T) {
	f := newFixture(t)
	defer f.teardown()
	require.Nil(t, f.lifecycle.Clear(context.Background(), "bob"))

	reloaded, err := NewLifecycle(config.NewConfig(config.WithLoggingPrefix("conversation")), f.store, f.cache, "alice")
	require.Nil(t, err)
	require.True(t, reloaded.IsCleared(store.ConversationKey("alice", "bob")))
}

func TestNullifyLeavesConversationOpen(t *testing.T) {
	f := newFixture(t)
	defer f.teardown()
	f.seed(t)
	ctx := context.Background()
	key := store.ConversationKey("alice", "bob")

	require.Nil(t, f.lifecycle.Nullify(ctx, "bob"))
	require.False(t, f.lifecycle.IsCleared(key))

	out, err := f.store.Map(ctx, store.MessagesPath("alice", "bob"))
	require.Nil(t, err)
	require.Empty(t, out)
	history, err := f.cache.MessagesForScope(key)
	require.Nil(t, err)
	require.Empty(t, history)
}

func TestResetUnmarks(t *testing.T) {
	f := newFixture(t)
	defer f.teardown()
	ctx := context.Background()
	key := store.ConversationKey("alice", "bob")

	require.Nil(t, f.lifecycle.Clear(ctx, "bob"))
	require.Nil(t, f.lifecycle.Reset("bob"))
	require.False(t, f.lifecycle.IsCleared(key))

	reloaded, err := NewLifecycle(config.NewConfig(config.WithLoggingPrefix("conversation")), f.store, f.cache, "alice")
	require.Nil(t, err)
	require.False(t, reloaded.IsCleared(key))
}

func TestClearToleratesFailedNulls(t *testing.T) {
	f := newFixture(t)
	defer f.teardown()
	f.seed(t)
	ctx := context.Background()

	// one put fails, the clear still lands
	f.store.FailPuts(1, nil)
	require.Nil(t, f.lifecycle.Clear(ctx, "bob"))
	require.True(t, f.lifecycle.IsCleared(store.ConversationKey("alice", "bob")))
}

func TestDeviceQualifiersShareOneConversation(t *testing.T) {
	f := newFixture(t)
	defer f.teardown()

	require.Nil(t, f.lifecycle.Clear(context.Background(), "bob.phone"))
	require.True(t, f.lifecycle.IsCleared(store.ConversationKey("alice", "bob")))
}