package cache

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wisp-io/go-wisp/clock"
	"github.com/wisp-io/go-wisp/config"
	"github.com/wisp-io/go-wisp/internal/test"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

func newTestCache() (*Cache, func()) {
	c := config.NewConfig(config.WithLoggingPrefix("cache"))
	d := test.NewTestDatabase(c)
	cache, err := NewCache(c, d, clock.NewSystemClock())
	if err != nil {
		panic(err)
	}
	return cache, func() {
		_ = d.Shutdown()
	}
}

func TestSaveAndGetMessage(t *testing.T) {
	cache, teardown := newTestCache()
	defer teardown()

	require.Nil(t, cache.SaveMessage(&Message{
		ID:          "m1",
		ScopeKey:    "alice|bob",
		Kind:        KindPrivate,
		Counterpart: "bob",
		From:        "alice",
		Content:     "hello",
		TS:          100,
	}))

	m, err := cache.Message("m1")
	require.Nil(t, err)
	require.NotNil(t, m)
	require.Equal(t, "hello", m.Content)
	require.Equal(t, "bob", m.Counterpart)
	require.NotZero(t, m.StoredAt)

	missing, err := cache.Message("nope")
	require.Nil(t, err)
	require.Nil(t, missing)
}

func TestUpsertReplacesPendingPlaceholder(t *testing.T) {
	cache, teardown := newTestCache()
	defer teardown()

	require.Nil(t, cache.SaveMessage(&Message{
		ID:          "m1",
		ScopeKey:    "alice|bob",
		Kind:        KindPrivate,
		Counterpart: "bob",
		From:        "bob",
		TS:          100,
		Pending:     true,
	}))
	require.Nil(t, cache.SaveMessage(&Message{
		ID:          "m1",
		ScopeKey:    "alice|bob",
		Kind:        KindPrivate,
		Counterpart: "bob",
		From:        "bob",
		Content:     "finally",
		TS:          100,
	}))

	m, err := cache.Message("m1")
	require.Nil(t, err)
	require.NotNil(t, m)
	require.False(t, m.Pending)
	require.Equal(t, "finally", m.Content)

	messages, err := cache.MessagesForScope("alice|bob")
	require.Nil(t, err)
	require.Len(t, messages, 1)
}

func TestMessagesForScopeOrdersByTimestamp(t *testing.T) {
	cache, teardown := newTestCache()
	defer teardown()

	for _, m := range []*Message{
		{ID: "m3", ScopeKey: "g1", Kind: KindGroup, Counterpart: "g1", From: "alice", Content: "third", TS: 300},
		{ID: "m1", ScopeKey: "g1", Kind: KindGroup, Counterpart: "g1", From: "bob", Content: "first", TS: 100},
		{ID: "m2", ScopeKey: "g1", Kind: KindGroup, Counterpart: "g1", From: "alice", Content: "second", TS: 200},
		{ID: "m4", ScopeKey: "other", Kind: KindGroup, Counterpart: "other", From: "bob", Content: "elsewhere", TS: 50},
	} {
		require.Nil(t, cache.SaveMessage(m))
	}

	messages, err := cache.MessagesForScope("g1")
	require.Nil(t, err)
	require.Len(t, messages, 3)
	require.Equal(t, "first", messages[0].Content)
	require.Equal(t, "second", messages[1].Content)
	require.Equal(t, "third", messages[2].Content)
}

func TestPurgeScope(t *testing.T) {
	cache, teardown := newTestCache()
	defer teardown()

	require.Nil(t, cache.SaveMessage(&Message{ID: "m1", ScopeKey: "g1", Kind: KindGroup, Counterpart: "g1", From: "alice", Content: "x", TS: 1}))
	require.Nil(t, cache.SaveMessage(&Message{ID: "m2", ScopeKey: "g2", Kind: KindGroup, Counterpart: "g2", From: "alice", Content: "y", TS: 2}))
	require.Nil(t, cache.PurgeScope("g1"))

	messages, err := cache.MessagesForScope("g1")
	require.Nil(t, err)
	require.Empty(t, messages)
	messages, err = cache.MessagesForScope("g2")
	require.Nil(t, err)
	require.Len(t, messages, 1)
}

func TestScopes(t *testing.T) {
	cache, teardown := newTestCache()
	defer teardown()

	require.Nil(t, cache.SaveMessage(&Message{ID: "m1", ScopeKey: "alice|bob", Kind: KindPrivate, Counterpart: "bob", From: "alice", Content: "x", TS: 1}))
	require.Nil(t, cache.SaveMessage(&Message{ID: "m2", ScopeKey: "alice|bob", Kind: KindPrivate, Counterpart: "bob", From: "bob", Content: "y", TS: 2}))
	require.Nil(t, cache.SaveMessage(&Message{ID: "m3", ScopeKey: "g1", Kind: KindGroup, Counterpart: "g1", From: "alice", Content: "z", TS: 3}))

	scopes, err := cache.Scopes()
	require.Nil(t, err)
	require.Len(t, scopes, 2)
	byKey := map[string]*Scope{}
	for _, s := range scopes {
		byKey[s.ScopeKey] = s
	}
	require.Equal(t, KindPrivate, byKey["alice|bob"].Kind)
	require.Equal(t, "g1", byKey["g1"].Counterpart)
}

func TestClearedRoundTrip(t *testing.T) {
	cache, teardown := newTestCache()
	defer teardown()

	cleared, err := cache.IsCleared("alice|bob")
	require.Nil(t, err)
	require.False(t, cleared)

	require.Nil(t, cache.MarkCleared("alice|bob"))
	cleared, err = cache.IsCleared("alice|bob")
	require.Nil(t, err)
	require.True(t, cleared)

	require.Nil(t, cache.ResetCleared("alice|bob"))
	cleared, err = cache.IsCleared("alice|bob")
	require.Nil(t, err)
	require.False(t, cleared)
}

func TestClearedConversationsLists(t *testing.T) {
	cache, teardown := newTestCache()
	defer teardown()

	keys, err := cache.ClearedConversations()
	require.Nil(t, err)
	require.Empty(t, keys)

	require.Nil(t, cache.MarkCleared("alice|bob"))
	require.Nil(t, cache.MarkCleared("alice|carol"))
	keys, err = cache.ClearedConversations()
	require.Nil(t, err)
	require.Equal(t, []string{"alice|bob", "alice|carol"}, keys)
}

func TestIdentityRoundTrip(t *testing.T) {
	cache, teardown := newTestCache()
	defer teardown()

	pair, err := cache.Identity()
	require.Nil(t, err)
	require.Nil(t, pair)

	require.Nil(t, cache.SaveIdentity([]byte("serialized pair")))
	pair, err = cache.Identity()
	require.Nil(t, err)
	require.Equal(t, []byte("serialized pair"), pair)
}
