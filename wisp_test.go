package wisp

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wisp-io/go-wisp/cache"
	"github.com/wisp-io/go-wisp/config"
	"github.com/wisp-io/go-wisp/internal/test"
	"github.com/wisp-io/go-wisp/keys"
	"github.com/wisp-io/go-wisp/store"
	"github.com/wisp-io/go-wisp/store/memstore"
)

var (
	key1 = []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31}
	key2 = []byte{1, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 30}
)

func TestMain(m *testing.M) {
	test.DeleteAll("w1")
	test.DeleteAll("w2")
	test.DeleteAll("w3")
	os.Exit(m.Run())
}

func newWisp(p string, s store.Store) *Wisp {
	c := config.NewConfig(
		config.WithRootDir(p),
		config.WithLoggingPrefix(p),
		config.WithKeyResolveAttempts(1),
		config.WithKeyResolveBackoffMs(10),
		config.WithLookupTimeoutMs(500),
		config.WithRetryAttempts(5),
		config.WithRetryDelayMs(50),
	)

	r, err := NewWisp(c, s)
	if err != nil {
		panic(err)
	}
	return r
}

func teardownWisp(r *Wisp) {
	if err := r.Shutdown(); err != nil {
		panic(err)
	}
	test.DeleteAll(r.config.RootDir)
}

func waitMessage(t *testing.T, w *Wisp) *cache.Message {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case u := <-w.Updates():
			if mu, ok := u.(*MessageUpdate); ok {
				return mu.Message
			}
		case <-deadline:
			t.Fatal("timed out waiting for a message")
			return nil
		}
	}
}

// waitMessageID drains updates until the given message arrives; resubscribe
// tests can replay earlier messages first.
func waitMessageID(t *testing.T, w *Wisp, id string) *cache.Message {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case u := <-w.Updates():
			if mu, ok := u.(*MessageUpdate); ok && mu.Message.ID == id {
				return mu.Message
			}
		case <-deadline:
			t.Fatalf("timed out waiting for message %s", id)
			return nil
		}
	}
}

func expectNoMessage(t *testing.T, w *Wisp) {
	t.Helper()
	deadline := time.After(500 * time.Millisecond)
	for {
		select {
		case u := <-w.Updates():
			if mu, ok := u.(*MessageUpdate); ok {
				t.Fatalf("unexpected message %#v", mu.Message)
			}
		case <-deadline:
			return
		}
	}
}

func TestSameWispTwice(t *testing.T) {
	require := require.New(t)
	s := memstore.New()

	w1 := newWisp("w1", s)
	defer teardownWisp(w1)

	require.False(w1.Initialized())
	require.Nil(w1.Initialize(key1))
	require.True(w1.Running())

	w2 := newWisp("w1", s)
	defer teardownWisp(w2)

	require.True(w2.Initialized())
	require.ErrorContains(w2.Open(key1), "database is locked")
}

func TestIdentitySurvivesReopen(t *testing.T) {
	require := require.New(t)
	s := memstore.New()

	w1 := newWisp("w2", s)
	require.Nil(w1.Initialize(key2))
	id := w1.ID()
	require.NotEmpty(id)
	require.Nil(w1.Shutdown())

	w2 := newWisp("w2", s)
	defer teardownWisp(w2)
	require.True(w2.Initialized())
	require.Nil(w2.Open(key2))
	require.Equal(id, w2.ID())
}

func TestTwoPartyMessaging(t *testing.T) {
	require := require.New(t)
	s := memstore.New()
	ctx := context.Background()

	w1 := newWisp("w1", s)
	defer teardownWisp(w1)
	require.Nil(w1.Initialize(key1))
	w2 := newWisp("w2", s)
	defer teardownWisp(w2)
	require.Nil(w2.Initialize(key2))

	require.Nil(w2.ListenToPeer(w1.ID()))

	id, err := w1.SendMessage(ctx, w2.ID(), "hello")
	require.Nil(err)
	require.NotEmpty(id)

	got := waitMessageID(t, w2, id)
	require.Equal("hello", got.Content)
	require.Equal(w1.ID(), got.From)
	require.Equal(cache.KindPrivate, got.Kind)

	// the sender hears its own echo from the local cache
	echo := waitMessageID(t, w1, id)
	require.Equal("hello", echo.Content)

	history, err := w2.Messages(w1.ID())
	require.Nil(err)
	require.Len(history, 1)
	require.Equal("hello", history[0].Content)

	sent, err := w1.Messages(w2.ID())
	require.Nil(err)
	require.Len(sent, 1)
}

func TestSendToUnknownPeerFails(t *testing.T) {
	require := require.New(t)
	s := memstore.New()

	w1 := newWisp("w1", s)
	defer teardownWisp(w1)
	require.Nil(w1.Initialize(key1))

	_, err := w1.SendMessage(context.Background(), "stranger", "anyone there")
	require.ErrorIs(err, keys.ErrKeyNotFound)
}

func TestGroupMessaging(t *testing.T) {
	require := require.New(t)
	s := memstore.New()
	ctx := context.Background()

	w1 := newWisp("w1", s)
	defer teardownWisp(w1)
	require.Nil(w1.Initialize(key1))
	w2 := newWisp("w2", s)
	defer teardownWisp(w2)
	require.Nil(w2.Initialize(key2))

	record, err := w1.CreateGroup(ctx, "book club", []string{w2.ID()})
	require.Nil(err)
	require.Nil(w2.ListenToGroup(record.ID))

	id, err := w1.SendGroupMessage(ctx, record.ID, "first meeting")
	require.Nil(err)

	got := waitMessageID(t, w2, id)
	require.Equal("first meeting", got.Content)
	require.Equal(cache.KindGroup, got.Kind)
	require.Equal(record.ID, got.ScopeKey)

	echo := waitMessageID(t, w1, id)
	require.Equal("first meeting", echo.Content)
}

func TestGroupReplyComesBack(t *testing.T) {
	require := require.New(t)
	s := memstore.New()
	ctx := context.Background()

	w1 := newWisp("w1", s)
	defer teardownWisp(w1)
	require.Nil(w1.Initialize(key1))
	w2 := newWisp("w2", s)
	defer teardownWisp(w2)
	require.Nil(w2.Initialize(key2))

	record, err := w1.CreateGroup(ctx, "pairs", []string{w2.ID()})
	require.Nil(err)
	require.Nil(w2.ListenToGroup(record.ID))

	id, err := w2.SendGroupMessage(ctx, record.ID, "got the wrap")
	require.Nil(err)

	got := waitMessageID(t, w1, id)
	require.Equal("got the wrap", got.Content)
	require.Equal(w2.ID(), got.From)
}

func TestTokenRoomMessaging(t *testing.T) {
	require := require.New(t)
	s := memstore.New()
	ctx := context.Background()

	w1 := newWisp("w1", s)
	defer teardownWisp(w1)
	require.Nil(w1.Initialize(key1))
	w2 := newWisp("w2", s)
	defer teardownWisp(w2)
	require.Nil(w2.Initialize(key2))

	record, err := w1.CreateTokenRoom(ctx, "lobby")
	require.Nil(err)
	require.NotEmpty(record.Token)
	require.Nil(w2.ListenToRoom(record.ID, record.Token))

	id, err := w1.SendTokenRoomMessage(ctx, record.ID, "welcome all", record.Token)
	require.Nil(err)

	got := waitMessageID(t, w2, id)
	require.Equal("welcome all", got.Content)
	require.Equal(cache.KindRoom, got.Kind)
}

func TestClearSuppressesAndResetRestores(t *testing.T) {
	require := require.New(t)
	s := memstore.New()
	ctx := context.Background()

	w1 := newWisp("w1", s)
	defer teardownWisp(w1)
	require.Nil(w1.Initialize(key1))
	w2 := newWisp("w2", s)
	defer teardownWisp(w2)
	require.Nil(w2.Initialize(key2))

	require.Nil(w2.ListenToPeer(w1.ID()))
	first, err := w1.SendMessage(ctx, w2.ID(), "before")
	require.Nil(err)
	waitMessageID(t, w2, first)

	require.Nil(w2.ClearConversation(ctx, w1.ID()))
	history, err := w2.Messages(w1.ID())
	require.Nil(err)
	require.Empty(history)

	_, err = w1.SendMessage(ctx, w2.ID(), "while cleared")
	require.Nil(err)
	expectNoMessage(t, w2)

	require.Nil(w2.ResetConversation(w1.ID()))
	third, err := w1.SendMessage(ctx, w2.ID(), "after reset")
	require.Nil(err)
	got := waitMessageID(t, w2, third)
	require.Equal("after reset", got.Content)
}

func TestNullifyKeepsConversationAlive(t *testing.T) {
	require := require.New(t)
	s := memstore.New()
	ctx := context.Background()

	w1 := newWisp("w1", s)
	defer teardownWisp(w1)
	require.Nil(w1.Initialize(key1))
	w2 := newWisp("w2", s)
	defer teardownWisp(w2)
	require.Nil(w2.Initialize(key2))

	require.Nil(w2.ListenToPeer(w1.ID()))
	first, err := w1.SendMessage(ctx, w2.ID(), "one")
	require.Nil(err)
	waitMessageID(t, w2, first)

	require.Nil(w2.NullifyConversation(ctx, w1.ID()))
	history, err := w2.Messages(w1.ID())
	require.Nil(err)
	require.Empty(history)

	second, err := w1.SendMessage(ctx, w2.ID(), "two")
	require.Nil(err)
	require.Equal("two", waitMessageID(t, w2, second).Content)
}

func TestStartListeningRestoresKnownScopes(t *testing.T) {
	require := require.New(t)
	s := memstore.New()
	ctx := context.Background()

	w1 := newWisp("w1", s)
	defer teardownWisp(w1)
	require.Nil(w1.Initialize(key1))
	w2 := newWisp("w2", s)
	defer teardownWisp(w2)
	require.Nil(w2.Initialize(key2))

	require.Nil(w2.ListenToPeer(w1.ID()))
	first, err := w1.SendMessage(ctx, w2.ID(), "remembered")
	require.Nil(err)
	waitMessageID(t, w2, first)

	require.Nil(w2.StopListening())
	second, err := w1.SendMessage(ctx, w2.ID(), "while away")
	require.Nil(err)
	expectNoMessage(t, w2)

	require.Nil(w2.StartListening())
	got := waitMessageID(t, w2, second)
	require.Equal("while away", got.Content)
}

func TestFailedOpenCanBeRetried(t *testing.T) {
	require := require.New(t)
	s := memstore.New()

	w1 := newWisp("w3", s)
	defer teardownWisp(w1)

	// every announce write fails, so the first open aborts after the
	// database is already open
	s.FailPuts(3, nil)
	require.ErrorContains(w1.Initialize(key1), "error announcing keys")
	require.True(w1.Initialized())
	require.Nil(w1.Shutdown())

	// with the store healthy again the same instance opens cleanly
	require.Nil(w1.Open(key1))
	require.True(w1.Running())
	require.NotEmpty(w1.ID())
}

func TestStateGates(t *testing.T) {
	require := require.New(t)
	s := memstore.New()

	w1 := newWisp("w3", s)
	defer teardownWisp(w1)

	_, err := w1.SendMessage(context.Background(), "anyone", "too early")
	require.ErrorContains(err, "cannot send unless running")
	require.ErrorContains(w1.ListenToPeer("anyone"), "cannot listen unless running")
	require.ErrorContains(w1.Open(key1), "cannot open unless in state initialized")
}