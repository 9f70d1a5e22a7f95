package relay

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Qadosh7/Taco/pkg/remote"
	"github.com/Qadosh7/Taco/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 3 * time.Second
)

func newTestRelay(t *testing.T, heartbeatTTL time.Duration) (*Relay, *httptest.Server) {
	t.Helper()
	r := NewRelay(NewRelayOptions{
		RecordStore:  store.NewInMemoryStore(),
		HeartbeatTTL: heartbeatTTL,
	})
	server := httptest.NewServer(r.Router())
	t.Cleanup(server.Close)
	return r, server
}

func newTestClient(t *testing.T, server *httptest.Server) *remote.Client {
	t.Helper()
	client := remote.NewClient(remote.NewClientOptions{BaseURL: server.URL})
	t.Cleanup(func() { client.Close(context.Background()) })
	return client
}

func waitNotification(t *testing.T, ch <-chan store.Notification) store.Notification {
	t.Helper()
	select {
	case notification, ok := <-ch:
		require.True(t, ok, "notification channel closed")
		return notification
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a change notification")
		return store.Notification{}
	}
}

func waitPresence(t *testing.T, ch <-chan []string, want func([]string) bool) {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case ids, ok := <-ch:
			require.True(t, ok, "presence channel closed")
			if want(ids) {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for a presence update")
		}
	}
}

func TestRoomRecords(t *testing.T) {
	ctx := context.Background()
	_, server := newTestRelay(t, 0)
	client := newTestClient(t, server)

	require.NoError(t, client.Insert(ctx, "AB12", []byte(`{"phase":"LOBBY"}`)))

	err := client.Insert(ctx, "AB12", []byte(`{"phase":"LOBBY"}`))
	require.Error(t, err)
	assert.True(t, store.IsRoomExists(err))

	record, err := client.Get(ctx, "AB12")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), record.Version)
	assert.JSONEq(t, `{"phase":"LOBBY"}`, string(record.Payload))

	_, err = client.Get(ctx, "ZZ99")
	require.Error(t, err)
	assert.True(t, store.IsNotFound(err))
}

func TestProposeCommitsAndFansOut(t *testing.T) {
	ctx := context.Background()
	_, server := newTestRelay(t, 0)
	writer := newTestClient(t, server)
	observer := newTestClient(t, server)

	require.NoError(t, writer.Insert(ctx, "AB12", []byte(`{"v":1}`)))

	writerChanges, cancelWriter, err := writer.SubscribeChanges(ctx, "AB12")
	require.NoError(t, err)
	defer cancelWriter()
	observerChanges, cancelObserver, err := observer.SubscribeChanges(ctx, "AB12")
	require.NoError(t, err)
	defer cancelObserver()

	require.NoError(t, writer.ConditionalUpdate(ctx, "AB12", []byte(`{"v":2}`), 1))

	// Every successful write fans out to the whole room, the writer
	// included.
	for _, changes := range []<-chan store.Notification{writerChanges, observerChanges} {
		notification := waitNotification(t, changes)
		assert.Equal(t, uint64(2), notification.Version)
		assert.JSONEq(t, `{"v":2}`, string(notification.Payload))
	}
}

func TestStaleProposeConflicts(t *testing.T) {
	ctx := context.Background()
	_, server := newTestRelay(t, 0)
	writer := newTestClient(t, server)
	loser := newTestClient(t, server)

	require.NoError(t, writer.Insert(ctx, "AB12", []byte(`{"v":1}`)))
	require.NoError(t, writer.ConditionalUpdate(ctx, "AB12", []byte(`{"v":2}`), 1))

	err := loser.ConditionalUpdate(ctx, "AB12", []byte(`{"v":2,"stale":true}`), 1)
	require.Error(t, err)
	require.True(t, store.IsConflict(err))
	conflict := err.(*store.ErrConflict)
	assert.Equal(t, "AB12", conflict.RoomCode)
	assert.Equal(t, uint64(1), conflict.Expected)
	assert.Equal(t, uint64(2), conflict.Current)

	// The losing write must not have touched the record.
	record, err := loser.Get(ctx, "AB12")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), record.Version)
	assert.JSONEq(t, `{"v":2}`, string(record.Payload))
}

// blockedTransport fails every HTTP request, proving that a read served
// while connected never touches the HTTP fallback.
type blockedTransport struct{}

func (blockedTransport) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, fmt.Errorf("transport disabled")
}

func TestGetOverSocket(t *testing.T) {
	ctx := context.Background()
	_, server := newTestRelay(t, 0)
	seeder := newTestClient(t, server)
	require.NoError(t, seeder.Insert(ctx, "AB12", []byte(`{"v":1}`)))

	client := remote.NewClient(remote.NewClientOptions{
		BaseURL:    server.URL,
		HTTPClient: &http.Client{Transport: blockedTransport{}},
	})
	t.Cleanup(func() { client.Close(context.Background()) })

	// Establish the room-scoped connection first.
	_, cancel, err := client.SubscribeChanges(ctx, "AB12")
	require.NoError(t, err)
	defer cancel()

	record, err := client.Get(ctx, "AB12")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), record.Version)
	assert.JSONEq(t, `{"v":1}`, string(record.Payload))
}

func TestGetOverSocketMissingRoom(t *testing.T) {
	ctx := context.Background()
	_, server := newTestRelay(t, 0)
	client := newTestClient(t, server)

	_, cancel, err := client.SubscribeChanges(ctx, "ZZ99")
	require.NoError(t, err)
	defer cancel()

	_, err = client.Get(ctx, "ZZ99")
	require.Error(t, err)
	assert.True(t, store.IsNotFound(err))
}

func TestPresenceTracking(t *testing.T) {
	ctx := context.Background()
	_, server := newTestRelay(t, 0)
	alice := newTestClient(t, server)
	bob := newTestClient(t, server)

	alicePresence, cancelAlice, err := alice.WatchPresence(ctx, "AB12")
	require.NoError(t, err)
	defer cancelAlice()
	bobPresence, cancelBob, err := bob.WatchPresence(ctx, "AB12")
	require.NoError(t, err)
	defer cancelBob()

	require.NoError(t, alice.Track(ctx, "AB12", "alice"))
	require.NoError(t, bob.Track(ctx, "AB12", "bob"))

	both := func(ids []string) bool {
		online := map[string]bool{}
		for _, id := range ids {
			online[id] = true
		}
		return online["alice"] && online["bob"]
	}
	waitPresence(t, alicePresence, both)
	waitPresence(t, bobPresence, both)

	require.NoError(t, bob.Untrack(ctx, "AB12", "bob"))
	waitPresence(t, alicePresence, func(ids []string) bool {
		return len(ids) == 1 && ids[0] == "alice"
	})
}

func TestPresenceExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	r, server := newTestRelay(t, 100*time.Millisecond)
	client := newTestClient(t, server)

	presence, cancel, err := client.WatchPresence(ctx, "AB12")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, client.Track(ctx, "AB12", "alice"))
	waitPresence(t, presence, func(ids []string) bool {
		return len(ids) == 1 && ids[0] == "alice"
	})

	sweeperCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	go NewPresenceSweeper(NewPresenceSweeperOptions{Relay: r, Interval: 20 * time.Millisecond}).Start(sweeperCtx)

	// Without heartbeat refreshes the participant lapses.
	waitPresence(t, presence, func(ids []string) bool {
		return len(ids) == 0
	})
}

func TestEphemeralExcludesSender(t *testing.T) {
	ctx := context.Background()
	_, server := newTestRelay(t, 0)
	sender := newTestClient(t, server)
	receiver := newTestClient(t, server)

	senderInbox, cancelSender, err := sender.SubscribeEphemeral(ctx, "AB12")
	require.NoError(t, err)
	defer cancelSender()
	receiverInbox, cancelReceiver, err := receiver.SubscribeEphemeral(ctx, "AB12")
	require.NoError(t, err)
	defer cancelReceiver()

	require.NoError(t, sender.Publish(ctx, "AB12", store.EphemeralKindReaction, []byte(`{"emoji":"taco"}`)))

	select {
	case msg := <-receiverInbox:
		assert.Equal(t, store.EphemeralKindReaction, msg.Kind)
		assert.JSONEq(t, `{"emoji":"taco"}`, string(msg.Payload))
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for the ephemeral message")
	}

	select {
	case msg := <-senderInbox:
		t.Fatalf("sender received its own ephemeral message: %+v", msg)
	case <-time.After(200 * time.Millisecond):
	}
}
