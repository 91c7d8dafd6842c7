package httpengine_test

import (
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airsstack/airsstack-sub002/httpengine"
)

func newBroadcaster(buffer, history int) *httpengine.Broadcaster {
	return httpengine.NewBroadcaster(httpengine.SSEConfig{
		HeartbeatInterval: time.Second,
		SubscriberBuffer:  buffer,
		HistorySize:       history,
	}, slog.Default(), time.Now)
}

func TestBroadcasterFiltersBySession(t *testing.T) {
	b := newBroadcaster(8, 16)

	alice, _ := b.Subscribe("alice", "")
	defer alice.Close()
	all, _ := b.Subscribe("", "")
	defer all.Close()

	b.Publish("alice", httpengine.EventMessage, json.RawMessage(`1`))
	b.Publish("bob", httpengine.EventMessage, json.RawMessage(`2`))
	b.Publish("", httpengine.EventNotification, json.RawMessage(`3`))

	var forAlice []uint64
	for len(alice.Events()) > 0 {
		forAlice = append(forAlice, (<-alice.Events()).ID)
	}
	assert.Equal(t, []uint64{1, 3}, forAlice)
	assert.Len(t, all.Events(), 3)
}

func TestBroadcasterDropsSlowSubscribers(t *testing.T) {
	b := newBroadcaster(1, 0)
	sub, _ := b.Subscribe("s", "")

	b.Publish("s", httpengine.EventMessage, json.RawMessage(`1`))
	b.Publish("s", httpengine.EventMessage, json.RawMessage(`2`))

	select {
	case <-sub.Done():
	default:
		t.Fatal("slow subscriber was not dropped")
	}
	stats := b.Stats()
	assert.Zero(t, stats.Subscribers)
	assert.EqualValues(t, 1, stats.Dropped)
	assert.EqualValues(t, 2, stats.Published)

	sub.Close()
}

func TestBroadcasterHistory(t *testing.T) {
	b := newBroadcaster(8, 2)
	for range 3 {
		b.Publish("s", httpengine.EventMessage, json.RawMessage(`{}`))
	}
	assert.Equal(t, 2, b.Stats().History)

	_, replay := b.Subscribe("s", "0")
	require.Len(t, replay, 2)
	assert.Equal(t, "2", replay[0].EventID())
	assert.Equal(t, "3", replay[1].EventID())

	_, replay = b.Subscribe("s", "3")
	assert.Empty(t, replay)

	_, replay = b.Subscribe("s", "")
	assert.Empty(t, replay, "no replay without a last event id")
}

func TestBroadcasterClose(t *testing.T) {
	b := newBroadcaster(8, 0)
	sub, _ := b.Subscribe("", "")
	b.Close()
	<-sub.Done()
	sub.Close()
	assert.Zero(t, b.Stats().Subscribers)
}
