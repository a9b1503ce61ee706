package registry

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/huddle/internal/protocol"
)

type fakeSink struct {
	mu   sync.Mutex
	msgs [][]byte
	fail bool
}

func (s *fakeSink) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return fmt.Errorf("sink unreachable")
	}
	s.msgs = append(s.msgs, data)
	return nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func newTestRegistry(at time.Time) *Registry {
	r := NewRegistry()
	r.now = func() time.Time { return at }
	return r
}

func TestRoomExistsIffNonEmpty(t *testing.T) {
	r := NewRegistry()

	assert.False(t, r.RoomExists("room"))

	r.Join("room", "a", &fakeSink{})
	assert.True(t, r.RoomExists("room"))

	r.Join("room", "b", &fakeSink{})
	assert.False(t, r.Leave("room", "a"))
	assert.True(t, r.RoomExists("room"))

	r.Leave("room", "b")
	assert.False(t, r.RoomExists("room"))
}

func TestLeaveAbsentIsNoop(t *testing.T) {
	r := NewRegistry()
	assert.False(t, r.Leave("nope", "a"))

	r.Join("room", "a", &fakeSink{})
	assert.False(t, r.Leave("room", "ghost"))
	assert.True(t, r.RoomExists("room"))
}

func TestJoinOverwritesSession(t *testing.T) {
	r := NewRegistry()
	first := &fakeSink{}
	second := &fakeSink{}

	r.Join("room", "a", first)
	r.UpdateUsername("room", "a", "alice")
	r.Join("room", "a", second)

	users := r.ListUsers("room")
	require.Len(t, users, 1)
	assert.Equal(t, "Anonymous", users[0].Username)

	r.Broadcast("room", protocol.Pong(), "")
	assert.Equal(t, 0, first.count())
	assert.Equal(t, 1, second.count())
}

func TestSharerResolutionNeverStale(t *testing.T) {
	r := NewRegistry()
	r.Join("room", "a", &fakeSink{})
	r.Join("room", "b", &fakeSink{})
	r.UpdateUsername("room", "a", "alice")

	id, name := r.SetSharer("room", "a")
	assert.Equal(t, "a", id)
	assert.Equal(t, "alice", name)

	id, name = r.GetSharer("room")
	assert.Equal(t, "a", id)
	assert.Equal(t, "alice", name)

	assert.True(t, r.Leave("room", "a"))
	id, name = r.GetSharer("room")
	assert.Empty(t, id)
	assert.Empty(t, name)

	// Pointing at a user who is not present resolves to nobody.
	id, _ = r.SetSharer("room", "ghost")
	assert.Empty(t, id)
}

func TestSetSharerClear(t *testing.T) {
	r := NewRegistry()
	r.Join("room", "a", &fakeSink{})
	r.SetSharer("room", "a")

	id, name := r.SetSharer("room", "")
	assert.Empty(t, id)
	assert.Empty(t, name)

	id, _ = r.GetSharer("room")
	assert.Empty(t, id)
}

func TestChatHistoryCap(t *testing.T) {
	r := NewRegistry()
	r.Join("room", "a", &fakeSink{})

	for i := 0; i < 200; i++ {
		r.AppendChat("room", protocol.Chat("a", "alice", fmt.Sprintf("msg-%d", i), float64(i)))
	}
	history := r.ChatHistory("room")
	require.Len(t, history, 200)
	assert.Equal(t, "msg-0", history[0].Text)

	history = r.AppendChat("room", protocol.Chat("a", "alice", "msg-200", 200))
	require.Len(t, history, 200)
	assert.Equal(t, "msg-1", history[0].Text, "exactly the oldest message is dropped")
	assert.Equal(t, "msg-200", history[199].Text, "newest message is last")
	for i, msg := range history {
		assert.Equal(t, fmt.Sprintf("msg-%d", i+1), msg.Text)
	}
}

func TestChatHistoryAbsentRoom(t *testing.T) {
	r := NewRegistry()
	assert.Empty(t, r.ChatHistory("nope"))
	assert.Empty(t, r.AppendChat("nope", protocol.Chat("a", "alice", "hi", 0)))
}

func TestVoiceAndCallStateReportExistence(t *testing.T) {
	r := NewRegistry()
	r.Join("room", "a", &fakeSink{})

	assert.True(t, r.UpdateVoiceState("room", "a", true, false))
	assert.True(t, r.UpdateCallState("room", "a", true))
	assert.False(t, r.UpdateVoiceState("room", "ghost", true, true))
	assert.False(t, r.UpdateCallState("nope", "a", true))

	users := r.ListUsers("room")
	require.Len(t, users, 1)
	assert.True(t, users[0].Muted)
	assert.False(t, users[0].Deafened)
	assert.True(t, users[0].InCall)
}

func TestBroadcastExcludesAndSwallowsFailures(t *testing.T) {
	r := NewRegistry()
	a := &fakeSink{}
	b := &fakeSink{fail: true}
	c := &fakeSink{}
	r.Join("room", "a", a)
	r.Join("room", "b", b)
	r.Join("room", "c", c)

	r.Broadcast("room", protocol.Pong(), "a")

	assert.Equal(t, 0, a.count(), "excluded session receives nothing")
	assert.Equal(t, 1, c.count(), "unreachable peer does not block others")
}

func TestSendToUser(t *testing.T) {
	r := NewRegistry()
	a := &fakeSink{}
	r.Join("room", "a", a)

	assert.True(t, r.SendToUser("room", "a", protocol.Pong()))
	assert.False(t, r.SendToUser("room", "ghost", protocol.Pong()))
	assert.False(t, r.SendToUser("nope", "a", protocol.Pong()))
	assert.Equal(t, 1, a.count())
}

func TestSharerChangedNullOnTheWire(t *testing.T) {
	data, err := json.Marshal(protocol.SharerChanged("", ""))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"sharer-changed","sharerId":null,"sharerName":null}`, string(data))

	data, err = json.Marshal(protocol.SharerChanged("a", "alice"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"sharer-changed","sharerId":"a","sharerName":"alice"}`, string(data))
}

func TestEvictStale(t *testing.T) {
	t0 := time.Unix(1000, 0)
	r := newTestRegistry(t0)

	r.Join("room", "a", &fakeSink{})
	r.Join("room", "b", &fakeSink{})
	r.SetSharer("room", "a")

	r.now = func() time.Time { return t0.Add(20 * time.Second) }
	r.UpdateHeartbeat("room", "b")

	// Age exactly at the timeout is not yet stale.
	assert.Empty(t, r.EvictStale(t0.Add(HeartbeatTimeout)))

	removed := r.EvictStale(t0.Add(HeartbeatTimeout + time.Second))
	require.Len(t, removed, 1)
	assert.Equal(t, Eviction{RoomID: "room", UserID: "a", WasSharer: true}, removed[0])

	id, _ := r.GetSharer("room")
	assert.Empty(t, id, "eviction clears the sharer pointer")

	users := r.ListUsers("room")
	require.Len(t, users, 1)
	assert.Equal(t, "b", users[0].ID)

	// A second sweep reports nothing new.
	assert.Empty(t, r.EvictStale(t0.Add(HeartbeatTimeout+time.Second)))
}

func TestEvictStaleDeletesEmptyRooms(t *testing.T) {
	t0 := time.Unix(1000, 0)
	r := newTestRegistry(t0)
	r.Join("room", "a", &fakeSink{})

	removed := r.EvictStale(t0.Add(time.Minute))
	require.Len(t, removed, 1)
	assert.False(t, r.RoomExists("room"))
}
