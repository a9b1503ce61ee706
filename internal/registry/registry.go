// Package registry owns all room, session and chat state. Every exported
// operation is atomic against one mutex-guarded room table; broadcasts
// snapshot recipient sinks under the lock and send outside it, so no
// recipient joined after the snapshot sees the message and no departed
// recipient blocks it.
//
// Delivery is at-most-once: send failures are swallowed and never surfaced.
// Callers must rely on roster and heartbeat state, not send success, to know
// whether a peer is alive.
package registry

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/protocol"
)

const (
	// HeartbeatInterval is how often clients must ping and how often the
	// stale sweep runs.
	HeartbeatInterval = 10 * time.Second
	// HeartbeatTimeout is the silence after which a session is evicted.
	HeartbeatTimeout = 30 * time.Second

	chatHistoryLimit = 200
)

// Sink is a writable message endpoint for one session. Owned by the
// transport adapter; the registry never closes it.
type Sink interface {
	Send(data []byte) error
}

type session struct {
	userID        string
	sink          Sink
	username      string
	lastHeartbeat time.Time
	muted         bool
	deafened      bool
	inCall        bool
}

type room struct {
	sessions map[string]*session
	sharerID string
	chat     []protocol.ChatMessage
}

// Eviction reports one session removed by the stale sweep.
type Eviction struct {
	RoomID    string
	UserID    string
	WasSharer bool
}

// Registry is the room table. Construct with NewRegistry and share one
// instance per process; there is no ambient global.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*room
	now   func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]*room),
		now:   time.Now,
	}
}

// Join creates the room if absent and inserts (or overwrites) the session
// under a placeholder username. Idempotent per user.
func (r *Registry) Join(roomID, userID string, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		rm = &room{sessions: make(map[string]*session)}
		r.rooms[roomID] = rm
	}
	rm.sessions[userID] = &session{
		userID:        userID,
		sink:          sink,
		username:      "Anonymous",
		lastHeartbeat: r.now(),
	}
	log.Info().Str("module", "registry").Str("room", roomID).Str("user", userID).Msg("session joined")
}

// Leave removes the session and reports whether it held the sharer role.
// The sharer pointer is cleared with the removal and empty rooms are
// deleted. No-op (false) if the room or user is absent.
func (r *Registry) Leave(roomID, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	if _, ok := rm.sessions[userID]; !ok {
		return false
	}
	delete(rm.sessions, userID)

	wasSharer := rm.sharerID == userID
	if wasSharer {
		rm.sharerID = ""
	}
	if len(rm.sessions) == 0 {
		delete(r.rooms, roomID)
	}
	log.Info().Str("module", "registry").Str("room", roomID).Str("user", userID).Bool("was_sharer", wasSharer).Msg("session left")
	return wasSharer
}

// RoomExists reports whether the room currently has any sessions.
func (r *Registry) RoomExists(roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rooms[roomID]
	return ok
}

// SetSharer points the room at userID (empty string clears it) and resolves
// the sharer's identity. The resolved pair is empty when the user is no
// longer present: the sharer may have left between request and resolution.
func (r *Registry) SetSharer(roomID, userID string) (string, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return "", ""
	}
	rm.sharerID = userID
	if s, ok := rm.sessions[userID]; userID != "" && ok {
		return userID, s.username
	}
	return "", ""
}

// GetSharer resolves the current sharer with the same staleness rule as
// SetSharer.
func (r *Registry) GetSharer(roomID string) (string, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return "", ""
	}
	if s, ok := rm.sessions[rm.sharerID]; rm.sharerID != "" && ok {
		return rm.sharerID, s.username
	}
	return "", ""
}

func (r *Registry) UpdateUsername(roomID, userID, username string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.session(roomID, userID); ok {
		s.username = username
	}
}

func (r *Registry) UpdateHeartbeat(roomID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.session(roomID, userID); ok {
		s.lastHeartbeat = r.now()
	}
}

// UpdateVoiceState reports whether the target existed so the caller can
// suppress the follow-up broadcast when it did not.
func (r *Registry) UpdateVoiceState(roomID, userID string, muted, deafened bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.session(roomID, userID)
	if !ok {
		return false
	}
	s.muted = muted
	s.deafened = deafened
	return true
}

func (r *Registry) UpdateCallState(roomID, userID string, inCall bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.session(roomID, userID)
	if !ok {
		return false
	}
	s.inCall = inCall
	return true
}

// ListUsers returns a roster snapshot for the user-list broadcast. Empty if
// the room is absent.
func (r *Registry) ListUsers(roomID string) []protocol.UserInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return []protocol.UserInfo{}
	}
	out := make([]protocol.UserInfo, 0, len(rm.sessions))
	for id, s := range rm.sessions {
		out = append(out, protocol.UserInfo{
			ID:       id,
			Username: s.username,
			Muted:    s.muted,
			Deafened: s.deafened,
			InCall:   s.inCall,
		})
	}
	return out
}

// AppendChat appends to the room's history, drops the oldest entries beyond
// the cap and returns the retained history.
func (r *Registry) AppendChat(roomID string, msg protocol.ChatMessage) []protocol.ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return []protocol.ChatMessage{}
	}
	rm.chat = append(rm.chat, msg)
	if len(rm.chat) > chatHistoryLimit {
		rm.chat = rm.chat[len(rm.chat)-chatHistoryLimit:]
	}
	out := make([]protocol.ChatMessage, len(rm.chat))
	copy(out, rm.chat)
	return out
}

// ChatHistory returns a snapshot of the room's history, empty if the room is
// absent.
func (r *Registry) ChatHistory(roomID string) []protocol.ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return []protocol.ChatMessage{}
	}
	out := make([]protocol.ChatMessage, len(rm.chat))
	copy(out, rm.chat)
	return out
}

// Broadcast sends msg to every session in the room except excludeID (empty
// string excludes nobody). Unreachable sinks are skipped; one dead peer must
// not block delivery to the rest.
func (r *Registry) Broadcast(roomID string, msg any, excludeID string) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "registry").Str("room", roomID).Msg("broadcast marshal failed")
		return
	}

	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	if !ok {
		r.mu.Unlock()
		return
	}
	sinks := make([]Sink, 0, len(rm.sessions))
	for id, s := range rm.sessions {
		if id != excludeID {
			sinks = append(sinks, s.sink)
		}
	}
	r.mu.Unlock()

	for _, sink := range sinks {
		if err := sink.Send(data); err != nil {
			log.Debug().Err(err).Str("module", "registry").Str("room", roomID).Msg("broadcast send dropped")
		}
	}
}

// SendToUser delivers msg to one session. False if the room or user is
// absent; a send failure still counts as delivered (at-most-once contract).
func (r *Registry) SendToUser(roomID, userID string, msg any) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "registry").Str("room", roomID).Msg("send marshal failed")
		return false
	}

	r.mu.Lock()
	s, ok := r.session(roomID, userID)
	if !ok {
		r.mu.Unlock()
		return false
	}
	sink := s.sink
	r.mu.Unlock()

	if err := sink.Send(data); err != nil {
		log.Debug().Err(err).Str("module", "registry").Str("room", roomID).Str("user", userID).Msg("direct send dropped")
	}
	return true
}

// EvictStale removes every session whose heartbeat is older than
// HeartbeatTimeout at now, clearing sharer pointers and deleting empty rooms
// as it goes. Each removal is reported exactly once so the caller can issue
// the matching broadcasts.
func (r *Registry) EvictStale(now time.Time) []Eviction {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []Eviction
	for roomID, rm := range r.rooms {
		for userID, s := range rm.sessions {
			if now.Sub(s.lastHeartbeat) <= HeartbeatTimeout {
				continue
			}
			wasSharer := rm.sharerID == userID
			if wasSharer {
				rm.sharerID = ""
			}
			delete(rm.sessions, userID)
			removed = append(removed, Eviction{RoomID: roomID, UserID: userID, WasSharer: wasSharer})
			log.Info().Str("module", "registry").Str("room", roomID).Str("user", userID).Msg("session evicted")
		}
		if len(rm.sessions) == 0 {
			delete(r.rooms, roomID)
		}
	}
	return removed
}

// session looks up a session; callers must hold r.mu.
func (r *Registry) session(roomID, userID string) (*session, bool) {
	rm, ok := r.rooms[roomID]
	if !ok {
		return nil, false
	}
	s, ok := rm.sessions[userID]
	return s, ok
}
