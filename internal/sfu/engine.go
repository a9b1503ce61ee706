// Package sfu relays one sharer's media to the room's viewers over
// per-user pion peer connections. The engine owns connection and room-media
// lifecycles exclusively; it shares nothing with the signaling registry
// beyond room and user identifiers.
package sfu

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// ErrSharerActive rejects a publish offer while another user's media is
// live in the room. The existing sharer is unaffected.
var ErrSharerActive = errors.New("room already has an active sharer")

// roomMedia records the active sharer's published tracks. It exists only
// while a sharer is publishing and dies with the sharer's connection.
type roomMedia struct {
	sharerID string
	video    *webrtc.TrackLocalStaticRTP
	audio    *webrtc.TrackLocalStaticRTP
}

// Engine is the SFU. One instance per process, passed explicitly to every
// session task.
type Engine struct {
	cfg webrtc.Configuration

	mu    sync.Mutex
	conns map[string]*connection         // by user ID
	rooms map[string]map[string]struct{} // room ID -> user IDs with connections
	media map[string]*roomMedia          // by room ID
}

func NewEngine(iceServers []webrtc.ICEServer) *Engine {
	return &Engine{
		cfg:   webrtc.Configuration{ICEServers: iceServers},
		conns: make(map[string]*connection),
		rooms: make(map[string]map[string]struct{}),
		media: make(map[string]*roomMedia),
	}
}

// HandleOffer runs one (re)negotiation and returns the answer SDP. The role
// comes from the caller's declared intent, not from room state, so two users
// racing for the sharer role are decided here and not by a stale pointer.
// Any existing connection for the user is torn down first: a second offer is
// a fresh connection, never renegotiation in place.
func (e *Engine) HandleOffer(roomID, userID, sdp string, wantsToPublish bool) (string, error) {
	role := RoleViewer
	if wantsToPublish {
		role = RoleSharer
	}

	e.mu.Lock()
	if wantsToPublish {
		if m, ok := e.media[roomID]; ok && m.sharerID != userID {
			e.mu.Unlock()
			return "", fmt.Errorf("room %s: %w (held by %s)", roomID, ErrSharerActive, m.sharerID)
		}
	}
	_, replacing := e.conns[userID]
	e.mu.Unlock()

	if replacing {
		e.CleanupUser(roomID, userID)
	}

	pc, err := webrtc.NewPeerConnection(e.cfg)
	if err != nil {
		return "", fmt.Errorf("new peer connection: %w", err)
	}
	conn := newConnection(roomID, userID, role, pc)

	e.mu.Lock()
	e.conns[userID] = conn
	if _, ok := e.rooms[roomID]; !ok {
		e.rooms[roomID] = make(map[string]struct{})
	}
	e.rooms[roomID][userID] = struct{}{}
	e.mu.Unlock()

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Debug().Str("module", "sfu").Str("user", userID).Str("state", s.String()).Msg("peer connection state")
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			// Tear down this connection only; the user may have been
			// re-registered with a fresh one in the meantime.
			e.teardown(conn)
		}
	})

	if role == RoleSharer {
		pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			e.onSharerTrack(roomID, userID, remote)
		})
	} else {
		e.attachExistingTracks(pc, roomID, userID)
	}

	conn.setState(StateNegotiating)
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := pc.SetRemoteDescription(offer); err != nil {
		e.CleanupUser(roomID, userID)
		return "", fmt.Errorf("set remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		e.CleanupUser(roomID, userID)
		return "", fmt.Errorf("create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		e.CleanupUser(roomID, userID)
		return "", fmt.Errorf("set local description: %w", err)
	}
	<-gatherComplete
	conn.setState(StateActive)

	e.flushPending(conn)

	log.Info().Str("module", "sfu").Str("room", roomID).Str("user", userID).Str("role", string(role)).Msg("offer answered")
	return pc.LocalDescription().SDP, nil
}

// onSharerTrack records an arriving sharer track and fans it out to every
// viewer connection currently in the room.
func (e *Engine) onSharerTrack(roomID, userID string, remote *webrtc.TrackRemote) {
	local, err := newRelayTrack(remote)
	if err != nil {
		log.Error().Err(err).Str("module", "sfu").Str("room", roomID).Str("user", userID).Msg("relay track failed")
		return
	}

	e.mu.Lock()
	if c, ok := e.conns[userID]; !ok || c.role != RoleSharer || c.currentState() == StateClosed {
		// The sharer was torn down while the track was in flight; recording
		// media now would orphan it.
		e.mu.Unlock()
		return
	}
	m, ok := e.media[roomID]
	if !ok {
		m = &roomMedia{sharerID: userID}
		e.media[roomID] = m
	}
	switch remote.Kind() {
	case webrtc.RTPCodecTypeVideo:
		m.video = local
	case webrtc.RTPCodecTypeAudio:
		m.audio = local
	default:
		log.Warn().Str("module", "sfu").Str("kind", remote.Kind().String()).Msg("unknown track kind")
		e.mu.Unlock()
		return
	}
	viewers := e.viewersLocked(roomID)
	e.mu.Unlock()

	for _, v := range viewers {
		if _, err := v.pc.AddTrack(local); err != nil {
			// The viewer may be mid-teardown; skipping it is safe.
			log.Debug().Err(err).Str("module", "sfu").Str("viewer", v.userID).Msg("fan-out add track skipped")
		}
	}
	log.Info().Str("module", "sfu").Str("room", roomID).Str("kind", remote.Kind().String()).Int("viewers", len(viewers)).Msg("track relayed")
}

// attachExistingTracks gives a late-joining viewer whatever the sharer has
// already published. A viewer arriving before any track simply receives
// none; the sharer-side fan-out covers it once tracks appear.
func (e *Engine) attachExistingTracks(pc *webrtc.PeerConnection, roomID, userID string) {
	e.mu.Lock()
	m, ok := e.media[roomID]
	var tracks []*webrtc.TrackLocalStaticRTP
	if ok {
		if m.video != nil {
			tracks = append(tracks, m.video)
		}
		if m.audio != nil {
			tracks = append(tracks, m.audio)
		}
	}
	e.mu.Unlock()

	for _, t := range tracks {
		if _, err := pc.AddTrack(t); err != nil {
			log.Debug().Err(err).Str("module", "sfu").Str("user", userID).Msg("attach existing track skipped")
		}
	}
}

// viewersLocked snapshots open viewer connections in the room; e.mu held.
func (e *Engine) viewersLocked(roomID string) []*connection {
	var out []*connection
	for uid := range e.rooms[roomID] {
		c, ok := e.conns[uid]
		if !ok || c.role != RoleViewer || c.currentState() == StateClosed {
			continue
		}
		out = append(out, c)
	}
	return out
}

// HandleIceCandidate applies a trickled candidate, queueing it for a retry
// after offer completion when the connection cannot accept it yet. Missing
// connections and empty candidates are expected races with teardown, not
// errors.
func (e *Engine) HandleIceCandidate(userID string, cand webrtc.ICECandidateInit) {
	if cand.Candidate == "" {
		return
	}
	e.mu.Lock()
	conn, ok := e.conns[userID]
	e.mu.Unlock()
	if !ok {
		return
	}

	if conn.pc.RemoteDescription() == nil {
		conn.queueCandidate(cand)
		return
	}
	if err := conn.pc.AddICECandidate(cand); err != nil {
		log.Debug().Err(err).Str("module", "sfu").Str("user", userID).Msg("candidate queued after apply failure")
		conn.queueCandidate(cand)
	}
}

// flushPending retries candidates that arrived before the offer completed.
func (e *Engine) flushPending(conn *connection) {
	for _, cand := range conn.takePending() {
		if err := conn.pc.AddICECandidate(cand); err != nil {
			log.Debug().Err(err).Str("module", "sfu").Str("user", conn.userID).Msg("pending candidate dropped")
		}
	}
}

// CleanupUser closes the user's connection and removes it from the room's
// connection set; if the user held the sharer role the room's media record
// goes with it. Closing is best-effort: the goal is resource release.
func (e *Engine) CleanupUser(roomID, userID string) {
	e.mu.Lock()
	conn, ok := e.conns[userID]
	e.mu.Unlock()
	if !ok {
		return
	}
	e.teardown(conn)
}

// teardown removes c from the engine, but only while it is still the
// registered connection for its user: a replacement offer may already have
// installed a fresh one. The peer connection is closed either way.
func (e *Engine) teardown(c *connection) {
	e.mu.Lock()
	current, ok := e.conns[c.userID]
	if ok && current == c {
		delete(e.conns, c.userID)
		if set, found := e.rooms[c.roomID]; found {
			delete(set, c.userID)
			if len(set) == 0 {
				delete(e.rooms, c.roomID)
			}
		}
		if m, found := e.media[c.roomID]; found && m.sharerID == c.userID {
			delete(e.media, c.roomID)
		}
	}
	e.mu.Unlock()

	c.setState(StateClosed)
	if err := c.pc.Close(); err != nil {
		log.Debug().Err(err).Str("module", "sfu").Str("user", c.userID).Msg("peer connection close")
	}
	log.Info().Str("module", "sfu").Str("room", c.roomID).Str("user", c.userID).Msg("connection cleaned up")
}

// CleanupRoom tears down every connection in the room.
func (e *Engine) CleanupRoom(roomID string) {
	e.mu.Lock()
	users := make([]string, 0, len(e.rooms[roomID]))
	for uid := range e.rooms[roomID] {
		users = append(users, uid)
	}
	e.mu.Unlock()

	for _, uid := range users {
		e.CleanupUser(roomID, uid)
	}
}

// RoomStatus is a diagnostics snapshot of a room's media state.
type RoomStatus struct {
	RoomID    string   `json:"roomId"`
	UserCount int      `json:"userCount"`
	Users     []string `json:"users"`
	HasSharer bool     `json:"hasSharer"`
	SharerID  string   `json:"sharerId,omitempty"`
	HasVideo  bool     `json:"hasVideo"`
	HasAudio  bool     `json:"hasAudio"`
}

// RoomInfo returns a read-only snapshot; false if the room has no
// connections.
func (e *Engine) RoomInfo(roomID string) (RoomStatus, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	set, ok := e.rooms[roomID]
	if !ok {
		return RoomStatus{}, false
	}
	st := RoomStatus{RoomID: roomID, UserCount: len(set), Users: make([]string, 0, len(set))}
	for uid := range set {
		st.Users = append(st.Users, uid)
	}
	if m, ok := e.media[roomID]; ok {
		st.HasSharer = true
		st.SharerID = m.sharerID
		st.HasVideo = m.video != nil
		st.HasAudio = m.audio != nil
	}
	return st, true
}

// UserStatus is a diagnostics snapshot of one connection.
type UserStatus struct {
	UserID             string `json:"userId"`
	RoomID             string `json:"roomId"`
	Role               Role   `json:"role"`
	State              string `json:"state"`
	ConnectionState    string `json:"connectionState"`
	ICEConnectionState string `json:"iceConnectionState"`
	ICEGatheringState  string `json:"iceGatheringState"`
}

// UserInfo returns a read-only snapshot; false if the user has no
// connection.
func (e *Engine) UserInfo(userID string) (UserStatus, bool) {
	e.mu.Lock()
	conn, ok := e.conns[userID]
	e.mu.Unlock()
	if !ok {
		return UserStatus{}, false
	}
	return UserStatus{
		UserID:             conn.userID,
		RoomID:             conn.roomID,
		Role:               conn.role,
		State:              conn.currentState().String(),
		ConnectionState:    conn.pc.ConnectionState().String(),
		ICEConnectionState: conn.pc.ICEConnectionState().String(),
		ICEGatheringState:  conn.pc.ICEGatheringState().String(),
	}, true
}
