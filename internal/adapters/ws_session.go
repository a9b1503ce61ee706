package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/protocol"
	"github.com/dkeye/huddle/internal/registry"
	"github.com/dkeye/huddle/internal/sfu"
)

// ErrBackpressure is returned by Send when a session's outbound buffer is
// full; the registry's fan-out swallows it.
var ErrBackpressure = errors.New("backpressure")

const (
	writeWait    = 5 * time.Second
	sendBuffer   = 64
	chatTextMax  = 400
	sfuTargetID  = "sfu"
	anonUsername = "Anonymous"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn wraps one websocket with a buffered outbound channel. It is the
// registry.Sink for its session; Send never blocks.
type wsConn struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *wsConn) Send(data []byte) error {
	select {
	case c.send <- data:
		return nil
	default:
		return ErrBackpressure
	}
}

// Close shuts the socket. The send channel is left open: a broadcast that
// snapshotted this sink just before teardown may still call Send, and those
// messages simply go unread.
func (c *wsConn) Close() {
	c.once.Do(func() {
		_ = c.conn.Close()
	})
}

// SessionController drives one message loop per connected session,
// translating protocol messages into registry and engine calls.
type SessionController struct {
	Registry *registry.Registry
	Engine   *sfu.Engine
}

// HandleSession upgrades the request and registers the session under a
// placeholder identity before any message is read. Room and user IDs are
// opaque, caller-assigned tokens.
func (ctl *SessionController) HandleSession(ctx context.Context, c *gin.Context) {
	roomID := c.Param("roomID")
	userID := c.Param("userID")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "session").Msg("ws upgrade failed")
		return
	}

	conn := &wsConn{conn: ws, send: make(chan []byte, sendBuffer)}
	ctl.Registry.Join(roomID, userID, conn)
	log.Info().Str("module", "session").Str("room", roomID).Str("user", userID).Msg("session connected")

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, cancel, conn)
	go ctl.readPump(ctx, cancel, roomID, userID, conn)
}

// writePump pumps frames to the network. A failed write closes the socket so
// the read pump unblocks too.
func (ctl *SessionController) writePump(ctx context.Context, cancel context.CancelFunc, c *wsConn) {
	defer func() {
		cancel()
		c.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

func (ctl *SessionController) readPump(ctx context.Context, cancel context.CancelFunc, roomID, userID string, c *wsConn) {
	defer func() {
		cancel()
		c.Close()
		ctl.disconnect(roomID, userID)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				return
			}
			ctl.handleMessage(roomID, userID, data)
		}
	}
}

// disconnect tears down registry state only. SFU state is released by
// stop-sharing, heartbeat eviction, or the peer connection reporting a
// terminal state, never by transport close alone.
func (ctl *SessionController) disconnect(roomID, userID string) {
	wasSharer := ctl.Registry.Leave(roomID, userID)
	if !ctl.Registry.RoomExists(roomID) {
		return
	}
	ctl.broadcastUserList(roomID)
	if wasSharer {
		ctl.Registry.Broadcast(roomID, protocol.SharerChanged("", ""), "")
	}
}

// handleMessage dispatches one inbound message. Malformed payloads and
// unknown types are dropped; the session loop continues.
func (ctl *SessionController) handleMessage(roomID, userID string, data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Debug().Err(err).Str("module", "session").Str("user", userID).Msg("dropped malformed message")
		return
	}

	switch env.Type {
	case protocol.TypeJoin:
		ctl.handleJoin(roomID, userID, data)
	case protocol.TypeSignal:
		ctl.handleSignal(roomID, userID, data)
	case protocol.TypeStartSharing:
		ctl.handleStartSharing(roomID, userID)
	case protocol.TypeStopSharing:
		ctl.handleStopSharing(roomID, userID)
	case protocol.TypePing:
		ctl.handlePing(roomID, userID)
	case protocol.TypeVoiceSignal:
		ctl.handleVoiceSignal(roomID, userID, data)
	case protocol.TypeVoiceState:
		ctl.handleVoiceState(roomID, userID, data)
	case protocol.TypeCallState:
		ctl.handleCallState(roomID, userID, data)
	case protocol.TypeChat:
		ctl.handleChat(roomID, userID, data)
	case protocol.TypeWhiteboardStart:
		ctl.Registry.Broadcast(roomID, protocol.WhiteboardStart(userID), userID)
	case protocol.TypeWhiteboardStop:
		ctl.Registry.Broadcast(roomID, protocol.WhiteboardStop(userID), userID)
	case protocol.TypeWhiteboardUpdate:
		ctl.handleWhiteboardUpdate(roomID, userID, data)
	case protocol.TypeWhiteboardCursor:
		ctl.handleWhiteboardCursor(roomID, userID, data)
	default:
		log.Debug().Str("module", "session").Str("type", env.Type).Msg("dropped unknown message type")
	}
}

func (ctl *SessionController) handleJoin(roomID, userID string, data []byte) {
	var p struct {
		Username string `json:"username"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		log.Debug().Err(err).Str("module", "session").Msg("bad join payload")
		return
	}
	if p.Username == "" {
		p.Username = anonUsername
	}
	ctl.Registry.UpdateUsername(roomID, userID, p.Username)
	ctl.broadcastUserList(roomID)

	if history := ctl.Registry.ChatHistory(roomID); len(history) > 0 {
		ctl.Registry.SendToUser(roomID, userID, protocol.ChatHistory(history))
	}
	if sharerID, sharerName := ctl.Registry.GetSharer(roomID); sharerID != "" {
		ctl.Registry.SendToUser(roomID, userID, protocol.SharerChanged(sharerID, sharerName))
	}
}

func (ctl *SessionController) handleSignal(roomID, userID string, data []byte) {
	var p struct {
		Target string          `json:"target"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		log.Debug().Err(err).Str("module", "session").Msg("bad signal payload")
		return
	}

	if p.Target != sfuTargetID {
		if p.Target != "" {
			ctl.Registry.SendToUser(roomID, p.Target, protocol.Signal(userID, p.Data))
		}
		return
	}

	var d struct {
		Type          string  `json:"type"`
		SDP           string  `json:"sdp"`
		Intent        string  `json:"intent"`
		Candidate     string  `json:"candidate"`
		SDPMid        *string `json:"sdpMid"`
		SDPMLineIndex *uint16 `json:"sdpMLineIndex"`
	}
	if err := json.Unmarshal(p.Data, &d); err != nil {
		log.Debug().Err(err).Str("module", "session").Msg("bad sfu signal data")
		return
	}

	switch d.Type {
	case "offer":
		// The publish intent is the client's declaration, deliberately not
		// derived from the room's current sharer pointer.
		answer, err := ctl.Engine.HandleOffer(roomID, userID, d.SDP, d.Intent == "publish")
		if err != nil {
			log.Warn().Err(err).Str("module", "session").Str("room", roomID).Str("user", userID).Msg("offer rejected")
			ctl.sendSFUSignal(roomID, userID, map[string]string{"type": "error", "message": err.Error()})
			return
		}
		ctl.sendSFUSignal(roomID, userID, map[string]string{"type": "answer", "sdp": answer})
	case "candidate":
		ctl.Engine.HandleIceCandidate(userID, webrtc.ICECandidateInit{
			Candidate:     d.Candidate,
			SDPMid:        d.SDPMid,
			SDPMLineIndex: d.SDPMLineIndex,
		})
	}
}

func (ctl *SessionController) sendSFUSignal(roomID, userID string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("module", "session").Msg("sfu signal marshal failed")
		return
	}
	ctl.Registry.SendToUser(roomID, userID, protocol.Signal(sfuTargetID, data))
}

func (ctl *SessionController) handleStartSharing(roomID, userID string) {
	sharerID, sharerName := ctl.Registry.SetSharer(roomID, userID)
	if sharerID == userID {
		ctl.Registry.Broadcast(roomID, protocol.SharerChanged(sharerID, sharerName), "")
		return
	}
	// The requester raced a departure or is not in the room; only they learn
	// who actually holds the role.
	ctl.Registry.SendToUser(roomID, userID, protocol.SharerChanged(sharerID, sharerName))
}

func (ctl *SessionController) handleStopSharing(roomID, userID string) {
	currentSharer, _ := ctl.Registry.GetSharer(roomID)
	ctl.Engine.CleanupUser(roomID, userID)
	if currentSharer == userID {
		ctl.Registry.SetSharer(roomID, "")
		ctl.Registry.Broadcast(roomID, protocol.SharerChanged("", ""), "")
	}
}

func (ctl *SessionController) handlePing(roomID, userID string) {
	ctl.Registry.UpdateHeartbeat(roomID, userID)
	ctl.Registry.SendToUser(roomID, userID, protocol.Pong())
}

func (ctl *SessionController) handleVoiceSignal(roomID, userID string, data []byte) {
	var p struct {
		Target string          `json:"target"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.Target == "" {
		return
	}
	ctl.Registry.SendToUser(roomID, p.Target, protocol.VoiceSignal(userID, p.Data))
}

func (ctl *SessionController) handleVoiceState(roomID, userID string, data []byte) {
	var p struct {
		Muted    bool `json:"muted"`
		Deafened bool `json:"deafened"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	if !ctl.Registry.UpdateVoiceState(roomID, userID, p.Muted, p.Deafened) {
		return
	}
	ctl.Registry.Broadcast(roomID, protocol.VoiceState(userID, p.Muted, p.Deafened), userID)
}

func (ctl *SessionController) handleCallState(roomID, userID string, data []byte) {
	var p struct {
		InCall bool `json:"inCall"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	if !ctl.Registry.UpdateCallState(roomID, userID, p.InCall) {
		return
	}
	ctl.Registry.Broadcast(roomID, protocol.CallState(userID, p.InCall), "")
	ctl.broadcastUserList(roomID)
}

func (ctl *SessionController) handleChat(roomID, userID string, data []byte) {
	var p struct {
		Text     string `json:"text"`
		Username string `json:"username"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	text := strings.TrimSpace(p.Text)
	if text == "" {
		return
	}
	if runes := []rune(text); len(runes) > chatTextMax {
		text = string(runes[:chatTextMax])
	}
	username := p.Username
	if username == "" {
		username = anonUsername
	}

	ts := float64(time.Now().UnixNano()) / float64(time.Second)
	msg := protocol.Chat(userID, username, text, ts)
	ctl.Registry.AppendChat(roomID, msg)
	ctl.Registry.Broadcast(roomID, msg, "")
}

func (ctl *SessionController) handleWhiteboardUpdate(roomID, userID string, data []byte) {
	var p struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	ctl.Registry.Broadcast(roomID, protocol.WhiteboardUpdate(userID, p.Data), userID)
}

func (ctl *SessionController) handleWhiteboardCursor(roomID, userID string, data []byte) {
	var p struct {
		Data     json.RawMessage `json:"data"`
		Username string          `json:"username"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	ctl.Registry.Broadcast(roomID, protocol.WhiteboardCursor(userID, p.Data, p.Username), userID)
}

func (ctl *SessionController) broadcastUserList(roomID string) {
	ctl.Registry.Broadcast(roomID, protocol.UserList(ctl.Registry.ListUsers(roomID)), "")
}

// RunEviction sweeps stale sessions every heartbeat interval and issues the
// same broadcasts a clean departure would. This is also the path that tells
// the SFU about a sharer that vanished without stop-sharing.
func (ctl *SessionController) RunEviction(ctx context.Context) {
	ticker := time.NewTicker(registry.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "session").Msg("eviction loop stopped")
			return
		case <-ticker.C:
			for _, ev := range ctl.Registry.EvictStale(time.Now()) {
				ctl.Engine.CleanupUser(ev.RoomID, ev.UserID)
				ctl.broadcastUserList(ev.RoomID)
				if ev.WasSharer {
					ctl.Registry.Broadcast(ev.RoomID, protocol.SharerChanged("", ""), "")
				}
			}
		}
	}
}
