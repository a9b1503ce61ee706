package sfu

import (
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

// Role tags a connection as the room's publisher or a subscriber. It is
// fixed at creation and never flipped; renegotiation replaces the whole
// connection.
type Role string

const (
	RoleSharer Role = "sharer"
	RoleViewer Role = "viewer"
)

// ConnState tracks the connection lifecycle.
type ConnState int32

const (
	StateCreated ConnState = iota
	StateNegotiating
	StateActive
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateNegotiating:
		return "negotiating"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// connection is one user's media peer connection plus the ICE candidates
// that arrived before it could accept them.
type connection struct {
	userID string
	roomID string
	role   Role
	pc     *webrtc.PeerConnection

	state atomic.Int32

	mu      sync.Mutex
	pending []webrtc.ICECandidateInit
}

func newConnection(roomID, userID string, role Role, pc *webrtc.PeerConnection) *connection {
	return &connection{userID: userID, roomID: roomID, role: role, pc: pc}
}

func (c *connection) setState(s ConnState) {
	c.state.Store(int32(s))
}

func (c *connection) currentState() ConnState {
	return ConnState(c.state.Load())
}

func (c *connection) queueCandidate(cand webrtc.ICECandidateInit) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, cand)
}

// takePending drains the queue; the caller retries each candidate.
func (c *connection) takePending() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.pending
	c.pending = nil
	return out
}
