package sfu

import (
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newOfferSDP builds a real browser-side offer with one sendrecv video
// transceiver so the engine negotiates against valid SDP.
func newOfferSDP(t *testing.T) string {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })

	_, err = pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	})
	require.NoError(t, err)

	offer, err := pc.CreateOffer(nil)
	require.NoError(t, err)
	gathered := webrtc.GatheringCompletePromise(pc)
	require.NoError(t, pc.SetLocalDescription(offer))
	<-gathered
	return pc.LocalDescription().SDP
}

func TestHandleOfferViewer(t *testing.T) {
	e := NewEngine(nil)
	answer, err := e.HandleOffer("room", "v1", newOfferSDP(t), false)
	require.NoError(t, err)
	assert.NotEmpty(t, answer)
	t.Cleanup(func() { e.CleanupUser("room", "v1") })

	info, ok := e.UserInfo("v1")
	require.True(t, ok)
	assert.Equal(t, RoleViewer, info.Role)
	assert.Equal(t, "active", info.State)
	assert.Equal(t, "room", info.RoomID)

	status, ok := e.RoomInfo("room")
	require.True(t, ok)
	assert.Equal(t, 1, status.UserCount)
	assert.False(t, status.HasSharer)
}

func TestHandleOfferSharerRole(t *testing.T) {
	e := NewEngine(nil)
	_, err := e.HandleOffer("room", "s1", newOfferSDP(t), true)
	require.NoError(t, err)
	t.Cleanup(func() { e.CleanupUser("room", "s1") })

	info, ok := e.UserInfo("s1")
	require.True(t, ok)
	assert.Equal(t, RoleSharer, info.Role)
}

func TestPublishConflictRejected(t *testing.T) {
	e := NewEngine(nil)
	e.media["room"] = &roomMedia{sharerID: "a"}

	_, err := e.HandleOffer("room", "b", newOfferSDP(t), true)
	require.ErrorIs(t, err, ErrSharerActive)

	_, ok := e.UserInfo("b")
	assert.False(t, ok, "no connection is created for the rejected user")

	m := e.media["room"]
	require.NotNil(t, m, "existing room media untouched")
	assert.Equal(t, "a", m.sharerID)
}

func TestPublishConflictAllowsSameSharer(t *testing.T) {
	e := NewEngine(nil)
	e.media["room"] = &roomMedia{sharerID: "a"}

	_, err := e.HandleOffer("room", "a", newOfferSDP(t), true)
	require.NoError(t, err)
	t.Cleanup(func() { e.CleanupUser("room", "a") })
}

func TestIceCandidateNoopCases(t *testing.T) {
	e := NewEngine(nil)

	// Unknown user and empty candidate are expected teardown races.
	e.HandleIceCandidate("ghost", webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 127.0.0.1 1 typ host"})
	e.HandleIceCandidate("ghost", webrtc.ICECandidateInit{})
}

func TestIceCandidateQueuedBeforeRemoteDescription(t *testing.T) {
	e := NewEngine(nil)
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })

	conn := newConnection("room", "u1", RoleViewer, pc)
	e.conns["u1"] = conn

	cand := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 54321 typ host"}
	e.HandleIceCandidate("u1", cand)

	pending := conn.takePending()
	require.Len(t, pending, 1)
	assert.Equal(t, cand.Candidate, pending[0].Candidate)
	assert.Empty(t, conn.takePending(), "queue drains once")
}

func TestIceCandidateAppliedAfterOffer(t *testing.T) {
	e := NewEngine(nil)
	_, err := e.HandleOffer("room", "v1", newOfferSDP(t), false)
	require.NoError(t, err)
	t.Cleanup(func() { e.CleanupUser("room", "v1") })

	// Remote description is set now, so the candidate applies directly.
	e.HandleIceCandidate("v1", webrtc.ICECandidateInit{
		Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 54321 typ host",
	})

	conn := e.conns["v1"]
	require.NotNil(t, conn)
	assert.Empty(t, conn.takePending())
}

func TestCleanupUser(t *testing.T) {
	e := NewEngine(nil)
	_, err := e.HandleOffer("room", "s1", newOfferSDP(t), true)
	require.NoError(t, err)
	e.media["room"] = &roomMedia{sharerID: "s1"}

	e.CleanupUser("room", "s1")

	_, ok := e.UserInfo("s1")
	assert.False(t, ok)
	_, ok = e.RoomInfo("room")
	assert.False(t, ok)
	assert.NotContains(t, e.media, "room", "sharer teardown deletes room media")

	// Cleanup of an already-removed user is a no-op.
	e.CleanupUser("room", "s1")
}

func TestCleanupUserKeepsOtherSharersMedia(t *testing.T) {
	e := NewEngine(nil)
	_, err := e.HandleOffer("room", "v1", newOfferSDP(t), false)
	require.NoError(t, err)
	e.media["room"] = &roomMedia{sharerID: "s1"}

	e.CleanupUser("room", "v1")
	assert.Contains(t, e.media, "room", "viewer teardown leaves room media alone")
	delete(e.media, "room")
}

func TestCleanupRoom(t *testing.T) {
	e := NewEngine(nil)
	_, err := e.HandleOffer("room", "v1", newOfferSDP(t), false)
	require.NoError(t, err)
	_, err = e.HandleOffer("room", "v2", newOfferSDP(t), false)
	require.NoError(t, err)

	e.CleanupRoom("room")

	_, ok := e.RoomInfo("room")
	assert.False(t, ok)
	_, ok = e.UserInfo("v1")
	assert.False(t, ok)
	_, ok = e.UserInfo("v2")
	assert.False(t, ok)
}

func TestSecondOfferReplacesConnection(t *testing.T) {
	e := NewEngine(nil)
	_, err := e.HandleOffer("room", "v1", newOfferSDP(t), false)
	require.NoError(t, err)
	first := e.conns["v1"]

	_, err = e.HandleOffer("room", "v1", newOfferSDP(t), false)
	require.NoError(t, err)
	t.Cleanup(func() { e.CleanupUser("room", "v1") })

	second := e.conns["v1"]
	require.NotNil(t, second)
	assert.NotSame(t, first, second)
	assert.Equal(t, StateClosed, first.currentState())
}

func TestRoomInfoReflectsMedia(t *testing.T) {
	e := NewEngine(nil)
	_, err := e.HandleOffer("room", "v1", newOfferSDP(t), false)
	require.NoError(t, err)
	t.Cleanup(func() { e.CleanupUser("room", "v1") })

	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "share")
	require.NoError(t, err)
	e.media["room"] = &roomMedia{sharerID: "s1", video: track}

	status, ok := e.RoomInfo("room")
	require.True(t, ok)
	assert.True(t, status.HasSharer)
	assert.Equal(t, "s1", status.SharerID)
	assert.True(t, status.HasVideo)
	assert.False(t, status.HasAudio)
	delete(e.media, "room")
}
