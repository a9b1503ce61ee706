// Package protocol defines the signaling wire format: JSON envelopes
// discriminated by a "type" field, camelCase on the wire.
package protocol

import "encoding/json"

// Message type discriminants.
const (
	TypeJoin             = "join"
	TypeSignal           = "signal"
	TypeUserList         = "user-list"
	TypeSharerChanged    = "sharer-changed"
	TypeStartSharing     = "start-sharing"
	TypeStopSharing      = "stop-sharing"
	TypePing             = "ping"
	TypePong             = "pong"
	TypeVoiceSignal      = "voice-signal"
	TypeVoiceState       = "voice-state"
	TypeCallState        = "call-state"
	TypeChat             = "chat"
	TypeChatHistory      = "chat-history"
	TypeWhiteboardStart  = "whiteboard-start"
	TypeWhiteboardStop   = "whiteboard-stop"
	TypeWhiteboardUpdate = "whiteboard-update"
	TypeWhiteboardCursor = "whiteboard-cursor"
)

// Envelope is the minimal inbound shape; handlers re-decode the full
// payload for the types they care about.
type Envelope struct {
	Type string `json:"type"`
}

// UserInfo is one roster entry in a user-list message.
type UserInfo struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Muted    bool   `json:"muted"`
	Deafened bool   `json:"deafened"`
	InCall   bool   `json:"inCall"`
}

type UserListMessage struct {
	Type  string     `json:"type"`
	Users []UserInfo `json:"users"`
}

func UserList(users []UserInfo) UserListMessage {
	return UserListMessage{Type: TypeUserList, Users: users}
}

// SharerChangedMessage carries explicit nulls when nobody is sharing.
type SharerChangedMessage struct {
	Type       string  `json:"type"`
	SharerID   *string `json:"sharerId"`
	SharerName *string `json:"sharerName"`
}

func SharerChanged(sharerID, sharerName string) SharerChangedMessage {
	m := SharerChangedMessage{Type: TypeSharerChanged}
	if sharerID != "" {
		m.SharerID = &sharerID
		m.SharerName = &sharerName
	}
	return m
}

// SignalMessage relays an opaque negotiation payload from a sender.
type SignalMessage struct {
	Type   string          `json:"type"`
	Sender string          `json:"sender"`
	Data   json.RawMessage `json:"data"`
}

func Signal(senderID string, data json.RawMessage) SignalMessage {
	return SignalMessage{Type: TypeSignal, Sender: senderID, Data: data}
}

type PongMessage struct {
	Type string `json:"type"`
}

func Pong() PongMessage {
	return PongMessage{Type: TypePong}
}

type VoiceSignalMessage struct {
	Type   string          `json:"type"`
	Sender string          `json:"sender"`
	Data   json.RawMessage `json:"data"`
}

func VoiceSignal(senderID string, data json.RawMessage) VoiceSignalMessage {
	return VoiceSignalMessage{Type: TypeVoiceSignal, Sender: senderID, Data: data}
}

type VoiceStateMessage struct {
	Type     string `json:"type"`
	UserID   string `json:"userId"`
	Muted    bool   `json:"muted"`
	Deafened bool   `json:"deafened"`
}

func VoiceState(userID string, muted, deafened bool) VoiceStateMessage {
	return VoiceStateMessage{Type: TypeVoiceState, UserID: userID, Muted: muted, Deafened: deafened}
}

type CallStateMessage struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
	InCall bool   `json:"inCall"`
}

func CallState(userID string, inCall bool) CallStateMessage {
	return CallStateMessage{Type: TypeCallState, UserID: userID, InCall: inCall}
}

// ChatMessage is both the broadcast shape and the stored history entry.
// Timestamp is float seconds since epoch, matching what clients render.
type ChatMessage struct {
	Type      string  `json:"type"`
	UserID    string  `json:"userId"`
	Username  string  `json:"username"`
	Text      string  `json:"text"`
	Timestamp float64 `json:"timestamp"`
}

func Chat(userID, username, text string, timestamp float64) ChatMessage {
	return ChatMessage{Type: TypeChat, UserID: userID, Username: username, Text: text, Timestamp: timestamp}
}

type ChatHistoryMessage struct {
	Type     string        `json:"type"`
	Messages []ChatMessage `json:"messages"`
}

func ChatHistory(messages []ChatMessage) ChatHistoryMessage {
	return ChatHistoryMessage{Type: TypeChatHistory, Messages: messages}
}

type WhiteboardEventMessage struct {
	Type   string `json:"type"`
	Sender string `json:"sender"`
}

func WhiteboardStart(senderID string) WhiteboardEventMessage {
	return WhiteboardEventMessage{Type: TypeWhiteboardStart, Sender: senderID}
}

func WhiteboardStop(senderID string) WhiteboardEventMessage {
	return WhiteboardEventMessage{Type: TypeWhiteboardStop, Sender: senderID}
}

type WhiteboardUpdateMessage struct {
	Type   string          `json:"type"`
	Sender string          `json:"sender"`
	Data   json.RawMessage `json:"data"`
}

func WhiteboardUpdate(senderID string, data json.RawMessage) WhiteboardUpdateMessage {
	return WhiteboardUpdateMessage{Type: TypeWhiteboardUpdate, Sender: senderID, Data: data}
}

type WhiteboardCursorMessage struct {
	Type     string          `json:"type"`
	Sender   string          `json:"sender"`
	Data     json.RawMessage `json:"data"`
	Username string          `json:"username"`
}

func WhiteboardCursor(senderID string, data json.RawMessage, username string) WhiteboardCursorMessage {
	return WhiteboardCursorMessage{Type: TypeWhiteboardCursor, Sender: senderID, Data: data, Username: username}
}
