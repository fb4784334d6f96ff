// Package v1 defines the SpikeChat relay protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeJoinRoom binds the connection to a room (client -> server) and is echoed back.
	TypeJoinRoom = "join_room"
	// TypeLeaveRoom unbinds the connection from a room (client -> server).
	TypeLeaveRoom = "leave_room"

	// TypeSendMessage forwards a message to the upstream backend (client -> server).
	TypeSendMessage = "send_message"
	// TypeNewMessage delivers one new upstream message (server -> room members).
	TypeNewMessage = "new_message"

	// TypeGetMessages requests a one-shot history fetch (client -> server).
	TypeGetMessages = "get_messages"
	// TypeMessagesHistory returns a history snapshot (server -> client).
	TypeMessagesHistory = "messages_history"

	// TypeMessageError reports a failed send to the originating connection only.
	TypeMessageError = "message_error"
	// TypeMessagesError reports a failed history fetch to the originating connection only.
	TypeMessagesError = "messages_error"

	// TypeVideoCallStarted and TypeVideoCallEnded are pure broadcast notifications
	// relayed to the other connections bound to the same room.
	TypeVideoCallStarted = "video_call_started"
	TypeVideoCallEnded   = "video_call_ended"

	// TypeError is a generic protocol-level error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeJoinRoom,
		TypeLeaveRoom,
		TypeSendMessage,
		TypeNewMessage,
		TypeGetMessages,
		TypeMessagesHistory,
		TypeMessageError,
		TypeMessagesError,
		TypeVideoCallStarted,
		TypeVideoCallEnded,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Message model ----

// MessageUser identifies the sender of a message.
type MessageUser struct {
	ID       string `json:"id,omitempty"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

// MessageAttachment is optional rich content attached to a message.
type MessageAttachment struct {
	Title     string `json:"title,omitempty"`
	TitleLink string `json:"title_link,omitempty"`
	Text      string `json:"text,omitempty"`
	Color     string `json:"color,omitempty"`
	ImageURL  string `json:"image_url,omitempty"`
}

// Message is the normalized client-facing message shape.
//
// Clients must treat arriving messages as a set keyed by ID and silently drop
// repeats; Timestamp is RFC3339 so string order equals chronological order.
type Message struct {
	ID          string              `json:"id"`
	Text        string              `json:"text"`
	User        MessageUser         `json:"user"`
	Timestamp   string              `json:"timestamp"`
	RoomID      string              `json:"roomId"`
	Attachments []MessageAttachment `json:"attachments"`
	Alias       string              `json:"alias,omitempty"`
	Type        string              `json:"type"`
}

// ---- Payloads ----

// JoinRoomPayload binds the connection to a room. An empty RoomID selects the
// relay's configured default room.
type JoinRoomPayload struct {
	RoomID string `json:"roomId"`
}

// LeaveRoomPayload unbinds the connection from a room.
type LeaveRoomPayload struct {
	RoomID string `json:"roomId"`
}

// SendMessagePayload forwards a message upstream on behalf of the caller.
// AuthToken and UserID are the caller's own upstream credentials; the relay
// holds no privileged session for message sending.
type SendMessagePayload struct {
	Message     string              `json:"message"`
	RoomID      string              `json:"roomId"`
	UserID      string              `json:"userId"`
	AuthToken   string              `json:"authToken"`
	Alias       string              `json:"alias,omitempty"`
	Emoji       string              `json:"emoji,omitempty"`
	Avatar      string              `json:"avatar,omitempty"`
	Attachments []MessageAttachment `json:"attachments,omitempty"`
}

// GetMessagesPayload requests a one-shot history fetch. Previous is a
// milliseconds-since-epoch cursor; zero means "last 24 hours".
type GetMessagesPayload struct {
	RoomID   string `json:"roomId"`
	Previous int64  `json:"previous,omitempty"`
}

// MessagesHistoryPayload is the snapshot response to get_messages and the
// history push after join_room.
type MessagesHistoryPayload struct {
	Messages []Message `json:"messages"`
	RoomID   string    `json:"roomId"`
}

// VideoCallPayload carries video-call start/end notifications. The relay does
// not manage conferencing state, it only rebroadcasts the markers.
type VideoCallPayload struct {
	RoomID      string `json:"roomId"`
	MeetingRoom string `json:"meetingRoom"`
	Username    string `json:"username,omitempty"`
	Timestamp   string `json:"timestamp"`
}

// ErrorPayload is carried by message_error, messages_error and error envelopes.
type ErrorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
