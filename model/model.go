package model

import (
	"encoding/json"
	"time"
)

// EventKind is the closed set of events carried over the signaling
// connection. Inbound events with a kind outside this set are dropped by
// the router.
type EventKind string

const (
	// Messaging, client -> server.
	EventJoinProject   EventKind = "join:project"
	EventMessageSend   EventKind = "message:send"
	EventTypingStart   EventKind = "typing:start"
	EventTypingStop    EventKind = "typing:stop"
	EventMessageRead   EventKind = "message:read"
	EventMessageDelete EventKind = "message:delete"
	EventMessageEdit   EventKind = "message:edit"

	// Messaging, server -> client.
	EventMessageNew     EventKind = "message:new"
	EventMessageDeleted EventKind = "message:deleted"
	EventMessageEdited  EventKind = "message:edited"

	// Presence, server -> client.
	EventUserOnline  EventKind = "user:online"
	EventUserOffline EventKind = "user:offline"
	EventUsersOnline EventKind = "users:online"

	// Call signaling. The client emits the bare form and receives the
	// mirrored form relayed by the server.
	EventCallInitiate EventKind = "call:initiate"
	EventCallIncoming EventKind = "call:incoming"
	EventCallAccept   EventKind = "call:accept"
	EventCallAccepted EventKind = "call:accepted"
	EventCallReject   EventKind = "call:reject"
	EventCallRejected EventKind = "call:rejected"
	EventCallEnd      EventKind = "call:end"
	EventCallEnded    EventKind = "call:ended"

	// WebRTC negotiation relay.
	EventWebRTCOffer     EventKind = "webrtc:offer"
	EventWebRTCAnswer    EventKind = "webrtc:answer"
	EventWebRTCCandidate EventKind = "webrtc:ice-candidate"
)

// Event is the wire envelope. Outbound payloads are marshalled from typed
// structs; inbound payloads stay raw until the router decodes them into
// the type matching the kind.
type Event struct {
	Kind    EventKind       `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEvent marshals payload into an envelope. A marshal failure is a
// programming error on a known payload type, so it is returned to the
// caller instead of being swallowed.
func NewEvent(kind EventKind, payload any) (Event, error) {
	if payload == nil {
		return Event{Kind: kind}, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Kind: kind, Payload: b}, nil
}

// MessageType discriminates message bodies.
type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeFile  MessageType = "file"
	MessageTypeImage MessageType = "image"
)

// Message belongs to exactly one conversation, keyed by project id.
type Message struct {
	ID         string      `json:"_id"`
	ProjectID  string      `json:"projectId"`
	SenderID   string      `json:"senderId"`
	ReceiverID string      `json:"receiverId"`
	Body       string      `json:"body,omitempty"`
	FileURL    string      `json:"fileUrl,omitempty"`
	FileName   string      `json:"fileName,omitempty"`
	Type       MessageType `json:"type"`
	Read       bool        `json:"read"`
	CreatedAt  time.Time   `json:"createdAt"`
	EditedAt   *time.Time  `json:"editedAt,omitempty"`
}

// Conversation is a two-party thread created by the backend when a bid is
// accepted. This layer never deletes one on its own.
type Conversation struct {
	ProjectID    string    `json:"projectId"`
	ProjectTitle string    `json:"projectTitle,omitempty"`
	OtherUserID  string    `json:"otherUserId"`
	LastMessage  string    `json:"lastMessage,omitempty"`
	LastActivity time.Time `json:"lastActivity"`
	UnreadCount  int       `json:"unreadCount"`
}

type JoinProjectPayload struct {
	ProjectID string `json:"projectId"`
}

type TypingPayload struct {
	ProjectID string `json:"projectId"`
	UserName  string `json:"userName,omitempty"`
}

type ReadPayload struct {
	ProjectID  string   `json:"projectId"`
	MessageIDs []string `json:"messageIds"`
}

type MessageDeletePayload struct {
	ProjectID string `json:"projectId"`
	MessageID string `json:"messageId"`
}

type MessageEditPayload struct {
	ProjectID string `json:"projectId"`
	MessageID string `json:"messageId"`
	Body      string `json:"body"`
}

type PresencePayload struct {
	UserID string `json:"userId"`
}

type PresenceSnapshotPayload struct {
	UserIDs []string `json:"userIds"`
}

// CallType discriminates audio and video calls. Only audio is produced by
// this client today; the wire field exists for the mirrored stacks.
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

// CallSignalPayload covers initiate/incoming/accept/accepted/reject/
// rejected/end/ended. From is filled by the server on mirrored events.
type CallSignalPayload struct {
	CallID     string   `json:"callId,omitempty"`
	To         string   `json:"to,omitempty"`
	From       string   `json:"from,omitempty"`
	CallerName string   `json:"callerName,omitempty"`
	CallType   CallType `json:"callType,omitempty"`
}

// SessionDescription mirrors the W3C RTCSessionDescriptionInit shape so
// the model package stays free of WebRTC imports.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type OfferPayload struct {
	Offer SessionDescription `json:"offer"`
	To    string             `json:"to,omitempty"`
	From  string             `json:"from,omitempty"`
}

type AnswerPayload struct {
	Answer SessionDescription `json:"answer"`
	To     string             `json:"to,omitempty"`
	From   string             `json:"from,omitempty"`
}

// ICECandidateInit is the standard RTCIceCandidateInit shape.
type ICECandidateInit struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

type CandidatePayload struct {
	Candidate ICECandidateInit `json:"candidate"`
	To        string           `json:"to,omitempty"`
	From      string           `json:"from,omitempty"`
}
