// Package wa implements the WhatsApp session core for Metatron using
// whatsmeow — a native Go WhatsApp Web API library.
//
// The package owns:
//   - the connection lifecycle state machine (QR pairing, reconnect policy)
//   - inbound message filtering, deduplication and buffering
//   - LID → phone number resolution for access control
//
// The wire client is hidden behind the Transport interface so the state
// machine can be driven by a fake in tests.
package wa

import (
	"context"
	"time"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusQRReady      Status = "qr_ready"
	StatusConnected    Status = "connected"
)

// CloseReason classifies why the transport connection closed. The session's
// recovery path depends on it, so transports must map their platform events
// onto these values.
type CloseReason int

const (
	// CloseTransient is a connection drop on an otherwise healthy session
	// (network blip, server hiccup).
	CloseTransient CloseReason = iota

	// CloseRestartRequired means the server demands an immediate reconnect,
	// e.g. right after a successful pairing.
	CloseRestartRequired

	// CloseLoggedOut means the session was invalidated remotely (user
	// unlinked the device or WhatsApp revoked the credentials).
	CloseLoggedOut
)

func (r CloseReason) String() string {
	switch r {
	case CloseRestartRequired:
		return "restart_required"
	case CloseLoggedOut:
		return "logged_out"
	default:
		return "transient"
	}
}

// SyncKind distinguishes live deliveries from bulk history syncs.
type SyncKind int

const (
	SyncLive SyncKind = iota
	SyncHistory
)

// MessageKind is the coarse classification used for inbound filtering.
// Only MessageChat (text and voice notes) reaches the buffer and the
// auto-reply pipeline; everything else is dropped at the edge.
type MessageKind int

const (
	MessageChat MessageKind = iota
	MessageProtocol
	MessageReaction
	MessageControl
)

// InboundMessage is the transport-level representation of a received
// message, before dedup/identity resolution.
type InboundMessage struct {
	ID              string
	SenderID        string // may be a LID (opaque identifier) for contacts
	SenderPhone     string // resolved phone JID if the transport already knows it
	ChatID          string
	SenderName      string
	Kind            MessageKind
	Body            string
	Timestamp       time.Time
	FromMe          bool
	IsGroup         bool
	IsVoice         bool
	VoicePayload    []byte
	VoiceMimeType   string
}

// BufferedMessage is the normalized message kept in the ring buffer and
// handed to the auto-reply pipeline.
type BufferedMessage struct {
	ID              string `json:"id"`
	From            string `json:"from"`
	To              string `json:"to"`
	FromDisplayName string `json:"from_display_name,omitempty"`
	Body            string `json:"body"`
	TimestampMs     int64  `json:"timestamp_ms"`
	FromMe          bool   `json:"from_me"`
	IsGroup         bool   `json:"is_group"`
	IsVoice         bool   `json:"is_voice"`

	// VoicePayload holds the raw audio of a voice note until it is
	// consumed or the message is evicted from the buffer.
	VoicePayload  []byte `json:"-"`
	VoiceMimeType string `json:"voice_mime_type,omitempty"`
}

// GroupInfo describes a group the linked account participates in.
type GroupInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	MemberCount int    `json:"member_count"`
}

// EventSink receives transport events. The Session implements it; all
// methods must return quickly — they only validate, deduplicate and hand
// work off, never block on I/O.
type EventSink interface {
	OnQRCode(code string)
	OnConnected(phoneNumber string)
	OnClosed(reason CloseReason)
	OnIdentityMapping(opaqueID, phoneDigits string)
	OnMessages(batch []InboundMessage, kind SyncKind)
}

// Transport abstracts the wire client (whatsmeow in production).
type Transport interface {
	// HasStoredCredentials reports whether a previous pairing is on disk.
	HasStoredCredentials(ctx context.Context) (bool, error)

	// Connect opens the connection. QR codes, the connected notification
	// and close events arrive through the EventSink.
	Connect(ctx context.Context, sink EventSink) error

	// SendText sends a plain text message to a contact or group address.
	SendText(ctx context.Context, to, text string) error

	// SendVoiceNote sends audio as a push-to-talk voice note.
	SendVoiceNote(ctx context.Context, to string, audio []byte, mimeType string) error

	// ListGroups returns the groups the linked account is a member of.
	ListGroups(ctx context.Context) ([]GroupInfo, error)

	// MarkRead marks messages as read in a chat. Best-effort.
	MarkRead(ctx context.Context, chatID string, messageIDs []string) error

	// SendTyping shows a typing indicator in a chat. Best-effort.
	SendTyping(ctx context.Context, chatID string) error

	// LookupPhone resolves an opaque per-device identifier (LID) to phone
	// digits. Best-effort: returns "" without error when unknown.
	LookupPhone(ctx context.Context, opaqueID string) (string, error)

	// ClearCredentials wipes the stored pairing so the next connect
	// produces a fresh QR code.
	ClearCredentials(ctx context.Context) error

	// Logout tells the server to unlink this device, then clears
	// credentials.
	Logout(ctx context.Context) error

	// Close tears down the connection without touching credentials.
	Close()
}
