// Package wa – session.go owns the connection lifecycle state machine:
// QR pairing, the reconnect decision tree, and inbound event fan-out.
package wa

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Config holds session configuration.
type Config struct {
	// DatabasePath is the SQLite file for whatsmeow credential storage.
	DatabasePath string `yaml:"database_path" env:"METATRON_WA_DATABASE"`

	// DeviceName is shown in the WhatsApp linked-devices list.
	DeviceName string `yaml:"device_name" env:"METATRON_WA_DEVICE_NAME"`

	// ReconnectDelay is the fixed delay before a scheduled reconnect.
	ReconnectDelay time.Duration `yaml:"reconnect_delay" env:"METATRON_WA_RECONNECT_DELAY"`

	// MaxReconnectAttempts bounds automatic reconnects after transient
	// drops on an established session.
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts" env:"METATRON_WA_MAX_RECONNECTS"`

	// MarkRead marks processed messages as read.
	MarkRead bool `yaml:"mark_read" env:"METATRON_WA_MARK_READ"`

	// SendTyping sends a typing indicator while a reply is generating.
	SendTyping bool `yaml:"send_typing" env:"METATRON_WA_SEND_TYPING"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DatabasePath:         "./data/metatron-wa.db",
		DeviceName:           "Metatron",
		ReconnectDelay:       3 * time.Second,
		MaxReconnectAttempts: 5,
		MarkRead:             true,
		SendTyping:           true,
	}
}

// EventType identifies a session event sent to observers.
type EventType string

const (
	EventQR        EventType = "qr"
	EventStatus    EventType = "status"
	EventConnected EventType = "connected"
	EventLoggedOut EventType = "logged_out"
)

// Event is a session lifecycle event.
type Event struct {
	Type        EventType `json:"type"`
	Status      Status    `json:"status"`
	QRCode      string    `json:"qr_code,omitempty"`
	PhoneNumber string    `json:"phone_number,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Observer receives session lifecycle events.
type Observer interface {
	OnSessionEvent(evt Event)
}

// ErrNotConnected is returned by outbound sends while the session is not
// in the connected state.
var ErrNotConnected = fmt.Errorf("session is not connected")

// Session is the singleton runtime state of the WhatsApp link. It is
// created disconnected, mutated only by its own event handlers, and never
// persisted beyond the process.
type Session struct {
	cfg       Config
	transport Transport
	logger    *slog.Logger

	mu                   sync.Mutex
	status               Status
	qrCode               string
	ownPhoneNumber       string
	reconnectAttempts    int
	hasEverConnected     bool
	hadStoredCredentials bool
	reconnectTimer       *time.Timer

	ctx    context.Context
	cancel context.CancelFunc

	dedup    *Deduplicator
	buffer   *MessageBuffer
	identity *IdentityResolver

	observers   []Observer
	observersMu sync.Mutex

	// onMessage receives each accepted inbound message. It runs on the
	// transport event path and must only enqueue, never block.
	onMessage   func(BufferedMessage)
	onMessageMu sync.Mutex
}

// NewSession creates a session in the disconnected state.
func NewSession(cfg Config, transport Transport, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 3 * time.Second
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 5
	}

	logger = logger.With("component", "wa-session")
	return &Session{
		cfg:       cfg,
		transport: transport,
		logger:    logger,
		status:    StatusDisconnected,
		dedup:     NewDeduplicator(BufferCapacity),
		buffer:    NewMessageBuffer(BufferCapacity),
		identity:  NewIdentityResolver(transport, logger),
	}
}

// Buffer exposes the message ring buffer for inspection APIs.
func (s *Session) Buffer() *MessageBuffer { return s.buffer }

// Identity exposes the LID resolver.
func (s *Session) Identity() *IdentityResolver { return s.identity }

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// QRCode returns the pending QR code, if any.
func (s *Session) QRCode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qrCode
}

// OwnPhoneNumber returns the linked account's phone number, if connected
// at least once.
func (s *Session) OwnPhoneNumber() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ownPhoneNumber
}

// ReconnectAttempts returns the current automatic reconnect counter.
func (s *Session) ReconnectAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnectAttempts
}

// SetMessageHandler installs the inbound message handler. The handler runs
// on the transport event path: it must only validate and enqueue.
func (s *Session) SetMessageHandler(fn func(BufferedMessage)) {
	s.onMessageMu.Lock()
	s.onMessage = fn
	s.onMessageMu.Unlock()
}

// AddObserver registers a session event observer.
func (s *Session) AddObserver(obs Observer) {
	s.observersMu.Lock()
	s.observers = append(s.observers, obs)
	s.observersMu.Unlock()
}

// notify fans an event out to all observers, isolating panics.
func (s *Session) notify(evt Event) {
	evt.Timestamp = time.Now()

	s.observersMu.Lock()
	observers := make([]Observer, len(s.observers))
	copy(observers, s.observers)
	s.observersMu.Unlock()

	for _, obs := range observers {
		func(o Observer) {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Warn("session observer panic", "error", r)
				}
			}()
			o.OnSessionEvent(evt)
		}(obs)
	}
}

// Connect starts the connection. It is a no-op unless the session is
// currently disconnected, which prevents re-entrant connects.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.status != StatusDisconnected {
		s.mu.Unlock()
		return nil
	}
	s.status = StatusConnecting
	s.qrCode = ""
	if s.ctx == nil || s.ctx.Err() != nil {
		s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	}
	runCtx := s.ctx
	s.mu.Unlock()

	s.notify(Event{Type: EventStatus, Status: StatusConnecting})

	stored, err := s.transport.HasStoredCredentials(runCtx)
	if err != nil {
		s.logger.Warn("could not inspect stored credentials", "error", err)
	}
	s.mu.Lock()
	s.hadStoredCredentials = stored
	s.mu.Unlock()

	s.logger.Info("connecting", "stored_credentials", stored)

	go func() {
		if err := s.transport.Connect(runCtx, s); err != nil {
			s.logger.Warn("transport connect failed", "error", err)
			s.OnClosed(CloseTransient)
		}
	}()

	return nil
}

// Disconnect tears the connection down and cancels any scheduled
// reconnect. With wipeCredentials the stored pairing is removed and the
// device is unlinked server-side, so the next Connect produces a QR code.
// In-flight reply tasks are not cancelled; their sends will fail and be
// tolerated.
func (s *Session) Disconnect(wipeCredentials bool) error {
	s.mu.Lock()
	s.cancelReconnectLocked()
	s.status = StatusDisconnected
	s.qrCode = ""
	if s.cancel != nil {
		s.cancel()
		s.ctx, s.cancel = nil, nil
	}
	s.mu.Unlock()

	if wipeCredentials {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.transport.Logout(ctx); err != nil {
			s.logger.Warn("logout failed, clearing credentials anyway", "error", err)
			if err := s.transport.ClearCredentials(ctx); err != nil {
				s.logger.Warn("failed to clear credentials", "error", err)
			}
		}
		s.mu.Lock()
		s.ownPhoneNumber = ""
		s.hadStoredCredentials = false
		s.mu.Unlock()
	}

	s.transport.Close()
	s.logger.Info("disconnected", "wiped", wipeCredentials)
	s.notify(Event{Type: EventStatus, Status: StatusDisconnected})
	return nil
}

// SendText sends a text message if the session is connected.
func (s *Session) SendText(ctx context.Context, to, text string) error {
	if s.Status() != StatusConnected {
		return ErrNotConnected
	}
	return s.transport.SendText(ctx, to, text)
}

// SendVoiceNote sends a voice note if the session is connected.
func (s *Session) SendVoiceNote(ctx context.Context, to string, audio []byte, mimeType string) error {
	if s.Status() != StatusConnected {
		return ErrNotConnected
	}
	return s.transport.SendVoiceNote(ctx, to, audio, mimeType)
}

// MarkRead marks chat messages as read. Best-effort, only when enabled.
func (s *Session) MarkRead(ctx context.Context, chatID string, messageIDs []string) {
	if !s.cfg.MarkRead || s.Status() != StatusConnected {
		return
	}
	if err := s.transport.MarkRead(ctx, chatID, messageIDs); err != nil {
		s.logger.Debug("mark read failed", "chat", chatID, "error", err)
	}
}

// SendTyping shows a typing indicator. Best-effort, only when enabled.
func (s *Session) SendTyping(ctx context.Context, chatID string) {
	if !s.cfg.SendTyping || s.Status() != StatusConnected {
		return
	}
	if err := s.transport.SendTyping(ctx, chatID); err != nil {
		s.logger.Debug("typing indicator failed", "chat", chatID, "error", err)
	}
}

// ListGroups returns the linked account's groups.
func (s *Session) ListGroups(ctx context.Context) ([]GroupInfo, error) {
	if s.Status() != StatusConnected {
		return nil, ErrNotConnected
	}
	return s.transport.ListGroups(ctx)
}

// ---------- EventSink ----------

// OnQRCode stores the pairing code and moves to qr_ready.
func (s *Session) OnQRCode(code string) {
	s.mu.Lock()
	s.status = StatusQRReady
	s.qrCode = code
	s.mu.Unlock()

	s.logger.Info("qr code ready")
	s.notify(Event{Type: EventStatus, Status: StatusQRReady})
	s.notify(Event{Type: EventQR, Status: StatusQRReady, QRCode: code})
}

// OnConnected records the successful open: reconnect counter resets, the
// own phone number is captured and observers are told.
func (s *Session) OnConnected(phoneNumber string) {
	s.mu.Lock()
	s.status = StatusConnected
	s.qrCode = ""
	s.reconnectAttempts = 0
	s.hasEverConnected = true
	s.ownPhoneNumber = phoneNumber
	s.mu.Unlock()

	s.logger.Info("connected", "phone", phoneNumber)
	s.notify(Event{Type: EventStatus, Status: StatusConnected})
	s.notify(Event{Type: EventConnected, Status: StatusConnected, PhoneNumber: phoneNumber})
}

// OnClosed runs the recovery decision tree. The branch order is load
// bearing: it distinguishes deliberate logout, a transient blip on an
// established session, invalidated stored credentials, and giving up —
// each with a different recovery.
func (s *Session) OnClosed(reason CloseReason) {
	s.mu.Lock()
	s.status = StatusDisconnected
	s.qrCode = ""

	switch {
	case reason == CloseLoggedOut:
		// Deliberate logout: wipe the pairing and schedule a fresh
		// connect so a new QR is produced.
		s.ownPhoneNumber = ""
		s.hadStoredCredentials = false
		s.mu.Unlock()

		s.logger.Info("logged out, credentials will be cleared")
		s.clearCredentials()
		s.notify(Event{Type: EventStatus, Status: StatusDisconnected})
		s.notify(Event{Type: EventLoggedOut, Status: StatusDisconnected})
		s.scheduleReconnect()

	case reason == CloseRestartRequired ||
		(s.hasEverConnected && s.reconnectAttempts < s.cfg.MaxReconnectAttempts):
		// Server-mandated restart, or a transient drop on a session
		// that has connected before and still has attempts left.
		s.reconnectAttempts++
		attempt := s.reconnectAttempts
		s.mu.Unlock()

		s.logger.Warn("connection closed, scheduling reconnect",
			"reason", reason.String(),
			"attempt", attempt,
			"max", s.cfg.MaxReconnectAttempts)
		s.notify(Event{Type: EventStatus, Status: StatusDisconnected})
		s.scheduleReconnect()

	case !s.hasEverConnected && s.hadStoredCredentials:
		// Never got a session open out of stored credentials: treat
		// them as corrupt/expired, wipe, and retry for a fresh QR.
		s.hadStoredCredentials = false
		s.mu.Unlock()

		s.logger.Warn("stored credentials appear invalid, clearing for fresh pairing")
		s.clearCredentials()
		s.notify(Event{Type: EventStatus, Status: StatusDisconnected})
		s.scheduleReconnect()

	default:
		// Never connected with no credentials, or attempts exhausted:
		// settle and wait for a manual Connect.
		s.mu.Unlock()

		s.logger.Warn("giving up on automatic reconnects",
			"reason", reason.String())
		s.notify(Event{Type: EventStatus, Status: StatusDisconnected})
	}
}

// OnIdentityMapping feeds mapping-update and contact-sync events into the
// resolver cache.
func (s *Session) OnIdentityMapping(opaqueID, phoneDigits string) {
	s.identity.Record(opaqueID, phoneDigits)
}

// OnMessages filters, deduplicates and buffers an inbound batch, then
// emits each accepted message to the installed handler. Runs on the
// transport event path; per-message failures are contained so the loop
// always continues.
func (s *Session) OnMessages(batch []InboundMessage, kind SyncKind) {
	for _, in := range batch {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("inbound message processing panic",
						"message_id", in.ID, "error", r)
				}
			}()
			s.ingest(in, kind)
		}()
	}
}

// ingest handles one inbound message.
func (s *Session) ingest(in InboundMessage, kind SyncKind) {
	// Control/protocol/reaction kinds never reach the buffer.
	if in.Kind != MessageChat {
		return
	}

	// Bulk-history messages past the staleness window would replay old
	// conversations as if they were new.
	if kind == SyncHistory && time.Since(in.Timestamp) > HistoryStaleness {
		return
	}

	if !s.dedup.ShouldProcess(in.ID) {
		return
	}

	msg := s.normalize(in)
	s.buffer.Push(msg)

	s.onMessageMu.Lock()
	handler := s.onMessage
	s.onMessageMu.Unlock()

	if handler != nil && !msg.FromMe {
		handler(msg)
	}
}

// normalize converts a transport message into a BufferedMessage, resolving
// the sender address from cache where possible. Live lookups are deferred
// to the reply pipeline so this path never blocks.
func (s *Session) normalize(in InboundMessage) BufferedMessage {
	from := in.SenderID
	if in.SenderPhone != "" {
		from = in.SenderPhone
		s.identity.Record(in.SenderID, in.SenderPhone)
	} else if !in.IsGroup {
		if digits := s.identity.ResolveCached(in.SenderID); digits != "" {
			from = digits
		}
	}

	return BufferedMessage{
		ID:              in.ID,
		From:            from,
		To:              in.ChatID,
		FromDisplayName: in.SenderName,
		Body:            in.Body,
		TimestampMs:     in.Timestamp.UnixMilli(),
		FromMe:          in.FromMe,
		IsGroup:         in.IsGroup,
		IsVoice:         in.IsVoice,
		VoicePayload:    in.VoicePayload,
		VoiceMimeType:   in.VoiceMimeType,
	}
}

// ---------- reconnect scheduling ----------

// scheduleReconnect arms the reconnect timer. The timer is the only
// cancellable scheduled operation; Disconnect cancels it.
func (s *Session) scheduleReconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.reconnectTimer != nil {
		return // already scheduled
	}
	if s.ctx == nil || s.ctx.Err() != nil {
		return
	}

	ctx := s.ctx
	s.reconnectTimer = time.AfterFunc(s.cfg.ReconnectDelay, func() {
		s.mu.Lock()
		s.reconnectTimer = nil
		s.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		if err := s.Connect(ctx); err != nil {
			s.logger.Warn("scheduled reconnect failed", "error", err)
		}
	})
}

// cancelReconnectLocked stops a pending reconnect. Caller holds s.mu.
func (s *Session) cancelReconnectLocked() {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
}

// clearCredentials wipes the stored pairing, tolerating failures.
func (s *Session) clearCredentials() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.transport.ClearCredentials(ctx); err != nil {
		s.logger.Warn("failed to clear credentials", "error", err)
	}
}
