// Package wa – transport.go implements Transport on top of whatsmeow.
// Credential persistence lives in whatsmeow's sqlstore (SQLite); whatsmeow
// saves credential updates itself, so the session only needs to know
// whether a pairing exists and how to wipe it.
package wa

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for the credential store.
)

// mediaDownloadTimeout bounds voice note downloads during ingestion.
const mediaDownloadTimeout = 15 * time.Second

// MeowTransport is the production Transport backed by whatsmeow.
type MeowTransport struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	container *sqlstore.Container
	client    *whatsmeow.Client
	sink      EventSink

	ctx context.Context

	// offlineSyncDone flips once the post-connect offline catch-up
	// finishes; messages before that are treated as history sync.
	offlineSyncDone atomic.Bool
}

// NewMeowTransport creates the whatsmeow transport.
func NewMeowTransport(cfg Config, logger *slog.Logger) *MeowTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &MeowTransport{
		cfg:    cfg,
		logger: logger.With("component", "wa-transport"),
	}
}

// ensureContainer opens the credential store once.
func (t *MeowTransport) ensureContainer(ctx context.Context) (*sqlstore.Container, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.container != nil {
		return t.container, nil
	}

	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", t.cfg.DatabasePath),
		waLog.Noop)
	if err != nil {
		return nil, fmt.Errorf("opening credential store: %w", err)
	}
	t.container = container
	return container, nil
}

// HasStoredCredentials reports whether a paired device exists on disk.
func (t *MeowTransport) HasStoredCredentials(ctx context.Context) (bool, error) {
	container, err := t.ensureContainer(ctx)
	if err != nil {
		return false, err
	}
	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return false, fmt.Errorf("listing devices: %w", err)
	}
	for _, d := range devices {
		if d.ID != nil {
			return true, nil
		}
	}
	return false, nil
}

// Connect opens the connection, running the QR pairing flow when no
// stored pairing exists. Lifecycle events are delivered to the sink.
func (t *MeowTransport) Connect(ctx context.Context, sink EventSink) error {
	container, err := t.ensureContainer(ctx)
	if err != nil {
		return err
	}

	device, err := t.getDevice(ctx, container)
	if err != nil {
		return fmt.Errorf("getting device: %w", err)
	}

	store.SetOSInfo(t.cfg.DeviceName, [3]uint32{1, 0, 0})

	t.mu.Lock()
	t.sink = sink
	t.ctx = ctx
	if t.client != nil {
		t.client.Disconnect()
	}
	client := whatsmeow.NewClient(device, waLog.Noop)
	// The session owns the reconnect policy; whatsmeow must not race it.
	client.EnableAutoReconnect = false
	client.AddEventHandler(t.handleEvent)
	t.client = client
	t.mu.Unlock()

	t.offlineSyncDone.Store(false)

	if client.Store.ID == nil {
		return t.loginWithQR(ctx, client, sink)
	}

	if err := client.Connect(); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	return nil
}

// loginWithQR drives the pairing flow, forwarding codes to the sink.
func (t *MeowTransport) loginWithQR(ctx context.Context, client *whatsmeow.Client, sink EventSink) error {
	qrChan, err := client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("getting QR channel: %w", err)
	}
	if err := client.Connect(); err != nil {
		return fmt.Errorf("connecting for QR: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-qrChan:
			if !ok {
				return fmt.Errorf("QR channel closed unexpectedly")
			}
			switch evt.Event {
			case "code":
				sink.OnQRCode(evt.Code)
			case "success":
				t.logger.Info("pairing successful")
				return nil
			case "timeout":
				return fmt.Errorf("QR code expired before scan")
			default:
				if evt.Error != nil {
					return fmt.Errorf("QR login: %w", evt.Error)
				}
			}
		}
	}
}

// getDevice retrieves the existing device or creates a new one.
func (t *MeowTransport) getDevice(ctx context.Context, container *sqlstore.Container) (*store.Device, error) {
	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return container.NewDevice(), nil
}

// handleEvent is the whatsmeow event dispatcher.
func (t *MeowTransport) handleEvent(rawEvt interface{}) {
	t.mu.Lock()
	sink := t.sink
	client := t.client
	ctx := t.ctx
	t.mu.Unlock()
	if sink == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	switch evt := rawEvt.(type) {
	case *events.Message:
		kind := SyncLive
		if !t.offlineSyncDone.Load() {
			kind = SyncHistory
		}
		sink.OnMessages([]InboundMessage{t.convertMessage(ctx, client, evt)}, kind)

	case *events.OfflineSyncCompleted:
		t.offlineSyncDone.Store(true)
		t.logger.Debug("offline sync completed", "count", evt.Count)

	case *events.HistorySync:
		t.logger.Debug("history sync received")

	case *events.Connected:
		t.offlineSyncDone.Store(false)
		phone := ""
		if client != nil && client.Store.ID != nil {
			phone = client.Store.ID.User
		}
		sink.OnConnected(phone)

	case *events.PairSuccess:
		t.logger.Info("device paired", "jid", evt.ID.String(), "platform", evt.Platform)

	case *events.LoggedOut:
		t.logger.Warn("logged out by server", "reason", evt.Reason.String())
		sink.OnClosed(CloseLoggedOut)

	case *events.Disconnected:
		sink.OnClosed(CloseTransient)

	case *events.StreamReplaced:
		t.logger.Error("stream replaced: another device took over")
		sink.OnClosed(CloseTransient)

	case *events.StreamError:
		// 515 is the server's post-pairing restart demand.
		if evt.Code == "515" {
			sink.OnClosed(CloseRestartRequired)
		} else {
			t.logger.Warn("stream error", "code", evt.Code)
			sink.OnClosed(CloseTransient)
		}

	case *events.ConnectFailure:
		if evt.Reason == events.ConnectFailureLoggedOut {
			sink.OnClosed(CloseLoggedOut)
		} else {
			t.logger.Warn("connect failure", "reason", evt.Reason, "message", evt.Message)
			sink.OnClosed(CloseTransient)
		}

	case *events.TemporaryBan:
		t.logger.Error("temporary ban", "code", evt.Code, "expire", evt.Expire)
		sink.OnClosed(CloseTransient)

	case *events.PushName:
		t.logger.Debug("push name update", "jid", evt.JID.String(), "name", evt.NewPushName)
	}
}

// convertMessage maps a whatsmeow message event onto InboundMessage,
// resolving LID senders against the local store and downloading voice
// payloads. Download failures degrade to a text placeholder.
func (t *MeowTransport) convertMessage(ctx context.Context, client *whatsmeow.Client, evt *events.Message) InboundMessage {
	in := InboundMessage{
		ID:         string(evt.Info.ID),
		SenderID:   evt.Info.Sender.String(),
		ChatID:     evt.Info.Chat.String(),
		SenderName: evt.Info.PushName,
		Timestamp:  evt.Info.Timestamp,
		FromMe:     evt.Info.IsFromMe,
		IsGroup:    evt.Info.IsGroup,
	}

	// Status broadcasts and protocol-only chats are control traffic.
	if evt.Info.Chat.Server == types.BroadcastServer {
		in.Kind = MessageControl
		return in
	}

	// Resolve LID senders to phone JIDs for access control, and feed the
	// mapping back so the resolver cache stays warm.
	if evt.Info.Sender.Server == types.HiddenUserServer && client != nil && client.Store != nil {
		if alt, err := client.Store.GetAltJID(ctx, evt.Info.Sender); err == nil && !alt.IsEmpty() {
			in.SenderPhone = alt.String()
			t.mu.Lock()
			sink := t.sink
			t.mu.Unlock()
			if sink != nil {
				sink.OnIdentityMapping(evt.Info.Sender.String(), alt.User)
			}
		}
	}

	in.Kind, in.Body = classifyContent(evt.Message)

	if audio := evt.Message.GetAudioMessage(); audio != nil && audio.GetPTT() {
		in.IsVoice = true
		in.Body = "[voice note]"
		dlCtx, cancel := context.WithTimeout(ctx, mediaDownloadTimeout)
		defer cancel()
		payload, err := client.Download(dlCtx, audio)
		if err != nil {
			t.logger.Warn("voice note download failed", "message_id", in.ID, "error", err)
		} else {
			in.VoicePayload = payload
			in.VoiceMimeType = audio.GetMimetype()
		}
	}

	return in
}

// classifyContent extracts the text body and the filtering kind.
func classifyContent(waMsg *waE2E.Message) (MessageKind, string) {
	if waMsg == nil {
		return MessageControl, ""
	}

	switch {
	case waMsg.ProtocolMessage != nil:
		return MessageProtocol, ""
	case waMsg.ReactionMessage != nil:
		return MessageReaction, waMsg.ReactionMessage.GetText()
	case waMsg.Conversation != nil:
		return MessageChat, waMsg.GetConversation()
	case waMsg.ExtendedTextMessage != nil:
		return MessageChat, waMsg.ExtendedTextMessage.GetText()
	case waMsg.AudioMessage != nil:
		if waMsg.AudioMessage.GetPTT() {
			return MessageChat, "[voice note]"
		}
		return MessageChat, "[audio]"
	case waMsg.ImageMessage != nil:
		if caption := waMsg.ImageMessage.GetCaption(); caption != "" {
			return MessageChat, "[image] " + caption
		}
		return MessageChat, "[image]"
	case waMsg.VideoMessage != nil:
		if caption := waMsg.VideoMessage.GetCaption(); caption != "" {
			return MessageChat, "[video] " + caption
		}
		return MessageChat, "[video]"
	case waMsg.DocumentMessage != nil:
		return MessageChat, fmt.Sprintf("[document: %s]", waMsg.DocumentMessage.GetFileName())
	case waMsg.StickerMessage != nil:
		return MessageChat, "[sticker]"
	default:
		return MessageControl, ""
	}
}

// SendText sends a plain text message.
func (t *MeowTransport) SendText(ctx context.Context, to, text string) error {
	client := t.currentClient()
	if client == nil {
		return ErrNotConnected
	}

	jid, err := parseJID(to)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", to, err)
	}

	_, err = client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

// SendVoiceNote uploads audio and sends it as a push-to-talk note.
func (t *MeowTransport) SendVoiceNote(ctx context.Context, to string, audio []byte, mimeType string) error {
	client := t.currentClient()
	if client == nil {
		return ErrNotConnected
	}

	jid, err := parseJID(to)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", to, err)
	}

	uploaded, err := client.Upload(ctx, audio, whatsmeow.MediaAudio)
	if err != nil {
		return fmt.Errorf("uploading audio: %w", err)
	}

	if mimeType == "" {
		mimeType = "audio/ogg; codecs=opus"
	}

	_, err = client.SendMessage(ctx, jid, &waE2E.Message{
		AudioMessage: &waE2E.AudioMessage{
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			MediaKey:      uploaded.MediaKey,
			Mimetype:      proto.String(mimeType),
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    proto.Uint64(uploaded.FileLength),
			PTT:           proto.Bool(true),
		},
	})
	if err != nil {
		return fmt.Errorf("sending voice note: %w", err)
	}
	return nil
}

// ListGroups returns the joined groups.
func (t *MeowTransport) ListGroups(ctx context.Context) ([]GroupInfo, error) {
	client := t.currentClient()
	if client == nil {
		return nil, ErrNotConnected
	}

	groups, err := client.GetJoinedGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing groups: %w", err)
	}

	out := make([]GroupInfo, 0, len(groups))
	for _, g := range groups {
		out = append(out, GroupInfo{
			ID:          g.JID.String(),
			Name:        g.Name,
			MemberCount: len(g.Participants),
		})
	}
	return out, nil
}

// MarkRead marks messages as read.
func (t *MeowTransport) MarkRead(ctx context.Context, chatID string, messageIDs []string) error {
	client := t.currentClient()
	if client == nil {
		return ErrNotConnected
	}

	jid, err := parseJID(chatID)
	if err != nil {
		return err
	}
	ids := make([]types.MessageID, len(messageIDs))
	for i, id := range messageIDs {
		ids[i] = types.MessageID(id)
	}
	return client.MarkRead(ctx, ids, time.Now(), jid, jid)
}

// SendTyping shows a composing indicator.
func (t *MeowTransport) SendTyping(ctx context.Context, chatID string) error {
	client := t.currentClient()
	if client == nil {
		return ErrNotConnected
	}

	jid, err := parseJID(chatID)
	if err != nil {
		return err
	}
	return client.SendChatPresence(ctx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaText)
}

// LookupPhone resolves a LID to phone digits via the local device store.
func (t *MeowTransport) LookupPhone(ctx context.Context, opaqueID string) (string, error) {
	client := t.currentClient()
	if client == nil || client.Store == nil {
		return "", nil
	}

	jid, err := types.ParseJID(opaqueID)
	if err != nil {
		return "", fmt.Errorf("invalid identifier %q: %w", opaqueID, err)
	}
	if jid.Server != types.HiddenUserServer {
		return jid.User, nil
	}

	alt, err := client.Store.GetAltJID(ctx, jid)
	if err != nil || alt.IsEmpty() {
		return "", err
	}
	return alt.User, nil
}

// ClearCredentials deletes the stored pairing.
func (t *MeowTransport) ClearCredentials(ctx context.Context) error {
	t.mu.Lock()
	client := t.client
	container := t.container
	t.mu.Unlock()

	if client != nil && client.Store != nil && client.Store.ID != nil {
		client.Disconnect()
		if err := client.Store.Delete(ctx); err != nil {
			return fmt.Errorf("deleting device store: %w", err)
		}
		return nil
	}

	if container == nil {
		return nil
	}
	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return fmt.Errorf("listing devices: %w", err)
	}
	for _, d := range devices {
		if err := container.DeleteDevice(ctx, d); err != nil {
			return fmt.Errorf("deleting device: %w", err)
		}
	}
	return nil
}

// Logout unlinks the device server-side and clears credentials.
func (t *MeowTransport) Logout(ctx context.Context) error {
	client := t.currentClient()
	if client == nil {
		return t.ClearCredentials(ctx)
	}

	if err := client.Logout(ctx); err != nil {
		// Force local cleanup when the server call fails.
		t.logger.Warn("logout failed, forcing local cleanup", "error", err)
		client.Disconnect()
		if client.Store != nil {
			if delErr := client.Store.Delete(ctx); delErr != nil {
				return fmt.Errorf("deleting device store: %w", delErr)
			}
		}
	}
	return nil
}

// Close disconnects without touching credentials.
func (t *MeowTransport) Close() {
	client := t.currentClient()
	if client != nil {
		client.Disconnect()
	}
}

// currentClient returns the active whatsmeow client, if any.
func (t *MeowTransport) currentClient() *whatsmeow.Client {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client
}

// parseJID converts an address to types.JID. Accepts full JIDs
// ("123@s.whatsapp.net", "123-456@g.us") and bare phone numbers.
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("empty address")
	}

	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}

	digits := onlyDigits(s)
	if len(digits) < 8 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", s)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}
