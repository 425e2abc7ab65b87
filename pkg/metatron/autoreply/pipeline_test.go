package autoreply

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/avi-rzv/metatron/pkg/metatron/store"
	"github.com/avi-rzv/metatron/pkg/metatron/wa"
)

// fakePermStore is an in-memory PermissionStore.
type fakePermStore struct {
	mu       sync.Mutex
	contacts map[string]*store.ContactPermission
	groups   map[string]*store.GroupPermission
}

func newFakePermStore() *fakePermStore {
	return &fakePermStore{
		contacts: make(map[string]*store.ContactPermission),
		groups:   make(map[string]*store.GroupPermission),
	}
}

func (f *fakePermStore) GetContact(ctx context.Context, phone string) (*store.ContactPermission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.contacts[phone]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (f *fakePermStore) UpsertContact(ctx context.Context, p *store.ContactPermission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *p
	f.contacts[p.PhoneNumber] = &cp
	return nil
}

func (f *fakePermStore) DeleteContact(ctx context.Context, phone string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.contacts, phone)
	return nil
}

func (f *fakePermStore) ListContacts(ctx context.Context) ([]store.ContactPermission, error) {
	return nil, nil
}

func (f *fakePermStore) BindContactConversation(ctx context.Context, phone, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.contacts[phone]; ok {
		p.ConversationID = conversationID
	}
	return nil
}

func (f *fakePermStore) GetGroup(ctx context.Context, groupID string) (*store.GroupPermission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[groupID]
	if !ok {
		return nil, nil
	}
	cp := *g
	return &cp, nil
}

func (f *fakePermStore) UpsertGroup(ctx context.Context, g *store.GroupPermission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *g
	f.groups[g.GroupID] = &cp
	return nil
}

func (f *fakePermStore) DeleteGroup(ctx context.Context, groupID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.groups, groupID)
	return nil
}

func (f *fakePermStore) ListGroups(ctx context.Context) ([]store.GroupPermission, error) {
	return nil, nil
}

func (f *fakePermStore) BindGroupConversation(ctx context.Context, groupID, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if g, ok := f.groups[groupID]; ok {
		g.ConversationID = conversationID
	}
	return nil
}

// idleTransport satisfies wa.Transport for pipeline tests driven through
// the session's event sink.
type idleTransport struct{}

func (idleTransport) HasStoredCredentials(ctx context.Context) (bool, error) { return false, nil }
func (idleTransport) Connect(ctx context.Context, sink wa.EventSink) error   { return nil }
func (idleTransport) SendText(ctx context.Context, to, text string) error    { return nil }
func (idleTransport) SendVoiceNote(ctx context.Context, to string, audio []byte, mime string) error {
	return nil
}
func (idleTransport) ListGroups(ctx context.Context) ([]wa.GroupInfo, error) { return nil, nil }
func (idleTransport) MarkRead(ctx context.Context, chatID string, ids []string) error {
	return nil
}
func (idleTransport) SendTyping(ctx context.Context, chatID string) error { return nil }
func (idleTransport) LookupPhone(ctx context.Context, opaqueID string) (string, error) {
	return "", nil
}
func (idleTransport) ClearCredentials(ctx context.Context) error { return nil }
func (idleTransport) Logout(ctx context.Context) error           { return nil }
func (idleTransport) Close()                                     {}

type pipelineHarness struct {
	session *wa.Session
	perms   *fakePermStore
	convs   *fakeConvStore
	gen     *fakeGenerator
	queue   *Queue
}

func newPipelineHarness(t *testing.T) *pipelineHarness {
	t.Helper()

	session := wa.NewSession(wa.DefaultConfig(), idleTransport{}, nil)
	perms := newFakePermStore()
	convs := newFakeConvStore()
	gen := &fakeGenerator{reply: "done"}
	sender := &fakeSender{status: wa.StatusConnected}

	queue := NewQueue(context.Background(), nil)
	gate := NewGate(perms, nil)
	binder := NewBinder(perms, convs, "openai", "gpt-4o-mini", nil)
	executor := NewExecutor(convs, gen, nil, nil, sender, "", "", nil)
	NewPipeline(session, queue, gate, binder, executor, nil)

	return &pipelineHarness{session: session, perms: perms, convs: convs, gen: gen, queue: queue}
}

func (h *pipelineHarness) deliver(msg wa.InboundMessage) {
	h.session.OnMessages([]wa.InboundMessage{msg}, wa.SyncLive)
}

func (h *pipelineHarness) waitMessages(t *testing.T, want int) []store.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.convs.mu.Lock()
		n := len(h.convs.messages)
		h.convs.mu.Unlock()
		if n >= want {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.convs.mu.Lock()
	defer h.convs.mu.Unlock()
	return append([]store.Message(nil), h.convs.messages...)
}

func TestPipeline(t *testing.T) {
	inbound := func(id string) wa.InboundMessage {
		return wa.InboundMessage{
			ID:          id,
			SenderID:    "5511999990000@s.whatsapp.net",
			SenderPhone: "5511999990000",
			ChatID:      "me@s.whatsapp.net",
			Kind:        wa.MessageChat,
			Body:        "hi",
			Timestamp:   time.Now(),
		}
	}

	t.Run("unknown sender is dropped but still buffered", func(t *testing.T) {
		h := newPipelineHarness(t)

		h.deliver(inbound("u1"))

		// Give the queue a moment to (wrongly) act.
		time.Sleep(100 * time.Millisecond)

		if h.session.Buffer().Len() != 1 {
			t.Fatal("raw message should stay in the inspection buffer")
		}
		h.convs.mu.Lock()
		convCount, msgCount := len(h.convs.convs), len(h.convs.messages)
		h.convs.mu.Unlock()
		if convCount != 0 || msgCount != 0 {
			t.Fatalf("conversations = %d, messages = %d; want none", convCount, msgCount)
		}
	})

	t.Run("canRead false drops silently", func(t *testing.T) {
		h := newPipelineHarness(t)
		_ = h.perms.UpsertContact(context.Background(), &store.ContactPermission{
			PhoneNumber: "5511999990000", CanRead: false, CanReply: true,
		})

		h.deliver(inbound("u2"))
		time.Sleep(100 * time.Millisecond)

		h.convs.mu.Lock()
		defer h.convs.mu.Unlock()
		if len(h.convs.messages) != 0 {
			t.Fatal("unreadable contact must produce no conversation writes")
		}
	})

	t.Run("permitted contact flows through to a bound conversation", func(t *testing.T) {
		h := newPipelineHarness(t)
		_ = h.perms.UpsertContact(context.Background(), &store.ContactPermission{
			PhoneNumber: "5511999990000", DisplayName: "Bob", CanRead: true,
		})

		h.deliver(inbound("u3"))

		msgs := h.waitMessages(t, 2)
		if len(msgs) != 2 {
			t.Fatalf("messages = %d, want user + assistant", len(msgs))
		}

		// The permission record now carries the binding.
		rec, _ := h.perms.GetContact(context.Background(), "5511999990000")
		if rec.ConversationID == "" {
			t.Fatal("conversation id should be persisted on the permission record")
		}
		if msgs[0].ConversationID != rec.ConversationID {
			t.Fatal("messages should land in the bound conversation")
		}
	})

	t.Run("second message reuses the bound conversation", func(t *testing.T) {
		h := newPipelineHarness(t)
		_ = h.perms.UpsertContact(context.Background(), &store.ContactPermission{
			PhoneNumber: "5511999990000", CanRead: true,
		})

		h.deliver(inbound("u4"))
		h.waitMessages(t, 2)
		h.deliver(inbound("u5"))
		h.waitMessages(t, 4)

		h.convs.mu.Lock()
		defer h.convs.mu.Unlock()
		if len(h.convs.convs) != 1 {
			t.Fatalf("conversations = %d, want 1 reused", len(h.convs.convs))
		}
	})

	t.Run("voice payload is released from the buffer once consumed", func(t *testing.T) {
		h := newPipelineHarness(t)
		_ = h.perms.UpsertContact(context.Background(), &store.ContactPermission{
			PhoneNumber: "5511999990000", CanRead: true,
		})

		h.deliver(wa.InboundMessage{
			ID:            "v1",
			SenderID:      "5511999990000@s.whatsapp.net",
			SenderPhone:   "5511999990000",
			ChatID:        "me@s.whatsapp.net",
			Kind:          wa.MessageChat,
			IsVoice:       true,
			VoicePayload:  []byte{1, 2, 3},
			VoiceMimeType: "audio/ogg",
			Timestamp:     time.Now(),
		})
		h.waitMessages(t, 2)

		if payload, _ := h.session.Buffer().TakeVoicePayload("v1"); payload != nil {
			t.Fatalf("buffer still retains %d voice payload bytes after the reply cycle", len(payload))
		}
	})

	t.Run("group message is gated by the group record", func(t *testing.T) {
		h := newPipelineHarness(t)
		_ = h.perms.UpsertGroup(context.Background(), &store.GroupPermission{
			GroupID: "12036302@g.us", GroupName: "friends", CanRead: true, CanReply: true,
		})

		h.deliver(wa.InboundMessage{
			ID:          "g1",
			SenderID:    "5511999990000@s.whatsapp.net",
			SenderPhone: "5511999990000",
			SenderName:  "Alice",
			ChatID:      "12036302@g.us",
			IsGroup:     true,
			Kind:        wa.MessageChat,
			Body:        "what's new?",
			Timestamp:   time.Now(),
		})

		msgs := h.waitMessages(t, 2)
		if len(msgs) != 2 {
			t.Fatalf("messages = %d, want 2", len(msgs))
		}
		if msgs[0].Content != "[Alice]: what's new?" {
			t.Fatalf("group user message = %q", msgs[0].Content)
		}
	})
}
