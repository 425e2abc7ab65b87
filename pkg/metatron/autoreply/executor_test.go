package autoreply

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/avi-rzv/metatron/pkg/metatron/llm"
	"github.com/avi-rzv/metatron/pkg/metatron/store"
	"github.com/avi-rzv/metatron/pkg/metatron/wa"
)

// fakeConvStore is an in-memory ConversationStore.
type fakeConvStore struct {
	mu       sync.Mutex
	convs    map[string]*store.Conversation
	messages []store.Message
	nextID   int64
}

func newFakeConvStore() *fakeConvStore {
	return &fakeConvStore{convs: make(map[string]*store.Conversation)}
}

func (f *fakeConvStore) CreateConversation(ctx context.Context, c *store.Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *c
	f.convs[c.ID] = &cp
	return nil
}

func (f *fakeConvStore) GetConversation(ctx context.Context, id string) (*store.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.convs[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (f *fakeConvStore) AppendMessage(ctx context.Context, conversationID, role, content string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.messages = append(f.messages, store.Message{
		ID:             f.nextID,
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
	})
	return f.nextID, nil
}

func (f *fakeConvStore) UpdateMessageContent(ctx context.Context, messageID int64, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.messages {
		if f.messages[i].ID == messageID {
			f.messages[i].Content = content
			return nil
		}
	}
	return errors.New("message not found")
}

func (f *fakeConvStore) DeleteMessage(ctx context.Context, messageID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.messages {
		if f.messages[i].ID == messageID {
			f.messages = append(f.messages[:i], f.messages[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *fakeConvStore) RecentMessages(ctx context.Context, conversationID string, limit int, beforeID int64) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Message
	for _, m := range f.messages {
		if m.ConversationID != conversationID {
			continue
		}
		if beforeID > 0 && m.ID >= beforeID {
			continue
		}
		out = append(out, m)
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (f *fakeConvStore) all(conversationID string) []store.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Message
	for _, m := range f.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	return out
}

// fakeGenerator is a scriptable ReplyGenerator.
type fakeGenerator struct {
	mu       sync.Mutex
	reply    string
	err      error
	chunks   []string // streamed before returning
	block    chan struct{}
	requests []llm.GenerateRequest
}

func (g *fakeGenerator) Generate(ctx context.Context, req llm.GenerateRequest, onChunk func(string)) (string, error) {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	chunks, block, reply, err := g.chunks, g.block, g.reply, g.err
	g.mu.Unlock()

	for _, c := range chunks {
		if onChunk != nil {
			onChunk(c)
		}
	}
	if block != nil {
		<-block // simulates a generator that never settles
	}
	return reply, err
}

// fakeSender records outbound sends.
type fakeSender struct {
	mu        sync.Mutex
	status    wa.Status
	texts     []string
	voices    int
	voiceFail bool
}

func (s *fakeSender) Status() wa.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *fakeSender) SendText(ctx context.Context, to, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, to+"|"+text)
	return nil
}

func (s *fakeSender) SendVoiceNote(ctx context.Context, to string, audio []byte, mimeType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.voiceFail {
		return errors.New("upload failed")
	}
	s.voices++
	return nil
}

func (s *fakeSender) sentTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

// fakeTranscriber returns a fixed transcript or error.
type fakeTranscriber struct {
	text string
	err  error
}

func (t *fakeTranscriber) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	return t.text, t.err
}

// fakeSynth returns fixed audio or an error.
type fakeSynth struct {
	fail bool
}

func (s *fakeSynth) Synthesize(ctx context.Context, text, voice string) ([]byte, string, error) {
	if s.fail {
		return nil, "", errors.New("synthesis failed")
	}
	return []byte{1, 2, 3}, "audio/ogg", nil
}

func newTestExecutor(convs store.ConversationStore, gen llm.ReplyGenerator, sender Sender) *Executor {
	return NewExecutor(convs, gen, nil, nil, sender, "be useful", "", nil)
}

func TestExecutorRun(t *testing.T) {
	t.Run("reply persisted but not sent when canReply is false", func(t *testing.T) {
		convs := newFakeConvStore()
		gen := &fakeGenerator{reply: "hello there"}
		sender := &fakeSender{status: wa.StatusConnected}
		e := newTestExecutor(convs, gen, sender)

		e.Run(context.Background(), ReplyTask{
			Message:        wa.BufferedMessage{ID: "m1", From: "5511999990000", Body: "hi"},
			Permission:     &Permission{Key: "5511999990000", CanRead: true, CanReply: false},
			ConversationID: "conv-a",
		})

		msgs := convs.all("conv-a")
		if len(msgs) != 2 {
			t.Fatalf("conversation holds %d messages, want 2", len(msgs))
		}
		if msgs[0].Role != store.RoleUser || msgs[0].Content != "hi" {
			t.Fatalf("user message = %+v", msgs[0])
		}
		if msgs[1].Role != store.RoleAssistant || msgs[1].Content == "" {
			t.Fatalf("assistant message = %+v", msgs[1])
		}
		if len(sender.sentTexts()) != 0 {
			t.Fatal("sendText must not be invoked when canReply is false")
		}
	})

	t.Run("group message gets speaker prefix and is sent once", func(t *testing.T) {
		convs := newFakeConvStore()
		gen := &fakeGenerator{reply: "Not much"}
		sender := &fakeSender{status: wa.StatusConnected}
		e := newTestExecutor(convs, gen, sender)

		e.Run(context.Background(), ReplyTask{
			Message: wa.BufferedMessage{
				ID:              "m2",
				From:            "5511999990000",
				To:              "12036302@g.us",
				FromDisplayName: "Alice",
				Body:            "what's new?",
				IsGroup:         true,
			},
			Permission:     &Permission{Key: "12036302@g.us", IsGroup: true, CanRead: true, CanReply: true},
			ConversationID: "conv-g",
		})

		msgs := convs.all("conv-g")
		if msgs[0].Content != "[Alice]: what's new?" {
			t.Fatalf("group user message = %q", msgs[0].Content)
		}
		sent := sender.sentTexts()
		if len(sent) != 1 || sent[0] != "12036302@g.us|Not much" {
			t.Fatalf("sends = %v", sent)
		}
	})

	t.Run("not sent while disconnected", func(t *testing.T) {
		convs := newFakeConvStore()
		gen := &fakeGenerator{reply: "hello"}
		sender := &fakeSender{status: wa.StatusDisconnected}
		e := newTestExecutor(convs, gen, sender)

		e.Run(context.Background(), ReplyTask{
			Message:        wa.BufferedMessage{ID: "m3", From: "551", Body: "hi"},
			Permission:     &Permission{Key: "551", CanRead: true, CanReply: true},
			ConversationID: "conv-d",
		})

		if len(sender.sentTexts()) != 0 {
			t.Fatal("reply must not be sent while disconnected")
		}
		// But it is still persisted.
		if msgs := convs.all("conv-d"); len(msgs) != 2 {
			t.Fatalf("conversation holds %d messages, want 2", len(msgs))
		}
	})

	t.Run("empty generator output deletes the placeholder", func(t *testing.T) {
		convs := newFakeConvStore()
		gen := &fakeGenerator{reply: ""}
		sender := &fakeSender{status: wa.StatusConnected}
		e := newTestExecutor(convs, gen, sender)

		e.Run(context.Background(), ReplyTask{
			Message:        wa.BufferedMessage{ID: "m4", From: "551", Body: "hi"},
			Permission:     &Permission{Key: "551", CanRead: true, CanReply: true},
			ConversationID: "conv-e",
		})

		msgs := convs.all("conv-e")
		if len(msgs) != 1 || msgs[0].Role != store.RoleUser {
			t.Fatalf("conversation = %+v, want only the user message", msgs)
		}
		if len(sender.sentTexts()) != 0 {
			t.Fatal("nothing to send")
		}
	})

	t.Run("generator error keeps partial content", func(t *testing.T) {
		convs := newFakeConvStore()
		gen := &fakeGenerator{chunks: []string{"partial ", "answer"}, err: errors.New("stream cut")}
		sender := &fakeSender{status: wa.StatusConnected}
		e := newTestExecutor(convs, gen, sender)

		e.Run(context.Background(), ReplyTask{
			Message:        wa.BufferedMessage{ID: "m5", From: "551", Body: "hi"},
			Permission:     &Permission{Key: "551", CanRead: true, CanReply: false},
			ConversationID: "conv-p",
		})

		msgs := convs.all("conv-p")
		if len(msgs) != 2 || msgs[1].Content != "partial answer" {
			t.Fatalf("conversation = %+v, want partial content kept", msgs)
		}
	})

	t.Run("hung generator finalizes exactly once after the timeout", func(t *testing.T) {
		convs := newFakeConvStore()
		block := make(chan struct{})
		t.Cleanup(func() { close(block) })
		gen := &fakeGenerator{chunks: []string{"halfway"}, block: block, reply: "never seen"}
		sender := &fakeSender{status: wa.StatusConnected}
		e := newTestExecutor(convs, gen, sender)
		e.timeout = 50 * time.Millisecond

		start := time.Now()
		e.Run(context.Background(), ReplyTask{
			Message:        wa.BufferedMessage{ID: "m6", From: "551", Body: "hi"},
			Permission:     &Permission{Key: "551", CanRead: true, CanReply: false},
			ConversationID: "conv-t",
		})
		elapsed := time.Since(start)

		if elapsed > 2*time.Second {
			t.Fatalf("task took %v, should settle right after the timeout", elapsed)
		}
		msgs := convs.all("conv-t")
		if len(msgs) != 2 || msgs[1].Content != "halfway" {
			t.Fatalf("conversation = %+v, want streamed partial kept", msgs)
		}
	})

	t.Run("hung generator with no output deletes the placeholder", func(t *testing.T) {
		convs := newFakeConvStore()
		block := make(chan struct{})
		t.Cleanup(func() { close(block) })
		gen := &fakeGenerator{block: block}
		sender := &fakeSender{status: wa.StatusConnected}
		e := newTestExecutor(convs, gen, sender)
		e.timeout = 50 * time.Millisecond

		e.Run(context.Background(), ReplyTask{
			Message:        wa.BufferedMessage{ID: "m7", From: "551", Body: "hi"},
			Permission:     &Permission{Key: "551", CanRead: true, CanReply: true},
			ConversationID: "conv-t2",
		})

		msgs := convs.all("conv-t2")
		if len(msgs) != 1 {
			t.Fatalf("conversation = %+v, want empty placeholder deleted", msgs)
		}
	})

	t.Run("history excludes the just-inserted user message", func(t *testing.T) {
		convs := newFakeConvStore()
		_, _ = convs.AppendMessage(context.Background(), "conv-h", store.RoleUser, "earlier question")
		_, _ = convs.AppendMessage(context.Background(), "conv-h", store.RoleAssistant, "earlier answer")

		gen := &fakeGenerator{reply: "ok"}
		sender := &fakeSender{status: wa.StatusConnected}
		e := newTestExecutor(convs, gen, sender)

		e.Run(context.Background(), ReplyTask{
			Message:        wa.BufferedMessage{ID: "m8", From: "551", Body: "new question"},
			Permission:     &Permission{Key: "551", CanRead: true, CanReply: false},
			ConversationID: "conv-h",
		})

		gen.mu.Lock()
		req := gen.requests[0]
		gen.mu.Unlock()
		if len(req.History) != 2 {
			t.Fatalf("history = %d entries, want 2", len(req.History))
		}
		if req.UserMessage != "new question" {
			t.Fatalf("input = %q", req.UserMessage)
		}
	})

	t.Run("chat instructions reach the system prompt", func(t *testing.T) {
		convs := newFakeConvStore()
		gen := &fakeGenerator{reply: "ok"}
		sender := &fakeSender{status: wa.StatusConnected}
		e := newTestExecutor(convs, gen, sender)

		e.Run(context.Background(), ReplyTask{
			Message:        wa.BufferedMessage{ID: "m9", From: "551", Body: "hi"},
			Permission:     &Permission{Key: "551", CanRead: true, ChatInstructions: "answer in French"},
			ConversationID: "conv-s",
		})

		gen.mu.Lock()
		prompt := gen.requests[0].SystemPrompt
		gen.mu.Unlock()
		if !strings.Contains(prompt, "be useful") || !strings.Contains(prompt, "answer in French") {
			t.Fatalf("system prompt = %q", prompt)
		}
	})
}

func TestExecutorVoice(t *testing.T) {
	voiceMsg := wa.BufferedMessage{
		ID:            "v1",
		From:          "5511999990000",
		IsVoice:       true,
		VoicePayload:  []byte{0xAA},
		VoiceMimeType: "audio/ogg; codecs=opus",
	}

	t.Run("transcript becomes the effective input", func(t *testing.T) {
		convs := newFakeConvStore()
		gen := &fakeGenerator{reply: "heard you"}
		sender := &fakeSender{status: wa.StatusConnected}
		e := NewExecutor(convs, gen, &fakeTranscriber{text: "call me later"}, nil, sender, "", "", nil)

		e.Run(context.Background(), ReplyTask{
			Message:        voiceMsg,
			Permission:     &Permission{Key: "5511999990000", CanRead: true},
			ConversationID: "conv-v",
		})

		if msgs := convs.all("conv-v"); msgs[0].Content != "call me later" {
			t.Fatalf("user message = %q", msgs[0].Content)
		}
	})

	t.Run("failed transcription falls back to placeholder text", func(t *testing.T) {
		convs := newFakeConvStore()
		gen := &fakeGenerator{reply: "ok"}
		sender := &fakeSender{status: wa.StatusConnected}
		e := NewExecutor(convs, gen, &fakeTranscriber{err: errors.New("whisper down")}, nil, sender, "", "", nil)

		e.Run(context.Background(), ReplyTask{
			Message:        voiceMsg,
			Permission:     &Permission{Key: "5511999990000", CanRead: true},
			ConversationID: "conv-vf",
		})

		if msgs := convs.all("conv-vf"); msgs[0].Content != voiceFallbackText {
			t.Fatalf("user message = %q, want fallback", msgs[0].Content)
		}
	})

	t.Run("voice in, voice out", func(t *testing.T) {
		convs := newFakeConvStore()
		gen := &fakeGenerator{reply: "spoken reply"}
		sender := &fakeSender{status: wa.StatusConnected}
		e := NewExecutor(convs, gen, &fakeTranscriber{text: "question"}, &fakeSynth{}, sender, "", "", nil)

		e.Run(context.Background(), ReplyTask{
			Message:        voiceMsg,
			Permission:     &Permission{Key: "5511999990000", CanRead: true, CanReply: true},
			ConversationID: "conv-vv",
		})

		sender.mu.Lock()
		voices, texts := sender.voices, len(sender.texts)
		sender.mu.Unlock()
		if voices != 1 || texts != 0 {
			t.Fatalf("voices = %d, texts = %d; want a single voice note", voices, texts)
		}
	})

	t.Run("synthesis failure falls back to text send", func(t *testing.T) {
		convs := newFakeConvStore()
		gen := &fakeGenerator{reply: "spoken reply"}
		sender := &fakeSender{status: wa.StatusConnected}
		e := NewExecutor(convs, gen, &fakeTranscriber{text: "question"}, &fakeSynth{fail: true}, sender, "", "", nil)

		e.Run(context.Background(), ReplyTask{
			Message:        voiceMsg,
			Permission:     &Permission{Key: "5511999990000", CanRead: true, CanReply: true},
			ConversationID: "conv-vt",
		})

		if sent := sender.sentTexts(); len(sent) != 1 {
			t.Fatalf("texts = %v, want the fallback text send", sent)
		}
	})
}
