package autoreply

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/avi-rzv/metatron/pkg/metatron/llm"
	"github.com/avi-rzv/metatron/pkg/metatron/store"
	"github.com/avi-rzv/metatron/pkg/metatron/tts"
	"github.com/avi-rzv/metatron/pkg/metatron/wa"
)

const (
	// ReplyTimeout bounds one generator call for contact/group auto-reply.
	ReplyTimeout = 90 * time.Second

	// historyLimit is how many prior turns are loaded for context.
	historyLimit = 20

	// voiceFallbackText stands in for a voice note whose transcription
	// failed. The reply cycle continues with it.
	voiceFallbackText = "[voice message]"
)

// Sender is the outbound slice of the session the executor needs.
// *wa.Session implements it.
type Sender interface {
	Status() wa.Status
	SendText(ctx context.Context, to, text string) error
	SendVoiceNote(ctx context.Context, to string, audio []byte, mimeType string) error
}

// ReplyTask is one unit of reply work: the source message, the permission
// record that admitted it, and the bound conversation.
type ReplyTask struct {
	Message        wa.BufferedMessage
	Permission     *Permission
	ConversationID string
}

// Executor runs one reply cycle: transcribe voice input, persist the user
// turn, generate under a timeout with settled-once finalization, and send
// the result when allowed.
type Executor struct {
	convs       store.ConversationStore
	generator   llm.ReplyGenerator
	transcriber llm.Transcriber // nil disables transcription
	synth       tts.Provider    // nil disables voice replies
	sender      Sender
	timeout     time.Duration
	voice       string
	baseSystem  string
	logger      *slog.Logger
}

// NewExecutor wires an executor. baseSystem is the instruction text shared
// by every conversation; per-record chat instructions are appended.
func NewExecutor(
	convs store.ConversationStore,
	generator llm.ReplyGenerator,
	transcriber llm.Transcriber,
	synth tts.Provider,
	sender Sender,
	baseSystem, voice string,
	logger *slog.Logger,
) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		convs:       convs,
		generator:   generator,
		transcriber: transcriber,
		synth:       synth,
		sender:      sender,
		timeout:     ReplyTimeout,
		voice:       voice,
		baseSystem:  baseSystem,
		logger:      logger.With("component", "reply-executor"),
	}
}

// Run executes one reply cycle. Every step failure is caught here: the
// task ends with a warning log and the queue proceeds.
func (e *Executor) Run(ctx context.Context, task ReplyTask) {
	if err := e.run(ctx, task); err != nil {
		e.logger.Warn("reply task failed",
			"message_id", task.Message.ID,
			"conversation_id", task.ConversationID,
			"error", err)
	}
}

func (e *Executor) run(ctx context.Context, task ReplyTask) error {
	input := e.effectiveInput(ctx, task.Message)

	// Group turns carry the speaker name so a shared conversation stays
	// readable.
	if task.Message.IsGroup {
		speaker := task.Message.FromDisplayName
		if speaker == "" {
			speaker = task.Message.From
		}
		input = fmt.Sprintf("[%s]: %s", speaker, input)
	}

	userID, err := e.convs.AppendMessage(ctx, task.ConversationID, store.RoleUser, input)
	if err != nil {
		return fmt.Errorf("persisting user message: %w", err)
	}

	history, err := e.convs.RecentMessages(ctx, task.ConversationID, historyLimit, userID)
	if err != nil {
		return fmt.Errorf("loading history: %w", err)
	}

	// Placeholder assistant row: concurrent readers see a pending turn,
	// and a crash mid-generation leaves a visible artifact, not silence.
	placeholderID, err := e.convs.AppendMessage(ctx, task.ConversationID, store.RoleAssistant, "")
	if err != nil {
		return fmt.Errorf("inserting placeholder: %w", err)
	}

	reply := e.generate(ctx, task, history, input, placeholderID)

	if reply == "" || !task.Permission.CanReply || e.sender.Status() != wa.StatusConnected {
		return nil
	}
	e.send(ctx, task, reply)
	return nil
}

// effectiveInput returns the text the generator sees: the body for text
// messages, the transcript (or a fallback) for voice notes.
func (e *Executor) effectiveInput(ctx context.Context, msg wa.BufferedMessage) string {
	if !msg.IsVoice {
		return msg.Body
	}
	if e.transcriber == nil || len(msg.VoicePayload) == 0 {
		return voiceFallbackText
	}

	text, err := e.transcriber.Transcribe(ctx, msg.VoicePayload, msg.VoiceMimeType)
	if err != nil || text == "" {
		e.logger.Warn("voice transcription failed, using fallback",
			"message_id", msg.ID, "error", err)
		return voiceFallbackText
	}
	return text
}

// generate races the streaming generator against the reply timeout and
// finalizes the placeholder exactly once: full text on completion, partial
// text kept on timeout/error, empty placeholder deleted. Returns the final
// reply text ("" when nothing was produced).
func (e *Executor) generate(ctx context.Context, task ReplyTask, history []store.Message, input string, placeholderID int64) string {
	genCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	entries := make([]llm.HistoryEntry, 0, len(history))
	for _, m := range history {
		entries = append(entries, llm.HistoryEntry{Role: m.Role, Content: m.Content})
	}

	var (
		partialMu sync.Mutex
		partial   strings.Builder
	)

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		text, err := e.generator.Generate(genCtx, llm.GenerateRequest{
			SystemPrompt: e.systemPrompt(task.Permission),
			History:      entries,
			UserMessage:  input,
		}, func(delta string) {
			partialMu.Lock()
			partial.WriteString(delta)
			partialMu.Unlock()
		})
		done <- result{text, err}
	}()

	// Exactly one arm settles the task. A generator that returns after
	// the timeout arm won hits the buffered channel and is discarded.
	var reply string
	select {
	case res := <-done:
		reply = strings.TrimSpace(res.text)
		if res.err != nil {
			partialMu.Lock()
			reply = strings.TrimSpace(partial.String())
			partialMu.Unlock()
			e.logger.Warn("reply generation failed",
				"conversation_id", task.ConversationID,
				"partial_len", len(reply),
				"error", res.err)
		}
	case <-genCtx.Done():
		partialMu.Lock()
		reply = strings.TrimSpace(partial.String())
		partialMu.Unlock()
		e.logger.Warn("reply generation timed out",
			"conversation_id", task.ConversationID,
			"partial_len", len(reply))
	}

	e.finalize(task.ConversationID, placeholderID, reply)
	return reply
}

// finalize writes the settled text into the placeholder, or deletes it
// when nothing was produced. Runs on a background context so a cancelled
// task context cannot strand an empty placeholder.
func (e *Executor) finalize(conversationID string, placeholderID int64, reply string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if reply == "" {
		if err := e.convs.DeleteMessage(ctx, placeholderID); err != nil {
			e.logger.Warn("deleting empty placeholder failed",
				"conversation_id", conversationID, "error", err)
		}
		return
	}
	if err := e.convs.UpdateMessageContent(ctx, placeholderID, reply); err != nil {
		e.logger.Warn("finalizing placeholder failed",
			"conversation_id", conversationID, "error", err)
	}
}

// send delivers the reply. Voice in, voice out: a voice note answer is
// attempted first when the source was a voice note, falling back to text
// if synthesis fails.
func (e *Executor) send(ctx context.Context, task ReplyTask, reply string) {
	to := task.Message.From
	if task.Message.IsGroup {
		to = task.Message.To
	}

	if task.Message.IsVoice && e.synth != nil {
		audio, mime, err := e.synth.Synthesize(ctx, reply, e.voice)
		if err == nil {
			if err := e.sender.SendVoiceNote(ctx, to, audio, mime); err == nil {
				return
			}
			e.logger.Warn("voice note send failed, falling back to text",
				"to", to)
		} else {
			e.logger.Warn("speech synthesis failed, falling back to text",
				"error", err)
		}
	}

	if err := e.sender.SendText(ctx, to, reply); err != nil {
		e.logger.Warn("reply send failed", "to", to, "error", err)
	}
}

// systemPrompt layers the per-record chat instructions over the base
// instructions.
func (e *Executor) systemPrompt(perm *Permission) string {
	parts := make([]string, 0, 2)
	if e.baseSystem != "" {
		parts = append(parts, e.baseSystem)
	}
	if perm.ChatInstructions != "" {
		parts = append(parts, perm.ChatInstructions)
	}
	return strings.Join(parts, "\n\n")
}
