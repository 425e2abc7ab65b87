package autoreply

import (
	"context"
	"log/slog"

	"github.com/avi-rzv/metatron/pkg/metatron/wa"
)

// Pipeline is the single entry point feeding session message events into
// the executor. The session handler only enqueues — permission lookup,
// identity resolution and every other piece of I/O happens inside the
// queued task, off the transport event path.
type Pipeline struct {
	session  *wa.Session
	queue    *Queue
	gate     *Gate
	binder   *Binder
	executor *Executor
	logger   *slog.Logger
}

// NewPipeline wires the pipeline and installs its handler on the session.
func NewPipeline(session *wa.Session, queue *Queue, gate *Gate, binder *Binder, executor *Executor, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		session:  session,
		queue:    queue,
		gate:     gate,
		binder:   binder,
		executor: executor,
		logger:   logger.With("component", "autoreply"),
	}
	session.SetMessageHandler(p.handleMessage)
	return p
}

// handleMessage runs on the transport event path: it only enqueues.
func (p *Pipeline) handleMessage(msg wa.BufferedMessage) {
	p.queue.Enqueue(func(ctx context.Context) {
		p.process(ctx, msg)
	})
}

// process runs inside the serial queue. A missing or non-readable
// permission record drops the message silently — that is the access
// control working, not an error.
func (p *Pipeline) process(ctx context.Context, msg wa.BufferedMessage) {
	perm, err := p.admit(ctx, msg)
	if err != nil {
		p.logger.Warn("permission lookup failed", "message_id", msg.ID, "error", err)
		return
	}
	if perm == nil {
		return
	}

	conversationID, err := p.binder.Bind(ctx, perm)
	if err != nil {
		p.logger.Warn("conversation binding failed",
			"message_id", msg.ID, "key", perm.Key, "error", err)
		return
	}

	p.session.MarkRead(ctx, msg.To, []string{msg.ID})
	p.session.SendTyping(ctx, msg.To)

	// Consume the voice audio out of the inspection buffer so the reply
	// cycle holds the only reference and the bytes die with the task.
	if msg.IsVoice {
		if payload, mime := p.session.Buffer().TakeVoicePayload(msg.ID); payload != nil {
			msg.VoicePayload, msg.VoiceMimeType = payload, mime
		}
	}

	p.executor.Run(ctx, ReplyTask{
		Message:        msg,
		Permission:     perm,
		ConversationID: conversationID,
	})
}

// admit resolves the sender identity where needed and looks up the
// permission record. Returns (nil, nil) for senders that should be
// silently ignored.
func (p *Pipeline) admit(ctx context.Context, msg wa.BufferedMessage) (*Permission, error) {
	if msg.IsGroup {
		return p.gate.LookupGroup(ctx, msg.To)
	}

	from := msg.From
	if wa.IsOpaqueAddress(from) {
		// Cache missed at ingestion; do the live lookup here where
		// blocking is allowed.
		digits := p.session.Identity().Resolve(ctx, from)
		if digits == "" {
			p.logger.Debug("sender identity unresolved, dropping",
				"message_id", msg.ID, "sender", from)
			return nil, nil
		}
		from = digits
	}

	return p.gate.LookupContact(ctx, wa.PhoneDigits(from))
}
