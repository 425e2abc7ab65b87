package autoreply

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/avi-rzv/metatron/pkg/metatron/store"
)

// Binder resolves the durable conversation bound to a permission record,
// creating one on first contact. Idempotent: repeated calls return the
// same conversation, and a bound conversation that was deleted externally
// is transparently replaced.
type Binder struct {
	perms    store.PermissionStore
	convs    store.ConversationStore
	provider string
	model    string
	logger   *slog.Logger
}

// NewBinder creates a binder. provider and model are stamped onto newly
// created conversations.
func NewBinder(perms store.PermissionStore, convs store.ConversationStore, provider, model string, logger *slog.Logger) *Binder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Binder{
		perms:    perms,
		convs:    convs,
		provider: provider,
		model:    model,
		logger:   logger.With("component", "chat-binder"),
	}
}

// Bind returns the conversation id for a permission record.
func (b *Binder) Bind(ctx context.Context, perm *Permission) (string, error) {
	if perm.ConversationID != "" {
		conv, err := b.convs.GetConversation(ctx, perm.ConversationID)
		if err != nil {
			return "", fmt.Errorf("checking bound conversation: %w", err)
		}
		if conv != nil {
			return conv.ID, nil
		}
		b.logger.Info("bound conversation no longer exists, rebinding",
			"conversation_id", perm.ConversationID, "key", perm.Key)
	}

	title := perm.DisplayName
	if title == "" {
		title = perm.Key
	}

	conv := &store.Conversation{
		ID:       uuid.NewString(),
		Title:    title,
		Provider: b.provider,
		Model:    b.model,
	}
	if err := b.convs.CreateConversation(ctx, conv); err != nil {
		return "", fmt.Errorf("creating conversation: %w", err)
	}

	if perm.IsGroup {
		if err := b.perms.BindGroupConversation(ctx, perm.Key, conv.ID); err != nil {
			return "", fmt.Errorf("binding group conversation: %w", err)
		}
	} else {
		if err := b.perms.BindContactConversation(ctx, perm.Key, conv.ID); err != nil {
			return "", fmt.Errorf("binding contact conversation: %w", err)
		}
	}

	perm.ConversationID = conv.ID
	b.logger.Info("conversation created",
		"conversation_id", conv.ID, "title", title, "group", perm.IsGroup)
	return conv.ID, nil
}
