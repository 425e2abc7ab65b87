package autoreply

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/avi-rzv/metatron/pkg/metatron/store"
)

// Permission is the gate's view of a contact or group record: just what
// the pipeline needs to decide, bind and prompt.
type Permission struct {
	// Key is the phone digits (contacts) or group id (groups).
	Key              string
	DisplayName      string
	IsGroup          bool
	CanRead          bool
	CanReply         bool
	ChatInstructions string
	ConversationID   string
}

// Gate looks up permission records. A sender without a record, or with
// canRead off, is invisible: the message is dropped with no side effects.
// canReply is not checked here — it only gates the outbound send later.
type Gate struct {
	perms  store.PermissionStore
	logger *slog.Logger
}

// NewGate creates a permission gate over the store.
func NewGate(perms store.PermissionStore, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{perms: perms, logger: logger.With("component", "permission-gate")}
}

// LookupContact returns the contact permission, or nil when the contact
// is unknown or not readable.
func (g *Gate) LookupContact(ctx context.Context, phoneDigits string) (*Permission, error) {
	rec, err := g.perms.GetContact(ctx, phoneDigits)
	if err != nil {
		return nil, fmt.Errorf("contact permission lookup: %w", err)
	}
	if rec == nil || !rec.CanRead {
		return nil, nil
	}
	return &Permission{
		Key:              rec.PhoneNumber,
		DisplayName:      rec.DisplayName,
		CanRead:          rec.CanRead,
		CanReply:         rec.CanReply,
		ChatInstructions: rec.ChatInstructions,
		ConversationID:   rec.ConversationID,
	}, nil
}

// LookupGroup returns the group permission, or nil when the group is
// unknown or not readable.
func (g *Gate) LookupGroup(ctx context.Context, groupID string) (*Permission, error) {
	rec, err := g.perms.GetGroup(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("group permission lookup: %w", err)
	}
	if rec == nil || !rec.CanRead {
		return nil, nil
	}
	return &Permission{
		Key:              rec.GroupID,
		DisplayName:      rec.GroupName,
		IsGroup:          true,
		CanRead:          rec.CanRead,
		CanReply:         rec.CanReply,
		ChatInstructions: rec.ChatInstructions,
		ConversationID:   rec.ConversationID,
	}, nil
}
