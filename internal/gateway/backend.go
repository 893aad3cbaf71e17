// ABOUTME: Conversation backends the gateway persists through before broadcasting
// ABOUTME: Wraps a local store.Store or the remote chat API behind one interface

package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/2389/handoff-gateway/internal/chatapi"
	"github.com/2389/handoff-gateway/internal/handoff"
	"github.com/2389/handoff-gateway/internal/store"
)

// historyLimit bounds how many messages a history request returns.
const historyLimit = 200

// backend is everything the gateway needs from conversation storage.
type backend interface {
	handoff.Conversations
	MarkTransferred(ctx context.Context, id string, h store.Handoff) (*store.Conversation, error)
	AgentMessage(ctx context.Context, id, agentID, content string) (*store.Message, error)
	History(ctx context.Context, sessionID string) ([]store.Message, error)
	ListConversations(ctx context.Context, filter store.ConversationFilter) ([]*store.Conversation, error)
	Close() error
}

// roster lists every agent of the team, online or not. Only the remote
// backend knows the team.
type roster interface {
	Agents(ctx context.Context) ([]chatapi.TeamMember, error)
}

var (
	_ backend               = (*localBackend)(nil)
	_ backend               = (*remoteBackend)(nil)
	_ roster                = (*remoteBackend)(nil)
	_ handoff.Conversations = (*chatapi.Client)(nil)
)

// localBackend serves conversations from a store the gateway owns.
type localBackend struct {
	store.Store
	now func() time.Time
}

func newLocalBackend(s store.Store) *localBackend {
	return &localBackend{Store: s, now: time.Now}
}

func (b *localBackend) AgentMessage(ctx context.Context, id, agentID, content string) (*store.Message, error) {
	msg := &store.Message{
		ID:             ulid.Make().String(),
		ConversationID: id,
		Role:           store.RoleAgent,
		Content:        content,
		SenderID:       agentID,
		CreatedAt:      b.now().UTC(),
	}
	if err := b.SaveMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("saving agent message: %w", err)
	}
	return msg, nil
}

// History returns the newest messages of the session's latest conversation.
func (b *localBackend) History(ctx context.Context, sessionID string) ([]store.Message, error) {
	conv, err := b.GetConversationBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	msgs, err := b.ListMessages(ctx, conv.ID, historyLimit)
	if err != nil {
		return nil, err
	}
	out := make([]store.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, *m)
	}
	return out, nil
}

// remoteBackend serves conversations from the external chat API.
type remoteBackend struct {
	*chatapi.Client
}

// MarkTransferred reads the conversation back. The chat API moves a
// conversation to transferred itself before anyone asks the gateway to
// announce it, so only the request details are overlaid for the response.
func (b *remoteBackend) MarkTransferred(ctx context.Context, id string, h store.Handoff) (*store.Conversation, error) {
	conv, err := b.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.Status == store.StatusEnded {
		return nil, store.ErrConversationEnded
	}
	if conv.Status == store.StatusActive {
		conv.Status = store.StatusTransferred
	}
	if conv.Handoff.Reason == "" {
		conv.Handoff = h
	}
	return conv, nil
}

func (b *remoteBackend) Close() error { return nil }
