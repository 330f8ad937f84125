package app

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"corpora/api/internal/rbac"
	"corpora/api/internal/store"
	"corpora/api/internal/util"
)

type ConversationPayload struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type MessagePayload struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

type ChatResult struct {
	ConversationID string   `json:"conversationId"`
	Answer         string   `json:"answer"`
	Sources        []string `json:"sources"`
}

func conversationPayload(c store.Conversation) ConversationPayload {
	return ConversationPayload{
		ID:        c.ID,
		UserID:    c.UserID,
		Title:     c.Title,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

// Chat relays a prompt to the workflow engine with the session's
// identity and accessible folder set, then records both sides of the
// exchange. An empty conversationID starts a new conversation.
func (s *Service) Chat(ctx context.Context, session Session, conversationID, message string) (ChatResult, error) {
	if !s.Can(session.Role, rbac.CapUseChat) {
		return ChatResult{}, errForbidden()
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return ChatResult{}, errValidation("message is required")
	}

	var conv store.Conversation
	if conversationID == "" {
		conv = store.Conversation{
			ID:     util.NewID("conv"),
			UserID: session.UserID,
			Title:  conversationTitle(message),
		}
		if err := s.store.InsertConversation(ctx, conv); err != nil {
			return ChatResult{}, err
		}
	} else {
		var err error
		conv, err = s.loadOwnConversation(ctx, session, conversationID)
		if err != nil {
			return ChatResult{}, err
		}
	}

	accessible, err := s.accessibleFolders(ctx, session)
	if err != nil {
		return ChatResult{}, err
	}

	reply, err := s.workflow.Chat(ctx, conv.ID, session.UserID, message, accessible)
	if err != nil {
		return ChatResult{}, workflowUnavailable(err)
	}

	if err := s.store.InsertMessage(ctx, store.Message{
		ID:             util.NewID("msg"),
		ConversationID: conv.ID,
		Sender:         "user",
		Body:           message,
	}); err != nil {
		return ChatResult{}, err
	}
	if err := s.store.InsertMessage(ctx, store.Message{
		ID:             util.NewID("msg"),
		ConversationID: conv.ID,
		Sender:         "assistant",
		Body:           reply.Answer,
	}); err != nil {
		return ChatResult{}, err
	}

	sources := reply.Sources
	if sources == nil {
		sources = []string{}
	}
	return ChatResult{ConversationID: conv.ID, Answer: reply.Answer, Sources: sources}, nil
}

// ListConversations returns the caller's own conversations, or
// everyone's when all=true and the caller may view them.
func (s *Service) ListConversations(ctx context.Context, session Session, all bool) ([]ConversationPayload, error) {
	userID := session.UserID
	if all {
		if !s.Can(session.Role, rbac.CapViewAllConversations) {
			return nil, errForbidden()
		}
		userID = ""
	}
	conversations, err := s.store.ListConversations(ctx, userID)
	if err != nil {
		return nil, err
	}
	payload := make([]ConversationPayload, 0, len(conversations))
	for _, c := range conversations {
		payload = append(payload, conversationPayload(c))
	}
	return payload, nil
}

// ConversationMessages returns the transcript of a conversation the
// caller owns, or any conversation for view_all_conversations holders.
func (s *Service) ConversationMessages(ctx context.Context, session Session, conversationID string) ([]MessagePayload, error) {
	if _, err := s.loadReadableConversation(ctx, session, conversationID); err != nil {
		return nil, err
	}
	messages, err := s.store.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	payload := make([]MessagePayload, 0, len(messages))
	for _, m := range messages {
		payload = append(payload, MessagePayload{ID: m.ID, Sender: m.Sender, Body: m.Body, CreatedAt: m.CreatedAt})
	}
	return payload, nil
}

// ConversationExport is the JSON attachment shape for a transcript.
type ConversationExport struct {
	Conversation ConversationPayload `json:"conversation"`
	Messages     []MessagePayload    `json:"messages"`
	ExportedAt   time.Time           `json:"exportedAt"`
	ExportedBy   string              `json:"exportedBy"`
}

// ExportConversation returns the transcript for download.
func (s *Service) ExportConversation(ctx context.Context, session Session, conversationID string) (ConversationExport, error) {
	if !s.Can(session.Role, rbac.CapExportConversations) {
		return ConversationExport{}, errForbidden()
	}
	conv, err := s.loadReadableConversation(ctx, session, conversationID)
	if err != nil {
		return ConversationExport{}, err
	}
	messages, err := s.ConversationMessages(ctx, session, conversationID)
	if err != nil {
		return ConversationExport{}, err
	}
	return ConversationExport{
		Conversation: conversationPayload(conv),
		Messages:     messages,
		ExportedAt:   time.Now().UTC(),
		ExportedBy:   session.UserID,
	}, nil
}

// loadOwnConversation requires ownership; admins cannot continue
// someone else's conversation, only read it.
func (s *Service) loadOwnConversation(ctx context.Context, session Session, conversationID string) (store.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Conversation{}, errNotFound()
	}
	if err != nil {
		return store.Conversation{}, err
	}
	if conv.UserID != session.UserID {
		// Same shape as a missing conversation.
		return store.Conversation{}, errNotFound()
	}
	return conv, nil
}

func (s *Service) loadReadableConversation(ctx context.Context, session Session, conversationID string) (store.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Conversation{}, errNotFound()
	}
	if err != nil {
		return store.Conversation{}, err
	}
	if conv.UserID != session.UserID && !s.Can(session.Role, rbac.CapViewAllConversations) {
		return store.Conversation{}, errNotFound()
	}
	return conv, nil
}

// conversationTitle collapses whitespace and truncates to 80 runes.
// Truncating on bytes could split a multibyte character and produce
// invalid UTF-8 in the stored title.
func conversationTitle(message string) string {
	const max = 80
	title := strings.Join(strings.Fields(message), " ")
	if utf8.RuneCountInString(title) <= max {
		return title
	}
	return string([]rune(title)[:max])
}
