// Package memory keeps the session-lifetime view of conversations and
// messages. The backend owns durable history; this store only mirrors what
// the client has fetched or received, in arrival order, exactly once.
package memory

import (
	"errors"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/shrey2343/researcher-rtc/model"
)

const previewLimit = 80

var (
	ErrConversationNotFound = errors.New("conversation is not found")
	ErrMessageNotFound      = errors.New("message is not found")
)

type Store struct {
	mx     *sync.Mutex
	selfID string

	conversations map[string]*model.Conversation
	messages      map[string][]model.Message
	seen          map[string]struct{}
}

// NewStore creates a store for the user identified by selfID. Unread
// counting needs to know which side of a conversation is "us".
func NewStore(selfID string) *Store {
	return &Store{
		mx:            &sync.Mutex{},
		selfID:        selfID,
		conversations: make(map[string]*model.Conversation),
		messages:      make(map[string][]model.Message),
		seen:          make(map[string]struct{}),
	}
}

// SetConversations replaces the conversation list wholesale, e.g. after a
// REST fetch. Message lists are kept.
func (s *Store) SetConversations(convs []model.Conversation) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.conversations = make(map[string]*model.Conversation, len(convs))
	for i := range convs {
		c := convs[i]
		s.conversations[c.ProjectID] = &c
	}
}

// SetMessages replaces one conversation's message history, e.g. after a
// REST fetch. Ids become known so later echoes do not duplicate.
func (s *Store) SetMessages(projectID string, msgs []model.Message) {
	s.mx.Lock()
	defer s.mx.Unlock()
	list := make([]model.Message, len(msgs))
	copy(list, msgs)
	s.messages[projectID] = list
	for _, m := range msgs {
		s.seen[m.ID] = struct{}{}
	}
}

// AddMessage appends msg to its conversation in arrival order. A message id
// already present is ignored, so a locally sent message echoed back as
// message:new lands exactly once. Reports whether the message was added.
func (s *Store) AddMessage(msg model.Message) bool {
	s.mx.Lock()
	defer s.mx.Unlock()

	if _, dup := s.seen[msg.ID]; dup {
		return false
	}
	s.seen[msg.ID] = struct{}{}
	s.messages[msg.ProjectID] = append(s.messages[msg.ProjectID], msg)

	conv, ok := s.conversations[msg.ProjectID]
	if !ok {
		conv = &model.Conversation{ProjectID: msg.ProjectID}
		s.conversations[msg.ProjectID] = conv
	}
	conv.LastMessage = preview(msg)
	conv.LastActivity = msg.CreatedAt
	if msg.SenderID != s.selfID {
		conv.OtherUserID = msg.SenderID
		if !msg.Read {
			conv.UnreadCount++
		}
	}
	return true
}

// Messages returns a copy of one conversation's messages in stored order.
func (s *Store) Messages(projectID string) []model.Message {
	s.mx.Lock()
	defer s.mx.Unlock()
	list := s.messages[projectID]
	out := make([]model.Message, len(list))
	copy(out, list)
	return out
}

// Conversations returns a copy of all conversations, most recent activity
// first.
func (s *Store) Conversations() []model.Conversation {
	s.mx.Lock()
	defer s.mx.Unlock()
	out := make([]model.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out
}

// MarkRead flags the given message ids read and recomputes the
// conversation's unread count.
func (s *Store) MarkRead(projectID string, messageIDs []string) error {
	s.mx.Lock()
	defer s.mx.Unlock()

	list, ok := s.messages[projectID]
	if !ok {
		return ErrConversationNotFound
	}
	ids := make(map[string]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		ids[id] = struct{}{}
	}
	for i := range list {
		if _, hit := ids[list[i].ID]; hit {
			list[i].Read = true
		}
	}
	s.recountLocked(projectID)
	return nil
}

// ApplyEdit mirrors a server-confirmed edit.
func (s *Store) ApplyEdit(projectID, messageID, body string, editedAt time.Time) error {
	s.mx.Lock()
	defer s.mx.Unlock()

	list, ok := s.messages[projectID]
	if !ok {
		return ErrConversationNotFound
	}
	for i := range list {
		if list[i].ID == messageID {
			list[i].Body = body
			list[i].EditedAt = &editedAt
			if conv, ok := s.conversations[projectID]; ok && len(list) > 0 && list[len(list)-1].ID == messageID {
				conv.LastMessage = preview(list[i])
			}
			return nil
		}
	}
	return ErrMessageNotFound
}

// ApplyDelete mirrors a server-confirmed delete.
func (s *Store) ApplyDelete(projectID, messageID string) error {
	s.mx.Lock()
	defer s.mx.Unlock()

	list, ok := s.messages[projectID]
	if !ok {
		return ErrConversationNotFound
	}
	for i := range list {
		if list[i].ID == messageID {
			s.messages[projectID] = append(list[:i], list[i+1:]...)
			s.recountLocked(projectID)
			return nil
		}
	}
	return ErrMessageNotFound
}

// RemoveConversation drops a conversation and its messages. Driven by the
// backend; this layer never decides to delete on its own.
func (s *Store) RemoveConversation(projectID string) {
	s.mx.Lock()
	defer s.mx.Unlock()
	for _, m := range s.messages[projectID] {
		delete(s.seen, m.ID)
	}
	delete(s.messages, projectID)
	delete(s.conversations, projectID)
}

// UnreadTotal sums unread counts across conversations.
func (s *Store) UnreadTotal() int {
	s.mx.Lock()
	defer s.mx.Unlock()
	total := 0
	for _, c := range s.conversations {
		total += c.UnreadCount
	}
	return total
}

// recountLocked recomputes one conversation's unread count. Caller holds mx.
func (s *Store) recountLocked(projectID string) {
	conv, ok := s.conversations[projectID]
	if !ok {
		return
	}
	count := 0
	for _, m := range s.messages[projectID] {
		if m.SenderID != s.selfID && !m.Read {
			count++
		}
	}
	conv.UnreadCount = count
}

func preview(msg model.Message) string {
	if msg.Type != model.MessageTypeText {
		return "[" + string(msg.Type) + "]"
	}
	if len(msg.Body) <= previewLimit {
		return msg.Body
	}
	// Back off to a rune boundary so the cut never splits a character.
	cut := previewLimit
	for cut > 0 && !utf8.RuneStart(msg.Body[cut]) {
		cut--
	}
	return msg.Body[:cut]
}
