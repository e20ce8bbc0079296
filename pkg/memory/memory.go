// Package memory provides the in-process conversation store.
//
// Conversations are ordered per-user message logs, created lazily on first
// append and kept only for the lifetime of the process. There is no size
// cap; callers bound the context they feed to the LLM themselves.
package memory

import (
	"sync"
	"time"
)

// Message is a single conversation turn. Messages are append-only and never
// mutated after being stored.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Store holds per-user conversation history.
type Store struct {
	mu            sync.RWMutex
	conversations map[string][]Message
}

// NewStore returns an empty conversation store.
func NewStore() *Store {
	return &Store{
		conversations: make(map[string][]Message),
	}
}

// Append stamps the message with the current time and pushes it onto the
// user's conversation, creating the conversation if needed.
func (s *Store) Append(userID, role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[userID] = append(s.conversations[userID], Message{
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	})
}

// Get returns a copy of the user's conversation in append order. The slice
// is empty (not nil-guarded by callers) when the user has no history.
func (s *Store) Get(userID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.conversations[userID]
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// Clear removes the user's conversation. Clearing an absent user is a no-op.
func (s *Store) Clear(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, userID)
}

// Users returns the ids that currently have history.
func (s *Store) Users() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]string, 0, len(s.conversations))
	for id := range s.conversations {
		users = append(users, id)
	}
	return users
}
