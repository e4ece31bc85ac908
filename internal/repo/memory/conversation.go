// Package memory holds per-session conversation state. Entries expire on
// their own so an abandoned session never leaks history.
package memory

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/kaiwa-labs/kaiwa-gateway/pkg/types"
)

const maxHistory = 40

type ConversationStore struct {
	mu sync.Mutex
	c  *cache.Cache
}

func NewConversationStore(ttl time.Duration) *ConversationStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &ConversationStore{c: cache.New(ttl, ttl)}
}

// Append adds one message to a session's history, sliding the TTL and
// trimming the oldest entries past the cap.
func (s *ConversationStore) Append(id string, msg types.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := s.historyLocked(id)
	history = append(history, msg)
	if len(history) > maxHistory {
		history = history[len(history)-maxHistory:]
	}
	s.c.Set(id, history, cache.DefaultExpiration)
}

// History returns a copy of the session's messages, oldest first.
func (s *ConversationStore) History(id string) []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Message(nil), s.historyLocked(id)...)
}

func (s *ConversationStore) Clear(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.c.Delete(id)
}

func (s *ConversationStore) historyLocked(id string) []types.Message {
	if v, ok := s.c.Get(id); ok {
		return v.([]types.Message)
	}
	return nil
}
