package memory

import (
	"sync"
)

// Store holds per-conversation message history. It is the only state
// shared across in-flight turns, so its locking discipline matters:
// each conversation has its own lock, held for the full read-modify-
// write of one turn, while the registry lock protecting the map is
// only ever held for lookups. Unrelated conversations never contend.
type Store struct {
	mu            sync.Mutex
	conversations map[string]*conversation
}

// conversation is one entry in the store. Its mutex serializes turns
// for that conversation id; it is held across the caller's fn in
// WithConversation, which includes the backend call.
type conversation struct {
	mu      sync.Mutex
	history []Message
	// stale marks an entry that Clear has removed from the map while a
	// turn held its lock. WithConversation re-resolves stale entries so
	// a finished turn cannot write into an orphan.
	stale bool
}

// Stats is a read-only snapshot of the store.
type Stats struct {
	ActiveConversations int `json:"active_conversations"`
	TotalMessages       int `json:"total_messages"`
}

// NewStore creates an empty conversation store.
func NewStore() *Store {
	return &Store{conversations: make(map[string]*conversation)}
}

// lookup returns the live entry for id, creating it if absent.
func (s *Store) lookup(id string) *conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		c = &conversation{}
		s.conversations[id] = c
	}
	return c
}

// WithConversation runs fn with exclusive access to the conversation's
// history. fn receives a copy of the current history (empty for an
// unseen id) and returns the history to persist; returning an error
// leaves the stored history untouched. Turns for the same conversation
// are strictly serialized here; turns for different conversations run
// in parallel.
func (s *Store) WithConversation(id string, fn func(history []Message) ([]Message, error)) error {
	for {
		c := s.lookup(id)
		c.mu.Lock()
		if c.stale {
			// Clear raced us between lookup and lock. Retry against
			// the current entry.
			c.mu.Unlock()
			continue
		}

		snapshot := make([]Message, len(c.history))
		copy(snapshot, c.history)

		updated, err := fn(snapshot)
		if err != nil {
			c.mu.Unlock()
			return err
		}

		c.history = make([]Message, len(updated))
		copy(c.history, updated)
		c.mu.Unlock()
		return nil
	}
}

// History returns a copy of the conversation's current history, or nil
// for an unseen id. Intended for read-only surfaces (API, archive);
// mutation goes through WithConversation.
func (s *Store) History(id string) []Message {
	s.mu.Lock()
	c, ok := s.conversations[id]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.history))
	copy(out, c.history)
	return out
}

// Clear removes all history for the conversation. Idempotent. If a
// turn for the same conversation is in flight, Clear waits for it; the
// registry lock is never held while waiting, so other conversations
// are unaffected.
func (s *Store) Clear(id string) {
	s.mu.Lock()
	c, ok := s.conversations[id]
	s.mu.Unlock()
	if !ok {
		return
	}

	c.mu.Lock()
	c.history = nil
	c.stale = true
	c.mu.Unlock()

	s.mu.Lock()
	// Only delete if the map still points at the entry we invalidated.
	if cur, ok := s.conversations[id]; ok && cur == c {
		delete(s.conversations, id)
	}
	s.mu.Unlock()
}

// Stats returns a snapshot of conversation and message counts.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	entries := make([]*conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		entries = append(entries, c)
	}
	s.mu.Unlock()

	st := Stats{ActiveConversations: len(entries)}
	for _, c := range entries {
		c.mu.Lock()
		st.TotalMessages += len(c.history)
		c.mu.Unlock()
	}
	return st
}
