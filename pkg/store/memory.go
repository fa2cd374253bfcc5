package store

import (
	"context"
	"sync"
)

// Memory is the in-memory Repository. It mirrors the Redis implementation's
// semantics, including per-conversation monotonic sequence numbers.
type Memory struct {
	mu       sync.Mutex
	messages map[string][]Message
	seqs     map[string]int64
	users    map[string]User
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		messages: make(map[string][]Message),
		seqs:     make(map[string]int64),
		users:    make(map[string]User),
	}
}

func (m *Memory) AppendMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seqs[msg.ConversationID]++
	msg.Seq = m.seqs[msg.ConversationID]
	msg.Content = capContent(msg.Content)
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], *msg)
	return nil
}

func (m *Memory) Messages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgs := m.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (m *Memory) DeleteConversation(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.messages, conversationID)
	delete(m.seqs, conversationID)
	return nil
}

func (m *Memory) ReplaceTail(ctx context.Context, conversationID string, upTo int64, summary *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := make([]Message, 0, len(m.messages[conversationID]))
	for _, msg := range m.messages[conversationID] {
		if msg.Seq > upTo {
			kept = append(kept, msg)
		}
	}

	// The summary takes the sequence number of the last message it
	// replaces, keeping Seq order aligned with reading order.
	summary.Seq = upTo
	summary.Content = capContent(summary.Content)
	m.messages[conversationID] = append([]Message{*summary}, kept...)
	return nil
}

func (m *Memory) GetUser(ctx context.Context, id string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (m *Memory) PutUser(ctx context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.users[u.ID] = *u
	return nil
}

func (m *Memory) AddUsage(ctx context.Context, id string, tokens int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return 0, ErrNotFound
	}
	u.UsedThisWeek += tokens
	m.users[id] = u
	return u.UsedThisWeek, nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
