package coordinator

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Message is the record handed to the message store for persistence.
type Message struct {
	ID       string    `json:"id"`
	TenantID string    `json:"tenant_id"`
	RoomID   string    `json:"room_id"`
	SenderID string    `json:"sender_id"`
	Content  string    `json:"content"`
	SentAt   time.Time `json:"sent_at"`
}

// MessageStore is the persistence collaborator. Message bodies and
// history live outside the core; the coordinator only calls through.
type MessageStore interface {
	Persist(ctx context.Context, msg *Message) (string, error)
	Fetch(ctx context.Context, tenantID, roomID string, limit, offset int) ([]*Message, error)
	MarkRead(ctx context.Context, tenantID, roomID, messageID, userID string) error
}

// Interest lets the hosting node react to membership changes, typically
// by acquiring or releasing fanout channel subscriptions. All methods may
// be called concurrently. A nil Interest disables the hooks.
type Interest interface {
	Connected(tenantID, userID string)
	Disconnected(tenantID, userID string)
	JoinedRoom(tenantID, roomID string)
	LeftRoom(tenantID, roomID string)
}

// MemoryMessageStore keeps messages in process memory. It backs tests and
// single-node development runs; production deployments inject a real
// store.
type MemoryMessageStore struct {
	mu       sync.Mutex
	messages map[string][]*Message // tenant:room -> messages in arrival order
	reads    map[string]string     // tenant:room:user -> last read message id
}

var _ MessageStore = (*MemoryMessageStore)(nil)

func NewMemoryMessageStore() *MemoryMessageStore {
	return &MemoryMessageStore{
		messages: make(map[string][]*Message),
		reads:    make(map[string]string),
	}
}

func (s *MemoryMessageStore) Persist(_ context.Context, msg *Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := msg.TenantID + ":" + msg.RoomID
	s.messages[key] = append(s.messages[key], msg)
	return msg.ID, nil
}

func (s *MemoryMessageStore) Fetch(_ context.Context, tenantID, roomID string, limit, offset int) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.messages[tenantID+":"+roomID]
	// newest first
	out := make([]*Message, len(all))
	copy(out, all)
	sort.SliceStable(out, func(i, j int) bool { return out[i].SentAt.After(out[j].SentAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryMessageStore) MarkRead(_ context.Context, tenantID, roomID, messageID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads[tenantID+":"+roomID+":"+userID] = messageID
	return nil
}
