package whatsapp

import (
	"container/list"
	"sort"
	"sync"

	"github.com/haasonsaas/wagate/pkg/models"
)

// conversationTracker remembers the most recently active conversations.
// whatsmeow has no chat list API, so conversations are learned from
// message traffic and the least recently active is evicted at capacity.
type conversationTracker struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front is most recent
	byID     map[string]*list.Element
}

func newConversationTracker(capacity int) *conversationTracker {
	if capacity < 1 {
		capacity = DefaultConfig().TrackedConversations
	}
	return &conversationTracker{
		capacity: capacity,
		order:    list.New(),
		byID:     make(map[string]*list.Element),
	}
}

// record updates the conversation msg belongs to. name, if set, replaces
// the conversation's display name.
func (t *conversationTracker) record(msg *models.Message, name string) {
	if msg == nil || msg.ChatID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if el, ok := t.byID[msg.ChatID]; ok {
		conv := el.Value.(*models.Conversation)
		if msg.Timestamp.After(conv.LastMessageAt) || msg.Timestamp.Equal(conv.LastMessageAt) {
			conv.LastMessage = msg.Body
			conv.LastMessageAt = msg.Timestamp
		}
		conv.MessageCount++
		if name != "" {
			conv.Name = name
		}
		t.order.MoveToFront(el)
		return
	}

	conv := &models.Conversation{
		ID:            msg.ChatID,
		Name:          name,
		IsGroup:       msg.IsGroup,
		LastMessage:   msg.Body,
		LastMessageAt: msg.Timestamp,
		MessageCount:  1,
	}
	t.byID[msg.ChatID] = t.order.PushFront(conv)

	for t.order.Len() > t.capacity {
		oldest := t.order.Back()
		t.order.Remove(oldest)
		delete(t.byID, oldest.Value.(*models.Conversation).ID)
	}
}

// list returns up to limit conversations, most recent message first.
func (t *conversationTracker) list(limit int) []models.Conversation {
	t.mu.Lock()
	out := make([]models.Conversation, 0, t.order.Len())
	for el := t.order.Front(); el != nil; el = el.Next() {
		out = append(out, *el.Value.(*models.Conversation))
	}
	t.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (t *conversationTracker) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.order.Len()
}
