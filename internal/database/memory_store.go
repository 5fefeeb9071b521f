package database

import (
	"context"
	"sync"
)

type MemoryStore struct {
	mu     sync.Mutex
	events map[string][]*SessionEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events: make(map[string][]*SessionEvent),
	}
}

func (ms *MemoryStore) SaveEvent(_ context.Context, event *SessionEvent) error {
	if event.ClientID == "" {
		return ClientIdEmptyError
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	copied := *event
	ms.events[event.ClientID] = append(ms.events[event.ClientID], &copied)
	return nil
}

// ListEvents 按写入顺序返回事件，limit 小于等于 0 时返回全部
func (ms *MemoryStore) ListEvents(_ context.Context, clientID string, limit int64) ([]*SessionEvent, error) {
	if clientID == "" {
		return nil, ClientIdEmptyError
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	events := ms.events[clientID]
	if limit > 0 && int64(len(events)) > limit {
		events = events[:limit]
	}
	result := make([]*SessionEvent, len(events))
	copy(result, events)
	return result, nil
}

func (ms *MemoryStore) DeleteEvents(_ context.Context, clientID string) (int64, error) {
	if clientID == "" {
		return 0, ClientIdEmptyError
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	deleted := int64(len(ms.events[clientID]))
	delete(ms.events, clientID)
	return deleted, nil
}
