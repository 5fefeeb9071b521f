package database

import (
	"context"
	"errors"
	"time"
)

const (
	EventCollectionName = "session_events"
)

var ClientIdEmptyError = errors.New("client_id is empty")

// EventKind 会话事件类型
type EventKind string

const (
	EventConnecting     EventKind = "connecting"
	EventConnected      EventKind = "connected"
	EventDisconnected   EventKind = "disconnected"
	EventSubscribe      EventKind = "subscribe"
	EventSubscribeAck   EventKind = "subscribe_ack"
	EventPublish        EventKind = "publish"
	EventSessionReset   EventKind = "session_reset"
	EventConnectRefused EventKind = "connect_refused"
)

// SessionEvent 会话生命周期事件，只用于审计，客户端启动时不会读回
type SessionEvent struct {
	ClientID  string    `bson:"client_id"`
	Broker    string    `bson:"broker"`
	Kind      EventKind `bson:"kind"`
	PacketID  uint16    `bson:"packet_id,omitempty"`
	Topic     string    `bson:"topic,omitempty"`
	Detail    string    `bson:"detail,omitempty"`
	CreatedAt time.Time `bson:"created_at"`
}

type EventStore interface {
	SaveEvent(ctx context.Context, event *SessionEvent) error
	ListEvents(ctx context.Context, clientID string, limit int64) ([]*SessionEvent, error)
	DeleteEvents(ctx context.Context, clientID string) (int64, error)
}

func NewSessionEvent(clientID string, broker string, kind EventKind) *SessionEvent {
	return &SessionEvent{
		ClientID:  clientID,
		Broker:    broker,
		Kind:      kind,
		CreatedAt: time.Now(),
	}
}
