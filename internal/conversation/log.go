package conversation

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Role identifies who authored a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

var (
	ErrInvalidRole  = errors.New("invalid message role")
	ErrEmptyContent = errors.New("message content is empty")
	ErrStale        = errors.New("conversation was cleared")
)

// Message is one entry of the conversation. It is never modified after append.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// EventType names a change to the log
type EventType string

const (
	EventAppend EventType = "append"
	EventClear  EventType = "clear"
)

// Event is delivered to subscribers after each change
type Event struct {
	Type    EventType `json:"type"`
	Message *Message  `json:"message,omitempty"`
}

// subscriberBuffer is how many events a slow subscriber may lag behind
const subscriberBuffer = 64

// Log is the ordered, append-only conversation shared by every producer.
// Append order is the order in which callers acquired the lock.
type Log struct {
	messages   []Message
	generation uint64

	subscribers map[int]chan Event
	nextSub     int
	dropped     uint64

	now func() time.Time

	mu sync.RWMutex
}

// Stats represents log statistics
type Stats struct {
	Messages      int    `json:"messages"`
	Generation    uint64 `json:"generation"`
	Subscribers   int    `json:"subscribers"`
	DroppedEvents uint64 `json:"dropped_events"`
}

// NewLog creates an empty conversation log
func NewLog() *Log {
	return &Log{
		subscribers: make(map[int]chan Event),
		now:         time.Now,
	}
}

// Append adds a message with a fresh id and timestamp
func (l *Log) Append(role Role, content string) (Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(role, content)
}

// AppendIn appends only if the log has not been cleared since generation
// was read. Producers that finish asynchronously use it so a reset
// conversation does not receive stale text.
func (l *Log) AppendIn(generation uint64, role Role, content string) (Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if generation != l.generation {
		return Message{}, ErrStale
	}
	return l.appendLocked(role, content)
}

func (l *Log) appendLocked(role Role, content string) (Message, error) {
	if !role.Valid() {
		return Message{}, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	if strings.TrimSpace(content) == "" {
		return Message{}, ErrEmptyContent
	}

	msg := Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: l.now(),
	}
	l.messages = append(l.messages, msg)

	l.publishLocked(Event{Type: EventAppend, Message: &msg})

	return msg, nil
}

// Clear removes every message and starts a new generation
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.messages = nil
	l.generation++

	l.publishLocked(Event{Type: EventClear})
}

// List returns a snapshot of the messages in append order
func (l *Log) List() []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Message, len(l.messages))
	copy(out, l.messages)
	return out
}

// Len returns the number of messages
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.messages)
}

// Generation returns the current generation, bumped by every Clear
func (l *Log) Generation() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.generation
}

// Subscribe registers for change events. The returned function unsubscribes
// and closes the channel.
func (l *Log) Subscribe() (<-chan Event, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextSub
	l.nextSub++
	ch := make(chan Event, subscriberBuffer)
	l.subscribers[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.subscribers, id)
			close(ch)
		})
	}

	return ch, cancel
}

// publishLocked fans an event out without blocking the producer
func (l *Log) publishLocked(ev Event) {
	for _, ch := range l.subscribers {
		select {
		case ch <- ev:
		default:
			l.dropped++
		}
	}
}

// GetStats returns current log statistics
func (l *Log) GetStats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return Stats{
		Messages:      len(l.messages),
		Generation:    l.generation,
		Subscribers:   len(l.subscribers),
		DroppedEvents: l.dropped,
	}
}
