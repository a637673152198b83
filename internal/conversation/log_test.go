package conversation

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestAppendAssignsIDAndTimestamp(t *testing.T) {
	log := NewLog()
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	log.now = func() time.Time { return fixed }

	msg, err := log.Append(RoleAssistant, "Whisk the eggs first.")
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	if msg.ID == "" {
		t.Error("Expected an id")
	}
	if !msg.Timestamp.Equal(fixed) {
		t.Errorf("Expected timestamp %v, got %v", fixed, msg.Timestamp)
	}
	if msg.Role != RoleAssistant || msg.Content != "Whisk the eggs first." {
		t.Errorf("Unexpected message %+v", msg)
	}
}

func TestAppendValidation(t *testing.T) {
	tests := []struct {
		name    string
		role    Role
		content string
		wantErr error
	}{
		{name: "user message", role: RoleUser, content: "hi", wantErr: nil},
		{name: "unknown role", role: Role("system"), content: "hi", wantErr: ErrInvalidRole},
		{name: "empty content", role: RoleUser, content: "", wantErr: ErrEmptyContent},
		{name: "whitespace content", role: RoleAssistant, content: "  \n", wantErr: ErrEmptyContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := NewLog()
			_, err := log.Append(tt.role, tt.content)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Expected error %v, got %v", tt.wantErr, err)
			}
			if tt.wantErr != nil && log.Len() != 0 {
				t.Error("Rejected message must not be stored")
			}
		})
	}
}

func TestAppendOrderAndDistinctIDs(t *testing.T) {
	log := NewLog()
	// Identical timestamps must still produce distinct ids
	fixed := time.Now()
	log.now = func() time.Time { return fixed }

	for i := 0; i < 100; i++ {
		if _, err := log.Append(RoleUser, fmt.Sprintf("message %d", i)); err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
	}

	messages := log.List()
	if len(messages) != 100 {
		t.Fatalf("Expected 100 messages, got %d", len(messages))
	}

	seen := make(map[string]bool)
	for i, msg := range messages {
		if msg.Content != fmt.Sprintf("message %d", i) {
			t.Errorf("Position %d: expected message %d, got %q", i, i, msg.Content)
		}
		if seen[msg.ID] {
			t.Errorf("Duplicate id %s", msg.ID)
		}
		seen[msg.ID] = true
	}
}

func TestConcurrentAppends(t *testing.T) {
	log := NewLog()

	const writers, perWriter = 8, 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				log.Append(RoleAssistant, fmt.Sprintf("w%d-%d", w, i))
			}
		}(w)
	}
	wg.Wait()

	messages := log.List()
	if len(messages) != writers*perWriter {
		t.Fatalf("Expected %d messages, got %d", writers*perWriter, len(messages))
	}

	ids := make(map[string]bool)
	lastPerWriter := make(map[int]int)
	for _, msg := range messages {
		if ids[msg.ID] {
			t.Fatalf("Duplicate id %s", msg.ID)
		}
		ids[msg.ID] = true

		var w, i int
		fmt.Sscanf(msg.Content, "w%d-%d", &w, &i)
		if last, ok := lastPerWriter[w]; ok && i <= last {
			t.Errorf("Writer %d appended out of order: %d after %d", w, i, last)
		}
		lastPerWriter[w] = i
	}
}

func TestListReturnsSnapshot(t *testing.T) {
	log := NewLog()
	log.Append(RoleUser, "first")

	snapshot := log.List()
	snapshot[0].Content = "mutated"
	log.Append(RoleUser, "second")

	messages := log.List()
	if messages[0].Content != "first" {
		t.Errorf("Expected stored message to be unaffected, got %q", messages[0].Content)
	}
	if len(snapshot) != 1 {
		t.Errorf("Expected snapshot length to stay 1, got %d", len(snapshot))
	}
}

func TestClear(t *testing.T) {
	log := NewLog()
	log.Append(RoleUser, "one")
	log.Append(RoleAssistant, "two")

	before := log.Generation()
	log.Clear()

	if log.Len() != 0 {
		t.Errorf("Expected empty log after clear, got %d", log.Len())
	}
	if log.Generation() != before+1 {
		t.Errorf("Expected generation to advance")
	}

	log.Clear()
	if log.Len() != 0 {
		t.Error("Clearing an empty log must stay empty")
	}
}

func TestAppendInRejectsStaleGeneration(t *testing.T) {
	log := NewLog()
	gen := log.Generation()

	if _, err := log.AppendIn(gen, RoleAssistant, "current"); err != nil {
		t.Fatalf("Expected append in current generation, got %v", err)
	}

	log.Clear()

	if _, err := log.AppendIn(gen, RoleAssistant, "late"); !errors.Is(err, ErrStale) {
		t.Fatalf("Expected ErrStale, got %v", err)
	}
	if log.Len() != 0 {
		t.Error("Stale message must not be stored")
	}
}

func TestSubscribe(t *testing.T) {
	log := NewLog()
	events, cancel := log.Subscribe()

	msg, _ := log.Append(RoleUser, "hello")
	log.Clear()

	ev := <-events
	if ev.Type != EventAppend || ev.Message == nil || ev.Message.ID != msg.ID {
		t.Errorf("Unexpected append event %+v", ev)
	}
	ev = <-events
	if ev.Type != EventClear {
		t.Errorf("Expected clear event, got %+v", ev)
	}

	cancel()
	cancel()

	if _, ok := <-events; ok {
		t.Error("Expected channel closed after cancel")
	}
	if stats := log.GetStats(); stats.Subscribers != 0 {
		t.Errorf("Expected no subscribers, got %d", stats.Subscribers)
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	log := NewLog()
	_, cancel := log.Subscribe()
	defer cancel()

	for i := 0; i < subscriberBuffer+10; i++ {
		log.Append(RoleUser, "x")
	}

	if stats := log.GetStats(); stats.DroppedEvents != 10 {
		t.Errorf("Expected 10 dropped events, got %d", stats.DroppedEvents)
	}
}
