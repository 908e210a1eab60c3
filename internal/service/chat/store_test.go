package chat_test

import (
	"errors"
	"fmt"
	"io"
	"log"
	"testing"
	"time"

	"github.com/zhouzirui/ask-anything/backend/internal/model/chat"
	chatservice "github.com/zhouzirui/ask-anything/backend/internal/service/chat"
)

func quietStore(opts ...chatservice.StoreOption) *chatservice.Store {
	opts = append([]chatservice.StoreOption{chatservice.WithLogger(log.New(io.Discard, "", 0))}, opts...)
	return chatservice.NewStore(opts...)
}

func TestStoreUserThenAssistantScenario(t *testing.T) {
	store := quietStore()

	if _, err := store.AppendUserMessage("Hi"); err != nil {
		t.Fatalf("AppendUserMessage err: %v", err)
	}
	snap := store.Snapshot()
	if len(snap.Messages) != 1 || snap.Messages[0].Origin != chat.OriginUser || snap.Messages[0].Text != "Hi" {
		t.Fatalf("unexpected messages after user append: %+v", snap.Messages)
	}
	if !snap.Busy {
		t.Fatal("expected busy after user message")
	}

	if _, err := store.AppendAssistantMessage("Hello!"); err != nil {
		t.Fatalf("AppendAssistantMessage err: %v", err)
	}
	snap = store.Snapshot()
	if len(snap.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(snap.Messages))
	}
	if snap.Messages[0].Text != "Hi" || snap.Messages[1].Origin != chat.OriginAssistant || snap.Messages[1].Text != "Hello!" {
		t.Fatalf("unexpected order: %+v", snap.Messages)
	}
	if snap.Busy {
		t.Fatal("expected idle after assistant reply")
	}
}

func TestStoreRejectsBlankUserText(t *testing.T) {
	store := quietStore()
	notified := 0
	store.Subscribe(func(chat.Session) { notified++ })

	for _, text := range []string{"", "   ", "\t\n"} {
		if _, err := store.AppendUserMessage(text); !errors.Is(err, chatservice.ErrInvalidInput) {
			t.Fatalf("text %q: expected ErrInvalidInput, got %v", text, err)
		}
	}

	snap := store.Snapshot()
	if len(snap.Messages) != 0 || snap.Busy {
		t.Fatalf("session changed on invalid input: %+v", snap)
	}
	if notified != 1 {
		t.Fatalf("expected only the replay notification, got %d", notified)
	}
}

func TestStoreTrimsUserText(t *testing.T) {
	store := quietStore()

	msg, err := store.AppendUserMessage("  Ask me anything  ")
	if err != nil {
		t.Fatalf("AppendUserMessage err: %v", err)
	}
	if msg.Text != "Ask me anything" {
		t.Fatalf("expected trimmed text, got %q", msg.Text)
	}
}

func TestStoreRejectsBlankAssistantText(t *testing.T) {
	store := quietStore()
	if _, err := store.AppendUserMessage("question"); err != nil {
		t.Fatalf("AppendUserMessage err: %v", err)
	}

	if _, err := store.AppendAssistantMessage(" "); !errors.Is(err, chatservice.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if snap := store.Snapshot(); len(snap.Messages) != 1 || !snap.Busy {
		t.Fatalf("session changed on invalid assistant input: %+v", snap)
	}
}

func TestStoreAssistantWhileIdleIsFlagged(t *testing.T) {
	store := quietStore()

	msg, err := store.AppendAssistantMessage("reply")
	if !errors.Is(err, chatservice.ErrUnexpectedState) {
		t.Fatalf("expected ErrUnexpectedState, got %v", err)
	}
	if msg.ID == "" || msg.Text != "reply" {
		t.Fatalf("expected the appended message alongside the flag, got %+v", msg)
	}

	snap := store.Snapshot()
	if len(snap.Messages) != 1 || snap.Messages[0].Origin != chat.OriginAssistant {
		t.Fatalf("unexpected messages: %+v", snap.Messages)
	}
	if snap.Busy {
		t.Fatal("expected busy to stay false")
	}
}

func TestStoreCountsAndUniqueIDs(t *testing.T) {
	store := quietStore()
	appended := 0

	for i := 0; i < 50; i++ {
		if _, err := store.AppendUserMessage(fmt.Sprintf("q%d", i)); err == nil {
			appended++
		}
		if i%3 == 0 {
			if _, err := store.AppendUserMessage(" "); err == nil {
				t.Fatal("blank message accepted")
			}
		}
		if i%2 == 0 {
			if _, err := store.AppendAssistantMessage(fmt.Sprintf("a%d", i)); err == nil || errors.Is(err, chatservice.ErrUnexpectedState) {
				appended++
			}
		}
	}

	snap := store.Snapshot()
	if len(snap.Messages) != appended {
		t.Fatalf("expected %d messages, got %d", appended, len(snap.Messages))
	}

	seen := make(map[string]bool, len(snap.Messages))
	for _, msg := range snap.Messages {
		if seen[msg.ID] {
			t.Fatalf("duplicate id %s", msg.ID)
		}
		seen[msg.ID] = true
	}
}

func TestStoreTimestampsNeverDecrease(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ticks := []time.Duration{0, 5 * time.Second, -time.Minute, 2 * time.Second, -time.Hour, 10 * time.Second}
	i := 0
	clock := func() time.Time {
		ts := base.Add(ticks[i%len(ticks)])
		i++
		return ts
	}

	store := quietStore(chatservice.WithClock(clock))
	for n := 0; n < len(ticks); n++ {
		if n%2 == 0 {
			store.AppendUserMessage("user")
		} else {
			store.AppendAssistantMessage("assistant")
		}
	}

	msgs := store.Snapshot().Messages
	if len(msgs) != len(ticks) {
		t.Fatalf("expected %d messages, got %d", len(ticks), len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].Timestamp.Before(msgs[i-1].Timestamp) {
			t.Fatalf("timestamp decreased at %d: %s < %s", i, msgs[i].Timestamp, msgs[i-1].Timestamp)
		}
	}
}

func TestStoreSnapshotIsIndependent(t *testing.T) {
	store := quietStore()
	store.AppendUserMessage("original")

	snap := store.Snapshot()
	snap.Messages[0].Text = "tampered"
	snap.Messages = append(snap.Messages, chat.Message{ID: "fake"})
	snap.Busy = false

	var got chat.Session
	store.Subscribe(func(s chat.Session) { got = s })

	if len(got.Messages) != 1 || got.Messages[0].Text != "original" || !got.Busy {
		t.Fatalf("store state leaked through snapshot: %+v", got)
	}
}

func TestStoreSubscribeReplaysAndNotifies(t *testing.T) {
	store := quietStore()
	store.AppendUserMessage("before")

	var seen []chat.Session
	unsubscribe := store.Subscribe(func(s chat.Session) { seen = append(seen, s) })

	if len(seen) != 1 || len(seen[0].Messages) != 1 || !seen[0].Busy {
		t.Fatalf("expected replay of current state, got %+v", seen)
	}

	store.AppendAssistantMessage("after")
	if len(seen) != 2 || len(seen[1].Messages) != 2 || seen[1].Busy {
		t.Fatalf("expected notification after append, got %+v", seen)
	}

	unsubscribe()
	unsubscribe()
	store.AppendUserMessage("ignored")
	if len(seen) != 2 {
		t.Fatalf("listener called after unsubscribe: %d calls", len(seen))
	}
}

func TestStoreListenerCopiesAreIsolated(t *testing.T) {
	store := quietStore()

	store.Subscribe(func(s chat.Session) {
		if len(s.Messages) > 0 {
			s.Messages[0].Text = "mutated by first listener"
		}
	})
	var second chat.Session
	store.Subscribe(func(s chat.Session) { second = s })

	store.AppendUserMessage("hello")
	if second.Messages[0].Text != "hello" {
		t.Fatalf("listeners share snapshot storage: %q", second.Messages[0].Text)
	}
	if store.Snapshot().Messages[0].Text != "hello" {
		t.Fatal("listener mutated store state")
	}
}

func TestStoreListenerMayUnsubscribeItself(t *testing.T) {
	store := quietStore()
	calls := 0
	var unsubscribe func()
	unsubscribe = store.Subscribe(func(chat.Session) {
		calls++
		if calls == 2 {
			unsubscribe()
		}
	})

	store.AppendUserMessage("one")
	store.AppendAssistantMessage("two")
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestStoreClose(t *testing.T) {
	store := quietStore()
	calls := 0
	unsubscribe := store.Subscribe(func(chat.Session) { calls++ })

	store.Close()
	store.Close()

	if _, err := store.AppendUserMessage("late"); !errors.Is(err, chatservice.ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("listener notified after close: %d", calls)
	}
	if !store.Closed() {
		t.Fatal("expected store to report closed")
	}

	unsubscribe()
}

func TestStoreWatchKeepsLatestSnapshot(t *testing.T) {
	store := quietStore()
	updates, stop := store.Watch()
	defer stop()

	store.AppendUserMessage("one")
	store.AppendAssistantMessage("two")
	store.AppendUserMessage("three")

	select {
	case snap := <-updates:
		if len(snap.Messages) != 3 || !snap.Busy {
			t.Fatalf("expected latest snapshot, got %+v", snap)
		}
	default:
		t.Fatal("expected a pending snapshot")
	}

	select {
	case snap := <-updates:
		t.Fatalf("expected only one buffered snapshot, got %+v", snap)
	default:
	}
}

func TestStoreDoneClosesOnClose(t *testing.T) {
	store := quietStore()

	select {
	case <-store.Done():
		t.Fatal("done closed before Close")
	default:
	}

	store.Close()
	select {
	case <-store.Done():
	case <-time.After(time.Second):
		t.Fatal("done not closed after Close")
	}
}
