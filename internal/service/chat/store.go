package chat

import (
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/zhouzirui/ask-anything/backend/internal/model/chat"
)

// Listener receives a session snapshot. Each call gets its own copy.
type Listener func(chat.Session)

// StoreOption customises a Store.
type StoreOption func(*Store)

// WithClock overrides the time source used for message timestamps.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator overrides the message id generator.
func WithIDGenerator(newID func() string) StoreOption {
	return func(s *Store) {
		if newID != nil {
			s.newID = newID
		}
	}
}

// WithLogger routes store diagnostics to logger.
func WithLogger(logger *log.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

type subscription struct {
	id       uint64
	listener Listener
	active   atomic.Bool
}

// Store owns one conversation: an append-only message log and the busy flag
// that is set while a user message awaits its assistant reply.
//
// Mutations are serialized and subscribers are notified synchronously, in
// mutation order, before the mutating call returns. Listeners must not call
// AppendUserMessage, AppendAssistantMessage or Subscribe on the same store.
type Store struct {
	// deliver is held across a mutation and its notification round so that
	// listeners observe snapshots in order.
	deliver sync.Mutex

	mu          sync.Mutex
	messages    []chat.Message
	busy        bool
	closed      bool
	last        time.Time
	subscribers []*subscription
	nextSubID   uint64
	done        chan struct{}

	now    func() time.Time
	newID  func() string
	logger *log.Logger
}

// NewStore returns an empty, idle session store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		messages: make([]chat.Message, 0, 16),
		done:     make(chan struct{}),
		now:      time.Now,
		newID:    uuid.NewString,
		logger:   log.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AppendUserMessage records text typed by the user and marks the session busy.
// Surrounding whitespace is trimmed; blank text fails with ErrInvalidInput.
func (s *Store) AppendUserMessage(text string) (chat.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return chat.Message{}, ErrInvalidInput
	}

	msg, _, err := s.append(chat.OriginUser, text)
	return msg, err
}

// AppendAssistantMessage records a reply and clears the busy flag. When the
// session was not busy the message is still appended, the violation is
// logged and ErrUnexpectedState is returned together with the message.
func (s *Store) AppendAssistantMessage(text string) (chat.Message, error) {
	if strings.TrimSpace(text) == "" {
		return chat.Message{}, ErrInvalidInput
	}

	msg, wasBusy, err := s.append(chat.OriginAssistant, text)
	if err != nil {
		return chat.Message{}, err
	}
	if !wasBusy {
		s.logger.Printf("[chat] assistant message %s appended while idle", msg.ID)
		return msg, ErrUnexpectedState
	}
	return msg, nil
}

func (s *Store) append(origin chat.Origin, text string) (chat.Message, bool, error) {
	s.deliver.Lock()
	defer s.deliver.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return chat.Message{}, false, ErrSessionClosed
	}

	ts := s.now().UTC()
	if ts.Before(s.last) {
		ts = s.last
	}

	msg := chat.Message{
		ID:        s.newID(),
		Text:      text,
		Origin:    origin,
		Timestamp: ts,
	}

	wasBusy := s.busy
	s.messages = append(s.messages, msg)
	s.busy = origin == chat.OriginUser
	s.last = ts

	snapshot := s.snapshotLocked()
	subs := append([]*subscription(nil), s.subscribers...)
	s.mu.Unlock()

	for _, sub := range subs {
		if sub.active.Load() {
			sub.listener(snapshot.Clone())
		}
	}

	return msg, wasBusy, nil
}

// Subscribe registers listener and immediately replays the current state to
// it. The returned function removes the listener; it is idempotent and safe
// to call after Close.
func (s *Store) Subscribe(listener Listener) func() {
	if listener == nil {
		return func() {}
	}

	s.deliver.Lock()
	defer s.deliver.Unlock()

	s.mu.Lock()
	snapshot := s.snapshotLocked()
	if s.closed {
		s.mu.Unlock()
		listener(snapshot)
		return func() {}
	}

	s.nextSubID++
	sub := &subscription{id: s.nextSubID, listener: listener}
	sub.active.Store(true)
	s.subscribers = append(s.subscribers, sub)
	s.mu.Unlock()

	listener(snapshot)

	var once sync.Once
	return func() {
		once.Do(func() {
			sub.active.Store(false)
			s.remove(sub.id)
		})
	}
}

func (s *Store) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, sub := range s.subscribers {
		if sub.id == id {
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			return
		}
	}
}

// Snapshot returns a copy of the current session state.
func (s *Store) Snapshot() chat.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() chat.Session {
	return chat.Session{Messages: s.messages, Busy: s.busy}.Clone()
}

// Close discards the session. Listeners are dropped and further appends fail
// with ErrSessionClosed.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	for _, sub := range s.subscribers {
		sub.active.Store(false)
	}
	s.subscribers = nil
}

// Done is closed once the session has been discarded.
func (s *Store) Done() <-chan struct{} {
	return s.done
}

// Watch subscribes through a channel holding only the most recent snapshot,
// so a slow consumer never stalls notification. The current state is
// available immediately. Call stop to unsubscribe.
func (s *Store) Watch() (updates <-chan chat.Session, stop func()) {
	ch := make(chan chat.Session, 1)
	stop = s.Subscribe(func(snapshot chat.Session) {
		select {
		case ch <- snapshot:
			return
		default:
		}
		// Notifications are serialized, so after draining the stale value
		// the slot is free for this send.
		select {
		case <-ch:
		default:
		}
		ch <- snapshot
	})
	return ch, stop
}

// Closed reports whether Close has been called.
func (s *Store) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
