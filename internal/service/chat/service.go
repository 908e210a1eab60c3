package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/zhouzirui/ask-anything/backend/internal/model/chat"
)

const defaultReplyTimeout = 60 * time.Second

// Responder produces the assistant reply for a conversation history whose
// last entry is the user message awaiting an answer.
type Responder interface {
	Reply(ctx context.Context, history []chat.Message) (string, error)
}

// Option customises a Service.
type Option func(*Service)

// WithResponder enables automatic assistant replies.
func WithResponder(r Responder) Option {
	return func(s *Service) {
		s.responder = r
	}
}

// WithReplyTimeout bounds a single Responder call.
func WithReplyTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.replyTimeout = d
		}
	}
}

// WithStoreOptions applies opts to every store the service creates.
func WithStoreOptions(opts ...StoreOption) Option {
	return func(s *Service) {
		s.storeOpts = append(s.storeOpts, opts...)
	}
}

type entry struct {
	info   chat.SessionInfo
	store  *Store
	ctx    context.Context
	cancel context.CancelFunc
}

// Service keeps one Store per open conversation view.
type Service struct {
	mu       sync.RWMutex
	sessions map[string]*entry

	responder    Responder
	replyTimeout time.Duration
	storeOpts    []StoreOption
	pending      sync.WaitGroup
}

// NewService bootstraps the in-memory session registry.
func NewService(opts ...Option) *Service {
	s := &Service{
		sessions:     make(map[string]*entry),
		replyTimeout: defaultReplyTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ResponderEnabled reports whether user messages trigger automatic replies.
func (s *Service) ResponderEnabled() bool {
	return s.responder != nil
}

// CreateSession opens an empty conversation.
func (s *Service) CreateSession(_ context.Context) (chat.SessionInfo, error) {
	id, err := gonanoid.New()
	if err != nil {
		return chat.SessionInfo{}, fmt.Errorf("generate session id: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{
		info: chat.SessionInfo{
			ID:        id,
			CreatedAt: time.Now().UTC(),
		},
		store:  NewStore(s.storeOpts...),
		ctx:    ctx,
		cancel: cancel,
	}

	s.mu.Lock()
	s.sessions[id] = e
	s.mu.Unlock()

	return e.info, nil
}

// GetSession retrieves a session by identifier.
func (s *Service) GetSession(_ context.Context, sessionID string) (chat.SessionInfo, error) {
	e, err := s.lookup(sessionID)
	if err != nil {
		return chat.SessionInfo{}, err
	}
	return e.info, nil
}

// Store returns the live store backing sessionID.
func (s *Service) Store(_ context.Context, sessionID string) (*Store, error) {
	e, err := s.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	return e.store, nil
}

// Snapshot returns the current state of sessionID.
func (s *Service) Snapshot(_ context.Context, sessionID string) (chat.Session, error) {
	e, err := s.lookup(sessionID)
	if err != nil {
		return chat.Session{}, err
	}
	return e.store.Snapshot(), nil
}

// CloseSession discards a conversation and abandons any pending reply.
func (s *Service) CloseSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	e, ok := s.sessions[sessionID]
	if ok {
		delete(s.sessions, sessionID)
	}
	s.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}

	e.cancel()
	e.store.Close()
	return nil
}

// SendUserMessage appends a user message and, if a Responder is configured,
// requests the assistant reply in the background.
func (s *Service) SendUserMessage(_ context.Context, sessionID, text string) (chat.Message, error) {
	e, err := s.lookup(sessionID)
	if err != nil {
		return chat.Message{}, err
	}

	msg, err := e.store.AppendUserMessage(text)
	if err != nil {
		return chat.Message{}, err
	}

	if s.responder != nil {
		history := e.store.Snapshot().Messages
		s.pending.Add(1)
		go s.reply(e, history)
	}

	return msg, nil
}

// PostAssistantMessage delivers a reply produced outside the service.
// ErrUnexpectedState is advisory; the returned message is valid with it.
func (s *Service) PostAssistantMessage(_ context.Context, sessionID, text string) (chat.Message, error) {
	e, err := s.lookup(sessionID)
	if err != nil {
		return chat.Message{}, err
	}
	return e.store.AppendAssistantMessage(text)
}

// Wait blocks until all in-flight assistant replies have finished.
func (s *Service) Wait() {
	s.pending.Wait()
}

// Close discards every session and waits for pending replies to unwind.
func (s *Service) Close() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*entry)
	s.mu.Unlock()

	for _, e := range sessions {
		e.cancel()
		e.store.Close()
	}
	s.pending.Wait()
}

func (s *Service) reply(e *entry, history []chat.Message) {
	defer s.pending.Done()

	ctx, cancel := context.WithTimeout(e.ctx, s.replyTimeout)
	defer cancel()

	text, err := s.responder.Reply(ctx, history)
	if err != nil {
		if e.ctx.Err() == nil {
			log.Printf("[chat] assistant reply failed session=%s: %v", e.info.ID, err)
		}
		return
	}
	if e.ctx.Err() != nil {
		return
	}

	msg, err := e.store.AppendAssistantMessage(text)
	switch {
	case err == nil:
		log.Printf("[chat] assistant replied session=%s message=%s length=%d", e.info.ID, msg.ID, len(msg.Text))
	case errors.Is(err, ErrUnexpectedState):
		// already logged by the store
	default:
		log.Printf("[chat] failed to append assistant reply session=%s: %v", e.info.ID, err)
	}
}

func (s *Service) lookup(sessionID string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return e, nil
}
