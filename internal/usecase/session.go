package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"didi-voice/internal/catalog"
	"didi-voice/internal/conversation"
	"didi-voice/internal/domain"
)

const defaultMaxMessageLen = 500

// SessionStore persists session snapshots by id.
type SessionStore interface {
	Load(ctx context.Context, sessionID string) (domain.SessionState, error)
	Save(ctx context.Context, state domain.SessionState) error
	Delete(ctx context.Context, sessionID string) error
}

type StartInput struct {
	Topic   domain.Topic
	Profile domain.UserProfile
}

type StartOutput struct {
	SessionID   string
	OpeningText string
	Topic       domain.Topic
}

type SendInput struct {
	SessionID string
	Text      string
}

type SendOutput = domain.Reply

type cachedSession struct {
	session  *conversation.Session
	lastUsed time.Time
}

// SessionService owns many conversations, one Session object per id, and
// keeps each one persisted after every change.
type SessionService struct {
	provider      conversation.Provider
	topics        conversation.TopicLookup
	store         SessionStore
	logger        *slog.Logger
	sessionOpts   []conversation.Option
	maxMessageLen int
	cacheTTL      time.Duration
	probeTimeout  time.Duration
	now           func() time.Time

	mu    sync.Mutex
	cache map[string]*cachedSession
	locks map[string]*sessionLock
}

// sessionLock is reference counted so idle entries are dropped.
type sessionLock struct {
	mu   sync.Mutex
	refs int
}

type ServiceOption func(*SessionService)

func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *SessionService) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSessionOptions is applied to every Session the service builds.
func WithSessionOptions(opts ...conversation.Option) ServiceOption {
	return func(s *SessionService) {
		s.sessionOpts = append(s.sessionOpts, opts...)
	}
}

func WithMaxMessageLength(n int) ServiceOption {
	return func(s *SessionService) {
		if n > 0 {
			s.maxMessageLen = n
		}
	}
}

// WithCacheTTL keeps idle sessions in memory for ttl. Zero disables the
// cache, so every request reads the store; use that when several processes
// share one store.
func WithCacheTTL(ttl time.Duration) ServiceOption {
	return func(s *SessionService) {
		if ttl >= 0 {
			s.cacheTTL = ttl
		}
	}
}

func WithProbeTimeout(d time.Duration) ServiceOption {
	return func(s *SessionService) {
		if d > 0 {
			s.probeTimeout = d
		}
	}
}

func NewSessionService(p conversation.Provider, topics conversation.TopicLookup, store SessionStore, opts ...ServiceOption) (*SessionService, error) {
	if p == nil {
		return nil, errors.New("usecase: provider must not be nil")
	}
	if topics == nil {
		return nil, errors.New("usecase: topic lookup must not be nil")
	}
	if store == nil {
		return nil, errors.New("usecase: session store must not be nil")
	}
	s := &SessionService{
		provider:      p,
		topics:        topics,
		store:         store,
		logger:        slog.Default(),
		maxMessageLen: defaultMaxMessageLen,
		cacheTTL:      30 * time.Minute,
		probeTimeout:  conversation.DefaultRetryPolicy().AttemptTimeout,
		now:           time.Now,
		cache:         make(map[string]*cachedSession),
		locks:         make(map[string]*sessionLock),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *SessionService) newSession(extra ...conversation.Option) (*conversation.Session, error) {
	opts := append([]conversation.Option{conversation.WithLogger(s.logger)}, s.sessionOpts...)
	return conversation.New(s.provider, s.topics, append(opts, extra...)...)
}

func (s *SessionService) StartSession(ctx context.Context, in StartInput) (StartOutput, error) {
	topic := domain.Topic(strings.TrimSpace(string(in.Topic)))
	if topic == "" {
		return StartOutput{}, newError(ErrorInvalidInput, "empty_topic", nil)
	}

	sess, err := s.newSession(conversation.WithProfile(in.Profile))
	if err != nil {
		return StartOutput{}, newError(ErrorInternal, "session_init_error", err)
	}
	opening, err := sess.Start(topic)
	if err != nil {
		var topicErr *catalog.UnsupportedTopicError
		if errors.As(err, &topicErr) {
			return StartOutput{}, newError(ErrorUnsupportedTopic, "unsupported_topic", err)
		}
		return StartOutput{}, newError(ErrorInternal, "session_start_error", err)
	}

	if err := s.store.Save(ctx, sess.Snapshot()); err != nil {
		return StartOutput{}, newError(ErrorInternal, "session_save_error", err)
	}
	s.remember(opening.SessionID, sess)

	return StartOutput{
		SessionID:   opening.SessionID,
		OpeningText: opening.Text,
		Topic:       opening.Topic,
	}, nil
}

// SendMessage never reports provider failures; they come back as a fallback reply.
func (s *SessionService) SendMessage(ctx context.Context, in SendInput) (SendOutput, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return SendOutput{}, newError(ErrorInvalidInput, "empty_message", nil)
	}
	if utf8.RuneCountInString(text) > s.maxMessageLen {
		return SendOutput{}, newError(ErrorInvalidInput, "message_too_long", nil)
	}

	// Send and Save run under one per-session lock so snapshots reach the
	// store in the order the turns were taken.
	unlock := s.lockSession(in.SessionID)
	defer unlock()

	sess, err := s.lookup(ctx, in.SessionID)
	if err != nil {
		return SendOutput{}, err
	}

	reply := sess.Send(ctx, text)
	if err := s.store.Save(ctx, sess.Snapshot()); err != nil {
		return SendOutput{}, newError(ErrorInternal, "session_save_error", err)
	}
	if reply.IsFallback {
		s.logger.Info("fallback reply served", "session_id", reply.SessionID, "topic", reply.Topic)
	}
	return reply, nil
}

// ClearSession resets and forgets a session. Unknown ids are not an error.
func (s *SessionService) ClearSession(ctx context.Context, sessionID string) error {
	// A Send in flight must finish its Save before the delete, or the
	// snapshot would bring the cleared history back.
	unlock := s.lockSession(sessionID)
	defer unlock()

	sess, err := s.lookup(ctx, sessionID)
	if err != nil {
		if CodeOf(err) == ErrorNotFound {
			return nil
		}
		return err
	}
	sess.Clear()
	s.forget(sessionID)
	if err := s.store.Delete(ctx, sessionID); err != nil {
		return newError(ErrorInternal, "session_delete_error", err)
	}
	return nil
}

func (s *SessionService) Summary(ctx context.Context, sessionID string) (domain.Summary, error) {
	sess, err := s.lookup(ctx, sessionID)
	if err != nil {
		return domain.Summary{}, err
	}
	return sess.Summary(), nil
}

// Health probes the provider once.
func (s *SessionService) Health(ctx context.Context) error {
	err := conversation.Probe(ctx, s.provider, s.probeTimeout)
	if err == nil {
		return nil
	}
	var perr *conversation.ProviderError
	if errors.As(err, &perr) && perr.Kind == conversation.KindConfiguration {
		return newError(ErrorInternal, "provider_not_configured", err)
	}
	return newError(ErrorUpstream, "provider_unreachable", err)
}

func (s *SessionService) lookup(ctx context.Context, sessionID string) (*conversation.Session, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, newError(ErrorInvalidInput, "empty_session_id", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictIdleLocked()

	if c, ok := s.cache[sessionID]; ok {
		c.lastUsed = s.now()
		return c.session, nil
	}

	state, err := s.store.Load(ctx, sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return nil, newError(ErrorNotFound, "session_not_found", err)
		}
		return nil, newError(ErrorInternal, "session_load_error", err)
	}
	sess, err := s.newSession()
	if err != nil {
		return nil, newError(ErrorInternal, "session_init_error", err)
	}
	if err := sess.Restore(state); err != nil {
		return nil, newError(ErrorInternal, "session_restore_error", err)
	}
	if s.cacheTTL > 0 {
		s.cache[sessionID] = &cachedSession{session: sess, lastUsed: s.now()}
	}
	return sess, nil
}

func (s *SessionService) remember(sessionID string, sess *conversation.Session) {
	if s.cacheTTL <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[sessionID] = &cachedSession{session: sess, lastUsed: s.now()}
}

func (s *SessionService) forget(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, sessionID)
}

func (s *SessionService) lockSession(sessionID string) func() {
	sessionID = strings.TrimSpace(sessionID)
	s.mu.Lock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sessionLock{}
		s.locks[sessionID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, sessionID)
		}
		s.mu.Unlock()
	}
}

func (s *SessionService) evictIdleLocked() {
	if s.cacheTTL <= 0 {
		return
	}
	cutoff := s.now().Add(-s.cacheTTL)
	for id, c := range s.cache {
		if c.lastUsed.Before(cutoff) {
			delete(s.cache, id)
		}
	}
}

// CachedSessions reports how many sessions are held in memory.
func (s *SessionService) CachedSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cache)
}
