// Package conversation drives one topic-scoped voice conversation with a
// generative-language provider. A Session keeps the ordered turn history,
// builds a bounded context for each reply, retries the provider with spacing
// and linear backoff, and substitutes canned replies when the provider cannot
// answer, so a conversation always moves forward.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"didi-voice/internal/catalog"
	"didi-voice/internal/domain"
)

// Provider produces assistant text for a rendered prompt.
type Provider interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// CredentialChecker is implemented by providers that can verify their
// credential without a network call.
type CredentialChecker interface {
	CheckCredential(ctx context.Context) error
}

// TopicLookup resolves the static content of a topic.
type TopicLookup interface {
	Lookup(topic domain.Topic) (catalog.Entry, error)
	ClosingPhrases() []string
}

// Session is one caller-owned conversation. Its methods are safe for
// concurrent use; concurrent Sends are served one at a time.
type Session struct {
	provider     Provider
	topics       TopicLookup
	closing      ClosingDetector
	clock        Clock
	logger       *slog.Logger
	policy       RetryPolicy
	windowSize   int
	defaultTopic domain.Topic
	newID        func() string

	mu           sync.Mutex
	id           string
	topic        domain.Topic
	entry        catalog.Entry
	turns        []domain.Turn
	profile      domain.UserProfile
	apiCallCount int
	lastAPICall  time.Time
	createdAt    time.Time
	updatedAt    time.Time
}

type Option func(*Session)

func WithClock(c Clock) Option {
	return func(s *Session) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *Session) {
		s.policy = p.withDefaults()
	}
}

// WithClosingDetector replaces the keyword match on the catalog's closing phrases.
func WithClosingDetector(d ClosingDetector) Option {
	return func(s *Session) {
		if d != nil {
			s.closing = d
		}
	}
}

func WithWindowSize(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.windowSize = n
		}
	}
}

// WithDefaultTopic sets the topic used when a message arrives before Start.
func WithDefaultTopic(t domain.Topic) Option {
	return func(s *Session) {
		s.defaultTopic = t
	}
}

func WithProfile(p domain.UserProfile) Option {
	return func(s *Session) {
		s.profile = p
	}
}

func WithIDGenerator(fn func() string) Option {
	return func(s *Session) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// New creates an idle session. Call Start to pick a topic.
func New(p Provider, topics TopicLookup, opts ...Option) (*Session, error) {
	if p == nil {
		return nil, errors.New("conversation: provider must not be nil")
	}
	if topics == nil {
		return nil, errors.New("conversation: topic lookup must not be nil")
	}
	s := &Session{
		provider:     p,
		topics:       topics,
		clock:        realClock{},
		logger:       slog.Default(),
		policy:       DefaultRetryPolicy(),
		windowSize:   DefaultWindowSize,
		defaultTopic: domain.TopicGeneralHealth,
		newID:        uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	if _, err := topics.Lookup(s.defaultTopic); err != nil {
		return nil, fmt.Errorf("conversation: default topic: %w", err)
	}
	if s.closing == nil {
		s.closing = NewKeywordDetector(topics.ClosingPhrases())
	}
	return s, nil
}

// Start resets the session onto topic and returns the canned opening line.
// An unknown topic leaves the session untouched.
func (s *Session) Start(topic domain.Topic) (domain.Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.topics.Lookup(topic)
	if err != nil {
		return domain.Reply{}, fmt.Errorf("conversation: start: %w", err)
	}
	s.begin(topic, entry)
	s.logger.Info("conversation started", "session_id", s.id, "topic", topic)

	return domain.Reply{
		Text:      entry.OpeningLine,
		Topic:     topic,
		SessionID: s.id,
	}, nil
}

// begin installs a fresh history for topic under a new session id.
func (s *Session) begin(topic domain.Topic, entry catalog.Entry) {
	now := s.clock.Now()
	s.id = s.newID()
	s.topic = topic
	s.entry = entry
	s.turns = []domain.Turn{{Role: domain.RoleSystem, Content: entry.SystemPrompt, Timestamp: now}}
	s.apiCallCount = 0
	s.lastAPICall = time.Time{}
	s.createdAt = now
	s.updatedAt = now
}

// ensureStarted reinstalls the system turn after Clear, or starts the default
// topic when nothing was started. The caller holds s.mu.
func (s *Session) ensureStarted() {
	if len(s.turns) > 0 {
		return
	}
	topic := s.topic
	if topic == "" {
		topic = s.defaultTopic
	}
	entry, err := s.topics.Lookup(topic)
	if err != nil {
		topic = s.defaultTopic
		entry, _ = s.topics.Lookup(topic)
	}
	id := s.id
	s.begin(topic, entry)
	if id != "" {
		s.id = id
	}
}

// Send appends userText, obtains a reply and appends it. It never fails:
// when the provider path gives up the reply is the topic's next canned line.
func (s *Session) Send(ctx context.Context, userText string) domain.Reply {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ensureStarted()
	s.appendTurn(domain.Turn{Role: domain.RoleUser, Content: strings.TrimSpace(userText)})

	prompt := buildPrompt(s.entry.SystemPrompt, s.turns, s.profile, s.windowSize)
	text, err := s.generate(ctx, prompt.String())
	if err == nil {
		s.appendTurn(domain.Turn{Role: domain.RoleAssistant, Content: text, IsRealAI: true})
		return domain.Reply{
			Text:      text,
			Topic:     s.topic,
			SessionID: s.id,
			EndCall:   s.closing.IsClosingStatement(text),
			IsRealAI:  true,
		}
	}

	fallback := s.entry.Fallback(s.nonSystemTurns())
	s.logger.Warn("using fallback reply",
		"session_id", s.id,
		"topic", s.topic,
		"err", err,
	)
	s.appendTurn(domain.Turn{Role: domain.RoleAssistant, Content: fallback, IsFallback: true})
	return domain.Reply{
		Text:       fallback,
		Topic:      s.topic,
		SessionID:  s.id,
		IsFallback: true,
	}
}

func (s *Session) appendTurn(t domain.Turn) {
	now := s.clock.Now()
	t.Timestamp = now
	s.turns = append(s.turns, t)
	s.updatedAt = now
}

func (s *Session) nonSystemTurns() int {
	n := 0
	for _, t := range s.turns {
		if t.Role != domain.RoleSystem {
			n++
		}
	}
	return n
}

// Clear drops the history and issues a new session id. The topic is kept so
// a following Send continues on it.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.turns = nil
	s.id = s.newID()
	s.apiCallCount = 0
	s.lastAPICall = time.Time{}
	s.updatedAt = s.clock.Now()
}

// Summary aggregates the current history.
func (s *Session) Summary() domain.Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := domain.Summary{
		SessionID:    s.id,
		Topic:        s.topic,
		APICallCount: s.apiCallCount,
	}
	for _, t := range s.turns {
		switch t.Role {
		case domain.RoleSystem:
			sum.SystemTurns++
		case domain.RoleUser:
			sum.UserTurns++
		case domain.RoleAssistant:
			sum.AssistantTurns++
			if t.IsRealAI {
				sum.RealAITurns++
			}
			if t.IsFallback {
				sum.FallbackTurns++
			}
		}
	}
	if answered := sum.RealAITurns + sum.FallbackTurns; answered > 0 {
		sum.RealAIRatio = float64(sum.RealAITurns) / float64(answered)
	}
	if len(s.turns) > 0 {
		sum.Elapsed = s.clock.Now().Sub(s.turns[0].Timestamp)
	}
	return sum
}

// HealthCheck probes the provider once, without retries.
func (s *Session) HealthCheck(ctx context.Context) error {
	return Probe(ctx, s.provider, s.policy.AttemptTimeout)
}

func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *Session) Topic() domain.Topic {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.topic
}

// Turns returns a copy of the history.
func (s *Session) Turns() []domain.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Turn(nil), s.turns...)
}

// Snapshot returns the persistable state of the session.
func (s *Session) Snapshot() domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.SessionState{
		ID:           s.id,
		Topic:        s.topic,
		Turns:        append([]domain.Turn(nil), s.turns...),
		APICallCount: s.apiCallCount,
		LastAPICall:  s.lastAPICall,
		Profile:      s.profile,
		CreatedAt:    s.createdAt,
		UpdatedAt:    s.updatedAt,
	}
}

// Restore replaces the session with a stored state.
func (s *Session) Restore(st domain.SessionState) error {
	entry, err := s.topics.Lookup(st.Topic)
	if err != nil {
		return fmt.Errorf("conversation: restore: %w", err)
	}
	if len(st.Turns) > 0 && st.Turns[0].Role != domain.RoleSystem {
		return errors.New("conversation: restore: first turn must be the system turn")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = st.ID
	s.topic = st.Topic
	s.entry = entry
	s.turns = append([]domain.Turn(nil), st.Turns...)
	s.apiCallCount = st.APICallCount
	s.lastAPICall = st.LastAPICall
	s.profile = st.Profile
	s.createdAt = st.CreatedAt
	s.updatedAt = st.UpdatedAt
	return nil
}
