package domain

import "time"

// Role tags who produced a turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is a single message in a conversation.
type Turn struct {
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	IsRealAI   bool      `json:"isRealAI,omitempty"`
	IsFallback bool      `json:"isFallback,omitempty"`
}

// UserProfile is read-only caller context rendered into the prompt.
type UserProfile struct {
	Name     string `json:"name,omitempty"`
	Language string `json:"language,omitempty"`
}

// IsZero reports whether the profile carries no context.
func (p UserProfile) IsZero() bool {
	return p.Name == "" && p.Language == ""
}

// SessionState is the persisted snapshot of a conversation session.
type SessionState struct {
	ID           string      `json:"sessionId"`
	Topic        Topic       `json:"topic"`
	Turns        []Turn      `json:"turns"`
	APICallCount int         `json:"apiCallCount"`
	LastAPICall  time.Time   `json:"lastApiCall"`
	Profile      UserProfile `json:"profile"`
	CreatedAt    time.Time   `json:"createdAt"`
	UpdatedAt    time.Time   `json:"updatedAt"`
}

// Reply is the outcome of one user message.
type Reply struct {
	Text       string `json:"text"`
	Topic      Topic  `json:"topic"`
	SessionID  string `json:"sessionId"`
	EndCall    bool   `json:"endCall"`
	IsRealAI   bool   `json:"isRealAI"`
	IsFallback bool   `json:"isFallback"`
}

// Summary aggregates the turn history of a session.
type Summary struct {
	SessionID      string        `json:"sessionId"`
	Topic          Topic         `json:"topic"`
	SystemTurns    int           `json:"systemTurns"`
	UserTurns      int           `json:"userTurns"`
	AssistantTurns int           `json:"assistantTurns"`
	RealAITurns    int           `json:"realAITurns"`
	FallbackTurns  int           `json:"fallbackTurns"`
	RealAIRatio    float64       `json:"realAIRatio"`
	Elapsed        time.Duration `json:"elapsed"`
	APICallCount   int           `json:"apiCallCount"`
}
