package conversation

import (
	"strings"

	"didi-voice/internal/domain"
)

// DefaultWindowSize is how many recent user and assistant turns are replayed
// to the provider.
const DefaultWindowSize = 6

const replyDirective = "Reply as Didi in simple spoken Hindi. Use only 2-3 short sentences " +
	"and end with one gentle follow-up question."

// Prompt is the bounded context sent to the provider for one reply.
type Prompt struct {
	System  string
	Window  []domain.Turn
	Profile domain.UserProfile
}

func buildPrompt(system string, turns []domain.Turn, profile domain.UserProfile, windowSize int) Prompt {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	history := make([]domain.Turn, 0, len(turns))
	for _, t := range turns {
		if t.Role != domain.RoleSystem {
			history = append(history, t)
		}
	}
	if len(history) > windowSize {
		history = history[len(history)-windowSize:]
	}
	return Prompt{System: system, Window: history, Profile: profile}
}

// String renders the prompt as the single text part the provider receives.
func (p Prompt) String() string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(p.System))
	b.WriteString("\n\nConversation so far:\n")
	for _, t := range p.Window {
		b.WriteString(speakerLabel(t.Role))
		b.WriteString(": ")
		b.WriteString(normalizePromptInput(t.Content))
		b.WriteString("\n")
	}
	if line := profileLine(p.Profile); line != "" {
		b.WriteString("\n")
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(replyDirective)
	return b.String()
}

func speakerLabel(r domain.Role) string {
	if r == domain.RoleAssistant {
		return "Didi"
	}
	return "User"
}

func profileLine(p domain.UserProfile) string {
	if p.IsZero() {
		return ""
	}
	name := normalizePromptInput(p.Name)
	lang := normalizePromptInput(p.Language)
	switch {
	case name != "" && lang != "":
		return "User profile: name " + name + ", preferred language " + lang + "."
	case name != "":
		return "User profile: name " + name + "."
	case lang != "":
		return "User profile: preferred language " + lang + "."
	default:
		return ""
	}
}

func normalizePromptInput(s string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(s)), " ")
}
