package domain

// Topic is a fixed conversation domain. It selects the system prompt, the
// opening line and the fallback replies of a session.
type Topic string

const (
	TopicMenstrualHealth Topic = "menstrual_health"
	TopicPregnancyCare   Topic = "pregnancy_care"
	TopicDigitalLiteracy Topic = "digital_literacy"
	TopicGeneralHealth   Topic = "general_health"
)

// Topics lists the built-in topics in a stable order.
func Topics() []Topic {
	return []Topic{
		TopicMenstrualHealth,
		TopicPregnancyCare,
		TopicDigitalLiteracy,
		TopicGeneralHealth,
	}
}
