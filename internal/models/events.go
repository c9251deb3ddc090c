package models

// Notice severities surfaced to the UI layer. Validation notices point at a
// deployment/config problem; transient notices are routine connectivity
// noise and auto-dismiss client-side.
const (
	NoticeSeverityTransient  = "transient"
	NoticeSeverityValidation = "validation"
)

// WebSocket message types
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// AssistantTurnEvent is pushed whenever a new assistant turn lands in the
// history, whether it came from the backend or the local fallback.
type AssistantTurnEvent struct {
	Message    ChatMessage `json:"message"`
	PromptType string      `json:"prompt_type"`
	Fallback   bool        `json:"fallback"`
}

type NoticeEvent struct {
	Severity string `json:"severity"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

// SpeakEvent asks the client voice layer to play a single assistant turn.
type SpeakEvent struct {
	Text string `json:"text"`
}

type APIError struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}

type ErrorResponse struct {
	Error APIError `json:"error"`
}
