package models

import (
	"time"

	"github.com/google/uuid"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Prompt types describing the conversational mode used to frame the next
// coach request. The tracker derives one per turn; the backend may override
// it for the following turn via response metadata.
const (
	PromptInitiateSession   = "initiate_session"
	PromptQuizInProgress    = "quiz_in_progress"
	PromptRefresherSession  = "refresher_session"
	PromptTopicContinuation = "topic_continuation"
	PromptFreeResponse      = "free_response"
)

// ChatMessage is a single turn in a coaching dialogue. Content is immutable
// once created; turns are only ever removed by clearing the whole
// conversation.
type ChatMessage struct {
	ID        uuid.UUID `json:"id"`
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ConversationState is the session-scoped classification of where the
// dialogue currently is. It is a cache derived from the message log, never a
// second source of truth, and can be recomputed from history at any time.
type ConversationState struct {
	PromptType            string   `json:"prompt_type"`
	IsInQuiz              bool     `json:"is_in_quiz"`
	InRefresherMode       bool     `json:"in_refresher_mode"`
	CurrentTopic          string   `json:"current_topic,omitempty"`
	IncorrectAnswersCount int      `json:"incorrect_answers_count"`
	TeachingMethods       []string `json:"teaching_methods,omitempty"`
	LastAIQuestion        string   `json:"last_ai_question,omitempty"`
}

// InitialConversationState is the state of a fresh or freshly cleared
// session.
func InitialConversationState() ConversationState {
	return ConversationState{PromptType: PromptInitiateSession}
}

// SendMessageRequest is the payload for the coach message endpoint.
type SendMessageRequest struct {
	Message   string    `json:"message"`
	SessionID uuid.UUID `json:"session_id"`
}

// SendMessageResponse echoes the assistant turn so HTTP callers do not have
// to wait for the websocket event.
type SendMessageResponse struct {
	Reply      ChatMessage       `json:"reply"`
	State      ConversationState `json:"state"`
	FromServer bool              `json:"from_server"` // false when the reply is a local fallback
}

// InferenceContext is the compact context payload sent alongside each
// inference request.
type InferenceContext struct {
	QuizTopic       string   `json:"quizTopic,omitempty"`
	TeachingHistory []string `json:"teachingHistory,omitempty"`
	IncorrectCount  int      `json:"incorrectCount"`
	IsInQuiz        bool     `json:"isInQuiz"`
	InRefresherMode bool     `json:"inRefresherMode"`
}

// InferenceRequest is the bounded request dispatched to the remote model.
type InferenceRequest struct {
	Message       string           `json:"message"`
	UserID        uuid.UUID        `json:"userId"`
	SessionID     uuid.UUID        `json:"sessionId"`
	PromptType    string           `json:"promptType"`
	ContextData   InferenceContext `json:"contextData"`
	ClientHistory []ChatMessage    `json:"clientHistory"`
}

// InferenceResponse is what the remote model is expected to return. The
// endpoint is untrusted: an absent or empty Response is a failure, not a
// valid empty reply.
type InferenceResponse struct {
	Response string `json:"response"`
	Metadata struct {
		PromptType string `json:"promptType,omitempty"`
	} `json:"metadata"`
}
