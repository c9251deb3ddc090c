package services

import (
	"strings"

	"studycoach-backend/internal/models"
)

// classifyWindow bounds how far back the tracker scans so classification
// stays O(window) regardless of how long a conversation gets.
const classifyWindow = 10

var quizStartMarkers = []string{
	"quiz me", "test me", "give me a quiz", "start a quiz", "ask me questions",
}

var quizStopMarkers = []string{
	"stop the quiz", "stop quiz", "end the quiz", "end quiz",
	"exit the quiz", "no more questions", "i'm done with the quiz",
}

var refresherMarkers = []string{
	"refresher", "review", "recap", "refresh my memory", "go over it again",
}

// Wrongness markers in the assistant's most recent evaluative turn. This is
// a phrasing heuristic, not a grading system.
var wrongnessMarkers = []string{
	"not quite", "incorrect", "not correct", "that's not right",
	"wrong answer", "close, but",
}

var techniqueLabels = []string{
	"mnemonic", "analogy", "flashcard", "spaced repetition",
	"practice question", "active recall", "worked example",
}

var topicPrefixes = []string{
	"quiz me on", "test me on", "tell me about", "teach me about",
	"help me with", "teach me", "explain", "what is", "what are",
}

// ClassifyTurn derives the next ConversationState from the ordered history
// (prior turns only), the newest raw user input, and the previous state. It
// is a pure function and never fails: anything ambiguous degrades to
// free_response with quiz and refresher flags off.
func ClassifyTurn(history []models.ChatMessage, input string, prev models.ConversationState) models.ConversationState {
	state := prev
	state.TeachingMethods = append([]string(nil), prev.TeachingMethods...)

	lower := strings.ToLower(strings.TrimSpace(input))

	window := history
	if len(window) > classifyWindow {
		window = window[len(window)-classifyWindow:]
	}
	lastAssistant := lastByRole(window, models.RoleAssistant)

	// lastAIQuestion holds the literal text of the most recent assistant
	// turn iff it ends with a question mark.
	state.LastAIQuestion = ""
	if lastAssistant != nil && strings.HasSuffix(strings.TrimSpace(lastAssistant.Content), "?") {
		state.LastAIQuestion = lastAssistant.Content
	}

	// Dialogue mode flags. Starting one mode ends the other.
	switch {
	case containsAny(lower, quizStopMarkers):
		state.IsInQuiz = false
	case containsAny(lower, quizStartMarkers):
		state.IsInQuiz = true
		state.InRefresherMode = false
	case containsAny(lower, refresherMarkers):
		state.InRefresherMode = true
		state.IsInQuiz = false
	}

	// Count a miss when the coach's latest evaluative turn flagged the
	// prior answer as wrong. Monotonic; reset only by an explicit clear.
	if prev.IsInQuiz && lastAssistant != nil && containsAny(strings.ToLower(lastAssistant.Content), wrongnessMarkers) {
		state.IncorrectAnswersCount++
	}

	if lastAssistant != nil {
		lowerReply := strings.ToLower(lastAssistant.Content)
		for _, label := range techniqueLabels {
			if strings.Contains(lowerReply, label) {
				state.TeachingMethods = appendUnique(state.TeachingMethods, label)
			}
		}
	}

	if topic := detectTopic(lower); topic != "" {
		state.CurrentTopic = topic
	}

	// Fixed decision table, most specific mode first. The first turn of a
	// session always wins regardless of other signals.
	switch {
	case len(history) == 0:
		state.PromptType = models.PromptInitiateSession
	case state.IsInQuiz:
		state.PromptType = models.PromptQuizInProgress
	case state.InRefresherMode:
		state.PromptType = models.PromptRefresherSession
	case state.CurrentTopic != "":
		state.PromptType = models.PromptTopicContinuation
	default:
		state.PromptType = models.PromptFreeResponse
	}

	return state
}

func lastByRole(window []models.ChatMessage, role string) *models.ChatMessage {
	for i := len(window) - 1; i >= 0; i-- {
		if window[i].Role == role {
			return &window[i]
		}
	}
	return nil
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// appendUnique keeps set semantics with insertion order: exact-match dedup,
// new labels go to the end.
func appendUnique(methods []string, label string) []string {
	for _, m := range methods {
		if m == label {
			return methods
		}
	}
	return append(methods, label)
}

func detectTopic(lower string) string {
	for _, prefix := range topicPrefixes {
		idx := strings.Index(lower, prefix)
		if idx < 0 {
			continue
		}
		topic := strings.TrimSpace(lower[idx+len(prefix):])
		topic = strings.Trim(topic, "?.!,")
		for _, article := range []string{"the ", "a ", "an "} {
			topic = strings.TrimPrefix(topic, article)
		}
		topic = strings.TrimSpace(topic)
		if topic == "" {
			continue
		}
		if len(topic) > 60 {
			topic = strings.TrimSpace(topic[:60])
		}
		return topic
	}
	return ""
}
