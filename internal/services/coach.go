package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"studycoach-backend/internal/models"
)

var errReplyTimeout = errors.New("timed out waiting for coach reply")
var errEmptyReply = errors.New("coach backend returned an empty reply")

// EventPublisher fans session events out to the UI layer (websocket hub).
type EventPublisher interface {
	Publish(ctx context.Context, identity uuid.UUID, msg models.WSMessage)
}

type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Publish(ctx context.Context, identity uuid.UUID, msg models.WSMessage) {
	data, _ := json.Marshal(msg)
	p.client.Publish(ctx, "coach_updates:"+identity.String(), string(data))
}

// CoachService orchestrates one coaching turn: append the user message,
// classify the dialogue, dispatch to the model under a hard deadline, and
// fall back locally when the backend cannot answer. At most one turn is in
// flight per identity at a time.
type CoachService struct {
	store     *ChatStore
	inference InferenceClient
	publisher EventPublisher
	autoplay  *AutoPlayController
	timeout   time.Duration
	window    int

	mu        sync.Mutex
	inFlight  map[uuid.UUID]bool
	states    map[uuid.UUID]models.ConversationState
	overrides map[uuid.UUID]string // server-asserted promptType for the next turn
}

func NewCoachService(
	store *ChatStore,
	inference InferenceClient,
	publisher EventPublisher,
	autoplay *AutoPlayController,
	replyTimeout time.Duration,
	historyWindow int,
) *CoachService {
	return &CoachService{
		store:     store,
		inference: inference,
		publisher: publisher,
		autoplay:  autoplay,
		timeout:   replyTimeout,
		window:    historyWindow,
		inFlight:  make(map[uuid.UUID]bool),
		states:    make(map[uuid.UUID]models.ConversationState),
		overrides: make(map[uuid.UUID]string),
	}
}

// SendMessage runs one full coaching turn. Backend failures never escape:
// they terminate in a fallback assistant turn and a notice, so the returned
// error is only ever an input or re-entrancy rejection.
func (s *CoachService) SendMessage(ctx context.Context, identity, sessionID uuid.UUID, rawText string) (*models.SendMessageResponse, error) {
	text := strings.TrimSpace(rawText)
	if text == "" {
		return nil, &ValidationError{Fields: map[string]string{"message": "Message is required"}}
	}

	s.mu.Lock()
	if s.inFlight[identity] {
		s.mu.Unlock()
		return nil, &ConflictError{Message: "A reply is already in progress for this conversation"}
	}
	s.inFlight[identity] = true
	prev, ok := s.states[identity]
	if !ok {
		prev = models.InitialConversationState()
	}
	override := s.overrides[identity]
	delete(s.overrides, identity)
	s.mu.Unlock()

	// Released on every path so a single bad call can never wedge the
	// session.
	defer func() {
		s.mu.Lock()
		delete(s.inFlight, identity)
		s.mu.Unlock()
	}()

	history := s.store.List(ctx, identity)

	// The user turn lands before the network call so input is never lost.
	userMsg := newTurn(models.RoleUser, text)
	s.store.Append(ctx, identity, userMsg)

	state := ClassifyTurn(history, text, prev)
	if override != "" && len(history) > 0 {
		state.PromptType = override
	}

	recent := append(history, userMsg)
	if len(recent) > s.window {
		recent = recent[len(recent)-s.window:]
	}

	req := models.InferenceRequest{
		Message:    text,
		UserID:     identity,
		SessionID:  sessionID,
		PromptType: state.PromptType,
		ContextData: models.InferenceContext{
			QuizTopic:       state.CurrentTopic,
			TeachingHistory: state.TeachingMethods,
			IncorrectCount:  state.IncorrectAnswersCount,
			IsInQuiz:        state.IsInQuiz,
			InRefresherMode: state.InRefresherMode,
		},
		ClientHistory: recent,
	}

	resp, err := s.raceInference(ctx, req)
	if err == nil && strings.TrimSpace(resp.Response) == "" {
		err = errEmptyReply
	}

	if err != nil {
		return s.finishWithFallback(ctx, identity, text, state, err), nil
	}

	replyText := strings.TrimSpace(resp.Response)
	reply := newTurn(models.RoleAssistant, replyText)
	s.store.Append(ctx, identity, reply)

	if strings.HasSuffix(replyText, "?") {
		state.LastAIQuestion = replyText
	} else {
		state.LastAIQuestion = ""
	}

	s.mu.Lock()
	s.states[identity] = state
	if resp.Metadata.PromptType != "" {
		s.overrides[identity] = resp.Metadata.PromptType
	}
	s.mu.Unlock()

	s.publish(ctx, identity, models.WSMessage{
		Type:    "assistant_turn",
		Payload: models.AssistantTurnEvent{Message: reply, PromptType: state.PromptType},
	})
	s.speak(ctx, identity, reply)

	return &models.SendMessageResponse{Reply: reply, State: state, FromServer: true}, nil
}

// History returns the full ordered log for the identity.
func (s *CoachService) History(ctx context.Context, identity uuid.UUID) []models.ChatMessage {
	return s.store.List(ctx, identity)
}

// State returns the current derived conversation state.
func (s *CoachService) State(identity uuid.UUID) models.ConversationState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.states[identity]; ok {
		return state
	}
	return models.InitialConversationState()
}

// Clear empties the conversation and resets all derived state. Idempotent.
func (s *CoachService) Clear(ctx context.Context, identity uuid.UUID) {
	s.store.Clear(ctx, identity)

	s.mu.Lock()
	s.states[identity] = models.InitialConversationState()
	delete(s.overrides, identity)
	s.mu.Unlock()
}

type inferenceResult struct {
	resp *models.InferenceResponse
	err  error
}

// raceInference races the backend call against a fixed timer; first to
// settle wins. The result channel is buffered so a late backend result is
// discarded without leaking the goroutine, and cancelling the call context
// tells the client to abandon the attempt.
func (s *CoachService) raceInference(ctx context.Context, req models.InferenceRequest) (*models.InferenceResponse, error) {
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	resCh := make(chan inferenceResult, 1)
	go func() {
		resp, err := s.inference.Generate(callCtx, req)
		resCh <- inferenceResult{resp: resp, err: err}
	}()

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case res := <-resCh:
		return res.resp, res.err
	case <-timer.C:
		return nil, errReplyTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *CoachService) finishWithFallback(ctx context.Context, identity uuid.UUID, userText string, state models.ConversationState, cause error) *models.SendMessageResponse {
	log.Printf("coach: falling back for %s: %v", identity, cause)

	reply := newTurn(models.RoleAssistant, fallbackReply(userText))
	s.store.Append(ctx, identity, reply)
	state.LastAIQuestion = ""

	s.mu.Lock()
	s.states[identity] = state
	s.mu.Unlock()

	severity, code := models.NoticeSeverityTransient, "COACH_UNREACHABLE"
	var ve *ValidationError
	if errors.As(cause, &ve) {
		// The backend rejected the request shape: a deployment problem,
		// not user-side network flakiness.
		severity, code = models.NoticeSeverityValidation, "COACH_REQUEST_REJECTED"
	}

	s.publish(ctx, identity, models.WSMessage{
		Type:    "notice",
		Payload: models.NoticeEvent{Severity: severity, Code: code, Message: "The study coach is answering locally while the connection recovers."},
	})
	s.publish(ctx, identity, models.WSMessage{
		Type:    "assistant_turn",
		Payload: models.AssistantTurnEvent{Message: reply, PromptType: state.PromptType, Fallback: true},
	})
	s.speak(ctx, identity, reply)

	return &models.SendMessageResponse{Reply: reply, State: state, FromServer: false}
}

func (s *CoachService) publish(ctx context.Context, identity uuid.UUID, msg models.WSMessage) {
	if s.publisher != nil {
		s.publisher.Publish(ctx, identity, msg)
	}
}

func (s *CoachService) speak(ctx context.Context, identity uuid.UUID, reply models.ChatMessage) {
	if s.autoplay != nil {
		s.autoplay.OnAssistantTurn(ctx, identity, reply)
	}
}

func newTurn(role, content string) models.ChatMessage {
	return models.ChatMessage{
		ID:        uuid.New(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// fallbackReply is the deterministic local reply used whenever the backend
// call fails, times out, or returns an invalid response.
func fallbackReply(userText string) string {
	topic := strings.TrimSpace(userText)
	if len(topic) > 80 {
		topic = strings.TrimSpace(topic[:80])
	}
	return fmt.Sprintf(
		"I couldn't reach the study coach just now, so here is a study tip you can use right away. "+
			"Take %q and try three things: write down everything you already remember about it, "+
			"turn the key facts into two or three flashcards, and explain the idea out loud as if "+
			"teaching a classmate. Send your message again in a moment and we'll pick up where we left off.",
		topic)
}
