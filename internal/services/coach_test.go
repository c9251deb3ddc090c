package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"studycoach-backend/internal/models"
)

type stubInference struct {
	mu       sync.Mutex
	requests []models.InferenceRequest
	generate func(ctx context.Context, req models.InferenceRequest) (*models.InferenceResponse, error)
}

func (s *stubInference) Generate(ctx context.Context, req models.InferenceRequest) (*models.InferenceResponse, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	fn := s.generate
	s.mu.Unlock()
	return fn(ctx, req)
}

func (s *stubInference) lastRequest(t *testing.T) models.InferenceRequest {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		t.Fatal("Expected at least one inference request")
	}
	return s.requests[len(s.requests)-1]
}

type captureEvents struct {
	mu     sync.Mutex
	events []models.WSMessage
}

func (c *captureEvents) Publish(ctx context.Context, identity uuid.UUID, msg models.WSMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, msg)
}

func (c *captureEvents) byType(msgType string) []models.WSMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.WSMessage
	for _, e := range c.events {
		if e.Type == msgType {
			out = append(out, e)
		}
	}
	return out
}

func replyWith(text string) func(ctx context.Context, req models.InferenceRequest) (*models.InferenceResponse, error) {
	return func(ctx context.Context, req models.InferenceRequest) (*models.InferenceResponse, error) {
		return &models.InferenceResponse{Response: text}, nil
	}
}

func newTestCoach(inference *stubInference, timeout time.Duration, window int) (*CoachService, *captureEvents) {
	events := &captureEvents{}
	store := NewChatStore(&stubHistoryRepo{}, &stubQueue{}, 1)
	return NewCoachService(store, inference, events, nil, timeout, window), events
}

func TestSendMessage_FirstTurn(t *testing.T) {
	inference := &stubInference{generate: replyWith("Great question! Photosynthesis is how plants make food from light. What part should we dig into first?")}
	coach, events := newTestCoach(inference, time.Second, 6)
	identity := uuid.New()
	ctx := context.Background()

	resp, err := coach.SendMessage(ctx, identity, uuid.New(), "What is photosynthesis?")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if !resp.FromServer {
		t.Error("Expected a server reply, got fallback")
	}
	if resp.Reply.Role != models.RoleAssistant {
		t.Errorf("Expected assistant reply, got role %q", resp.Reply.Role)
	}

	req := inference.lastRequest(t)
	if req.PromptType != models.PromptInitiateSession {
		t.Errorf("Expected promptType %q on first turn, got %q", models.PromptInitiateSession, req.PromptType)
	}
	if len(req.ClientHistory) != 1 || req.ClientHistory[0].Role != models.RoleUser {
		t.Errorf("Expected client history of just the user turn, got %d messages", len(req.ClientHistory))
	}

	history := coach.History(ctx, identity)
	if len(history) != 2 {
		t.Fatalf("Expected exactly user + assistant turns, got %d", len(history))
	}
	if history[0].Role != models.RoleUser || history[1].Role != models.RoleAssistant {
		t.Errorf("Expected [user, assistant] order, got [%s, %s]", history[0].Role, history[1].Role)
	}

	if resp.State.LastAIQuestion == "" {
		t.Error("Expected lastAIQuestion to be set for a reply ending in '?'")
	}

	if turns := events.byType("assistant_turn"); len(turns) != 1 {
		t.Errorf("Expected 1 assistant_turn event, got %d", len(turns))
	}
}

func TestSendMessage_BlankInputRejected(t *testing.T) {
	inference := &stubInference{generate: replyWith("unused")}
	coach, events := newTestCoach(inference, time.Second, 6)
	identity := uuid.New()
	ctx := context.Background()

	for _, input := range []string{"", "   ", "\n\t"} {
		if _, err := coach.SendMessage(ctx, identity, uuid.New(), input); err == nil {
			t.Errorf("Expected error for input %q", input)
		} else {
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Errorf("Expected ValidationError for input %q, got %T", input, err)
			}
		}
	}

	if history := coach.History(ctx, identity); len(history) != 0 {
		t.Errorf("Expected no turns appended on rejected input, got %d", len(history))
	}
	if len(events.byType("assistant_turn")) != 0 {
		t.Error("Expected no events on rejected input")
	}
}

func TestSendMessage_BackendFailureFallsBack(t *testing.T) {
	inference := &stubInference{generate: func(ctx context.Context, req models.InferenceRequest) (*models.InferenceResponse, error) {
		return nil, errors.New("upstream 503")
	}}
	coach, events := newTestCoach(inference, time.Second, 6)
	identity := uuid.New()
	ctx := context.Background()

	resp, err := coach.SendMessage(ctx, identity, uuid.New(), "explain gravity")
	if err != nil {
		t.Fatalf("Expected fallback, not error: %v", err)
	}
	if resp.FromServer {
		t.Error("Expected FromServer false on fallback")
	}
	if !strings.Contains(resp.Reply.Content, "flashcards") {
		t.Errorf("Expected a study-tip fallback, got %q", resp.Reply.Content)
	}

	// Exactly one user and one assistant turn, even on failure.
	history := coach.History(ctx, identity)
	if len(history) != 2 {
		t.Fatalf("Expected 2 turns after fallback, got %d", len(history))
	}
	if history[0].Role != models.RoleUser || history[1].Role != models.RoleAssistant {
		t.Errorf("Expected [user, assistant] order, got [%s, %s]", history[0].Role, history[1].Role)
	}

	notices := events.byType("notice")
	if len(notices) != 1 {
		t.Fatalf("Expected 1 notice event, got %d", len(notices))
	}
	notice, ok := notices[0].Payload.(models.NoticeEvent)
	if !ok {
		t.Fatalf("Expected NoticeEvent payload, got %T", notices[0].Payload)
	}
	if notice.Severity != models.NoticeSeverityTransient {
		t.Errorf("Expected transient severity, got %q", notice.Severity)
	}

	turns := events.byType("assistant_turn")
	if len(turns) != 1 {
		t.Fatalf("Expected 1 assistant_turn event, got %d", len(turns))
	}
	if event, ok := turns[0].Payload.(models.AssistantTurnEvent); !ok || !event.Fallback {
		t.Errorf("Expected fallback assistant_turn event, got %+v", turns[0].Payload)
	}
}

func TestSendMessage_ValidationFailureSeverity(t *testing.T) {
	inference := &stubInference{generate: func(ctx context.Context, req models.InferenceRequest) (*models.InferenceResponse, error) {
		return nil, &ValidationError{Fields: map[string]string{"promptType": "Unknown prompt type"}}
	}}
	coach, events := newTestCoach(inference, time.Second, 6)

	resp, err := coach.SendMessage(context.Background(), uuid.New(), uuid.New(), "hello")
	if err != nil {
		t.Fatalf("Expected fallback, not error: %v", err)
	}
	if resp.FromServer {
		t.Error("Expected fallback reply")
	}

	notices := events.byType("notice")
	if len(notices) != 1 {
		t.Fatalf("Expected 1 notice, got %d", len(notices))
	}
	notice := notices[0].Payload.(models.NoticeEvent)
	if notice.Severity != models.NoticeSeverityValidation {
		t.Errorf("Expected validation severity, got %q", notice.Severity)
	}
	if notice.Code != "COACH_REQUEST_REJECTED" {
		t.Errorf("Expected COACH_REQUEST_REJECTED, got %q", notice.Code)
	}
}

func TestSendMessage_EmptyReplyFallsBack(t *testing.T) {
	inference := &stubInference{generate: replyWith("   ")}
	coach, _ := newTestCoach(inference, time.Second, 6)
	identity := uuid.New()

	resp, err := coach.SendMessage(context.Background(), identity, uuid.New(), "teach me fractions")
	if err != nil {
		t.Fatalf("Expected fallback, not error: %v", err)
	}
	if resp.FromServer {
		t.Error("Expected empty backend reply to be treated as a failure")
	}
	if strings.TrimSpace(resp.Reply.Content) == "" {
		t.Error("Expected a non-empty fallback reply")
	}
}

func TestSendMessage_TimeoutFallsBack(t *testing.T) {
	inference := &stubInference{generate: func(ctx context.Context, req models.InferenceRequest) (*models.InferenceResponse, error) {
		<-ctx.Done() // hang until the orchestrator gives up
		return nil, ctx.Err()
	}}
	coach, _ := newTestCoach(inference, 40*time.Millisecond, 6)
	identity := uuid.New()
	ctx := context.Background()

	start := time.Now()
	resp, err := coach.SendMessage(ctx, identity, uuid.New(), "are you there?")
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Expected fallback, not error: %v", err)
	}
	if resp.FromServer {
		t.Error("Expected fallback after timeout")
	}
	if elapsed > time.Second {
		t.Errorf("Expected fallback close to the deadline, took %v", elapsed)
	}

	// The guard must be released after a timeout: a healthy follow-up turn
	// goes straight through.
	inference.mu.Lock()
	inference.generate = replyWith("Back online!")
	inference.mu.Unlock()

	resp, err = coach.SendMessage(ctx, identity, uuid.New(), "how about now?")
	if err != nil {
		t.Fatalf("Expected recovery turn to succeed: %v", err)
	}
	if !resp.FromServer {
		t.Error("Expected a server reply once the backend recovers")
	}
}

func TestSendMessage_RejectsConcurrentTurn(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	inference := &stubInference{generate: func(ctx context.Context, req models.InferenceRequest) (*models.InferenceResponse, error) {
		close(started)
		<-release
		return &models.InferenceResponse{Response: "done waiting"}, nil
	}}
	coach, _ := newTestCoach(inference, 5*time.Second, 6)
	identity := uuid.New()
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := coach.SendMessage(ctx, identity, uuid.New(), "slow question"); err != nil {
			t.Errorf("First turn failed: %v", err)
		}
	}()

	<-started
	_, err := coach.SendMessage(ctx, identity, uuid.New(), "impatient second question")
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Errorf("Expected ConflictError for overlapping turn, got %v", err)
	}

	// A different identity is not blocked by this one's in-flight turn.
	other := uuid.New()
	otherInference := &stubInference{generate: replyWith("independent")}
	otherCoach, _ := newTestCoach(otherInference, time.Second, 6)
	if _, err := otherCoach.SendMessage(ctx, other, uuid.New(), "parallel question"); err != nil {
		t.Errorf("Independent identity should not be blocked: %v", err)
	}

	close(release)
	wg.Wait()

	// The rejected turn must not have appended anything.
	history := coach.History(ctx, identity)
	if len(history) != 2 {
		t.Errorf("Expected 2 turns (rejected call appends nothing), got %d", len(history))
	}
}

func TestSendMessage_ServerPromptTypeOverride(t *testing.T) {
	inference := &stubInference{generate: func(ctx context.Context, req models.InferenceRequest) (*models.InferenceResponse, error) {
		resp := &models.InferenceResponse{Response: "Let's make this a quiz. First question: what is H2O?"}
		resp.Metadata.PromptType = models.PromptQuizInProgress
		return resp, nil
	}}
	coach, _ := newTestCoach(inference, time.Second, 6)
	identity := uuid.New()
	ctx := context.Background()

	if _, err := coach.SendMessage(ctx, identity, uuid.New(), "help me with chemistry"); err != nil {
		t.Fatalf("First turn failed: %v", err)
	}
	if _, err := coach.SendMessage(ctx, identity, uuid.New(), "water"); err != nil {
		t.Fatalf("Second turn failed: %v", err)
	}

	req := inference.lastRequest(t)
	if req.PromptType != models.PromptQuizInProgress {
		t.Errorf("Expected server override %q on next turn, got %q", models.PromptQuizInProgress, req.PromptType)
	}
}

func TestSendMessage_HistoryWindowBounded(t *testing.T) {
	inference := &stubInference{generate: replyWith("Noted.")}
	coach, _ := newTestCoach(inference, time.Second, 4)
	identity := uuid.New()
	ctx := context.Background()

	for _, msg := range []string{"one", "two", "three", "four", "five"} {
		if _, err := coach.SendMessage(ctx, identity, uuid.New(), msg); err != nil {
			t.Fatalf("SendMessage(%q) failed: %v", msg, err)
		}
	}

	req := inference.lastRequest(t)
	if len(req.ClientHistory) != 4 {
		t.Errorf("Expected client history capped at 4, got %d", len(req.ClientHistory))
	}
	if req.ClientHistory[len(req.ClientHistory)-1].Content != "five" {
		t.Errorf("Expected the newest turn last, got %q", req.ClientHistory[len(req.ClientHistory)-1].Content)
	}
}

func TestClear_ResetsConversation(t *testing.T) {
	inference := &stubInference{generate: replyWith("Quiz time! What is 2+2?")}
	coach, _ := newTestCoach(inference, time.Second, 6)
	identity := uuid.New()
	ctx := context.Background()

	if _, err := coach.SendMessage(ctx, identity, uuid.New(), "quiz me on arithmetic"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if len(coach.History(ctx, identity)) == 0 {
		t.Fatal("Expected history before clear")
	}

	coach.Clear(ctx, identity)
	coach.Clear(ctx, identity) // idempotent

	if history := coach.History(ctx, identity); len(history) != 0 {
		t.Errorf("Expected empty history after clear, got %d turns", len(history))
	}
	state := coach.State(identity)
	if state.PromptType != models.PromptInitiateSession || state.IsInQuiz || state.IncorrectAnswersCount != 0 {
		t.Errorf("Expected initial state after clear, got %+v", state)
	}

	// The next turn starts a fresh session.
	if _, err := coach.SendMessage(ctx, identity, uuid.New(), "What is photosynthesis?"); err != nil {
		t.Fatalf("Post-clear turn failed: %v", err)
	}
	if req := inference.lastRequest(t); req.PromptType != models.PromptInitiateSession {
		t.Errorf("Expected %q after clear, got %q", models.PromptInitiateSession, req.PromptType)
	}
}
