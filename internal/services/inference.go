package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"

	"google.golang.org/api/option"

	"studycoach-backend/internal/models"
)

// InferenceClient is the remote model behind the coach. Treated as
// untrusted: callers must validate the reply before using it.
type InferenceClient interface {
	Generate(ctx context.Context, req models.InferenceRequest) (*models.InferenceResponse, error)
}

type GeminiCoach struct {
	client   *genai.Client
	model    *genai.GenerativeModel
	rateChan chan struct{} // Token bucket
}

func NewGeminiCoach(apiKey string, concurrentReqs int) (*GeminiCoach, error) {
	ctx := context.Background()
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	model := client.GenerativeModel("gemini-3-flash-preview")
	model.SetTemperature(0.6)
	model.SetTopP(0.95)

	// Token bucket for rate limiting
	rateChan := make(chan struct{}, concurrentReqs)
	for i := 0; i < concurrentReqs; i++ {
		rateChan <- struct{}{}
	}

	return &GeminiCoach{
		client:   client,
		model:    model,
		rateChan: rateChan,
	}, nil
}

func (s *GeminiCoach) Close() {
	s.client.Close()
}

// acquireRate blocks until a rate slot is available
func (s *GeminiCoach) acquireRate(ctx context.Context) error {
	select {
	case <-s.rateChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Minute):
		return fmt.Errorf("timeout waiting for Gemini rate slot")
	}
}

func (s *GeminiCoach) releaseRate() {
	s.rateChan <- struct{}{}
}

// Generate dispatches one coaching turn. A malformed request comes back as
// *ValidationError so the orchestrator can tell a deployment problem from
// network flakiness without inspecting error text.
func (s *GeminiCoach) Generate(ctx context.Context, req models.InferenceRequest) (*models.InferenceResponse, error) {
	fieldErrors := make(map[string]string)
	if strings.TrimSpace(req.Message) == "" {
		fieldErrors["message"] = "Message is required"
	}
	if req.PromptType == "" {
		fieldErrors["promptType"] = "promptType is required"
	}
	if len(fieldErrors) > 0 {
		return nil, &ValidationError{Fields: fieldErrors}
	}

	if err := s.acquireRate(ctx); err != nil {
		return nil, err
	}
	defer s.releaseRate()

	prompt := buildCoachPrompt(req)

	resp, err := s.model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return nil, fmt.Errorf("Gemini API error: %w", err)
	}

	rawText := stripJSONFences(extractText(resp))

	var out models.InferenceResponse
	if err := json.Unmarshal([]byte(rawText), &out); err != nil {
		// Model ignored the output contract; keep the reply, drop metadata.
		out = models.InferenceResponse{Response: strings.TrimSpace(rawText)}
	}

	return &out, nil
}

// Transcribe uses the Gemini File API to turn captured audio into text.
func (s *GeminiCoach) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	if err := s.acquireRate(ctx); err != nil {
		return "", err
	}
	defer s.releaseRate()

	if len(audio) == 0 {
		return "", fmt.Errorf("audio payload is empty")
	}

	file, err := s.client.UploadFile(ctx, "", bytes.NewReader(audio), &genai.UploadFileOptions{
		DisplayName: "coach-voice-capture",
		MIMEType:    mimeType,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload audio to Gemini: %w", err)
	}

	// Ensure remote file is cleaned up
	defer s.client.DeleteFile(context.Background(), file.Name)

	// Wait until file is active
	for i := 0; i < 20; i++ {
		current, getErr := s.client.GetFile(ctx, file.Name)
		if getErr != nil {
			return "", fmt.Errorf("failed to get uploaded file status: %w", getErr)
		}

		if current.State == genai.FileStateActive {
			file = current
			break
		}
		if current.State == genai.FileStateFailed {
			return "", fmt.Errorf("Gemini failed to process uploaded audio file")
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}

	if file.State != genai.FileStateActive {
		return "", fmt.Errorf("audio file did not become active in time")
	}

	prompt := "Transcribe the provided audio verbatim. Return plain text only, without markdown, headers, or explanations."

	resp, err := s.model.GenerateContent(ctx,
		genai.Text(prompt),
		genai.FileData{MIMEType: mimeType, URI: file.URI},
	)
	if err != nil {
		return "", fmt.Errorf("Gemini transcription error: %w", err)
	}

	text := strings.TrimSpace(extractText(resp))
	if text == "" {
		return "", fmt.Errorf("Gemini returned empty transcription")
	}

	return text, nil
}

// Helper functions

func buildCoachPrompt(req models.InferenceRequest) string {
	var b strings.Builder

	// Layer 1 — Role
	b.WriteString("You are StudyCoach, a patient one-on-one tutor. You keep answers short, conversational, and end most turns with a question that moves the student forward.\n\n")

	// Layer 2 — Conversational mode
	switch req.PromptType {
	case models.PromptInitiateSession:
		b.WriteString("Mode: First turn of a new session. Greet briefly, answer the student's message, and offer one concrete way to continue (a quiz, a refresher, or going deeper).\n\n")
	case models.PromptQuizInProgress:
		b.WriteString("Mode: A quiz is in progress. Evaluate the student's latest answer explicitly (say whether it is correct), give a one-sentence explanation, then ask the next question. One question per turn.\n\n")
	case models.PromptRefresherSession:
		b.WriteString("Mode: Refresher. Re-teach the requested material in small steps, checking understanding as you go.\n\n")
	case models.PromptTopicContinuation:
		b.WriteString("Mode: Continuing an ongoing topic. Build on what has already been covered instead of starting over.\n\n")
	default:
		b.WriteString("Mode: Free-form study conversation.\n\n")
	}

	// Layer 3 — Session context
	if req.ContextData.QuizTopic != "" {
		b.WriteString(fmt.Sprintf("Current topic: %s\n", req.ContextData.QuizTopic))
	}
	if req.ContextData.IncorrectCount > 0 {
		b.WriteString(fmt.Sprintf("The student has answered incorrectly %d time(s) this session. Slow down and use smaller steps.\n", req.ContextData.IncorrectCount))
	}
	if len(req.ContextData.TeachingHistory) > 0 {
		b.WriteString(fmt.Sprintf("Techniques already used this session (prefer a new one): %s\n", strings.Join(req.ContextData.TeachingHistory, ", ")))
	}
	b.WriteString("\n")

	// Layer 4 — Recent turns
	if len(req.ClientHistory) > 0 {
		b.WriteString("---RECENT CONVERSATION---\n")
		for _, m := range req.ClientHistory {
			b.WriteString(fmt.Sprintf("%s: %s\n", m.Role, m.Content))
		}
		b.WriteString("---END CONVERSATION---\n\n")
	}

	// Layer 5 — Output contract
	b.WriteString(`CRITICAL: Return ONLY a valid JSON object. No preamble, no markdown, no backticks.
{"response": "your reply to the student", "metadata": {"promptType": "initiate_session"|"quiz_in_progress"|"refresher_session"|"topic_continuation"|"free_response"}}
Set metadata.promptType to the mode the NEXT student turn should be handled in.
`)

	// Layer 6 — The new message
	b.WriteString("\n---STUDENT MESSAGE---\n")
	b.WriteString(req.Message)
	b.WriteString("\n---END---\n")

	return b.String()
}

func extractText(resp *genai.GenerateContentResponse) string {
	var text strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content != nil {
			for _, part := range cand.Content.Parts {
				if t, ok := part.(genai.Text); ok {
					text.WriteString(string(t))
				}
			}
		}
	}
	return text.String()
}

func stripJSONFences(raw string) string {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	return strings.TrimSpace(raw)
}
