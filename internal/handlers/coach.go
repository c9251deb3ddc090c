package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"studycoach-backend/internal/middleware"
	"studycoach-backend/internal/models"
	"studycoach-backend/internal/services"
)

const maxAudioBytes = 15 << 20

type CoachHandler struct {
	coach *services.CoachService
	prefs *services.PreferenceService
	voice *services.AutoPlayController
}

func NewCoachHandler(coach *services.CoachService, prefs *services.PreferenceService, voice *services.AutoPlayController) *CoachHandler {
	return &CoachHandler{
		coach: coach,
		prefs: prefs,
		voice: voice,
	}
}

func (h *CoachHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req models.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return
	}

	if strings.TrimSpace(req.Message) == "" {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Message is required", r))
		return
	}

	// The session id only correlates backend requests; mint one for
	// clients that did not send it.
	if req.SessionID == uuid.Nil {
		req.SessionID = uuid.New()
	}

	identity := middleware.GetIdentity(r.Context())

	resp, err := h.coach.SendMessage(r.Context(), identity, req.SessionID, req.Message)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *CoachHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	identity := middleware.GetIdentity(r.Context())

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages": h.coach.History(r.Context(), identity),
		"state":    h.coach.State(identity),
	})
}

func (h *CoachHandler) ClearHistory(w http.ResponseWriter, r *http.Request) {
	identity := middleware.GetIdentity(r.Context())
	h.coach.Clear(r.Context(), identity)

	writeJSON(w, http.StatusOK, map[string]string{"message": "Conversation cleared"})
}

// Transcribe accepts one recorded utterance as the raw request body and
// returns its transcript.
func (h *CoachHandler) Transcribe(w http.ResponseWriter, r *http.Request) {
	identity := middleware.GetIdentity(r.Context())

	mimeType := r.Header.Get("Content-Type")
	if mimeType == "" || !strings.HasPrefix(mimeType, "audio/") {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Body must be an audio/* payload", r))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAudioBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResp("VALIDATION_ERROR", "Audio payload too large", r))
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Failed to read audio payload", r))
		return
	}

	adapter := h.voice.AdapterFor(identity)
	if err := adapter.StartCapture(r.Context()); err != nil {
		handleServiceError(w, r, err)
		return
	}
	if sink, ok := adapter.(interface{ SubmitAudio([]byte, string) }); ok {
		sink.SubmitAudio(body, mimeType)
	}

	transcript, err := adapter.StopCapture(r.Context())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"transcript": transcript})
}

func (h *CoachHandler) GetAutoPlay(w http.ResponseWriter, r *http.Request) {
	identity := middleware.GetIdentity(r.Context())

	writeJSON(w, http.StatusOK, map[string]bool{
		"auto_play_voice": h.prefs.AutoPlayEnabled(r.Context(), identity),
	})
}

func (h *CoachHandler) SetAutoPlay(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AutoPlayVoice bool `json:"auto_play_voice"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return
	}

	identity := middleware.GetIdentity(r.Context())
	if err := h.prefs.SetAutoPlay(r.Context(), identity, req.AutoPlayVoice); err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"auto_play_voice": req.AutoPlayVoice})
}
