package services

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"studycoach-backend/internal/models"
)

// VoiceAdapter wraps speech-to-text capture and text-to-speech playback.
// Callers must not issue a second Speak without an intervening Stop; the
// "currently speaking" flag belongs to whichever caller spoke last.
type VoiceAdapter interface {
	Speak(ctx context.Context, text string) error
	Stop(ctx context.Context) error
	IsSpeaking() bool
	StartCapture(ctx context.Context) error
	StopCapture(ctx context.Context) (string, error)
}

// Transcriber turns captured audio into text (Gemini File API in
// production).
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
}

// BrowserVoice is the server half of the voice layer: playback is delegated
// to the connected browser via pub/sub speak events, capture buffers audio
// uploaded by the browser and hands it to the transcriber.
type BrowserVoice struct {
	identity    uuid.UUID
	redisClient *redis.Client
	transcriber Transcriber

	mu        sync.Mutex
	speaking  bool
	capturing bool
	audio     []byte
	audioMIME string
}

func NewBrowserVoice(identity uuid.UUID, redisClient *redis.Client, transcriber Transcriber) *BrowserVoice {
	return &BrowserVoice{
		identity:    identity,
		redisClient: redisClient,
		transcriber: transcriber,
	}
}

func (v *BrowserVoice) Speak(ctx context.Context, text string) error {
	v.mu.Lock()
	v.speaking = true
	v.mu.Unlock()

	v.publish(ctx, models.WSMessage{Type: "speak", Payload: models.SpeakEvent{Text: text}})
	return nil
}

func (v *BrowserVoice) Stop(ctx context.Context) error {
	v.mu.Lock()
	v.speaking = false
	v.mu.Unlock()

	v.publish(ctx, models.WSMessage{Type: "speak_stop", Payload: nil})
	return nil
}

func (v *BrowserVoice) IsSpeaking() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.speaking
}

func (v *BrowserVoice) StartCapture(ctx context.Context) error {
	v.mu.Lock()
	v.capturing = true
	v.audio = nil
	v.audioMIME = ""
	v.mu.Unlock()
	return nil
}

// SubmitAudio buffers a recorded chunk between StartCapture and
// StopCapture.
func (v *BrowserVoice) SubmitAudio(data []byte, mimeType string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.capturing {
		return
	}
	v.audio = append(v.audio, data...)
	v.audioMIME = mimeType
}

func (v *BrowserVoice) StopCapture(ctx context.Context) (string, error) {
	v.mu.Lock()
	v.capturing = false
	audio := v.audio
	mime := v.audioMIME
	v.audio = nil
	v.mu.Unlock()

	if len(audio) == 0 {
		return "", &ValidationError{Fields: map[string]string{"audio": "No audio was captured"}}
	}
	return v.transcriber.Transcribe(ctx, audio, mime)
}

func (v *BrowserVoice) publish(ctx context.Context, msg models.WSMessage) {
	if v.redisClient == nil {
		return
	}
	data, _ := json.Marshal(msg)
	v.redisClient.Publish(ctx, "coach_updates:"+v.identity.String(), string(data))
}

// settingsStore is the narrow persistence port for the auto-play
// preference.
type settingsStore interface {
	GetAutoPlay(ctx context.Context, identity uuid.UUID) (bool, error)
	SetAutoPlay(ctx context.Context, identity uuid.UUID, enabled bool) error
}

// PreferenceService reads and writes the single "auto-play voice replies"
// boolean. Missing rows and storage errors both read as disabled.
type PreferenceService struct {
	repo settingsStore
}

func NewPreferenceService(repo settingsStore) *PreferenceService {
	return &PreferenceService{repo: repo}
}

func (p *PreferenceService) AutoPlayEnabled(ctx context.Context, identity uuid.UUID) bool {
	enabled, err := p.repo.GetAutoPlay(ctx, identity)
	if err != nil {
		return false
	}
	return enabled
}

func (p *PreferenceService) SetAutoPlay(ctx context.Context, identity uuid.UUID, enabled bool) error {
	return p.repo.SetAutoPlay(ctx, identity, enabled)
}

// AutoPlayController speaks each new assistant turn at most once per
// identity when the preference is on, stopping any playback still running
// before starting the next one.
type AutoPlayController struct {
	prefs      *PreferenceService
	newAdapter func(identity uuid.UUID) VoiceAdapter

	mu         sync.Mutex
	adapters   map[uuid.UUID]VoiceAdapter
	lastSpoken map[uuid.UUID]uuid.UUID
}

func NewAutoPlayController(prefs *PreferenceService, newAdapter func(identity uuid.UUID) VoiceAdapter) *AutoPlayController {
	return &AutoPlayController{
		prefs:      prefs,
		newAdapter: newAdapter,
		adapters:   make(map[uuid.UUID]VoiceAdapter),
		lastSpoken: make(map[uuid.UUID]uuid.UUID),
	}
}

// AdapterFor returns the identity's voice adapter, creating it on first
// use.
func (c *AutoPlayController) AdapterFor(identity uuid.UUID) VoiceAdapter {
	c.mu.Lock()
	defer c.mu.Unlock()
	adapter, ok := c.adapters[identity]
	if !ok {
		adapter = c.newAdapter(identity)
		c.adapters[identity] = adapter
	}
	return adapter
}

func (c *AutoPlayController) OnAssistantTurn(ctx context.Context, identity uuid.UUID, msg models.ChatMessage) {
	if !c.prefs.AutoPlayEnabled(ctx, identity) {
		return
	}

	c.mu.Lock()
	if c.lastSpoken[identity] == msg.ID {
		// Already spoken; re-renders must not replay it.
		c.mu.Unlock()
		return
	}
	c.lastSpoken[identity] = msg.ID
	c.mu.Unlock()

	adapter := c.AdapterFor(identity)
	if adapter.IsSpeaking() {
		if err := adapter.Stop(ctx); err != nil {
			log.Printf("voice: failed to stop playback for %s: %v", identity, err)
		}
	}
	if err := adapter.Speak(ctx, msg.Content); err != nil {
		log.Printf("voice: failed to speak turn for %s: %v", identity, err)
	}
}
