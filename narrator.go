package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

const narratorSystemPrompt = `You are the narrator of a dramatic game of Werewolf set in a medieval village. You describe the turning of night and day, deaths, and the mood of the village. Keep it to 2-3 sentences. Be gothic and atmospheric, but never reveal any player's secret role or hidden information.`

// Narration is a narrator line for a phase change, optionally voiced.
type Narration struct {
	Text     string  `json:"text"`
	AudioURL string  `json:"audio_url,omitempty"`
	Duration float64 `json:"-"`
}

// SpeechSynthesizer turns text into an audio file and reports how long the
// clip plays. A nil synthesizer disables all audio.
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, text, voice string) (url string, duration float64, err error)
}

// Narrator generates phase narration and voices public events. A nil
// *Narrator disables the feature entirely.
type Narrator struct {
	llm   llms.Model
	synth SpeechSynthesizer
	voice string
}

// narratedPhases are the transitions worth a narrator line. Mechanical
// phases (the individual night steps after the first, dusk) stay silent.
var narratedPhases = map[string]bool{
	PhaseNightWerewolf: true,
	PhaseDayDiscussion: true,
	PhaseDayVoting:     true,
	PhaseGameOver:      true,
}

// newNarrator builds the narrator from config, or returns nil when no
// provider is configured.
func newNarrator(cfg AppConfig) *Narrator {
	provider := cfg.NarratorProvider
	model := cfg.NarratorModel

	var (
		llm llms.Model
		err error
	)
	switch provider {
	case "":
		log.Printf("Narrator: disabled (set narrator_provider to enable)")
		return nil
	case "ollama":
		llm, err = ollama.New(ollama.WithModel(model), ollama.WithServerURL(cfg.OllamaURL))
	case "openai":
		llm, err = openai.New(openai.WithModel(model))
	case "claude":
		llm, err = anthropic.New(anthropic.WithModel(model))
	case "gemini":
		llm, err = googleai.New(context.Background(), googleai.WithDefaultModel(model))
	case "groq":
		llm, err = openai.New(
			openai.WithModel(model),
			openai.WithBaseURL("https://api.groq.com/openai/v1"),
			openai.WithToken(cfg.GroqAPIKey),
		)
	default:
		log.Printf("Narrator: unknown provider %q, disabled", provider)
		return nil
	}
	if err != nil {
		log.Printf("Narrator: failed to init %s (%s): %v", provider, model, err)
		return nil
	}
	log.Printf("Narrator: %s model=%s", provider, model)

	n := &Narrator{llm: llm}
	switch cfg.TTSProvider {
	case "openai":
		n.synth = &openaiSynthesizer{apiKey: cfg.OpenAIAPIKey, audioDir: cfg.AudioDir}
		n.voice = "onyx"
		log.Printf("Narrator: OpenAI speech enabled")
	case "elevenlabs":
		n.synth = &elevenLabsSynthesizer{apiKey: cfg.ElevenLabsAPIKey, audioDir: cfg.AudioDir}
		n.voice = elevenNarratorVoice
		log.Printf("Narrator: ElevenLabs speech enabled")
	}
	return n
}

// NarratePhase produces (and records) a narrator line for the game's
// current phase, or nil for silent phases.
func (n *Narrator) NarratePhase(game *Game) *Narration {
	if !narratedPhases[game.Phase] {
		return nil
	}

	prompt, err := n.phasePrompt(game)
	if err != nil {
		logError("NarratePhase: build prompt", err)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, narratorSystemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}
	resp, err := n.llm.GenerateContent(ctx, messages, llms.WithTemperature(1.0), llms.WithMaxTokens(256))
	if err != nil {
		logError("NarratePhase: generate", err)
		return nil
	}
	if len(resp.Choices) == 0 {
		return nil
	}
	text := strings.TrimSpace(resp.Choices[0].Content)
	if text == "" {
		return nil
	}

	narration := &Narration{Text: text}
	if n.synth != nil {
		if url, dur, err := n.synth.Synthesize(ctx, text, n.voice); err == nil {
			narration.AudioURL = url
			narration.Duration = dur
		} else {
			logError("NarratePhase: synthesize", err)
		}
	}

	ev := &GameEvent{
		GameID:   game.ID,
		Round:    game.Round,
		Phase:    game.Phase,
		Type:     EventNarration,
		Data:     mustEncodeData(EventData{Message: text}),
		IsPublic: true,
		AudioURL: narration.AudioURL,
	}
	if err := insertEvent(ev); err != nil {
		logError("NarratePhase: record", err)
	}
	return narration
}

// phasePrompt assembles the narrator's briefing for the current phase from
// public information only.
func (n *Narrator) phasePrompt(game *Game) (string, error) {
	players, err := getPlayersByGameID(game.ID)
	if err != nil {
		return "", err
	}

	switch game.Phase {
	case PhaseNightWerewolf:
		if game.Round == 1 {
			var names []string
			for i := range players {
				names = append(names, players[i].Name)
			}
			return fmt.Sprintf(
				"The game begins. Night falls on the village for the first time. The villagers are: %s. Introduce the village and the dread of the first night.",
				strings.Join(names, ", ")), nil
		}
		return fmt.Sprintf("Round %d. Night falls again on the village. Narrate the villagers barring their doors as something stalks the streets.", game.Round), nil

	case PhaseDayDiscussion:
		recent, err := n.recentPublicLines(game, 6)
		if err != nil {
			return "", err
		}
		return "The sun rises and the village gathers to discuss. What just happened:\n" + recent +
			"\n\nNarrate the morning and the mood as discussion begins.", nil

	case PhaseDayVoting:
		return "Discussion has ended. The village must now decide who, if anyone, to put to death. Narrate the gravity of the vote.", nil

	case PhaseGameOver:
		var survivors []string
		for i := range players {
			if players[i].IsAlive {
				survivors = append(survivors, players[i].Name)
			}
		}
		winner := ""
		if game.Winner.Valid {
			winner = game.Winner.String
		}
		return fmt.Sprintf("The game is over. The winning side: %s. Survivors: %s. Narrate the ending.",
			winner, strings.Join(survivors, ", ")), nil
	}
	return "", fmt.Errorf("no narration for phase %s", game.Phase)
}

func (n *Narrator) recentPublicLines(game *Game, limit int) (string, error) {
	events, err := getEventsByGameID(game.ID)
	if err != nil {
		return "", err
	}
	var lines []string
	for i := len(events) - 1; i >= 0 && len(lines) < limit; i-- {
		ev := &events[i]
		if !ev.IsPublic || ev.Type == EventNarration {
			continue
		}
		if msg := ev.DecodeData().Message; msg != "" {
			lines = append(lines, "- "+msg)
		}
	}
	// reverse back to chronological order
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return strings.Join(lines, "\n"), nil
}

// VoiceEvent synthesizes audio for a freshly persisted public event and
// attaches it to the row. Player speech uses the speaker's assigned voice;
// announcements use the narrator's. Returns the clip duration in seconds
// (0 when nothing was voiced).
func (n *Narrator) VoiceEvent(game *Game, ev *GameEvent) float64 {
	if n.synth == nil || !ev.IsPublic {
		return 0
	}

	data := ev.DecodeData()
	var text, voice string

	switch ev.Type {
	case EventDiscussion, EventDefenseSpeech, EventDyingSpeech:
		if ev.ActorPlayerID == nil {
			return 0
		}
		speaker, err := getPlayer(*ev.ActorPlayerID)
		if err != nil {
			return 0
		}
		text, voice = data.Message, speaker.Voice
	case EventDeath, EventElimination, EventBodyguardSave, EventNoDeath,
		EventNominationResult, EventVoteTally, EventVoteTie, EventNoElimination,
		EventHunterShot, EventGameEnd:
		text, voice = data.Message, n.voice
	default:
		return 0
	}
	if text == "" || voice == "" {
		return 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	url, dur, err := n.synth.Synthesize(ctx, stripMarkdown(text), voice)
	if err != nil {
		logError("VoiceEvent", err)
		return 0
	}
	attachAudio(ev.ID, url)
	ev.AudioURL = url
	return dur
}

// stripMarkdown removes the bold markers the event log uses for display so
// they are not read aloud.
func stripMarkdown(s string) string {
	return strings.ReplaceAll(s, "**", "")
}

var openaiVoices = []string{"alloy", "echo", "fable", "onyx", "nova", "shimmer"}

// ElevenLabs premade voice IDs.
var elevenVoices = []string{
	"21m00Tcm4TlvDq8ikWAM", // Rachel
	"AZnzlk1XvdvUeBnXmlld", // Domi
	"EXAVITQu4vr4xnSDxMaL", // Bella
	"ErXwobaYiN019PkySvjV", // Antoni
	"MF3mGyEYCl7XYWbV9V6O", // Elli
	"TxGEqnHWrfWFTfGW9XjX", // Josh
}

const elevenNarratorVoice = "nPczCjzI2devNBz1zQrb" // Brian

// assignVoices gives each player a stable voice derived from their name,
// avoiding collisions within one game while the pool lasts.
func assignVoices(players []Player, ttsProvider string) {
	pool := openaiVoices
	if ttsProvider == "elevenlabs" {
		pool = elevenVoices
	}

	used := make(map[string]bool)
	for i := range players {
		idx := int(crc32.ChecksumIEEE([]byte(players[i].Name))) % len(pool)
		if idx < 0 {
			idx = -idx
		}
		voice := pool[idx]
		for j := 0; used[voice] && j < len(pool); j++ {
			voice = pool[(idx+j+1)%len(pool)]
		}
		used[voice] = true

		if _, err := db.Exec("UPDATE player SET voice = ? WHERE rowid = ?", voice, players[i].ID); err != nil {
			logError("assignVoices", err)
			continue
		}
		players[i].Voice = voice
	}
}

// openaiSynthesizer calls the OpenAI speech endpoint and stores the clip
// under audioDir, served at /audio/.
type openaiSynthesizer struct {
	apiKey   string
	audioDir string
}

func (s *openaiSynthesizer) Synthesize(ctx context.Context, text, voice string) (string, float64, error) {
	body, err := json.Marshal(map[string]string{
		"model": "tts-1",
		"input": text,
		"voice": voice,
	})
	if err != nil {
		return "", 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.openai.com/v1/audio/speech", bytes.NewReader(body))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", 0, fmt.Errorf("openai tts: %s: %s", resp.Status, msg)
	}

	return saveAudioClip(s.audioDir, resp.Body, text)
}

// elevenLabsSynthesizer calls the ElevenLabs text-to-speech endpoint.
type elevenLabsSynthesizer struct {
	apiKey   string
	audioDir string
}

func (s *elevenLabsSynthesizer) Synthesize(ctx context.Context, text, voice string) (string, float64, error) {
	body, err := json.Marshal(map[string]any{
		"text":     text,
		"model_id": "eleven_multilingual_v2",
	})
	if err != nil {
		return "", 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"https://api.elevenlabs.io/v1/text-to-speech/"+voice, bytes.NewReader(body))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("xi-api-key", s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", 0, fmt.Errorf("elevenlabs tts: %s: %s", resp.Status, msg)
	}

	return saveAudioClip(s.audioDir, resp.Body, text)
}

// saveAudioClip writes an mp3 stream to disk and returns its public URL
// plus an estimated playback duration (the APIs do not report one, so the
// estimate comes from the text's word count at conversational speed).
func saveAudioClip(audioDir string, r io.Reader, text string) (string, float64, error) {
	if err := os.MkdirAll(audioDir, 0o755); err != nil {
		return "", 0, err
	}
	name := fmt.Sprintf("%d-%08x.mp3", time.Now().UnixNano(), crc32.ChecksumIEEE([]byte(text)))
	path := filepath.Join(audioDir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", 0, err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return "", 0, err
	}
	if err := f.Close(); err != nil {
		return "", 0, err
	}

	words := len(strings.Fields(text))
	duration := float64(words) / 2.6
	return "/audio/" + name, duration, nil
}
