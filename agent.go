package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

const agentSystemPrompt = `You are playing a social deduction game of Werewolf. You will receive your role, the current game state, and a task. Respond ONLY with a single JSON object matching the requested schema. No markdown, no prose outside the JSON.`

const discussionSchema = `Respond with JSON:
{
  "thinking": "your private reasoning, never shown to other players",
  "message": "what you say out loud to the village",
  "addressed_player_id": <player number you are addressing, or 0 for everyone>,
  "wants_to_speak": <true if you want to speak, false to stay silent>
}`

const actionSchema = `Respond with JSON:
{
  "thinking": "your private reasoning, never shown to other players",
  "target_id": <the player number you choose>,
  "public_reasoning": "a short public justification (may be empty for secret actions)"
}`

// DiscussionResponse is an agent's reply during open discussion. A response
// with WantsToSpeak=false is a pass and its Message is discarded.
type DiscussionResponse struct {
	Thinking          string `json:"thinking"`
	Message           string `json:"message"`
	AddressedPlayerID int    `json:"addressed_player_id"`
	WantsToSpeak      bool   `json:"wants_to_speak"`
}

// ActionResponse is an agent's reply for any targeted decision: night
// actions, nominations, and votes. TargetID is a 1-based player number.
type ActionResponse struct {
	Thinking        string `json:"thinking"`
	TargetID        int    `json:"target_id"`
	PublicReasoning string `json:"public_reasoning"`
}

// AgentClient turns a player plus a task prompt into a structured decision.
// Implementations must honor ctx cancellation.
type AgentClient interface {
	Discuss(ctx context.Context, player *Player, gameContext, task string) (*DiscussionResponse, error)
	Act(ctx context.Context, player *Player, gameContext, task string) (*ActionResponse, error)
	Vote(ctx context.Context, player *Player, gameContext, task string) (*ActionResponse, error)
}

const (
	discussionTemperature = 0.9
	nightTemperature      = 0.8
	voteTemperature       = 0.7

	agentMaxTokens = 1024
)

type llmAgentClient struct {
	cfg AppConfig

	mu     sync.Mutex
	models map[string]llms.Model // keyed by provider + "/" + model
}

func newLLMAgentClient(cfg AppConfig) *llmAgentClient {
	return &llmAgentClient{cfg: cfg, models: make(map[string]llms.Model)}
}

// modelFor returns a cached llms.Model for the player's provider and model,
// creating it on first use. Provider names follow the same set the UI
// offers: openai, claude, gemini, ollama, groq, openai-compatible.
func (c *llmAgentClient) modelFor(provider, model string) (llms.Model, error) {
	key := provider + "/" + model

	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.models[key]; ok {
		return m, nil
	}

	var (
		m   llms.Model
		err error
	)
	switch provider {
	case "ollama":
		m, err = ollama.New(ollama.WithModel(model), ollama.WithServerURL(c.cfg.OllamaURL))
	case "openai":
		m, err = openai.New(openai.WithModel(model))
	case "claude":
		m, err = anthropic.New(anthropic.WithModel(model))
	case "gemini":
		m, err = googleai.New(context.Background(), googleai.WithDefaultModel(model))
	case "groq":
		m, err = openai.New(
			openai.WithModel(model),
			openai.WithBaseURL("https://api.groq.com/openai/v1"),
			openai.WithToken(c.cfg.GroqAPIKey),
		)
	case "openai-compatible":
		if c.cfg.OpenAICompatibleURL == "" {
			return nil, fmt.Errorf("openai_compatible_url is required for provider openai-compatible")
		}
		opts := []openai.Option{
			openai.WithModel(model),
			openai.WithBaseURL(c.cfg.OpenAICompatibleURL),
		}
		if c.cfg.OpenAICompatibleAPIKey != "" {
			opts = append(opts, openai.WithToken(c.cfg.OpenAICompatibleAPIKey))
		}
		m, err = openai.New(opts...)
	default:
		return nil, fmt.Errorf("unknown agent provider %q", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s model %s: %w", provider, model, err)
	}

	c.models[key] = m
	return m, nil
}

func (c *llmAgentClient) generate(ctx context.Context, player *Player, gameContext, task, schema string, temperature float64) (string, error) {
	m, err := c.modelFor(player.Provider, player.Model)
	if err != nil {
		return "", err
	}

	system := agentSystemPrompt
	if player.Personality != "" {
		system += "\n\nYour personality: " + player.Personality
	}

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, system),
		llms.TextParts(llms.ChatMessageTypeHuman, gameContext+"\n\n## Your Task\n"+task+"\n\n"+schema),
	}

	resp, err := m.GenerateContent(ctx, messages,
		llms.WithTemperature(temperature),
		llms.WithMaxTokens(agentMaxTokens),
		llms.WithJSONMode(),
	)
	if err != nil {
		return "", fmt.Errorf("agent %s (%s/%s): %w", player.Name, player.Provider, player.Model, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("agent %s: empty response", player.Name)
	}
	return resp.Choices[0].Content, nil
}

func (c *llmAgentClient) Discuss(ctx context.Context, player *Player, gameContext, task string) (*DiscussionResponse, error) {
	raw, err := c.generate(ctx, player, gameContext, task, discussionSchema, discussionTemperature)
	if err != nil {
		return nil, err
	}
	var out DiscussionResponse
	if err := parseAgentJSON(raw, &out); err != nil {
		return nil, fmt.Errorf("agent %s: %w", player.Name, err)
	}
	return &out, nil
}

func (c *llmAgentClient) Act(ctx context.Context, player *Player, gameContext, task string) (*ActionResponse, error) {
	raw, err := c.generate(ctx, player, gameContext, task, actionSchema, nightTemperature)
	if err != nil {
		return nil, err
	}
	var out ActionResponse
	if err := parseAgentJSON(raw, &out); err != nil {
		return nil, fmt.Errorf("agent %s: %w", player.Name, err)
	}
	return &out, nil
}

func (c *llmAgentClient) Vote(ctx context.Context, player *Player, gameContext, task string) (*ActionResponse, error) {
	raw, err := c.generate(ctx, player, gameContext, task, actionSchema, voteTemperature)
	if err != nil {
		return nil, err
	}
	var out ActionResponse
	if err := parseAgentJSON(raw, &out); err != nil {
		return nil, fmt.Errorf("agent %s: %w", player.Name, err)
	}
	return &out, nil
}

// parseAgentJSON decodes a model reply into dst. Models sometimes wrap JSON
// in markdown fences or prepend prose even in JSON mode, so trim to the
// outermost braces before decoding.
func parseAgentJSON(raw string, dst any) error {
	s := strings.TrimSpace(raw)
	if start := strings.Index(s, "{"); start >= 0 {
		if end := strings.LastIndex(s, "}"); end > start {
			s = s[start : end+1]
		}
	}
	if err := json.Unmarshal([]byte(s), dst); err != nil {
		log.Printf("parseAgentJSON: bad reply: %.200s", raw)
		return fmt.Errorf("parse agent reply: %w", err)
	}
	return nil
}
