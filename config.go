package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"
	"strconv"
	"time"
)

const (
	TrialModeTrial     = "trial"     // nominations, defense speech, binary verdict
	TrialModePlurality = "plurality" // single free-for-all vote
)

// AppConfig holds all server configuration.
// Priority (lowest → highest): defaults < env vars < JSON config file < CLI flags.
type AppConfig struct {
	// Server
	DB       string `json:"db"`        // database connection string
	Dev      bool   `json:"dev"`       // dev mode: verbose logging
	Addr     string `json:"addr"`      // HTTP listen address
	AudioDir string `json:"audio_dir"` // where generated speech clips are stored

	// Logging (extended diagnostics, off by default)
	LogOutputDir string `json:"log_output_dir"`
	LogWS        bool   `json:"log_ws"`
	LogDebug     bool   `json:"log_debug"`

	// Game rules
	TrialMode                  string `json:"trial_mode"`                   // trial | plurality
	DiscussionBudgetMultiplier int    `json:"discussion_budget_multiplier"` // speaking budget = living players × this
	MaxRounds                  int    `json:"max_rounds"`                   // hard stop for runaway games
	AgentTimeoutSeconds        int    `json:"agent_timeout_seconds"`        // per LLM call
	Pacing                     bool   `json:"pacing"`                       // sleep between events for spectators
	PhaseDelaySeconds          int    `json:"phase_delay_seconds"`          // fallback delay when no audio duration

	// Agent providers
	OllamaURL              string `json:"ollama_url"`
	GroqAPIKey             string `json:"groq_api_key"`
	OpenAIAPIKey           string `json:"openai_api_key"` // also used for OpenAI speech
	OpenAICompatibleURL    string `json:"openai_compatible_url"`
	OpenAICompatibleAPIKey string `json:"openai_compatible_api_key"`

	// Narrator
	NarratorProvider string `json:"narrator_provider"` // ollama | openai | claude | gemini | groq (empty disables)
	NarratorModel    string `json:"narrator_model"`

	// Speech synthesis
	TTSProvider      string `json:"tts_provider"` // openai | elevenlabs (empty disables)
	ElevenLabsAPIKey string `json:"elevenlabs_api_key"`
}

func (cfg AppConfig) toLogConfig() LogConfig {
	return LogConfig{
		OutputDir: cfg.LogOutputDir,
		LogWS:     cfg.LogWS,
		Debug:     cfg.LogDebug,
	}
}

func (cfg AppConfig) agentTimeout() time.Duration {
	if cfg.AgentTimeoutSeconds <= 0 {
		return 120 * time.Second
	}
	return time.Duration(cfg.AgentTimeoutSeconds) * time.Second
}

func (cfg AppConfig) discussionBudgetMultiplier() int {
	if cfg.DiscussionBudgetMultiplier <= 0 {
		return 2
	}
	return cfg.DiscussionBudgetMultiplier
}

func (cfg AppConfig) maxRounds() int {
	if cfg.MaxRounds <= 0 {
		return 20
	}
	return cfg.MaxRounds
}

func defaultConfig() AppConfig {
	return AppConfig{
		DB:                  "werewolf.db",
		Addr:                ":8080",
		AudioDir:            "audio",
		TrialMode:           TrialModeTrial,
		MaxRounds:           20,
		AgentTimeoutSeconds: 120,
		PhaseDelaySeconds:   4,
		OllamaURL:           "http://localhost:11434",
	}
}

// loadConfig builds a config by layering: defaults → env vars → JSON config file.
// CLI flag overrides are applied separately by flagValues.applyTo after flag.Parse.
func loadConfig(configPath string) AppConfig {
	cfg := defaultConfig()

	// Layer 1: env vars
	envStr := os.Getenv
	envBool := func(key string) (val bool, set bool) {
		v := os.Getenv(key)
		if v == "" {
			return false, false
		}
		return v == "1" || v == "true" || v == "yes", true
	}
	envInt := func(key string) (val int, set bool) {
		v := os.Getenv(key)
		if v == "" {
			return 0, false
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			log.Printf("Config: %s: not an integer: %q", key, v)
			return 0, false
		}
		return n, true
	}

	if v := envStr("DB"); v != "" {
		cfg.DB = v
	}
	if v, ok := envBool("DEV"); ok {
		cfg.Dev = v
	}
	if v := envStr("ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := envStr("AUDIO_DIR"); v != "" {
		cfg.AudioDir = v
	}
	if v := envStr("LOG_OUTPUT_DIR"); v != "" {
		cfg.LogOutputDir = v
	}
	if v, ok := envBool("LOG_WS"); ok {
		cfg.LogWS = v
	}
	if v, ok := envBool("LOG_DEBUG"); ok {
		cfg.LogDebug = v
	}
	if v := envStr("TRIAL_MODE"); v != "" {
		cfg.TrialMode = v
	}
	if v, ok := envInt("DISCUSSION_BUDGET_MULTIPLIER"); ok {
		cfg.DiscussionBudgetMultiplier = v
	}
	if v, ok := envInt("MAX_ROUNDS"); ok {
		cfg.MaxRounds = v
	}
	if v, ok := envInt("AGENT_TIMEOUT_SECONDS"); ok {
		cfg.AgentTimeoutSeconds = v
	}
	if v, ok := envBool("PACING"); ok {
		cfg.Pacing = v
	}
	if v, ok := envInt("PHASE_DELAY_SECONDS"); ok {
		cfg.PhaseDelaySeconds = v
	}
	if v := envStr("OLLAMA_URL"); v != "" {
		cfg.OllamaURL = v
	}
	if v := envStr("GROQ_API_KEY"); v != "" {
		cfg.GroqAPIKey = v
	}
	if v := envStr("OPENAI_API_KEY"); v != "" {
		cfg.OpenAIAPIKey = v
	}
	if v := envStr("OPENAI_COMPATIBLE_URL"); v != "" {
		cfg.OpenAICompatibleURL = v
	}
	if v := envStr("OPENAI_COMPATIBLE_API_KEY"); v != "" {
		cfg.OpenAICompatibleAPIKey = v
	}
	if v := envStr("NARRATOR_PROVIDER"); v != "" {
		cfg.NarratorProvider = v
	}
	if v := envStr("NARRATOR_MODEL"); v != "" {
		cfg.NarratorModel = v
	}
	if v := envStr("TTS_PROVIDER"); v != "" {
		cfg.TTSProvider = v
	}
	if v := envStr("ELEVENLABS_API_KEY"); v != "" {
		cfg.ElevenLabsAPIKey = v
	}

	// Layer 2: JSON config file. Only fields present in the file override env vars.
	if data, err := os.ReadFile(configPath); err == nil {
		var overlay map[string]json.RawMessage
		if err := json.Unmarshal(data, &overlay); err != nil {
			log.Printf("Config: failed to parse %s: %v", configPath, err)
		} else {
			applyJSONOverlay(&cfg, overlay)
			log.Printf("Config: loaded from %s", configPath)
		}
	} else if !os.IsNotExist(err) {
		log.Printf("Config: failed to read %s: %v", configPath, err)
	}

	if cfg.TrialMode != TrialModeTrial && cfg.TrialMode != TrialModePlurality {
		log.Printf("Config: unknown trial_mode %q, using %q", cfg.TrialMode, TrialModeTrial)
		cfg.TrialMode = TrialModeTrial
	}

	return cfg
}

// applyJSONOverlay only sets fields that are explicitly present in the JSON map.
func applyJSONOverlay(cfg *AppConfig, m map[string]json.RawMessage) {
	str := func(key string, dst *string) {
		if v, ok := m[key]; ok {
			json.Unmarshal(v, dst)
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := m[key]; ok {
			json.Unmarshal(v, dst)
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := m[key]; ok {
			json.Unmarshal(v, dst)
		}
	}
	str("db", &cfg.DB)
	boolean("dev", &cfg.Dev)
	str("addr", &cfg.Addr)
	str("audio_dir", &cfg.AudioDir)
	str("log_output_dir", &cfg.LogOutputDir)
	boolean("log_ws", &cfg.LogWS)
	boolean("log_debug", &cfg.LogDebug)
	str("trial_mode", &cfg.TrialMode)
	integer("discussion_budget_multiplier", &cfg.DiscussionBudgetMultiplier)
	integer("max_rounds", &cfg.MaxRounds)
	integer("agent_timeout_seconds", &cfg.AgentTimeoutSeconds)
	boolean("pacing", &cfg.Pacing)
	integer("phase_delay_seconds", &cfg.PhaseDelaySeconds)
	str("ollama_url", &cfg.OllamaURL)
	str("groq_api_key", &cfg.GroqAPIKey)
	str("openai_api_key", &cfg.OpenAIAPIKey)
	str("openai_compatible_url", &cfg.OpenAICompatibleURL)
	str("openai_compatible_api_key", &cfg.OpenAICompatibleAPIKey)
	str("narrator_provider", &cfg.NarratorProvider)
	str("narrator_model", &cfg.NarratorModel)
	str("tts_provider", &cfg.TTSProvider)
	str("elevenlabs_api_key", &cfg.ElevenLabsAPIKey)
}

// flagValues holds pointers to all registered CLI flags.
type flagValues struct {
	configPath       *string
	db               *string
	dev              *bool
	addr             *string
	audioDir         *string
	logOutputDir     *string
	logWS            *bool
	logDebug         *bool
	trialMode        *string
	budgetMultiplier *int
	maxRounds        *int
	agentTimeout     *int
	pacing           *bool
	phaseDelay       *int
	ollamaURL        *string
	groqAPIKey       *string
	openaiAPIKey     *string
	compatURL        *string
	compatAPIKey     *string
	narratorProvider *string
	narratorModel    *string
	ttsProvider      *string
	elevenLabsAPIKey *string
}

// registerFlags registers all CLI flags and returns pointers to their values.
// Call flag.Parse() after this, then applyTo to layer them over the loaded config.
func registerFlags() flagValues {
	return flagValues{
		configPath:       flag.String("config", "config.json", "path to JSON config file"),
		db:               flag.String("db", "", "database connection string"),
		dev:              flag.Bool("dev", false, "enable development mode (verbose logging)"),
		addr:             flag.String("addr", "", "HTTP listen address (e.g. :8080)"),
		audioDir:         flag.String("audio-dir", "", "directory for generated speech clips"),
		logOutputDir:     flag.String("log-output-dir", "", "directory for extended log files"),
		logWS:            flag.Bool("log-ws", false, "log WebSocket messages"),
		logDebug:         flag.Bool("log-debug", false, "enable debug logging"),
		trialMode:        flag.String("trial-mode", "", "day vote style: trial|plurality"),
		budgetMultiplier: flag.Int("discussion-budget-multiplier", 0, "speaking budget per day = living players × this"),
		maxRounds:        flag.Int("max-rounds", 0, "abort games that exceed this many rounds"),
		agentTimeout:     flag.Int("agent-timeout-seconds", 0, "timeout per agent LLM call"),
		pacing:           flag.Bool("pacing", false, "sleep between events so spectators can follow"),
		phaseDelay:       flag.Int("phase-delay-seconds", 0, "pause between events when pacing without audio"),
		ollamaURL:        flag.String("ollama-url", "", "Ollama server URL"),
		groqAPIKey:       flag.String("groq-api-key", "", "Groq API key"),
		openaiAPIKey:     flag.String("openai-api-key", "", "OpenAI API key (agents and speech)"),
		compatURL:        flag.String("openai-compatible-url", "", "base URL for openai-compatible provider"),
		compatAPIKey:     flag.String("openai-compatible-api-key", "", "API key for openai-compatible provider"),
		narratorProvider: flag.String("narrator-provider", "", "narrator provider (ollama|openai|claude|gemini|groq)"),
		narratorModel:    flag.String("narrator-model", "", "narrator model name"),
		ttsProvider:      flag.String("tts-provider", "", "speech synthesis provider (openai|elevenlabs)"),
		elevenLabsAPIKey: flag.String("elevenlabs-api-key", "", "ElevenLabs API key"),
	}
}

// applyTo overlays any CLI flags that were explicitly set onto cfg.
// Flags that were not passed on the command line are ignored (env/JSON values win).
func (fv flagValues) applyTo(cfg *AppConfig) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "db":
			cfg.DB = *fv.db
		case "dev":
			cfg.Dev = *fv.dev
		case "addr":
			cfg.Addr = *fv.addr
		case "audio-dir":
			cfg.AudioDir = *fv.audioDir
		case "log-output-dir":
			cfg.LogOutputDir = *fv.logOutputDir
		case "log-ws":
			cfg.LogWS = *fv.logWS
		case "log-debug":
			cfg.LogDebug = *fv.logDebug
		case "trial-mode":
			cfg.TrialMode = *fv.trialMode
		case "discussion-budget-multiplier":
			cfg.DiscussionBudgetMultiplier = *fv.budgetMultiplier
		case "max-rounds":
			cfg.MaxRounds = *fv.maxRounds
		case "agent-timeout-seconds":
			cfg.AgentTimeoutSeconds = *fv.agentTimeout
		case "pacing":
			cfg.Pacing = *fv.pacing
		case "phase-delay-seconds":
			cfg.PhaseDelaySeconds = *fv.phaseDelay
		case "ollama-url":
			cfg.OllamaURL = *fv.ollamaURL
		case "groq-api-key":
			cfg.GroqAPIKey = *fv.groqAPIKey
		case "openai-api-key":
			cfg.OpenAIAPIKey = *fv.openaiAPIKey
		case "openai-compatible-url":
			cfg.OpenAICompatibleURL = *fv.compatURL
		case "openai-compatible-api-key":
			cfg.OpenAICompatibleAPIKey = *fv.compatAPIKey
		case "narrator-provider":
			cfg.NarratorProvider = *fv.narratorProvider
		case "narrator-model":
			cfg.NarratorModel = *fv.narratorModel
		case "tts-provider":
			cfg.TTSProvider = *fv.ttsProvider
		case "elevenlabs-api-key":
			cfg.ElevenLabsAPIKey = *fv.elevenLabsAPIKey
		}
	})
}
