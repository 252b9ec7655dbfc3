package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/mattn/go-sqlite3"
)

var db *sqlx.DB
var gameEngine *Engine

var availableProviders = []string{"openai", "claude", "gemini", "ollama", "groq", "openai-compatible"}

// availablePersonalities are the preset temperaments offered at game
// creation. The description is injected into the agent's system prompt.
var availablePersonalities = map[string]string{
	"analytical": "You are methodical and analytical. You track claims, look for contradictions, and argue from evidence.",
	"aggressive": "You are confrontational and loud. You push accusations hard and put others on the defensive.",
	"cautious":   "You are careful and reserved. You avoid drawing attention and commit to accusations only when confident.",
	"charming":   "You are warm and persuasive. You build alliances and talk your way out of suspicion.",
	"paranoid":   "You trust no one. You see schemes everywhere and voice your suspicions freely.",
	"dramatic":   "You are theatrical and emotional. Every accusation and defense is a performance.",
	"quiet":      "You speak rarely, but when you do, people listen. Short, pointed statements.",
	"erratic":    "You are unpredictable. Your reasoning jumps around and keeps others off balance.",
}

type createGameRequest struct {
	Owner   string `json:"owner"`
	Players []struct {
		Name        string `json:"name"`
		Provider    string `json:"provider"`
		Model       string `json:"model"`
		Personality string `json:"personality"`
	} `json:"players"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logError("writeJSON", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func handleCreateGame(w http.ResponseWriter, r *http.Request) {
	var req createGameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if len(req.Players) < 5 || len(req.Players) > 12 {
		writeError(w, http.StatusUnprocessableEntity,
			fmt.Sprintf("a game needs 5 to 12 players, got %d", len(req.Players)))
		return
	}

	seenNames := make(map[string]bool)
	for i, p := range req.Players {
		if strings.TrimSpace(p.Name) == "" {
			writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("player %d: name is required", i+1))
			return
		}
		if seenNames[p.Name] {
			writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("duplicate player name %q", p.Name))
			return
		}
		seenNames[p.Name] = true

		validProvider := false
		for _, prov := range availableProviders {
			if p.Provider == prov {
				validProvider = true
				break
			}
		}
		if !validProvider {
			writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("player %q: unknown provider %q", p.Name, p.Provider))
			return
		}
		if strings.TrimSpace(p.Model) == "" {
			writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("player %q: model is required", p.Name))
			return
		}
		if p.Personality != "" {
			if _, ok := availablePersonalities[p.Personality]; !ok {
				writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("player %q: unknown personality %q", p.Name, p.Personality))
				return
			}
		}
	}

	gameUUID := uuid.NewString()
	result, err := db.Exec("INSERT INTO game (uuid, owner) VALUES (?, ?)", gameUUID, req.Owner)
	if err != nil {
		logError("handleCreateGame: insert game", err)
		writeError(w, http.StatusInternalServerError, "failed to create game")
		return
	}
	gameID, _ := result.LastInsertId()

	for seat, p := range req.Players {
		personality := availablePersonalities[p.Personality]
		if _, err := db.Exec(
			"INSERT INTO player (game_id, seat, name, provider, model, personality) VALUES (?, ?, ?, ?, ?, ?)",
			gameID, seat, p.Name, p.Provider, p.Model, personality); err != nil {
			logError("handleCreateGame: insert player", err)
			writeError(w, http.StatusInternalServerError, "failed to create game")
			return
		}
	}

	log.Printf("game %d (%s) created with %d players", gameID, gameUUID, len(req.Players))

	game, err := getGame(gameID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load game")
		return
	}
	state, err := buildGameState(game)
	if err != nil {
		logError("handleCreateGame: build state", err)
		writeError(w, http.StatusInternalServerError, "failed to load game")
		return
	}
	writeJSON(w, http.StatusCreated, state)
}

func handleStartGame(w http.ResponseWriter, r *http.Request) {
	game, err := getGameByUUID(r.PathValue("uuid"))
	if err != nil {
		writeError(w, http.StatusNotFound, "game not found")
		return
	}

	if err := gameEngine.StartGame(game); err != nil {
		logError("handleStartGame", err)
		writeError(w, http.StatusInternalServerError, "failed to start game")
		return
	}
	go gameEngine.RunGame(game.ID)

	state, err := buildGameState(game)
	if err != nil {
		logError("handleStartGame: build state", err)
		writeError(w, http.StatusInternalServerError, "failed to load game")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func handleGetGame(w http.ResponseWriter, r *http.Request) {
	game, err := getGameByUUID(r.PathValue("uuid"))
	if err != nil {
		writeError(w, http.StatusNotFound, "game not found")
		return
	}

	state, err := buildGameState(game)
	if err != nil {
		logError("handleGetGame: build state", err)
		writeError(w, http.StatusInternalServerError, "failed to load game")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func handleProviders(w http.ResponseWriter, r *http.Request) {
	personalities := make([]string, 0, len(availablePersonalities))
	for name := range availablePersonalities {
		personalities = append(personalities, name)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"providers":     availableProviders,
		"personalities": personalities,
	})
}

type playerState struct {
	ID          int64  `json:"id"`
	Number      int    `json:"number"`
	Name        string `json:"name"`
	Provider    string `json:"provider"`
	Model       string `json:"model"`
	Personality string `json:"personality,omitempty"`
	IsAlive     bool   `json:"is_alive"`
	Role        string `json:"role,omitempty"`
	Voice       string `json:"voice,omitempty"`
}

type gameState struct {
	ID               string         `json:"id"`
	Owner            string         `json:"owner,omitempty"`
	Status           string         `json:"status"`
	Phase            string         `json:"phase"`
	Round            int            `json:"round"`
	Winner           string         `json:"winner,omitempty"`
	RoleDistribution map[string]int `json:"role_distribution,omitempty"`
	Players          []playerState  `json:"players"`
	Events           []EventPayload `json:"events"`
}

// buildGameState projects a game for the API. A living player's role is
// only disclosed once the game is finished, and agents' private thinking
// stays hidden until then too.
func buildGameState(game *Game) (*gameState, error) {
	players, err := getPlayersByGameID(game.ID)
	if err != nil {
		return nil, err
	}
	events, err := getEventsByGameID(game.ID)
	if err != nil {
		return nil, err
	}

	finished := game.Status == StatusFinished

	state := &gameState{
		ID:     game.UUID,
		Owner:  game.Owner,
		Status: game.Status,
		Phase:  game.Phase,
		Round:  game.Round,
	}
	if game.Winner.Valid {
		state.Winner = game.Winner.String
	}
	if game.RoleDistribution != "" && game.RoleDistribution != "{}" {
		var dist map[string]int
		if err := json.Unmarshal([]byte(game.RoleDistribution), &dist); err == nil {
			state.RoleDistribution = dist
		}
	}

	for i := range players {
		p := &players[i]
		ps := playerState{
			ID:       p.ID,
			Number:   p.Number(),
			Name:     p.Name,
			Provider: p.Provider,
			Model:    p.Model,
			IsAlive:  p.IsAlive,
			Voice:    p.Voice,
		}
		if p.Role != "" && (!p.IsAlive || finished) {
			ps.Role = mustGetRole(p.Role).DisplayName
		}
		state.Players = append(state.Players, ps)
	}

	for i := range events {
		ev := &events[i]
		if !ev.IsPublic && !finished {
			continue
		}
		payload := eventPayload(ev)
		if finished {
			// Full transparency after the game: restore private reasoning.
			payload.Data = ev.DecodeData()
		}
		state.Events = append(state.Events, payload)
	}

	return state, nil
}

func registerRoutes(mux *http.ServeMux, audioDir string) {
	mux.HandleFunc("POST /games", handleCreateGame)
	mux.HandleFunc("POST /games/{uuid}/start", handleStartGame)
	mux.HandleFunc("GET /games/{uuid}", handleGetGame)
	mux.HandleFunc("GET /providers", handleProviders)
	mux.HandleFunc("/ws", handleWebSocket)
	mux.Handle("/audio/", http.StripPrefix("/audio/", http.FileServer(http.Dir(audioDir))))
}

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Warning: failed to load .env: %v", err)
	}

	fv := registerFlags()
	flag.Parse()
	cfg := loadConfig(*fv.configPath)
	fv.applyTo(&cfg)

	// Set up logging to both stdout and file
	logFile, err := os.OpenFile("werewolf-arena.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		log.Fatal("Failed to open log file:", err)
	}
	defer logFile.Close()
	log.SetOutput(io.MultiWriter(os.Stdout, logFile))

	if err := InitAppLogger(cfg.toLogConfig()); err != nil {
		log.Fatal("Failed to initialize logger:", err)
	}
	defer CloseAppLogger()

	db, err = sqlx.Connect("sqlite3", cfg.DB)
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}
	defer db.Close()

	if err := initDB(); err != nil {
		log.Fatal("Failed to initialize database:", err)
	}

	// Start WebSocket hub
	go hub.run()

	gameEngine = NewEngine(cfg, newLLMAgentClient(cfg), newNarrator(cfg), hub)

	mux := http.NewServeMux()
	registerRoutes(mux, cfg.AudioDir)

	log.Printf("Server starting on %s", cfg.Addr)
	log.Fatal(http.ListenAndServe(cfg.Addr, mux))
}
