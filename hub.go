package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// EventPayload is the observer-facing projection of a game event. Private
// reasoning never leaves the server while a game is live.
type EventPayload struct {
	ID             int64     `json:"id"`
	Round          int       `json:"round"`
	Phase          string    `json:"phase"`
	Type           string    `json:"type"`
	ActorPlayerID  *int64    `json:"actor_player_id,omitempty"`
	TargetPlayerID *int64    `json:"target_player_id,omitempty"`
	Data           EventData `json:"data"`
	AudioURL       string    `json:"audio_url,omitempty"`
}

// eventPayload projects a persisted event for broadcast, stripping the
// agent's private thinking.
func eventPayload(ev *GameEvent) EventPayload {
	data := ev.DecodeData()
	data.Thinking = ""
	return EventPayload{
		ID:             ev.ID,
		Round:          ev.Round,
		Phase:          ev.Phase,
		Type:           ev.Type,
		ActorPlayerID:  ev.ActorPlayerID,
		TargetPlayerID: ev.TargetPlayerID,
		Data:           data,
		AudioURL:       ev.AudioURL,
	}
}

// Client represents an observer's websocket connection, scoped to one game
type Client struct {
	conn    *websocket.Conn
	gameID  int64
	writeMu sync.Mutex // Serialize writes to WebSocket (required by gorilla/websocket)
}

// WebSocket hub for broadcasting game progress to connected observers
type Hub struct {
	clients    map[*websocket.Conn]*Client
	broadcast  chan hubMessage
	register   chan *Client
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	done       chan struct{}
	wg         sync.WaitGroup
}

type hubMessage struct {
	gameID  int64
	payload []byte
}

func newHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]*Client),
		broadcast:  make(chan hubMessage, 64),
		register:   make(chan *Client),
		unregister: make(chan *websocket.Conn, 64),
		done:       make(chan struct{}),
	}
}

// stop signals the hub goroutine to exit and waits for it to finish
func (h *Hub) stop() {
	close(h.done)
	h.wg.Wait()
}

var hub = newHub()

func (h *Hub) run() {
	h.wg.Add(1)
	defer h.wg.Done()
	for {
		select {
		case <-h.done:
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.conn] = client
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("WebSocket observer connected (game %d). Total: %d", client.gameID, total)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("WebSocket observer disconnected. Total: %d", total)

		case msg := <-h.broadcast:
			h.mu.RLock()
			for conn, client := range h.clients {
				if client.gameID != msg.gameID {
					continue
				}
				// Serialize writes to each connection
				client.writeMu.Lock()
				err := conn.WriteMessage(websocket.TextMessage, msg.payload)
				client.writeMu.Unlock()

				if err != nil {
					log.Printf("WebSocket write error: %v", err)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// broadcastToGame queues a typed message for every observer of a game.
func (h *Hub) broadcastToGame(gameID int64, event string, payload any) {
	msg, err := json.Marshal(map[string]any{
		"event":   event,
		"payload": payload,
	})
	if err != nil {
		logError("broadcastToGame: marshal", err)
		return
	}
	LogWSMessage("OUT", fmt.Sprintf("game-%d", gameID), string(msg))

	select {
	case h.broadcast <- hubMessage{gameID: gameID, payload: msg}:
	case <-h.done:
	}
}

// PhaseChanged implements Broadcaster.
func (h *Hub) PhaseChanged(game *Game, narration *Narration) {
	payload := map[string]any{
		"game_id":     game.UUID,
		"phase":       game.Phase,
		"round":       game.Round,
		"description": phaseLabel(game.Phase),
	}
	if narration != nil {
		payload["narration"] = narration.Text
		if narration.AudioURL != "" {
			payload["narration_audio_url"] = narration.AudioURL
		}
	}
	h.broadcastToGame(game.ID, "phase-changed", payload)
}

// PlayerActed implements Broadcaster.
func (h *Hub) PlayerActed(game *Game, ev *GameEvent) {
	if !ev.IsPublic {
		return
	}
	h.broadcastToGame(game.ID, "player-acted", map[string]any{
		"game_id": game.UUID,
		"event":   eventPayload(ev),
	})
}

// PlayerEliminated implements Broadcaster.
func (h *Hub) PlayerEliminated(game *Game, player *Player, ev *GameEvent) {
	h.broadcastToGame(game.ID, "player-eliminated", map[string]any{
		"game_id":   game.UUID,
		"player_id": player.ID,
		"name":      player.Name,
		"role":      mustGetRole(player.Role).DisplayName,
		"event":     eventPayload(ev),
	})
}

// GameEnded implements Broadcaster.
func (h *Hub) GameEnded(game *Game, winner, message string) {
	h.broadcastToGame(game.ID, "game-ended", map[string]any{
		"game_id": game.UUID,
		"winner":  winner,
		"message": message,
	})
}

// handleWebSocket upgrades an observer connection for a single game,
// identified by the game UUID in the query string.
func handleWebSocket(w http.ResponseWriter, r *http.Request) {
	currentHub := hub

	gameUUID := r.URL.Query().Get("game")
	game, err := getGameByUUID(gameUUID)
	if err != nil {
		DebugLog("handleWebSocket: rejected connection, unknown game %q", gameUUID)
		http.Error(w, "Game not found", http.StatusNotFound)
		return
	}

	var upgrader = websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error for game %s: %v", gameUUID, err)
		return
	}

	DebugLog("handleWebSocket: observer connected to game %s", gameUUID)
	client := &Client{conn: conn, gameID: game.ID}
	currentHub.register <- client

	// Observers don't send commands; drain until the connection drops.
	go func() {
		defer func() {
			currentHub.unregister <- conn
		}()
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				break
			}
			LogWSMessage("IN", fmt.Sprintf("game-%d", game.ID), string(message))
		}
	}()
}
