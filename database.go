package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"
)

// Game statuses
const (
	StatusPending  = "pending"
	StatusRunning  = "running"
	StatusFinished = "finished"
)

// Winning teams
const (
	TeamVillage    = "village"
	TeamWerewolves = "werewolves"
	TeamNeutral    = "neutral"
)

type Game struct {
	ID               int64          `db:"id"`
	UUID             string         `db:"uuid"`
	Owner            string         `db:"owner"`
	Status           string         `db:"status"` // pending, running, finished
	Phase            string         `db:"phase"`
	Round            int            `db:"round"`
	Winner           sql.NullString `db:"winner"`
	RoleDistribution string         `db:"role_distribution"` // JSON name->count
	CreatedAt        time.Time      `db:"created_at"`
}

type Player struct {
	ID          int64  `db:"id"`
	GameID      int64  `db:"game_id"`
	Seat        int    `db:"seat"` // 0-based; agents see seat+1
	Name        string `db:"name"`
	Provider    string `db:"provider"`
	Model       string `db:"model"`
	Role        string `db:"role"` // empty until the game starts
	IsAlive     bool   `db:"is_alive"`
	Personality string `db:"personality"`
	Voice       string `db:"voice"`
}

// Number is the 1-based seat number shown to agents in prompts.
func (p *Player) Number() int {
	return p.Seat + 1
}

// GameEvent is one append-only log row. The event log is the sole source of
// truth for game history: context building and broadcasts both read from it.
// Rows are never updated after insert, with two exceptions: werewolf_kill
// targets are rewritten once after pack consensus, and an audio URL may be
// attached after generation.
type GameEvent struct {
	ID             int64     `db:"id"`
	GameID         int64     `db:"game_id"`
	Round          int       `db:"round"`
	Phase          string    `db:"phase"`
	Type           string    `db:"type"`
	ActorPlayerID  *int64    `db:"actor_player_id"`
	TargetPlayerID *int64    `db:"target_player_id"`
	Data           string    `db:"data"` // JSON, see EventData
	IsPublic       bool      `db:"is_public"`
	AudioURL       string    `db:"audio_url"`
	CreatedAt      time.Time `db:"created_at"`
}

// Event types
const (
	EventDiscussion       = "discussion"
	EventWerewolfKill     = "werewolf_kill"
	EventSeerInvestigate  = "seer_investigate"
	EventBodyguardProtect = "bodyguard_protect"
	EventDeath            = "death"
	EventBodyguardSave    = "bodyguard_save"
	EventNoDeath          = "no_death"
	EventNomination       = "nomination"
	EventNominationResult = "nomination_result"
	EventDefenseSpeech    = "defense_speech"
	EventVote             = "vote"
	EventVoteTally        = "vote_tally"
	EventVoteTie          = "vote_tie"
	EventNoElimination    = "no_elimination"
	EventElimination      = "elimination"
	EventDyingSpeech      = "dying_speech"
	EventHunterShot       = "hunter_shot"
	EventGameEnd          = "game_end"
	EventNarration        = "narration"
	EventError            = "error"
)

// EventData is the structured payload stored on an event row. Only the
// fields relevant to the event type are set.
type EventData struct {
	Thinking          string         `json:"thinking,omitempty"`
	Message           string         `json:"message,omitempty"`
	PublicReasoning   string         `json:"public_reasoning,omitempty"`
	Result            string         `json:"result,omitempty"`
	RoleRevealed      string         `json:"role_revealed,omitempty"`
	Vote              string         `json:"vote,omitempty"` // "yes" or "no" on trial votes
	VotesYes          int            `json:"votes_yes,omitempty"`
	VotesNo           int            `json:"votes_no,omitempty"`
	VotesReceived     int            `json:"votes_received,omitempty"`
	Tally             map[string]int `json:"tally,omitempty"` // player name -> count
	AddressedPlayerID int            `json:"addressed_player_id,omitempty"`
	Winner            string         `json:"winner,omitempty"`
}

// DecodeData parses the event's JSON payload.
func (e *GameEvent) DecodeData() EventData {
	var d EventData
	if e.Data != "" {
		if err := json.Unmarshal([]byte(e.Data), &d); err != nil {
			log.Printf("event %d: bad data payload: %v", e.ID, err)
		}
	}
	return d
}

func getGameByUUID(uuid string) (*Game, error) {
	var game Game
	err := db.Get(&game, "SELECT rowid as id, uuid, owner, status, phase, round, winner, role_distribution, created_at FROM game WHERE uuid = ?", uuid)
	if err != nil {
		return nil, err
	}
	return &game, nil
}

func getGame(gameID int64) (*Game, error) {
	var game Game
	err := db.Get(&game, "SELECT rowid as id, uuid, owner, status, phase, round, winner, role_distribution, created_at FROM game WHERE rowid = ?", gameID)
	if err != nil {
		return nil, err
	}
	return &game, nil
}

func getPlayersByGameID(gameID int64) ([]Player, error) {
	var players []Player
	err := db.Select(&players, `
		SELECT rowid as id, game_id, seat, name, provider, model, role, is_alive, personality, voice
		FROM player
		WHERE game_id = ?
		ORDER BY seat`, gameID)
	return players, err
}

func getPlayer(playerID int64) (*Player, error) {
	var player Player
	err := db.Get(&player, `
		SELECT rowid as id, game_id, seat, name, provider, model, role, is_alive, personality, voice
		FROM player
		WHERE rowid = ?`, playerID)
	if err != nil {
		return nil, err
	}
	return &player, nil
}

func alivePlayers(players []Player) []*Player {
	var alive []*Player
	for i := range players {
		if players[i].IsAlive {
			alive = append(alive, &players[i])
		}
	}
	return alive
}

// alivePlayersWithRole filters the roster to living players holding a role.
func alivePlayersWithRole(players []Player, roleID string) []*Player {
	var out []*Player
	for i := range players {
		if players[i].IsAlive && players[i].Role == roleID {
			out = append(out, &players[i])
		}
	}
	return out
}

func markPlayerDead(playerID int64) error {
	_, err := db.Exec("UPDATE player SET is_alive = 0 WHERE rowid = ?", playerID)
	return err
}

func getEventsByGameID(gameID int64) ([]GameEvent, error) {
	var events []GameEvent
	err := db.Select(&events, `
		SELECT rowid as id, game_id, round, phase, type, actor_player_id, target_player_id, data, is_public, audio_url, created_at
		FROM game_event
		WHERE game_id = ?
		ORDER BY rowid`, gameID)
	return events, err
}

// getRoundEvents returns this round's events of one type, in insertion order.
func getRoundEvents(gameID int64, round int, eventType string) ([]GameEvent, error) {
	var events []GameEvent
	err := db.Select(&events, `
		SELECT rowid as id, game_id, round, phase, type, actor_player_id, target_player_id, data, is_public, audio_url, created_at
		FROM game_event
		WHERE game_id = ? AND round = ? AND type = ?
		ORDER BY rowid`, gameID, round, eventType)
	return events, err
}

// insertEvent appends a row to the event log and returns it with its id set.
func insertEvent(ev *GameEvent) error {
	if ev.Data == "" {
		ev.Data = "{}"
	}
	result, err := db.Exec(`
		INSERT INTO game_event (game_id, round, phase, type, actor_player_id, target_player_id, data, is_public, audio_url)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.GameID, ev.Round, ev.Phase, ev.Type, ev.ActorPlayerID, ev.TargetPlayerID, ev.Data, ev.IsPublic, ev.AudioURL)
	if err != nil {
		return fmt.Errorf("insert %s event: %w", ev.Type, err)
	}
	ev.ID, _ = result.LastInsertId()
	ev.CreatedAt = time.Now()
	return nil
}

func mustEncodeData(d EventData) string {
	b, err := json.Marshal(d)
	if err != nil {
		log.Printf("encode event data: %v", err)
		return "{}"
	}
	return string(b)
}

func mustEncodeDistribution(distribution map[string]int) string {
	b, err := json.Marshal(distribution)
	if err != nil {
		log.Printf("encode role distribution: %v", err)
		return "{}"
	}
	return string(b)
}

// attachAudio adds a generated audio URL to an existing event row. This is
// one of the two permitted post-insert updates on the log.
func attachAudio(eventID int64, url string) {
	if _, err := db.Exec("UPDATE game_event SET audio_url = ? WHERE rowid = ?", url, eventID); err != nil {
		logError("attachAudio", err)
	}
}

func initDB() error {
	schema := `
	PRAGMA journal_mode=WAL;

	CREATE TABLE IF NOT EXISTS game (
		uuid TEXT NOT NULL UNIQUE,
		owner TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		phase TEXT NOT NULL DEFAULT 'lobby',
		round INTEGER NOT NULL DEFAULT 0,
		winner TEXT,
		role_distribution TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS player (
		game_id INTEGER NOT NULL,
		seat INTEGER NOT NULL,
		name TEXT NOT NULL,
		provider TEXT NOT NULL,
		model TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT '',
		is_alive INTEGER NOT NULL DEFAULT 1,
		personality TEXT NOT NULL DEFAULT '',
		voice TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (game_id) REFERENCES game(rowid),
		UNIQUE(game_id, seat)
	);
	CREATE TABLE IF NOT EXISTS game_event (
		game_id INTEGER NOT NULL,
		round INTEGER NOT NULL,
		phase TEXT NOT NULL,
		type TEXT NOT NULL,
		actor_player_id INTEGER,
		target_player_id INTEGER,
		data TEXT NOT NULL DEFAULT '{}',
		is_public INTEGER NOT NULL DEFAULT 0,
		audio_url TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (game_id) REFERENCES game(rowid),
		FOREIGN KEY (actor_player_id) REFERENCES player(rowid),
		FOREIGN KEY (target_player_id) REFERENCES player(rowid)
	);
	CREATE INDEX IF NOT EXISTS idx_game_event_lookup ON game_event(game_id, round, type);
	`
	_, err := db.Exec(schema)
	if err != nil {
		log.Printf("initDB error: %v", err)
		return err
	}
	log.Printf("Database initialized successfully")
	return nil
}
