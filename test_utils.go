package main

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

var testDBCounter atomic.Int64

// newTestDB wires the global db to a fresh in-memory database with the
// schema applied. Each test gets its own named memory database so tests
// can run in parallel without sharing state.
func newTestDB(t *testing.T) *sqlx.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:testdb%d?mode=memory&cache=shared", testDBCounter.Add(1))
	testDB, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		t.Fatalf("connect test database: %v", err)
	}
	// cache=shared keeps the memory database alive only while a connection
	// is open; hold the pool open for the test's lifetime.
	testDB.SetMaxIdleConns(1)

	db = testDB
	if err := initDB(); err != nil {
		t.Fatalf("init test database: %v", err)
	}

	t.Cleanup(func() {
		testDB.Close()
	})
	return testDB
}

// seedGame inserts a running game with the given role assignments, one
// player per role entry, seated in order. Names are P1..Pn.
func seedGame(t *testing.T, roles []string) (*Game, []Player) {
	t.Helper()

	result, err := db.Exec("INSERT INTO game (uuid, owner, status, phase, round) VALUES (?, ?, ?, ?, 1)",
		uuid.NewString(), "test", StatusRunning, PhaseNightWerewolf)
	if err != nil {
		t.Fatalf("seed game: %v", err)
	}
	gameID, _ := result.LastInsertId()

	for seat, role := range roles {
		if _, err := db.Exec(
			"INSERT INTO player (game_id, seat, name, provider, model, role) VALUES (?, ?, ?, 'openai', 'test-model', ?)",
			gameID, seat, fmt.Sprintf("P%d", seat+1), role); err != nil {
			t.Fatalf("seed player: %v", err)
		}
	}

	game, err := getGame(gameID)
	if err != nil {
		t.Fatalf("load seeded game: %v", err)
	}
	players, err := getPlayersByGameID(gameID)
	if err != nil {
		t.Fatalf("load seeded players: %v", err)
	}
	return game, players
}

// fakeAgent is a scripted AgentClient. Responses are served per player
// name in FIFO order; when a player's queue runs dry the default response
// is used. All calls are recorded.
type fakeAgent struct {
	mu sync.Mutex

	discussions map[string][]*DiscussionResponse
	actions     map[string][]*ActionResponse

	defaultDiscussion *DiscussionResponse
	defaultAction     *ActionResponse

	// errors override everything for the named player
	failFor map[string]error

	calls []agentCall
}

type agentCall struct {
	kind    string // "discuss" | "act" | "vote"
	player  string
	context string
	task    string
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{
		discussions:       make(map[string][]*DiscussionResponse),
		actions:           make(map[string][]*ActionResponse),
		defaultDiscussion: &DiscussionResponse{Message: "I have nothing to add.", WantsToSpeak: false},
		defaultAction:     &ActionResponse{TargetID: 1},
		failFor:           make(map[string]error),
	}
}

func (f *fakeAgent) queueDiscussion(player string, resp *DiscussionResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discussions[player] = append(f.discussions[player], resp)
}

func (f *fakeAgent) queueAction(player string, resp *ActionResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions[player] = append(f.actions[player], resp)
}

func (f *fakeAgent) record(kind string, player *Player, gameContext, task string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, agentCall{kind: kind, player: player.Name, context: gameContext, task: task})
	return f.failFor[player.Name]
}

func (f *fakeAgent) Discuss(_ context.Context, player *Player, gameContext, task string) (*DiscussionResponse, error) {
	if err := f.record("discuss", player, gameContext, task); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if q := f.discussions[player.Name]; len(q) > 0 {
		f.discussions[player.Name] = q[1:]
		return q[0], nil
	}
	return f.defaultDiscussion, nil
}

func (f *fakeAgent) nextAction(player *Player) *ActionResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	if q := f.actions[player.Name]; len(q) > 0 {
		f.actions[player.Name] = q[1:]
		return q[0]
	}
	return f.defaultAction
}

func (f *fakeAgent) Act(_ context.Context, player *Player, gameContext, task string) (*ActionResponse, error) {
	if err := f.record("act", player, gameContext, task); err != nil {
		return nil, err
	}
	return f.nextAction(player), nil
}

func (f *fakeAgent) Vote(_ context.Context, player *Player, gameContext, task string) (*ActionResponse, error) {
	if err := f.record("vote", player, gameContext, task); err != nil {
		return nil, err
	}
	return f.nextAction(player), nil
}

func (f *fakeAgent) callsOfKind(kind string) []agentCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []agentCall
	for _, c := range f.calls {
		if c.kind == kind {
			out = append(out, c)
		}
	}
	return out
}

// recordingBroadcaster captures broadcast traffic for assertions.
type recordingBroadcaster struct {
	mu           sync.Mutex
	phaseChanges []string
	events       []GameEvent
	eliminated   []string
	ended        bool
	winner       string
}

func (r *recordingBroadcaster) PhaseChanged(game *Game, _ *Narration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phaseChanges = append(r.phaseChanges, game.Phase)
}

func (r *recordingBroadcaster) PlayerActed(_ *Game, ev *GameEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *ev)
}

func (r *recordingBroadcaster) PlayerEliminated(_ *Game, player *Player, _ *GameEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.eliminated = append(r.eliminated, player.Name)
}

func (r *recordingBroadcaster) GameEnded(_ *Game, winner, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = true
	r.winner = winner
}

// newTestEngine builds an engine with a fixed RNG seed so weighted picks
// and tie breaks are reproducible.
func newTestEngine(cfg AppConfig, agents AgentClient) (*Engine, *recordingBroadcaster) {
	rec := &recordingBroadcaster{}
	e := NewEngine(cfg, agents, nil, rec)
	e.rng = rand.New(rand.NewSource(1))
	return e, rec
}

// findByName resolves a seeded player by name.
func findByName(t *testing.T, players []Player, name string) *Player {
	t.Helper()
	for i := range players {
		if players[i].Name == name {
			return &players[i]
		}
	}
	t.Fatalf("no player named %s", name)
	return nil
}

// eventsOfType filters the full event log of a game.
func eventsOfType(t *testing.T, gameID int64, eventType string) []GameEvent {
	t.Helper()
	events, err := getEventsByGameID(gameID)
	if err != nil {
		t.Fatalf("load events: %v", err)
	}
	var out []GameEvent
	for _, ev := range events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}
