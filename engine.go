package main

import (
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"sync"
	"time"
)

const (
	PhaseLobby          = "lobby"
	PhaseNightWerewolf  = "night_werewolf"
	PhaseNightSeer      = "night_seer"
	PhaseNightBodyguard = "night_bodyguard"
	PhaseDawn           = "dawn"
	PhaseDayDiscussion  = "day_discussion"
	PhaseDayVoting      = "day_voting"
	PhaseDusk           = "dusk"
	PhaseGameOver       = "game_over"
)

var errIllegalTransition = errors.New("illegal phase transition")

// phaseTransitions is the full transition graph. Every phase change goes
// through transitionTo, which rejects anything not listed here.
var phaseTransitions = map[string][]string{
	PhaseLobby:          {PhaseNightWerewolf},
	PhaseNightWerewolf:  {PhaseNightSeer},
	PhaseNightSeer:      {PhaseNightBodyguard},
	PhaseNightBodyguard: {PhaseDawn},
	PhaseDawn:           {PhaseDayDiscussion, PhaseGameOver},
	PhaseDayDiscussion:  {PhaseDayVoting},
	PhaseDayVoting:      {PhaseDusk},
	PhaseDusk:           {PhaseNightWerewolf, PhaseGameOver},
	PhaseGameOver:       {},
}

var phaseLabels = map[string]string{
	PhaseLobby:          "Lobby",
	PhaseNightWerewolf:  "Night - Werewolves Hunt",
	PhaseNightSeer:      "Night - The Seer Investigates",
	PhaseNightBodyguard: "Night - The Bodyguard Stands Watch",
	PhaseDawn:           "Dawn",
	PhaseDayDiscussion:  "Day - Village Discussion",
	PhaseDayVoting:      "Day - The Village Votes",
	PhaseDusk:           "Dusk",
	PhaseGameOver:       "Game Over",
}

func phaseLabel(phase string) string {
	if label, ok := phaseLabels[phase]; ok {
		return label
	}
	return phase
}

// Broadcaster pushes game progress to connected observers. The Hub is the
// production implementation; tests substitute a recorder.
type Broadcaster interface {
	PhaseChanged(game *Game, narration *Narration)
	PlayerActed(game *Game, ev *GameEvent)
	PlayerEliminated(game *Game, player *Player, ev *GameEvent)
	GameEnded(game *Game, winner, message string)
}

// Engine runs games. All of its dependencies are injected so that games
// can be driven end to end in tests with a scripted agent and no network.
type Engine struct {
	cfg         AppConfig
	agents      AgentClient
	narrator    *Narrator
	broadcaster Broadcaster

	// rng is shared by every running game's goroutine and *rand.Rand is
	// not safe for concurrent use, so all draws go through intn/shuffle.
	rngMu sync.Mutex
	rng   *rand.Rand

	mu      sync.Mutex
	running map[int64]bool
}

func (e *Engine) intn(n int) int {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return e.rng.Intn(n)
}

func (e *Engine) shuffle(n int, swap func(i, j int)) {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	e.rng.Shuffle(n, swap)
}

func NewEngine(cfg AppConfig, agents AgentClient, narrator *Narrator, broadcaster Broadcaster) *Engine {
	return &Engine{
		cfg:         cfg,
		agents:      agents,
		narrator:    narrator,
		broadcaster: broadcaster,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		running:     make(map[int64]bool),
	}
}

// StartGame assigns roles, voices, and the opening phase. Calling it on a
// game that already left the lobby is a no-op, so concurrent start requests
// launch a single run. The phase announcement runs after the lock is
// released: it may block on a narrator LLM call, and holding e.mu there
// would stall every other game's RunGame registration.
func (e *Engine) StartGame(game *Game) error {
	started, err := e.setupGame(game)
	if err != nil || !started {
		return err
	}
	e.announcePhase(game)
	return nil
}

func (e *Engine) setupGame(game *Game) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	fresh, err := getGame(game.ID)
	if err != nil {
		return false, err
	}
	if fresh.Status != StatusPending {
		return false, nil
	}

	players, err := getPlayersByGameID(game.ID)
	if err != nil {
		return false, err
	}

	roles := distributeRoles(len(players))
	shuffleRoles(roles)
	for i := range players {
		if _, err := db.Exec("UPDATE player SET role = ? WHERE rowid = ?", roles[i], players[i].ID); err != nil {
			return false, fmt.Errorf("assign role: %w", err)
		}
		players[i].Role = roles[i]
	}
	assignVoices(players, e.cfg.TTSProvider)

	distribution := mustEncodeDistribution(buildRoleDistribution(roles))
	if _, err := db.Exec(`UPDATE game SET status = ?, phase = ?, round = 1, role_distribution = ? WHERE rowid = ?`,
		StatusRunning, PhaseNightWerewolf, distribution, game.ID); err != nil {
		return false, fmt.Errorf("start game: %w", err)
	}
	game.Status = StatusRunning
	game.Phase = PhaseNightWerewolf
	game.Round = 1
	game.RoleDistribution = distribution

	log.Printf("game %d started with %d players: %s", game.ID, len(players), distribution)
	return true, nil
}

// RunGame drives a started game to completion in the calling goroutine.
// A second concurrent call for the same game returns immediately. A run
// stopped by an agent failure leaves the game running, and a later call
// resumes it from the persisted phase.
func (e *Engine) RunGame(gameID int64) {
	e.mu.Lock()
	if e.running[gameID] {
		e.mu.Unlock()
		return
	}
	e.running[gameID] = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, gameID)
		e.mu.Unlock()
	}()

	for {
		game, err := getGame(gameID)
		if err != nil {
			logError("RunGame: load game", err)
			return
		}
		if game.Phase == PhaseGameOver || game.Status == StatusFinished {
			return
		}
		if game.Round > e.cfg.maxRounds() {
			e.failGame(game, fmt.Errorf("round limit reached after %d rounds", e.cfg.maxRounds()))
			return
		}

		if err := e.processCurrentPhase(game); err != nil {
			e.abortRun(game, err)
			return
		}
	}
}

func (e *Engine) processCurrentPhase(game *Game) error {
	DebugLog("game %d round %d: processing %s", game.ID, game.Round, game.Phase)

	switch game.Phase {
	case PhaseNightWerewolf:
		return e.processNightWerewolf(game)
	case PhaseNightSeer:
		return e.processNightSeer(game)
	case PhaseNightBodyguard:
		return e.processNightBodyguard(game)
	case PhaseDawn:
		return e.processDawn(game)
	case PhaseDayDiscussion:
		if err := e.runDayDiscussion(game); err != nil {
			return err
		}
		return e.transitionTo(game, PhaseDayVoting)
	case PhaseDayVoting:
		if err := e.runDayVoting(game); err != nil {
			return err
		}
		return e.transitionTo(game, PhaseDusk)
	case PhaseDusk:
		return e.processDusk(game)
	default:
		return fmt.Errorf("cannot process phase %q", game.Phase)
	}
}

// processDawn reveals the night's outcome, handles the victim's last words
// and the Hunter's revenge, then either ends the game or opens discussion.
func (e *Engine) processDawn(game *Game) error {
	victim, err := e.resolveNight(game)
	if err != nil {
		return err
	}
	if victim != nil {
		if err := e.handleDeathSequence(game, victim); err != nil {
			return err
		}
	}

	over, err := e.checkWinCondition(game, nil)
	if err != nil || over {
		return err
	}
	return e.transitionTo(game, PhaseDayDiscussion)
}

// processDusk closes out the day: the eliminated player (if any) speaks and
// the Hunter shoots, the win condition is checked, and a new round begins.
func (e *Engine) processDusk(game *Game) error {
	players, err := getPlayersByGameID(game.ID)
	if err != nil {
		return err
	}
	eliminated, err := lastVoteElimination(game, players)
	if err != nil {
		return err
	}
	if eliminated != nil {
		if err := e.handleDeathSequence(game, eliminated); err != nil {
			return err
		}
	}

	over, err := e.checkWinCondition(game, eliminated)
	if err != nil || over {
		return err
	}

	if _, err := db.Exec("UPDATE game SET round = round + 1 WHERE rowid = ?", game.ID); err != nil {
		return fmt.Errorf("advance round: %w", err)
	}
	game.Round++
	return e.transitionTo(game, PhaseNightWerewolf)
}

// handleDeathSequence gives a freshly dead player their final words and, if
// they were the Hunter, their revenge shot. The shot victim gets the same
// treatment, so a Hunter shooting a Hunter would chain (the role cap makes
// that impossible in practice, but the recursion is harmless).
func (e *Engine) handleDeathSequence(game *Game, victim *Player) error {
	if err := e.giveDyingSpeech(game, victim); err != nil {
		return err
	}
	if victim.Role != RoleHunter {
		return nil
	}

	players, err := getPlayersByGameID(game.ID)
	if err != nil {
		return err
	}
	events, err := getEventsByGameID(game.ID)
	if err != nil {
		return err
	}

	gameContext := buildPlayerContext(game, players, events, victim) +
		"\n\n## Your Dying Action\nYou have been eliminated, but the Hunter does not go quietly."
	task := "As the Hunter, you take one player down with you. Choose who to shoot by setting target_id to their number."
	resp, err := e.callAct(victim, gameContext, task)
	if err != nil {
		return err
	}

	target := e.resolveTarget(resp.TargetID, players, victim.ID)
	if target == nil {
		return nil
	}
	if err := markPlayerDead(target.ID); err != nil {
		return err
	}
	target.IsAlive = false

	ev := &GameEvent{
		GameID:         game.ID,
		Round:          game.Round,
		Phase:          game.Phase,
		Type:           EventHunterShot,
		ActorPlayerID:  &victim.ID,
		TargetPlayerID: &target.ID,
		Data: mustEncodeData(EventData{
			Message: fmt.Sprintf("With their dying breath, **%s** the Hunter shoots **%s**! They were a **%s**.",
				victim.Name, target.Name, mustGetRole(target.Role).DisplayName),
			RoleRevealed: mustGetRole(target.Role).DisplayName,
			Thinking:     resp.Thinking,
		}),
		IsPublic: true,
	}
	if err := e.persistPublic(game, ev); err != nil {
		return err
	}
	e.broadcaster.PlayerEliminated(game, target, ev)

	return e.handleDeathSequence(game, target)
}

func (e *Engine) giveDyingSpeech(game *Game, victim *Player) error {
	players, err := getPlayersByGameID(game.ID)
	if err != nil {
		return err
	}
	events, err := getEventsByGameID(game.ID)
	if err != nil {
		return err
	}

	gameContext := buildPlayerContext(game, players, events, victim)
	task := "You have been eliminated from the game. Give your final words to the village. You may reveal anything you know."
	resp, err := e.callDiscuss(victim, gameContext, task)
	if err != nil {
		return err
	}
	if strings.TrimSpace(resp.Message) == "" {
		return nil
	}

	ev := &GameEvent{
		GameID:        game.ID,
		Round:         game.Round,
		Phase:         game.Phase,
		Type:          EventDyingSpeech,
		ActorPlayerID: &victim.ID,
		Data: mustEncodeData(EventData{
			Thinking: resp.Thinking,
			Message:  resp.Message,
		}),
		IsPublic: true,
	}
	return e.persistPublic(game, ev)
}

// checkWinCondition evaluates the end of the game, in priority order:
//
//  1. a Tanner eliminated by village vote wins alone
//  2. no werewolves alive means the village wins
//  3. werewolves matching or outnumbering everyone else means they win
//
// Returns true when the game ended.
func (e *Engine) checkWinCondition(game *Game, eliminatedByVote *Player) (bool, error) {
	if eliminatedByVote != nil && eliminatedByVote.Role == RoleTanner {
		return true, e.endGame(game, TeamNeutral,
			fmt.Sprintf("**%s** the Tanner wanted to die all along, and the village obliged. The Tanner wins!", eliminatedByVote.Name))
	}

	players, err := getPlayersByGameID(game.ID)
	if err != nil {
		return false, err
	}
	wolves := 0
	others := 0
	for i := range players {
		if !players[i].IsAlive {
			continue
		}
		if players[i].Role == RoleWerewolf {
			wolves++
		} else {
			others++
		}
	}

	switch {
	case wolves == 0:
		return true, e.endGame(game, TeamVillage, "All werewolves have been eliminated. The village is safe. The Village wins!")
	case wolves >= others:
		return true, e.endGame(game, TeamWerewolves, "The werewolves now match the villagers in number. There is no stopping them. The Werewolves win!")
	default:
		return false, nil
	}
}

func (e *Engine) endGame(game *Game, winner, message string) error {
	if err := e.transitionTo(game, PhaseGameOver); err != nil {
		return err
	}
	if _, err := db.Exec("UPDATE game SET status = ?, winner = ? WHERE rowid = ?", StatusFinished, winner, game.ID); err != nil {
		return fmt.Errorf("end game: %w", err)
	}
	game.Status = StatusFinished
	game.Winner.String = winner
	game.Winner.Valid = true

	ev := &GameEvent{
		GameID:   game.ID,
		Round:    game.Round,
		Phase:    PhaseGameOver,
		Type:     EventGameEnd,
		Data:     mustEncodeData(EventData{Message: message, Winner: winner}),
		IsPublic: true,
	}
	if err := e.persistPublic(game, ev); err != nil {
		return err
	}
	e.broadcaster.GameEnded(game, winner, message)
	log.Printf("game %d over: %s", game.ID, winner)
	return nil
}

// recordRunError writes a public error event for a run that cannot
// continue.
func (e *Engine) recordRunError(game *Game, cause error) {
	logError(fmt.Sprintf("game %d failed", game.ID), cause)
	ev := &GameEvent{
		GameID:   game.ID,
		Round:    game.Round,
		Phase:    game.Phase,
		Type:     EventError,
		Data:     mustEncodeData(EventData{Message: "An error occurred: " + cause.Error()}),
		IsPublic: true,
	}
	if err := insertEvent(ev); err != nil {
		logError("recordRunError: insert error event", err)
	}
	e.broadcaster.PlayerActed(game, ev)
}

// abortRun stops the run after a transient failure such as a provider
// timeout. The game stays running at its persisted phase, so a later
// RunGame invocation resumes where this one stopped.
func (e *Engine) abortRun(game *Game, cause error) {
	e.recordRunError(game, cause)
}

// failGame ends a game that can never finish on its own, such as one that
// hit the round limit. The game is marked finished with no winner.
func (e *Engine) failGame(game *Game, cause error) {
	e.recordRunError(game, cause)
	if _, err := db.Exec("UPDATE game SET status = ? WHERE rowid = ?", StatusFinished, game.ID); err != nil {
		logError("failGame: update status", err)
	}
}

// transitionTo moves the game to the next phase, enforcing the transition
// graph, and announces the change (with narration when configured).
func (e *Engine) transitionTo(game *Game, next string) error {
	allowed := false
	for _, p := range phaseTransitions[game.Phase] {
		if p == next {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: %s -> %s", errIllegalTransition, game.Phase, next)
	}

	if _, err := db.Exec("UPDATE game SET phase = ? WHERE rowid = ?", next, game.ID); err != nil {
		return fmt.Errorf("transition to %s: %w", next, err)
	}
	game.Phase = next
	e.announcePhase(game)
	return nil
}

func (e *Engine) announcePhase(game *Game) {
	var narration *Narration
	if e.narrator != nil {
		narration = e.narrator.NarratePhase(game)
	}
	e.broadcaster.PhaseChanged(game, narration)
	if narration != nil {
		e.pace(narration.Duration)
	} else {
		e.pace(0)
	}
}

// persistPublic writes an event, voices it when speech synthesis is on,
// announces it to observers, and paces the run so spectators can follow.
func (e *Engine) persistPublic(game *Game, ev *GameEvent) error {
	if err := insertEvent(ev); err != nil {
		return err
	}

	var audioDuration float64
	if e.narrator != nil {
		audioDuration = e.narrator.VoiceEvent(game, ev)
	}

	e.broadcaster.PlayerActed(game, ev)
	switch ev.Type {
	case EventDeath, EventElimination:
		if ev.TargetPlayerID != nil {
			if p, err := getPlayer(*ev.TargetPlayerID); err == nil {
				e.broadcaster.PlayerEliminated(game, p, ev)
			}
		}
	}

	e.pace(audioDuration)
	return nil
}

// pace sleeps between visible events when pacing is enabled. Audio playback
// length wins over the fixed delay, and a headless run collapses to no
// sleeping at all.
func (e *Engine) pace(audioDuration float64) {
	if !e.cfg.Pacing {
		return
	}
	delay := time.Duration(e.cfg.PhaseDelaySeconds) * time.Second
	if audioDuration > 0 {
		delay = time.Duration(audioDuration * float64(time.Second))
	}
	if delay > 0 {
		time.Sleep(delay)
	}
}
