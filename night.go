package main

import (
	"context"
	"fmt"
	"log"
	"strings"
)

// processNightWerewolf collects kill proposals from the pack in seat order,
// consolidates them to a single consensus target, and rewrites every
// proposal row to that target so the pack wakes up agreeing.
func (e *Engine) processNightWerewolf(game *Game) error {
	players, err := getPlayersByGameID(game.ID)
	if err != nil {
		return err
	}
	events, err := getEventsByGameID(game.ID)
	if err != nil {
		return err
	}

	wolves := alivePlayersWithRole(players, RoleWerewolf)
	if len(wolves) == 0 {
		return e.transitionTo(game, PhaseNightSeer)
	}

	role := mustGetRole(RoleWerewolf)

	// Each wolf sees the proposals made by packmates earlier in the same
	// night, so later wolves can fall in line.
	type proposal struct {
		wolf   *Player
		target *Player
	}
	var proposals []proposal

	for _, wolf := range wolves {
		gameContext := buildPlayerContext(game, players, events, wolf)
		if len(proposals) > 0 {
			var lines []string
			for _, pr := range proposals {
				lines = append(lines, fmt.Sprintf("- **%s** wants to kill **%s**", pr.wolf.Name, pr.target.Name))
			}
			gameContext += "\n\n## Werewolf Pack Discussion\nYour packmates have already chosen tonight:\n" + strings.Join(lines, "\n")
		}

		resp, err := e.callAct(wolf, gameContext, role.NightActionPrompt)
		if err != nil {
			return err
		}

		target := e.resolveTarget(resp.TargetID, players, wolf.ID)
		if target == nil {
			continue
		}
		proposals = append(proposals, proposal{wolf: wolf, target: target})

		ev := &GameEvent{
			GameID:         game.ID,
			Round:          game.Round,
			Phase:          game.Phase,
			Type:           EventWerewolfKill,
			ActorPlayerID:  &wolf.ID,
			TargetPlayerID: &target.ID,
			Data:           mustEncodeData(EventData{Thinking: resp.Thinking}),
			IsPublic:       false,
		}
		if err := insertEvent(ev); err != nil {
			return err
		}
	}

	if len(proposals) > 0 {
		// Plurality wins; tie goes to the target proposed first.
		counts := make(map[int64]int)
		order := make(map[int64]int)
		for i, pr := range proposals {
			counts[pr.target.ID]++
			if _, seen := order[pr.target.ID]; !seen {
				order[pr.target.ID] = i
			}
		}
		var consensus int64
		best := -1
		for id, n := range counts {
			if n > best || (n == best && order[id] < order[consensus]) {
				consensus, best = id, n
			}
		}

		if _, err := db.Exec(`UPDATE game_event SET target_player_id = ? WHERE game_id = ? AND round = ? AND type = ?`,
			consensus, game.ID, game.Round, EventWerewolfKill); err != nil {
			return fmt.Errorf("consolidate werewolf kill: %w", err)
		}
		log.Printf("game %d round %d: pack consensus target player %d", game.ID, game.Round, consensus)
	}

	return e.transitionTo(game, PhaseNightSeer)
}

// processNightSeer lets the seer investigate one player and records the
// alignment result privately.
func (e *Engine) processNightSeer(game *Game) error {
	players, err := getPlayersByGameID(game.ID)
	if err != nil {
		return err
	}

	seers := alivePlayersWithRole(players, RoleSeer)
	if len(seers) == 0 {
		return e.transitionTo(game, PhaseNightBodyguard)
	}
	seer := seers[0]

	events, err := getEventsByGameID(game.ID)
	if err != nil {
		return err
	}

	role := mustGetRole(RoleSeer)
	gameContext := buildPlayerContext(game, players, events, seer)
	resp, err := e.callAct(seer, gameContext, role.NightActionPrompt)
	if err != nil {
		return err
	}

	target := e.resolveTarget(resp.TargetID, players, seer.ID)
	if target != nil {
		ev := &GameEvent{
			GameID:         game.ID,
			Round:          game.Round,
			Phase:          game.Phase,
			Type:           EventSeerInvestigate,
			ActorPlayerID:  &seer.ID,
			TargetPlayerID: &target.ID,
			Data: mustEncodeData(EventData{
				Thinking: resp.Thinking,
				Result:   role.DescribeNightResult(seer, target),
			}),
			IsPublic: false,
		}
		if err := insertEvent(ev); err != nil {
			return err
		}
	}

	return e.transitionTo(game, PhaseNightBodyguard)
}

// processNightBodyguard lets the bodyguard protect one player. Protecting
// the same player on consecutive nights is not allowed; if the agent tries
// anyway the choice is overridden with a random different living player.
func (e *Engine) processNightBodyguard(game *Game) error {
	players, err := getPlayersByGameID(game.ID)
	if err != nil {
		return err
	}

	guards := alivePlayersWithRole(players, RoleBodyguard)
	if len(guards) == 0 {
		return e.transitionTo(game, PhaseDawn)
	}
	guard := guards[0]

	events, err := getEventsByGameID(game.ID)
	if err != nil {
		return err
	}

	var lastProtectedID int64
	if game.Round > 1 {
		prev, err := getRoundEvents(game.ID, game.Round-1, EventBodyguardProtect)
		if err != nil {
			return err
		}
		for _, ev := range prev {
			if ev.ActorPlayerID != nil && *ev.ActorPlayerID == guard.ID && ev.TargetPlayerID != nil {
				lastProtectedID = *ev.TargetPlayerID
			}
		}
	}

	role := mustGetRole(RoleBodyguard)
	gameContext := buildPlayerContext(game, players, events, guard)
	if lastProtectedID != 0 {
		gameContext += fmt.Sprintf("\n\n## Bodyguard Restriction\nYou protected **%s** last night. You CANNOT protect the same player two nights in a row.",
			playerName(players, &lastProtectedID))
	}

	resp, err := e.callAct(guard, gameContext, role.NightActionPrompt)
	if err != nil {
		return err
	}

	target := e.resolveTarget(resp.TargetID, players, 0)
	if target != nil && target.ID == lastProtectedID {
		// Agent ignored the restriction; pick someone else for them.
		target = e.randomAlive(players, lastProtectedID)
		if target != nil {
			log.Printf("game %d round %d: bodyguard repeat overridden to player %d", game.ID, game.Round, target.ID)
		}
	}

	if target != nil {
		ev := &GameEvent{
			GameID:         game.ID,
			Round:          game.Round,
			Phase:          game.Phase,
			Type:           EventBodyguardProtect,
			ActorPlayerID:  &guard.ID,
			TargetPlayerID: &target.ID,
			Data:           mustEncodeData(EventData{Thinking: resp.Thinking}),
			IsPublic:       false,
		}
		if err := insertEvent(ev); err != nil {
			return err
		}
	}

	return e.transitionTo(game, PhaseDawn)
}

// resolveNight applies the night's consolidated actions at dawn: a kill
// lands unless the bodyguard guessed right, and the outcome is announced
// publicly with the victim's role revealed.
//
// Returns the victim, or nil if nobody died.
func (e *Engine) resolveNight(game *Game) (*Player, error) {
	players, err := getPlayersByGameID(game.ID)
	if err != nil {
		return nil, err
	}

	kills, err := getRoundEvents(game.ID, game.Round, EventWerewolfKill)
	if err != nil {
		return nil, err
	}
	protects, err := getRoundEvents(game.ID, game.Round, EventBodyguardProtect)
	if err != nil {
		return nil, err
	}

	var killTargetID, protectedID int64
	if len(kills) > 0 && kills[0].TargetPlayerID != nil {
		killTargetID = *kills[0].TargetPlayerID
	}
	for _, ev := range protects {
		if ev.TargetPlayerID != nil {
			protectedID = *ev.TargetPlayerID
		}
	}

	if killTargetID == 0 {
		ev := &GameEvent{
			GameID:   game.ID,
			Round:    game.Round,
			Phase:    game.Phase,
			Type:     EventNoDeath,
			Data:     mustEncodeData(EventData{Message: "A peaceful night. No one was harmed."}),
			IsPublic: true,
		}
		return nil, e.persistPublic(game, ev)
	}

	if killTargetID == protectedID {
		ev := &GameEvent{
			GameID:         game.ID,
			Round:          game.Round,
			Phase:          game.Phase,
			Type:           EventBodyguardSave,
			TargetPlayerID: &killTargetID,
			Data: mustEncodeData(EventData{
				Message: fmt.Sprintf("The werewolves attacked **%s**, but the Bodyguard was there! %s survives the night.",
					playerName(players, &killTargetID), playerName(players, &killTargetID)),
			}),
			IsPublic: true,
		}
		return nil, e.persistPublic(game, ev)
	}

	victim := playerByID(players, killTargetID)
	if victim == nil {
		return nil, fmt.Errorf("night resolution: kill target %d not in roster", killTargetID)
	}
	if err := markPlayerDead(victim.ID); err != nil {
		return nil, err
	}
	victim.IsAlive = false

	ev := &GameEvent{
		GameID:         game.ID,
		Round:          game.Round,
		Phase:          game.Phase,
		Type:           EventDeath,
		TargetPlayerID: &victim.ID,
		Data: mustEncodeData(EventData{
			Message: fmt.Sprintf("**%s** was killed during the night. They were a **%s**.",
				victim.Name, mustGetRole(victim.Role).DisplayName),
			RoleRevealed: mustGetRole(victim.Role).DisplayName,
		}),
		IsPublic: true,
	}
	if err := e.persistPublic(game, ev); err != nil {
		return nil, err
	}
	return victim, nil
}

// callAct runs a night-style targeted decision with the configured timeout.
func (e *Engine) callAct(player *Player, gameContext, task string) (*ActionResponse, error) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.agentTimeout())
	defer cancel()
	return e.agents.Act(ctx, player, gameContext, task)
}

// resolveTarget maps an agent's chosen player number onto the roster. An
// invalid or dead target, or a self-target when excludeID is set, falls
// back to a uniformly random living eligible player.
func (e *Engine) resolveTarget(targetNumber int, players []Player, excludeID int64) *Player {
	if p := playerBySeatNumber(players, targetNumber); p != nil && p.IsAlive && p.ID != excludeID {
		return p
	}
	return e.randomAlive(players, excludeID)
}

// randomAlive picks a uniformly random living player, excluding the given
// player id (0 excludes nobody).
func (e *Engine) randomAlive(players []Player, excludeID int64) *Player {
	var eligible []*Player
	for i := range players {
		p := &players[i]
		if p.IsAlive && p.ID != excludeID {
			eligible = append(eligible, p)
		}
	}
	if len(eligible) == 0 {
		return nil
	}
	return eligible[e.intn(len(eligible))]
}

func playerByID(players []Player, id int64) *Player {
	for i := range players {
		if players[i].ID == id {
			return &players[i]
		}
	}
	return nil
}
