package main

import (
	"fmt"
	"strings"
)

// buildPlayerContext projects the game state and event log into the context
// string for one player's agent call. It only includes information the
// viewer legitimately knows: public events, the viewer's own actions, dead
// players' roles, and role-specific secret knowledge.
//
// The function is pure over its inputs. Callers snapshot the roster and the
// event log once and pass the slices in, so a context built before a batch
// of agent calls cannot observe events produced during that batch.
func buildPlayerContext(game *Game, players []Player, events []GameEvent, viewer *Player) string {
	sections := []string{
		buildGameOverview(game, players, viewer),
		buildPlayerList(players, viewer),
		buildRoleKnowledge(players, events, viewer),
		buildHistory(players, events, viewer),
	}

	var nonEmpty []string
	for _, s := range sections {
		if s != "" {
			nonEmpty = append(nonEmpty, s)
		}
	}
	return strings.Join(nonEmpty, "\n\n")
}

func buildGameOverview(game *Game, players []Player, viewer *Player) string {
	alive := len(alivePlayers(players))
	total := len(players)

	roleName := viewer.Role
	if role, err := getRole(viewer.Role); err == nil {
		roleName = role.DisplayName
	}

	return fmt.Sprintf(`## Game State
- Round: %d
- Current Phase: %s
- Players Alive: %d / %d
- Players Dead: %d
- Your Name: %s
- Your Role: %s`,
		game.Round, phaseLabel(game.Phase), alive, total, total-alive, viewer.Name, roleName)
}

// buildPlayerList renders the seat roster. Roles are shown only for dead
// seats and for the viewer's own seat; a living player's role is never
// disclosed to anyone else.
func buildPlayerList(players []Player, viewer *Player) string {
	lines := []string{"## Players"}

	for i := range players {
		p := &players[i]
		status := "ALIVE"
		roleInfo := ""
		if !p.IsAlive {
			status = "DEAD"
			roleInfo = fmt.Sprintf(" (was %s)", mustGetRole(p.Role).DisplayName)
		} else if p.ID == viewer.ID {
			roleInfo = fmt.Sprintf(" (you - %s)", mustGetRole(p.Role).DisplayName)
		}
		lines = append(lines, fmt.Sprintf("- [%d] %s - %s%s", p.Number(), p.Name, status, roleInfo))
	}

	return strings.Join(lines, "\n")
}

func buildRoleKnowledge(players []Player, events []GameEvent, viewer *Player) string {
	var knowledge []string

	// Werewolves know the whole pack
	if viewer.Role == RoleWerewolf {
		var names []string
		for i := range players {
			p := &players[i]
			if p.Role == RoleWerewolf && p.ID != viewer.ID {
				names = append(names, p.Name)
			}
		}
		if len(names) > 0 {
			knowledge = append(knowledge, fmt.Sprintf(
				"## Secret Knowledge\nYour fellow werewolf(s): %s. Coordinate to eliminate villagers without being discovered.",
				strings.Join(names, ", ")))
		}
	}

	// Seer keeps a chronological log of their own investigations
	if viewer.Role == RoleSeer {
		results := []string{"## Your Investigation Results"}
		for i := range events {
			ev := &events[i]
			if ev.Type != EventSeerInvestigate || ev.ActorPlayerID == nil || *ev.ActorPlayerID != viewer.ID {
				continue
			}
			result := ev.DecodeData().Result
			if result == "" {
				result = "Unknown"
			}
			results = append(results, fmt.Sprintf("- Round %d: %s", ev.Round, result))
		}
		if len(results) > 1 {
			knowledge = append(knowledge, strings.Join(results, "\n"))
		}
	}

	return strings.Join(knowledge, "\n\n")
}

// buildHistory renders the chronological narrative of everything the viewer
// may see: public events plus the viewer's own private actions, grouped by
// round.
func buildHistory(players []Player, events []GameEvent, viewer *Player) string {
	lines := []string{"## Game History"}
	currentRound := -1
	wrote := false

	for i := range events {
		ev := &events[i]
		if !ev.IsPublic && (ev.ActorPlayerID == nil || *ev.ActorPlayerID != viewer.ID) {
			continue
		}

		line := formatEvent(players, ev, viewer)
		if line == "" {
			continue
		}

		if ev.Round != currentRound {
			currentRound = ev.Round
			lines = append(lines, fmt.Sprintf("\n### Round %d", currentRound))
		}
		lines = append(lines, line)
		wrote = true
	}

	if !wrote {
		return ""
	}
	return strings.Join(lines, "\n")
}

// formatEvent renders a single event line for the viewer, or "" for event
// types that have no narrative form (or that the viewer may not see).
func formatEvent(players []Player, ev *GameEvent, viewer *Player) string {
	data := ev.DecodeData()

	switch ev.Type {
	case EventDiscussion, EventDefenseSpeech, EventDyingSpeech:
		return fmt.Sprintf("**%s**: %s", playerName(players, ev.ActorPlayerID), data.Message)
	case EventVote:
		// Trial votes carry an explicit yes/no; legacy plurality votes
		// carry a free target.
		if data.Vote != "" {
			line := fmt.Sprintf("**%s** voted %s", playerName(players, ev.ActorPlayerID), strings.ToUpper(data.Vote))
			if data.PublicReasoning != "" {
				line += fmt.Sprintf(": \"%s\"", data.PublicReasoning)
			}
			return line
		}
		line := fmt.Sprintf("**%s** voted to eliminate **%s**",
			playerName(players, ev.ActorPlayerID), playerName(players, ev.TargetPlayerID))
		if data.PublicReasoning != "" {
			line += fmt.Sprintf(": \"%s\"", data.PublicReasoning)
		}
		return line
	case EventNomination:
		line := fmt.Sprintf("**%s** nominated **%s** for trial",
			playerName(players, ev.ActorPlayerID), playerName(players, ev.TargetPlayerID))
		if data.PublicReasoning != "" {
			line += fmt.Sprintf(": \"%s\"", data.PublicReasoning)
		}
		return line
	case EventSeerInvestigate:
		if ev.ActorPlayerID != nil && *ev.ActorPlayerID == viewer.ID {
			result := data.Result
			if result == "" {
				result = "nothing"
			}
			return "You investigated and learned: " + result
		}
		return ""
	case EventWerewolfKill:
		if ev.ActorPlayerID != nil && *ev.ActorPlayerID == viewer.ID {
			return fmt.Sprintf("You proposed killing **%s**.", playerName(players, ev.TargetPlayerID))
		}
		return ""
	case EventBodyguardProtect:
		if ev.ActorPlayerID != nil && *ev.ActorPlayerID == viewer.ID {
			return fmt.Sprintf("You protected **%s**.", playerName(players, ev.TargetPlayerID))
		}
		return ""
	case EventDeath, EventElimination, EventBodyguardSave, EventNoDeath,
		EventVoteTally, EventVoteTie, EventNoElimination, EventNominationResult,
		EventHunterShot, EventGameEnd, EventError:
		return data.Message
	default:
		return ""
	}
}

// playerName resolves a stored player reference for display. Weak lookup:
// a missing reference renders as "Unknown" rather than failing.
func playerName(players []Player, playerID *int64) string {
	if playerID == nil {
		return "Unknown"
	}
	for i := range players {
		if players[i].ID == *playerID {
			return players[i].Name
		}
	}
	return "Unknown"
}

// playerBySeatNumber finds a roster entry by its 1-based seat number.
func playerBySeatNumber(players []Player, number int) *Player {
	for i := range players {
		if players[i].Number() == number {
			return &players[i]
		}
	}
	return nil
}
