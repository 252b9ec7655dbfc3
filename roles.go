package main

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
)

// Role ids
const (
	RoleWerewolf  = "werewolf"
	RoleVillager  = "villager"
	RoleSeer      = "seer"
	RoleBodyguard = "bodyguard"
	RoleHunter    = "hunter"
	RoleTanner    = "tanner"
)

var errUnknownRole = errors.New("unknown role")

// Role is one entry in the catalog: static identity plus the prompt
// fragments used for this role's agent calls. Definitions are pure data;
// the only behavior hook is DescribeNightResult, used by roles whose night
// action produces information (the Seer's alignment reveal).
type Role struct {
	ID          string
	DisplayName string
	Team        string
	// MaxPerGame is the role-count cap used by distributeRoles. 0 means
	// unbounded (Villager fills remaining seats).
	MaxPerGame int

	NightActionPrompt string
	BaseInstructions  string

	// DescribeNightResult renders the private outcome of a night action for
	// the acting player, or "" when the role's action has no reveal.
	DescribeNightResult func(actor, target *Player) string
}

var roleCatalog = map[string]*Role{
	RoleWerewolf: {
		ID:          RoleWerewolf,
		DisplayName: "Werewolf",
		Team:        TeamWerewolves,
		MaxPerGame:  3,
		NightActionPrompt: `You are a Werewolf. It is night time and you must choose a player to kill.
You know who the other werewolves are — coordinate with them to eliminate villagers strategically.
Choose a player who you think is dangerous to your team (e.g., the Seer or Bodyguard).
You cannot target another werewolf or yourself.`,
		BaseInstructions: `You are a Werewolf in a game of Werewolf. Your goal is to eliminate all villagers without being discovered.
During the day, you must blend in with the villagers and deflect suspicion away from yourself and your fellow werewolves.
You can accuse others, defend yourself, and try to manipulate the vote to eliminate villagers.
At night, you and your fellow werewolves choose a victim to eliminate.
Remember: if the villagers discover you, they will vote to eliminate you.`,
	},
	RoleVillager: {
		ID:          RoleVillager,
		DisplayName: "Villager",
		Team:        TeamVillage,
		BaseInstructions: `You are a Villager in a game of Ultimate Werewolf. You have no special powers — your weapons are deduction and discussion.
Your goal is to identify the werewolves and convince the village to eliminate them.
Pay attention to what players say, how they vote, and who the werewolves choose to kill at night.
The village uses a nomination → trial → vote system. Participate actively and vote carefully.`,
	},
	RoleSeer: {
		ID:          RoleSeer,
		DisplayName: "Seer",
		Team:        TeamVillage,
		MaxPerGame:  1,
		NightActionPrompt: `You are the Seer. It is night time and you may investigate one player to learn their true allegiance.
Choose a player you are suspicious of. You will learn whether they are a Werewolf or a Villager (aligned with the village).
Use this information wisely during the day — but be careful about revealing yourself, or the werewolves will target you.`,
		BaseInstructions: `You are the Seer in a game of Ultimate Werewolf. Your goal is to identify the werewolves and help the village eliminate them.
Each night, you can investigate one player to learn their true allegiance (Werewolf or Village).
During the day, you must decide how to use this information. You can share it openly, hint at it subtly,
or keep it secret to avoid being targeted by the werewolves. Balance information sharing with self-preservation.
The village uses a nomination → trial → vote system. Help guide nominations toward confirmed werewolves.`,
		DescribeNightResult: describeSeerResult,
	},
	RoleBodyguard: {
		ID:          RoleBodyguard,
		DisplayName: "Bodyguard",
		Team:        TeamVillage,
		MaxPerGame:  1,
		NightActionPrompt: `You are the Bodyguard. It is night time and you may protect one player from being killed by the werewolves.
Choose a player you think the werewolves might target. If the werewolves target the player you protect, they will survive.
You may also choose to protect yourself.
IMPORTANT: You CANNOT protect the same player two nights in a row. If you protected someone last night, you must choose a different player tonight.`,
		BaseInstructions: `You are the Bodyguard in a game of Ultimate Werewolf. Your goal is to protect villagers from werewolf attacks.
Each night, you can choose one player to protect. If the werewolves target that player, they will survive.
CRITICAL RULE: You cannot protect the same player two consecutive nights. You must switch your protection each night.
During the day, be careful about revealing your role — if the werewolves know who you are, they may try to eliminate you.
Use your protection wisely: protect players who seem valuable to the village (like a suspected Seer).`,
	},
	RoleHunter: {
		ID:          RoleHunter,
		DisplayName: "Hunter",
		Team:        TeamVillage,
		MaxPerGame:  1,
		BaseInstructions: `You are the Hunter in a game of Ultimate Werewolf. You are on the Village team.
Your goal is to identify and eliminate the werewolves through discussion and voting.

**Your special ability:** When you are eliminated (whether by werewolf attack at night or
by village vote during the day), you get to take one other player down with you.
You will choose someone to "shoot" with your dying action.

Strategy tips:
- Pay close attention to who seems suspicious — if you die, your revenge shot is powerful.
- You can reveal you are the Hunter to deter werewolves from targeting you (risky but effective).
- If you are on trial, reminding people you will shoot someone if eliminated can be persuasive.
- Your shot should ideally target someone you believe is a werewolf.
- The village uses a nomination → trial → vote system. Participate actively in discussions.`,
	},
	RoleTanner: {
		ID:          RoleTanner,
		DisplayName: "Tanner",
		Team:        TeamNeutral,
		MaxPerGame:  1,
		BaseInstructions: `You are the Tanner in a game of Ultimate Werewolf. You are on NO team — you play for yourself.

**Your win condition:** You WIN if you get eliminated (by village vote during the day).
If you are killed by werewolves at night, you do NOT win.
If the game ends without you being eliminated by the village, you LOSE.

Strategy tips:
- You WANT the village to vote to eliminate you, but you can't be too obvious about it.
- Act slightly suspicious — but not so suspicious that people think you're a werewolf (they
  might skip voting for you if they think a werewolf is more important to catch first).
- Don't act like a Tanner. Act like a bad werewolf — fumble your cover story, make small
  contradictions, seem nervous when accused.
- If the village catches on that you're the Tanner, they will avoid eliminating you, so
  subtlety is key.
- You don't care if village or werewolves win — you only care about getting voted out.
- The village uses a nomination → trial → vote system. Getting nominated is step one.`,
	},
}

// describeSeerResult renders the Seer's private alignment reveal. It checks
// the role id directly rather than going through the catalog, which would
// create an initialization cycle with roleCatalog.
func describeSeerResult(actor, target *Player) string {
	team := "Village"
	if target.Role == RoleWerewolf {
		team = "Werewolves"
	}
	return fmt.Sprintf("%s is aligned with the %s.", target.Name, team)
}

// getRole looks up a role definition by id.
func getRole(roleID string) (*Role, error) {
	role, ok := roleCatalog[roleID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", errUnknownRole, roleID)
	}
	return role, nil
}

// mustGetRole is for call sites where the role id was written by this
// program; an unknown id there is a bug.
func mustGetRole(roleID string) *Role {
	role, err := getRole(roleID)
	if err != nil {
		panic(err)
	}
	return role
}

// distributeRoles builds the role pool for a game (Ultimate Werewolf
// scaling):
//   - 5-6 players: 1 werewolf; 7-11: 2; 12+: 3
//   - always exactly one Seer, Bodyguard, and Hunter
//   - Tanner at 7+ players
//   - remaining seats are Villagers
func distributeRoles(playerCount int) []string {
	werewolfCount := 1
	switch {
	case playerCount <= 6:
		werewolfCount = 1
	case playerCount <= 11:
		werewolfCount = 2
	default:
		werewolfCount = mustGetRole(RoleWerewolf).MaxPerGame
	}

	var roles []string
	for i := 0; i < werewolfCount; i++ {
		roles = append(roles, RoleWerewolf)
	}

	roles = append(roles, RoleSeer, RoleBodyguard, RoleHunter)

	if playerCount >= 7 {
		roles = append(roles, RoleTanner)
	}

	for len(roles) < playerCount {
		roles = append(roles, RoleVillager)
	}

	return roles
}

// buildRoleDistribution maps display names to counts for the game summary.
func buildRoleDistribution(roles []string) map[string]int {
	distribution := make(map[string]int)
	for _, roleID := range roles {
		distribution[mustGetRole(roleID).DisplayName]++
	}
	return distribution
}

// shuffleRoles shuffles the role pool in place using crypto/rand.
func shuffleRoles(roles []string) {
	for i := len(roles) - 1; i > 0; i-- {
		jBig, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			// Fallback: just swap with previous element
			roles[i], roles[i-1] = roles[i-1], roles[i]
			continue
		}
		j := int(jBig.Int64())
		roles[i], roles[j] = roles[j], roles[i]
	}
}
