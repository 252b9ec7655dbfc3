package main

import (
	"strings"
	"testing"
)

func contextFixture() (*Game, []Player) {
	game := &Game{ID: 1, Round: 2, Phase: PhaseDayDiscussion, Status: StatusRunning}
	players := []Player{
		{ID: 1, Seat: 0, Name: "Ada", Role: RoleWerewolf, IsAlive: true},
		{ID: 2, Seat: 1, Name: "Ben", Role: RoleWerewolf, IsAlive: true},
		{ID: 3, Seat: 2, Name: "Cleo", Role: RoleSeer, IsAlive: true},
		{ID: 4, Seat: 3, Name: "Dan", Role: RoleVillager, IsAlive: false},
		{ID: 5, Seat: 4, Name: "Eve", Role: RoleVillager, IsAlive: true},
	}
	return game, players
}

func id(n int64) *int64 { return &n }

func TestContextHidesLivingRoles(t *testing.T) {
	game, players := contextFixture()
	viewer := &players[2] // Cleo, seer

	out := buildPlayerContext(game, players, nil, viewer)

	if !strings.Contains(out, "[3] Cleo - ALIVE (you - Seer)") {
		t.Errorf("viewer's own role missing:\n%s", out)
	}
	if !strings.Contains(out, "[4] Dan - DEAD (was Villager)") {
		t.Errorf("dead player's role missing:\n%s", out)
	}
	if strings.Contains(out, "[1] Ada - ALIVE (") {
		t.Errorf("living player's role leaked:\n%s", out)
	}
	if strings.Contains(out, "Werewolf") {
		t.Errorf("a living werewolf's role leaked to the seer:\n%s", out)
	}
}

func TestContextWerewolfKnowsPack(t *testing.T) {
	game, players := contextFixture()

	out := buildPlayerContext(game, players, nil, &players[0])
	if !strings.Contains(out, "Your fellow werewolf(s): Ben") {
		t.Errorf("pack knowledge missing:\n%s", out)
	}

	// Non-wolves get no pack section
	out = buildPlayerContext(game, players, nil, &players[4])
	if strings.Contains(out, "fellow werewolf") {
		t.Errorf("pack knowledge leaked to villager:\n%s", out)
	}
}

func TestContextSeerInvestigationLog(t *testing.T) {
	game, players := contextFixture()
	events := []GameEvent{
		{GameID: 1, Round: 1, Type: EventSeerInvestigate, ActorPlayerID: id(3), TargetPlayerID: id(1),
			Data: mustEncodeData(EventData{Result: "Ada is aligned with the Werewolves."})},
		{GameID: 1, Round: 2, Type: EventSeerInvestigate, ActorPlayerID: id(3), TargetPlayerID: id(5),
			Data: mustEncodeData(EventData{Result: "Eve is aligned with the Village."})},
	}

	out := buildPlayerContext(game, players, events, &players[2])
	if !strings.Contains(out, "- Round 1: Ada is aligned with the Werewolves.") {
		t.Errorf("first investigation missing:\n%s", out)
	}
	if !strings.Contains(out, "- Round 2: Eve is aligned with the Village.") {
		t.Errorf("second investigation missing:\n%s", out)
	}

	// Another player never sees the seer's results
	out = buildPlayerContext(game, players, events, &players[4])
	if strings.Contains(out, "aligned with") {
		t.Errorf("seer results leaked:\n%s", out)
	}
}

func TestContextHistoryVisibility(t *testing.T) {
	game, players := contextFixture()
	events := []GameEvent{
		{GameID: 1, Round: 1, Type: EventWerewolfKill, ActorPlayerID: id(1), TargetPlayerID: id(4),
			Data: mustEncodeData(EventData{Thinking: "Dan seems perceptive"}), IsPublic: false},
		{GameID: 1, Round: 1, Type: EventDeath, TargetPlayerID: id(4),
			Data: mustEncodeData(EventData{Message: "**Dan** was killed during the night. They were a **Villager**."}), IsPublic: true},
		{GameID: 1, Round: 2, Type: EventDiscussion, ActorPlayerID: id(5),
			Data: mustEncodeData(EventData{Thinking: "Ada is acting odd", Message: "Something about Ada bothers me."}), IsPublic: true},
	}

	// The wolf sees their own private proposal
	out := buildPlayerContext(game, players, events, &players[0])
	if !strings.Contains(out, "You proposed killing **Dan**.") {
		t.Errorf("own private action missing:\n%s", out)
	}

	// Everyone else only sees the public announcement
	out = buildPlayerContext(game, players, events, &players[4])
	if strings.Contains(out, "proposed killing") {
		t.Errorf("private action leaked:\n%s", out)
	}
	if !strings.Contains(out, "**Dan** was killed during the night.") {
		t.Errorf("public death missing:\n%s", out)
	}
	if !strings.Contains(out, "**Eve**: Something about Ada bothers me.") {
		t.Errorf("discussion line missing:\n%s", out)
	}

	// Private thinking never renders for anyone
	for i := range players {
		out := buildPlayerContext(game, players, events, &players[i])
		if strings.Contains(out, "seems perceptive") || strings.Contains(out, "acting odd") {
			t.Fatalf("thinking leaked to %s:\n%s", players[i].Name, out)
		}
	}
}

func TestContextGroupsHistoryByRound(t *testing.T) {
	game, players := contextFixture()
	events := []GameEvent{
		{GameID: 1, Round: 1, Type: EventNoDeath,
			Data: mustEncodeData(EventData{Message: "A peaceful night. No one was harmed."}), IsPublic: true},
		{GameID: 1, Round: 2, Type: EventDiscussion, ActorPlayerID: id(5),
			Data: mustEncodeData(EventData{Message: "Good morning."}), IsPublic: true},
	}

	out := buildPlayerContext(game, players, events, &players[4])
	r1 := strings.Index(out, "### Round 1")
	r2 := strings.Index(out, "### Round 2")
	if r1 == -1 || r2 == -1 || r1 > r2 {
		t.Errorf("round headers wrong (r1=%d r2=%d):\n%s", r1, r2, out)
	}
}

func TestContextGameStateSection(t *testing.T) {
	game, players := contextFixture()
	out := buildPlayerContext(game, players, nil, &players[4])

	for _, want := range []string{
		"- Round: 2",
		"- Players Alive: 4 / 5",
		"- Your Name: Eve",
		"- Your Role: Villager",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}

func TestContextTrialVoteRendering(t *testing.T) {
	game, players := contextFixture()
	events := []GameEvent{
		{GameID: 1, Round: 2, Type: EventVote, ActorPlayerID: id(5), TargetPlayerID: id(1),
			Data: mustEncodeData(EventData{Vote: "yes", PublicReasoning: "She dodged every question."}), IsPublic: true},
		{GameID: 1, Round: 2, Type: EventVote, ActorPlayerID: id(3), TargetPlayerID: id(1),
			Data: mustEncodeData(EventData{PublicReasoning: "Process of elimination."}), IsPublic: true},
	}

	out := buildPlayerContext(game, players, events, &players[4])
	if !strings.Contains(out, `**Eve** voted YES: "She dodged every question."`) {
		t.Errorf("trial vote rendering wrong:\n%s", out)
	}
	if !strings.Contains(out, `**Cleo** voted to eliminate **Ada**: "Process of elimination."`) {
		t.Errorf("plurality vote rendering wrong:\n%s", out)
	}
}
