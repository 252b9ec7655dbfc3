package main

import (
	"strings"
	"testing"
)

func TestWerewolfPackReachesConsensus(t *testing.T) {
	newTestDB(t)
	game, players := seedGame(t, []string{RoleWerewolf, RoleWerewolf, RoleWerewolf, RoleVillager, RoleVillager, RoleVillager})

	agents := newFakeAgent()
	agents.queueAction("P1", &ActionResponse{TargetID: 5, Thinking: "P5 asks too many questions"})
	agents.queueAction("P2", &ActionResponse{TargetID: 6})
	agents.queueAction("P3", &ActionResponse{TargetID: 6})
	e, _ := newTestEngine(AppConfig{}, agents)

	if err := e.processNightWerewolf(game); err != nil {
		t.Fatalf("processNightWerewolf: %v", err)
	}

	if game.Phase != PhaseNightSeer {
		t.Errorf("phase = %s, want %s", game.Phase, PhaseNightSeer)
	}

	kills := eventsOfType(t, game.ID, EventWerewolfKill)
	if len(kills) != 3 {
		t.Fatalf("got %d kill proposals, want 3", len(kills))
	}
	want := findByName(t, players, "P6").ID
	for _, ev := range kills {
		if ev.IsPublic {
			t.Error("kill proposal is public")
		}
		if ev.TargetPlayerID == nil || *ev.TargetPlayerID != want {
			t.Errorf("proposal target = %v, want %d after consolidation", ev.TargetPlayerID, want)
		}
	}
}

func TestWerewolfConsensusTieGoesToFirstProposal(t *testing.T) {
	newTestDB(t)
	game, players := seedGame(t, []string{RoleWerewolf, RoleWerewolf, RoleVillager, RoleVillager, RoleVillager})

	agents := newFakeAgent()
	agents.queueAction("P1", &ActionResponse{TargetID: 4})
	agents.queueAction("P2", &ActionResponse{TargetID: 5})
	e, _ := newTestEngine(AppConfig{}, agents)

	if err := e.processNightWerewolf(game); err != nil {
		t.Fatalf("processNightWerewolf: %v", err)
	}

	want := findByName(t, players, "P4").ID
	for _, ev := range eventsOfType(t, game.ID, EventWerewolfKill) {
		if *ev.TargetPlayerID != want {
			t.Errorf("tie broke to player %d, want first proposal %d", *ev.TargetPlayerID, want)
		}
	}
}

func TestWerewolfPackDiscussionAddendum(t *testing.T) {
	newTestDB(t)
	game, _ := seedGame(t, []string{RoleWerewolf, RoleWerewolf, RoleVillager, RoleVillager, RoleVillager})

	agents := newFakeAgent()
	agents.queueAction("P1", &ActionResponse{TargetID: 4})
	agents.queueAction("P2", &ActionResponse{TargetID: 4})
	e, _ := newTestEngine(AppConfig{}, agents)

	if err := e.processNightWerewolf(game); err != nil {
		t.Fatalf("processNightWerewolf: %v", err)
	}

	acts := agents.callsOfKind("act")
	if len(acts) != 2 {
		t.Fatalf("got %d act calls, want 2", len(acts))
	}
	if strings.Contains(acts[0].context, "Werewolf Pack Discussion") {
		t.Error("first wolf saw a pack discussion before anyone proposed")
	}
	if !strings.Contains(acts[1].context, "## Werewolf Pack Discussion") ||
		!strings.Contains(acts[1].context, "- **P1** wants to kill **P4**") {
		t.Errorf("second wolf missing packmate's proposal:\n%s", acts[1].context)
	}
}

func TestSeerInvestigationRecorded(t *testing.T) {
	newTestDB(t)
	game, players := seedGame(t, []string{RoleSeer, RoleWerewolf, RoleVillager, RoleVillager, RoleVillager})
	game.Phase = PhaseNightSeer

	agents := newFakeAgent()
	agents.queueAction("P1", &ActionResponse{TargetID: 2, Thinking: "let's check the quiet one"})
	e, _ := newTestEngine(AppConfig{}, agents)

	if err := e.processNightSeer(game); err != nil {
		t.Fatalf("processNightSeer: %v", err)
	}

	if game.Phase != PhaseNightBodyguard {
		t.Errorf("phase = %s, want %s", game.Phase, PhaseNightBodyguard)
	}

	invs := eventsOfType(t, game.ID, EventSeerInvestigate)
	if len(invs) != 1 {
		t.Fatalf("got %d investigations, want 1", len(invs))
	}
	ev := invs[0]
	if ev.IsPublic {
		t.Error("investigation is public")
	}
	if *ev.TargetPlayerID != findByName(t, players, "P2").ID {
		t.Errorf("investigated player %d, want P2", *ev.TargetPlayerID)
	}
	data := ev.DecodeData()
	if data.Result != "P2 is aligned with the Werewolves." {
		t.Errorf("result = %q", data.Result)
	}
}

func TestBodyguardCannotRepeatProtection(t *testing.T) {
	newTestDB(t)
	game, players := seedGame(t, []string{RoleBodyguard, RoleVillager, RoleVillager, RoleVillager, RoleVillager})
	guard := findByName(t, players, "P1")
	repeat := findByName(t, players, "P2")

	if err := insertEvent(&GameEvent{
		GameID: game.ID, Round: 1, Phase: PhaseNightBodyguard, Type: EventBodyguardProtect,
		ActorPlayerID: &guard.ID, TargetPlayerID: &repeat.ID,
	}); err != nil {
		t.Fatalf("seed protect: %v", err)
	}
	game.Round = 2
	game.Phase = PhaseNightBodyguard

	agents := newFakeAgent()
	agents.queueAction("P1", &ActionResponse{TargetID: repeat.Number()})
	e, _ := newTestEngine(AppConfig{}, agents)

	if err := e.processNightBodyguard(game); err != nil {
		t.Fatalf("processNightBodyguard: %v", err)
	}

	acts := agents.callsOfKind("act")
	if !strings.Contains(acts[0].context, "## Bodyguard Restriction") ||
		!strings.Contains(acts[0].context, "You protected **P2** last night") {
		t.Errorf("restriction notice missing:\n%s", acts[0].context)
	}

	protects, err := getRoundEvents(game.ID, 2, EventBodyguardProtect)
	if err != nil {
		t.Fatalf("load protects: %v", err)
	}
	if len(protects) != 1 {
		t.Fatalf("got %d protections, want 1", len(protects))
	}
	if *protects[0].TargetPlayerID == repeat.ID {
		t.Error("bodyguard protected the same player twice in a row")
	}
}

func TestResolveNightNoKill(t *testing.T) {
	newTestDB(t)
	game, _ := seedGame(t, []string{RoleVillager, RoleVillager, RoleVillager})
	e, _ := newTestEngine(AppConfig{}, newFakeAgent())

	victim, err := e.resolveNight(game)
	if err != nil {
		t.Fatalf("resolveNight: %v", err)
	}
	if victim != nil {
		t.Errorf("victim = %s, want none", victim.Name)
	}
	events := eventsOfType(t, game.ID, EventNoDeath)
	if len(events) != 1 || events[0].DecodeData().Message != "A peaceful night. No one was harmed." {
		t.Errorf("no_death announcement wrong: %+v", events)
	}
}

func TestResolveNightBodyguardSave(t *testing.T) {
	newTestDB(t)
	game, players := seedGame(t, []string{RoleWerewolf, RoleBodyguard, RoleVillager, RoleVillager})
	wolf := findByName(t, players, "P1")
	guard := findByName(t, players, "P2")
	target := findByName(t, players, "P3")

	mustInsert := func(ev *GameEvent) {
		t.Helper()
		if err := insertEvent(ev); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	mustInsert(&GameEvent{GameID: game.ID, Round: 1, Phase: PhaseNightWerewolf,
		Type: EventWerewolfKill, ActorPlayerID: &wolf.ID, TargetPlayerID: &target.ID})
	mustInsert(&GameEvent{GameID: game.ID, Round: 1, Phase: PhaseNightBodyguard,
		Type: EventBodyguardProtect, ActorPlayerID: &guard.ID, TargetPlayerID: &target.ID})

	e, _ := newTestEngine(AppConfig{}, newFakeAgent())
	victim, err := e.resolveNight(game)
	if err != nil {
		t.Fatalf("resolveNight: %v", err)
	}
	if victim != nil {
		t.Errorf("victim = %s, want saved", victim.Name)
	}

	saves := eventsOfType(t, game.ID, EventBodyguardSave)
	if len(saves) != 1 {
		t.Fatalf("got %d saves, want 1", len(saves))
	}
	msg := saves[0].DecodeData().Message
	if !strings.Contains(msg, "The werewolves attacked **P3**, but the Bodyguard was there!") {
		t.Errorf("save message = %q", msg)
	}

	reloaded, _ := getPlayer(target.ID)
	if !reloaded.IsAlive {
		t.Error("saved player is dead")
	}
}

func TestResolveNightKill(t *testing.T) {
	newTestDB(t)
	game, players := seedGame(t, []string{RoleWerewolf, RoleSeer, RoleVillager, RoleVillager})
	wolf := findByName(t, players, "P1")
	target := findByName(t, players, "P2")

	if err := insertEvent(&GameEvent{GameID: game.ID, Round: 1, Phase: PhaseNightWerewolf,
		Type: EventWerewolfKill, ActorPlayerID: &wolf.ID, TargetPlayerID: &target.ID}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	e, rec := newTestEngine(AppConfig{}, newFakeAgent())
	victim, err := e.resolveNight(game)
	if err != nil {
		t.Fatalf("resolveNight: %v", err)
	}
	if victim == nil || victim.ID != target.ID {
		t.Fatalf("victim = %v, want P2", victim)
	}

	deaths := eventsOfType(t, game.ID, EventDeath)
	if len(deaths) != 1 {
		t.Fatalf("got %d deaths, want 1", len(deaths))
	}
	data := deaths[0].DecodeData()
	if data.Message != "**P2** was killed during the night. They were a **Seer**." {
		t.Errorf("death message = %q", data.Message)
	}
	if data.RoleRevealed != "Seer" {
		t.Errorf("role revealed = %q", data.RoleRevealed)
	}

	reloaded, _ := getPlayer(target.ID)
	if reloaded.IsAlive {
		t.Error("victim still alive in database")
	}
	if len(rec.events) == 0 {
		t.Error("death was not broadcast")
	}
}

func TestResolveTargetFallsBackToRandomAlive(t *testing.T) {
	players := []Player{
		{ID: 1, Seat: 0, Name: "A", IsAlive: true},
		{ID: 2, Seat: 1, Name: "B", IsAlive: false},
		{ID: 3, Seat: 2, Name: "C", IsAlive: true},
	}
	e, _ := newTestEngine(AppConfig{}, newFakeAgent())

	if got := e.resolveTarget(3, players, 0); got == nil || got.ID != 3 {
		t.Errorf("valid target not honored: %v", got)
	}
	// Dead target and out-of-range target both fall back; the self seat is
	// never eligible when excluded.
	for _, n := range []int{2, 99} {
		got := e.resolveTarget(n, players, 1)
		if got == nil || got.ID != 3 {
			t.Errorf("resolveTarget(%d) = %v, want fallback to C", n, got)
		}
	}
	if got := e.resolveTarget(1, players, 1); got == nil || got.ID != 3 {
		t.Errorf("self target not excluded: %v", got)
	}
}
