package main

import (
	"strings"
	"testing"
)

func TestDiscussionOpeningRoundIsFrozen(t *testing.T) {
	newTestDB(t)
	game, _ := seedGame(t, []string{RoleVillager, RoleVillager, RoleVillager, RoleVillager})
	game.Phase = PhaseDayDiscussion

	agents := newFakeAgent()
	for _, n := range []string{"P1", "P2", "P3", "P4"} {
		agents.queueDiscussion(n, &DiscussionResponse{Message: "opening from " + n, WantsToSpeak: true})
	}
	e, _ := newTestEngine(AppConfig{}, agents)

	if err := e.runDayDiscussion(game); err != nil {
		t.Fatalf("runDayDiscussion: %v", err)
	}

	// No opener may see another opening statement: all four contexts are
	// built before anything is persisted.
	discussCalls := agents.callsOfKind("discuss")
	if len(discussCalls) < 4 {
		t.Fatalf("got %d discuss calls, want at least 4", len(discussCalls))
	}
	for i := 0; i < 4; i++ {
		if strings.Contains(discussCalls[i].context, "opening from") {
			t.Errorf("opener %d saw another opening statement:\n%s", i, discussCalls[i].context)
		}
	}

	events := eventsOfType(t, game.ID, EventDiscussion)
	if len(events) < 4 {
		t.Fatalf("got %d discussion events, want at least 4", len(events))
	}
	for i := 0; i < 4; i++ {
		if msg := events[i].DecodeData().Message; !strings.HasPrefix(msg, "opening from ") {
			t.Errorf("event %d message = %q, want an opening statement", i, msg)
		}
	}
}

func TestDiscussionEndsWhenEveryonePasses(t *testing.T) {
	newTestDB(t)
	game, _ := seedGame(t, []string{RoleVillager, RoleVillager, RoleVillager})
	game.Phase = PhaseDayDiscussion

	// Default responses decline the open floor.
	agents := newFakeAgent()
	e, _ := newTestEngine(AppConfig{DiscussionBudgetMultiplier: 10}, agents)

	if err := e.runDayDiscussion(game); err != nil {
		t.Fatalf("runDayDiscussion: %v", err)
	}

	// 3 openings, then 3 straight declines end the floor well under budget.
	if calls := agents.callsOfKind("discuss"); len(calls) != 6 {
		t.Errorf("got %d discuss calls, want 6", len(calls))
	}
	if events := eventsOfType(t, game.ID, EventDiscussion); len(events) != 3 {
		t.Errorf("got %d discussion events, want the 3 openings", len(events))
	}
}

func TestDiscussionTurnCapAndNoBackToBack(t *testing.T) {
	newTestDB(t)
	game, _ := seedGame(t, []string{RoleVillager, RoleVillager, RoleVillager})
	game.Phase = PhaseDayDiscussion

	agents := newFakeAgent()
	agents.defaultDiscussion = &DiscussionResponse{Message: "I still have suspicions.", WantsToSpeak: true}
	e, _ := newTestEngine(AppConfig{DiscussionBudgetMultiplier: 20}, agents)

	if err := e.runDayDiscussion(game); err != nil {
		t.Fatalf("runDayDiscussion: %v", err)
	}

	events := eventsOfType(t, game.ID, EventDiscussion)
	perPlayer := make(map[int64]int)
	var prev int64
	for i, ev := range events {
		actor := *ev.ActorPlayerID
		perPlayer[actor]++
		if i > 0 && actor == prev {
			t.Errorf("player %d spoke twice in a row at event %d", actor, i)
		}
		prev = actor
	}
	for actor, n := range perPlayer {
		if n > maxTurnsPerPlayer {
			t.Errorf("player %d spoke %d times, cap is %d", actor, n, maxTurnsPerPlayer)
		}
	}
	// With an endless budget everyone talks until capped.
	if len(events) != 3*maxTurnsPerPlayer {
		t.Errorf("got %d discussion events, want %d", len(events), 3*maxTurnsPerPlayer)
	}
}

func TestPersistDiscussionRecordsAddressee(t *testing.T) {
	newTestDB(t)
	game, players := seedGame(t, []string{RoleVillager, RoleVillager, RoleVillager})
	speaker := findByName(t, players, "P1")
	addressed := findByName(t, players, "P3")

	e, _ := newTestEngine(AppConfig{}, newFakeAgent())
	resp := &DiscussionResponse{Message: "What were you doing last night?", AddressedPlayerID: 3}
	if err := e.persistDiscussion(game, speaker, resp, players); err != nil {
		t.Fatalf("persistDiscussion: %v", err)
	}

	events := eventsOfType(t, game.ID, EventDiscussion)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.TargetPlayerID == nil || *ev.TargetPlayerID != addressed.ID {
		t.Errorf("target = %v, want %d", ev.TargetPlayerID, addressed.ID)
	}
	if got := ev.DecodeData().AddressedPlayerID; got != 3 {
		t.Errorf("addressed_player_id = %d, want 3", got)
	}
}

func TestPickWeightedSpeakerEligibility(t *testing.T) {
	players := []Player{
		{ID: 1, Seat: 0, Name: "A", IsAlive: true},
		{ID: 2, Seat: 1, Name: "B", IsAlive: true},
		{ID: 3, Seat: 2, Name: "C", IsAlive: true},
	}
	living := []*Player{&players[0], &players[1], &players[2]}
	e, _ := newTestEngine(AppConfig{}, newFakeAgent())

	turns := map[int64]int{1: maxTurnsPerPlayer, 2: maxTurnsPerPlayer}
	for i := 0; i < 10; i++ {
		got := e.pickWeightedSpeaker(living, turns, nil)
		if got == nil || got.ID != 3 {
			t.Fatalf("capped player won the floor: %v", got)
		}
	}

	// The previous speaker never draws their own follow-up.
	turns = map[int64]int{1: maxTurnsPerPlayer, 2: maxTurnsPerPlayer, 3: 1}
	if got := e.pickWeightedSpeaker(living, turns, &players[2]); got != nil {
		t.Errorf("got %s, want nil when only the previous speaker is eligible", got.Name)
	}
}

func TestTrialVoteEliminatesAccused(t *testing.T) {
	newTestDB(t)
	game, players := seedGame(t, []string{RoleWerewolf, RoleVillager, RoleVillager, RoleVillager, RoleVillager})
	game.Phase = PhaseDayVoting
	wolf := findByName(t, players, "P1")

	agents := newFakeAgent()
	agents.queueAction("P1", &ActionResponse{TargetID: 2, PublicReasoning: "P2 is too quiet."})
	for _, n := range []string{"P2", "P3", "P4"} {
		agents.queueAction(n, &ActionResponse{TargetID: 1, PublicReasoning: "P1 keeps deflecting."})
		agents.queueAction(n, &ActionResponse{TargetID: 1, PublicReasoning: "Guilty."})
	}
	agents.queueAction("P5", &ActionResponse{TargetID: 1})
	agents.queueAction("P5", &ActionResponse{TargetID: 0, PublicReasoning: "Not convinced."})
	e, _ := newTestEngine(AppConfig{TrialMode: TrialModeTrial}, agents)

	if err := e.runDayVoting(game); err != nil {
		t.Fatalf("runDayVoting: %v", err)
	}

	if noms := eventsOfType(t, game.ID, EventNomination); len(noms) != 5 {
		t.Errorf("got %d nominations, want 5", len(noms))
	}

	results := eventsOfType(t, game.ID, EventNominationResult)
	if len(results) != 1 {
		t.Fatalf("got %d nomination results, want 1", len(results))
	}
	data := results[0].DecodeData()
	if data.Message != "**P1** has been accused and stands trial before the village." {
		t.Errorf("accusation message = %q", data.Message)
	}
	if data.Tally["P1"] != 4 || data.Tally["P2"] != 1 {
		t.Errorf("nomination tally = %v", data.Tally)
	}

	defenses := eventsOfType(t, game.ID, EventDefenseSpeech)
	if len(defenses) != 1 || *defenses[0].ActorPlayerID != wolf.ID {
		t.Fatalf("defense speech missing or wrong speaker: %+v", defenses)
	}
	defCall := agents.callsOfKind("discuss")[0]
	if !strings.Contains(defCall.context, "## YOU ARE ON TRIAL") {
		t.Errorf("defense context missing trial notice:\n%s", defCall.context)
	}

	votes := eventsOfType(t, game.ID, EventVote)
	if len(votes) != 4 {
		t.Fatalf("got %d verdict votes, want 4", len(votes))
	}
	yes, no := 0, 0
	for _, v := range votes {
		switch v.DecodeData().Vote {
		case "yes":
			yes++
		case "no":
			no++
		default:
			t.Errorf("verdict vote missing yes/no: %+v", v)
		}
	}
	if yes != 3 || no != 1 {
		t.Errorf("verdict = %d yes / %d no, want 3/1", yes, no)
	}

	tallies := eventsOfType(t, game.ID, EventVoteTally)
	if len(tallies) != 1 || tallies[0].DecodeData().Message != "The votes are in: 3 to eliminate, 1 to spare." {
		t.Errorf("tally wrong: %+v", tallies)
	}

	elims := eventsOfType(t, game.ID, EventElimination)
	if len(elims) != 1 {
		t.Fatalf("got %d eliminations, want 1", len(elims))
	}
	if msg := elims[0].DecodeData().Message; msg != "The village has eliminated **P1**. They were a **Werewolf**." {
		t.Errorf("elimination message = %q", msg)
	}
	if got := elims[0].DecodeData().VotesReceived; got != 3 {
		t.Errorf("votes received = %d, want 3", got)
	}
	reloaded, _ := getPlayer(wolf.ID)
	if reloaded.IsAlive {
		t.Error("accused still alive after elimination")
	}
}

func TestTrialVoteSparesAccused(t *testing.T) {
	newTestDB(t)
	game, players := seedGame(t, []string{RoleVillager, RoleVillager, RoleVillager, RoleVillager})
	game.Phase = PhaseDayVoting
	accused := findByName(t, players, "P1")

	agents := newFakeAgent()
	agents.queueAction("P1", &ActionResponse{TargetID: 2})
	agents.queueAction("P2", &ActionResponse{TargetID: 1})
	agents.queueAction("P2", &ActionResponse{TargetID: 0})
	agents.queueAction("P3", &ActionResponse{TargetID: 1})
	agents.queueAction("P3", &ActionResponse{TargetID: 0})
	agents.queueAction("P4", &ActionResponse{TargetID: 1})
	agents.queueAction("P4", &ActionResponse{TargetID: 1})
	e, _ := newTestEngine(AppConfig{TrialMode: TrialModeTrial}, agents)

	if err := e.runDayVoting(game); err != nil {
		t.Fatalf("runDayVoting: %v", err)
	}

	spares := eventsOfType(t, game.ID, EventNoElimination)
	if len(spares) != 1 {
		t.Fatalf("got %d spare events, want 1", len(spares))
	}
	if msg := spares[0].DecodeData().Message; msg != "The village has spared **P1**. No one is eliminated today." {
		t.Errorf("spare message = %q", msg)
	}
	if len(eventsOfType(t, game.ID, EventElimination)) != 0 {
		t.Error("someone was eliminated despite the spare")
	}
	reloaded, _ := getPlayer(accused.ID)
	if !reloaded.IsAlive {
		t.Error("spared player is dead")
	}
}

func TestPluralityVoteEliminatesLeader(t *testing.T) {
	newTestDB(t)
	game, players := seedGame(t, []string{RoleWerewolf, RoleVillager, RoleVillager, RoleVillager})
	game.Phase = PhaseDayVoting
	wolf := findByName(t, players, "P1")

	agents := newFakeAgent()
	agents.queueAction("P1", &ActionResponse{TargetID: 2})
	agents.queueAction("P2", &ActionResponse{TargetID: 1})
	agents.queueAction("P3", &ActionResponse{TargetID: 1})
	agents.queueAction("P4", &ActionResponse{TargetID: 1})
	e, _ := newTestEngine(AppConfig{TrialMode: TrialModePlurality}, agents)

	if err := e.runDayVoting(game); err != nil {
		t.Fatalf("runDayVoting: %v", err)
	}

	if votes := eventsOfType(t, game.ID, EventVote); len(votes) != 4 {
		t.Errorf("got %d votes, want 4", len(votes))
	}
	tallies := eventsOfType(t, game.ID, EventVoteTally)
	if len(tallies) != 1 {
		t.Fatalf("got %d tallies, want 1", len(tallies))
	}
	tally := tallies[0].DecodeData().Tally
	if tally["P1"] != 3 || tally["P2"] != 1 {
		t.Errorf("tally = %v", tally)
	}
	elims := eventsOfType(t, game.ID, EventElimination)
	if len(elims) != 1 || *elims[0].TargetPlayerID != wolf.ID {
		t.Fatalf("elimination wrong: %+v", elims)
	}
	if got := elims[0].DecodeData().VotesReceived; got != 3 {
		t.Errorf("votes received = %d, want 3", got)
	}
}

func TestPluralityVoteTie(t *testing.T) {
	newTestDB(t)
	game, players := seedGame(t, []string{RoleVillager, RoleVillager, RoleVillager, RoleVillager})
	game.Phase = PhaseDayVoting

	agents := newFakeAgent()
	agents.queueAction("P1", &ActionResponse{TargetID: 2})
	agents.queueAction("P2", &ActionResponse{TargetID: 1})
	agents.queueAction("P3", &ActionResponse{TargetID: 4})
	agents.queueAction("P4", &ActionResponse{TargetID: 3})
	e, _ := newTestEngine(AppConfig{TrialMode: TrialModePlurality}, agents)

	if err := e.runDayVoting(game); err != nil {
		t.Fatalf("runDayVoting: %v", err)
	}

	ties := eventsOfType(t, game.ID, EventVoteTie)
	if len(ties) != 1 || ties[0].DecodeData().Message != "The vote is tied. No one is eliminated today." {
		t.Errorf("tie event wrong: %+v", ties)
	}
	if len(eventsOfType(t, game.ID, EventElimination)) != 0 {
		t.Error("tie still eliminated someone")
	}
	for i := range players {
		reloaded, _ := getPlayer(players[i].ID)
		if !reloaded.IsAlive {
			t.Errorf("%s died on a tied vote", reloaded.Name)
		}
	}
}

func TestLastVoteElimination(t *testing.T) {
	newTestDB(t)
	game, players := seedGame(t, []string{RoleVillager, RoleVillager, RoleVillager})

	got, err := lastVoteElimination(game, players)
	if err != nil || got != nil {
		t.Fatalf("got %v, %v; want nil before any vote", got, err)
	}

	victim := findByName(t, players, "P2")
	if err := insertEvent(&GameEvent{GameID: game.ID, Round: 1, Phase: PhaseDayVoting,
		Type: EventElimination, TargetPlayerID: &victim.ID, IsPublic: true}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err = lastVoteElimination(game, players)
	if err != nil {
		t.Fatalf("lastVoteElimination: %v", err)
	}
	if got == nil || got.ID != victim.ID {
		t.Errorf("got %v, want P2", got)
	}
}
