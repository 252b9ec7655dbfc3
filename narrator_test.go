package main

import (
	"context"
	"strings"
	"testing"
)

func TestAssignVoicesStableAndUnique(t *testing.T) {
	newTestDB(t)
	_, players := seedGame(t, []string{RoleVillager, RoleVillager, RoleVillager, RoleVillager, RoleVillager})

	assignVoices(players, "openai")

	seen := make(map[string]bool)
	for _, p := range players {
		if p.Voice == "" {
			t.Fatalf("%s has no voice", p.Name)
		}
		if seen[p.Voice] {
			t.Errorf("voice %s assigned twice", p.Voice)
		}
		seen[p.Voice] = true
	}
	first := make(map[string]string)
	for _, p := range players {
		first[p.Name] = p.Voice
	}

	// Same names hash to the same voices on a fresh assignment.
	reloaded, _ := getPlayersByGameID(players[0].GameID)
	assignVoices(reloaded, "openai")
	for _, p := range reloaded {
		if p.Voice != first[p.Name] {
			t.Errorf("%s voice changed: %s -> %s", p.Name, first[p.Name], p.Voice)
		}
	}
}

func TestPhasePromptSelection(t *testing.T) {
	newTestDB(t)
	game, players := seedGame(t, []string{RoleWerewolf, RoleVillager, RoleVillager})
	n := &Narrator{}

	prompt, err := n.phasePrompt(game)
	if err != nil {
		t.Fatalf("phasePrompt: %v", err)
	}
	if !strings.Contains(prompt, "for the first time") || !strings.Contains(prompt, "P1, P2, P3") {
		t.Errorf("round 1 night prompt = %q", prompt)
	}

	game.Round = 2
	prompt, _ = n.phasePrompt(game)
	if !strings.Contains(prompt, "Night falls again") {
		t.Errorf("later night prompt = %q", prompt)
	}

	game.Phase = PhaseDayDiscussion
	if err := insertEvent(&GameEvent{GameID: game.ID, Round: 1, Phase: PhaseDawn, Type: EventNoDeath,
		Data: mustEncodeData(EventData{Message: "A peaceful night. No one was harmed."}), IsPublic: true}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	prompt, err = n.phasePrompt(game)
	if err != nil {
		t.Fatalf("phasePrompt: %v", err)
	}
	if !strings.Contains(prompt, "A peaceful night.") {
		t.Errorf("discussion prompt missing recent events: %q", prompt)
	}

	game.Phase = PhaseGameOver
	game.Winner.String = TeamVillage
	game.Winner.Valid = true
	if err := markPlayerDead(findByName(t, players, "P1").ID); err != nil {
		t.Fatalf("markPlayerDead: %v", err)
	}
	prompt, _ = n.phasePrompt(game)
	if !strings.Contains(prompt, TeamVillage) || strings.Contains(prompt, "Survivors: P1") {
		t.Errorf("game over prompt = %q", prompt)
	}

	game.Phase = PhaseDusk
	if _, err := n.phasePrompt(game); err == nil {
		t.Error("dusk produced a narration prompt")
	}
}

type fakeSynth struct {
	voices []string
	texts  []string
}

func (f *fakeSynth) Synthesize(_ context.Context, text, voice string) (string, float64, error) {
	f.texts = append(f.texts, text)
	f.voices = append(f.voices, voice)
	return "/audio/fake.mp3", 1.5, nil
}

func TestVoiceEventPicksVoices(t *testing.T) {
	newTestDB(t)
	game, players := seedGame(t, []string{RoleVillager, RoleVillager, RoleVillager})
	speaker := findByName(t, players, "P1")
	if _, err := db.Exec("UPDATE player SET voice = 'echo' WHERE rowid = ?", speaker.ID); err != nil {
		t.Fatalf("set voice: %v", err)
	}

	synth := &fakeSynth{}
	n := &Narrator{synth: synth, voice: "onyx"}

	speech := &GameEvent{GameID: game.ID, Round: 1, Phase: PhaseDayDiscussion, Type: EventDiscussion,
		ActorPlayerID: &speaker.ID,
		Data:          mustEncodeData(EventData{Message: "I saw **nothing** last night."}),
		IsPublic:      true}
	if err := insertEvent(speech); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if dur := n.VoiceEvent(game, speech); dur != 1.5 {
		t.Errorf("duration = %v", dur)
	}
	if speech.AudioURL != "/audio/fake.mp3" {
		t.Errorf("audio url = %q", speech.AudioURL)
	}

	announcement := &GameEvent{GameID: game.ID, Round: 1, Phase: PhaseDawn, Type: EventNoDeath,
		Data:     mustEncodeData(EventData{Message: "A peaceful night. No one was harmed."}),
		IsPublic: true}
	if err := insertEvent(announcement); err != nil {
		t.Fatalf("insert: %v", err)
	}
	n.VoiceEvent(game, announcement)

	private := &GameEvent{GameID: game.ID, Round: 1, Phase: PhaseNightWerewolf, Type: EventWerewolfKill,
		ActorPlayerID: &speaker.ID, Data: mustEncodeData(EventData{Thinking: "hm"})}
	if dur := n.VoiceEvent(game, private); dur != 0 {
		t.Errorf("private event voiced, duration %v", dur)
	}

	if len(synth.voices) != 2 || synth.voices[0] != "echo" || synth.voices[1] != "onyx" {
		t.Errorf("voices = %v", synth.voices)
	}
	// Markdown markers are stripped before synthesis.
	if strings.Contains(synth.texts[0], "**") {
		t.Errorf("markdown reached the synthesizer: %q", synth.texts[0])
	}
}
