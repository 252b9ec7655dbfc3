package main

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
)

const (
	openingStatementTask = `It is the day discussion. Make your opening statement to the village. Share your suspicions, defend yourself, or steer the conversation. If you want to address a specific player, set addressed_player_id to their number.`

	openFloorTask = `The floor is open. You may respond to what has been said, press a suspicion, or address a specific player by setting addressed_player_id. If you have nothing to add right now, set wants_to_speak to false.`

	nominationTask = `The village must put someone on trial. Nominate ONE player for execution by setting target_id to their number. You cannot nominate yourself. Give a short public_reasoning for your nomination.`

	defenseTask = `You have been put on trial by the village. Give your defense speech. Convince the others to spare you.`

	pluralityVoteTask = `Vote for ONE player to eliminate by setting target_id to their number. You cannot vote for yourself. Give a short public_reasoning for your vote.`
)

const maxTurnsPerPlayer = 3

// runDayDiscussion drives the day's conversation: an opening round where
// every living player speaks once in shuffled order, then an open floor
// where being addressed earns you the next turn and everyone else competes
// in a weighted lottery.
func (e *Engine) runDayDiscussion(game *Game) error {
	players, err := getPlayersByGameID(game.ID)
	if err != nil {
		return err
	}
	events, err := getEventsByGameID(game.ID)
	if err != nil {
		return err
	}

	living := alivePlayers(players)
	if len(living) == 0 {
		return nil
	}

	order := make([]*Player, len(living))
	copy(order, living)
	e.shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

	budget := len(living) * e.cfg.discussionBudgetMultiplier()
	turns := make(map[int64]int)

	// Opening round. Every context is built against the same snapshot of
	// the log, so no opener can react to another opening statement; the
	// batch is persisted and announced only once everyone has spoken.
	type opening struct {
		speaker *Player
		resp    *DiscussionResponse
	}
	var openings []opening
	for _, p := range order {
		gameContext := buildPlayerContext(game, players, events, p)
		resp, err := e.callDiscuss(p, gameContext, e.taskFor(p, openingStatementTask))
		if err != nil {
			return err
		}
		openings = append(openings, opening{speaker: p, resp: resp})
		turns[p.ID]++
		budget--
	}
	for _, o := range openings {
		if err := e.persistDiscussion(game, o.speaker, o.resp, players); err != nil {
			return err
		}
	}

	// Open floor.
	type queued struct {
		player   *Player
		queuedBy int64
	}
	var queue []queued
	queuedByOf := make(map[int64]int64)
	var prevSpeaker *Player
	if len(openings) > 0 {
		prevSpeaker = openings[len(openings)-1].speaker
	}
	lastFromQueue := false
	consecutiveDeclines := 0

	for budget > 0 {
		if consecutiveDeclines >= len(living) {
			log.Printf("game %d round %d: discussion ended, everyone passed", game.ID, game.Round)
			break
		}

		var speaker *Player
		fromQueue := false

		// A queued reply gets priority, but the queue never supplies two
		// speakers in a row and never hands the floor straight back to
		// whoever just spoke.
		if !lastFromQueue {
			for len(queue) > 0 {
				head := queue[0]
				queue = queue[1:]
				if !head.player.IsAlive || turns[head.player.ID] >= maxTurnsPerPlayer {
					continue
				}
				if prevSpeaker != nil && head.player.ID == prevSpeaker.ID {
					continue
				}
				speaker = head.player
				queuedByOf[head.player.ID] = head.queuedBy
				fromQueue = true
				break
			}
		}

		if speaker == nil {
			speaker = e.pickWeightedSpeaker(living, turns, prevSpeaker)
			if speaker == nil {
				break
			}
			delete(queuedByOf, speaker.ID)
		}

		events, err = getEventsByGameID(game.ID)
		if err != nil {
			return err
		}
		gameContext := buildPlayerContext(game, players, events, speaker)
		resp, err := e.callDiscuss(speaker, gameContext, e.taskFor(speaker, openFloorTask))
		if err != nil {
			return err
		}
		budget--

		if !resp.WantsToSpeak || strings.TrimSpace(resp.Message) == "" {
			consecutiveDeclines++
			lastFromQueue = false
			continue
		}
		consecutiveDeclines = 0
		turns[speaker.ID]++

		if err := e.persistDiscussion(game, speaker, resp, players); err != nil {
			return err
		}

		// Being addressed queues you up for a reply, unless this speaker
		// is already answering you (which would ping-pong forever).
		if addressed := playerBySeatNumber(players, resp.AddressedPlayerID); addressed != nil &&
			addressed.IsAlive && addressed.ID != speaker.ID &&
			addressed.ID != queuedByOf[speaker.ID] {
			queue = append(queue, queued{player: addressed, queuedBy: speaker.ID})
		}

		prevSpeaker = speaker
		lastFromQueue = fromQueue
	}

	return nil
}

// pickWeightedSpeaker holds a weighted lottery among living players who
// still have turns left. Players who have spoken less are more likely to
// win the floor. Returns nil when nobody is eligible.
func (e *Engine) pickWeightedSpeaker(living []*Player, turns map[int64]int, prevSpeaker *Player) *Player {
	type entry struct {
		player *Player
		weight int
	}
	var pool []entry
	total := 0
	for _, p := range living {
		if turns[p.ID] >= maxTurnsPerPlayer {
			continue
		}
		if prevSpeaker != nil && p.ID == prevSpeaker.ID {
			continue
		}
		w := maxTurnsPerPlayer - turns[p.ID] + 1
		if w < 1 {
			w = 1
		}
		pool = append(pool, entry{player: p, weight: w})
		total += w
	}
	if total == 0 {
		return nil
	}
	pick := e.intn(total)
	for _, en := range pool {
		pick -= en.weight
		if pick < 0 {
			return en.player
		}
	}
	return pool[len(pool)-1].player
}

func (e *Engine) persistDiscussion(game *Game, speaker *Player, resp *DiscussionResponse, players []Player) error {
	data := EventData{
		Thinking: resp.Thinking,
		Message:  resp.Message,
	}
	var targetID *int64
	if addressed := playerBySeatNumber(players, resp.AddressedPlayerID); addressed != nil && addressed.ID != speaker.ID {
		data.AddressedPlayerID = resp.AddressedPlayerID
		targetID = &addressed.ID
	}
	ev := &GameEvent{
		GameID:         game.ID,
		Round:          game.Round,
		Phase:          game.Phase,
		Type:           EventDiscussion,
		ActorPlayerID:  &speaker.ID,
		TargetPlayerID: targetID,
		Data:           mustEncodeData(data),
		IsPublic:       true,
	}
	return e.persistPublic(game, ev)
}

// runDayVoting resolves the village's execution decision. The trial mode
// runs nominations, a defense speech, and a binary verdict; the plurality
// mode is a single free-for-all vote.
func (e *Engine) runDayVoting(game *Game) error {
	if e.cfg.TrialMode == TrialModePlurality {
		return e.runPluralityVote(game)
	}
	return e.runTrialVote(game)
}

func (e *Engine) runTrialVote(game *Game) error {
	players, err := getPlayersByGameID(game.ID)
	if err != nil {
		return err
	}
	living := alivePlayers(players)
	if len(living) < 2 {
		return nil
	}

	// Round one: nominations.
	nomCounts := make(map[int64]int)
	nomOrder := make(map[int64]int)
	for i, nominator := range living {
		events, err := getEventsByGameID(game.ID)
		if err != nil {
			return err
		}
		gameContext := buildPlayerContext(game, players, events, nominator)
		resp, err := e.callVote(nominator, gameContext, e.taskFor(nominator, nominationTask))
		if err != nil {
			return err
		}

		target := e.resolveTarget(resp.TargetID, players, nominator.ID)
		if target == nil {
			continue
		}
		nomCounts[target.ID]++
		if _, seen := nomOrder[target.ID]; !seen {
			nomOrder[target.ID] = i
		}

		ev := &GameEvent{
			GameID:         game.ID,
			Round:          game.Round,
			Phase:          game.Phase,
			Type:           EventNomination,
			ActorPlayerID:  &nominator.ID,
			TargetPlayerID: &target.ID,
			Data: mustEncodeData(EventData{
				Thinking:        resp.Thinking,
				PublicReasoning: resp.PublicReasoning,
			}),
			IsPublic: true,
		}
		if err := e.persistPublic(game, ev); err != nil {
			return err
		}
	}
	if len(nomCounts) == 0 {
		return nil
	}

	accused := e.pickAccused(players, nomCounts)
	tally := make(map[string]int)
	for id, n := range nomCounts {
		tally[playerName(players, &id)] = n
	}
	resultEv := &GameEvent{
		GameID:         game.ID,
		Round:          game.Round,
		Phase:          game.Phase,
		Type:           EventNominationResult,
		TargetPlayerID: &accused.ID,
		Data: mustEncodeData(EventData{
			Message: fmt.Sprintf("**%s** has been accused and stands trial before the village.", accused.Name),
			Tally:   tally,
		}),
		IsPublic: true,
	}
	if err := e.persistPublic(game, resultEv); err != nil {
		return err
	}

	// The defense.
	events, err := getEventsByGameID(game.ID)
	if err != nil {
		return err
	}
	defenseContext := buildPlayerContext(game, players, events, accused) +
		"\n\n## YOU ARE ON TRIAL\nThe village has accused you and will vote on your execution. This speech may be your last chance to survive."
	defResp, err := e.callDiscuss(accused, defenseContext, e.taskFor(accused, defenseTask))
	if err != nil {
		return err
	}
	defEv := &GameEvent{
		GameID:        game.ID,
		Round:         game.Round,
		Phase:         game.Phase,
		Type:          EventDefenseSpeech,
		ActorPlayerID: &accused.ID,
		Data: mustEncodeData(EventData{
			Thinking: defResp.Thinking,
			Message:  defResp.Message,
		}),
		IsPublic: true,
	}
	if err := e.persistPublic(game, defEv); err != nil {
		return err
	}

	// The verdict. Setting target_id to the accused's number is a vote to
	// eliminate; anything else is a vote to spare.
	verdictTask := fmt.Sprintf(
		"**%s** stands trial. Vote to ELIMINATE them by setting target_id to %d, or vote to SPARE them by setting target_id to 0. Give a short public_reasoning.",
		accused.Name, accused.Number())

	yes, no := 0, 0
	for _, voter := range living {
		if voter.ID == accused.ID {
			continue
		}
		events, err := getEventsByGameID(game.ID)
		if err != nil {
			return err
		}
		gameContext := buildPlayerContext(game, players, events, voter)
		resp, err := e.callVote(voter, gameContext, e.taskFor(voter, verdictTask))
		if err != nil {
			return err
		}

		vote := "no"
		if resp.TargetID == accused.Number() {
			vote = "yes"
			yes++
		} else {
			no++
		}

		ev := &GameEvent{
			GameID:         game.ID,
			Round:          game.Round,
			Phase:          game.Phase,
			Type:           EventVote,
			ActorPlayerID:  &voter.ID,
			TargetPlayerID: &accused.ID,
			Data: mustEncodeData(EventData{
				Thinking:        resp.Thinking,
				PublicReasoning: resp.PublicReasoning,
				Vote:            vote,
			}),
			IsPublic: true,
		}
		if err := e.persistPublic(game, ev); err != nil {
			return err
		}
	}

	tallyEv := &GameEvent{
		GameID:         game.ID,
		Round:          game.Round,
		Phase:          game.Phase,
		Type:           EventVoteTally,
		TargetPlayerID: &accused.ID,
		Data: mustEncodeData(EventData{
			Message:  fmt.Sprintf("The votes are in: %d to eliminate, %d to spare.", yes, no),
			VotesYes: yes,
			VotesNo:  no,
		}),
		IsPublic: true,
	}
	if err := e.persistPublic(game, tallyEv); err != nil {
		return err
	}

	if yes > no {
		return e.eliminateByVote(game, players, accused, yes)
	}

	spareEv := &GameEvent{
		GameID:         game.ID,
		Round:          game.Round,
		Phase:          game.Phase,
		Type:           EventNoElimination,
		TargetPlayerID: &accused.ID,
		Data: mustEncodeData(EventData{
			Message: fmt.Sprintf("The village has spared **%s**. No one is eliminated today.", accused.Name),
		}),
		IsPublic: true,
	}
	return e.persistPublic(game, spareEv)
}

// pickAccused selects the nomination plurality winner, breaking ties with
// a uniform random draw among the leaders.
func (e *Engine) pickAccused(players []Player, counts map[int64]int) *Player {
	best := 0
	for _, n := range counts {
		if n > best {
			best = n
		}
	}
	var leaders []int64
	for id, n := range counts {
		if n == best {
			leaders = append(leaders, id)
		}
	}
	sort.Slice(leaders, func(i, j int) bool { return leaders[i] < leaders[j] })
	return playerByID(players, leaders[e.intn(len(leaders))])
}

func (e *Engine) runPluralityVote(game *Game) error {
	players, err := getPlayersByGameID(game.ID)
	if err != nil {
		return err
	}
	living := alivePlayers(players)
	if len(living) < 2 {
		return nil
	}

	counts := make(map[int64]int)
	for _, voter := range living {
		events, err := getEventsByGameID(game.ID)
		if err != nil {
			return err
		}
		gameContext := buildPlayerContext(game, players, events, voter)
		resp, err := e.callVote(voter, gameContext, e.taskFor(voter, pluralityVoteTask))
		if err != nil {
			return err
		}

		target := e.resolveTarget(resp.TargetID, players, voter.ID)
		if target == nil {
			continue
		}
		counts[target.ID]++

		ev := &GameEvent{
			GameID:         game.ID,
			Round:          game.Round,
			Phase:          game.Phase,
			Type:           EventVote,
			ActorPlayerID:  &voter.ID,
			TargetPlayerID: &target.ID,
			Data: mustEncodeData(EventData{
				Thinking:        resp.Thinking,
				PublicReasoning: resp.PublicReasoning,
			}),
			IsPublic: true,
		}
		if err := e.persistPublic(game, ev); err != nil {
			return err
		}
	}
	if len(counts) == 0 {
		return nil
	}

	best := 0
	for _, n := range counts {
		if n > best {
			best = n
		}
	}
	var leaders []int64
	for id, n := range counts {
		if n == best {
			leaders = append(leaders, id)
		}
	}

	tally := make(map[string]int)
	for id, n := range counts {
		tally[playerName(players, &id)] = n
	}
	tallyEv := &GameEvent{
		GameID: game.ID,
		Round:  game.Round,
		Phase:  game.Phase,
		Type:   EventVoteTally,
		Data: mustEncodeData(EventData{
			Message: "The village has voted.",
			Tally:   tally,
		}),
		IsPublic: true,
	}
	if err := e.persistPublic(game, tallyEv); err != nil {
		return err
	}

	if len(leaders) > 1 {
		tieEv := &GameEvent{
			GameID:   game.ID,
			Round:    game.Round,
			Phase:    game.Phase,
			Type:     EventVoteTie,
			Data:     mustEncodeData(EventData{Message: "The vote is tied. No one is eliminated today."}),
			IsPublic: true,
		}
		return e.persistPublic(game, tieEv)
	}

	return e.eliminateByVote(game, players, playerByID(players, leaders[0]), best)
}

// eliminateByVote marks the player dead and announces the elimination with
// their role revealed and the vote count that condemned them.
func (e *Engine) eliminateByVote(game *Game, players []Player, victim *Player, votes int) error {
	if err := markPlayerDead(victim.ID); err != nil {
		return err
	}
	victim.IsAlive = false

	ev := &GameEvent{
		GameID:         game.ID,
		Round:          game.Round,
		Phase:          game.Phase,
		Type:           EventElimination,
		TargetPlayerID: &victim.ID,
		Data: mustEncodeData(EventData{
			Message: fmt.Sprintf("The village has eliminated **%s**. They were a **%s**.",
				victim.Name, mustGetRole(victim.Role).DisplayName),
			RoleRevealed:  mustGetRole(victim.Role).DisplayName,
			VotesReceived: votes,
		}),
		IsPublic: true,
	}
	return e.persistPublic(game, ev)
}

// lastVoteElimination returns the player eliminated by the village this
// round, or nil if the vote spared everyone.
func lastVoteElimination(game *Game, players []Player) (*Player, error) {
	elims, err := getRoundEvents(game.ID, game.Round, EventElimination)
	if err != nil {
		return nil, err
	}
	if len(elims) == 0 {
		return nil, nil
	}
	last := elims[len(elims)-1]
	if last.TargetPlayerID == nil {
		return nil, nil
	}
	return playerByID(players, *last.TargetPlayerID), nil
}

// taskFor prefixes a task with the player's standing role instructions.
func (e *Engine) taskFor(player *Player, task string) string {
	role := mustGetRole(player.Role)
	return role.BaseInstructions + "\n\n" + task
}

func (e *Engine) callDiscuss(player *Player, gameContext, task string) (*DiscussionResponse, error) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.agentTimeout())
	defer cancel()
	return e.agents.Discuss(ctx, player, gameContext, task)
}

func (e *Engine) callVote(player *Player, gameContext, task string) (*ActionResponse, error) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.agentTimeout())
	defer cancel()
	return e.agents.Vote(ctx, player, gameContext, task)
}
