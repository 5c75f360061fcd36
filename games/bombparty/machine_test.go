package bombparty

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type testRig struct {
	m        *Machine
	clock    *fakeClock
	feedback *MockFeedback
	store    *MemorySettingsStore
}

func setupMachine(t *testing.T, settings Settings) *testRig {
	t.Helper()

	rig := &testRig{
		clock:    newFakeClock(),
		feedback: (&MockFeedback{}).allowAll(),
		store:    NewMemorySettingsStore(settings),
	}

	ids := 0
	rig.m = New(Options{
		Pool:     testPool(),
		Store:    rig.store,
		Feedback: rig.feedback,
		Clock:    rig.clock,
		IntN:     func(int) int { return 0 },
		NewID: func() string {
			ids++
			return fmt.Sprintf("p%d", ids)
		},
	})
	t.Cleanup(rig.m.Close)

	return rig
}

func (r *testRig) addPlayers(t *testing.T, names ...string) []Player {
	t.Helper()

	players := make([]Player, 0, len(names))
	for _, name := range names {
		p, err := r.m.AddPlayer(name)
		require.NoError(t, err)
		players = append(players, p)
	}
	return players
}

// toLost plays one round from categories/next until the loser has to be picked.
func (r *testRig) toLost(t *testing.T) {
	t.Helper()

	require.NoError(t, r.m.StartRound())
	require.Equal(t, StepRunning, r.m.State().Step)

	r.clock.Advance(time.Duration(r.m.Settings().RoundLength) * time.Second)
	require.Equal(t, StepExplode, r.m.State().Step)

	r.clock.Advance(PostExplosionDelay)
	require.Equal(t, StepLost, r.m.State().Step)
}

func TestMachine_NewLoadsSettings(t *testing.T) {
	want := Settings{RoundLength: 15, Rounds: 4, Volume: 0.3}
	rig := setupMachine(t, want)

	assert.Equal(t, want, rig.m.Settings())
	assert.Equal(t, StepPlayers, rig.m.State().Step)
	assert.Empty(t, rig.m.State().Scores)
}

func TestMachine_ConfirmPlayersRosterSize(t *testing.T) {
	for n := 0; n <= 14; n++ {
		t.Run(fmt.Sprintf("%d_players", n), func(t *testing.T) {
			rig := setupMachine(t, DefaultSettings())
			for i := range n {
				_, err := rig.m.AddPlayer(fmt.Sprintf("Player %d", i))
				require.NoError(t, err)
			}

			err := rig.m.ConfirmPlayers()
			if n >= MinPlayers && n <= MaxPlayers {
				assert.NoError(t, err)
				assert.Equal(t, StepCategories, rig.m.State().Step)
			} else {
				assert.ErrorIs(t, err, ErrRosterSize)
				assert.Equal(t, StepPlayers, rig.m.State().Step)
			}
		})
	}
}

func TestMachine_AddPlayer(t *testing.T) {
	rig := setupMachine(t, DefaultSettings())

	_, err := rig.m.AddPlayer("   ")
	assert.ErrorIs(t, err, ErrEmptyName)

	p, err := rig.m.AddPlayer("  Anna ")
	require.NoError(t, err)
	assert.Equal(t, Player{ID: "p1", Name: "Anna"}, p)

	rig.addPlayers(t, "Ben")
	require.NoError(t, rig.m.ConfirmPlayers())

	_, err = rig.m.AddPlayer("Late")
	assert.ErrorIs(t, err, ErrWrongStep)
	assert.Len(t, rig.m.State().Players, 2)
}

func TestMachine_RemovePlayer(t *testing.T) {
	rig := setupMachine(t, DefaultSettings())
	players := rig.addPlayers(t, "A", "B", "C")

	require.NoError(t, rig.m.RemovePlayer(players[1].ID))
	assert.Equal(t, []Player{players[0], players[2]}, rig.m.State().Players)

	assert.ErrorIs(t, rig.m.RemovePlayer("ghost"), ErrUnknownPlayer)

	require.NoError(t, rig.m.ConfirmPlayers())
	assert.ErrorIs(t, rig.m.RemovePlayer(players[0].ID), ErrWrongStep)
}

func TestMachine_StartRoundPicksFromActiveCategory(t *testing.T) {
	pool := testPool()

	for _, category := range []string{"", "Animals", "Food"} {
		t.Run("category_"+category, func(t *testing.T) {
			candidates, err := pool.Candidates(category)
			require.NoError(t, err)

			for i := range candidates {
				rig := setupMachine(t, DefaultSettings())
				rig.m.intN = func(n int) int {
					require.Equal(t, len(candidates), n)
					return i
				}
				rig.addPlayers(t, "A", "B")
				require.NoError(t, rig.m.ConfirmPlayers())
				require.NoError(t, rig.m.SelectCategory(category))
				require.NoError(t, rig.m.StartRound())

				state := rig.m.State()
				assert.Equal(t, category, state.ActiveCategory)
				assert.Contains(t, candidates, state.CurrentWord)
				assert.Equal(t, candidates[i], state.CurrentWord)
			}
		})
	}
}

func TestMachine_SelectCategory(t *testing.T) {
	rig := setupMachine(t, DefaultSettings())

	assert.ErrorIs(t, rig.m.SelectCategory("Food"), ErrWrongStep)

	rig.addPlayers(t, "A", "B")
	require.NoError(t, rig.m.ConfirmPlayers())

	assert.ErrorIs(t, rig.m.SelectCategory("Cars"), ErrUnknownCategory)
	require.NoError(t, rig.m.SelectCategory("Food"))
	assert.Equal(t, "Food", rig.m.State().ActiveCategory)
	require.NoError(t, rig.m.SelectCategory(""))
	assert.Empty(t, rig.m.State().ActiveCategory)

	assert.Equal(t, []string{"Animals", "Food"}, rig.m.Categories())
}

func TestMachine_RoundSideEffects(t *testing.T) {
	clock := newFakeClock()
	feedback := &MockFeedback{}
	feedback.On("PlayClick", mock.Anything).Return(nil)
	feedback.On("PlayLoopingTick", 0.4).Return(nil).Once()
	feedback.On("StopTick").Return(nil).Once()
	feedback.On("PlayExplosion", 0.4).Return(nil).Once()
	feedback.On("Vibrate", ExplosionPattern).Return(ErrUnsupported).Once()

	m := New(Options{
		Pool:     testPool(),
		Store:    NewMemorySettingsStore(Settings{RoundLength: 10, Rounds: 3, Volume: 0.4}),
		Feedback: feedback,
		Clock:    clock,
	})
	defer m.Close()

	_, _ = m.AddPlayer("A")
	_, _ = m.AddPlayer("B")
	require.NoError(t, m.ConfirmPlayers())
	require.NoError(t, m.StartRound())

	purpose, armed := m.Armed()
	assert.True(t, armed)
	assert.Equal(t, RoundDeadline, purpose)
	assert.Equal(t, clock.Now().Add(10*time.Second), m.State().Deadline)
	feedback.AssertNotCalled(t, "PlayExplosion", mock.Anything)

	clock.Advance(10 * time.Second)
	assert.Equal(t, StepExplode, m.State().Step)
	purpose, armed = m.Armed()
	assert.True(t, armed)
	assert.Equal(t, PostExplosionDeadline, purpose)
	assert.Equal(t, 1, clock.Pending())

	clock.Advance(PostExplosionDelay)
	assert.Equal(t, StepLost, m.State().Step)
	_, armed = m.Armed()
	assert.False(t, armed)
	assert.Zero(t, clock.Pending())

	feedback.AssertExpectations(t)
}

func TestMachine_MutedPlaysAtZeroVolume(t *testing.T) {
	clock := newFakeClock()
	feedback := &MockFeedback{}
	feedback.On("PlayClick", 0.0).Return(nil)
	feedback.On("PlayLoopingTick", 0.0).Return(nil).Once()
	feedback.On("StopTick").Return(nil)
	feedback.On("PlayExplosion", 0.0).Return(errors.New("autoplay blocked")).Once()
	feedback.On("Vibrate", mock.Anything).Return(nil)

	m := New(Options{
		Pool:     testPool(),
		Store:    NewMemorySettingsStore(Settings{RoundLength: 10, Rounds: 3, Volume: 0.5, Muted: true}),
		Feedback: feedback,
		Clock:    clock,
	})
	defer m.Close()

	_, _ = m.AddPlayer("A")
	_, _ = m.AddPlayer("B")
	require.NoError(t, m.ConfirmPlayers())
	require.NoError(t, m.StartRound())
	assert.NotPanics(t, func() { clock.Advance(10 * time.Second) })
	assert.Equal(t, StepExplode, m.State().Step)

	feedback.AssertExpectations(t)
	feedback.AssertNotCalled(t, "PlayLoopingTick", 0.5)
}

func TestMachine_VolumeChangeWhileRunningRestartsTick(t *testing.T) {
	rig := setupMachine(t, Settings{RoundLength: 10, Rounds: 3, Volume: 0.5})
	rig.addPlayers(t, "A", "B")
	require.NoError(t, rig.m.ConfirmPlayers())
	require.NoError(t, rig.m.StartRound())

	require.NoError(t, rig.m.SetMuted(true))
	require.NoError(t, rig.m.SetVolume(0.9))

	rig.feedback.AssertCalled(t, "PlayLoopingTick", 0.5)
	rig.feedback.AssertNumberOfCalls(t, "PlayLoopingTick", 3)
	rig.feedback.AssertCalled(t, "PlayLoopingTick", 0.0)

	require.NoError(t, rig.m.SetMuted(false))
	rig.feedback.AssertCalled(t, "PlayLoopingTick", 0.9)
}

func TestMachine_ConfirmLoserScoring(t *testing.T) {
	rig := setupMachine(t, Settings{RoundLength: 10, Rounds: 5, Volume: 0.7})
	players := rig.addPlayers(t, "A", "B", "C")
	require.NoError(t, rig.m.ConfirmPlayers())

	rig.toLost(t)
	assert.ErrorIs(t, rig.m.ConfirmLoser("ghost"), ErrUnknownPlayer)
	require.NoError(t, rig.m.ConfirmLoser(players[0].ID))

	rig.toLost(t)
	before := rig.m.State().Scores
	require.NoError(t, rig.m.ConfirmLoser(players[2].ID))
	after := rig.m.State().Scores

	assert.Equal(t, before[players[2].ID]+1, after[players[2].ID])
	for _, p := range players[:2] {
		assert.Equal(t, before[p.ID], after[p.ID], p.Name)
	}

	assert.ErrorIs(t, rig.m.ConfirmLoser(players[0].ID), ErrWrongStep)
}

func TestMachine_FullGameScenario(t *testing.T) {
	rig := setupMachine(t, Settings{RoundLength: 10, Rounds: 3, Volume: 0.7})
	players := rig.addPlayers(t, "A", "B", "C")
	a, b, c := players[0], players[1], players[2]

	require.NoError(t, rig.m.ConfirmPlayers())
	assert.Equal(t, StepCategories, rig.m.State().Step)

	require.NoError(t, rig.m.StartRound())
	rig.clock.Advance(9 * time.Second)
	assert.Equal(t, StepRunning, rig.m.State().Step)
	rig.clock.Advance(time.Second)
	assert.Equal(t, StepExplode, rig.m.State().Step)
	rig.clock.Advance(2 * time.Second)
	assert.Equal(t, StepExplode, rig.m.State().Step)
	rig.clock.Advance(time.Second)
	assert.Equal(t, StepLost, rig.m.State().Step)

	require.NoError(t, rig.m.ConfirmLoser(b.ID))
	state := rig.m.State()
	assert.Equal(t, map[string]int{b.ID: 1}, state.Scores)
	assert.Equal(t, 1, state.RoundIndex)
	assert.Equal(t, StepNext, state.Step)

	rig.toLost(t)
	require.NoError(t, rig.m.ConfirmLoser(a.ID))
	assert.Equal(t, StepNext, rig.m.State().Step)
	assert.Equal(t, 2, rig.m.State().RoundIndex)

	rig.toLost(t)
	require.NoError(t, rig.m.ConfirmLoser(b.ID))

	state = rig.m.State()
	assert.Equal(t, StepFinal, state.Step)
	assert.Equal(t, 2, state.RoundIndex)
	if diff := cmp.Diff(map[string]int{a.ID: 1, b.ID: 2}, state.Scores); diff != "" {
		t.Fatalf("scores mismatch (-want +got):\n%s", diff)
	}
	assert.NotContains(t, state.Scores, c.ID)

	assert.ErrorIs(t, rig.m.StartRound(), ErrWrongStep)
	assert.Zero(t, rig.clock.Pending())
}

func TestMachine_FinalAfterConfiguredRounds(t *testing.T) {
	for rounds := MinRounds; rounds <= MaxRounds; rounds++ {
		t.Run(fmt.Sprintf("%d_rounds", rounds), func(t *testing.T) {
			rig := setupMachine(t, Settings{RoundLength: 10, Rounds: rounds})
			players := rig.addPlayers(t, "A", "B")
			require.NoError(t, rig.m.ConfirmPlayers())

			for i := range rounds {
				rig.toLost(t)
				assert.Less(t, rig.m.State().RoundIndex, rounds)
				require.NoError(t, rig.m.ConfirmLoser(players[i%2].ID))
			}

			assert.Equal(t, StepFinal, rig.m.State().Step)
			assert.Equal(t, rounds-1, rig.m.State().RoundIndex)
		})
	}
}

func TestMachine_PlayAgainKeepsPlayers(t *testing.T) {
	rig := setupMachine(t, Settings{RoundLength: 10, Rounds: 3})
	players := rig.addPlayers(t, "A", "B")
	require.NoError(t, rig.m.ConfirmPlayers())

	assert.ErrorIs(t, rig.m.PlayAgain(), ErrWrongStep)

	for range 3 {
		rig.toLost(t)
		require.NoError(t, rig.m.ConfirmLoser(players[0].ID))
	}
	require.Equal(t, StepFinal, rig.m.State().Step)

	require.NoError(t, rig.m.PlayAgain())
	state := rig.m.State()
	assert.Equal(t, StepPlayers, state.Step)
	assert.Empty(t, state.Scores)
	assert.Zero(t, state.RoundIndex)
	assert.Equal(t, players, state.Players)

	require.NoError(t, rig.m.ConfirmPlayers())
}

func TestMachine_OneArmedTimer(t *testing.T) {
	rig := setupMachine(t, Settings{RoundLength: 10, Rounds: 3})
	rig.addPlayers(t, "A", "B")
	require.NoError(t, rig.m.ConfirmPlayers())
	require.NoError(t, rig.m.StartRound())

	for elapsed := 0; elapsed < 13; elapsed++ {
		step := rig.m.State().Step
		if step == StepRunning || step == StepExplode {
			assert.Equal(t, 1, rig.clock.Pending(), "at %ds in %s", elapsed, step)
		}
		rig.clock.Advance(time.Second)
	}
	assert.Equal(t, StepLost, rig.m.State().Step)
	assert.Zero(t, rig.clock.Pending())
}

func TestMachine_StaleFireIgnored(t *testing.T) {
	rig := setupMachine(t, Settings{RoundLength: 10, Rounds: 3})
	rig.addPlayers(t, "A", "B")
	require.NoError(t, rig.m.ConfirmPlayers())
	require.NoError(t, rig.m.StartRound())

	rig.m.HandleFire(Fire{Purpose: RoundDeadline, Generation: 99})
	rig.m.HandleFire(Fire{Purpose: PostExplosionDeadline, Generation: 1})
	assert.Equal(t, StepRunning, rig.m.State().Step)
}

func TestMachine_CloseCancelsTimers(t *testing.T) {
	t.Run("running", func(t *testing.T) {
		rig := setupMachine(t, Settings{RoundLength: 10, Rounds: 3})
		rig.addPlayers(t, "A", "B")
		require.NoError(t, rig.m.ConfirmPlayers())
		require.NoError(t, rig.m.StartRound())

		rig.m.Close()
		assert.Zero(t, rig.clock.Pending())
		rig.feedback.AssertCalled(t, "StopTick")

		rig.clock.Advance(time.Minute)
		assert.Equal(t, StepRunning, rig.m.State().Step)
		rig.feedback.AssertNotCalled(t, "PlayExplosion", mock.Anything)
	})

	t.Run("explode", func(t *testing.T) {
		rig := setupMachine(t, Settings{RoundLength: 10, Rounds: 3})
		rig.addPlayers(t, "A", "B")
		require.NoError(t, rig.m.ConfirmPlayers())
		require.NoError(t, rig.m.StartRound())
		rig.clock.Advance(10 * time.Second)

		rig.m.Close()
		rig.m.Close()
		rig.clock.Advance(time.Minute)
		assert.Equal(t, StepExplode, rig.m.State().Step)
		assert.True(t, rig.m.Closed())
	})
}

func TestMachine_ExitGate(t *testing.T) {
	rig := setupMachine(t, Settings{RoundLength: 10, Rounds: 3})
	rig.addPlayers(t, "A", "B")
	require.NoError(t, rig.m.ConfirmPlayers())
	require.NoError(t, rig.m.StartRound())

	assert.ErrorIs(t, rig.m.ConfirmExit(), ErrExitNotPending)

	require.NoError(t, rig.m.RequestExit())
	assert.True(t, rig.m.State().ExitPending)
	assert.Equal(t, StepRunning, rig.m.State().Step)

	require.NoError(t, rig.m.CancelExit())
	assert.False(t, rig.m.State().ExitPending)
	assert.Equal(t, 1, rig.clock.Pending())

	require.NoError(t, rig.m.RequestExit())
	require.NoError(t, rig.m.ConfirmExit())
	assert.True(t, rig.m.Closed())
	assert.Zero(t, rig.clock.Pending())

	_, err := rig.m.AddPlayer("X")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, rig.m.StartRound(), ErrClosed)
	assert.ErrorIs(t, rig.m.SetVolume(0.1), ErrClosed)
}

func TestMachine_SettingsPersistOnEveryChange(t *testing.T) {
	rig := setupMachine(t, DefaultSettings())

	require.NoError(t, rig.m.SetRoundLength(5))
	require.NoError(t, rig.m.SetRounds(42))
	require.NoError(t, rig.m.SetVolume(1.5))
	require.NoError(t, rig.m.SetMuted(true))

	assert.Equal(t, 4, rig.store.Saves())
	assert.Equal(t, Settings{RoundLength: 10, Rounds: 10, Volume: 1, Muted: true}, rig.store.Load())

	require.NoError(t, rig.m.ToggleSettings())
	assert.True(t, rig.m.State().SettingsOpen)
	assert.Equal(t, 4, rig.store.Saves())
}

func TestMachine_SetRoundsKeepsRoundIndexInvariant(t *testing.T) {
	rig := setupMachine(t, Settings{RoundLength: 10, Rounds: 10})
	players := rig.addPlayers(t, "A", "B")
	require.NoError(t, rig.m.ConfirmPlayers())

	for range 4 {
		rig.toLost(t)
		require.NoError(t, rig.m.ConfirmLoser(players[0].ID))
	}
	require.Equal(t, 4, rig.m.State().RoundIndex)

	require.NoError(t, rig.m.SetRounds(3))
	assert.Equal(t, 5, rig.m.Settings().Rounds)

	rig.toLost(t)
	require.NoError(t, rig.m.ConfirmLoser(players[1].ID))
	assert.Equal(t, StepFinal, rig.m.State().Step)
}

func TestMachine_StateIsACopy(t *testing.T) {
	rig := setupMachine(t, Settings{RoundLength: 10, Rounds: 3})
	players := rig.addPlayers(t, "A", "B")
	require.NoError(t, rig.m.ConfirmPlayers())
	rig.toLost(t)
	require.NoError(t, rig.m.ConfirmLoser(players[0].ID))

	state := rig.m.State()
	state.Players[0].Name = "mutated"
	state.Scores[players[0].ID] = 100

	fresh := rig.m.State()
	assert.Equal(t, "A", fresh.Players[0].Name)
	assert.Equal(t, 1, fresh.Scores[players[0].ID])
}

func TestState_InGame(t *testing.T) {
	for step, want := range map[Step]bool{
		StepPlayers:    false,
		StepCategories: false,
		StepRunning:    true,
		StepExplode:    true,
		StepLost:       true,
		StepNext:       true,
		StepFinal:      false,
	} {
		assert.Equal(t, want, State{Step: step}.InGame(), step)
	}
}

func TestState_Standings(t *testing.T) {
	state := State{
		Players: []Player{{ID: "a", Name: "A"}, {ID: "b", Name: "B"}, {ID: "c", Name: "C"}, {ID: "d", Name: "D"}},
		Scores:  map[string]int{"a": 2, "c": 1, "d": 2},
	}

	want := []Standing{
		{Player: Player{ID: "b", Name: "B"}, Losses: 0},
		{Player: Player{ID: "c", Name: "C"}, Losses: 1},
		{Player: Player{ID: "a", Name: "A"}, Losses: 2},
		{Player: Player{ID: "d", Name: "D"}, Losses: 2},
	}

	if diff := cmp.Diff(want, state.Standings()); diff != "" {
		t.Fatalf("standings mismatch (-want +got):\n%s", diff)
	}
}
