// Package bombparty implements the Bomb Party round state machine.
//
// Players pass a device around while a hidden countdown ticks. Whoever
// holds it when the bomb explodes loses the round:
//
//	players -> categories -> running -> explode -> lost -> next -> running ...
//	                                                    \-> final -> players
//
// A Machine is owned by exactly one goroutine. Timer fires reach it via
// the deliver callback passed in Options and must be handed back to
// HandleFire on that same goroutine.
package bombparty

import (
	"errors"
	"fmt"
	"maps"
	"math/rand/v2"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Step string

const (
	StepPlayers    Step = "players"
	StepCategories Step = "categories"
	StepRunning    Step = "running"
	StepExplode    Step = "explode"
	StepLost       Step = "lost"
	StepNext       Step = "next"
	StepFinal      Step = "final"
)

const (
	MinPlayers = 2
	MaxPlayers = 12
)

var (
	ErrWrongStep      = errors.New("action not available in this step")
	ErrRosterSize     = fmt.Errorf("between %d and %d players required", MinPlayers, MaxPlayers)
	ErrEmptyName      = errors.New("player name must not be empty")
	ErrUnknownPlayer  = errors.New("unknown player")
	ErrClosed         = errors.New("session closed")
	ErrExitNotPending = errors.New("exit was not requested")
)

type Player struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// State is a snapshot of a game session.
type State struct {
	Step           Step           `json:"step"`
	Players        []Player       `json:"players"`
	ActiveCategory string         `json:"active_category,omitempty"`
	CurrentWord    string         `json:"current_word,omitempty"`
	RoundIndex     int            `json:"round_index"`
	Scores         map[string]int `json:"scores"`
	ExitPending    bool           `json:"exit_pending"`
	SettingsOpen   bool           `json:"settings_open"`
	Deadline       time.Time      `json:"deadline,omitzero"`
}

func (s State) clone() State {
	s.Players = slices.Clone(s.Players)
	s.Scores = maps.Clone(s.Scores)
	return s
}

// CanConfirmPlayers reports whether the roster may be confirmed.
func (s State) CanConfirmPlayers() bool {
	return s.Step == StepPlayers && len(s.Players) >= MinPlayers && len(s.Players) <= MaxPlayers
}

type Standing struct {
	Player Player `json:"player"`
	Losses int    `json:"losses"`
}

// Standings orders the roster by rounds lost, fewest first. Ties keep
// roster order.
func (s State) Standings() []Standing {
	standings := make([]Standing, 0, len(s.Players))
	for _, p := range s.Players {
		standings = append(standings, Standing{Player: p, Losses: s.Scores[p.ID]})
	}

	slices.SortStableFunc(standings, func(a, b Standing) int {
		return a.Losses - b.Losses
	})

	return standings
}

// InGame reports whether a round sequence is in progress.
func (s State) InGame() bool {
	switch s.Step {
	case StepRunning, StepExplode, StepLost, StepNext:
		return true
	}
	return false
}

type Options struct {
	Pool     *WordPool
	Store    SettingsStore
	Feedback Feedback
	Clock    Clock
	// Deliver hands timer fires back to the owning goroutine. When nil,
	// fires call HandleFire directly from the clock's goroutine.
	Deliver func(Fire)
	// IntN returns a value in [0, n). Defaults to math/rand/v2.
	IntN  func(n int) int
	NewID func() string
	Log   zerolog.Logger
}

type Machine struct {
	pool     *WordPool
	store    SettingsStore
	feedback Feedback
	timer    *RoundTimer
	intN     func(int) int
	newID    func() string
	log      zerolog.Logger

	settings Settings
	state    State
	closed   bool
}

// New mounts a session: settings are read from the store once.
func New(opts Options) *Machine {
	m := &Machine{
		pool:     opts.Pool,
		store:    opts.Store,
		feedback: opts.Feedback,
		intN:     opts.IntN,
		newID:    opts.NewID,
		log:      opts.Log,
		state: State{
			Step:   StepPlayers,
			Scores: make(map[string]int),
		},
	}

	if m.store == nil {
		m.store = NewMemorySettingsStore(DefaultSettings())
	}
	if m.feedback == nil {
		m.feedback = NopFeedback{}
	}
	if m.intN == nil {
		m.intN = rand.IntN
	}
	if m.newID == nil {
		m.newID = func() string { return uuid.NewString() }
	}

	deliver := opts.Deliver
	if deliver == nil {
		deliver = m.HandleFire
	}
	m.timer = NewRoundTimer(opts.Clock, deliver)

	m.settings = m.store.Load().clamped()

	return m
}

func (m *Machine) State() State {
	s := m.state.clone()
	if deadline, ok := m.timer.Deadline(); ok {
		s.Deadline = deadline
	}
	return s
}

func (m *Machine) Settings() Settings {
	return m.settings
}

func (m *Machine) Pool() *WordPool {
	return m.pool
}

// Categories lists the category names of the session's word pool.
func (m *Machine) Categories() []string {
	if m.pool == nil {
		return nil
	}
	return m.pool.CategoryNames()
}

// Armed reports the purpose of the pending deadline, if any.
func (m *Machine) Armed() (Purpose, bool) {
	return m.timer.Armed()
}

func (m *Machine) Closed() bool {
	return m.closed
}

func (m *Machine) check(steps ...Step) error {
	if m.closed {
		return ErrClosed
	}
	if len(steps) > 0 && !slices.Contains(steps, m.state.Step) {
		return fmt.Errorf("%w: %s", ErrWrongStep, m.state.Step)
	}
	return nil
}

func (m *Machine) AddPlayer(name string) (Player, error) {
	if err := m.check(StepPlayers); err != nil {
		return Player{}, err
	}

	name = strings.TrimSpace(name)
	if name == "" {
		return Player{}, ErrEmptyName
	}

	p := Player{ID: m.newID(), Name: name}
	m.state.Players = append(m.state.Players, p)
	m.click()

	return p, nil
}

func (m *Machine) RemovePlayer(id string) error {
	if err := m.check(StepPlayers); err != nil {
		return err
	}

	idx := m.playerIndex(id)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownPlayer, id)
	}

	m.state.Players = slices.Delete(m.state.Players, idx, idx+1)
	delete(m.state.Scores, id)
	m.click()

	return nil
}

func (m *Machine) ConfirmPlayers() error {
	if err := m.check(StepPlayers); err != nil {
		return err
	}
	if !m.state.CanConfirmPlayers() {
		return ErrRosterSize
	}

	m.state.Step = StepCategories
	m.click()

	return nil
}

// SelectCategory sets the active category. An empty name means words
// are drawn from all categories.
func (m *Machine) SelectCategory(name string) error {
	if err := m.check(StepCategories, StepNext); err != nil {
		return err
	}
	if name != "" && (m.pool == nil || !m.pool.HasCategory(name)) {
		return fmt.Errorf("%w: %q", ErrUnknownCategory, name)
	}

	m.state.ActiveCategory = name
	m.click()

	return nil
}

func (m *Machine) StartRound() error {
	if err := m.check(StepCategories, StepNext); err != nil {
		return err
	}
	if m.pool == nil {
		return ErrEmptyPool
	}

	word, err := m.pool.Pick(m.state.ActiveCategory, m.intN)
	if err != nil {
		return err
	}

	m.state.CurrentWord = word
	m.state.Step = StepRunning
	m.timer.Start(RoundDeadline, time.Duration(m.settings.RoundLength)*time.Second)
	m.ignore("tick", m.feedback.PlayLoopingTick(m.settings.EffectiveVolume()))

	return nil
}

// HandleFire applies an elapsed deadline. Fires that no longer match
// the armed slot are dropped.
func (m *Machine) HandleFire(f Fire) {
	if m.closed || !m.timer.Accept(f) {
		m.log.Debug().Stringer("purpose", f.Purpose).Uint64("generation", f.Generation).Msg("stale timer fire dropped")
		return
	}

	switch {
	case f.Purpose == RoundDeadline && m.state.Step == StepRunning:
		m.state.Step = StepExplode
		m.timer.Start(PostExplosionDeadline, PostExplosionDelay)

		volume := m.settings.EffectiveVolume()
		m.ignore("stop tick", m.feedback.StopTick())
		m.ignore("explosion", m.feedback.PlayExplosion(volume))
		m.ignore("vibrate", m.feedback.Vibrate(ExplosionPattern))

	case f.Purpose == PostExplosionDeadline && m.state.Step == StepExplode:
		m.state.Step = StepLost
	}
}

func (m *Machine) ConfirmLoser(id string) error {
	if err := m.check(StepLost); err != nil {
		return err
	}
	if m.playerIndex(id) < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownPlayer, id)
	}

	m.timer.Cancel()
	m.state.Scores[id]++

	if m.state.RoundIndex+1 >= m.settings.Rounds {
		m.state.Step = StepFinal
	} else {
		m.state.RoundIndex++
		m.state.Step = StepNext
	}
	m.click()

	return nil
}

// PlayAgain starts a new game with the same roster.
func (m *Machine) PlayAgain() error {
	if err := m.check(StepFinal); err != nil {
		return err
	}

	m.timer.Cancel()
	m.state.RoundIndex = 0
	m.state.Scores = make(map[string]int)
	m.state.CurrentWord = ""
	m.state.Step = StepPlayers
	m.click()

	return nil
}

func (m *Machine) RequestExit() error {
	if err := m.check(); err != nil {
		return err
	}
	m.state.ExitPending = true
	return nil
}

func (m *Machine) CancelExit() error {
	if err := m.check(); err != nil {
		return err
	}
	m.state.ExitPending = false
	return nil
}

// ConfirmExit leaves the game. The session is discarded.
func (m *Machine) ConfirmExit() error {
	if err := m.check(); err != nil {
		return err
	}
	if !m.state.ExitPending {
		return ErrExitNotPending
	}

	m.Close()
	return nil
}

// Close tears the session down. Both deadlines are cancelled
// unconditionally; it is safe to call more than once.
func (m *Machine) Close() {
	m.timer.Cancel()
	if m.closed {
		return
	}
	m.closed = true

	if m.state.Step == StepRunning {
		m.ignore("stop tick", m.feedback.StopTick())
	}
}

func (m *Machine) ToggleSettings() error {
	if err := m.check(); err != nil {
		return err
	}
	m.state.SettingsOpen = !m.state.SettingsOpen
	return nil
}

func (m *Machine) SetRoundLength(seconds int) error {
	if err := m.check(); err != nil {
		return err
	}
	m.settings.RoundLength = clampInt(seconds, MinRoundLength, MaxRoundLength)
	m.store.Save(m.settings)
	return nil
}

// SetRounds changes the round count. While a game is running it never
// drops below the rounds already started.
func (m *Machine) SetRounds(rounds int) error {
	if err := m.check(); err != nil {
		return err
	}

	rounds = clampInt(rounds, MinRounds, MaxRounds)
	if m.state.InGame() {
		rounds = max(rounds, m.state.RoundIndex+1)
	}

	m.settings.Rounds = rounds
	m.store.Save(m.settings)
	return nil
}

func (m *Machine) SetVolume(volume float64) error {
	if err := m.check(); err != nil {
		return err
	}
	m.settings.Volume = clampVolume(volume)
	m.store.Save(m.settings)
	m.retick()
	return nil
}

func (m *Machine) SetMuted(muted bool) error {
	if err := m.check(); err != nil {
		return err
	}
	m.settings.Muted = muted
	m.store.Save(m.settings)
	m.retick()
	return nil
}

// retick restarts the tick loop at the current effective volume.
func (m *Machine) retick() {
	if m.state.Step != StepRunning {
		return
	}
	m.ignore("tick", m.feedback.PlayLoopingTick(m.settings.EffectiveVolume()))
}

func (m *Machine) click() {
	m.ignore("click", m.feedback.PlayClick(m.settings.EffectiveVolume()))
}

func (m *Machine) ignore(what string, err error) {
	if err != nil {
		m.log.Debug().Err(err).Str("feedback", what).Msg("feedback failed")
	}
}

func (m *Machine) playerIndex(id string) int {
	return slices.IndexFunc(m.state.Players, func(p Player) bool {
		return p.ID == id
	})
}
