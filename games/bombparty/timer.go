package bombparty

import (
	"time"
)

// Purpose tags what an armed deadline is for.
type Purpose int

const (
	RoundDeadline Purpose = iota + 1
	PostExplosionDeadline
)

func (p Purpose) String() string {
	switch p {
	case RoundDeadline:
		return "round"
	case PostExplosionDeadline:
		return "post-explosion"
	default:
		return "none"
	}
}

// PostExplosionDelay is how long the explosion is shown before the
// loser has to be picked.
const PostExplosionDelay = 3 * time.Second

// Clock abstracts time so tests can run rounds in simulated time.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Stopper
}

type Stopper interface {
	Stop() bool
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Stopper {
	return time.AfterFunc(d, f)
}

// SystemClock is backed by the time package.
var SystemClock Clock = systemClock{}

// Fire is delivered when an armed deadline elapses.
type Fire struct {
	Purpose    Purpose
	Generation uint64
}

// RoundTimer is a single armed slot. Starting a new deadline always
// disarms the previous one, so at most one is pending at any time.
type RoundTimer struct {
	clock    Clock
	deliver  func(Fire)
	stopper  Stopper
	purpose  Purpose
	deadline time.Time
	gen      uint64
}

// NewRoundTimer creates a disarmed timer. deliver is called from the
// clock's goroutine and must hand the Fire to the timer's owner.
func NewRoundTimer(clock Clock, deliver func(Fire)) *RoundTimer {
	if clock == nil {
		clock = SystemClock
	}

	return &RoundTimer{
		clock:   clock,
		deliver: deliver,
	}
}

func (t *RoundTimer) Start(purpose Purpose, d time.Duration) {
	t.Cancel()

	t.gen++
	fire := Fire{Purpose: purpose, Generation: t.gen}

	t.purpose = purpose
	t.deadline = t.clock.Now().Add(d)
	t.stopper = t.clock.AfterFunc(d, func() {
		t.deliver(fire)
	})
}

// Cancel disarms the slot. It is safe to call repeatedly.
func (t *RoundTimer) Cancel() {
	if t.stopper != nil {
		t.stopper.Stop()
		t.stopper = nil
	}
	t.purpose = 0
	t.deadline = time.Time{}
}

// Accept reports whether f belongs to the currently armed deadline and,
// if so, disarms the slot. Fires that lost a race with Cancel or Start
// are rejected.
func (t *RoundTimer) Accept(f Fire) bool {
	if t.stopper == nil || f.Generation != t.gen || f.Purpose != t.purpose {
		return false
	}

	t.stopper = nil
	t.purpose = 0
	t.deadline = time.Time{}

	return true
}

func (t *RoundTimer) Armed() (Purpose, bool) {
	return t.purpose, t.stopper != nil
}

func (t *RoundTimer) Deadline() (time.Time, bool) {
	return t.deadline, t.stopper != nil
}
