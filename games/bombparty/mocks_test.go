package bombparty

import (
	"sort"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"
)

// --- Feedback ---

type MockFeedback struct {
	mock.Mock
}

func (m *MockFeedback) PlayLoopingTick(volume float64) error {
	args := m.Called(volume)
	return args.Error(0)
}

func (m *MockFeedback) StopTick() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockFeedback) PlayExplosion(volume float64) error {
	args := m.Called(volume)
	return args.Error(0)
}

func (m *MockFeedback) PlayClick(volume float64) error {
	args := m.Called(volume)
	return args.Error(0)
}

func (m *MockFeedback) Vibrate(pattern []time.Duration) error {
	args := m.Called(pattern)
	return args.Error(0)
}

// allowAll registers permissive expectations for every call.
func (m *MockFeedback) allowAll() *MockFeedback {
	m.On("PlayLoopingTick", mock.Anything).Return(nil).Maybe()
	m.On("StopTick").Return(nil).Maybe()
	m.On("PlayExplosion", mock.Anything).Return(nil).Maybe()
	m.On("PlayClick", mock.Anything).Return(nil).Maybe()
	m.On("Vibrate", mock.Anything).Return(nil).Maybe()
	return m
}

// --- Clock ---

type fakeTimer struct {
	at      time.Time
	seq     int
	f       func()
	stopped bool
	fired   bool
}

// fakeClock fires callbacks synchronously from Advance.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Stopper {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	t := &fakeTimer{at: c.now.Add(d), seq: c.seq, f: f}
	c.timers = append(c.timers, t)
	return &fakeStopper{clock: c, timer: t}
}

// Advance moves time forward, firing due callbacks in deadline order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var due []*fakeTimer
		for _, t := range c.timers {
			if !t.stopped && !t.fired && !t.at.After(target) {
				due = append(due, t)
			}
		}
		if len(due) == 0 {
			c.now = target
			c.mu.Unlock()
			return
		}
		sort.Slice(due, func(i, j int) bool {
			if due[i].at.Equal(due[j].at) {
				return due[i].seq < due[j].seq
			}
			return due[i].at.Before(due[j].at)
		})
		next := due[0]
		next.fired = true
		c.now = next.at
		c.mu.Unlock()

		next.f()
	}
}

// Pending counts armed, unfired callbacks.
func (c *fakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type fakeStopper struct {
	clock *fakeClock
	timer *fakeTimer
}

func (s *fakeStopper) Stop() bool {
	s.clock.mu.Lock()
	defer s.clock.mu.Unlock()

	if s.timer.stopped || s.timer.fired {
		return false
	}
	s.timer.stopped = true
	return true
}
