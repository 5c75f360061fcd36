package bombparty

import (
	"errors"
	"time"
)

// ErrUnsupported is returned by a Feedback implementation when the
// platform lacks the requested capability.
var ErrUnsupported = errors.New("feedback capability unsupported")

// ExplosionPattern is the vibration played when the bomb goes off:
// pulse, gap, pulse.
var ExplosionPattern = []time.Duration{
	100 * time.Millisecond,
	80 * time.Millisecond,
	120 * time.Millisecond,
}

// Feedback plays sounds and haptic pulses. Every method is best effort;
// callers discard the returned error.
type Feedback interface {
	PlayLoopingTick(volume float64) error
	StopTick() error
	PlayExplosion(volume float64) error
	PlayClick(volume float64) error
	Vibrate(pattern []time.Duration) error
}

// NopFeedback discards all feedback.
type NopFeedback struct{}

func (NopFeedback) PlayLoopingTick(float64) error { return nil }
func (NopFeedback) StopTick() error               { return nil }
func (NopFeedback) PlayExplosion(float64) error   { return nil }
func (NopFeedback) PlayClick(float64) error       { return nil }
func (NopFeedback) Vibrate([]time.Duration) error { return ErrUnsupported }
