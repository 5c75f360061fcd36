/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package bombparty

import (
	"encoding/json"
	"errors"
	"math"

	"github.com/rs/zerolog"
)

const (
	MinRoundLength = 10
	MaxRoundLength = 90
	MinRounds      = 3
	MaxRounds      = 10

	DefaultRoundLength = 30
	DefaultRounds      = 8
	DefaultVolume      = 0.7

	// SettingsKey is the fixed key the settings record is persisted under.
	SettingsKey = "bombparty.settings"
)

// Settings are the user preferences for a Bomb Party session.
type Settings struct {
	RoundLength int     `json:"roundLen"`
	Rounds      int     `json:"rounds"`
	Volume      float64 `json:"volume"`
	Muted       bool    `json:"muted"`
}

func DefaultSettings() Settings {
	return Settings{
		RoundLength: DefaultRoundLength,
		Rounds:      DefaultRounds,
		Volume:      DefaultVolume,
		Muted:       false,
	}
}

// EffectiveVolume is the playback volume, 0 while muted.
func (s Settings) EffectiveVolume() float64 {
	if s.Muted {
		return 0
	}
	return s.Volume
}

func (s Settings) clamped() Settings {
	s.RoundLength = clampInt(s.RoundLength, MinRoundLength, MaxRoundLength)
	s.Rounds = clampInt(s.Rounds, MinRounds, MaxRounds)
	s.Volume = clampVolume(s.Volume)
	return s
}

func clampInt(n, lo, hi int) int {
	return min(max(n, lo), hi)
}

func clampVolume(v float64) float64 {
	if math.IsNaN(v) {
		return DefaultVolume
	}
	return min(max(v, 0), 1)
}

// SettingsStore loads and saves Settings. Implementations never fail
// outward: errors are absorbed and defaults returned.
type SettingsStore interface {
	Load() Settings
	Save(Settings)
}

// KV is the durable key-value storage the settings record lives in.
type KV interface {
	Get(key string) (string, error)
	Put(key, value string) error
}

// ErrNotFound is returned by KV implementations for missing keys.
var ErrNotFound = errors.New("key not found")

type KVSettingsStore struct {
	kv  KV
	key string
	log zerolog.Logger
}

// NewKVSettingsStore persists settings in kv. A non-empty namespace is
// appended to SettingsKey so several browsers can share one KV.
func NewKVSettingsStore(kv KV, namespace string, log zerolog.Logger) *KVSettingsStore {
	key := SettingsKey
	if namespace != "" {
		key += "/" + namespace
	}

	return &KVSettingsStore{
		kv:  kv,
		key: key,
		log: log,
	}
}

func (s *KVSettingsStore) Key() string {
	return s.key
}

func (s *KVSettingsStore) Load() Settings {
	raw, err := s.kv.Get(s.key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.log.Debug().Err(err).Str("key", s.key).Msg("settings read failed, using defaults")
		}
		return DefaultSettings()
	}

	return ParseSettings([]byte(raw), s.log)
}

func (s *KVSettingsStore) Save(settings Settings) {
	data, err := json.Marshal(settings)
	if err != nil {
		s.log.Debug().Err(err).Msg("settings encode failed")
		return
	}

	if err := s.kv.Put(s.key, string(data)); err != nil {
		s.log.Debug().Err(err).Str("key", s.key).Msg("settings write failed")
	}
}

// ParseSettings decodes a persisted record field by field. Anything
// missing or of the wrong type keeps its default; numbers out of range
// are clamped.
func ParseSettings(data []byte, log zerolog.Logger) Settings {
	settings := DefaultSettings()

	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		log.Debug().Err(err).Msg("settings record malformed, using defaults")
		return settings
	}

	if n, ok := integral(fields["roundLen"]); ok {
		settings.RoundLength = n
	}
	if n, ok := integral(fields["rounds"]); ok {
		settings.Rounds = n
	}
	if v, ok := fields["volume"].(float64); ok {
		settings.Volume = v
	}
	if b, ok := fields["muted"].(bool); ok {
		settings.Muted = b
	}

	return settings.clamped()
}

func integral(v any) (int, bool) {
	f, ok := v.(float64)
	if !ok || f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, false
	}
	if f > math.MaxInt32 || f < math.MinInt32 {
		return 0, false
	}
	return int(f), true
}

// MemorySettingsStore keeps settings in memory only.
type MemorySettingsStore struct {
	settings Settings
	saves    int
}

func NewMemorySettingsStore(initial Settings) *MemorySettingsStore {
	return &MemorySettingsStore{settings: initial}
}

func (m *MemorySettingsStore) Load() Settings {
	return m.settings
}

func (m *MemorySettingsStore) Save(s Settings) {
	m.settings = s
	m.saves++
}

// Saves reports how many times Save was called.
func (m *MemorySettingsStore) Saves() int {
	return m.saves
}
