// Package affinity learns, per Talk and per intent, which tools the model
// actually uses, and prunes the offered tool set accordingly.
package affinity

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jokim1/clawtalk-gateway/internal/fsatomic"
	"github.com/jokim1/clawtalk-gateway/internal/ttlcache"
)

// Phase is the state of the learner for a (Talk, intent) pair.
type Phase string

const (
	PhaseWarmup      Phase = "warmup"
	PhaseLearned     Phase = "learned"
	PhaseExploration Phase = "exploration"
)

// Default tuning; all overridable via CLAWTALK_AFFINITY_* env configuration.
const (
	DefaultWarmupThreshold = 3
	DefaultSlidingWindow   = 50
	DefaultExplorationRate = 20
	DefaultMinThreshold    = 0.1

	snapshotCacheTTL = 60 * time.Second

	observationsFile = "observations.jsonl"
	snapshotFile     = "snapshot.json"
)

// coldStartIntents get an empty or baseline selection instead of warmup.
var coldStartIntents = map[string]bool{
	"study":          true,
	"state_tracking": true,
	"conversation":   true,
	"model_meta":     true,
}

// Observation is one recorded model invocation.
type Observation struct {
	Timestamp      int64    `json:"timestamp"`
	Intent         string   `json:"intent"`
	AvailableTools []string `json:"availableTools"`
	UsedTools      []string `json:"usedTools"`
	ToolsOffered   int      `json:"toolsOffered"`
	Model          string   `json:"model,omitempty"`
	Source         string   `json:"source,omitempty"`
}

// IntentStats summarizes the sliding window for one intent.
type IntentStats struct {
	TotalObservations int            `json:"totalObservations"`
	NoToolCount       int            `json:"noToolCount"`
	ToolCounts        map[string]int `json:"toolCounts"`
}

// Snapshot is the per-Talk aggregate, grouped by intent.
type Snapshot struct {
	TalkID   string                 `json:"talkId"`
	Computed int64                  `json:"computedAt"`
	ByIntent map[string]IntentStats `json:"byIntent"`
}

// Selection is the learner's answer for one request.
type Selection struct {
	Phase         Phase
	SelectedTools []string
	PrunedTools   []string
	Reason        string
}

// Params tunes the phase machine.
type Params struct {
	Enabled         bool
	WarmupThreshold int
	SlidingWindow   int
	ExplorationRate int
	MinThreshold    float64
}

// DefaultParams returns the documented defaults.
func DefaultParams() Params {
	return Params{
		Enabled:         true,
		WarmupThreshold: DefaultWarmupThreshold,
		SlidingWindow:   DefaultSlidingWindow,
		ExplorationRate: DefaultExplorationRate,
		MinThreshold:    DefaultMinThreshold,
	}
}

// AffinityDirFunc maps a Talk id to its affinity directory.
type AffinityDirFunc func(talkID string) string

// Store records observations and computes tool selections.
type Store struct {
	mu        sync.Mutex
	dirFor    AffinityDirFunc
	params    Params
	logger    zerolog.Logger
	now       func() time.Time
	roll      func() float64 // uniform [0,1) for exploration rolls
	snapshots *ttlcache.Cache[string, *Snapshot]
}

// Option configures the store.
type Option func(*Store)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithRoll overrides the exploration roll source (tests).
func WithRoll(roll func() float64) Option {
	return func(s *Store) { s.roll = roll }
}

// NewStore creates an affinity store writing under dirFor(talkID).
func NewStore(dirFor AffinityDirFunc, params Params, logger zerolog.Logger, opts ...Option) *Store {
	if params.WarmupThreshold <= 0 {
		params.WarmupThreshold = DefaultWarmupThreshold
	}
	if params.SlidingWindow <= 0 {
		params.SlidingWindow = DefaultSlidingWindow
	}
	if params.ExplorationRate <= 0 {
		params.ExplorationRate = DefaultExplorationRate
	}
	if params.MinThreshold <= 0 {
		params.MinThreshold = DefaultMinThreshold
	}
	s := &Store{
		dirFor:    dirFor,
		params:    params,
		logger:    logger.With().Str("component", "affinity").Logger(),
		now:       time.Now,
		roll:      rand.Float64,
		snapshots: ttlcache.New[string, *Snapshot](256, ttlcache.WithTTL[string, *Snapshot](snapshotCacheTTL)),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) observationsPath(talkID string) string {
	return filepath.Join(s.dirFor(talkID), observationsFile)
}

func (s *Store) snapshotPath(talkID string) string {
	return filepath.Join(s.dirFor(talkID), snapshotFile)
}

// Record appends one observation and invalidates the Talk's snapshot cache.
// Fire-and-forget: failures log a warning.
func (s *Store) Record(talkID string, obs Observation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if obs.Timestamp == 0 {
		obs.Timestamp = s.now().UnixMilli()
	}
	line, err := json.Marshal(obs)
	if err != nil {
		s.logger.Warn().Err(err).Str("talk_id", talkID).Msg("failed to marshal observation")
		return
	}
	if err := fsatomic.AppendLine(s.observationsPath(talkID), line); err != nil {
		s.logger.Warn().Err(err).Str("talk_id", talkID).Msg("failed to append observation")
		return
	}
	s.snapshots.Delete(talkID)
}

// SnapshotFor returns the cached or recomputed per-intent aggregate.
func (s *Store) SnapshotFor(talkID string) *Snapshot {
	if snap, ok := s.snapshots.Get(talkID); ok {
		return snap
	}
	return s.computeSnapshot(talkID)
}

func (s *Store) computeSnapshot(talkID string) *Snapshot {

	observations := readObservations(s.observationsPath(talkID), s.logger)
	byIntent := make(map[string][]Observation)
	for _, o := range observations {
		intent := o.Intent
		if intent == "" {
			intent = "other"
		}
		byIntent[intent] = append(byIntent[intent], o)
	}

	snap := &Snapshot{
		TalkID:   talkID,
		Computed: s.now().UnixMilli(),
		ByIntent: make(map[string]IntentStats, len(byIntent)),
	}
	for intent, obs := range byIntent {
		if len(obs) > s.params.SlidingWindow {
			obs = obs[len(obs)-s.params.SlidingWindow:]
		}
		stats := IntentStats{ToolCounts: make(map[string]int)}
		for _, o := range obs {
			stats.TotalObservations++
			if len(o.UsedTools) == 0 {
				stats.NoToolCount++
				continue
			}
			for _, t := range o.UsedTools {
				stats.ToolCounts[strings.ToLower(t)]++
			}
		}
		snap.ByIntent[intent] = stats
	}

	s.snapshots.Put(talkID, snap)
	s.persistSnapshot(talkID, snap)
	return snap
}

// persistSnapshot writes the debug-only snapshot.json. Best effort.
func (s *Store) persistSnapshot(talkID string, snap *Snapshot) {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return
	}
	if err := fsatomic.WriteFile(s.snapshotPath(talkID), data); err != nil {
		s.logger.Warn().Err(err).Str("talk_id", talkID).Msg("failed to persist snapshot")
	}
}

// SelectTools decides which of the policy-allowed tools to offer for one
// request. coldStartBaseline may be nil when no baseline applies.
func (s *Store) SelectTools(talkID, intent string, policyAllowed, coldStartBaseline []string) Selection {
	if !s.params.Enabled {
		return Selection{
			Phase:         PhaseWarmup,
			SelectedTools: policyAllowed,
			Reason:        "affinity disabled",
		}
	}

	stats := s.SnapshotFor(talkID).ByIntent[intent]
	total := stats.TotalObservations
	w := s.params.WarmupThreshold
	cold := coldStartIntents[intent]

	if total < w && !cold && len(coldStartBaseline) == 0 {
		return Selection{
			Phase:         PhaseWarmup,
			SelectedTools: policyAllowed,
			Reason:        "warming up",
		}
	}

	if s.roll() < 1.0/float64(s.params.ExplorationRate) {
		return Selection{
			Phase:         PhaseExploration,
			SelectedTools: policyAllowed,
			Reason:        "exploration roll",
		}
	}

	// Learned. The cold-start baseline wins until the warmup threshold is
	// crossed, so a single tool-less observation cannot collapse the set.
	switch {
	case total >= w:
		selected := make([]string, 0, len(policyAllowed))
		for _, t := range policyAllowed {
			if float64(stats.ToolCounts[strings.ToLower(t)])/float64(total) >= s.params.MinThreshold {
				selected = append(selected, t)
			}
		}
		return learnedSelection(policyAllowed, selected, "learned from observations")
	case len(coldStartBaseline) > 0:
		baseline := make(map[string]bool, len(coldStartBaseline))
		for _, t := range coldStartBaseline {
			baseline[strings.ToLower(t)] = true
		}
		selected := make([]string, 0, len(coldStartBaseline))
		for _, t := range policyAllowed {
			if baseline[strings.ToLower(t)] {
				selected = append(selected, t)
			}
		}
		reason := fmt.Sprintf("cold-start baseline=%d", len(selected))
		return learnedSelection(policyAllowed, selected, reason)
	case total > 0:
		selected := make([]string, 0, len(policyAllowed))
		for _, t := range policyAllowed {
			if float64(stats.ToolCounts[strings.ToLower(t)])/float64(total) >= s.params.MinThreshold {
				selected = append(selected, t)
			}
		}
		return learnedSelection(policyAllowed, selected, "learned from observations")
	case cold:
		return learnedSelection(policyAllowed, nil, "cold-start intent with no data")
	default:
		return Selection{
			Phase:         PhaseWarmup,
			SelectedTools: policyAllowed,
			Reason:        "no data",
		}
	}
}

func learnedSelection(allowed, selected []string, reason string) Selection {
	chosen := make(map[string]bool, len(selected))
	for _, t := range selected {
		chosen[strings.ToLower(t)] = true
	}
	pruned := make([]string, 0, len(allowed))
	for _, t := range allowed {
		if !chosen[strings.ToLower(t)] {
			pruned = append(pruned, t)
		}
	}
	sort.Strings(pruned)
	return Selection{
		Phase:         PhaseLearned,
		SelectedTools: selected,
		PrunedTools:   pruned,
		Reason:        reason,
	}
}

// ComputeColdStartBaseline seeds a tool set for intents with no data yet.
// Streaming state backends start with the state_* tools; workspace-file
// backends start empty.
func ComputeColdStartBaseline(stateBackend string, policyAllowed []string) []string {
	switch stateBackend {
	case "", "stream_store":
		var out []string
		for _, t := range policyAllowed {
			if strings.HasPrefix(strings.ToLower(t), "state_") {
				out = append(out, t)
			}
		}
		return out
	default:
		return nil
	}
}

// ComputeTimeout derives the request timeout from the phase and tool count.
// Learned requests scale with the number of offered tools, clamped between
// minTimeout and baseTimeout. Warmup and exploration always get the base.
func ComputeTimeout(phase Phase, toolCount int, baseTimeout, minTimeout time.Duration) time.Duration {
	if phase != PhaseLearned {
		return baseTimeout
	}
	scaled := 60*time.Second + 20*time.Second*time.Duration(toolCount)
	if scaled < minTimeout {
		scaled = minTimeout
	}
	if scaled > baseTimeout {
		scaled = baseTimeout
	}
	return scaled
}

