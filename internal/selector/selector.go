// Package selector decides which target the pool mines, with hysteresis
// and a minimum dwell time between switches.
package selector

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/defpool/defpool-server/internal/profitability"
	"github.com/defpool/defpool-server/internal/registry"
	"github.com/defpool/defpool-server/internal/switchlog"
	"github.com/defpool/defpool-server/internal/util"
)

// NoTarget is reported as the current target name before the first
// successful selection.
const NoTarget = "none"

// Config holds the switching policy.
type Config struct {
	// SwitchThreshold is the fractional score margin a challenger needs.
	SwitchThreshold float64
	MinDwell        time.Duration
}

func DefaultConfig() Config {
	return Config{SwitchThreshold: 0.02, MinDwell: 60 * time.Second}
}

// CurrentTargetState is the published selection. A new value is stored on
// every change; existing values are never modified.
type CurrentTargetState struct {
	Target     registry.MiningTarget `json:"target"`
	Generation uint64                `json:"generation"`
	SwitchedAt time.Time             `json:"switched_at"`
}

// Decision describes what one evaluation did.
type Decision int

const (
	Kept Decision = iota
	Initialized
	Switched
	Deferred
	Reset
	NoCandidates
	Refreshed
)

func (d Decision) String() string {
	switch d {
	case Kept:
		return "kept"
	case Initialized:
		return "initialized"
	case Switched:
		return "switched"
	case Deferred:
		return "deferred"
	case Reset:
		return "reset"
	case NoCandidates:
		return "no_candidates"
	case Refreshed:
		return "refreshed"
	}
	return fmt.Sprintf("decision(%d)", int(d))
}

// Change is delivered to listeners after the state has been published.
// From is nil for the initial selection; To is nil after a reset. Entry is
// nil when no switch log entry was written, e.g. when a reload changed the
// current target's settings but not its name.
type Change struct {
	From  *CurrentTargetState
	To    *CurrentTargetState
	Entry *switchlog.Entry
}

// Selector is the only writer of the current target.
type Selector struct {
	cfg      Config
	registry *registry.Registry
	history  *switchlog.Log
	clock    Clock
	log      *zap.SugaredLogger

	mu       sync.Mutex
	latest   *profitability.Snapshot
	timer    Timer
	timerSeq uint64
	stopped  bool

	// survives resets so generations never repeat
	generation uint64

	// registry version the current target was last copied from
	seenVersion uint64

	current atomic.Pointer[CurrentTargetState]

	notifyMu  sync.Mutex
	listeners []func(Change)
}

// New creates a selector in the Uninitialized state.
func New(cfg Config, reg *registry.Registry, history *switchlog.Log) *Selector {
	if cfg.SwitchThreshold < 0 {
		cfg.SwitchThreshold = 0
	}
	if cfg.MinDwell < 0 {
		cfg.MinDwell = 0
	}
	return &Selector{
		cfg:      cfg,
		registry: reg,
		history:  history,
		clock:    realClock{},
		log:      util.Named("selector"),
	}
}

// WithClock replaces the time source. Call before the first Evaluate.
func (s *Selector) WithClock(c Clock) *Selector {
	s.clock = c
	return s
}

// SeedGeneration continues numbering after gen, e.g. from persisted state.
// It never lowers the counter.
func (s *Selector) SeedGeneration(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen > s.generation {
		s.generation = gen
	}
}

// OnChange registers a listener for selection changes.
func (s *Selector) OnChange(fn func(Change)) {
	s.notifyMu.Lock()
	s.listeners = append(s.listeners, fn)
	s.notifyMu.Unlock()
}

// Current returns the published state, nil while Uninitialized.
func (s *Selector) Current() *CurrentTargetState {
	return s.current.Load()
}

// CurrentName returns the current target name or NoTarget.
func (s *Selector) CurrentName() string {
	if cur := s.current.Load(); cur != nil {
		return cur.Target.Name
	}
	return NoTarget
}

// CurrentTarget returns a copy of the current target.
func (s *Selector) CurrentTarget() (registry.MiningTarget, bool) {
	cur := s.current.Load()
	if cur == nil {
		return registry.MiningTarget{}, false
	}
	return cur.Target, true
}

// Evaluate applies a new snapshot. It is safe to call concurrently with
// readers and with the dwell timer.
func (s *Selector) Evaluate(snap *profitability.Snapshot) Decision {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return Kept
	}
	s.latest = snap
	d, change := s.evaluateLocked()
	s.notifyMu.Lock()
	s.mu.Unlock()

	s.notify(change)
	return d
}

// Recheck evaluates the latest snapshot again, e.g. after the registry has
// been replaced.
func (s *Selector) Recheck() Decision {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return Kept
	}
	d, change := s.evaluateLocked()
	s.notifyMu.Lock()
	s.mu.Unlock()

	s.notify(change)
	return d
}

func (s *Selector) dwellExpired(seq uint64) {
	s.mu.Lock()
	if s.stopped || s.timer == nil || seq != s.timerSeq {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	_, change := s.evaluateLocked()
	s.notifyMu.Lock()
	s.mu.Unlock()

	s.notify(change)
}

// Stop cancels any pending deferred evaluation.
func (s *Selector) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.cancelTimerLocked()
}

// notify must be entered with notifyMu held; it releases it.
func (s *Selector) notify(change *Change) {
	defer s.notifyMu.Unlock()
	if change == nil {
		return
	}
	for _, fn := range s.listeners {
		fn(*change)
	}
}

func (s *Selector) evaluateLocked() (Decision, *Change) {
	snap := s.latest
	if snap == nil {
		return Kept, nil
	}
	now := s.clock.Now()
	cur := s.current.Load()
	best, bestScore, ok := s.bestCandidate(snap)

	if cur == nil {
		if !ok {
			return NoCandidates, nil
		}
		s.generation++
		next := &CurrentTargetState{Target: best, Generation: s.generation, SwitchedAt: now}
		s.current.Store(next)
		s.log.Infof("Selected initial target %s (score %s)", best.Name, util.FormatScore(bestScore))
		return Initialized, &Change{To: next}
	}

	if !s.registry.Contains(cur.Target.Name) {
		s.cancelTimerLocked()
		if !ok {
			s.current.Store(nil)
			s.log.Warnf("Target %s removed from registry and no candidates remain", cur.Target.Name)
			return Reset, &Change{From: cur}
		}
		reason := fmt.Sprintf("target %s removed from registry", cur.Target.Name)
		return Switched, s.switchLocked(cur, best, now, reason, true)
	}

	refreshed := s.refreshLocked(cur)
	if refreshed != nil {
		cur = refreshed.To
	}
	d, change := s.challengeLocked(snap, cur, best, bestScore, ok, now)
	if change == nil && refreshed != nil {
		if d == Kept {
			d = Refreshed
		}
		change = refreshed
	}
	return d, change
}

// refreshLocked republishes the current target when a registry replacement
// changed its settings. Generation and SwitchedAt carry over.
func (s *Selector) refreshLocked(cur *CurrentTargetState) *Change {
	version := s.registry.Version()
	if version == s.seenVersion {
		return nil
	}
	s.seenVersion = version

	target, err := s.registry.Get(cur.Target.Name)
	if err != nil || target == cur.Target {
		return nil
	}
	next := &CurrentTargetState{
		Target:     target,
		Generation: cur.Generation,
		SwitchedAt: cur.SwitchedAt,
	}
	s.current.Store(next)
	s.log.Infof("Target %s settings updated from registry version %d", target.Name, version)
	return &Change{From: cur, To: next}
}

// challengeLocked decides whether best should replace cur.
func (s *Selector) challengeLocked(snap *profitability.Snapshot, cur *CurrentTargetState, best registry.MiningTarget, bestScore float64, ok bool, now time.Time) (Decision, *Change) {
	if !ok || best.Name == cur.Target.Name {
		s.cancelTimerLocked()
		return Kept, nil
	}

	curScore := 0.0
	if sc, found := snap.Lookup(cur.Target.Name); found {
		curScore = sc.Score
	}
	if !(bestScore > curScore*(1+s.cfg.SwitchThreshold)) {
		s.cancelTimerLocked()
		return Kept, nil
	}

	if elapsed := now.Sub(cur.SwitchedAt); elapsed < s.cfg.MinDwell {
		if s.timer == nil {
			s.timerSeq++
			seq := s.timerSeq
			s.timer = s.clock.AfterFunc(s.cfg.MinDwell-elapsed, func() { s.dwellExpired(seq) })
			s.log.Debugf("Switch %s -> %s deferred for %v", cur.Target.Name, best.Name, s.cfg.MinDwell-elapsed)
		}
		return Deferred, nil
	}

	s.cancelTimerLocked()
	return Switched, s.switchLocked(cur, best, now, profitReason(curScore, bestScore), false)
}

// switchLocked appends the log entry before publishing the new state so a
// reader that sees the new generation also finds its entry.
func (s *Selector) switchLocked(cur *CurrentTargetState, best registry.MiningTarget, now time.Time, reason string, forced bool) *Change {
	s.generation++
	next := &CurrentTargetState{
		Target:     best,
		Generation: s.generation,
		SwitchedAt: now,
	}
	entry := switchlog.Entry{
		Time:       now,
		From:       cur.Target.Name,
		To:         best.Name,
		Reason:     reason,
		Generation: next.Generation,
		Forced:     forced,
	}
	s.history.Append(entry)
	s.current.Store(next)

	s.log.Infof("Switched target %s -> %s (%s, generation %d)", entry.From, entry.To, reason, next.Generation)
	return &Change{From: cur, To: next, Entry: &entry}
}

// bestCandidate picks the highest score among registered, scored targets;
// ties go to the lexically smallest name.
func (s *Selector) bestCandidate(snap *profitability.Snapshot) (registry.MiningTarget, float64, bool) {
	var (
		bestName  string
		bestScore float64
		found     bool
	)
	for _, sc := range snap.Scores {
		if !sc.Scored || !s.registry.Contains(sc.TargetName) {
			continue
		}
		if !found || sc.Score > bestScore || (sc.Score == bestScore && sc.TargetName < bestName) {
			bestName, bestScore, found = sc.TargetName, sc.Score, true
		}
	}
	if !found {
		return registry.MiningTarget{}, 0, false
	}
	target, err := s.registry.Get(bestName)
	if err != nil {
		return registry.MiningTarget{}, 0, false
	}
	return target, bestScore, true
}

func (s *Selector) cancelTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// profitReason formats the gain as "+6.3% profit", rounding half away from
// zero so 6.25 reads as 6.3.
func profitReason(cur, best float64) string {
	if cur <= 0 {
		return "previous target unscored"
	}
	pct := (best - cur) / cur * 100
	pct = math.Round(pct*10+1e-9) / 10
	return fmt.Sprintf("+%.1f%% profit", pct)
}
