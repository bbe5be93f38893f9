package ledger

import (
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/defpool/defpool-server/internal/util"
)

// Config holds the ledger's windows.
type Config struct {
	HashrateWindow time.Duration
	ActiveWindow   time.Duration
	Shards         int
}

func DefaultConfig() Config {
	return Config{
		HashrateWindow: 10 * time.Minute,
		ActiveWindow:   time.Hour,
		Shards:         64,
	}
}

type workerRecord struct {
	name      string
	total     uint64
	valid     uint64
	invalid   uint64
	createdAt time.Time
	lastSeen  time.Time
	work      *window
}

type minerRecord struct {
	mu        sync.Mutex
	wallet    string
	total     uint64
	valid     uint64
	invalid   uint64
	createdAt time.Time
	lastSeen  time.Time
	work      *window
	workers   map[string]*workerRecord
}

type shard struct {
	mu     sync.RWMutex
	miners map[string]*minerRecord
}

// Ledger accepts shares from many goroutines. A shard lock covers only the
// map lookup; counters are guarded by the owning miner's mutex.
type Ledger struct {
	cfg     Config
	current CurrentTarget
	shards  []*shard
	now     func() time.Time

	totalShares   atomic.Uint64
	validShares   atomic.Uint64
	invalidShares atomic.Uint64

	hookMu sync.RWMutex
	hooks  []func(ShareEvent)
}

// New creates an empty ledger that classifies shares against current.
func New(cfg Config, current CurrentTarget) *Ledger {
	def := DefaultConfig()
	if cfg.HashrateWindow <= 0 {
		cfg.HashrateWindow = def.HashrateWindow
	}
	if cfg.ActiveWindow <= 0 {
		cfg.ActiveWindow = def.ActiveWindow
	}
	if cfg.Shards <= 0 {
		cfg.Shards = def.Shards
	}
	l := &Ledger{
		cfg:     cfg,
		current: current,
		shards:  make([]*shard, cfg.Shards),
		now:     time.Now,
	}
	for i := range l.shards {
		l.shards[i] = &shard{miners: make(map[string]*minerRecord)}
	}
	return l
}

// OnShare registers fn to run after every recorded share.
func (l *Ledger) OnShare(fn func(ShareEvent)) {
	l.hookMu.Lock()
	l.hooks = append(l.hooks, fn)
	l.hookMu.Unlock()
}

func (l *Ledger) shardFor(wallet string) *shard {
	h := fnv.New32a()
	h.Write([]byte(wallet))
	return l.shards[h.Sum32()%uint32(len(l.shards))]
}

func (l *Ledger) lookup(wallet string) *minerRecord {
	s := l.shardFor(wallet)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.miners[wallet]
}

func (l *Ledger) getOrCreate(wallet string, now time.Time) (*minerRecord, bool) {
	if m := l.lookup(wallet); m != nil {
		return m, false
	}
	s := l.shardFor(wallet)
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.miners[wallet]; ok {
		return m, false
	}
	m := &minerRecord{
		wallet:    wallet,
		createdAt: now,
		work:      newWindow(l.cfg.HashrateWindow),
		workers:   make(map[string]*workerRecord),
	}
	s.miners[wallet] = m
	return m, true
}

// Submit classifies and records one share. Malformed difficulties are
// recorded as invalid and reported as a ValidationError; a missing wallet
// records nothing.
func (l *Ledger) Submit(sub ShareSubmission) (ShareEvent, error) {
	sub.WalletAddress = strings.TrimSpace(sub.WalletAddress)
	sub.WorkerName = util.NormalizeWorker(sub.WorkerName)
	if !util.ValidateWallet(sub.WalletAddress) {
		return ShareEvent{}, &ValidationError{Field: "wallet_address", Reason: "missing or malformed"}
	}

	var verr error
	reason := l.classify(sub)
	if reason == RejectMalformed {
		verr = &ValidationError{Field: "difficulty", Reason: "must be a finite non-negative number"}
	}

	now := l.now()
	ev := ShareEvent{
		Submission: sub,
		Valid:      reason == RejectNone,
		Reason:     reason,
		At:         now,
	}

	m, created := l.getOrCreate(sub.WalletAddress, now)
	ev.NewMiner = created

	m.mu.Lock()
	m.total++
	if ev.Valid {
		m.valid++
		m.work.add(now, sub.Difficulty)
	} else {
		m.invalid++
	}
	m.lastSeen = now

	if sub.WorkerName != "" {
		w, ok := m.workers[sub.WorkerName]
		if !ok {
			w = &workerRecord{
				name:      sub.WorkerName,
				createdAt: now,
				work:      newWindow(l.cfg.HashrateWindow),
			}
			m.workers[sub.WorkerName] = w
			ev.NewWorker = true
		}
		w.total++
		if ev.Valid {
			w.valid++
			w.work.add(now, sub.Difficulty)
		} else {
			w.invalid++
		}
		w.lastSeen = now
	}
	m.mu.Unlock()

	l.totalShares.Inc()
	if ev.Valid {
		l.validShares.Inc()
	} else {
		l.invalidShares.Inc()
	}

	l.hookMu.RLock()
	hooks := l.hooks
	l.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(ev)
	}

	return ev, verr
}

func (l *Ledger) classify(sub ShareSubmission) RejectReason {
	d := sub.Difficulty
	if math.IsNaN(d) || math.IsInf(d, 0) || d < 0 {
		return RejectMalformed
	}
	cur, ok := l.current.CurrentTarget()
	switch {
	case !ok:
		return RejectNoActiveTarget
	case sub.TargetName != cur.Name:
		return RejectTargetMismatch
	case d < cur.MinShareDifficulty:
		return RejectLowDifficulty
	case !sub.Valid:
		return RejectUpstream
	}
	return RejectNone
}

// MinerStats returns the counters for wallet.
func (l *Ledger) MinerStats(wallet string) (MinerStats, error) {
	m := l.lookup(wallet)
	if m == nil {
		return MinerStats{}, ErrMinerNotFound
	}
	now := l.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statsLocked(now), nil
}

func (m *minerRecord) statsLocked(now time.Time) MinerStats {
	return MinerStats{
		WalletAddress: m.wallet,
		TotalShares:   m.total,
		ValidShares:   m.valid,
		InvalidShares: m.invalid,
		Hashrate:      m.work.hashrate(now),
		WorkersCount:  len(m.workers),
		CreatedAt:     m.createdAt,
		LastSeen:      m.lastSeen,
	}
}

// Workers lists a wallet's workers, most recently seen first. A known
// wallet without workers yields an empty, non-nil slice.
func (l *Ledger) Workers(wallet string) ([]Worker, error) {
	m := l.lookup(wallet)
	if m == nil {
		return nil, ErrMinerNotFound
	}
	now := l.now()

	m.mu.Lock()
	out := make([]Worker, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, Worker{
			WalletAddress: m.wallet,
			WorkerName:    w.name,
			Hashrate:      w.work.hashrate(now),
			TotalShares:   w.total,
			ValidShares:   w.valid,
			InvalidShares: w.invalid,
			CreatedAt:     w.createdAt,
			LastSeen:      w.lastSeen,
		})
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].WorkerName < out[j].WorkerName
	})
	return out, nil
}

// Summary walks every shard. It is O(miners) and meant for periodic
// reporting, not the share path.
func (l *Ledger) Summary() PoolSummary {
	now := l.now()
	cutoff := now.Add(-l.cfg.ActiveWindow)
	sum := PoolSummary{
		TotalShares:   l.totalShares.Load(),
		ValidShares:   l.validShares.Load(),
		InvalidShares: l.invalidShares.Load(),
	}

	for _, s := range l.shards {
		s.mu.RLock()
		miners := make([]*minerRecord, 0, len(s.miners))
		for _, m := range s.miners {
			miners = append(miners, m)
		}
		s.mu.RUnlock()

		for _, m := range miners {
			m.mu.Lock()
			sum.TotalMiners++
			if m.lastSeen.After(cutoff) {
				sum.ActiveMiners++
			}
			sum.TotalWorkers += len(m.workers)
			for _, w := range m.workers {
				if w.lastSeen.After(cutoff) {
					sum.ActiveWorkers++
				}
			}
			sum.PoolHashrate += m.work.hashrate(now)
			m.mu.Unlock()
		}
	}
	return sum
}

// Restore seeds counters for a miner that is not yet known, e.g. from
// persisted state at startup. Hashrate windows start empty. Returns false
// if the wallet already exists.
func (l *Ledger) Restore(stats MinerStats, workers []Worker) bool {
	if !util.ValidateWallet(stats.WalletAddress) {
		return false
	}
	m, created := l.getOrCreate(stats.WalletAddress, stats.CreatedAt)
	if !created {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.valid, m.invalid = stats.ValidShares, stats.InvalidShares
	m.total = m.valid + m.invalid
	m.lastSeen = stats.LastSeen
	for _, w := range workers {
		name := util.NormalizeWorker(w.WorkerName)
		if name == "" {
			continue
		}
		if _, dup := m.workers[name]; dup {
			continue
		}
		rec := &workerRecord{
			name:      name,
			valid:     w.ValidShares,
			invalid:   w.InvalidShares,
			createdAt: w.CreatedAt,
			lastSeen:  w.LastSeen,
			work:      newWindow(l.cfg.HashrateWindow),
		}
		rec.total = rec.valid + rec.invalid
		if rec.total > m.total {
			continue
		}
		m.workers[name] = rec
	}

	l.totalShares.Add(m.total)
	l.validShares.Add(m.valid)
	l.invalidShares.Add(m.invalid)
	return true
}
