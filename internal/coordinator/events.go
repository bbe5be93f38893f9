package coordinator

import (
	"time"

	"github.com/defpool/defpool-server/internal/ledger"
	"github.com/defpool/defpool-server/internal/profitability"
	"github.com/defpool/defpool-server/internal/selector"
	"github.com/defpool/defpool-server/internal/storage"
	"github.com/defpool/defpool-server/internal/switchlog"
	"github.com/defpool/defpool-server/internal/util"
)

func (c *Coordinator) handleSnapshot(snap *profitability.Snapshot) {
	c.selector.Evaluate(snap)
	c.metrics.ObserveSnapshot(snap)

	records := make([]storage.ScoreRecord, 0, len(snap.Scores))
	for _, s := range snap.Scores {
		if s.Scored {
			c.agent.UpdateScore(s.TargetName, s.Score)
		}
		records = append(records, storage.ScoreRecord{
			Target:        s.TargetName,
			Score:         s.Score,
			ChangePercent: s.ChangePercent,
			Stale:         s.Stale,
			UpdatedAt:     s.UpdatedAt.UnixMilli(),
		})
	}

	// a dead coordinator's scores expire after a few missed ticks
	ttl := 3 * c.config().Scoring.Interval
	c.enqueue(func(r *storage.RedisClient) error {
		return r.WriteScores(records, ttl)
	})
}

func (c *Coordinator) handleFeedError(fe *profitability.FeedError) {
	c.metrics.RecordFeedFailure(fe.Target)
	c.agent.RecordFeedFailure(fe.Target, fe.Err)
}

func (c *Coordinator) handleChange(ch selector.Change) {
	var cur *storage.CurrentTarget
	if ch.To != nil {
		cur = &storage.CurrentTarget{
			Name:       ch.To.Target.Name,
			Generation: ch.To.Generation,
			SwitchedAt: ch.To.SwitchedAt.UnixMilli(),
		}
		c.metrics.SetGeneration(ch.To.Generation)
	}
	c.enqueue(func(r *storage.RedisClient) error {
		return r.SetCurrentTarget(cur)
	})

	if ch.Entry == nil {
		return
	}
	entry := *ch.Entry

	c.metrics.RecordSwitch(entry)
	c.agent.RecordTargetSwitch(entry)
	if c.notifier != nil {
		c.notifier.NotifyTargetSwitch(entry)
	}

	capacity := int64(c.history.Cap())
	rec := &storage.SwitchRecord{
		Time:       entry.Time.UnixMilli(),
		From:       entry.From,
		To:         entry.To,
		Reason:     entry.Reason,
		Generation: entry.Generation,
		Forced:     entry.Forced,
	}
	c.enqueue(func(r *storage.RedisClient) error {
		return r.WriteSwitch(rec, capacity)
	})
}

func (c *Coordinator) handleShare(ev ledger.ShareEvent) {
	sub := ev.Submission

	c.metrics.RecordShare(ev)
	c.agent.RecordShareSubmission(sub.WalletAddress, sub.WorkerName, sub.TargetName, sub.Difficulty, ev.Valid, string(ev.Reason))

	if ev.NewMiner {
		util.Infof("New miner %s", util.TruncateAddress(sub.WalletAddress))
	}

	rec := &storage.ShareRecord{
		Wallet:     sub.WalletAddress,
		Worker:     util.NormalizeWorker(sub.WorkerName),
		Target:     sub.TargetName,
		Difficulty: sub.Difficulty,
		Valid:      ev.Valid,
		Reason:     string(ev.Reason),
		Timestamp:  ev.At.UnixMilli(),
	}
	c.enqueue(func(r *storage.RedisClient) error {
		return r.WriteShare(rec)
	})
}

// enqueue hands a write to the persist loop without blocking the caller.
func (c *Coordinator) enqueue(op func(*storage.RedisClient) error) {
	if c.redis == nil {
		return
	}
	select {
	case c.persistChan <- op:
	default:
		if c.dropped.Inc()%1000 == 1 {
			util.Warnf("Persist backlog full, %d writes dropped so far", c.dropped.Load())
		}
	}
}

// persistLoop applies queued writes in order
func (c *Coordinator) persistLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case op := <-c.persistChan:
			if err := op(c.redis); err != nil {
				util.Warnf("Redis write failed: %v", err)
			}
		}
	}
}

func (c *Coordinator) drainPersist() {
	if c.redis == nil {
		return
	}
	for {
		select {
		case op := <-c.persistChan:
			if err := op(c.redis); err != nil {
				util.Warnf("Redis write failed: %v", err)
			}
		default:
			return
		}
	}
}

// restore seeds the ledger, the switch log and the generation counter
// from Redis. The current target itself is not restored; the first tick
// selects afresh.
func (c *Coordinator) restore() error {
	miners, err := c.redis.LoadMiners()
	if err != nil {
		return err
	}
	restored := 0
	for _, m := range miners {
		stats := ledger.MinerStats{
			WalletAddress: m.Wallet,
			TotalShares:   m.TotalShares,
			ValidShares:   m.ValidShares,
			InvalidShares: m.InvalidShares,
			CreatedAt:     time.UnixMilli(m.CreatedAt),
			LastSeen:      time.UnixMilli(m.LastSeen),
		}
		workers := make([]ledger.Worker, 0, len(m.Workers))
		for _, w := range m.Workers {
			workers = append(workers, ledger.Worker{
				WalletAddress: m.Wallet,
				WorkerName:    w.Name,
				TotalShares:   w.TotalShares,
				ValidShares:   w.ValidShares,
				InvalidShares: w.InvalidShares,
				CreatedAt:     time.UnixMilli(w.CreatedAt),
				LastSeen:      time.UnixMilli(w.LastSeen),
			})
		}
		if c.ledger.Restore(stats, workers) {
			restored++
		}
	}

	records, err := c.redis.GetSwitches(int64(c.history.Cap()))
	if err != nil {
		return err
	}
	var lastGen uint64
	entries := make([]switchlog.Entry, len(records))
	for i, rec := range records {
		// stored newest first
		entries[len(records)-1-i] = switchlog.Entry{
			Time:       time.UnixMilli(rec.Time),
			From:       rec.From,
			To:         rec.To,
			Reason:     rec.Reason,
			Generation: rec.Generation,
			Forced:     rec.Forced,
		}
		if rec.Generation > lastGen {
			lastGen = rec.Generation
		}
	}
	c.history.Restore(entries)

	cur, err := c.redis.GetCurrentTarget()
	if err != nil {
		return err
	}
	if cur != nil && cur.Generation > lastGen {
		lastGen = cur.Generation
	}
	c.selector.SeedGeneration(lastGen)

	util.Infof("Restored %d miners and %d switches (generation %d)", restored, len(entries), lastGen)
	return nil
}
