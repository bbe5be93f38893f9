// Package ledger counts shares per miner and worker and estimates their
// hashrate from accepted work.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/defpool/defpool-server/internal/registry"
)

// ErrMinerNotFound is returned for wallets that never submitted a share.
var ErrMinerNotFound = errors.New("miner not found")

// ValidationError rejects a malformed submission.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ShareSubmission is what a proxy reports for one share. Valid is the
// submitter's claim; the ledger classifies independently.
type ShareSubmission struct {
	WalletAddress string  `json:"wallet_address"`
	WorkerName    string  `json:"worker_name"`
	TargetName    string  `json:"target_name"`
	Difficulty    float64 `json:"difficulty"`
	Valid         bool    `json:"valid"`
}

// RejectReason explains why a share counted as invalid.
type RejectReason string

const (
	RejectNone           RejectReason = ""
	RejectTargetMismatch RejectReason = "target_mismatch"
	RejectLowDifficulty  RejectReason = "low_difficulty"
	RejectUpstream       RejectReason = "rejected_upstream"
	RejectNoActiveTarget RejectReason = "no_active_target"
	RejectMalformed      RejectReason = "malformed"
)

// ShareEvent describes one recorded share.
type ShareEvent struct {
	Submission ShareSubmission
	Valid      bool
	Reason     RejectReason
	At         time.Time
	NewMiner   bool
	NewWorker  bool
}

// MinerStats is the per-wallet projection.
type MinerStats struct {
	WalletAddress string    `json:"wallet_address"`
	TotalShares   uint64    `json:"total_shares"`
	ValidShares   uint64    `json:"valid_shares"`
	InvalidShares uint64    `json:"invalid_shares"`
	Hashrate      float64   `json:"hashrate"`
	WorkersCount  int       `json:"workers_count"`
	CreatedAt     time.Time `json:"created_at"`
	LastSeen      time.Time `json:"last_seen"`
}

// Worker is the per-(wallet, worker name) projection.
type Worker struct {
	WalletAddress string    `json:"wallet_address"`
	WorkerName    string    `json:"worker_name"`
	Hashrate      float64   `json:"hashrate"`
	TotalShares   uint64    `json:"total_shares"`
	ValidShares   uint64    `json:"valid_shares"`
	InvalidShares uint64    `json:"invalid_shares"`
	CreatedAt     time.Time `json:"created_at"`
	LastSeen      time.Time `json:"last_seen"`
}

// PoolSummary aggregates every miner. Active means seen within the
// configured active window.
type PoolSummary struct {
	TotalMiners   int     `json:"total_miners"`
	ActiveMiners  int     `json:"active_miners"`
	TotalWorkers  int     `json:"total_workers"`
	ActiveWorkers int     `json:"active_workers"`
	TotalShares   uint64  `json:"total_shares"`
	ValidShares   uint64  `json:"valid_shares"`
	InvalidShares uint64  `json:"invalid_shares"`
	PoolHashrate  float64 `json:"pool_hashrate"`
}

// CurrentTarget is the view of the selector the ledger needs.
type CurrentTarget interface {
	CurrentTarget() (registry.MiningTarget, bool)
}
