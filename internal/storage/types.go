package storage

// ShareRecord is one recorded share as persisted.
type ShareRecord struct {
	Wallet     string
	Worker     string
	Target     string
	Difficulty float64
	Valid      bool
	Reason     string
	Timestamp  int64 // unix ms
}

// Miner holds persisted counters for a wallet. Times are unix ms.
type Miner struct {
	Wallet        string
	TotalShares   uint64
	ValidShares   uint64
	InvalidShares uint64
	CreatedAt     int64
	LastSeen      int64
	Workers       []*Worker
}

// Worker holds persisted counters for one worker of a wallet.
type Worker struct {
	Name          string
	TotalShares   uint64
	ValidShares   uint64
	InvalidShares uint64
	CreatedAt     int64
	LastSeen      int64
}

// SwitchRecord is a switch log entry as stored in Redis.
type SwitchRecord struct {
	Time       int64  `json:"time"`
	From       string `json:"from"`
	To         string `json:"to"`
	Reason     string `json:"reason"`
	Generation uint64 `json:"generation"`
	Forced     bool   `json:"forced,omitempty"`
}

// CurrentTarget mirrors the selector state for external readers.
type CurrentTarget struct {
	Name       string
	Generation uint64
	SwitchedAt int64
}

// ScoreRecord is the last published score of one target.
type ScoreRecord struct {
	Target        string  `json:"target"`
	Score         float64 `json:"score"`
	ChangePercent float64 `json:"change_percent"`
	Stale         bool    `json:"stale"`
	UpdatedAt     int64   `json:"updated_at"`
}
