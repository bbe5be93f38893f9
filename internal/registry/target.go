// Package registry holds the set of mining targets the coordinator may
// direct hashpower to.
package registry

import (
	"fmt"
	"strings"
)

// Algorithm identifies the proof-of-work family of a target. The set is
// closed; scoring has one curve per value.
type Algorithm string

const (
	RandomX    Algorithm = "randomx"
	Scrypt     Algorithm = "scrypt"
	KHeavyHash Algorithm = "kheavyhash"
	KawPow     Algorithm = "kawpow"
)

// Algorithms lists every supported algorithm.
var Algorithms = []Algorithm{RandomX, Scrypt, KHeavyHash, KawPow}

// ParseAlgorithm maps a configured name onto an Algorithm.
func ParseAlgorithm(s string) (Algorithm, error) {
	a := Algorithm(strings.ToLower(strings.TrimSpace(s)))
	if !a.Valid() {
		return "", fmt.Errorf("unknown algorithm %q", s)
	}
	return a, nil
}

func (a Algorithm) Valid() bool {
	for _, known := range Algorithms {
		if a == known {
			return true
		}
	}
	return false
}

// FeedSettings tells the feed collaborators where a target's signals come
// from. Static values, when non-zero, override the fetched ones.
type FeedSettings struct {
	PriceID          string  `json:"price_id,omitempty"`
	DaemonURL        string  `json:"daemon_url,omitempty"`
	DifficultyMethod string  `json:"difficulty_method,omitempty"`
	BlockReward      float64 `json:"block_reward,omitempty"`
	Fee              float64 `json:"fee"`
	Luck             float64 `json:"luck,omitempty"`
	StaticPrice      float64 `json:"static_price,omitempty"`
	StaticDifficulty float64 `json:"static_difficulty,omitempty"`
}

// MiningTarget is a pool + coin combination hashpower can be pointed at.
// Name is the stable key. Values are copied, never mutated in place.
// Address and Pubkey are the payout destination; PoolEndpoint is where
// miners connect.
type MiningTarget struct {
	Name               string       `json:"name"`
	Coin               string       `json:"coin"`
	Algorithm          Algorithm    `json:"algorithm"`
	Protocol           string       `json:"protocol"`
	PoolEndpoint       string       `json:"pool_endpoint"`
	Address            string       `json:"address"`
	Pubkey             string       `json:"pubkey,omitempty"`
	MinShareDifficulty float64      `json:"min_share_difficulty"`
	Feed               FeedSettings `json:"-"`
}

// ConfigError reports an invalid target definition.
type ConfigError struct {
	Target string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Target == "" {
		return "invalid target configuration: " + e.Reason
	}
	return fmt.Sprintf("invalid target %q: %s", e.Target, e.Reason)
}

// Validate checks a single target in isolation.
func (t MiningTarget) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return &ConfigError{Reason: "name is required"}
	}
	if t.Name != strings.TrimSpace(t.Name) {
		return &ConfigError{Target: t.Name, Reason: "name has surrounding whitespace"}
	}
	if t.Name == "none" {
		return &ConfigError{Target: t.Name, Reason: "name is reserved"}
	}
	if !t.Algorithm.Valid() {
		return &ConfigError{Target: t.Name, Reason: fmt.Sprintf("unknown algorithm %q", t.Algorithm)}
	}
	if strings.TrimSpace(t.PoolEndpoint) == "" {
		return &ConfigError{Target: t.Name, Reason: "pool_endpoint is required"}
	}
	if t.Address == "" {
		return &ConfigError{Target: t.Name, Reason: "address is required"}
	}
	if t.Feed.Fee < 0 || t.Feed.Fee >= 1 {
		return &ConfigError{Target: t.Name, Reason: fmt.Sprintf("fee %v outside [0, 1)", t.Feed.Fee)}
	}
	if t.MinShareDifficulty < 0 {
		return &ConfigError{Target: t.Name, Reason: "min_share_difficulty must not be negative"}
	}
	if t.Feed.BlockReward < 0 || t.Feed.StaticPrice < 0 || t.Feed.StaticDifficulty < 0 {
		return &ConfigError{Target: t.Name, Reason: "feed overrides must not be negative"}
	}
	return nil
}
