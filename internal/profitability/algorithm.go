package profitability

import (
	"fmt"
	"math"

	"github.com/defpool/defpool-server/internal/registry"
)

const secondsPerDay = 86400

const (
	minLuckFactor = 0.5
	maxLuckFactor = 1.5
)

// curve describes how a difficulty figure maps onto expected work for one
// algorithm family, and how strongly pool luck moves its score.
type curve struct {
	// expected hashes per unit of network difficulty
	hashesPerDifficulty float64
	// hashrate of a reference device, H/s
	referenceHashrate float64
	luckDamping       float64
}

func curveFor(algo registry.Algorithm) (curve, error) {
	switch algo {
	case registry.RandomX:
		return curve{hashesPerDifficulty: 1, referenceHashrate: 1e4, luckDamping: 0.2}, nil
	case registry.Scrypt:
		return curve{hashesPerDifficulty: 1 << 32, referenceHashrate: 9.5e9, luckDamping: 0.2}, nil
	case registry.KHeavyHash:
		// block times are ~1s so luck is mostly noise
		return curve{hashesPerDifficulty: 1 << 32, referenceHashrate: 21e12, luckDamping: 0.05}, nil
	case registry.KawPow:
		return curve{hashesPerDifficulty: 1 << 32, referenceHashrate: 6e7, luckDamping: 0.2}, nil
	}
	return curve{}, fmt.Errorf("no reward curve for algorithm %q", algo)
}

// ExpectedRewardPerHash is the coin reward one hash earns on average at the
// given network difficulty. A zero block reward counts as one coin.
func ExpectedRewardPerHash(algo registry.Algorithm, difficulty, blockReward float64) (float64, error) {
	c, err := curveFor(algo)
	if err != nil {
		return 0, err
	}
	if difficulty <= 0 || math.IsNaN(difficulty) || math.IsInf(difficulty, 0) {
		return 0, fmt.Errorf("difficulty %v is not a positive number", difficulty)
	}
	if blockReward <= 0 || math.IsNaN(blockReward) {
		blockReward = 1
	}
	return blockReward / (difficulty * c.hashesPerDifficulty), nil
}

// LuckFactor turns a luck ratio (1 = par, >1 lucky) into a bounded
// multiplier. Unknown luck (zero, negative, NaN) is neutral.
func LuckFactor(algo registry.Algorithm, luck float64) float64 {
	if luck <= 0 || math.IsNaN(luck) || math.IsInf(luck, 0) {
		return 1
	}
	c, err := curveFor(algo)
	if err != nil {
		return 1
	}
	f := 1 + c.luckDamping*(luck-1)
	return math.Min(maxLuckFactor, math.Max(minLuckFactor, f))
}

// Score computes the normalized profitability figure: USD earned per
// reference device per day, after fee and luck.
func Score(algo registry.Algorithm, s Signals) (float64, error) {
	if s.Price < 0 || math.IsNaN(s.Price) || math.IsInf(s.Price, 0) {
		return 0, fmt.Errorf("price %v is not a non-negative number", s.Price)
	}
	if s.Fee < 0 || s.Fee >= 1 || math.IsNaN(s.Fee) {
		return 0, fmt.Errorf("fee %v outside [0, 1)", s.Fee)
	}
	perHash, err := ExpectedRewardPerHash(algo, s.Difficulty, s.BlockReward)
	if err != nil {
		return 0, err
	}
	c, _ := curveFor(algo)
	score := s.Price * perHash * c.referenceHashrate * secondsPerDay * (1 - s.Fee) * LuckFactor(algo, s.Luck)
	return score, nil
}
