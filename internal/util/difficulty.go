package util

import (
	"math"
	"time"

	"github.com/dustin/go-humanize"
)

// HashesPerShareDifficulty is the expected number of hashes behind a share
// of difficulty 1 for Bitcoin-style (diff1 = 0xffff·2^208) difficulty.
const HashesPerShareDifficulty = 4294967296.0

// ShareHashes converts a share difficulty into expected hashes.
func ShareHashes(difficulty float64) float64 {
	if difficulty <= 0 || math.IsNaN(difficulty) || math.IsInf(difficulty, 0) {
		return 0
	}
	return difficulty * HashesPerShareDifficulty
}

// Hashrate spreads an amount of expected hashes over a window.
func Hashrate(hashes float64, window time.Duration) float64 {
	if window <= 0 || hashes <= 0 {
		return 0
	}
	return hashes / window.Seconds()
}

// FormatHashrate renders a hashrate with an SI prefix, e.g. "1.2 GH/s".
func FormatHashrate(hashrate float64) string {
	return humanize.SIWithDigits(hashrate, 2, "H/s")
}

// FormatScore renders a profitability score for log lines.
func FormatScore(score float64) string {
	return humanize.FormatFloat("#,###.####", score)
}
