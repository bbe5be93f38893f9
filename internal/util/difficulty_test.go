package util

import (
	"math"
	"strings"
	"testing"
	"time"
)

func TestShareHashes(t *testing.T) {
	tests := []struct {
		name string
		diff float64
		want float64
	}{
		{"one", 1, 4294967296},
		{"fractional", 0.5, 2147483648},
		{"zero", 0, 0},
		{"negative", -3, 0},
		{"nan", math.NaN(), 0},
		{"inf", math.Inf(1), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShareHashes(tt.diff); got != tt.want {
				t.Errorf("ShareHashes(%v) = %v, want %v", tt.diff, got, tt.want)
			}
		})
	}
}

func TestHashrate(t *testing.T) {
	// 600 shares of difficulty 1 over ten minutes is 2^32 H/s
	got := Hashrate(600*HashesPerShareDifficulty, 10*time.Minute)
	if got != HashesPerShareDifficulty {
		t.Errorf("Hashrate() = %v, want %v", got, HashesPerShareDifficulty)
	}

	if got := Hashrate(100, 0); got != 0 {
		t.Errorf("Hashrate() with zero window = %v, want 0", got)
	}
}

func TestFormatHashrate(t *testing.T) {
	got := FormatHashrate(1.5e9)
	if !strings.Contains(got, "GH/s") {
		t.Errorf("FormatHashrate(1.5e9) = %q, want GH/s unit", got)
	}
}

func TestFormatScore(t *testing.T) {
	if got := FormatScore(2.55); got != "2.5500" {
		t.Errorf("FormatScore(2.55) = %q, want 2.5500", got)
	}
}
