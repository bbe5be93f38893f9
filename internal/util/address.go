package util

import (
	"strings"
	"unicode"
)

// MaxWalletLength bounds wallet identifiers accepted from submitters.
const MaxWalletLength = 128

// ValidateWallet reports whether s is usable as a wallet key. Addresses are
// chain specific, so only shape is checked: non-empty, bounded, printable and
// free of whitespace and path separators.
func ValidateWallet(s string) bool {
	if s == "" || len(s) > MaxWalletLength {
		return false
	}
	for _, r := range s {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) || r == '/' || r == '\\' {
			return false
		}
	}
	return true
}

// TruncateAddress shortens an address for notifications and logs.
func TruncateAddress(addr string) string {
	if len(addr) <= 16 {
		return addr
	}
	return addr[:8] + "..." + addr[len(addr)-6:]
}

// NormalizeWorker trims a worker name; the empty name means "no worker".
func NormalizeWorker(name string) string {
	return strings.TrimSpace(name)
}
