package util

import (
	"fmt"
	"os"
	"strings"
)

// DefaultLogMaxLen is the default maximum length for truncated log output (1KB)
const DefaultLogMaxLen = 1024

// TruncateLog truncates long strings for verbose logging.
// This helps control log growth while maintaining diagnostics capability.
func TruncateLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + fmt.Sprintf("... [truncated, %d bytes total]", len(s))
}

// TruncateBytes is a convenience wrapper for TruncateLog that accepts []byte
// and uses DefaultLogMaxLen.
func TruncateBytes(b []byte) string {
	return TruncateLog(string(b), DefaultLogMaxLen)
}

// IsVerbose checks if WARDEN_VERBOSE environment variable is set.
// Accepts: "1", "true", "yes" (case-insensitive)
func IsVerbose() bool {
	switch strings.ToLower(os.Getenv("WARDEN_VERBOSE")) {
	case "1", "true", "yes":
		return true
	}
	return false
}
