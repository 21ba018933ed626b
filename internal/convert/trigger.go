package convert

import (
	"bytes"
	"strconv"
	"strings"
)

// maxInspectBytes bounds how much of a response the fallback predicate reads.
const maxInspectBytes = 4096

// fallbackStatusCodes are the HTTP statuses that always trigger fallback.
var fallbackStatusCodes = map[int]bool{
	400: true, 401: true, 403: true, 422: true, 429: true, 500: true, 503: true,
}

// errorPhrases is the fixed list of upstream error markers scanned for when a
// status code alone is not decisive. All comparisons are case-insensitive.
var errorPhrases = []string{
	"quota",
	"rate limit",
	"rate_limit",
	"too many requests",
	"resource_exhausted",
	"insufficient_quota",
	"billing",
	"invalid api key",
	"invalid x-api-key",
	"incorrect api key",
	"authentication_error",
	"unauthorized",
	"permission denied",
	"permission_denied",
	"model not found",
	"model_not_found",
	"does not exist or you do not have access",
	"overloaded_error",
	"overloaded",
}

// ShouldTriggerFallback inspects the first 4096 bytes of a raw upstream
// response and reports whether the gateway should advance to the next
// fallback entry. When the bytes begin with an HTTP status line the status is
// checked first (a 2xx short-circuits to false); otherwise, or when the
// status is not decisive, the body is scanned for known error phrases. The
// status check must run before the body scan because providers sometimes
// return error-looking phrases inside successful payloads.
func ShouldTriggerFallback(raw []byte) bool {
	if len(raw) > maxInspectBytes {
		raw = raw[:maxInspectBytes]
	}

	if status, rest, ok := parseStatusLine(raw); ok {
		return ResponseIndicatesFailure(status, rest)
	}
	return containsErrorPhrase(raw)
}

// ResponseIndicatesFailure is the shared predicate used by the gateway, which
// already has the status code separate from the body. Status 0 means unknown
// and defers entirely to the body scan.
func ResponseIndicatesFailure(status int, body []byte) bool {
	if status >= 200 && status < 300 {
		return false
	}
	if fallbackStatusCodes[status] {
		return true
	}
	if len(body) > maxInspectBytes {
		body = body[:maxInspectBytes]
	}
	return containsErrorPhrase(body)
}

func parseStatusLine(raw []byte) (status int, rest []byte, ok bool) {
	if !bytes.HasPrefix(raw, []byte("HTTP/")) {
		return 0, nil, false
	}
	lineEnd := bytes.IndexByte(raw, '\n')
	if lineEnd < 0 {
		lineEnd = len(raw)
	}
	fields := strings.Fields(string(raw[:lineEnd]))
	if len(fields) < 2 {
		return 0, nil, false
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil || code < 100 || code > 599 {
		return 0, nil, false
	}
	if lineEnd < len(raw) {
		rest = raw[lineEnd+1:]
	}
	return code, rest, true
}

func containsErrorPhrase(body []byte) bool {
	lower := strings.ToLower(string(body))
	for _, phrase := range errorPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
