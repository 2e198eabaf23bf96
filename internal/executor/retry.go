package executor

import (
	"context"
	"log"
	"strings"
)

// sessionErrorMarkers are substrings that indicate a failure caused by a
// stale or unknown session rather than the call itself.
var sessionErrorMarkers = []string{
	"session",
	"no conversation found",
	"conversation not found",
	"--resume",
}

// looksSessionRelated reports whether a failure plausibly stems from the
// session id passed for continuity.
func looksSessionRelated(detail string) bool {
	lower := strings.ToLower(detail)
	for _, marker := range sessionErrorMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// CallWithSessionRetry invokes exec.Call and, when the call fails in a way
// that looks session-related, retries exactly once without the session id.
// Any other failure is returned as-is: the caller decides whether a
// non-done result is fatal for its stage.
func CallWithSessionRetry(ctx context.Context, exec AgentExecutor, persona, instruction string, opts CallOptions) (*Result, error) {
	res, err := exec.Call(ctx, persona, instruction, opts)
	if err != nil {
		return nil, err
	}
	if res.OK() || opts.SessionID == "" || !looksSessionRelated(res.Error) {
		return res, nil
	}

	log.Printf("[executor] persona %s: session %s looks stale, retrying without session", persona, opts.SessionID)
	opts.SessionID = ""
	return exec.Call(ctx, persona, instruction, opts)
}
