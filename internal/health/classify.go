// Package health tracks whether the inference backend is usable, separating
// failures that indict the backend from failures that only concern a frame.
package health

import (
	"errors"
	"strings"

	"github.com/dj-oyu/antispoof-monitor/internal/backend"
	"github.com/dj-oyu/antispoof-monitor/internal/guard"
)

// Outcome is the classification of one inference attempt.
type Outcome int

const (
	Success Outcome = iota
	Skipped
	ContentFailure
	ConnectivityFailure
	NotInitialized
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Skipped:
		return "skipped"
	case ContentFailure:
		return "content_failure"
	case ConnectivityFailure:
		return "connectivity_failure"
	case NotInitialized:
		return "not_initialized"
	default:
		return "unknown"
	}
}

// connectivityHints are substrings that mark an untyped error as a transport
// problem.
var connectivityHints = []string{
	"no response from server",
	"connection refused",
	"connection reset",
	"broken pipe",
	"timeout",
	"timed out",
	"no such host",
	"network is unreachable",
	"host is unreachable",
	"tls handshake",
}

// Classify maps an inference error onto an Outcome. Typed backend errors are
// trusted; anything else is matched against known transport failure text and
// otherwise treated as a content failure.
func Classify(err error) Outcome {
	if err == nil {
		return Success
	}
	if errors.Is(err, guard.ErrSkipped) {
		return Skipped
	}
	switch backend.KindOf(err) {
	case backend.KindContent:
		return ContentFailure
	case backend.KindConnectivity:
		return ConnectivityFailure
	case backend.KindNotInitialized:
		return NotInitialized
	}

	msg := strings.ToLower(err.Error())
	for _, hint := range connectivityHints {
		if strings.Contains(msg, hint) {
			return ConnectivityFailure
		}
	}
	return ContentFailure
}
