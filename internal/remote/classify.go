package remote

import (
	"errors"
	"strings"
)

// FailureKind labels a failed remote step for operators. Nothing in the
// fleet retries on it; it only annotates error text.
type FailureKind int

const (
	Transient FailureKind = iota // network or service hiccup
	Permanent                    // will fail again without a code or config change
	Unknown
)

func (k FailureKind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}

var permanentKeywords = []string{
	"permission denied",
	"not found",
	"no such file",
	"could not resolve",
	"authentication failed",
	"unable to authenticate",
	"conflict",
	"invalid",
}

var transientKeywords = []string{
	"timeout",
	"timed out",
	"connection",
	"temporar",
	"unavailable",
	"econnreset",
	"network",
}

// Classify labels a failure from the transport error, the exit code and
// the command's stderr.
func Classify(err error, exitCode int, stderr string) FailureKind {
	if errors.Is(err, ErrTimeout) {
		return Transient
	}

	// 126: not executable, 127: command not found.
	if exitCode == 126 || exitCode == 127 {
		return Permanent
	}

	text := strings.ToLower(stderr)
	if err != nil {
		text += " " + strings.ToLower(err.Error())
	}

	for _, kw := range permanentKeywords {
		if strings.Contains(text, kw) {
			return Permanent
		}
	}
	for _, kw := range transientKeywords {
		if strings.Contains(text, kw) {
			return Transient
		}
	}
	return Unknown
}
