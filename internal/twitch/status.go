package twitch

import (
	"fmt"
	"time"
)

// StatusKind enumerates the states of one channel's upstream connection.
type StatusKind int

const (
	StatusInitializing StatusKind = iota
	StatusConnecting
	StatusAuthenticating
	StatusConnected
	StatusReconnecting
	StatusDisconnected
	StatusTerminated
)

var statusKindNames = map[StatusKind]string{
	StatusInitializing:   "Initializing",
	StatusConnecting:     "Connecting",
	StatusAuthenticating: "Authenticating",
	StatusConnected:      "Connected",
	StatusReconnecting:   "Reconnecting",
	StatusDisconnected:   "Disconnected",
	StatusTerminated:     "Terminated",
}

func (k StatusKind) String() string {
	if name, ok := statusKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("StatusKind(%d)", int(k))
}

// Status is the watched connection state published by a channel agent.
// Terminated is final; every other state may recur across reconnects.
type Status struct {
	Kind    StatusKind
	Reason  string        // Reconnecting, Disconnected
	Attempt int           // Connecting, Authenticating, Reconnecting (failed attempt)
	RetryIn time.Duration // Reconnecting
}

// ReasonPersistentAuthFailure marks the terminal Disconnected status a
// worker reports after the third consecutive authentication failure.
// A channel agent seeing this reason moves straight to Terminated.
const ReasonPersistentAuthFailure = "Persistent Auth Failure"

func Initializing() Status {
	return Status{Kind: StatusInitializing}
}

func Connecting(attempt int) Status {
	return Status{Kind: StatusConnecting, Attempt: attempt}
}

func Authenticating(attempt int) Status {
	return Status{Kind: StatusAuthenticating, Attempt: attempt}
}

func Connected() Status {
	return Status{Kind: StatusConnected}
}

func Reconnecting(reason string, failedAttempt int, retryIn time.Duration) Status {
	return Status{Kind: StatusReconnecting, Reason: reason, Attempt: failedAttempt, RetryIn: retryIn}
}

func Disconnected(reason string) Status {
	return Status{Kind: StatusDisconnected, Reason: reason}
}

func Terminated() Status {
	return Status{Kind: StatusTerminated}
}

func (s Status) String() string {
	switch s.Kind {
	case StatusReconnecting:
		return fmt.Sprintf("Reconnecting(%s, attempt %d, retry in %s)", s.Reason, s.Attempt, s.RetryIn)
	case StatusDisconnected:
		return fmt.Sprintf("Disconnected(%s)", s.Reason)
	case StatusConnecting, StatusAuthenticating:
		return fmt.Sprintf("%s(attempt %d)", s.Kind, s.Attempt)
	default:
		return s.Kind.String()
	}
}
