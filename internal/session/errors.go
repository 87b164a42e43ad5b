package session

import (
	"errors"
	"strings"
)

var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale")
	ErrClosed          = errors.New("supervisor closed")
)

// NotLiveError reports that the session cannot carry traffic right now.
// It matches ErrStaleConnection when a cached "connected" flag turned out
// to be wrong and ErrNotConnected otherwise.
type NotLiveError struct {
	Stale        bool
	Reconnecting bool
	Cause        error
}

func (e *NotLiveError) Error() string {
	var b strings.Builder
	if e.Stale {
		b.WriteString("connection stale")
	} else {
		b.WriteString("not connected")
	}
	if e.Reconnecting {
		b.WriteString(", reconnecting")
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *NotLiveError) Unwrap() []error {
	sentinel := ErrNotConnected
	if e.Stale {
		sentinel = ErrStaleConnection
	}
	if e.Cause == nil {
		return []error{sentinel}
	}
	return []error{sentinel, e.Cause}
}
