package health

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/intervox/internal/stream"
)

var (
	// ErrNotStreaming is reported by [StreamChecker] outside the streaming
	// state.
	ErrNotStreaming = errors.New("not streaming")

	// ErrStalled is reported by [StreamChecker] while the consumer is halted.
	ErrStalled = errors.New("consumer stalled")

	// ErrDisconnected is reported by [TransportChecker].
	ErrDisconnected = errors.New("transport disconnected")
)

// StreamState is the part of [stream.Service] inspected by [StreamChecker].
type StreamState interface {
	State() stream.State
	Stalled() bool
}

// Connectivity reports whether a transport is connected.
type Connectivity interface {
	Connected() bool
}

// StreamChecker passes while svc is streaming and its consumer is running.
func StreamChecker(svc StreamState) Checker {
	return Checker{
		Name: "stream",
		Check: func(context.Context) error {
			if st := svc.State(); st != stream.StateStreaming {
				return fmt.Errorf("%w (state %s)", ErrNotStreaming, st)
			}
			if svc.Stalled() {
				return ErrStalled
			}
			return nil
		},
	}
}

// TransportChecker passes while conn is connected.
func TransportChecker(conn Connectivity) Checker {
	return Checker{
		Name: "transport",
		Check: func(context.Context) error {
			if !conn.Connected() {
				return ErrDisconnected
			}
			return nil
		},
	}
}
