// Package mock provides a scriptable [stream.Connection] for tests.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/intervox/internal/stream"
)

// ErrSend is the default error returned by failing sends.
var ErrSend = errors.New("mock: send failed")

var _ stream.Connection = (*Connection)(nil)

// Connection records every payload it accepts. Failures and blocking are
// scripted through its methods; all of them are safe for concurrent use.
type Connection struct {
	mu       sync.Mutex
	payloads []string
	attempts int
	err      error
	failNext int
	gate     chan struct{}
	started  chan struct{}
}

// SendAudio implements [stream.Connection].
func (c *Connection) SendAudio(ctx context.Context, audioBase64 string) error {
	c.mu.Lock()
	c.attempts++
	gate := c.gate
	if c.started != nil {
		select {
		case c.started <- struct{}{}:
		default:
		}
	}
	c.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failNext > 0 {
		c.failNext--
		if c.err != nil {
			return c.err
		}
		return ErrSend
	}
	if c.err != nil {
		return c.err
	}
	c.payloads = append(c.payloads, audioBase64)
	return nil
}

// SetError makes every subsequent send fail with err. nil restores success.
func (c *Connection) SetError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
	c.failNext = 0
}

// FailNext makes the next n sends fail with [ErrSend].
func (c *Connection) FailNext(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = nil
	c.failNext = n
}

// Hold blocks subsequent sends until [Connection.Release]. The returned
// channel receives a value each time a send starts.
func (c *Connection) Hold() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gate = make(chan struct{})
	c.started = make(chan struct{}, 16)
	return c.started
}

// Release unblocks held sends.
func (c *Connection) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gate != nil {
		close(c.gate)
		c.gate = nil
	}
}

// Payloads returns the accepted payloads in send order.
func (c *Connection) Payloads() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.payloads))
	copy(out, c.payloads)
	return out
}

// Attempts returns the number of SendAudio calls, successful or not.
func (c *Connection) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}
