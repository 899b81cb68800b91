// Copyright 2026 The Mailroom Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"sync"

	"github.com/mailroom-foundation/mailroom/lib/config"
)

func init() {
	RegisterTransport("memory", func(config.BridgeConfig) (Transport, error) {
		return NewLoopback(), nil
	})
}

const memoryQueueDepth = 256

// MemoryTransport is an in-process Transport. NewMemoryPair returns
// two connected ends for tests that stand in for two daemons;
// NewLoopback returns a single end whose sends arrive on its own
// receive channel, which the sync engine's origin filter then drops.
type MemoryTransport struct {
	mu       sync.Mutex
	peer     *MemoryTransport
	incoming chan Envelope
	closed   bool
	sendErr  error
}

// NewMemoryPair returns two connected transports. An envelope sent on
// either end arrives on the other end's Receive channel.
func NewMemoryPair() (*MemoryTransport, *MemoryTransport) {
	a := &MemoryTransport{incoming: make(chan Envelope, memoryQueueDepth)}
	b := &MemoryTransport{incoming: make(chan Envelope, memoryQueueDepth)}
	a.peer, b.peer = b, a
	return a, b
}

// NewLoopback returns a transport connected to itself.
func NewLoopback() *MemoryTransport {
	t := &MemoryTransport{incoming: make(chan Envelope, memoryQueueDepth)}
	t.peer = t
	return t
}

// FailWith makes subsequent Sends return err. Passing nil restores
// normal delivery. Used by tests to exercise the circuit breaker.
func (t *MemoryTransport) FailWith(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendErr = err
}

func (t *MemoryTransport) Send(ctx context.Context, envelope Envelope) error {
	t.mu.Lock()
	closed, sendErr, peer := t.closed, t.sendErr, t.peer
	t.mu.Unlock()
	if closed {
		return &TransportError{Kind: ErrorConnection, Msg: "transport closed"}
	}
	if sendErr != nil {
		return &TransportError{Kind: ErrorConnection, Msg: "injected failure", Err: sendErr}
	}

	// Round-trip through the frame encoding so memory and ssh
	// transports exercise the same serialization path.
	frame, err := envelope.Encode()
	if err != nil {
		return &TransportError{Kind: ErrorProtocol, Msg: "encoding frame", Err: err}
	}
	decoded, err := DecodeEnvelope(frame)
	if err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return &TransportError{Kind: ErrorConnection, Msg: "send cancelled", Err: err}
	}

	// The peer's mutex covers both the closed check and the channel
	// send, so Close never races a delivery. The queue is bounded;
	// a full queue is backpressure, reported as a retryable error.
	peer.mu.Lock()
	defer peer.mu.Unlock()
	if peer.closed {
		return &TransportError{Kind: ErrorConnection, Msg: "peer closed"}
	}
	select {
	case peer.incoming <- decoded:
		return nil
	default:
		return &TransportError{Kind: ErrorConnection, Msg: "peer queue full"}
	}
}

func (t *MemoryTransport) Receive(ctx context.Context) (<-chan Envelope, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, &TransportError{Kind: ErrorConnection, Msg: "transport closed"}
	}
	return t.incoming, nil
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.incoming)
	return nil
}
