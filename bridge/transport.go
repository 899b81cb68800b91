// Copyright 2026 The Mailroom Authors
// SPDX-License-Identifier: Apache-2.0

// Package bridge relays inbox messages between mailroom hosts.
//
// A Transport moves opaque CBOR frames between two daemons; the sync
// engine decides which messages to push and how to apply what
// arrives. Pulled messages go through the regular mailbox conflict
// protocol, so a frame delivered twice deduplicates by message ID and
// the pull side is idempotent.
package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/mailroom-foundation/mailroom/lib/codec"
	"github.com/mailroom-foundation/mailroom/lib/config"
	"github.com/mailroom-foundation/mailroom/lib/schema"
)

// ErrorKind classifies a transport failure.
type ErrorKind int

const (
	// ErrorConnection covers dial failures and dropped links.
	ErrorConnection ErrorKind = iota

	// ErrorAuth covers key and host verification failures.
	ErrorAuth

	// ErrorProtocol covers malformed frames and remote command
	// failures.
	ErrorProtocol
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorConnection:
		return "connection"
	case ErrorAuth:
		return "auth"
	case ErrorProtocol:
		return "protocol"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// TransportError is any failure surfaced by a Transport. All kinds
// are retryable by the sync engine's backoff; none are fatal to the
// daemon.
type TransportError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("bridge transport (%s): %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("bridge transport (%s): %s", e.Kind, e.Msg)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Envelope is the wire frame for one relayed message. The message
// body travels as its canonical JSON encoding so fields this version
// does not recognize survive the trip; the frame itself is
// deterministic CBOR.
type Envelope struct {
	Team    string `cbor:"team"`
	Agent   string `cbor:"agent"`
	Origin  string `cbor:"origin"`
	Message []byte `cbor:"message"`
}

// NewEnvelope wraps one inbox message for transport.
func NewEnvelope(team, agent, origin string, message schema.InboxMessage) (Envelope, error) {
	body, err := message.MarshalJSON()
	if err != nil {
		return Envelope{}, fmt.Errorf("encoding message body: %w", err)
	}
	return Envelope{Team: team, Agent: agent, Origin: origin, Message: body}, nil
}

// DecodeMessage recovers the inbox message carried by the envelope.
func (e Envelope) DecodeMessage() (schema.InboxMessage, error) {
	var message schema.InboxMessage
	if err := message.UnmarshalJSON(e.Message); err != nil {
		return schema.InboxMessage{}, fmt.Errorf("decoding message body: %w", err)
	}
	return message, nil
}

// Encode serializes the envelope to its deterministic CBOR frame.
func (e Envelope) Encode() ([]byte, error) {
	return codec.Marshal(e)
}

// DecodeEnvelope parses a CBOR frame produced by Encode.
func DecodeEnvelope(frame []byte) (Envelope, error) {
	var envelope Envelope
	if err := codec.Unmarshal(frame, &envelope); err != nil {
		return Envelope{}, &TransportError{Kind: ErrorProtocol, Msg: "malformed frame", Err: err}
	}
	return envelope, nil
}

// Transport moves envelopes between this daemon and a peer.
//
// Send delivers one envelope to the peer. Receive returns the channel
// on which peer envelopes arrive; the channel is closed by Close.
// Implementations must be safe for concurrent use.
type Transport interface {
	Send(ctx context.Context, envelope Envelope) error
	Receive(ctx context.Context) (<-chan Envelope, error)
	Close() error
}

// Factory builds a Transport from the bridge configuration section.
type Factory func(cfg config.BridgeConfig) (Transport, error)

var (
	transportsMu sync.RWMutex
	transports   = make(map[string]Factory)
)

// RegisterTransport makes a transport available under name. Panics on
// a duplicate or nil registration; registration happens in init
// functions where a panic is a programming error, not a runtime
// condition.
func RegisterTransport(name string, factory Factory) {
	transportsMu.Lock()
	defer transportsMu.Unlock()
	if factory == nil {
		panic("bridge: RegisterTransport with nil factory")
	}
	if _, dup := transports[name]; dup {
		panic("bridge: RegisterTransport called twice for " + name)
	}
	transports[name] = factory
}

// NewTransport builds the named transport, or reports the names that
// are available.
func NewTransport(name string, cfg config.BridgeConfig) (Transport, error) {
	transportsMu.RLock()
	factory, ok := transports[name]
	transportsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown bridge transport %q", name)
	}
	return factory(cfg)
}
