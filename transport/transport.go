// Package transport provides the message-passing and timer substrate
// every protocol state machine in this repository is written against
// (spec.md §4.1), plus two implementations: a deterministic Simulator
// used to drive this repository's own test suite, and a TCP-based Live
// backend for running real processes.
package transport

import (
	"time"

	smr "github.com/neatsys-failures/oskr"
)

// Transport is the interface protocol code depends on. Address is the
// transport's own endpoint-naming type — Simulator uses short strings,
// Live uses its own host:port-shaped type — so protocol state machines
// are written generic over Address and work against either.
type Transport[Address comparable] interface {
	// RegisterReceiver associates a lightweight closure with address;
	// all unicast traffic to that address is delivered there. Heavier
	// work must be dispatched via Spawn, not done inline — this is a
	// correctness requirement for a live backend whose receive path
	// must not block, and a determinism requirement for the simulator.
	RegisterReceiver(address Address, onMessage func(remote Address, payload []byte))

	// SendMessage serializes via write into a BufferSize()-bounded
	// buffer and sends the written prefix from sender to dest. write
	// must not be retained past the call.
	SendMessage(sender, dest Address, write func(buf []byte) int)

	// SendMessageToAll sends to every configured replica address except
	// sender.
	SendMessageToAll(sender Address, write func(buf []byte) int)

	// SendMessageToMulticast routes to the configured multicast address,
	// if any.
	SendMessageToMulticast(sender Address, write func(buf []byte) int)

	// Spawn enqueues a task. Tasks spawned at the same logical instant
	// run in FIFO order with respect to each other.
	Spawn(cb func())

	// SpawnAfter schedules a one-shot timer. Calling the returned cancel
	// func guarantees cb will not fire, even if it races the timer.
	SpawnAfter(delay time.Duration, cb func()) (cancel func())

	// AllocateAddress returns a fresh client-side address.
	AllocateAddress() Address

	// Config is this run's immutable configuration.
	Config() smr.Config

	// BufferSize bounds a single SendMessage payload.
	BufferSize() int
}
