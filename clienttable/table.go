// Package clienttable implements the replica-side per-client dedup and
// cached-reply table described in spec.md §4.3. It never locks: per
// spec.md §5, protocol state including this table is only ever touched
// from the single logical event stream, so no concurrent access is
// possible between events.
package clienttable

import (
	"log"

	smr "github.com/neatsys-failures/oskr"
)

// Apply is what a lookup tells the caller to do once it decides to send:
// either nothing (a stale or in-flight duplicate) or resend a cached reply.
type Apply[Address comparable, Reply any] func(send func(Address, Reply))

func noop[Address comparable, Reply any]() Apply[Address, Reply] {
	return func(func(Address, Reply)) {}
}

type record[Address comparable, Reply any] struct {
	remote      Address
	hasRemote   bool
	lastRequest smr.RequestNumber
	lastReply   Reply
	hasReply    bool
}

// Table is the replica-side client-reply table, keyed by ClientId.
type Table[Address comparable, Reply any] struct {
	records map[smr.ClientId]*record[Address, Reply]
}

// New creates an empty Table.
func New[Address comparable, Reply any]() *Table[Address, Reply] {
	return &Table[Address, Reply]{records: make(map[smr.ClientId]*record[Address, Reply])}
}

// Check is the request-path lookup (spec.md §4.3's first operation). A
// nil Apply with handled=false means "fresh or advanced request, process it
// normally." A non-nil Apply means "do not process; just run Apply."
func (t *Table[Address, Reply]) Check(
	remote Address, clientId smr.ClientId, requestNumber smr.RequestNumber,
) (apply Apply[Address, Reply], handled bool) {
	rec, ok := t.records[clientId]
	if !ok {
		t.records[clientId] = &record[Address, Reply]{
			remote: remote, hasRemote: true, lastRequest: requestNumber,
		}
		return nil, false
	}

	switch {
	case requestNumber < rec.lastRequest:
		return noop[Address, Reply](), true

	case requestNumber == rec.lastRequest:
		rec.remote, rec.hasRemote = remote, true
		if rec.hasReply {
			cached := rec.lastReply
			return func(send func(Address, Reply)) { send(remote, cached) }, true
		}
		return noop[Address, Reply](), true

	case requestNumber == rec.lastRequest+1:
		rec.lastRequest = requestNumber
		rec.hasReply = false
		rec.remote, rec.hasRemote = remote, true
		return nil, false

	default:
		smr.Panicf(
			"clienttable: client %d request number jumped from %d to %d",
			clientId, rec.lastRequest, requestNumber,
		)
		return nil, false
	}
}

// Update records a request's arrival relayed through another replica (no
// direct remote to reply to). Non-monotone or duplicate relays are logged
// and ignored rather than treated as fatal, since a relay is not the
// client itself attesting to its own sequence.
func (t *Table[Address, Reply]) Update(clientId smr.ClientId, requestNumber smr.RequestNumber) {
	rec, ok := t.records[clientId]
	if !ok {
		t.records[clientId] = &record[Address, Reply]{lastRequest: requestNumber}
		return
	}
	if requestNumber <= rec.lastRequest {
		log.Printf("clienttable: ignoring non-advancing relay for client %d: request %d <= last %d", clientId, requestNumber, rec.lastRequest)
		return
	}
	rec.lastRequest = requestNumber
	rec.hasReply = false
}

// UpdateReply is the commit-path update: it caches reply and, if the
// caller should actually send (i.e. may be the primary and a remote
// address is known), returns an Apply that does so.
func (t *Table[Address, Reply]) UpdateReply(
	clientId smr.ClientId, requestNumber smr.RequestNumber, reply Reply,
) Apply[Address, Reply] {
	rec, ok := t.records[clientId]
	if !ok {
		rec = &record[Address, Reply]{lastRequest: requestNumber}
		t.records[clientId] = rec
	}
	if requestNumber < rec.lastRequest {
		return noop[Address, Reply]()
	}
	if requestNumber > rec.lastRequest {
		rec.lastRequest = requestNumber
	}
	rec.lastReply, rec.hasReply = reply, true

	if !rec.hasRemote {
		return noop[Address, Reply]()
	}
	remote := rec.remote
	return func(send func(Address, Reply)) { send(remote, reply) }
}

// LastRequestNumber reports the last request number recorded for a
// client, for tests that assert per-client monotonicity.
func (t *Table[Address, Reply]) LastRequestNumber(clientId smr.ClientId) (smr.RequestNumber, bool) {
	rec, ok := t.records[clientId]
	if !ok {
		return 0, false
	}
	return rec.lastRequest, true
}
