// Package quorum implements the replica-vote tracker shared by every
// protocol that needs "have at least N distinct replicas said X": VR's
// PrepareOk/StartViewChange/DoViewChange sets, and any future protocol
// built on this framework.
package quorum

import (
	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"

	smr "github.com/neatsys-failures/oskr"
)

// Messages is the per-key inner map: replica id to the message it sent.
type Messages[M any] map[smr.ReplicaId]M

// Set tracks, for each uint64-valued key (an OpNumber or a ViewNumber,
// depending on the caller), which replicas have sent a matching message.
// A later message from a replica replaces its earlier one for the same
// key — spec.md §4.4's documented choice: a later vote (e.g. an updated
// DoViewChange) is at least as informative, and protocol code never relies
// on first-seen semantics.
type Set[M any] struct {
	nRequired int
	byKey     *treemap.Map
}

// NewSet creates a Set requiring nRequired distinct replica votes per key
// before a key is considered to have reached quorum.
func NewSet[M any](nRequired int) *Set[M] {
	return &Set[M]{
		nRequired: nRequired,
		byKey:     treemap.NewWith(utils.UInt64Comparator),
	}
}

// AddAndCheck inserts (or replaces) replica's message for key and reports
// the inner map once it holds at least nRequired distinct replicas.
func (s *Set[M]) AddAndCheck(key uint64, replica smr.ReplicaId, msg M) (Messages[M], bool) {
	inner := s.innerFor(key)
	inner[replica] = msg
	if len(inner) >= s.nRequired {
		return inner, true
	}
	return nil, false
}

// Check queries without inserting.
func (s *Set[M]) Check(key uint64) (Messages[M], bool) {
	v, found := s.byKey.Get(key)
	if !found {
		return nil, false
	}
	inner := v.(Messages[M])
	if len(inner) >= s.nRequired {
		return inner, true
	}
	return nil, false
}

func (s *Set[M]) innerFor(key uint64) Messages[M] {
	v, found := s.byKey.Get(key)
	if found {
		return v.(Messages[M])
	}
	inner := make(Messages[M])
	s.byKey.Put(key, inner)
	return inner
}

// Clear drops every key.
func (s *Set[M]) Clear() {
	s.byKey.Clear()
}

// ClearKey drops a single key, e.g. once its quorum has been consumed.
func (s *Set[M]) ClearKey(key uint64) {
	s.byKey.Remove(key)
}
