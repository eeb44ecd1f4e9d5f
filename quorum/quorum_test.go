package quorum

import (
	"testing"

	smr "github.com/neatsys-failures/oskr"
)

func TestAddAndCheckReachesQuorum(t *testing.T) {
	s := NewSet[string](2)

	if _, ok := s.AddAndCheck(1, smr.ReplicaId(0), "a"); ok {
		t.Fatalf("quorum reached after one vote, want not yet")
	}
	msgs, ok := s.AddAndCheck(1, smr.ReplicaId(1), "b")
	if !ok {
		t.Fatalf("quorum not reached after two votes")
	}
	if len(msgs) != 2 || msgs[smr.ReplicaId(0)] != "a" || msgs[smr.ReplicaId(1)] != "b" {
		t.Fatalf("unexpected quorum contents: %v", msgs)
	}
}

func TestAddAndCheckReplacesDuplicate(t *testing.T) {
	s := NewSet[string](2)
	s.AddAndCheck(1, smr.ReplicaId(0), "stale")
	msgs, ok := s.AddAndCheck(1, smr.ReplicaId(0), "fresh")
	if ok {
		t.Fatalf("quorum reached with only one distinct replica")
	}
	_ = msgs

	msgs, ok = s.AddAndCheck(1, smr.ReplicaId(1), "b")
	if !ok {
		t.Fatalf("quorum not reached")
	}
	if msgs[smr.ReplicaId(0)] != "fresh" {
		t.Fatalf("duplicate vote was not replaced: got %q", msgs[smr.ReplicaId(0)])
	}
}

func TestCheckDoesNotInsert(t *testing.T) {
	s := NewSet[string](1)
	if _, ok := s.Check(42); ok {
		t.Fatalf("Check reported quorum on an untouched key")
	}
	s.AddAndCheck(42, smr.ReplicaId(0), "a")
	if _, ok := s.Check(42); !ok {
		t.Fatalf("Check did not see quorum inserted via AddAndCheck")
	}
	if _, ok := s.Check(99); ok {
		t.Fatalf("Check reported quorum for a different key")
	}
}

func TestClearKey(t *testing.T) {
	s := NewSet[string](1)
	s.AddAndCheck(1, smr.ReplicaId(0), "a")
	s.AddAndCheck(2, smr.ReplicaId(0), "b")
	s.ClearKey(1)
	if _, ok := s.Check(1); ok {
		t.Fatalf("ClearKey did not drop key 1")
	}
	if _, ok := s.Check(2); !ok {
		t.Fatalf("ClearKey dropped an unrelated key")
	}
}

func TestClear(t *testing.T) {
	s := NewSet[string](1)
	s.AddAndCheck(1, smr.ReplicaId(0), "a")
	s.Clear()
	if _, ok := s.Check(1); ok {
		t.Fatalf("Clear did not drop all keys")
	}
}
