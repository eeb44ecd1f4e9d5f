package clienttable

import (
	"testing"
)

func TestCheckFreshRequest(t *testing.T) {
	tbl := New[string, string]()
	apply, handled := tbl.Check("client-0", 1, 1)
	if handled || apply != nil {
		t.Fatalf("fresh request reported handled")
	}
}

func TestCheckStaleRequestIsNoop(t *testing.T) {
	tbl := New[string, string]()
	tbl.Check("client-0", 1, 1)
	tbl.UpdateReply(1, 1, "reply-1")

	var sent bool
	apply, handled := tbl.Check("client-0", 1, 1)
	if !handled || apply == nil {
		t.Fatalf("repeated request number was not recognized as handled")
	}
	apply(func(string, string) { sent = true })
	if !sent {
		t.Fatalf("cached reply was not resent for a repeated request")
	}

	apply, handled = tbl.Check("client-0", 1, 0)
	if !handled {
		t.Fatalf("older request number was not recognized as stale")
	}
	sent = false
	apply(func(string, string) { sent = true })
	if sent {
		t.Fatalf("a stale request must not trigger a send")
	}
}

func TestCheckAdvancesByOne(t *testing.T) {
	tbl := New[string, string]()
	tbl.Check("client-0", 1, 1)

	apply, handled := tbl.Check("client-0", 1, 2)
	if handled || apply != nil {
		t.Fatalf("advancing request number was reported handled")
	}
	last, ok := tbl.LastRequestNumber(1)
	if !ok || last != 2 {
		t.Fatalf("request number did not advance: got %d", last)
	}
}

func TestCheckFatalOnSkip(t *testing.T) {
	tbl := New[string, string]()
	tbl.Check("client-0", 1, 1)

	defer func() {
		if recover() == nil {
			t.Fatalf("expected a panic on a non-monotone skip")
		}
	}()
	tbl.Check("client-0", 1, 3)
}

func TestUpdateRelayIgnoresNonAdvancing(t *testing.T) {
	tbl := New[string, string]()
	tbl.Update(1, 5)
	tbl.Update(1, 3) // must be ignored, not fatal
	last, ok := tbl.LastRequestNumber(1)
	if !ok || last != 5 {
		t.Fatalf("non-advancing relay update changed the record: got %d", last)
	}
}

func TestUpdateReplyNoopWithoutKnownRemote(t *testing.T) {
	tbl := New[string, string]()
	tbl.Update(1, 1) // relay path: no remote recorded

	var sent bool
	apply := tbl.UpdateReply(1, 1, "reply")
	apply(func(string, string) { sent = true })
	if sent {
		t.Fatalf("UpdateReply sent a reply with no known remote address")
	}
}

func TestUpdateReplySendsWithKnownRemote(t *testing.T) {
	tbl := New[string, string]()
	tbl.Check("client-0", 1, 1)

	var gotRemote, gotReply string
	apply := tbl.UpdateReply(1, 1, "reply-1")
	apply(func(remote string, reply string) { gotRemote, gotReply = remote, reply })

	if gotRemote != "client-0" || gotReply != "reply-1" {
		t.Fatalf("unexpected send: remote=%q reply=%q", gotRemote, gotReply)
	}
}
