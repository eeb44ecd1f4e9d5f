package client

import (
	"bytes"
	"encoding/gob"
	"testing"
	"time"

	smr "github.com/neatsys-failures/oskr"
	"github.com/neatsys-failures/oskr/transport"
)

func testConfig() smr.Config {
	return smr.Config{F: 0, ReplicaAddresses: []string{"replica-0"}}
}

func testSerializeRequest(buf []byte, req Request) int {
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(req); err != nil {
		smr.Panicf("client test: encode request: %v", err)
	}
	n := copy(buf, b.Bytes())
	return n
}

func testDeserializeReply(payload []byte) (Reply, bool) {
	var reply Reply
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&reply); err != nil {
		return Reply{}, false
	}
	return reply, true
}

func newTestClient(sim *transport.Simulator, strategy Strategy) *Client[string] {
	// Invoke's All-strategy broadcast addresses every configured replica;
	// the simulator is fatal on an undelivered message with no receiver,
	// so every replica address needs at least a stub registered even
	// though these tests inject replies by hand.
	sim.RegisterReceiver("replica-0", func(string, []byte) {})
	return New[string](sim, strategy, 50*time.Millisecond, 0, testSerializeRequest, testDeserializeReply)
}

func sendReply(sim *transport.Simulator, dest string, reply Reply) {
	sim.SendMessage("replica-0", dest, func(buf []byte) int {
		var b bytes.Buffer
		if err := gob.NewEncoder(&b).Encode(reply); err != nil {
			panic(err)
		}
		return copy(buf, b.Bytes())
	})
}

// TestInvokeFiresCallbackExactlyOnce covers property 4: once a matching
// quorum of replies has delivered a result, no further reply for that
// request — even a genuine duplicate vote — fires the callback again.
func TestInvokeFiresCallbackExactlyOnce(t *testing.T) {
	sim := transport.NewSimulator(testConfig())
	c := newTestClient(sim, All)

	fired := 0
	c.Invoke(smr.NewData([]byte("op")), func(smr.Data) { fired++ })

	sendReply(sim, string(c.Address()), Reply{RequestNumber: 1, Result: smr.NewData([]byte("r")), ReplicaId: 0})
	sim.Run(0)
	if fired != 1 {
		t.Fatalf("callback fired %d times after first reply, want 1", fired)
	}

	// A second, late vote for the same request (e.g. a network replay)
	// must not fire the callback again: Invoke's pending state is gone.
	sendReply(sim, string(c.Address()), Reply{RequestNumber: 1, Result: smr.NewData([]byte("r")), ReplicaId: 0})
	sim.Run(0)
	if fired != 1 {
		t.Fatalf("callback fired %d times after a duplicate reply, want 1", fired)
	}
}

// TestStrayReplyIgnored covers property 5: a reply that does not match the
// currently pending request number must never fire the callback or disturb
// the outstanding invocation.
func TestStrayReplyIgnored(t *testing.T) {
	sim := transport.NewSimulator(testConfig())
	c := newTestClient(sim, All)

	fired := 0
	var result smr.Data
	c.Invoke(smr.NewData([]byte("op")), func(r smr.Data) {
		fired++
		result = r
	})

	// Stray reply for a request this client never issued (request number
	// does not match the one pending Invoke established).
	sendReply(sim, string(c.Address()), Reply{RequestNumber: 99, Result: smr.NewData([]byte("bogus")), ReplicaId: 0})
	sim.Run(0)
	if fired != 0 {
		t.Fatalf("stray reply fired the callback")
	}
	if c.pending == nil || c.pending.requestNumber != 1 {
		t.Fatalf("stray reply disturbed the outstanding invocation")
	}

	sendReply(sim, string(c.Address()), Reply{RequestNumber: 1, Result: smr.NewData([]byte("real")), ReplicaId: 0})
	sim.Run(0)
	if fired != 1 {
		t.Fatalf("callback fired %d times for the real reply, want 1", fired)
	}
	if result.String() != "real" {
		t.Fatalf("unexpected result: %q", result.String())
	}
}
