package unreplicated

import (
	"testing"
	"time"

	smr "github.com/neatsys-failures/oskr"
	"github.com/neatsys-failures/oskr/client"
	"github.com/neatsys-failures/oskr/transport"
)

func oneReplicaConfig() smr.Config {
	return smr.Config{F: 0, ReplicaAddresses: []string{"replica-0"}}
}

// TestSingleOp is scenario S1: one client invokes one op against a single
// unreplicated replica.
func TestSingleOp(t *testing.T) {
	sim := transport.NewSimulator(oneReplicaConfig())
	app := smr.NewMock()
	NewReplica[string](sim, app)
	c := NewClient[string](sim)

	var result smr.Data
	var fired int
	c.Invoke(smr.NewData([]byte("Test operation")), func(r smr.Data) {
		fired++
		result = r
	})
	sim.Run(time.Second)

	if fired != 1 {
		t.Fatalf("callback fired %d times, want 1", fired)
	}
	if result.String() != "Re: Test operation" {
		t.Fatalf("unexpected result: %q", result.String())
	}
	if app.NumCommit() != 1 {
		t.Fatalf("app observed %d commits, want 1", app.NumCommit())
	}
}

// TestTenClientsOneRequestEach is scenario S2.
func TestTenClientsOneRequestEach(t *testing.T) {
	sim := transport.NewSimulator(oneReplicaConfig())
	app := smr.NewMock()
	NewReplica[string](sim, app)

	fired := 0
	for i := 0; i < 10; i++ {
		c := NewClient[string](sim)
		c.Invoke(smr.NewData([]byte("Test operation")), func(smr.Data) { fired++ })
	}
	sim.Run(time.Second)

	if fired != 10 {
		t.Fatalf("callback fired %d times, want 10", fired)
	}
	if app.NumCommit() != 10 {
		t.Fatalf("app observed %d commits, want 10", app.NumCommit())
	}
}

// TestDuplicateRequestGetsIdenticalReply covers property 7 (idempotent
// client-table hit): a client-table hit must resend exactly the original
// reply rather than re-executing the op.
func TestDuplicateRequestGetsIdenticalReply(t *testing.T) {
	sim := transport.NewSimulator(oneReplicaConfig())
	app := smr.NewMock()
	r := NewReplica[string](sim, app)

	req := client.Request{ClientId: 7, RequestNumber: 1, Op: smr.NewData([]byte("op"))}

	var replies []client.Reply
	sim.RegisterReceiver("client-fake", func(remote string, payload []byte) {
		e, ok := decode(payload)
		if ok && e.Tag == tagReply {
			replies = append(replies, e.Reply)
		}
	})

	r.receiveMessage("client-fake", encodeRequest(req))
	sim.Run(time.Second)
	r.receiveMessage("client-fake", encodeRequest(req))
	sim.Run(time.Second)

	if len(replies) != 2 {
		t.Fatalf("got %d replies, want 2", len(replies))
	}
	if !replies[0].Result.Equal(replies[1].Result) {
		t.Fatalf("duplicate request produced a different reply: %q vs %q", replies[0].Result, replies[1].Result)
	}
	if app.NumCommit() != 1 {
		t.Fatalf("app observed %d commits, want 1 (duplicate must not re-execute)", app.NumCommit())
	}
}

func encodeRequest(req client.Request) []byte {
	buf := make([]byte, transport.DefaultBufferSize)
	n := serializeRequest(buf, req)
	return buf[:n]
}
