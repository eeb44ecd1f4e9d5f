package vr

import (
	"testing"
	"time"

	smr "github.com/neatsys-failures/oskr"
	"github.com/neatsys-failures/oskr/transport"
)

func threeReplicaConfig() smr.Config {
	return smr.Config{F: 1, ReplicaAddresses: []string{"replica-0", "replica-1", "replica-2"}}
}

func newGroup(config smr.Config, batchSize int) (*transport.Simulator, []*Replica[string], []*smr.Mock) {
	sim := transport.NewSimulator(config)
	apps := make([]*smr.Mock, config.NumReplicas())
	replicas := make([]*Replica[string], config.NumReplicas())
	for i := range replicas {
		apps[i] = smr.NewMock()
		replicas[i] = NewReplica[string](smr.ReplicaId(i), sim, apps[i], batchSize)
	}
	return sim, replicas, apps
}

// TestOneRequest is scenario S3.
func TestOneRequest(t *testing.T) {
	sim, replicas, apps := newGroup(threeReplicaConfig(), 1)
	c := NewClient[string](sim)

	var result smr.Data
	var fired int
	c.Invoke(smr.NewData([]byte("One request")), func(r smr.Data) {
		fired++
		result = r
	})
	sim.Run(time.Second)

	if fired != 1 {
		t.Fatalf("callback fired %d times, want 1", fired)
	}
	if result.String() != "Re: One request" {
		t.Fatalf("unexpected result: %q", result.String())
	}
	if apps[0].NumCommit() != 1 {
		t.Fatalf("primary observed %d commits, want 1", apps[0].NumCommit())
	}

	block0, committed0, found0 := replicas[0].Log().BlockAt(1)
	if !found0 || !committed0 {
		t.Fatalf("primary's block 1 is not committed")
	}
	for i := 1; i < len(replicas); i++ {
		block, committed, found := replicas[i].Log().BlockAt(1)
		if !found {
			continue // backups may not have prepared it yet without more traffic
		}
		if len(block.Entries) != len(block0.Entries) {
			t.Fatalf("replica %d block 1 has %d entries, primary has %d", i, len(block.Entries), len(block0.Entries))
		}
		_ = committed
	}
}

// TestTenRequestsClosedLoop is scenario S4.
func TestTenRequestsClosedLoop(t *testing.T) {
	sim, replicas, apps := newGroup(threeReplicaConfig(), 1)
	c := NewClient[string](sim)

	const total = 10
	var invoke func()
	count := 0
	invoke = func() {
		c.Invoke(smr.NewData(nil), func(smr.Data) {
			count++
			if count < total {
				invoke()
			}
		})
	}
	invoke()
	sim.Run(5 * time.Second)

	if count != total {
		t.Fatalf("closed loop completed %d invocations, want %d", count, total)
	}
	if apps[0].NumCommit() != total {
		t.Fatalf("primary app observed %d commits, want %d", apps[0].NumCommit(), total)
	}
	_ = replicas
}

// TestEventuallyAllCommit is scenario S5: backups only learn a commit
// point from the primary's idle-commit heartbeat when no further
// traffic piggybacks it, so the run must outlast that heartbeat period.
func TestEventuallyAllCommit(t *testing.T) {
	sim, replicas, apps := newGroup(threeReplicaConfig(), 1)
	c := NewClient[string](sim)

	c.Invoke(smr.NewData(nil), func(smr.Data) {})
	sim.Run(210 * time.Millisecond)

	for i, app := range apps {
		if app.NumCommit() != 1 {
			t.Fatalf("replica %d app observed %d commits after 210ms, want 1", i, app.NumCommit())
		}
	}
	_ = replicas
}

// TestViewMonotonicity covers property 6: a replica's view number never
// decreases, even as it is driven through several view changes here by
// hand.
func TestViewMonotonicity(t *testing.T) {
	sim, replicas, _ := newGroup(threeReplicaConfig(), 1)
	r := replicas[1]

	seen := r.View()
	r.startViewChange(1)
	if r.View() < seen {
		t.Fatalf("view decreased after startViewChange")
	}
	seen = r.View()
	r.startViewChange(2)
	if r.View() < seen {
		t.Fatalf("view decreased after a second startViewChange")
	}
	_ = sim
}

// TestCommitPrefixConsistency covers property 2: once the idle-commit
// heartbeat has had time to reach every backup, every replica's committed
// log prefix must agree, block for block, with the primary's.
func TestCommitPrefixConsistency(t *testing.T) {
	sim, replicas, _ := newGroup(threeReplicaConfig(), 1)
	c := NewClient[string](sim)

	const total = 5
	var invoke func()
	count := 0
	invoke = func() {
		c.Invoke(smr.NewData(nil), func(smr.Data) {
			count++
			if count < total {
				invoke()
			}
		})
	}
	invoke()
	sim.Run(5 * time.Second)

	primaryCommit := replicas[0].Log().CommitNumber()
	if primaryCommit != total {
		t.Fatalf("primary committed %d ops, want %d", primaryCommit, total)
	}
	for i := 1; i < len(replicas); i++ {
		if got := replicas[i].Log().CommitNumber(); got != primaryCommit {
			t.Fatalf("replica %d commit number is %d, primary's is %d", i, got, primaryCommit)
		}
		for op := smr.OpNumber(1); op <= primaryCommit; op++ {
			wantBlock, _, _ := replicas[0].Log().BlockAt(op)
			gotBlock, committed, found := replicas[i].Log().BlockAt(op)
			if !found || !committed {
				t.Fatalf("replica %d is missing committed block %d", i, op)
			}
			if len(gotBlock.Entries) != len(wantBlock.Entries) {
				t.Fatalf("replica %d block %d has %d entries, primary has %d", i, op, len(gotBlock.Entries), len(wantBlock.Entries))
			}
		}
	}
}
