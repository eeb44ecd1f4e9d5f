package smr

import "fmt"

// Config is immutable for the lifetime of a run: fault tolerance, the
// ordered replica address list, and an optional multicast address.
// Addresses are opaque, comparable values — the simulator uses short
// strings, the live transport uses its own address type (see transport.Live).
type Config struct {
	F                int
	ReplicaAddresses []string
	MulticastAddress string
}

// NumReplicas is the configured replica count, n = 2f+1 for crash tolerance.
func (c Config) NumReplicas() int {
	return len(c.ReplicaAddresses)
}

// Validate enforces n >= 2f+1. Config is constructed in code (spec.md §6
// specifies no file format), so this is a programmer-error guard, not
// input validation — it panics rather than returning an error.
func (c Config) Validate() {
	if c.F < 0 {
		Panicf("smr: negative fault tolerance f=%d", c.F)
	}
	if c.NumReplicas() < 2*c.F+1 {
		Panicf(
			"smr: need at least 2f+1=%d replica addresses, got %d",
			2*c.F+1, c.NumReplicas(),
		)
	}
}

// PrimaryOf returns the replica that is primary in the given view:
// view mod n_replicas.
func (c Config) PrimaryOf(view ViewNumber) ReplicaId {
	n := c.NumReplicas()
	if n == 0 {
		Panicf("smr: PrimaryOf called on a config with no replicas")
	}
	return ReplicaId(uint64(view) % uint64(n))
}

// ReplicaAddress returns the configured address for id.
func (c Config) ReplicaAddress(id ReplicaId) string {
	if int(id) < 0 || int(id) >= len(c.ReplicaAddresses) {
		Panicf("smr: replica id %d out of range for %d replicas", id, len(c.ReplicaAddresses))
	}
	return c.ReplicaAddresses[id]
}

func (c Config) String() string {
	return fmt.Sprintf("Config{F:%d, Replicas:%v}", c.F, c.ReplicaAddresses)
}
