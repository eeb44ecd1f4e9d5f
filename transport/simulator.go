package transport

import (
	"fmt"
	"time"

	"github.com/emirpasic/gods/maps/treemap"

	smr "github.com/neatsys-failures/oskr"
)

// Filter inspects (or mutates, via delay) a message in flight and reports
// whether to keep it. A totally-partitioned network is assumed to
// eventually heal — this repository's filters are fault-injection for
// tests, not a permanent-partition model (spec.md §4.1).
type Filter func(source, dest string, delay *time.Duration) bool

// DefaultBufferSize is the simulator's per-message buffer bound.
const DefaultBufferSize = 9000

// DefaultWallClockLimit bounds how long a single Run call may spend in
// real wall-clock time before it is treated as a runaway test.
const DefaultWallClockLimit = 10 * time.Second

type simKey struct {
	at  time.Duration
	seq uint64
}

func simKeyComparator(a, b interface{}) int {
	ka, kb := a.(simKey), b.(simKey)
	switch {
	case ka.at < kb.at:
		return -1
	case ka.at > kb.at:
		return 1
	case ka.seq < kb.seq:
		return -1
	case ka.seq > kb.seq:
		return 1
	default:
		return 0
	}
}

// Simulator is the deterministic, single-threaded event-loop transport
// described in spec.md §4.1. It maintains a priority queue of
// (logical-time, insertion-order) events; Run pops the earliest event,
// advances its simulated clock, and executes it, giving every test built
// on it reproducible scheduling.
type Simulator struct {
	config     smr.Config
	bufferSize int

	now   time.Duration
	seq   uint64
	queue *treemap.Map // simKey -> func()

	receivers map[string]func(remote string, payload []byte)

	nextClientAddr int

	filters     map[int]Filter
	filterOrder []int

	wallClockLimit time.Duration
}

var _ Transport[string] = (*Simulator)(nil)

// NewSimulator creates a Simulator for config, with the default buffer
// size and wall-clock budget.
func NewSimulator(config smr.Config) *Simulator {
	return &Simulator{
		config:         config,
		bufferSize:     DefaultBufferSize,
		queue:          treemap.NewWith(simKeyComparator),
		receivers:      make(map[string]func(string, []byte)),
		filters:        make(map[int]Filter),
		wallClockLimit: DefaultWallClockLimit,
	}
}

// SetWallClockLimit overrides the real-time budget Run enforces.
func (s *Simulator) SetWallClockLimit(d time.Duration) {
	s.wallClockLimit = d
}

// Now reports the simulator's current logical time.
func (s *Simulator) Now() time.Duration {
	return s.now
}

// RegisterReceiver implements Transport.
func (s *Simulator) RegisterReceiver(address string, onMessage func(remote string, payload []byte)) {
	s.receivers[address] = onMessage
}

// SendMessage implements Transport.
func (s *Simulator) SendMessage(sender, dest string, write func([]byte) int) {
	s.deliver(sender, dest, s.serialize(write))
}

// SendMessageToAll implements Transport.
func (s *Simulator) SendMessageToAll(sender string, write func([]byte) int) {
	payload := s.serialize(write)
	for _, addr := range s.config.ReplicaAddresses {
		if addr == sender {
			continue
		}
		s.deliver(sender, addr, payload)
	}
}

// SendMessageToMulticast implements Transport.
func (s *Simulator) SendMessageToMulticast(sender string, write func([]byte) int) {
	if s.config.MulticastAddress == "" {
		return
	}
	s.deliver(sender, s.config.MulticastAddress, s.serialize(write))
}

func (s *Simulator) serialize(write func([]byte) int) []byte {
	buf := make([]byte, s.bufferSize)
	n := write(buf)
	if n > len(buf) {
		smr.Panicf("transport: message exceeds BufferSize=%d", len(buf))
	}
	return append([]byte(nil), buf[:n]...)
}

// deliver runs the filter chain, dropping the message if any filter
// returns false, then schedules its arrival at now+delay.
func (s *Simulator) deliver(source, dest string, payload []byte) {
	delay := time.Duration(0)
	for _, id := range s.filterOrder {
		if !s.filters[id](source, dest, &delay) {
			return
		}
	}
	s.schedule(s.now+delay, func() {
		recv, ok := s.receivers[dest]
		if !ok {
			smr.Fatalf("transport: simulator: no receiver registered for %q", dest)
		}
		recv(source, payload)
	})
}

// Spawn implements Transport: scheduled at the current logical instant,
// so same-instant spawns run in FIFO order.
func (s *Simulator) Spawn(cb func()) {
	s.schedule(s.now, cb)
}

// SpawnAfter implements Transport.
func (s *Simulator) SpawnAfter(delay time.Duration, cb func()) (cancel func()) {
	cancelled := new(bool)
	s.schedule(s.now+delay, func() {
		if !*cancelled {
			cb()
		}
	})
	return func() { *cancelled = true }
}

func (s *Simulator) schedule(at time.Duration, cb func()) {
	s.seq++
	s.queue.Put(simKey{at: at, seq: s.seq}, cb)
}

// AllocateAddress implements Transport.
func (s *Simulator) AllocateAddress() string {
	s.nextClientAddr++
	return fmt.Sprintf("client-%d", s.nextClientAddr)
}

// Config implements Transport.
func (s *Simulator) Config() smr.Config {
	return s.config
}

// BufferSize implements Transport.
func (s *Simulator) BufferSize() int {
	return s.bufferSize
}

// AddFilter installs a named filter. Filters run in the order they were
// added; any filter returning false drops the message.
func (s *Simulator) AddFilter(id int, f Filter) {
	if _, exists := s.filters[id]; !exists {
		s.filterOrder = append(s.filterOrder, id)
	}
	s.filters[id] = f
}

// RemoveFilter uninstalls a previously added filter.
func (s *Simulator) RemoveFilter(id int) {
	if _, exists := s.filters[id]; !exists {
		return
	}
	delete(s.filters, id)
	for i, fid := range s.filterOrder {
		if fid == id {
			s.filterOrder = append(s.filterOrder[:i], s.filterOrder[i+1:]...)
			break
		}
	}
}

// Terminate discards every pending event.
func (s *Simulator) Terminate() {
	s.queue.Clear()
}

// Run drains events until the queue is empty or until simulated time
// `until` is reached, whichever comes first. It enforces wallClockLimit
// in real time so a runaway handler loop fails the test instead of
// hanging the process.
func (s *Simulator) Run(until time.Duration) {
	deadline := time.Now().Add(s.wallClockLimit)
	for {
		if time.Now().After(deadline) {
			smr.Fatalf("transport: simulator exceeded wall-clock budget %s", s.wallClockLimit)
		}
		k, v := s.queue.Min()
		if k == nil {
			s.now = until
			return
		}
		key := k.(simKey)
		if key.at > until {
			s.now = until
			return
		}
		s.queue.Remove(key)
		s.now = key.at
		v.(func())()
	}
}
