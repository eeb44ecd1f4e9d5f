package transport

import (
	"encoding/binary"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	reuse "github.com/portmapping/go-reuse"

	smr "github.com/neatsys-failures/oskr"
)

// DefaultLiveBufferSize is the live transport's default per-message
// buffer bound, chosen to clear a standard Ethernet MTU's payload space
// after IP/TCP headers.
const DefaultLiveBufferSize = 1400

// Address is a Live transport endpoint: a dialable "host:port" string.
type Address string

// Live is a TCP-based Transport, grounded on the teacher's
// gob-over-net.TCPConn peer design, generalized to a byte-envelope
// receiver registry and enriched with go-reuse listener binding and a
// concurrent-map connection registry (see DESIGN.md). Its connection
// registry is the one place this repository needs concurrent-safe state
// (spec.md §5): the accept loop and outbound dial calls populate it from
// outside the single logical event stream Spawn/SpawnAfter feed into.
type Live struct {
	config      smr.Config
	dialTimeout time.Duration
	bufferSize  int

	mu        sync.Mutex
	listeners map[Address]net.Listener

	conns cmap.ConcurrentMap[string, *liveConn]

	receiversMu sync.RWMutex
	receivers   map[Address]func(remote Address, payload []byte)

	spawnc chan func()
}

type liveConn struct {
	conn net.Conn
	mu   sync.Mutex
}

func (c *liveConn) send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return writeFrame(c.conn, payload)
}

var _ Transport[Address] = (*Live)(nil)

// NewLive binds self's listener and starts the transport. self is the
// replica (or long-lived client) address this process owns.
func NewLive(self Address, config smr.Config, dialTimeout time.Duration) (*Live, error) {
	selfAddr, err := net.ResolveTCPAddr("tcp", string(self))
	if err != nil {
		return nil, err
	}
	ln, err := reuse.ListenTCP("tcp", selfAddr)
	if err != nil {
		return nil, err
	}
	l := &Live{
		config:      config,
		dialTimeout: dialTimeout,
		bufferSize:  DefaultLiveBufferSize,
		listeners:   map[Address]net.Listener{self: ln},
		conns:       cmap.New[*liveConn](),
		receivers:   make(map[Address]func(Address, []byte)),
		spawnc:      make(chan func(), 256),
	}
	go l.dispatchLoop()
	go l.acceptLoop(self, ln)
	return l, nil
}

func (l *Live) dispatchLoop() {
	for cb := range l.spawnc {
		cb()
	}
}

func (l *Live) spawn(cb func()) {
	l.spawnc <- cb
}

func (l *Live) acceptLoop(bound Address, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go l.handleConn(bound, conn, "")
	}
}

// handleConn decodes one length-prefixed payload at a time, dispatching
// each through Spawn rather than calling into RegisterReceiver's closure
// inline — this is the decoupling spec.md §9 requires of any RX thread.
// On an accepted connection (remote empty) it first reads the connecting
// peer's handshake frame (its own address, so replies can be routed
// back); on a connection this process dialed, remote is the dialed
// address and no handshake frame is expected.
func (l *Live) handleConn(bound Address, conn net.Conn, remote Address) {
	if remote == "" {
		remoteRaw, err := readFrame(conn)
		if err != nil {
			conn.Close()
			return
		}
		remote = Address(remoteRaw)
		l.conns.SetIfAbsent(string(remote), &liveConn{conn: conn})
	}

	for {
		payload, err := readFrame(conn)
		if err != nil {
			if err != io.EOF {
				log.Printf("transport: live: read from %s: %v", remote, err)
			}
			l.conns.Remove(string(remote))
			conn.Close()
			return
		}
		l.spawn(func() {
			l.receiversMu.RLock()
			recv, ok := l.receivers[bound]
			l.receiversMu.RUnlock()
			if ok {
				recv(remote, payload)
			}
		})
	}
}

func (l *Live) getConn(sender, dest Address) (*liveConn, error) {
	if lc, ok := l.conns.Get(string(dest)); ok {
		return lc, nil
	}
	conn, err := net.DialTimeout("tcp", string(dest), l.dialTimeout)
	if err != nil {
		return nil, err
	}
	if err := writeFrame(conn, []byte(sender)); err != nil {
		conn.Close()
		return nil, err
	}
	lc := &liveConn{conn: conn}
	if !l.conns.SetIfAbsent(string(dest), lc) {
		conn.Close()
		existing, _ := l.conns.Get(string(dest))
		return existing, nil
	}
	go l.handleConn(sender, conn, dest) // read replies flowing back over the same connection
	return lc, nil
}

func (l *Live) serialize(write func([]byte) int) []byte {
	buf := make([]byte, l.bufferSize)
	n := write(buf)
	if n > len(buf) {
		smr.Panicf("transport: message exceeds BufferSize=%d", len(buf))
	}
	return append([]byte(nil), buf[:n]...)
}

// RegisterReceiver implements Transport.
func (l *Live) RegisterReceiver(address Address, onMessage func(remote Address, payload []byte)) {
	l.receiversMu.Lock()
	l.receivers[address] = onMessage
	l.receiversMu.Unlock()
}

// SendMessage implements Transport.
func (l *Live) SendMessage(sender, dest Address, write func([]byte) int) {
	payload := l.serialize(write)
	lc, err := l.getConn(sender, dest)
	if err != nil {
		log.Printf("transport: live: dial %s: %v", dest, err)
		return
	}
	if err := lc.send(payload); err != nil {
		log.Printf("transport: live: send to %s: %v", dest, err)
		l.conns.Remove(string(dest))
	}
}

// SendMessageToAll implements Transport: serializes once and copies the
// buffer per destination, per spec.md §4.1.
func (l *Live) SendMessageToAll(sender Address, write func([]byte) int) {
	payload := l.serialize(write)
	for _, addrStr := range l.config.ReplicaAddresses {
		dest := Address(addrStr)
		if dest == sender {
			continue
		}
		cp := append([]byte(nil), payload...)
		lc, err := l.getConn(sender, dest)
		if err != nil {
			log.Printf("transport: live: dial %s: %v", dest, err)
			continue
		}
		if err := lc.send(cp); err != nil {
			log.Printf("transport: live: send to %s: %v", dest, err)
			l.conns.Remove(string(dest))
		}
	}
}

// SendMessageToMulticast implements Transport.
func (l *Live) SendMessageToMulticast(sender Address, write func([]byte) int) {
	if l.config.MulticastAddress == "" {
		return
	}
	l.SendMessage(sender, Address(l.config.MulticastAddress), write)
}

// Spawn implements Transport.
func (l *Live) Spawn(cb func()) {
	l.spawn(cb)
}

// SpawnAfter implements Transport. The underlying time.Timer's own
// cancellation races its callback firing, so an atomic flag backs the
// returned cancel func in addition to Stop — the generation-counter
// approach spec.md §9 allows in place of a transport-native cancel
// handle. The flag is checked when the timer expires and again on the
// dispatch stream just before cb runs, so a cancel issued after the
// expiry was already queued still suppresses cb.
func (l *Live) SpawnAfter(delay time.Duration, cb func()) (cancel func()) {
	var cancelled int32
	timer := time.AfterFunc(delay, func() {
		if atomic.LoadInt32(&cancelled) == 0 {
			l.spawn(func() {
				if atomic.LoadInt32(&cancelled) == 0 {
					cb()
				}
			})
		}
	})
	return func() {
		atomic.StoreInt32(&cancelled, 1)
		timer.Stop()
	}
}

// AllocateAddress implements Transport by binding a fresh ephemeral
// listener and routing its accept loop the same way self's is routed.
func (l *Live) AllocateAddress() Address {
	allocAddr, err := net.ResolveTCPAddr("tcp", "127.0.0.1:0")
	if err != nil {
		smr.Fatalf("transport: live: allocate address: %v", err)
	}
	ln, err := reuse.ListenTCP("tcp", allocAddr)
	if err != nil {
		smr.Fatalf("transport: live: allocate address: %v", err)
	}
	addr := Address(ln.Addr().String())
	l.mu.Lock()
	l.listeners[addr] = ln
	l.mu.Unlock()
	go l.acceptLoop(addr, ln)
	return addr
}

// Config implements Transport.
func (l *Live) Config() smr.Config {
	return l.config
}

// BufferSize implements Transport.
func (l *Live) BufferSize() int {
	return l.bufferSize
}

// Close shuts down every listener and connection this Live owns.
func (l *Live) Close() error {
	l.mu.Lock()
	for _, ln := range l.listeners {
		ln.Close()
	}
	l.mu.Unlock()
	for _, key := range l.conns.Keys() {
		if lc, ok := l.conns.Get(key); ok {
			lc.conn.Close()
		}
	}
	close(l.spawnc)
	return nil
}

func writeFrame(w io.Writer, payload []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
