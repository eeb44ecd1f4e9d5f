// Package client implements the protocol-agnostic basic client described
// in spec.md §4.6: send/resend/match-replies machinery shared by the
// unreplicated and VR protocols, parameterized over how a request is
// wrapped on the wire and how a reply is recognized.
package client

import (
	"encoding/binary"
	"log"
	"time"

	"github.com/google/uuid"

	smr "github.com/neatsys-failures/oskr"
	"github.com/neatsys-failures/oskr/stimer"
	"github.com/neatsys-failures/oskr/transport"
)

// Request is the client-side envelope every protocol wraps into its own
// replica-message variant before serializing.
type Request struct {
	ClientId      smr.ClientId
	RequestNumber smr.RequestNumber
	Op            smr.Data
}

// Reply is what a protocol's wire reply decodes into, regardless of the
// tagged-union shape it actually arrived in.
type Reply struct {
	RequestNumber smr.RequestNumber
	Result        smr.Data
	ViewNumber    smr.ViewNumber
	ReplicaId     smr.ReplicaId
}

// SerializeRequest writes req's protocol-specific wire encoding into buf
// and returns the number of bytes written, per transport.Transport's
// write contract.
type SerializeRequest func(buf []byte, req Request) int

// DeserializeReply decodes payload into a Reply, reporting false if
// payload is not a reply this client recognizes (e.g. a stray message
// tag on a shared address).
type DeserializeReply func(payload []byte) (Reply, bool)

// Strategy selects how a request is addressed.
type Strategy int

const (
	// All sends every request (and resend) to every replica.
	All Strategy = iota
	// PrimaryFirst sends the first attempt only to the current primary,
	// then escalates to All on every resend (spec.md §9 open question:
	// not just the first escalation — every one).
	PrimaryFirst
)

type pending struct {
	requestNumber smr.RequestNumber
	op            smr.Data
	results       map[string]map[smr.ReplicaId]bool
	callback      func(smr.Data)
}

// Client is the basic client, generic over a transport address type that
// is itself string-shaped (transport.Simulator uses plain string,
// transport.Live uses its own defined string type) so it can convert a
// Config's plain-string replica addresses into its own Address type.
type Client[Address ~string] struct {
	transport transport.Transport[Address]
	address   Address
	clientId  smr.ClientId

	strategy        Strategy
	resendInterval  time.Duration
	faultMultiplier int

	serializeRequest SerializeRequest
	deserializeReply DeserializeReply

	requestNumber smr.RequestNumber
	viewNumber    smr.ViewNumber

	pending     *pending
	resendTimer *stimer.Timer
}

// New creates a Client that allocates its own address on t and registers
// to receive replies there.
func New[Address ~string](
	t transport.Transport[Address],
	strategy Strategy,
	resendInterval time.Duration,
	faultMultiplier int,
	serializeRequest SerializeRequest,
	deserializeReply DeserializeReply,
) *Client[Address] {
	c := &Client[Address]{
		transport:        t,
		address:          t.AllocateAddress(),
		clientId:         newClientId(),
		strategy:         strategy,
		resendInterval:   resendInterval,
		faultMultiplier:  faultMultiplier,
		serializeRequest: serializeRequest,
		deserializeReply: deserializeReply,
	}
	t.RegisterReceiver(c.address, c.receiveMessage)
	c.resendTimer = stimer.New(t, resendInterval, c.resend)
	return c
}

// newClientId draws a ClientId from a uuid.New() draw, per spec.md §9's
// "global random engine" note — no cryptographic requirement, just a
// value unlikely to collide across a run's lifetime.
func newClientId() smr.ClientId {
	id := uuid.New()
	return smr.ClientId(binary.BigEndian.Uint32(id[:4]))
}

// Address reports this client's own transport address.
func (c *Client[Address]) Address() Address {
	return c.address
}

// ClientId reports this client's identifier.
func (c *Client[Address]) ClientId() smr.ClientId {
	return c.clientId
}

// Invoke submits op and arranges for callback to fire exactly once, with
// the matched result, once enough replicas agree. Fatal if a request is
// already outstanding (spec.md §4.6: "at most one outstanding invocation
// at a time").
func (c *Client[Address]) Invoke(op smr.Data, callback func(smr.Data)) {
	if c.pending != nil {
		smr.Panicf("client %d: invoke called with request %d still pending", c.clientId, c.pending.requestNumber)
	}
	c.requestNumber++
	c.pending = &pending{
		requestNumber: c.requestNumber,
		op:            op,
		results:       make(map[string]map[smr.ReplicaId]bool),
		callback:      callback,
	}
	c.sendRequest(false)
}

func (c *Client[Address]) sendRequest(resend bool) {
	req := Request{ClientId: c.clientId, RequestNumber: c.pending.requestNumber, Op: c.pending.op}
	write := func(buf []byte) int { return c.serializeRequest(buf, req) }

	switch {
	case c.strategy == All, resend:
		c.transport.SendMessageToAll(c.address, write)
	default: // PrimaryFirst, first attempt
		primary := c.transport.Config().PrimaryOf(c.viewNumber)
		dest := Address(c.transport.Config().ReplicaAddress(primary))
		c.transport.SendMessage(c.address, dest, write)
	}
	c.resendTimer.Reset()
}

// resend is the resend timer's callback: it only fires while requestNumber
// still matches a pending request, per spec.md §4.6.
func (c *Client[Address]) resend() {
	if c.pending == nil {
		return
	}
	log.Printf("client %d: resending request %d", c.clientId, c.pending.requestNumber)
	c.sendRequest(true)
}

func (c *Client[Address]) receiveMessage(remote Address, payload []byte) {
	reply, ok := c.deserializeReply(payload)
	if !ok {
		return
	}
	c.handleReply(reply)
}

func (c *Client[Address]) handleReply(reply Reply) {
	if c.pending == nil || reply.RequestNumber != c.pending.requestNumber {
		return
	}
	if reply.ViewNumber > c.viewNumber {
		c.viewNumber = reply.ViewNumber
	}

	nMatched := c.faultMultiplier*c.transport.Config().F + 1
	key := reply.Result.String()
	votes, ok := c.pending.results[key]
	if !ok {
		votes = make(map[smr.ReplicaId]bool)
		c.pending.results[key] = votes
	}
	votes[reply.ReplicaId] = true
	if len(votes) >= nMatched {
		c.deliver(reply.Result)
	}
}

func (c *Client[Address]) deliver(result smr.Data) {
	callback := c.pending.callback
	c.resendTimer.Disable()
	c.pending = nil
	callback(result)
}
