// Package unreplicated implements the degenerate single-replica protocol
// of spec.md §4.7: no ordering decision beyond "process requests as they
// arrive," exercising the log and client-table machinery without any
// consensus round trip. It serves both as a baseline and as a smoke test
// for smr/smrlog and smr/clienttable.
package unreplicated

import (
	smr "github.com/neatsys-failures/oskr"
	"github.com/neatsys-failures/oskr/client"
	"github.com/neatsys-failures/oskr/clienttable"
	"github.com/neatsys-failures/oskr/smrlog"
	"github.com/neatsys-failures/oskr/transport"
)

// Replica is the sole replica in an unreplicated run. Config must name
// exactly one replica address; this type always addresses itself as
// replica 0.
type Replica[Address ~string] struct {
	self      Address
	transport transport.Transport[Address]
	log       *smrlog.List
	table     *clienttable.Table[Address, client.Reply]
	opNumber  smr.OpNumber
}

// NewReplica constructs the replica, draining committed entries into app,
// and registers it to receive at its configured address.
func NewReplica[Address ~string](t transport.Transport[Address], app smr.Application) *Replica[Address] {
	r := &Replica[Address]{
		self:      Address(t.Config().ReplicaAddress(0)),
		transport: t,
		log:       smrlog.NewList(app),
		table:     clienttable.New[Address, client.Reply](),
	}
	t.RegisterReceiver(r.self, r.receiveMessage)
	return r
}

func (r *Replica[Address]) receiveMessage(remote Address, payload []byte) {
	e, ok := decode(payload)
	if !ok || e.Tag != tagRequest {
		return
	}
	r.handleRequest(remote, e.Request)
}

// handleRequest implements spec.md §4.7 exactly: a client-table hit
// short-circuits straight to the apply closure; a fresh request becomes a
// single-entry block, prepared and committed at the next op number in the
// same step (there is no separate agreement phase to wait on).
func (r *Replica[Address]) handleRequest(remote Address, req client.Request) {
	if apply, handled := r.table.Check(remote, req.ClientId, req.RequestNumber); handled {
		apply(r.sendReply)
		return
	}

	r.opNumber++
	block := smrlog.Block{Entries: []smrlog.Entry{
		{ClientId: req.ClientId, RequestNumber: req.RequestNumber, Op: req.Op},
	}}
	r.log.Prepare(r.opNumber, block)
	r.log.Commit(r.opNumber, r.onCommit)
}

func (r *Replica[Address]) onCommit(clientId smr.ClientId, requestNumber smr.RequestNumber, result smr.Data) {
	reply := client.Reply{RequestNumber: requestNumber, Result: result, ViewNumber: 0, ReplicaId: 0}
	r.table.UpdateReply(clientId, requestNumber, reply)(r.sendReply)
}

func (r *Replica[Address]) sendReply(remote Address, reply client.Reply) {
	r.transport.SendMessage(r.self, remote, func(buf []byte) int {
		return encode(buf, envelope{Tag: tagReply, Reply: reply})
	})
}
