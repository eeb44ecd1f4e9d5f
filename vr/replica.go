package vr

import (
	"log"
	"time"

	smr "github.com/neatsys-failures/oskr"
	"github.com/neatsys-failures/oskr/client"
	"github.com/neatsys-failures/oskr/clienttable"
	"github.com/neatsys-failures/oskr/quorum"
	"github.com/neatsys-failures/oskr/smrlog"
	"github.com/neatsys-failures/oskr/stimer"
	"github.com/neatsys-failures/oskr/transport"
)

type status int

const (
	statusNormal status = iota
	statusViewChange
)

// DefaultIdleCommitInterval is the primary's heartbeat period (spec.md
// §4.8: 200ms default).
const DefaultIdleCommitInterval = 200 * time.Millisecond

// DefaultViewChangeInterval is a backup's no-Prepare suspicion timeout
// (spec.md §4.8: 500ms default).
const DefaultViewChangeInterval = 500 * time.Millisecond

// Replica is one member of a Viewstamped Replication group, implementing
// the full normal-case and view-change state machine of spec.md §4.8.
type Replica[Address ~string] struct {
	id        smr.ReplicaId
	self      Address
	transport transport.Transport[Address]
	config    smr.Config

	log   *smrlog.List
	table *clienttable.Table[Address, client.Reply]

	batchSize int
	batch     []smrlog.Entry

	status           status
	view             smr.ViewNumber
	latestNormalView smr.ViewNumber
	opNumber         smr.OpNumber
	commitNumber     smr.OpNumber

	prepareOkSet       *quorum.Set[PrepareOk]
	startViewChangeSet *quorum.Set[StartViewChangeMsg]
	doViewChangeSet    *quorum.Set[DoViewChangeMsg]
	doViewChangeSent   bool

	idleCommitTimer *stimer.Timer
	viewChangeTimer *stimer.Timer
}

// NewReplica constructs replica id in config's group, draining committed
// entries into app. batchSize bounds how many requests the primary
// accumulates before closing a Prepare round (spec.md §4.8's constructor
// parameter); pass 1 for unbatched, lowest-latency operation.
func NewReplica[Address ~string](id smr.ReplicaId, t transport.Transport[Address], app smr.Application, batchSize int) *Replica[Address] {
	config := t.Config()
	r := &Replica[Address]{
		id:        id,
		self:      Address(config.ReplicaAddress(id)),
		transport: t,
		config:    config,
		log:       smrlog.NewList(app),
		table:     clienttable.New[Address, client.Reply](),
		batchSize: batchSize,

		prepareOkSet:       quorum.NewSet[PrepareOk](config.F),
		startViewChangeSet: quorum.NewSet[StartViewChangeMsg](config.F),
		doViewChangeSet:    quorum.NewSet[DoViewChangeMsg](config.F + 1),
	}
	r.idleCommitTimer = stimer.New(t, DefaultIdleCommitInterval, r.onIdleCommit)
	r.viewChangeTimer = stimer.New(t, DefaultViewChangeInterval, r.onViewChangeTimeout)

	if config.PrimaryOf(0) == id {
		r.idleCommitTimer.Enable()
	} else {
		r.viewChangeTimer.Enable()
	}

	t.RegisterReceiver(r.self, r.receiveMessage)
	return r
}

func (r *Replica[Address]) isPrimary() bool {
	return r.config.PrimaryOf(r.view) == r.id
}

func (r *Replica[Address]) receiveMessage(remote Address, payload []byte) {
	e, ok := decode(payload)
	if !ok {
		return
	}
	switch e.Tag {
	case tagRequest:
		r.handleRequest(remote, e.Request)
	case tagPrepare:
		r.handlePrepare(e.Prepare)
	case tagPrepareOk:
		r.handlePrepareOk(e.PrepareOk)
	case tagCommit:
		r.handleCommitMessage(e.Commit)
	case tagStartViewChange:
		r.handleStartViewChange(e.StartViewChange)
	case tagDoViewChange:
		r.handleDoViewChange(e.DoViewChange)
	case tagStartView:
		r.handleStartView(e.StartView)
	}
}

// --- 4.8.1 normal operation (primary) ---

func (r *Replica[Address]) handleRequest(remote Address, req client.Request) {
	// The source protocol only specifies this path for the primary; a
	// backup that receives a stray Request (clients escalate resends to
	// all replicas) silently drops it rather than forwarding.
	if !r.isPrimary() {
		return
	}
	if r.status != statusNormal {
		return
	}
	if apply, handled := r.table.Check(remote, req.ClientId, req.RequestNumber); handled {
		apply(r.sendReply)
		return
	}

	r.batch = append(r.batch, smrlog.Entry{ClientId: req.ClientId, RequestNumber: req.RequestNumber, Op: req.Op})
	if len(r.batch) >= r.batchSize {
		r.closeBatch()
	}
}

func (r *Replica[Address]) closeBatch() {
	r.opNumber++
	block := smrlog.Block{Entries: r.batch}
	r.log.Prepare(r.opNumber, block)
	r.batch = nil

	op := r.opNumber
	commit := r.commitNumber
	r.transport.SendMessageToAll(r.self, func(buf []byte) int {
		return encode(buf, envelope{Tag: tagPrepare, Prepare: Prepare{View: r.view, Op: op, Block: block, Commit: commit}})
	})
	r.idleCommitTimer.Reset()

	if _, ok := r.prepareOkSet.Check(uint64(op)); ok {
		r.commitUpTo(op)
	}
}

func (r *Replica[Address]) handlePrepareOk(msg PrepareOk) {
	if msg.View < r.view {
		return
	}
	if msg.View > r.view {
		r.startViewChange(msg.View)
		return
	}
	if !r.isPrimary() {
		smr.Panicf("vr: replica %d received PrepareOk while not primary of view %d", r.id, r.view)
	}
	if msg.Op <= r.commitNumber {
		return
	}
	if _, ok := r.prepareOkSet.AddAndCheck(uint64(msg.Op), msg.ReplicaId, msg); ok {
		r.commitUpTo(msg.Op)
	}
}

func (r *Replica[Address]) commitUpTo(target smr.OpNumber) {
	for i := r.commitNumber + 1; i <= target; i++ {
		r.log.Commit(i, r.onCommit)
	}
	r.commitNumber = target
}

func (r *Replica[Address]) onCommit(clientId smr.ClientId, requestNumber smr.RequestNumber, result smr.Data) {
	reply := client.Reply{RequestNumber: requestNumber, Result: result, ViewNumber: r.view, ReplicaId: r.id}
	// Every replica caches the reply in its client table; only the primary
	// of the current view sends it. A backup that was primary in an earlier
	// view may still know the client's remote address, so the Apply is not
	// run there.
	apply := r.table.UpdateReply(clientId, requestNumber, reply)
	if r.isPrimary() {
		apply(r.sendReply)
	}
}

func (r *Replica[Address]) onIdleCommit() {
	r.transport.SendMessageToAll(r.self, func(buf []byte) int {
		return encode(buf, envelope{Tag: tagCommit, Commit: CommitMsg{View: r.view, Commit: r.commitNumber}})
	})
	r.idleCommitTimer.Reset()
}

func (r *Replica[Address]) sendReply(remote Address, reply client.Reply) {
	r.transport.SendMessage(r.self, remote, func(buf []byte) int {
		return encode(buf, envelope{Tag: tagReply, Reply: reply})
	})
}

// --- 4.8.2 normal operation (backup) ---

func (r *Replica[Address]) handlePrepare(msg Prepare) {
	if r.status != statusNormal || msg.View < r.view {
		return
	}
	if msg.View > r.view {
		r.startViewChange(msg.View)
		return
	}
	if r.isPrimary() {
		smr.Panicf("vr: replica %d received Prepare while primary of view %d", r.id, r.view)
	}
	r.viewChangeTimer.Reset()

	if msg.Op <= r.opNumber {
		// TODO: resend a stale PrepareOk; for now, drop (spec.md §9 open
		// question, preserved as a documented no-op).
		return
	}
	if msg.Op > r.opNumber+1 {
		smr.Panicf("vr: replica %d: prepare gap, op %d but op_number is %d", r.id, msg.Op, r.opNumber)
	}

	r.opNumber++
	r.log.Prepare(r.opNumber, msg.Block)
	for _, e := range msg.Block.Entries {
		r.table.Update(e.ClientId, e.RequestNumber)
	}

	primary := r.config.ReplicaAddress(r.config.PrimaryOf(r.view))
	op := r.opNumber
	r.transport.SendMessage(r.self, Address(primary), func(buf []byte) int {
		return encode(buf, envelope{Tag: tagPrepareOk, PrepareOk: PrepareOk{View: r.view, Op: op, ReplicaId: r.id}})
	})

	if msg.Commit > r.commitNumber {
		r.commitUpTo(msg.Commit)
	}
}

func (r *Replica[Address]) handleCommitMessage(msg CommitMsg) {
	if msg.View < r.view {
		return
	}
	if msg.View > r.view {
		r.startViewChange(msg.View)
		return
	}
	r.viewChangeTimer.Reset()
	if msg.Commit > r.commitNumber {
		r.commitUpTo(msg.Commit)
	}
}

// --- 4.8.3 view change ---

func (r *Replica[Address]) startViewChange(v smr.ViewNumber) {
	r.status = statusViewChange
	r.view = v
	r.doViewChangeSent = false
	r.viewChangeTimer.Reset()

	r.transport.SendMessageToAll(r.self, func(buf []byte) int {
		return encode(buf, envelope{Tag: tagStartViewChange, StartViewChange: StartViewChangeMsg{View: v, ReplicaId: r.id}})
	})
}

func (r *Replica[Address]) onViewChangeTimeout() {
	r.startViewChange(r.view + 1)
}

func (r *Replica[Address]) handleStartViewChange(msg StartViewChangeMsg) {
	if msg.View < r.view {
		return
	}
	if msg.View > r.view {
		r.startViewChange(msg.View)
	}
	if _, ok := r.startViewChangeSet.AddAndCheck(uint64(msg.View), msg.ReplicaId, msg); ok {
		r.sendDoViewChange(msg.View)
	}
}

func (r *Replica[Address]) sendDoViewChange(v smr.ViewNumber) {
	if r.doViewChangeSent {
		return
	}
	r.doViewChangeSent = true

	msg := DoViewChangeMsg{
		View:             v,
		LatestNormalView: r.latestNormalView,
		Op:               r.opNumber,
		Commit:           r.commitNumber,
		ReplicaId:        r.id,
	}

	primary := r.config.PrimaryOf(v)
	if primary != r.id {
		r.transport.SendMessage(r.self, Address(r.config.ReplicaAddress(primary)), func(buf []byte) int {
			return encode(buf, envelope{Tag: tagDoViewChange, DoViewChange: msg})
		})
		return
	}

	if quorumMsgs, ok := r.doViewChangeSet.AddAndCheck(uint64(v), r.id, msg); ok {
		r.startView(quorumMsgs)
	}
}

func (r *Replica[Address]) handleDoViewChange(msg DoViewChangeMsg) {
	if msg.View < r.view {
		return
	}
	if msg.View > r.view {
		r.startViewChange(msg.View)
	}
	if r.config.PrimaryOf(msg.View) != r.id {
		smr.Panicf("vr: replica %d received DoViewChange for view %d while not its primary", r.id, msg.View)
	}
	if r.status != statusViewChange {
		// TODO: resend a StartView to a late backup; for now, drop (spec.md
		// §9 open question, preserved as a documented no-op).
		return
	}
	if quorumMsgs, ok := r.doViewChangeSet.AddAndCheck(uint64(msg.View), msg.ReplicaId, msg); ok {
		r.startView(quorumMsgs)
	}
}

// startView runs once a new primary's do_view_change_set reaches quorum.
// If any quorum member's op_number exceeds this replica's own, the source
// design gives up the view rather than attempt state transfer (spec.md
// §9's documented limitation: the log-placeholder carries no content, so
// there is nothing to recover from).
func (r *Replica[Address]) startView(quorumMsgs quorum.Messages[DoViewChangeMsg]) {
	var maxCommit smr.OpNumber
	for _, msg := range quorumMsgs {
		if msg.Op > r.opNumber {
			log.Printf("vr: replica %d giving up view %d: quorum member %d has op %d > self op %d",
				r.id, r.view, msg.ReplicaId, msg.Op, r.opNumber)
			return
		}
		if msg.Commit > maxCommit {
			maxCommit = msg.Commit
		}
	}

	sv := StartViewMsg{View: r.view, Op: r.opNumber, Commit: maxCommit}
	r.transport.SendMessageToAll(r.self, func(buf []byte) int {
		return encode(buf, envelope{Tag: tagStartView, StartView: sv})
	})
	r.enterView(sv)
}

func (r *Replica[Address]) handleStartView(msg StartViewMsg) {
	if msg.View < r.view {
		return
	}
	if msg.View == r.view && r.status == statusNormal {
		return
	}
	r.enterView(msg)
}

func (r *Replica[Address]) enterView(sv StartViewMsg) {
	r.view = sv.View
	r.status = statusNormal
	r.latestNormalView = sv.View
	r.batch = nil
	r.prepareOkSet.Clear()

	if r.isPrimary() {
		r.viewChangeTimer.Disable()
		r.idleCommitTimer.Enable()
	} else {
		r.viewChangeTimer.Reset()
		r.idleCommitTimer.Disable()
	}

	if r.opNumber < sv.Op {
		smr.Panicf("vr: replica %d entering view %d behind quorum: self op %d < %d", r.id, r.view, r.opNumber, sv.Op)
	}
	if sv.Commit > r.commitNumber {
		r.commitUpTo(sv.Commit)
	}
}

// View reports the replica's current view number, for test assertions of
// property 6 (view monotonicity).
func (r *Replica[Address]) View() smr.ViewNumber {
	return r.view
}

// Log exposes the replica's log, for tests asserting property 3 (quorum
// precedes commit) by comparing block contents across replicas.
func (r *Replica[Address]) Log() *smrlog.List {
	return r.log
}
