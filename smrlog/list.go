// Package smrlog implements the replicated log: an append-only, batched
// sequence of blocks that a replica prepares, commits, and drains against
// an Application. List is the exercised variant (spec.md §4.2); Chain is
// the reserved, unexercised variant a future BFT protocol would use
// (spec.md §1, §9).
package smrlog

import (
	smr "github.com/neatsys-failures/oskr"
)

// BlockSize bounds how many entries a single consensus block may carry.
const BlockSize = 50

// Entry is one client request ordered into the log.
type Entry struct {
	ClientId      smr.ClientId
	RequestNumber smr.RequestNumber
	Op            smr.Data
}

// Block is the unit of consensus for the list variant: up to BlockSize
// entries agreed upon together at one OpNumber.
type Block struct {
	Entries []Entry
}

// ReplyFunc is the upcall-result callback: the log invokes it once per
// entry, in order, as each committed block drains.
type ReplyFunc func(clientId smr.ClientId, requestNumber smr.RequestNumber, result smr.Data)

// Log is the interface both variants implement, parametric over the block
// shape a particular protocol needs (spec.md §9's redesign note prefers
// this over a virtual hierarchy, since the log surface is closed).
type Log[B any] interface {
	Prepare(index smr.OpNumber, block B)
	Commit(index smr.OpNumber, reply ReplyFunc)
	RollbackTo(index smr.OpNumber)
	EnableUpcall()
	DisableUpcall()
	CommitNumber() smr.OpNumber
	PreparedOpNumber() smr.OpNumber
}

type blockState struct {
	block     Block
	committed bool
}

// List is the exercised Log implementation: a dense, gapless run of
// prepared blocks starting at some OpNumber (normally 1), drained against
// an Application as blocks commit in order.
type List struct {
	app    smr.Application
	start  smr.OpNumber // 0 means unset
	done   smr.OpNumber // highest committed-and-executed index
	blocks []blockState
	upcall bool
}

// NewList creates a List that drains into app. Upcall starts enabled —
// in this design backups always execute (spec.md §4.2's DisableUpcall
// doc note), so there is no normal-case reason to start disabled.
func NewList(app smr.Application) *List {
	return &List{app: app, upcall: true}
}

// Prepare appends block at index, which must equal start+len(blocks)
// (append-only). The first Prepare call sets start.
func (l *List) Prepare(index smr.OpNumber, block Block) {
	if len(block.Entries) > BlockSize {
		smr.Panicf("smrlog: block has %d entries, exceeds BlockSize=%d", len(block.Entries), BlockSize)
	}
	if l.start == 0 {
		l.start = index
	}
	expected := l.start + smr.OpNumber(len(l.blocks))
	if index != expected {
		smr.Panicf("smrlog: prepare gap: got index %d, expected %d", index, expected)
	}
	l.blocks = append(l.blocks, blockState{block: block})
}

// Commit marks index committed, then drains every contiguously committed
// block starting at the current executed frontier, invoking reply once
// per entry as it executes.
func (l *List) Commit(index smr.OpNumber, reply ReplyFunc) {
	i := l.indexOf(index)
	if i < 0 {
		smr.Panicf("smrlog: commit on unprepared index %d", index)
	}
	l.blocks[i].committed = true
	l.drain(reply)
}

func (l *List) drain(reply ReplyFunc) {
	for {
		next := l.done + 1
		i := l.indexOf(next)
		if i < 0 || !l.blocks[i].committed {
			return
		}
		if !l.upcall {
			return
		}
		for _, e := range l.blocks[i].block.Entries {
			result, err := l.app.Commit(e.Op)
			if err != nil {
				smr.Fatalf("smrlog: application commit failed: %v", err)
			}
			if reply != nil {
				reply(e.ClientId, e.RequestNumber, result)
			}
		}
		l.done = next
	}
}

// RollbackTo discards every block at index >= index. If index precedes
// start, the whole log is cleared. The Application's Rollback is not
// invoked — spec.md §4.2's documented limitation; Mock and Null are both
// safe under it (see smr.Application's doc comment).
func (l *List) RollbackTo(index smr.OpNumber) {
	if l.start == 0 {
		return
	}
	if index < l.start {
		l.start, l.blocks, l.done = 0, nil, 0
		return
	}
	i := int(index - l.start)
	if i < len(l.blocks) {
		l.blocks = l.blocks[:i]
	}
	if l.done >= index {
		l.done = index - 1
	}
}

// EnableUpcall turns upcalls back on and immediately drains anything that
// backed up while they were off, using a silent reply callback — this is
// how a silenced backup catches up without double-replying to clients.
func (l *List) EnableUpcall() {
	l.upcall = true
	l.drain(nil)
}

// DisableUpcall turns upcalls off; Commit still marks blocks committed but
// neither calls into the Application nor advances CommitNumber until
// EnableUpcall drains them.
func (l *List) DisableUpcall() {
	l.upcall = false
}

// CommitNumber is the highest index that has been committed and executed.
func (l *List) CommitNumber() smr.OpNumber {
	return l.done
}

// PreparedOpNumber is the highest index that has been prepared, 0 if none.
func (l *List) PreparedOpNumber() smr.OpNumber {
	if len(l.blocks) == 0 {
		return 0
	}
	return l.start + smr.OpNumber(len(l.blocks)) - 1
}

// StartOpNumber is the index of the first prepared block, 0 if unset.
func (l *List) StartOpNumber() smr.OpNumber {
	return l.start
}

// BlockAt returns the block prepared at index and whether it is committed.
// Used by tests asserting property 3 (quorum precedes commit): replicas
// compare block contents at the same index.
func (l *List) BlockAt(index smr.OpNumber) (Block, bool, bool) {
	i := l.indexOf(index)
	if i < 0 {
		return Block{}, false, false
	}
	return l.blocks[i].block, l.blocks[i].committed, true
}

func (l *List) indexOf(index smr.OpNumber) int {
	if l.start == 0 || index < l.start {
		return -1
	}
	i := int(index - l.start)
	if i >= len(l.blocks) {
		return -1
	}
	return i
}
