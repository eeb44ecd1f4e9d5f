package smrlog

import smr "github.com/neatsys-failures/oskr"

// ChainBlock is the reserved, unexercised block shape for a future BFT
// protocol: each block additionally carries a back-pointer to the
// content hash of the block before it, per spec.md §3's Block definition
// and §1's "a Chain log structure is reserved but not exercised."
type ChainBlock struct {
	Previous smr.Hash
	Entries  []Entry
}

// ContentHash digests a ChainBlock's entries, the value the next block's
// Previous pointer must match.
func (b ChainBlock) ContentHash() smr.Hash {
	var buf []byte
	for _, e := range b.Entries {
		buf = append(buf, byte(e.ClientId), byte(e.ClientId>>8), byte(e.ClientId>>16), byte(e.ClientId>>24))
		buf = append(buf, byte(e.RequestNumber), byte(e.RequestNumber>>8), byte(e.RequestNumber>>16), byte(e.RequestNumber>>24))
		buf = append(buf, e.Op.Bytes()...)
	}
	return smr.HashBytes(buf)
}

type chainBlockState struct {
	block     ChainBlock
	committed bool
}

// Chain mirrors List's prepare/commit/rollback machinery over ChainBlock
// instead of Block, verifying each prepared block's back-pointer against
// the content hash of the block before it. No protocol in this repository
// constructs a Chain log; it exists purely as the typed extension point
// spec.md §1 and §9 reserve for a future BFT protocol.
type Chain struct {
	app    smr.Application
	start  smr.OpNumber
	done   smr.OpNumber
	blocks []chainBlockState
	upcall bool
}

// NewChain creates a Chain log draining into app.
func NewChain(app smr.Application) *Chain {
	return &Chain{app: app, upcall: true}
}

// Prepare appends block at index like List.Prepare, additionally checking
// that block.Previous matches the content hash of the immediately
// preceding block (or the zero hash, for the first block in the chain).
func (c *Chain) Prepare(index smr.OpNumber, block ChainBlock) {
	if len(block.Entries) > BlockSize {
		smr.Panicf("smrlog: chain block has %d entries, exceeds BlockSize=%d", len(block.Entries), BlockSize)
	}
	if c.start == 0 {
		c.start = index
		if !block.Previous.IsZero() {
			smr.Panicf("smrlog: first chain block must have zero Previous, got %s", block.Previous)
		}
	} else {
		expected := c.start + smr.OpNumber(len(c.blocks))
		if index != expected {
			smr.Panicf("smrlog: chain prepare gap: got index %d, expected %d", index, expected)
		}
		prev := c.blocks[len(c.blocks)-1].block.ContentHash()
		if block.Previous != prev {
			smr.Panicf("smrlog: chain block %d Previous mismatch", index)
		}
	}
	c.blocks = append(c.blocks, chainBlockState{block: block})
}

// Commit mirrors List.Commit.
func (c *Chain) Commit(index smr.OpNumber, reply ReplyFunc) {
	i := c.indexOf(index)
	if i < 0 {
		smr.Panicf("smrlog: chain commit on unprepared index %d", index)
	}
	c.blocks[i].committed = true
	c.drain(reply)
}

func (c *Chain) drain(reply ReplyFunc) {
	for {
		next := c.done + 1
		i := c.indexOf(next)
		if i < 0 || !c.blocks[i].committed {
			return
		}
		if !c.upcall {
			return
		}
		for _, e := range c.blocks[i].block.Entries {
			result, err := c.app.Commit(e.Op)
			if err != nil {
				smr.Fatalf("smrlog: application commit failed: %v", err)
			}
			if reply != nil {
				reply(e.ClientId, e.RequestNumber, result)
			}
		}
		c.done = next
	}
}

// RollbackTo mirrors List.RollbackTo.
func (c *Chain) RollbackTo(index smr.OpNumber) {
	if c.start == 0 {
		return
	}
	if index < c.start {
		c.start, c.blocks, c.done = 0, nil, 0
		return
	}
	i := int(index - c.start)
	if i < len(c.blocks) {
		c.blocks = c.blocks[:i]
	}
	if c.done >= index {
		c.done = index - 1
	}
}

// EnableUpcall mirrors List.EnableUpcall.
func (c *Chain) EnableUpcall() {
	c.upcall = true
	c.drain(nil)
}

// DisableUpcall mirrors List.DisableUpcall.
func (c *Chain) DisableUpcall() {
	c.upcall = false
}

// CommitNumber mirrors List.CommitNumber.
func (c *Chain) CommitNumber() smr.OpNumber {
	return c.done
}

// PreparedOpNumber mirrors List.PreparedOpNumber.
func (c *Chain) PreparedOpNumber() smr.OpNumber {
	if len(c.blocks) == 0 {
		return 0
	}
	return c.start + smr.OpNumber(len(c.blocks)) - 1
}

func (c *Chain) indexOf(index smr.OpNumber) int {
	if c.start == 0 || index < c.start {
		return -1
	}
	i := int(index - c.start)
	if i >= len(c.blocks) {
		return -1
	}
	return i
}
