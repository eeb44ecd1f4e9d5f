// Package vr implements the Viewstamped Replication leader-based
// protocol of spec.md §4.8: normal-case prepare/commit under a primary,
// and view change when the primary is suspected dead.
package vr

import (
	"bytes"
	"encoding/gob"
	"log"

	smr "github.com/neatsys-failures/oskr"
	"github.com/neatsys-failures/oskr/client"
	"github.com/neatsys-failures/oskr/smrlog"
)

// tag discriminates the wire union: the seven replica-message variants of
// spec.md §6 plus the Reply sent back to clients, eight tags in all.
type tag byte

const (
	tagRequest tag = iota
	tagReply
	tagPrepare
	tagPrepareOk
	tagCommit
	tagStartViewChange
	tagDoViewChange
	tagStartView
)

// Prepare carries one closed batch from the primary to every backup.
type Prepare struct {
	View   smr.ViewNumber
	Op     smr.OpNumber
	Block  smrlog.Block
	Commit smr.OpNumber
}

// PrepareOk is a backup's acknowledgement of a Prepare.
type PrepareOk struct {
	View      smr.ViewNumber
	Op        smr.OpNumber
	ReplicaId smr.ReplicaId
}

// CommitMsg is the primary's periodic commit-point heartbeat.
type CommitMsg struct {
	View   smr.ViewNumber
	Commit smr.OpNumber
}

// StartViewChangeMsg announces a replica's intent to move to View.
type StartViewChangeMsg struct {
	View      smr.ViewNumber
	ReplicaId smr.ReplicaId
}

// DoViewChangeMsg is sent to the new primary once a replica's own
// StartViewChange quorum is reached. The log-placeholder field spec.md §6
// describes is intentionally absent: this design carries no log content
// across a view change (see spec.md §9's documented limitation), so there
// is nothing to encode beyond the state a replica already tracks locally.
type DoViewChangeMsg struct {
	View             smr.ViewNumber
	LatestNormalView smr.ViewNumber
	Op               smr.OpNumber
	Commit           smr.OpNumber
	ReplicaId        smr.ReplicaId
}

// StartViewMsg is the new primary's announcement that the view is live.
type StartViewMsg struct {
	View   smr.ViewNumber
	Op     smr.OpNumber
	Commit smr.OpNumber
}

type envelope struct {
	Tag tag

	Request client.Request
	Reply   client.Reply

	Prepare         Prepare
	PrepareOk       PrepareOk
	Commit          CommitMsg
	StartViewChange StartViewChangeMsg
	DoViewChange    DoViewChangeMsg
	StartView       StartViewMsg
}

func encode(buf []byte, e envelope) int {
	var out bytes.Buffer
	if err := gob.NewEncoder(&out).Encode(e); err != nil {
		smr.Panicf("vr: encode: %v", err)
	}
	if out.Len() > len(buf) {
		smr.Panicf("vr: encoded message of %d bytes exceeds buffer of %d", out.Len(), len(buf))
	}
	copy(buf, out.Bytes())
	return out.Len()
}

func decode(payload []byte) (envelope, bool) {
	var e envelope
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&e); err != nil {
		log.Printf("vr: decode: %v", err)
		return envelope{}, false
	}
	return e, true
}

func serializeRequest(buf []byte, req client.Request) int {
	return encode(buf, envelope{Tag: tagRequest, Request: req})
}

func deserializeReply(payload []byte) (client.Reply, bool) {
	e, ok := decode(payload)
	if !ok || e.Tag != tagReply {
		return client.Reply{}, false
	}
	return e.Reply, true
}
