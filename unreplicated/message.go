package unreplicated

import (
	"bytes"
	"encoding/gob"
	"log"

	smr "github.com/neatsys-failures/oskr"
	"github.com/neatsys-failures/oskr/client"
)

// tag discriminates the two-variant wire union this degenerate protocol
// needs: a client Request and a replica Reply (spec.md §6's tagged-union
// scheme, trimmed to the one request/reply pair this protocol has).
type tag byte

const (
	tagRequest tag = iota
	tagReply
)

type envelope struct {
	Tag     tag
	Request client.Request
	Reply   client.Reply
}

// encode gob-encodes e into buf, matching the same BUFFER_SIZE-bounded
// write contract transport.Transport.SendMessage requires.
func encode(buf []byte, e envelope) int {
	var out bytes.Buffer
	if err := gob.NewEncoder(&out).Encode(e); err != nil {
		smr.Panicf("unreplicated: encode: %v", err)
	}
	if out.Len() > len(buf) {
		smr.Panicf("unreplicated: encoded message of %d bytes exceeds buffer of %d", out.Len(), len(buf))
	}
	copy(buf, out.Bytes())
	return out.Len()
}

// decode is the deserializer side. A failure here is logged and dropped,
// not fatal — spec.md §7 reserves fatal aborts for a trusted link; a
// malformed payload on an address this protocol does not otherwise
// validate is treated as noise rather than an attack.
func decode(payload []byte) (envelope, bool) {
	var e envelope
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&e); err != nil {
		log.Printf("unreplicated: decode: %v", err)
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
