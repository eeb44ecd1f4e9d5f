package vr

import (
	"time"

	"github.com/neatsys-failures/oskr/client"
	"github.com/neatsys-failures/oskr/transport"
)

// DefaultResendInterval matches spec.md §8 scenario S7's stated value.
const DefaultResendInterval = time.Second

// NewClient wraps client.Client with VR's wire hooks and strategy:
// PrimaryFirst (send only to the last-known primary, escalating to every
// replica on each resend per spec.md §9), fault_multiplier 0 since this
// protocol is crash- not Byzantine-tolerant.
func NewClient[Address ~string](t transport.Transport[Address]) *client.Client[Address] {
	return client.New[Address](t, client.PrimaryFirst, DefaultResendInterval, 0, serializeRequest, deserializeReply)
}
