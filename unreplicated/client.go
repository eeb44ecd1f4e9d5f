package unreplicated

import (
	"time"

	"github.com/neatsys-failures/oskr/client"
	"github.com/neatsys-failures/oskr/transport"
)

// DefaultResendInterval is how long an unreplicated client waits before
// re-broadcasting an unacknowledged request.
const DefaultResendInterval = time.Second

// NewClient wraps client.Client with the unreplicated protocol's wire
// hooks and strategy: broadcast every attempt (there being only one
// replica, All and PrimaryFirst coincide, but All needs no primary
// tracking), with fault_multiplier 0 since this protocol tolerates no
// faults at all.
func NewClient[Address ~string](t transport.Transport[Address]) *client.Client[Address] {
	return client.New[Address](t, client.All, DefaultResendInterval, 0, serializeRequest, deserializeReply)
}
