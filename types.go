package hudp

import (
	"github.com/hudpio/hudp/reliable"
	"github.com/hudpio/hudp/wire"
)

// Received is handed to the application's receive callback for every
// delivered payload, on either channel.
type Received struct {
	Channel wire.Channel
	Seq     uint16
	TsMs    uint32
	// RTTMs is the sending engine's current smoothed RTT estimate in
	// milliseconds, attached on a best-effort basis. Always nil on the
	// unreliable channel.
	RTTMs   *int64
	Payload []byte
	// Skipped is true only for a reliable payload delivered out of
	// order because the gap-skip scanner forced the cursor past the
	// missing sequences before it.
	Skipped bool
}

// ReceiveCallback is invoked once per delivered payload. It must not
// block for long: it runs synchronously on the transport's ingress
// goroutine (or the gap-skip scanner for a skipped delivery).
type ReceiveCallback func(Received)

// EventCallback is the optional observable-event sink described in the
// transport's external interface.
type EventCallback func(peerLabel string, ev reliable.Event)
