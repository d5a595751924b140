package reliable

// EventKind enumerates the observable event stream described in the
// transport's external interface. Callers never receive a per-packet
// drop notification through Send itself — only through this stream.
type EventKind int

const (
	EventTxData EventKind = iota
	EventRxData
	EventAckTx
	EventAckRx
	EventRetx
	EventDeliver
	EventSkipGap
	EventDropMaxRetx
)

func (k EventKind) String() string {
	switch k {
	case EventTxData:
		return "tx_data"
	case EventRxData:
		return "rx_data"
	case EventAckTx:
		return "ack_tx"
	case EventAckRx:
		return "ack_rx"
	case EventRetx:
		return "retx"
	case EventDeliver:
		return "deliver"
	case EventSkipGap:
		return "skip_gap"
	case EventDropMaxRetx:
		return "drop_max_retx"
	default:
		return "unknown"
	}
}

// Event is the payload delivered to the optional observable-event
// callback. Fields not relevant to Kind are left zero.
type Event struct {
	Kind EventKind
	Seq  uint16

	// EventRetx
	Count int

	// EventAckRx
	RTTMs int64

	// EventDeliver
	InOrder bool
	Skipped bool

	// EventSkipGap
	FromSeq  uint16
	ToSeq    uint16
	WaitedMs int64
}

// EventSink receives observable events. A nil sink is valid and simply
// discards every event; callers that don't care about observability
// never have to nil-check anything themselves.
type EventSink func(Event)

func emit(sink EventSink, ev Event) {
	if sink != nil {
		sink(ev)
	}
}
