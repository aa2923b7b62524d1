package packet

// LatencyClass is one of the ten enumerated forwarding priorities that
// partition packets (and zombies) into strict-priority queues per
// destination. The four packet classes below are declared in dequeue
// priority order; the zombie classes are not (see DequeuePriority for the
// order BinQueueMgr polls in).
type LatencyClass uint8

const (
	// CriticalLatency carries control traffic that must never be delayed.
	CriticalLatency LatencyClass = iota
	// ControlLatency carries other control-plane traffic.
	ControlLatency
	// LowLatency carries latency-sensitive application traffic.
	LowLatency
	// NormalLatency carries ordinary best-effort traffic.
	NormalLatency
	// HighLatRcvd is the normal zombie class ASAP injects into.
	HighLatRcvd
	// HighLatNPLB is the normal zombie class NPLB injects into.
	HighLatNPLB
	// HighLatZLR is the normal zombie class ZLR injects into.
	HighLatZLR
	// HighLatExp is the latency-sensitive zombie class ASAP injects into.
	HighLatExp
	// HighLatNPLBLS is the latency-sensitive zombie class NPLB injects into.
	HighLatNPLBLS
	// HighLatZLRLS is the latency-sensitive zombie class ZLR injects into.
	HighLatZLRLS

	// NumLatencyClasses is the number of declared latency classes.
	NumLatencyClasses
)

func (l LatencyClass) String() string {
	switch l {
	case CriticalLatency:
		return "CRITICAL"
	case ControlLatency:
		return "CONTROL"
	case LowLatency:
		return "LOW_LATENCY"
	case NormalLatency:
		return "NORMAL_LATENCY"
	case HighLatRcvd:
		return "HIGH_LAT_RCVD"
	case HighLatNPLB:
		return "HIGH_LAT_NPLB"
	case HighLatZLR:
		return "HIGH_LAT_ZLR"
	case HighLatExp:
		return "HIGH_LAT_EXP"
	case HighLatNPLBLS:
		return "HIGH_LAT_NPLB_LS"
	case HighLatZLRLS:
		return "HIGH_LAT_ZLR_LS"
	default:
		return "UNKNOWN_LATENCY_CLASS"
	}
}

// IsLatencySensitive reports whether lat belongs to the latency-sensitive
// group (either real packet traffic or an LS zombie class).
func (l LatencyClass) IsLatencySensitive() bool {
	switch l {
	case CriticalLatency, ControlLatency, LowLatency, HighLatExp, HighLatNPLBLS, HighLatZLRLS:
		return true
	default:
		return false
	}
}

// isPktlessZombieQueue is the compile-time table naming which latency
// classes hold no real packets: zombie classes always are.
var isPktlessZombieQueue = [NumLatencyClasses]bool{
	CriticalLatency:   false,
	ControlLatency:    false,
	LowLatency:        false,
	NormalLatency:     false,
	HighLatRcvd:       true,
	HighLatNPLB:       true,
	HighLatZLR:        true,
	HighLatExp:        true,
	HighLatNPLBLS:     true,
	HighLatZLRLS:      true,
}

// IsZombieClass reports whether lat is always backed by a packet-less
// ZombieQueue rather than a PacketQueue.
func (l LatencyClass) IsZombieClass() bool {
	if int(l) >= len(isPktlessZombieQueue) {
		return false
	}
	return isPktlessZombieQueue[l]
}

// DequeuePriority is the fixed priority order BinQueueMgr polls classes in:
// [CRITICAL, CONTROL, LOW_LATENCY, NORMAL_LATENCY, ...zombie classes]: the
// latency-sensitive zombie classes (EXP, NPLB_LS, ZLR_LS) drain before the
// normal zombie classes (RCVD, NPLB, ZLR), which differs from the order the
// constants are declared in.
var DequeuePriority = [NumLatencyClasses]LatencyClass{
	CriticalLatency,
	ControlLatency,
	LowLatency,
	NormalLatency,
	HighLatExp,
	HighLatNPLBLS,
	HighLatZLRLS,
	HighLatRcvd,
	HighLatNPLB,
	HighLatZLR,
}
