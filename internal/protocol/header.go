package protocol

// ReliableHeader is the first byte of every message carried over the reliable channel.
// It travels inside the ARQ stream so that handshakes and keepalives survive packet loss.
type ReliableHeader = uint8

const (
	ReliableHello ReliableHeader = 1
	ReliablePing  ReliableHeader = 2
	ReliableData  ReliableHeader = 3
)

// UnreliableHeader is the first byte of every message carried over the unreliable channel.
// Its values do not overlap with the reliable ones.
type UnreliableHeader = uint8

const (
	UnreliableData       UnreliableHeader = 4
	UnreliableDisconnect UnreliableHeader = 5
)

// Returns the reliable header encoded in the byte passed. Undefined values are rejected so
// that corrupted or forged messages never reach the state machine.
func ParseReliableHeader(b byte) (ReliableHeader, bool) {
	switch b {
	case ReliableHello, ReliablePing, ReliableData:
		return b, true
	default:
		return 0, false
	}
}

// Returns the unreliable header encoded in the byte passed.
func ParseUnreliableHeader(b byte) (UnreliableHeader, bool) {
	switch b {
	case UnreliableData, UnreliableDisconnect:
		return b, true
	default:
		return 0, false
	}
}
