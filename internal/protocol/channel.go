package protocol

// Channel is the delivery mode a datagram is sent with. It is the first byte of every
// datagram. The zero value is never sent so that random noise starting with 0 can be
// told apart from protocol traffic.
type Channel uint8

const (
	Reliable   Channel = 1
	Unreliable Channel = 2
)

// Returns the channel encoded in the byte passed and whether it is a defined channel.
func ParseChannel(b byte) (Channel, bool) {
	switch Channel(b) {
	case Reliable, Unreliable:
		return Channel(b), true
	default:
		return 0, false
	}
}

// Returns the name of the channel.
func (c Channel) String() string {
	switch c {
	case Reliable:
		return "Reliable"
	case Unreliable:
		return "Unreliable"
	default:
		return "Invalid"
	}
}
