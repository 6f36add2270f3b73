package arq

// This contains the size of the header of every segment:
// Command (uint8)
// Fragment (uint8)
// Window (uint16)
// Timestamp (uint32)
// Sequence Number (uint32)
// Unacknowledged Sequence Number (uint32)
// Content Length (uint32)
const Overhead int = 1 + 1 + 2 + 4 + 4 + 4 + 4

// This is the number of maximum fragments that a message can be split into. The fragment
// field of a segment is a single byte counting down to zero.
const MaxFragments int = 255

// Command identifies what a segment carries.
type Command = uint8

const (
	cmdPush Command = 81 // data
	cmdAck  Command = 82 // acknowledgement of a pushed segment
	cmdWask Command = 83 // ask the remote for its window size
	cmdWins Command = 84 // tell the remote our window size
)

const (
	askSend uint32 = 1 // need to send cmdWask
	askTell uint32 = 2 // need to send cmdWins
)

const (
	// Retransmission timeouts in milliseconds.
	rtoNoDelay uint32 = 30
	rtoMin     uint32 = 100
	rtoDefault uint32 = 200
	rtoMax     uint32 = 60000

	// Default window sizes in segments.
	defaultSendWindow    uint32 = 32
	defaultReceiveWindow uint32 = 128

	defaultInterval uint32 = 100
	defaultDeadLink uint32 = 20

	thresholdInit uint32 = 2
	thresholdMin  uint32 = 2

	// Window probe back-off in milliseconds.
	probeInit  uint32 = 7000
	probeLimit uint32 = 120000
)
