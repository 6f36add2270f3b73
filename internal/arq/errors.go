package arq

import "errors"

// This error is returned when the MTU is too small to carry a segment with at least one byte
// of content.
var ErrInvalidMTU = errors.New("the mtu is too small to carry a segment")

// This error is returned when an empty message is submitted.
var ErrEmptyMessage = errors.New("cannot send an empty message")

// This error is returned when a message would need more fragments than the receive window or
// the fragment field allows.
var ErrMessageTooLarge = errors.New("the message exceeds the maximum number of fragments")

// This error is returned by Receive when no complete message is available.
var ErrNoMessage = errors.New("no complete message is available")

// This error is returned by Receive when the buffer cannot hold the next message.
var ErrShortBuffer = errors.New("the buffer is too small for the next message")

// This error is returned when an input segment is shorter than the segment header.
var ErrShortSegment = errors.New("the segment is shorter than the segment header")

// This error is returned when a segment claims more content than the datagram holds.
var ErrInvalidLength = errors.New("the segment length exceeds the remaining datagram")

// This error is returned when a segment carries an unknown command.
var ErrInvalidCommand = errors.New("the segment carries an unknown command")
