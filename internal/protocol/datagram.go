package protocol

import (
	"errors"

	"github.com/gamevidea/binary/buffer"
	"github.com/gamevidea/binary/byteorder"
)

// This error is returned when a datagram is not larger than the channel tag and cookie, which
// means it cannot carry a message.
var ErrDatagramTooShort = errors.New("the datagram is too short to carry a message")

// This error is returned when a datagram starts with a byte that is not a defined channel.
var ErrInvalidChannel = errors.New("the datagram does not start with a valid channel")

// Datagram is a single framed datagram as it is sent over the socket. The payload references
// the slice the datagram was read from.
type Datagram struct {
	Channel Channel
	Cookie  uint32
	Payload []byte
}

// Reads a datagram from the slice of bytes passed and returns an error if it is undersized or
// does not start with a valid channel. Both errors are expected for random network noise and
// should be treated as a reason to drop the datagram, not as a failure.
func ReadDatagram(data []byte) (Datagram, error) {
	if len(data) <= DATAGRAM_HEADER_SIZE {
		return Datagram{}, ErrDatagramTooShort
	}

	b := buffer.From(data)

	tag, err := b.ReadUint8()
	if err != nil {
		return Datagram{}, err
	}

	channel, ok := ParseChannel(tag)
	if !ok {
		return Datagram{}, ErrInvalidChannel
	}

	cookie, err := b.ReadUint32(byteorder.BigEndian)
	if err != nil {
		return Datagram{}, err
	}

	return Datagram{
		Channel: channel,
		Cookie:  cookie,
		Payload: data[DATAGRAM_HEADER_SIZE:],
	}, nil
}

// Writes a datagram into the buffer passed. The buffer is reset first so that it can be reused
// for every datagram of a connection. The payload parts are written one after another.
func WriteDatagram(b *buffer.Buffer, channel Channel, cookie uint32, payload ...[]byte) error {
	b.Reset()

	if err := b.WriteUint8(uint8(channel)); err != nil {
		return err
	}

	if err := b.WriteUint32(cookie, byteorder.BigEndian); err != nil {
		return err
	}

	for _, part := range payload {
		if len(part) == 0 {
			continue
		}

		if err := b.Write(part); err != nil {
			return err
		}
	}

	return nil
}
