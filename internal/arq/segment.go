package arq

import (
	"github.com/gamevidea/binary/buffer"
	"github.com/gamevidea/binary/byteorder"
)

// segment is the unit the ARQ engine transmits. A message is split into one or more push
// segments whose frg field counts down to zero on the last fragment.
type segment struct {
	cmd Command
	frg uint8
	wnd uint16
	ts  uint32
	sn  uint32
	una uint32

	data []byte

	resendts uint32
	rto      uint32
	fastack  uint32
	xmit     uint32
}

// Writes the header and content of the segment to the buffer and returns an error if the
// operation has failed.
func (s *segment) write(b *buffer.Buffer) (err error) {
	if err = b.WriteUint8(s.cmd); err != nil {
		return
	}

	if err = b.WriteUint8(s.frg); err != nil {
		return
	}

	if err = b.WriteUint16(s.wnd, byteorder.BigEndian); err != nil {
		return
	}

	if err = b.WriteUint32(s.ts, byteorder.BigEndian); err != nil {
		return
	}

	if err = b.WriteUint32(s.sn, byteorder.BigEndian); err != nil {
		return
	}

	if err = b.WriteUint32(s.una, byteorder.BigEndian); err != nil {
		return
	}

	if err = b.WriteUint32(uint32(len(s.data)), byteorder.BigEndian); err != nil {
		return
	}

	if len(s.data) > 0 {
		err = b.Write(s.data)
	}

	return
}

// Reads a segment from the buffer and returns an error if the operation has failed. The
// content is copied so that the segment outlives the datagram it was read from.
func (s *segment) read(b *buffer.Buffer) (err error) {
	if s.cmd, err = b.ReadUint8(); err != nil {
		return
	}

	if s.frg, err = b.ReadUint8(); err != nil {
		return
	}

	if s.wnd, err = b.ReadUint16(byteorder.BigEndian); err != nil {
		return
	}

	if s.ts, err = b.ReadUint32(byteorder.BigEndian); err != nil {
		return
	}

	if s.sn, err = b.ReadUint32(byteorder.BigEndian); err != nil {
		return
	}

	if s.una, err = b.ReadUint32(byteorder.BigEndian); err != nil {
		return
	}

	length, err := b.ReadUint32(byteorder.BigEndian)
	if err != nil {
		return
	}

	if int64(length) > int64(b.Remaining()) {
		return ErrInvalidLength
	}

	switch s.cmd {
	case cmdPush, cmdAck, cmdWask, cmdWins:
	default:
		return ErrInvalidCommand
	}

	if length > 0 {
		s.data = make([]byte, length)
		err = b.Read(s.data)
	}

	return
}

// Returns the signed distance between two sequence numbers or timestamps, taking
// wrap-around into account.
func timediff(later, earlier uint32) int32 {
	return int32(later - earlier)
}
