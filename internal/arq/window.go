package arq

// ReceiveWindow holds the segments received from the other end of the connection. Segments
// that arrive ahead of the next expected sequence number wait in the buffer, contiguous ones
// are moved to the queue from which messages are assembled.
type ReceiveWindow struct {
	Next   uint32
	Size   uint32
	Buffer []*segment
	Queue  []*segment
}

// Creates and returns a receive window of the size passed.
func CreateReceiveWindow(size uint32) *ReceiveWindow {
	return &ReceiveWindow{
		Next:   0,
		Size:   size,
		Buffer: make([]*segment, 0, size),
		Queue:  make([]*segment, 0, size),
	}
}

// Returns whether the sequence number lies within the window.
func (w *ReceiveWindow) Contains(sn uint32) bool {
	return timediff(sn, w.Next) >= 0 && timediff(sn, w.Next+w.Size) < 0
}

// Receives a segment into the window. Returns false if the segment lies outside the window
// or was already received.
func (w *ReceiveWindow) Receive(seg *segment) bool {
	if !w.Contains(seg.sn) {
		return false
	}

	// Search from the back as segments mostly arrive in order.
	index := len(w.Buffer)
	for index > 0 {
		other := w.Buffer[index-1]
		if other.sn == seg.sn {
			return false
		}
		if timediff(seg.sn, other.sn) > 0 {
			break
		}
		index -= 1
	}

	w.Buffer = append(w.Buffer, nil)
	copy(w.Buffer[index+1:], w.Buffer[index:])
	w.Buffer[index] = seg

	w.Shift()
	return true
}

// Moves the segments that follow the next expected sequence number from the buffer to the
// queue for as long as the queue has room.
func (w *ReceiveWindow) Shift() {
	count := 0
	for _, seg := range w.Buffer {
		if seg.sn != w.Next || uint32(len(w.Queue)) >= w.Size {
			break
		}

		w.Queue = append(w.Queue, seg)
		w.Next += 1
		count += 1
	}

	if count > 0 {
		w.Buffer = Remove(w.Buffer, count)
	}
}

// Returns the number of free slots in the queue that is advertised to the other end.
func (w *ReceiveWindow) Unused() uint16 {
	if uint32(len(w.Queue)) < w.Size {
		return uint16(min(w.Size-uint32(len(w.Queue)), 0xffff))
	}
	return 0
}

// Removes the first n items of the slice and returns the shortened slice. The removed slots
// are cleared so that the backing array does not keep them alive.
func Remove[T any](l []*T, n int) []*T {
	rest := copy(l, l[n:])
	clear(l[rest:])
	return l[:rest]
}
