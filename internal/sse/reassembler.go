// Package sse turns an arbitrarily chunked upstream byte stream back into
// lines and data events, and writes events and keepalives in SSE framing.
package sse

import "bytes"

// Reassembler reconstructs newline-terminated lines from chunks that may
// split a line anywhere. It keeps a single growable buffer holding at most
// the trailing incomplete line, plus a cursor recording how much of that
// tail has already been searched for a newline so no byte is scanned twice.
//
// A Reassembler is owned by one stream and is not safe for concurrent use.
type Reassembler struct {
	buf     []byte
	scanned int // prefix of buf known to contain no '\n'
}

// NewReassembler returns a Reassembler whose buffer starts with sizeHint bytes of capacity.
func NewReassembler(sizeHint int) *Reassembler {
	if sizeHint < 0 {
		sizeHint = 0
	}
	return &Reassembler{buf: make([]byte, 0, sizeHint)}
}

// Feed appends chunk and calls emit for every complete line now available,
// in order, without the terminating '\n'. Empty lines are skipped.
//
// The slice passed to emit aliases the internal buffer and is only valid
// during the call. If emit returns an error Feed stops and returns it; lines
// after the failing one are not delivered.
func (r *Reassembler) Feed(chunk []byte, emit func(line []byte) error) error {
	r.buf = append(r.buf, chunk...)

	start := 0
	for {
		i := bytes.IndexByte(r.buf[r.scanned:], '\n')
		if i < 0 {
			r.scanned = len(r.buf)
			break
		}
		end := r.scanned + i
		line := r.buf[start:end]
		r.scanned = end + 1
		start = r.scanned

		if len(line) == 0 {
			continue
		}
		if err := emit(line); err != nil {
			r.compact(start)
			return err
		}
	}

	r.compact(start)
	return nil
}

// Flush emits whatever unterminated data remains as a final line and
// empties the buffer. Call it once the upstream stream has ended.
func (r *Reassembler) Flush(emit func(line []byte) error) error {
	if len(r.buf) == 0 {
		return nil
	}
	line := r.buf
	r.buf = r.buf[:0]
	r.scanned = 0
	return emit(line)
}

// Buffered returns the number of carried-over bytes awaiting a newline.
func (r *Reassembler) Buffered() int {
	return len(r.buf)
}

// compact drops the consumed prefix buf[:start], keeping the tail at the
// front of the same backing array.
func (r *Reassembler) compact(start int) {
	if start == 0 {
		return
	}
	n := copy(r.buf, r.buf[start:])
	r.buf = r.buf[:n]
	r.scanned -= start
}
