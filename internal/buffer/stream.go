// Package buffer provides a fixed-capacity contiguous byte buffer used to
// stage data between a socket and the embedded TCP/IP stack without ever
// reallocating.
package buffer

import "fmt"

// Stream is a bounded contiguous byte buffer with a single occupied region of
// length L at offset 0 within a capacity-C backing array. It never grows: a
// write that would exceed capacity fails so that callers can treat the
// failure as a backpressure signal.
type Stream struct {
	data []byte
	len  int
}

// New allocates a Stream with the given fixed capacity.
func New(capacity int) *Stream {
	return &Stream{data: make([]byte, capacity)}
}

// Cap returns the fixed capacity of the buffer.
func (s *Stream) Cap() int {
	return len(s.data)
}

// ReadAvailable returns the number of unread bytes currently buffered.
func (s *Stream) ReadAvailable() int {
	return s.len
}

// WriteCapacity returns the number of bytes that can still be written before
// the buffer is full.
func (s *Stream) WriteCapacity() int {
	return len(s.data) - s.len
}

// ReadPtr returns the slice of unread bytes. The returned slice aliases the
// buffer's backing array and is only valid until the next CommitRead,
// CommitWrite, or Clear call.
func (s *Stream) ReadPtr() []byte {
	return s.data[:s.len]
}

// WritePtr returns the writable tail of the buffer. The returned slice
// aliases the buffer's backing array and is only valid until the next
// CommitRead, CommitWrite, or Clear call.
func (s *Stream) WritePtr() []byte {
	return s.data[s.len:]
}

// CommitWrite records that n bytes were written into the slice returned by
// the most recent WritePtr call. It fails if n exceeds the current write
// capacity.
func (s *Stream) CommitWrite(n int) error {
	if n < 0 || n > s.WriteCapacity() {
		return fmt.Errorf("buffer: commit write of %d bytes exceeds capacity %d", n, s.WriteCapacity())
	}
	s.len += n
	return nil
}

// CommitRead discards the first n bytes of the occupied region, shifting the
// remaining len-n bytes to the front of the buffer. It fails if n exceeds the
// currently available read bytes.
func (s *Stream) CommitRead(n int) error {
	if n < 0 || n > s.len {
		return fmt.Errorf("buffer: commit read of %d bytes exceeds available %d", n, s.len)
	}
	remaining := s.len - n
	copy(s.data[:remaining], s.data[n:s.len])
	s.len = remaining
	return nil
}

// Append is a convenience wrapper that writes all of p into the buffer,
// failing if there isn't enough write capacity. It is used for the one-shot
// SOCKS4 CONNECT request, which is always staged in a single call.
func (s *Stream) Append(p []byte) error {
	if len(p) > s.WriteCapacity() {
		return fmt.Errorf("buffer: append of %d bytes exceeds write capacity %d", len(p), s.WriteCapacity())
	}
	n := copy(s.WritePtr(), p)
	return s.CommitWrite(n)
}

// Clear resets the buffer to empty without deallocating.
func (s *Stream) Clear() {
	s.len = 0
}
