package wire

import (
	"encoding/binary"
	"errors"
)

// ErrShortBuffer reports a command or argument that runs past the end of
// its buffer.
var ErrShortBuffer = errors.New("wire: buffer too short")

// CommandStream steps through the command words of a write buffer.
//
// Progress is two-phase: reads advance a cursor, and Commit publishes the
// cursor as the consumed count. A handler that fails mid-command leaves
// the consumed count at the previous command boundary, so the caller can
// report exactly how much of the stream was executed.
type CommandStream struct {
	buf       []byte
	off       int
	committed int
}

// NewCommandStream returns a stream positioned at consumed bytes into buf.
func NewCommandStream(buf []byte, consumed uint64) (*CommandStream, error) {
	if consumed > uint64(len(buf)) {
		return nil, ErrShortBuffer
	}
	return &CommandStream{buf: buf, off: int(consumed), committed: int(consumed)}, nil
}

// More reports whether any bytes remain past the cursor.
func (s *CommandStream) More() bool {
	return s.off < len(s.buf)
}

// Commit publishes the cursor as the consumed count.
func (s *CommandStream) Commit() {
	s.committed = s.off
}

// Consumed returns the committed byte count.
func (s *CommandStream) Consumed() uint64 {
	return uint64(s.committed)
}

func (s *CommandStream) take(n int) ([]byte, error) {
	if len(s.buf)-s.off < n {
		return nil, ErrShortBuffer
	}
	b := s.buf[s.off : s.off+n]
	s.off += n
	return b, nil
}

// Command reads the next command word.
func (s *CommandStream) Command() (uint32, error) {
	b, err := s.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// U32 reads a 4-byte argument.
func (s *CommandStream) U32() (uint32, error) {
	b, err := s.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// U64 reads an 8-byte argument.
func (s *CommandStream) U64() (uint64, error) {
	b, err := s.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// PtrCookie reads a ptr/cookie argument.
func (s *CommandStream) PtrCookie() (PtrCookie, error) {
	b, err := s.take(PtrCookieSize)
	if err != nil {
		return PtrCookie{}, err
	}
	return GetPtrCookie(b), nil
}

// HandleCookie reads a handle/cookie argument.
func (s *CommandStream) HandleCookie() (HandleCookie, error) {
	b, err := s.take(HandleCookieSize)
	if err != nil {
		return HandleCookie{}, err
	}
	return GetHandleCookie(b), nil
}

// TransactionData reads a transaction header argument.
func (s *CommandStream) TransactionData() (TransactionData, error) {
	b, err := s.take(TransactionDataSize)
	if err != nil {
		return TransactionData{}, err
	}
	return GetTransactionData(b), nil
}

// TransactionDataSG reads a scatter-gather transaction header argument.
func (s *CommandStream) TransactionDataSG() (TransactionDataSG, error) {
	b, err := s.take(TransactionDataSGSize)
	if err != nil {
		return TransactionDataSG{}, err
	}
	return GetTransactionDataSG(b), nil
}

// Payload returns the window [off, off+size) of the stream's buffer.
// Transaction headers locate their data and offset sections this way.
func (s *CommandStream) Payload(off, size uint64) ([]byte, error) {
	if off > uint64(len(s.buf)) || size > uint64(len(s.buf))-off {
		return nil, ErrShortBuffer
	}
	return s.buf[off : off+size], nil
}
