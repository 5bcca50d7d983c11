package wire

import (
	"encoding/binary"
)

// EventWriter builds the event stream returned from a read. The caller
// enforces the read buffer capacity; the writer only appends.
type EventWriter struct {
	buf []byte
}

// NewEventWriter returns an empty event stream builder.
func NewEventWriter() *EventWriter {
	return &EventWriter{}
}

// Len returns the number of bytes written so far.
func (w *EventWriter) Len() int {
	return len(w.buf)
}

// Bytes returns the event stream written so far.
func (w *EventWriter) Bytes() []byte {
	return w.buf
}

func (w *EventWriter) word(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *EventWriter) dword(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// Event appends an argument-less event word.
func (w *EventWriter) Event(cmd uint32) {
	w.word(cmd)
}

// Error appends a BR_ERROR event with its status argument.
func (w *EventWriter) Error(status int32) {
	w.word(BR_ERROR)
	w.word(uint32(status))
}

// Transaction appends a transaction delivery event, either
// BR_TRANSACTION or BR_REPLY.
func (w *EventWriter) Transaction(cmd uint32, td TransactionData) {
	w.word(cmd)
	b := make([]byte, TransactionDataSize)
	PutTransactionData(b, td)
	w.buf = append(w.buf, b...)
}

// PtrCookieEvent appends a reference count event carrying an object
// address and cookie.
func (w *EventWriter) PtrCookieEvent(cmd uint32, ptr, cookie uint64) {
	w.word(cmd)
	w.dword(ptr)
	w.dword(cookie)
}

// CookieEvent appends a death notification event carrying a cookie.
func (w *EventWriter) CookieEvent(cmd uint32, cookie uint64) {
	w.word(cmd)
	w.dword(cookie)
}

// ReplaceCommand overwrites a previously written event word in place.
// The looper spawn request is delivered by rewriting the placeholder at
// the front of the stream.
func (w *EventWriter) ReplaceCommand(off int, cmd uint32) {
	binary.LittleEndian.PutUint32(w.buf[off:off+4], cmd)
}

// Event is one decoded entry of an event stream. Cmd is always set; the
// remaining fields are populated according to the event's argument.
type Event struct {
	Cmd    uint32
	Status int32
	Ptr    uint64
	Cookie uint64
	Txn    TransactionData
}

// EventReader steps through the event words of a read buffer. Unknown
// events are skipped using the argument size encoded in the event word.
type EventReader struct {
	buf []byte
	off int
}

// NewEventReader returns a reader over buf.
func NewEventReader(buf []byte) *EventReader {
	return &EventReader{buf: buf}
}

// More reports whether any events remain.
func (r *EventReader) More() bool {
	return r.off < len(r.buf)
}

// Next decodes the next event.
func (r *EventReader) Next() (Event, error) {
	b, err := r.take(4)
	if err != nil {
		return Event{}, err
	}
	cmd := binary.LittleEndian.Uint32(b)
	argSize := int(cmd>>16) & 0x3fff
	arg, err := r.take(argSize)
	if err != nil {
		return Event{}, err
	}

	ev := Event{Cmd: cmd}
	switch cmd {
	case BR_ERROR, BR_ACQUIRE_RESULT:
		ev.Status = int32(binary.LittleEndian.Uint32(arg))
	case BR_TRANSACTION, BR_REPLY:
		ev.Txn = GetTransactionData(arg)
	case BR_INCREFS, BR_ACQUIRE, BR_RELEASE, BR_DECREFS:
		pc := GetPtrCookie(arg)
		ev.Ptr = pc.Ptr
		ev.Cookie = pc.Cookie
	case BR_DEAD_BINDER, BR_CLEAR_DEATH_NOTIFICATION_DONE:
		ev.Cookie = binary.LittleEndian.Uint64(arg)
	}
	return ev, nil
}

func (r *EventReader) take(n int) ([]byte, error) {
	if len(r.buf)-r.off < n {
		return nil, ErrShortBuffer
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}
