package wire

import (
	"encoding/binary"
)

// Writer builds a command stream. Transaction payloads are carried inside
// the stream itself: Bytes packs each payload after the command words and
// patches the transaction headers so that DataBuffer and DataOffsets are
// offsets into the returned buffer.
type Writer struct {
	cmds     []byte
	payloads []payloadRef
}

type payloadRef struct {
	patchOff int
	data     []byte
	offsets  []uint64
}

// NewWriter returns an empty command stream builder.
func NewWriter() *Writer {
	return &Writer{}
}

// TxnArgs are the caller-supplied parts of a transaction or reply.
type TxnArgs struct {
	TargetHandle uint32
	Code         uint32
	Flags        uint32
	Data         []byte
	Offsets      []uint64

	// BuffersSize is the total space for out-of-line buffer copies and is
	// only encoded by the scatter-gather commands.
	BuffersSize uint64
}

func (w *Writer) command(cmd uint32) {
	var word [4]byte
	binary.LittleEndian.PutUint32(word[:], cmd)
	w.cmds = append(w.cmds, word[:]...)
}

func (w *Writer) u32(v uint32) {
	var word [4]byte
	binary.LittleEndian.PutUint32(word[:], v)
	w.cmds = append(w.cmds, word[:]...)
}

func (w *Writer) u64(v uint64) {
	var word [8]byte
	binary.LittleEndian.PutUint64(word[:], v)
	w.cmds = append(w.cmds, word[:]...)
}

func (w *Writer) txn(cmd uint32, a TxnArgs, sg bool) {
	w.command(cmd)
	td := TransactionData{
		TargetHandle: a.TargetHandle,
		Code:         a.Code,
		Flags:        a.Flags,
		DataSize:     uint64(len(a.Data)),
		OffsetsSize:  8 * uint64(len(a.Offsets)),
	}
	start := len(w.cmds)
	if sg {
		buf := make([]byte, TransactionDataSGSize)
		PutTransactionDataSG(buf, TransactionDataSG{TransactionData: td, BuffersSize: a.BuffersSize})
		w.cmds = append(w.cmds, buf...)
	} else {
		buf := make([]byte, TransactionDataSize)
		PutTransactionData(buf, td)
		w.cmds = append(w.cmds, buf...)
	}
	w.payloads = append(w.payloads, payloadRef{
		patchOff: start + 48,
		data:     a.Data,
		offsets:  a.Offsets,
	})
}

// Transaction appends a BC_TRANSACTION command.
func (w *Writer) Transaction(a TxnArgs) {
	w.txn(BC_TRANSACTION, a, false)
}

// Reply appends a BC_REPLY command.
func (w *Writer) Reply(a TxnArgs) {
	w.txn(BC_REPLY, a, false)
}

// TransactionSG appends a BC_TRANSACTION_SG command.
func (w *Writer) TransactionSG(a TxnArgs) {
	w.txn(BC_TRANSACTION_SG, a, true)
}

// ReplySG appends a BC_REPLY_SG command.
func (w *Writer) ReplySG(a TxnArgs) {
	w.txn(BC_REPLY_SG, a, true)
}

// IncRefs appends a BC_INCREFS command for the given descriptor.
func (w *Writer) IncRefs(desc uint32) {
	w.command(BC_INCREFS)
	w.u32(desc)
}

// Acquire appends a BC_ACQUIRE command for the given descriptor.
func (w *Writer) Acquire(desc uint32) {
	w.command(BC_ACQUIRE)
	w.u32(desc)
}

// Release appends a BC_RELEASE command for the given descriptor.
func (w *Writer) Release(desc uint32) {
	w.command(BC_RELEASE)
	w.u32(desc)
}

// DecRefs appends a BC_DECREFS command for the given descriptor.
func (w *Writer) DecRefs(desc uint32) {
	w.command(BC_DECREFS)
	w.u32(desc)
}

// IncRefsDone appends a BC_INCREFS_DONE acknowledgement.
func (w *Writer) IncRefsDone(ptr, cookie uint64) {
	w.command(BC_INCREFS_DONE)
	w.u64(ptr)
	w.u64(cookie)
}

// AcquireDone appends a BC_ACQUIRE_DONE acknowledgement.
func (w *Writer) AcquireDone(ptr, cookie uint64) {
	w.command(BC_ACQUIRE_DONE)
	w.u64(ptr)
	w.u64(cookie)
}

// FreeBuffer appends a BC_FREE_BUFFER command returning a delivered
// payload buffer to the engine.
func (w *Writer) FreeBuffer(addr uint64) {
	w.command(BC_FREE_BUFFER)
	w.u64(addr)
}

// RegisterLooper appends a BC_REGISTER_LOOPER command.
func (w *Writer) RegisterLooper() {
	w.command(BC_REGISTER_LOOPER)
}

// EnterLooper appends a BC_ENTER_LOOPER command.
func (w *Writer) EnterLooper() {
	w.command(BC_ENTER_LOOPER)
}

// ExitLooper appends a BC_EXIT_LOOPER command.
func (w *Writer) ExitLooper() {
	w.command(BC_EXIT_LOOPER)
}

// RequestDeathNotification appends a BC_REQUEST_DEATH_NOTIFICATION
// command for the given descriptor.
func (w *Writer) RequestDeathNotification(desc uint32, cookie uint64) {
	w.command(BC_REQUEST_DEATH_NOTIFICATION)
	w.handleCookie(desc, cookie)
}

// ClearDeathNotification appends a BC_CLEAR_DEATH_NOTIFICATION command
// for the given descriptor.
func (w *Writer) ClearDeathNotification(desc uint32, cookie uint64) {
	w.command(BC_CLEAR_DEATH_NOTIFICATION)
	w.handleCookie(desc, cookie)
}

// DeadBinderDone appends a BC_DEAD_BINDER_DONE acknowledgement.
func (w *Writer) DeadBinderDone(cookie uint64) {
	w.command(BC_DEAD_BINDER_DONE)
	w.u64(cookie)
}

// AttemptAcquire appends a BC_ATTEMPT_ACQUIRE command.
func (w *Writer) AttemptAcquire(priority, desc uint32) {
	w.command(BC_ATTEMPT_ACQUIRE)
	w.u32(priority)
	w.u32(desc)
}

// AcquireResult appends a BC_ACQUIRE_RESULT command.
func (w *Writer) AcquireResult(status int32) {
	w.command(BC_ACQUIRE_RESULT)
	w.u32(uint32(status))
}

// RawCommand appends an arbitrary command word and argument, allowing
// malformed streams to be constructed.
func (w *Writer) RawCommand(cmd uint32, arg []byte) {
	w.command(cmd)
	w.cmds = append(w.cmds, arg...)
}

func (w *Writer) handleCookie(desc uint32, cookie uint64) {
	var buf [HandleCookieSize]byte
	PutHandleCookie(buf[:], HandleCookie{Handle: desc, Cookie: cookie})
	w.cmds = append(w.cmds, buf[:]...)
}

// Bytes assembles the command stream. Payload data and offset arrays are
// appended after the command words at 8-byte alignment and each
// transaction header is patched to point at its sections.
func (w *Writer) Bytes() []byte {
	out := make([]byte, len(w.cmds))
	copy(out, w.cmds)
	for _, p := range w.payloads {
		out = pad8(out)
		dataOff := uint64(len(out))
		out = append(out, p.data...)
		out = pad8(out)
		offsOff := uint64(len(out))
		for _, o := range p.offsets {
			var word [8]byte
			binary.LittleEndian.PutUint64(word[:], o)
			out = append(out, word[:]...)
		}
		binary.LittleEndian.PutUint64(out[p.patchOff:p.patchOff+8], dataOff)
		binary.LittleEndian.PutUint64(out[p.patchOff+8:p.patchOff+16], offsOff)
	}
	return out
}

func pad8(b []byte) []byte {
	for uint64(len(b))%8 != 0 {
		b = append(b, 0)
	}
	return b
}
