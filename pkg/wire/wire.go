// Package wire defines the binary command protocol spoken between
// participants and the binder engine.
//
// A participant drives the engine through write/read exchanges: the write
// buffer carries a stream of BC_* command words, each followed by its
// fixed-size argument, and the read buffer comes back as a stream of BR_*
// event words the same way. All integers are little-endian. Command and
// event words encode their argument size in the upper bits, so either side
// can skip words it does not understand.
//
// The encoding is byte-compatible with the ioctl protocol of the kernel
// driver this engine models, protocol version 8.
package wire

// CurrentProtocolVersion is reported by the version handshake.
const CurrentProtocolVersion = 8

const (
	iocWrite = 1
	iocRead  = 2
)

// ioc composes a command word from direction, argument size, class byte
// and command number, mirroring the kernel _IO* macros.
func ioc(dir, size, class, nr uint32) uint32 {
	return dir<<30 | size<<16 | class<<8 | nr
}

func io(class, nr uint32) uint32         { return ioc(0, 0, class, nr) }
func iow(class, nr, size uint32) uint32  { return ioc(iocWrite, size, class, nr) }
func ior(class, nr, size uint32) uint32  { return ioc(iocRead, size, class, nr) }
func iowr(class, nr, size uint32) uint32 { return ioc(iocRead|iocWrite, size, class, nr) }

// Fixed argument sizes, in bytes.
const (
	TransactionDataSize   = 64
	TransactionDataSGSize = 72
	FlatObjectSize        = 24
	FDObjectSize          = 24
	BufferObjectSize      = 40
	FDArrayObjectSize     = 32
	PtrCookieSize         = 16
	HandleCookieSize      = 12
	PriDescSize           = 8
	PriPtrCookieSize      = 24
	WriteReadSize         = 48
	ObjectHeaderSize      = 4
)

// Commands sent by participants (class 'c').
const (
	BC_TRANSACTION                = 0x40406300
	BC_REPLY                      = 0x40406301
	BC_ACQUIRE_RESULT             = 0x40046302
	BC_FREE_BUFFER                = 0x40086303
	BC_INCREFS                    = 0x40046304
	BC_ACQUIRE                    = 0x40046305
	BC_RELEASE                    = 0x40046306
	BC_DECREFS                    = 0x40046307
	BC_INCREFS_DONE               = 0x40106308
	BC_ACQUIRE_DONE               = 0x40106309
	BC_ATTEMPT_ACQUIRE            = 0x4008630a
	BC_REGISTER_LOOPER            = 0x0000630b
	BC_ENTER_LOOPER               = 0x0000630c
	BC_EXIT_LOOPER                = 0x0000630d
	BC_REQUEST_DEATH_NOTIFICATION = 0x400c630e
	BC_CLEAR_DEATH_NOTIFICATION   = 0x400c630f
	BC_DEAD_BINDER_DONE           = 0x40086310
	BC_TRANSACTION_SG             = 0x40486311
	BC_REPLY_SG                   = 0x40486312
)

// Events returned to participants (class 'r').
const (
	BR_ERROR                         = 0x80047200
	BR_OK                            = 0x00007201
	BR_TRANSACTION                   = 0x80407202
	BR_REPLY                         = 0x80407203
	BR_ACQUIRE_RESULT                = 0x80047204
	BR_DEAD_REPLY                    = 0x00007205
	BR_TRANSACTION_COMPLETE          = 0x00007206
	BR_INCREFS                       = 0x80107207
	BR_ACQUIRE                       = 0x80107208
	BR_RELEASE                       = 0x80107209
	BR_DECREFS                       = 0x8010720a
	BR_ATTEMPT_ACQUIRE               = 0x8018720b
	BR_NOOP                          = 0x0000720c
	BR_SPAWN_LOOPER                  = 0x0000720d
	BR_FINISHED                      = 0x0000720e
	BR_DEAD_BINDER                   = 0x8008720f
	BR_CLEAR_DEATH_NOTIFICATION_DONE = 0x80087210
	BR_FAILED_REPLY                  = 0x00007211
)

// Session-level requests (class 'b').
const (
	BINDER_WRITE_READ      = 0xc0306201
	BINDER_SET_MAX_THREADS = 0x40046205
	BINDER_SET_CONTEXT_MGR = 0x40046207
	BINDER_THREAD_EXIT     = 0x40046208
	BINDER_VERSION         = 0xc0046209
)

// NumCommands and NumEvents bound the per-opcode statistics tables.
const (
	NumCommands = 19
	NumEvents   = 18
)

const (
	classCommand = 'c'
	classEvent   = 'r'
)

// CommandIndex returns the dense index of a BC_* word for statistics
// tables, or false if the word is not a known command.
func CommandIndex(cmd uint32) (int, bool) {
	if (cmd>>8)&0xff != classCommand {
		return 0, false
	}
	nr := int(cmd & 0xff)
	if nr >= NumCommands {
		return 0, false
	}
	return nr, true
}

// EventIndex returns the dense index of a BR_* word for statistics
// tables, or false if the word is not a known event.
func EventIndex(cmd uint32) (int, bool) {
	if (cmd>>8)&0xff != classEvent {
		return 0, false
	}
	nr := int(cmd & 0xff)
	if nr >= NumEvents {
		return 0, false
	}
	return nr, true
}

var commandNames = [NumCommands]string{
	"BC_TRANSACTION",
	"BC_REPLY",
	"BC_ACQUIRE_RESULT",
	"BC_FREE_BUFFER",
	"BC_INCREFS",
	"BC_ACQUIRE",
	"BC_RELEASE",
	"BC_DECREFS",
	"BC_INCREFS_DONE",
	"BC_ACQUIRE_DONE",
	"BC_ATTEMPT_ACQUIRE",
	"BC_REGISTER_LOOPER",
	"BC_ENTER_LOOPER",
	"BC_EXIT_LOOPER",
	"BC_REQUEST_DEATH_NOTIFICATION",
	"BC_CLEAR_DEATH_NOTIFICATION",
	"BC_DEAD_BINDER_DONE",
	"BC_TRANSACTION_SG",
	"BC_REPLY_SG",
}

var eventNames = [NumEvents]string{
	"BR_ERROR",
	"BR_OK",
	"BR_TRANSACTION",
	"BR_REPLY",
	"BR_ACQUIRE_RESULT",
	"BR_DEAD_REPLY",
	"BR_TRANSACTION_COMPLETE",
	"BR_INCREFS",
	"BR_ACQUIRE",
	"BR_RELEASE",
	"BR_DECREFS",
	"BR_ATTEMPT_ACQUIRE",
	"BR_NOOP",
	"BR_SPAWN_LOOPER",
	"BR_FINISHED",
	"BR_DEAD_BINDER",
	"BR_CLEAR_DEATH_NOTIFICATION_DONE",
	"BR_FAILED_REPLY",
}

// CommandName returns a printable name for a BC_* word.
func CommandName(cmd uint32) string {
	if nr, ok := CommandIndex(cmd); ok {
		return commandNames[nr]
	}
	return "BC_UNKNOWN"
}

// EventName returns a printable name for a BR_* word.
func EventName(cmd uint32) string {
	if nr, ok := EventIndex(cmd); ok {
		return eventNames[nr]
	}
	return "BR_UNKNOWN"
}

// CommandNameAt returns the name of the command with dense index i.
func CommandNameAt(i int) string {
	if i >= 0 && i < NumCommands {
		return commandNames[i]
	}
	return "BC_UNKNOWN"
}

// EventNameAt returns the name of the event with dense index i.
func EventNameAt(i int) string {
	if i >= 0 && i < NumEvents {
		return eventNames[i]
	}
	return "BR_UNKNOWN"
}

// Transaction flags.
const (
	TF_ONE_WAY     = 0x01
	TF_ROOT_OBJECT = 0x04
	TF_STATUS_CODE = 0x08
	TF_ACCEPT_FDS  = 0x10
)

// Flags carried on flat binder objects.
const (
	FLAT_BINDER_FLAG_PRIORITY_MASK = 0xff
	FLAT_BINDER_FLAG_ACCEPTS_FDS   = 0x100
)

// Flags carried on buffer objects.
const (
	BINDER_BUFFER_FLAG_HAS_PARENT = 0x01
)

const typeLarge = 0x85

// Object type tags embedded in transaction payloads. Each packs four
// characters into a word the way the kernel B_PACK_CHARS macro does.
const (
	BINDER_TYPE_BINDER      = 's'<<24 | 'b'<<16 | '*'<<8 | typeLarge
	BINDER_TYPE_WEAK_BINDER = 'w'<<24 | 'b'<<16 | '*'<<8 | typeLarge
	BINDER_TYPE_HANDLE      = 's'<<24 | 'h'<<16 | '*'<<8 | typeLarge
	BINDER_TYPE_WEAK_HANDLE = 'w'<<24 | 'h'<<16 | '*'<<8 | typeLarge
	BINDER_TYPE_FD          = 'f'<<24 | 'd'<<16 | '*'<<8 | typeLarge
	BINDER_TYPE_FDA         = 'f'<<24 | 'd'<<16 | 'a'<<8 | typeLarge
	BINDER_TYPE_PTR         = 'p'<<24 | 't'<<16 | '*'<<8 | typeLarge
)
