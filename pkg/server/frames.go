package server

import (
	"encoding/json"
)

// The session protocol is a stream of JSON frames over the daemon
// socket. Every request carries an op and a caller-chosen seq; the
// response echoes both, so a session may keep several exchanges in
// flight and match answers by seq. Binary command streams ride inside
// frames as base64, courtesy of encoding/json.
const (
	OpHello           = "hello"
	OpWriteRead       = "write_read"
	OpSetMaxThreads   = "set_max_threads"
	OpBecomeRegistrar = "become_registrar"
	OpThreadExit      = "thread_exit"
	OpVersion         = "version"
	OpSnapshot        = "snapshot"
	OpFlush           = "flush"
)

// Snapshot scopes.
const (
	SnapshotScopeProc   = "proc"
	SnapshotScopeDomain = "domain"
)

// Frame is one message in either direction. Requests set Op, Seq and
// Body; responses echo Op and Seq and carry a Body, an Error with its
// errno-style code, or both when partial results are meaningful.
type Frame struct {
	Op    string          `json:"op"`
	Seq   uint64          `json:"seq"`
	Error string          `json:"error,omitempty"`
	Errno int32           `json:"errno,omitempty"`
	Body  json.RawMessage `json:"body,omitempty"`
}

// HelloRequest joins a session to a domain. It must be the first
// frame on a connection, except for version probes.
type HelloRequest struct {
	// Domain selects the object universe to join. Empty selects the
	// daemon's first configured domain.
	Domain string `json:"domain,omitempty"`

	PID  uint32 `json:"pid"`
	UID  uint32 `json:"uid"`
	Name string `json:"name,omitempty"`
}

// HelloResponse reports the joined domain and the session id minted
// for it.
type HelloResponse struct {
	SessionID string `json:"session_id"`
	Domain    string `json:"domain"`
	Protocol  int32  `json:"protocol"`
}

// WriteReadRequest runs one exchange on a thread: consume the command
// stream in Write, then fill up to ReadSize bytes of events. With
// NonBlocking set an empty read side fails fast instead of parking.
type WriteReadRequest struct {
	TID           uint32 `json:"tid"`
	Write         []byte `json:"write,omitempty"`
	WriteConsumed uint64 `json:"write_consumed,omitempty"`
	ReadSize      uint64 `json:"read_size,omitempty"`
	ReadConsumed  uint64 `json:"read_consumed,omitempty"`
	NonBlocking   bool   `json:"non_blocking,omitempty"`
}

// WriteReadResponse reports the exchange outcome. Consumed counts are
// meaningful even on error frames. Buffers carries the arena contents
// of every transaction delivered in Read, keyed by buffer address; a
// remote participant has no view of its arena, so payloads ride along
// with the event stream.
type WriteReadResponse struct {
	WriteConsumed uint64                   `json:"write_consumed"`
	Read          []byte                   `json:"read,omitempty"`
	ReadConsumed  uint64                   `json:"read_consumed"`
	Buffers       map[string]BufferPayload `json:"buffers,omitempty"`
}

// BufferPayload is the contents of one delivered arena buffer.
type BufferPayload struct {
	Data    []byte `json:"data,omitempty"`
	Offsets []byte `json:"offsets,omitempty"`
}

// SetMaxThreadsRequest caps how many looper threads the engine may ask
// this participant to spawn.
type SetMaxThreadsRequest struct {
	Max uint32 `json:"max"`
}

// ThreadExitRequest retires one thread of the participant.
type ThreadExitRequest struct {
	TID uint32 `json:"tid"`
}

// SnapshotRequest asks for introspection state. Scope selects the
// session's own participant or the whole domain.
type SnapshotRequest struct {
	Scope string `json:"scope,omitempty"`
}

// VersionResponse reports the protocol version spoken by the engine
// and the daemon build.
type VersionResponse struct {
	Protocol int32  `json:"protocol"`
	Server   string `json:"server"`
}

func mustMarshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}
