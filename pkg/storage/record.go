package storage

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Call types recorded for a transaction.
const (
	CallTypeCall  = "call"
	CallTypeAsync = "async"
	CallTypeReply = "reply"
)

// TransactionRecord describes one failed transaction. ID is a ULID
// assigned by the producer; DebugID is the engine's own transaction
// counter. ReturnCode is the terminal event delivered to the sender and
// ReturnParam the errno-style detail that went with it.
type TransactionRecord struct {
	ID            string    `json:"id"`
	DebugID       uint64    `json:"debug_id"`
	Domain        string    `json:"domain"`
	CallType      string    `json:"call_type"`
	FromPID       uint32    `json:"from_pid"`
	FromTID       uint32    `json:"from_tid"`
	ToPID         uint32    `json:"to_pid"`
	ToTID         uint32    `json:"to_tid"`
	TargetHandle  uint32    `json:"target_handle"`
	ToNode        uint64    `json:"to_node"`
	DataSize      uint64    `json:"data_size"`
	OffsetsSize   uint64    `json:"offsets_size"`
	ReturnCode    uint32    `json:"return_code"`
	ReturnParam   int32     `json:"return_param"`
	PayloadDigest uint64    `json:"payload_digest"`
	CreatedAt     time.Time `json:"created_at"`
}

// NewRecordID mints a record ID.
func NewRecordID() string {
	return ulid.Make().String()
}

// ValidRecordID reports whether s parses as a record ID. Stores may use
// it to reject lookups that cannot match before touching the backend.
func ValidRecordID(s string) bool {
	_, err := ulid.Parse(s)
	return err == nil
}
