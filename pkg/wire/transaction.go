package wire

import (
	"encoding/binary"
)

// TransactionData is the fixed header of a transaction or reply. The
// TargetHandle and TargetPtr fields overlay the same encoded word: a
// sender addresses the target by handle, the engine delivers the object
// address to the owner.
//
// In this engine DataBuffer and DataOffsets are not raw pointers. On the
// command side they are offsets into the write buffer itself, which makes
// a command stream self-contained. On the event side they are addresses
// in the receiver's buffer arena.
type TransactionData struct {
	TargetHandle uint32
	TargetPtr    uint64
	Cookie       uint64
	Code         uint32
	Flags        uint32
	SenderPID    int32
	SenderEUID   uint32
	DataSize     uint64
	OffsetsSize  uint64
	DataBuffer   uint64
	DataOffsets  uint64
}

// PutTransactionData encodes td into the first TransactionDataSize bytes
// of b.
func PutTransactionData(b []byte, td TransactionData) {
	target := td.TargetPtr
	if target == 0 {
		target = uint64(td.TargetHandle)
	}
	binary.LittleEndian.PutUint64(b[0:8], target)
	binary.LittleEndian.PutUint64(b[8:16], td.Cookie)
	binary.LittleEndian.PutUint32(b[16:20], td.Code)
	binary.LittleEndian.PutUint32(b[20:24], td.Flags)
	binary.LittleEndian.PutUint32(b[24:28], uint32(td.SenderPID))
	binary.LittleEndian.PutUint32(b[28:32], td.SenderEUID)
	binary.LittleEndian.PutUint64(b[32:40], td.DataSize)
	binary.LittleEndian.PutUint64(b[40:48], td.OffsetsSize)
	binary.LittleEndian.PutUint64(b[48:56], td.DataBuffer)
	binary.LittleEndian.PutUint64(b[56:64], td.DataOffsets)
}

// GetTransactionData decodes a transaction header from the first
// TransactionDataSize bytes of b. Both target views are populated.
func GetTransactionData(b []byte) TransactionData {
	return TransactionData{
		TargetHandle: binary.LittleEndian.Uint32(b[0:4]),
		TargetPtr:    binary.LittleEndian.Uint64(b[0:8]),
		Cookie:       binary.LittleEndian.Uint64(b[8:16]),
		Code:         binary.LittleEndian.Uint32(b[16:20]),
		Flags:        binary.LittleEndian.Uint32(b[20:24]),
		SenderPID:    int32(binary.LittleEndian.Uint32(b[24:28])),
		SenderEUID:   binary.LittleEndian.Uint32(b[28:32]),
		DataSize:     binary.LittleEndian.Uint64(b[32:40]),
		OffsetsSize:  binary.LittleEndian.Uint64(b[40:48]),
		DataBuffer:   binary.LittleEndian.Uint64(b[48:56]),
		DataOffsets:  binary.LittleEndian.Uint64(b[56:64]),
	}
}

// TransactionDataSG extends TransactionData with the extra space a
// scatter-gather transaction reserves for out-of-line buffer copies.
type TransactionDataSG struct {
	TransactionData
	BuffersSize uint64
}

// PutTransactionDataSG encodes td into the first TransactionDataSGSize
// bytes of b.
func PutTransactionDataSG(b []byte, td TransactionDataSG) {
	PutTransactionData(b[:TransactionDataSize], td.TransactionData)
	binary.LittleEndian.PutUint64(b[64:72], td.BuffersSize)
}

// GetTransactionDataSG decodes a scatter-gather transaction header from
// the first TransactionDataSGSize bytes of b.
func GetTransactionDataSG(b []byte) TransactionDataSG {
	return TransactionDataSG{
		TransactionData: GetTransactionData(b[:TransactionDataSize]),
		BuffersSize:     binary.LittleEndian.Uint64(b[64:72]),
	}
}

// WriteRead is the header of a write/read exchange. The engine consumes
// commands from the write buffer, appends events to the read buffer and
// reports progress through the consumed fields.
type WriteRead struct {
	WriteSize     uint64
	WriteConsumed uint64
	WriteBuffer   uint64
	ReadSize      uint64
	ReadConsumed  uint64
	ReadBuffer    uint64
}

// PutWriteRead encodes wr into the first WriteReadSize bytes of b.
func PutWriteRead(b []byte, wr WriteRead) {
	binary.LittleEndian.PutUint64(b[0:8], wr.WriteSize)
	binary.LittleEndian.PutUint64(b[8:16], wr.WriteConsumed)
	binary.LittleEndian.PutUint64(b[16:24], wr.WriteBuffer)
	binary.LittleEndian.PutUint64(b[24:32], wr.ReadSize)
	binary.LittleEndian.PutUint64(b[32:40], wr.ReadConsumed)
	binary.LittleEndian.PutUint64(b[40:48], wr.ReadBuffer)
}

// GetWriteRead decodes a write/read header from the first WriteReadSize
// bytes of b.
func GetWriteRead(b []byte) WriteRead {
	return WriteRead{
		WriteSize:     binary.LittleEndian.Uint64(b[0:8]),
		WriteConsumed: binary.LittleEndian.Uint64(b[8:16]),
		WriteBuffer:   binary.LittleEndian.Uint64(b[16:24]),
		ReadSize:      binary.LittleEndian.Uint64(b[24:32]),
		ReadConsumed:  binary.LittleEndian.Uint64(b[32:40]),
		ReadBuffer:    binary.LittleEndian.Uint64(b[40:48]),
	}
}
