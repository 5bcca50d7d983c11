package wire

import (
	"encoding/binary"
)

// Align8 rounds n up to the next multiple of 8, the pointer size of the
// protocol. Buffer sections and scatter-gather copies are packed at this
// alignment.
func Align8(n uint64) uint64 {
	return (n + 7) &^ 7
}

// ObjectType reads the header tag of the object encoded at the start of b.
func ObjectType(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b)
}

// ObjectSize returns the encoded size of an object with the given type
// tag, or false if the tag is unknown.
func ObjectSize(objType uint32) (uint64, bool) {
	switch objType {
	case BINDER_TYPE_BINDER, BINDER_TYPE_WEAK_BINDER,
		BINDER_TYPE_HANDLE, BINDER_TYPE_WEAK_HANDLE,
		BINDER_TYPE_FD:
		return FlatObjectSize, true
	case BINDER_TYPE_FDA:
		return FDArrayObjectSize, true
	case BINDER_TYPE_PTR:
		return BufferObjectSize, true
	default:
		return 0, false
	}
}

// FlatObject is a strong or weak object reference embedded in a
// transaction payload. The Binder and Handle fields overlay the same
// encoded word; Type says which one is meaningful.
type FlatObject struct {
	Type   uint32
	Flags  uint32
	Binder uint64
	Handle uint32
	Cookie uint64
}

// PutFlatObject encodes o into the first FlatObjectSize bytes of b.
func PutFlatObject(b []byte, o FlatObject) {
	binary.LittleEndian.PutUint32(b[0:4], o.Type)
	binary.LittleEndian.PutUint32(b[4:8], o.Flags)
	switch o.Type {
	case BINDER_TYPE_HANDLE, BINDER_TYPE_WEAK_HANDLE:
		binary.LittleEndian.PutUint64(b[8:16], uint64(o.Handle))
	default:
		binary.LittleEndian.PutUint64(b[8:16], o.Binder)
	}
	binary.LittleEndian.PutUint64(b[16:24], o.Cookie)
}

// GetFlatObject decodes a flat object from the first FlatObjectSize bytes
// of b. Both union views are populated.
func GetFlatObject(b []byte) FlatObject {
	return FlatObject{
		Type:   binary.LittleEndian.Uint32(b[0:4]),
		Flags:  binary.LittleEndian.Uint32(b[4:8]),
		Binder: binary.LittleEndian.Uint64(b[8:16]),
		Handle: binary.LittleEndian.Uint32(b[8:12]),
		Cookie: binary.LittleEndian.Uint64(b[16:24]),
	}
}

// FDObject is a descriptor carried in a transaction payload.
type FDObject struct {
	FD     uint32
	Cookie uint64
}

// PutFDObject encodes o into the first FDObjectSize bytes of b.
func PutFDObject(b []byte, o FDObject) {
	binary.LittleEndian.PutUint32(b[0:4], BINDER_TYPE_FD)
	binary.LittleEndian.PutUint32(b[4:8], 0)
	binary.LittleEndian.PutUint64(b[8:16], uint64(o.FD))
	binary.LittleEndian.PutUint64(b[16:24], o.Cookie)
}

// GetFDObject decodes a descriptor object from the first FDObjectSize
// bytes of b.
func GetFDObject(b []byte) FDObject {
	return FDObject{
		FD:     binary.LittleEndian.Uint32(b[8:12]),
		Cookie: binary.LittleEndian.Uint64(b[16:24]),
	}
}

// BufferObject describes an out-of-line data region in a scatter-gather
// payload. Buffer is the sender's address of the region; Parent and
// ParentOffset locate the pointer inside an earlier buffer object that
// must be fixed up to the receiver's copy.
type BufferObject struct {
	Flags        uint32
	Buffer       uint64
	Length       uint64
	Parent       uint64
	ParentOffset uint64
}

// PutBufferObject encodes o into the first BufferObjectSize bytes of b.
func PutBufferObject(b []byte, o BufferObject) {
	binary.LittleEndian.PutUint32(b[0:4], BINDER_TYPE_PTR)
	binary.LittleEndian.PutUint32(b[4:8], o.Flags)
	binary.LittleEndian.PutUint64(b[8:16], o.Buffer)
	binary.LittleEndian.PutUint64(b[16:24], o.Length)
	binary.LittleEndian.PutUint64(b[24:32], o.Parent)
	binary.LittleEndian.PutUint64(b[32:40], o.ParentOffset)
}

// GetBufferObject decodes a buffer object from the first BufferObjectSize
// bytes of b.
func GetBufferObject(b []byte) BufferObject {
	return BufferObject{
		Flags:        binary.LittleEndian.Uint32(b[4:8]),
		Buffer:       binary.LittleEndian.Uint64(b[8:16]),
		Length:       binary.LittleEndian.Uint64(b[16:24]),
		Parent:       binary.LittleEndian.Uint64(b[24:32]),
		ParentOffset: binary.LittleEndian.Uint64(b[32:40]),
	}
}

// FDArrayObject describes an array of descriptors stored inside a parent
// buffer object rather than inline in the payload.
type FDArrayObject struct {
	NumFDs       uint64
	Parent       uint64
	ParentOffset uint64
}

// PutFDArrayObject encodes o into the first FDArrayObjectSize bytes of b.
func PutFDArrayObject(b []byte, o FDArrayObject) {
	binary.LittleEndian.PutUint32(b[0:4], BINDER_TYPE_FDA)
	binary.LittleEndian.PutUint32(b[4:8], 0)
	binary.LittleEndian.PutUint64(b[8:16], o.NumFDs)
	binary.LittleEndian.PutUint64(b[16:24], o.Parent)
	binary.LittleEndian.PutUint64(b[24:32], o.ParentOffset)
}

// GetFDArrayObject decodes a descriptor array object from the first
// FDArrayObjectSize bytes of b.
func GetFDArrayObject(b []byte) FDArrayObject {
	return FDArrayObject{
		NumFDs:       binary.LittleEndian.Uint64(b[8:16]),
		Parent:       binary.LittleEndian.Uint64(b[16:24]),
		ParentOffset: binary.LittleEndian.Uint64(b[24:32]),
	}
}

// PtrCookie pairs an object address with its cookie. It is the argument
// of the reference count commands and events.
type PtrCookie struct {
	Ptr    uint64
	Cookie uint64
}

// PutPtrCookie encodes pc into the first PtrCookieSize bytes of b.
func PutPtrCookie(b []byte, pc PtrCookie) {
	binary.LittleEndian.PutUint64(b[0:8], pc.Ptr)
	binary.LittleEndian.PutUint64(b[8:16], pc.Cookie)
}

// GetPtrCookie decodes a ptr/cookie pair from the first PtrCookieSize
// bytes of b.
func GetPtrCookie(b []byte) PtrCookie {
	return PtrCookie{
		Ptr:    binary.LittleEndian.Uint64(b[0:8]),
		Cookie: binary.LittleEndian.Uint64(b[8:16]),
	}
}

// HandleCookie pairs a descriptor with a cookie. It is the argument of
// the death notification commands and is packed without padding.
type HandleCookie struct {
	Handle uint32
	Cookie uint64
}

// PutHandleCookie encodes hc into the first HandleCookieSize bytes of b.
func PutHandleCookie(b []byte, hc HandleCookie) {
	binary.LittleEndian.PutUint32(b[0:4], hc.Handle)
	binary.LittleEndian.PutUint64(b[4:12], hc.Cookie)
}

// GetHandleCookie decodes a handle/cookie pair from the first
// HandleCookieSize bytes of b.
func GetHandleCookie(b []byte) HandleCookie {
	return HandleCookie{
		Handle: binary.LittleEndian.Uint32(b[0:4]),
		Cookie: binary.LittleEndian.Uint64(b[4:12]),
	}
}
