package binder

import (
	"encoding/binary"
	"math"

	"go.uber.org/zap"

	"github.com/openbinder/openbinder/pkg/shm"
	"github.com/openbinder/openbinder/pkg/wire"
)

// objectAt validates the object encoded at data offset off and returns
// its type tag and size. Offsets must be word aligned and the whole
// object must fit inside the data section.
func objectAt(data []byte, off uint64) (uint32, uint64, bool) {
	if off > uint64(len(data)) || off%4 != 0 || uint64(len(data))-off < wire.ObjectHeaderSize {
		return 0, 0, false
	}
	typ := wire.ObjectType(data[off:])
	size, ok := wire.ObjectSize(typ)
	if !ok || size > uint64(len(data))-off {
		return 0, 0, false
	}
	return typ, size, true
}

// translator rewrites the embedded objects of one copied payload from
// sender terms into target terms, taking references and installing
// descriptors as it goes. A failure leaves failedAt at the offsets
// position of the object that could not be translated, so the unwind
// walk knows where translated state stops.
type translator struct {
	d         *Domain
	sender    *Proc
	senderTh  *Thread
	target    *Proc
	t         *Transaction
	pb        *pendingBuffer
	inReplyTo *Transaction
	wbuf      []byte

	sgCursor     uint64
	sgEnd        uint64
	offMin       uint64
	numValid     uint64
	lastFixupObj uint64
	lastFixupMin uint64
	failedAt     uint64
}

func (x *translator) run() error {
	buf := x.pb.buf
	offs := buf.OffsetsRegion()
	data := buf.DataRegion()
	x.sgCursor = wire.Align8(buf.DataSize()) + wire.Align8(buf.OffsetsSize())
	x.sgEnd = x.sgCursor + buf.ExtraSize()

	for pos := uint64(0); pos < uint64(len(offs)); pos += 8 {
		x.failedAt = pos
		x.numValid = pos / 8
		objOff := binary.LittleEndian.Uint64(offs[pos:])
		typ, size, ok := objectAt(data, objOff)
		if !ok || objOff < x.offMin {
			x.d.log.Error("transaction with invalid offset or object",
				zap.Uint64("debug_id", x.t.debugID),
				zap.Uint64("offset", objOff),
				zap.Uint64("min", x.offMin),
				zap.Uint64("data_size", buf.DataSize()))
			return ErrInvalid
		}
		x.offMin = objOff + size

		var err error
		switch typ {
		case wire.BINDER_TYPE_BINDER, wire.BINDER_TYPE_WEAK_BINDER:
			err = x.translateBinder(data[objOff : objOff+size])
		case wire.BINDER_TYPE_HANDLE, wire.BINDER_TYPE_WEAK_HANDLE:
			err = x.translateHandle(data[objOff : objOff+size])
		case wire.BINDER_TYPE_FD:
			err = x.translateFD(data[objOff : objOff+size])
		case wire.BINDER_TYPE_PTR:
			err = x.translateBuffer(data[objOff:objOff+size], objOff)
		case wire.BINDER_TYPE_FDA:
			err = x.translateFDArray(data[objOff : objOff+size])
		default:
			x.d.log.Error("transaction with unknown object type",
				zap.Uint64("debug_id", x.t.debugID), zap.Uint32("type", typ))
			err = ErrInvalid
		}
		if err != nil {
			return err
		}
	}
	x.failedAt = uint64(len(offs))
	return nil
}

// translateBinder turns a sender-local object into a handle in the
// target, minting the node on first export.
func (x *translator) translateBinder(b []byte) error {
	fp := wire.GetFlatObject(b)
	node := x.sender.getNode(fp.Binder)
	if node == nil {
		g := x.sender.lockInner()
		node = x.sender.newNodeLocked(g, &fp)
		x.sender.unlockInner(g)
	}
	if node == nil {
		x.d.log.Warn("object export from a closing sender",
			zap.Uint32("proc", x.sender.pid), zap.Uint32("thread", x.senderTh.tid))
		return ErrClosed
	}
	defer node.putTmp()
	if fp.Cookie != node.cookie {
		x.d.log.Error("node cookie mismatch",
			zap.Uint32("proc", x.sender.pid), zap.Uint32("thread", x.senderTh.tid),
			zap.Uint64("node", node.debugID),
			zap.Uint64("cookie", fp.Cookie), zap.Uint64("node_cookie", node.cookie))
		return ErrInvalid
	}
	if err := x.d.security.CheckTransferRef(x.sender.Identity(), x.target.Identity()); err != nil {
		return ErrPermission
	}
	rdata, err := x.target.incRefForNode(node, fp.Type == wire.BINDER_TYPE_BINDER, x.senderTh)
	if err != nil {
		return err
	}
	typ := uint32(wire.BINDER_TYPE_HANDLE)
	if fp.Type == wire.BINDER_TYPE_WEAK_BINDER {
		typ = wire.BINDER_TYPE_WEAK_HANDLE
	}
	wire.PutFlatObject(b, wire.FlatObject{Type: typ, Flags: fp.Flags, Handle: rdata.desc})
	x.d.log.Debug("node to ref",
		zap.Uint64("node", node.debugID), zap.Uint64("node_ptr", node.ptr),
		zap.Uint64("ref", rdata.debugID), zap.Uint32("desc", rdata.desc))
	return nil
}

// translateHandle rewrites a handle for the target: back into the
// owner's object form when the target owns the node, into a target
// handle otherwise.
func (x *translator) translateHandle(b []byte) error {
	fp := wire.GetFlatObject(b)
	node, srcData := x.sender.getNodeFromRef(fp.Handle, fp.Type == wire.BINDER_TYPE_HANDLE)
	if node == nil {
		x.d.log.Error("transaction with invalid handle",
			zap.Uint32("proc", x.sender.pid), zap.Uint32("thread", x.senderTh.tid),
			zap.Uint32("handle", fp.Handle))
		return ErrInvalid
	}
	defer node.putTmp()
	if err := x.d.security.CheckTransferRef(x.sender.Identity(), x.target.Identity()); err != nil {
		return ErrPermission
	}

	g := node.lockInner()
	if node.proc == x.target {
		typ := uint32(wire.BINDER_TYPE_BINDER)
		if fp.Type == wire.BINDER_TYPE_WEAK_HANDLE {
			typ = wire.BINDER_TYPE_WEAK_BINDER
		}
		_ = node.incLocked(g, typ == wire.BINDER_TYPE_BINDER, false, nil)
		node.unlockInner(g)
		wire.PutFlatObject(b, wire.FlatObject{
			Type:   typ,
			Flags:  fp.Flags,
			Binder: node.ptr,
			Cookie: node.cookie,
		})
		x.d.log.Debug("ref to node",
			zap.Uint64("ref", srcData.debugID), zap.Uint32("desc", srcData.desc),
			zap.Uint64("node", node.debugID), zap.Uint64("node_ptr", node.ptr))
		return nil
	}
	node.unlockInner(g)
	destData, err := x.target.incRefForNode(node, fp.Type == wire.BINDER_TYPE_HANDLE, nil)
	if err != nil {
		return err
	}
	wire.PutFlatObject(b, wire.FlatObject{Type: fp.Type, Flags: fp.Flags, Handle: destData.desc})
	x.d.log.Debug("ref to ref",
		zap.Uint64("ref", srcData.debugID), zap.Uint32("desc", srcData.desc),
		zap.Uint64("target_ref", destData.debugID), zap.Uint32("target_desc", destData.desc),
		zap.Uint64("node", node.debugID))
	return nil
}

// transferFD moves one descriptor from the sender's table into the
// target's, honoring the target's opt-in and the security policy.
func (x *translator) transferFD(fd uint32) (uint32, error) {
	var allowed bool
	if x.inReplyTo != nil {
		allowed = x.inReplyTo.flags&wire.TF_ACCEPT_FDS != 0
	} else {
		allowed = x.pb.targetNode.acceptFDs
	}
	if !allowed {
		x.d.log.Error("descriptor to target that does not accept them",
			zap.Uint32("proc", x.sender.pid), zap.Uint32("thread", x.senderTh.tid),
			zap.Uint32("fd", fd))
		return 0, ErrPermission
	}
	desc, ok := x.sender.fds.Lookup(fd)
	if !ok {
		x.d.log.Error("transaction with invalid descriptor",
			zap.Uint32("proc", x.sender.pid), zap.Uint32("thread", x.senderTh.tid),
			zap.Uint32("fd", fd))
		return 0, ErrBadDescriptor
	}
	if err := x.d.security.CheckTransferDescriptor(x.sender.Identity(), x.target.Identity(), fd); err != nil {
		return 0, ErrPermission
	}
	newFD, err := x.target.fds.Install(desc)
	if err != nil {
		return 0, err
	}
	x.d.log.Debug("descriptor translated",
		zap.Uint32("fd", fd), zap.Uint32("target_fd", newFD))
	return newFD, nil
}

func (x *translator) translateFD(b []byte) error {
	fo := wire.GetFDObject(b)
	newFD, err := x.transferFD(fo.FD)
	if err != nil {
		return err
	}
	wire.PutFDObject(b, wire.FDObject{FD: newFD, Cookie: fo.Cookie})
	return nil
}

// translateBuffer copies one scatter-gather region into the buffer's
// extra section and rewrites the object to the target-side address.
func (x *translator) translateBuffer(b []byte, objOff uint64) error {
	bp := wire.GetBufferObject(b)
	if bp.Length > x.sgEnd-x.sgCursor {
		x.d.log.Error("scatter-gather buffer too large",
			zap.Uint64("debug_id", x.t.debugID),
			zap.Uint64("length", bp.Length), zap.Uint64("space_left", x.sgEnd-x.sgCursor))
		return ErrInvalid
	}
	src, ok := payloadWindow(x.wbuf, bp.Buffer, bp.Length)
	if !ok {
		x.d.log.Error("scatter-gather buffer out of range",
			zap.Uint64("debug_id", x.t.debugID), zap.Uint64("buffer", bp.Buffer))
		return ErrFault
	}
	copy(x.pb.buf.Data()[x.sgCursor:], src)
	bp.Buffer = x.pb.buf.Address() + x.sgCursor
	x.sgCursor += wire.Align8(bp.Length)

	if err := x.fixupParent(bp); err != nil {
		return err
	}
	wire.PutBufferObject(b, bp)
	x.lastFixupObj = objOff
	x.lastFixupMin = 0
	return nil
}

// fixupParent patches the pointer slot inside an earlier buffer object
// that refers to this one, so the target sees a consistent graph.
func (x *translator) fixupParent(bp wire.BufferObject) error {
	if bp.Flags&wire.BINDER_BUFFER_FLAG_HAS_PARENT == 0 {
		return nil
	}
	parent, parentOff, ok := x.validatePtr(bp.Parent)
	if !ok {
		x.d.log.Error("transaction with invalid parent offset or type",
			zap.Uint64("debug_id", x.t.debugID))
		return ErrInvalid
	}
	if !x.validateFixup(parentOff, bp.ParentOffset) {
		x.d.log.Error("transaction with out-of-order buffer fixup",
			zap.Uint64("debug_id", x.t.debugID))
		return ErrInvalid
	}
	if parent.Length < 8 || bp.ParentOffset > parent.Length-8 {
		x.d.log.Error("no space for pointer fixup in parent",
			zap.Uint64("debug_id", x.t.debugID))
		return ErrInvalid
	}
	at := parent.Buffer - x.pb.buf.Address() + bp.ParentOffset
	binary.LittleEndian.PutUint64(x.pb.buf.Data()[at:], bp.Buffer)
	return nil
}

// translateFDArray installs every descriptor named by an fd array into
// the target's table, rewriting the array in the parent's copied
// region. A mid-array failure closes what was installed.
func (x *translator) translateFDArray(b []byte) error {
	fda := wire.GetFDArrayObject(b)
	parent, parentOff, ok := x.validatePtr(fda.Parent)
	if !ok {
		x.d.log.Error("transaction with invalid parent offset or type",
			zap.Uint64("debug_id", x.t.debugID))
		return ErrInvalid
	}
	if !x.validateFixup(parentOff, fda.ParentOffset) {
		x.d.log.Error("transaction with out-of-order buffer fixup",
			zap.Uint64("debug_id", x.t.debugID))
		return ErrInvalid
	}
	if fda.NumFDs >= math.MaxUint64/4 {
		x.d.log.Error("descriptor array too large",
			zap.Uint64("debug_id", x.t.debugID), zap.Uint64("num_fds", fda.NumFDs))
		return ErrInvalid
	}
	fdBufSize := 4 * fda.NumFDs
	if fdBufSize > parent.Length || fda.ParentOffset > parent.Length-fdBufSize {
		x.d.log.Error("not enough space in parent for descriptor array",
			zap.Uint64("debug_id", x.t.debugID), zap.Uint64("num_fds", fda.NumFDs))
		return ErrInvalid
	}
	base := parent.Buffer - x.pb.buf.Address() + fda.ParentOffset
	data := x.pb.buf.Data()
	installed := make([]uint32, 0, fda.NumFDs)
	for i := uint64(0); i < fda.NumFDs; i++ {
		at := base + 4*i
		fd := binary.LittleEndian.Uint32(data[at:])
		newFD, err := x.transferFD(fd)
		if err != nil {
			for _, ifd := range installed {
				_ = x.target.fds.Close(ifd)
			}
			return err
		}
		binary.LittleEndian.PutUint32(data[at:], newFD)
		installed = append(installed, newFD)
	}
	x.lastFixupObj = parentOff
	x.lastFixupMin = fda.ParentOffset + fdBufSize
	return nil
}

// validatePtr resolves offsets entry index to an already-walked buffer
// object, returning its decoded form and data offset.
func (x *translator) validatePtr(index uint64) (wire.BufferObject, uint64, bool) {
	return validateBufferPtr(x.pb.buf, index, x.numValid)
}

func validateBufferPtr(buf *shm.Buffer, index, numValid uint64) (wire.BufferObject, uint64, bool) {
	if index >= numValid {
		return wire.BufferObject{}, 0, false
	}
	offs := buf.OffsetsRegion()
	objOff := binary.LittleEndian.Uint64(offs[index*8:])
	data := buf.DataRegion()
	typ, size, ok := objectAt(data, objOff)
	if !ok || typ != wire.BINDER_TYPE_PTR {
		return wire.BufferObject{}, 0, false
	}
	return wire.GetBufferObject(data[objOff : objOff+size]), objOff, true
}

// validateFixup checks that a fixup lands after every slot already
// claimed by the fixup chain ending at the parent, keeping patched
// pointers from overlapping.
func (x *translator) validateFixup(parentObjOff, fixupOff uint64) bool {
	lastObj := x.lastFixupObj
	lastMin := x.lastFixupMin
	if lastObj == 0 {
		return false
	}
	offs := x.pb.buf.OffsetsRegion()
	data := x.pb.buf.DataRegion()
	for lastObj != parentObjOff {
		typ, size, ok := objectAt(data, lastObj)
		if !ok || typ != wire.BINDER_TYPE_PTR || size != wire.BufferObjectSize {
			return false
		}
		bo := wire.GetBufferObject(data[lastObj : lastObj+size])
		if bo.Flags&wire.BINDER_BUFFER_FLAG_HAS_PARENT == 0 {
			return false
		}
		lastMin = bo.ParentOffset + 8
		if bo.Parent*8 >= uint64(len(offs)) {
			return false
		}
		lastObj = binary.LittleEndian.Uint64(offs[bo.Parent*8:])
	}
	return fixupOff >= lastMin
}

// releaseBufferObjects undoes the reference and descriptor effects of
// a buffer's translated payload. On a failed send failedAt is the end
// of the translated prefix of the offsets section, so objects the
// translator never reached are not walked; a clean release covers the
// whole section.
func (p *Proc) releaseBufferObjects(pb *pendingBuffer, failedAt uint64, isFailure bool) {
	d := p.domain
	if pb.targetNode != nil {
		pb.targetNode.dec(true, false)
	}
	buf := pb.buf
	offs := buf.OffsetsRegion()
	data := buf.DataRegion()
	end := uint64(len(offs))
	if isFailure {
		end = failedAt
	}
	for pos := uint64(0); pos < end; pos += 8 {
		objOff := binary.LittleEndian.Uint64(offs[pos:])
		typ, size, ok := objectAt(data, objOff)
		if !ok {
			d.log.Error("buffer release with bad object",
				zap.Uint64("buffer_id", pb.debugID), zap.Uint64("offset", objOff))
			continue
		}
		b := data[objOff : objOff+size]
		switch typ {
		case wire.BINDER_TYPE_BINDER, wire.BINDER_TYPE_WEAK_BINDER:
			fp := wire.GetFlatObject(b)
			node := p.getNode(fp.Binder)
			if node == nil {
				d.log.Error("buffer release with unknown node",
					zap.Uint64("buffer_id", pb.debugID), zap.Uint64("ptr", fp.Binder))
				continue
			}
			node.dec(typ == wire.BINDER_TYPE_BINDER, false)
			node.putTmp()
		case wire.BINDER_TYPE_HANDLE, wire.BINDER_TYPE_WEAK_HANDLE:
			fp := wire.GetFlatObject(b)
			if _, err := p.decRefForHandle(fp.Handle, typ == wire.BINDER_TYPE_HANDLE); err != nil {
				d.log.Error("buffer release with unknown handle",
					zap.Uint64("buffer_id", pb.debugID), zap.Uint32("handle", fp.Handle),
					zap.Error(err))
			}
		case wire.BINDER_TYPE_FD:
			if isFailure {
				fo := wire.GetFDObject(b)
				_ = p.fds.Close(fo.FD)
			}
		case wire.BINDER_TYPE_PTR:
			// Nothing to undo; the copy dies with the buffer.
		case wire.BINDER_TYPE_FDA:
			fda := wire.GetFDArrayObject(b)
			parent, _, ok := validateBufferPtr(buf, fda.Parent, pos/8)
			if !ok {
				d.log.Error("buffer release with bad descriptor array parent",
					zap.Uint64("buffer_id", pb.debugID))
				continue
			}
			if fda.NumFDs >= math.MaxUint64/4 {
				d.log.Error("buffer release with oversized descriptor array",
					zap.Uint64("buffer_id", pb.debugID), zap.Uint64("num_fds", fda.NumFDs))
				continue
			}
			fdBufSize := 4 * fda.NumFDs
			if fdBufSize > parent.Length || fda.ParentOffset > parent.Length-fdBufSize {
				d.log.Error("buffer release with short descriptor array parent",
					zap.Uint64("buffer_id", pb.debugID), zap.Uint64("num_fds", fda.NumFDs))
				continue
			}
			base := parent.Buffer - buf.Address() + fda.ParentOffset
			raw := buf.Data()
			for i := uint64(0); i < fda.NumFDs; i++ {
				fd := binary.LittleEndian.Uint32(raw[base+4*i:])
				_ = p.fds.Close(fd)
			}
		default:
			d.log.Error("buffer release with unknown object type",
				zap.Uint64("buffer_id", pb.debugID), zap.Uint32("type", typ))
		}
	}
}
