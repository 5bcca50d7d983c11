package binder

// SecurityPolicy authorizes cross-participant operations. Hooks fire
// with the identities of both sides; a non-nil error vetoes the
// operation and surfaces to the initiator as a permission failure.
type SecurityPolicy interface {
	// CheckTransaction runs once per transaction, before any payload
	// translation.
	CheckTransaction(from, to Identity) error

	// CheckTransferRef runs for every object reference embedded in a
	// payload.
	CheckTransferRef(from, to Identity) error

	// CheckTransferDescriptor runs for every descriptor embedded in a
	// payload.
	CheckTransferDescriptor(from, to Identity, fd uint32) error

	// CheckSetRegistrar runs when a participant claims the registrar
	// seat.
	CheckSetRegistrar(id Identity) error
}

// AllowAllPolicy permits everything. It is the default.
type AllowAllPolicy struct{}

var _ SecurityPolicy = (*AllowAllPolicy)(nil)

func (AllowAllPolicy) CheckTransaction(from, to Identity) error { return nil }

func (AllowAllPolicy) CheckTransferRef(from, to Identity) error { return nil }

func (AllowAllPolicy) CheckTransferDescriptor(from, to Identity, fd uint32) error { return nil }

func (AllowAllPolicy) CheckSetRegistrar(id Identity) error { return nil }

// RegistrarUIDPolicy permits everything except claiming the registrar
// seat, which it restricts to one UID.
type RegistrarUIDPolicy struct {
	AllowAllPolicy

	UID uint32
}

var _ SecurityPolicy = (*RegistrarUIDPolicy)(nil)

func (p RegistrarUIDPolicy) CheckSetRegistrar(id Identity) error {
	if id.UID != p.UID {
		return ErrPermission
	}
	return nil
}
