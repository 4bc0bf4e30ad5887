package memaccess

// UpdatingCallback drives a read-modify-write operation. Update receives the
// current register value and returns the value to write. Returning an error
// aborts the operation, which then fails with ErrUnknown.
type UpdatingCallback[T uint16 | uint32] interface {
	Callback[T]
	Update(address uint32, old T) (T, error)
}

// ConsistentMemoryAccess adds atomic read-modify-write operations. Writes and
// updates that touch the same bytes never run at the same time, and they are
// started in the order they were issued.
type ConsistentMemoryAccess interface {
	MemoryAccess
	UpdateUInt16(address uint32, cb UpdatingCallback[uint16])
	UpdateUInt32(address uint32, cb UpdatingCallback[uint32])
}

// UpdateFuncs adapts plain functions to UpdatingCallback. A nil OnUpdate keeps
// the old value.
type UpdateFuncs[T uint16 | uint32] struct {
	CallbackFuncs[T]
	OnUpdate func(address uint32, old T) (T, error)
}

func (u UpdateFuncs[T]) Update(address uint32, old T) (T, error) {
	if u.OnUpdate == nil {
		return old, nil
	}
	return u.OnUpdate(address, old)
}

type maskedUpdate[T uint16 | uint32] struct {
	Callback[T]
	value T
	mask  T
}

func (m maskedUpdate[T]) Update(_ uint32, old T) (T, error) {
	return (old &^ m.mask) | (m.value & m.mask), nil
}

// MaskedUpdate returns an update that replaces only the bits set in mask with
// the corresponding bits of value.
func MaskedUpdate[T uint16 | uint32](value, mask T, cb Callback[T]) UpdatingCallback[T] {
	return maskedUpdate[T]{Callback: cb, value: value, mask: mask}
}

// WriteMaskedUInt16 performs a masked update and blocks until it has finished.
func WriteMaskedUInt16(cma ConsistentMemoryAccess, address uint32, value, mask uint16) (uint16, error) {
	r := newResult[uint16]()
	cma.UpdateUInt16(address, MaskedUpdate[uint16](value, mask, r))
	return r.wait()
}

// WriteMaskedUInt32 performs a masked update and blocks until it has finished.
func WriteMaskedUInt32(cma ConsistentMemoryAccess, address uint32, value, mask uint32) (uint32, error) {
	r := newResult[uint32]()
	cma.UpdateUInt32(address, MaskedUpdate[uint32](value, mask, r))
	return r.wait()
}

// UpdateUInt16 runs fn as an atomic read-modify-write and returns the value
// the device reports after the write.
func UpdateUInt16(cma ConsistentMemoryAccess, address uint32, fn func(old uint16) (uint16, error)) (uint16, error) {
	r := newResult[uint16]()
	cma.UpdateUInt16(address, UpdateFuncs[uint16]{
		CallbackFuncs: CallbackFuncs[uint16]{OnSuccess: r.Success, OnFailure: r.Failure},
		OnUpdate:      func(_ uint32, old uint16) (uint16, error) { return fn(old) },
	})
	return r.wait()
}

// UpdateUInt32 is the 32-bit form of UpdateUInt16.
func UpdateUInt32(cma ConsistentMemoryAccess, address uint32, fn func(old uint32) (uint32, error)) (uint32, error) {
	r := newResult[uint32]()
	cma.UpdateUInt32(address, UpdateFuncs[uint32]{
		CallbackFuncs: CallbackFuncs[uint32]{OnSuccess: r.Success, OnFailure: r.Failure},
		OnUpdate:      func(_ uint32, old uint32) (uint32, error) { return fn(old) },
	})
	return r.wait()
}
