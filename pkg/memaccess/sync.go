package memaccess

// result is a one-shot callback that a blocking wrapper waits on.
type result[T uint16 | uint32] struct {
	done  chan struct{}
	value T
	err   error
}

func newResult[T uint16 | uint32]() *result[T] {
	return &result[T]{done: make(chan struct{})}
}

func (r *result[T]) Success(_ uint32, value T) {
	r.value = value
	close(r.done)
}

func (r *result[T]) Failure(address uint32, code ErrorCode, details string) {
	r.err = &AccessError{Address: address, Code: code, Details: details}
	close(r.done)
}

func (r *result[T]) wait() (T, error) {
	<-r.done
	return r.value, r.err
}

// The blocking wrappers below must never be called from inside a callback of
// the same access: the callback would wait for itself.

// ReadUInt16 reads a 16-bit register and blocks until the read has finished.
func ReadUInt16(ma MemoryAccess, address uint32) (uint16, error) {
	r := newResult[uint16]()
	ma.ReadUInt16(address, r)
	return r.wait()
}

// WriteUInt16 writes a 16-bit register and returns the value the device
// reports afterwards.
func WriteUInt16(ma MemoryAccess, address uint32, value uint16) (uint16, error) {
	r := newResult[uint16]()
	ma.WriteUInt16(address, value, r)
	return r.wait()
}

// ReadUInt32 reads a 32-bit register and blocks until the read has finished.
func ReadUInt32(ma MemoryAccess, address uint32) (uint32, error) {
	r := newResult[uint32]()
	ma.ReadUInt32(address, r)
	return r.wait()
}

// WriteUInt32 writes a 32-bit register and returns the value the device
// reports afterwards.
func WriteUInt32(ma MemoryAccess, address uint32, value uint32) (uint32, error) {
	r := newResult[uint32]()
	ma.WriteUInt32(address, value, r)
	return r.wait()
}
