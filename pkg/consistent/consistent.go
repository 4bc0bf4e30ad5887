// Package consistent serializes write and read-modify-write operations that
// touch the same bytes of a device, on top of any asynchronous
// memaccess.MemoryAccess.
//
// Operations are tracked per byte and every byte is strictly first come, first
// served: an operation runs only when none of its bytes is used by a running
// operation and no older operation is waiting for any of them. Otherwise it
// waits in the per-byte pending buckets. When an operation finishes, the
// oldest waiting operation of each freed byte is started if it can run.
//
// Reads are passed through unchanged. A read may therefore observe the
// intermediate state between the read and the write of an update.
package consistent

import (
	"fmt"
	"log"
	"sync"

	"github.com/mrf-timing/mrfaccess/pkg/memaccess"
)

type kind int

const (
	writeU16 kind = iota
	writeU32
	updateU16
	updateU32
)

func (k kind) width() uint32 {
	if k == writeU16 || k == updateU16 {
		return 2
	}
	return 4
}

type operation struct {
	id      uint64
	kind    kind
	address uint32
}

// entry is everything needed to run and complete one operation. cb is a
// memaccess.Callback[T] for writes and a memaccess.UpdatingCallback[T] for
// updates.
type entry struct {
	op       operation
	value    uint32
	cb       any
	readDone bool
}

// Access implements memaccess.ConsistentMemoryAccess.
type Access struct {
	delegate memaccess.MemoryAccess

	mu      sync.Mutex
	nextID  uint64
	entries map[uint64]*entry
	pending map[uint32][]operation
	running map[uint32]struct{}
}

var _ memaccess.ConsistentMemoryAccess = (*Access)(nil)

// New wraps delegate.
func New(delegate memaccess.MemoryAccess) *Access {
	return &Access{
		delegate: delegate,
		entries:  make(map[uint64]*entry),
		pending:  make(map[uint32][]operation),
		running:  make(map[uint32]struct{}),
	}
}

// Delegate returns the wrapped access.
func (a *Access) Delegate() memaccess.MemoryAccess {
	return a.delegate
}

// ReadUInt16 goes straight to the delegate. Reads are not ordered against
// pending writes or updates on the same bytes.
func (a *Access) ReadUInt16(address uint32, cb memaccess.Callback[uint16]) {
	a.delegate.ReadUInt16(address, cb)
}

func (a *Access) ReadUInt32(address uint32, cb memaccess.Callback[uint32]) {
	a.delegate.ReadUInt32(address, cb)
}

func (a *Access) WriteUInt16(address uint32, value uint16, cb memaccess.Callback[uint16]) {
	if cb == nil {
		cb = memaccess.CallbackFuncs[uint16]{}
	}
	a.start(writeU16, address, uint32(value), cb)
}

func (a *Access) WriteUInt32(address uint32, value uint32, cb memaccess.Callback[uint32]) {
	if cb == nil {
		cb = memaccess.CallbackFuncs[uint32]{}
	}
	a.start(writeU32, address, value, cb)
}

func (a *Access) UpdateUInt16(address uint32, cb memaccess.UpdatingCallback[uint16]) {
	if cb == nil {
		cb = memaccess.UpdateFuncs[uint16]{}
	}
	a.start(updateU16, address, 0, cb)
}

func (a *Access) UpdateUInt32(address uint32, cb memaccess.UpdatingCallback[uint32]) {
	if cb == nil {
		cb = memaccess.UpdateFuncs[uint32]{}
	}
	a.start(updateU32, address, 0, cb)
}

func (a *Access) SupportsInterrupts() bool {
	return a.delegate.SupportsInterrupts()
}

func (a *Access) AddInterruptListener(l memaccess.InterruptListener) (memaccess.ListenerHandle, error) {
	return a.delegate.AddInterruptListener(l)
}

func (a *Access) RemoveInterruptListener(h memaccess.ListenerHandle) error {
	return a.delegate.RemoveInterruptListener(h)
}

func (a *Access) start(k kind, address uint32, value uint32, cb any) {
	a.mu.Lock()
	a.nextID++
	e := &entry{
		op:    operation{id: a.nextID, kind: k, address: address},
		value: value,
		cb:    cb,
	}
	a.entries[e.op.id] = e
	run := a.canRunLocked(e.op)
	if run {
		a.markLocked(e.op)
	} else {
		a.insertPendingLocked(e.op)
	}
	a.mu.Unlock()

	if run {
		a.dispatch(e)
	}
}

// canRunLocked reports whether op may run. A waiting operation must be at the
// head of each of its buckets, a new one needs the buckets to be empty.
func (a *Access) canRunLocked(op operation) bool {
	for i := uint32(0); i < op.kind.width(); i++ {
		b := op.address + i
		if _, busy := a.running[b]; busy {
			return false
		}
		if bucket := a.pending[b]; len(bucket) != 0 && bucket[0].id != op.id {
			return false
		}
	}
	return true
}

func (a *Access) markLocked(op operation) {
	for i := uint32(0); i < op.kind.width(); i++ {
		a.running[op.address+i] = struct{}{}
	}
}

func (a *Access) unmarkLocked(op operation) {
	for i := uint32(0); i < op.kind.width(); i++ {
		delete(a.running, op.address+i)
	}
}

func (a *Access) insertPendingLocked(op operation) {
	for i := uint32(0); i < op.kind.width(); i++ {
		a.pending[op.address+i] = append(a.pending[op.address+i], op)
	}
}

func (a *Access) removePendingLocked(op operation) {
	for i := uint32(0); i < op.kind.width(); i++ {
		b := op.address + i
		bucket := a.pending[b]
		for j, p := range bucket {
			if p.id == op.id {
				bucket = append(bucket[:j], bucket[j+1:]...)
				break
			}
		}
		if len(bucket) == 0 {
			delete(a.pending, b)
		} else {
			a.pending[b] = bucket
		}
	}
}

// promoteLocked marks and returns the operations that can run now that the
// bytes of op are free again. Only bucket heads are candidates.
func (a *Access) promoteLocked(op operation) []*entry {
	var runnable []*entry
	for i := uint32(0); i < op.kind.width(); i++ {
		bucket := a.pending[op.address+i]
		if len(bucket) == 0 || !a.canRunLocked(bucket[0]) {
			continue
		}
		next := bucket[0]
		a.markLocked(next)
		a.removePendingLocked(next)
		runnable = append(runnable, a.entries[next.id])
	}
	return runnable
}

// claimRead returns the entry of update id the first time its read completes
// and nil afterwards.
func (a *Access) claimRead(id uint64) *entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	e := a.entries[id]
	if e == nil || e.readDone {
		return nil
	}
	e.readDone = true
	return e
}

// finish completes operation id. Only the first call for an id has an effect.
// notify runs without the lock held. Operations that became runnable are
// started afterwards, even if notify panics.
func (a *Access) finish(id uint64, notify func(e *entry)) {
	a.mu.Lock()
	e, ok := a.entries[id]
	if !ok {
		a.mu.Unlock()
		return
	}
	delete(a.entries, id)
	a.unmarkLocked(e.op)
	runnable := a.promoteLocked(e.op)
	a.mu.Unlock()

	defer func() {
		for _, next := range runnable {
			a.dispatch(next)
		}
	}()
	notify(e)
}

func (a *Access) fail(id uint64, code memaccess.ErrorCode, details string) {
	a.finish(id, func(e *entry) {
		switch cb := e.cb.(type) {
		case memaccess.Callback[uint16]:
			cb.Failure(e.op.address, code, details)
		case memaccess.Callback[uint32]:
			cb.Failure(e.op.address, code, details)
		}
	})
}

// guard fails the operation if fn panics. A delegate that panics after it
// already completed the operation does not cause a second completion.
func (a *Access) guard(e *entry, what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("The %s operation for address %s panicked: %v", what, memaccess.FormatAddress(e.op.address), r)
			a.fail(e.op.id, memaccess.ErrUnknown, fmt.Sprintf("The %s operation failed: %v", what, r))
		}
	}()
	fn()
}

func (a *Access) dispatch(e *entry) {
	op := e.op
	switch op.kind {
	case writeU16:
		a.guard(e, "write", func() {
			a.delegate.WriteUInt16(op.address, uint16(e.value), completion[uint16]{a: a, id: op.id})
		})
	case writeU32:
		a.guard(e, "write", func() {
			a.delegate.WriteUInt32(op.address, e.value, completion[uint32]{a: a, id: op.id})
		})
	case updateU16:
		a.guard(e, "read", func() {
			a.delegate.ReadUInt16(op.address, updateRead[uint16]{a: a, id: op.id})
		})
	case updateU32:
		a.guard(e, "read", func() {
			a.delegate.ReadUInt32(op.address, updateRead[uint32]{a: a, id: op.id})
		})
	}
}

// completion is handed to the delegate for the final write of an operation.
type completion[T uint16 | uint32] struct {
	a  *Access
	id uint64
}

func (c completion[T]) Success(address uint32, value T) {
	c.a.finish(c.id, func(e *entry) {
		e.cb.(memaccess.Callback[T]).Success(address, value)
	})
}

func (c completion[T]) Failure(address uint32, code memaccess.ErrorCode, details string) {
	c.a.finish(c.id, func(e *entry) {
		e.cb.(memaccess.Callback[T]).Failure(address, code, details)
	})
}

// updateRead is handed to the delegate for the read half of an update.
type updateRead[T uint16 | uint32] struct {
	a  *Access
	id uint64
}

func (u updateRead[T]) Success(address uint32, old T) {
	e := u.a.claimRead(u.id)
	if e == nil {
		return
	}
	value, err := runUpdate(e.cb.(memaccess.UpdatingCallback[T]), address, old)
	if err != nil {
		u.a.fail(u.id, memaccess.ErrUnknown, err.Error())
		return
	}
	u.a.guard(e, "write", func() {
		writeValue(u.a.delegate, e.op.address, value, completion[T](u))
	})
}

func (u updateRead[T]) Failure(address uint32, code memaccess.ErrorCode, details string) {
	u.a.finish(u.id, func(e *entry) {
		e.cb.(memaccess.Callback[T]).Failure(address, code, details)
	})
}

func runUpdate[T uint16 | uint32](cb memaccess.UpdatingCallback[T], address uint32, old T) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("update function panicked: %v", r)
		}
	}()
	value, err = cb.Update(address, old)
	if err != nil {
		return value, fmt.Errorf("update function failed: %v", err)
	}
	return value, nil
}

func writeValue[T uint16 | uint32](d memaccess.MemoryAccess, address uint32, value T, cb memaccess.Callback[T]) {
	switch v := any(value).(type) {
	case uint16:
		d.WriteUInt16(address, v, any(cb).(memaccess.Callback[uint16]))
	case uint32:
		d.WriteUInt32(address, v, any(cb).(memaccess.Callback[uint32]))
	}
}
