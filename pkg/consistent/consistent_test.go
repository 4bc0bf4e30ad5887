package consistent

import (
	"fmt"
	"math/rand"
	"runtime"
	"sync"
	"testing"

	"github.com/mrf-timing/mrfaccess/pkg/memaccess"
)

type completionMode int

const (
	// Operations complete on the calling goroutine.
	syncMode completionMode = iota
	// Operations complete on their own goroutine.
	asyncMode
	// Operations wait until the test completes them.
	manualMode
)

type call struct {
	write   bool
	address uint32
	width   uint32
	value   uint32
	success func(value uint32)
	failure func(code memaccess.ErrorCode, details string)
}

func (c *call) String() string {
	op := "read"
	if c.write {
		op = "write"
	}
	return fmt.Sprintf("%s%d@0x%x", op, c.width*8, c.address)
}

// fakeDelegate is a big-endian byte-addressed memory. It counts writes that
// are in flight at the same time on the same byte.
type fakeDelegate struct {
	memaccess.NoInterrupts
	mode    completionMode
	failOn  map[uint32]bool
	panicOn map[uint32]bool

	mu       sync.Mutex
	mem      map[uint32]byte
	queue    []*call
	inflight map[uint32]bool
	overlaps int
}

func newFakeDelegate(mode completionMode) *fakeDelegate {
	return &fakeDelegate{
		mode:     mode,
		failOn:   make(map[uint32]bool),
		panicOn:  make(map[uint32]bool),
		mem:      make(map[uint32]byte),
		inflight: make(map[uint32]bool),
	}
}

func (d *fakeDelegate) loadLocked(address, width uint32) uint32 {
	var v uint32
	for i := uint32(0); i < width; i++ {
		v = v<<8 | uint32(d.mem[address+i])
	}
	return v
}

func (d *fakeDelegate) storeLocked(address, width, value uint32) {
	for i := width; i > 0; i-- {
		d.mem[address+i-1] = byte(value)
		value >>= 8
	}
}

func (d *fakeDelegate) load(address, width uint32) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loadLocked(address, width)
}

func (d *fakeDelegate) store(address, width, value uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.storeLocked(address, width, value)
}

func (d *fakeDelegate) submit(c *call) {
	if d.panicOn[c.address] {
		panic("delegate exploded")
	}
	d.mu.Lock()
	if c.write {
		for i := uint32(0); i < c.width; i++ {
			if d.inflight[c.address+i] {
				d.overlaps++
			}
			d.inflight[c.address+i] = true
		}
	}
	if d.mode == manualMode {
		d.queue = append(d.queue, c)
	}
	d.mu.Unlock()

	switch d.mode {
	case syncMode:
		d.exec(c)
	case asyncMode:
		go func() {
			runtime.Gosched()
			d.exec(c)
		}()
	}
}

func (d *fakeDelegate) exec(c *call) {
	d.mu.Lock()
	fail := d.failOn[c.address]
	var v uint32
	if !fail {
		if c.write {
			d.storeLocked(c.address, c.width, c.value)
		}
		v = d.loadLocked(c.address, c.width)
	}
	if c.write {
		for i := uint32(0); i < c.width; i++ {
			delete(d.inflight, c.address+i)
		}
	}
	d.mu.Unlock()
	if fail {
		c.failure(memaccess.ErrFPGATimeout, "injected failure")
		return
	}
	c.success(v)
}

// outstanding lists the calls waiting in manual mode.
func (d *fakeDelegate) outstanding() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for _, c := range d.queue {
		out = append(out, c.String())
	}
	return out
}

// complete runs the waiting call described by name, e.g. "write16@0x10".
func (d *fakeDelegate) complete(t *testing.T, name string) {
	t.Helper()
	d.mu.Lock()
	var c *call
	for i, q := range d.queue {
		if q.String() == name {
			c = q
			d.queue = append(d.queue[:i], d.queue[i+1:]...)
			break
		}
	}
	d.mu.Unlock()
	if c == nil {
		t.Fatalf("no outstanding call %s, have %v", name, d.outstanding())
	}
	d.exec(c)
}

func (d *fakeDelegate) ReadUInt16(address uint32, cb memaccess.Callback[uint16]) {
	d.submit(&call{
		address: address, width: 2,
		success: func(v uint32) { cb.Success(address, uint16(v)) },
		failure: func(code memaccess.ErrorCode, details string) { cb.Failure(address, code, details) },
	})
}

func (d *fakeDelegate) WriteUInt16(address uint32, value uint16, cb memaccess.Callback[uint16]) {
	d.submit(&call{
		write: true, address: address, width: 2, value: uint32(value),
		success: func(v uint32) { cb.Success(address, uint16(v)) },
		failure: func(code memaccess.ErrorCode, details string) { cb.Failure(address, code, details) },
	})
}

func (d *fakeDelegate) ReadUInt32(address uint32, cb memaccess.Callback[uint32]) {
	d.submit(&call{
		address: address, width: 4,
		success: func(v uint32) { cb.Success(address, v) },
		failure: func(code memaccess.ErrorCode, details string) { cb.Failure(address, code, details) },
	})
}

func (d *fakeDelegate) WriteUInt32(address uint32, value uint32, cb memaccess.Callback[uint32]) {
	d.submit(&call{
		write: true, address: address, width: 4, value: value,
		success: func(v uint32) { cb.Success(address, v) },
		failure: func(code memaccess.ErrorCode, details string) { cb.Failure(address, code, details) },
	})
}

// assertIdle checks that no bookkeeping is left behind.
func assertIdle(t *testing.T, a *Access) {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.entries) != 0 || len(a.pending) != 0 || len(a.running) != 0 {
		t.Fatalf("engine not idle: %d entries, %d pending bytes, %d running bytes", len(a.entries), len(a.pending), len(a.running))
	}
}

func sameCalls(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestWriteThenUpdateSeesWrittenValue(t *testing.T) {
	d := newFakeDelegate(manualMode)
	a := New(d)

	var events []string
	a.WriteUInt16(0x10, 0x1234, memaccess.CallbackFuncs[uint16]{
		OnSuccess: func(_ uint32, v uint16) { events = append(events, fmt.Sprintf("write done 0x%04x", v)) },
	})
	a.UpdateUInt16(0x10, memaccess.UpdateFuncs[uint16]{
		CallbackFuncs: memaccess.CallbackFuncs[uint16]{
			OnSuccess: func(_ uint32, v uint16) { events = append(events, fmt.Sprintf("update done 0x%04x", v)) },
		},
		OnUpdate: func(_ uint32, old uint16) (uint16, error) {
			events = append(events, fmt.Sprintf("update saw 0x%04x", old))
			return old | 0x8000, nil
		},
	})

	if got := d.outstanding(); !sameCalls(got, []string{"write16@0x10"}) {
		t.Fatalf("update must wait for the write, outstanding %v", got)
	}
	d.complete(t, "write16@0x10")
	d.complete(t, "read16@0x10")
	d.complete(t, "write16@0x10")

	want := []string{"write done 0x1234", "update saw 0x1234", "update done 0x9234"}
	if !sameCalls(events, want) {
		t.Fatalf("got events %v, want %v", events, want)
	}
	assertIdle(t, a)
}

func TestOperationsOnSameAddressRunInOrder(t *testing.T) {
	d := newFakeDelegate(manualMode)
	a := New(d)

	var order []uint16
	for v := uint16(1); v <= 5; v++ {
		a.WriteUInt16(0x20, v, memaccess.CallbackFuncs[uint16]{
			OnSuccess: func(_ uint32, v uint16) { order = append(order, v) },
		})
	}
	for i := 0; i < 5; i++ {
		if got := d.outstanding(); len(got) != 1 {
			t.Fatalf("round %d: got %d outstanding calls %v, want 1", i, len(got), got)
		}
		d.complete(t, "write16@0x20")
	}
	for i, v := range order {
		if v != uint16(i+1) {
			t.Fatalf("writes completed in order %v", order)
		}
	}
	assertIdle(t, a)
}

func TestOverlappingWidthsAreSerialized(t *testing.T) {
	d := newFakeDelegate(manualMode)
	a := New(d)

	a.WriteUInt32(0x30, 0x11112222, nil)
	a.WriteUInt16(0x32, 0x3333, nil)
	a.WriteUInt16(0x34, 0x4444, nil)

	testCases := []struct {
		desc     string
		complete string
		want     []string
	}{
		{desc: "disjoint write runs beside the 32-bit write", want: []string{"write32@0x30", "write16@0x34"}},
		{desc: "overlapping 16-bit write starts after the 32-bit write", complete: "write32@0x30", want: []string{"write16@0x34", "write16@0x32"}},
		{desc: "remaining writes drain", complete: "write16@0x34", want: []string{"write16@0x32"}},
		{desc: "nothing left", complete: "write16@0x32", want: nil},
	}
	for _, tc := range testCases {
		if tc.complete != "" {
			d.complete(t, tc.complete)
		}
		if got := d.outstanding(); !sameCalls(got, tc.want) {
			t.Fatalf("Test %q: outstanding %v, want %v", tc.desc, got, tc.want)
		}
	}
	if got := d.load(0x30, 4); got != 0x11113333 {
		t.Fatalf("got memory 0x%08x, want 0x11113333", got)
	}
	assertIdle(t, a)
}

func TestNeighbouringWritesCannotStarveWideOperation(t *testing.T) {
	d := newFakeDelegate(manualMode)
	a := New(d)

	a.WriteUInt16(0x10, 1, nil)
	a.WriteUInt16(0x12, 1, nil)
	wideDone := false
	a.WriteUInt32(0x10, 0xaaaabbbb, memaccess.CallbackFuncs[uint32]{
		OnSuccess: func(uint32, uint32) { wideDone = true },
	})

	// Keep both halves busy in turns. Every new narrow write has to queue
	// behind the wide one, so the wide one gets both halves eventually.
	d.complete(t, "write16@0x10")
	a.WriteUInt16(0x10, 2, nil)
	if got := d.outstanding(); !sameCalls(got, []string{"write16@0x12"}) {
		t.Fatalf("narrow write overtook the waiting wide write, outstanding %v", got)
	}
	d.complete(t, "write16@0x12")
	a.WriteUInt16(0x12, 2, nil)
	if got := d.outstanding(); !sameCalls(got, []string{"write32@0x10"}) {
		t.Fatalf("wide write did not start, outstanding %v", got)
	}

	d.complete(t, "write32@0x10")
	if !wideDone {
		t.Fatalf("wide write did not complete")
	}
	d.complete(t, "write16@0x10")
	d.complete(t, "write16@0x12")
	if got := d.load(0x10, 4); got != 0x00020002 {
		t.Fatalf("got memory 0x%08x, want 0x00020002", got)
	}
	assertIdle(t, a)
}

func TestEveryOperationCompletesExactlyOnce(t *testing.T) {
	testCases := []struct {
		desc     string
		setup    func(d *fakeDelegate)
		run      func(a *Access, cb memaccess.UpdateFuncs[uint16])
		wantCode memaccess.ErrorCode
		wantOK   bool
	}{
		{
			desc:   "write succeeds",
			run:    func(a *Access, cb memaccess.UpdateFuncs[uint16]) { a.WriteUInt16(0x8, 7, cb) },
			wantOK: true,
		},
		{
			desc:     "write fails in the transport",
			setup:    func(d *fakeDelegate) { d.failOn[0x8] = true },
			run:      func(a *Access, cb memaccess.UpdateFuncs[uint16]) { a.WriteUInt16(0x8, 7, cb) },
			wantCode: memaccess.ErrFPGATimeout,
		},
		{
			desc:     "transport panics",
			setup:    func(d *fakeDelegate) { d.panicOn[0x8] = true },
			run:      func(a *Access, cb memaccess.UpdateFuncs[uint16]) { a.WriteUInt16(0x8, 7, cb) },
			wantCode: memaccess.ErrUnknown,
		},
		{
			desc:   "update succeeds",
			run:    func(a *Access, cb memaccess.UpdateFuncs[uint16]) { a.UpdateUInt16(0x8, cb) },
			wantOK: true,
		},
		{
			desc:     "update read fails",
			setup:    func(d *fakeDelegate) { d.failOn[0x8] = true },
			run:      func(a *Access, cb memaccess.UpdateFuncs[uint16]) { a.UpdateUInt16(0x8, cb) },
			wantCode: memaccess.ErrFPGATimeout,
		},
		{
			desc: "update function returns an error",
			run: func(a *Access, cb memaccess.UpdateFuncs[uint16]) {
				cb.OnUpdate = func(uint32, uint16) (uint16, error) { return 0, fmt.Errorf("no") }
				a.UpdateUInt16(0x8, cb)
			},
			wantCode: memaccess.ErrUnknown,
		},
		{
			desc: "update function panics",
			run: func(a *Access, cb memaccess.UpdateFuncs[uint16]) {
				cb.OnUpdate = func(uint32, uint16) (uint16, error) { panic("bad update") }
				a.UpdateUInt16(0x8, cb)
			},
			wantCode: memaccess.ErrUnknown,
		},
	}
	for _, tc := range testCases {
		d := newFakeDelegate(syncMode)
		if tc.setup != nil {
			tc.setup(d)
		}
		a := New(d)

		successes, failures := 0, 0
		var code memaccess.ErrorCode
		cb := memaccess.UpdateFuncs[uint16]{
			CallbackFuncs: memaccess.CallbackFuncs[uint16]{
				OnSuccess: func(uint32, uint16) { successes++ },
				OnFailure: func(_ uint32, c memaccess.ErrorCode, _ string) {
					failures++
					code = c
				},
			},
		}
		tc.run(a, cb)

		if successes+failures != 1 {
			t.Fatalf("Test %q: got %d successes and %d failures, want exactly one completion", tc.desc, successes, failures)
		}
		if (successes == 1) != tc.wantOK {
			t.Fatalf("Test %q: success = %t, want %t", tc.desc, successes == 1, tc.wantOK)
		}
		if !tc.wantOK && code != tc.wantCode {
			t.Fatalf("Test %q: got code %v, want %v", tc.desc, code, tc.wantCode)
		}
		assertIdle(t, a)
	}
}

func TestPanickingCallbackStillReleasesWaiters(t *testing.T) {
	d := newFakeDelegate(manualMode)
	a := New(d)

	a.WriteUInt16(0x40, 1, memaccess.CallbackFuncs[uint16]{
		OnSuccess: func(uint32, uint16) { panic("callback failure") },
	})
	a.WriteUInt16(0x40, 2, nil)

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Fatalf("expected the callback panic to reach the transport")
			}
		}()
		d.complete(t, "write16@0x40")
	}()

	if got := d.outstanding(); !sameCalls(got, []string{"write16@0x40"}) {
		t.Fatalf("second write was not started, outstanding %v", got)
	}
	d.complete(t, "write16@0x40")
	assertIdle(t, a)
}

func TestReentrantSynchronousCompletion(t *testing.T) {
	d := newFakeDelegate(syncMode)
	a := New(d)

	count := 0
	var next memaccess.CallbackFuncs[uint16]
	next.OnSuccess = func(address uint32, v uint16) {
		count++
		if v < 10 {
			a.UpdateUInt16(address, memaccess.UpdateFuncs[uint16]{
				CallbackFuncs: next,
				OnUpdate:      func(_ uint32, old uint16) (uint16, error) { return old + 1, nil },
			})
		}
	}
	a.WriteUInt16(0x2, 1, next)

	if count != 10 {
		t.Fatalf("got %d completions, want 10", count)
	}
	if got := d.load(0x2, 2); got != 10 {
		t.Fatalf("got register value %d, want 10", got)
	}
	assertIdle(t, a)
}

func TestConcurrentUpdatesAreAtomic(t *testing.T) {
	d := newFakeDelegate(asyncMode)
	a := New(d)

	const workers, rounds = 8, 50
	var wg sync.WaitGroup
	errs := make(chan error, 2*workers*rounds)
	for w := 0; w < workers; w++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				if _, err := memaccess.UpdateUInt16(a, 0x40, func(old uint16) (uint16, error) { return old + 1, nil }); err != nil {
					errs <- err
				}
			}
		}()
		go func() {
			defer wg.Done()
			// The high half of the 32-bit register is the 16-bit register.
			for i := 0; i < rounds; i++ {
				if _, err := memaccess.UpdateUInt32(a, 0x40, func(old uint32) (uint32, error) { return old + 0x10000, nil }); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := d.load(0x40, 2); got != 2*workers*rounds {
		t.Fatalf("got counter %d, want %d: an update was lost", got, 2*workers*rounds)
	}
	assertIdle(t, a)
}

func TestUpdateWithConcurrentMaskedWriter(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := newFakeDelegate(asyncMode)
		d.store(0x50, 2, 0x0001)
		a := New(d)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			memaccess.UpdateUInt16(a, 0x50, func(old uint16) (uint16, error) { return old | 0x4, nil })
		}()
		go func() {
			defer wg.Done()
			memaccess.WriteMaskedUInt16(a, 0x50, 0x1230, 0xfff0)
		}()
		wg.Wait()

		if got := d.load(0x50, 2); got != 0x1235 {
			t.Fatalf("round %d: got 0x%04x, want 0x1235", i, got)
		}
		assertIdle(t, a)
	}
}

func TestNoOverlappingWritesUnderLoad(t *testing.T) {
	d := newFakeDelegate(asyncMode)
	a := New(d)

	const workers, rounds = 16, 100
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed))
			for i := 0; i < rounds; i++ {
				address := 0x100 + uint32(r.Intn(12))
				var err error
				switch r.Intn(4) {
				case 0:
					_, err = memaccess.WriteUInt16(a, address, uint16(i))
				case 1:
					_, err = memaccess.WriteUInt32(a, address, uint32(i))
				case 2:
					_, err = memaccess.WriteMaskedUInt16(a, address, uint16(i), 0x00ff)
				case 3:
					_, err = memaccess.UpdateUInt32(a, address, func(old uint32) (uint32, error) { return old ^ 0xffff0000, nil })
				}
				if err != nil {
					t.Errorf("unexpected error: %v", err)
					return
				}
			}
		}(int64(w))
	}
	wg.Wait()

	d.mu.Lock()
	overlaps := d.overlaps
	d.mu.Unlock()
	if overlaps != 0 {
		t.Fatalf("saw %d overlapping writes", overlaps)
	}
	assertIdle(t, a)
}

func TestReadsAndInterruptsPassThrough(t *testing.T) {
	d := newFakeDelegate(syncMode)
	d.store(0x60, 4, 0xcafef00d)
	a := New(d)

	if v, err := memaccess.ReadUInt32(a, 0x60); err != nil || v != 0xcafef00d {
		t.Fatalf("ReadUInt32 = 0x%08x, %v", v, err)
	}
	if v, err := memaccess.ReadUInt16(a, 0x62); err != nil || v != 0xf00d {
		t.Fatalf("ReadUInt16 = 0x%04x, %v", v, err)
	}
	if a.SupportsInterrupts() {
		t.Fatalf("interrupt support must come from the delegate")
	}
	if _, err := a.AddInterruptListener(func(uint32) {}); err != memaccess.ErrInterruptsNotSupported {
		t.Fatalf("AddInterruptListener: got %v", err)
	}
	if a.Delegate() != memaccess.MemoryAccess(d) {
		t.Fatalf("Delegate returned a different access")
	}
}
