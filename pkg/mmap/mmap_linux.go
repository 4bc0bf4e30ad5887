//go:build linux && (amd64 || arm64)

package mmap

import (
	"errors"
	"fmt"
	"log"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/mrf-timing/mrfaccess/pkg/faultmem"
	"github.com/mrf-timing/mrfaccess/pkg/fdselect"
	"github.com/mrf-timing/mrfaccess/pkg/memaccess"
	"github.com/mrf-timing/mrfaccess/pkg/mrftime"
	"golang.org/x/sys/unix"
)

const (
	// ioctlIRQEnable is _IO(220, 1) of the mrf kernel driver.
	ioctlIRQEnable = 0xdc01
	// fOwnerTID is F_OWNER_TID from <linux/fcntl.h>.
	fOwnerTID = 0
)

// mapper maps the register window of an open device and returns the
// function that unmaps it again.
type mapper func(fd int, size uint32) (faultmem.Region, func() error, error)

func mapDevice(fd int, size uint32) (faultmem.Region, func() error, error) {
	m, err := faultmem.Map(fd, size)
	if err != nil {
		return nil, nil, err
	}
	return m, m.Unmap, nil
}

// MemoryAccess implements memaccess.MemoryAccess for a mapped device node.
type MemoryAccess struct {
	cfg       Config
	mapRegion mapper
	selector  *fdselect.Selector
	listeners memaccess.ListenerSet

	mu     sync.Mutex
	closed bool
	queue  []*ioRequest

	// pendingInterrupt makes the I/O goroutine handle an interrupt as if
	// the device had raised one.
	pendingInterrupt atomic.Bool

	done      chan struct{}
	closeOnce sync.Once
}

var _ memaccess.MemoryAccess = (*MemoryAccess)(nil)

// New starts the I/O goroutine. The device is opened by that goroutine, so a
// missing device is not an error here: requests fail until it appears.
func New(cfg Config) (*MemoryAccess, error) {
	return newAccess(cfg, mapDevice)
}

func newAccess(cfg Config, mapRegion mapper) (*MemoryAccess, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	selector, err := fdselect.New()
	if err != nil {
		return nil, err
	}
	m := &MemoryAccess{
		cfg:       cfg,
		mapRegion: mapRegion,
		selector:  selector,
		done:      make(chan struct{}),
	}
	go m.run()
	return m, nil
}

// Close stops the I/O goroutine, releases the device and fails all requests
// that have not been processed yet.
func (m *MemoryAccess) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		m.wakeUp()
		<-m.done

		m.mu.Lock()
		abandoned := m.queue
		m.queue = nil
		m.mu.Unlock()
		for _, r := range abandoned {
			deliver(func() { r.fail(memaccess.ErrUnknown, shutdownMessage) })
		}
		if err := m.selector.Close(); err != nil {
			log.Printf("Could not release wake-up descriptor for %s: %v", m.cfg.DevicePath, err)
		}
	})
	return nil
}

func (m *MemoryAccess) wakeUp() {
	// A request queued concurrently with Close may arrive after the
	// selector is gone. Close fails that request.
	if err := m.selector.WakeUp(); err != nil && !errors.Is(err, fdselect.ErrClosed) {
		log.Printf("Could not wake up I/O goroutine for %s: %v", m.cfg.DevicePath, err)
	}
}

func (m *MemoryAccess) queueRequest(r *ioRequest) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		deliver(func() { r.fail(memaccess.ErrUnknown, shutdownMessage) })
		return
	}
	m.queue = append(m.queue, r)
	m.mu.Unlock()
	m.wakeUp()
}

// reject fails a request whose address is outside the register window.
func (m *MemoryAccess) reject(r *ioRequest) {
	r.fail(memaccess.ErrInvalidAddress, "")
}

func (m *MemoryAccess) ReadUInt16(address uint32, cb memaccess.Callback[uint16]) {
	if !validAddress16(address, m.cfg.MemorySize) {
		m.reject(&ioRequest{kind: read16, address: address, cb16: cb})
		return
	}
	m.queueRequest(&ioRequest{kind: read16, address: address, cb16: cb})
}

func (m *MemoryAccess) WriteUInt16(address uint32, value uint16, cb memaccess.Callback[uint16]) {
	if !validAddress16(address, m.cfg.MemorySize) {
		m.reject(&ioRequest{kind: write16, address: address, cb16: cb})
		return
	}
	m.queueRequest(&ioRequest{kind: write16, address: address, value: uint32(value), cb16: cb})
}

func (m *MemoryAccess) ReadUInt32(address uint32, cb memaccess.Callback[uint32]) {
	if !validAddress32(address, m.cfg.MemorySize) {
		m.reject(&ioRequest{kind: read32, address: address, cb32: cb})
		return
	}
	m.queueRequest(&ioRequest{kind: read32, address: address, cb32: cb})
}

func (m *MemoryAccess) WriteUInt32(address uint32, value uint32, cb memaccess.Callback[uint32]) {
	if !validAddress32(address, m.cfg.MemorySize) {
		m.reject(&ioRequest{kind: write32, address: address, cb32: cb})
		return
	}
	m.queueRequest(&ioRequest{kind: write32, address: address, value: value, cb32: cb})
}

func (m *MemoryAccess) SupportsInterrupts() bool {
	return true
}

func (m *MemoryAccess) AddInterruptListener(l memaccess.InterruptListener) (memaccess.ListenerHandle, error) {
	return m.listeners.Add(l), nil
}

func (m *MemoryAccess) RemoveInterruptListener(h memaccess.ListenerHandle) error {
	m.listeners.Remove(h)
	return nil
}

// triggerInterrupt makes the I/O goroutine process the interrupt registers.
func (m *MemoryAccess) triggerInterrupt() {
	m.pendingInterrupt.Store(true)
	m.wakeUp()
}

// deliver runs a callback. A panic in user code must not stop the I/O
// goroutine.
func deliver(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Callback panicked: %v", r)
		}
	}()
	fn()
}

// device is the state owned by the I/O goroutine.
type device struct {
	fd     int
	region faultmem.Region
	unmap  func() error
}

func (d *device) close() {
	if d.region != nil {
		if err := d.unmap(); err != nil {
			log.Printf("Could not unmap device: %v", err)
		}
		d.region = nil
		d.unmap = nil
	}
	if d.fd != -1 {
		unix.Close(d.fd)
		d.fd = -1
	}
}

func sigioSet() *unix.Sigset_t {
	var set unix.Sigset_t
	n := uint(unix.SIGIO) - 1
	set.Val[n/64] |= 1 << (n % 64)
	return &set
}

func fcntlOwnerThread(fd int) error {
	owner := struct {
		typ int32
		pid int32
	}{typ: fOwnerTID, pid: int32(unix.Gettid())}
	_, _, errno := unix.Syscall(unix.SYS_FCNTL, uintptr(fd), unix.F_SETOWN_EX, uintptr(unsafe.Pointer(&owner)))
	if errno != 0 {
		return fmt.Errorf("fcntl(..., F_SETOWN_EX, ...) failed: %v", errno)
	}
	return nil
}

func prepareInterrupt(fd int) error {
	if err := fcntlOwnerThread(fd); err != nil {
		return err
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETSIG, int(unix.SIGIO)); err != nil {
		return fmt.Errorf("fcntl(..., F_SETSIG, SIGIO) failed: %v", err)
	}
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return fmt.Errorf("fcntl(..., F_GETFL) failed: %v", err)
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags|unix.O_ASYNC); err != nil {
		return fmt.Errorf("fcntl(..., F_SETFL, ...) failed: %v", err)
	}
	return nil
}

func enableInterrupt(fd int) error {
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), ioctlIRQEnable, 0); errno != 0 {
		return fmt.Errorf("ioctl(...) for enabling interrupt failed: %v", errno)
	}
	return nil
}

// open opens and maps the device. It returns the text that requests fail
// with when this did not work.
func (m *MemoryAccess) open(d *device) string {
	path := m.cfg.DevicePath
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Sprintf("Could not open device %s: %v", path, err)
	}
	region, unmap, err := m.mapRegion(fd, m.cfg.MemorySize)
	if err != nil {
		unix.Close(fd)
		return fmt.Sprintf("Could not mmap device %s: %v", path, err)
	}
	d.fd = fd
	d.region = region
	d.unmap = unmap
	if m.cfg.DisableInterrupts {
		return ""
	}
	err = prepareInterrupt(fd)
	if err == nil {
		err = enableInterrupt(fd)
	}
	if err != nil {
		d.close()
		return fmt.Sprintf("Could not prepare device %s for generating interrupts: %v", path, err)
	}
	return ""
}

func (m *MemoryAccess) run() {
	defer close(m.done)
	// The thread keeps SIGIO blocked and owns the device, so it is never
	// handed back to the scheduler. It exits together with this goroutine.
	runtime.LockOSThread()

	sigset := sigioSet()
	if !m.cfg.DisableInterrupts {
		if err := unix.PthreadSigmask(unix.SIG_BLOCK, sigset, nil); err != nil {
			log.Printf("Could not block SIGIO for %s: %v", m.cfg.DevicePath, err)
		}
	}

	d := &device{fd: -1}
	signalFd := -1
	defer func() {
		d.close()
		if signalFd != -1 {
			unix.Close(signalFd)
		}
	}()

	var lastError string
	var siginfo unix.SignalfdSiginfo
	siginfoBuf := unsafe.Slice((*byte)(unsafe.Pointer(&siginfo)), unsafe.Sizeof(siginfo))
	for {
		var deviceError string
		if signalFd == -1 && !m.cfg.DisableInterrupts {
			fd, err := unix.Signalfd(-1, sigset, unix.SFD_NONBLOCK|unix.SFD_CLOEXEC)
			if err != nil {
				deviceError = fmt.Sprintf("signalfd(-1, { SIGIO }, SFD_NONBLOCK | SFD_CLOEXEC) failed: %v", err)
			} else {
				signalFd = fd
			}
		}
		if d.region == nil && (signalFd != -1 || m.cfg.DisableInterrupts) {
			deviceError = m.open(d)
		}
		if deviceError != "" && deviceError != lastError {
			log.Printf("%s", deviceError)
		}
		lastError = deviceError

		haveInterrupt := false
		if signalFd != -1 {
			n, err := unix.Read(signalFd, siginfoBuf)
			switch {
			case err == nil && n == len(siginfoBuf):
				// A signal without an open device is consumed and dropped.
				haveInterrupt = siginfo.Signo == uint32(unix.SIGIO) && int(siginfo.Fd) == d.fd && d.region != nil
			case err != nil && !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EINTR):
				deviceError = fmt.Sprintf("read(...) failed for signal file-descriptor: %v", err)
				unix.Close(signalFd)
				signalFd = -1
			}
		}
		if m.pendingInterrupt.CompareAndSwap(true, false) && d.region != nil {
			haveInterrupt = true
		}

		var request *ioRequest
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		if !haveInterrupt && len(m.queue) > 0 {
			request = m.queue[0]
			m.queue[0] = nil
			m.queue = m.queue[1:]
		}
		m.mu.Unlock()

		ok := true
		switch {
		case request != nil:
			if d.region == nil {
				if deviceError == "" {
					deviceError = fmt.Sprintf("Device %s is not available.", m.cfg.DevicePath)
				}
				deliver(func() { request.fail(memaccess.ErrUnknown, deviceError) })
				continue
			}
			ok = m.execute(d, request)
		case haveInterrupt:
			ok = m.handleInterrupt(d)
		default:
			var fds []unix.PollFd
			if signalFd != -1 {
				fds = append(fds, unix.PollFd{Fd: int32(signalFd), Events: unix.POLLIN})
			}
			timeout := mrftime.FromDuration(m.cfg.IdleWait)
			if err := m.selector.Wait(fds, &timeout); err != nil && !errors.Is(err, fdselect.ErrInterrupted) {
				log.Printf("Waiting for events on %s failed: %v", m.cfg.DevicePath, err)
				ok = false
				time.Sleep(100 * time.Millisecond)
			}
		}
		if !ok {
			// Reopened on the next iteration, in case the device was
			// removed temporarily.
			d.close()
		}
	}
}

func (m *MemoryAccess) execute(d *device, r *ioRequest) bool {
	var v uint32
	var err error
	switch r.kind {
	case read16:
		var v16 uint16
		v16, err = d.region.ReadUInt16(r.address)
		v = uint32(v16)
	case write16:
		var v16 uint16
		v16, err = d.region.WriteReadUInt16(r.address, uint16(r.value))
		v = uint32(v16)
	case read32:
		v, err = d.region.ReadUInt32(r.address)
	case write32:
		v, err = d.region.WriteReadUInt32(r.address, r.value)
	}
	if err != nil {
		details := fmt.Sprintf("Received a SIGBUS while trying to access the device %s. This indicates an I/O error.", m.cfg.DevicePath)
		log.Printf("%s (%v)", details, err)
		deliver(func() { r.fail(memaccess.ErrUnknown, details) })
		return false
	}
	deliver(func() { r.succeed(v) })
	return true
}

// handleInterrupt clears the pending interrupt flags, tells the listeners
// which of the enabled ones were set and enables the interrupt again.
func (m *MemoryAccess) handleInterrupt(d *device) bool {
	if d.region.Size() < interruptEnableRegister+4 {
		return true
	}
	enabled, err := d.region.ReadUInt32(interruptEnableRegister)
	if err != nil {
		log.Printf("Bus error while reading interrupt enable register of %s: %v", m.cfg.DevicePath, err)
		return false
	}
	flags, err := d.region.ReadWriteBackUInt32(interruptFlagRegister)
	if err != nil {
		log.Printf("Bus error while clearing interrupt flags of %s: %v", m.cfg.DevicePath, err)
		return false
	}
	// Interrupts can be spurious, and only enabled flags can have caused one.
	if flags &= enabled; flags != 0 {
		m.listeners.Notify(flags)
	}
	if m.cfg.DisableInterrupts {
		return true
	}
	if err := enableInterrupt(d.fd); err != nil {
		log.Printf("Could not re-enable interrupts for %s: %v", m.cfg.DevicePath, err)
		return false
	}
	return true
}
