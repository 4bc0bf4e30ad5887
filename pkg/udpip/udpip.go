// Package udpip accesses the registers of a timing device over UDP/IP.
//
// Every 16-bit access is one request/reply exchange. Requests are sent one at
// a time with a minimum delay between packets, and requests without a reply
// are resent until they time out for the last time. 32-bit accesses are split
// into two 16-bit accesses on the high and the low word.
package udpip

import (
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/mrf-timing/mrfaccess/pkg/memaccess"
	"github.com/mrf-timing/mrfaccess/pkg/mrfproto"
	"github.com/mrf-timing/mrfaccess/pkg/mrftime"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPort                = 2000
	DefaultDelayBetweenPackets = 400 * time.Microsecond
	DefaultTimeout             = 5 * time.Millisecond
	DefaultMaxTries            = 5

	// The receive loop gives up after this many read errors in a row.
	maxConsecutiveReadErrors = 50

	shutdownMessage = "the device has been shut down"
)

// Config describes how to reach a device. Zero values select the defaults.
type Config struct {
	// Host is the host name or IP address of the device.
	Host string
	// BaseAddress is added to every register address before it is sent.
	BaseAddress uint32
	// Port is the UDP port of the device. Default 2000.
	Port int
	// DelayBetweenPackets is the minimum time between two packets. Default
	// 400µs.
	DelayBetweenPackets time.Duration
	// Timeout is how long to wait for a reply before resending. Default 5ms.
	Timeout time.Duration
	// MaxTries is how often a request is sent before it fails with a network
	// timeout. Default 5.
	MaxTries int
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.DelayBetweenPackets == 0 {
		c.DelayBetweenPackets = DefaultDelayBetweenPackets
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxTries == 0 {
		c.MaxTries = DefaultMaxTries
	}
	return c
}

func (c Config) validate() error {
	switch {
	case c.Host == "":
		return errors.New("the host name must not be empty")
	case c.Port < 0 || c.Port > 65535:
		return fmt.Errorf("invalid port %d", c.Port)
	case c.DelayBetweenPackets < 0:
		return errors.New("the delay between packets must not be negative")
	case c.Timeout < 0:
		return errors.New("the UDP timeout must not be negative")
	case c.MaxTries < 1:
		return errors.New("the maximum number of tries must be greater than zero")
	}
	return nil
}

// result is the outcome of one 16-bit exchange.
type result struct {
	data    uint16
	code    memaccess.ErrorCode
	details string
	ok      bool
}

func resultFromPacket(p mrfproto.Packet) result {
	if p.Status != mrfproto.StatusOK {
		return result{code: statusToErrorCode(p.Status)}
	}
	return result{data: p.Data, ok: true}
}

var (
	timeoutResult  = result{code: memaccess.ErrNetworkTimeout}
	shutdownResult = result{code: memaccess.ErrUnknown, details: shutdownMessage}
)

func statusToErrorCode(status int8) memaccess.ErrorCode {
	switch status {
	case mrfproto.StatusInvalidAddress:
		return memaccess.ErrInvalidAddress
	case mrfproto.StatusFPGATimeout:
		return memaccess.ErrFPGATimeout
	case mrfproto.StatusInvalidCommand:
		return memaccess.ErrInvalidCommand
	}
	return memaccess.ErrUnknown
}

type request struct {
	packet   mrfproto.Packet
	complete func(result)
	tries    int
	deadline mrftime.Time
}

// MemoryAccess talks to one device. It implements memaccess.MemoryAccess.
type MemoryAccess struct {
	memaccess.NoInterrupts

	cfg  Config
	conn *net.UDPConn

	mu      sync.Mutex
	closed  bool
	nextRef uint32
	queue   []*request
	pending map[uint32]*request

	wake      chan struct{}
	done      chan struct{}
	group     errgroup.Group
	closeOnce sync.Once
}

var _ memaccess.MemoryAccess = (*MemoryAccess)(nil)

// New resolves the device address, connects the socket and starts the send
// and receive goroutines.
func New(cfg Config) (*MemoryAccess, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)))
	if err != nil {
		return nil, fmt.Errorf("could not resolve %s: %v", cfg.Host, err)
	}
	conn, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("could not connect UDP socket for communication with %s: %v", cfg.Host, err)
	}
	m := &MemoryAccess{
		cfg:     cfg,
		conn:    conn,
		pending: make(map[uint32]*request),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	m.group.Go(m.receiveLoop)
	m.group.Go(m.sendLoop)
	return m, nil
}

// Config returns the effective configuration.
func (m *MemoryAccess) Config() Config {
	return m.cfg
}

// Close stops both goroutines and fails every request that has not completed
// yet. Requests issued after Close fail immediately.
func (m *MemoryAccess) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		abandoned := m.queue
		for _, r := range m.pending {
			abandoned = append(abandoned, r)
		}
		m.queue = nil
		m.pending = make(map[uint32]*request)
		m.mu.Unlock()

		close(m.done)
		if err := m.conn.Close(); err != nil {
			log.Printf("Could not close UDP socket for %s: %v", m.cfg.Host, err)
		}
		if err := m.group.Wait(); err != nil {
			log.Printf("Connection to %s stopped with error: %v", m.cfg.Host, err)
		}
		for _, r := range abandoned {
			m.deliver(r, shutdownResult)
		}
	})
	return nil
}

func (m *MemoryAccess) wakeUp() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// queueRequest adds a request for the register at address (relative to the
// base address). complete is called exactly once.
func (m *MemoryAccess) queueRequest(access mrfproto.AccessType, address uint32, data uint16, complete func(result)) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.deliver(&request{packet: mrfproto.Packet{Address: address}, complete: complete}, shutdownResult)
		return
	}
	m.nextRef++
	m.queue = append(m.queue, &request{
		packet: mrfproto.Packet{
			AccessType: access,
			Data:       data,
			Address:    m.cfg.BaseAddress + address,
			Reference:  m.nextRef,
		},
		complete: complete,
	})
	m.mu.Unlock()
	m.wakeUp()
}

// deliver runs a completion. A panicking callback must not take down the
// goroutine that delivers it.
func (m *MemoryAccess) deliver(r *request, res result) {
	defer func() {
		if p := recover(); p != nil {
			log.Printf("Callback for address 0x%08x on %s panicked: %v", r.packet.Address, m.cfg.Host, p)
		}
	}()
	r.complete(res)
}

func (m *MemoryAccess) receiveLoop() error {
	buf := make([]byte, 64)
	failures := 0
	for {
		n, err := m.conn.Read(buf)
		if err != nil {
			select {
			case <-m.done:
				return nil
			default:
			}
			// A refused packet only means that the device is not there yet.
			if errors.Is(err, syscall.ECONNREFUSED) {
				continue
			}
			failures++
			if failures >= maxConsecutiveReadErrors {
				log.Printf("Stopping to receive from %s after %d consecutive errors: %v", m.cfg.Host, failures, err)
				return fmt.Errorf("receive from %s: %v", m.cfg.Host, err)
			}
			continue
		}
		failures = 0
		p, err := mrfproto.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		m.mu.Lock()
		r, ok := m.pending[p.Reference]
		if ok {
			delete(m.pending, p.Reference)
		}
		m.mu.Unlock()
		// Replies to requests that already timed out are dropped.
		if !ok {
			continue
		}
		m.deliver(r, resultFromPacket(p))
	}
}

func (m *MemoryAccess) sendLoop() error {
	timeout := mrftime.FromDuration(m.cfg.Timeout)
	delay := mrftime.FromDuration(m.cfg.DelayBetweenPackets)
	buf := make([]byte, mrfproto.PacketSize)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	var nextSend mrftime.Time
	var lastSendErr string
	for {
		select {
		case <-m.done:
			return nil
		default:
		}
		now := mrftime.Now()

		var failed []*request
		var toSend *request
		haveDeadline := false
		var nextDeadline mrftime.Time

		m.mu.Lock()
		for ref, r := range m.pending {
			if r.deadline.After(now) {
				if !haveDeadline || r.deadline.Before(nextDeadline) {
					nextDeadline = r.deadline
					haveDeadline = true
				}
				continue
			}
			delete(m.pending, ref)
			if r.tries >= m.cfg.MaxTries {
				failed = append(failed, r)
			} else {
				m.queue = append(m.queue, r)
			}
		}
		canSend := !nextSend.After(now)
		if canSend && len(m.queue) > 0 {
			toSend = m.queue[0]
			m.queue[0] = nil
			m.queue = m.queue[1:]
			toSend.tries++
			toSend.deadline = now.Add(timeout)
			// Registered before sending so that a fast reply finds it.
			m.pending[toSend.packet.Reference] = toSend
		}
		queued := len(m.queue)
		m.mu.Unlock()

		for _, r := range failed {
			m.deliver(r, timeoutResult)
		}

		if toSend != nil {
			toSend.packet.MarshalTo(buf)
			if _, err := m.conn.Write(buf); err != nil {
				// The request stays pending and is retried after its timeout.
				if msg := err.Error(); msg != lastSendErr {
					log.Printf("Could not send packet to %s: %v", m.cfg.Host, err)
					lastSendErr = msg
				}
			} else {
				lastSendErr = ""
			}
			nextSend = mrftime.Now().Add(delay)
			continue
		}

		var wait time.Duration = -1
		if queued > 0 && !canSend {
			wait = nextSend.Sub(now).Duration()
		}
		if haveDeadline {
			if d := nextDeadline.Sub(now).Duration(); wait < 0 || d < wait {
				wait = d
			}
		}
		if wait < 0 {
			select {
			case <-m.done:
				return nil
			case <-m.wake:
			}
			continue
		}
		timer.Reset(wait)
		select {
		case <-m.done:
			return nil
		case <-m.wake:
			if !timer.Stop() {
				<-timer.C
			}
		case <-timer.C:
		}
	}
}

func deliver16(address uint32, cb memaccess.Callback[uint16]) func(result) {
	return func(res result) {
		if cb == nil {
			return
		}
		if !res.ok {
			cb.Failure(address, res.code, res.details)
			return
		}
		cb.Success(address, res.data)
	}
}

func (m *MemoryAccess) ReadUInt16(address uint32, cb memaccess.Callback[uint16]) {
	m.queueRequest(mrfproto.AccessRead, address, 0, deliver16(address, cb))
}

func (m *MemoryAccess) WriteUInt16(address uint32, value uint16, cb memaccess.Callback[uint16]) {
	m.queueRequest(mrfproto.AccessWrite, address, value, deliver16(address, cb))
}

// ReadUInt32 reads the low word first and the high word second. If the high
// word arrives first, it is read again.
func (m *MemoryAccess) ReadUInt32(address uint32, cb memaccess.Callback[uint32]) {
	r := &read32{m: m, address: address, cb: cb}
	m.queueRequest(mrfproto.AccessRead, address+2, 0, r.low)
	m.queueRequest(mrfproto.AccessRead, address, 0, r.high)
}

// WriteUInt32 writes the high word and, once that has been acknowledged, the
// low word. The low word is never written without the high word.
func (m *MemoryAccess) WriteUInt32(address uint32, value uint32, cb memaccess.Callback[uint32]) {
	fail := func(res result) {
		if cb != nil {
			cb.Failure(address, res.code, res.details)
		}
	}
	m.queueRequest(mrfproto.AccessWrite, address, uint16(value>>16), func(high result) {
		if !high.ok {
			fail(high)
			return
		}
		m.queueRequest(mrfproto.AccessWrite, address+2, uint16(value), func(low result) {
			if !low.ok {
				fail(low)
				return
			}
			if cb != nil {
				cb.Success(address, uint32(high.data)<<16|uint32(low.data))
			}
		})
	})
}

// read32 combines the two halves of a 32-bit read.
type read32 struct {
	m       *MemoryAccess
	address uint32
	cb      memaccess.Callback[uint32]

	mu      sync.Mutex
	gotLow  bool
	gotHigh bool
	failed  bool
	value   uint32
}

func (r *read32) low(res result) {
	if !res.ok {
		r.fail(res)
		return
	}
	r.mu.Lock()
	if r.failed || r.gotLow {
		r.mu.Unlock()
		return
	}
	r.gotLow = true
	r.value = uint32(res.data)
	again := r.gotHigh
	r.gotHigh = false
	r.mu.Unlock()
	if again {
		r.m.queueRequest(mrfproto.AccessRead, r.address, 0, r.high)
	}
}

func (r *read32) high(res result) {
	if !res.ok {
		r.fail(res)
		return
	}
	r.mu.Lock()
	if r.failed || r.gotHigh {
		r.mu.Unlock()
		return
	}
	r.gotHigh = true
	r.value = r.value&0xffff | uint32(res.data)<<16
	complete := r.gotLow
	value := r.value
	r.mu.Unlock()
	if complete && r.cb != nil {
		r.cb.Success(r.address, value)
	}
}

func (r *read32) fail(res result) {
	r.mu.Lock()
	if r.failed {
		r.mu.Unlock()
		return
	}
	r.failed = true
	done := r.gotLow && r.gotHigh
	r.mu.Unlock()
	if !done && r.cb != nil {
		r.cb.Failure(r.address, res.code, res.details)
	}
}
