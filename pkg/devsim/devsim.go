// Package devsim simulates a network-attached timing device. It answers the
// 12-byte UDP register protocol from an in-memory register file, which makes
// it usable for tests and for trying out the tools without hardware.
package devsim

import (
	"errors"
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/mrf-timing/mrfaccess/pkg/mrfproto"
	"golang.org/x/sync/errgroup"
)

const (
	defaultAddr = "127.0.0.1:2000"
	defaultSize = 0x10000
)

// Config describes the simulated device.
type Config struct {
	// Addr is the UDP address to listen on. Default "127.0.0.1:2000". Use
	// port 0 to pick a free port.
	Addr string
	// BaseAddress is the device address of the first register.
	BaseAddress uint32
	// Size is the size of the register window in bytes. Default 0x10000.
	Size uint32
	// Filter, if set, is called for every valid request. Returning false
	// drops the request without a reply.
	Filter func(req mrfproto.Packet) bool
	// Logf receives a line for every handled request when set.
	Logf func(format string, args ...any)
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = defaultAddr
	}
	if c.Size == 0 {
		c.Size = defaultSize
	}
	return c
}

// Server is a running simulated device.
type Server struct {
	cfg  Config
	conn *net.UDPConn

	mu       sync.Mutex
	mem      []byte
	requests int

	group errgroup.Group
}

// Listen opens the socket and starts serving.
func Listen(cfg Config) (*Server, error) {
	cfg = cfg.withDefaults()
	if cfg.Size < 2 {
		return nil, fmt.Errorf("register window of %d bytes is too small", cfg.Size)
	}
	addr, err := net.ResolveUDPAddr("udp4", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("could not resolve %s: %v", cfg.Addr, err)
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("could not listen on %s: %v", cfg.Addr, err)
	}
	s := &Server{
		cfg:  cfg,
		conn: conn,
		mem:  make([]byte, cfg.Size),
	}
	s.group.Go(s.serve)
	return s, nil
}

// Addr returns the address the server listens on.
func (s *Server) Addr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Port returns the UDP port the server listens on.
func (s *Server) Port() int {
	return s.Addr().Port
}

// Close stops the server.
func (s *Server) Close() error {
	err := s.conn.Close()
	if werr := s.group.Wait(); werr != nil {
		log.Printf("Device simulator stopped with error: %v", werr)
	}
	return err
}

// Requests returns the number of valid requests received so far, including
// dropped ones.
func (s *Server) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

// SetUInt16 stores v at offset, relative to the base address.
func (s *Server) SetUInt16(offset uint32, v uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mem[offset] = byte(v >> 8)
	s.mem[offset+1] = byte(v)
}

// UInt16 returns the value at offset, relative to the base address.
func (s *Server) UInt16(offset uint32) uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint16(s.mem[offset])<<8 | uint16(s.mem[offset+1])
}

// SetUInt32 stores v at offset, relative to the base address.
func (s *Server) SetUInt32(offset uint32, v uint32) {
	s.SetUInt16(offset, uint16(v>>16))
	s.SetUInt16(offset+2, uint16(v))
}

// UInt32 returns the value at offset, relative to the base address.
func (s *Server) UInt32(offset uint32) uint32 {
	return uint32(s.UInt16(offset))<<16 | uint32(s.UInt16(offset+2))
}

func (s *Server) serve() error {
	buf := make([]byte, 64)
	out := make([]byte, mrfproto.PacketSize)
	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read failed: %v", err)
		}
		req, err := mrfproto.Unmarshal(buf[:n])
		if err != nil {
			// Odd-sized packets are not answered.
			continue
		}
		reply, ok := s.handle(req)
		if !ok {
			continue
		}
		reply.MarshalTo(out)
		if _, err := s.conn.WriteToUDP(out, from); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Printf("Could not send reply to %v: %v", from, err)
		}
	}
}

// handle executes req and returns the reply. It returns false if the request
// was dropped by the filter.
func (s *Server) handle(req mrfproto.Packet) (mrfproto.Packet, bool) {
	s.mu.Lock()
	s.requests++
	s.mu.Unlock()
	if s.cfg.Filter != nil && !s.cfg.Filter(req) {
		return mrfproto.Packet{}, false
	}

	reply := req
	reply.Status = mrfproto.StatusOK
	offset := req.Address - s.cfg.BaseAddress
	switch {
	case req.AccessType != mrfproto.AccessRead && req.AccessType != mrfproto.AccessWrite:
		reply.Status = mrfproto.StatusInvalidCommand
	case req.Address < s.cfg.BaseAddress || offset > s.cfg.Size-2 || offset%2 != 0:
		reply.Status = mrfproto.StatusInvalidAddress
	case req.AccessType == mrfproto.AccessWrite:
		s.SetUInt16(offset, req.Data)
		reply.Data = s.UInt16(offset)
	default:
		reply.Data = s.UInt16(offset)
	}
	if s.cfg.Logf != nil {
		s.cfg.Logf("%v -> status %d data 0x%04x", req, reply.Status, reply.Data)
	}
	return reply, true
}
