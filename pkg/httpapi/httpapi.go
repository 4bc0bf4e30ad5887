// Package httpapi exposes the registers of the registered devices over HTTP.
package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mrf-timing/mrfaccess/pkg/cachedump"
	"github.com/mrf-timing/mrfaccess/pkg/memaccess"
	"github.com/mrf-timing/mrfaccess/pkg/registry"
)

// Register is the JSON form of a register value.
type Register struct {
	Address string `json:"address"`
	Width   int    `json:"width"`
	Value   uint32 `json:"value"`
}

// WriteRequest is the body of a register write. With a mask, only the bits
// set in the mask are changed.
type WriteRequest struct {
	Width int     `json:"width"`
	Value uint32  `json:"value"`
	Mask  *uint32 `json:"mask,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type server struct {
	reg *registry.Registry
}

// NewServer builds the router for the devices in reg.
func NewServer(reg *registry.Registry) http.Handler {
	s := &server{reg: reg}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/devices", s.listDevices)
	r.Route("/devices/{id}", func(r chi.Router) {
		r.Get("/registers/{address}", s.readRegister)
		r.Put("/registers/{address}", s.writeRegister)
		r.Get("/cache", s.dumpCache)
		r.Post("/cache/preheat", s.preheatCache)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Cannot encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// statusForError maps a failed register access to an HTTP status.
func statusForError(err error) int {
	var accessErr *memaccess.AccessError
	if !errors.As(err, &accessErr) {
		return http.StatusInternalServerError
	}
	switch accessErr.Code {
	case memaccess.ErrInvalidAddress:
		return http.StatusBadRequest
	case memaccess.ErrFPGATimeout, memaccess.ErrNetworkTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

func (s *server) listDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"devices": s.reg.IDs()})
}

func (s *server) device(w http.ResponseWriter, r *http.Request) (memaccess.ConsistentMemoryAccess, bool) {
	id := chi.URLParam(r, "id")
	dev, ok := s.reg.Device(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no device with ID %q", id))
	}
	return dev, ok
}

func parseAddress(r *http.Request) (uint32, error) {
	s := chi.URLParam(r, "address")
	a, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %v", s, err)
	}
	return uint32(a), nil
}

func parseWidth(s string) (int, error) {
	switch s {
	case "", "16":
		return 16, nil
	case "32":
		return 32, nil
	}
	return 0, fmt.Errorf("invalid width %q, want 16 or 32", s)
}

func (s *server) readRegister(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.device(w, r)
	if !ok {
		return
	}
	address, err := parseAddress(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	width, err := parseWidth(r.URL.Query().Get("width"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var value uint32
	if width == 16 {
		var v uint16
		v, err = memaccess.ReadUInt16(dev, address)
		value = uint32(v)
	} else {
		value, err = memaccess.ReadUInt32(dev, address)
	}
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, Register{Address: memaccess.FormatAddress(address), Width: width, Value: value})
}

func (s *server) writeRegister(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.device(w, r)
	if !ok {
		return
	}
	address, err := parseAddress(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req WriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %v", err))
		return
	}
	width := req.Width
	if width == 0 {
		width = 16
	}
	if width != 16 && width != 32 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid width %d, want 16 or 32", width))
		return
	}
	if width == 16 && (req.Value > 0xffff || (req.Mask != nil && *req.Mask > 0xffff)) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("value 0x%x does not fit into 16 bits", req.Value))
		return
	}

	var value uint32
	switch {
	case width == 16 && req.Mask != nil:
		var v uint16
		v, err = memaccess.WriteMaskedUInt16(dev, address, uint16(req.Value), uint16(*req.Mask))
		value = uint32(v)
	case width == 16:
		var v uint16
		v, err = memaccess.WriteUInt16(dev, address, uint16(req.Value))
		value = uint32(v)
	case req.Mask != nil:
		value, err = memaccess.WriteMaskedUInt32(dev, address, req.Value, *req.Mask)
	default:
		value, err = memaccess.WriteUInt32(dev, address, req.Value)
	}
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, Register{Address: memaccess.FormatAddress(address), Width: width, Value: value})
}

func (s *server) cache(w http.ResponseWriter, r *http.Request) (*registry.Cache, bool) {
	id := chi.URLParam(r, "id")
	c, ok := s.reg.Cache(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no device with ID %q", id))
	}
	return c, ok
}

func (s *server) dumpCache(w http.ResponseWriter, r *http.Request) {
	c, ok := s.cache(w, r)
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := cachedump.Write(&buf, cachedump.FromCache(c)); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func (s *server) preheatCache(w http.ResponseWriter, r *http.Request) {
	c, ok := s.cache(w, r)
	if !ok {
		return
	}
	d, err := cachedump.Parse(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cachedump.Preheat(c, d)
	s.dumpCache(w, r)
}
