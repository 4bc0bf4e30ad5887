package device

import (
	"fmt"
	"sort"

	"github.com/mrf-timing/mrfaccess/pkg/mrfproto"
)

// Transport is the way a device model is reached.
type Transport int

const (
	TransportUDP Transport = iota
	TransportMmap
)

func (t Transport) String() string {
	switch t {
	case TransportUDP:
		return "udp"
	case TransportMmap:
		return "mmap"
	}
	return fmt.Sprintf("Transport(%d)", int(t))
}

// Model describes one kind of timing device.
type Model struct {
	Name      string
	Transport Transport
	// BaseAddress is the device address of the register window of a UDP
	// model.
	BaseAddress uint32
	// MemorySize is the size of the register window of a mmap model.
	MemorySize uint32
}

func (m Model) String() string {
	if m.Transport == TransportUDP {
		return fmt.Sprintf("%s: %s, registers at 0x%08X", m.Name, m.Transport, m.BaseAddress)
	}
	return fmt.Sprintf("%s: %s, window size 0x%X", m.Name, m.Transport, m.MemorySize)
}

const (
	evgWindowSize   = 0x10000
	evrWindowSize   = 0x8000
	evrtgWindowSize = 0x40000
)

var models = []Model{
	{Name: "udp-evg", Transport: TransportUDP, BaseAddress: mrfproto.BaseEVGRegisters},
	{Name: "udp-evr", Transport: TransportUDP, BaseAddress: mrfproto.BaseEVRRegisters},

	{Name: "cpci-evg-220", Transport: TransportMmap, MemorySize: evgWindowSize},
	{Name: "cpci-evg-230", Transport: TransportMmap, MemorySize: evgWindowSize},
	{Name: "cpci-evg-300", Transport: TransportMmap, MemorySize: evgWindowSize},
	{Name: "pxie-evg-300", Transport: TransportMmap, MemorySize: evgWindowSize},

	{Name: "cpci-evr-220", Transport: TransportMmap, MemorySize: evrWindowSize},
	{Name: "cpci-evr-230", Transport: TransportMmap, MemorySize: evrWindowSize},
	{Name: "cpci-evr-300", Transport: TransportMmap, MemorySize: evrWindowSize},
	{Name: "mtca-evr-300", Transport: TransportMmap, MemorySize: evrWindowSize},
	{Name: "pcie-evr-300", Transport: TransportMmap, MemorySize: evrWindowSize},
	{Name: "pmc-evr-230", Transport: TransportMmap, MemorySize: evrWindowSize},
	{Name: "pxie-evr-300", Transport: TransportMmap, MemorySize: evrWindowSize},

	{Name: "cpci-evrtg-300", Transport: TransportMmap, MemorySize: evrtgWindowSize},
}

// Models returns all known models, sorted by name.
func Models() []Model {
	out := make([]Model, len(models))
	copy(out, models)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LookupModel finds a model by name.
func LookupModel(name string) (Model, error) {
	for _, m := range models {
		if m.Name == name {
			return m, nil
		}
	}
	return Model{}, fmt.Errorf("unknown device model %q", name)
}

// Catalogue renders the model list for humans.
func Catalogue() string {
	info := fmt.Sprintf("%d models\n", len(models))
	for _, m := range Models() {
		info += fmt.Sprintf("  %s\n", m)
	}
	return info
}
