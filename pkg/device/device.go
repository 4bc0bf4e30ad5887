// Package device opens timing devices by model name and hands out consistent
// register access to them.
package device

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/mrf-timing/mrfaccess/pkg/consistent"
	"github.com/mrf-timing/mrfaccess/pkg/memaccess"
	"github.com/mrf-timing/mrfaccess/pkg/mmap"
	"github.com/mrf-timing/mrfaccess/pkg/udpip"
)

// Tunables above this bound are rejected.
const maxTunable = 3600 * time.Second

// Spec says which device to open and how.
type Spec struct {
	Model string

	// UDP models. Zero or negative tunables select the defaults.
	Host                string
	Port                int
	DelayBetweenPackets time.Duration
	Timeout             time.Duration
	MaxTries            int

	// Mmap models.
	DevicePath        string
	DisableInterrupts bool
}

type transport interface {
	memaccess.MemoryAccess
	io.Closer
}

// Device is an open timing device.
type Device struct {
	name      string
	model     Model
	transport transport
	access    *consistent.Access
}

func tunable(name string, d time.Duration) (time.Duration, error) {
	if d <= 0 {
		return 0, nil
	}
	if d > maxTunable {
		return 0, fmt.Errorf("%s must not be greater than %d seconds", name, int(maxTunable/time.Second))
	}
	return d, nil
}

func udpConfig(spec Spec, model Model) (udpip.Config, error) {
	delay, err := tunable("the delay between packets", spec.DelayBetweenPackets)
	if err != nil {
		return udpip.Config{}, err
	}
	timeout, err := tunable("the UDP timeout", spec.Timeout)
	if err != nil {
		return udpip.Config{}, err
	}
	cfg := udpip.Config{
		Host:                spec.Host,
		BaseAddress:         model.BaseAddress,
		Port:                spec.Port,
		DelayBetweenPackets: delay,
		Timeout:             timeout,
		MaxTries:            spec.MaxTries,
	}
	if cfg.Port < 0 {
		cfg.Port = 0
	}
	if cfg.MaxTries < 0 {
		cfg.MaxTries = 0
	}
	return cfg, nil
}

// Open connects to the device described by spec.
func Open(spec Spec) (*Device, error) {
	model, err := LookupModel(spec.Model)
	if err != nil {
		return nil, err
	}

	d := &Device{model: model}
	switch model.Transport {
	case TransportUDP:
		cfg, err := udpConfig(spec, model)
		if err != nil {
			return nil, fmt.Errorf("invalid settings for %s: %v", model.Name, err)
		}
		t, err := udpip.New(cfg)
		if err != nil {
			return nil, fmt.Errorf("cannot open %s at %q: %v", model.Name, spec.Host, err)
		}
		cfg = t.Config()
		d.name = fmt.Sprintf("%s at %s", model.Name, net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)))
		d.transport = t
	case TransportMmap:
		t, err := mmap.New(mmap.Config{
			DevicePath:        spec.DevicePath,
			MemorySize:        model.MemorySize,
			DisableInterrupts: spec.DisableInterrupts,
		})
		if err != nil {
			return nil, fmt.Errorf("cannot open %s at %q: %v", model.Name, spec.DevicePath, err)
		}
		d.name = fmt.Sprintf("%s at %q", model.Name, spec.DevicePath)
		d.transport = t
	default:
		return nil, fmt.Errorf("model %s has unsupported transport %v", model.Name, model.Transport)
	}
	d.access = consistent.New(d.transport)
	return d, nil
}

// Name returns a name and some extra info about this Device. This info is
// not machine readable.
func (d *Device) Name() string {
	return d.name
}

func (d *Device) Model() Model {
	return d.model
}

// Access returns the consistent register access of the device.
func (d *Device) Access() memaccess.ConsistentMemoryAccess {
	return d.access
}

// Close shuts the transport down. Outstanding requests fail.
func (d *Device) Close() error {
	return d.transport.Close()
}
