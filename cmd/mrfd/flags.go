package main

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/mrf-timing/mrfaccess/pkg/device"
)

type deviceFlag struct {
	id   string
	spec device.Spec
}

// deviceFlags collects -device values of the form ID=MODEL@TARGET.
type deviceFlags []deviceFlag

func (f *deviceFlags) String() string {
	parts := make([]string, len(*f))
	for i, d := range *f {
		parts[i] = d.id
	}
	return strings.Join(parts, ",")
}

func (f *deviceFlags) Set(s string) error {
	d, err := parseDevice(s)
	if err != nil {
		return err
	}
	*f = append(*f, d)
	return nil
}

func parseDevice(s string) (deviceFlag, error) {
	id, rest, ok := strings.Cut(s, "=")
	if !ok || id == "" {
		return deviceFlag{}, fmt.Errorf("%q: want ID=MODEL@TARGET", s)
	}
	modelName, target, ok := strings.Cut(rest, "@")
	if !ok || target == "" {
		return deviceFlag{}, fmt.Errorf("%q: want ID=MODEL@TARGET", s)
	}
	model, err := device.LookupModel(modelName)
	if err != nil {
		return deviceFlag{}, err
	}

	spec := device.Spec{Model: model.Name}
	switch model.Transport {
	case device.TransportUDP:
		spec.Host = target
		if h, p, err := net.SplitHostPort(target); err == nil {
			port, err := strconv.Atoi(p)
			if err != nil {
				return deviceFlag{}, fmt.Errorf("%q: invalid port %q", s, p)
			}
			spec.Host, spec.Port = h, port
		}
	case device.TransportMmap:
		spec.DevicePath = target
	}
	return deviceFlag{id: id, spec: spec}, nil
}

type preheatFlag struct {
	id   string
	file string
}

// preheatFlags collects -preheat values of the form ID=FILE.
type preheatFlags []preheatFlag

func (f *preheatFlags) String() string {
	parts := make([]string, len(*f))
	for i, p := range *f {
		parts[i] = p.id + "=" + p.file
	}
	return strings.Join(parts, ",")
}

func (f *preheatFlags) Set(s string) error {
	id, file, ok := strings.Cut(s, "=")
	if !ok || id == "" || file == "" {
		return fmt.Errorf("%q: want ID=FILE", s)
	}
	*f = append(*f, preheatFlag{id: id, file: file})
	return nil
}
