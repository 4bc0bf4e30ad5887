package main

import (
	"testing"

	"github.com/mrf-timing/mrfaccess/pkg/device"
)

func TestParseDevice(t *testing.T) {
	testCases := []struct {
		desc      string
		in        string
		wantError bool
		want      deviceFlag
	}{
		{
			desc: "UDP device with port",
			in:   "evr1=udp-evr@10.0.0.2:2001",
			want: deviceFlag{id: "evr1", spec: device.Spec{Model: "udp-evr", Host: "10.0.0.2", Port: 2001}},
		},
		{
			desc: "UDP device without port",
			in:   "evg=udp-evg@evg.example.org",
			want: deviceFlag{id: "evg", spec: device.Spec{Model: "udp-evg", Host: "evg.example.org"}},
		},
		{
			desc: "memory mapped device",
			in:   "evr2=pcie-evr-300@/dev/era3",
			want: deviceFlag{id: "evr2", spec: device.Spec{Model: "pcie-evr-300", DevicePath: "/dev/era3"}},
		},
		{desc: "no ID", in: "=udp-evr@host", wantError: true},
		{desc: "no target", in: "evr1=udp-evr", wantError: true},
		{desc: "unknown model", in: "evr1=evr@host", wantError: true},
		{desc: "bad port", in: "evr1=udp-evr@host:x", wantError: true},
	}
	for _, tc := range testCases {
		got, err := parseDevice(tc.in)
		if (err != nil) != tc.wantError {
			t.Fatalf("Test %q: failed = %t (%v), want %t", tc.desc, err != nil, err, tc.wantError)
		}
		if err == nil && got != tc.want {
			t.Fatalf("Test %q: got %+v, want %+v", tc.desc, got, tc.want)
		}
	}
}

func TestRepeatedFlags(t *testing.T) {
	var d deviceFlags
	for _, s := range []string{"a=udp-evr@h1", "b=udp-evg@h2"} {
		if err := d.Set(s); err != nil {
			t.Fatalf("Set(%q) failed: %v", s, err)
		}
	}
	if d.String() != "a,b" {
		t.Fatalf("got %q", d.String())
	}

	var p preheatFlags
	if err := p.Set("a=cache.txt"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := p.Set("a="); err == nil {
		t.Fatalf("Set accepted an empty file name")
	}
	if p.String() != "a=cache.txt" {
		t.Fatalf("got %q", p.String())
	}
}
