package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mrf-timing/mrfaccess/pkg/cachedump"
	"github.com/mrf-timing/mrfaccess/pkg/device"
	"github.com/mrf-timing/mrfaccess/pkg/registry"
)

var (
	listModels   = flag.Bool("list_models", false, "Print the known device models and exit.")
	model        = flag.String("model", "", "Device model (see -list_models).")
	host         = flag.String("host", "", "Host name or IP address of a UDP device.")
	port         = flag.Int("port", 0, "UDP port of the device (default 2000).")
	udpTimeout   = flag.Duration("timeout", 0, "Time to wait for a UDP reply before resending (default 5ms).")
	udpDelay     = flag.Duration("delay", 0, "Minimum time between two UDP packets (default 400µs).")
	maxTries     = flag.Int("tries", 0, "How often a UDP request is sent before giving up (default 5).")
	devicePath   = flag.String("device", "", "Device node of a memory mapped device (like /dev/era3).")
	noInterrupts = flag.Bool("no_interrupts", false, "Do not set up interrupts for a memory mapped device.")

	readAddr  = flag.String("read", "", "Read the register at this address.")
	writeAddr = flag.String("write", "", "Write -value to the register at this address.")
	value     = flag.String("value", "", "Value for -write.")
	mask      = flag.String("mask", "", "Only change the bits set in this mask when writing.")
	width     = flag.Int("width", 16, "Register width in bits, 16 or 32.")

	preheatFile      = flag.String("preheat", "", "Read all registers listed in this cache dump before -dump_cache.")
	dumpCache        = flag.Bool("dump_cache", false, "Print the register cache of the device.")
	listenInterrupts = flag.Bool("listen_interrupts", false, "Print interrupt flags until interrupted (memory mapped devices only).")
)

func main() {
	flag.Parse()

	if *listModels {
		fmt.Print(device.Catalogue())
		os.Exit(0)
	}
	if *model == "" {
		fmt.Println("Must specify a device model")
		os.Exit(1)
	}
	if *width != 16 && *width != 32 {
		fmt.Printf("Invalid width %d, must be 16 or 32\n", *width)
		os.Exit(1)
	}

	dev, err := device.Open(device.Spec{
		Model:               *model,
		Host:                *host,
		Port:                *port,
		DelayBetweenPackets: *udpDelay,
		Timeout:             *udpTimeout,
		MaxTries:            *maxTries,
		DevicePath:          *devicePath,
		DisableInterrupts:   *noInterrupts,
	})
	if err != nil {
		fmt.Printf("Cannot open device: %v\n", err)
		os.Exit(1)
	}
	defer dev.Close()

	out := newPrinter(os.Stdout)
	if err := run(dev, out); err != nil {
		fmt.Printf("%s: %v\n", dev.Name(), err)
		dev.Close()
		os.Exit(1)
	}
}

func run(dev *device.Device, out *printer) error {
	if *readAddr != "" {
		addr, err := parseUint32(*readAddr)
		if err != nil {
			return fmt.Errorf("invalid address: %v", err)
		}
		v, err := readRegister(dev.Access(), addr, *width)
		if err != nil {
			return err
		}
		out.register(addr, *width, v)
	}

	if *writeAddr != "" {
		addr, err := parseUint32(*writeAddr)
		if err != nil {
			return fmt.Errorf("invalid address: %v", err)
		}
		v, err := parseUint32(*value)
		if err != nil {
			return fmt.Errorf("invalid value: %v", err)
		}
		var m *uint32
		if *mask != "" {
			mv, err := parseUint32(*mask)
			if err != nil {
				return fmt.Errorf("invalid mask: %v", err)
			}
			m = &mv
		}
		written, err := writeRegister(dev.Access(), addr, *width, v, m)
		if err != nil {
			return err
		}
		out.register(addr, *width, written)
	}

	if *dumpCache || *preheatFile != "" {
		cache := registry.NewCache(dev.Access())
		if *preheatFile != "" {
			d, err := cachedump.FromFile(*preheatFile)
			if err != nil {
				return fmt.Errorf("cannot load cache dump: %v", err)
			}
			start := time.Now()
			cachedump.Preheat(cache, d)
			fmt.Fprintf(os.Stderr, "Preheated %d blocks in %v\n", len(d.Blocks()), time.Since(start))
		}
		if err := cachedump.Write(os.Stdout, cachedump.FromCache(cache)); err != nil {
			return err
		}
	}

	if *listenInterrupts {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return listen(ctx, dev.Access(), out)
	}
	return nil
}
