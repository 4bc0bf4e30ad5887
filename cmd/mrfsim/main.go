package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/mrf-timing/mrfaccess/pkg/device"
	"github.com/mrf-timing/mrfaccess/pkg/devsim"
)

var (
	listenAddr = flag.String("listen", "127.0.0.1:2000", "UDP address to listen on.")
	model      = flag.String("model", "udp-evr", "UDP device model to simulate.")
	size       = flag.String("size", "0x10000", "Size of the register window in bytes.")
	verbose    = flag.Bool("verbose", false, "Log every request.")
)

func main() {
	flag.Parse()

	m, err := device.LookupModel(*model)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	if m.Transport != device.TransportUDP {
		fmt.Printf("Model %s is not a UDP device\n", m.Name)
		os.Exit(1)
	}
	windowSize, err := strconv.ParseUint(*size, 0, 32)
	if err != nil {
		fmt.Printf("Invalid size %q: %v\n", *size, err)
		os.Exit(1)
	}

	cfg := devsim.Config{
		Addr:        *listenAddr,
		BaseAddress: m.BaseAddress,
		Size:        uint32(windowSize),
	}
	if *verbose {
		cfg.Logf = log.Printf
	}
	srv, err := devsim.Listen(cfg)
	if err != nil {
		fmt.Println("Error creating simulator:", err)
		os.Exit(1)
	}
	log.Printf("Simulating %s on %s", m, srv.Addr())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Printf("Stopping after %d requests", srv.Requests())
	if err := srv.Close(); err != nil {
		log.Printf("Error closing simulator: %v", err)
	}
}
