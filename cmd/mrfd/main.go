package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mrf-timing/mrfaccess/pkg/cachedump"
	"github.com/mrf-timing/mrfaccess/pkg/device"
	"github.com/mrf-timing/mrfaccess/pkg/httpapi"
	"github.com/mrf-timing/mrfaccess/pkg/registry"
	"golang.org/x/sync/errgroup"
)

var (
	httpAddr     = flag.String("http", envOrDefault("MRFD_HTTP_ADDR", "127.0.0.1:8080"), "Address of the HTTP gateway.")
	noInterrupts = flag.Bool("no_interrupts", false, "Do not set up interrupts for memory mapped devices.")
	devices      deviceFlags
	preheats     preheatFlags
)

func init() {
	flag.Var(&devices, "device", "Device to serve as ID=MODEL@TARGET, where TARGET is host[:port] or a device node. Repeatable.")
	flag.Var(&preheats, "preheat", "Preheat the cache of a device as ID=FILE. Repeatable.")
}

func main() {
	flag.Parse()

	if len(devices) == 0 {
		fmt.Println("Must specify at least one -device")
		os.Exit(1)
	}
	if err := run(); err != nil {
		log.Printf("%v", err)
		os.Exit(1)
	}
}

// run opens the devices and serves them until a signal arrives. Opened devices
// are closed on every return path, which fails their outstanding requests.
func run() error {
	reg := registry.New()
	var opened []*device.Device
	defer func() {
		for _, d := range opened {
			d.Close()
		}
	}()
	for _, df := range devices {
		spec := df.spec
		spec.DisableInterrupts = *noInterrupts
		d, err := device.Open(spec)
		if err != nil {
			return fmt.Errorf("cannot open device %q: %v", df.id, err)
		}
		opened = append(opened, d)
		if err := reg.Register(df.id, d.Access()); err != nil {
			return fmt.Errorf("cannot register device: %v", err)
		}
		log.Printf("Serving %s as %q", d.Name(), df.id)
	}

	if err := preheatAll(reg, preheats); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              *httpAddr,
		Handler:           httpapi.NewServer(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("starting server on %s", *httpAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server failed: %v", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Println("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func preheatAll(reg *registry.Registry, list preheatFlags) error {
	for _, p := range list {
		cache, ok := reg.Cache(p.id)
		if !ok {
			return fmt.Errorf("cannot preheat unknown device %q", p.id)
		}
		dump, err := cachedump.FromFile(p.file)
		if err != nil {
			return fmt.Errorf("cannot load cache dump for %q: %v", p.id, err)
		}
		cachedump.Preheat(cache, dump)
		log.Printf("Preheated cache of %q from %s", p.id, p.file)
	}
	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
