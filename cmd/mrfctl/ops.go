package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/mrf-timing/mrfaccess/pkg/memaccess"
	"golang.org/x/term"
)

func parseUint32(s string) (uint32, error) {
	if s == "" {
		return 0, fmt.Errorf("empty number")
	}
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

func readRegister(a memaccess.ConsistentMemoryAccess, addr uint32, width int) (uint32, error) {
	if width == 16 {
		v, err := memaccess.ReadUInt16(a, addr)
		return uint32(v), err
	}
	return memaccess.ReadUInt32(a, addr)
}

func writeRegister(a memaccess.ConsistentMemoryAccess, addr uint32, width int, v uint32, mask *uint32) (uint32, error) {
	if width == 16 {
		if v > 0xffff || (mask != nil && *mask > 0xffff) {
			return 0, fmt.Errorf("value 0x%x does not fit into 16 bits", v)
		}
		var written uint16
		var err error
		if mask != nil {
			written, err = memaccess.WriteMaskedUInt16(a, addr, uint16(v), uint16(*mask))
		} else {
			written, err = memaccess.WriteUInt16(a, addr, uint16(v))
		}
		return uint32(written), err
	}
	if mask != nil {
		return memaccess.WriteMaskedUInt32(a, addr, v, *mask)
	}
	return memaccess.WriteUInt32(a, addr, v)
}

// listen prints interrupt flags until ctx is done.
func listen(ctx context.Context, a memaccess.ConsistentMemoryAccess, out *printer) error {
	if !a.SupportsInterrupts() {
		return memaccess.ErrInterruptsNotSupported
	}
	flags := make(chan uint32, 64)
	h, err := a.AddInterruptListener(func(f uint32) {
		select {
		case flags <- f:
		default:
			fmt.Fprintln(os.Stderr, "Dropped interrupt, output is too slow")
		}
	})
	if err != nil {
		return err
	}
	defer a.RemoveInterruptListener(h)

	fmt.Fprintln(os.Stderr, "Waiting for interrupts, press Ctrl+C to stop")
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-flags:
			out.interrupt(f)
		}
	}
}

// printer formats results as an aligned table on a terminal and as plain
// "address value" lines otherwise.
type printer struct {
	w   io.Writer
	tty bool
}

func newPrinter(f *os.File) *printer {
	return &printer{w: f, tty: term.IsTerminal(int(f.Fd()))}
}

func formatValue(v uint32, width int) string {
	if width == 16 {
		return fmt.Sprintf("0x%04x", v)
	}
	return fmt.Sprintf("0x%08x", v)
}

func (p *printer) register(addr uint32, width int, v uint32) {
	if !p.tty {
		fmt.Fprintf(p.w, "%s %s\n", memaccess.FormatAddress(addr), formatValue(v, width))
		return
	}
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Register\tWidth\tValue\tDecimal\n")
	fmt.Fprintf(tw, "%s\tuint%d\t%s\t%d\n", memaccess.FormatAddress(addr), width, formatValue(v, width), v)
	tw.Flush()
}

func (p *printer) interrupt(flags uint32) {
	if !p.tty {
		fmt.Fprintf(p.w, "%s\n", formatValue(flags, 32))
		return
	}
	fmt.Fprintf(p.w, "Interrupt flags %s (%032b)\n", formatValue(flags, 32), flags)
}
