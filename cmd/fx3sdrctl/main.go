// Command fx3sdrctl is a thin test harness around the fx3sdr library:
// it opens the matching receiver chosen by -index (the first by
// default), optionally bootstraps firmware,
// configures the front end from flags, and streams for a fixed
// duration while printing a byte-rate summary. Out of the library's
// core scope (spec §1's Non-goals list command-line test harnesses
// explicitly), kept here the way the teacher ships cmd/driver/
// hasher-host alongside its library.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	sdr "github.com/sdrgo/fx3sdr"
	"github.com/sdrgo/fx3sdr/internal/errs"
	"github.com/sdrgo/fx3sdr/internal/transport"
)

var (
	deviceIndex = flag.Int("index", 0, "index of the matching receiver to open")
	firmware    = flag.String("firmware", "", "path to a firmware image to load if the device needs one")
	rfMode      = flag.String("rf-mode", "none", "RF path: none, vlf, hf, vhf")
	sampleRate  = flag.Float64("sample-rate", 2_000_000, "ADC sample rate in samples/second")
	frequency   = flag.Float64("frequency", 0, "tuner RF frequency in Hz (vhf mode only)")
	frameSize   = flag.Int("frame-size", 0, "bulk frame size in bytes (0 = library default)")
	ringDepth   = flag.Int("ring-depth", 0, "number of in-flight bulk transfers (0 = library default)")
	duration    = flag.Duration("duration", 2*time.Second, "how long to stream before stopping")
	list        = flag.Bool("list", false, "list matching devices and exit")
)

func main() {
	flag.Parse()
	log.SetFlags(0)

	if *list {
		if err := runList(); err != nil {
			log.Fatalf("fx3sdrctl: %v", err)
		}
		return
	}

	if err := run(); err != nil {
		log.Fatalf("fx3sdrctl: %v", err)
	}
}

func runList() error {
	infos, err := transport.List()
	if err != nil {
		return err
	}
	for i, info := range infos {
		fmt.Printf("[%d] %s:%s %s %s (serial %s) needs_firmware=%v\n",
			i, info.VendorID, info.ProductID, info.Manufacturer, info.Product, info.SerialNumber, info.NeedsFirmware)
	}
	return nil
}

func run() error {
	var image []byte
	if *firmware != "" {
		raw, err := os.ReadFile(*firmware)
		if err != nil {
			return fmt.Errorf("read firmware image: %w", err)
		}
		image = raw
	}

	dev, err := sdr.Open(*deviceIndex, image)
	if err != nil {
		return fmt.Errorf("open device %d: %w", *deviceIndex, err)
	}
	defer dev.Close()

	mode, err := parseRFMode(*rfMode)
	if err != nil {
		return err
	}
	if mode != sdr.RFModeNone {
		if err := dev.SetRFMode(mode); err != nil {
			return fmt.Errorf("set rf mode %s: %w", mode, err)
		}
	}
	if mode == sdr.RFModeVHF && *frequency > 0 {
		if err := dev.SetFrequency(*frequency); err != nil {
			return fmt.Errorf("set frequency: %w", err)
		}
		if !dev.TunerLocked() {
			log.Printf("fx3sdrctl: warning: tuner PLL did not lock")
		}
	}

	if err := dev.SetSampleRate(*sampleRate); err != nil {
		return fmt.Errorf("set sample rate: %w", err)
	}

	var bytesReceived uint64
	cb := func(frame []byte, _ any) {
		atomic.AddUint64(&bytesReceived, uint64(len(frame)))
	}
	if err := dev.SetAsyncParams(*frameSize, *ringDepth, cb, nil); err != nil {
		return fmt.Errorf("set async params: %w", err)
	}

	if err := dev.StartStreaming(); err != nil {
		return fmt.Errorf("start streaming: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	select {
	case <-time.After(*duration):
	case <-ctx.Done():
		log.Printf("fx3sdrctl: interrupted")
	}

	if err := dev.StopStreaming(); err != nil {
		return fmt.Errorf("stop streaming: %w", err)
	}

	secs := duration.Seconds()
	total := atomic.LoadUint64(&bytesReceived)
	fmt.Printf("received %d bytes in %s (%.1f MB/s)\n", total, *duration, float64(total)/secs/1e6)
	return nil
}

func parseRFMode(s string) (sdr.RFMode, error) {
	switch s {
	case "none":
		return sdr.RFModeNone, nil
	case "vlf":
		return sdr.RFModeVLF, nil
	case "hf":
		return sdr.RFModeHF, nil
	case "vhf":
		return sdr.RFModeVHF, nil
	default:
		return sdr.RFModeNone, errs.New("parse_rf_mode", errs.InvalidArgument, fmt.Errorf("unknown rf mode %q", s))
	}
}
