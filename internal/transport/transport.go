// Package transport implements C1: USB enumeration, claim, control
// transfers, bulk streaming, and the GPIO/I2C vendor commands that the
// rest of the driver rides on top of. It is grounded on the teacher's
// internal/driver/device/usb_device.go (gousb-based open/claim/endpoint
// lifecycle) and on original_source/src/librf103.c and usb_device.h for
// the exact enumeration and vendor-request semantics.
package transport

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/gousb"

	"github.com/sdrgo/fx3sdr/internal/errs"
)

// Identity is one row of the USB VID/PID identity table from spec §6.
type Identity struct {
	VendorID      gousb.ID
	ProductID     gousb.ID
	NeedsFirmware bool
}

// Identities is the table of receivers this library recognizes: the
// Cypress FX3 boot-loader (unconfigured) and the FX3 streamer example
// (already running vendor firmware).
var Identities = []Identity{
	{VendorID: 0x04b4, ProductID: 0x00f3, NeedsFirmware: true},
	{VendorID: 0x04b4, ProductID: 0x00f1, NeedsFirmware: false},
}

// Vendor request opcodes, spec §4.1.
const (
	reqStartFX3 = 0xAA
	reqStopFX3  = 0xAB
	reqTestFX3  = 0xAC
	reqResetFX3 = 0xCC
	reqPauseFX3 = 0xDD
	reqGPIOFX3  = 0xBC
	reqI2CWFX3  = 0xBA
	reqI2CRFX3  = 0xBE

	// firmware transfer vendor request, spec §4.2.
	reqFirmwareLoad = 0xA0
)

// bmRequestType byte layout (standard USB control-transfer convention).
const (
	bmOut    = 0x00
	bmIn     = 0x80
	bmVendor = 0x02 << 5
	bmDevice = 0x00
)

// GPIO shadow bits, spec §6.
const (
	GPIOLEDRed    byte = 0x01
	GPIOLEDYellow byte = 0x02
	GPIOLEDBlue   byte = 0x04
	GPIOSel0      byte = 0x08
	GPIOSel1      byte = 0x10
	GPIOShutdown  byte = 0x20
	GPIODither    byte = 0x40
	GPIORandom    byte = 0x80
)

const controlTimeout = 5 * time.Second

// State is the transport-level connection state machine, spec §4.1.
type State int

const (
	StateClosed State = iota
	StateReady
	StateStreaming
	StateDraining
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateFailed:
		return "failed"
	default:
		return "closed"
	}
}

// DeviceInfo describes one enumerated candidate, spec §3.
type DeviceInfo struct {
	VendorID      gousb.ID
	ProductID     gousb.ID
	Manufacturer  string
	Product       string
	SerialNumber  string
	NeedsFirmware bool
}

// sharedContext ref-counts a single process-wide gousb.Context the way
// design note §9 prescribes, so concurrent Transport instances share one
// libusb event loop instead of each Open/Close cycling the whole USB
// backend the way the original C driver does per-handle.
type sharedContext struct {
	mu    sync.Mutex
	ctx   *gousb.Context
	count int
}

var shared sharedContext

func (s *sharedContext) acquire() *gousb.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		s.ctx = gousb.NewContext()
	}
	s.count++
	return s.ctx
}

func (s *sharedContext) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count--
	if s.count <= 0 && s.ctx != nil {
		s.ctx.Close()
		s.ctx = nil
		s.count = 0
	}
}

// Endpoint and ring defaults, spec §4.1 and §4.5.
const (
	DefaultBulkEndpoint = 0x81
	DefaultFrameSize    = 64 * 1024
	DefaultRingDepth    = 16
)

// Transport owns one claimed USB device and its control/bulk surface.
type Transport struct {
	mu    sync.Mutex
	state State

	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface

	epIn  *gousb.InEndpoint
	epOut *gousb.OutEndpoint

	bulkEndpoint int
	gpioShadow   byte

	logger *log.Logger
}

// Count returns the number of attached devices matching the identity
// table, spec §4.1 count().
func Count() (int, error) {
	ctx := shared.acquire()
	defer shared.release()

	n := 0
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if matchIdentity(desc.Vendor, desc.Product) != nil {
			n++
		}
		return false
	})
	for _, d := range devs {
		d.Close()
	}
	if err != nil {
		return 0, fmt.Errorf("transport: count devices: %w", err)
	}
	return n, nil
}

// List returns descriptor records for every attached matching device,
// spec §4.1 list(). Errors probing an individual candidate are swallowed
// so other records remain valid, matching original_source's
// rf103_get_device_info behavior of continuing past per-device failures
// where possible.
func List() ([]DeviceInfo, error) {
	ctx := shared.acquire()
	defer shared.release()

	var infos []DeviceInfo
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return matchIdentity(desc.Vendor, desc.Product) != nil
	})
	if err != nil && len(devs) == 0 {
		return nil, fmt.Errorf("transport: list devices: %w", err)
	}
	for _, d := range devs {
		id := matchIdentity(d.Desc.Vendor, d.Desc.Product)
		info := DeviceInfo{
			VendorID:      d.Desc.Vendor,
			ProductID:     d.Desc.Product,
			NeedsFirmware: id != nil && id.NeedsFirmware,
		}
		if m, err := d.Manufacturer(); err == nil {
			info.Manufacturer = m
		}
		if p, err := d.Product(); err == nil {
			info.Product = p
		}
		if s, err := d.SerialNumber(); err == nil {
			info.SerialNumber = s
		}
		d.Close()
		infos = append(infos, info)
	}
	return infos, nil
}

func matchIdentity(vid, pid gousb.ID) *Identity {
	for i := range Identities {
		if Identities[i].VendorID == vid && Identities[i].ProductID == pid {
			return &Identities[i]
		}
	}
	return nil
}

// findAndClaim locates and opens the index'th matching device and enables
// kernel-driver auto-detach, mirroring original_source's find_rf103().
// Claiming interface 0 is left to Open and OpenBootloader.
func findAndClaim(index int) (*gousb.Device, *Identity, error) {
	ctx := shared.acquire()

	var picked *gousb.Device
	var pickedID *Identity
	count := 0
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		id := matchIdentity(desc.Vendor, desc.Product)
		if id == nil {
			return false
		}
		take := count == index
		count++
		return take
	})
	if err != nil {
		shared.release()
		return nil, nil, fmt.Errorf("transport: enumerate: %w", err)
	}
	if len(devs) == 0 {
		shared.release()
		return nil, nil, errs.New("find_device", errs.NotFound, nil)
	}
	picked = devs[0]
	pickedID = matchIdentity(picked.Desc.Vendor, picked.Desc.Product)
	for _, extra := range devs[1:] {
		extra.Close()
	}

	if err := picked.SetAutoDetach(true); err != nil {
		// not fatal: some platforms/backends don't support auto-detach.
	}

	return picked, pickedID, nil
}

// Open claims interface 0 of the index'th matching device. Firmware
// bootstrap (if the candidate reports needs_firmware) is the caller's
// responsibility to run between Open attempts, per spec §4.1 ("open
// finds the Nth matching device... the bootstrap sequence runs, the
// handle is closed, the USB bus is rescanned, and the same index is
// re-located"); Open itself only ever claims a device that is already
// in streamer mode and reports an error naming the still-unconfigured
// state otherwise, so the facade (C6) can drive the retry loop.
func Open(index int, opts ...Option) (*Transport, error) {
	dev, id, err := findAndClaim(index)
	if err != nil {
		return nil, err
	}

	t := &Transport{
		state:        StateClosed,
		bulkEndpoint: DefaultBulkEndpoint,
		logger:       log.Default(),
	}
	for _, o := range opts {
		o(t)
	}

	if id.NeedsFirmware {
		dev.Close()
		shared.release()
		return nil, errs.New("open", errs.State, fmt.Errorf("device at index %d is still in boot-loader mode", index))
	}

	cfg, err := dev.Config(1)
	if err != nil {
		dev.Close()
		shared.release()
		return nil, errs.New("open", errs.IO, fmt.Errorf("set config: %w", err))
	}
	intf, err := cfg.Interface(0, 0)
	if err != nil {
		cfg.Close()
		dev.Close()
		shared.release()
		return nil, errs.New("open", errs.Busy, fmt.Errorf("claim interface 0: %w", err))
	}

	t.dev = dev
	t.cfg = cfg
	t.intf = intf
	t.state = StateReady

	return t, nil
}

// OpenBootloader claims the index'th matching device regardless of its
// needs_firmware flag, for the façade's firmware bootstrap step (C2) to
// drive control transfers against a device still in boot-loader mode,
// where a streamer-mode Open is not yet possible.
func OpenBootloader(index int) (*Transport, error) {
	dev, _, err := findAndClaim(index)
	if err != nil {
		return nil, err
	}

	cfg, err := dev.Config(1)
	if err != nil {
		dev.Close()
		shared.release()
		return nil, errs.New("open_bootloader", errs.IO, fmt.Errorf("set config: %w", err))
	}
	intf, err := cfg.Interface(0, 0)
	if err != nil {
		cfg.Close()
		dev.Close()
		shared.release()
		return nil, errs.New("open_bootloader", errs.Busy, fmt.Errorf("claim interface 0: %w", err))
	}

	return &Transport{
		dev:          dev,
		cfg:          cfg,
		intf:         intf,
		state:        StateReady,
		bulkEndpoint: DefaultBulkEndpoint,
		logger:       log.Default(),
	}, nil
}

// Option configures a Transport at construction time.
type Option func(*Transport)

// WithBulkEndpoint overrides the default bulk-in endpoint address.
func WithBulkEndpoint(ep int) Option {
	return func(t *Transport) { t.bulkEndpoint = ep }
}

// WithLogger overrides the logger used for non-fatal warnings.
func WithLogger(l *log.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

// RawDevice exposes the underlying firmware-bootstrap control surface
// (C2 needs nothing more than control transfers) without leaking the
// full gousb type to callers outside this package.
func (t *Transport) RawDevice() *gousb.Device {
	return t.dev
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// Close releases interface, config and device, and drops the shared
// context refcount. Calling Close twice is rejected with ErrState,
// matching spec §8's "close after close is rejected, not crash".
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.state == StateClosed {
		t.mu.Unlock()
		return errs.New("close", errs.State, nil)
	}
	t.state = StateClosed
	t.mu.Unlock()

	if t.intf != nil {
		t.intf.Close()
	}
	if t.cfg != nil {
		t.cfg.Close()
	}
	if t.dev != nil {
		t.dev.Close()
	}
	shared.release()
	return nil
}

// control issues a vendor control transfer. dataOut carries the outbound
// payload for write requests; for read requests pass a buffer of the
// expected length and nil dataOut.
func (t *Transport) control(request byte, value, index uint16, dataOut []byte, read bool, dataIn []byte) (int, error) {
	t.mu.Lock()
	dev := t.dev
	failed := t.state == StateFailed || t.state == StateClosed
	t.mu.Unlock()
	if failed {
		return 0, errs.New("control", errs.State, nil)
	}

	rType := byte(bmOut | bmVendor | bmDevice)
	buf := dataOut
	if read {
		rType = byte(bmIn | bmVendor | bmDevice)
		buf = dataIn
	}

	n, err := dev.Control(rType, request, value, index, buf)
	if err != nil {
		t.setState(StateFailed)
		return n, errs.New("control", errs.IO, err)
	}
	return n, nil
}

// ControlOut issues an OUT vendor control transfer, the primitive C2
// (firmware transfer) rides on.
func (t *Transport) ControlOut(request byte, value, index uint16, data []byte) (int, error) {
	return t.control(request, value, index, data, false, nil)
}

// ControlIn issues an IN vendor control transfer.
func (t *Transport) ControlIn(request byte, value, index uint16, data []byte) (int, error) {
	return t.control(request, value, index, nil, true, data)
}

// Start issues STARTFX3, arming the device's bulk pipe.
func (t *Transport) Start() error {
	if _, err := t.ControlOut(reqStartFX3, 0, 0, nil); err != nil {
		return err
	}
	t.setState(StateStreaming)
	return nil
}

// Stop issues STOPFX3.
func (t *Transport) Stop() error {
	_, err := t.ControlOut(reqStopFX3, 0, 0, nil)
	t.setState(StateReady)
	return err
}

// Test issues TESTFX3 and returns the single status byte the device
// reports; used by the tuner layer's has_tuner probe (original_source's
// tuner.c has_tuner()).
func (t *Transport) Test() (byte, error) {
	buf := make([]byte, 4)
	if _, err := t.ControlIn(reqTestFX3, 0, 0, buf); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// HasTuner probes for an attached tuner with a TESTFX3 control transfer,
// original_source's has_tuner(): a responding byte of 0 means present.
// A transfer error is treated as "no tuner" rather than propagated,
// matching the original's "an error probably means no tuner" comment.
func (t *Transport) HasTuner() bool {
	status, err := t.Test()
	if err != nil {
		return false
	}
	return status == 0
}

// Reset issues RESETFX3.
func (t *Transport) Reset() error {
	_, err := t.ControlOut(reqResetFX3, 0, 0, nil)
	return err
}

// Pause issues PAUSEFX3.
func (t *Transport) Pause() error {
	_, err := t.ControlOut(reqPauseFX3, 0, 0, nil)
	return err
}

// FirmwareControl issues the bRequest=0xA0 vendor command C2 uses to
// stream firmware sections and trigger entry.
func (t *Transport) FirmwareControl(addrLo, addrHi uint16, data []byte) (int, error) {
	return t.ControlOut(reqFirmwareLoad, addrLo, addrHi, data)
}

// --- GPIO ---

// GPIOSet updates the shadow register as shadow = (shadow &^ mask) | (pattern & mask)
// and pushes the new shadow via GPIOFX3, spec §4.1. Serialized by t.mu so
// concurrent callers observe atomic read-modify-write semantics.
func (t *Transport) GPIOSet(pattern, mask byte) error {
	t.mu.Lock()
	next := (t.gpioShadow &^ mask) | (pattern & mask)
	t.mu.Unlock()

	if _, err := t.ControlOut(reqGPIOFX3, uint16(next), 0, nil); err != nil {
		return err
	}

	t.mu.Lock()
	t.gpioShadow = next
	t.mu.Unlock()
	return nil
}

// GPIOOn sets the bits in mask.
func (t *Transport) GPIOOn(mask byte) error { return t.GPIOSet(mask, mask) }

// GPIOOff clears the bits in mask.
func (t *Transport) GPIOOff(mask byte) error { return t.GPIOSet(0, mask) }

// GPIOToggle flips the bits in mask.
func (t *Transport) GPIOToggle(mask byte) error {
	t.mu.Lock()
	next := t.gpioShadow ^ mask
	t.mu.Unlock()
	return t.GPIOSet(next, mask)
}

// GPIOShadow returns the last-pushed shadow register value.
func (t *Transport) GPIOShadow() byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gpioShadow
}

// --- I2C ---

// I2CWrite writes n bytes to register reg on the 7-bit I2C address addr,
// spec §4.1 i2c_write(). Short writes are reported as ErrIO.
func (t *Transport) I2CWrite(addr byte, reg byte, data []byte) error {
	n, err := t.ControlOut(reqI2CWFX3, uint16(addr)<<1, uint16(reg), data)
	if err != nil {
		return err
	}
	if n != len(data) {
		return errs.New("i2c_write", errs.IO, fmt.Errorf("short write: wrote %d of %d bytes", n, len(data)))
	}
	return nil
}

// I2CRead reads len(data) bytes from register reg into data.
func (t *Transport) I2CRead(addr byte, reg byte, data []byte) error {
	n, err := t.ControlIn(reqI2CRFX3, uint16(addr)<<1, uint16(reg), data)
	if err != nil {
		return err
	}
	if n != len(data) {
		return errs.New("i2c_read", errs.IO, fmt.Errorf("short read: got %d of %d bytes", n, len(data)))
	}
	return nil
}

// --- bulk streaming ---

// ClaimBulkIn opens the configured bulk-in endpoint for async or sync
// reads. Callers (internal/stream) are expected to hold it for the
// lifetime of a streaming session.
func (t *Transport) ClaimBulkIn() (*gousb.InEndpoint, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.epIn != nil {
		return t.epIn, nil
	}
	ep, err := t.intf.InEndpoint(t.bulkEndpoint)
	if err != nil {
		return nil, errs.New("claim_bulk_in", errs.IO, err)
	}
	t.epIn = ep
	return ep, nil
}

// ReadSync performs a single blocking bulk-in read into buf, spec §4.5
// "sync read".
func (t *Transport) ReadSync(ctx context.Context, buf []byte) (int, error) {
	ep, err := t.ClaimBulkIn()
	if err != nil {
		return 0, err
	}
	n, err := ep.ReadContext(ctx, buf)
	if err != nil {
		return n, errs.New("read_sync", errs.IO, err)
	}
	return n, nil
}

// Logger returns the logger configured for this transport.
func (t *Transport) Logger() *log.Logger { return t.logger }
