// Package sdr is the C6 device façade: it composes the USB transport
// (C1), firmware loader (C2), clock synthesizer (C3), tuner (C4) and
// streaming pipeline (C5) behind a single state machine, grounded on
// the teacher's internal/driver/device package shape (one exported
// type owning the hardware layers, functional options, %w-wrapped
// errors, log.Printf diagnostics) and spec.md §4.6/§5.
package sdr

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/sdrgo/fx3sdr/internal/clock"
	"github.com/sdrgo/fx3sdr/internal/errs"
	"github.com/sdrgo/fx3sdr/internal/firmware"
	"github.com/sdrgo/fx3sdr/internal/stream"
	"github.com/sdrgo/fx3sdr/internal/transport"
	"github.com/sdrgo/fx3sdr/internal/tuner"
)

// State is the façade-level device state machine, spec §4.6: OFF →
// open → READY → start → STREAMING → stop → READY → close → OFF, plus
// absorbing FAILED.
type State int

const (
	StateOff State = iota
	StateReady
	StateStreaming
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateStreaming:
		return "streaming"
	case StateFailed:
		return "failed"
	default:
		return "off"
	}
}

// Clock outputs: output 0 feeds the ADC sample clock, output 1 is the
// auxiliary output spec §4.6 says gets programmed to the tuner's
// crystal frequency before tuner start in VHF mode.
const (
	clockOutputSample = 0
	clockOutputAux    = 1
)

// Defaults for the clock synth's crystal, spec §8 scenario 3's worked
// example; callers with a different board crystal override via
// WithClockXtal.
const (
	defaultClockXtalHz    = 27_000_000
	defaultClockCorrection = 1.0
)

// HF attenuation GPIO patterns, spec §6.
const hfAttenMask = transport.GPIOSel0 | transport.GPIOSel1

// Option configures a Device at Open time.
type Option func(*deviceConfig)

type deviceConfig struct {
	bulkEndpoint   int
	tunerPreset    tuner.Preset
	clockXtalHz    float64
	clockCorrection float64
	logger         *log.Logger
}

// WithBulkEndpoint overrides the default bulk-in endpoint address.
func WithBulkEndpoint(ep int) Option {
	return func(c *deviceConfig) { c.bulkEndpoint = ep }
}

// WithTunerPreset selects the tuner's initialization-register table,
// SPEC_FULL.md §12 ("one of two preset tables selected at build
// time" in the original, a runtime parameter here).
func WithTunerPreset(p tuner.Preset) Option {
	return func(c *deviceConfig) { c.tunerPreset = p }
}

// WithClockXtal overrides the main clock synth's crystal frequency
// and frequency-correction factor.
func WithClockXtal(xtalHz, correction float64) Option {
	return func(c *deviceConfig) { c.clockXtalHz = xtalHz; c.clockCorrection = correction }
}

// WithLogger overrides the logger used for the façade's non-fatal PLL
// lock warning and handed to the transport, spec §7's propagation policy
// and SPEC_FULL.md §10. Firmware loader warnings go to the standard log
// package's default logger, not to this one.
func WithLogger(l *log.Logger) Option {
	return func(c *deviceConfig) { c.logger = l }
}

// Device owns one receiver's full hardware stack between Open and
// Close. Not safe for concurrent use from multiple goroutines except
// where spec §5 says so (the streaming callback runs on its own
// goroutine independent of the caller thread).
type Device struct {
	mu    sync.Mutex
	state State

	t    *transport.Transport
	ck   *clock.Synth
	tn   *tuner.Tuner
	pump *stream.Pump

	tunerPreset tuner.Preset
	rfMode      RFMode
	sampleRate  float64

	sampleRateSet  bool
	asyncParamsSet bool
	frameSize      int
	ringDepth      int
	callback       stream.Callback
	userCtx        any

	logger *log.Logger
}

// Open locates the index'th matching receiver, spec §4.1/§4.6. If the
// device reports needs_firmware and firmwareImage is non-nil, the
// bootstrap sequence runs (firmware validated and transferred, the
// boot-loader handle closed, the bus re-probed, and the same index
// re-opened in streamer mode) before the façade takes ownership. If
// the device needs firmware and no image was given, or it still needs
// firmware after the bootstrap, Open fails with ErrState.
func Open(index int, firmwareImage []byte, opts ...Option) (*Device, error) {
	cfg := deviceConfig{
		bulkEndpoint:    transport.DefaultBulkEndpoint,
		tunerPreset:     tuner.PresetBBRF103,
		clockXtalHz:     defaultClockXtalHz,
		clockCorrection: defaultClockCorrection,
		logger:          log.Default(),
	}
	for _, o := range opts {
		o(&cfg)
	}

	t, err := transport.Open(index, transport.WithBulkEndpoint(cfg.bulkEndpoint), transport.WithLogger(cfg.logger))
	if err != nil {
		var de *errs.DriverError
		if firmwareImage != nil && errors.As(err, &de) && de.Kind == errs.State {
			if bootErr := bootstrapFirmware(index, firmwareImage); bootErr != nil {
				return nil, bootErr
			}
			t, err = transport.Open(index, transport.WithBulkEndpoint(cfg.bulkEndpoint), transport.WithLogger(cfg.logger))
		}
		if err != nil {
			return nil, err
		}
	}

	ck, err := clock.Open(t, cfg.clockXtalHz, cfg.clockCorrection)
	if err != nil {
		t.Close()
		return nil, err
	}

	d := &Device{
		state:       StateReady,
		t:           t,
		ck:          ck,
		tunerPreset: cfg.tunerPreset,
		rfMode:      RFModeNone,
		logger:      cfg.logger,
	}
	return d, nil
}

// bootstrapFirmware validates and transfers a firmware image to the
// index'th device while it is still in boot-loader mode, spec §4.2.
func bootstrapFirmware(index int, raw []byte) error {
	img, err := firmware.Parse(raw)
	if err != nil {
		return err
	}
	boot, err := transport.OpenBootloader(index)
	if err != nil {
		return err
	}
	defer boot.Close()
	return firmware.Transfer(boot, img)
}

// Close stops streaming (if active), closes the clock synth and the
// transport, and transitions to OFF; the tuner gets no separate
// shutdown. Close after Close is
// rejected with ErrState, not a crash, spec §8.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.state == StateOff {
		d.mu.Unlock()
		return errs.New("close", errs.State, nil)
	}
	pump := d.pump
	ck := d.ck
	t := d.t
	d.state = StateOff
	d.pump = nil
	d.mu.Unlock()

	if pump != nil && pump.Running() {
		_ = pump.Stop()
	}
	if ck != nil {
		_ = ck.Close()
	}
	return t.Close()
}

// Status returns the façade's current state.
func (d *Device) Status() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// fail records a fatal transport-level error by moving the device to
// FAILED, spec §7's propagation policy ("control-path failures that
// leave the device in an inconsistent state transition the façade to
// FAILED and refuse subsequent operations except close").
func (d *Device) fail(err error) error {
	if err == nil {
		return nil
	}
	var de *errs.DriverError
	if errors.As(err, &de) && de.Kind == errs.IO {
		d.mu.Lock()
		d.state = StateFailed
		d.mu.Unlock()
	}
	return err
}

func (d *Device) requireNotFailed(op string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == StateFailed {
		return errs.New(op, errs.State, fmt.Errorf("device has failed and must be closed"))
	}
	if d.state == StateOff {
		return errs.New(op, errs.State, fmt.Errorf("device is closed"))
	}
	return nil
}

// --- front-end GPIO controls ---

// LEDOn sets the given LED bits.
func (d *Device) LEDOn(mask byte) error {
	if err := d.requireNotFailed("led_on"); err != nil {
		return err
	}
	return d.fail(d.t.GPIOOn(mask))
}

// LEDOff clears the given LED bits.
func (d *Device) LEDOff(mask byte) error {
	if err := d.requireNotFailed("led_off"); err != nil {
		return err
	}
	return d.fail(d.t.GPIOOff(mask))
}

// LEDToggle flips the given LED bits.
func (d *Device) LEDToggle(mask byte) error {
	if err := d.requireNotFailed("led_toggle"); err != nil {
		return err
	}
	return d.fail(d.t.GPIOToggle(mask))
}

// ADCDither toggles the ADC's dither-injection GPIO bit alone.
func (d *Device) ADCDither(enable bool) error {
	if err := d.requireNotFailed("adc_dither"); err != nil {
		return err
	}
	if enable {
		return d.fail(d.t.GPIOOn(transport.GPIODither))
	}
	return d.fail(d.t.GPIOOff(transport.GPIODither))
}

// ADCRandomizer toggles the ADC's PRBS randomizer GPIO bit. Enabling
// it also sets DITHER: original_source's rf103_adc_random had an
// unconditional return ahead of a call meant to also invoke
// adc_set_random, leaving that second bit toggle unreachable (spec §9
// open question); this façade fixes it by actually setting both bits
// together, since the randomizer is documented to require dither
// enabled to behave correctly.
func (d *Device) ADCRandomizer(enable bool) error {
	if err := d.requireNotFailed("adc_randomizer"); err != nil {
		return err
	}
	if enable {
		return d.fail(d.t.GPIOSet(transport.GPIODither|transport.GPIORandom, transport.GPIODither|transport.GPIORandom))
	}
	return d.fail(d.t.GPIOOff(transport.GPIORandom))
}

// HFAttenuation selects the HF front-end attenuator pad, spec §6:
// 0 dB -> SEL1, 10 dB -> SEL0|SEL1, 20 dB -> SEL0.
func (d *Device) HFAttenuation(dB int) error {
	if err := d.requireNotFailed("hf_attenuation"); err != nil {
		return err
	}
	var pattern byte
	switch dB {
	case 0:
		pattern = transport.GPIOSel1
	case 10:
		pattern = transport.GPIOSel0 | transport.GPIOSel1
	case 20:
		pattern = transport.GPIOSel0
	default:
		return errs.New("hf_attenuation", errs.InvalidArgument, fmt.Errorf("unsupported attenuation: %d dB", dB))
	}
	return d.fail(d.t.GPIOSet(pattern, hfAttenMask))
}

// --- RF mode / tuner lifecycle ---

// SetRFMode switches the active RF path, spec §4.6: entering VHF opens
// the tuner (failing fast with ErrNotFound if TESTFX3 reports none
// attached) and programs the auxiliary clock output to the tuner's
// crystal frequency before the tuner's own PLL is touched; leaving VHF
// tears the tuner handle down.
func (d *Device) SetRFMode(mode RFMode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == StateFailed || d.state == StateOff {
		return errs.New("set_rf_mode", errs.State, fmt.Errorf("device not ready"))
	}

	if mode == RFModeVHF && d.tn == nil {
		if !d.t.HasTuner() {
			return errs.New("set_rf_mode", errs.NotFound, fmt.Errorf("no tuner responded to probe"))
		}
		// tuner.Open already runs calibration through the tuner PLL, so
		// the auxiliary output is set first, to the crystal frequency a
		// freshly opened Tuner reports.
		const tunerXtalHz = 32_000_000
		if _, err := d.ck.SetClock(clockOutputAux, tunerXtalHz); err != nil {
			return err
		}
		tn, err := tuner.Open(d.t, d.tunerPreset)
		if err != nil {
			return err
		}
		if !tn.Locked() {
			d.logger.Printf("sdr: tuner PLL did not lock after open, continuing per spec policy")
		}
		d.tn = tn
	} else if mode != RFModeVHF && d.tn != nil {
		d.tn = nil
	}

	d.rfMode = mode
	return nil
}

// RFMode returns the active RF path.
func (d *Device) RFMode() RFMode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rfMode
}

// --- sample rate / clock ---

// SetSampleRate programs the main clock output (index 0) to drive the
// ADC at spsHz samples per second and records that the ordering
// precondition for Start is satisfied, spec §4.6 ("cannot start
// without a sample rate and async params set").
func (d *Device) SetSampleRate(spsHz float64) error {
	if err := d.requireNotFailed("set_sample_rate"); err != nil {
		return err
	}
	if _, err := d.ck.SetClock(clockOutputSample, spsHz); err != nil {
		return d.fail(err)
	}
	d.mu.Lock()
	d.sampleRate = spsHz
	d.sampleRateSet = true
	d.mu.Unlock()
	return nil
}

// SetAsyncParams records the streaming ring configuration used by the
// next Start, spec §4.5 "Open async" (frameSize/ringDepth of 0 take
// the package defaults).
func (d *Device) SetAsyncParams(frameSize, ringDepth int, cb stream.Callback, userCtx any) error {
	if err := d.requireNotFailed("set_async_params"); err != nil {
		return err
	}
	if cb == nil {
		return errs.New("set_async_params", errs.InvalidArgument, fmt.Errorf("callback must not be nil"))
	}
	d.mu.Lock()
	d.frameSize = frameSize
	d.ringDepth = ringDepth
	d.callback = cb
	d.userCtx = userCtx
	d.asyncParamsSet = true
	d.mu.Unlock()
	return nil
}

// --- streaming ---

// StartStreaming arms the bulk ring and issues STARTFX3, spec §4.6's
// "(set_sample_rate → set_async_params → start) is observed to
// completion before any callback fires". It does not program the tuner
// or the clock: those keep whatever the tuner setters and SetSampleRate
// last wrote.
func (d *Device) StartStreaming() error {
	d.mu.Lock()
	if d.state != StateReady {
		d.mu.Unlock()
		return errs.New("start_streaming", errs.State, fmt.Errorf("device must be in ready state"))
	}
	if !d.sampleRateSet || !d.asyncParamsSet {
		d.mu.Unlock()
		return errs.New("start_streaming", errs.State, fmt.Errorf("sample rate and async params must be set before start"))
	}
	frameSize, ringDepth, cb, userCtx := d.frameSize, d.ringDepth, d.callback, d.userCtx
	d.mu.Unlock()

	pump, err := stream.New(d.t, frameSize, ringDepth, cb, userCtx)
	if err != nil {
		return err
	}
	if err := pump.Start(); err != nil {
		return d.fail(err)
	}
	if err := d.t.Start(); err != nil {
		_ = pump.Stop()
		return d.fail(err)
	}

	d.mu.Lock()
	d.pump = pump
	d.state = StateStreaming
	d.mu.Unlock()
	return nil
}

// StopStreaming cancels all in-flight transfers, waits for them to
// reach terminal status, then issues STOPFX3. A second call is a
// no-op, spec §8.
func (d *Device) StopStreaming() error {
	d.mu.Lock()
	pump := d.pump
	if d.state != StateStreaming || pump == nil {
		d.mu.Unlock()
		return nil
	}
	d.pump = nil
	d.state = StateReady
	d.mu.Unlock()

	return pump.Stop()
}

// ResetStatus clears the streaming pipeline's accumulated
// overrun/error counters, spec §4.5.
func (d *Device) ResetStatus() {
	d.mu.Lock()
	pump := d.pump
	d.mu.Unlock()
	if pump != nil {
		pump.ResetStatus()
	}
}

// ReadSync performs a single blocking bulk-in read, spec §4.5 "sync
// read", bypassing the async ring entirely.
func (d *Device) ReadSync(ctx context.Context, buf []byte) (int, error) {
	if err := d.requireNotFailed("read_sync"); err != nil {
		return 0, err
	}
	n, err := d.t.ReadSync(ctx, buf)
	return n, d.fail(err)
}

// --- tuner passthrough ---

func (d *Device) requireTuner(op string) (*tuner.Tuner, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tn == nil {
		return nil, errs.New(op, errs.State, fmt.Errorf("tuner not open: call SetRFMode(RFModeVHF) first"))
	}
	return d.tn, nil
}

// SetFrequency tunes the VHF front end to rfHz.
func (d *Device) SetFrequency(rfHz float64) error {
	tn, err := d.requireTuner("set_frequency")
	if err != nil {
		return err
	}
	return d.fail(tn.SetFrequency(rfHz))
}

// SetHarmonicFrequency tunes using the Nth (odd) harmonic of the PLL.
func (d *Device) SetHarmonicFrequency(rfHz float64, harmonic int) error {
	tn, err := d.requireTuner("set_harmonic_frequency")
	if err != nil {
		return err
	}
	return d.fail(tn.SetHarmonicFrequency(rfHz, harmonic))
}

// SetIFBandwidth selects the tuner's IF filter bandwidth.
func (d *Device) SetIFBandwidth(hz uint32) error {
	tn, err := d.requireTuner("set_if_bandwidth")
	if err != nil {
		return err
	}
	return d.fail(tn.SetIFBandwidth(hz))
}

// SetLNAGain selects the tuner's LNA gain in dB.
func (d *Device) SetLNAGain(gainDB int) error {
	tn, err := d.requireTuner("set_lna_gain")
	if err != nil {
		return err
	}
	return d.fail(tn.SetLNAGain(gainDB))
}

// SetLNAAGC toggles LNA automatic gain control.
func (d *Device) SetLNAAGC(enable bool) error {
	tn, err := d.requireTuner("set_lna_agc")
	if err != nil {
		return err
	}
	return d.fail(tn.SetLNAAGC(enable))
}

// SetMixerGain selects the tuner's mixer gain in dB.
func (d *Device) SetMixerGain(gainDB int) error {
	tn, err := d.requireTuner("set_mixer_gain")
	if err != nil {
		return err
	}
	return d.fail(tn.SetMixerGain(gainDB))
}

// SetMixerAGC toggles mixer automatic gain control.
func (d *Device) SetMixerAGC(enable bool) error {
	tn, err := d.requireTuner("set_mixer_agc")
	if err != nil {
		return err
	}
	return d.fail(tn.SetMixerAGC(enable))
}

// SetVGAGain selects the tuner's VGA gain in dB.
func (d *Device) SetVGAGain(gainDB int) error {
	tn, err := d.requireTuner("set_vga_gain")
	if err != nil {
		return err
	}
	return d.fail(tn.SetVGAGain(gainDB))
}

// TunerStandby powers down the tuner's analog blocks while keeping the
// I²C bus responsive.
func (d *Device) TunerStandby() error {
	tn, err := d.requireTuner("standby")
	if err != nil {
		return err
	}
	return d.fail(tn.Standby())
}

// TunerLocked reports whether the tuner's PLL last reported lock.
// spec §7: PLL lock failure is a non-fatal warning, surfaced here for
// callers that want to check it rather than only see the log line.
func (d *Device) TunerLocked() bool {
	d.mu.Lock()
	tn := d.tn
	d.mu.Unlock()
	if tn == nil {
		return false
	}
	return tn.Locked()
}
