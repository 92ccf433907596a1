package tuner

import (
	"time"

	"github.com/sdrgo/fx3sdr/internal/errs"
)

const (
	i2cAddr = 0x1a

	defaultXtalHz = 32_000_000
	defaultIFHz   = 7_000_000

	calibrationLOFreq = 88e6

	minVCOHz      = 1.77e9
	maxSelDiv     = 5
	minMultiplier = 13.0
	maxMultiplier = minMultiplier + 128.0
	sdmPrecision  = 65536

	calibrationAttempts = 5
)

// Bus is the subset of internal/transport.Transport the tuner layer
// needs: I2C read/write addressed to the tuner's 7-bit address.
type Bus interface {
	I2CWrite(addr, reg byte, data []byte) error
	I2CRead(addr, reg byte, data []byte) error
}

// Tuner owns the 32-byte register shadow and its dirty mask, spec §3.
type Tuner struct {
	bus    Bus
	preset Preset

	xtalHz uint32
	ifHz   uint32

	regs  [NumRegisters]byte
	dirty uint32

	// locked records the last PLL lock observation, spec §7's
	// PllUnlocked being a non-fatal warning the façade surfaces rather
	// than an error returned from SetFrequency itself.
	locked bool
}

// Locked reports whether the last PLL programming attempt observed the
// lock indicator bit set.
func (t *Tuner) Locked() bool { return t.locked }

// Open allocates a Tuner, copies the preset's init vector into the
// shadow, writes every writable register, runs IF-filter calibration,
// then reads all 32 registers back to resynchronize the shadow, spec
// §4.4 "Open".
func Open(bus Bus, preset Preset) (*Tuner, error) {
	t := &Tuner{
		bus:    bus,
		preset: preset,
		xtalHz: defaultXtalHz,
		ifHz:   defaultIFHz,
		regs:   preset.initRegisters(),
	}
	t.dirty = writeMask

	if err := t.writeRegisters(writeMask); err != nil {
		return nil, errs.New("tuner.open", errs.IO, err)
	}

	if err := t.calibrate(); err != nil {
		return nil, err
	}

	if err := t.readRegisters(readMask); err != nil {
		return nil, errs.New("tuner.open", errs.IO, err)
	}

	return t, nil
}

// XtalFrequency and IFFrequency report the tuner's crystal/IF settings.
func (t *Tuner) XtalFrequency() uint32 { return t.xtalHz }
func (t *Tuner) IFFrequency() uint32   { return t.ifHz }

// SetXtalFrequency and SetIFFrequency override the defaults.
func (t *Tuner) SetXtalFrequency(hz uint32) { t.xtalHz = hz }
func (t *Tuner) SetIFFrequency(hz uint32)   { t.ifHz = hz }

// DirtyMask exposes the current dirty bitmask, bit i set iff regs[i]
// has been written but not yet flushed to the device, spec §3.
func (t *Tuner) DirtyMask() uint32 { return t.dirty }

// --- low-level register shadow I/O ---

var bitReverseLUT = [16]byte{0x0, 0x8, 0x4, 0xc, 0x2, 0xa, 0x6, 0xe, 0x1, 0x9, 0x5, 0xd, 0x3, 0xb, 0x7, 0xf}

func bitReverseByte(b byte) byte {
	return bitReverseLUT[b&0xf]<<4 | bitReverseLUT[b>>4]
}

// setValue updates the shadow and marks reg dirty without touching I2C.
func (t *Tuner) setValue(f Field, value byte) {
	f.set(&t.regs, value)
	t.dirty |= 1 << f.Reg
}

// getValue reads the field straight out of the shadow.
func (t *Tuner) getValue(f Field) byte {
	return f.get(&t.regs)
}

// writeValue updates the shadow and immediately flushes that single
// register over I2C, clearing its dirty bit once the write succeeds.
// Mirrors original_source's tuner_write_value, explicitly returning nil
// on success (design note §9 flags the original's implicit return here).
func (t *Tuner) writeValue(f Field, value byte) error {
	f.set(&t.regs, value)
	t.dirty |= 1 << f.Reg
	if err := t.bus.I2CWrite(i2cAddr, f.Reg, t.regs[f.Reg:f.Reg+1]); err != nil {
		return errs.New("tuner.write_value", errs.IO, err)
	}
	t.dirty &^= 1 << f.Reg
	return nil
}

// readValue reads registers 0..=field.Reg (the device's I2C read path
// is only reliable starting at register 0), bit-reverses each byte, and
// clears the dirty mask over the read range.
func (t *Tuner) readValue(f Field) (byte, error) {
	n := int(f.Reg) + 1
	if err := t.bus.I2CRead(i2cAddr, 0, t.regs[:n]); err != nil {
		return 0, errs.New("tuner.read_value", errs.IO, err)
	}
	for i := 0; i < n; i++ {
		t.regs[i] = bitReverseByte(t.regs[i])
	}
	t.dirty &^= (uint32(1) << uint(n)) - 1
	return f.get(&t.regs), nil
}

// writeRegisters flushes every contiguous dirty run within mask,
// mirroring the original's run-length I2C burst writes.
func (t *Tuner) writeRegisters(mask uint32) error {
	mask &= writeMask
	from := -1
	for i := 0; i <= NumRegisters; i++ {
		if i == NumRegisters || (uint32(1)<<uint(i))&mask == 0 {
			if from >= 0 {
				if err := t.bus.I2CWrite(i2cAddr, byte(from), t.regs[from:i]); err != nil {
					return errs.New("tuner.write_registers", errs.IO, err)
				}
				from = -1
			}
		} else if from < 0 {
			from = i
		}
	}
	t.dirty &^= mask
	return nil
}

// readRegisters reads every contiguous run within mask and bit-reverses
// each byte, the original's run-length I2C burst reads.
func (t *Tuner) readRegisters(mask uint32) error {
	mask &= readMask
	from := -1
	for i := 0; i <= NumRegisters; i++ {
		if i == NumRegisters || (uint32(1)<<uint(i))&mask == 0 {
			if from >= 0 {
				if err := t.bus.I2CRead(i2cAddr, byte(from), t.regs[from:i]); err != nil {
					return errs.New("tuner.read_registers", errs.IO, err)
				}
				for j := from; j < i; j++ {
					t.regs[j] = bitReverseByte(t.regs[j])
				}
				from = -1
			}
		} else if from < 0 {
			from = i
		}
	}
	t.dirty &^= mask
	return nil
}

// --- calibration ---

// calibrate runs the IF-filter calibration loop, spec §4.4: up to five
// attempts, each setting FILT_CAP=0, CALI_CLK on, CAPX=1, tuning the PLL
// to 88 MHz, pulsing CAL_TRIGGER, then checking FIL_CAL_CODE.
func (t *Tuner) calibrate() error {
	for i := 0; i < calibrationAttempts; i++ {
		if err := t.writeValue(fieldFiltCap, 0); err != nil {
			return err
		}
		if err := t.writeValue(fieldCaliClk, 1); err != nil {
			return err
		}
		if err := t.writeValue(fieldCapX, 1); err != nil {
			return err
		}
		if err := t.setPLL(calibrationLOFreq); err != nil {
			return err
		}
		if err := t.writeValue(fieldCalTrigger, 1); err != nil {
			return err
		}
		time.Sleep(2 * time.Millisecond)
		if err := t.writeValue(fieldCalTrigger, 0); err != nil {
			return err
		}
		if err := t.writeValue(fieldCaliClk, 0); err != nil {
			return err
		}

		code, err := t.readValue(fieldFilCalCode)
		if err != nil {
			return err
		}
		if code != 0 && code != 0x0f {
			return nil
		}
	}
	return errs.New("tuner.calibrate", errs.CalibrationFailed, nil)
}

// --- PLL ---

type pllParams struct {
	refdiv byte
	selDiv byte
	ni2c   byte
	si2c   byte
	pwSDM  byte
	sdm    uint16
}

func (t *Tuner) setPLL(freqHz float64) error {
	p, err := t.computePLLParameters(freqHz)
	if err != nil {
		return err
	}
	return t.applyPLLParameters(p)
}

// computePLLParameters implements spec §4.4's set_pll algorithm steps
// 1-6, including the boundary-spur-prevention snap.
func (t *Tuner) computePLLParameters(freqHz float64) (pllParams, error) {
	p := pllParams{refdiv: t.preset.refdiv()}

	selDiv := byte(0)
	vco := freqHz * 2.0
	for selDiv <= maxSelDiv && vco < minVCOHz {
		selDiv++
		vco *= 2.0
	}
	if selDiv > maxSelDiv {
		return pllParams{}, errs.New("tuner.set_pll", errs.FrequencyTooLow, nil)
	}
	p.selDiv = selDiv

	var multiplier float64
	if p.refdiv == 0 {
		multiplier = vco / (2 * float64(t.xtalHz))
	} else {
		multiplier = vco / float64(t.xtalHz)
	}
	if multiplier < minMultiplier {
		return pllParams{}, errs.New("tuner.set_pll", errs.FrequencyTooLow, nil)
	}
	if multiplier >= maxMultiplier {
		return pllParams{}, errs.New("tuner.set_pll", errs.FrequencyOutOfRange, nil)
	}

	multScaled := uint32(multiplier*sdmPrecision + 0.5)
	multInt := multScaled / sdmPrecision
	multFrac := multScaled % sdmPrecision

	const boundaryMargin = sdmPrecision / 128
	const lowerHalfMargin = sdmPrecision/2 - boundaryMargin/2
	const upperHalfMargin = sdmPrecision/2 + boundaryMargin/2
	switch {
	case multFrac < boundaryMargin:
		multFrac = 0
	case multFrac > sdmPrecision-boundaryMargin:
		multInt++
		multFrac = 0
	case multFrac < sdmPrecision/2 && multFrac > lowerHalfMargin:
		multFrac = lowerHalfMargin
	case multFrac > sdmPrecision/2 && multFrac < upperHalfMargin:
		multFrac = upperHalfMargin
	}

	p.ni2c = byte((multInt - 13) / 4)
	p.si2c = byte((multInt - 13) % 4)
	p.pwSDM = 0
	if multFrac == 0 {
		p.pwSDM = 1
	}
	p.sdm = uint16(multFrac)
	return p, nil
}

// applyPLLParameters implements spec §4.4 step 7: autotune to 128kHz,
// VCO current code 4, write parameters, wait 1ms, check lock, retry
// once at VCO current code 3, then autotune to 8kHz. PLL lock failure
// is logged by the caller (façade) as a warning, not returned as an
// error, per spec §7's "PllUnlocked (warning, non-fatal)".
func (t *Tuner) applyPLLParameters(p pllParams) error {
	if err := t.writeValue(fieldPLLAutoClk, 0); err != nil {
		return err
	}
	if err := t.writeValue(fieldVCOCurrent, 4); err != nil {
		return err
	}

	t.setValue(fieldRefdiv, p.refdiv)
	t.setValue(fieldSelDiv, p.selDiv)
	t.setValue(fieldPwSDM, p.pwSDM)
	t.setValue(fieldSI2C, p.si2c)
	t.setValue(fieldNI2C, p.ni2c)
	t.setValue(fieldSDMInL, byte(p.sdm&0xff))
	t.setValue(fieldSDMInH, byte(p.sdm>>8))
	if err := t.writeRegisters(t.dirty); err != nil {
		return err
	}

	time.Sleep(1 * time.Millisecond)
	locked, err := t.pllLocked()
	if err != nil {
		return err
	}
	if !locked {
		if err := t.writeValue(fieldVCOCurrent, 3); err != nil {
			return err
		}
		time.Sleep(1 * time.Millisecond)
		locked, err = t.pllLocked()
		if err != nil {
			return err
		}
	}
	t.locked = locked

	return t.writeValue(fieldPLLAutoClk, 2)
}

func (t *Tuner) pllLocked() (bool, error) {
	v, err := t.readValue(fieldVCOIndicator)
	if err != nil {
		return false, err
	}
	return v&pllLockBit != 0, nil
}

// --- mux ---

type muxParams struct {
	openD byte
	rfmux byte
	rffilt byte
	tfNch byte
	tfLp  byte
}

func computeMuxParameters(freqHz float64) muxParams {
	row := muxRowFor(freqHz)
	return muxParams{
		openD:  row.openD >> 3,
		rfmux:  (row.rfMuxPloy & 0xc0) >> 6,
		rffilt: row.rfMuxPloy & 0x03,
		tfNch:  (row.tfC & 0xf0) >> 4,
		tfLp:   row.tfC & 0x0f,
	}
}

func (t *Tuner) setMux(freqHz float64) error {
	p := computeMuxParameters(freqHz)
	t.setValue(fieldOpenD, p.openD)
	t.setValue(fieldRFMux, p.rfmux)
	t.setValue(fieldRFFilt, p.rffilt)
	t.setValue(fieldTFNch, p.tfNch)
	t.setValue(fieldTFLp, p.tfLp)

	t.setValue(fieldXtalDrive, 0)
	t.setValue(fieldCapX, 0)
	t.setValue(fieldPwdAmp, 1)
	t.setValue(fieldPw0Amp, 0)
	t.setValue(fieldImrG, 0)
	t.setValue(fieldPwdIFFilt, 0)
	t.setValue(fieldPw1IFFilt, 0)
	t.setValue(fieldImrP, 0)

	return t.writeRegisters(t.dirty)
}

// --- tuning ---

// SetFrequency tunes the front end to f_rf, spec §4.4 "Tune".
func (t *Tuner) SetFrequency(rfHz float64) error {
	if err := t.setMux(rfHz); err != nil {
		return err
	}
	return t.setPLL(rfHz + float64(t.ifHz))
}

// SetHarmonicFrequency tunes using the Nth harmonic of the LO (N odd),
// spec §4.4.
func (t *Tuner) SetHarmonicFrequency(rfHz float64, harmonic int) error {
	if harmonic < 0 || harmonic%2 == 0 {
		return errs.New("tuner.set_harmonic_frequency", errs.InvalidArgument, nil)
	}
	if err := t.setMux(rfHz); err != nil {
		return err
	}
	return t.setPLL((rfHz + float64(t.ifHz)) / float64(harmonic))
}

// --- gain staging ---

// SetLNAGain sets the LNA gain to the table entry equal to gainDB;
// values not in the table fail with ErrInvalidArgument.
func (t *Tuner) SetLNAGain(gainDB int) error {
	idx := indexOf(lnaGainsTable, gainDB)
	if idx < 0 {
		return errs.New("tuner.set_lna_gain", errs.InvalidArgument, nil)
	}
	return t.writeValue(fieldLNAGain, byte(idx))
}

// SetLNAAGC toggles LNA automatic gain control.
func (t *Tuner) SetLNAAGC(enable bool) error {
	v := byte(1)
	if enable {
		v = 0
	}
	return t.writeValue(fieldLNAGainMode, v)
}

// SetMixerGain sets the mixer gain to the table entry equal to gainDB;
// values not in the table fail with ErrInvalidArgument.
func (t *Tuner) SetMixerGain(gainDB int) error {
	idx := indexOf(mixerGainsTable, gainDB)
	if idx < 0 {
		return errs.New("tuner.set_mixer_gain", errs.InvalidArgument, nil)
	}
	return t.writeValue(fieldMixGain, byte(idx))
}

// SetMixerAGC toggles mixer automatic gain control.
func (t *Tuner) SetMixerAGC(enable bool) error {
	v := byte(0)
	if enable {
		v = 1
	}
	return t.writeValue(fieldMixGainMode, v)
}

// SetVGAGain sets the VGA gain to the table entry equal to gainDB;
// values not in the table fail with ErrInvalidArgument.
func (t *Tuner) SetVGAGain(gainDB int) error {
	idx := indexOf(vgaGainsTable, gainDB)
	if idx < 0 {
		return errs.New("tuner.set_vga_gain", errs.InvalidArgument, nil)
	}
	return t.writeValue(fieldVGACode, byte(idx))
}

// SetIFBandwidth writes the (reg0x0a, reg0x0b) pair for the requested
// bandwidth, failing with ErrUnsupported for unrecognized values.
func (t *Tuner) SetIFBandwidth(hz uint32) error {
	idx := -1
	for i, row := range ifBandwidthTable {
		if row.hz == hz {
			idx = i
			break
		}
	}
	if idx < 0 {
		return errs.New("tuner.set_if_bandwidth", errs.Unsupported, nil)
	}
	row := ifBandwidthTable[idx]
	t.setValue(fieldFiltCode, row.reg0x0a&0x0f)
	t.setValue(fieldFiltBW, (row.reg0x0b&0xe0)>>5)
	t.setValue(fieldHPF, row.reg0x0b&0x0f)
	return t.writeRegisters(t.dirty)
}

// Standby writes the fixed register table that powers down analog
// blocks while keeping the I2C bus responsive, spec §4.4.
func (t *Tuner) Standby() error {
	for _, kv := range standbyRegisters {
		t.regs[kv[0]] = kv[1]
		t.dirty |= 1 << kv[0]
	}
	return t.writeRegisters(t.dirty)
}
