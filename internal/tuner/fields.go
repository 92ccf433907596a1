// Package tuner implements C4: a register-cache-backed driver for the
// R820T2-style silicon tuner reachable over the transport's I²C command.
// It is grounded verbatim on original_source/src/tuner.c (the R820T2
// field descriptor table, calibration sequence, PLL lock algorithm with
// boundary-spur prevention, RF mux/tracking-filter table, gain tables,
// and standby register list).
package tuner

// Field describes one bitfield of the 32-byte register shadow as
// (register, mask, shift), spec §4.4 and design note §9 ("register
// descriptors as byte triples... a typed field descriptor with
// compile-time mask/shift consistency checks").
type Field struct {
	Reg   byte
	Mask  byte
	Shift byte
}

// get reads the field out of raw register bytes without touching I2C.
func (f Field) get(regs *[NumRegisters]byte) byte {
	return (regs[f.Reg] & f.Mask) >> f.Shift
}

// set writes value into raw register bytes, masked and shifted. It
// panics if value has bits outside the field's width, the same
// consistency check original_source/src/tuner.c makes with assert() at
// every write_value call site (design note §9).
func (f Field) set(regs *[NumRegisters]byte, value byte) {
	if f.Mask < 1<<f.Shift {
		panic("tuner: field mask narrower than its shift")
	}
	if uint16(value)<<f.Shift&^uint16(f.Mask) != 0 {
		panic("tuner: field value does not fit its mask")
	}
	regs[f.Reg] &^= f.Mask
	regs[f.Reg] |= (value << f.Shift) & f.Mask
}

// NumRegisters is the size of the R820T2 register shadow, spec §3.
const NumRegisters = 32

// Registers 0..3 are read-only status; the write mask excludes them,
// spec §3.
const (
	readMask  uint32 = 0xffffffff
	writeMask uint32 = 0xfffffff0
)

// Field descriptors, grounded verbatim on original_source/src/tuner.c's
// R820T2 register matrix.
var (
	fieldVCOIndicator = Field{0x02, 0x7f, 0}
	fieldRFIndicator  = Field{0x03, 0xff, 0}
	fieldFilCalCode   = Field{0x04, 0x0f, 0}
	fieldPwdLT        = Field{0x05, 0x80, 7}
	fieldPwdLNA1      = Field{0x05, 0x20, 5}
	fieldLNAGainMode  = Field{0x05, 0x10, 4}
	fieldLNAGain      = Field{0x05, 0x0f, 0}
	fieldPwdPdet1     = Field{0x06, 0x80, 7}
	fieldPwdPdet3     = Field{0x06, 0x40, 6}
	fieldFilt3dB      = Field{0x06, 0x20, 5}
	fieldPwLNA        = Field{0x06, 0x07, 0}
	fieldPwdMix       = Field{0x07, 0x40, 6}
	fieldPw0Mix       = Field{0x07, 0x20, 5}
	fieldMixGainMode  = Field{0x07, 0x10, 4}
	fieldMixGain      = Field{0x07, 0x0f, 0}
	fieldPwdAmp       = Field{0x08, 0x80, 7}
	fieldPw0Amp       = Field{0x08, 0x40, 6}
	fieldImrG         = Field{0x08, 0x3f, 0}
	fieldPwdIFFilt    = Field{0x09, 0x80, 7}
	fieldPw1IFFilt    = Field{0x09, 0x40, 6}
	fieldImrP         = Field{0x09, 0x3f, 0}
	fieldPwdFilt      = Field{0x0a, 0x80, 7}
	fieldPwFilt       = Field{0x0a, 0x60, 5}
	fieldFiltCode     = Field{0x0a, 0x0f, 0}
	fieldFiltBW       = Field{0x0b, 0xe0, 5}
	fieldFiltCap      = Field{0x0b, 0x60, 5}
	fieldCalTrigger   = Field{0x0b, 0x10, 4}
	fieldHPF          = Field{0x0b, 0x0f, 0}
	fieldPwdVGA       = Field{0x0c, 0x40, 6}
	fieldVGAMode      = Field{0x0c, 0x10, 4}
	fieldVGACode      = Field{0x0c, 0x0f, 0}
	fieldLNAVthH      = Field{0x0d, 0xf0, 4}
	fieldLNAVthL      = Field{0x0d, 0x0f, 0}
	fieldMixVthH      = Field{0x0e, 0xf0, 4}
	fieldMixVthL      = Field{0x0e, 0x0f, 0}
	fieldClkOutEnb    = Field{0x0f, 0x10, 4}
	fieldCaliClk      = Field{0x0f, 0x04, 2}
	fieldClkAGCEnb    = Field{0x0f, 0x02, 1}
	fieldSelDiv       = Field{0x10, 0xe0, 5}
	fieldRefdiv       = Field{0x10, 0x10, 4}
	fieldXtalDrive    = Field{0x10, 0x08, 3}
	fieldCapX         = Field{0x10, 0x03, 0}
	fieldPwLdoA       = Field{0x11, 0xc0, 6}
	fieldVCOCurrent   = Field{0x12, 0xe0, 5}
	fieldPwSDM        = Field{0x12, 0x08, 3}
	fieldSI2C         = Field{0x14, 0xc0, 6}
	fieldNI2C         = Field{0x14, 0x3f, 0}
	fieldSDMInL       = Field{0x15, 0xff, 0}
	fieldSDMInH       = Field{0x16, 0xff, 0}
	fieldPwLdoD       = Field{0x17, 0xc0, 6}
	fieldOpenD        = Field{0x17, 0x08, 3}
	fieldPwdRFFilt    = Field{0x19, 0x80, 7}
	fieldSwAGC        = Field{0x19, 0x10, 4}
	fieldRFMux        = Field{0x1a, 0xc0, 6}
	fieldPLLAutoClk   = Field{0x1a, 0x0c, 2}
	fieldRFFilt       = Field{0x1a, 0x03, 0}
	fieldTFNch        = Field{0x1b, 0xf0, 4}
	fieldTFLp         = Field{0x1b, 0x0f, 0}
)

// pllLockBit is the VCO_INDICATOR bit that reports PLL lock, spec §4.4
// step 7 ("if bit 6 is clear").
const pllLockBit byte = 0x40
