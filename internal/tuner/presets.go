package tuner

// Preset selects one of the two documented R820T2 initialization-register
// tables, original_source's build-time TUNER_PARAMS switch between
// TUNER_PARAMS_BBRF103 and TUNER_PARAMS_LIBRTLSDR (SPEC_FULL.md §12). Go
// prefers a runtime parameter over a compile-time #define for something
// this cheap to branch on.
type Preset int

const (
	// PresetBBRF103 is the original's active default.
	PresetBBRF103 Preset = iota
	PresetLibRTLSDR
)

// refdiv returns the fixed per-preset PLL reference divider,
// original_source's hardcoded refdiv=1 (BBRF103) / refdiv=0 (librtlsdr).
func (p Preset) refdiv() byte {
	if p == PresetBBRF103 {
		return 1
	}
	return 0
}

// initRegisters returns the 32-byte initialization vector for the
// preset, copied verbatim from original_source/src/tuner.c.
func (p Preset) initRegisters() [NumRegisters]byte {
	if p == PresetLibRTLSDR {
		return [NumRegisters]byte{
			0x00, 0x00, 0x00, 0x00, 0x00,
			0x80, 0x13, 0x70, 0xc0, 0x40,
			0xdb, 0x6b, 0xeb, 0x53, 0x75,
			0x68, 0x6c, 0xbb, 0x80, 0x31,
			0x0f, 0x00, 0xc0, 0x30, 0x48,
			0xec, 0x60, 0x00, 0x24, 0xdd,
			0x0e, 0x40,
		}
	}
	return [NumRegisters]byte{
		0x00, 0x00, 0x00, 0x00, 0x00,
		0x90, 0x80, 0x60, 0x80, 0x40,
		0xa0, 0x6f, 0x40, 0x63, 0x75,
		0xf8, 0x7c, 0x83, 0x80, 0x00,
		0x0f, 0x00, 0xc0, 0x30, 0x48,
		0xcc, 0x62, 0x00, 0x54, 0xae,
		0x0a, 0xc0,
	}
}
