package tuner

// muxRow is one entry of the RF mux / tracking-filter band table,
// credited in original_source to Mauro Carvalho Chehab's Linux
// drivers/media/tuners/r820t.c freq_ranges table (SPEC_FULL.md §12).
type muxRow struct {
	lowerHz    float64
	openD      byte // raw byte, bit 3 holds the field value
	rfMuxPloy  byte // raw byte: bits 7:6 = RFMUX, bits 1:0 = RFFILT
	tfC        byte // raw byte: bits 7:4 = TF_NCH, bits 3:0 = TF_LP
}

// muxTable is the 21-row band table, verbatim from original_source.
var muxTable = []muxRow{
	{0, 0x08, 0x02, 0xdf},
	{50e6, 0x08, 0x02, 0xbe},
	{55e6, 0x08, 0x02, 0x8b},
	{60e6, 0x08, 0x02, 0x7b},
	{65e6, 0x08, 0x02, 0x69},
	{70e6, 0x08, 0x02, 0x58},
	{75e6, 0x00, 0x02, 0x44},
	{80e6, 0x00, 0x02, 0x44},
	{90e6, 0x00, 0x02, 0x34},
	{100e6, 0x00, 0x02, 0x34},
	{110e6, 0x00, 0x02, 0x24},
	{120e6, 0x00, 0x02, 0x24},
	{140e6, 0x00, 0x02, 0x14},
	{180e6, 0x00, 0x02, 0x13},
	{220e6, 0x00, 0x02, 0x13},
	{250e6, 0x00, 0x02, 0x11},
	{280e6, 0x00, 0x02, 0x00},
	{310e6, 0x00, 0x41, 0x00},
	{450e6, 0x00, 0x41, 0x00},
	{588e6, 0x00, 0x40, 0x00},
	{650e6, 0x00, 0x40, 0x00},
}

// muxRowFor returns the last row with lowerHz <= freqHz, the original's
// linear search for the largest applicable lower-bound row.
func muxRowFor(freqHz float64) muxRow {
	idx := 0
	for i := 0; i < len(muxTable)-1; i++ {
		if freqHz < muxTable[i+1].lowerHz {
			break
		}
		idx = i + 1
	}
	return muxTable[idx]
}

// ifBandwidthRow is one entry of the IF filter bandwidth table, recovered
// verbatim from original_source's tuner_if_bandwidth_table (credited
// there to Oldenburger / librtlsdr's tuner_r82xx.c).
type ifBandwidthRow struct {
	hz      uint32
	reg0x0a byte
	reg0x0b byte
}

var ifBandwidthTable = []ifBandwidthRow{
	{300000, 0x0f, 0xe8},
	{450000, 0x0f, 0xe9},
	{600000, 0x0f, 0xea},
	{900000, 0x0f, 0xeb},
	{1100000, 0x0f, 0xec},
	{1200000, 0x0f, 0xed},
	{1300000, 0x0f, 0xee},
	{1500000, 0x0e, 0xef},
	{1800000, 0x0f, 0xaf},
	{2200000, 0x0f, 0x8f},
	{3000000, 0x04, 0x8f},
	{5000000, 0x0b, 0x6b},
	{6000000, 0x10, 0x6b},
	{7000000, 0x10, 0x2a},
	{8000000, 0x10, 0x0b},
}

// lnaGainsTable is 2 dB steps, 16 entries.
var lnaGainsTable = [16]int{0, 2, 4, 6, 8, 10, 12, 14, 16, 18, 20, 22, 24, 26, 28, 30}

// mixerGainsTable and vgaGainsTable are 1 dB steps, 16 entries.
var mixerGainsTable = [16]int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}
var vgaGainsTable = [16]int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}

// standbyRegisters is the fixed (reg, value) table that powers down
// analog blocks while keeping the I2C bus responsive, verbatim from
// original_source's tuner_standby.
var standbyRegisters = [11][2]byte{
	{0x06, 0xb1}, {0x05, 0xa0}, {0x07, 0x3a}, {0x08, 0x40},
	{0x09, 0xc0}, {0x0a, 0x36}, {0x0c, 0x35}, {0x0f, 0x68},
	{0x11, 0x03}, {0x17, 0xf4}, {0x19, 0x0c},
}

func indexOf(table [16]int, v int) int {
	for i, x := range table {
		if x == v {
			return i
		}
	}
	return -1
}
