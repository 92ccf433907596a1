package clock

// Si5351-family register addresses and control bits, AN619 / spec §4.3
// step 6. Only the subset this driver actually programs is named.
const (
	regCrystalLoad    byte = 183
	regPLLReset       byte = 177
	regClkControlBase byte = 16 // CLK0_CONTROL .. CLK7_CONTROL
	regPLLABase       byte = 26 // MSNA_P1..P3
	regPLLBBase       byte = 34 // MSNB_P1..P3
	regMS0Base        byte = 42 // MS0_P1..P3
	regMS1Base        byte = 50 // MS1_P1..P3
)

const crystalLoad8pF byte = 0xc0 // 8pF load capacitance, bits 7:6 = 11

// CLKn_CONTROL bits.
const (
	clkPowerDown byte = 0x80
	msInt        byte = 0x40
	clkSrcMS     byte = 0x0c
	clkDrv8mA    byte = 0x03
	msSrcA       byte = 0x00
	msSrcB       byte = 0x20
)
