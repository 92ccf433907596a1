// Package clock implements C3: derivation and register encoding of the
// PLL/multisynth/output-divider parameters for a two-output fractional-N
// clock synthesizer in the Si5351 family. original_source/src/clock_source.c
// is a stub with no real math (see SPEC_FULL.md §12), so the algorithm here
// follows spec.md §4.3 directly: R-divider selection, output multisynth
// selection, a best-rational-approximation solver for the feedback
// multisynth, and the datasheet's P1/P2/P3 register encoding.
package clock

import (
	"math"

	"github.com/sdrgo/fx3sdr/internal/errs"
)

const (
	// NumOutputs is the number of independently addressable clock outputs.
	NumOutputs = 2

	maxVCOHz   = 900e6
	minOutFreq = 1e6
	maxDenom   = 1_048_575 // 2^20 - 1, the c field's 20-bit width

	outDividerMin = 4
	outDividerMax = 2048

	i2cAddr = 0x60
)

// I2CWriter is the subset of internal/transport.Transport the clock layer
// needs to push register writes, spec §6's clock-synth I²C address.
type I2CWriter interface {
	I2CWrite(addr, reg byte, data []byte) error
}

// Rational is a best-rational-approximation result a + b/c.
type Rational struct {
	A, B, C int64
}

// Params is the full register-ready parameter set for one output's
// multisynth/R-divider chain, spec §3/§4.3 step 4.
type Params struct {
	Index int
	R     int // R-divider exponent, 0..7
	Out   int // output multisynth divider, even, 4..2048
	FB    Rational
}

// Synth owns the crystal parameters shared by both outputs and drives
// register writes over an I2CWriter.
type Synth struct {
	bus       I2CWriter
	xtalHz    float64
	correction float64
}

// Open returns a Synth for the given crystal frequency and frequency
// correction factor (near 1.0), and performs the open-time register
// sequence spec §4.3 describes: crystal-load-capacitance write, then
// power down all 8 clock channels.
func Open(bus I2CWriter, xtalHz, correction float64) (*Synth, error) {
	s := &Synth{bus: bus, xtalHz: xtalHz, correction: correction}
	if err := s.bus.I2CWrite(i2cAddr, regCrystalLoad, []byte{crystalLoad8pF}); err != nil {
		return nil, errs.New("clock.open", errs.IO, err)
	}
	for ch := 0; ch < 8; ch++ {
		if err := s.bus.I2CWrite(i2cAddr, regClkControlBase+byte(ch), []byte{clkPowerDown}); err != nil {
			return nil, errs.New("clock.open", errs.IO, err)
		}
	}
	return s, nil
}

// Close powers down all 8 channels before the caller releases the
// underlying transport handle.
func (s *Synth) Close() error {
	for ch := 0; ch < 8; ch++ {
		if err := s.bus.I2CWrite(i2cAddr, regClkControlBase+byte(ch), []byte{clkPowerDown}); err != nil {
			return errs.New("clock.close", errs.IO, err)
		}
	}
	return nil
}

// SetClock computes and writes the PLL/multisynth/R-divider chain for
// output index driving freqHz, per spec §4.3's six-step algorithm.
func (s *Synth) SetClock(index int, freqHz float64) (Params, error) {
	if index < 0 || index >= NumOutputs {
		return Params{}, errs.New("clock.set_clock", errs.InvalidArgument, nil)
	}
	if freqHz <= 0 {
		return Params{}, errs.New("clock.set_clock", errs.InvalidArgument, nil)
	}

	// Step 1: R-divider selection: the smallest R with freqHz*2^R above
	// 1 MHz.
	r := 0
	fr := freqHz
	if freqHz < minOutFreq {
		found := false
		for ; r <= 7; r++ {
			fr = freqHz * math.Pow(2, float64(r))
			if fr > minOutFreq {
				found = true
				break
			}
		}
		if !found {
			return Params{}, errs.New("clock.set_clock", errs.FrequencyTooLow, nil)
		}
	}

	// Step 2: output multisynth — largest even OUT keeping the VCO
	// (f_r * OUT, since f_out = VCO/(OUT*2^R)) at or under 900 MHz.
	xtalEff := s.xtalHz / s.correction
	out := outDividerMax
	if out%2 != 0 {
		out--
	}
	for out >= outDividerMin && fr*float64(out) > maxVCOHz {
		out -= 2
	}
	if out < outDividerMin {
		return Params{}, errs.New("clock.set_clock", errs.FrequencyTooHigh, nil)
	}

	// Step 3: feedback multisynth FB = OUT * f_r / f_xtal_eff.
	fb := float64(out) * fr / xtalEff
	rat := bestRationalApproximation(fb, maxDenom)

	params := Params{Index: index, R: r, Out: out, FB: rat}
	if err := s.write(params); err != nil {
		return Params{}, err
	}
	return params, nil
}

// write encodes and pushes both register groups (feedback PLL multisynth,
// output multisynth) and latches the new configuration, spec §4.3 steps
// 4-6.
func (s *Synth) write(p Params) error {
	fbRegs := encodeFeedback(p.FB)
	if err := s.writeMultisynthGroup(pllBaseForIndex(p.Index), fbRegs, fbRegs[0]); err != nil {
		return err
	}

	outRegs := encodeOutput(p.Out)
	outRegs[2] |= byte(p.R) << 5
	if err := s.writeMultisynthGroup(msBaseForIndex(p.Index), outRegs, outRegs[0]); err != nil {
		return err
	}

	resetBit := byte(0x20)
	if p.Index == 1 {
		resetBit = 0x80
	}
	if err := s.bus.I2CWrite(i2cAddr, regPLLReset, []byte{resetBit}); err != nil {
		return errs.New("clock.set_clock", errs.IO, err)
	}

	ctrl := byte(msInt | clkSrcMS | clkDrv8mA)
	if p.Index == 0 {
		ctrl |= msSrcA
	} else {
		ctrl |= msSrcB
	}
	if err := s.bus.I2CWrite(i2cAddr, regClkControlBase+byte(p.Index), []byte{ctrl}); err != nil {
		return errs.New("clock.set_clock", errs.IO, err)
	}
	return nil
}

// encodedMultisynth holds the 8 raw register bytes for one PLL or output
// multisynth. For an output multisynth the caller ORs the R-divider into
// bits 7..5 of reg[2], the byte that carries P1[17:16] in its low bits.
type encodedMultisynth [8]byte

func encodeFeedback(r Rational) encodedMultisynth {
	a, b, c := r.A, r.B, r.C
	p1 := 128*a + floorDiv(128*b, c) - 512
	p2 := 128*b - c*floorDiv(128*b, c)
	p3 := c
	return packP123(p1, p2, p3)
}

func encodeOutput(out int) encodedMultisynth {
	p1 := int64(128*out - 512)
	return packP123(p1, 0, 1)
}

// packP123 lays out P1/P2/P3 into the 8-byte multisynth register group:
// byte0-1 hold P3[15:0], byte2 P1[17:16], byte3-4 P1[15:0], byte5 packs
// P3[19:16] (high nibble) with P2[19:16] (low nibble), byte6-7 P2[15:0].
func packP123(p1, p2, p3 int64) encodedMultisynth {
	var reg encodedMultisynth
	reg[0] = byte((p3 >> 8) & 0xff)
	reg[1] = byte(p3 & 0xff)
	reg[2] = byte((p1 >> 16) & 0x03)
	reg[3] = byte((p1 >> 8) & 0xff)
	reg[4] = byte(p1 & 0xff)
	reg[5] = byte(((p3>>12)&0xf0)|((p2>>16)&0x0f))
	reg[6] = byte((p2 >> 8) & 0xff)
	reg[7] = byte(p2 & 0xff)
	return reg
}

func (s *Synth) writeMultisynthGroup(base byte, regs encodedMultisynth, reg0 byte) error {
	out := regs
	out[0] = reg0
	if err := s.bus.I2CWrite(i2cAddr, base, out[:]); err != nil {
		return errs.New("clock.write_multisynth", errs.IO, err)
	}
	return nil
}

func pllBaseForIndex(index int) byte {
	if index == 0 {
		return regPLLABase
	}
	return regPLLBBase
}

func msBaseForIndex(index int) byte {
	if index == 0 {
		return regMS0Base
	}
	return regMS1Base
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// bestRationalApproximation finds a + b/c approximating value with
// c <= maxDenominator, spec §4.3's continued-fraction / semiconvergent
// walk: it expands the fractional part f0 as a continued fraction,
// tracking convergents h[n]/k[n], and additionally tries every
// semiconvergent (m*h[n-1]+h[n-2])/(m*k[n-1]+k[n-2]) for m in
// [ceil(n/2), a[n]] so the final choice need not be a full convergent.
// a is the integer part; b/c is the best fractional approximation found.
func bestRationalApproximation(value float64, maxDenominator int64) Rational {
	a0 := int64(math.Floor(value))
	f0 := value - float64(a0)

	if f0 == 0 {
		return Rational{A: a0, B: 0, C: 1}
	}

	// f0 = [0; a1, a2, ...], so h[-1],h[0] = 1,0 and k[-1],k[0] = 0,1
	// (the convergent 0/1 of its zero integer part) seed the recurrence
	// h[n] = a[n]*h[n-1] + h[n-2] (same for k).
	hPrev2, hPrev1 := int64(1), int64(0)
	kPrev2, kPrev1 := int64(0), int64(1)

	bestB, bestC := int64(0), int64(1)
	bestErr := math.Abs(f0)

	const eps = 1e-5
	f := f0
	for n := 1; n <= 100; n++ {
		if f == 0 {
			break
		}
		invF := 1 / f
		aN := int64(math.Floor(invF))
		if aN < 1 {
			aN = 1
		}

		lo := int64((n + 1) / 2)
		if lo < 1 {
			lo = 1
		}
		for m := lo; m <= aN; m++ {
			hs := m*hPrev1 + hPrev2
			ks := m*kPrev1 + kPrev2
			if ks > maxDenominator {
				break // ks only grows with m
			}
			e := math.Abs(f0 - float64(hs)/float64(ks))
			if e < bestErr {
				bestErr = e
				bestB, bestC = hs, ks
			}
		}

		hN := aN*hPrev1 + hPrev2
		kN := aN*kPrev1 + kPrev2
		hPrev2, hPrev1 = hPrev1, hN
		kPrev2, kPrev1 = kPrev1, kN

		if bestErr < eps || kN > maxDenominator {
			break
		}
		f = invF - float64(aN)
	}

	return Rational{A: a0, B: bestB, C: bestC}
}
