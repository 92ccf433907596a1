package tuner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdrgo/fx3sdr/internal/errs"
)

// fakeBus models the tuner's I2C address space directly: writes land in
// a mirror array and reads copy out of it (bit-reversed, the way the
// real device's I2C read path is) so Open()'s calibration loop and the
// read-back pass see self-consistent data.
type fakeBus struct {
	mirror  [NumRegisters]byte
	calCode byte // FIL_CAL_CODE value returned on every calibration attempt
}

func (f *fakeBus) I2CWrite(addr, reg byte, data []byte) error {
	copy(f.mirror[reg:], data)
	return nil
}

func (f *fakeBus) I2CRead(addr, reg byte, data []byte) error {
	for i := range data {
		b := f.mirror[int(reg)+i]
		if int(reg)+i == int(fieldFilCalCode.Reg) {
			b = f.calCode
		}
		data[i] = bitReverseByte(b)
	}
	return nil
}

func newFakeBus(calCode byte) *fakeBus {
	return &fakeBus{calCode: calCode}
}

func TestOpen_CalibrationSucceeds(t *testing.T) {
	bus := newFakeBus(0x05)
	tu, err := Open(bus, PresetBBRF103)
	require.NoError(t, err)
	assert.NotNil(t, tu)
}

func TestOpen_CalibrationFailsAfterFiveAttempts(t *testing.T) {
	bus := newFakeBus(0x0f)
	_, err := Open(bus, PresetBBRF103)
	require.Error(t, err)
	var de *errs.DriverError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, errs.CalibrationFailed, de.Kind)
}

func TestFieldRoundTrip(t *testing.T) {
	for _, f := range []Field{fieldLNAGain, fieldMixGain, fieldVGACode, fieldSI2C, fieldNI2C} {
		var regs [NumRegisters]byte
		maxVal := f.Mask >> f.Shift
		f.set(&regs, maxVal)
		assert.Equal(t, maxVal, f.get(&regs))
	}
}

func TestSetIFBandwidth_2200000Hz(t *testing.T) {
	bus := newFakeBus(0x05)
	tu, err := Open(bus, PresetBBRF103)
	require.NoError(t, err)

	require.NoError(t, tu.SetIFBandwidth(2_200_000))
	assert.Equal(t, byte(0x0f), tu.getValue(fieldFiltCode))
	assert.Equal(t, byte(0x8f&0x0f), tu.getValue(fieldHPF))
}

func TestSetIFBandwidth_Unsupported(t *testing.T) {
	bus := newFakeBus(0x05)
	tu, err := Open(bus, PresetBBRF103)
	require.NoError(t, err)

	err = tu.SetIFBandwidth(123456)
	require.Error(t, err)
	var de *errs.DriverError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, errs.Unsupported, de.Kind)
}

func TestGainTables_InvalidValueRejected(t *testing.T) {
	bus := newFakeBus(0x05)
	tu, err := Open(bus, PresetBBRF103)
	require.NoError(t, err)

	require.NoError(t, tu.SetLNAGain(14))
	err = tu.SetLNAGain(15) // odd dB values aren't in the 2dB-step table
	require.Error(t, err)
	var de *errs.DriverError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, errs.InvalidArgument, de.Kind)
}

func TestSetHarmonicFrequency_RejectsEvenHarmonic(t *testing.T) {
	bus := newFakeBus(0x05)
	tu, err := Open(bus, PresetBBRF103)
	require.NoError(t, err)

	err = tu.SetHarmonicFrequency(14e6, 2)
	require.Error(t, err)
	var de *errs.DriverError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, errs.InvalidArgument, de.Kind)
}

func TestComputePLLParameters_TooLowForAnySelDiv(t *testing.T) {
	bus := newFakeBus(0x05)
	tu, err := Open(bus, PresetBBRF103)
	require.NoError(t, err)

	_, err = tu.computePLLParameters(1e6) // far too low for any sel_div
	require.Error(t, err)
	var de *errs.DriverError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, errs.FrequencyTooLow, de.Kind)
}

func TestMuxRowFor_BoundarySelection(t *testing.T) {
	low := muxRowFor(10e6)
	assert.Equal(t, muxTable[0], low)

	exact := muxRowFor(100e6)
	assert.Equal(t, muxTable[9], exact) // the 100e6 row itself

	high := muxRowFor(700e6)
	assert.Equal(t, muxTable[len(muxTable)-1], high)
}

func TestStandby_WritesFixedTable(t *testing.T) {
	bus := newFakeBus(0x05)
	tu, err := Open(bus, PresetBBRF103)
	require.NoError(t, err)

	require.NoError(t, tu.Standby())
	for _, kv := range standbyRegisters {
		assert.Equal(t, kv[1], bus.mirror[kv[0]])
	}
}
