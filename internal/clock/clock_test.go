package clock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdrgo/fx3sdr/internal/errs"
)

type fakeBus struct {
	writes []write
}

type write struct {
	addr, reg byte
	data      []byte
}

func (f *fakeBus) I2CWrite(addr, reg byte, data []byte) error {
	f.writes = append(f.writes, write{addr, reg, append([]byte(nil), data...)})
	return nil
}

func TestOpen_PowersDownAllChannels(t *testing.T) {
	bus := &fakeBus{}
	s, err := Open(bus, 27e6, 1.0)
	require.NoError(t, err)
	require.NotNil(t, s)

	powerDowns := 0
	for _, w := range bus.writes {
		if len(w.data) == 1 && w.data[0] == clkPowerDown {
			powerDowns++
		}
	}
	assert.Equal(t, 8, powerDowns)
}

func TestSetClock_Scenario_32MHzFrom27MHzXtal(t *testing.T) {
	bus := &fakeBus{}
	s, err := Open(bus, 27e6, 0.9999314)
	require.NoError(t, err)

	p, err := s.SetClock(0, 32_000_000.0)
	require.NoError(t, err)

	assert.Equal(t, 28, p.Out)
	assert.Equal(t, 0, p.R)
	got := float64(p.FB.A) + float64(p.FB.B)/float64(p.FB.C)
	assert.InDelta(t, 33.185185, got, 0.01)
}

func TestSetClock_BoundaryRDivider(t *testing.T) {
	bus := &fakeBus{}
	s, err := Open(bus, 27e6, 1.0)
	require.NoError(t, err)

	p, err := s.SetClock(0, 999_999)
	require.NoError(t, err)
	assert.Equal(t, 1, p.R)

	p, err = s.SetClock(0, 500_000)
	require.NoError(t, err)
	assert.Equal(t, 2, p.R)

	_, err = s.SetClock(0, 3_900)
	require.Error(t, err)
	var de *errs.DriverError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, errs.FrequencyTooLow, de.Kind)
}

func TestSetClock_InvariantsAcrossRange(t *testing.T) {
	bus := &fakeBus{}
	s, err := Open(bus, 27e6, 1.0)
	require.NoError(t, err)

	freqs := []float64{1, 10, 100, 1000, 1e4, 1e5, 1e6, 1e7, 1e8}
	for _, f := range freqs {
		p, err := s.SetClock(0, f)
		if err != nil {
			continue // FrequencyTooLow at the extreme low end is expected
		}
		assert.True(t, p.Out >= 4 && p.Out <= 2048)
		assert.Equal(t, 0, p.Out%2)
		assert.LessOrEqual(t, p.FB.C, int64(1_048_575))
		if p.FB.C > 0 {
			approx := float64(p.FB.A) + float64(p.FB.B)/float64(p.FB.C)
			target := float64(p.Out) * f * pow2(p.R) / (27e6)
			assert.InDelta(t, target, approx, 1.0/float64(p.FB.C)+1e-6)
		}
	}
}

func pow2(r int) float64 {
	v := 1.0
	for i := 0; i < r; i++ {
		v *= 2
	}
	return v
}
