package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdrgo/fx3sdr/internal/errs"
)

// Start/Stop's interaction with a live ring aren't exercised here:
// gousb.InEndpoint.NewStream requires a real libusb device handle that
// this package cannot fabricate offline, so that path is left to
// integration testing against real hardware. These tests cover the
// parts that don't need one: defaulting, validation, counters, and
// Stop's no-op-before-Start idempotence.

func TestNew_DefaultsFrameSizeAndRingDepth(t *testing.T) {
	p, err := New(nil, 0, 0, func([]byte, any) {}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultFrameSize, p.frameSize)
	assert.Equal(t, DefaultRingDepth, p.ringDepth)
}

func TestNew_CustomFrameSizeAndRingDepth(t *testing.T) {
	p, err := New(nil, 4096, 4, func([]byte, any) {}, nil)
	require.NoError(t, err)
	assert.Equal(t, 4096, p.frameSize)
	assert.Equal(t, 4, p.ringDepth)
}

func TestNew_RejectsNilCallback(t *testing.T) {
	_, err := New(nil, 0, 0, nil, nil)
	require.Error(t, err)
	var de *errs.DriverError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, errs.InvalidArgument, de.Kind)
}

func TestStop_BeforeStart_IsNoOp(t *testing.T) {
	p, err := New(nil, 0, 0, func([]byte, any) {}, nil)
	require.NoError(t, err)
	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop())
	assert.False(t, p.Running())
}

func TestResetStatus_ClearsCounters(t *testing.T) {
	p, err := New(nil, 0, 0, func([]byte, any) {}, nil)
	require.NoError(t, err)
	p.delivered = 123
	p.errors = 4
	p.ResetStatus()
	assert.Equal(t, uint64(0), p.BytesDelivered())
	assert.Equal(t, uint64(0), p.Errors())
	assert.Equal(t, uint64(0), p.Overruns())
}
