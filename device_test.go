package sdr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdrgo/fx3sdr/internal/errs"
)

// These tests exercise the façade's pure state-machine and validation
// logic: the paths that reach the transport, clock or tuner layers
// need a live USB device and are left to integration testing, so the
// Device values here are built directly rather than through Open.

func TestState_String(t *testing.T) {
	assert.Equal(t, "off", StateOff.String())
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "streaming", StateStreaming.String())
	assert.Equal(t, "failed", StateFailed.String())
}

func TestClose_AfterClose_Rejected(t *testing.T) {
	d := &Device{state: StateOff}
	err := d.Close()
	require.Error(t, err)
	var de *errs.DriverError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, errs.State, de.Kind)
}

func TestStartStreaming_RequiresReadyState(t *testing.T) {
	d := &Device{state: StateOff}
	err := d.StartStreaming()
	require.Error(t, err)
	var de *errs.DriverError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, errs.State, de.Kind)
}

func TestStartStreaming_RequiresSampleRateAndAsyncParams(t *testing.T) {
	d := &Device{state: StateReady}
	err := d.StartStreaming()
	require.Error(t, err)
	var de *errs.DriverError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, errs.State, de.Kind)

	d.sampleRateSet = true
	err = d.StartStreaming()
	require.Error(t, err)
	require.ErrorAs(t, err, &de)
	assert.Equal(t, errs.State, de.Kind)
}

func TestSetAsyncParams_RejectsNilCallback(t *testing.T) {
	d := &Device{state: StateReady}
	err := d.SetAsyncParams(0, 0, nil, nil)
	require.Error(t, err)
	var de *errs.DriverError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, errs.InvalidArgument, de.Kind)
}

func TestSetAsyncParams_RecordsConfiguration(t *testing.T) {
	d := &Device{state: StateReady}
	called := false
	err := d.SetAsyncParams(4096, 4, func([]byte, any) { called = true }, "ctx")
	require.NoError(t, err)
	assert.True(t, d.asyncParamsSet)
	assert.Equal(t, 4096, d.frameSize)
	assert.Equal(t, 4, d.ringDepth)
	assert.Equal(t, "ctx", d.userCtx)
	d.callback(nil, nil)
	assert.True(t, called)
}

func TestHFAttenuation_RejectsUnsupportedDB(t *testing.T) {
	d := &Device{state: StateReady}
	err := d.HFAttenuation(15)
	require.Error(t, err)
	var de *errs.DriverError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, errs.InvalidArgument, de.Kind)
}

func TestRequireTuner_FailsWithoutVHFMode(t *testing.T) {
	d := &Device{state: StateReady}
	_, err := d.requireTuner("set_frequency")
	require.Error(t, err)
	var de *errs.DriverError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, errs.State, de.Kind)
}

func TestTunerLocked_FalseWithoutTuner(t *testing.T) {
	d := &Device{state: StateReady}
	assert.False(t, d.TunerLocked())
}

func TestStopStreaming_NoOpWithoutActiveStream(t *testing.T) {
	d := &Device{state: StateReady}
	require.NoError(t, d.StopStreaming())
	assert.Equal(t, StateReady, d.Status())
}

func TestFail_TransitionsToFailedOnIOError(t *testing.T) {
	d := &Device{state: StateReady}
	ioErr := errs.New("control", errs.IO, nil)
	err := d.fail(ioErr)
	assert.Equal(t, ioErr, err)
	assert.Equal(t, StateFailed, d.Status())
}

func TestFail_LeavesStateUnchangedOnNonIOError(t *testing.T) {
	d := &Device{state: StateReady}
	argErr := errs.New("x", errs.InvalidArgument, nil)
	_ = d.fail(argErr)
	assert.Equal(t, StateReady, d.Status())
}

func TestRequireNotFailed(t *testing.T) {
	ready := &Device{state: StateReady}
	assert.NoError(t, ready.requireNotFailed("op"))

	streaming := &Device{state: StateStreaming}
	assert.NoError(t, streaming.requireNotFailed("op"))

	failed := &Device{state: StateFailed}
	err := failed.requireNotFailed("op")
	require.Error(t, err)
	var de *errs.DriverError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, errs.State, de.Kind)

	off := &Device{state: StateOff}
	err = off.requireNotFailed("op")
	require.Error(t, err)
	require.ErrorAs(t, err, &de)
	assert.Equal(t, errs.State, de.Kind)
}
