package transport

import (
	"testing"

	"github.com/google/gousb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdrgo/fx3sdr/internal/errs"
)

// Open/OpenBootloader/Count/List and anything that reaches an actual
// gousb.Device need real hardware or a real libusb backend and are left
// to integration testing. These tests cover the parts that don't: the
// state machine, the identity table, and the control-transfer guard
// that rejects calls on a closed or failed transport before it ever
// touches the device handle.

func TestState_String(t *testing.T) {
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "streaming", StateStreaming.String())
	assert.Equal(t, "draining", StateDraining.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "closed", StateClosed.String())
}

func TestMatchIdentity_KnownAndUnknown(t *testing.T) {
	id := matchIdentity(0x04b4, 0x00f3)
	require.NotNil(t, id)
	assert.True(t, id.NeedsFirmware)

	id = matchIdentity(0x04b4, 0x00f1)
	require.NotNil(t, id)
	assert.False(t, id.NeedsFirmware)

	assert.Nil(t, matchIdentity(0x1234, 0x5678))
}

func TestClose_ZeroValue_RejectedAsAlreadyClosed(t *testing.T) {
	tr := &Transport{}
	err := tr.Close()
	require.Error(t, err)
	var de *errs.DriverError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, errs.State, de.Kind)
}

func TestControlOut_OnClosedTransport_ReturnsStateErrorWithoutTouchingDevice(t *testing.T) {
	tr := &Transport{state: StateClosed}
	_, err := tr.ControlOut(reqStartFX3, 0, 0, nil)
	require.Error(t, err)
	var de *errs.DriverError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, errs.State, de.Kind)
}

func TestControlIn_OnFailedTransport_ReturnsStateErrorWithoutTouchingDevice(t *testing.T) {
	tr := &Transport{state: StateFailed}
	_, err := tr.ControlIn(reqTestFX3, 0, 0, make([]byte, 4))
	require.Error(t, err)
	var de *errs.DriverError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, errs.State, de.Kind)
}

func TestHasTuner_FalseOnTransferError(t *testing.T) {
	tr := &Transport{state: StateFailed}
	assert.False(t, tr.HasTuner())
}

func TestGPIOShadow_InitiallyZero(t *testing.T) {
	tr := &Transport{state: StateReady}
	assert.Equal(t, byte(0), tr.GPIOShadow())
}

func TestGPIOOn_FailedState_PropagatesErrorAndLeavesShadowUnchanged(t *testing.T) {
	tr := &Transport{state: StateFailed, gpioShadow: GPIOLEDRed}
	err := tr.GPIOOn(GPIOLEDBlue)
	require.Error(t, err)
	assert.Equal(t, byte(GPIOLEDRed), tr.GPIOShadow())
}

func TestIdentities_Table(t *testing.T) {
	require.Len(t, Identities, 2)
	assert.Equal(t, gousb.ID(0x04b4), Identities[0].VendorID)
	assert.Equal(t, gousb.ID(0x00f3), Identities[0].ProductID)
	assert.True(t, Identities[0].NeedsFirmware)
	assert.Equal(t, gousb.ID(0x00f1), Identities[1].ProductID)
	assert.False(t, Identities[1].NeedsFirmware)
}
