package sdr

import "github.com/sdrgo/fx3sdr/internal/errs"

// ErrorKind classifies a DriverError the way the C driver this library is
// modeled on classifies its negative return codes (see spec §7). It is an
// alias of the internal errs.Kind used throughout the subsystem packages
// so a single set of sentinels works across package boundaries without
// those packages importing this one (which would cycle).
type ErrorKind = errs.Kind

const (
	ErrUnknown             = errs.Unknown
	ErrNotFound            = errs.NotFound
	ErrBusy                = errs.Busy
	ErrIO                  = errs.IO
	ErrBadFirmware         = errs.BadFirmware
	ErrBadChecksum         = errs.BadChecksum
	ErrFrequencyTooLow     = errs.FrequencyTooLow
	ErrFrequencyTooHigh    = errs.FrequencyTooHigh
	ErrFrequencyOutOfRange = errs.FrequencyOutOfRange
	ErrInvalidArgument     = errs.InvalidArgument
	ErrCalibrationFailed   = errs.CalibrationFailed
	ErrPLLUnlocked         = errs.PLLUnlocked
	ErrUnsupported         = errs.Unsupported
	ErrState               = errs.State
)

// DriverError is the uniform error type returned across the device
// facade and its subsystems.
type DriverError = errs.DriverError

func newErr(op string, kind ErrorKind, cause error) *DriverError {
	return errs.New(op, kind, cause)
}
