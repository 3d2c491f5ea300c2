package gateway

import "github.com/juju/errors"

var (
	ErrInvalidEvent       = errors.New("invalid event")
	ErrUnknownConnector   = errors.New("unknown connector")
	ErrDuplicateConnector = errors.New("duplicate connector")
	ErrStorageFull        = errors.New("storage full")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrPublishFailure     = errors.New("publish failure")
	ErrDeviceUnresolved   = errors.New("device unresolved")
	ErrRPCNotFound        = errors.New("rpc not found")
	ErrStopped            = errors.New("gateway stopped")
)

func IsInvalidEvent(err error) bool       { return errors.Cause(err) == ErrInvalidEvent }
func IsUnknownConnector(err error) bool   { return errors.Cause(err) == ErrUnknownConnector }
func IsStorageFull(err error) bool        { return errors.Cause(err) == ErrStorageFull }
func IsStorageUnavailable(err error) bool { return errors.Cause(err) == ErrStorageUnavailable }
func IsPublishFailure(err error) bool     { return errors.Cause(err) == ErrPublishFailure }
func IsRPCNotFound(err error) bool        { return errors.Cause(err) == ErrRPCNotFound }
