package engine

import "errors"

var (
	// ErrOutOfOrder: the fix is older than the last evaluated fix for its device.
	ErrOutOfOrder = errors.New("fix older than last evaluated fix")
	// ErrStale: the fix is older than the staleness window.
	ErrStale = errors.New("fix older than staleness window")
	// ErrDeviceBusy is returned by Reevaluate when another evaluation holds
	// the device.
	ErrDeviceBusy = errors.New("device evaluation in progress")
)
