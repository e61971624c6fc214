package stream

import (
	"strings"

	"github.com/tinyzimmer/go-gst/gst"
)

// ErrorCategory represents the classification of GStreamer errors
type ErrorCategory int

const (
	// ErrCategoryDevice indicates a missing or unusable camera device
	ErrCategoryDevice ErrorCategory = iota
	// ErrCategoryPermission indicates the device exists but access was denied or it is busy
	ErrCategoryPermission
	// ErrCategoryFormat indicates caps negotiation or format failures
	ErrCategoryFormat
	// ErrCategoryUnknown indicates unclassified errors
	ErrCategoryUnknown
)

// String returns a human-readable string representation of the error category
func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryDevice:
		return "device"
	case ErrCategoryPermission:
		return "permission"
	case ErrCategoryFormat:
		return "format"
	default:
		return "unknown"
	}
}

// SourceUnavailable reports whether errors of this category mean the camera
// cannot be used until an operator intervenes
func (e ErrorCategory) SourceUnavailable() bool {
	return e == ErrCategoryDevice || e == ErrCategoryPermission
}

// ClassifyGStreamerError categorizes a GStreamer bus error.
// go-gst's GError does not expose the domain, so matching is on text.
func ClassifyGStreamerError(gerr *gst.GError) ErrorCategory {
	if gerr == nil {
		return ErrCategoryUnknown
	}
	return ClassifyErrorText(gerr.Error(), gerr.DebugString())
}

// ClassifyErrorText categorizes an error from its message and debug string
func ClassifyErrorText(message, debug string) ErrorCategory {
	combined := strings.ToLower(message + " " + debug)

	// Priority 1: permission (most specific)
	if containsAny(combined,
		"permission denied",
		"not authorized",
		"eacces",
		"device or resource busy",
		"ebusy",
	) {
		return ErrCategoryPermission
	}

	// Priority 2: device missing or unreadable
	if containsAny(combined,
		"no such file or directory",
		"no such device",
		"cannot identify device",
		"could not open device",
		"not a capture device",
		"failed to open",
		"resource not found",
	) {
		return ErrCategoryDevice
	}

	// Priority 3: format negotiation
	if containsAny(combined,
		"not negotiated",
		"negotiation",
		"caps",
		"format",
		"internal data stream error",
	) {
		return ErrCategoryFormat
	}

	return ErrCategoryUnknown
}

func containsAny(s string, keywords ...string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
