package glass

import "github.com/gnif/LookingGlass-sub002/internal/constants"

// Re-exported wire and timing constants, for callers that want to
// construct Options without importing the internal package directly.
const (
	KVMFRMagic              = constants.KVMFRMagic
	KVMFRVersion            = constants.KVMFRVersion
	MaxDamageRects          = constants.MaxDamageRects
	FrameQueueLen           = constants.FrameQueueLen
	PointerQueueLen         = constants.PointerQueueLen
	FeatureSetCursorPos     = constants.FeatureSetCursorPos
	DefaultFramePollIntervalUs  = constants.DefaultFramePollIntervalUs
	DefaultCursorPollIntervalUs = constants.DefaultCursorPollIntervalUs
)

// Guest OS identifiers, re-exported for callers inspecting Info.OSInfo.
const (
	OSLinux   = constants.OSLinux
	OSBSD     = constants.OSBSD
	OSOSX     = constants.OSOSX
	OSWindows = constants.OSWindows
	OSOther   = constants.OSOther
)

// Frame pixel types, re-exported for callers inspecting FramePresentation.
const (
	FrameTypeBGRA    = constants.FrameTypeBGRA
	FrameTypeRGBA    = constants.FrameTypeRGBA
	FrameTypeRGBA10  = constants.FrameTypeRGBA10
	FrameTypeRGBA16F = constants.FrameTypeRGBA16F
)
