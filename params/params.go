// Package params defines the mpool configuration values recognized at
// pool open, per spec.md §6. Each field has a value meaning "leave
// default". The uint32 and ratio fields use the InvalidU32 and
// InvalidRatio sentinels, so a caller can tell "unset" apart from a
// legitimate zero -- the same distinction the C API makes with a
// reserved sentinel value per parameter. MediaClass, MDC0Capacity,
// PerMDCCapacity and Label use their zero value instead.
package params

import "github.com/hse-project/mpool/internal/backend"

// Sentinels meaning "leave default". InvalidU32 is the max of uint32,
// a value no caller would configure in practice; InvalidRatio is -1,
// outside the range of any ratio.
const (
	InvalidU32   uint32  = 0xffffffff
	InvalidRatio float64 = -1
)

// Params bundles the configuration values spec.md §6 lists.
type Params struct {
	MediaClass          backend.MediaClass
	UID                 uint32
	GID                 uint32
	Mode                uint32
	SpareCapacityRatio  float64 // fraction of capacity reserved as spare, [0,1)
	SpareStorageRatio   float64
	ReadAheadPages      uint32
	MDC0Capacity        uint64
	PerMDCCapacity      uint64
	MDCCount            uint32
	Label               string
}

// Default returns a Params with every field set to its "leave default"
// sentinel except MediaClass, which always needs a concrete value.
func Default() Params {
	return Params{
		MediaClass:         backend.MediaClassCapacity,
		UID:                InvalidU32,
		GID:                InvalidU32,
		Mode:               InvalidU32,
		SpareCapacityRatio: InvalidRatio,
		SpareStorageRatio:  InvalidRatio,
		ReadAheadPages:     InvalidU32,
		MDCCount:           InvalidU32,
	}
}

// Merge overlays non-sentinel fields of override onto base, returning
// the result. Used by pool.Open to layer caller-supplied Params over
// Default().
func Merge(base, override Params) Params {
	out := base
	if override.MediaClass != 0 {
		out.MediaClass = override.MediaClass
	}
	if override.UID != InvalidU32 {
		out.UID = override.UID
	}
	if override.GID != InvalidU32 {
		out.GID = override.GID
	}
	if override.Mode != InvalidU32 {
		out.Mode = override.Mode
	}
	if override.SpareCapacityRatio != InvalidRatio {
		out.SpareCapacityRatio = override.SpareCapacityRatio
	}
	if override.SpareStorageRatio != InvalidRatio {
		out.SpareStorageRatio = override.SpareStorageRatio
	}
	if override.ReadAheadPages != InvalidU32 {
		out.ReadAheadPages = override.ReadAheadPages
	}
	if override.MDC0Capacity != 0 {
		out.MDC0Capacity = override.MDC0Capacity
	}
	if override.PerMDCCapacity != 0 {
		out.PerMDCCapacity = override.PerMDCCapacity
	}
	if override.MDCCount != InvalidU32 {
		out.MDCCount = override.MDCCount
	}
	if override.Label != "" {
		out.Label = override.Label
	}
	return out
}
