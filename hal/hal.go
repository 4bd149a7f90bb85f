// Package hal defines the contracts between the flash page controller
// driver and the code above it: the asynchronous page interface, the
// completion callbacks, and the memory protection surface.
package hal

import "errors"

// Errors returned synchronously by flash entry points. When an entry point
// fails, no operation was started, no callback follows, and the caller
// keeps ownership of any buffer it passed in.
var (
	ErrBusy        = errors.New("operation in flight")
	ErrInvalid     = errors.New("invalid argument")
	ErrUnsupported = errors.New("unsupported")
	ErrNoDevice    = errors.New("no device")
)

// OpError reports the outcome of an accepted flash operation. It is
// delivered through the Client callbacks, never as a return value.
type OpError uint8

const (
	// OpComplete: the operation finished successfully.
	OpComplete OpError = iota
	// OpErrFlash: the hardware reported an operation error.
	OpErrFlash
	// OpErrProtection: a memory protection violation was detected. The
	// access was denied, not broken; callers should treat this as an
	// access control failure rather than a hardware fault.
	OpErrProtection
)

func (e OpError) String() string {
	switch e {
	case OpComplete:
		return "complete"
	case OpErrFlash:
		return "flash error"
	case OpErrProtection:
		return "protection violation"
	default:
		return "unknown"
	}
}

// Client receives completion callbacks from a Flash implementation.
//
// Each accepted operation produces exactly one callback, on the same path
// whether the outcome is success, a flash error, or a protection fault.
// Read and write callbacks return the buffer that was handed to the driver;
// after the callback the caller owns it again.
type Client interface {
	ReadComplete(buf []byte, result OpError)
	WriteComplete(buf []byte, result OpError)
	EraseComplete(result OpError)
}

// Flash provides asynchronous page-oriented access to flash memory.
//
// Entry points never block: they either start hardware activity and return
// nil, or reject the request with a sentinel error. At most one operation
// may be outstanding; the driver does not queue.
type Flash interface {
	// PageSize returns the page size in bytes. Read and write buffers
	// must be exactly this long.
	PageSize() int

	// NumPages returns the number of addressable pages.
	NumPages() int

	// ReadPage starts reading the given page into buf. The driver holds
	// buf until ReadComplete returns it.
	ReadPage(page int, buf []byte) error

	// WritePage starts programming the given page from buf. The driver
	// holds buf until WriteComplete returns it.
	WritePage(page int, buf []byte) error

	// ErasePage starts erasing the given page. An erased page reads back
	// as all 0xFF.
	ErasePage(page int) error

	// SetClient registers the completion callback receiver.
	SetClient(c Client)
}

// RegionPerms is the permission set of one protection region.
type RegionPerms struct {
	Read          bool
	Program       bool
	Erase         bool
	Scramble      bool
	ECC           bool
	HighEndurance bool
}

// MemoryProtection configures, queries and locks per-region access
// control. Regions bind a permission set to a contiguous page range;
// overlapping regions are a caller error and are not validated here.
type MemoryProtection interface {
	// NumRegions returns the number of protection config slots.
	NumRegions() int

	// SetRegionPerms binds perms to numPages pages starting at page and
	// enables the region. Returns ErrUnsupported for an unaddressable
	// page or region index, ErrInvalid when the range exceeds the
	// partition.
	SetRegionPerms(page, numPages, region int, perms RegionPerms) error

	// ReadRegionPerms returns the permission set programmed into the
	// given region.
	ReadRegionPerms(region int) (RegionPerms, error)

	// LockRegion makes the region's configuration immutable until the
	// next system reset.
	LockRegion(region int) error

	// RegionLocked reports whether the region's configuration is locked.
	RegionLocked(region int) (bool, error)
}
