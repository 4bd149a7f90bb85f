//go:build tinygo && baremetal

package mmio

import (
	"runtime/volatile"
	"unsafe"
)

// PointerBus is a Bus32 over a real memory-mapped register block.
type PointerBus struct {
	base uintptr
}

// NewPointerBus returns a bus rooted at the peripheral's base address.
func NewPointerBus(base uintptr) *PointerBus {
	return &PointerBus{base: base}
}

//go:nosplit
func (b *PointerBus) Read32(off uint32) uint32 {
	return volatile.LoadUint32((*uint32)(unsafe.Pointer(b.base + uintptr(off))))
}

//go:nosplit
func (b *PointerBus) Write32(off uint32, v uint32) {
	volatile.StoreUint32((*uint32)(unsafe.Pointer(b.base+uintptr(off))), v)
}
