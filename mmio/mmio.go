// Package mmio abstracts the word-addressed register block a peripheral
// driver runs against, so the same driver can target a memory-mapped
// hardware instance or a host-side device model.
package mmio

// Bus32 is a 32-bit view of a peripheral register block. Offsets are byte
// offsets from the block base and must be word aligned.
type Bus32 interface {
	Read32(off uint32) uint32
	Write32(off uint32, v uint32)
}
