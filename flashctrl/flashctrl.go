// Package flashctrl drives a lowRISC-style flash page controller: an
// interrupt-driven state machine that moves one page read, write or erase
// at a time through the controller's word FIFOs, plus the region-based
// memory protection surface.
//
// The driver is single-caller: its entry points and HandleInterrupt must
// not run concurrently. Mutual exclusion comes from the single-outstanding-
// operation discipline, not from locks. The driver owns the register block
// for the duration of an in-flight operation and all progress happens in
// HandleInterrupt.
package flashctrl

import (
	"encoding/binary"
	"fmt"

	"flashctl/hal"
	"flashctl/internal/flashregs"
	"flashctl/mmio"
)

// Geometry of the controlled flash, re-exported for callers.
const (
	PageSize     = flashregs.PageSize
	NumPages     = flashregs.NumPages
	PagesPerBank = flashregs.PagesPerBank
	NumRegions   = flashregs.NumRegions
	TotalBytes   = flashregs.TotalBytes
)

// Bank selects which bank's info partition the lazy partition setup
// configures.
type Bank uint8

const (
	Bank0 Bank = iota
	Bank1
)

// Region identifies one of the controller's protection config slots. The
// slot passed to New is claimed by the lazy partition setup; callers
// configuring their own regions should use the remaining slots.
type Region uint8

const (
	Region0 Region = iota
	Region1
	Region2
	Region3
	Region4
	Region5
	Region6
	Region7
)

type opState uint8

const (
	stateIdle opState = iota
	stateReading
	stateWriting
	stateErasing
)

// Controller is the flash page controller driver.
type Controller struct {
	bus    mmio.Bus32
	client hal.Client

	region Region
	bank   Bank

	dataConfigured bool
	infoConfigured bool

	// Single-slot transfer state. At most one buffer per direction is
	// ever held, and only while state is the matching in-progress value.
	state         opState
	readBuf       []byte
	readIndex     int
	writeBuf      []byte
	writeIndex    int
	writeWordAddr uint32
}

var (
	_ hal.Flash            = (*Controller)(nil)
	_ hal.MemoryProtection = (*Controller)(nil)
)

// New returns a driver for the controller behind bus. The region slot is
// claimed for the default partition setup; bank selects the info partition
// the setup targets. Both are validated here so an unsupported identifier
// is a construction error, not a runtime fault.
func New(bus mmio.Bus32, region Region, bank Bank) (*Controller, error) {
	if bus == nil {
		return nil, fmt.Errorf("flashctrl: nil bus: %w", hal.ErrNoDevice)
	}
	if region > Region7 {
		return nil, fmt.Errorf("flashctrl: region %d out of range: %w", region, hal.ErrInvalid)
	}
	if bank > Bank1 {
		return nil, fmt.Errorf("flashctrl: bank %d out of range: %w", bank, hal.ErrInvalid)
	}
	return &Controller{bus: bus, region: region, bank: bank}, nil
}

// SetClient registers the completion callback receiver.
func (c *Controller) SetClient(client hal.Client) {
	c.client = client
}

// PageSize returns the page size in bytes.
func (c *Controller) PageSize() int { return PageSize }

// NumPages returns the number of addressable data partition pages.
func (c *Controller) NumPages() int { return NumPages }

func (c *Controller) enableInterrupts() {
	c.bus.Write32(flashregs.IntrEnable,
		flashregs.IntrProgEmpty|flashregs.IntrRdLvl|flashregs.IntrOpDone|flashregs.IntrOpError)
}

func (c *Controller) disableInterrupts() {
	c.bus.Write32(flashregs.IntrEnable, 0)
	// W1C: acknowledge everything pending.
	c.bus.Write32(flashregs.IntrState, 0xFFFF_FFFF)
}

func (c *Controller) controlWritable() bool {
	return c.bus.Read32(flashregs.CtrlRegwen)&flashregs.CtrlRegwenEn != 0
}

// maxProgRunWords returns the largest word count that can be programmed
// starting at wordAddr without crossing the next programming window
// boundary, capped by the bytes remaining. CONTROL.NUM takes (run - 1).
func maxProgRunWords(wordAddr, remBytes uint32) uint32 {
	windowLimit := ((wordAddr + flashregs.ProgWindowWords) & flashregs.ProgWindowMask) - wordAddr
	words := remBytes / flashregs.WordBytes
	if words < windowLimit {
		return words
	}
	return windowLimit
}

func (c *Controller) setRdFifoLevel(words uint32) {
	v := c.bus.Read32(flashregs.FifoLvl)
	v &^= flashregs.FifoLvlRdMask << flashregs.FifoLvlRdShift
	v |= (words & flashregs.FifoLvlRdMask) << flashregs.FifoLvlRdShift
	c.bus.Write32(flashregs.FifoLvl, v)
}

func (c *Controller) setProgFifoLevel(words uint32) {
	v := c.bus.Read32(flashregs.FifoLvl)
	v &^= flashregs.FifoLvlProgMask << flashregs.FifoLvlProgShift
	v |= (words & flashregs.FifoLvlProgMask) << flashregs.FifoLvlProgShift
	c.bus.Write32(flashregs.FifoLvl, v)
}

func controlWord(op uint32, runWords uint32) uint32 {
	return op<<flashregs.CtrlOpShift |
		((runWords - 1) << flashregs.CtrlNumShift & flashregs.CtrlNumMask)
}

func (c *Controller) startOp() {
	v := c.bus.Read32(flashregs.Control)
	c.bus.Write32(flashregs.Control, v|flashregs.CtrlStart)
}

// ensureConfigured runs the one-time default partition setup. It is lazy
// and idempotent: the first page operation of a boot cycle pays for it, and
// the flags are never cleared afterwards.
func (c *Controller) ensureConfigured() {
	if !c.infoConfigured {
		// The info partition has no default access; give the claimed
		// slot explicit permissions.
		c.configureInfoPartition()
	}
	if !c.dataConfigured {
		c.configureDataPartition()
	}
}

func (c *Controller) configureDataPartition() {
	c.bus.Write32(flashregs.DefaultRegion,
		defaultRegionWord(hal.RegionPerms{Read: true, Program: true, Erase: true}))

	slot := uint32(c.region)
	perms := hal.RegionPerms{Read: true, Program: true, Erase: true}
	c.bus.Write32(flashregs.MpRegionCfg+4*slot, regionCfgWord(perms, false))
	c.bus.Write32(flashregs.MpRegion+4*slot,
		flashregs.PagesPerBank<<flashregs.MpBaseShift|1<<flashregs.MpSizeShift)
	// Enable last so a half-programmed slot never matches.
	c.bus.Write32(flashregs.MpRegionCfg+4*slot, regionCfgWord(perms, true))

	c.dataConfigured = true
}

func (c *Controller) configureInfoPartition() {
	base := uint32(flashregs.Bank0Info0PageCfg)
	if c.bank == Bank1 {
		base = flashregs.Bank1Info0PageCfg
	}
	slot := uint32(c.region)
	perms := hal.RegionPerms{Read: true, Program: true, Erase: true, Scramble: true, ECC: true}
	c.bus.Write32(base+4*slot, regionCfgWord(perms, false))
	c.bus.Write32(base+4*slot, regionCfgWord(perms, true))

	c.infoConfigured = true
}

// ReadPage starts reading page into buf. buf must be exactly PageSize
// bytes; the driver holds it until ReadComplete hands it back.
func (c *Controller) ReadPage(page int, buf []byte) error {
	if c.state != stateIdle {
		return fmt.Errorf("flashctrl: read page %d: %w", page, hal.ErrBusy)
	}
	if page < 0 || page >= NumPages {
		return fmt.Errorf("flashctrl: read page %d out of range: %w", page, hal.ErrInvalid)
	}
	if len(buf) != PageSize {
		return fmt.Errorf("flashctrl: read buffer is %d bytes, want %d: %w",
			len(buf), PageSize, hal.ErrInvalid)
	}

	c.ensureConfigured()

	if !c.controlWritable() {
		return fmt.Errorf("flashctrl: read page %d: control locked: %w", page, hal.ErrBusy)
	}

	c.readBuf = buf
	c.readIndex = 0
	c.state = stateReading

	c.enableInterrupts()
	c.setRdFifoLevel(0xF)

	c.bus.Write32(flashregs.Control, controlWord(flashregs.OpRead, flashregs.PageWords))
	c.bus.Write32(flashregs.Addr, uint32(page)*PageSize)
	c.startOp()
	return nil
}

// WritePage starts programming page from buf. buf must be exactly PageSize
// bytes; the driver holds it until WriteComplete hands it back.
//
// Programming happens in runs: the hardware accepts at most one window's
// worth of words per command, and a run must not cross a programming
// window boundary. The first run is issued here; the rest are issued from
// HandleInterrupt each time the program FIFO drains.
func (c *Controller) WritePage(page int, buf []byte) error {
	if c.state != stateIdle {
		return fmt.Errorf("flashctrl: write page %d: %w", page, hal.ErrBusy)
	}
	if page < 0 || page >= NumPages {
		return fmt.Errorf("flashctrl: write page %d out of range: %w", page, hal.ErrInvalid)
	}
	if len(buf) != PageSize {
		return fmt.Errorf("flashctrl: write buffer is %d bytes, want %d: %w",
			len(buf), PageSize, hal.ErrInvalid)
	}

	c.ensureConfigured()

	if !c.controlWritable() {
		return fmt.Errorf("flashctrl: write page %d: control locked: %w", page, hal.ErrBusy)
	}

	addr := uint32(page) * PageSize
	wordAddr := addr / flashregs.WordBytes
	run := maxProgRunWords(wordAddr, PageSize)

	c.writeBuf = buf
	c.writeIndex = 0
	c.state = stateWriting

	c.bus.Write32(flashregs.Control, controlWord(flashregs.OpProg, run))
	c.bus.Write32(flashregs.Addr, addr)
	c.startOp()

	pushed := c.fillProgFifo(int(run))
	c.writeWordAddr = wordAddr + uint32(pushed)

	// Interrupt when the FIFO is fully drained.
	c.enableInterrupts()
	c.setProgFifoLevel(0)
	return nil
}

// ErasePage starts erasing page. The erased page reads back as all 0xFF.
func (c *Controller) ErasePage(page int) error {
	if c.state != stateIdle {
		return fmt.Errorf("flashctrl: erase page %d: %w", page, hal.ErrBusy)
	}
	if page < 0 || page >= NumPages {
		return fmt.Errorf("flashctrl: erase page %d out of range: %w", page, hal.ErrInvalid)
	}

	c.ensureConfigured()

	if !c.controlWritable() {
		return fmt.Errorf("flashctrl: erase page %d: control locked: %w", page, hal.ErrBusy)
	}

	// Bank erase must be off so a page erase can never widen into a
	// whole-bank erase. The register is shadowed and commits on the
	// second matching write.
	for i := 0; i < 2; i++ {
		c.bus.Write32(flashregs.MpBankCfgShadowed, 0)
	}

	c.bus.Write32(flashregs.Addr, uint32(page)*PageSize)

	c.state = stateErasing
	c.enableInterrupts()
	c.bus.Write32(flashregs.Control,
		flashregs.OpErase<<flashregs.CtrlOpShift|flashregs.CtrlStart)
	return nil
}

// fillProgFifo pushes up to run words from the write buffer into the
// program FIFO, stopping early if the FIFO fills. Returns the number of
// words pushed.
func (c *Controller) fillProgFifo(run int) int {
	pushed := 0
	for i := 0; i < run; i++ {
		if c.bus.Read32(flashregs.Status)&flashregs.StatusProgFull != 0 {
			break
		}
		off := c.writeIndex
		c.bus.Write32(flashregs.ProgFifo, binary.LittleEndian.Uint32(c.writeBuf[off:off+4]))
		c.writeIndex = off + 4
		pushed++
	}
	return pushed
}

// HandleInterrupt services the controller. It must be called whenever the
// controller's interrupt line asserts, and never re-entrantly: the
// interrupt source stays masked until the handler explicitly re-arms it.
func (c *Controller) HandleInterrupt() {
	irqs := c.bus.Read32(flashregs.IntrState)
	c.disableInterrupts()

	if irqs&flashregs.IntrOpError != 0 {
		c.completeWithError()
		return
	}

	if irqs&flashregs.IntrRdLvl != 0 && c.state == stateReading {
		c.drainRdFifo()
	}

	if irqs&flashregs.IntrProgEmpty != 0 && c.state == stateWriting {
		c.continueWrite()
	}

	if irqs&flashregs.IntrOpDone != 0 {
		c.completeIfDone()
		return
	}

	if c.state != stateIdle {
		c.enableInterrupts()
	}
}

// drainRdFifo moves every word the read FIFO currently holds into the read
// buffer at the tracked offset.
func (c *Controller) drainRdFifo() {
	for c.bus.Read32(flashregs.Status)&flashregs.StatusRdEmpty == 0 &&
		c.readIndex < len(c.readBuf) {
		w := c.bus.Read32(flashregs.RdFifo)
		binary.LittleEndian.PutUint32(c.readBuf[c.readIndex:], w)
		c.readIndex += 4
	}
}

// continueWrite issues the next program run, window-aware, and refills the
// FIFO. No-op when every byte has already been pushed; the pending OP_DONE
// completes the operation.
func (c *Controller) continueWrite() {
	rem := uint32(len(c.writeBuf) - c.writeIndex)
	run := maxProgRunWords(c.writeWordAddr, rem)
	if run == 0 {
		return
	}

	c.bus.Write32(flashregs.Control, controlWord(flashregs.OpProg, run))
	c.bus.Write32(flashregs.Addr, c.writeWordAddr*flashregs.WordBytes)
	c.startOp()

	pushed := c.fillProgFifo(int(run))
	c.writeWordAddr += uint32(pushed)
}

// completeIfDone finishes the in-flight operation if its full length has
// been transferred, otherwise re-arms and keeps waiting.
func (c *Controller) completeIfDone() {
	switch c.state {
	case stateReading:
		if c.readIndex < len(c.readBuf) {
			c.enableInterrupts()
			return
		}
		c.bus.Write32(flashregs.OpStatus, 0)
		buf := c.takeReadBuf()
		c.state = stateIdle
		if c.client != nil {
			c.client.ReadComplete(buf, hal.OpComplete)
		}

	case stateWriting:
		if c.writeIndex < len(c.writeBuf) {
			c.enableInterrupts()
			return
		}
		c.bus.Write32(flashregs.OpStatus, 0)
		buf := c.takeWriteBuf()
		c.state = stateIdle
		if c.client != nil {
			c.client.WriteComplete(buf, hal.OpComplete)
		}

	case stateErasing:
		c.bus.Write32(flashregs.OpStatus, 0)
		c.state = stateIdle
		if c.client != nil {
			c.client.EraseComplete(hal.OpComplete)
		}
	}
}

// completeWithError terminates the in-flight operation. Protection
// violations are reported as OpErrProtection, everything else as
// OpErrFlash, through the ordinary completion callbacks.
func (c *Controller) completeWithError() {
	code := c.bus.Read32(flashregs.ErrCode)
	// Acknowledge every asserted sub-flag (W1C); a stale flag would
	// re-raise the error interrupt on the next arm.
	c.bus.Write32(flashregs.ErrCode, code)
	c.bus.Write32(flashregs.OpStatus, 0)
	// The aborted command leaves its words behind. Flush both FIFOs so
	// the next accepted operation starts from empty.
	c.bus.Write32(flashregs.FifoRst, flashregs.FifoRstEn)
	c.bus.Write32(flashregs.FifoRst, 0)

	result := hal.OpErrFlash
	if code&flashregs.ErrCodeMp != 0 {
		result = hal.OpErrProtection
	}

	state := c.state
	c.state = stateIdle
	switch state {
	case stateReading:
		buf := c.takeReadBuf()
		if c.client != nil {
			c.client.ReadComplete(buf, result)
		}
	case stateWriting:
		buf := c.takeWriteBuf()
		if c.client != nil {
			c.client.WriteComplete(buf, result)
		}
	case stateErasing:
		if c.client != nil {
			c.client.EraseComplete(result)
		}
	}
}

func (c *Controller) takeReadBuf() []byte {
	buf := c.readBuf
	c.readBuf = nil
	c.readIndex = 0
	return buf
}

func (c *Controller) takeWriteBuf() []byte {
	buf := c.writeBuf
	c.writeBuf = nil
	c.writeIndex = 0
	c.writeWordAddr = 0
	return buf
}

// Permission encoding helpers. The hardware's permission fields are 4-bit
// multi-bit booleans: only the set and clear sentinels are ever written.

func mubi(b bool) uint32 {
	if b {
		return flashregs.MubiSet
	}
	return flashregs.MubiClear
}

func mubiAt(v uint32, shift uint) bool {
	return (v>>shift)&flashregs.MubiMask == flashregs.MubiSet
}

func regionCfgWord(p hal.RegionPerms, enabled bool) uint32 {
	return mubi(enabled)<<flashregs.CfgEnShift |
		mubi(p.Read)<<flashregs.CfgRdShift |
		mubi(p.Program)<<flashregs.CfgProgShift |
		mubi(p.Erase)<<flashregs.CfgEraseShift |
		mubi(p.Scramble)<<flashregs.CfgScrambleShift |
		mubi(p.ECC)<<flashregs.CfgEccShift |
		mubi(p.HighEndurance)<<flashregs.CfgHeShift
}

func defaultRegionWord(p hal.RegionPerms) uint32 {
	return mubi(p.Read)<<flashregs.DefRdShift |
		mubi(p.Program)<<flashregs.DefProgShift |
		mubi(p.Erase)<<flashregs.DefEraseShift |
		mubi(p.Scramble)<<flashregs.DefScrambleShift |
		mubi(p.ECC)<<flashregs.DefEccShift |
		mubi(p.HighEndurance)<<flashregs.DefHeShift
}
