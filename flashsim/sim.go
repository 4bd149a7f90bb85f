// Package flashsim models a lowRISC-style flash page controller and its
// backing flash array for host builds. It implements the driver's register
// bus bit for bit (command/address registers, word FIFOs, region-based
// memory protection, error reporting) and delivers interrupts
// deterministically from Step, so interrupt-driven driver code runs
// unmodified against it in ordinary Go tests.
package flashsim

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"flashctl/hal"
	"flashctl/internal/flashregs"
)

// Opcode is a hardware command kind, as logged by the model.
type Opcode uint8

const (
	OpRead Opcode = iota
	OpProg
	OpErase
)

func (o Opcode) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpProg:
		return "prog"
	case OpErase:
		return "erase"
	default:
		return "unknown"
	}
}

// Command records one hardware command issued through the control register.
// Tests use the log to assert run-splitting behaviour.
type Command struct {
	Op    Opcode
	Addr  uint32
	Words int
}

type cmdPhase uint8

const (
	phaseIdle cmdPhase = iota
	phaseRead
	phaseProg
	phaseErase
)

// Sim is the controller model. It is not safe for concurrent use; the
// intended setup is a single goroutine that owns both the driver and the
// model, stepping the model to make progress.
type Sim struct {
	store Store
	log   *slog.Logger
	irq   func()

	// Register file.
	intrState  uint32
	intrEnable uint32
	control    uint32
	addr       uint32
	fifoLvl    uint32
	opStatus   uint32
	errCode    uint32
	scratch    uint32
	defaultReg uint32

	regionUnlocked [flashregs.NumRegions]bool
	regionCfg      [flashregs.NumRegions]uint32
	regionBounds   [flashregs.NumRegions]uint32

	infoUnlocked [flashregs.NumBanks][flashregs.InfoPagesPerBank]bool
	infoCfg      [flashregs.NumBanks][flashregs.InfoPagesPerBank]uint32

	bankCfg       uint32
	bankCfgStaged *uint32

	// Command engine.
	phase     cmdPhase
	curAddr   uint32
	wordsLeft int
	rdFifo    []uint32
	progFifo  []uint32

	cmds []Command
}

// New returns a model over the given flash array. The array must match the
// controller's data partition geometry.
func New(store Store) (*Sim, error) {
	if store == nil {
		return nil, fmt.Errorf("flashsim: nil store")
	}
	if store.SizeBytes() != flashregs.TotalBytes {
		return nil, fmt.Errorf("flashsim: store is %d bytes, controller needs %d",
			store.SizeBytes(), flashregs.TotalBytes)
	}
	s := &Sim{store: store}
	s.Reset()
	return s, nil
}

// SetIRQHandler connects the interrupt line. The handler runs from Step,
// never from a register access, mirroring real interrupt delivery.
func (s *Sim) SetIRQHandler(fn func()) { s.irq = fn }

// SetLogger enables debug tracing of commands and interrupt delivery.
func (s *Sim) SetLogger(l *slog.Logger) { s.log = l }

// Reset returns the register file to its power-on state. Flash contents
// persist. Region locks do not: a lock is irreversible only within a boot
// cycle.
func (s *Sim) Reset() {
	s.intrState = 0
	s.intrEnable = 0
	s.control = 0
	s.addr = 0
	s.fifoLvl = 0
	s.opStatus = 0
	s.errCode = 0
	s.scratch = 0
	s.defaultReg = 0
	for i := range s.regionUnlocked {
		s.regionUnlocked[i] = true
		s.regionCfg[i] = 0
		s.regionBounds[i] = 0
	}
	for b := range s.infoUnlocked {
		for i := range s.infoUnlocked[b] {
			s.infoUnlocked[b][i] = true
			s.infoCfg[b][i] = 0
		}
	}
	s.bankCfg = 0
	s.bankCfgStaged = nil
	s.phase = phaseIdle
	s.rdFifo = s.rdFifo[:0]
	s.progFifo = s.progFifo[:0]
	s.cmds = nil
}

// Commands returns the hardware commands issued since the last Reset.
func (s *Sim) Commands() []Command { return s.cmds }

func (s *Sim) busy() bool { return s.phase != phaseIdle }

func (s *Sim) debug(msg string, args ...any) {
	if s.log != nil {
		s.log.Debug(msg, args...)
	}
}

// Read32 implements mmio.Bus32.
func (s *Sim) Read32(off uint32) uint32 {
	switch {
	case off == flashregs.IntrState:
		return s.intrState
	case off == flashregs.IntrEnable:
		return s.intrEnable
	case off == flashregs.CtrlRegwen:
		if s.busy() {
			return 0
		}
		return flashregs.CtrlRegwenEn
	case off == flashregs.Control:
		return s.control
	case off == flashregs.Addr:
		return s.addr
	case off == flashregs.DefaultRegion:
		return s.defaultReg
	case off >= flashregs.RegionCfgRegwen && off < flashregs.RegionCfgRegwen+4*flashregs.NumRegions:
		if s.regionUnlocked[(off-flashregs.RegionCfgRegwen)/4] {
			return flashregs.RegwenEnabled
		}
		return 0
	case off >= flashregs.MpRegionCfg && off < flashregs.MpRegionCfg+4*flashregs.NumRegions:
		return s.regionCfg[(off-flashregs.MpRegionCfg)/4]
	case off >= flashregs.MpRegion && off < flashregs.MpRegion+4*flashregs.NumRegions:
		return s.regionBounds[(off-flashregs.MpRegion)/4]
	case off >= flashregs.Bank0Info0PageCfg && off < flashregs.Bank0Info0PageCfg+4*flashregs.InfoPagesPerBank:
		return s.infoCfg[0][(off-flashregs.Bank0Info0PageCfg)/4]
	case off >= flashregs.Bank1Info0PageCfg && off < flashregs.Bank1Info0PageCfg+4*flashregs.InfoPagesPerBank:
		return s.infoCfg[1][(off-flashregs.Bank1Info0PageCfg)/4]
	case off == flashregs.MpBankCfgShadowed:
		return s.bankCfg
	case off == flashregs.OpStatus:
		return s.opStatus
	case off == flashregs.Status:
		return s.statusWord()
	case off == flashregs.ErrCode:
		return s.errCode
	case off == flashregs.Scratch:
		return s.scratch
	case off == flashregs.FifoLvl:
		return s.fifoLvl
	case off == flashregs.RdFifo:
		if len(s.rdFifo) == 0 {
			return 0
		}
		w := s.rdFifo[0]
		s.rdFifo = s.rdFifo[1:]
		return w
	default:
		return 0
	}
}

// Write32 implements mmio.Bus32.
func (s *Sim) Write32(off uint32, v uint32) {
	switch {
	case off == flashregs.IntrState:
		s.intrState &^= v // W1C
	case off == flashregs.IntrEnable:
		s.intrEnable = v
	case off == flashregs.IntrTest:
		s.intrState |= v
	case off == flashregs.Control:
		if s.busy() {
			return // ctrl_regwen deasserted, write squashed
		}
		s.control = v
		if v&flashregs.CtrlStart != 0 {
			s.startCommand()
		}
	case off == flashregs.Addr:
		if !s.busy() {
			s.addr = v
		}
	case off == flashregs.DefaultRegion:
		s.defaultReg = v
	case off >= flashregs.RegionCfgRegwen && off < flashregs.RegionCfgRegwen+4*flashregs.NumRegions:
		// RW0C: writing zero locks, writing one cannot unlock.
		if v&flashregs.RegwenEnabled == 0 {
			s.regionUnlocked[(off-flashregs.RegionCfgRegwen)/4] = false
		}
	case off >= flashregs.MpRegionCfg && off < flashregs.MpRegionCfg+4*flashregs.NumRegions:
		if i := (off - flashregs.MpRegionCfg) / 4; s.regionUnlocked[i] {
			s.regionCfg[i] = v
		}
	case off >= flashregs.MpRegion && off < flashregs.MpRegion+4*flashregs.NumRegions:
		if i := (off - flashregs.MpRegion) / 4; s.regionUnlocked[i] {
			s.regionBounds[i] = v
		}
	case off >= flashregs.Bank0Info0Regwen && off < flashregs.Bank0Info0Regwen+4*flashregs.InfoPagesPerBank:
		if v&flashregs.RegwenEnabled == 0 {
			s.infoUnlocked[0][(off-flashregs.Bank0Info0Regwen)/4] = false
		}
	case off >= flashregs.Bank0Info0PageCfg && off < flashregs.Bank0Info0PageCfg+4*flashregs.InfoPagesPerBank:
		if i := (off - flashregs.Bank0Info0PageCfg) / 4; s.infoUnlocked[0][i] {
			s.infoCfg[0][i] = v
		}
	case off >= flashregs.Bank1Info0Regwen && off < flashregs.Bank1Info0Regwen+4*flashregs.InfoPagesPerBank:
		if v&flashregs.RegwenEnabled == 0 {
			s.infoUnlocked[1][(off-flashregs.Bank1Info0Regwen)/4] = false
		}
	case off >= flashregs.Bank1Info0PageCfg && off < flashregs.Bank1Info0PageCfg+4*flashregs.InfoPagesPerBank:
		if i := (off - flashregs.Bank1Info0PageCfg) / 4; s.infoUnlocked[1][i] {
			s.infoCfg[1][i] = v
		}
	case off == flashregs.MpBankCfgShadowed:
		// Shadowed: the value commits on the second matching write. A
		// mismatch discards the staged value and flags an update error.
		if s.bankCfgStaged == nil {
			staged := v
			s.bankCfgStaged = &staged
		} else if *s.bankCfgStaged == v {
			s.bankCfg = v
			s.bankCfgStaged = nil
		} else {
			s.errCode |= flashregs.ErrCodeUpdate
			staged := v
			s.bankCfgStaged = &staged
		}
	case off == flashregs.OpStatus:
		s.opStatus = v
	case off == flashregs.ErrCode:
		s.errCode &^= v // W1C
	case off == flashregs.Scratch:
		s.scratch = v
	case off == flashregs.FifoLvl:
		s.fifoLvl = v
	case off == flashregs.FifoRst:
		if v&flashregs.FifoRstEn != 0 {
			s.rdFifo = s.rdFifo[:0]
			s.progFifo = s.progFifo[:0]
		}
	case off == flashregs.ProgFifo:
		if len(s.progFifo) < flashregs.FifoDepthWords {
			s.progFifo = append(s.progFifo, v)
		}
	}
}

func (s *Sim) statusWord() uint32 {
	var v uint32
	if len(s.rdFifo) == flashregs.FifoDepthWords {
		v |= flashregs.StatusRdFull
	}
	if len(s.rdFifo) == 0 {
		v |= flashregs.StatusRdEmpty
	}
	if len(s.progFifo) == flashregs.FifoDepthWords {
		v |= flashregs.StatusProgFull
	}
	if len(s.progFifo) == 0 {
		v |= flashregs.StatusProgEmpty
	}
	return v
}

// startCommand decodes the control register and either begins the transfer
// or raises a protection fault. Fault interrupts are latched here but only
// delivered from Step.
func (s *Sim) startCommand() {
	op := (s.control & flashregs.CtrlOpMask) >> flashregs.CtrlOpShift
	words := int((s.control&flashregs.CtrlNumMask)>>flashregs.CtrlNumShift) + 1
	addr := s.addr

	var (
		kind    Opcode
		lastOff uint32
	)
	switch op {
	case flashregs.OpRead:
		kind = OpRead
		lastOff = addr + uint32(words)*flashregs.WordBytes - 1
	case flashregs.OpProg:
		kind = OpProg
		lastOff = addr + uint32(words)*flashregs.WordBytes - 1
	case flashregs.OpErase:
		kind = OpErase
		words = 0
		lastOff = addr
	default:
		s.errCode |= flashregs.ErrCodeMacro
		s.opStatus |= flashregs.OpStatusErr
		s.intrState |= flashregs.IntrOpError
		return
	}

	if lastOff >= flashregs.TotalBytes {
		s.errCode |= flashregs.ErrCodeRd
		s.opStatus |= flashregs.OpStatusErr
		s.intrState |= flashregs.IntrOpError
		return
	}

	if !s.accessAllowed(kind, addr, lastOff) {
		s.debug("cmd:mp-fault",
			slog.String("op", kind.String()), slog.Int("addr", int(addr)))
		s.errCode |= flashregs.ErrCodeMp
		s.opStatus |= flashregs.OpStatusErr
		s.intrState |= flashregs.IntrOpError
		return
	}

	s.cmds = append(s.cmds, Command{Op: kind, Addr: addr, Words: words})
	s.debug("cmd:start",
		slog.String("op", kind.String()),
		slog.Int("addr", int(addr)),
		slog.Int("words", words))

	s.curAddr = addr
	s.wordsLeft = words
	switch kind {
	case OpRead:
		s.phase = phaseRead
	case OpProg:
		s.phase = phaseProg
	case OpErase:
		s.phase = phaseErase
	}
}

// accessAllowed evaluates the region configuration for every page the
// transfer touches. The lowest-indexed enabled region containing a page
// wins; pages outside every region fall back to the default permissions.
func (s *Sim) accessAllowed(op Opcode, first, last uint32) bool {
	for page := first / flashregs.PageSize; page <= last/flashregs.PageSize; page++ {
		perms := s.pagePerms(page)
		switch op {
		case OpRead:
			if !perms.Read {
				return false
			}
		case OpProg:
			if !perms.Program {
				return false
			}
		case OpErase:
			if !perms.Erase {
				return false
			}
		}
	}
	return true
}

func (s *Sim) pagePerms(page uint32) hal.RegionPerms {
	for i := 0; i < flashregs.NumRegions; i++ {
		if !mubiAt(s.regionCfg[i], flashregs.CfgEnShift) {
			continue
		}
		base := (s.regionBounds[i] >> flashregs.MpBaseShift) & flashregs.MpBaseMask
		size := (s.regionBounds[i] >> flashregs.MpSizeShift) & flashregs.MpSizeMask
		if page >= base && page < base+size {
			return hal.RegionPerms{
				Read:          mubiAt(s.regionCfg[i], flashregs.CfgRdShift),
				Program:       mubiAt(s.regionCfg[i], flashregs.CfgProgShift),
				Erase:         mubiAt(s.regionCfg[i], flashregs.CfgEraseShift),
				Scramble:      mubiAt(s.regionCfg[i], flashregs.CfgScrambleShift),
				ECC:           mubiAt(s.regionCfg[i], flashregs.CfgEccShift),
				HighEndurance: mubiAt(s.regionCfg[i], flashregs.CfgHeShift),
			}
		}
	}
	return hal.RegionPerms{
		Read:          mubiAt(s.defaultReg, flashregs.DefRdShift),
		Program:       mubiAt(s.defaultReg, flashregs.DefProgShift),
		Erase:         mubiAt(s.defaultReg, flashregs.DefEraseShift),
		Scramble:      mubiAt(s.defaultReg, flashregs.DefScrambleShift),
		ECC:           mubiAt(s.defaultReg, flashregs.DefEccShift),
		HighEndurance: mubiAt(s.defaultReg, flashregs.DefHeShift),
	}
}

func mubiAt(v uint32, shift uint) bool {
	return (v>>shift)&flashregs.MubiMask == flashregs.MubiSet
}

// Step advances the hardware one quantum (one FIFO burst, one FIFO
// drain, or one erase), then delivers the interrupt line if any enabled
// interrupt is pending.
func (s *Sim) Step() {
	switch s.phase {
	case phaseRead:
		s.stepRead()
	case phaseProg:
		s.stepProg()
	case phaseErase:
		s.stepErase()
	}
	s.deliverIRQ()
}

// Run steps the model n times, the host analogue of letting the kernel
// service interrupts for a while.
func (s *Sim) Run(n int) {
	for i := 0; i < n; i++ {
		s.Step()
	}
}

func (s *Sim) stepRead() {
	free := flashregs.FifoDepthWords - len(s.rdFifo)
	n := s.wordsLeft
	if n > free {
		n = free
	}
	var word [flashregs.WordBytes]byte
	for i := 0; i < n; i++ {
		if _, err := s.store.ReadAt(word[:], s.curAddr); err != nil {
			s.failCommand(flashregs.ErrCodeRd, err)
			return
		}
		s.rdFifo = append(s.rdFifo, binary.LittleEndian.Uint32(word[:]))
		s.curAddr += flashregs.WordBytes
		s.wordsLeft--
	}

	threshold := (s.fifoLvl >> flashregs.FifoLvlRdShift) & flashregs.FifoLvlRdMask
	if threshold > 0 && uint32(len(s.rdFifo)) >= threshold {
		s.intrState |= flashregs.IntrRdLvl
	}
	if s.wordsLeft == 0 {
		s.finishCommand()
	}
}

func (s *Sim) stepProg() {
	var word [flashregs.WordBytes]byte
	for s.wordsLeft > 0 && len(s.progFifo) > 0 {
		binary.LittleEndian.PutUint32(word[:], s.progFifo[0])
		if _, err := s.store.ProgramAt(word[:], s.curAddr); err != nil {
			s.failCommand(flashregs.ErrCodeProg, err)
			return
		}
		s.progFifo = s.progFifo[1:]
		s.curAddr += flashregs.WordBytes
		s.wordsLeft--
	}

	threshold := (s.fifoLvl >> flashregs.FifoLvlProgShift) & flashregs.FifoLvlProgMask
	if uint32(len(s.progFifo)) <= threshold {
		s.intrState |= flashregs.IntrProgEmpty
	}
	if s.wordsLeft == 0 {
		s.finishCommand()
	}
}

func (s *Sim) stepErase() {
	off := s.curAddr - s.curAddr%flashregs.PageSize
	size := uint32(flashregs.PageSize)
	if s.control&flashregs.CtrlEraseSelBank != 0 && s.bankEraseEnabled(off) {
		bank := off / (flashregs.PagesPerBank * flashregs.PageSize)
		off = bank * flashregs.PagesPerBank * flashregs.PageSize
		size = flashregs.PagesPerBank * flashregs.PageSize
	}
	if err := s.store.Erase(off, size); err != nil {
		s.failCommand(flashregs.ErrCodeMacro, err)
		return
	}
	s.finishCommand()
}

func (s *Sim) bankEraseEnabled(off uint32) bool {
	if off < flashregs.PagesPerBank*flashregs.PageSize {
		return s.bankCfg&flashregs.BankEraseEn0 != 0
	}
	return s.bankCfg&flashregs.BankEraseEn1 != 0
}

func (s *Sim) finishCommand() {
	s.phase = phaseIdle
	s.opStatus |= flashregs.OpStatusDone
	s.intrState |= flashregs.IntrOpDone
	s.debug("cmd:done")
}

func (s *Sim) failCommand(code uint32, err error) {
	s.phase = phaseIdle
	// The hardware drops whatever the aborted command left in flight.
	s.rdFifo = s.rdFifo[:0]
	s.progFifo = s.progFifo[:0]
	s.errCode |= code
	s.opStatus |= flashregs.OpStatusErr
	s.intrState |= flashregs.IntrOpError
	s.debug("cmd:error", slog.String("err", err.Error()))
}

func (s *Sim) deliverIRQ() {
	if s.irq != nil && s.intrState&s.intrEnable != 0 {
		s.debug("irq:assert", slog.Int("state", int(s.intrState)))
		s.irq()
	}
}
