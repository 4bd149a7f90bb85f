// Package flashregs holds the register map and geometry of the flash page
// controller. It is shared by the driver (flashctrl) and the host device
// model (flashsim) so both sides agree on the vendor layout bit for bit.
package flashregs

// Flash geometry.
const (
	PageSize         = 2048 // bytes per page, the erase/addressing unit
	WordBytes        = 4    // bus word, the FIFO transfer granularity
	FlashWordBytes   = 8    // physical flash word
	PagesPerBank     = 256
	NumBanks         = 2
	NumPages         = PagesPerBank * NumBanks
	InfoPagesPerBank = 10
	NumRegions       = 8 // protection config slots
	TotalBytes       = NumPages * PageSize

	PageWords = PageSize / WordBytes

	// Program runs must not cross a window boundary at every
	// ProgWindowWords words.
	ProgWindowWords = 16
	ProgWindowMask  = 0xFFFF_FFF0

	// Depth of the read and program FIFOs, in bus words.
	FifoDepthWords = 16
)

// Register byte offsets from the controller base.
const (
	IntrState       = 0x000 // RW1C interrupt state
	IntrEnable      = 0x004 // RW   interrupt enable
	IntrTest        = 0x008 // W    interrupt test (sets state bits)
	AlertTest       = 0x00C // W
	Disable         = 0x010 // RW
	Exec            = 0x014 // RW
	Init            = 0x018 // RW
	CtrlRegwen      = 0x01C // R    control register writable while set
	Control         = 0x020 // RW   operation command
	Addr            = 0x024 // RW   operation byte address
	ProgTypeEn      = 0x028 // RW
	EraseSuspend    = 0x02C // RW
	RegionCfgRegwen = 0x030 // RW0C x8, stride 4; clearing locks the region
	MpRegionCfg     = 0x050 // RW x8, per-region permission nibbles
	MpRegion        = 0x070 // RW x8, per-region base/size (pages)
	DefaultRegion   = 0x090 // RW   fallback permission nibbles

	Bank0Info0Regwen  = 0x094 // RW0C x10
	Bank0Info0PageCfg = 0x0BC // RW x10
	Bank0Info1Regwen  = 0x0E4 // RW0C
	Bank0Info1PageCfg = 0x0E8 // RW
	Bank0Info2Regwen  = 0x0EC // RW0C x2
	Bank0Info2PageCfg = 0x0F4 // RW x2
	Bank1Info0Regwen  = 0x0FC // RW0C x10
	Bank1Info0PageCfg = 0x124 // RW x10
	Bank1Info1Regwen  = 0x14C // RW0C
	Bank1Info1PageCfg = 0x150 // RW
	Bank1Info2Regwen  = 0x154 // RW0C x2
	Bank1Info2PageCfg = 0x15C // RW x2

	BankCfgRegwen     = 0x164 // RW0C
	MpBankCfgShadowed = 0x168 // RW, shadowed: commits on the second write
	OpStatus          = 0x16C // RW  done/err of the last operation
	Status            = 0x170 // R   FIFO and init status
	ErrCode           = 0x174 // RW1C error cause sub-flags
	StdFaultStatus    = 0x178 // R
	FaultStatus       = 0x17C // R
	ErrAddr           = 0x180 // R
	EccSingleErrCnt   = 0x184 // R
	EccSingleErrAddr  = 0x188 // R x2
	PhyAlertCfg       = 0x190 // R
	PhyStatus         = 0x194 // R
	Scratch           = 0x198 // RW
	FifoLvl           = 0x19C // RW  interrupt fill thresholds
	FifoRst           = 0x1A0 // RW
	CurrFifoLvl       = 0x1A4 // W
	ProgFifo          = 0x1A8 // W   program data port
	RdFifo            = 0x1AC // R   read data port
)

// Interrupt bits (IntrState / IntrEnable / IntrTest).
const (
	IntrProgEmpty = 1 << 0
	IntrProgLvl   = 1 << 1
	IntrRdFull    = 1 << 2
	IntrRdLvl     = 1 << 3
	IntrOpDone    = 1 << 4
	IntrOpError   = 1 << 5
)

// Control fields.
const (
	CtrlStart = 1 << 0

	CtrlOpShift = 4
	CtrlOpMask  = 0x3 << CtrlOpShift
	OpRead      = 0
	OpProg      = 1
	OpErase     = 2

	CtrlProgSelRepair = 1 << 6
	CtrlEraseSelBank  = 1 << 7
	CtrlPartitionInfo = 1 << 8
	CtrlInfoSelShift  = 9
	CtrlInfoSelMask   = 0x3 << CtrlInfoSelShift

	// Word count of the transfer, minus one.
	CtrlNumShift = 16
	CtrlNumMask  = 0xFFF << CtrlNumShift
)

// CtrlRegwen bit.
const CtrlRegwenEn = 1 << 0

// Permission fields are 4-bit multi-bit booleans. Only the two sentinel
// encodings are valid; the hardware treats anything else as false.
const (
	MubiSet   = 0x6
	MubiClear = 0x9
	MubiMask  = 0xF
)

// Nibble shifts within MpRegionCfg and the bank info page cfg registers.
const (
	CfgEnShift       = 0
	CfgRdShift       = 4
	CfgProgShift     = 8
	CfgEraseShift    = 12
	CfgScrambleShift = 16
	CfgEccShift      = 20
	CfgHeShift       = 24
)

// Nibble shifts within DefaultRegion (no enable field).
const (
	DefRdShift       = 0
	DefProgShift     = 4
	DefEraseShift    = 8
	DefScrambleShift = 12
	DefEccShift      = 16
	DefHeShift       = 20
)

// MpRegion fields, both in pages.
const (
	MpBaseShift = 0
	MpBaseMask  = 0x1FF
	MpSizeShift = 9
	MpSizeMask  = 0x3FF
)

// Regwen bit shared by RegionCfgRegwen and the bank info regwen registers.
// Locked is zero; the bit is RW0C.
const RegwenEnabled = 1 << 0

// MpBankCfgShadowed bits.
const (
	BankEraseEn0 = 1 << 0
	BankEraseEn1 = 1 << 1
)

// OpStatus bits.
const (
	OpStatusDone = 1 << 0
	OpStatusErr  = 1 << 1
)

// Status bits.
const (
	StatusRdFull    = 1 << 0
	StatusRdEmpty   = 1 << 1
	StatusProgFull  = 1 << 2
	StatusProgEmpty = 1 << 3
	StatusInitWip   = 1 << 4
)

// ErrCode sub-flags (RW1C).
const (
	ErrCodeMp       = 1 << 0 // memory protection violation
	ErrCodeRd       = 1 << 1
	ErrCodeProg     = 1 << 2
	ErrCodeProgWin  = 1 << 3
	ErrCodeProgType = 1 << 4
	ErrCodeUpdate   = 1 << 5 // shadowed register update mismatch
	ErrCodeMacro    = 1 << 6
)

// FifoLvl fields.
const (
	FifoLvlProgShift = 0
	FifoLvlProgMask  = 0x1F
	FifoLvlRdShift   = 8
	FifoLvlRdMask    = 0x1F
)

// FifoRst bit.
const FifoRstEn = 1 << 0
