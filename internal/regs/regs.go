// Package regs describes the LPC17xx CAN peripheral register map and the Bank
// abstraction the driver uses to reach it.
package regs

import "sync"

// Bank is a block of 32-bit memory mapped registers addressed by byte offset.
// Implementations must tolerate concurrent Read/Write calls.
type Bank interface {
	Read(off uint32) uint32
	Write(off uint32, v uint32)
}

// Mem is a plain Bank without side effects. It backs AF RAM, the AF control
// block and the system control block in the simulator and in tests.
type Mem struct {
	mu   sync.Mutex
	word []uint32
}

// NewMem returns a zeroed bank of size bytes (rounded down to whole words).
func NewMem(size uint32) *Mem { return &Mem{word: make([]uint32, size/4)} }

func (m *Mem) Read(off uint32) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := off / 4
	if int(i) >= len(m.word) {
		return 0
	}
	return m.word[i]
}

func (m *Mem) Write(off uint32, v uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := off / 4
	if int(i) >= len(m.word) {
		return
	}
	m.word[i] = v
}

// Set ORs bits into a register.
func Set(b Bank, off, bits uint32) { b.Write(off, b.Read(off)|bits) }

// Clear removes bits from a register.
func Clear(b Bank, off, bits uint32) { b.Write(off, b.Read(off)&^bits) }

// Field extracts a bit field of width w starting at bit pos.
func Field(v uint32, pos, w uint) uint32 { return (v >> pos) & (1<<w - 1) }

// Controller register offsets (LPC_CANx).
const (
	MOD  uint32 = 0x00
	CMR  uint32 = 0x04
	GSR  uint32 = 0x08
	ICR  uint32 = 0x0C
	IER  uint32 = 0x10
	BTR  uint32 = 0x14
	EWL  uint32 = 0x18
	SR   uint32 = 0x1C
	RFS  uint32 = 0x20
	RID  uint32 = 0x24
	RDA  uint32 = 0x28
	RDB  uint32 = 0x2C
	TFI1 uint32 = 0x30
	TID1 uint32 = 0x34
	TDA1 uint32 = 0x38
	TDB1 uint32 = 0x3C

	// TxStride separates the three transmit register sets.
	TxStride uint32 = 0x10

	// ControllerSize is the extent of one controller block.
	ControllerSize uint32 = 0x60
)

// TFI returns the frame info register of transmit buffer n (1..3).
func TFI(n int) uint32 { return TFI1 + uint32(n-1)*TxStride }

// TID returns the identifier register of transmit buffer n (1..3).
func TID(n int) uint32 { return TID1 + uint32(n-1)*TxStride }

// TDA returns the data A register of transmit buffer n (1..3).
func TDA(n int) uint32 { return TDA1 + uint32(n-1)*TxStride }

// TDB returns the data B register of transmit buffer n (1..3).
func TDB(n int) uint32 { return TDB1 + uint32(n-1)*TxStride }

// MOD bits
const (
	ModRM  = 1 << 0 // reset mode
	ModLOM = 1 << 1 // listen only
	ModSTM = 1 << 2 // self test
	ModTPM = 1 << 3 // transmit priority by PRIO field
	ModSM  = 1 << 4 // sleep
	ModRPM = 1 << 5 // reverse polarity
	ModTM  = 1 << 7 // test mode
)

// CMR bits
const (
	CmrTR   = 1 << 0 // transmission request
	CmrAT   = 1 << 1 // abort transmission
	CmrRRB  = 1 << 2 // release receive buffer
	CmrCDO  = 1 << 3 // clear data overrun
	CmrSRR  = 1 << 4 // self reception request
	CmrSTB1 = 1 << 5
	CmrSTB2 = 1 << 6
	CmrSTB3 = 1 << 7
)

// CmrSTB returns the select bit of transmit buffer n (1..3).
func CmrSTB(n int) uint32 { return CmrSTB1 << uint(n-1) }

// GSR bits
const (
	GsrRBS = 1 << 0
	GsrDOS = 1 << 1
	GsrTBS = 1 << 2
	GsrTCS = 1 << 3
	GsrRS  = 1 << 4
	GsrTS  = 1 << 5
	GsrES  = 1 << 6
	GsrBS  = 1 << 7

	GsrRXERRShift = 16
	GsrTXERRShift = 24
)

// SR bits; the per-buffer group repeats every 8 bits.
const (
	SrRBS = 1 << 0
	SrDOS = 1 << 1
	SrTBS = 1 << 2
	SrTCS = 1 << 3
	SrRS  = 1 << 4
	SrTS  = 1 << 5
	SrES  = 1 << 6
	SrBS  = 1 << 7
)

// SrTBSn returns the "transmit buffer released" bit of buffer n (1..3).
func SrTBSn(n int) uint32 { return SrTBS << (8 * uint(n-1)) }

// SrTCSn returns the "transmission complete" bit of buffer n (1..3).
func SrTCSn(n int) uint32 { return SrTCS << (8 * uint(n-1)) }

// SrTSn returns the "transmitting" bit of buffer n (1..3).
func SrTSn(n int) uint32 { return SrTS << (8 * uint(n-1)) }

// SrAllTBS covers the released bits of all three transmit buffers.
const SrAllTBS = SrTBS | SrTBS<<8 | SrTBS<<16

// Frame info bits shared by RFS and TFIn.
const (
	FiFF       = 1 << 31
	FiRTR      = 1 << 30
	FiDLCShift = 16
	FiDLCMask  = 0xF << FiDLCShift
	FiBP       = 1 << 10 // RFS: received in AF bypass mode
	FiIDIndex  = 0x3FF   // RFS: matched AF entry index
	FiPrio     = 0xFF    // TFI: transmit priority
)

// BTR fields
const (
	BtrBRPMask    = 0x3FF
	BtrSJWShift   = 14
	BtrTSEG1Shift = 16
	BtrTSEG2Shift = 20
	BtrSAM        = 1 << 23
)

// Interrupt bits (ICR capture and IER enable share positions).
const (
	IntRI  = 1 << 0  // receive
	IntTI1 = 1 << 1  // transmit buffer 1
	IntEI  = 1 << 2  // error warning
	IntDOI = 1 << 3  // data overrun
	IntWUI = 1 << 4  // wake up
	IntEPI = 1 << 5  // error passive
	IntALI = 1 << 6  // arbitration lost
	IntBEI = 1 << 7  // bus error
	IntIDI = 1 << 8  // ID ready
	IntTI2 = 1 << 9  // transmit buffer 2
	IntTI3 = 1 << 10 // transmit buffer 3

	IntMask = 0x7FF
)

// IntTI returns the transmit interrupt bit of buffer n (1..3).
func IntTI(n int) uint32 {
	switch n {
	case 1:
		return IntTI1
	case 2:
		return IntTI2
	default:
		return IntTI3
	}
}

// Acceptance filter control registers (LPC_CANAF).
const (
	AFMR       uint32 = 0x00
	SFFsa      uint32 = 0x04
	SFFGRPsa   uint32 = 0x08
	EFFsa      uint32 = 0x0C
	EFFGRPsa   uint32 = 0x10
	ENDofTable uint32 = 0x14
	LUTerrAd   uint32 = 0x18
	LUTerr     uint32 = 0x1C

	AFSize uint32 = 0x20
)

// AFMR bits
const (
	AfAccOff = 1 << 0 // discard all frames
	AfAccBP  = 1 << 1 // accept all frames
	AfEFCAN  = 1 << 2 // FullCAN enable
)

// AF RAM geometry.
const (
	AFRAMSlots        = 512
	AFRAMSize  uint32 = AFRAMSlots * 4
)

// System control registers used by the driver (LPC_SC / LPC_PINCON subset,
// relocated into one bank).
const (
	CLKSRCSEL uint32 = 0x00
	PCLKSEL0  uint32 = 0x04
	PCONP     uint32 = 0x08
	PINSEL0   uint32 = 0x0C
	PINMODE0  uint32 = 0x10

	SysSize uint32 = 0x20
)

// PCLKSEL0 selector positions.
const (
	PclkCAN1Shift = 26
	PclkCAN2Shift = 28
	PclkACFShift  = 30
)

// PCONP power bits.
const (
	PconpCAN1 = 1 << 13
	PconpCAN2 = 1 << 14
)
