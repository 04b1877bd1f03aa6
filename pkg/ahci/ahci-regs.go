// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file implements the AHCI register window and the register map of AHCI rev 1.3.1
package ahci

import (
	"sync/atomic"
	"unsafe"
)

const (
	DBG_LVL_DEFAULT     = iota //0
	DBG_LVL_BASIC              //1
	DBG_LVL_INFO               //2
	DBG_LVL_DETAIL             //3
	DBG_LVL_DEEP_DETAIL        //4
)

// RegisterWindow gives 32-bit access to the controller register file.
// Offsets are relative to the controller MMIO base (ABAR).
type RegisterWindow interface {
	Read32(offset uint64) uint32
	Write32(offset uint64, val uint32)
}

// Global (HBA) registers
const (
	HOST_CAP        = 0x00 // host capabilities
	HOST_CTL        = 0x04 // global host control
	HOST_IRQ_STAT   = 0x08 // interrupt status
	HOST_PORTS_IMPL = 0x0c // bitmap of implemented ports
	HOST_VERSION    = 0x10 // AHCI version compliancy
	HOST_EM_LOC     = 0x1c // enclosure management location
	HOST_EM_CTL     = 0x20 // enclosure management control
	HOST_CAP2       = 0x24 // host capabilities, extended
)

// HOST_CTL bits
const (
	HOST_RESET   uint32 = 1 << 0  // reset controller; self-clear
	HOST_IRQ_EN  uint32 = 1 << 1  // global IRQ enable
	HOST_MRSM    uint32 = 1 << 2  // MSI revert to single message
	HOST_AHCI_EN uint32 = 1 << 31 // AHCI enabled
)

// HOST_CAP bits
const (
	HOST_CAP_SXS       uint32 = 1 << 5  // supports external SATA
	HOST_CAP_EMS       uint32 = 1 << 6  // enclosure management support
	HOST_CAP_CCC       uint32 = 1 << 7  // command completion coalescing
	HOST_CAP_PART      uint32 = 1 << 13 // partial state capable
	HOST_CAP_SSC       uint32 = 1 << 14 // slumber state capable
	HOST_CAP_PIO_MULTI uint32 = 1 << 15 // PIO multiple DRQ support
	HOST_CAP_FBS       uint32 = 1 << 16 // FIS-based switching support
	HOST_CAP_PMP       uint32 = 1 << 17 // port multiplier support
	HOST_CAP_ONLY      uint32 = 1 << 18 // supports AHCI mode only
	HOST_CAP_CLO       uint32 = 1 << 24 // command list override support
	HOST_CAP_LED       uint32 = 1 << 25 // supports activity LED
	HOST_CAP_ALPM      uint32 = 1 << 26 // aggressive link PM support
	HOST_CAP_SSS       uint32 = 1 << 27 // staggered spin-up
	HOST_CAP_MPS       uint32 = 1 << 28 // mechanical presence switch
	HOST_CAP_SNTF      uint32 = 1 << 29 // SNotification register
	HOST_CAP_NCQ       uint32 = 1 << 30 // native command queueing
	HOST_CAP_64        uint32 = 1 << 31 // 64-bit DMA support
)

// HOST_CAP2 bits
const (
	HOST_CAP2_BOH    uint32 = 1 << 0 // BIOS/OS handoff supported
	HOST_CAP2_NVMHCI uint32 = 1 << 1 // NVMHCI supported
	HOST_CAP2_APST   uint32 = 1 << 2 // automatic partial to slumber
	HOST_CAP2_SDS    uint32 = 1 << 3 // support device sleep
	HOST_CAP2_SADM   uint32 = 1 << 4 // support aggressive DevSlp
	HOST_CAP2_DESO   uint32 = 1 << 5 // DevSlp from slumber only
)

// Per-port registers, relative to the port base
const (
	PORT_LST_ADDR    = 0x00 // command list DMA addr
	PORT_LST_ADDR_HI = 0x04 // command list DMA addr hi
	PORT_FIS_ADDR    = 0x08 // FIS rx buf addr
	PORT_FIS_ADDR_HI = 0x0c // FIS rx buf addr hi
	PORT_IRQ_STAT    = 0x10 // interrupt status
	PORT_IRQ_MASK    = 0x14 // interrupt enable/disable mask
	PORT_CMD         = 0x18 // port command
	PORT_TFDATA      = 0x20 // taskfile data
	PORT_SIG         = 0x24 // device TF signature
	PORT_SCR_STAT    = 0x28 // SATA phy register: SStatus
	PORT_SCR_CTL     = 0x2c // SATA phy register: SControl
	PORT_SCR_ERR     = 0x30 // SATA phy register: SError
	PORT_SCR_ACT     = 0x34 // SATA phy register: SActive
	PORT_CMD_ISSUE   = 0x38 // command issue
	PORT_SCR_NTF     = 0x3c // SATA phy register: SNotification
	PORT_FBS         = 0x40 // FIS-based switching
	PORT_DEVSLP      = 0x44 // device sleep
)

// PORT_IRQ_{STAT,MASK} bits
const (
	PORT_IRQ_COLD_PRES     uint32 = 1 << 31 // cold presence detect
	PORT_IRQ_TF_ERR        uint32 = 1 << 30 // task file error
	PORT_IRQ_HBUS_ERR      uint32 = 1 << 29 // host bus fatal error
	PORT_IRQ_HBUS_DATA_ERR uint32 = 1 << 28 // host bus data error
	PORT_IRQ_IF_ERR        uint32 = 1 << 27 // interface fatal error
	PORT_IRQ_IF_NONFATAL   uint32 = 1 << 26 // interface non-fatal error
	PORT_IRQ_OVERFLOW      uint32 = 1 << 24 // xfer exhausted available S/G
	PORT_IRQ_BAD_PMP       uint32 = 1 << 23 // incorrect port multiplier
	PORT_IRQ_PHYRDY        uint32 = 1 << 22 // PhyRdy changed
	PORT_IRQ_DEV_ILCK      uint32 = 1 << 7  // device interlock
	PORT_IRQ_CONNECT       uint32 = 1 << 6  // port connect change status
	PORT_IRQ_SG_DONE       uint32 = 1 << 5  // descriptor processed
	PORT_IRQ_UNK_FIS       uint32 = 1 << 4  // unknown FIS rx'd
	PORT_IRQ_SDB_FIS       uint32 = 1 << 3  // set device bits FIS rx'd
	PORT_IRQ_DMAS_FIS      uint32 = 1 << 2  // DMA setup FIS rx'd
	PORT_IRQ_PIOS_FIS      uint32 = 1 << 1  // PIO setup FIS rx'd
	PORT_IRQ_D2H_REG_FIS   uint32 = 1 << 0  // D2H register FIS rx'd

	PORT_IRQ_FREEZE = PORT_IRQ_HBUS_ERR | PORT_IRQ_IF_ERR | PORT_IRQ_CONNECT |
		PORT_IRQ_PHYRDY | PORT_IRQ_UNK_FIS | PORT_IRQ_BAD_PMP
	PORT_IRQ_ERROR = PORT_IRQ_FREEZE | PORT_IRQ_TF_ERR | PORT_IRQ_HBUS_DATA_ERR
	DEF_PORT_IRQ   = PORT_IRQ_ERROR | PORT_IRQ_SG_DONE | PORT_IRQ_SDB_FIS |
		PORT_IRQ_DMAS_FIS | PORT_IRQ_PIOS_FIS | PORT_IRQ_D2H_REG_FIS
)

// PORT_CMD bits
const (
	PORT_CMD_ASP      uint32 = 1 << 27 // aggressive slumber/partial
	PORT_CMD_ALPE     uint32 = 1 << 26 // aggressive link PM enable
	PORT_CMD_ATAPI    uint32 = 1 << 24 // device is ATAPI
	PORT_CMD_FBSCP    uint32 = 1 << 22 // FBS capable port
	PORT_CMD_ESP      uint32 = 1 << 21 // external SATA port
	PORT_CMD_CPD      uint32 = 1 << 20 // cold presence detection
	PORT_CMD_MPSP     uint32 = 1 << 19 // mechanical presence switch
	PORT_CMD_HPCP     uint32 = 1 << 18 // hotplug capable port
	PORT_CMD_PMP      uint32 = 1 << 17 // PMP attached
	PORT_CMD_LIST_ON  uint32 = 1 << 15 // cmd list DMA engine running
	PORT_CMD_FIS_ON   uint32 = 1 << 14 // FIS DMA engine running
	PORT_CMD_FIS_RX   uint32 = 1 << 4  // enable FIS receive DMA engine
	PORT_CMD_CLO      uint32 = 1 << 3  // command list override
	PORT_CMD_POWER_ON uint32 = 1 << 2  // power up device
	PORT_CMD_SPIN_UP  uint32 = 1 << 1  // spin up device
	PORT_CMD_START    uint32 = 1 << 0  // enable port DMA engine

	PORT_CMD_ICC_MASK    uint32 = 0xf << 28 // i/f ICC state mask
	PORT_CMD_ICC_ACTIVE  uint32 = 0x1 << 28 // put i/f in active state
	PORT_CMD_ICC_PARTIAL uint32 = 0x2 << 28 // put i/f in partial state
	PORT_CMD_ICC_SLUMBER uint32 = 0x6 << 28 // put i/f in slumber state
)

// PORT_TFDATA status bits
const (
	ATA_BUSY uint32 = 1 << 7 // BSY status bit
	ATA_DRDY uint32 = 1 << 6 // device ready
	ATA_DF   uint32 = 1 << 5 // device fault
	ATA_DRQ  uint32 = 1 << 3 // data request i/o
	ATA_ERR  uint32 = 1 << 0 // have an error
)

// SStatus device detection values
const (
	SSTS_DET_NONE     = 0x0 // no device detected
	SSTS_DET_PRESENT  = 0x1 // device present, no phy communication
	SSTS_DET_ESTABLSH = 0x3 // device present, phy communication established
	SSTS_DET_OFFLINE  = 0x4 // phy offline
)

const (
	AHCI_MAX_PORTS     = 32
	AHCI_MAX_CMDS      = 32
	AHCI_PORT_BASE     = 0x100
	AHCI_PORT_MMIO_LEN = 0x80
)

type u32field struct {
	offset   int
	bitwidth int
}

func (u *u32field) mask() uint32 {
	return (1<<u.bitwidth - 1) << u.offset
}

func (u *u32field) read(reg uint32) uint32 {
	return (reg >> u.offset) & (1<<u.bitwidth - 1)
}

func (u *u32field) write(reg *uint32, val uint32) {
	*reg = (*reg &^ u.mask()) | ((val << u.offset) & u.mask())
}

var (
	HOST_CAP_NP    = u32field{offset: 0, bitwidth: 5}  // number of ports, zero based
	HOST_CAP_NCS   = u32field{offset: 8, bitwidth: 5}  // number of command slots, zero based
	HOST_CAP_ISS   = u32field{offset: 20, bitwidth: 4} // interface speed support
	HOST_VS_MAJOR  = u32field{offset: 16, bitwidth: 16}
	HOST_VS_MINOR  = u32field{offset: 0, bitwidth: 16}
	PORT_SSTS_DET  = u32field{offset: 0, bitwidth: 4}
	PORT_SSTS_SPD  = u32field{offset: 4, bitwidth: 4}
	PORT_SSTS_IPM  = u32field{offset: 8, bitwidth: 4}
	PORT_TFD_STS   = u32field{offset: 0, bitwidth: 8}
	PORT_TFD_ERR   = u32field{offset: 8, bitwidth: 8}
	AHCI_SG_DBC    = u32field{offset: 0, bitwidth: 22} // byte count minus one
	AHCI_OPTS_CFL  = u32field{offset: 0, bitwidth: 5}  // command FIS length in dwords
	AHCI_OPTS_W    = u32field{offset: 6, bitwidth: 1}  // write, host to device
	AHCI_OPTS_PRDT = u32field{offset: 16, bitwidth: 16}
)

// portOffset returns the window offset of port i's register block.
func portOffset(i int) uint64 {
	return AHCI_PORT_BASE + uint64(i)*AHCI_PORT_MMIO_LEN
}

// portRegs addresses one port's register block through the controller window.
type portRegs struct {
	w    RegisterWindow
	base uint64
}

func (p portRegs) read(reg uint64) uint32 {
	return p.w.Read32(p.base + reg)
}

func (p portRegs) write(reg uint64, val uint32) {
	p.w.Write32(p.base+reg, val)
}

func (p portRegs) set(reg uint64, bits uint32) {
	p.write(reg, p.read(reg)|bits)
}

func (p portRegs) clear(reg uint64, bits uint32) {
	p.write(reg, p.read(reg)&^bits)
}

// mmioWindow accesses the controller through an uncached virtual mapping.
type mmioWindow struct {
	base unsafe.Pointer
}

// NewMMIOWindow returns a window over memory-mapped registers at the uncached
// virtual address base. Only meaningful on the target, where base maps the ABAR.
func NewMMIOWindow(base uint64) RegisterWindow {
	return newPointerWindow(unsafe.Pointer(uintptr(base)))
}

// newPointerWindow returns a window over registers already addressed by p.
func newPointerWindow(p unsafe.Pointer) *mmioWindow {
	return &mmioWindow{base: p}
}

func (m *mmioWindow) Read32(offset uint64) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Add(m.base, offset)))
}

// AHCI 1.3.1 section 3: locked accesses are not supported, so a plain store is used.
func (m *mmioWindow) Write32(offset uint64, val uint32) {
	*(*uint32)(unsafe.Add(m.base, offset)) = val
}
