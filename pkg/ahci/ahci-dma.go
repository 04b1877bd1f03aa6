// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file implements the per-port DMA memory: command list, received FIS area and command table
package ahci

import (
	"encoding/binary"
	"fmt"

	"k8s.io/klog/v2"
)

// see linux/drivers/ata/ahci.h
const (
	AHCI_MAX_SG         = 56 // hardware max is 64K
	AHCI_CMD_SZ         = 32
	AHCI_CMD_SLOT_SZ    = AHCI_MAX_CMDS * AHCI_CMD_SZ // 32 * 32
	AHCI_RX_FIS_SZ      = 256
	AHCI_CMD_TBL_HDR_SZ = 0x80
	AHCI_SG_SZ          = 16
	AHCI_CMD_TBL_SZ     = AHCI_CMD_TBL_HDR_SZ + AHCI_MAX_SG*AHCI_SG_SZ // 0x80 + 56 * 16

	AHCI_PORT_PRIV_DMA_SZ = AHCI_CMD_SLOT_SZ + AHCI_RX_FIS_SZ + AHCI_CMD_TBL_SZ
	AHCI_PORT_DMA_ALIGN   = 1024

	AHCI_MAX_BYTES_PER_SG    = 4 * 1024 * 1024 // 4 MiB
	AHCI_MAX_BYTES_PER_TRANS = AHCI_MAX_SG * AHCI_MAX_BYTES_PER_SG
)

// DMARegion is one validated piece of the port DMA block.
type DMARegion struct {
	Addr   uint64 `json:"Addr"`   // address as seen by the controller
	Offset int    `json:"Offset"` // offset inside the port DMA block
	Size   int    `json:"Size"`
	buf    []byte
}

// Bytes returns the CPU view of the region.
func (r DMARegion) Bytes() []byte {
	return r.buf
}

// DMALayout holds the fixed offsets of the sub-regions inside the port DMA block.
type DMALayout struct {
	CmdList  DMARegion
	RxFIS    DMARegion
	CmdTable DMARegion
	SGTable  DMARegion
	Total    int
}

// NewDMALayout computes the sub-region offsets in the order the controller expects them:
// command list, received FIS, command table with its scatter-gather array.
func NewDMALayout() DMALayout {
	l := DMALayout{}
	ofs := 0
	l.CmdList = DMARegion{Offset: ofs, Size: AHCI_CMD_SLOT_SZ}
	ofs += AHCI_CMD_SLOT_SZ
	l.RxFIS = DMARegion{Offset: ofs, Size: AHCI_RX_FIS_SZ}
	ofs += AHCI_RX_FIS_SZ
	l.CmdTable = DMARegion{Offset: ofs, Size: AHCI_CMD_TBL_SZ}
	l.SGTable = DMARegion{Offset: ofs + AHCI_CMD_TBL_HDR_SZ, Size: AHCI_MAX_SG * AHCI_SG_SZ}
	ofs += AHCI_CMD_TBL_SZ
	l.Total = ofs
	return l
}

// bind attaches the region to its slice of the allocation and translates its address.
func (r DMARegion) bind(p Platform, mem []byte) DMARegion {
	r.buf = mem[r.Offset : r.Offset+r.Size : r.Offset+r.Size]
	r.Addr = p.VirtToPhys(r.buf)
	return r
}

// PortResources is everything the driver owns for one started port. It is
// allocated once when the port starts and lives as long as the controller.
type PortResources struct {
	Index    int       `json:"Index"`
	MMIO     uint64    `json:"MMIO"` // absolute address of the port registers
	Layout   DMALayout `json:"Layout"`
	CmdList  DMARegion `json:"CmdList"`
	RxFIS    DMARegion `json:"RxFIS"`
	CmdTable DMARegion `json:"CmdTable"`
	SG       DMARegion `json:"SG"`

	regs portRegs
}

// allocPortResources carves one aligned, zeroed allocation into the port DMA regions.
func allocPortResources(p Platform, regs portRegs, index int, mmio uint64) (*PortResources, error) {
	layout := NewDMALayout()
	mem, err := p.AllocAligned(layout.Total, AHCI_PORT_DMA_ALIGN)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAlloc, err)
	}
	if len(mem) < layout.Total {
		return nil, fmt.Errorf("%w: got %d bytes, need %d", ErrAlloc, len(mem), layout.Total)
	}
	for i := range mem[:layout.Total] {
		mem[i] = 0
	}
	pr := &PortResources{
		Index:  index,
		MMIO:   mmio,
		Layout: layout,
		regs:   regs,
	}
	pr.CmdList = layout.CmdList.bind(p, mem)
	pr.RxFIS = layout.RxFIS.bind(p, mem)
	pr.CmdTable = layout.CmdTable.bind(p, mem)
	pr.SG = layout.SGTable.bind(p, mem)
	if pr.CmdList.Addr&(AHCI_PORT_DMA_ALIGN-1) != 0 {
		return nil, fmt.Errorf("%w: command list at %s is not %d byte aligned", ErrAlloc, hex(pr.CmdList.Addr), AHCI_PORT_DMA_ALIGN)
	}
	klog.V(DBG_LVL_DETAIL).InfoS("ahci.allocPortResources", "port", index,
		"cmdList", hex(pr.CmdList.Addr), "rxFis", hex(pr.RxFIS.Addr),
		"cmdTbl", hex(pr.CmdTable.Addr), "sg", hex(pr.SG.Addr))
	return pr, nil
}

// programBases points the port at its command list and FIS receive area.
func (pr *PortResources) programBases() {
	pr.regs.write(PORT_LST_ADDR, uint32(pr.CmdList.Addr))
	pr.regs.write(PORT_LST_ADDR_HI, uint32(pr.CmdList.Addr>>32))
	pr.regs.write(PORT_FIS_ADDR, uint32(pr.RxFIS.Addr))
	pr.regs.write(PORT_FIS_ADDR_HI, uint32(pr.RxFIS.Addr>>32))
}

// CommandHeader is one 32 byte entry of the command list.
type CommandHeader struct {
	Opts      uint32
	Status    uint32
	TblAddrLo uint32
	TblAddrHi uint32
	Reserved  [4]uint32
}

// ScatterGatherEntry is one 16 byte PRD entry of the command table.
type ScatterGatherEntry struct {
	AddrLo    uint32
	AddrHi    uint32
	Reserved  uint32
	FlagsSize uint32
}

// SGFlags is the decoded flags_size dword of a PRD entry.
type SGFlags struct {
	DBC  bitfield_22b // byte count minus one
	Rsvd bitfield_9b
	I    bitfield_1b // interrupt on completion
}

func (sg ScatterGatherEntry) Flags() SGFlags {
	return regStruct(sg.FlagsSize, SGFlags{})
}

// ByteCount returns the number of bytes the entry describes.
func (sg ScatterGatherEntry) ByteCount() int {
	return int(sg.Flags().DBC) + 1
}

func (h *CommandHeader) encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], h.Opts)
	binary.LittleEndian.PutUint32(b[4:], h.Status)
	binary.LittleEndian.PutUint32(b[8:], h.TblAddrLo)
	binary.LittleEndian.PutUint32(b[12:], h.TblAddrHi)
	for i, r := range h.Reserved {
		binary.LittleEndian.PutUint32(b[16+4*i:], r)
	}
}

// DecodeCommandHeader reads a command list entry.
func DecodeCommandHeader(b []byte) CommandHeader {
	return parseStruct(b[:AHCI_CMD_SZ], CommandHeader{})
}

func (sg *ScatterGatherEntry) encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], sg.AddrLo)
	binary.LittleEndian.PutUint32(b[4:], sg.AddrHi)
	binary.LittleEndian.PutUint32(b[8:], sg.Reserved)
	binary.LittleEndian.PutUint32(b[12:], sg.FlagsSize)
}

// DecodeSGEntry reads a scatter-gather entry.
func DecodeSGEntry(b []byte) ScatterGatherEntry {
	return parseStruct(b[:AHCI_SG_SZ], ScatterGatherEntry{})
}

// slotHeader returns the command list bytes of slot.
func (pr *PortResources) slotHeader(slot int) ([]byte, error) {
	if slot < 0 || slot >= AHCI_MAX_CMDS {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSlot, slot)
	}
	b := pr.CmdList.Bytes()
	return b[slot*AHCI_CMD_SZ : (slot+1)*AHCI_CMD_SZ], nil
}

// sgEntry returns the bytes of scatter-gather entry i.
func (pr *PortResources) sgEntry(i int) []byte {
	b := pr.SG.Bytes()
	return b[i*AHCI_SG_SZ : (i+1)*AHCI_SG_SZ]
}
