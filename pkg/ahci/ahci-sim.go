// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file implements a simulated HBA, disk and board so the driver can run without hardware
package ahci

import (
	"encoding/binary"
	"fmt"
	"time"
	"unsafe"

	"k8s.io/klog/v2"
)

const (
	SIM_UNCACHED_WINDOW = 0x8000000000000000
	SIM_DMA_BASE        = 0x90000000
	SIM_VERSION         = 0x00010301 // AHCI 1.3.1
	SIM_DEF_CAP         = HOST_CAP_64 | HOST_CAP_NCQ | HOST_CAP_LED | HOST_CAP_CLO | HOST_CAP_ONLY |
		HOST_CAP_PIO_MULTI | HOST_CAP_SSC | HOST_CAP_PART | 31<<8 | 3<<20
	SATA_FIS_TYPE_REG_D2H = 0x34
	RX_FIS_D2H_OFS        = 0x40
)

type simRegion struct {
	phys uint64
	buf  []byte
}

func (r *simRegion) start() uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(r.buf)))
}

// SimPlatform is a Platform on ordinary Go memory. Every buffer the driver
// translates gets a stable fake physical address, which the simulated HBA
// resolves back to the same memory. Time only advances through Delay.
type SimPlatform struct {
	clock     time.Time
	regions   []*simRegion
	nextPhys  uint64
	Syncs     int
	Allocs    int
	AllocFail error
}

func NewSimPlatform() *SimPlatform {
	return &SimPlatform{clock: time.Unix(0, 0), nextPhys: SIM_DMA_BASE}
}

func (s *SimPlatform) Delay(d time.Duration) {
	s.clock = s.clock.Add(d)
}

func (s *SimPlatform) Now() time.Time {
	return s.clock
}

func (s *SimPlatform) AllocAligned(size, align int) ([]byte, error) {
	if s.AllocFail != nil {
		return nil, s.AllocFail
	}
	s.Allocs++
	buf := make([]byte, size)
	s.register(buf, uint64(align))
	return buf, nil
}

func (s *SimPlatform) SyncDcache() {
	s.Syncs++
}

func (s *SimPlatform) PhysToUncached(pa uint64) uint64 {
	return pa | SIM_UNCACHED_WINDOW
}

// VirtToPhys returns the fake physical address of b[0]. Unknown memory is
// registered on first use, covering the whole capacity of b.
func (s *SimPlatform) VirtToPhys(b []byte) uint64 {
	if cap(b) == 0 {
		return 0
	}
	p := uintptr(unsafe.Pointer(unsafe.SliceData(b)))
	if r := s.lookup(p); r != nil {
		return r.phys + uint64(p-r.start())
	}
	return s.register(b[:cap(b)], 16).phys
}

func (s *SimPlatform) lookup(p uintptr) *simRegion {
	for _, r := range s.regions {
		base := r.start()
		if p >= base && p < base+uintptr(len(r.buf)) {
			return r
		}
	}
	return nil
}

func (s *SimPlatform) register(buf []byte, align uint64) *simRegion {
	if align == 0 {
		align = 1
	}
	phys := (s.nextPhys + align - 1) &^ (align - 1)
	r := &simRegion{phys: phys, buf: buf}
	s.regions = append(s.regions, r)
	s.nextPhys = phys + uint64(len(buf))
	return r
}

// Release forgets the region that starts at b[0], so b can be collected.
// Its fake physical addresses are not handed out again.
func (s *SimPlatform) Release(b []byte) {
	if cap(b) == 0 {
		return
	}
	p := uintptr(unsafe.Pointer(unsafe.SliceData(b)))
	for i, r := range s.regions {
		if r.start() == p {
			s.regions = append(s.regions[:i], s.regions[i+1:]...)
			return
		}
	}
}

// Regions is the number of buffers with a fake physical address.
func (s *SimPlatform) Regions() int {
	return len(s.regions)
}

// Resolve maps a fake physical range back to memory.
func (s *SimPlatform) Resolve(phys uint64, n int) ([]byte, error) {
	for _, r := range s.regions {
		if phys >= r.phys && phys+uint64(n) <= r.phys+uint64(len(r.buf)) {
			ofs := phys - r.phys
			return r.buf[ofs : ofs+uint64(n)], nil
		}
	}
	return nil, fmt.Errorf("sim: no memory at %s+%d", hex(phys), n)
}

// SimDisk is a sparse in-memory SATA disk.
type SimDisk struct {
	SectorCount uint64
	Lba48       bool
	WriteCache  bool
	Serial      string
	Model       string
	Firmware    string
	UdmaModes   uint16
	Flushes     int
	XferMode    uint8
	sectors     map[uint64][]byte
}

func NewSimDisk(sectors uint64, lba48 bool) *SimDisk {
	return &SimDisk{
		SectorCount: sectors,
		Lba48:       lba48,
		WriteCache:  true,
		Serial:      "SIM0000000001",
		Model:       "LS2K Simulated SATA Disk",
		Firmware:    "1.0",
		UdmaModes:   0x7f,
		sectors:     map[uint64][]byte{},
	}
}

func (d *SimDisk) ReadSector(lba uint64, dst []byte) {
	if s, ok := d.sectors[lba]; ok {
		copy(dst, s)
		return
	}
	for i := range dst[:ATA_SECT_SIZE] {
		dst[i] = 0
	}
}

func (d *SimDisk) WriteSector(lba uint64, src []byte) {
	s := make([]byte, ATA_SECT_SIZE)
	copy(s, src)
	d.sectors[lba] = s
}

// SetString stores s in the word swapped, space padded IDENTIFY format.
func (id *IdentifyData) SetString(ofs, n int, s string) {
	b := make([]byte, n)
	for i := range b {
		b[i] = ' '
	}
	copy(b, s)
	for i := 0; i < n; i += 2 {
		id[ofs+i/2] = uint16(b[i])<<8 | uint16(b[i+1])
	}
}

// Identify builds the IDENTIFY DEVICE data describing the disk.
func (d *SimDisk) Identify() *IdentifyData {
	id := &IdentifyData{}
	id.SetString(ATA_ID_SERNO, ATA_ID_SERNO_LEN, d.Serial)
	id.SetString(ATA_ID_FW_REV, ATA_ID_FW_REV_LEN, d.Firmware)
	id.SetString(ATA_ID_PROD, ATA_ID_PROD_LEN, d.Model)
	id[ATA_ID_CAPABILITY] = 1<<9 | 1<<8 // LBA, DMA
	lba28 := d.SectorCount
	if lba28 > 0x0FFFFFFF {
		lba28 = 0x0FFFFFFF
	}
	id[ATA_ID_LBA_CAPACITY] = uint16(lba28)
	id[ATA_ID_LBA_CAPACITY+1] = uint16(lba28 >> 16)
	id[ATA_ID_PIO_MODES] = 0x3
	id[ATA_ID_QUEUE_DEPTH] = 31
	id[ATA_ID_SATA_CAP] = 1 << 8
	id[ATA_ID_COMMAND_SET_1] = 1 << 5
	id[ATA_ID_COMMAND_SET_2] = 0x4000 | 1<<12
	id[ATA_ID_CSF_DEFAULT] = 0x4000
	if d.WriteCache {
		id[ATA_ID_CFS_ENABLE_1] = 1 << 5
	}
	id[ATA_ID_UDMA_MODES] = d.UdmaModes
	if d.Lba48 {
		id[ATA_ID_COMMAND_SET_2] |= 1<<10 | 1<<13
		for i := 0; i < 4; i++ {
			id[ATA_ID_LBA_CAPACITY_2+i] = uint16(d.SectorCount >> (16 * i))
		}
	}
	return id
}

// SimCommand is one command the simulated HBA executed.
type SimCommand struct {
	Slot    int
	Command uint8
	LBA     uint64
	Count   uint32
	Write   bool
	Bytes   int
	SG      int
	Failed  bool
}

// SimPort is one simulated port with its fault knobs.
type SimPort struct {
	Det            uint32 // DET reported once the link has trained
	LinkDelayReads int    // SSTS reads before Det shows
	SpinUpBroken   bool   // SUD never reads back set
	EngineStuck    bool   // CR stays set after ST is cleared
	TfdBusyReads   int    // TFD reads reporting BSY after the engine starts
	HangCommands   bool   // issued commands never complete
	StuckIssue     uint32 // ORed into every CI read

	clb, clbu, fb, fbu uint32
	is, ie, cmd, serr  uint32
	ci, tfd, ssts      uint32
	busy, sstsReads    int
}

// SimHBA is a RegisterWindow backed by a model of an AHCI controller.
type SimHBA struct {
	Disk      *SimDisk
	Log       []SimCommand
	OnCommand func(n int, cmd SimCommand)
	// ResetNeverClears keeps HOST_RESET set forever.
	ResetNeverClears bool

	plat       *SimPlatform
	ctl        uint32
	cap, cap2  uint32
	vs, pi, is uint32
	capLatched bool
	piLatched  bool
	resetting  bool
	ports      []*SimPort
}

// NewSimHBA builds a controller with nPorts ports. Port 0 has the disk attached
// with an established link; the other ports are empty.
func NewSimHBA(plat *SimPlatform, nPorts int, disk *SimDisk) *SimHBA {
	h := &SimHBA{
		Disk: disk,
		plat: plat,
		cap:  SIM_DEF_CAP | uint32(nPorts-1)&0x1f,
		vs:   SIM_VERSION,
	}
	for i := 0; i < nPorts; i++ {
		p := &SimPort{tfd: uint32(ATA_DRDY)}
		if i == 0 && disk != nil {
			p.Det = SSTS_DET_ESTABLSH
		}
		h.ports = append(h.ports, p)
	}
	return h
}

// Port returns the simulated port i.
func (h *SimHBA) Port(i int) *SimPort {
	return h.ports[i]
}

// SetCap pre-latches CAP and PI, as firmware would have done.
func (h *SimHBA) SetCap(cap, pi uint32) {
	h.cap, h.pi = cap, pi
	h.capLatched, h.piLatched = true, true
}

func (h *SimHBA) Read32(offset uint64) uint32 {
	if offset >= AHCI_PORT_BASE {
		i := int((offset - AHCI_PORT_BASE) / AHCI_PORT_MMIO_LEN)
		if i >= len(h.ports) {
			return 0
		}
		return h.readPort(h.ports[i], (offset-AHCI_PORT_BASE)%AHCI_PORT_MMIO_LEN)
	}
	switch offset {
	case HOST_CAP:
		return h.cap
	case HOST_CTL:
		if h.resetting && !h.ResetNeverClears {
			h.resetting = false
			h.ctl &^= HOST_RESET
		}
		return h.ctl
	case HOST_IRQ_STAT:
		return h.is
	case HOST_PORTS_IMPL:
		return h.pi
	case HOST_VERSION:
		return h.vs
	case HOST_CAP2:
		return h.cap2
	}
	return 0
}

func (h *SimHBA) Write32(offset uint64, val uint32) {
	if offset >= AHCI_PORT_BASE {
		i := int((offset - AHCI_PORT_BASE) / AHCI_PORT_MMIO_LEN)
		if i >= len(h.ports) {
			return
		}
		h.writePort(h.ports[i], (offset-AHCI_PORT_BASE)%AHCI_PORT_MMIO_LEN, val)
		return
	}
	switch offset {
	case HOST_CAP:
		// only the MPS and SSS bits are writable, once
		if !h.capLatched {
			mask := HOST_CAP_MPS | HOST_CAP_SSS
			h.cap = h.cap&^mask | val&mask
			h.capLatched = true
		}
	case HOST_CTL:
		if val&HOST_RESET != 0 {
			h.resetting = true
			h.ctl = HOST_RESET
			h.is = 0
			return
		}
		h.ctl = val
	case HOST_IRQ_STAT:
		h.is &^= val
	case HOST_PORTS_IMPL:
		if !h.piLatched {
			h.pi = val
			h.piLatched = true
		}
	}
}

func (h *SimHBA) readPort(p *SimPort, reg uint64) uint32 {
	switch reg {
	case PORT_LST_ADDR:
		return p.clb
	case PORT_LST_ADDR_HI:
		return p.clbu
	case PORT_FIS_ADDR:
		return p.fb
	case PORT_FIS_ADDR_HI:
		return p.fbu
	case PORT_IRQ_STAT:
		return p.is
	case PORT_IRQ_MASK:
		return p.ie
	case PORT_CMD:
		return p.cmd
	case PORT_TFDATA:
		if p.busy > 0 {
			p.busy--
			return ATA_BUSY
		}
		return p.tfd
	case PORT_SIG:
		if p.Det == SSTS_DET_ESTABLSH {
			return 0x00000101 // ATA disk
		}
		return 0xffffffff
	case PORT_SCR_STAT:
		if p.sstsReads < p.LinkDelayReads {
			p.sstsReads++
			return 0
		}
		ssts := p.Det
		if p.Det == SSTS_DET_ESTABLSH {
			PORT_SSTS_SPD.write(&ssts, 3)
			PORT_SSTS_IPM.write(&ssts, 1)
		}
		return ssts
	case PORT_SCR_ERR:
		return p.serr
	case PORT_CMD_ISSUE:
		return p.ci | p.StuckIssue
	}
	return 0
}

func (h *SimHBA) writePort(p *SimPort, reg uint64, val uint32) {
	switch reg {
	case PORT_LST_ADDR:
		p.clb = val
	case PORT_LST_ADDR_HI:
		p.clbu = val
	case PORT_FIS_ADDR:
		p.fb = val
	case PORT_FIS_ADDR_HI:
		p.fbu = val
	case PORT_IRQ_STAT:
		p.is &^= val
	case PORT_IRQ_MASK:
		p.ie = val
	case PORT_CMD:
		h.writePortCmd(p, val)
	case PORT_SCR_ERR:
		p.serr &^= val
	case PORT_CMD_ISSUE:
		for slot := 0; slot < AHCI_MAX_CMDS; slot++ {
			bit := uint32(1) << slot
			if val&bit == 0 {
				continue
			}
			if p.HangCommands {
				p.ci |= bit
				continue
			}
			h.execute(p, slot)
		}
	}
}

func (h *SimHBA) writePortCmd(p *SimPort, val uint32) {
	running := PORT_CMD_LIST_ON | PORT_CMD_FIS_ON
	next := val &^ running
	if p.SpinUpBroken {
		next &^= PORT_CMD_SPIN_UP
	}
	if next&PORT_CMD_START != 0 {
		next |= PORT_CMD_LIST_ON
		if p.cmd&PORT_CMD_START == 0 {
			p.busy = p.TfdBusyReads
		}
	} else if p.EngineStuck {
		next |= p.cmd & PORT_CMD_LIST_ON
	}
	if next&PORT_CMD_FIS_RX != 0 {
		next |= PORT_CMD_FIS_ON
	}
	p.cmd = next
}

// execute runs the command in slot against the disk, then posts a D2H register FIS.
func (h *SimHBA) execute(p *SimPort, slot int) {
	rec := SimCommand{Slot: slot}
	err := h.run(p, slot, &rec)
	status := uint32(ATA_DRDY)
	if err != nil {
		rec.Failed = true
		status |= ATA_ERR
		klog.V(DBG_LVL_BASIC).InfoS("ahci.SimHBA.execute", "slot", slot, "err", err)
	}
	p.tfd = status
	p.is |= PORT_IRQ_D2H_REG_FIS
	h.is |= 1 << h.portIndex(p)
	if fis, ferr := h.plat.Resolve(uint64(p.fbu)<<32|uint64(p.fb), AHCI_RX_FIS_SZ); ferr == nil {
		fis[RX_FIS_D2H_OFS] = SATA_FIS_TYPE_REG_D2H
		fis[RX_FIS_D2H_OFS+2] = uint8(status)
		fis[RX_FIS_D2H_OFS+3] = uint8(status >> 8)
	}
	h.Log = append(h.Log, rec)
	if h.OnCommand != nil {
		h.OnCommand(len(h.Log), rec)
	}
}

func (h *SimHBA) portIndex(p *SimPort) int {
	for i, q := range h.ports {
		if q == p {
			return i
		}
	}
	return 0
}

func (h *SimHBA) run(p *SimPort, slot int, rec *SimCommand) error {
	clb := uint64(p.clbu)<<32 | uint64(p.clb)
	hb, err := h.plat.Resolve(clb+uint64(slot*AHCI_CMD_SZ), AHCI_CMD_SZ)
	if err != nil {
		return err
	}
	hdr := DecodeCommandHeader(hb)
	prdtl := int(AHCI_OPTS_PRDT.read(hdr.Opts))
	rec.Write = AHCI_OPTS_W.read(hdr.Opts) != 0
	rec.SG = prdtl
	tbl, err := h.plat.Resolve(uint64(hdr.TblAddrHi)<<32|uint64(hdr.TblAddrLo), AHCI_CMD_TBL_HDR_SZ+prdtl*AHCI_SG_SZ)
	if err != nil {
		return err
	}
	fis := DecodeFIS(tbl)
	rec.Command = fis.Command
	if fis.FisType != SATA_FIS_TYPE_REGISTER_H2D {
		return fmt.Errorf("bad fis type %s", hex(fis.FisType))
	}

	var frags [][]byte
	for i := 0; i < prdtl; i++ {
		sg := DecodeSGEntry(tbl[AHCI_CMD_TBL_HDR_SZ+i*AHCI_SG_SZ:])
		b, err := h.plat.Resolve(uint64(sg.AddrHi)<<32|uint64(sg.AddrLo), sg.ByteCount())
		if err != nil {
			return err
		}
		frags = append(frags, b)
		rec.Bytes += len(b)
	}
	if h.Disk == nil {
		return fmt.Errorf("no device")
	}

	switch fis.Command {
	case ATA_CMD_ID_ATA:
		raw := make([]byte, ATA_ID_SZ)
		for i, w := range h.Disk.Identify() {
			binary.LittleEndian.PutUint16(raw[2*i:], w)
		}
		scatter(frags, raw)
	case ATA_CMD_READ, ATA_CMD_WRITE, ATA_CMD_READ_EXT, ATA_CMD_WRITE_EXT:
		ext := fis.Command == ATA_CMD_READ_EXT || fis.Command == ATA_CMD_WRITE_EXT
		write := fis.Command == ATA_CMD_WRITE || fis.Command == ATA_CMD_WRITE_EXT
		if ext {
			rec.LBA = fis.LBA()
			rec.Count = fis.SectorCount()
			if rec.Count == 0 {
				rec.Count = 65536
			}
		} else {
			rec.LBA = uint64(fis.LBA28())
			rec.Count = uint32(fis.Count)
			if rec.Count == 0 {
				rec.Count = 256
			}
		}
		if rec.LBA+uint64(rec.Count) > h.Disk.SectorCount {
			return fmt.Errorf("lba %d+%d beyond %d sectors", rec.LBA, rec.Count, h.Disk.SectorCount)
		}
		if rec.Bytes < int(rec.Count)*ATA_SECT_SIZE {
			return fmt.Errorf("prd covers %d bytes, command needs %d", rec.Bytes, int(rec.Count)*ATA_SECT_SIZE)
		}
		data := make([]byte, int(rec.Count)*ATA_SECT_SIZE)
		if write {
			gather(frags, data)
			for i := uint32(0); i < rec.Count; i++ {
				h.Disk.WriteSector(rec.LBA+uint64(i), data[int(i)*ATA_SECT_SIZE:])
			}
		} else {
			for i := uint32(0); i < rec.Count; i++ {
				h.Disk.ReadSector(rec.LBA+uint64(i), data[int(i)*ATA_SECT_SIZE:])
			}
			scatter(frags, data)
		}
	case ATA_CMD_FLUSH, ATA_CMD_FLUSH_EXT:
		h.Disk.Flushes++
	case ATA_CMD_SET_FEATURES:
		if fis.Features == SETFEATURES_XFER {
			h.Disk.XferMode = fis.Count
		}
	default:
		return fmt.Errorf("unsupported command %s", hex(fis.Command))
	}
	return nil
}

func scatter(frags [][]byte, src []byte) {
	for _, f := range frags {
		n := copy(f, src)
		src = src[n:]
	}
}

func gather(frags [][]byte, dst []byte) {
	for _, f := range frags {
		n := copy(dst, f)
		dst = dst[n:]
	}
}

// NewSimController wires a controller to a fresh simulated board with one disk on port 0.
func NewSimController(nPorts int, disk *SimDisk, cfg Config) (*Controller, *SimHBA, *SimPlatform) {
	plat := NewSimPlatform()
	hba := NewSimHBA(plat, nPorts, disk)
	if cfg.PortsImplemented == 0 {
		cfg.PortsImplemented = 1<<nPorts - 1
	}
	return New(hba, plat, cfg), hba, plat
}
