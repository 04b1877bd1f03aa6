// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file implements the controller information dump and the decoded register snapshot
package ahci

import (
	"fmt"
	"strings"
)

// HostInfo summarizes the HBA capabilities the way the boot log prints them.
type HostInfo struct {
	Version  string   `json:"Version"`
	Slots    int      `json:"Slots"`
	Ports    int      `json:"Ports"`
	Speed    string   `json:"Speed"` // Gbps
	PortMap  uint32   `json:"PortMap"`
	Mode     string   `json:"Mode"`
	Flags    []string `json:"Flags"`
	LinkUp   uint32   `json:"LinkUp"`
	PortIdx  int      `json:"PortIdx"`
	CapRaw   uint32   `json:"CapRaw"`
	Cap2Raw  uint32   `json:"Cap2Raw"`
}

type capFlag struct {
	bit  uint32
	name string
}

// print order of the capability flags
var capFlags = []capFlag{
	{HOST_CAP_64, "64bit"},
	{HOST_CAP_NCQ, "ncq"},
	{HOST_CAP_SNTF, "sntf"},
	{HOST_CAP_MPS, "ilck"},
	{HOST_CAP_SSS, "stag"},
	{HOST_CAP_ALPM, "pm"},
	{HOST_CAP_LED, "led"},
	{HOST_CAP_CLO, "clo"},
	{HOST_CAP_ONLY, "only"},
	{HOST_CAP_PMP, "pmp"},
	{HOST_CAP_FBS, "fbs"},
	{HOST_CAP_PIO_MULTI, "pio"},
	{HOST_CAP_SSC, "slum"},
	{HOST_CAP_PART, "part"},
	{HOST_CAP_CCC, "ccc"},
	{HOST_CAP_EMS, "ems"},
	{HOST_CAP_SXS, "sxs"},
}

var cap2Flags = []capFlag{
	{HOST_CAP2_DESO, "deso"},
	{HOST_CAP2_SADM, "sadm"},
	{HOST_CAP2_SDS, "sds"},
	{HOST_CAP2_APST, "apst"},
	{HOST_CAP2_NVMHCI, "nvmp"},
	{HOST_CAP2_BOH, "boh"},
}

// CapFlags lists the names of the capability bits set in cap and cap2.
func CapFlags(cap, cap2 uint32) []string {
	flags := []string{}
	for _, f := range capFlags {
		if cap&f.bit != 0 {
			flags = append(flags, f.name)
		}
	}
	for _, f := range cap2Flags {
		if cap2&f.bit != 0 {
			flags = append(flags, f.name)
		}
	}
	return flags
}

// SpeedString translates the CAP.ISS interface speed into Gbps.
func SpeedString(cap uint32) string {
	switch HOST_CAP_ISS.read(cap) {
	case 1:
		return "1.5"
	case 2:
		return "3"
	case 3:
		return "6"
	}
	return "?"
}

// VersionString formats the VS register as MMmm.mmmm, e.g. 0001.0301.
func VersionString(vers uint32) string {
	return fmt.Sprintf("%04x.%04x", HOST_VS_MAJOR.read(vers), HOST_VS_MINOR.read(vers))
}

// Info returns the capability summary discovered by Init.
func (c *Controller) Info() HostInfo {
	return HostInfo{
		Version: VersionString(c.Version),
		Slots:   int(HOST_CAP_NCS.read(c.Cap)) + 1,
		Ports:   int(HOST_CAP_NP.read(c.Cap)) + 1,
		Speed:   SpeedString(c.Cap),
		PortMap: c.PortMap,
		Mode:    "SATA",
		Flags:   CapFlags(c.Cap, c.Cap2),
		LinkUp:  c.LinkUp,
		PortIdx: c.PortIdx,
		CapRaw:  c.Cap,
		Cap2Raw: c.Cap2,
	}
}

func (h HostInfo) String() string {
	return fmt.Sprintf("AHCI vers %s, %d slots, %d ports, %s Gbps, 0x%x impl, %s mode\nflags: %s",
		h.Version, h.Slots, h.Ports, h.Speed, h.PortMap, h.Mode, strings.Join(h.Flags, " "))
}

// HexDump formats b 16 bytes per line, each line prefixed with its offset.
func HexDump(b []byte) string {
	var sb strings.Builder
	for i, v := range b {
		if i&0xF == 0 {
			fmt.Fprintf(&sb, "%08x ", i)
		}
		fmt.Fprintf(&sb, " %02x", v)
		if i&0xF == 0xF {
			sb.WriteString("\n")
		}
	}
	if len(b)&0xF != 0 {
		sb.WriteString("\n")
	}
	return sb.String()
}

// HBA capabilities, AHCI 1.3.1 section 3.1.1
type HostCapReg struct {
	NP    bitfield_5b // number of ports, zero based
	SXS   bitfield_1b
	EMS   bitfield_1b
	CCCS  bitfield_1b
	NCS   bitfield_5b // number of command slots, zero based
	PSC   bitfield_1b
	SSC   bitfield_1b
	PMD   bitfield_1b
	FBSS  bitfield_1b
	SPM   bitfield_1b
	SAM   bitfield_1b
	Rsvd  bitfield_1b
	ISS   bitfield_4b
	SCLO  bitfield_1b
	SAL   bitfield_1b
	SALP  bitfield_1b
	SSS   bitfield_1b
	SMPS  bitfield_1b
	SSNTF bitfield_1b
	SNCQ  bitfield_1b
	S64A  bitfield_1b
}

// global HBA control, section 3.1.2
type HostCtlReg struct {
	HR    bitfield_1b
	IE    bitfield_1b
	MRSM  bitfield_1b
	Rsvd  bitfield_5b
	Rsvd2 bitfield_8b
	Rsvd3 bitfield_8b
	Rsvd4 bitfield_5b
	Rsvd5 bitfield_2b
	AE    bitfield_1b
}

// section 3.1.10
type HostCap2Reg struct {
	BOH   bitfield_1b
	NVMP  bitfield_1b
	APST  bitfield_1b
	SDS   bitfield_1b
	SADM  bitfield_1b
	DESO  bitfield_1b
	Rsvd  bitfield_2b
	Rsvd2 bitfield_8b
	Rsvd3 bitfield_16b
}

// section 3.1.4
type HostVersionReg struct {
	MNR bitfield_16b
	MJR bitfield_16b
}

// port x command and status, section 3.3.7
type PortCmdReg struct {
	ST    bitfield_1b
	SUD   bitfield_1b
	POD   bitfield_1b
	CLO   bitfield_1b
	FRE   bitfield_1b
	Rsvd  bitfield_3b
	CCS   bitfield_5b
	MPSS  bitfield_1b
	FR    bitfield_1b
	CR    bitfield_1b
	CPS   bitfield_1b
	PMA   bitfield_1b
	HPCP  bitfield_1b
	MPSP  bitfield_1b
	CPD   bitfield_1b
	ESP   bitfield_1b
	FBSCP bitfield_1b
	APSTE bitfield_1b
	ATAPI bitfield_1b
	DLAE  bitfield_1b
	ALPE  bitfield_1b
	ASP   bitfield_1b
	ICC   bitfield_4b
}

// port x task file data, section 3.3.8
type PortTfdReg struct {
	ERR   bitfield_1b
	CS    bitfield_2b
	DRQ   bitfield_1b
	CS2   bitfield_3b
	BSY   bitfield_1b
	Error bitfield_8b
	Rsvd  bitfield_16b
}

// port x serial ATA status, section 3.3.10
type PortSStsReg struct {
	DET  bitfield_4b
	SPD  bitfield_4b
	IPM  bitfield_4b
	Rsvd bitfield_20b
}

// PortRegisters is a decoded view of one port's registers.
type PortRegisters struct {
	Index   int         `json:"Index"`
	CLB     uint64      `json:"CLB"`
	FB      uint64      `json:"FB"`
	IS      uint32      `json:"IS"`
	IE      uint32      `json:"IE"`
	CMD     PortCmdReg  `json:"CMD"`
	TFD     PortTfdReg  `json:"TFD"`
	SIG     uint32      `json:"SIG"`
	SSTS    PortSStsReg `json:"SSTS"`
	SERR    uint32      `json:"SERR"`
	CI      uint32      `json:"CI"`
	CmdRaw  uint32      `json:"CmdRaw"`
	SStsRaw uint32      `json:"SStsRaw"`
}

// RegisterSnapshot is a decoded, read-only view of the global and port registers.
type RegisterSnapshot struct {
	CAP   HostCapReg      `json:"CAP"`
	GHC   HostCtlReg      `json:"GHC"`
	IS    uint32          `json:"IS"`
	PI    uint32          `json:"PI"`
	VS    HostVersionReg  `json:"VS"`
	CAP2  HostCap2Reg     `json:"CAP2"`
	Ports []PortRegisters `json:"Ports"`
}

// Registers reads and decodes the register file without writing it. PxTFD is
// left zero while PxCI shows a command in flight, since the poll loop owns it then.
func (c *Controller) Registers() RegisterSnapshot {
	capv := c.readHost(HOST_CAP)
	pi := c.readHost(HOST_PORTS_IMPL)
	snap := RegisterSnapshot{
		CAP:  regStruct(capv, HostCapReg{}),
		GHC:  regStruct(c.readHost(HOST_CTL), HostCtlReg{}),
		IS:   c.readHost(HOST_IRQ_STAT),
		PI:   pi,
		VS:   regStruct(c.readHost(HOST_VERSION), HostVersionReg{}),
		CAP2: regStruct(c.readHost(HOST_CAP2), HostCap2Reg{}),
	}
	nPorts := int(HOST_CAP_NP.read(capv)) + 1
	for i := 0; i < nPorts; i++ {
		if pi&(1<<i) == 0 {
			continue
		}
		p := portRegs{w: c.win, base: portOffset(i)}
		cmd := p.read(PORT_CMD)
		ssts := p.read(PORT_SCR_STAT)
		ci := p.read(PORT_CMD_ISSUE)
		var tfd PortTfdReg
		if ci == 0 {
			tfd = regStruct(p.read(PORT_TFDATA), PortTfdReg{})
		}
		snap.Ports = append(snap.Ports, PortRegisters{
			Index:   i,
			CLB:     uint64(p.read(PORT_LST_ADDR_HI))<<32 | uint64(p.read(PORT_LST_ADDR)),
			FB:      uint64(p.read(PORT_FIS_ADDR_HI))<<32 | uint64(p.read(PORT_FIS_ADDR)),
			IS:      p.read(PORT_IRQ_STAT),
			IE:      p.read(PORT_IRQ_MASK),
			CMD:     regStruct(cmd, PortCmdReg{}),
			TFD:     tfd,
			SIG:     p.read(PORT_SIG),
			SSTS:    regStruct(ssts, PortSStsReg{}),
			SERR:    p.read(PORT_SCR_ERR),
			CI:      ci,
			CmdRaw:  cmd,
			SStsRaw: ssts,
		})
	}
	return snap
}
