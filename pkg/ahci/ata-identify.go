// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file implements the IDENTIFY DEVICE data parsing
package ahci

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// IDENTIFY DEVICE word offsets, see ATA8-ACS 7.16
const (
	ATA_ID_CONFIG         = 0
	ATA_ID_SERNO          = 10
	ATA_ID_FW_REV         = 23
	ATA_ID_PROD           = 27
	ATA_ID_CAPABILITY     = 49
	ATA_ID_FIELD_VALID    = 53
	ATA_ID_LBA_CAPACITY   = 60
	ATA_ID_PIO_MODES      = 64
	ATA_ID_QUEUE_DEPTH    = 75
	ATA_ID_SATA_CAP       = 76
	ATA_ID_COMMAND_SET_1  = 82
	ATA_ID_COMMAND_SET_2  = 83
	ATA_ID_CFS_ENABLE_1   = 85
	ATA_ID_CSF_DEFAULT    = 87
	ATA_ID_UDMA_MODES     = 88
	ATA_ID_LBA_CAPACITY_2 = 100

	ATA_ID_SERNO_LEN  = 20
	ATA_ID_FW_REV_LEN = 8
	ATA_ID_PROD_LEN   = 40
)

// IdentifyData is the 256 word IDENTIFY DEVICE response.
type IdentifyData [ATA_ID_WORDS]uint16

// ParseIdentify decodes the little endian IDENTIFY buffer.
func ParseIdentify(b []byte) (*IdentifyData, error) {
	if len(b) < ATA_ID_SZ {
		return nil, fmt.Errorf("ahci.ParseIdentify: %d bytes, need %d: %w", len(b), ATA_ID_SZ, ErrBufferTooSmall)
	}
	id := &IdentifyData{}
	for i := range id {
		id[i] = binary.LittleEndian.Uint16(b[2*i:])
	}
	return id, nil
}

func (id *IdentifyData) u32(n int) uint32 {
	return uint32(id[n+1])<<16 | uint32(id[n])
}

func (id *IdentifyData) u64(n int) uint64 {
	return uint64(id[n+3])<<48 | uint64(id[n+2])<<32 | uint64(id[n+1])<<16 | uint64(id[n])
}

// word 83 and word 87 are only meaningful when bits 15:14 read 01b
func (id *IdentifyData) validPair(n int) bool {
	return id[n]&0xC000 == 0x4000
}

func (id *IdentifyData) HasLBA() bool {
	return id[ATA_ID_CAPABILITY]&(1<<9) != 0
}

func (id *IdentifyData) HasLBA48() bool {
	if !id.validPair(ATA_ID_COMMAND_SET_2) {
		return false
	}
	if id.u64(ATA_ID_LBA_CAPACITY_2) == 0 {
		return false
	}
	return id[ATA_ID_COMMAND_SET_2]&(1<<10) != 0
}

func (id *IdentifyData) HasFlush() bool {
	return id.validPair(ATA_ID_COMMAND_SET_2) && id[ATA_ID_COMMAND_SET_2]&(1<<12) != 0
}

func (id *IdentifyData) HasFlushExt() bool {
	return id.validPair(ATA_ID_COMMAND_SET_2) && id[ATA_ID_COMMAND_SET_2]&(1<<13) != 0
}

func (id *IdentifyData) HasWriteCache() bool {
	return id.validPair(ATA_ID_COMMAND_SET_2) && id[ATA_ID_COMMAND_SET_1]&(1<<5) != 0
}

func (id *IdentifyData) WriteCacheEnabled() bool {
	return id.validPair(ATA_ID_CSF_DEFAULT) && id[ATA_ID_CFS_ENABLE_1]&(1<<5) != 0
}

func (id *IdentifyData) HasNCQ() bool {
	return id[ATA_ID_SATA_CAP]&(1<<8) != 0
}

// Sectors returns the addressable capacity, 0 if the device has no LBA support.
func (id *IdentifyData) Sectors() uint64 {
	if !id.HasLBA() {
		return 0
	}
	if id.HasLBA48() {
		return id.u64(ATA_ID_LBA_CAPACITY_2)
	}
	return uint64(id.u32(ATA_ID_LBA_CAPACITY))
}

func (id *IdentifyData) QueueDepth() uint32 {
	return uint32(id[ATA_ID_QUEUE_DEPTH]&0x1F) + 1
}

func (id *IdentifyData) PioModes() uint16 {
	return id[ATA_ID_PIO_MODES]
}

func (id *IdentifyData) UdmaModes() uint16 {
	return id[ATA_ID_UDMA_MODES]
}

// idString copies len bytes starting at word ofs, high byte of each word first.
func (id *IdentifyData) idString(ofs, n int) []byte {
	s := make([]byte, 0, n)
	for ; n > 0; n -= 2 {
		s = append(s, byte(id[ofs]>>8), byte(id[ofs]))
		ofs++
	}
	return s
}

// CString returns a size byte, NUL terminated copy of the string field at word
// ofs with trailing spaces removed. size includes the terminator.
func (id *IdentifyData) CString(ofs, size int) []byte {
	s := make([]byte, size)
	copy(s, id.idString(ofs, size-1))
	n := bytes.IndexByte(s[:size-1], 0)
	if n < 0 {
		n = size - 1
	}
	for n > 0 && s[n-1] == ' ' {
		n--
	}
	s[n] = 0
	return s
}

func cstr(b []byte) string {
	if n := bytes.IndexByte(b, 0); n >= 0 {
		return string(b[:n])
	}
	return string(b)
}

// BlockDeviceInfo describes the disk behind the active port.
type BlockDeviceInfo struct {
	Lba48      bool                       `json:"Lba48"`
	Sectors    uint64                     `json:"Sectors"`
	BlockSize  uint32                     `json:"BlockSize"`
	QueueDepth uint32                     `json:"QueueDepth"`
	Serial     [ATA_ID_SERNO_LEN + 1]byte `json:"-"`
	Revision   [ATA_ID_FW_REV_LEN + 1]byte `json:"-"`
	Product    [ATA_ID_PROD_LEN + 1]byte  `json:"-"`
}

// NewBlockDeviceInfo extracts the block device description from IDENTIFY data.
func NewBlockDeviceInfo(id *IdentifyData) BlockDeviceInfo {
	dev := BlockDeviceInfo{
		Lba48:      id.HasLBA48(),
		Sectors:    id.Sectors(),
		BlockSize:  ATA_SECT_SIZE,
		QueueDepth: id.QueueDepth(),
	}
	copy(dev.Product[:], id.CString(ATA_ID_PROD, len(dev.Product)))
	copy(dev.Serial[:], id.CString(ATA_ID_SERNO, len(dev.Serial)))
	copy(dev.Revision[:], id.CString(ATA_ID_FW_REV, len(dev.Revision)))
	return dev
}

func (d *BlockDeviceInfo) SerialString() string   { return cstr(d.Serial[:]) }
func (d *BlockDeviceInfo) RevisionString() string { return cstr(d.Revision[:]) }
func (d *BlockDeviceInfo) ProductString() string  { return cstr(d.Product[:]) }

// Bytes returns the capacity in bytes.
func (d *BlockDeviceInfo) Bytes() uint64 {
	return d.Sectors * uint64(d.BlockSize)
}

func (d *BlockDeviceInfo) String() string {
	return fmt.Sprintf("SATA Device Info:\nS/N: %s\nProduct model number: %s\nFirmware version: %s\nCapacity: %d sectors\n",
		d.SerialString(), d.ProductString(), d.RevisionString(), d.Sectors)
}

// identifyFlags maps the write cache and flush capabilities to SATA_FLAG_* bits.
func identifyFlags(id *IdentifyData) uint32 {
	flags := uint32(0)
	if id.HasWriteCache() && id.WriteCacheEnabled() {
		flags |= SATA_FLAG_WCACHE
	}
	if id.HasFlush() {
		flags |= SATA_FLAG_FLUSH
	}
	if id.HasFlushExt() {
		flags |= SATA_FLAG_FLUSH_EXT
	}
	return flags
}

// sataScan identifies the device on the active port and negotiates its transfer mode.
func (c *Controller) sataScan() error {
	buf := make([]byte, ATA_ID_SZ)
	fis := IdentifyFIS()
	if _, err := c.Exec(&fis, buf, len(buf), READ_CMD); err != nil {
		return fmt.Errorf("ahci.sataScan: identify: %w", err)
	}
	id, err := ParseIdentify(buf)
	if err != nil {
		return err
	}
	c.Identify = id
	c.Dev = NewBlockDeviceInfo(id)
	c.PioMask = id.PioModes()
	c.UdmaMask = id.UdmaModes()
	c.Flags = identifyFlags(id)

	if c.cfg.SetTransferMode {
		sf := SetFeaturesFIS(c.UdmaMask)
		if _, err := c.Exec(&sf, nil, 0, READ_CMD); err != nil {
			return fmt.Errorf("ahci.sataScan: set features: %w", err)
		}
	}

	c.log.Info("SATA device", "serial", c.Dev.SerialString(), "product", c.Dev.ProductString(),
		"firmware", c.Dev.RevisionString(), "sectors", c.Dev.Sectors, "lba48", c.Dev.Lba48,
		"flags", hex(c.Flags), "udma", hex(c.UdmaMask))
	return nil
}
