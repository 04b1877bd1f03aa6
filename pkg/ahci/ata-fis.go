// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file implements the Register Host-to-Device FIS and the ATA command set used by the driver
package ahci

import (
	"math/bits"
)

const SATA_FIS_TYPE_REGISTER_H2D = 0x27

const (
	FIS_PM_PORT_C = 0x80 // C bit, the FIS carries a command
	FIS_SZ        = 20   // 5 dwords
)

// ATA commands, see ATA8-ACS
const (
	ATA_CMD_ID_ATA          = 0xEC
	ATA_CMD_READ            = 0xC8 // READ DMA
	ATA_CMD_WRITE           = 0xCA // WRITE DMA
	ATA_CMD_READ_EXT        = 0x25 // READ DMA EXT
	ATA_CMD_WRITE_EXT       = 0x35 // WRITE DMA EXT
	ATA_CMD_FLUSH           = 0xE7
	ATA_CMD_FLUSH_EXT       = 0xEA
	ATA_CMD_SET_FEATURES    = 0xEF
	ATA_LBA                 = 0x40 // device register, LBA addressing
	SETFEATURES_XFER        = 0x03
	ATA_SECT_SIZE           = 512
	ATA_MAX_SECTORS         = 256   // LBA28
	ATA_MAX_SECTORS_LBA48   = 65535 // 0xFFFF
	ATA_ID_WORDS            = 256
	ATA_ID_SZ               = ATA_ID_WORDS * 2
	XFER_UDMA_0             = 0x40
	ATA_SETFEATURES_UDMA_HI = XFER_UDMA_0 - 2 // ffs(mask+1) is one based
)

// RegisterH2DFIS is the 20 byte command FIS copied into the command table.
type RegisterH2DFIS struct {
	FisType    uint8
	PmPortC    uint8
	Command    uint8
	Features   uint8
	LbaLow     uint8
	LbaMid     uint8
	LbaHigh    uint8
	Device     uint8
	LbaLowExp  uint8
	LbaMidExp  uint8
	LbaHighExp uint8
	FeaturesEx uint8
	Count      uint8
	CountExp   uint8
	Res1       uint8
	Control    uint8
	Res2       [4]uint8
}

func newFIS(cmd uint8) RegisterH2DFIS {
	return RegisterH2DFIS{
		FisType: SATA_FIS_TYPE_REGISTER_H2D,
		PmPortC: FIS_PM_PORT_C,
		Command: cmd,
	}
}

// Bytes encodes the FIS in wire order.
func (f *RegisterH2DFIS) Bytes() []byte {
	b := make([]byte, FIS_SZ)
	b[0] = f.FisType
	b[1] = f.PmPortC
	b[2] = f.Command
	b[3] = f.Features
	b[4] = f.LbaLow
	b[5] = f.LbaMid
	b[6] = f.LbaHigh
	b[7] = f.Device
	b[8] = f.LbaLowExp
	b[9] = f.LbaMidExp
	b[10] = f.LbaHighExp
	b[11] = f.FeaturesEx
	b[12] = f.Count
	b[13] = f.CountExp
	b[14] = f.Res1
	b[15] = f.Control
	copy(b[16:], f.Res2[:])
	return b
}

// DecodeFIS reads a FIS back from the command table.
func DecodeFIS(b []byte) RegisterH2DFIS {
	return parseStruct(b[:FIS_SZ], RegisterH2DFIS{})
}

// LBA returns the 48-bit address the FIS carries.
func (f *RegisterH2DFIS) LBA() uint64 {
	return uint64(f.LbaLow) | uint64(f.LbaMid)<<8 | uint64(f.LbaHigh)<<16 |
		uint64(f.LbaLowExp)<<24 | uint64(f.LbaMidExp)<<32 | uint64(f.LbaHighExp)<<40
}

// LBA28 returns the 28-bit address, taking bits 24..27 from the device register.
func (f *RegisterH2DFIS) LBA28() uint32 {
	return uint32(f.LbaLow) | uint32(f.LbaMid)<<8 | uint32(f.LbaHigh)<<16 | uint32(f.Device&0x0f)<<24
}

// SectorCount returns the 16-bit sector count.
func (f *RegisterH2DFIS) SectorCount() uint32 {
	return uint32(f.Count) | uint32(f.CountExp)<<8
}

// IdentifyFIS builds IDENTIFY DEVICE.
func IdentifyFIS() RegisterH2DFIS {
	return newFIS(ATA_CMD_ID_ATA)
}

// ReadWriteFIS builds READ/WRITE DMA with a 28-bit address. A count of 256
// is encoded as zero.
func ReadWriteFIS(lba uint32, blocks uint32, write bool) RegisterH2DFIS {
	cmd := uint8(ATA_CMD_READ)
	if write {
		cmd = ATA_CMD_WRITE
	}
	f := newFIS(cmd)
	f.LbaLow = uint8(lba)
	f.LbaMid = uint8(lba >> 8)
	f.LbaHigh = uint8(lba >> 16)
	f.Device = ATA_LBA | uint8((lba>>24)&0x0f)
	f.Count = uint8(blocks)
	return f
}

// ReadWriteExtFIS builds READ/WRITE DMA EXT with a 48-bit address.
func ReadWriteExtFIS(lba uint64, blocks uint32, write bool) RegisterH2DFIS {
	cmd := uint8(ATA_CMD_READ_EXT)
	if write {
		cmd = ATA_CMD_WRITE_EXT
	}
	f := newFIS(cmd)
	f.LbaLow = uint8(lba)
	f.LbaMid = uint8(lba >> 8)
	f.LbaHigh = uint8(lba >> 16)
	f.Device = ATA_LBA
	f.LbaLowExp = uint8(lba >> 24)
	f.LbaMidExp = uint8(lba >> 32)
	f.LbaHighExp = uint8(lba >> 40)
	f.Count = uint8(blocks)
	f.CountExp = uint8(blocks >> 8)
	return f
}

// FlushFIS builds FLUSH CACHE or FLUSH CACHE EXT.
func FlushFIS(lba48 bool) RegisterH2DFIS {
	if lba48 {
		return newFIS(ATA_CMD_FLUSH_EXT)
	}
	return newFIS(ATA_CMD_FLUSH)
}

// SetFeaturesFIS builds SET FEATURES / set transfer mode for the highest UDMA mode in udmaMask.
func SetFeaturesFIS(udmaMask uint16) RegisterH2DFIS {
	f := newFIS(ATA_CMD_SET_FEATURES)
	f.Features = SETFEATURES_XFER
	f.Count = uint8(ffs(uint32(udmaMask)+1) + ATA_SETFEATURES_UDMA_HI)
	return f
}

// ffs returns the one based index of the lowest set bit of v, or 0 when v is 0.
func ffs(v uint32) int {
	if v == 0 {
		return 0
	}
	return bits.TrailingZeros32(v) + 1
}
