// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

package ahci

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lbaIdentify(sectors uint32) *IdentifyData {
	id := &IdentifyData{}
	id[ATA_ID_CAPABILITY] = 1 << 9
	id[ATA_ID_LBA_CAPACITY] = uint16(sectors)
	id[ATA_ID_LBA_CAPACITY+1] = uint16(sectors >> 16)
	return id
}

func TestParseIdentify(t *testing.T) {
	raw := make([]byte, ATA_ID_SZ)
	binary.LittleEndian.PutUint16(raw[2*ATA_ID_QUEUE_DEPTH:], 0x1234)
	raw[0] = 0x40

	id, err := ParseIdentify(raw)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), id[ATA_ID_QUEUE_DEPTH])
	assert.Equal(t, uint16(0x0040), id[ATA_ID_CONFIG])

	_, err = ParseIdentify(raw[:ATA_ID_SZ-1])
	assert.ErrorIs(t, err, ErrBufferTooSmall)
}

func TestSectorsLba28(t *testing.T) {
	id := lbaIdentify(0x00123456)
	// 48-bit capacity set but not advertised
	id[ATA_ID_LBA_CAPACITY_2] = 0xFFFF

	assert.True(t, id.HasLBA())
	assert.False(t, id.HasLBA48())
	assert.Equal(t, uint64(0x00123456), id.Sectors())
}

func TestSectorsLba48(t *testing.T) {
	id := lbaIdentify(0x0FFFFFFF)
	id[ATA_ID_COMMAND_SET_2] = 0x4000 | 1<<10
	id[ATA_ID_LBA_CAPACITY_2+2] = 0x2 // 1<<33

	assert.True(t, id.HasLBA48())
	assert.Equal(t, uint64(1<<33), id.Sectors())

	// word 83 is only trusted when bits 15:14 read 01b
	id[ATA_ID_COMMAND_SET_2] = 1 << 10
	assert.False(t, id.HasLBA48())
	assert.Equal(t, uint64(0x0FFFFFFF), id.Sectors())
	id[ATA_ID_COMMAND_SET_2] = 0xC000 | 1<<10
	assert.False(t, id.HasLBA48())

	// a zero 48-bit capacity falls back to the 28-bit one
	id[ATA_ID_COMMAND_SET_2] = 0x4000 | 1<<10
	id[ATA_ID_LBA_CAPACITY_2+2] = 0
	assert.False(t, id.HasLBA48())
	assert.Equal(t, uint64(0x0FFFFFFF), id.Sectors())
}

func TestSectorsWithoutLBA(t *testing.T) {
	id := lbaIdentify(1000)
	id[ATA_ID_CAPABILITY] = 0
	assert.Equal(t, uint64(0), id.Sectors())
}

func TestCommandSetFlags(t *testing.T) {
	id := &IdentifyData{}
	id[ATA_ID_COMMAND_SET_1] = 1 << 5
	id[ATA_ID_COMMAND_SET_2] = 1<<12 | 1<<13
	id[ATA_ID_CFS_ENABLE_1] = 1 << 5
	id[ATA_ID_CSF_DEFAULT] = 0x4000

	// not valid yet
	assert.False(t, id.HasFlush())
	assert.False(t, id.HasFlushExt())
	assert.False(t, id.HasWriteCache())
	assert.Equal(t, uint32(0), identifyFlags(id))

	id[ATA_ID_COMMAND_SET_2] |= 0x4000
	assert.True(t, id.HasFlush())
	assert.True(t, id.HasFlushExt())
	assert.True(t, id.HasWriteCache())
	assert.True(t, id.WriteCacheEnabled())
	assert.Equal(t, SATA_FLAG_WCACHE|SATA_FLAG_FLUSH|SATA_FLAG_FLUSH_EXT, identifyFlags(id))

	// supported but switched off
	id[ATA_ID_CFS_ENABLE_1] = 0
	assert.Equal(t, SATA_FLAG_FLUSH|SATA_FLAG_FLUSH_EXT, identifyFlags(id))

	// enable bits ignored when word 87 is not valid
	id[ATA_ID_CFS_ENABLE_1] = 1 << 5
	id[ATA_ID_CSF_DEFAULT] = 0
	assert.False(t, id.WriteCacheEnabled())
}

func TestQueueDepth(t *testing.T) {
	id := &IdentifyData{}
	assert.Equal(t, uint32(1), id.QueueDepth())
	id[ATA_ID_QUEUE_DEPTH] = 31
	assert.Equal(t, uint32(32), id.QueueDepth())
	id[ATA_ID_QUEUE_DEPTH] = 0xFFE0 | 7
	assert.Equal(t, uint32(8), id.QueueDepth())
}

func TestCString(t *testing.T) {
	id := &IdentifyData{}
	// words hold the first character in the high byte
	id[ATA_ID_SERNO] = uint16('S')<<8 | uint16('N')
	id[ATA_ID_SERNO+1] = uint16('1')<<8 | uint16(' ')
	for i := 2; i < ATA_ID_SERNO_LEN/2; i++ {
		id[ATA_ID_SERNO+i] = 0x2020
	}

	s := id.CString(ATA_ID_SERNO, ATA_ID_SERNO_LEN+1)
	require.Len(t, s, ATA_ID_SERNO_LEN+1)
	assert.Equal(t, "SN1", cstr(s))
	assert.Equal(t, byte(0), s[3])
	assert.Equal(t, byte(0), s[ATA_ID_SERNO_LEN])

	// full width field keeps every character
	id.SetString(ATA_ID_FW_REV, ATA_ID_FW_REV_LEN, "ABCDEFGH")
	assert.Equal(t, "ABCDEFGH", cstr(id.CString(ATA_ID_FW_REV, ATA_ID_FW_REV_LEN+1)))

	// embedded NUL ends the string
	id.SetString(ATA_ID_PROD, ATA_ID_PROD_LEN, "AB\x00D")
	assert.Equal(t, "AB", cstr(id.CString(ATA_ID_PROD, ATA_ID_PROD_LEN+1)))
}

func TestNewBlockDeviceInfo(t *testing.T) {
	disk := NewSimDisk(123456, false)
	disk.Model = "Model X"
	dev := NewBlockDeviceInfo(disk.Identify())

	assert.False(t, dev.Lba48)
	assert.Equal(t, uint64(123456), dev.Sectors)
	assert.Equal(t, uint32(ATA_SECT_SIZE), dev.BlockSize)
	assert.Equal(t, uint32(32), dev.QueueDepth)
	assert.Equal(t, "SIM0000000001", dev.SerialString())
	assert.Equal(t, "Model X", dev.ProductString())
	assert.Equal(t, "1.0", dev.RevisionString())
	assert.Equal(t, uint64(123456*ATA_SECT_SIZE), dev.Bytes())
	assert.Equal(t, "SATA Device Info:\nS/N: SIM0000000001\nProduct model number: Model X\n"+
		"Firmware version: 1.0\nCapacity: 123456 sectors\n", dev.String())
}

func TestSataScanRecordsDevice(t *testing.T) {
	disk := NewSimDisk(1<<30, true)
	disk.UdmaModes = 0x1f
	c, _, _ := initController(t, disk)

	require.NotNil(t, c.Identify)
	assert.True(t, c.Dev.Lba48)
	assert.Equal(t, uint64(1<<30), c.Dev.Sectors)
	assert.Equal(t, uint16(0x1f), c.UdmaMask)
	assert.Equal(t, uint16(0x3), c.PioMask)
	assert.Equal(t, SATA_FLAG_WCACHE|SATA_FLAG_FLUSH|SATA_FLAG_FLUSH_EXT, c.Flags)
	assert.Equal(t, uint8(0x44), disk.XferMode) // UDMA4
}

func TestSataScanWithoutTransferMode(t *testing.T) {
	disk := NewSimDisk(4096, false)
	cfg := DefaultConfig()
	cfg.SetTransferMode = false
	c, hba, _ := NewSimController(1, disk, cfg)
	require.NoError(t, c.Init())

	require.Len(t, hba.Log, 1)
	assert.Equal(t, uint8(ATA_CMD_ID_ATA), hba.Log[0].Command)
	assert.Equal(t, ATA_ID_SZ, hba.Log[0].Bytes)
	assert.Equal(t, uint8(0), disk.XferMode)
}
