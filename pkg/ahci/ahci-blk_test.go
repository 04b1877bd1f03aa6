// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

package ahci

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type xfer struct {
	cmd   uint8
	lba   uint64
	count uint32
}

// transfers returns the commands the HBA ran after Init.
func transfers(hba *SimHBA, from int) []xfer {
	out := []xfer{}
	for _, c := range hba.Log[from:] {
		out = append(out, xfer{c.Command, c.LBA, c.Count})
	}
	return out
}

func pattern(blocks int, seed byte) []byte {
	b := make([]byte, blocks*ATA_SECT_SIZE)
	for i := range b {
		b[i] = seed + byte(i/ATA_SECT_SIZE) + byte(i)
	}
	return b
}

func TestWriteSplitsAndFlushes(t *testing.T) {
	disk := NewSimDisk(4096, false)
	c, hba, _ := initController(t, disk)
	require.Equal(t, SATA_FLAG_WCACHE|SATA_FLAG_FLUSH, c.Flags)
	from := len(hba.Log)

	n, err := c.Write(0, 300, pattern(300, 1))

	require.NoError(t, err)
	assert.Equal(t, uint32(300), n)
	assert.Equal(t, []xfer{
		{ATA_CMD_WRITE, 0, 256},
		{ATA_CMD_WRITE, 256, 44},
		{ATA_CMD_FLUSH, 0, 0},
	}, transfers(hba, from))
	assert.Equal(t, 1, disk.Flushes)
}

func TestReadWriteRoundTrip(t *testing.T) {
	c, _, _ := initController(t, NewSimDisk(4096, false))
	src := pattern(300, 7)

	n, err := c.Write(1, 300, src)
	require.NoError(t, err)
	require.Equal(t, uint32(300), n)

	dst := make([]byte, len(src))
	n, err = c.Read(1, 300, dst)
	require.NoError(t, err)
	require.Equal(t, uint32(300), n)
	assert.True(t, bytes.Equal(src, dst))

	// untouched sectors read back as zero
	one := make([]byte, ATA_SECT_SIZE)
	_, err = c.Read(0, 1, one)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, ATA_SECT_SIZE), one)
}

func TestReadChunksLba28(t *testing.T) {
	for _, cnt := range []uint32{1, 255, 256, 257, 300, 1000} {
		c, hba, _ := initController(t, NewSimDisk(4096, false))
		from := len(hba.Log)

		n, err := c.Read(10, cnt, make([]byte, int(cnt)*ATA_SECT_SIZE))
		require.NoError(t, err)
		assert.Equal(t, cnt, n)

		want := []xfer{}
		for lba, left := uint64(10), cnt; left > 0; {
			k := left
			if k > ATA_MAX_SECTORS {
				k = ATA_MAX_SECTORS
			}
			want = append(want, xfer{ATA_CMD_READ, lba, k})
			lba += uint64(k)
			left -= k
		}
		assert.Equal(t, want, transfers(hba, from), "count %d", cnt)
	}
}

func TestReadChunksLba48(t *testing.T) {
	for _, tc := range []struct {
		cnt  uint32
		want []xfer
	}{
		{1, []xfer{{ATA_CMD_READ_EXT, 10, 1}}},
		{65535, []xfer{{ATA_CMD_READ_EXT, 10, 65535}}},
		{65537, []xfer{{ATA_CMD_READ_EXT, 10, 65535}, {ATA_CMD_READ_EXT, 65545, 2}}},
	} {
		c, hba, _ := initController(t, NewSimDisk(1<<20, true))
		require.True(t, c.Dev.Lba48)
		from := len(hba.Log)

		n, err := c.Read(10, tc.cnt, make([]byte, int(tc.cnt)*ATA_SECT_SIZE))
		require.NoError(t, err)
		assert.Equal(t, tc.cnt, n)
		assert.Equal(t, tc.want, transfers(hba, from), "count %d", tc.cnt)
	}
}

func TestWriteLba48FlushesExt(t *testing.T) {
	disk := NewSimDisk(1<<33, true)
	c, hba, _ := initController(t, disk)
	require.Equal(t, uint64(1<<33), c.Dev.Sectors)
	from := len(hba.Log)

	lba := uint64(1<<32 + 5)
	n, err := c.Write(lba, 3, pattern(3, 9))

	require.NoError(t, err)
	assert.Equal(t, uint32(3), n)
	assert.Equal(t, []xfer{
		{ATA_CMD_WRITE_EXT, lba, 3},
		{ATA_CMD_FLUSH_EXT, 0, 0},
	}, transfers(hba, from))

	got := make([]byte, ATA_SECT_SIZE)
	disk.ReadSector(lba+2, got)
	assert.Equal(t, pattern(3, 9)[2*ATA_SECT_SIZE:], got)
}

func TestLba28TruncatesAddress(t *testing.T) {
	c, hba, _ := initController(t, NewSimDisk(4096, false))
	from := len(hba.Log)

	_, err := c.Read(1<<32+5, 1, make([]byte, ATA_SECT_SIZE))

	require.NoError(t, err)
	assert.Equal(t, []xfer{{ATA_CMD_READ, 5, 1}}, transfers(hba, from))
}

func TestZeroCountIssuesNothing(t *testing.T) {
	c, hba, _ := initController(t, NewSimDisk(4096, false))
	from := len(hba.Log)

	n, err := c.Read(0, 0, nil)
	assert.NoError(t, err)
	assert.Equal(t, uint32(0), n)

	n, err = c.Write(0, 0, nil)
	assert.NoError(t, err)
	assert.Equal(t, uint32(0), n)

	assert.Len(t, hba.Log, from)
}

func TestBlockBufferTooSmall(t *testing.T) {
	c, hba, _ := initController(t, NewSimDisk(4096, false))
	from := len(hba.Log)

	n, err := c.Read(0, 2, make([]byte, ATA_SECT_SIZE))

	assert.Equal(t, uint32(0), n)
	assert.True(t, errors.Is(err, ErrBufferTooSmall))
	assert.Len(t, hba.Log, from)
}

func TestBlockNotInitialized(t *testing.T) {
	c, _, _ := newTestController(t, 1, NewSimDisk(4096, false))

	_, err := c.Read(0, 1, make([]byte, ATA_SECT_SIZE))
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = c.Write(0, 1, make([]byte, ATA_SECT_SIZE))
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestShortTransferAbortsWithoutFlush(t *testing.T) {
	disk := NewSimDisk(4096, false)
	c, hba, _ := initController(t, disk)
	from := len(hba.Log)
	// every slot looks busy once the first burst is done
	hba.OnCommand = func(n int, cmd SimCommand) {
		if cmd.Command == ATA_CMD_WRITE {
			hba.Port(0).StuckIssue = 1 << 31
		}
	}
	src := pattern(300, 3)

	n, err := c.Write(0, 300, src)

	assert.Equal(t, uint32(0), n)
	assert.True(t, errors.Is(err, ErrShortTransfer))
	assert.True(t, errors.Is(err, ErrNoFreeCommandSlot))
	assert.Equal(t, []xfer{{ATA_CMD_WRITE, 0, 256}}, transfers(hba, from))
	assert.Equal(t, 0, disk.Flushes)

	// the first burst is not undone
	got := make([]byte, ATA_SECT_SIZE)
	disk.ReadSector(255, got)
	assert.Equal(t, src[255*ATA_SECT_SIZE:256*ATA_SECT_SIZE], got)
	disk.ReadSector(256, got)
	assert.Equal(t, make([]byte, ATA_SECT_SIZE), got)
}

func TestFlushFailureKeepsCount(t *testing.T) {
	disk := NewSimDisk(4096, false)
	c, hba, _ := initController(t, disk)
	hba.OnCommand = func(n int, cmd SimCommand) {
		if cmd.Command == ATA_CMD_WRITE {
			hba.Port(0).StuckIssue = 1 << 31
		}
	}

	n, err := c.Write(0, 1, pattern(1, 0))

	assert.Equal(t, uint32(1), n)
	assert.True(t, errors.Is(err, ErrNoFreeCommandSlot))
	assert.False(t, errors.Is(err, ErrShortTransfer))
	assert.Equal(t, 0, disk.Flushes)
}

func TestNoFlushWithoutWriteCache(t *testing.T) {
	disk := NewSimDisk(4096, false)
	disk.WriteCache = false
	c, hba, _ := initController(t, disk)
	assert.Zero(t, c.Flags&SATA_FLAG_WCACHE)
	from := len(hba.Log)

	n, err := c.Write(0, 2, pattern(2, 0))

	require.NoError(t, err)
	assert.Equal(t, uint32(2), n)
	assert.Equal(t, []xfer{{ATA_CMD_WRITE, 0, 2}}, transfers(hba, from))
	assert.Equal(t, 0, disk.Flushes)
}

func TestFlushCacheMatchesAddressing(t *testing.T) {
	c, hba, _ := initController(t, NewSimDisk(4096, false))
	require.NoError(t, c.FlushCache())
	assert.Equal(t, uint8(ATA_CMD_FLUSH), hba.Log[len(hba.Log)-1].Command)

	c, hba, _ = initController(t, NewSimDisk(1<<20, true))
	require.NoError(t, c.FlushCache())
	assert.Equal(t, uint8(ATA_CMD_FLUSH_EXT), hba.Log[len(hba.Log)-1].Command)
}
