// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file implements block read / write: chunking into per-command bursts and the write cache flush
package ahci

import (
	"fmt"

	"k8s.io/klog/v2"
)

// rwCmd issues one READ/WRITE DMA (EXT) and returns the blocks moved.
func (c *Controller) rwCmd(lba uint64, blocks uint32, buf []byte, write, lba48 bool) (uint32, error) {
	var fis RegisterH2DFIS
	if lba48 {
		fis = ReadWriteExtFIS(lba, blocks, write)
	} else {
		fis = ReadWriteFIS(uint32(lba), blocks, write)
	}
	n := int(blocks) * ATA_SECT_SIZE
	if _, err := c.Exec(&fis, buf[:n], n, write); err != nil {
		return 0, err
	}
	return blocks, nil
}

// rw splits cnt blocks into commands of at most maxBlocks. Any short command
// aborts the request and 0 is returned; finished commands are not undone.
func (c *Controller) rw(lba uint64, cnt uint32, buf []byte, write bool) (uint32, error) {
	if c.active == nil {
		return 0, ErrNotInitialized
	}
	if cnt == 0 {
		return 0, nil
	}
	if uint64(len(buf)) < uint64(cnt)*ATA_SECT_SIZE {
		return 0, fmt.Errorf("ahci.rw: %d blocks, buffer %d bytes: %w", cnt, len(buf), ErrBufferTooSmall)
	}

	lba48 := c.Dev.Lba48
	maxBlocks := uint32(ATA_MAX_SECTORS)
	if lba48 {
		maxBlocks = ATA_MAX_SECTORS_LBA48
	} else {
		lba = uint64(uint32(lba))
	}

	start := lba
	blks := cnt
	ofs := 0
	for blks != 0 {
		n := blks
		if n > maxBlocks {
			n = maxBlocks
		}
		done, err := c.rwCmd(start, n, buf[ofs:], write, lba48)
		if done != n {
			klog.V(DBG_LVL_BASIC).InfoS("ahci.rw short transfer", "lba", start, "want", n, "got", done)
			return 0, fmt.Errorf("ahci.rw at lba %d: %w: %w", start, ErrShortTransfer, err)
		}
		start += uint64(n)
		blks -= n
		ofs += int(n) * ATA_SECT_SIZE
	}
	return cnt, nil
}

// Read copies cnt blocks starting at lba into buf and returns the blocks read.
func (c *Controller) Read(lba uint64, cnt uint32, buf []byte) (uint32, error) {
	return c.rw(lba, cnt, buf, READ_CMD)
}

// Write stores cnt blocks from buf starting at lba and returns the blocks
// written. When the device caches writes, the cache is flushed afterwards.
func (c *Controller) Write(lba uint64, cnt uint32, buf []byte) (uint32, error) {
	n, err := c.rw(lba, cnt, buf, WRITE_CMD)
	if err != nil || n == 0 {
		return n, err
	}
	flush := SATA_FLAG_FLUSH
	if c.Dev.Lba48 {
		flush = SATA_FLAG_FLUSH_EXT
	}
	if c.Flags&SATA_FLAG_WCACHE != 0 && c.Flags&flush != 0 {
		if err := c.FlushCache(); err != nil {
			return n, err
		}
	}
	return n, nil
}

// FlushCache issues FLUSH CACHE (EXT) matching the addressing mode in use.
func (c *Controller) FlushCache() error {
	fis := FlushFIS(c.Dev.Lba48)
	if _, err := c.Exec(&fis, nil, 0, READ_CMD); err != nil {
		return fmt.Errorf("ahci.FlushCache: %w", err)
	}
	return nil
}
