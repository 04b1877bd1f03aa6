// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file implements the polled command engine: slot selection, scatter-gather fill, command header, issue and completion
package ahci

import (
	"fmt"
	"time"

	"github.com/davecgh/go-spew/spew"
	"k8s.io/klog/v2"
)

const (
	READ_CMD  = false
	WRITE_CMD = true

	CMD_POLL_INTERVAL = 10 * time.Microsecond // bounded completion wait only
)

// cmdSlot picks the slot from the current command issue value: the one based
// index of its lowest set bit, 0 when no command is outstanding.
func cmdSlot(ci uint32) int {
	return ffs(ci)
}

// fillSG describes length bytes as 4 MiB fragments in the scatter-gather table.
// phys translates a byte offset in the caller buffer into its DMA address.
// It returns the number of entries written, 0 when length does not fit below
// AHCI_MAX_SG full entries.
func fillSG(sg []byte, phys func(off int) uint64, length int) int {
	if length <= 0 {
		return 0
	}
	count := (length-1)/AHCI_MAX_BYTES_PER_SG + 1
	if length >= AHCI_MAX_BYTES_PER_TRANS || len(sg) < count*AHCI_SG_SZ {
		klog.V(DBG_LVL_BASIC).InfoS("ahci.fillSG: too much sg", "length", length, "count", count)
		return 0
	}
	remain := length
	for i := 0; i < count; i++ {
		addr := phys(i * AHCI_MAX_BYTES_PER_SG)
		size := AHCI_MAX_BYTES_PER_SG - 1
		if remain < AHCI_MAX_BYTES_PER_SG {
			size = remain - 1
		}
		e := ScatterGatherEntry{
			AddrLo:    uint32(addr),
			AddrHi:    uint32(addr >> 32),
			FlagsSize: uint32(size) & AHCI_SG_DBC.mask(),
		}
		e.encode(sg[i*AHCI_SG_SZ:])
		remain -= AHCI_MAX_BYTES_PER_SG
	}
	return count
}

// cmdOpts builds the command header opts word.
func cmdOpts(sgCount int, write bool) uint32 {
	opts := uint32(0)
	AHCI_OPTS_CFL.write(&opts, FIS_SZ>>2)
	AHCI_OPTS_PRDT.write(&opts, uint32(sgCount))
	if write {
		AHCI_OPTS_W.write(&opts, 1)
	}
	return opts
}

// Exec issues fis on the active port, moving the first length bytes of buf,
// and polls until the controller clears the issue bit. The wait is bounded
// only when Config.CommandTimeout is set. It returns length, or 0 when the
// command is rejected.
func (c *Controller) Exec(fis *RegisterH2DFIS, buf []byte, length int, write bool) (int, error) {
	return c.ExecTimeout(fis, buf, length, write, c.cfg.CommandTimeout)
}

// ExecTimeout is Exec with an explicit completion budget. A zero timeout waits forever.
func (c *Controller) ExecTimeout(fis *RegisterH2DFIS, buf []byte, length int, write bool, timeout time.Duration) (int, error) {
	pr := c.active
	if pr == nil {
		return 0, ErrNotInitialized
	}
	p := pr.regs

	// get available slot
	slot := cmdSlot(p.read(PORT_CMD_ISSUE))
	if slot >= AHCI_MAX_CMDS {
		return 0, fmt.Errorf("ahci.Exec: %w", ErrNoFreeCommandSlot)
	}

	if length >= AHCI_MAX_BYTES_PER_TRANS {
		return 0, fmt.Errorf("ahci.Exec: max transfer length is %d bytes, got %d: %w", AHCI_MAX_BYTES_PER_TRANS-1, length, ErrOversizeTransfer)
	}
	if length < 0 || length > len(buf) {
		return 0, fmt.Errorf("ahci.Exec: length %d, buffer %d: %w", length, len(buf), ErrBufferTooSmall)
	}

	copy(pr.CmdTable.Bytes()[:FIS_SZ], fis.Bytes())

	sgCount := 0
	if length > 0 {
		sgCount = fillSG(pr.SG.Bytes(), func(off int) uint64 { return c.plat.VirtToPhys(buf[off:]) }, length)
		if sgCount == 0 {
			return 0, fmt.Errorf("ahci.Exec: %w", ErrOversizeTransfer)
		}
	}

	hdrBytes, err := pr.slotHeader(slot)
	if err != nil {
		return 0, err
	}
	hdr := CommandHeader{
		Opts:      cmdOpts(sgCount, write),
		TblAddrLo: uint32(pr.CmdTable.Addr),
		TblAddrHi: uint32(pr.CmdTable.Addr >> 32),
	}
	hdr.encode(hdrBytes)
	if klogV := klog.V(DBG_LVL_DEEP_DETAIL); klogV.Enabled() {
		klogV.InfoS("ahci.Exec", "slot", slot, "fis", spew.Sdump(fis), "hdr", spew.Sdump(hdr))
	}

	c.plat.SyncDcache()

	// start transfer
	bit := uint32(1) << slot
	p.write(PORT_CMD_ISSUE, bit)

	if timeout > 0 {
		done := pollUntil(c.plat, timeout, CMD_POLL_INTERVAL, func() bool {
			return p.read(PORT_CMD_ISSUE)&bit == 0
		})
		if !done {
			c.plat.SyncDcache()
			return 0, fmt.Errorf("ahci.Exec: command %s slot %d after %v: %w", hex(fis.Command), slot, timeout, ErrCommandTimeout)
		}
	} else {
		for p.read(PORT_CMD_ISSUE)&bit != 0 {
		}
	}

	c.plat.SyncDcache()

	if tfd := p.read(PORT_TFDATA); tfd&(ATA_ERR|ATA_DF) != 0 {
		c.log.Info("device reported an error", "command", hex(fis.Command),
			"status", hex(PORT_TFD_STS.read(tfd)), "error", hex(PORT_TFD_ERR.read(tfd)))
	}
	klog.V(DBG_LVL_DETAIL).InfoS("ahci.Exec", "command", hex(fis.Command), "slot", slot, "sg", sgCount, "bytes", length)
	return length, nil
}
