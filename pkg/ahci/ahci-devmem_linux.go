// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file implements a register window over /dev/mem for inspecting a live controller from Linux
package ahci

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
)

const (
	DEVMEM_PAGE_SZ = 0x1000
	AHCI_ABAR_SZ   = AHCI_PORT_BASE + AHCI_MAX_PORTS*AHCI_PORT_MMIO_LEN // global registers and 32 ports
)

// DevMemWindow maps the controller registers of a running system through /dev/mem.
type DevMemWindow struct {
	file     *os.File
	mmap     []byte
	ofs      uint64 // ABAR offset inside the page aligned mapping
	writable bool
}

// OpenDevMem maps the ABAR at physical address base. Without writable the
// window is read-only and writes are dropped.
func OpenDevMem(base uint64, writable bool) (*DevMemWindow, error) {
	flags := os.O_RDONLY | os.O_SYNC
	prot := unix.PROT_READ
	if writable {
		flags = os.O_RDWR | os.O_SYNC
		prot |= unix.PROT_WRITE
	}
	f, err := os.OpenFile("/dev/mem", flags, 0)
	if err != nil {
		return nil, fmt.Errorf("ahci.OpenDevMem: %w", err)
	}
	aligned := base &^ (DEVMEM_PAGE_SZ - 1)
	size := int((base - aligned + AHCI_ABAR_SZ + DEVMEM_PAGE_SZ - 1) &^ (DEVMEM_PAGE_SZ - 1))
	klog.V(DBG_LVL_INFO).InfoS("ahci.OpenDevMem", "phyaddr", hex(aligned), "size", hex(size), "writable", writable)
	mmap, err := unix.Mmap(int(f.Fd()), int64(aligned), size, prot, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("ahci.OpenDevMem: mmap %s: %w", hex(aligned), err)
	}
	return &DevMemWindow{file: f, mmap: mmap, ofs: base - aligned, writable: writable}, nil
}

func (d *DevMemWindow) addr(offset uint64) *uint32 {
	return (*uint32)(unsafe.Pointer(&d.mmap[d.ofs+offset]))
}

// force 32bit access: the HBA does not support byte reads of its registers
func (d *DevMemWindow) Read32(offset uint64) uint32 {
	return atomic.LoadUint32(d.addr(offset))
}

func (d *DevMemWindow) Write32(offset uint64, val uint32) {
	if !d.writable {
		klog.V(DBG_LVL_BASIC).InfoS("ahci.DevMemWindow.Write32 dropped on read-only window", "offset", hex(offset), "val", hex(val))
		return
	}
	*d.addr(offset) = val
}

// Close unmaps the registers.
func (d *DevMemWindow) Close() error {
	err := unix.Munmap(d.mmap)
	if cerr := d.file.Close(); err == nil {
		err = cerr
	}
	return err
}
