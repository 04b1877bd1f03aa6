// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

package ahci

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDMALayout(t *testing.T) {
	l := NewDMALayout()

	assert.Equal(t, 0, l.CmdList.Offset)
	assert.Equal(t, 1024, l.CmdList.Size)
	assert.Equal(t, 1024, l.RxFIS.Offset)
	assert.Equal(t, 256, l.RxFIS.Size)
	assert.Equal(t, 1280, l.CmdTable.Offset)
	assert.Equal(t, 0x80+56*16, l.CmdTable.Size)
	assert.Equal(t, 1408, l.SGTable.Offset)
	assert.Equal(t, 56*16, l.SGTable.Size)
	assert.Equal(t, 2304, l.Total)
	assert.Equal(t, AHCI_PORT_PRIV_DMA_SZ, l.Total)
}

func TestAllocPortResources(t *testing.T) {
	plat := NewSimPlatform()
	hba := NewSimHBA(plat, 1, nil)
	regs := portRegs{w: hba, base: portOffset(0)}

	pr, err := allocPortResources(plat, regs, 0, DEFAULT_MMIO_BASE+AHCI_PORT_BASE)
	require.NoError(t, err)

	assert.Equal(t, 1, plat.Allocs)
	assert.Zero(t, pr.CmdList.Addr&(AHCI_PORT_DMA_ALIGN-1))
	assert.Equal(t, pr.CmdList.Addr+1024, pr.RxFIS.Addr)
	assert.Equal(t, pr.CmdList.Addr+1280, pr.CmdTable.Addr)
	assert.Equal(t, pr.CmdList.Addr+1408, pr.SG.Addr)
	assert.Len(t, pr.CmdList.Bytes(), AHCI_CMD_SLOT_SZ)
	assert.Len(t, pr.RxFIS.Bytes(), AHCI_RX_FIS_SZ)
	assert.Len(t, pr.SG.Bytes(), AHCI_MAX_SG*AHCI_SG_SZ)

	// regions share the one allocation
	pr.CmdTable.Bytes()[AHCI_CMD_TBL_HDR_SZ] = 0x5a
	assert.Equal(t, byte(0x5a), pr.SG.Bytes()[0])
	assert.Equal(t, byte(0x5a), pr.sgEntry(0)[0])
	// the controller sees the same bytes
	view, err := plat.Resolve(pr.SG.Addr, 1)
	require.NoError(t, err)
	assert.Equal(t, byte(0x5a), view[0])

	pr.programBases()
	assert.Equal(t, uint32(pr.CmdList.Addr), regs.read(PORT_LST_ADDR))
	assert.Equal(t, uint32(pr.CmdList.Addr>>32), regs.read(PORT_LST_ADDR_HI))
	assert.Equal(t, uint32(pr.RxFIS.Addr), regs.read(PORT_FIS_ADDR))
	assert.Equal(t, uint32(pr.RxFIS.Addr>>32), regs.read(PORT_FIS_ADDR_HI))
}

func TestAllocPortResourcesFailure(t *testing.T) {
	plat := NewSimPlatform()
	plat.AllocFail = errors.New("out of memory")

	_, err := allocPortResources(plat, portRegs{}, 0, 0)
	assert.ErrorIs(t, err, ErrAlloc)
}

func TestInitAllocatesOnce(t *testing.T) {
	c, _, plat := initController(t, NewSimDisk(4096, false))
	assert.Equal(t, 1, plat.Allocs)

	// restarting the port reuses its DMA block
	pr := c.ActivePort()
	require.NoError(t, c.portStart(0))
	assert.Equal(t, 1, plat.Allocs)
	assert.Same(t, pr, c.ActivePort())
}

func TestReinitReusesPortResources(t *testing.T) {
	c, hba, plat := initController(t, NewSimDisk(4096, false))
	pr := c.ActivePort()
	addr := pr.CmdList.Addr

	require.NoError(t, c.Init())

	assert.Equal(t, 1, plat.Allocs)
	assert.Same(t, pr, c.ActivePort())
	assert.Equal(t, 0, c.PortIdx)
	// the restarted engine points at the same block
	p := portRegs{w: hba, base: portOffset(0)}
	assert.Equal(t, uint32(addr), p.read(PORT_LST_ADDR))

	buf := make([]byte, ATA_SECT_SIZE)
	n, err := c.Read(0, 1, buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), n)
}

func TestInitAllocFailure(t *testing.T) {
	c, _, plat := newTestController(t, 1, NewSimDisk(4096, false))
	plat.AllocFail = errors.New("no dma memory")

	err := c.Init()
	assert.ErrorIs(t, err, ErrAlloc)
	assert.Nil(t, c.ActivePort())
}

func TestSlotHeader(t *testing.T) {
	c, _, _ := initController(t, NewSimDisk(4096, false))
	pr := c.ActivePort()

	b, err := pr.slotHeader(31)
	require.NoError(t, err)
	assert.Len(t, b, AHCI_CMD_SZ)

	_, err = pr.slotHeader(32)
	assert.ErrorIs(t, err, ErrInvalidSlot)
	_, err = pr.slotHeader(-1)
	assert.ErrorIs(t, err, ErrInvalidSlot)
}
