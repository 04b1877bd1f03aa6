// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

package ahci

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimPlatformRelease(t *testing.T) {
	plat := NewSimPlatform()
	a := make([]byte, 64)
	b := make([]byte, 64)

	pa := plat.VirtToPhys(a)
	pb := plat.VirtToPhys(b)
	assert.Equal(t, 2, plat.Regions())
	// interior pointers resolve to the existing region
	assert.Equal(t, pa+8, plat.VirtToPhys(a[8:]))
	assert.Equal(t, 2, plat.Regions())

	plat.Release(a)
	assert.Equal(t, 1, plat.Regions())
	_, err := plat.Resolve(pa, 1)
	assert.Error(t, err)
	view, err := plat.Resolve(pb, 64)
	require.NoError(t, err)
	view[0] = 0x5a
	assert.Equal(t, byte(0x5a), b[0])

	// unknown and empty buffers are ignored
	plat.Release(make([]byte, 8))
	plat.Release(nil)
	assert.Equal(t, 1, plat.Regions())

	// released memory gets a fresh address
	assert.NotEqual(t, pa, plat.VirtToPhys(a))
}

func TestReadReleasesBuffers(t *testing.T) {
	c, _, plat := initController(t, NewSimDisk(4096, false))
	before := plat.Regions()

	buf := make([]byte, 4*ATA_SECT_SIZE)
	n, err := c.Read(0, 4, buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), n)
	assert.Equal(t, before+1, plat.Regions())

	plat.Release(buf)
	assert.Equal(t, before, plat.Regions())
}
