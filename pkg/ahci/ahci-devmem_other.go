// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

//go:build !linux

package ahci

import (
	"errors"
)

// DevMemWindow is only available on Linux.
type DevMemWindow struct{}

func OpenDevMem(base uint64, writable bool) (*DevMemWindow, error) {
	return nil, errors.New("ahci.OpenDevMem: /dev/mem is only supported on linux")
}

func (d *DevMemWindow) Read32(offset uint64) uint32       { return 0 }
func (d *DevMemWindow) Write32(offset uint64, val uint32) {}
func (d *DevMemWindow) Close() error                      { return nil }
