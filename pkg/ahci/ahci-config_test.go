// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

package ahci

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "board.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, uint64(0x400e0000), cfg.MMIOBase)
	assert.Equal(t, uint32(0xf), cfg.PortsImplemented)
	assert.False(t, cfg.FirmwareInitialized)
	assert.True(t, cfg.SetTransferMode)
	assert.Zero(t, cfg.ResetTimeout)
	assert.Zero(t, cfg.CommandTimeout)
	assert.NotNil(t, cfg.Logger.GetSink())
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
mmioBase: 0x1fe00000
portsImplemented: 0x1
firmwareInitialized: true
resetTimeout: 500ms
commandTimeout: 2s
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, uint64(0x1fe00000), cfg.MMIOBase)
	assert.Equal(t, uint32(1), cfg.PortsImplemented)
	assert.True(t, cfg.FirmwareInitialized)
	assert.Equal(t, 500*time.Millisecond, cfg.ResetTimeout)
	assert.Equal(t, 2*time.Second, cfg.CommandTimeout)
	// untouched keys keep their defaults
	assert.True(t, cfg.SetTransferMode)
}

func TestLoadConfigEmptyFile(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, uint64(DEFAULT_MMIO_BASE), cfg.MMIOBase)
	assert.Equal(t, uint32(0xf), cfg.PortsImplemented)
}

func TestLoadConfigRejectsUnknownKey(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "mmioBase: 0x1000\nportCount: 2\n"))
	assert.Error(t, err)
}

func TestLoadConfigRejectsNegativeTimeout(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "commandTimeout: -1s\n"))
	assert.Error(t, err)
	_, err = LoadConfig(writeConfig(t, "resetTimeout: -5ms\n"))
	assert.Error(t, err)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestConfigLoggerFallback(t *testing.T) {
	cfg := Config{}
	assert.NotNil(t, cfg.logger().GetSink())

	cfg.Logger = logr.Discard()
	c := New(nil, nil, cfg)
	assert.Equal(t, -1, c.PortIdx)
	assert.Equal(t, uint64(0), c.Config().MMIOBase)
}

func TestHex(t *testing.T) {
	assert.Equal(t, "0x400E0000", hex(uint64(DEFAULT_MMIO_BASE)))
	assert.Equal(t, "0xEC", hex(uint8(ATA_CMD_ID_ATA)))
}
