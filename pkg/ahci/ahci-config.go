// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file implements the driver configuration and the error values returned by the library
package ahci

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

var (
	ErrResetTimeout        = errors.New("ahci: controller reset did not complete")
	ErrSpinUpTimeout       = errors.New("ahci: spin up cannot finish")
	ErrLinkTrainingTimeout = errors.New("ahci: sata link timeout")
	ErrNoLinkedPort        = errors.New("ahci: no port device detected")
	ErrPortStartTimeout    = errors.New("ahci: port failed to start")
	ErrNoFreeCommandSlot   = errors.New("ahci: cannot find empty command slot")
	ErrOversizeTransfer    = errors.New("ahci: transfer exceeds the scatter-gather table")
	ErrShortTransfer       = errors.New("ahci: sub-command transferred fewer blocks than requested")
	ErrCommandTimeout      = errors.New("ahci: command did not complete")
	ErrInvalidPort         = errors.New("ahci: port index out of range")
	ErrInvalidSlot         = errors.New("ahci: command slot out of range")
	ErrBufferTooSmall      = errors.New("ahci: buffer smaller than the requested blocks")
	ErrNotInitialized      = errors.New("ahci: controller has no active port")
	ErrAlloc               = errors.New("ahci: DMA allocation failed")
)

// LS2K1000LA SATA controller ABAR
const DEFAULT_MMIO_BASE = 0x400e0000

// Config holds the board specific settings of a controller instance.
type Config struct {
	// MMIOBase is the physical address of the controller registers.
	MMIOBase uint64 `yaml:"mmioBase" json:"MMIOBase"`
	// FirmwareInitialized skips pre-seeding the write-once CAP and PI registers.
	FirmwareInitialized bool `yaml:"firmwareInitialized" json:"FirmwareInitialized"`
	// PortsImplemented is written to PI when the registers are pre-seeded.
	PortsImplemented uint32 `yaml:"portsImplemented" json:"PortsImplemented"`
	// ResetTimeout bounds the global reset wait. Zero waits for the hardware.
	ResetTimeout time.Duration `yaml:"resetTimeout" json:"ResetTimeout"`
	// CommandTimeout bounds command completion. Zero waits forever.
	CommandTimeout time.Duration `yaml:"commandTimeout" json:"CommandTimeout"`
	// SetTransferMode negotiates the highest UDMA mode after IDENTIFY.
	SetTransferMode bool `yaml:"setTransferMode" json:"SetTransferMode"`

	Logger logr.Logger `yaml:"-" json:"-"`
}

// DefaultConfig returns the settings for the LS2K1000LA board.
func DefaultConfig() Config {
	return Config{
		MMIOBase:         DEFAULT_MMIO_BASE,
		PortsImplemented: 0xf,
		SetTransferMode:  true,
		Logger:           klog.Background().WithName("ahci"),
	}
}

// LoadConfig reads a YAML board description on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	expanded, err := homedir.Expand(path)
	if err != nil {
		return cfg, fmt.Errorf("ahci.LoadConfig: %w", err)
	}
	b, err := os.ReadFile(expanded)
	if err != nil {
		return cfg, fmt.Errorf("ahci.LoadConfig: %w", err)
	}
	if err := parseConfig(b, &cfg); err != nil {
		return cfg, fmt.Errorf("ahci.LoadConfig %s: %w", expanded, err)
	}
	klog.V(DBG_LVL_INFO).InfoS("ahci.LoadConfig", "path", expanded, "mmioBase", hex(cfg.MMIOBase))
	return cfg, nil
}

func parseConfig(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	if cfg.ResetTimeout < 0 || cfg.CommandTimeout < 0 {
		return fmt.Errorf("negative timeout")
	}
	return nil
}

func (c *Config) logger() logr.Logger {
	if c.Logger.GetSink() == nil {
		return klog.Background().WithName("ahci")
	}
	return c.Logger
}

// Wrapper function to shorten int to hex convertion call
func hex(a any) string {
	return fmt.Sprintf("0x%X", a)
}
