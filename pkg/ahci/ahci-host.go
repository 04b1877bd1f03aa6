// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file implements the controller object and the host (HBA) reset / enable sequence
package ahci

import (
	"fmt"

	"github.com/go-logr/logr"
	"k8s.io/klog/v2"
)

// SATA device flags derived from IDENTIFY
const (
	SATA_FLAG_WCACHE    uint32 = 1 << 0
	SATA_FLAG_FLUSH     uint32 = 1 << 1
	SATA_FLAG_FLUSH_EXT uint32 = 1 << 2
)

// Controller is one AHCI host controller with at most one active port.
// It is not safe for concurrent use: exactly one command is outstanding at a time.
type Controller struct {
	MMIOBase  uint64          `json:"MMIOBase"`
	Cap       uint32          `json:"Cap"`
	Cap2      uint32          `json:"Cap2"`
	Version   uint32          `json:"Version"`
	PortMap   uint32          `json:"PortMap"` // implemented ports
	NPorts    int             `json:"NPorts"`
	LinkUp    uint32          `json:"LinkUp"` // ports with DET == 3
	PioMask   uint16          `json:"PioMask"`
	UdmaMask  uint16          `json:"UdmaMask"`
	Flags     uint32          `json:"Flags"`
	PortIdx   int             `json:"PortIdx"` // -1 until a port is started
	Ports     []PortState     `json:"Ports"`
	Dev       BlockDeviceInfo `json:"Dev"`
	Identify  *IdentifyData   `json:"-"`

	win    RegisterWindow
	plat   Platform
	cfg    Config
	log    logr.Logger
	res    []*PortResources
	active *PortResources
}

// New builds a controller on top of any register window.
func New(win RegisterWindow, plat Platform, cfg Config) *Controller {
	return &Controller{
		MMIOBase: cfg.MMIOBase,
		PortIdx:  -1,
		win:      win,
		plat:     plat,
		cfg:      cfg,
		log:      cfg.logger(),
	}
}

// Open maps cfg.MMIOBase through the platform once and builds the controller on the MMIO window.
func Open(plat Platform, cfg Config) *Controller {
	base := plat.PhysToUncached(cfg.MMIOBase)
	klog.V(DBG_LVL_BASIC).InfoS("ahci.Open", "phys", hex(cfg.MMIOBase), "uncached", hex(base))
	return New(NewMMIOWindow(base), plat, cfg)
}

// Init brings the controller from reset to a started port and identifies the attached device.
func (c *Controller) Init() error {
	if err := c.hostInit(); err != nil {
		c.log.Error(err, "host init failed")
		return err
	}
	if err := c.portScan(); err != nil {
		c.log.Error(err, "port scan failed")
		return err
	}
	c.log.Info("AHCI controller", "info", c.Info().String())
	if err := c.sataScan(); err != nil {
		c.log.Error(err, "sata scan failed")
		return err
	}
	return nil
}

func (c *Controller) readHost(reg uint64) uint32 {
	return c.win.Read32(reg)
}

func (c *Controller) writeHost(reg uint64, val uint32) {
	c.win.Write32(reg, val)
}

// hostInit resets and enables the HBA, discovers its ports and trains every port link.
func (c *Controller) hostInit() error {
	// no I/O until a scan picks a port again
	c.active = nil
	c.PortIdx = -1

	// reset ahci controller
	tmp := c.readHost(HOST_CTL)
	if tmp&HOST_RESET == 0 {
		c.writeHost(HOST_CTL, tmp|HOST_RESET)
	}
	// HOST_RESET self-clears when the reset is done
	done := pollUntil(c.plat, c.cfg.ResetTimeout, POLL_INTERVAL, func() bool {
		return c.readHost(HOST_CTL)&HOST_RESET == 0
	})
	if !done {
		return fmt.Errorf("ahci.hostInit: %w after %v", ErrResetTimeout, c.cfg.ResetTimeout)
	}

	// enable ahci
	tmp = c.readHost(HOST_CTL)
	c.writeHost(HOST_CTL, tmp|HOST_AHCI_EN)
	c.plat.Delay(POLL_INTERVAL)

	// CAP and PI are write-once; seed them when no firmware ran before us
	if !c.cfg.FirmwareInitialized {
		c.writeHost(HOST_CAP, HOST_CAP_MPS|HOST_CAP_SSS)
		c.writeHost(HOST_PORTS_IMPL, c.cfg.PortsImplemented)
		c.readHost(HOST_PORTS_IMPL) // flush
	}

	c.Cap = c.readHost(HOST_CAP)
	c.Cap2 = c.readHost(HOST_CAP2)
	c.Version = c.readHost(HOST_VERSION)
	c.PortMap = c.readHost(HOST_PORTS_IMPL)
	c.NPorts = int(HOST_CAP_NP.read(c.Cap)) + 1
	klog.V(DBG_LVL_INFO).InfoS("ahci.hostInit", "cap", hex(c.Cap), "cap2", hex(c.Cap2),
		"version", hex(c.Version), "pi", hex(c.PortMap), "nPorts", c.NPorts)

	c.Ports = make([]PortState, c.NPorts)
	// port DMA blocks outlive a re-init
	if len(c.res) != c.NPorts {
		c.res = make([]*PortResources, c.NPorts)
	}
	c.LinkUp = 0
	for i := 0; i < c.NPorts; i++ {
		c.Ports[i] = PortState{Index: i, MMIO: c.MMIOBase + portOffset(i), Phase: PORT_IDLE}
		if err := c.portLinkInit(i); err != nil {
			return err
		}
	}

	// interrupt enable, completions are still polled
	tmp = c.readHost(HOST_CTL)
	c.writeHost(HOST_CTL, tmp|HOST_IRQ_EN)
	c.readHost(HOST_CTL) // flush

	return nil
}

// port returns the register block of a validated port index.
func (c *Controller) port(i int) (portRegs, error) {
	if i < 0 || i >= c.NPorts || i >= AHCI_MAX_PORTS {
		return portRegs{}, fmt.Errorf("%w: %d (ports %d)", ErrInvalidPort, i, c.NPorts)
	}
	return portRegs{w: c.win, base: portOffset(i)}, nil
}

// LinkUpMap returns the bitmap of ports with an established link.
func (c *Controller) LinkUpMap() uint32 {
	return c.LinkUp
}

// ActivePort returns the resources of the started port, or nil before Init succeeded.
func (c *Controller) ActivePort() *PortResources {
	return c.active
}

// Config returns the configuration the controller was built with.
func (c *Controller) Config() Config {
	return c.cfg
}
