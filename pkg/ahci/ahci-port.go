// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file implements the per-port link training state machine and the port scan / start sequence
package ahci

import (
	"fmt"

	"k8s.io/klog/v2"
)

// PortPhase : where a port is in the link training sequence
type PortPhase string

const (
	PORT_IDLE            PortPhase = "Idle"
	PORT_ENGINE_STOPPING PortPhase = "EngineStopping"
	PORT_SPINNING_UP     PortPhase = "SpinningUp"
	PORT_LINK_TRAINING   PortPhase = "LinkTraining"
	PORT_READY           PortPhase = "Ready"
	PORT_DOWN            PortPhase = "Down"
	PORT_STARTED         PortPhase = "Started"
)

// PortState records the outcome of link training for one port.
type PortState struct {
	Index        int       `json:"Index"`
	MMIO         uint64    `json:"MMIO"`
	Phase        PortPhase `json:"Phase"`
	Det          uint32    `json:"Det"`
	EngineStuck  bool      `json:"EngineStuck"`  // CR did not clear within the stop budget
	LinkTimedOut bool      `json:"LinkTimedOut"` // DET never reached 1 or 3
}

// LinkUp reports whether the port has phy communication established.
func (s PortState) LinkUp() bool {
	return s.Det == SSTS_DET_ESTABLSH
}

// portLinkInit runs Idle -> EngineStopping -> SpinningUp -> LinkTraining -> Ready|Down for port i.
// Only a spin-up timeout is returned as an error.
func (c *Controller) portLinkInit(i int) error {
	p, err := c.port(i)
	if err != nil {
		return err
	}
	st := &c.Ports[i]

	// ensure the port is idle: check ST FRE FR CR
	tmp := p.read(PORT_CMD)
	if tmp&(PORT_CMD_LIST_ON|PORT_CMD_FIS_ON|PORT_CMD_FIS_RX|PORT_CMD_START) != 0 {
		st.Phase = PORT_ENGINE_STOPPING
		p.clear(PORT_CMD, PORT_CMD_START)
		c.plat.Delay(ENGINE_STOP_DELAY)
		stopped := pollUntil(c.plat, RESET_STOP_TIMEOUT, POLL_INTERVAL, func() bool {
			return p.read(PORT_CMD)&PORT_CMD_LIST_ON == 0
		})
		if !stopped {
			st.EngineStuck = true
			c.log.Info("command list engine did not stop", "port", i, "cmd", hex(p.read(PORT_CMD)))
		}
	}

	// spin up
	st.Phase = PORT_SPINNING_UP
	p.set(PORT_CMD, PORT_CMD_SPIN_UP)
	spun := pollUntil(c.plat, SPIN_UP_TIMEOUT, POLL_INTERVAL, func() bool {
		return p.read(PORT_CMD)&PORT_CMD_SPIN_UP != 0
	})
	if !spun {
		st.Phase = PORT_DOWN
		return fmt.Errorf("ahci.portLinkInit port %d: %w", i, ErrSpinUpTimeout)
	}

	// wait for device detection
	st.Phase = PORT_LINK_TRAINING
	linked := pollUntil(c.plat, LINK_TIMEOUT, POLL_INTERVAL, func() bool {
		det := PORT_SSTS_DET.read(p.read(PORT_SCR_STAT))
		return det == SSTS_DET_PRESENT || det == SSTS_DET_ESTABLSH
	})
	if !linked {
		st.LinkTimedOut = true
		c.log.Info("sata link timeout", "port", i, "err", ErrLinkTrainingTimeout)
	} else {
		c.log.V(DBG_LVL_BASIC).Info("sata link up", "port", i)
	}

	// clear serr
	p.write(PORT_SCR_ERR, p.read(PORT_SCR_ERR))

	// ack any pending irq events for this port
	p.write(PORT_IRQ_STAT, p.read(PORT_IRQ_STAT))
	c.writeHost(HOST_IRQ_STAT, 1<<i)

	p.write(PORT_IRQ_MASK, DEF_PORT_IRQ)

	st.Det = PORT_SSTS_DET.read(p.read(PORT_SCR_STAT))
	if st.LinkUp() {
		c.LinkUp |= 1 << i
		st.Phase = PORT_READY
	} else {
		st.Phase = PORT_DOWN
	}
	klog.V(DBG_LVL_INFO).InfoS("ahci.portLinkInit", "port", i, "phase", st.Phase, "det", st.Det, "linkUp", hex(c.LinkUp))
	return nil
}

// portScan starts the lowest numbered port with an established link.
func (c *Controller) portScan() error {
	if c.LinkUp == 0 {
		return fmt.Errorf("ahci.portScan: %w", ErrNoLinkedPort)
	}
	for i := 0; i < c.NPorts; i++ {
		if (c.LinkUp>>i)&0x01 == 0 {
			continue
		}
		if err := c.portStart(i); err != nil {
			return fmt.Errorf("ahci.portScan: cannot start port %d: %w", i, err)
		}
		c.PortIdx = i
		return nil
	}
	return fmt.Errorf("ahci.portScan: %w", ErrNoLinkedPort)
}

// portStart allocates the DMA block of port i, programs its base registers and starts the engines.
func (c *Controller) portStart(i int) error {
	p, err := c.port(i)
	if err != nil {
		return err
	}
	if PORT_SSTS_DET.read(p.read(PORT_SCR_STAT)) != SSTS_DET_ESTABLSH {
		return fmt.Errorf("no link on port %d: %w", i, ErrNoLinkedPort)
	}

	pr := c.res[i]
	if pr == nil {
		pr, err = allocPortResources(c.plat, p, i, c.MMIOBase+p.base)
		if err != nil {
			return err
		}
		c.res[i] = pr
	}
	pr.programBases()

	p.write(PORT_CMD, PORT_CMD_ICC_ACTIVE|PORT_CMD_FIS_RX|PORT_CMD_POWER_ON|PORT_CMD_SPIN_UP|PORT_CMD_START)

	ready := pollUntil(c.plat, PORT_READY_TIMEOUT, POLL_INTERVAL, func() bool {
		return p.read(PORT_TFDATA)&(ATA_ERR|ATA_DRQ|ATA_BUSY) == 0
	})
	if !ready {
		return fmt.Errorf("tfd %s: %w", hex(p.read(PORT_TFDATA)), ErrPortStartTimeout)
	}

	c.Ports[i].Phase = PORT_STARTED
	c.active = pr
	klog.V(DBG_LVL_BASIC).InfoS("ahci.portStart", "port", i, "mmio", hex(pr.MMIO))
	return nil
}
