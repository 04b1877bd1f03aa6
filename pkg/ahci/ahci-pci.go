// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file implements the PCI vendor / device name lookup for AHCI functions
package ahci

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jaypipes/pcidb"
	"k8s.io/klog/v2"
)

// PCIName : resolved names of a PCI function
type PCIName struct {
	VendorID string `json:"VendorID"`
	DeviceID string `json:"DeviceID"`
	Vendor   string `json:"Vendor"`
	Device   string `json:"Device"`
}

// ParsePCIID splits "VVVV:DDDD" into lower case hex vendor and device ids.
func ParsePCIID(s string) (string, string, error) {
	vid, did, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), ":")
	if !ok || len(vid) != 4 || len(did) != 4 {
		return "", "", fmt.Errorf("ahci.ParsePCIID: expect VVVV:DDDD, got %q", s)
	}
	if _, err := strconv.ParseUint(vid, 16, 16); err != nil {
		return "", "", fmt.Errorf("ahci.ParsePCIID: vendor %q: %w", vid, err)
	}
	if _, err := strconv.ParseUint(did, 16, 16); err != nil {
		return "", "", fmt.Errorf("ahci.ParsePCIID: device %q: %w", did, err)
	}
	return vid, did, nil
}

// LookupPCIName resolves vendor and device names from the pci.ids database.
func LookupPCIName(vid, did string) (PCIName, error) {
	name := PCIName{VendorID: vid, DeviceID: did}
	db, err := pcidb.New()
	if err != nil {
		return name, fmt.Errorf("ahci.LookupPCIName: %w", err)
	}
	vendor, ok := db.Vendors[vid]
	if !ok {
		klog.V(DBG_LVL_BASIC).InfoS("ahci.LookupPCIName: unknown vendor", "vid", vid)
		return name, nil
	}
	name.Vendor = vendor.Name
	for _, product := range vendor.Products {
		if product.ID == did {
			name.Device = product.Name
			break
		}
	}
	klog.V(DBG_LVL_INFO).InfoS("ahci.LookupPCIName", "vid", vid, "did", did, "vendor", name.Vendor, "device", name.Device)
	return name, nil
}
