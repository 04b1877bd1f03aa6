// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/li041/ls2k1000la-driver/pkg/ahci"

	"k8s.io/klog/v2"
)

var Version = "1.0.0"

// This variable is filled in during the linker step - -ldflags "-X main.buildTime=`date -u '+%Y-%m-%dT%H:%M:%S'`"
var buildTime = ""

var helptxt = `
ahci-util is a command line tool to bring up, exercise and inspect the LS2K1000LA AHCI SATA driver.

Usage:
./ahci-util [--version] [--help] [--verbosity=0] [--config=FILE] [--simulate [--sectors=N] [--lba48] [--read=LBA[:COUNT]]]
            [--devmem=ADDR] [--pci=VVVV:DDDD]

Which:
	version            : Print the version of this application and exit
	help               : Print the help text and exit
	verbosity          : Set the log level verbosity, where 0 is no longing and 4 is very verbose
	config=FILE        : Load the board configuration from a YAML file
	simulate           : Run init, identify and a write/read round trip against the simulated controller
	sectors=N          : Size of the simulated disk in sectors. Need to use with --simulate
	lba48              : Simulated disk supports 48-bit addressing. Need to use with --simulate
	read=LBA[:COUNT]   : Hex dump COUNT sectors from LBA after init. Need to use with --simulate
	devmem=ADDR        : Print the decoded registers of the controller at physical ADDR through /dev/mem (read-only)
	pci=VVVV:DDDD      : Print the vendor and device names of a PCI AHCI function
`

const (
	DefaultVerbosity = "0"      // Default log level
	DefaultSectors   = 0x100000 // 512MB simulated disk
)

type Settings struct {
	Version   bool   // Print the version of this application and exit if true
	Verbosity string // The log level verbosity, where 0 is no longing and 4 is very verbose
	Help      bool   // Print the help text and exit
	Config    string // YAML board configuration
	Simulate  bool   // Run against the simulated controller
	Sectors   uint64 // Simulated disk size
	Lba48     bool   // Simulated disk supports 48-bit addressing
	Read      string // LBA[:COUNT] to dump
	DevMem    string // Physical ABAR address to inspect
	PCI       string // VVVV:DDDD to name
}

// InitContext: initialize the configuration data using command line args
func (s *Settings) InitContext(args []string, ctx context.Context) (error, context.Context) {

	newContext := ctx

	flags := flag.NewFlagSet(args[0], flag.ExitOnError)

	var (
		version   = flags.Bool("version", false, "Display version and exit")
		verbosity = flags.String("verbosity", DefaultVerbosity, "Log level verbosity")
		help      = flags.Bool("help", false, "Print the help text")
		config    = flags.String("config", "", "Load the board configuration from a YAML file")
		simulate  = flags.Bool("simulate", false, "Run against the simulated controller")
		sectors   = flags.Uint64("sectors", DefaultSectors, "Simulated disk size in sectors")
		lba48     = flags.Bool("lba48", false, "Simulated disk supports 48-bit addressing")
		read      = flags.String("read", "", "Hex dump LBA[:COUNT] sectors after init")
		devmem    = flags.String("devmem", "", "Print the decoded registers of the controller at a physical address")
		pci       = flags.String("pci", "", "Print the names of the PCI function VVVV:DDDD")
	)

	err := flags.Parse(args[1:])
	if err != nil {
		return err, newContext
	}

	// Update the configuration object with the parsed values
	s.Version = *version
	s.Verbosity = *verbosity
	s.Help = *help
	s.Config = *config
	s.Simulate = *simulate
	s.Sectors = *sectors
	s.Lba48 = *lba48
	s.Read = *read
	s.DevMem = *devmem
	s.PCI = *pci

	if len(args) == 1 {
		s.Help = true
	}

	return nil, newContext
}

func PrintTableToStdout(table any, prefix, indent string) {
	s, _ := json.MarshalIndent(table, prefix, indent)
	fmt.Print(string(s), "\n")
}

// parseLbaCount parses LBA[:COUNT], both decimal or 0x prefixed hex
func parseLbaCount(s string) (uint64, uint32, error) {
	lbaStr, cntStr, hasCnt := strings.Cut(s, ":")
	lba, err := strconv.ParseUint(lbaStr, 0, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid LBA %q: %w", lbaStr, err)
	}
	cnt := uint64(1)
	if hasCnt {
		cnt, err = strconv.ParseUint(cntStr, 0, 32)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid COUNT %q: %w", cntStr, err)
		}
	}
	return lba, uint32(cnt), nil
}

// runSimulation brings the driver up on the simulated board and exercises a write/read round trip
func runSimulation(settings Settings, cfg ahci.Config) error {
	disk := ahci.NewSimDisk(settings.Sectors, settings.Lba48)
	ctrl, hba, plat := ahci.NewSimController(1, disk, cfg)
	if err := ctrl.Init(); err != nil {
		return err
	}

	fmt.Printf("\nAHCI Controller:\n")
	PrintTableToStdout(ctrl.Info(), "   ", "   ")
	fmt.Printf("\n%s", ctrl.Dev.String())

	// write a pattern past the first sector, then read it back
	const blocks = 300
	pattern := make([]byte, blocks*ahci.ATA_SECT_SIZE)
	for i := range pattern {
		pattern[i] = byte(i / ahci.ATA_SECT_SIZE)
	}
	if n, err := ctrl.Write(1, blocks, pattern); err != nil || n != blocks {
		return fmt.Errorf("write: %d blocks: %w", n, err)
	}
	readBack := make([]byte, len(pattern))
	if n, err := ctrl.Read(1, blocks, readBack); err != nil || n != blocks {
		return fmt.Errorf("read: %d blocks: %w", n, err)
	}
	for i := range pattern {
		if pattern[i] != readBack[i] {
			return fmt.Errorf("data mismatch at byte %d", i)
		}
	}
	plat.Release(pattern)
	plat.Release(readBack)
	fmt.Printf("\nRound trip of %d blocks ok, %d device commands, %d cache flushes\n", blocks, len(hba.Log), disk.Flushes)

	if settings.Read != "" {
		lba, cnt, err := parseLbaCount(settings.Read)
		if err != nil {
			return err
		}
		buf := make([]byte, int(cnt)*ahci.ATA_SECT_SIZE)
		if _, err := ctrl.Read(lba, cnt, buf); err != nil {
			return err
		}
		fmt.Printf("\nLBA %d, %d sectors:\n%s", lba, cnt, ahci.HexDump(buf))
		plat.Release(buf)
	}

	fmt.Printf("\nRegisters:\n")
	PrintTableToStdout(ctrl.Registers(), "   ", "   ")
	return nil
}

// setVerbosity applies the klog verbosity level v.
func setVerbosity(v string) error {
	var l klog.Level
	if err := l.Set(v); err != nil {
		return fmt.Errorf("invalid verbosity %q: %w", v, err)
	}
	return nil
}

func main() {

	// Extract settings and initialize context using command line args
	settings := Settings{}
	ctx := context.Background()
	var err error
	err, _ = settings.InitContext(os.Args, ctx)

	if err != nil {
		fmt.Printf("ERROR: parsing parameters, err=%v\n", err)
		os.Exit(1)
	}

	// Set verbosity level according to the 'verbosity' flag
	if err := setVerbosity(settings.Verbosity); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}

	// ahci-util banner
	args := strings.Join(os.Args[1:], " ")
	klog.V(1).InfoS("ahci-util", "args", args)
	klog.V(2).InfoS("ahci-util", "settings", settings)

	if settings.Version {
		fmt.Println("[] ahci-util", "version", Version, "build", buildTime)
		os.Exit(0)
	}

	if settings.Help {
		fmt.Print(helptxt)
		os.Exit(0)
	}

	cfg := ahci.DefaultConfig()
	if settings.Config != "" {
		cfg, err = ahci.LoadConfig(settings.Config)
		if err != nil {
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
	}

	if settings.PCI != "" {
		vid, did, err := ahci.ParsePCIID(settings.PCI)
		if err != nil {
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
		name, err := ahci.LookupPCIName(vid, did)
		if err != nil {
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
		PrintTableToStdout(name, "", "   ")
	}

	if settings.DevMem != "" {
		base, err := strconv.ParseUint(settings.DevMem, 0, 64)
		if err != nil {
			fmt.Printf("ERROR: invalid address %q: %v\n", settings.DevMem, err)
			os.Exit(1)
		}
		win, err := ahci.OpenDevMem(base, false)
		if err != nil {
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
		cfg.MMIOBase = base
		ctrl := ahci.New(win, nil, cfg)
		fmt.Printf("\nAHCI registers at 0x%X:\n", base)
		PrintTableToStdout(ctrl.Registers(), "   ", "   ")
		if err := win.Close(); err != nil {
			klog.ErrorS(err, "ahci-util: unmap registers", "base", fmt.Sprintf("0x%X", base))
		}
	}

	if settings.Simulate {
		if err := runSimulation(settings, cfg); err != nil {
			fmt.Printf("ERROR: simulation failed: %v\n", err)
			os.Exit(1)
		}
	}
}
