package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"strings"

	"github.com/mdraid/mdctl/internal/blockio"
	"github.com/mdraid/mdctl/internal/mdmodel"
	"github.com/mdraid/mdctl/internal/mdmon"
	"github.com/mdraid/mdctl/internal/mdsuper"
	_ "github.com/mdraid/mdctl/internal/mdsuper/families"
)

// deviceList implements flag.Value over a repeatable -member flag, one
// entry per container member disk.
type deviceList []string

func (d *deviceList) String() string { return strings.Join(*d, ",") }
func (d *deviceList) Set(path string) error {
	*d = append(*d, path)
	return nil
}

var (
	fContainer = flag.String("container", "", "container device name to monitor, e.g. md127")
	fRunDir    = flag.String("run-dir", mdmon.RunDir, "directory holding pidfiles and control sockets")
	fTakeover  = flag.Bool("takeover", false, "kill and replace an incumbent monitor for this container")
	fMembers   deviceList
)

func init() {
	flag.Var(&fMembers, "member", "member device path, e.g. /dev/sda (repeatable)")
}

func main() {
	flag.Parse()

	level := slog.LevelInfo
	if os.Getenv("MDMON_DEBUG") != "" {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if *fContainer == "" {
		log.Error("missing required -container flag")
		os.Exit(2)
	}
	if len(fMembers) == 0 {
		log.Error("at least one -member flag is required")
		os.Exit(2)
	}

	reg := mdsuper.ByFamily(mdsuper.FamilyIMSM)
	if reg == nil {
		log.Error("no external-metadata family registered")
		os.Exit(1)
	}
	sw, ok := reg.(mdsuper.ExternalSuperswitch)
	if !ok {
		log.Error("registered IMSM family does not support external capabilities")
		os.Exit(1)
	}

	var devices []*blockio.Device
	for _, path := range fMembers {
		dev, err := blockio.Open(path)
		if err != nil {
			log.Error("mdmon: open member device", "device", path, "error", err)
			os.Exit(1)
		}
		devices = append(devices, dev)
	}

	sup, err := sw.Load(devices[0])
	if err != nil {
		log.Error("mdmon: load container metadata", "error", err)
		os.Exit(1)
	}

	container := &mdmodel.Container{Path: *fContainer, UUID: sup.UUID()}
	m := mdmon.New(container, sw, sup, devices, log)
	m.RunDir = *fRunDir

	if *fTakeover {
		log.Info("mdmon: takeover requested, incumbent (if any) will be terminated")
	}

	if err := m.Run(context.Background()); err != nil {
		log.Error("mdmon: exiting on error", "error", err)
		os.Exit(1)
	}
}
