package sync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/samber/lo"
)

// blockDevice mirrors one node of the `lsblk -J` device tree.
type blockDevice struct {
	Name       string        `json:"name"`
	Size       string        `json:"size"`
	Type       string        `json:"type"`
	Mountpoint string        `json:"mountpoint"`
	Label      string        `json:"label"`
	Fstype     string        `json:"fstype"`
	Children   []blockDevice `json:"children"`
}

// deviceCandidate is an attached disk or partition that could serve as the
// backup destination.
type deviceCandidate struct {
	Name       string
	Size       uint64
	Filesystem string
	Label      string
	Mountpoint string
	Partition  bool
}

// discoverCandidates lists attached block devices via lsblk and filters out
// host system media, the device backing the root filesystem included.
func discoverCandidates(ctx context.Context, unsafePrefixes []string) ([]deviceCandidate, error) {
	out, err := runCommand(ctx, "lsblk", "-J", "-o", "NAME,SIZE,TYPE,MOUNTPOINT,LABEL,FSTYPE")
	if err != nil {
		return nil, fmt.Errorf("list block devices: %w", err)
	}

	var tree struct {
		BlockDevices []blockDevice `json:"blockdevices"`
	}
	if err := json.Unmarshal([]byte(out), &tree); err != nil {
		return nil, fmt.Errorf("parse lsblk output: %w", err)
	}

	var candidates []deviceCandidate
	var walk func(devs []blockDevice)
	walk = func(devs []blockDevice) {
		for _, d := range devs {
			walk(d.Children)
			if d.Type != "disk" && d.Type != "part" {
				continue
			}
			if isUnsafeDevice(d.Name, unsafePrefixes) || d.Mountpoint == "/" {
				continue
			}
			// lsblk sizes are human strings like "57.3G"; precision only
			// matters for ranking candidates.
			size, _ := humanize.ParseBytes(d.Size) //nolint:errcheck
			candidates = append(candidates, deviceCandidate{
				Name:       d.Name,
				Size:       size,
				Filesystem: d.Fstype,
				Label:      d.Label,
				Mountpoint: d.Mountpoint,
				Partition:  d.Type == "part",
			})
		}
	}
	walk(tree.BlockDevices)
	return candidates, nil
}

// suggestDevice picks the most plausible backup destination: partitions over
// whole disks, formatted over unformatted, ext4 over other filesystems,
// largest last.
func suggestDevice(candidates []deviceCandidate) string {
	if len(candidates) == 0 {
		return ""
	}
	pick := candidates
	if parts := lo.Filter(pick, func(c deviceCandidate, _ int) bool { return c.Partition }); len(parts) > 0 {
		pick = parts
	}
	if formatted := lo.Filter(pick, func(c deviceCandidate, _ int) bool { return c.Filesystem != "" }); len(formatted) > 0 {
		pick = formatted
	}
	if ext4 := lo.Filter(pick, func(c deviceCandidate, _ int) bool { return c.Filesystem == "ext4" }); len(ext4) > 0 {
		pick = ext4
	}
	return lo.MaxBy(pick, func(a, b deviceCandidate) bool { return a.Size > b.Size }).Name
}

// logFirstRunHelp scans attached storage and logs configuration guidance.
// Runs when no usb_device is configured yet; the daemon still exits fatal
// afterwards, the scan only exists to tell the user what to put in the
// add-on options.
func logFirstRunHelp(ctx context.Context, unsafePrefixes []string) {
	l := sub("discovery")
	l.Info("first run: no usb_device configured, scanning attached storage")

	candidates, err := discoverCandidates(ctx, unsafePrefixes)
	if err != nil {
		l.Warn("device discovery failed", "err", err)
		return
	}
	if len(candidates) == 0 {
		l.Info("no candidate storage devices found; connect a USB drive and restart the add-on")
		return
	}

	l.Info("candidate storage devices attached", "count", len(candidates))
	for _, c := range candidates {
		fs := c.Filesystem
		if fs == "" {
			fs = "unformatted"
		}
		mount := c.Mountpoint
		if mount == "" {
			mount = "not mounted"
		}
		l.Info("candidate device",
			"name", c.Name,
			"size", humanize.Bytes(c.Size),
			"fs", fs,
			"label", c.Label,
			"status", mount)
	}
	if best := suggestDevice(candidates); best != "" {
		l.Info("suggested configuration", "usb_device", best)
	}
}
