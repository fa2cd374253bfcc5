// Package vram reports host memory, GPU inventory, and pressure-stall
// readings to the orchestrator and the metrics sampler.
package vram

import (
	"context"
	"fmt"

	"github.com/elastic/go-sysinfo"
	"github.com/jaypipes/ghw"

	"github.com/gantry-ai/gantry/pkg/logging"
)

const bytesPerGB = 1 << 30

// PSI carries the avg10 "some" pressure percentages for cpu, memory, and io.
// Zero values on hosts without /proc/pressure support.
type PSI struct {
	CPU    float64 `json:"cpu"`
	Memory float64 `json:"memory"`
	IO     float64 `json:"io"`
}

// GPUDevice describes one discovered graphics device.
type GPUDevice struct {
	Index  int    `json:"index"`
	Vendor string `json:"vendor"`
	Name   string `json:"name"`
}

// Snapshot is one observation of the host's memory and pressure state.
type Snapshot struct {
	TotalGB     float64     `json:"total_gb"`
	UsedGB      float64     `json:"used_gb"`
	AvailableGB float64     `json:"available_gb"`
	UsagePct    float64     `json:"usage_pct"`
	PSI         PSI         `json:"psi"`
	GPUs        []GPUDevice `json:"gpus,omitempty"`
}

// Probe produces memory snapshots for admission decisions.
type Probe interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// HostProbe reads host memory through go-sysinfo, GPU inventory through ghw,
// and PSI from /proc/pressure. GPU discovery runs once at construction; the
// device list does not change while the process runs.
type HostProbe struct {
	log  logging.Logger
	gpus []GPUDevice
}

// NewHostProbe creates a probe for the local host. GPU discovery failure is
// logged and tolerated: unified-memory admission works from host memory
// alone.
func NewHostProbe(log logging.Logger) *HostProbe {
	p := &HostProbe{log: log}

	gpu, err := ghw.GPU()
	if err != nil {
		log.Warnf("GPU discovery unavailable: %v", err)
		return p
	}
	for i, card := range gpu.GraphicsCards {
		device := GPUDevice{Index: i}
		if card.DeviceInfo != nil {
			if card.DeviceInfo.Vendor != nil {
				device.Vendor = card.DeviceInfo.Vendor.Name
			}
			if card.DeviceInfo.Product != nil {
				device.Name = card.DeviceInfo.Product.Name
			}
		}
		p.gpus = append(p.gpus, device)
	}
	return p
}

func (p *HostProbe) Snapshot(ctx context.Context) (Snapshot, error) {
	host, err := sysinfo.Host()
	if err != nil {
		return Snapshot{}, fmt.Errorf("reading host info: %w", err)
	}
	mem, err := host.Memory()
	if err != nil {
		return Snapshot{}, fmt.Errorf("reading host memory: %w", err)
	}

	total := float64(mem.Total) / bytesPerGB
	available := float64(mem.Available) / bytesPerGB
	used := total - available

	snap := Snapshot{
		TotalGB:     total,
		UsedGB:      used,
		AvailableGB: available,
		PSI:         readPSI(),
		GPUs:        p.gpus,
	}
	if total > 0 {
		snap.UsagePct = 100 * used / total
	}
	return snap, nil
}

// Static is a fixed-value probe backing tests and hosts where discovery is
// unavailable.
type Static struct {
	Total float64
	Used  float64
}

func (s *Static) Snapshot(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{
		TotalGB:     s.Total,
		UsedGB:      s.Used,
		AvailableGB: s.Total - s.Used,
	}
	if s.Total > 0 {
		snap.UsagePct = 100 * s.Used / s.Total
	}
	return snap, nil
}
